package services

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/am-ricci/casaflow/backend/database"
	"github.com/am-ricci/casaflow/backend/models"
)

var testUserSeq int

// newTestDB opens a fresh in-memory database with the full schema. One
// connection only: with :memory:, every pooled connection would otherwise
// get its own empty database.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	db.SetMaxOpenConns(1)
	_, err = db.Exec("PRAGMA foreign_keys = ON")
	require.NoError(t, err)

	require.NoError(t, database.RunMigrations(db))
	return db
}

func createTestUser(t *testing.T, db *sql.DB) int {
	t.Helper()
	testUserSeq++
	res, err := db.Exec(`
		INSERT INTO users (username, password_hash, full_name)
		VALUES (?, 'not-a-real-hash', 'Test Landlord')
	`, fmt.Sprintf("landlord%d", testUserSeq))
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return int(id)
}

func createTestApartment(t *testing.T, db *sql.DB, userID int) int {
	t.Helper()
	res, err := db.Exec(`
		INSERT INTO apartments (user_id, name, monthly_rent)
		VALUES (?, 'Bilocale Via Roma 1', 800)
	`, userID)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return int(id)
}

func createTestTenant(t *testing.T, db *sql.DB, userID int) int {
	t.Helper()
	res, err := db.Exec(`
		INSERT INTO tenants (user_id, first_name, last_name, email)
		VALUES (?, 'Mario', 'Rossi', 'mario.rossi@example.com')
	`, userID)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return int(id)
}

func isoDaysAgo(days int) string {
	return time.Now().AddDate(0, 0, -days).Format("2006-01-02")
}

func isoDaysAhead(days int) string {
	return time.Now().AddDate(0, 0, days).Format("2006-01-02")
}

// billingEnv bundles the services and one landlord with an apartment and a
// tenant, the minimum cast for generation tests.
type billingEnv struct {
	db       *sql.DB
	readings *ReadingService
	billing  *BillingService
	leases   *LeaseService

	userID      int
	apartmentID int
	tenantID    int
}

func newBillingEnv(t *testing.T) *billingEnv {
	t.Helper()

	db := newTestDB(t)
	billing := NewBillingService(db, nil)
	env := &billingEnv{
		db:       db,
		readings: NewReadingService(db, nil),
		billing:  billing,
		leases:   NewLeaseService(db, billing),
		userID:   createTestUser(t, db),
	}
	env.apartmentID = createTestApartment(t, db, env.userID)
	env.tenantID = createTestTenant(t, db, env.userID)
	return env
}

// standardLease creates a running lease with synthesized meter baselines at
// 100 kWh / 50 m3 / 20 m3, rent 800.
func (e *billingEnv) standardLease(t *testing.T, deposit float64) *models.Lease {
	t.Helper()

	elec, water, gas := 100.0, 50.0, 20.0
	lease, err := e.leases.Create(e.userID, LeaseInput{
		TenantID:        e.tenantID,
		ApartmentID:     e.apartmentID,
		StartDate:       isoDaysAgo(45),
		EndDate:         isoDaysAhead(320),
		MonthlyRent:     800,
		SecurityDeposit: deposit,
		Baselines: BaselineInput{
			ElectricityStart: &elec,
			WaterStart:       &water,
			GasStart:         &gas,
		},
	})
	require.NoError(t, err)
	return lease
}

// addReading appends a reading with no explicit unit cost, so invoice lines
// fall back to the billing defaults.
func (e *billingEnv) addReading(t *testing.T, utilityType string, subtype *string, date string, current float64) *models.UtilityReading {
	t.Helper()

	r, err := e.readings.Create(e.userID, ReadingInput{
		ApartmentID:    e.apartmentID,
		Type:           utilityType,
		Subtype:        subtype,
		ReadingDate:    date,
		CurrentReading: current,
	})
	require.NoError(t, err)
	return r
}

// leaseBaselines reads the current baseline pointers straight from the row.
func (e *billingEnv) leaseBaselines(t *testing.T, leaseID int) (elec, water, gas, laundry *int) {
	t.Helper()

	var e1, w1, g1, l1 sql.NullInt64
	err := e.db.QueryRow(`
		SELECT electricity_reading_id, water_reading_id, gas_reading_id,
		       electricity_laundry_reading_id
		FROM leases WHERE id = ?
	`, leaseID).Scan(&e1, &w1, &g1, &l1)
	require.NoError(t, err)
	return nullableID(e1), nullableID(w1), nullableID(g1), nullableID(l1)
}

func (e *billingEnv) monthlyInvoiceCount(t *testing.T) int {
	t.Helper()

	var n int
	err := e.db.QueryRow(`
		SELECT COUNT(*) FROM invoices
		WHERE user_id = ? AND invoice_number LIKE 'INV-%' AND deleted_at IS NULL
	`, e.userID).Scan(&n)
	require.NoError(t, err)
	return n
}

func itemByType(t *testing.T, items []models.InvoiceItem, itemType string) models.InvoiceItem {
	t.Helper()

	for _, it := range items {
		if it.Type == itemType {
			return it
		}
	}
	t.Fatalf("no %q item among %d invoice items", itemType, len(items))
	return models.InvoiceItem{}
}
