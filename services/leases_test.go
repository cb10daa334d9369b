package services

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/am-ricci/casaflow/backend/models"
)

func apartmentStatus(t *testing.T, db *sql.DB, apartmentID int) (string, bool) {
	t.Helper()
	var status string
	var available bool
	err := db.QueryRow(`SELECT status, is_available FROM apartments WHERE id = ?`, apartmentID).Scan(&status, &available)
	require.NoError(t, err)
	return status, available
}

func TestLeaseCreateSynthesizesBaselines(t *testing.T) {
	e := newBillingEnv(t)
	lease := e.standardLease(t, 0)

	require.NotNil(t, lease.ElectricityReadingID)
	require.NotNil(t, lease.WaterReadingID)
	require.NotNil(t, lease.GasReadingID)
	assert.Nil(t, lease.ElectricityLaundryReadingID)

	baseline, err := e.readings.Get(e.userID, *lease.ElectricityReadingID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, baseline.PreviousReading)
	assert.Equal(t, 100.0, baseline.CurrentReading)
	assert.InDelta(t, 0.0, baseline.Consumption, 1e-9)
	assert.True(t, baseline.IsSpecialReading)
	assert.True(t, baseline.IsPaid)
	assert.Equal(t, "Lettura iniziale contratto", baseline.Notes)
	assert.Equal(t, lease.StartDate, baseline.ReadingDate)

	status, available := apartmentStatus(t, e.db, e.apartmentID)
	assert.Equal(t, models.ApartmentOccupied, status)
	assert.False(t, available)
}

func TestLeaseCreateAcceptsExistingReadingAsBaseline(t *testing.T) {
	e := newBillingEnv(t)

	existing := e.addReading(t, models.UtilityElectricity, nil, isoDaysAgo(50), 120)

	water, gas := 50.0, 20.0
	lease, err := e.leases.Create(e.userID, LeaseInput{
		TenantID:    e.tenantID,
		ApartmentID: e.apartmentID,
		StartDate:   isoDaysAgo(45),
		EndDate:     isoDaysAhead(320),
		MonthlyRent: 800,
		Baselines: BaselineInput{
			ElectricityReadingID: &existing.ID,
			WaterStart:           &water,
			GasStart:             &gas,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, lease.ElectricityReadingID)
	assert.Equal(t, existing.ID, *lease.ElectricityReadingID)
}

func TestLeaseCreateRejectsForeignChainBaseline(t *testing.T) {
	e := newBillingEnv(t)

	waterReading := e.addReading(t, models.UtilityWater, nil, isoDaysAgo(50), 40)

	water, gas := 50.0, 20.0
	_, err := e.leases.Create(e.userID, LeaseInput{
		TenantID:    e.tenantID,
		ApartmentID: e.apartmentID,
		StartDate:   isoDaysAgo(45),
		EndDate:     isoDaysAhead(320),
		MonthlyRent: 800,
		Baselines: BaselineInput{
			// A water reading cannot seed the electricity chain.
			ElectricityReadingID: &waterReading.ID,
			WaterStart:           &water,
			GasStart:             &gas,
		},
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	// The lease insert rolled back with the baseline failure.
	leases, err := e.leases.List(e.userID, 0, 0, false)
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func TestLeaseCreateRejectsOverlap(t *testing.T) {
	e := newBillingEnv(t)
	e.standardLease(t, 0)

	elec, water, gas := 100.0, 50.0, 20.0
	_, err := e.leases.Create(e.userID, LeaseInput{
		TenantID:    e.tenantID,
		ApartmentID: e.apartmentID,
		StartDate:   isoDaysAgo(10),
		EndDate:     isoDaysAhead(100),
		MonthlyRent: 700,
		Baselines:   BaselineInput{ElectricityStart: &elec, WaterStart: &water, GasStart: &gas},
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestLeaseCreateRejectsEndBeforeStart(t *testing.T) {
	e := newBillingEnv(t)

	_, err := e.leases.Create(e.userID, LeaseInput{
		TenantID:    e.tenantID,
		ApartmentID: e.apartmentID,
		StartDate:   isoDaysAgo(10),
		EndDate:     isoDaysAgo(20),
		MonthlyRent: 800,
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestLeaseUpdateKeepsBaselines(t *testing.T) {
	e := newBillingEnv(t)
	lease := e.standardLease(t, 0)

	newRent := 900.0
	newEnd := isoDaysAhead(400)
	updated, err := e.leases.Update(e.userID, lease.ID, LeaseUpdateInput{
		MonthlyRent: &newRent,
		EndDate:     &newEnd,
	})
	require.NoError(t, err)
	assert.Equal(t, 900.0, updated.MonthlyRent)
	assert.Equal(t, newEnd, updated.EndDate)

	elecB, waterB, gasB, _ := e.leaseBaselines(t, lease.ID)
	require.NotNil(t, elecB)
	assert.Equal(t, *lease.ElectricityReadingID, *elecB)
	require.NotNil(t, waterB)
	assert.Equal(t, *lease.WaterReadingID, *waterB)
	require.NotNil(t, gasB)
	assert.Equal(t, *lease.GasReadingID, *gasB)
}

func TestTerminateFreesApartment(t *testing.T) {
	e := newBillingEnv(t)
	lease := e.standardLease(t, 0)

	status, _ := apartmentStatus(t, e.db, e.apartmentID)
	require.Equal(t, models.ApartmentOccupied, status)

	terminated, err := e.leases.Terminate(e.userID, lease.ID, "")
	require.NoError(t, err)
	assert.False(t, terminated.IsActive)
	assert.Equal(t, "terminated", terminated.Status)

	status, available := apartmentStatus(t, e.db, e.apartmentID)
	assert.Equal(t, models.ApartmentAvailable, status)
	assert.True(t, available)
}

func TestTerminateRejectsDateBeforeStart(t *testing.T) {
	e := newBillingEnv(t)
	lease := e.standardLease(t, 0)

	_, err := e.leases.Terminate(e.userID, lease.ID, isoDaysAgo(60))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestLeaseDeleteFreesApartment(t *testing.T) {
	e := newBillingEnv(t)
	lease := e.standardLease(t, 0)

	require.NoError(t, e.leases.Delete(e.userID, lease.ID))

	status, _ := apartmentStatus(t, e.db, e.apartmentID)
	assert.Equal(t, models.ApartmentAvailable, status)

	leases, err := e.leases.List(e.userID, 0, 0, false)
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func TestExpiringSoon(t *testing.T) {
	e := newBillingEnv(t)

	elec, water, gas := 100.0, 50.0, 20.0
	_, err := e.leases.Create(e.userID, LeaseInput{
		TenantID:    e.tenantID,
		ApartmentID: e.apartmentID,
		StartDate:   isoDaysAgo(45),
		EndDate:     isoDaysAhead(20),
		MonthlyRent: 800,
		Baselines:   BaselineInput{ElectricityStart: &elec, WaterStart: &water, GasStart: &gas},
	})
	require.NoError(t, err)

	within, err := e.leases.ExpiringSoon(e.userID, 30)
	require.NoError(t, err)
	assert.Len(t, within, 1)

	outside, err := e.leases.ExpiringSoon(e.userID, 10)
	require.NoError(t, err)
	assert.Empty(t, outside)
}

func TestLeaseDocumentsRoundtrip(t *testing.T) {
	e := newBillingEnv(t)
	lease := e.standardLease(t, 0)

	doc, err := e.leases.AddDocument(e.userID, lease.ID, "contratto.pdf", "contract", "/uploads/leases/contratto.pdf")
	require.NoError(t, err)
	assert.Equal(t, lease.ID, doc.LeaseID)

	docs, err := e.leases.Documents(e.userID, lease.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "contratto.pdf", docs[0].Name)
	assert.Equal(t, "contract", docs[0].Type)

	path, err := e.leases.DeleteDocument(e.userID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "/uploads/leases/contratto.pdf", path)

	docs, err = e.leases.Documents(e.userID, lease.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestLeasePaymentsRoundtrip(t *testing.T) {
	e := newBillingEnv(t)
	lease := e.standardLease(t, 0)

	payment, err := e.leases.AddPayment(e.userID, lease.ID, LeasePaymentInput{
		Amount:      800,
		PaymentDate: isoDaysAgo(3),
		PaymentType: "rent",
		Reference:   "bonifico 123",
	})
	require.NoError(t, err)

	payments, err := e.leases.Payments(e.userID, lease.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.InDelta(t, 800.0, payments[0].Amount, 1e-9)
	assert.Equal(t, "rent", payments[0].PaymentType)

	require.NoError(t, e.leases.DeletePayment(e.userID, payment.ID))

	var nf *NotFoundError
	err = e.leases.DeletePayment(e.userID, payment.ID)
	require.ErrorAs(t, err, &nf)

	payments, err = e.leases.Payments(e.userID, lease.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}
