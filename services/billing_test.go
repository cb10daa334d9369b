package services

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/am-ricci/casaflow/backend/models"
)

// leaseWithLaundry is standardLease plus a laundry sub-meter baseline at 10.
func (e *billingEnv) leaseWithLaundry(t *testing.T) *models.Lease {
	t.Helper()

	elec, water, gas, laundry := 100.0, 50.0, 20.0, 10.0
	lease, err := e.leases.Create(e.userID, LeaseInput{
		TenantID:    e.tenantID,
		ApartmentID: e.apartmentID,
		StartDate:   isoDaysAgo(45),
		EndDate:     isoDaysAhead(320),
		MonthlyRent: 800,
		Baselines: BaselineInput{
			ElectricityStart:        &elec,
			WaterStart:              &water,
			GasStart:                &gas,
			ElectricityLaundryStart: &laundry,
		},
	})
	require.NoError(t, err)
	return lease
}

// generateStandardInvoice runs a complete month: standard lease, one reading
// per mandatory meter, then the trigger. Amounts with the seeded defaults:
// rent 800, electricity 37.50, water 34.00, gas 22.25, tari 15, fee 3.
func generateStandardInvoice(t *testing.T, e *billingEnv) *models.Invoice {
	t.Helper()

	e.standardLease(t, 0)
	date := isoDaysAgo(15)
	e.addReading(t, models.UtilityElectricity, nil, date, 150)
	e.addReading(t, models.UtilityWater, nil, date, 60)
	e.addReading(t, models.UtilityGas, nil, date, 25)

	inv, err := e.billing.CheckAndGenerateMonthlyInvoice(e.apartmentID, e.userID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	return inv
}

func TestMonthlyInvoiceNeedsActiveLease(t *testing.T) {
	e := newBillingEnv(t)

	inv, err := e.billing.CheckAndGenerateMonthlyInvoice(e.apartmentID, e.userID)
	require.NoError(t, err)
	assert.Nil(t, inv)
}

func TestMonthlyInvoiceGeneration(t *testing.T) {
	e := newBillingEnv(t)
	lease := e.standardLease(t, 0)

	readingDate := isoDaysAgo(15)
	period, err := time.Parse("2006-01-02", readingDate)
	require.NoError(t, err)

	elec := e.addReading(t, models.UtilityElectricity, nil, readingDate, 150)
	water := e.addReading(t, models.UtilityWater, nil, readingDate, 60)

	t.Run("two meters are not enough", func(t *testing.T) {
		inv, err := e.billing.CheckAndGenerateMonthlyInvoice(e.apartmentID, e.userID)
		require.NoError(t, err)
		assert.Nil(t, inv)
		assert.Equal(t, 0, e.monthlyInvoiceCount(t))

		elecB, waterB, gasB, _ := e.leaseBaselines(t, lease.ID)
		require.NotNil(t, elecB)
		assert.Equal(t, *lease.ElectricityReadingID, *elecB)
		require.NotNil(t, waterB)
		assert.Equal(t, *lease.WaterReadingID, *waterB)
		require.NotNil(t, gasB)
		assert.Equal(t, *lease.GasReadingID, *gasB)
	})

	gas := e.addReading(t, models.UtilityGas, nil, readingDate, 25)

	t.Run("third meter fires the invoice", func(t *testing.T) {
		inv, err := e.billing.CheckAndGenerateMonthlyInvoice(e.apartmentID, e.userID)
		require.NoError(t, err)
		require.NotNil(t, inv)

		assert.Equal(t, fmt.Sprintf("INV-%d-001", period.Year()), inv.InvoiceNumber)
		assert.Equal(t, int(period.Month()), inv.Month)
		assert.Equal(t, period.Year(), inv.Year)

		require.Len(t, inv.Items, 6)
		assert.InDelta(t, 800.0, itemByType(t, inv.Items, models.ItemRent).Amount, 1e-9)

		elecItem := itemByType(t, inv.Items, models.ItemElectricity)
		assert.InDelta(t, 37.50, elecItem.Amount, 1e-9)
		assert.Contains(t, elecItem.Description, "100.00 → 150.00")
		assert.Contains(t, elecItem.Description, "consumo 50.00 kWh")

		assert.InDelta(t, 34.00, itemByType(t, inv.Items, models.ItemWater).Amount, 1e-9)
		assert.InDelta(t, 22.25, itemByType(t, inv.Items, models.ItemGas).Amount, 1e-9)
		assert.InDelta(t, 15.0, itemByType(t, inv.Items, models.ItemTari).Amount, 1e-9)
		assert.InDelta(t, 3.0, itemByType(t, inv.Items, models.ItemMeterFee).Amount, 1e-9)

		assert.InDelta(t, 93.75, inv.Subtotal, 1e-9)
		assert.InDelta(t, 911.75, inv.Total, 1e-9)

		elecB, waterB, gasB, laundryB := e.leaseBaselines(t, lease.ID)
		require.NotNil(t, elecB)
		assert.Equal(t, elec.ID, *elecB)
		require.NotNil(t, waterB)
		assert.Equal(t, water.ID, *waterB)
		require.NotNil(t, gasB)
		assert.Equal(t, gas.ID, *gasB)
		assert.Nil(t, laundryB)
	})

	t.Run("second run is a no-op", func(t *testing.T) {
		inv, err := e.billing.CheckAndGenerateMonthlyInvoice(e.apartmentID, e.userID)
		require.NoError(t, err)
		assert.Nil(t, inv)
		assert.Equal(t, 1, e.monthlyInvoiceCount(t))
	})
}

func TestMonthlyInvoiceSkipsDuplicateMonth(t *testing.T) {
	e := newBillingEnv(t)
	lease := e.standardLease(t, 0)
	date := isoDaysAgo(15)

	firstElec := e.addReading(t, models.UtilityElectricity, nil, date, 150)
	e.addReading(t, models.UtilityWater, nil, date, 60)
	e.addReading(t, models.UtilityGas, nil, date, 25)

	first, err := e.billing.CheckAndGenerateMonthlyInvoice(e.apartmentID, e.userID)
	require.NoError(t, err)
	require.NotNil(t, first)

	// The chains keep moving within the month, but the month is billed.
	e.addReading(t, models.UtilityElectricity, nil, date, 180)
	e.addReading(t, models.UtilityWater, nil, date, 70)
	e.addReading(t, models.UtilityGas, nil, date, 30)

	second, err := e.billing.CheckAndGenerateMonthlyInvoice(e.apartmentID, e.userID)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, 1, e.monthlyInvoiceCount(t))

	// Baselines stay on the billed readings, not the newest ones.
	elecB, _, _, _ := e.leaseBaselines(t, lease.ID)
	require.NotNil(t, elecB)
	assert.Equal(t, firstElec.ID, *elecB)
}

func TestReadingEditCascadesIntoInvoice(t *testing.T) {
	e := newBillingEnv(t)
	e.standardLease(t, 0)
	date := isoDaysAgo(15)

	elec := e.addReading(t, models.UtilityElectricity, nil, date, 150)
	e.addReading(t, models.UtilityWater, nil, date, 60)
	e.addReading(t, models.UtilityGas, nil, date, 25)

	inv, err := e.billing.CheckAndGenerateMonthlyInvoice(e.apartmentID, e.userID)
	require.NoError(t, err)
	require.NotNil(t, inv)

	// The billed electricity reading turns out to be a misread meter.
	corrected := 160.0
	_, err = e.readings.Update(e.userID, elec.ID, ReadingUpdateInput{CurrentReading: &corrected})
	require.NoError(t, err)

	reloaded, err := e.billing.Get(e.userID, inv.ID)
	require.NoError(t, err)

	elecItem := itemByType(t, reloaded.Items, models.ItemElectricity)
	assert.InDelta(t, 45.00, elecItem.Amount, 1e-9)
	assert.Contains(t, elecItem.Description, "100.00 → 160.00")

	assert.InDelta(t, 101.25, reloaded.Subtotal, 1e-9)
	assert.InDelta(t, 919.25, reloaded.Total, 1e-9)
	assert.Equal(t, 1, e.monthlyInvoiceCount(t))
}

func TestCascadeSkipsReadingsBehindTheBaseline(t *testing.T) {
	e := newBillingEnv(t)
	lease := e.standardLease(t, 0)
	date := isoDaysAgo(15)

	e.addReading(t, models.UtilityElectricity, nil, date, 150)
	water := e.addReading(t, models.UtilityWater, nil, date, 60)
	e.addReading(t, models.UtilityGas, nil, date, 25)

	inv, err := e.billing.CheckAndGenerateMonthlyInvoice(e.apartmentID, e.userID)
	require.NoError(t, err)
	require.NotNil(t, inv)

	// Edit the synthesized starting reading. It sits behind the current
	// baseline, so the chain recalculates but no invoice line moves.
	require.NotNil(t, lease.WaterReadingID)
	corrected := 52.0
	_, err = e.readings.Update(e.userID, *lease.WaterReadingID, ReadingUpdateInput{CurrentReading: &corrected})
	require.NoError(t, err)

	successor, err := e.readings.Get(e.userID, water.ID)
	require.NoError(t, err)
	assert.Equal(t, 52.0, successor.PreviousReading)
	assert.InDelta(t, 8.0, successor.Consumption, 1e-9)

	reloaded, err := e.billing.Get(e.userID, inv.ID)
	require.NoError(t, err)
	assert.InDelta(t, 34.00, itemByType(t, reloaded.Items, models.ItemWater).Amount, 1e-9)
	assert.InDelta(t, 911.75, reloaded.Total, 1e-9)
}

func TestEntryInvoiceForSecurityDeposit(t *testing.T) {
	e := newBillingEnv(t)
	lease := e.standardLease(t, 1200)

	// Lease creation already fired the entry invoice.
	invoices, err := e.billing.List(e.userID, InvoiceFilter{})
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	entry := invoices[0]
	assert.True(t, strings.HasPrefix(entry.InvoiceNumber, "CAP-"))
	assert.True(t, strings.HasSuffix(entry.InvoiceNumber, fmt.Sprintf("-%d", lease.ID)))
	assert.InDelta(t, 1200.0, entry.Total, 1e-9)
	assert.InDelta(t, 0.0, entry.Subtotal, 1e-9)

	start, err := time.Parse("2006-01-02", lease.StartDate)
	require.NoError(t, err)
	assert.Equal(t, int(start.Month()), entry.Month)
	assert.Equal(t, start.Year(), entry.Year)

	full, err := e.billing.Get(e.userID, entry.ID)
	require.NoError(t, err)
	require.Len(t, full.Items, 1)
	assert.Equal(t, models.ItemEntry, full.Items[0].Type)
	assert.Contains(t, full.Items[0].Description, "Deposito cauzionale")

	assert.Equal(t, 0, e.monthlyInvoiceCount(t))
}

func TestNoEntryInvoiceWithoutDeposit(t *testing.T) {
	e := newBillingEnv(t)
	lease := e.standardLease(t, 0)

	inv, err := e.billing.GenerateFromLease(lease.ID, e.userID)
	require.NoError(t, err)
	assert.Nil(t, inv)

	invoices, err := e.billing.List(e.userID, InvoiceFilter{})
	require.NoError(t, err)
	assert.Empty(t, invoices)
}

func TestLaundryMeterDoesNotGateGeneration(t *testing.T) {
	e := newBillingEnv(t)
	lease := e.leaseWithLaundry(t)
	date := isoDaysAgo(15)

	e.addReading(t, models.UtilityElectricity, nil, date, 150)
	e.addReading(t, models.UtilityWater, nil, date, 60)
	e.addReading(t, models.UtilityGas, nil, date, 25)

	inv, err := e.billing.CheckAndGenerateMonthlyInvoice(e.apartmentID, e.userID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Len(t, inv.Items, 6)

	// The stale laundry chain kept its baseline.
	_, _, _, laundryB := e.leaseBaselines(t, lease.ID)
	require.NotNil(t, laundryB)
	assert.Equal(t, *lease.ElectricityLaundryReadingID, *laundryB)
}

func TestLaundryMeterBilledWhenAdvanced(t *testing.T) {
	e := newBillingEnv(t)
	lease := e.leaseWithLaundry(t)
	date := isoDaysAgo(15)
	laundry := models.SubtypeLaundry

	e.addReading(t, models.UtilityElectricity, nil, date, 150)
	e.addReading(t, models.UtilityWater, nil, date, 60)
	e.addReading(t, models.UtilityGas, nil, date, 25)
	laundryReading := e.addReading(t, models.UtilityElectricity, &laundry, date, 18)

	inv, err := e.billing.CheckAndGenerateMonthlyInvoice(e.apartmentID, e.userID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	require.Len(t, inv.Items, 7)

	item := itemByType(t, inv.Items, models.ItemElectricityLaundry)
	assert.InDelta(t, 6.00, item.Amount, 1e-9)
	assert.Contains(t, item.Description, "Elettricità lavanderia")

	assert.InDelta(t, 99.75, inv.Subtotal, 1e-9)
	assert.InDelta(t, 917.75, inv.Total, 1e-9)

	_, _, _, laundryB := e.leaseBaselines(t, lease.ID)
	require.NotNil(t, laundryB)
	assert.Equal(t, laundryReading.ID, *laundryB)
}

func TestInvoiceNumbersContinueAfterTheHighest(t *testing.T) {
	e := newBillingEnv(t)
	lease := e.standardLease(t, 0)
	date := isoDaysAgo(15)
	period, err := time.Parse("2006-01-02", date)
	require.NoError(t, err)

	// A hole in the sequence: numbering continues after the highest issued
	// number for the year, not after the row count.
	decoyMonth := int(period.Month())%12 + 1
	_, err = e.db.Exec(`
		INSERT INTO invoices (user_id, lease_id, tenant_id, apartment_id, invoice_number, month, year, issue_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.userID, lease.ID, e.tenantID, e.apartmentID,
		fmt.Sprintf("INV-%d-041", period.Year()), decoyMonth, period.Year(), date)
	require.NoError(t, err)

	e.addReading(t, models.UtilityElectricity, nil, date, 150)
	e.addReading(t, models.UtilityWater, nil, date, 60)
	e.addReading(t, models.UtilityGas, nil, date, 25)

	inv, err := e.billing.CheckAndGenerateMonthlyInvoice(e.apartmentID, e.userID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, fmt.Sprintf("INV-%d-042", period.Year()), inv.InvoiceNumber)
}

func TestDueDateFor(t *testing.T) {
	issue := func(day int) time.Time {
		return time.Date(2026, time.January, day, 10, 0, 0, 0, time.UTC)
	}

	tests := []struct {
		name  string
		day   int
		issue time.Time
		want  string
	}{
		{"before the payment day", 10, issue(5), "2026-01-10"},
		{"after the payment day", 10, issue(15), "2026-02-10"},
		{"on the payment day", 10, issue(10), "2026-02-10"},
		{"day zero falls back to issue plus 15", 0, issue(5), "2026-01-20"},
		{"day beyond 28 falls back to issue plus 15", 31, issue(5), "2026-01-20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lease := &models.Lease{PaymentDueDay: tt.day}
			assert.Equal(t, tt.want, dueDateFor(lease, tt.issue))
		})
	}
}

func TestReminderDateFor(t *testing.T) {
	issue := time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC)

	manual := &models.BillingDefaults{AutomationType: models.AutomationManual}
	assert.Nil(t, reminderDateFor(manual, issue))

	immediate := &models.BillingDefaults{AutomationType: models.AutomationImmediate}
	got := reminderDateFor(immediate, issue)
	require.NotNil(t, got)
	assert.Equal(t, "2026-03-03", *got)

	scheduled := &models.BillingDefaults{AutomationType: models.AutomationScheduled, AutomationDays: 5}
	got = reminderDateFor(scheduled, issue)
	require.NotNil(t, got)
	assert.Equal(t, "2026-03-08", *got)
}

func TestSumItemsSplitsUtilitySubtotal(t *testing.T) {
	subtotal, total := sumItems([]models.InvoiceItem{
		{Type: models.ItemRent, Amount: 800},
		{Type: models.ItemElectricity, Amount: 37.5},
		{Type: models.ItemWater, Amount: 34},
		{Type: models.ItemGas, Amount: 22.25},
		{Type: models.ItemElectricityLaundry, Amount: 6},
		{Type: models.ItemTari, Amount: 15},
		{Type: models.ItemMeterFee, Amount: 3},
	})
	assert.InDelta(t, 99.75, subtotal, 1e-9)
	assert.InDelta(t, 917.75, total, 1e-9)
}

func TestMarkAsPaid(t *testing.T) {
	e := newBillingEnv(t)
	inv := generateStandardInvoice(t, e)

	paid, err := e.billing.MarkAsPaid(e.userID, inv.ID, "2026-08-20", "bank_transfer")
	require.NoError(t, err)
	assert.True(t, paid.IsPaid)
	require.NotNil(t, paid.PaymentDate)
	assert.Equal(t, "2026-08-20", *paid.PaymentDate)

	records, err := e.billing.PaymentRecords(e.userID, inv.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, inv.Total, records[0].Amount, 1e-9)

	_, err = e.billing.MarkAsPaid(e.userID, inv.ID, "2026-08-21", "cash")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestPaymentRecordsSettleTheInvoice(t *testing.T) {
	e := newBillingEnv(t)
	inv := generateStandardInvoice(t, e)

	_, err := e.billing.AddPaymentRecord(e.userID, inv.ID, PaymentRecordInput{
		Amount: 500, PaymentDate: "2026-08-10", PaymentMethod: "bank_transfer",
	})
	require.NoError(t, err)

	after, err := e.billing.Get(e.userID, inv.ID)
	require.NoError(t, err)
	assert.False(t, after.IsPaid)

	_, err = e.billing.AddPaymentRecord(e.userID, inv.ID, PaymentRecordInput{
		Amount: 411.75, PaymentDate: "2026-08-12", PaymentMethod: "cash",
	})
	require.NoError(t, err)

	settled, err := e.billing.Get(e.userID, inv.ID)
	require.NoError(t, err)
	assert.True(t, settled.IsPaid)
}

func TestGenerateForUserSweepsAllApartments(t *testing.T) {
	e := newBillingEnv(t)
	e.standardLease(t, 0)

	secondApartment := createTestApartment(t, e.db, e.userID)
	elec, water, gas := 200.0, 80.0, 40.0
	_, err := e.leases.Create(e.userID, LeaseInput{
		TenantID:    e.tenantID,
		ApartmentID: secondApartment,
		StartDate:   isoDaysAgo(45),
		EndDate:     isoDaysAhead(320),
		MonthlyRent: 650,
		Baselines:   BaselineInput{ElectricityStart: &elec, WaterStart: &water, GasStart: &gas},
	})
	require.NoError(t, err)

	date := isoDaysAgo(15)
	e.addReading(t, models.UtilityElectricity, nil, date, 150)
	e.addReading(t, models.UtilityWater, nil, date, 60)
	e.addReading(t, models.UtilityGas, nil, date, 25)
	for _, in := range []ReadingInput{
		{ApartmentID: secondApartment, Type: models.UtilityElectricity, ReadingDate: date, CurrentReading: 230},
		{ApartmentID: secondApartment, Type: models.UtilityWater, ReadingDate: date, CurrentReading: 95},
		{ApartmentID: secondApartment, Type: models.UtilityGas, ReadingDate: date, CurrentReading: 47},
	} {
		_, err := e.readings.Create(e.userID, in)
		require.NoError(t, err)
	}

	generated, err := e.billing.GenerateForUser(e.userID)
	require.NoError(t, err)
	require.Len(t, generated, 2)
	assert.NotEqual(t, generated[0].InvoiceNumber, generated[1].InvoiceNumber)
	assert.Equal(t, 2, e.monthlyInvoiceCount(t))
}

func TestOverdueUsesMinimumAge(t *testing.T) {
	e := newBillingEnv(t)
	inv := generateStandardInvoice(t, e)

	_, err := e.db.Exec(`UPDATE invoices SET due_date = ? WHERE id = ?`, isoDaysAgo(10), inv.ID)
	require.NoError(t, err)

	overdue, err := e.billing.Overdue(e.userID, 5)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, inv.ID, overdue[0].ID)

	overdue, err = e.billing.Overdue(e.userID, 15)
	require.NoError(t, err)
	assert.Empty(t, overdue)
}

func TestInvoiceOwnershipIsolation(t *testing.T) {
	e := newBillingEnv(t)
	inv := generateStandardInvoice(t, e)
	stranger := createTestUser(t, e.db)

	var nf *NotFoundError
	_, err := e.billing.Get(stranger, inv.ID)
	require.ErrorAs(t, err, &nf)

	invoices, err := e.billing.List(stranger, InvoiceFilter{})
	require.NoError(t, err)
	assert.Empty(t, invoices)
}
