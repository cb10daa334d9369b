package services

import (
	"database/sql"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/am-ricci/casaflow/backend/models"
)

// BillingService owns invoice generation: the monthly trigger that consumes
// reading chains past the lease baselines, the entry/deposit invoice, and the
// cascade that rewrites invoice lines when an already-billed reading is edited.
type BillingService struct {
	db  *sql.DB
	hub *EventsHub
}

func NewBillingService(db *sql.DB, hub *EventsHub) *BillingService {
	return &BillingService{db: db, hub: hub}
}

// utilityLine is a pending invoice line built from a triggering reading.
// readingID is the chain position the lease baseline advances to.
type utilityLine struct {
	itemType    string
	description string
	amount      float64
	readingID   int
	readingDate string
}

type InvoiceFilter struct {
	LeaseID     int
	TenantID    int
	ApartmentID int
	Year        int
	Month       int
	IsPaid      *bool
	Overdue     bool
	Search      string
	SortBy      string
	SortOrder   string
	Skip        int
	Limit       int
}

type PaymentRecordInput struct {
	Amount        float64 `json:"amount" validate:"required,gt=0"`
	PaymentDate   string  `json:"paymentDate" validate:"required,datetime=2006-01-02"`
	PaymentMethod string  `json:"paymentMethod" validate:"required,oneof=cash bank_transfer credit_card check"`
	Reference     string  `json:"reference"`
	Notes         string  `json:"notes"`
}

// CheckAndGenerateMonthlyInvoice fires the monthly invoice for an apartment
// when, and only when, every mandatory meter chain (electricity, water, gas)
// has a reading past its lease baseline. A nil invoice with a nil error means
// there was nothing to do. Baselines advance in the same transaction as the
// invoice, so the same readings are never billed twice.
func (bs *BillingService) CheckAndGenerateMonthlyInvoice(apartmentID, userID int) (*models.Invoice, error) {
	log.Printf("[BILLING] Generation check for apartment %d", apartmentID)

	var invoice *models.Invoice
	err := withTx(bs.db, func(tx *sql.Tx) error {
		inv, err := checkAndGenerateTx(tx, apartmentID, userID)
		if err != nil {
			return err
		}
		invoice = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, nil
	}

	bs.hub.BroadcastTo(userID, "invoice-generated", invoice)
	return invoice, nil
}

// GenerateForUser runs the monthly check over every apartment of the user.
// Used by the scheduled automation sweep.
func (bs *BillingService) GenerateForUser(userID int) ([]models.Invoice, error) {
	rows, err := bs.db.Query(`SELECT id FROM apartments WHERE user_id = ? AND deleted_at IS NULL`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apartmentIDs []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		apartmentIDs = append(apartmentIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	generated := []models.Invoice{}
	for _, apartmentID := range apartmentIDs {
		inv, err := bs.CheckAndGenerateMonthlyInvoice(apartmentID, userID)
		if err != nil {
			log.Printf("[BILLING] ERROR: generation failed for apartment %d: %v", apartmentID, err)
			continue
		}
		if inv != nil {
			generated = append(generated, *inv)
		}
	}
	return generated, nil
}

func checkAndGenerateTx(tx *sql.Tx, apartmentID, userID int) (*models.Invoice, error) {
	today := time.Now().Format("2006-01-02")

	lease, err := activeLeaseTx(tx, apartmentID, userID, today)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		log.Printf("[BILLING] No active lease for apartment %d, skipping", apartmentID)
		return nil, nil
	}
	if lease.ElectricityReadingID == nil || lease.WaterReadingID == nil || lease.GasReadingID == nil {
		log.Printf("[BILLING] Lease %d has incomplete meter baselines, skipping", lease.ID)
		return nil, nil
	}

	defaults, err := getDefaultsTx(tx, userID)
	if err != nil {
		return nil, err
	}

	elec, err := nextChainReadingTx(tx, *lease.ElectricityReadingID)
	if err != nil {
		return nil, err
	}
	water, err := nextChainReadingTx(tx, *lease.WaterReadingID)
	if err != nil {
		return nil, err
	}
	gas, err := nextChainReadingTx(tx, *lease.GasReadingID)
	if err != nil {
		return nil, err
	}

	// All three mandatory meters must have advanced. Two out of three means
	// the month is not complete yet.
	if elec == nil || water == nil || gas == nil {
		log.Printf("[BILLING] Lease %d not ready (electricity=%t water=%t gas=%t), skipping",
			lease.ID, elec != nil, water != nil, gas != nil)
		return nil, nil
	}

	lines := []utilityLine{
		utilityLineFor(elec, defaults),
		utilityLineFor(water, defaults),
		utilityLineFor(gas, defaults),
	}

	// The laundry sub-meter joins the invoice when it advanced too, but a
	// stale laundry chain never blocks generation.
	var laundry *models.UtilityReading
	if lease.ElectricityLaundryReadingID != nil {
		laundry, err = nextChainReadingTx(tx, *lease.ElectricityLaundryReadingID)
		if err != nil {
			return nil, err
		}
		if laundry != nil {
			lines = append(lines, utilityLineFor(laundry, defaults))
		}
	}

	// Billing period comes from the most recent of the consumed readings.
	latest := lines[0].readingDate
	for _, l := range lines[1:] {
		if l.readingDate > latest {
			latest = l.readingDate
		}
	}
	period, err := time.Parse("2006-01-02", latest)
	if err != nil {
		return nil, fmt.Errorf("invalid reading date %q: %w", latest, err)
	}
	month, year := int(period.Month()), period.Year()

	var existing int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM invoices
		WHERE lease_id = ? AND month = ? AND year = ?
		  AND invoice_number LIKE 'INV-%' AND deleted_at IS NULL
	`, lease.ID, month, year).Scan(&existing)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		log.Printf("[BILLING] Lease %d already invoiced for %02d/%d, skipping", lease.ID, month, year)
		return nil, nil
	}

	number, err := nextInvoiceNumberTx(tx, year)
	if err != nil {
		return nil, err
	}

	invoice, err := composeAndPersistTx(tx, lease, month, year, number, lines, defaults, userID)
	if err != nil {
		return nil, err
	}

	var laundryID interface{}
	if laundry != nil {
		laundryID = laundry.ID
	}
	_, err = tx.Exec(`
		UPDATE leases
		SET electricity_reading_id = ?, water_reading_id = ?, gas_reading_id = ?,
		    electricity_laundry_reading_id = COALESCE(?, electricity_laundry_reading_id),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, elec.ID, water.ID, gas.ID, laundryID, lease.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to advance lease baselines: %w", err)
	}

	log.Printf("[BILLING] ✓ Invoice %s generated for lease %d (%02d/%d), total €%.2f, baselines now elec=%d water=%d gas=%d",
		invoice.InvoiceNumber, lease.ID, month, year, invoice.Total, elec.ID, water.ID, gas.ID)
	return invoice, nil
}

// GenerateFromLease creates the entry/deposit invoice for a lease. Skipped
// (nil, nil) when the lease carries no security deposit.
func (bs *BillingService) GenerateFromLease(leaseID, userID int) (*models.Invoice, error) {
	var invoice *models.Invoice
	err := withTx(bs.db, func(tx *sql.Tx) error {
		lease, err := leaseTx(tx, leaseID, userID)
		if err != nil {
			return err
		}
		inv, err := entryInvoiceTx(tx, lease, userID)
		if err != nil {
			return err
		}
		invoice = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, nil
	}

	bs.hub.BroadcastTo(userID, "invoice-generated", invoice)
	return invoice, nil
}

func entryInvoiceTx(tx *sql.Tx, lease *models.Lease, userID int) (*models.Invoice, error) {
	if lease.SecurityDeposit <= 0 {
		log.Printf("[BILLING] Lease %d has no security deposit, no entry invoice", lease.ID)
		return nil, nil
	}

	start, err := time.Parse("2006-01-02", lease.StartDate)
	if err != nil {
		return nil, fmt.Errorf("invalid lease start date %q: %w", lease.StartDate, err)
	}

	defaults, err := getDefaultsTx(tx, userID)
	if err != nil {
		return nil, err
	}

	number := fmt.Sprintf("CAP-%d-%d", time.Now().UnixMilli(), lease.ID)
	invoice, err := persistInvoiceTx(tx, lease, int(start.Month()), start.Year(), number, []models.InvoiceItem{
		{
			Description: fmt.Sprintf("Deposito cauzionale contratto %d", lease.ID),
			Amount:      lease.SecurityDeposit,
			Type:        models.ItemEntry,
		},
	}, defaults, userID)
	if err != nil {
		return nil, err
	}

	log.Printf("[BILLING] ✓ Entry invoice %s generated for lease %d, total €%.2f",
		invoice.InvoiceNumber, lease.ID, invoice.Total)
	return invoice, nil
}

// composeAndPersistTx assembles the standard monthly item list (rent, one
// line per consumed utility reading, TARI, meter fee) and persists it.
func composeAndPersistTx(tx *sql.Tx, lease *models.Lease, month, year int, number string, lines []utilityLine, defaults *models.BillingDefaults, userID int) (*models.Invoice, error) {
	items := []models.InvoiceItem{
		{
			Description: fmt.Sprintf("Canone di locazione %02d/%d", month, year),
			Amount:      lease.MonthlyRent,
			Type:        models.ItemRent,
		},
	}
	for _, l := range lines {
		items = append(items, models.InvoiceItem{
			Description: l.description,
			Amount:      l.amount,
			Type:        l.itemType,
		})
	}
	items = append(items,
		models.InvoiceItem{Description: "TARI (tassa rifiuti)", Amount: defaults.Tari, Type: models.ItemTari},
		models.InvoiceItem{Description: "Quota fissa contatori", Amount: defaults.MeterFee, Type: models.ItemMeterFee},
	)

	return persistInvoiceTx(tx, lease, month, year, number, items, defaults, userID)
}

// persistInvoiceTx writes the invoice header and its items in the caller's
// transaction. Subtotal and total are always recomputed from the item list.
func persistInvoiceTx(tx *sql.Tx, lease *models.Lease, month, year int, number string, items []models.InvoiceItem, defaults *models.BillingDefaults, userID int) (*models.Invoice, error) {
	now := time.Now()
	issueDate := now.Format("2006-01-02")
	dueDate := dueDateFor(lease, now)
	reminderDate := reminderDateFor(defaults, now)
	subtotal, total := sumItems(items)

	res, err := tx.Exec(`
		INSERT INTO invoices (
			user_id, lease_id, tenant_id, apartment_id, invoice_number,
			month, year, issue_date, due_date, subtotal, tax, total,
			is_paid, reminder_sent, reminder_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 0, 0, ?)
	`, userID, lease.ID, lease.TenantID, lease.ApartmentID, number,
		month, year, issueDate, dueDate, subtotal, total, reminderDate)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice %s: %w", number, err)
	}

	invoiceID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	for i := range items {
		itemRes, err := tx.Exec(`
			INSERT INTO invoice_items (invoice_id, description, amount, item_type)
			VALUES (?, ?, ?, ?)
		`, invoiceID, items[i].Description, items[i].Amount, items[i].Type)
		if err != nil {
			return nil, fmt.Errorf("failed to insert invoice item: %w", err)
		}
		itemID, err := itemRes.LastInsertId()
		if err != nil {
			return nil, err
		}
		items[i].ID = int(itemID)
		items[i].InvoiceID = int(invoiceID)
	}

	invoice := &models.Invoice{
		ID:            int(invoiceID),
		UserID:        userID,
		LeaseID:       lease.ID,
		TenantID:      lease.TenantID,
		ApartmentID:   lease.ApartmentID,
		InvoiceNumber: number,
		Month:         month,
		Year:          year,
		IssueDate:     issueDate,
		DueDate:       dueDate,
		Subtotal:      subtotal,
		Total:         total,
		ReminderDate:  reminderDate,
		Items:         items,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return invoice, nil
}

// nextInvoiceNumberTx scans the highest INV-{year}-NNN already issued and
// returns the next one. Two concurrent generations can race to the same
// number; the UNIQUE index on invoice_number turns that into an error
// instead of a silent duplicate.
func nextInvoiceNumberTx(tx *sql.Tx, year int) (string, error) {
	prefix := fmt.Sprintf("INV-%d-", year)

	rows, err := tx.Query(`SELECT invoice_number FROM invoices WHERE invoice_number LIKE ?`, prefix+"%")
	if err != nil {
		return "", err
	}
	defer rows.Close()

	max := 0
	for rows.Next() {
		var number string
		if err := rows.Scan(&number); err != nil {
			return "", err
		}
		n, err := strconv.Atoi(strings.TrimPrefix(number, prefix))
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	return fmt.Sprintf("%s%03d", prefix, max+1), nil
}

// nextChainReadingTx returns the first live reading of the baseline's chain
// past the baseline id, in chain order. Nil when the chain has not advanced.
func nextChainReadingTx(tx *sql.Tx, baselineID int) (*models.UtilityReading, error) {
	var apartmentID int
	var utilityType string
	var subtype sql.NullString
	err := tx.QueryRow(`
		SELECT apartment_id, utility_type, subtype FROM utility_readings WHERE id = ?
	`, baselineID).Scan(&apartmentID, &utilityType, &subtype)
	if err == sql.ErrNoRows {
		log.Printf("[BILLING] Baseline reading %d no longer exists, chain unavailable", baselineID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var subtypePtr *string
	if subtype.Valid {
		subtypePtr = &subtype.String
	}

	rows, err := tx.Query(`
		SELECT id, apartment_id, user_id, utility_type, subtype, reading_date,
		       previous_reading, current_reading, consumption, unit_cost, total_cost,
		       is_paid, paid_date, notes, is_special_reading, created_at, updated_at
		FROM utility_readings
		WHERE apartment_id = ? AND utility_type = ? AND subtype IS ?
		  AND id > ? AND deleted_at IS NULL
		ORDER BY reading_date ASC, id ASC LIMIT 1
	`, apartmentID, utilityType, subtypeArg(subtypePtr), baselineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readings, err := scanReadings(rows)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, nil
	}
	return &readings[0], nil
}

// cascadeInvoiceForReadingTx rewrites the invoice line that was billed from
// this reading, if any. Runs inside the reading-update transaction so the
// chain and the invoice move together. A reading that is not a current lease
// baseline, or a lease with no matching invoice line, is a logged no-op.
func cascadeInvoiceForReadingTx(tx *sql.Tx, r *models.UtilityReading, userID int) error {
	itemType := utilityItemType(r.Type, r.Subtype)
	column := baselineColumnFor(itemType)

	var leaseID int
	err := tx.QueryRow(
		`SELECT id FROM leases WHERE `+column+` = ? AND user_id = ? AND deleted_at IS NULL`,
		r.ID, userID,
	).Scan(&leaseID)
	if err == sql.ErrNoRows {
		log.Printf("[CASCADE] Reading %d is not a current baseline, no invoice touched", r.ID)
		return nil
	}
	if err != nil {
		return err
	}

	var invoiceID, itemID int
	err = tx.QueryRow(`
		SELECT i.id, it.id
		FROM invoices i
		JOIN invoice_items it ON it.invoice_id = i.id
		WHERE i.lease_id = ? AND i.deleted_at IS NULL AND it.item_type = ?
		ORDER BY i.issue_date DESC, i.id DESC, it.id DESC
		LIMIT 1
	`, leaseID, itemType).Scan(&invoiceID, &itemID)
	if err == sql.ErrNoRows {
		log.Printf("[CASCADE] Lease %d has no invoice with a %s line, nothing to update", leaseID, itemType)
		return nil
	}
	if err != nil {
		return err
	}

	defaults, err := getDefaultsTx(tx, userID)
	if err != nil {
		return err
	}
	line := utilityLineFor(r, defaults)

	_, err = tx.Exec(`UPDATE invoice_items SET description = ?, amount = ? WHERE id = ?`,
		line.description, line.amount, itemID)
	if err != nil {
		return err
	}
	if err := recomputeInvoiceTotalsTx(tx, invoiceID); err != nil {
		return err
	}

	log.Printf("[CASCADE] Invoice %d: %s line rewritten from reading %d (consumption %.2f, amount €%.2f)",
		invoiceID, itemType, r.ID, r.Consumption, line.amount)
	return nil
}

func recomputeInvoiceTotalsTx(tx *sql.Tx, invoiceID int) error {
	items, err := invoiceItemsTx(tx, invoiceID)
	if err != nil {
		return err
	}
	subtotal, total := sumItems(items)
	_, err = tx.Exec(`
		UPDATE invoices SET subtotal = ?, total = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, subtotal, total, invoiceID)
	return err
}

func invoiceItemsTx(tx *sql.Tx, invoiceID int) ([]models.InvoiceItem, error) {
	rows, err := tx.Query(`
		SELECT id, invoice_id, description, amount, item_type
		FROM invoice_items WHERE invoice_id = ? ORDER BY id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.InvoiceItem
	for rows.Next() {
		var it models.InvoiceItem
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.Description, &it.Amount, &it.Type); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// utilityLineFor derives the invoice line from a reading. A reading stored
// without its own unit cost falls back to the per-type default.
func utilityLineFor(r *models.UtilityReading, defaults *models.BillingDefaults) utilityLine {
	itemType := utilityItemType(r.Type, r.Subtype)
	unitCost := r.UnitCost
	if unitCost == 0 {
		unitCost = defaultUnitCost(defaults, r.Type)
	}
	return utilityLine{
		itemType:    itemType,
		description: utilityLineDescription(itemType, r, unitCost),
		amount:      round2(r.Consumption * unitCost),
		readingID:   r.ID,
		readingDate: r.ReadingDate,
	}
}

func utilityLineDescription(itemType string, r *models.UtilityReading, unitCost float64) string {
	return fmt.Sprintf("%s: %.2f → %.2f, consumo %.2f %s × €%.2f",
		utilityLabel(itemType), r.PreviousReading, r.CurrentReading,
		r.Consumption, utilityUnit(r.Type), unitCost)
}

// utilityItemType maps a reading chain to its invoice item type. The laundry
// sub-meter is the only subtype with its own line.
func utilityItemType(utilityType string, subtype *string) string {
	switch utilityType {
	case models.UtilityElectricity:
		if subtype != nil && *subtype == models.SubtypeLaundry {
			return models.ItemElectricityLaundry
		}
		return models.ItemElectricity
	case models.UtilityWater:
		return models.ItemWater
	case models.UtilityGas:
		return models.ItemGas
	}
	return models.ItemOther
}

func baselineColumnFor(itemType string) string {
	switch itemType {
	case models.ItemElectricity:
		return "electricity_reading_id"
	case models.ItemWater:
		return "water_reading_id"
	case models.ItemGas:
		return "gas_reading_id"
	case models.ItemElectricityLaundry:
		return "electricity_laundry_reading_id"
	}
	return ""
}

func utilityLabel(itemType string) string {
	switch itemType {
	case models.ItemElectricity:
		return "Elettricità"
	case models.ItemElectricityLaundry:
		return "Elettricità lavanderia"
	case models.ItemWater:
		return "Acqua"
	case models.ItemGas:
		return "Gas"
	}
	return "Utenza"
}

func utilityUnit(utilityType string) string {
	if utilityType == models.UtilityElectricity {
		return "kWh"
	}
	return "m³"
}

func defaultUnitCost(d *models.BillingDefaults, utilityType string) float64 {
	switch utilityType {
	case models.UtilityElectricity:
		return d.UnitCosts.Electricity
	case models.UtilityWater:
		return d.UnitCosts.Water
	case models.UtilityGas:
		return d.UnitCosts.Gas
	}
	return 0
}

// sumItems recomputes the invoice money fields from its items. Subtotal
// covers the utility lines only; total covers everything.
func sumItems(items []models.InvoiceItem) (subtotal, total float64) {
	for _, it := range items {
		total += it.Amount
		switch it.Type {
		case models.ItemElectricity, models.ItemWater, models.ItemGas, models.ItemElectricityLaundry:
			subtotal += it.Amount
		case models.ItemRent, models.ItemTari, models.ItemMeterFee, models.ItemEntry, models.ItemOther:
		}
	}
	return round2(subtotal), round2(total)
}

// dueDateFor picks the first occurrence of the lease's payment day strictly
// after the issue date. Days outside 1..28 fall back to issue + 15 days.
func dueDateFor(lease *models.Lease, issue time.Time) string {
	day := lease.PaymentDueDay
	if day < 1 || day > 28 {
		return issue.AddDate(0, 0, 15).Format("2006-01-02")
	}
	due := time.Date(issue.Year(), issue.Month(), day, 0, 0, 0, 0, issue.Location())
	if !due.After(issue) {
		due = due.AddDate(0, 1, 0)
	}
	return due.Format("2006-01-02")
}

func reminderDateFor(d *models.BillingDefaults, issue time.Time) *string {
	switch d.AutomationType {
	case models.AutomationImmediate:
		s := issue.Format("2006-01-02")
		return &s
	case models.AutomationScheduled:
		s := issue.AddDate(0, 0, d.AutomationDays).Format("2006-01-02")
		return &s
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// leaseTx loads a lease by id scoped to the owner.
func leaseTx(tx *sql.Tx, leaseID, userID int) (*models.Lease, error) {
	row := tx.QueryRow(leaseSelect+` WHERE id = ? AND user_id = ? AND deleted_at IS NULL`, leaseID, userID)
	lease, err := scanLease(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "lease"}
	}
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// activeLeaseTx returns the lease currently running for the apartment
// (started, not yet ended), or nil when there is none.
func activeLeaseTx(tx *sql.Tx, apartmentID, userID int, today string) (*models.Lease, error) {
	row := tx.QueryRow(leaseSelect+`
		WHERE apartment_id = ? AND user_id = ? AND deleted_at IS NULL
		  AND start_date <= ? AND end_date > ?
		ORDER BY start_date DESC LIMIT 1
	`, apartmentID, userID, today, today)
	lease, err := scanLease(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lease, nil
}

const leaseSelect = `
	SELECT id, user_id, tenant_id, apartment_id, start_date, end_date,
	       monthly_rent, security_deposit, payment_due_day,
	       terms_and_conditions, special_clauses, notes,
	       electricity_reading_id, water_reading_id, gas_reading_id,
	       electricity_laundry_reading_id, created_at, updated_at
	FROM leases`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLease(row rowScanner) (*models.Lease, error) {
	var l models.Lease
	var terms, clauses, notes sql.NullString
	var elec, water, gas, laundry sql.NullInt64

	err := row.Scan(&l.ID, &l.UserID, &l.TenantID, &l.ApartmentID, &l.StartDate, &l.EndDate,
		&l.MonthlyRent, &l.SecurityDeposit, &l.PaymentDueDay,
		&terms, &clauses, &notes,
		&elec, &water, &gas, &laundry, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}

	l.TermsAndConditions = terms.String
	l.SpecialClauses = clauses.String
	l.Notes = notes.String
	l.ElectricityReadingID = nullableID(elec)
	l.WaterReadingID = nullableID(water)
	l.GasReadingID = nullableID(gas)
	l.ElectricityLaundryReadingID = nullableID(laundry)
	deriveLeaseStatus(&l)
	return &l, nil
}

func nullableID(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	id := int(v.Int64)
	return &id
}

func deriveLeaseStatus(l *models.Lease) {
	today := time.Now().Format("2006-01-02")
	l.IsActive = today < l.EndDate
	if l.IsActive {
		l.Status = "active"
	} else {
		l.Status = "terminated"
	}
}

// Get returns an invoice with its items.
func (bs *BillingService) Get(userID, invoiceID int) (*models.Invoice, error) {
	var invoice *models.Invoice
	err := withTx(bs.db, func(tx *sql.Tx) error {
		inv, err := getInvoiceTx(tx, invoiceID, userID)
		if err != nil {
			return err
		}
		items, err := invoiceItemsTx(tx, inv.ID)
		if err != nil {
			return err
		}
		inv.Items = items
		invoice = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

func (bs *BillingService) List(userID int, f InvoiceFilter) ([]models.Invoice, error) {
	query := invoiceSelect + ` WHERE user_id = ? AND deleted_at IS NULL`
	args := []interface{}{userID}

	if f.LeaseID > 0 {
		query += " AND lease_id = ?"
		args = append(args, f.LeaseID)
	}
	if f.TenantID > 0 {
		query += " AND tenant_id = ?"
		args = append(args, f.TenantID)
	}
	if f.ApartmentID > 0 {
		query += " AND apartment_id = ?"
		args = append(args, f.ApartmentID)
	}
	if f.Year > 0 {
		query += " AND year = ?"
		args = append(args, f.Year)
	}
	if f.Month > 0 {
		query += " AND month = ?"
		args = append(args, f.Month)
	}
	if f.IsPaid != nil {
		query += " AND is_paid = ?"
		args = append(args, boolToInt(*f.IsPaid))
	}
	if f.Overdue {
		query += " AND is_paid = 0 AND due_date IS NOT NULL AND due_date < ?"
		args = append(args, time.Now().Format("2006-01-02"))
	}
	if f.Search != "" {
		query += " AND invoice_number LIKE ?"
		args = append(args, "%"+f.Search+"%")
	}

	sortColumn := map[string]string{
		"issueDate":     "issue_date",
		"dueDate":       "due_date",
		"total":         "total",
		"invoiceNumber": "invoice_number",
	}[f.SortBy]
	if sortColumn == "" {
		sortColumn = "issue_date"
	}
	direction := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		direction = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, id %s", sortColumn, direction, direction)

	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Skip)
	}

	rows, err := bs.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInvoices(rows)
}

// Delete soft-deletes an invoice. Lease baselines are left where they are:
// deleting a bill does not rewind what has been consumed.
func (bs *BillingService) Delete(userID, invoiceID int) error {
	res, err := bs.db.Exec(`
		UPDATE invoices SET deleted_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL
	`, invoiceID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{Resource: "invoice"}
	}
	log.Printf("[BILLING] Invoice %d deleted", invoiceID)
	return nil
}

// MarkAsPaid settles the invoice and records the payment.
func (bs *BillingService) MarkAsPaid(userID, invoiceID int, paymentDate, paymentMethod string) (*models.Invoice, error) {
	var invoice *models.Invoice
	err := withTx(bs.db, func(tx *sql.Tx) error {
		inv, err := getInvoiceTx(tx, invoiceID, userID)
		if err != nil {
			return err
		}
		if inv.IsPaid {
			return validationErrorf("invoice %s is already paid", inv.InvoiceNumber)
		}

		_, err = tx.Exec(`
			UPDATE invoices
			SET is_paid = 1, payment_date = ?, payment_method = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, paymentDate, paymentMethod, inv.ID)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO payment_records (invoice_id, amount, payment_date, payment_method)
			VALUES (?, ?, ?, ?)
		`, inv.ID, inv.Total, paymentDate, paymentMethod)
		if err != nil {
			return err
		}

		inv.IsPaid = true
		inv.PaymentDate = &paymentDate
		inv.PaymentMethod = &paymentMethod
		invoice = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[BILLING] Invoice %s marked as paid (%s)", invoice.InvoiceNumber, paymentMethod)
	bs.hub.BroadcastTo(userID, "invoice-updated", invoice)
	return invoice, nil
}

func (bs *BillingService) PaymentRecords(userID, invoiceID int) ([]models.PaymentRecord, error) {
	records := []models.PaymentRecord{}
	err := withTx(bs.db, func(tx *sql.Tx) error {
		if _, err := getInvoiceTx(tx, invoiceID, userID); err != nil {
			return err
		}
		rows, err := tx.Query(`
			SELECT id, invoice_id, amount, payment_date, payment_method, reference, notes, created_at
			FROM payment_records WHERE invoice_id = ? ORDER BY payment_date, id
		`, invoiceID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var p models.PaymentRecord
			var method, reference, notes sql.NullString
			if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.PaymentDate,
				&method, &reference, &notes, &p.CreatedAt); err != nil {
				return err
			}
			p.PaymentMethod = method.String
			p.Reference = reference.String
			p.Notes = notes.String
			records = append(records, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AddPaymentRecord registers a partial payment. The invoice flips to paid
// once the recorded payments cover the total.
func (bs *BillingService) AddPaymentRecord(userID, invoiceID int, in PaymentRecordInput) (*models.PaymentRecord, error) {
	var record *models.PaymentRecord
	var settled bool
	err := withTx(bs.db, func(tx *sql.Tx) error {
		inv, err := getInvoiceTx(tx, invoiceID, userID)
		if err != nil {
			return err
		}

		res, err := tx.Exec(`
			INSERT INTO payment_records (invoice_id, amount, payment_date, payment_method, reference, notes)
			VALUES (?, ?, ?, ?, ?, ?)
		`, inv.ID, in.Amount, in.PaymentDate, in.PaymentMethod, in.Reference, in.Notes)
		if err != nil {
			return err
		}
		recordID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		var paidSum float64
		if err := tx.QueryRow(
			`SELECT COALESCE(SUM(amount), 0) FROM payment_records WHERE invoice_id = ?`, inv.ID,
		).Scan(&paidSum); err != nil {
			return err
		}
		if !inv.IsPaid && paidSum >= inv.Total {
			_, err = tx.Exec(`
				UPDATE invoices
				SET is_paid = 1, payment_date = ?, payment_method = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?
			`, in.PaymentDate, in.PaymentMethod, inv.ID)
			if err != nil {
				return err
			}
			settled = true
		}

		record = &models.PaymentRecord{
			ID:            int(recordID),
			InvoiceID:     inv.ID,
			Amount:        in.Amount,
			PaymentDate:   in.PaymentDate,
			PaymentMethod: in.PaymentMethod,
			Reference:     in.Reference,
			Notes:         in.Notes,
			CreatedAt:     time.Now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if settled {
		log.Printf("[BILLING] Invoice %d settled by payment records", invoiceID)
	}
	return record, nil
}

// Overdue lists unpaid invoices whose due date passed at least minDays ago.
func (bs *BillingService) Overdue(userID, minDays int) ([]models.Invoice, error) {
	cutoff := time.Now().AddDate(0, 0, -minDays).Format("2006-01-02")
	rows, err := bs.db.Query(invoiceSelect+`
		WHERE user_id = ? AND deleted_at IS NULL
		  AND is_paid = 0 AND due_date IS NOT NULL AND due_date <= ?
		ORDER BY due_date ASC, id ASC
	`, userID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInvoices(rows)
}

// Statistics aggregates invoice money figures over a period: this_month,
// last_month, this_year or all.
func (bs *BillingService) Statistics(userID int, period string) (map[string]interface{}, error) {
	now := time.Now()
	where := `user_id = ? AND deleted_at IS NULL`
	args := []interface{}{userID}

	switch period {
	case "this_month":
		where += " AND year = ? AND month = ?"
		args = append(args, now.Year(), int(now.Month()))
	case "last_month":
		prev := now.AddDate(0, -1, 0)
		where += " AND year = ? AND month = ?"
		args = append(args, prev.Year(), int(prev.Month()))
	case "this_year":
		where += " AND year = ?"
		args = append(args, now.Year())
	}

	var totalCount, paidCount int
	var billed, collected float64
	err := bs.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(is_paid), 0),
		       COALESCE(SUM(total), 0),
		       COALESCE(SUM(CASE WHEN is_paid = 1 THEN total ELSE 0 END), 0)
		FROM invoices WHERE `+where, args...).Scan(&totalCount, &paidCount, &billed, &collected)
	if err != nil {
		return nil, err
	}

	var overdueCount int
	err = bs.db.QueryRow(`
		SELECT COUNT(*) FROM invoices
		WHERE user_id = ? AND deleted_at IS NULL
		  AND is_paid = 0 AND due_date IS NOT NULL AND due_date < ?
	`, userID, now.Format("2006-01-02")).Scan(&overdueCount)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"period":          period,
		"totalInvoices":   totalCount,
		"paidInvoices":    paidCount,
		"unpaidInvoices":  totalCount - paidCount,
		"overdueInvoices": overdueCount,
		"totalBilled":     round2(billed),
		"totalCollected":  round2(collected),
		"outstanding":     round2(billed - collected),
	}, nil
}

const invoiceSelect = `
	SELECT id, user_id, lease_id, tenant_id, apartment_id, invoice_number,
	       month, year, issue_date, due_date, subtotal, tax, total,
	       is_paid, payment_date, payment_method, notes,
	       reminder_sent, reminder_date, pdf_path, created_at, updated_at
	FROM invoices`

func getInvoiceTx(tx *sql.Tx, invoiceID, userID int) (*models.Invoice, error) {
	rows, err := tx.Query(invoiceSelect+` WHERE id = ? AND user_id = ? AND deleted_at IS NULL`, invoiceID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices, err := scanInvoices(rows)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return nil, &NotFoundError{Resource: "invoice"}
	}
	return &invoices[0], nil
}

func scanInvoices(rows *sql.Rows) ([]models.Invoice, error) {
	invoices := []models.Invoice{}
	for rows.Next() {
		var inv models.Invoice
		var dueDate, paymentDate, paymentMethod, notes, reminderDate, pdfPath sql.NullString
		if err := rows.Scan(&inv.ID, &inv.UserID, &inv.LeaseID, &inv.TenantID, &inv.ApartmentID,
			&inv.InvoiceNumber, &inv.Month, &inv.Year, &inv.IssueDate, &dueDate,
			&inv.Subtotal, &inv.Tax, &inv.Total, &inv.IsPaid, &paymentDate, &paymentMethod,
			&notes, &inv.ReminderSent, &reminderDate, &pdfPath,
			&inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, err
		}
		inv.DueDate = dueDate.String
		if paymentDate.Valid {
			inv.PaymentDate = &paymentDate.String
		}
		if paymentMethod.Valid {
			inv.PaymentMethod = &paymentMethod.String
		}
		inv.Notes = notes.String
		if reminderDate.Valid {
			inv.ReminderDate = &reminderDate.String
		}
		inv.PDFPath = pdfPath.String
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}
