package services

import (
	"database/sql"
	"log"
	"time"

	"github.com/am-ricci/casaflow/backend/models"
)

// LeaseService manages leases and their meter baselines. Baselines are set
// once at creation; after that only invoice generation moves them.
type LeaseService struct {
	db      *sql.DB
	billing *BillingService
}

func NewLeaseService(db *sql.DB, billing *BillingService) *LeaseService {
	return &LeaseService{db: db, billing: billing}
}

type LeaseInput struct {
	TenantID           int     `json:"tenantId" validate:"required"`
	ApartmentID        int     `json:"apartmentId" validate:"required"`
	StartDate          string  `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate            string  `json:"endDate" validate:"required,datetime=2006-01-02"`
	MonthlyRent        float64 `json:"monthlyRent" validate:"gte=0"`
	SecurityDeposit    float64 `json:"securityDeposit" validate:"gte=0"`
	PaymentDueDay      int     `json:"paymentDueDay" validate:"gte=0,lte=31"`
	TermsAndConditions string  `json:"termsAndConditions"`
	SpecialClauses     string  `json:"specialClauses"`
	Notes              string  `json:"notes"`

	Baselines BaselineInput `json:"baselines"`
}

// BaselineInput carries, per tracked chain, either the id of an existing
// reading or a raw meter value to synthesize a starting reading from.
// An id wins over a value; neither leaves the baseline null.
type BaselineInput struct {
	ElectricityReadingID *int     `json:"electricityReadingId"`
	ElectricityStart     *float64 `json:"electricityStart"`

	WaterReadingID *int     `json:"waterReadingId"`
	WaterStart     *float64 `json:"waterStart"`

	GasReadingID *int     `json:"gasReadingId"`
	GasStart     *float64 `json:"gasStart"`

	ElectricityLaundryReadingID *int     `json:"electricityLaundryReadingId"`
	ElectricityLaundryStart     *float64 `json:"electricityLaundryStart"`
}

type LeaseUpdateInput struct {
	EndDate            *string  `json:"endDate" validate:"omitempty,datetime=2006-01-02"`
	MonthlyRent        *float64 `json:"monthlyRent" validate:"omitempty,gte=0"`
	SecurityDeposit    *float64 `json:"securityDeposit" validate:"omitempty,gte=0"`
	PaymentDueDay      *int     `json:"paymentDueDay" validate:"omitempty,gte=0,lte=31"`
	TermsAndConditions *string  `json:"termsAndConditions"`
	SpecialClauses     *string  `json:"specialClauses"`
	Notes              *string  `json:"notes"`
}

type LeasePaymentInput struct {
	Amount      float64 `json:"amount" validate:"required,gt=0"`
	PaymentDate string  `json:"paymentDate" validate:"required,datetime=2006-01-02"`
	PaymentType string  `json:"paymentType" validate:"omitempty,oneof=rent deposit utilities other"`
	Reference   string  `json:"reference"`
	Notes       string  `json:"notes"`
}

// Create inserts the lease, resolves its baselines and flips the apartment
// to occupied. The entry invoice for the deposit runs after the commit,
// best-effort: its failure never undoes the lease.
func (s *LeaseService) Create(userID int, in LeaseInput) (*models.Lease, error) {
	var lease *models.Lease

	err := withTx(s.db, func(tx *sql.Tx) error {
		if err := apartmentOwnedTx(tx, in.ApartmentID, userID); err != nil {
			return err
		}
		if err := tenantOwnedTx(tx, in.TenantID, userID); err != nil {
			return err
		}
		if in.EndDate <= in.StartDate {
			return validationErrorf("lease end date must come after the start date")
		}

		var overlapping int
		err := tx.QueryRow(`
			SELECT COUNT(*) FROM leases
			WHERE apartment_id = ? AND deleted_at IS NULL
			  AND start_date < ? AND end_date > ?
		`, in.ApartmentID, in.EndDate, in.StartDate).Scan(&overlapping)
		if err != nil {
			return err
		}
		if overlapping > 0 {
			return validationErrorf("apartment %d already has a lease overlapping this period", in.ApartmentID)
		}

		res, err := tx.Exec(`
			INSERT INTO leases (
				user_id, tenant_id, apartment_id, start_date, end_date,
				monthly_rent, security_deposit, payment_due_day,
				terms_and_conditions, special_clauses, notes
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, userID, in.TenantID, in.ApartmentID, in.StartDate, in.EndDate,
			in.MonthlyRent, in.SecurityDeposit, in.PaymentDueDay,
			in.TermsAndConditions, in.SpecialClauses, in.Notes)
		if err != nil {
			return err
		}
		leaseID64, err := res.LastInsertId()
		if err != nil {
			return err
		}
		leaseID := int(leaseID64)

		elec, err := resolveBaselineTx(tx, userID, in.ApartmentID, models.UtilityElectricity, nil,
			in.Baselines.ElectricityReadingID, in.Baselines.ElectricityStart, in.StartDate)
		if err != nil {
			return err
		}
		water, err := resolveBaselineTx(tx, userID, in.ApartmentID, models.UtilityWater, nil,
			in.Baselines.WaterReadingID, in.Baselines.WaterStart, in.StartDate)
		if err != nil {
			return err
		}
		gas, err := resolveBaselineTx(tx, userID, in.ApartmentID, models.UtilityGas, nil,
			in.Baselines.GasReadingID, in.Baselines.GasStart, in.StartDate)
		if err != nil {
			return err
		}
		laundrySubtype := models.SubtypeLaundry
		laundry, err := resolveBaselineTx(tx, userID, in.ApartmentID, models.UtilityElectricity, &laundrySubtype,
			in.Baselines.ElectricityLaundryReadingID, in.Baselines.ElectricityLaundryStart, in.StartDate)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			UPDATE leases
			SET electricity_reading_id = ?, water_reading_id = ?,
			    gas_reading_id = ?, electricity_laundry_reading_id = ?
			WHERE id = ?
		`, nullableArg(elec), nullableArg(water), nullableArg(gas), nullableArg(laundry), leaseID)
		if err != nil {
			return err
		}

		today := time.Now().Format("2006-01-02")
		if in.StartDate <= today && today < in.EndDate {
			if err := setApartmentStatusTx(tx, in.ApartmentID, models.ApartmentOccupied); err != nil {
				return err
			}
		}

		lease, err = leaseTx(tx, leaseID, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[LEASE] Lease %d created for apartment %d (tenant %d, %s to %s)",
		lease.ID, lease.ApartmentID, lease.TenantID, lease.StartDate, lease.EndDate)

	if _, err := s.billing.GenerateFromLease(lease.ID, userID); err != nil {
		log.Printf("[LEASE] WARNING: entry invoice for lease %d failed: %v", lease.ID, err)
	}
	return lease, nil
}

// resolveBaselineTx turns the caller's baseline choice into a reading id.
// An explicit id must reference a reading of the same chain; a raw value
// becomes a synthesized starting reading dated at the lease start.
func resolveBaselineTx(tx *sql.Tx, userID, apartmentID int, utilityType string, subtype *string, readingID *int, startValue *float64, startDate string) (*int, error) {
	if readingID != nil {
		r, err := getReadingTx(tx, *readingID, userID)
		if err != nil {
			return nil, err
		}
		if r.ApartmentID != apartmentID || r.Type != utilityType || !sameSubtype(r.Subtype, subtype) {
			return nil, validationErrorf("reading %d does not belong to the %s chain of apartment %d",
				*readingID, chainName(utilityType, subtype), apartmentID)
		}
		return readingID, nil
	}
	if startValue != nil {
		id, err := synthesizeBaselineTx(tx, userID, apartmentID, utilityType, subtype, *startValue, startDate)
		if err != nil {
			return nil, err
		}
		return &id, nil
	}
	return nil, nil
}

func (s *LeaseService) Get(userID, leaseID int) (*models.Lease, error) {
	var lease *models.Lease
	err := withTx(s.db, func(tx *sql.Tx) error {
		l, err := leaseTx(tx, leaseID, userID)
		if err != nil {
			return err
		}
		lease = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (s *LeaseService) List(userID int, apartmentID, tenantID int, activeOnly bool) ([]models.Lease, error) {
	query := leaseSelect + ` WHERE user_id = ? AND deleted_at IS NULL`
	args := []interface{}{userID}

	if apartmentID > 0 {
		query += " AND apartment_id = ?"
		args = append(args, apartmentID)
	}
	if tenantID > 0 {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	if activeOnly {
		query += " AND end_date > ?"
		args = append(args, time.Now().Format("2006-01-02"))
	}
	query += " ORDER BY start_date DESC, id DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leases := []models.Lease{}
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, *l)
	}
	return leases, rows.Err()
}

// Update edits the contractual fields. Apartment, tenant and the baseline
// pointers are off limits: the first two define the lease identity, the
// baselines belong to invoice generation.
func (s *LeaseService) Update(userID, leaseID int, in LeaseUpdateInput) (*models.Lease, error) {
	var lease *models.Lease

	err := withTx(s.db, func(tx *sql.Tx) error {
		l, err := leaseTx(tx, leaseID, userID)
		if err != nil {
			return err
		}

		if in.EndDate != nil {
			if *in.EndDate <= l.StartDate {
				return validationErrorf("lease end date must come after the start date")
			}
			l.EndDate = *in.EndDate
		}
		if in.MonthlyRent != nil {
			l.MonthlyRent = *in.MonthlyRent
		}
		if in.SecurityDeposit != nil {
			l.SecurityDeposit = *in.SecurityDeposit
		}
		if in.PaymentDueDay != nil {
			l.PaymentDueDay = *in.PaymentDueDay
		}
		if in.TermsAndConditions != nil {
			l.TermsAndConditions = *in.TermsAndConditions
		}
		if in.SpecialClauses != nil {
			l.SpecialClauses = *in.SpecialClauses
		}
		if in.Notes != nil {
			l.Notes = *in.Notes
		}

		_, err = tx.Exec(`
			UPDATE leases
			SET end_date = ?, monthly_rent = ?, security_deposit = ?, payment_due_day = ?,
			    terms_and_conditions = ?, special_clauses = ?, notes = ?,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, l.EndDate, l.MonthlyRent, l.SecurityDeposit, l.PaymentDueDay,
			l.TermsAndConditions, l.SpecialClauses, l.Notes, l.ID)
		if err != nil {
			return err
		}

		if err := syncApartmentStatusTx(tx, l); err != nil {
			return err
		}

		deriveLeaseStatus(l)
		lease = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Terminate ends the lease at the given date (today when empty) and frees
// the apartment.
func (s *LeaseService) Terminate(userID, leaseID int, endDate string) (*models.Lease, error) {
	if endDate == "" {
		endDate = time.Now().Format("2006-01-02")
	}

	var lease *models.Lease
	err := withTx(s.db, func(tx *sql.Tx) error {
		l, err := leaseTx(tx, leaseID, userID)
		if err != nil {
			return err
		}
		if endDate < l.StartDate {
			return validationErrorf("termination date cannot precede the lease start")
		}

		_, err = tx.Exec(`
			UPDATE leases SET end_date = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
		`, endDate, l.ID)
		if err != nil {
			return err
		}
		if err := setApartmentStatusTx(tx, l.ApartmentID, models.ApartmentAvailable); err != nil {
			return err
		}

		l.EndDate = endDate
		deriveLeaseStatus(l)
		lease = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[LEASE] Lease %d terminated, apartment %d is available again", lease.ID, lease.ApartmentID)
	return lease, nil
}

func (s *LeaseService) Delete(userID, leaseID int) error {
	return withTx(s.db, func(tx *sql.Tx) error {
		l, err := leaseTx(tx, leaseID, userID)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`UPDATE leases SET deleted_at = CURRENT_TIMESTAMP WHERE id = ?`, l.ID)
		if err != nil {
			return err
		}

		today := time.Now().Format("2006-01-02")
		if l.StartDate <= today && today < l.EndDate {
			if err := setApartmentStatusTx(tx, l.ApartmentID, models.ApartmentAvailable); err != nil {
				return err
			}
		}
		log.Printf("[LEASE] Lease %d deleted", l.ID)
		return nil
	})
}

// ExpiringSoon lists still-active leases ending within the next days.
func (s *LeaseService) ExpiringSoon(userID, days int) ([]models.Lease, error) {
	today := time.Now().Format("2006-01-02")
	horizon := time.Now().AddDate(0, 0, days).Format("2006-01-02")

	rows, err := s.db.Query(leaseSelect+`
		WHERE user_id = ? AND deleted_at IS NULL
		  AND end_date > ? AND end_date <= ?
		ORDER BY end_date ASC
	`, userID, today, horizon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leases := []models.Lease{}
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, *l)
	}
	return leases, rows.Err()
}

func (s *LeaseService) AddDocument(userID, leaseID int, name, docType, path string) (*models.LeaseDocument, error) {
	var doc *models.LeaseDocument
	err := withTx(s.db, func(tx *sql.Tx) error {
		if _, err := leaseTx(tx, leaseID, userID); err != nil {
			return err
		}
		uploadDate := time.Now().Format("2006-01-02")
		res, err := tx.Exec(`
			INSERT INTO lease_documents (lease_id, name, doc_type, path, upload_date)
			VALUES (?, ?, ?, ?, ?)
		`, leaseID, name, docType, path, uploadDate)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		doc = &models.LeaseDocument{
			ID:         int(id),
			LeaseID:    leaseID,
			Name:       name,
			Type:       docType,
			Path:       path,
			UploadDate: uploadDate,
			CreatedAt:  time.Now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *LeaseService) Documents(userID, leaseID int) ([]models.LeaseDocument, error) {
	docs := []models.LeaseDocument{}
	err := withTx(s.db, func(tx *sql.Tx) error {
		if _, err := leaseTx(tx, leaseID, userID); err != nil {
			return err
		}
		rows, err := tx.Query(`
			SELECT id, lease_id, name, doc_type, path, upload_date, created_at
			FROM lease_documents WHERE lease_id = ? ORDER BY id
		`, leaseID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var d models.LeaseDocument
			var docType, uploadDate sql.NullString
			if err := rows.Scan(&d.ID, &d.LeaseID, &d.Name, &docType, &d.Path, &uploadDate, &d.CreatedAt); err != nil {
				return err
			}
			d.Type = docType.String
			d.UploadDate = uploadDate.String
			docs = append(docs, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// DeleteDocument removes the row and returns the stored file path so the
// handler can unlink the file.
func (s *LeaseService) DeleteDocument(userID, documentID int) (string, error) {
	var path string
	err := withTx(s.db, func(tx *sql.Tx) error {
		err := tx.QueryRow(`
			SELECT d.path FROM lease_documents d
			JOIN leases l ON l.id = d.lease_id
			WHERE d.id = ? AND l.user_id = ?
		`, documentID, userID).Scan(&path)
		if err == sql.ErrNoRows {
			return &NotFoundError{Resource: "lease document"}
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM lease_documents WHERE id = ?`, documentID)
		return err
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

func (s *LeaseService) AddPayment(userID, leaseID int, in LeasePaymentInput) (*models.LeasePayment, error) {
	var payment *models.LeasePayment
	err := withTx(s.db, func(tx *sql.Tx) error {
		if _, err := leaseTx(tx, leaseID, userID); err != nil {
			return err
		}
		res, err := tx.Exec(`
			INSERT INTO lease_payments (lease_id, amount, payment_date, payment_type, reference, notes)
			VALUES (?, ?, ?, ?, ?, ?)
		`, leaseID, in.Amount, in.PaymentDate, in.PaymentType, in.Reference, in.Notes)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		payment = &models.LeasePayment{
			ID:          int(id),
			LeaseID:     leaseID,
			Amount:      in.Amount,
			PaymentDate: in.PaymentDate,
			PaymentType: in.PaymentType,
			Reference:   in.Reference,
			Notes:       in.Notes,
			CreatedAt:   time.Now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *LeaseService) Payments(userID, leaseID int) ([]models.LeasePayment, error) {
	payments := []models.LeasePayment{}
	err := withTx(s.db, func(tx *sql.Tx) error {
		if _, err := leaseTx(tx, leaseID, userID); err != nil {
			return err
		}
		rows, err := tx.Query(`
			SELECT id, lease_id, amount, payment_date, payment_type, reference, notes, created_at
			FROM lease_payments WHERE lease_id = ? ORDER BY payment_date DESC, id DESC
		`, leaseID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var p models.LeasePayment
			var paymentType, reference, notes sql.NullString
			if err := rows.Scan(&p.ID, &p.LeaseID, &p.Amount, &p.PaymentDate,
				&paymentType, &reference, &notes, &p.CreatedAt); err != nil {
				return err
			}
			p.PaymentType = paymentType.String
			p.Reference = reference.String
			p.Notes = notes.String
			payments = append(payments, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (s *LeaseService) DeletePayment(userID, paymentID int) error {
	return withTx(s.db, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM lease_payments
			WHERE id = ? AND lease_id IN (SELECT id FROM leases WHERE user_id = ?)
		`, paymentID, userID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &NotFoundError{Resource: "lease payment"}
		}
		return nil
	})
}

// syncApartmentStatusTx realigns the apartment status with the lease dates
// after an end-date edit.
func syncApartmentStatusTx(tx *sql.Tx, l *models.Lease) error {
	today := time.Now().Format("2006-01-02")
	if l.StartDate <= today && today < l.EndDate {
		return setApartmentStatusTx(tx, l.ApartmentID, models.ApartmentOccupied)
	}
	return setApartmentStatusTx(tx, l.ApartmentID, models.ApartmentAvailable)
}

func setApartmentStatusTx(tx *sql.Tx, apartmentID int, status string) error {
	_, err := tx.Exec(`
		UPDATE apartments
		SET status = ?, is_available = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, boolToInt(status == models.ApartmentAvailable), apartmentID)
	return err
}

func tenantOwnedTx(tx *sql.Tx, tenantID, userID int) error {
	var one int
	err := tx.QueryRow(`
		SELECT 1 FROM tenants WHERE id = ? AND user_id = ? AND deleted_at IS NULL
	`, tenantID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return &NotFoundError{Resource: "tenant"}
	}
	return err
}

func sameSubtype(a, b *string) bool {
	av, bv := "", ""
	if a != nil {
		av = *a
	}
	if b != nil {
		bv = *b
	}
	return av == bv
}

func chainName(utilityType string, subtype *string) string {
	if subtype != nil && *subtype != "" {
		return utilityType + "/" + *subtype
	}
	return utilityType
}

func nullableArg(id *int) interface{} {
	if id == nil {
		return nil
	}
	return *id
}
