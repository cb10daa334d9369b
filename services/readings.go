package services

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/am-ricci/casaflow/backend/models"
)

// ReadingService owns the utility reading chains. A chain is the sequence of
// readings sharing (apartment, utility type, subtype), ordered by
// (reading_date, id). Every write keeps the continuity invariant: each
// reading's previous value equals its predecessor's current value.
type ReadingService struct {
	db  *sql.DB
	hub *EventsHub
}

func NewReadingService(db *sql.DB, hub *EventsHub) *ReadingService {
	return &ReadingService{db: db, hub: hub}
}

type ReadingInput struct {
	ApartmentID     int     `json:"apartmentId" validate:"required"`
	Type            string  `json:"type" validate:"required,oneof=electricity water gas"`
	Subtype         *string `json:"subtype"`
	ReadingDate     string  `json:"readingDate" validate:"required,datetime=2006-01-02"`
	PreviousReading float64 `json:"previousReading" validate:"gte=0"`
	CurrentReading  float64 `json:"currentReading" validate:"gte=0"`
	UnitCost        float64 `json:"unitCost" validate:"gte=0"`
	IsPaid          bool    `json:"isPaid"`
	PaidDate        *string `json:"paidDate"`
	Notes           string  `json:"notes"`
}

type ReadingUpdateInput struct {
	ReadingDate    *string  `json:"readingDate" validate:"omitempty,datetime=2006-01-02"`
	CurrentReading *float64 `json:"currentReading" validate:"omitempty,gte=0"`
	UnitCost       *float64 `json:"unitCost" validate:"omitempty,gte=0"`
	IsPaid         *bool    `json:"isPaid"`
	PaidDate       *string  `json:"paidDate"`
	Notes          *string  `json:"notes"`
}

type ReadingFilter struct {
	ApartmentID int
	Type        string
	Subtype     *string
	Year        int
	Month       int
	IsPaid      *bool
	Skip        int
	Limit       int
}

// Create appends a reading to its chain. The stored predecessor, when one
// exists strictly before the reading date, always overrides the caller's
// previous value.
func (s *ReadingService) Create(userID int, in ReadingInput) (*models.UtilityReading, error) {
	var created *models.UtilityReading

	err := withTx(s.db, func(tx *sql.Tx) error {
		if err := apartmentOwnedTx(tx, in.ApartmentID, userID); err != nil {
			return err
		}
		r, err := createReadingTx(tx, userID, in)
		if err != nil {
			return err
		}
		created = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.hub.BroadcastTo(userID, "reading-created", created)
	return created, nil
}

// CreateBulk inserts several readings in one transaction. Any chain
// violation aborts the whole batch.
func (s *ReadingService) CreateBulk(userID int, inputs []ReadingInput) ([]models.UtilityReading, error) {
	created := make([]models.UtilityReading, 0, len(inputs))

	err := withTx(s.db, func(tx *sql.Tx) error {
		for _, in := range inputs {
			if err := apartmentOwnedTx(tx, in.ApartmentID, userID); err != nil {
				return err
			}
			r, err := createReadingTx(tx, userID, in)
			if err != nil {
				return err
			}
			created = append(created, *r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range created {
		s.hub.BroadcastTo(userID, "reading-created", &created[i])
	}
	return created, nil
}

// Update applies the changes, re-derives this reading from its chain
// predecessor, then recomputes every later reading in the chain. If the
// reading is a lease baseline consumed by an invoice, the matching invoice
// line is rewritten as well. Everything happens in one transaction.
func (s *ReadingService) Update(userID, readingID int, in ReadingUpdateInput) (*models.UtilityReading, error) {
	var updated *models.UtilityReading

	err := withTx(s.db, func(tx *sql.Tx) error {
		r, err := getReadingTx(tx, readingID, userID)
		if err != nil {
			return err
		}
		oldDate := r.ReadingDate

		if in.ReadingDate != nil {
			r.ReadingDate = *in.ReadingDate
		}
		if in.CurrentReading != nil {
			r.CurrentReading = *in.CurrentReading
		}
		if in.UnitCost != nil {
			r.UnitCost = *in.UnitCost
		}
		if in.IsPaid != nil {
			r.IsPaid = *in.IsPaid
		}
		if in.PaidDate != nil {
			r.PaidDate = in.PaidDate
		}
		if in.Notes != nil {
			r.Notes = *in.Notes
		}

		pred, err := chainPredecessor(tx, r.ApartmentID, r.Type, r.Subtype, r.ReadingDate, r.ID)
		if err != nil {
			return err
		}
		if pred != nil {
			r.PreviousReading = pred.CurrentReading
		}
		if r.CurrentReading < r.PreviousReading {
			return validationErrorf("current reading %.2f cannot be lower than the previous reading %.2f",
				r.CurrentReading, r.PreviousReading)
		}
		r.Consumption = r.CurrentReading - r.PreviousReading
		r.TotalCost = r.Consumption * r.UnitCost

		if err := saveReadingTx(tx, r); err != nil {
			return err
		}

		if err := recalculateChainAfter(tx, r, oldDate); err != nil {
			return err
		}

		// Best effort within the same transaction: a missing invoice or
		// item is a no-op, only a real failure aborts.
		if err := cascadeInvoiceForReadingTx(tx, r, userID); err != nil {
			return err
		}

		updated = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.hub.BroadcastTo(userID, "reading-updated", updated)
	return updated, nil
}

// Delete soft-deletes the reading. The chain is not repaired: a successor
// keeps its stored previous value and later recalculations treat the gap as
// missing history.
func (s *ReadingService) Delete(userID, readingID int) error {
	res, err := s.db.Exec(`
		UPDATE utility_readings SET deleted_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL
	`, readingID, userID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return &NotFoundError{Resource: "utility reading"}
	}
	return nil
}

func (s *ReadingService) Get(userID, readingID int) (*models.UtilityReading, error) {
	var r *models.UtilityReading
	err := withTx(s.db, func(tx *sql.Tx) error {
		found, err := getReadingTx(tx, readingID, userID)
		if err != nil {
			return err
		}
		r = found
		return nil
	})
	return r, err
}

func (s *ReadingService) List(userID int, filter ReadingFilter) ([]models.UtilityReading, error) {
	query := `
		SELECT id, apartment_id, user_id, utility_type, subtype, reading_date,
		       previous_reading, current_reading, consumption, unit_cost, total_cost,
		       is_paid, paid_date, notes, is_special_reading, created_at, updated_at
		FROM utility_readings
		WHERE user_id = ? AND deleted_at IS NULL`
	args := []interface{}{userID}

	if filter.ApartmentID > 0 {
		query += " AND apartment_id = ?"
		args = append(args, filter.ApartmentID)
	}
	if filter.Type != "" {
		query += " AND utility_type = ?"
		args = append(args, filter.Type)
	}
	if filter.Subtype != nil {
		query += " AND subtype IS ?"
		args = append(args, *filter.Subtype)
	}
	if filter.Year > 0 {
		query += " AND strftime('%Y', reading_date) = ?"
		args = append(args, fmt.Sprintf("%04d", filter.Year))
	}
	if filter.Month > 0 {
		query += " AND strftime('%m', reading_date) = ?"
		args = append(args, fmt.Sprintf("%02d", filter.Month))
	}
	if filter.IsPaid != nil {
		query += " AND is_paid = ?"
		args = append(args, boolToInt(*filter.IsPaid))
	}

	query += " ORDER BY reading_date DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Skip)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanReadings(rows)
}

// LastReading returns the newest reading of a chain, or nil when the chain
// is empty. Data-entry forms use it to prefill the previous value.
func (s *ReadingService) LastReading(userID, apartmentID int, utilityType string, subtype *string) (*models.UtilityReading, error) {
	rows, err := s.db.Query(`
		SELECT id, apartment_id, user_id, utility_type, subtype, reading_date,
		       previous_reading, current_reading, consumption, unit_cost, total_cost,
		       is_paid, paid_date, notes, is_special_reading, created_at, updated_at
		FROM utility_readings
		WHERE apartment_id = ? AND user_id = ? AND utility_type = ? AND subtype IS ?
		  AND deleted_at IS NULL
		ORDER BY reading_date DESC, id DESC LIMIT 1
	`, apartmentID, userID, utilityType, subtypeArg(subtype))
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

// MarkPaid stamps the reading as paid on the given date (today when empty).
func (s *ReadingService) MarkPaid(userID, readingID int, paidDate string) (*models.UtilityReading, error) {
	if paidDate == "" {
		paidDate = time.Now().Format("2006-01-02")
	}

	var r *models.UtilityReading
	err := withTx(s.db, func(tx *sql.Tx) error {
		found, err := getReadingTx(tx, readingID, userID)
		if err != nil {
			return err
		}
		found.IsPaid = true
		found.PaidDate = &paidDate
		_, err = tx.Exec(`
			UPDATE utility_readings SET is_paid = 1, paid_date = ? WHERE id = ?
		`, paidDate, readingID)
		if err != nil {
			return err
		}
		r = found
		return nil
	})
	return r, err
}

// Summary aggregates consumption and cost per utility type for one
// apartment and year.
func (s *ReadingService) Summary(userID, apartmentID, year int) (map[string]interface{}, error) {
	rows, err := s.db.Query(`
		SELECT utility_type,
		       COUNT(*), COALESCE(SUM(consumption), 0), COALESCE(SUM(total_cost), 0),
		       COALESCE(SUM(CASE WHEN is_paid = 0 THEN total_cost ELSE 0 END), 0)
		FROM utility_readings
		WHERE apartment_id = ? AND user_id = ? AND deleted_at IS NULL
		  AND strftime('%Y', reading_date) = ?
		GROUP BY utility_type
	`, apartmentID, userID, fmt.Sprintf("%04d", year))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := map[string]interface{}{
		"apartmentId": apartmentID,
		"year":        year,
	}
	byType := make(map[string]map[string]interface{})
	for rows.Next() {
		var utilityType string
		var count int
		var consumption, cost, unpaid float64
		if err := rows.Scan(&utilityType, &count, &consumption, &cost, &unpaid); err != nil {
			return nil, err
		}
		byType[utilityType] = map[string]interface{}{
			"readings":         count,
			"totalConsumption": consumption,
			"totalCost":        cost,
			"unpaidAmount":     unpaid,
		}
	}
	summary["byType"] = byType
	return summary, rows.Err()
}

// Statistics reports totals for the current year across all of the user's
// apartments.
func (s *ReadingService) Statistics(userID int) (map[string]interface{}, error) {
	year := time.Now().Format("2006")

	rows, err := s.db.Query(`
		SELECT utility_type, COUNT(*),
		       COALESCE(SUM(consumption), 0), COALESCE(SUM(total_cost), 0)
		FROM utility_readings
		WHERE user_id = ? AND deleted_at IS NULL AND strftime('%Y', reading_date) = ?
		GROUP BY utility_type
	`, userID, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]interface{})
	for rows.Next() {
		var utilityType string
		var count int
		var consumption, cost float64
		if err := rows.Scan(&utilityType, &count, &consumption, &cost); err != nil {
			return nil, err
		}
		stats[utilityType] = map[string]interface{}{
			"readings":         count,
			"totalConsumption": consumption,
			"totalCost":        cost,
		}
	}

	var unpaidCount int
	var unpaidAmount float64
	s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(total_cost), 0)
		FROM utility_readings
		WHERE user_id = ? AND deleted_at IS NULL AND is_paid = 0
	`, userID).Scan(&unpaidCount, &unpaidAmount)

	stats["unpaidReadings"] = unpaidCount
	stats["unpaidAmount"] = unpaidAmount
	return stats, rows.Err()
}

// UtilityTypes returns the static data-entry configuration per utility type.
func UtilityTypes() []models.UtilityTypeConfig {
	return []models.UtilityTypeConfig{
		{Type: models.UtilityElectricity, Label: "Elettricità", Unit: "kWh", Icon: "bolt", Color: "#FFC107", DefaultCost: 0.22},
		{Type: models.UtilityWater, Label: "Acqua", Unit: "m³", Icon: "water_drop", Color: "#2196F3", DefaultCost: 2.50},
		{Type: models.UtilityGas, Label: "Gas", Unit: "m³", Icon: "local_fire_department", Color: "#FF5722", DefaultCost: 1.20},
	}
}

// --- chain internals, shared with the billing service ---

func createReadingTx(tx *sql.Tx, userID int, in ReadingInput) (*models.UtilityReading, error) {
	previous := in.PreviousReading

	pred, err := chainPredecessor(tx, in.ApartmentID, in.Type, in.Subtype, in.ReadingDate, 0)
	if err != nil {
		return nil, err
	}
	if pred != nil {
		// Chain continuity: the stored predecessor wins over whatever the
		// caller supplied.
		previous = pred.CurrentReading
	}

	if in.CurrentReading < previous {
		return nil, validationErrorf("current reading %.2f cannot be lower than the previous reading %.2f",
			in.CurrentReading, previous)
	}

	consumption := in.CurrentReading - previous
	totalCost := consumption * in.UnitCost

	res, err := tx.Exec(`
		INSERT INTO utility_readings
			(apartment_id, user_id, utility_type, subtype, reading_date,
			 previous_reading, current_reading, consumption, unit_cost, total_cost,
			 is_paid, paid_date, notes, is_special_reading)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, in.ApartmentID, userID, in.Type, subtypeArg(in.Subtype), in.ReadingDate,
		previous, in.CurrentReading, consumption, in.UnitCost, totalCost,
		boolToInt(in.IsPaid), in.PaidDate, in.Notes)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &models.UtilityReading{
		ID:              int(id),
		ApartmentID:     in.ApartmentID,
		UserID:          userID,
		Type:            in.Type,
		Subtype:         in.Subtype,
		ReadingDate:     in.ReadingDate,
		PreviousReading: previous,
		CurrentReading:  in.CurrentReading,
		Consumption:     consumption,
		UnitCost:        in.UnitCost,
		TotalCost:       totalCost,
		IsPaid:          in.IsPaid,
		PaidDate:        in.PaidDate,
		Notes:           in.Notes,
	}, nil
}

// synthesizeBaselineTx inserts a zero-consumption reading used to seed a
// lease baseline. It skips predecessor derivation on purpose: the baseline
// records the meter value at handover, whatever came before it.
func synthesizeBaselineTx(tx *sql.Tx, userID, apartmentID int, utilityType string, subtype *string, value float64, date string) (int, error) {
	res, err := tx.Exec(`
		INSERT INTO utility_readings
			(apartment_id, user_id, utility_type, subtype, reading_date,
			 previous_reading, current_reading, consumption, unit_cost, total_cost,
			 is_paid, notes, is_special_reading)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 1, 'Lettura iniziale contratto', 1)
	`, apartmentID, userID, utilityType, subtypeArg(subtype), date, value, value)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	return int(id), err
}

// recalculateChainAfter re-derives every chain member positioned after the
// edited reading. When the edit moved the reading to a later date, the walk
// starts from the slot it left so the readings in between are re-derived
// from their new predecessors too.
func recalculateChainAfter(tx *sql.Tx, edited *models.UtilityReading, oldDate string) error {
	chain, err := loadChain(tx, edited.ApartmentID, edited.Type, edited.Subtype)
	if err != nil {
		return err
	}

	startDate := edited.ReadingDate
	if oldDate < startDate {
		startDate = oldDate
	}

	for i := range chain {
		rd := &chain[i]
		if rd.ID == edited.ID {
			continue
		}
		if rd.ReadingDate < startDate || (rd.ReadingDate == startDate && rd.ID < edited.ID) {
			continue
		}

		newPrevious := rd.PreviousReading
		if i > 0 {
			newPrevious = chain[i-1].CurrentReading
		}
		if rd.CurrentReading < newPrevious {
			return validationErrorf("recalculation rejected: reading on %s would drop below its previous value (%.2f < %.2f)",
				rd.ReadingDate, rd.CurrentReading, newPrevious)
		}

		newConsumption := rd.CurrentReading - newPrevious
		newTotal := newConsumption * rd.UnitCost
		if newPrevious == rd.PreviousReading && newConsumption == rd.Consumption && newTotal == rd.TotalCost {
			continue
		}

		rd.PreviousReading = newPrevious
		rd.Consumption = newConsumption
		rd.TotalCost = newTotal

		if _, err := tx.Exec(`
			UPDATE utility_readings
			SET previous_reading = ?, consumption = ?, total_cost = ?
			WHERE id = ?
		`, newPrevious, newConsumption, newTotal, rd.ID); err != nil {
			return err
		}
		log.Printf("[CASCADE] Reading %d re-derived: previous=%.2f consumption=%.2f", rd.ID, newPrevious, newConsumption)
	}

	return nil
}

// chainPredecessor returns the most recent live reading of the chain
// strictly before date, excluding excludeID (0 for none).
func chainPredecessor(tx *sql.Tx, apartmentID int, utilityType string, subtype *string, date string, excludeID int) (*models.UtilityReading, error) {
	rows, err := tx.Query(`
		SELECT id, apartment_id, user_id, utility_type, subtype, reading_date,
		       previous_reading, current_reading, consumption, unit_cost, total_cost,
		       is_paid, paid_date, notes, is_special_reading, created_at, updated_at
		FROM utility_readings
		WHERE apartment_id = ? AND utility_type = ? AND subtype IS ?
		  AND reading_date < ? AND id != ? AND deleted_at IS NULL
		ORDER BY reading_date DESC, id DESC LIMIT 1
	`, apartmentID, utilityType, subtypeArg(subtype), date, excludeID)
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

// loadChain returns all live readings of a chain ordered by (reading_date, id).
func loadChain(tx *sql.Tx, apartmentID int, utilityType string, subtype *string) ([]models.UtilityReading, error) {
	rows, err := tx.Query(`
		SELECT id, apartment_id, user_id, utility_type, subtype, reading_date,
		       previous_reading, current_reading, consumption, unit_cost, total_cost,
		       is_paid, paid_date, notes, is_special_reading, created_at, updated_at
		FROM utility_readings
		WHERE apartment_id = ? AND utility_type = ? AND subtype IS ? AND deleted_at IS NULL
		ORDER BY reading_date ASC, id ASC
	`, apartmentID, utilityType, subtypeArg(subtype))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanReadings(rows)
}

func getReadingTx(tx *sql.Tx, readingID, userID int) (*models.UtilityReading, error) {
	rows, err := tx.Query(`
		SELECT id, apartment_id, user_id, utility_type, subtype, reading_date,
		       previous_reading, current_reading, consumption, unit_cost, total_cost,
		       is_paid, paid_date, notes, is_special_reading, created_at, updated_at
		FROM utility_readings
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL
	`, readingID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readings, err := scanReadings(rows)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, &NotFoundError{Resource: "utility reading"}
	}
	return &readings[0], nil
}

func saveReadingTx(tx *sql.Tx, r *models.UtilityReading) error {
	_, err := tx.Exec(`
		UPDATE utility_readings
		SET reading_date = ?, previous_reading = ?, current_reading = ?,
		    consumption = ?, unit_cost = ?, total_cost = ?,
		    is_paid = ?, paid_date = ?, notes = ?
		WHERE id = ?
	`, r.ReadingDate, r.PreviousReading, r.CurrentReading,
		r.Consumption, r.UnitCost, r.TotalCost,
		boolToInt(r.IsPaid), r.PaidDate, r.Notes, r.ID)
	return err
}

func scanReadings(rows *sql.Rows) ([]models.UtilityReading, error) {
	var readings []models.UtilityReading
	for rows.Next() {
		var r models.UtilityReading
		var subtype sql.NullString
		var paidDate sql.NullString
		var notes sql.NullString
		if err := rows.Scan(&r.ID, &r.ApartmentID, &r.UserID, &r.Type, &subtype, &r.ReadingDate,
			&r.PreviousReading, &r.CurrentReading, &r.Consumption, &r.UnitCost, &r.TotalCost,
			&r.IsPaid, &paidDate, &notes, &r.IsSpecialReading, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if subtype.Valid {
			r.Subtype = &subtype.String
		}
		if paidDate.Valid {
			r.PaidDate = &paidDate.String
		}
		r.Notes = notes.String
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func apartmentOwnedTx(tx *sql.Tx, apartmentID, userID int) error {
	var one int
	err := tx.QueryRow(`
		SELECT 1 FROM apartments WHERE id = ? AND user_id = ? AND deleted_at IS NULL
	`, apartmentID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return &NotFoundError{Resource: "apartment"}
	}
	return err
}

func subtypeArg(subtype *string) interface{} {
	if subtype == nil || *subtype == "" {
		return nil
	}
	return *subtype
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
