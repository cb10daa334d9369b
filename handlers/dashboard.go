package handlers

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/am-ricci/casaflow/backend/models"
)

type DashboardHandler struct {
	db *sql.DB
}

func NewDashboardHandler(db *sql.DB) *DashboardHandler {
	return &DashboardHandler{db: db}
}

func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	var stats models.DashboardStats

	today := time.Now().Format("2006-01-02")
	horizon := time.Now().AddDate(0, 0, 60).Format("2006-01-02")

	h.db.QueryRow(`SELECT COUNT(*) FROM apartments WHERE user_id = ? AND deleted_at IS NULL`,
		userID).Scan(&stats.TotalApartments)
	h.db.QueryRow(`SELECT COUNT(*) FROM apartments WHERE user_id = ? AND deleted_at IS NULL AND status = 'available'`,
		userID).Scan(&stats.AvailableApartments)
	h.db.QueryRow(`SELECT COUNT(*) FROM apartments WHERE user_id = ? AND deleted_at IS NULL AND status = 'occupied'`,
		userID).Scan(&stats.OccupiedApartments)
	h.db.QueryRow(`SELECT COUNT(*) FROM tenants WHERE user_id = ? AND deleted_at IS NULL`,
		userID).Scan(&stats.TotalTenants)
	h.db.QueryRow(`
		SELECT COUNT(*) FROM leases
		WHERE user_id = ? AND deleted_at IS NULL AND start_date <= ? AND end_date > ?
	`, userID, today, today).Scan(&stats.ActiveLeases)
	h.db.QueryRow(`
		SELECT COUNT(*) FROM leases
		WHERE user_id = ? AND deleted_at IS NULL AND end_date > ? AND end_date <= ?
	`, userID, today, horizon).Scan(&stats.ExpiringLeases)
	h.db.QueryRow(`
		SELECT COUNT(*) FROM invoices
		WHERE user_id = ? AND deleted_at IS NULL AND is_paid = 0
	`, userID).Scan(&stats.UnpaidInvoices)
	h.db.QueryRow(`
		SELECT COUNT(*) FROM invoices
		WHERE user_id = ? AND deleted_at IS NULL AND is_paid = 0
		  AND due_date IS NOT NULL AND due_date < ?
	`, userID, today).Scan(&stats.OverdueInvoices)

	now := time.Now()
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).Format("2006-01-02")
	startOfYear := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location()).Format("2006-01-02")

	h.db.QueryRow(`
		SELECT COALESCE(SUM(total), 0) FROM invoices
		WHERE user_id = ? AND deleted_at IS NULL AND issue_date >= ?
	`, userID, startOfMonth).Scan(&stats.MonthRevenue)
	h.db.QueryRow(`
		SELECT COALESCE(SUM(total), 0) FROM invoices
		WHERE user_id = ? AND deleted_at IS NULL AND issue_date >= ?
	`, userID, startOfYear).Scan(&stats.YearRevenue)
	h.db.QueryRow(`
		SELECT COALESCE(SUM(total), 0) FROM invoices
		WHERE user_id = ? AND deleted_at IS NULL AND is_paid = 0
	`, userID).Scan(&stats.OutstandingAmount)

	writeJSON(w, http.StatusOK, stats)
}

// GetRevenue returns the billed and collected totals per month of a year.
func (h *DashboardHandler) GetRevenue(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	year := queryInt(r, "year")
	if year == 0 {
		year = time.Now().Year()
	}

	type monthRevenue struct {
		Month     int     `json:"month"`
		Billed    float64 `json:"billed"`
		Collected float64 `json:"collected"`
	}

	months := make([]monthRevenue, 12)
	for i := range months {
		months[i].Month = i + 1
	}

	rows, err := h.db.Query(`
		SELECT month, COALESCE(SUM(total), 0),
		       COALESCE(SUM(CASE WHEN is_paid = 1 THEN total ELSE 0 END), 0)
		FROM invoices
		WHERE user_id = ? AND deleted_at IS NULL AND year = ? AND month BETWEEN 1 AND 12
		GROUP BY month
	`, userID, year)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var m int
		var billed, collected float64
		if err := rows.Scan(&m, &billed, &collected); err == nil && m >= 1 && m <= 12 {
			months[m-1].Billed = billed
			months[m-1].Collected = collected
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"year":   year,
		"months": months,
	})
}

// GetActivity returns the latest invoices and readings plus the leases
// closest to expiry, the dashboard's "what happened lately" panel.
func (h *DashboardHandler) GetActivity(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	type recentInvoice struct {
		ID            int     `json:"id"`
		InvoiceNumber string  `json:"invoiceNumber"`
		Total         float64 `json:"total"`
		IsPaid        bool    `json:"isPaid"`
		IssueDate     string  `json:"issueDate"`
		ApartmentName string  `json:"apartmentName"`
	}
	type recentReading struct {
		ID            int     `json:"id"`
		UtilityType   string  `json:"utilityType"`
		Subtype       *string `json:"subtype"`
		Consumption   float64 `json:"consumption"`
		ReadingDate   string  `json:"readingDate"`
		ApartmentName string  `json:"apartmentName"`
	}
	type expiringLease struct {
		ID            int    `json:"id"`
		EndDate       string `json:"endDate"`
		ApartmentName string `json:"apartmentName"`
		TenantName    string `json:"tenantName"`
	}

	invoices := []recentInvoice{}
	rows, err := h.db.Query(`
		SELECT i.id, i.invoice_number, i.total, i.is_paid, i.issue_date, a.name
		FROM invoices i
		JOIN apartments a ON a.id = i.apartment_id
		WHERE i.user_id = ? AND i.deleted_at IS NULL
		ORDER BY i.id DESC LIMIT 10
	`, userID)
	if err == nil {
		for rows.Next() {
			var inv recentInvoice
			if err := rows.Scan(&inv.ID, &inv.InvoiceNumber, &inv.Total, &inv.IsPaid,
				&inv.IssueDate, &inv.ApartmentName); err == nil {
				invoices = append(invoices, inv)
			}
		}
		rows.Close()
	}

	readings := []recentReading{}
	rows, err = h.db.Query(`
		SELECT r.id, r.utility_type, r.subtype, r.consumption, r.reading_date, a.name
		FROM utility_readings r
		JOIN apartments a ON a.id = r.apartment_id
		WHERE r.user_id = ? AND r.deleted_at IS NULL
		ORDER BY r.id DESC LIMIT 10
	`, userID)
	if err == nil {
		for rows.Next() {
			var rd recentReading
			var subtype sql.NullString
			if err := rows.Scan(&rd.ID, &rd.UtilityType, &subtype, &rd.Consumption,
				&rd.ReadingDate, &rd.ApartmentName); err == nil {
				if subtype.Valid {
					rd.Subtype = &subtype.String
				}
				readings = append(readings, rd)
			}
		}
		rows.Close()
	}

	today := time.Now().Format("2006-01-02")
	horizon := time.Now().AddDate(0, 0, 60).Format("2006-01-02")
	expiring := []expiringLease{}
	rows, err = h.db.Query(`
		SELECT l.id, l.end_date, a.name, t.first_name || ' ' || t.last_name
		FROM leases l
		JOIN apartments a ON a.id = l.apartment_id
		JOIN tenants t ON t.id = l.tenant_id
		WHERE l.user_id = ? AND l.deleted_at IS NULL
		  AND l.end_date > ? AND l.end_date <= ?
		ORDER BY l.end_date ASC LIMIT 10
	`, userID, today, horizon)
	if err == nil {
		for rows.Next() {
			var le expiringLease
			if err := rows.Scan(&le.ID, &le.EndDate, &le.ApartmentName, &le.TenantName); err == nil {
				expiring = append(expiring, le)
			}
		}
		rows.Close()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recentInvoices": invoices,
		"recentReadings": readings,
		"expiringLeases": expiring,
	})
}
