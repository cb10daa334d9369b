package handlers

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type ExportHandler struct {
	db     *sql.DB
	dbPath string
}

func NewExportHandler(db *sql.DB, dbPath string) *ExportHandler {
	return &ExportHandler{db: db, dbPath: dbPath}
}

// Backup streams the SQLite file as a download. Admin only; the database
// holds every user's data.
func (h *ExportHandler) Backup(w http.ResponseWriter, r *http.Request) {
	backupName := fmt.Sprintf("casaflow-backup-%s.db", time.Now().Format("20060102-150405"))

	data, err := os.ReadFile(h.dbPath)
	if err != nil {
		log.Printf("Error reading database for backup: %v", err)
		http.Error(w, "Failed to read database", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupName))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))

	w.Write(data)
	logAction(h.db, r, currentUserID(r), "Database Backup", "Backup downloaded: "+backupName)
}

func (h *ExportHandler) ExportData(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	exportType := r.URL.Query().Get("type")
	startDate := r.URL.Query().Get("start_date")
	endDate := r.URL.Query().Get("end_date")
	apartmentID := queryInt(r, "apartment_id")

	if exportType == "" || startDate == "" || endDate == "" {
		http.Error(w, "Missing required parameters", http.StatusBadRequest)
		return
	}

	var data [][]string
	var err error

	switch exportType {
	case "readings":
		data, err = h.exportReadings(userID, startDate, endDate, apartmentID)
	case "invoices":
		data, err = h.exportInvoices(userID, startDate, endDate, apartmentID)
	case "payments":
		data, err = h.exportPayments(userID, startDate, endDate)
	default:
		http.Error(w, "Invalid export type", http.StatusBadRequest)
		return
	}

	if err != nil {
		log.Printf("Export error: %v", err)
		http.Error(w, "Failed to export data", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	filename := fmt.Sprintf("%s-export-%s-to-%s.csv", exportType, startDate, endDate)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	writer := csv.NewWriter(w)
	defer writer.Flush()

	for _, row := range data {
		if err := writer.Write(row); err != nil {
			log.Printf("Error writing CSV: %v", err)
			return
		}
	}
}

func (h *ExportHandler) exportReadings(userID int, startDate, endDate string, apartmentID int) ([][]string, error) {
	query := `
		SELECT r.id, a.name, r.utility_type, COALESCE(r.subtype, ''), r.reading_date,
		       r.previous_reading, r.current_reading, r.consumption,
		       r.unit_cost, r.total_cost, r.is_paid
		FROM utility_readings r
		JOIN apartments a ON a.id = r.apartment_id
		WHERE r.user_id = ? AND r.deleted_at IS NULL
		  AND r.reading_date BETWEEN ? AND ?
	`
	args := []interface{}{userID, startDate, endDate}
	if apartmentID > 0 {
		query += " AND r.apartment_id = ?"
		args = append(args, apartmentID)
	}
	query += " ORDER BY r.apartment_id, r.utility_type, r.subtype, r.reading_date, r.id"

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	data := [][]string{
		{"ID", "Apartment", "Utility", "Subtype", "Date", "Previous", "Current", "Consumption", "Unit Cost", "Total Cost", "Paid"},
	}

	for rows.Next() {
		var id int
		var apartment, utilityType, subtype, date string
		var previous, current, consumption, unitCost, totalCost float64
		var isPaid bool

		if err := rows.Scan(&id, &apartment, &utilityType, &subtype, &date,
			&previous, &current, &consumption, &unitCost, &totalCost, &isPaid); err != nil {
			log.Printf("Error scanning reading row: %v", err)
			continue
		}

		paid := "no"
		if isPaid {
			paid = "yes"
		}
		data = append(data, []string{
			fmt.Sprintf("%d", id),
			apartment,
			utilityType,
			subtype,
			date,
			fmt.Sprintf("%.2f", previous),
			fmt.Sprintf("%.2f", current),
			fmt.Sprintf("%.2f", consumption),
			fmt.Sprintf("%.4f", unitCost),
			fmt.Sprintf("%.2f", totalCost),
			paid,
		})
	}

	return data, rows.Err()
}

func (h *ExportHandler) exportInvoices(userID int, startDate, endDate string, apartmentID int) ([][]string, error) {
	query := `
		SELECT i.id, i.invoice_number, a.name, t.first_name || ' ' || t.last_name,
		       i.month, i.year, i.issue_date, COALESCE(i.due_date, ''),
		       i.subtotal, i.total, i.is_paid, COALESCE(i.payment_date, '')
		FROM invoices i
		JOIN apartments a ON a.id = i.apartment_id
		JOIN tenants t ON t.id = i.tenant_id
		WHERE i.user_id = ? AND i.deleted_at IS NULL
		  AND i.issue_date BETWEEN ? AND ?
	`
	args := []interface{}{userID, startDate, endDate}
	if apartmentID > 0 {
		query += " AND i.apartment_id = ?"
		args = append(args, apartmentID)
	}
	query += " ORDER BY i.issue_date, i.id"

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	data := [][]string{
		{"ID", "Number", "Apartment", "Tenant", "Month", "Year", "Issue Date", "Due Date", "Subtotal", "Total", "Paid", "Payment Date"},
	}

	for rows.Next() {
		var id, month, year int
		var number, apartment, tenant, issueDate, dueDate, paymentDate string
		var subtotal, total float64
		var isPaid bool

		if err := rows.Scan(&id, &number, &apartment, &tenant, &month, &year,
			&issueDate, &dueDate, &subtotal, &total, &isPaid, &paymentDate); err != nil {
			log.Printf("Error scanning invoice row: %v", err)
			continue
		}

		paid := "no"
		if isPaid {
			paid = "yes"
		}
		data = append(data, []string{
			fmt.Sprintf("%d", id),
			number,
			apartment,
			tenant,
			fmt.Sprintf("%02d", month),
			fmt.Sprintf("%d", year),
			issueDate,
			dueDate,
			fmt.Sprintf("%.2f", subtotal),
			fmt.Sprintf("%.2f", total),
			paid,
			paymentDate,
		})
	}

	return data, rows.Err()
}

func (h *ExportHandler) exportPayments(userID int, startDate, endDate string) ([][]string, error) {
	rows, err := h.db.Query(`
		SELECT p.id, i.invoice_number, p.amount, p.payment_date,
		       COALESCE(p.payment_method, ''), COALESCE(p.reference, '')
		FROM payment_records p
		JOIN invoices i ON i.id = p.invoice_id
		WHERE i.user_id = ? AND p.payment_date BETWEEN ? AND ?
		ORDER BY p.payment_date, p.id
	`, userID, startDate, endDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	data := [][]string{
		{"ID", "Invoice", "Amount", "Payment Date", "Method", "Reference"},
	}

	for rows.Next() {
		var id int
		var number, date, method, reference string
		var amount float64

		if err := rows.Scan(&id, &number, &amount, &date, &method, &reference); err != nil {
			log.Printf("Error scanning payment row: %v", err)
			continue
		}

		data = append(data, []string{
			fmt.Sprintf("%d", id),
			number,
			fmt.Sprintf("%.2f", amount),
			date,
			method,
			reference,
		})
	}

	return data, rows.Err()
}
