package handlers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/am-ricci/casaflow/backend/models"
	"github.com/am-ricci/casaflow/backend/services"
)

type InvoiceHandler struct {
	db      *sql.DB
	billing *services.BillingService
	pdf     *services.PDFGenerator
	mailer  *services.Mailer
}

func NewInvoiceHandler(db *sql.DB, billing *services.BillingService, pdf *services.PDFGenerator, mailer *services.Mailer) *InvoiceHandler {
	return &InvoiceHandler{db: db, billing: billing, pdf: pdf, mailer: mailer}
}

func (h *InvoiceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	filter := services.InvoiceFilter{
		LeaseID:     queryInt(r, "leaseId"),
		TenantID:    queryInt(r, "tenantId"),
		ApartmentID: queryInt(r, "apartmentId"),
		Year:        queryInt(r, "year"),
		Month:       queryInt(r, "month"),
		IsPaid:      queryBoolPtr(r, "isPaid"),
		Overdue:     r.URL.Query().Get("overdue") == "true",
		Search:      r.URL.Query().Get("search"),
		SortBy:      r.URL.Query().Get("sortBy"),
		SortOrder:   r.URL.Query().Get("sortOrder"),
		Skip:        queryInt(r, "skip"),
		Limit:       queryInt(r, "limit"),
	}

	invoices, err := h.billing.List(userID, filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invoices)
}

func (h *InvoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	invoice, err := h.billing.Get(userID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

// GenerateMonthly runs the monthly check for one apartment, or for every
// apartment when none is given. A check that finds nothing to bill is a
// normal outcome, not an error.
func (h *InvoiceHandler) GenerateMonthly(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var req struct {
		ApartmentID int `json:"apartmentId"`
	}
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.ApartmentID == 0 {
		invoices, err := h.billing.GenerateForUser(userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		logAction(h.db, r, userID, "Invoices Generated",
			fmt.Sprintf("Manual run generated %d invoice(s)", len(invoices)))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"generated": len(invoices),
			"invoices":  invoices,
		})
		return
	}

	invoice, err := h.billing.CheckAndGenerateMonthlyInvoice(req.ApartmentID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if invoice == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"generated": 0,
			"message":   "Nothing to invoice: no active lease, incomplete readings or month already billed",
		})
		return
	}

	logAction(h.db, r, userID, "Invoice Generated", "Generated invoice "+invoice.InvoiceNumber)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generated": 1,
		"invoice":   invoice,
	})
}

// GenerateEntry issues the deposit invoice for a lease.
func (h *InvoiceHandler) GenerateEntry(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var req struct {
		LeaseID int `json:"leaseId" validate:"required"`
	}
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	invoice, err := h.billing.GenerateFromLease(req.LeaseID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if invoice == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "Lease has no security deposit, nothing to invoice",
		})
		return
	}

	logAction(h.db, r, userID, "Entry Invoice Generated", "Generated invoice "+invoice.InvoiceNumber)
	writeJSON(w, http.StatusCreated, invoice)
}

func (h *InvoiceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	if err := h.billing.Delete(userID, id); err != nil {
		writeServiceError(w, err)
		return
	}

	logAction(h.db, r, userID, "Invoice Deleted", "Deleted invoice ID "+strconv.Itoa(id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *InvoiceHandler) MarkAsPaid(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	var req struct {
		PaymentDate   string `json:"paymentDate" validate:"omitempty,datetime=2006-01-02"`
		PaymentMethod string `json:"paymentMethod" validate:"omitempty,oneof=cash bank_transfer credit_card check"`
	}
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PaymentDate == "" {
		req.PaymentDate = nowDate()
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = "bank_transfer"
	}

	invoice, err := h.billing.MarkAsPaid(userID, id, req.PaymentDate, req.PaymentMethod)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	logAction(h.db, r, userID, "Invoice Paid", "Marked invoice "+invoice.InvoiceNumber+" as paid")
	writeJSON(w, http.StatusOK, invoice)
}

func (h *InvoiceHandler) ListPaymentRecords(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	records, err := h.billing.PaymentRecords(userID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *InvoiceHandler) AddPaymentRecord(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	var req services.PaymentRecordInput
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	record, err := h.billing.AddPaymentRecord(userID, id, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (h *InvoiceHandler) Overdue(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	invoices, err := h.billing.Overdue(userID, queryInt(r, "minDays"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invoices)
}

func (h *InvoiceHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	period := r.URL.Query().Get("period")
	if period == "" {
		period = "this_month"
	}

	stats, err := h.billing.Statistics(userID, period)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// DownloadPDF serves the invoice PDF, rendering it first when no cached
// file exists.
func (h *InvoiceHandler) DownloadPDF(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	invoice, err := h.billing.Get(userID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	path := invoice.PDFPath
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	if path == "" {
		path, err = h.pdf.GenerateInvoicePDF(invoice)
		if err != nil {
			log.Printf("Error generating PDF for invoice %s: %v", invoice.InvoiceNumber, err)
			http.Error(w, "Failed to generate PDF", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%s.pdf", invoice.InvoiceNumber))
	http.ServeFile(w, r, path)
}

// SendReminder emails a payment reminder for the invoice right away.
func (h *InvoiceHandler) SendReminder(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	invoice, err := h.billing.Get(userID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if invoice.IsPaid {
		http.Error(w, "Invoice is already paid", http.StatusBadRequest)
		return
	}

	if err := h.mailer.SendInvoiceReminder(userID, invoice); err != nil {
		log.Printf("Error sending reminder for invoice %s: %v", invoice.InvoiceNumber, err)
		http.Error(w, "Failed to send reminder: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if _, err := h.db.Exec(`
		UPDATE invoices SET reminder_sent = 1 WHERE id = ? AND user_id = ?
	`, id, userID); err != nil {
		log.Printf("Error stamping reminder for invoice %d: %v", id, err)
	}

	logAction(h.db, r, userID, "Reminder Sent", "Sent reminder for invoice "+invoice.InvoiceNumber)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Reminder sent"})
}

// SendBulkReminders emails reminders for the given invoice ids, or for every
// overdue unpaid invoice when no ids are supplied.
func (h *InvoiceHandler) SendBulkReminders(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var req struct {
		InvoiceIDs []int `json:"invoiceIds"`
	}
	if r.Body != nil {
		// An empty body means "all overdue"
		json.NewDecoder(r.Body).Decode(&req)
	}

	query := `
		SELECT id, tenant_id, invoice_number, month, year, COALESCE(due_date, ''), total
		FROM invoices
		WHERE user_id = ? AND deleted_at IS NULL AND is_paid = 0
	`
	args := []interface{}{userID}
	if len(req.InvoiceIDs) > 0 {
		query += " AND id IN (?" + strings.Repeat(",?", len(req.InvoiceIDs)-1) + ")"
		for _, id := range req.InvoiceIDs {
			args = append(args, id)
		}
	} else {
		query += " AND due_date IS NOT NULL AND due_date < ?"
		args = append(args, time.Now().Format("2006-01-02"))
	}
	query += " ORDER BY id"

	rows, err := h.db.Query(query, args...)
	if err != nil {
		log.Printf("Error querying invoices for bulk reminders: %v", err)
		http.Error(w, "Failed to load invoices", http.StatusInternalServerError)
		return
	}

	var candidates []models.Invoice
	for rows.Next() {
		var inv models.Invoice
		if err := rows.Scan(&inv.ID, &inv.TenantID, &inv.InvoiceNumber,
			&inv.Month, &inv.Year, &inv.DueDate, &inv.Total); err != nil {
			log.Printf("Error scanning invoice for bulk reminder: %v", err)
			continue
		}
		inv.UserID = userID
		candidates = append(candidates, inv)
	}
	rows.Close()

	sent, failed := 0, 0
	for i := range candidates {
		inv := &candidates[i]
		if err := h.mailer.SendInvoiceReminder(userID, inv); err != nil {
			log.Printf("Error sending reminder for invoice %s: %v", inv.InvoiceNumber, err)
			failed++
			continue
		}
		if _, err := h.db.Exec(`
			UPDATE invoices SET reminder_sent = 1 WHERE id = ? AND user_id = ?
		`, inv.ID, userID); err != nil {
			log.Printf("Error stamping reminder for invoice %d: %v", inv.ID, err)
		}
		sent++
	}

	logAction(h.db, r, userID, "Bulk Reminders Sent", fmt.Sprintf("Sent %d reminder(s), %d failed", sent, failed))
	writeJSON(w, http.StatusOK, map[string]int{"sent": sent, "failed": failed})
}
