package services

import (
	"database/sql"
	"log"
	"time"

	"github.com/am-ricci/casaflow/backend/models"
)

// ReminderScheduler runs two hourly sweeps: payment reminders for invoices
// whose reminder date has arrived, and monthly generation for users who set
// their billing automation to "scheduled".
type ReminderScheduler struct {
	db       *sql.DB
	billing  *BillingService
	mailer   *Mailer
	hub      *EventsHub
	stopChan chan bool
}

func NewReminderScheduler(db *sql.DB, billing *BillingService, mailer *Mailer, hub *EventsHub) *ReminderScheduler {
	return &ReminderScheduler{
		db:       db,
		billing:  billing,
		mailer:   mailer,
		hub:      hub,
		stopChan: make(chan bool),
	}
}

// Start blocks; run it in a goroutine. The first sweep fires immediately so
// restarts do not postpone due reminders by up to an hour.
func (s *ReminderScheduler) Start() {
	log.Println("[SCHEDULER] Reminder scheduler started")

	go s.runSweeps()

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runSweeps()
		case <-s.stopChan:
			log.Println("[SCHEDULER] Reminder scheduler stopped")
			return
		}
	}
}

func (s *ReminderScheduler) Stop() {
	s.stopChan <- true
}

func (s *ReminderScheduler) runSweeps() {
	s.sendDueReminders()
	s.runScheduledGeneration()
}

// sendDueReminders emails every unpaid invoice whose reminder date has
// passed and has not been reminded yet.
func (s *ReminderScheduler) sendDueReminders() {
	today := time.Now().Format("2006-01-02")

	rows, err := s.db.Query(`
		SELECT id, user_id, tenant_id, invoice_number, month, year, due_date, total
		FROM invoices
		WHERE deleted_at IS NULL AND is_paid = 0 AND reminder_sent = 0
		  AND reminder_date IS NOT NULL AND reminder_date <= ?
		ORDER BY user_id, id
	`, today)
	if err != nil {
		log.Printf("[SCHEDULER] Failed to query due reminders: %v", err)
		return
	}

	var due []models.Invoice
	for rows.Next() {
		var inv models.Invoice
		var dueDate sql.NullString
		if err := rows.Scan(&inv.ID, &inv.UserID, &inv.TenantID, &inv.InvoiceNumber,
			&inv.Month, &inv.Year, &dueDate, &inv.Total); err != nil {
			log.Printf("[SCHEDULER] Failed to scan invoice: %v", err)
			continue
		}
		inv.DueDate = dueDate.String
		due = append(due, inv)
	}
	rows.Close()

	if len(due) == 0 {
		return
	}

	sent := 0
	for i := range due {
		inv := &due[i]
		if err := s.mailer.SendInvoiceReminder(inv.UserID, inv); err != nil {
			log.Printf("[SCHEDULER] Failed to send reminder for invoice %s: %v", inv.InvoiceNumber, err)
			continue
		}

		if _, err := s.db.Exec(`
			UPDATE invoices SET reminder_sent = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?
		`, inv.ID); err != nil {
			log.Printf("[SCHEDULER] Failed to mark reminder sent for invoice %d: %v", inv.ID, err)
			continue
		}

		s.hub.BroadcastTo(inv.UserID, "reminder-sent", map[string]interface{}{
			"invoiceId":     inv.ID,
			"invoiceNumber": inv.InvoiceNumber,
		})
		sent++
	}

	log.Printf("[SCHEDULER] Reminder sweep: %d due, %d sent", len(due), sent)
}

// runScheduledGeneration triggers monthly invoice generation for every user
// whose billing defaults request it. Generation itself is idempotent, so
// re-running each hour only produces invoices for newly completed months.
func (s *ReminderScheduler) runScheduledGeneration() {
	rows, err := s.db.Query(`
		SELECT user_id FROM billing_defaults WHERE automation_type = 'scheduled'
	`)
	if err != nil {
		log.Printf("[SCHEDULER] Failed to query scheduled users: %v", err)
		return
	}

	var userIDs []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			continue
		}
		userIDs = append(userIDs, id)
	}
	rows.Close()

	for _, userID := range userIDs {
		invoices, err := s.billing.GenerateForUser(userID)
		if err != nil {
			log.Printf("[SCHEDULER] Scheduled generation for user %d failed: %v", userID, err)
			continue
		}
		if len(invoices) > 0 {
			log.Printf("[SCHEDULER] Scheduled generation created %d invoice(s) for user %d", len(invoices), userID)
		}
	}
}
