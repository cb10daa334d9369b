package services

import (
	"crypto/tls"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/am-ricci/casaflow/backend/crypto"
	"github.com/am-ricci/casaflow/backend/models"
)

// mailConfig holds one landlord's SMTP settings with the password decrypted.
type mailConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	From      string
	IsEnabled bool
}

const mailConfigCacheDuration = 5 * time.Minute

// Mailer sends invoice reminders and test emails using per-user SMTP
// settings. When a user has no working SMTP configuration the send is
// simulated: logged, reported as success, nothing leaves the process.
type Mailer struct {
	db            *sql.DB
	encryptionKey []byte

	configMu sync.RWMutex
	configs  map[int]*mailConfig
	loadedAt map[int]time.Time
}

func NewMailer(db *sql.DB) *Mailer {
	key, err := crypto.GetEncryptionKey()
	if err != nil {
		log.Printf("[MAIL] Warning: encryption key unavailable, stored SMTP passwords will be used as-is: %v", err)
		key = nil
	}
	return &Mailer{
		db:            db,
		encryptionKey: key,
		configs:       make(map[int]*mailConfig),
		loadedAt:      make(map[int]time.Time),
	}
}

// InvalidateConfig forces a reload of one user's SMTP settings on next use.
func (m *Mailer) InvalidateConfig(userID int) {
	m.configMu.Lock()
	delete(m.configs, userID)
	delete(m.loadedAt, userID)
	m.configMu.Unlock()
}

// loadConfig reads a user's SMTP settings from the DB with caching.
// Returns nil when the user never saved settings.
func (m *Mailer) loadConfig(userID int) *mailConfig {
	m.configMu.RLock()
	if cfg, ok := m.configs[userID]; ok && time.Since(m.loadedAt[userID]) < mailConfigCacheDuration {
		m.configMu.RUnlock()
		return cfg
	}
	m.configMu.RUnlock()

	var cfg mailConfig
	var host, user, password, from sql.NullString

	err := m.db.QueryRow(`
		SELECT smtp_host, smtp_port, smtp_user, smtp_password, smtp_from, is_enabled
		FROM smtp_settings WHERE user_id = ?
	`, userID).Scan(&host, &cfg.Port, &user, &password, &from, &cfg.IsEnabled)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		log.Printf("[MAIL] Failed to load SMTP settings for user %d: %v", userID, err)
		return nil
	}

	cfg.Host = host.String
	cfg.User = user.String
	cfg.From = from.String
	cfg.Password = password.String
	if cfg.Password != "" && m.encryptionKey != nil {
		if decrypted, err := crypto.Decrypt(cfg.Password, m.encryptionKey); err == nil {
			cfg.Password = decrypted
		} else {
			log.Printf("[MAIL] Warning: failed to decrypt SMTP password for user %d: %v", userID, err)
		}
	}

	m.configMu.Lock()
	m.configs[userID] = &cfg
	m.loadedAt[userID] = time.Now()
	m.configMu.Unlock()

	return &cfg
}

// canSend reports whether a config is complete enough to reach a real server.
func canSend(cfg *mailConfig) bool {
	return cfg != nil && cfg.IsEnabled && cfg.Host != "" && cfg.From != ""
}

// SendInvoiceReminder emails a payment reminder for an unpaid invoice to the
// tenant on record. Without a working SMTP configuration the reminder is
// simulated and still counts as sent.
func (m *Mailer) SendInvoiceReminder(userID int, invoice *models.Invoice) error {
	var firstName, lastName string
	var email sql.NullString
	err := m.db.QueryRow(`
		SELECT first_name, last_name, email FROM tenants
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL
	`, invoice.TenantID, userID).Scan(&firstName, &lastName, &email)
	if err == sql.ErrNoRows {
		return &NotFoundError{Resource: "Tenant"}
	}
	if err != nil {
		return fmt.Errorf("load tenant: %v", err)
	}

	tenantName := strings.TrimSpace(firstName + " " + lastName)
	if !email.Valid || email.String == "" {
		return validationErrorf("tenant %s has no email address", tenantName)
	}

	cfg := m.loadConfig(userID)
	if !canSend(cfg) {
		log.Printf("[MAIL] SMTP not configured for user %d, simulated reminder for invoice %s to %s",
			userID, invoice.InvoiceNumber, email.String)
		return nil
	}

	subject := fmt.Sprintf("Promemoria pagamento fattura %s", invoice.InvoiceNumber)
	body := buildReminderHTML(tenantName, invoice)

	if err := m.sendMail(cfg, email.String, subject, body); err != nil {
		return err
	}
	log.Printf("[MAIL] Reminder for invoice %s sent to %s", invoice.InvoiceNumber, email.String)
	return nil
}

// SendTestEmail sends a test message to the landlord's own address so they
// can verify their SMTP settings. Unlike reminders this never simulates.
func (m *Mailer) SendTestEmail(userID int) error {
	cfg := m.loadConfig(userID)
	if cfg == nil {
		return fmt.Errorf("SMTP settings not configured")
	}
	if cfg.Host == "" || cfg.From == "" {
		return fmt.Errorf("SMTP host and sender address must be configured")
	}

	var recipient string
	if err := m.db.QueryRow(`SELECT email FROM users WHERE id = ?`, userID).Scan(&recipient); err != nil {
		return fmt.Errorf("load user email: %v", err)
	}

	subject := "CasaFlow: email di prova"
	body := `<html><body style="font-family: Arial, sans-serif; padding: 20px;">
		<h2 style="color: #10b981;">&#x2705; Email di prova riuscita</h2>
		<p>Questa &egrave; una email di prova inviata da CasaFlow.</p>
		<p>Se la stai leggendo, le impostazioni SMTP sono corrette.</p>
		<p style="color: #6b7280; font-size: 12px; margin-top: 20px;">
			Inviata il: ` + time.Now().Format("02/01/2006 15:04") + `
		</p>
	</body></html>`

	return m.sendMail(cfg, recipient, subject, body)
}

func buildReminderHTML(tenantName string, invoice *models.Invoice) string {
	var sb strings.Builder

	sb.WriteString(`<html><body style="font-family: Arial, sans-serif; padding: 20px; background-color: #f9fafb;">`)
	sb.WriteString(`<div style="max-width: 600px; margin: 0 auto; background: white; border-radius: 12px; padding: 24px; box-shadow: 0 1px 3px rgba(0,0,0,0.1);">`)

	sb.WriteString(`<h2 style="color: #dc2626; margin-top: 0;">Promemoria di pagamento</h2>`)
	sb.WriteString(fmt.Sprintf(`<p>Gentile %s,</p>`, tenantName))
	sb.WriteString(fmt.Sprintf(`<p>le ricordiamo che la fattura <strong>%s</strong> relativa al periodo <strong>%02d/%d</strong> risulta ancora da pagare.</p>`,
		invoice.InvoiceNumber, invoice.Month, invoice.Year))

	sb.WriteString(`<table style="width: 100%; border-collapse: collapse; margin: 16px 0;">`)
	writeReminderRow(&sb, "Fattura", invoice.InvoiceNumber)
	writeReminderRow(&sb, "Periodo", fmt.Sprintf("%02d/%d", invoice.Month, invoice.Year))
	if invoice.DueDate != "" {
		writeReminderRow(&sb, "Scadenza", reminderDate(invoice.DueDate))
	}
	writeReminderRow(&sb, "Importo", fmt.Sprintf("EUR %.2f", invoice.Total))
	sb.WriteString(`</table>`)

	sb.WriteString(`<p>La preghiamo di provvedere al pagamento al pi&ugrave; presto. Se ha gi&agrave; pagato, consideri nulla questa comunicazione.</p>`)
	sb.WriteString(`<p style="color: #6b7280; font-size: 12px; margin-top: 24px;">Questa email &egrave; stata generata automaticamente da CasaFlow.</p>`)

	sb.WriteString(`</div></body></html>`)
	return sb.String()
}

func writeReminderRow(sb *strings.Builder, label, value string) {
	sb.WriteString(`<tr>`)
	sb.WriteString(fmt.Sprintf(`<td style="padding: 8px; border-bottom: 1px solid #e5e7eb; color: #6b7280;">%s</td>`, label))
	sb.WriteString(fmt.Sprintf(`<td style="padding: 8px; border-bottom: 1px solid #e5e7eb; text-align: right; font-weight: 600;">%s</td>`, value))
	sb.WriteString(`</tr>`)
}

// reminderDate reformats a stored YYYY-MM-DD date for Italian readers.
func reminderDate(date string) string {
	if t, err := time.Parse("2006-01-02", date); err == nil {
		return t.Format("02/01/2006")
	}
	return date
}

func (m *Mailer) sendMail(cfg *mailConfig, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", cfg.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	msgBytes := []byte(msg.String())

	if cfg.Port == 465 {
		// Implicit TLS (SMTPS)
		return m.sendMailTLS(cfg, addr, to, msgBytes)
	}

	// STARTTLS (port 587) or plain (port 25)
	var auth smtp.Auth
	if cfg.User != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
	}
	return smtp.SendMail(addr, auth, cfg.From, []string{to}, msgBytes)
}

// sendMailTLS handles implicit TLS connections (port 465).
func (m *Mailer) sendMailTLS(cfg *mailConfig, addr, to string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: cfg.Host,
	}

	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("TLS dial failed: %v", err)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP client failed: %v", err)
	}
	defer client.Close()

	if cfg.User != "" {
		auth := smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth failed: %v", err)
		}
	}

	if err = client.Mail(cfg.From); err != nil {
		return fmt.Errorf("SMTP MAIL FROM failed: %v", err)
	}

	if err = client.Rcpt(to); err != nil {
		return fmt.Errorf("SMTP RCPT TO failed: %v", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA failed: %v", err)
	}

	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("SMTP write failed: %v", err)
	}

	if err = w.Close(); err != nil {
		return fmt.Errorf("SMTP close data failed: %v", err)
	}

	return client.Quit()
}
