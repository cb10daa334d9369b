package handlers

import (
	"database/sql"
	"log"
	"net/http"

	"github.com/am-ricci/casaflow/backend/crypto"
	"github.com/am-ricci/casaflow/backend/models"
	"github.com/am-ricci/casaflow/backend/services"
)

// passwordMask is what clients see instead of the stored SMTP password.
// Sending it back unchanged means "keep the current one".
const passwordMask = "********"

type SettingsHandler struct {
	db            *sql.DB
	billing       *services.BillingService
	mailer        *services.Mailer
	encryptionKey []byte
}

func NewSettingsHandler(db *sql.DB, billing *services.BillingService, mailer *services.Mailer) *SettingsHandler {
	key, err := crypto.GetEncryptionKey()
	if err != nil {
		log.Printf("Warning: failed to load encryption key: %v", err)
		log.Println("⚠️  SMTP passwords will be stored in plain text!")
	}
	return &SettingsHandler{db: db, billing: billing, mailer: mailer, encryptionKey: key}
}

func (h *SettingsHandler) GetBillingDefaults(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	defaults, err := h.billing.GetDefaults(userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defaults)
}

func (h *SettingsHandler) UpdateBillingDefaults(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var req services.BillingDefaultsUpdate
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	defaults, err := h.billing.UpsertDefaults(userID, req, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	logAction(h.db, r, userID, "Billing Defaults Updated", "Updated billing defaults")
	writeJSON(w, http.StatusOK, defaults)
}

type bankSettingsRequest struct {
	AccountHolder string `json:"accountHolder"`
	IBAN          string `json:"iban"`
	BIC           string `json:"bic"`
	BankName      string `json:"bankName"`
}

func (h *SettingsHandler) GetBankSettings(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var accountHolder, iban, bic, bankName sql.NullString
	err := h.db.QueryRow(`
		SELECT account_holder, iban, bic, bank_name
		FROM bank_settings WHERE user_id = ?
	`, userID).Scan(&accountHolder, &iban, &bic, &bankName)
	if err != nil && err != sql.ErrNoRows {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"accountHolder": accountHolder.String,
		"iban":          iban.String,
		"bic":           bic.String,
		"bankName":      bankName.String,
	})
}

func (h *SettingsHandler) UpdateBankSettings(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var req bankSettingsRequest
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	_, err := h.db.Exec(`
		INSERT INTO bank_settings (user_id, account_holder, iban, bic, bank_name)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			account_holder = excluded.account_holder,
			iban = excluded.iban,
			bic = excluded.bic,
			bank_name = excluded.bank_name,
			updated_at = CURRENT_TIMESTAMP
	`, userID, req.AccountHolder, req.IBAN, req.BIC, req.BankName)
	if err != nil {
		log.Printf("Error updating bank settings: %v", err)
		http.Error(w, "Failed to update bank settings", http.StatusInternalServerError)
		return
	}

	logAction(h.db, r, userID, "Bank Settings Updated", "Updated bank settings")
	writeJSON(w, http.StatusOK, map[string]string{"message": "Bank settings updated"})
}

type smtpSettingsRequest struct {
	Host      string `json:"host"`
	Port      int    `json:"port" validate:"gte=0,lte=65535"`
	User      string `json:"user"`
	Password  string `json:"password"`
	From      string `json:"from" validate:"omitempty,email"`
	IsEnabled bool   `json:"isEnabled"`
}

func (h *SettingsHandler) GetSMTPSettings(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var host, user, password, from sql.NullString
	var port sql.NullInt64
	var isEnabled bool
	err := h.db.QueryRow(`
		SELECT smtp_host, smtp_port, smtp_user, smtp_password, smtp_from, is_enabled
		FROM smtp_settings WHERE user_id = ?
	`, userID).Scan(&host, &port, &user, &password, &from, &isEnabled)
	if err != nil && err != sql.ErrNoRows {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	masked := ""
	if password.String != "" {
		masked = passwordMask
	}
	portValue := int(port.Int64)
	if portValue == 0 {
		portValue = 587
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"host":      host.String,
		"port":      portValue,
		"user":      user.String,
		"password":  masked,
		"from":      from.String,
		"isEnabled": isEnabled,
	})
}

func (h *SettingsHandler) UpdateSMTPSettings(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var req smtpSettingsRequest
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Port == 0 {
		req.Port = 587
	}

	if req.Password == passwordMask {
		_, err := h.db.Exec(`
			INSERT INTO smtp_settings (user_id, smtp_host, smtp_port, smtp_user, smtp_from, is_enabled)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				smtp_host = excluded.smtp_host,
				smtp_port = excluded.smtp_port,
				smtp_user = excluded.smtp_user,
				smtp_from = excluded.smtp_from,
				is_enabled = excluded.is_enabled,
				updated_at = CURRENT_TIMESTAMP
		`, userID, req.Host, req.Port, req.User, req.From, boolToInt(req.IsEnabled))
		if err != nil {
			log.Printf("Error updating SMTP settings: %v", err)
			http.Error(w, "Failed to update SMTP settings", http.StatusInternalServerError)
			return
		}
	} else {
		stored := req.Password
		if stored != "" && h.encryptionKey != nil {
			encrypted, err := crypto.Encrypt(stored, h.encryptionKey)
			if err != nil {
				log.Printf("Warning: failed to encrypt SMTP password: %v", err)
			} else {
				stored = encrypted
			}
		}
		_, err := h.db.Exec(`
			INSERT INTO smtp_settings (user_id, smtp_host, smtp_port, smtp_user, smtp_password, smtp_from, is_enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				smtp_host = excluded.smtp_host,
				smtp_port = excluded.smtp_port,
				smtp_user = excluded.smtp_user,
				smtp_password = excluded.smtp_password,
				smtp_from = excluded.smtp_from,
				is_enabled = excluded.is_enabled,
				updated_at = CURRENT_TIMESTAMP
		`, userID, req.Host, req.Port, req.User, stored, req.From, boolToInt(req.IsEnabled))
		if err != nil {
			log.Printf("Error updating SMTP settings: %v", err)
			http.Error(w, "Failed to update SMTP settings", http.StatusInternalServerError)
			return
		}
	}

	h.mailer.InvalidateConfig(userID)

	logAction(h.db, r, userID, "SMTP Settings Updated", "Updated SMTP settings")
	writeJSON(w, http.StatusOK, map[string]string{"message": "SMTP settings updated"})
}

func (h *SettingsHandler) TestEmail(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	if err := h.mailer.SendTestEmail(userID); err != nil {
		log.Printf("Test email failed for user %d: %v", userID, err)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status":  "error",
			"message": "Failed to send test email: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Test email sent",
	})
}

// Logs returns the most recent audit entries for the current user.
func (h *SettingsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	limit := queryInt(r, "limit")
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := h.db.Query(`
		SELECT id, action, details, user_id, ip_address, created_at
		FROM admin_logs
		WHERE user_id = ?
		ORDER BY id DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	entries := []models.AdminLog{}
	for rows.Next() {
		var e models.AdminLog
		var details, ip sql.NullString
		var uid sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Action, &details, &uid, &ip, &e.CreatedAt); err != nil {
			continue
		}
		e.Details = details.String
		e.IPAddress = ip.String
		if uid.Valid {
			v := int(uid.Int64)
			e.UserID = &v
		}
		entries = append(entries, e)
	}

	writeJSON(w, http.StatusOK, entries)
}
