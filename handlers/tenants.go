package handlers

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/am-ricci/casaflow/backend/crypto"
	"github.com/am-ricci/casaflow/backend/models"
	"github.com/google/uuid"
)

// TenantHandler manages tenant profiles. Identity document numbers are
// encrypted at rest; a lost key turns them into empty strings on read,
// never into request failures.
type TenantHandler struct {
	db            *sql.DB
	uploadsDir    string
	encryptionKey []byte
}

func NewTenantHandler(db *sql.DB, uploadsDir string) *TenantHandler {
	key, err := crypto.GetEncryptionKey()
	if err != nil {
		log.Printf("Warning: failed to load encryption key: %v", err)
		log.Println("⚠️  Tenant document numbers will be stored in plain text!")
	}
	return &TenantHandler{db: db, uploadsDir: uploadsDir, encryptionKey: key}
}

type tenantRequest struct {
	FirstName          string           `json:"firstName" validate:"required"`
	LastName           string           `json:"lastName" validate:"required"`
	Email              string           `json:"email" validate:"omitempty,email"`
	Phone              string           `json:"phone"`
	DocumentType       string           `json:"documentType" validate:"omitempty,oneof=id_card passport driving_license other"`
	DocumentNumber     string           `json:"documentNumber"`
	DocumentExpiryDate string           `json:"documentExpiryDate" validate:"omitempty,datetime=2006-01-02"`
	Address            string           `json:"address"`
	CommunicationPrefs models.CommPrefs `json:"communicationPreferences"`
	Notes              string           `json:"notes"`
}

const tenantColumns = `id, user_id, first_name, last_name, email, phone,
	document_type, document_number, document_expiry_date,
	document_front_image, document_back_image, address,
	communication_preferences, notes, created_at, updated_at`

func (h *TenantHandler) scanTenant(row interface{ Scan(...interface{}) error }) (*models.Tenant, error) {
	var t models.Tenant
	var email, phone, docType, docNumber, docExpiry sql.NullString
	var docFront, docBack, address, commPrefs, notes sql.NullString

	err := row.Scan(&t.ID, &t.UserID, &t.FirstName, &t.LastName, &email, &phone,
		&docType, &docNumber, &docExpiry, &docFront, &docBack, &address,
		&commPrefs, &notes, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.Email = email.String
	t.Phone = phone.String
	t.DocumentType = docType.String
	t.DocumentExpiryDate = docExpiry.String
	t.DocumentFrontImage = docFront.String
	t.DocumentBackImage = docBack.String
	t.Address = address.String
	t.Notes = notes.String

	if docNumber.String != "" && h.encryptionKey != nil {
		decrypted, err := crypto.Decrypt(docNumber.String, h.encryptionKey)
		if err != nil {
			log.Printf("Warning: failed to decrypt document number for tenant %d: %v", t.ID, err)
		} else {
			t.DocumentNumber = decrypted
		}
	} else {
		t.DocumentNumber = docNumber.String
	}

	if commPrefs.String != "" {
		if err := json.Unmarshal([]byte(commPrefs.String), &t.CommunicationPrefs); err != nil {
			log.Printf("Error parsing communication preferences for tenant %d: %v", t.ID, err)
		}
	}
	return &t, nil
}

func (h *TenantHandler) encryptDocNumber(plain string) string {
	if plain == "" || h.encryptionKey == nil {
		return plain
	}
	encrypted, err := crypto.Encrypt(plain, h.encryptionKey)
	if err != nil {
		log.Printf("Warning: failed to encrypt document number: %v", err)
		return plain
	}
	return encrypted
}

func (h *TenantHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE user_id = ? AND deleted_at IS NULL`
	args := []interface{}{userID}

	if search := r.URL.Query().Get("search"); search != "" {
		query += " AND (first_name LIKE ? OR last_name LIKE ? OR email LIKE ?)"
		like := "%" + search + "%"
		args = append(args, like, like, like)
	}
	query += " ORDER BY last_name, first_name"

	rows, err := h.db.Query(query, args...)
	if err != nil {
		log.Printf("Error listing tenants: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	tenants := []models.Tenant{}
	for rows.Next() {
		t, err := h.scanTenant(rows)
		if err != nil {
			log.Printf("Error scanning tenant: %v", err)
			continue
		}
		tenants = append(tenants, *t)
	}

	writeJSON(w, http.StatusOK, tenants)
}

func (h *TenantHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	t, err := h.getOwned(id, userID)
	if err == sql.ErrNoRows {
		http.Error(w, "Tenant not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, t)
}

func (h *TenantHandler) getOwned(id, userID int) (*models.Tenant, error) {
	row := h.db.QueryRow(`SELECT `+tenantColumns+` FROM tenants WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		id, userID)
	return h.scanTenant(row)
}

func (h *TenantHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var req tenantRequest
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	prefsJSON, _ := json.Marshal(req.CommunicationPrefs)

	result, err := h.db.Exec(`
		INSERT INTO tenants (
			user_id, first_name, last_name, email, phone, document_type,
			document_number, document_expiry_date, address,
			communication_preferences, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, userID, req.FirstName, req.LastName, req.Email, req.Phone,
		req.DocumentType, h.encryptDocNumber(req.DocumentNumber),
		req.DocumentExpiryDate, req.Address, string(prefsJSON), req.Notes)
	if err != nil {
		log.Printf("Error creating tenant: %v", err)
		http.Error(w, "Failed to create tenant", http.StatusInternalServerError)
		return
	}

	id, _ := result.LastInsertId()
	log.Printf("[TENANT] Created tenant %d (%s %s)", id, req.FirstName, req.LastName)

	t, err := h.getOwned(int(id), userID)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *TenantHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	var req tenantRequest
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.getOwned(id, userID); err == sql.ErrNoRows {
		http.Error(w, "Tenant not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	prefsJSON, _ := json.Marshal(req.CommunicationPrefs)

	_, err = h.db.Exec(`
		UPDATE tenants SET
			first_name = ?, last_name = ?, email = ?, phone = ?,
			document_type = ?, document_number = ?, document_expiry_date = ?,
			address = ?, communication_preferences = ?, notes = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, req.FirstName, req.LastName, req.Email, req.Phone,
		req.DocumentType, h.encryptDocNumber(req.DocumentNumber),
		req.DocumentExpiryDate, req.Address, string(prefsJSON), req.Notes,
		id, userID)
	if err != nil {
		log.Printf("Error updating tenant %d: %v", id, err)
		http.Error(w, "Failed to update tenant", http.StatusInternalServerError)
		return
	}

	t, err := h.getOwned(id, userID)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *TenantHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	var activeLeases int
	err = h.db.QueryRow(`
		SELECT COUNT(*) FROM leases
		WHERE tenant_id = ? AND deleted_at IS NULL
		  AND start_date <= date('now') AND end_date > date('now')
	`, id).Scan(&activeLeases)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if activeLeases > 0 {
		http.Error(w, "Tenant has an active lease and cannot be deleted", http.StatusBadRequest)
		return
	}

	result, err := h.db.Exec(`
		UPDATE tenants SET deleted_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL
	`, id, userID)
	if err != nil {
		http.Error(w, "Failed to delete tenant", http.StatusInternalServerError)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		http.Error(w, "Tenant not found", http.StatusNotFound)
		return
	}

	logAction(h.db, r, userID, "Tenant Deleted", "Deleted tenant ID "+strconv.Itoa(id))
	w.WriteHeader(http.StatusNoContent)
}

// UploadDocument stores the front or back scan of the identity document.
// The side comes from the form field name, "front" or "back".
func (h *TenantHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	if _, err := h.getOwned(id, userID); err == sql.ErrNoRows {
		http.Error(w, "Tenant not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	if err := r.ParseMultipartForm(16 << 20); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	dir := filepath.Join(h.uploadsDir, "tenants", strconv.Itoa(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		http.Error(w, "Failed to store document", http.StatusInternalServerError)
		return
	}

	updated := map[string]string{}
	for _, side := range []string{"front", "back"} {
		file, fh, err := r.FormFile(side)
		if err == http.ErrMissingFile {
			continue
		}
		if err != nil {
			http.Error(w, "Failed to read upload", http.StatusBadRequest)
			return
		}

		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if ext != ".jpg" && ext != ".jpeg" && ext != ".png" && ext != ".pdf" {
			file.Close()
			http.Error(w, "Only JPEG, PNG and PDF files are accepted", http.StatusBadRequest)
			return
		}

		path := filepath.Join(dir, uuid.New().String()+ext)
		dst, err := os.Create(path)
		if err != nil {
			file.Close()
			http.Error(w, "Failed to store document", http.StatusInternalServerError)
			return
		}
		_, err = io.Copy(dst, file)
		dst.Close()
		file.Close()
		if err != nil {
			os.Remove(path)
			http.Error(w, "Failed to store document", http.StatusInternalServerError)
			return
		}
		updated[side] = path
	}

	if len(updated) == 0 {
		http.Error(w, "No document provided, use form fields 'front' and 'back'", http.StatusBadRequest)
		return
	}

	if front, ok := updated["front"]; ok {
		if _, err := h.db.Exec(`UPDATE tenants SET document_front_image = ? WHERE id = ?`, front, id); err != nil {
			http.Error(w, "Database error", http.StatusInternalServerError)
			return
		}
	}
	if back, ok := updated["back"]; ok {
		if _, err := h.db.Exec(`UPDATE tenants SET document_back_image = ? WHERE id = ?`, back, id); err != nil {
			http.Error(w, "Database error", http.StatusInternalServerError)
			return
		}
	}

	t, err := h.getOwned(id, userID)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
