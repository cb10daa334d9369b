package handlers

import (
	"database/sql"
	"log"
	"net/http"
	"strconv"

	"github.com/am-ricci/casaflow/backend/models"
	"golang.org/x/crypto/bcrypt"
)

// UserHandler manages the manager accounts. All routes sit behind the
// admin role.
type UserHandler struct {
	db *sql.DB
}

func NewUserHandler(db *sql.DB) *UserHandler {
	return &UserHandler{db: db}
}

type createUserRequest struct {
	Username string `json:"username" validate:"required,min=3"`
	Password string `json:"password" validate:"required,min=6"`
	FullName string `json:"fullName"`
	Email    string `json:"email" validate:"omitempty,email"`
	Role     string `json:"role" validate:"omitempty,oneof=admin manager"`
}

type updateUserRequest struct {
	Password *string `json:"password" validate:"omitempty,min=6"`
	FullName *string `json:"fullName"`
	Email    *string `json:"email" validate:"omitempty,email"`
	Role     *string `json:"role" validate:"omitempty,oneof=admin manager"`
	IsActive *bool   `json:"isActive"`
}

func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.Query(`
		SELECT id, username, full_name, email, role, is_active,
		       last_login, created_at, updated_at
		FROM users ORDER BY username
	`)
	if err != nil {
		log.Printf("Error listing users: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		var fullName, email sql.NullString
		var lastLogin sql.NullTime
		if err := rows.Scan(&u.ID, &u.Username, &fullName, &email, &u.Role,
			&u.IsActive, &lastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
			log.Printf("Error scanning user: %v", err)
			continue
		}
		u.FullName = fullName.String
		u.Email = email.String
		if lastLogin.Valid {
			u.LastLogin = &lastLogin.Time
		}
		users = append(users, u)
	}

	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	var u models.User
	var fullName, email sql.NullString
	var lastLogin sql.NullTime
	err = h.db.QueryRow(`
		SELECT id, username, full_name, email, role, is_active,
		       last_login, created_at, updated_at
		FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.Username, &fullName, &email, &u.Role,
		&u.IsActive, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("Error loading user %d: %v", id, err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	u.FullName = fullName.String
	u.Email = email.String
	if lastLogin.Valid {
		u.LastLogin = &lastLogin.Time
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = "manager"
	}

	var exists int
	if err := h.db.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", req.Username).Scan(&exists); err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if exists > 0 {
		http.Error(w, "Username already exists", http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Failed to hash password", http.StatusInternalServerError)
		return
	}

	result, err := h.db.Exec(`
		INSERT INTO users (username, password_hash, full_name, email, role)
		VALUES (?, ?, ?, ?, ?)
	`, req.Username, string(hash), req.FullName, req.Email, req.Role)
	if err != nil {
		log.Printf("Error creating user: %v", err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	id, _ := result.LastInsertId()
	logAction(h.db, r, currentUserID(r), "User Created", "Created user "+req.Username)

	writeJSON(w, http.StatusCreated, models.User{
		ID:       int(id),
		Username: req.Username,
		FullName: req.FullName,
		Email:    req.Email,
		Role:     req.Role,
		IsActive: true,
	})
}

func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	var req updateUserRequest
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	query := "UPDATE users SET updated_at = CURRENT_TIMESTAMP"
	args := []interface{}{}

	if req.Password != nil && *req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.DefaultCost)
		if err != nil {
			http.Error(w, "Failed to hash password", http.StatusInternalServerError)
			return
		}
		query += ", password_hash = ?"
		args = append(args, string(hash))
	}
	if req.FullName != nil {
		query += ", full_name = ?"
		args = append(args, *req.FullName)
	}
	if req.Email != nil {
		query += ", email = ?"
		args = append(args, *req.Email)
	}
	if req.Role != nil {
		query += ", role = ?"
		args = append(args, *req.Role)
	}
	if req.IsActive != nil {
		if !*req.IsActive && id == currentUserID(r) {
			http.Error(w, "Cannot disable your own account", http.StatusBadRequest)
			return
		}
		query += ", is_active = ?"
		args = append(args, boolToInt(*req.IsActive))
	}

	query += " WHERE id = ?"
	args = append(args, id)

	result, err := h.db.Exec(query, args...)
	if err != nil {
		log.Printf("Error updating user %d: %v", id, err)
		http.Error(w, "Failed to update user", http.StatusInternalServerError)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	logAction(h.db, r, currentUserID(r), "User Updated", "Updated user ID "+strconv.Itoa(id))
	writeJSON(w, http.StatusOK, map[string]string{"message": "User updated"})
}

func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}
	if id == currentUserID(r) {
		http.Error(w, "Cannot delete your own account", http.StatusBadRequest)
		return
	}

	// Accounts that still own data are disabled, not deleted.
	var owned int
	if err := h.db.QueryRow("SELECT COUNT(*) FROM apartments WHERE user_id = ?", id).Scan(&owned); err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if owned > 0 {
		if _, err := h.db.Exec("UPDATE users SET is_active = 0 WHERE id = ?", id); err != nil {
			http.Error(w, "Failed to disable user", http.StatusInternalServerError)
			return
		}
		logAction(h.db, r, currentUserID(r), "User Disabled", "Disabled user ID "+strconv.Itoa(id))
		writeJSON(w, http.StatusOK, map[string]string{"message": "User has data and was disabled instead of deleted"})
		return
	}

	if _, err := h.db.Exec("DELETE FROM users WHERE id = ?", id); err != nil {
		log.Printf("Error deleting user %d: %v", id, err)
		http.Error(w, "Failed to delete user", http.StatusInternalServerError)
		return
	}

	logAction(h.db, r, currentUserID(r), "User Deleted", "Deleted user ID "+strconv.Itoa(id))
	w.WriteHeader(http.StatusNoContent)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
