package handlers

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/am-ricci/casaflow/backend/models"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type AuthHandler struct {
	db        *sql.DB
	jwtSecret string
}

func NewAuthHandler(db *sql.DB, jwtSecret string) *AuthHandler {
	return &AuthHandler{db: db, jwtSecret: jwtSecret}
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword" validate:"required,min=6"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	var user models.User
	var fullName, email sql.NullString
	var lastLogin sql.NullTime
	err := h.db.QueryRow(`
		SELECT id, username, password_hash, full_name, email, role, is_active,
		       last_login, created_at, updated_at
		FROM users WHERE username = ?
	`, req.Username).Scan(&user.ID, &user.Username, &user.PasswordHash,
		&fullName, &email, &user.Role, &user.IsActive,
		&lastLogin, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	user.FullName = fullName.String
	user.Email = email.String
	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}

	if !user.IsActive {
		http.Error(w, "Account is disabled", http.StatusUnauthorized)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		log.Printf("[AUTH] Failed login for %q from %s", req.Username, getClientIP(r))
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"role":     user.Role,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
	})

	tokenString, err := token.SignedString([]byte(h.jwtSecret))
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	if _, err := h.db.Exec(`UPDATE users SET last_login = ? WHERE id = ?`, now, user.ID); err != nil {
		log.Printf("[AUTH] Failed to stamp last login for %s: %v", user.Username, err)
	}
	user.LastLogin = &now

	logAction(h.db, r, user.ID, "Login", "User "+user.Username+" logged in")

	writeJSON(w, http.StatusOK, LoginResponse{Token: tokenString, User: user})
}

// Me returns the authenticated user's profile.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var user models.User
	var fullName, email sql.NullString
	var lastLogin sql.NullTime
	err := h.db.QueryRow(`
		SELECT id, username, full_name, email, role, is_active,
		       last_login, created_at, updated_at
		FROM users WHERE id = ?
	`, userID).Scan(&user.ID, &user.Username, &fullName, &email,
		&user.Role, &user.IsActive, &lastLogin, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	user.FullName = fullName.String
	user.Email = email.String
	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var req ChangePasswordRequest
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var currentHash string
	err := h.db.QueryRow("SELECT password_hash FROM users WHERE id = ?", userID).Scan(&currentHash)
	if err != nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(currentHash), []byte(req.OldPassword)); err != nil {
		http.Error(w, "Invalid old password", http.StatusUnauthorized)
		return
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Failed to hash password", http.StatusInternalServerError)
		return
	}

	_, err = h.db.Exec(`
		UPDATE users
		SET password_hash = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(newHash), userID)
	if err != nil {
		http.Error(w, "Failed to update password", http.StatusInternalServerError)
		return
	}

	logAction(h.db, r, userID, "Password Changed", "User changed their password")

	writeJSON(w, http.StatusOK, map[string]string{"message": "Password changed successfully"})
}
