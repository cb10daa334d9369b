package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/am-ricci/casaflow/backend/middleware"
	"github.com/am-ricci/casaflow/backend/services"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps the service error types onto HTTP statuses.
// Anything unrecognized is logged and hidden behind a generic 500.
func writeServiceError(w http.ResponseWriter, err error) {
	var ve *services.ValidationError
	if errors.As(err, &ve) {
		http.Error(w, ve.Message, http.StatusBadRequest)
		return
	}
	var nf *services.NotFoundError
	if errors.As(err, &nf) {
		http.Error(w, nf.Error(), http.StatusNotFound)
		return
	}
	log.Printf("Unexpected error: %v", err)
	http.Error(w, "Database error", http.StatusInternalServerError)
}

func decodeAndValidate(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid value for %s (%s)", fe.Field(), fe.Tag())
		}
		return err
	}
	return nil
}

func pathID(r *http.Request) (int, error) {
	return strconv.Atoi(mux.Vars(r)["id"])
}

func currentUserID(r *http.Request) int {
	id, _ := r.Context().Value(middleware.UserIDKey).(int)
	return id
}

func queryInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(name))
	return v
}

func queryBoolPtr(r *http.Request, name string) *bool {
	switch r.URL.Query().Get(name) {
	case "true", "1":
		t := true
		return &t
	case "false", "0":
		f := false
		return &f
	}
	return nil
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// logAction records an audit trail row. Failures are logged and swallowed,
// the request must not fail because of its audit entry.
func logAction(db *sql.DB, r *http.Request, userID int, action, details string) {
	var uid interface{}
	if userID > 0 {
		uid = userID
	}
	_, err := db.Exec(`
		INSERT INTO admin_logs (action, details, user_id, ip_address)
		VALUES (?, ?, ?, ?)
	`, action, details, uid, getClientIP(r))
	if err != nil {
		log.Printf("Error writing admin log: %v", err)
	}
}
