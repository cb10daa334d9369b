package handlers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/am-ricci/casaflow/backend/models"
	"github.com/am-ricci/casaflow/backend/services"
)

// MeterLinkHandler manages the smart meter connections that feed automatic
// utility readings.
type MeterLinkHandler struct {
	db         *sql.DB
	collectors *services.CollectorManager
	restartMu  sync.Mutex // prevents concurrent restarts
}

func NewMeterLinkHandler(db *sql.DB, collectors *services.CollectorManager) *MeterLinkHandler {
	return &MeterLinkHandler{db: db, collectors: collectors}
}

// safeRestartCollectors serializes the collector restarts triggered by link
// changes so rapid edits cannot overlap.
func (h *MeterLinkHandler) safeRestartCollectors(reason string) {
	go func() {
		h.restartMu.Lock()
		defer h.restartMu.Unlock()

		log.Printf("%s, restarting collectors...", reason)
		h.collectors.Restart()
		log.Printf("Collectors restarted")
	}()
}

const meterLinkColumns = `id, user_id, apartment_id, utility_type, subtype,
	connection_type, connection_config, unit_cost, is_active, last_value,
	last_collected_at, created_at, updated_at`

func scanMeterLink(row interface{ Scan(...interface{}) error }) (*models.MeterLink, error) {
	var l models.MeterLink
	var subtype sql.NullString
	var lastCollected sql.NullTime

	if err := row.Scan(&l.ID, &l.UserID, &l.ApartmentID, &l.Type, &subtype,
		&l.ConnectionType, &l.ConnectionConfig, &l.UnitCost, &l.IsActive, &l.LastValue,
		&lastCollected, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}

	if subtype.Valid && subtype.String != "" {
		l.Subtype = &subtype.String
	}
	if lastCollected.Valid {
		l.LastCollectedAt = &lastCollected.Time
	}
	return &l, nil
}

type meterLinkInput struct {
	ApartmentID      int     `json:"apartmentId" validate:"required"`
	Type             string  `json:"type" validate:"required,oneof=electricity water gas"`
	Subtype          *string `json:"subtype"`
	ConnectionType   string  `json:"connectionType" validate:"required,oneof=mqtt modbus_tcp"`
	ConnectionConfig string  `json:"connectionConfig" validate:"required"`
	UnitCost         float64 `json:"unitCost" validate:"gte=0"`
	IsActive         *bool   `json:"isActive"`
}

type meterLinkUpdateInput struct {
	Type             *string  `json:"type" validate:"omitempty,oneof=electricity water gas"`
	Subtype          *string  `json:"subtype"`
	ConnectionType   *string  `json:"connectionType" validate:"omitempty,oneof=mqtt modbus_tcp"`
	ConnectionConfig *string  `json:"connectionConfig"`
	UnitCost         *float64 `json:"unitCost" validate:"omitempty,gte=0"`
	IsActive         *bool    `json:"isActive"`
}

// validateLinkConfig checks that the connection config is a JSON object with
// the keys the matching collector will need.
func validateLinkConfig(connectionType, configJSON string) error {
	var cfg map[string]interface{}
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return fmt.Errorf("connection config must be a JSON object")
	}

	switch connectionType {
	case "mqtt":
		if topic, _ := cfg["topic"].(string); topic == "" {
			return fmt.Errorf("MQTT links need a topic in the connection config")
		}
	case "modbus_tcp":
		if host, _ := cfg["host"].(string); host == "" {
			return fmt.Errorf("Modbus links need a host in the connection config")
		}
	}
	return nil
}

func (h *MeterLinkHandler) getOwned(id, userID int) (*models.MeterLink, error) {
	row := h.db.QueryRow(`
		SELECT `+meterLinkColumns+`
		FROM meter_links
		WHERE id = ? AND user_id = ?
	`, id, userID)
	return scanMeterLink(row)
}

func (h *MeterLinkHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	query := `SELECT ` + meterLinkColumns + ` FROM meter_links WHERE user_id = ?`
	args := []interface{}{userID}

	if apartmentID := queryInt(r, "apartmentId"); apartmentID > 0 {
		query += " AND apartment_id = ?"
		args = append(args, apartmentID)
	}
	query += " ORDER BY apartment_id, utility_type, id"

	rows, err := h.db.Query(query, args...)
	if err != nil {
		log.Printf("Error querying meter links: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	links := []models.MeterLink{}
	for rows.Next() {
		l, err := scanMeterLink(rows)
		if err != nil {
			log.Printf("Error scanning meter link: %v", err)
			continue
		}
		links = append(links, *l)
	}

	writeJSON(w, http.StatusOK, links)
}

func (h *MeterLinkHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	link, err := h.getOwned(id, userID)
	if err == sql.ErrNoRows {
		http.Error(w, "Meter link not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, link)
}

func (h *MeterLinkHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var in meterLinkInput
	if err := decodeAndValidate(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateLinkConfig(in.ConnectionType, in.ConnectionConfig); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var owned int
	err := h.db.QueryRow(`
		SELECT COUNT(*) FROM apartments
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL
	`, in.ApartmentID, userID).Scan(&owned)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if owned == 0 {
		http.Error(w, "Apartment not found", http.StatusNotFound)
		return
	}

	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}

	result, err := h.db.Exec(`
		INSERT INTO meter_links (user_id, apartment_id, utility_type, subtype,
			connection_type, connection_config, unit_cost, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, userID, in.ApartmentID, in.Type, in.Subtype, in.ConnectionType,
		in.ConnectionConfig, in.UnitCost, boolToInt(active))
	if err != nil {
		log.Printf("Error creating meter link: %v", err)
		http.Error(w, "Failed to create meter link", http.StatusInternalServerError)
		return
	}

	id, _ := result.LastInsertId()
	link, err := h.getOwned(int(id), userID)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	logAction(h.db, r, userID, "Meter Link Created",
		fmt.Sprintf("Link %d (%s) for apartment %d", link.ID, in.Type, in.ApartmentID))
	h.safeRestartCollectors("New meter link created")

	writeJSON(w, http.StatusCreated, link)
}

func (h *MeterLinkHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	var in meterLinkUpdateInput
	if err := decodeAndValidate(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	current, err := h.getOwned(id, userID)
	if err == sql.ErrNoRows {
		http.Error(w, "Meter link not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	// The config must stay readable by the collector that will consume it,
	// including when only one side of the type/config pair changes.
	connectionType := current.ConnectionType
	if in.ConnectionType != nil {
		connectionType = *in.ConnectionType
	}
	connectionConfig := current.ConnectionConfig
	if in.ConnectionConfig != nil {
		connectionConfig = *in.ConnectionConfig
	}
	if in.ConnectionType != nil || in.ConnectionConfig != nil {
		if err := validateLinkConfig(connectionType, connectionConfig); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	updates := []string{}
	args := []interface{}{}

	if in.Type != nil {
		updates = append(updates, "utility_type = ?")
		args = append(args, *in.Type)
	}
	if in.Subtype != nil {
		updates = append(updates, "subtype = ?")
		if *in.Subtype == "" {
			args = append(args, nil)
		} else {
			args = append(args, *in.Subtype)
		}
	}
	if in.ConnectionType != nil {
		updates = append(updates, "connection_type = ?")
		args = append(args, *in.ConnectionType)
	}
	if in.ConnectionConfig != nil {
		updates = append(updates, "connection_config = ?")
		args = append(args, *in.ConnectionConfig)
	}
	if in.UnitCost != nil {
		updates = append(updates, "unit_cost = ?")
		args = append(args, *in.UnitCost)
	}
	if in.IsActive != nil {
		updates = append(updates, "is_active = ?")
		args = append(args, boolToInt(*in.IsActive))
	}

	if len(updates) == 0 {
		writeJSON(w, http.StatusOK, current)
		return
	}

	query := "UPDATE meter_links SET " + strings.Join(updates, ", ") + " WHERE id = ? AND user_id = ?"
	args = append(args, id, userID)

	if _, err := h.db.Exec(query, args...); err != nil {
		log.Printf("Error updating meter link %d: %v", id, err)
		http.Error(w, "Failed to update meter link", http.StatusInternalServerError)
		return
	}

	link, err := h.getOwned(id, userID)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	logAction(h.db, r, userID, "Meter Link Updated", fmt.Sprintf("Link %d", id))

	if in.ConnectionType != nil || in.ConnectionConfig != nil || in.IsActive != nil {
		h.safeRestartCollectors(fmt.Sprintf("Meter link %d updated", id))
	}

	writeJSON(w, http.StatusOK, link)
}

func (h *MeterLinkHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	result, err := h.db.Exec(`DELETE FROM meter_links WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		log.Printf("Error deleting meter link %d: %v", id, err)
		http.Error(w, "Failed to delete meter link", http.StatusInternalServerError)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		http.Error(w, "Meter link not found", http.StatusNotFound)
		return
	}

	logAction(h.db, r, userID, "Meter Link Deleted", fmt.Sprintf("Link %d", id))
	h.safeRestartCollectors(fmt.Sprintf("Meter link %d deleted", id))

	w.WriteHeader(http.StatusNoContent)
}

// Status reports collector connectivity for every link the user owns.
func (h *MeterLinkHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	rows, err := h.db.Query(`
		SELECT id, apartment_id, utility_type, subtype, connection_type,
		       is_active, last_value, last_collected_at
		FROM meter_links
		WHERE user_id = ?
		ORDER BY id
	`, userID)
	if err != nil {
		log.Printf("Error querying meter links: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	type linkStatus struct {
		ID              int                    `json:"id"`
		ApartmentID     int                    `json:"apartmentId"`
		Type            string                 `json:"type"`
		Subtype         *string                `json:"subtype,omitempty"`
		ConnectionType  string                 `json:"connectionType"`
		IsActive        bool                   `json:"isActive"`
		LastValue       float64                `json:"lastValue"`
		LastCollectedAt *time.Time             `json:"lastCollectedAt"`
		Live            map[string]interface{} `json:"live"`
	}

	links := []linkStatus{}
	for rows.Next() {
		var ls linkStatus
		var subtype sql.NullString
		var lastCollected sql.NullTime
		if err := rows.Scan(&ls.ID, &ls.ApartmentID, &ls.Type, &subtype, &ls.ConnectionType,
			&ls.IsActive, &ls.LastValue, &lastCollected); err != nil {
			continue
		}
		if subtype.Valid && subtype.String != "" {
			ls.Subtype = &subtype.String
		}
		if lastCollected.Valid {
			ls.LastCollectedAt = &lastCollected.Time
		}
		ls.Live = h.collectors.LinkStatus(ls.ID, ls.ConnectionType)
		links = append(links, ls)
	}

	resp := h.collectors.Status()
	resp["links"] = links
	writeJSON(w, http.StatusOK, resp)
}
