package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/am-ricci/casaflow/backend/models"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

type ApartmentHandler struct {
	db         *sql.DB
	uploadsDir string
}

func NewApartmentHandler(db *sql.DB, uploadsDir string) *ApartmentHandler {
	return &ApartmentHandler{db: db, uploadsDir: uploadsDir}
}

type apartmentRequest struct {
	Name              string   `json:"name" validate:"required"`
	Description       string   `json:"description"`
	Floor             int      `json:"floor"`
	SquareMeters      float64  `json:"squareMeters" validate:"gte=0"`
	Rooms             int      `json:"rooms" validate:"gte=0"`
	Bathrooms         int      `json:"bathrooms" validate:"gte=0"`
	HasBalcony        bool     `json:"hasBalcony"`
	HasParking        bool     `json:"hasParking"`
	IsFurnished       bool     `json:"isFurnished"`
	MonthlyRent       float64  `json:"monthlyRent" validate:"gte=0"`
	Status            string   `json:"status" validate:"omitempty,oneof=available occupied maintenance"`
	Notes             string   `json:"notes"`
	UtilityMetersInfo string   `json:"utilityMetersInfo"`
	Amenities         []string `json:"amenities"`
}

const apartmentColumns = `id, user_id, name, description, floor, square_meters, rooms,
	bathrooms, has_balcony, has_parking, is_furnished, monthly_rent, status,
	is_available, notes, utility_meters_info, amenities, images, created_at, updated_at`

func scanApartment(row interface{ Scan(...interface{}) error }) (*models.Apartment, error) {
	var a models.Apartment
	var description, notes, metersInfo, amenitiesJSON, imagesJSON sql.NullString

	err := row.Scan(&a.ID, &a.UserID, &a.Name, &description, &a.Floor,
		&a.SquareMeters, &a.Rooms, &a.Bathrooms, &a.HasBalcony, &a.HasParking,
		&a.IsFurnished, &a.MonthlyRent, &a.Status, &a.IsAvailable,
		&notes, &metersInfo, &amenitiesJSON, &imagesJSON, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.Description = description.String
	a.Notes = notes.String
	a.UtilityMetersInfo = metersInfo.String

	a.Amenities = []string{}
	if amenitiesJSON.String != "" {
		if err := json.Unmarshal([]byte(amenitiesJSON.String), &a.Amenities); err != nil {
			log.Printf("Error parsing amenities for apartment %d: %v", a.ID, err)
			a.Amenities = []string{}
		}
	}
	a.Images = []string{}
	if imagesJSON.String != "" {
		if err := json.Unmarshal([]byte(imagesJSON.String), &a.Images); err != nil {
			log.Printf("Error parsing images for apartment %d: %v", a.ID, err)
			a.Images = []string{}
		}
	}
	return &a, nil
}

func (h *ApartmentHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	query := `SELECT ` + apartmentColumns + ` FROM apartments WHERE user_id = ? AND deleted_at IS NULL`
	args := []interface{}{userID}

	if status := r.URL.Query().Get("status"); status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	if search := r.URL.Query().Get("search"); search != "" {
		query += " AND (name LIKE ? OR description LIKE ?)"
		like := "%" + search + "%"
		args = append(args, like, like)
	}
	query += " ORDER BY name"

	rows, err := h.db.Query(query, args...)
	if err != nil {
		log.Printf("Error listing apartments: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	apartments := []models.Apartment{}
	for rows.Next() {
		a, err := scanApartment(rows)
		if err != nil {
			log.Printf("Error scanning apartment: %v", err)
			continue
		}
		apartments = append(apartments, *a)
	}

	writeJSON(w, http.StatusOK, apartments)
}

func (h *ApartmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	a, err := h.getOwned(id, userID)
	if err == sql.ErrNoRows {
		http.Error(w, "Apartment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("Error getting apartment %d: %v", id, err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

func (h *ApartmentHandler) getOwned(id, userID int) (*models.Apartment, error) {
	row := h.db.QueryRow(`SELECT `+apartmentColumns+` FROM apartments WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		id, userID)
	return scanApartment(row)
}

func (h *ApartmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var req apartmentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		req.Status = models.ApartmentAvailable
	}

	amenitiesJSON, _ := json.Marshal(req.Amenities)

	result, err := h.db.Exec(`
		INSERT INTO apartments (
			user_id, name, description, floor, square_meters, rooms, bathrooms,
			has_balcony, has_parking, is_furnished, monthly_rent, status,
			is_available, notes, utility_meters_info, amenities, images
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '[]')
	`, userID, req.Name, req.Description, req.Floor, req.SquareMeters,
		req.Rooms, req.Bathrooms, boolToInt(req.HasBalcony), boolToInt(req.HasParking),
		boolToInt(req.IsFurnished), req.MonthlyRent, req.Status,
		boolToInt(req.Status == models.ApartmentAvailable),
		req.Notes, req.UtilityMetersInfo, string(amenitiesJSON))
	if err != nil {
		log.Printf("Error creating apartment: %v", err)
		http.Error(w, "Failed to create apartment", http.StatusInternalServerError)
		return
	}

	id, _ := result.LastInsertId()
	log.Printf("[APARTMENT] Created apartment %d (%s)", id, req.Name)

	a, err := h.getOwned(int(id), userID)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *ApartmentHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	var req apartmentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.getOwned(id, userID); err == sql.ErrNoRows {
		http.Error(w, "Apartment not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	if req.Status == "" {
		req.Status = models.ApartmentAvailable
	}
	amenitiesJSON, _ := json.Marshal(req.Amenities)

	_, err = h.db.Exec(`
		UPDATE apartments SET
			name = ?, description = ?, floor = ?, square_meters = ?, rooms = ?,
			bathrooms = ?, has_balcony = ?, has_parking = ?, is_furnished = ?,
			monthly_rent = ?, status = ?, is_available = ?, notes = ?,
			utility_meters_info = ?, amenities = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, req.Name, req.Description, req.Floor, req.SquareMeters, req.Rooms,
		req.Bathrooms, boolToInt(req.HasBalcony), boolToInt(req.HasParking),
		boolToInt(req.IsFurnished), req.MonthlyRent, req.Status,
		boolToInt(req.Status == models.ApartmentAvailable),
		req.Notes, req.UtilityMetersInfo, string(amenitiesJSON), id, userID)
	if err != nil {
		log.Printf("Error updating apartment %d: %v", id, err)
		http.Error(w, "Failed to update apartment", http.StatusInternalServerError)
		return
	}

	a, err := h.getOwned(id, userID)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *ApartmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	// An apartment under an active lease cannot disappear from under it.
	var activeLeases int
	err = h.db.QueryRow(`
		SELECT COUNT(*) FROM leases
		WHERE apartment_id = ? AND deleted_at IS NULL
		  AND start_date <= date('now') AND end_date > date('now')
	`, id).Scan(&activeLeases)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if activeLeases > 0 {
		http.Error(w, "Apartment has an active lease and cannot be deleted", http.StatusBadRequest)
		return
	}

	result, err := h.db.Exec(`
		UPDATE apartments SET deleted_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL
	`, id, userID)
	if err != nil {
		log.Printf("Error deleting apartment %d: %v", id, err)
		http.Error(w, "Failed to delete apartment", http.StatusInternalServerError)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		http.Error(w, "Apartment not found", http.StatusNotFound)
		return
	}

	logAction(h.db, r, userID, "Apartment Deleted", "Deleted apartment ID "+strconv.Itoa(id))
	w.WriteHeader(http.StatusNoContent)
}

// UploadImages accepts multipart image files, stores them under the uploads
// directory with generated names and keeps a 400px thumbnail beside each.
func (h *ApartmentHandler) UploadImages(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	a, err := h.getOwned(id, userID)
	if err == sql.ErrNoRows {
		http.Error(w, "Apartment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		http.Error(w, "No images provided", http.StatusBadRequest)
		return
	}

	dir := filepath.Join(h.uploadsDir, "apartments", strconv.Itoa(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("Error creating upload dir: %v", err)
		http.Error(w, "Failed to store images", http.StatusInternalServerError)
		return
	}

	added := []string{}
	for _, fh := range files {
		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
			http.Error(w, "Only JPEG and PNG images are accepted", http.StatusBadRequest)
			return
		}

		src, err := fh.Open()
		if err != nil {
			http.Error(w, "Failed to read image", http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			http.Error(w, "Failed to read image", http.StatusBadRequest)
			return
		}

		name := uuid.New().String()
		imgPath := filepath.Join(dir, name+ext)
		if err := os.WriteFile(imgPath, data, 0o644); err != nil {
			log.Printf("Error writing image: %v", err)
			http.Error(w, "Failed to store images", http.StatusInternalServerError)
			return
		}

		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			os.Remove(imgPath)
			http.Error(w, "File is not a valid image", http.StatusBadRequest)
			return
		}
		thumb := imaging.Resize(img, 400, 0, imaging.Lanczos)
		thumbPath := filepath.Join(dir, name+"_thumb"+ext)
		if err := imaging.Save(thumb, thumbPath); err != nil {
			log.Printf("Error writing thumbnail: %v", err)
		}

		added = append(added, imgPath)
	}

	a.Images = append(a.Images, added...)
	imagesJSON, _ := json.Marshal(a.Images)
	_, err = h.db.Exec(`
		UPDATE apartments SET images = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, string(imagesJSON), id, userID)
	if err != nil {
		log.Printf("Error saving image list: %v", err)
		http.Error(w, "Failed to store images", http.StatusInternalServerError)
		return
	}

	log.Printf("[APARTMENT] %d image(s) uploaded for apartment %d", len(added), id)
	writeJSON(w, http.StatusOK, a)
}

func (h *ApartmentHandler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}
	target := r.URL.Query().Get("path")
	if target == "" {
		http.Error(w, "Missing path parameter", http.StatusBadRequest)
		return
	}

	a, err := h.getOwned(id, userID)
	if err == sql.ErrNoRows {
		http.Error(w, "Apartment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	kept := []string{}
	found := false
	for _, p := range a.Images {
		if p == target {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		http.Error(w, "Image not found", http.StatusNotFound)
		return
	}

	imagesJSON, _ := json.Marshal(kept)
	_, err = h.db.Exec(`
		UPDATE apartments SET images = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, string(imagesJSON), id, userID)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		log.Printf("Error removing image file %s: %v", target, err)
	}
	ext := filepath.Ext(target)
	thumb := strings.TrimSuffix(target, ext) + "_thumb" + ext
	if err := os.Remove(thumb); err != nil && !os.IsNotExist(err) {
		log.Printf("Error removing thumbnail %s: %v", thumb, err)
	}

	w.WriteHeader(http.StatusNoContent)
}

type maintenanceRequest struct {
	Type        string  `json:"type" validate:"required"`
	Description string  `json:"description"`
	Cost        float64 `json:"cost" validate:"gte=0"`
	Date        string  `json:"date" validate:"omitempty,datetime=2006-01-02"`
	CompletedBy string  `json:"completedBy"`
	Notes       string  `json:"notes"`
}

func (h *ApartmentHandler) ListMaintenance(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	rows, err := h.db.Query(`
		SELECT id, user_id, apartment_id, maintenance_type, description, cost,
		       date, completed_by, notes, created_at, updated_at
		FROM maintenance_records
		WHERE apartment_id = ? AND user_id = ? AND deleted_at IS NULL
		ORDER BY date DESC, id DESC
	`, id, userID)
	if err != nil {
		log.Printf("Error listing maintenance: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	records := []models.MaintenanceRecord{}
	for rows.Next() {
		var m models.MaintenanceRecord
		var description, date, completedBy, notes sql.NullString
		if err := rows.Scan(&m.ID, &m.UserID, &m.ApartmentID, &m.Type,
			&description, &m.Cost, &date, &completedBy, &notes,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			log.Printf("Error scanning maintenance record: %v", err)
			continue
		}
		m.Description = description.String
		m.Date = date.String
		m.CompletedBy = completedBy.String
		m.Notes = notes.String
		records = append(records, m)
	}

	writeJSON(w, http.StatusOK, records)
}

func (h *ApartmentHandler) AddMaintenance(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	if _, err := h.getOwned(id, userID); err == sql.ErrNoRows {
		http.Error(w, "Apartment not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	var req maintenanceRequest
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Date == "" {
		req.Date = nowDate()
	}

	result, err := h.db.Exec(`
		INSERT INTO maintenance_records (
			user_id, apartment_id, maintenance_type, description, cost, date, completed_by, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, userID, id, req.Type, req.Description, req.Cost, req.Date, req.CompletedBy, req.Notes)
	if err != nil {
		log.Printf("Error creating maintenance record: %v", err)
		http.Error(w, "Failed to create maintenance record", http.StatusInternalServerError)
		return
	}

	recordID, _ := result.LastInsertId()
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":      int(recordID),
		"message": "Maintenance record created",
	})
}

func (h *ApartmentHandler) UpdateMaintenance(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	var req maintenanceRequest
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.db.Exec(`
		UPDATE maintenance_records SET
			maintenance_type = ?, description = ?, cost = ?, date = ?,
			completed_by = ?, notes = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL
	`, req.Type, req.Description, req.Cost, req.Date, req.CompletedBy, req.Notes, id, userID)
	if err != nil {
		log.Printf("Error updating maintenance record %d: %v", id, err)
		http.Error(w, "Failed to update maintenance record", http.StatusInternalServerError)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		http.Error(w, "Maintenance record not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Maintenance record updated"})
}

func (h *ApartmentHandler) DeleteMaintenance(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	result, err := h.db.Exec(`
		UPDATE maintenance_records SET deleted_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL
	`, id, userID)
	if err != nil {
		http.Error(w, "Failed to delete maintenance record", http.StatusInternalServerError)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		http.Error(w, "Maintenance record not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func nowDate() string {
	return time.Now().Format("2006-01-02")
}
