package handlers

import (
	"database/sql"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/am-ricci/casaflow/backend/services"
	"github.com/google/uuid"
)

type LeaseHandler struct {
	db         *sql.DB
	leases     *services.LeaseService
	uploadsDir string
}

func NewLeaseHandler(db *sql.DB, leases *services.LeaseService, uploadsDir string) *LeaseHandler {
	return &LeaseHandler{db: db, leases: leases, uploadsDir: uploadsDir}
}

func (h *LeaseHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	activeOnly := r.URL.Query().Get("active") == "true"

	leases, err := h.leases.List(userID, queryInt(r, "apartmentId"), queryInt(r, "tenantId"), activeOnly)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leases)
}

func (h *LeaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	lease, err := h.leases.Get(userID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

func (h *LeaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var req services.LeaseInput
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	lease, err := h.leases.Create(userID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	logAction(h.db, r, userID, "Lease Created", "Created lease ID "+strconv.Itoa(lease.ID))
	writeJSON(w, http.StatusCreated, lease)
}

func (h *LeaseHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	var req services.LeaseUpdateInput
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	lease, err := h.leases.Update(userID, id, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

func (h *LeaseHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	var req struct {
		EndDate string `json:"endDate" validate:"omitempty,datetime=2006-01-02"`
	}
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	lease, err := h.leases.Terminate(userID, id, req.EndDate)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	logAction(h.db, r, userID, "Lease Terminated", "Terminated lease ID "+strconv.Itoa(id))
	writeJSON(w, http.StatusOK, lease)
}

func (h *LeaseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	if err := h.leases.Delete(userID, id); err != nil {
		writeServiceError(w, err)
		return
	}

	logAction(h.db, r, userID, "Lease Deleted", "Deleted lease ID "+strconv.Itoa(id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *LeaseHandler) ExpiringSoon(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	days := queryInt(r, "days")
	if days <= 0 {
		days = 60
	}

	leases, err := h.leases.ExpiringSoon(userID, days)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leases)
}

func (h *LeaseHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	docs, err := h.leases.Documents(userID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *LeaseHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(16 << 20); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	file, fh, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if ext != ".pdf" && ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
		http.Error(w, "Only PDF, JPEG and PNG files are accepted", http.StatusBadRequest)
		return
	}

	name := r.FormValue("name")
	if name == "" {
		name = fh.Filename
	}
	docType := r.FormValue("type")
	if docType == "" {
		docType = "contract"
	}

	dir := filepath.Join(h.uploadsDir, "leases", strconv.Itoa(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		http.Error(w, "Failed to store document", http.StatusInternalServerError)
		return
	}

	path := filepath.Join(dir, uuid.New().String()+ext)
	dst, err := os.Create(path)
	if err != nil {
		http.Error(w, "Failed to store document", http.StatusInternalServerError)
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(path)
		http.Error(w, "Failed to store document", http.StatusInternalServerError)
		return
	}
	dst.Close()

	doc, err := h.leases.AddDocument(userID, id, name, docType, path)
	if err != nil {
		os.Remove(path)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (h *LeaseHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	path, err := h.leases.DeleteDocument(userID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("Error removing document file %s: %v", path, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *LeaseHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	payments, err := h.leases.Payments(userID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (h *LeaseHandler) AddPayment(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	var req services.LeasePaymentInput
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	payment, err := h.leases.AddPayment(userID, id, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (h *LeaseHandler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	if err := h.leases.DeletePayment(userID, id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
