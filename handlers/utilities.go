package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/am-ricci/casaflow/backend/models"
	"github.com/am-ricci/casaflow/backend/services"
)

type UtilityHandler struct {
	readings *services.ReadingService
	billing  *services.BillingService
}

func NewUtilityHandler(readings *services.ReadingService, billing *services.BillingService) *UtilityHandler {
	return &UtilityHandler{readings: readings, billing: billing}
}

func (h *UtilityHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var subtype *string
	if s := r.URL.Query().Get("subtype"); s != "" {
		subtype = &s
	}
	filter := services.ReadingFilter{
		ApartmentID: queryInt(r, "apartmentId"),
		Type:        r.URL.Query().Get("type"),
		Subtype:     subtype,
		Year:        queryInt(r, "year"),
		Month:       queryInt(r, "month"),
		IsPaid:      queryBoolPtr(r, "isPaid"),
		Skip:        queryInt(r, "skip"),
		Limit:       queryInt(r, "limit"),
	}

	readings, err := h.readings.List(userID, filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (h *UtilityHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	reading, err := h.readings.Get(userID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (h *UtilityHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var req services.ReadingInput
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reading, err := h.readings.Create(userID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.maybeGenerateInvoice(userID, reading.ApartmentID)
	writeJSON(w, http.StatusCreated, reading)
}

func (h *UtilityHandler) CreateBulk(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	var reqs []services.ReadingInput
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(reqs) == 0 {
		http.Error(w, "At least one reading is required", http.StatusBadRequest)
		return
	}
	for i := range reqs {
		if err := validate.Struct(&reqs[i]); err != nil {
			http.Error(w, "Invalid reading at index "+strconv.Itoa(i), http.StatusBadRequest)
			return
		}
	}

	readings, err := h.readings.CreateBulk(userID, reqs)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	seen := map[int]bool{}
	for _, reading := range readings {
		if !seen[reading.ApartmentID] {
			seen[reading.ApartmentID] = true
			h.maybeGenerateInvoice(userID, reading.ApartmentID)
		}
	}
	writeJSON(w, http.StatusCreated, readings)
}

func (h *UtilityHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	var req services.ReadingUpdateInput
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reading, err := h.readings.Update(userID, id, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (h *UtilityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	if err := h.readings.Delete(userID, id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *UtilityHandler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return
	}

	var req struct {
		PaidDate string `json:"paidDate" validate:"omitempty,datetime=2006-01-02"`
	}
	if err := decodeAndValidate(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PaidDate == "" {
		req.PaidDate = nowDate()
	}

	reading, err := h.readings.MarkPaid(userID, id, req.PaidDate)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// Last returns the newest reading of a chain, the value a meter reader
// wants pre-filled as the previous reading.
func (h *UtilityHandler) Last(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	apartmentID := queryInt(r, "apartmentId")
	utilityType := r.URL.Query().Get("type")
	if apartmentID == 0 || utilityType == "" {
		http.Error(w, "apartmentId and type are required", http.StatusBadRequest)
		return
	}
	var subtype *string
	if s := r.URL.Query().Get("subtype"); s != "" {
		subtype = &s
	}

	reading, err := h.readings.LastReading(userID, apartmentID, utilityType, subtype)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if reading == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// Types lists the utility chains with display metadata and the user's
// configured unit costs.
func (h *UtilityHandler) Types(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	defaults, err := h.billing.GetDefaults(userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, []models.UtilityTypeConfig{
		{Type: models.ItemElectricity, Label: "Elettricità", Unit: "kWh", Icon: "zap", Color: "#f59e0b", DefaultCost: defaults.UnitCosts.Electricity},
		{Type: models.ItemElectricityLaundry, Label: "Elettricità lavanderia", Unit: "kWh", Icon: "shirt", Color: "#8b5cf6", DefaultCost: defaults.UnitCosts.Electricity},
		{Type: models.ItemWater, Label: "Acqua", Unit: "m³", Icon: "droplet", Color: "#3b82f6", DefaultCost: defaults.UnitCosts.Water},
		{Type: models.ItemGas, Label: "Gas", Unit: "m³", Icon: "flame", Color: "#ef4444", DefaultCost: defaults.UnitCosts.Gas},
	})
}

func (h *UtilityHandler) Summary(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	apartmentID := queryInt(r, "apartmentId")
	if apartmentID == 0 {
		http.Error(w, "apartmentId is required", http.StatusBadRequest)
		return
	}
	year := queryInt(r, "year")

	summary, err := h.readings.Summary(userID, apartmentID, year)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *UtilityHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	stats, err := h.readings.Statistics(userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// maybeGenerateInvoice runs the monthly check right away when the user
// has immediate automation. Failures are logged, the reading stands.
func (h *UtilityHandler) maybeGenerateInvoice(userID, apartmentID int) {
	defaults, err := h.billing.GetDefaults(userID)
	if err != nil {
		log.Printf("[BILLING] Could not load defaults for user %d: %v", userID, err)
		return
	}
	if defaults.AutomationType != models.AutomationImmediate {
		return
	}
	if _, err := h.billing.CheckAndGenerateMonthlyInvoice(apartmentID, userID); err != nil {
		log.Printf("[BILLING] Automatic generation for apartment %d failed: %v", apartmentID, err)
	}
}
