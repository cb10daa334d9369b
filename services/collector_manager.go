package services

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/am-ricci/casaflow/backend/models"
)

// CollectorManager owns the MQTT and Modbus collectors and the sweep that
// turns buffered meter values into utility readings. Readings created here go
// through ReadingService.Create, so chain continuity and invoice automation
// behave exactly as for manual entry.
type CollectorManager struct {
	db        *sql.DB
	readings  *ReadingService
	billing   *BillingService
	mqtt      *MQTTCollector
	modbus    *ModbusCollector
	mu        sync.Mutex
	running   bool
	lastSweep time.Time
	stopChan  chan struct{}
}

const sweepInterval = time.Hour

func NewCollectorManager(db *sql.DB, readings *ReadingService, billing *BillingService) *CollectorManager {
	return &CollectorManager{
		db:       db,
		readings: readings,
		billing:  billing,
		mqtt:     NewMQTTCollector(db),
		modbus:   NewModbusCollector(db),
	}
}

func (cm *CollectorManager) Start() {
	cm.mu.Lock()
	if cm.running {
		cm.mu.Unlock()
		return
	}
	cm.running = true
	cm.stopChan = make(chan struct{})
	cm.mu.Unlock()

	log.Println("[COLLECTOR] Meter collectors starting")

	cm.mqtt.Start()
	cm.modbus.Start()

	go cm.sweepLoop()
}

func (cm *CollectorManager) Stop() {
	cm.mu.Lock()
	if !cm.running {
		cm.mu.Unlock()
		return
	}
	cm.running = false
	close(cm.stopChan)
	cm.mu.Unlock()

	cm.mqtt.Stop()
	cm.modbus.Stop()
	log.Println("[COLLECTOR] Meter collectors stopped")
}

// Restart re-reads meter link configuration without touching the sweep loop.
// Handlers call this after link changes.
func (cm *CollectorManager) Restart() {
	log.Println("[COLLECTOR] Restarting meter collectors")
	cm.mqtt.RestartConnections()
	cm.modbus.RestartConnections()
}

func (cm *CollectorManager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	// Give the MQTT buffers a moment to fill before the first pass.
	select {
	case <-cm.stopChan:
		return
	case <-time.After(time.Minute):
	}
	cm.CollectOnce()

	for {
		select {
		case <-cm.stopChan:
			return
		case <-ticker.C:
			cm.CollectOnce()
		}
	}
}

type meterLinkRow struct {
	id              int
	userID          int
	apartmentID     int
	utilityType     string
	subtype         sql.NullString
	connectionType  string
	unitCost        float64
	lastValue       float64
	lastCollectedAt sql.NullTime
}

// CollectOnce walks every active meter link and stores at most one reading
// per link per calendar day. Counter values must not move backwards; a reset
// meter needs a fresh baseline from an operator.
func (cm *CollectorManager) CollectOnce() {
	cm.mu.Lock()
	cm.lastSweep = time.Now()
	cm.mu.Unlock()

	rows, err := cm.db.Query(`
		SELECT id, user_id, apartment_id, utility_type, subtype,
		       connection_type, unit_cost, last_value, last_collected_at
		FROM meter_links
		WHERE is_active = 1`)
	if err != nil {
		log.Printf("[COLLECTOR] ERROR: failed to query meter links: %v", err)
		return
	}

	links := []meterLinkRow{}
	for rows.Next() {
		var l meterLinkRow
		if err := rows.Scan(&l.id, &l.userID, &l.apartmentID, &l.utilityType, &l.subtype,
			&l.connectionType, &l.unitCost, &l.lastValue, &l.lastCollectedAt); err != nil {
			continue
		}
		links = append(links, l)
	}
	rows.Close()

	if len(links) == 0 {
		return
	}

	log.Printf("[COLLECTOR] Sweep started for %d active link(s)", len(links))
	stored := 0

	for _, l := range links {
		if cm.collectLink(l) {
			stored++
		}
	}

	log.Printf("[COLLECTOR] Sweep completed, %d reading(s) stored", stored)
}

func (cm *CollectorManager) collectLink(l meterLinkRow) bool {
	today := time.Now()
	if l.lastCollectedAt.Valid && sameCalendarDay(l.lastCollectedAt.Time, today) {
		return false
	}

	var value float64
	switch l.connectionType {
	case "mqtt":
		v, ok := cm.mqtt.Sample(l.id)
		if !ok {
			return false
		}
		value = v
	case "modbus_tcp":
		v, err := cm.modbus.ReadLink(l.id)
		if err != nil {
			log.Printf("[COLLECTOR] Poll failed for link %d: %v", l.id, err)
			return false
		}
		value = v
	default:
		log.Printf("[COLLECTOR] Unknown connection type %q for link %d", l.connectionType, l.id)
		return false
	}

	if value <= 0 {
		return false
	}
	if value < l.lastValue {
		log.Printf("[COLLECTOR] ⚠️  Counter for link %d went backwards (%.3f < %.3f), meter may have been replaced. Skipping until a new baseline is recorded.",
			l.id, value, l.lastValue)
		return false
	}

	// First collection anchors the chain at the current counter value.
	previous := l.lastValue
	if !l.lastCollectedAt.Valid && l.lastValue == 0 {
		previous = value
	}

	var subtype *string
	if l.subtype.Valid && l.subtype.String != "" {
		subtype = &l.subtype.String
	}

	reading, err := cm.readings.Create(l.userID, ReadingInput{
		ApartmentID:     l.apartmentID,
		Type:            l.utilityType,
		Subtype:         subtype,
		ReadingDate:     today.Format("2006-01-02"),
		PreviousReading: previous,
		CurrentReading:  value,
		UnitCost:        l.unitCost,
		Notes:           "Lettura automatica",
	})
	if err != nil {
		log.Printf("[COLLECTOR] Failed to store reading for link %d (apartment %d, %s): %v",
			l.id, l.apartmentID, l.utilityType, err)
		return false
	}

	if _, err := cm.db.Exec(`
		UPDATE meter_links
		SET last_value = ?, last_collected_at = CURRENT_TIMESTAMP
		WHERE id = ?`, value, l.id); err != nil {
		log.Printf("[COLLECTOR] Failed to update bookkeeping for link %d: %v", l.id, err)
	}

	log.Printf("[COLLECTOR] ✓ Reading %d stored for link %d (apartment %d, %s): %.3f",
		reading.ID, l.id, l.apartmentID, l.utilityType, value)
	cm.logEvent("Meter Reading Collected",
		fmt.Sprintf("Link %d, apartment %d, %s: %.3f", l.id, l.apartmentID, l.utilityType, value))

	cm.maybeGenerateInvoice(l.userID, l.apartmentID)
	return true
}

func (cm *CollectorManager) maybeGenerateInvoice(userID, apartmentID int) {
	defaults, err := cm.billing.GetDefaults(userID)
	if err != nil || defaults.AutomationType != models.AutomationImmediate {
		return
	}
	if _, err := cm.billing.CheckAndGenerateMonthlyInvoice(apartmentID, userID); err != nil {
		log.Printf("[COLLECTOR] Automatic generation for apartment %d failed: %v", apartmentID, err)
	}
}

// Status summarizes sweep timing and broker connectivity for the status
// endpoint. Per-link state comes from LinkStatus.
func (cm *CollectorManager) Status() map[string]interface{} {
	cm.mu.Lock()
	lastSweep := cm.lastSweep
	cm.mu.Unlock()

	nextSweep := int(sweepInterval.Minutes()) - int(time.Since(lastSweep).Minutes())
	if nextSweep < 0 || lastSweep.IsZero() {
		nextSweep = 0
	}

	status := map[string]interface{}{
		"mqtt":             cm.mqtt.BrokerStatus(),
		"nextSweepMinutes": nextSweep,
	}
	if !lastSweep.IsZero() {
		status["lastSweep"] = lastSweep.Format(time.RFC3339)
	}
	return status
}

// LinkStatus returns the live collector state for one meter link.
func (cm *CollectorManager) LinkStatus(linkID int, connectionType string) map[string]interface{} {
	switch connectionType {
	case "mqtt":
		if entry, ok := cm.mqtt.LinkStatus(linkID); ok {
			return entry
		}
	case "modbus_tcp":
		if entry, ok := cm.modbus.LinkStatus(linkID); ok {
			return entry
		}
	}
	return map[string]interface{}{
		"isConnected": false,
		"lastError":   "Not managed by a collector",
	}
}

func (cm *CollectorManager) logEvent(action, details string) {
	cm.db.Exec(`
		INSERT INTO admin_logs (action, details, ip_address)
		VALUES (?, ?, 'system')
	`, action, details)
}

func sameCalendarDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
