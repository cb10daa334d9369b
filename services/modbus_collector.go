package services

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// ModbusCollector polls smart meters over Modbus TCP. Each active meter link
// with connection_type 'modbus_tcp' gets a persistent TCP client that is read
// on demand by the CollectorManager sweep.
type ModbusCollector struct {
	db              *sql.DB
	clients         map[int]*modbusLinkClient // meter link id -> client
	mu              sync.RWMutex
	reconnectTicker *time.Ticker
	stopChan        chan struct{}
}

type modbusLinkClient struct {
	linkID        int
	label         string
	handler       *modbus.TCPClientHandler
	client        modbus.Client
	host          string
	port          int
	register      uint16
	registerCount uint16
	unitID        byte
	scale         float64
	isConnected   bool
	lastReading   float64
	lastReadTime  time.Time
	lastError     string
	mu            sync.Mutex
}

type modbusLinkConfig struct {
	Host          string
	Port          int
	Register      int
	RegisterCount int
	UnitID        int
	Scale         float64
}

func parseModbusLinkConfig(configJSON string) (modbusLinkConfig, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(configJSON), &raw); err != nil {
		return modbusLinkConfig{}, err
	}

	cfg := modbusLinkConfig{
		Port:          502,
		Register:      0,
		RegisterCount: 2,
		UnitID:        1,
		Scale:         1.0,
	}

	if v, ok := raw["host"].(string); ok {
		cfg.Host = v
	}
	if v, ok := raw["port"].(float64); ok && v > 0 {
		cfg.Port = int(v)
	}
	if v, ok := raw["register"].(float64); ok {
		cfg.Register = int(v)
	}
	if v, ok := raw["register_count"].(float64); ok && v > 0 {
		cfg.RegisterCount = int(v)
	}
	if v, ok := raw["unit_id"].(float64); ok {
		cfg.UnitID = int(v)
	}
	if v, ok := raw["scale"].(float64); ok && v != 0 {
		cfg.Scale = v
	}

	if cfg.Host == "" {
		return cfg, fmt.Errorf("host is required")
	}
	return cfg, nil
}

func NewModbusCollector(db *sql.DB) *ModbusCollector {
	return &ModbusCollector{
		db:      db,
		clients: make(map[int]*modbusLinkClient),
	}
}

func (mc *ModbusCollector) Start() {
	log.Println("[MODBUS] Collector starting")

	mc.stopChan = make(chan struct{})
	mc.reconnectTicker = time.NewTicker(30 * time.Second)

	mc.initializeConnections()
	go mc.reconnectionRoutine()
}

func (mc *ModbusCollector) Stop() {
	log.Println("[MODBUS] Collector stopping")

	if mc.reconnectTicker != nil {
		mc.reconnectTicker.Stop()
	}
	if mc.stopChan != nil {
		close(mc.stopChan)
		mc.stopChan = nil
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, client := range mc.clients {
		if client.handler != nil {
			client.handler.Close()
		}
	}
	mc.clients = make(map[int]*modbusLinkClient)
}

func (mc *ModbusCollector) RestartConnections() {
	log.Println("[MODBUS] Restarting connections")
	mc.initializeConnections()
}

func (mc *ModbusCollector) initializeConnections() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for _, client := range mc.clients {
		if client.handler != nil {
			client.handler.Close()
		}
	}
	mc.clients = make(map[int]*modbusLinkClient)

	rows, err := mc.db.Query(`
		SELECT id, apartment_id, utility_type, connection_config
		FROM meter_links
		WHERE is_active = 1 AND connection_type = 'modbus_tcp'`)
	if err != nil {
		log.Printf("[MODBUS] ERROR: failed to query meter links: %v", err)
		return
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id, apartmentID int
		var utilityType, configJSON string
		if err := rows.Scan(&id, &apartmentID, &utilityType, &configJSON); err != nil {
			continue
		}

		cfg, err := parseModbusLinkConfig(configJSON)
		if err != nil {
			log.Printf("[MODBUS] ERROR: invalid config for link %d: %v", id, err)
			continue
		}

		label := fmt.Sprintf("link %d (apartment %d, %s)", id, apartmentID, utilityType)
		client := newModbusLinkClient(id, label, cfg)
		mc.clients[id] = client
		count++

		if err := client.connect(); err != nil {
			log.Printf("[MODBUS] WARNING: initial connection failed for %s: %v", label, err)
		} else {
			log.Printf("[MODBUS] ✓ Connected to %s at %s:%d", label, cfg.Host, cfg.Port)
		}
	}

	log.Printf("[MODBUS] %d active meter link(s)", count)
}

func newModbusLinkClient(linkID int, label string, cfg modbusLinkConfig) *modbusLinkClient {
	handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	handler.Timeout = 10 * time.Second
	handler.SlaveId = byte(cfg.UnitID)

	return &modbusLinkClient{
		linkID:        linkID,
		label:         label,
		handler:       handler,
		host:          cfg.Host,
		port:          cfg.Port,
		register:      uint16(cfg.Register),
		registerCount: uint16(cfg.RegisterCount),
		unitID:        byte(cfg.UnitID),
		scale:         cfg.Scale,
	}
}

func (mc *ModbusCollector) reconnectionRoutine() {
	for {
		select {
		case <-mc.stopChan:
			return
		case <-mc.reconnectTicker.C:
			mc.mu.RLock()
			clients := make([]*modbusLinkClient, 0, len(mc.clients))
			for _, client := range mc.clients {
				clients = append(clients, client)
			}
			mc.mu.RUnlock()

			for _, client := range clients {
				client.mu.Lock()
				if !client.isConnected {
					log.Printf("[MODBUS] Reconnecting to %s...", client.label)
					if err := client.connect(); err != nil {
						log.Printf("[MODBUS] Reconnect failed for %s: %v", client.label, err)
					} else {
						log.Printf("[MODBUS] ✓ Reconnected to %s", client.label)
					}
				}
				client.mu.Unlock()
			}
		}
	}
}

// ReadLink polls the meter behind a link and returns the scaled counter value.
func (mc *ModbusCollector) ReadLink(linkID int) (float64, error) {
	mc.mu.RLock()
	client, exists := mc.clients[linkID]
	mc.mu.RUnlock()

	if !exists {
		return 0, fmt.Errorf("meter link %d is not managed by the Modbus collector", linkID)
	}
	return client.readValue()
}

// LinkStatus reports the live state of one polled meter link.
func (mc *ModbusCollector) LinkStatus(linkID int) (map[string]interface{}, bool) {
	mc.mu.RLock()
	client, exists := mc.clients[linkID]
	mc.mu.RUnlock()

	if !exists {
		return nil, false
	}

	client.mu.Lock()
	defer client.mu.Unlock()

	entry := map[string]interface{}{
		"isConnected": client.isConnected,
		"address":     fmt.Sprintf("%s:%d", client.host, client.port),
		"register":    client.register,
		"unitId":      client.unitID,
		"lastValue":   client.lastReading,
	}
	if !client.lastReadTime.IsZero() {
		entry["lastUpdate"] = client.lastReadTime.Format(time.RFC3339)
	}
	if client.lastError != "" {
		entry["lastError"] = client.lastError
	}
	return entry, true
}

func (c *modbusLinkClient) connect() error {
	if err := c.handler.Connect(); err != nil {
		c.isConnected = false
		c.lastError = err.Error()
		return err
	}
	c.client = modbus.NewClient(c.handler)
	c.isConnected = true
	c.lastError = ""
	return nil
}

func (c *modbusLinkClient) readValue() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnected {
		if err := c.connect(); err != nil {
			return 0, fmt.Errorf("not connected: %v", err)
		}
	}

	results, err := c.client.ReadHoldingRegisters(c.register, c.registerCount)
	if err != nil {
		c.isConnected = false
		c.lastError = err.Error()
		log.Printf("[MODBUS] ERROR: read failed for %s: %v", c.label, err)
		return 0, err
	}

	value := decodeRegisters(results, c.registerCount)
	value *= c.scale

	c.lastReading = value
	c.lastReadTime = time.Now()
	c.lastError = ""
	c.isConnected = true

	return value, nil
}

// decodeRegisters interprets holding registers as a counter value: one
// register is a 16-bit unsigned integer, two registers an IEEE 754 float32,
// four registers an IEEE 754 float64.
func decodeRegisters(results []byte, registerCount uint16) float64 {
	switch registerCount {
	case 1:
		return float64(binary.BigEndian.Uint16(results))
	case 2:
		bits := binary.BigEndian.Uint32(results)
		return float64(math.Float32frombits(bits))
	case 4:
		bits := binary.BigEndian.Uint64(results)
		return math.Float64frombits(bits)
	default:
		if len(results) >= 4 {
			return float64(binary.BigEndian.Uint32(results[:4]))
		}
		return float64(binary.BigEndian.Uint16(results))
	}
}
