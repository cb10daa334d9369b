package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTCollector keeps one client per configured broker and buffers the most
// recent absolute counter value per meter link. The CollectorManager decides
// when a buffered value becomes a stored utility reading.
type MQTTCollector struct {
	db            *sql.DB
	clients       map[string]mqtt.Client // broker URL -> client
	samples       map[int]MQTTSample     // meter link id -> latest value
	linkBrokers   map[int]string         // meter link id -> broker URL
	linkTopics    map[int]string         // meter link id -> topic
	subscriptions map[string][]string    // broker URL -> subscribed topics
	isRunning     bool
	mu            sync.RWMutex
	stopChan      chan struct{}
}

// MQTTSample is the last value seen on a meter link's topic.
type MQTTSample struct {
	Value       float64
	ReceivedAt  time.Time
	IsConnected bool
}

type mqttLinkConfig struct {
	Broker     string
	Port       float64
	Topic      string
	Username   string
	Password   string
	ValueField string
}

func parseMQTTLinkConfig(configJSON string) (mqttLinkConfig, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(configJSON), &raw); err != nil {
		return mqttLinkConfig{}, err
	}

	cfg := mqttLinkConfig{Broker: "localhost", Port: 1883}
	if v, ok := raw["broker"].(string); ok && v != "" {
		cfg.Broker = v
	}
	if v, ok := raw["port"].(float64); ok && v > 0 {
		cfg.Port = v
	}
	cfg.Topic, _ = raw["topic"].(string)
	cfg.Username, _ = raw["username"].(string)
	cfg.Password, _ = raw["password"].(string)
	cfg.ValueField, _ = raw["value_field"].(string)

	if cfg.Topic == "" {
		return cfg, fmt.Errorf("topic is required")
	}
	return cfg, nil
}

func (c mqttLinkConfig) brokerURL() string {
	return fmt.Sprintf("tcp://%s:%.0f", c.Broker, c.Port)
}

func NewMQTTCollector(db *sql.DB) *MQTTCollector {
	return &MQTTCollector{
		db:            db,
		clients:       make(map[string]mqtt.Client),
		samples:       make(map[int]MQTTSample),
		linkBrokers:   make(map[int]string),
		linkTopics:    make(map[int]string),
		subscriptions: make(map[string][]string),
		stopChan:      make(chan struct{}),
	}
}

func (mc *MQTTCollector) Start() {
	mc.mu.Lock()
	if mc.isRunning {
		mc.mu.Unlock()
		return
	}
	mc.isRunning = true
	mc.stopChan = make(chan struct{})
	mc.mu.Unlock()

	log.Println("[MQTT] Collector starting")

	if err := mc.connectToAllBrokers(); err != nil {
		log.Printf("[MQTT] ERROR: failed to initialize connections: %v", err)
		return
	}

	go mc.monitorConnections()
}

func (mc *MQTTCollector) Stop() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if !mc.isRunning {
		return
	}
	mc.isRunning = false

	for brokerURL, client := range mc.clients {
		if client != nil && client.IsConnected() {
			log.Printf("[MQTT] Disconnecting from broker %s", brokerURL)
			client.Disconnect(250)
		}
	}
	mc.clients = make(map[string]mqtt.Client)

	close(mc.stopChan)
	log.Println("[MQTT] Collector stopped")
}

func (mc *MQTTCollector) RestartConnections() {
	log.Println("[MQTT] Restarting connections")
	mc.Stop()
	time.Sleep(2 * time.Second)
	mc.Start()
}

func (mc *MQTTCollector) connectToAllBrokers() error {
	rows, err := mc.db.Query(`
		SELECT connection_config
		FROM meter_links
		WHERE is_active = 1 AND connection_type = 'mqtt'`)
	if err != nil {
		return fmt.Errorf("failed to query MQTT meter links: %v", err)
	}
	defer rows.Close()

	brokerConfigs := make(map[string]mqttLinkConfig)
	for rows.Next() {
		var configJSON string
		if err := rows.Scan(&configJSON); err != nil {
			continue
		}
		cfg, err := parseMQTTLinkConfig(configJSON)
		if err != nil {
			log.Printf("[MQTT] ERROR: invalid link config: %v", err)
			continue
		}
		brokerConfigs[cfg.brokerURL()] = cfg
	}

	if len(brokerConfigs) == 0 {
		log.Println("[MQTT] No brokers configured")
		return nil
	}

	for brokerURL, cfg := range brokerConfigs {
		if err := mc.connectToBroker(brokerURL, cfg); err != nil {
			log.Printf("[MQTT] ERROR: failed to connect to broker %s: %v", brokerURL, err)
		}
	}
	return nil
}

func (mc *MQTTCollector) connectToBroker(brokerURL string, cfg mqttLinkConfig) error {
	clientID := fmt.Sprintf("casaflow-%d-%s", time.Now().Unix(), strings.ReplaceAll(brokerURL, ":", "_"))

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWriteTimeout(10 * time.Second)
	opts.SetOnConnectHandler(mc.createOnConnectHandler(brokerURL))
	opts.SetConnectionLostHandler(mc.createConnectionLostHandler(brokerURL))

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	log.Printf("[MQTT] Connecting to broker %s...", brokerURL)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect: %v", token.Error())
	}

	mc.mu.Lock()
	mc.clients[brokerURL] = client
	mc.mu.Unlock()

	log.Printf("[MQTT] ✓ Connected to broker %s", brokerURL)
	return nil
}

func (mc *MQTTCollector) createOnConnectHandler(brokerURL string) func(mqtt.Client) {
	return func(client mqtt.Client) {
		log.Printf("[MQTT] Connection established to %s, subscribing to meter link topics", brokerURL)
		mc.subscribeToLinks(brokerURL)
	}
}

func (mc *MQTTCollector) createConnectionLostHandler(brokerURL string) func(mqtt.Client, error) {
	return func(client mqtt.Client, err error) {
		log.Printf("[MQTT] ⚠️  Connection lost to %s: %v, will reconnect", brokerURL, err)

		mc.mu.Lock()
		for linkID, broker := range mc.linkBrokers {
			if broker == brokerURL {
				if sample, exists := mc.samples[linkID]; exists {
					sample.IsConnected = false
					mc.samples[linkID] = sample
				}
			}
		}
		mc.mu.Unlock()
	}
}

func (mc *MQTTCollector) monitorConnections() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-mc.stopChan:
			return
		case <-ticker.C:
			mc.mu.RLock()
			for brokerURL, client := range mc.clients {
				if !client.IsConnected() {
					log.Printf("[MQTT] Client disconnected from %s, reconnecting...", brokerURL)
					if token := client.Connect(); token.Wait() && token.Error() != nil {
						log.Printf("[MQTT] Reconnect to %s failed: %v", brokerURL, token.Error())
					}
				}
			}
			mc.mu.RUnlock()
		}
	}
}

func (mc *MQTTCollector) unsubscribeFromAllTopics(brokerURL string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	client := mc.clients[brokerURL]
	if client == nil || !client.IsConnected() {
		return
	}

	if topics, exists := mc.subscriptions[brokerURL]; exists && len(topics) > 0 {
		for _, topic := range topics {
			if token := client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
				log.Printf("[MQTT] WARNING: failed to unsubscribe from %s: %v", topic, token.Error())
			}
		}
		mc.subscriptions[brokerURL] = []string{}
	}
}

func (mc *MQTTCollector) subscribeToLinks(brokerURL string) {
	// Drop stale subscriptions first so a reconnect never doubles them up.
	mc.unsubscribeFromAllTopics(brokerURL)

	rows, err := mc.db.Query(`
		SELECT id, apartment_id, utility_type, connection_config
		FROM meter_links
		WHERE is_active = 1 AND connection_type = 'mqtt'`)
	if err != nil {
		log.Printf("[MQTT] ERROR: failed to query meter links: %v", err)
		return
	}
	defer rows.Close()

	mc.mu.RLock()
	client := mc.clients[brokerURL]
	mc.mu.RUnlock()

	if client == nil {
		log.Printf("[MQTT] ERROR: no client for broker %s", brokerURL)
		return
	}

	subscribedTopics := []string{}
	linkCount := 0

	for rows.Next() {
		var id, apartmentID int
		var utilityType, configJSON string
		if err := rows.Scan(&id, &apartmentID, &utilityType, &configJSON); err != nil {
			continue
		}

		cfg, err := parseMQTTLinkConfig(configJSON)
		if err != nil {
			log.Printf("[MQTT] ERROR: invalid config for link %d: %v", id, err)
			continue
		}
		if cfg.brokerURL() != brokerURL {
			continue
		}

		mc.mu.Lock()
		mc.linkBrokers[id] = brokerURL
		mc.linkTopics[id] = cfg.Topic
		mc.mu.Unlock()

		alreadySubscribed := false
		for _, t := range subscribedTopics {
			if t == cfg.Topic {
				alreadySubscribed = true
				break
			}
		}
		if alreadySubscribed {
			log.Printf("[MQTT] ⚠️  Already subscribed to %s in this session, skipping", cfg.Topic)
			continue
		}

		label := fmt.Sprintf("link %d (apartment %d, %s)", id, apartmentID, utilityType)
		if token := client.Subscribe(cfg.Topic, 1, mc.createLinkHandler(id, label, cfg.ValueField)); token.Wait() && token.Error() != nil {
			log.Printf("[MQTT] ERROR: failed to subscribe to %s for %s: %v", cfg.Topic, label, token.Error())
		} else {
			log.Printf("[MQTT] ✓ Subscribed to %s for %s", cfg.Topic, label)
			subscribedTopics = append(subscribedTopics, cfg.Topic)
			linkCount++
		}
	}

	mc.mu.Lock()
	mc.subscriptions[brokerURL] = subscribedTopics
	mc.mu.Unlock()

	log.Printf("[MQTT] Subscriptions complete for %s: %d link(s), %d topic(s)", brokerURL, linkCount, len(subscribedTopics))
}

func (mc *MQTTCollector) createLinkHandler(linkID int, label, valueField string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		value, ok := parseMeterPayload(msg.Payload(), valueField)
		if !ok {
			log.Printf("[MQTT] WARNING: could not parse message for %s on %s: %s", label, msg.Topic(), string(msg.Payload()))
			return
		}
		if value < 0 {
			return
		}

		mc.mu.Lock()
		mc.samples[linkID] = MQTTSample{
			Value:       value,
			ReceivedAt:  time.Now(),
			IsConnected: true,
		}
		mc.mu.Unlock()

		log.Printf("[MQTT] ✓ Buffered value for %s: %.3f", label, value)
	}
}

// parseMeterPayload extracts an absolute counter value from a device message.
// An explicit value_field in the link config wins; otherwise common field
// names are tried, then the payload as a bare number.
func parseMeterPayload(payload []byte, valueField string) (float64, bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err == nil {
		if valueField != "" {
			return numericField(raw, valueField)
		}
		for _, key := range []string{"value", "reading", "energy", "total", "total_kwh", "consumption", "volume", "m3"} {
			if v, ok := numericField(raw, key); ok {
				return v, true
			}
		}
		return 0, false
	}

	var numeric float64
	if err := json.Unmarshal(payload, &numeric); err == nil {
		return numeric, true
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64); err == nil {
		return v, true
	}
	return 0, false
}

func numericField(data map[string]interface{}, key string) (float64, bool) {
	val, ok := data[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// Sample returns the buffered value for a meter link. Values older than 30
// minutes are treated as missing so a dead device never produces readings.
func (mc *MQTTCollector) Sample(linkID int) (float64, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	sample, exists := mc.samples[linkID]
	if !exists {
		return 0, false
	}
	if time.Since(sample.ReceivedAt) > 30*time.Minute {
		log.Printf("[MQTT] WARNING: sample for link %d is stale (%.0f minutes old)", linkID, time.Since(sample.ReceivedAt).Minutes())
		return 0, false
	}
	return sample.Value, true
}

// BrokerStatus summarizes broker connectivity for the status API.
func (mc *MQTTCollector) BrokerStatus() map[string]interface{} {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	connectedBrokers := []string{}
	for brokerURL, client := range mc.clients {
		if client != nil && client.IsConnected() {
			connectedBrokers = append(connectedBrokers, brokerURL)
		}
	}

	return map[string]interface{}{
		"brokersTotal":     len(mc.clients),
		"brokersConnected": len(connectedBrokers),
		"connectedBrokers": connectedBrokers,
	}
}

// LinkStatus reports the live state of one subscribed meter link.
func (mc *MQTTCollector) LinkStatus(linkID int) (map[string]interface{}, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	brokerURL, known := mc.linkBrokers[linkID]
	if !known {
		return nil, false
	}

	client := mc.clients[brokerURL]
	brokerConnected := client != nil && client.IsConnected()

	entry := map[string]interface{}{
		"topic": mc.linkTopics[linkID],
	}

	sample, hasSample := mc.samples[linkID]
	entry["isConnected"] = hasSample && sample.IsConnected && brokerConnected
	if hasSample {
		entry["lastValue"] = sample.Value
		entry["lastUpdate"] = sample.ReceivedAt.Format(time.RFC3339)
	}
	if !brokerConnected {
		entry["lastError"] = fmt.Sprintf("Broker %s is not connected", brokerURL)
	} else if !hasSample {
		entry["lastError"] = "Waiting for data"
	}
	return entry, true
}
