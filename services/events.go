package services

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	eventsWriteWait = 10 * time.Second
	eventsPongWait  = 60 * time.Second
	eventsPingEvery = 54 * time.Second
)

// EventsHub fans dashboard events out over websockets. Events only reach
// sockets opened by the user who owns the data. A nil hub is valid and drops
// everything, so services stay usable without a socket layer.
type EventsHub struct {
	mu      sync.Mutex
	clients map[string]*eventsClient

	upgrader websocket.Upgrader
}

type eventsClient struct {
	id     string
	userID int
	send   chan eventEnvelope
}

type eventEnvelope struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewEventsHub() *EventsHub {
	return &EventsHub{
		clients: make(map[string]*eventsClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request and keeps the socket registered until the
// peer goes away. Authentication already happened in middleware.
func (h *EventsHub) ServeWS(w http.ResponseWriter, r *http.Request, userID int) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[EVENTS] Upgrade failed: %v", err)
		return
	}

	client := &eventsClient{
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan eventEnvelope, 16),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("[EVENTS] Client %s connected for user %d (%d total)", client.id, userID, count)

	go h.writeLoop(ws, client)
	h.readLoop(ws, client)
}

// BroadcastTo queues an event for every socket of the user. A slow consumer
// loses events instead of blocking the caller's transaction path.
func (h *EventsHub) BroadcastTo(userID int, event string, payload interface{}) {
	if h == nil {
		return
	}
	env := eventEnvelope{Event: event, Data: payload, Timestamp: time.Now()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		if c.userID != userID {
			continue
		}
		select {
		case c.send <- env:
		default:
		}
	}
}

// ClientCount reports the number of open sockets.
func (h *EventsHub) ClientCount() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventsHub) readLoop(ws *websocket.Conn, client *eventsClient) {
	defer h.drop(ws, client)

	ws.SetReadLimit(512)
	ws.SetReadDeadline(time.Now().Add(eventsPongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(eventsPongWait))
		return nil
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventsHub) writeLoop(ws *websocket.Conn, client *eventsClient) {
	ticker := time.NewTicker(eventsPingEvery)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-client.send:
			ws.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drop unregisters the client exactly once; closing the send channel under
// the lock is what lets writeLoop terminate.
func (h *EventsHub) drop(ws *websocket.Conn, client *eventsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client.id]; ok {
		delete(h.clients, client.id)
		close(client.send)
	}
	remaining := len(h.clients)
	h.mu.Unlock()

	ws.Close()
	log.Printf("[EVENTS] Client %s disconnected (%d left)", client.id, remaining)
}
