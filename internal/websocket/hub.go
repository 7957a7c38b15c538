package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/framecast/api/internal/apperr"
	"github.com/framecast/api/internal/logger"
	"github.com/framecast/api/internal/model"
)

// EventSource is the progress feed the hub relays.
type EventSource interface {
	Subscribe(jobID string) (<-chan model.JobEvent, func())
	Since(jobID string, seq uint64) []model.JobEvent
}

// Client represents a WebSocket client
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan Outbound
}

// Outbound is an encoded job event queued for a client.
type Outbound struct {
	Seq  uint64
	Data []byte
}

// Hub maintains active WebSocket connections and relays job events to them.
type Hub struct {
	source EventSource
	log    *logger.Logger

	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// done is closed when Run returns
	done chan struct{}

	mu sync.RWMutex
}

// NewHub creates a new Hub
func NewHub(source EventSource, log *logger.Logger) *Hub {
	return &Hub{
		source:     source,
		log:        log.WithComponent("websocket"),
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run relays events until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	events, cancel := h.source.Subscribe("")
	defer cancel()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.log.Debug("client registered", "job_id", client.JobID)

		case client := <-h.unregister:
			h.remove(client)
			h.log.Debug("client unregistered", "job_id", client.JobID)

		case ev, ok := <-events:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev model.JobEvent) {
	data, err := EncodeEvent(ev)
	if err != nil {
		h.log.Error("failed to marshal job event", "job_id", ev.JobID, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients[ev.JobID] {
		select {
		case client.Send <- Outbound{Seq: ev.Seq, Data: data}:
		default:
			// Drop clients whose buffer is full.
			close(client.Send)
			delete(h.clients[ev.JobID], client)
		}
	}
	if len(h.clients[ev.JobID]) == 0 {
		delete(h.clients, ev.JobID)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[client.JobID]; ok {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			close(client.Send)
			if len(clients) == 0 {
				delete(h.clients, client.JobID)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for jobID, clients := range h.clients {
		for client := range clients {
			close(client.Send)
		}
		delete(h.clients, jobID)
	}
}

// Register adds a new client. After Run has returned the client's Send
// channel is closed immediately.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Clients returns the number of connected clients for jobID.
func (h *Hub) Clients(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// EncodeEvent renders ev as the message sent to websocket clients. Terminal
// events get their own message types.
func EncodeEvent(ev model.JobEvent) ([]byte, error) {
	switch ev.Kind {
	case model.EventCompleted:
		url, _ := ev.Data["result_url"].(string)
		return json.Marshal(model.WSCompleteMessage{
			Type:      model.WSMessageTypeComplete,
			JobID:     ev.JobID,
			ResultURL: url,
		})
	case model.EventFailed:
		code, _ := ev.Data["code"].(string)
		if code == "" {
			code = string(apperr.CodeBackendFailed)
		}
		return json.Marshal(model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: ev.JobID,
			Error: model.WSError{Code: code, Message: ev.Message},
		})
	default:
		return json.Marshal(model.WSEventMessage{Type: model.WSMessageTypeEvent, Event: ev})
	}
}

// HandleConnection replays recorded events for jobID, then streams new ones
// until the client disconnects.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan Outbound, 256),
	}

	h.Register(client)

	backlog := h.source.Since(jobID, 0)
	pongs := make(chan struct{}, 1)
	written := make(chan struct{})
	go func() {
		defer close(written)
		h.write(client, backlog, pongs)
	}()
	defer func() {
		h.Unregister(client)
		<-written
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", "job_id", jobID, "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

// write sends backlog, then queued frames, skipping events already sent.
func (h *Hub) write(client *Client, backlog []model.JobEvent, pongs <-chan struct{}) {
	c := client.Conn
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	var last uint64
	for _, ev := range backlog {
		data, err := EncodeEvent(ev)
		if err != nil {
			continue
		}
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
		last = ev.Seq
	}

	for {
		select {
		case out, ok := <-client.Send:
			if !ok {
				_ = c.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if out.Seq <= last {
				continue
			}
			if err := c.WriteMessage(websocket.TextMessage, out.Data); err != nil {
				return
			}
			last = out.Seq

		case <-pongs:
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			// Send ping for keep-alive
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
