package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/bobarin/proptour/internal/jobstore"
	"github.com/bobarin/proptour/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxInboundSize = 512
	sendBuffer     = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS and API key middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// JobEvent is the message pushed to websocket subscribers.
type JobEvent struct {
	Type      string               `json:"type"`
	JobID     uuid.UUID            `json:"job_id"`
	Timestamp time.Time            `json:"timestamp"`
	Job       models.JobStatusView `json:"job"`
}

func newJobEvent(job *models.Job) JobEvent {
	ts := job.UpdatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return JobEvent{Type: "job_update", JobID: job.ID, Timestamp: ts, Job: job.View()}
}

type client struct {
	jobID uuid.UUID
	conn  *websocket.Conn
	send  chan []byte
}

type message struct {
	jobID uuid.UUID
	data  []byte
}

// Hub fans committed job updates out to the websocket clients watching
// that job. Slow clients are dropped rather than allowed to block writers.
type Hub struct {
	clients    map[uuid.UUID]map[*client]bool
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu    sync.Mutex
	count map[uuid.UUID]int
}

var _ jobstore.Listener = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]map[*client]bool),
		broadcast:  make(chan message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		count:      make(map[uuid.UUID]int),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = map[uuid.UUID]map[*client]bool{}
			h.mu.Lock()
			h.count = map[uuid.UUID]int{}
			h.mu.Unlock()
			return
		case c := <-h.register:
			set := h.clients[c.jobID]
			if set == nil {
				set = make(map[*client]bool)
				h.clients[c.jobID] = set
			}
			set[c] = true
			h.setCount(c.jobID, len(set))
			log.Debug().Str("job_id", c.jobID.String()).Int("subscribers", len(set)).Msg("websocket client subscribed")
		case c := <-h.unregister:
			h.remove(c)
		case m := <-h.broadcast:
			for c := range h.clients[m.jobID] {
				select {
				case c.send <- m.data:
				default:
					log.Warn().Str("job_id", m.jobID.String()).Msg("websocket client too slow, dropping")
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	set := h.clients[c.jobID]
	if !set[c] {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.jobID)
	}
	h.setCount(c.jobID, len(set))
}

func (h *Hub) setCount(id uuid.UUID, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n == 0 {
		delete(h.count, id)
		return
	}
	h.count[id] = n
}

// Subscribers returns how many clients watch the job.
func (h *Hub) Subscribers(id uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count[id]
}

// JobUpdated implements jobstore.Listener. It never blocks the writer.
func (h *Hub) JobUpdated(job *models.Job) {
	data, err := json.Marshal(newJobEvent(job))
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to marshal job event")
		return
	}
	select {
	case h.broadcast <- message{jobID: job.ID, data: data}:
	default:
		log.Warn().Str("job_id", job.ID.String()).Msg("event hub backlog full, update dropped")
	}
}

func (h *Hub) subscribe(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unsubscribe(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// serve pumps events to one connection until either side goes away. The
// snapshot is written before the pump starts so it is always first.
func (h *Hub) serve(conn *websocket.Conn, jobID uuid.UUID, snapshot []byte) {
	c := &client{jobID: jobID, conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.subscribe(c) {
		conn.Close()
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, snapshot); err != nil {
		h.unsubscribe(c)
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
	h.unsubscribe(c)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("job_id", c.jobID.String()).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and notices disconnects.
func (c *client) readPump() {
	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
