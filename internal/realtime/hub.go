// Package realtime streams auction activity over WebSocket.
//
// Clients connect to /ws and receive every auction event until they send a
// Subscription to narrow the stream:
//
//	{"eventTypes":["bid_placed"],"auctionAddrs":["<record>"],"minAmount":100}
//
// Each subscription is answered with a "subscribed" or "error" frame. A
// subscription naming auction records is followed by the latest event of
// each record still open, so a late client learns the current price
// without polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yoshidan/anchor-auction/internal/auction"
	"github.com/yoshidan/anchor-auction/internal/metrics"
)

// Frame types sent to clients besides auction event types.
const (
	FrameSubscribed = "subscribed"
	FrameError      = "error"
)

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

const (
	eventQueueSize = 256
	sendQueueSize  = 256
)

// Frame is one JSON message written to a client.
type Frame struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type errorBody struct {
	Message string `json:"message"`
}

func eventFrame(e auction.Event) Frame {
	return Frame{Type: e.Type, Timestamp: e.At, Data: e}
}

// update is a subscription change read from a client, or the reason it
// was rejected.
type update struct {
	client *Client
	sub    Subscription
	err    error
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TrackedAuctions  int   `json:"trackedAuctions"`
	TotalEvents      int64 `json:"totalEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	DroppedClients   int64 `json:"droppedClients"`
}

// Hub fans auction events out to WebSocket clients. Run owns the client
// set and every client's send channel; other goroutines talk to it over
// channels.
type Hub struct {
	clients    map[*Client]struct{}
	latest     map[string]auction.Event // last event of each open auction
	events     chan auction.Event
	register   chan *Client
	unregister chan *Client
	updates    chan update
	mu         sync.RWMutex // guards clients and latest for readers outside Run
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	upgrader   websocket.Upgrader

	totalEvents    atomic.Int64
	totalClients   atomic.Int64
	peakClients    atomic.Int64
	droppedClients atomic.Int64
}

// NewHub creates a hub that accepts same-host browser origins.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		latest:     make(map[string]auction.Event),
		events:     make(chan auction.Event, eventQueueSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		updates:    make(chan update),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     sameHost,
	}
	return h
}

// WithOrigins also accepts the listed browser origins. An empty list
// keeps the same-host rule.
func (h *Hub) WithOrigins(origins []string) *Hub {
	if len(origins) == 0 {
		return h
	}
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		return sameHost(r) || slices.Contains(origins, r.Header.Get("Origin"))
	}
	return h
}

func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send) // writePump sends a close frame
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case c := <-h.unregister:
			h.remove(c)

		case u := <-h.updates:
			h.apply(u)

		case e := <-h.events:
			h.fanOut(e)
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client disconnected", "total", n)
}

// deliver queues a frame for c without blocking. A client whose queue is
// full is dropped.
func (h *Hub) deliver(c *Client, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		h.droppedClients.Add(1)
		metrics.RealtimeDropped.WithLabelValues("client").Inc()
		h.logger.Warn("dropping slow realtime client")
		h.remove(c)
		return false
	}
}

func (h *Hub) apply(u update) {
	if _, ok := h.clients[u.client]; !ok {
		return
	}
	if u.err != nil {
		h.deliver(u.client, encode(Frame{Type: FrameError, Timestamp: time.Now().UTC(), Data: errorBody{u.err.Error()}}))
		return
	}

	u.client.sub = u.sub
	if !h.deliver(u.client, encode(Frame{Type: FrameSubscribed, Timestamp: time.Now().UTC(), Data: u.sub})) {
		return
	}
	for _, addr := range u.sub.AuctionAddrs {
		e, ok := h.latest[addr]
		if !ok || !u.sub.Matches(e) {
			continue
		}
		if !h.deliver(u.client, encode(eventFrame(e))) {
			return
		}
	}
}

func (h *Hub) fanOut(e auction.Event) {
	h.totalEvents.Add(1)
	metrics.RealtimeEvents.WithLabelValues(e.Type).Inc()

	h.mu.Lock()
	if e.Type == auction.EventClosed {
		delete(h.latest, e.Auction)
	} else {
		h.latest[e.Auction] = e
	}
	h.mu.Unlock()

	frame := encode(eventFrame(e))
	var slow []*Client
	for c := range h.clients {
		if !c.sub.Matches(e) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.droppedClients.Add(1)
		metrics.RealtimeDropped.WithLabelValues("client").Inc()
		h.remove(c)
	}
	if len(slow) > 0 {
		h.logger.Warn("dropped slow realtime clients", "count", len(slow), "event", e.Type)
	}
}

func encode(f Frame) []byte {
	data, _ := json.Marshal(f)
	return data
}

// Publish queues an auction event for fan-out. It never blocks the caller;
// events are dropped while the queue is full.
func (h *Hub) Publish(e auction.Event) {
	select {
	case h.events <- e:
	default:
		metrics.RealtimeDropped.WithLabelValues("event").Inc()
		h.logger.Warn("realtime queue full, dropping event", "event", e.Type, "auction", e.Auction)
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		ConnectedClients: len(h.clients),
		TrackedAuctions:  len(h.latest),
		TotalEvents:      h.totalEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		DroppedClients:   h.droppedClients.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches the connection to the
// hub with an all-events subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrading after Run exits would orphan the connection.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
