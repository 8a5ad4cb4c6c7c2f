// Package activity delivers real-time events to connected browsers and
// writes the user-facing activity log.
package activity

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Message is the envelope written to websocket clients.
type Message struct {
	Event string    `json:"event"`
	Data  any       `json:"data"`
	Time  time.Time `json:"time"`
}

// envelope routes a message to one user's clients.
type envelope struct {
	userID uuid.UUID
	msg    *Message
}

// Client is one connected websocket.
type Client struct {
	id     uuid.UUID
	userID uuid.UUID
	conn   *websocket.Conn
	send   chan *Message
	feed   *Feed

	mu     sync.Mutex
	events []string // subscribed event names; empty means all
}

func (c *Client) wants(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events) == 0 || slices.Contains(c.events, event)
}

// Config holds configuration for the Feed.
type Config struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBufferSize int
	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string
}

// DefaultConfig returns the default feed configuration.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 512,
		SendBufferSize: 64,
	}
}

// Feed fans events out to each user's connected clients. Delivery is
// at-most-once: slow clients drop events and nothing is replayed.
type Feed struct {
	config   Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	clientsMu   sync.RWMutex
	userClients map[uuid.UUID]map[uuid.UUID]*Client

	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client

	done chan struct{}
	wg   sync.WaitGroup
}

// NewFeed creates a new Feed. Call Start before serving clients.
func NewFeed(cfg Config, logger zerolog.Logger) *Feed {
	f := &Feed{
		config:      cfg,
		logger:      logger.With().Str("component", "activity_feed").Logger(),
		userClients: make(map[uuid.UUID]map[uuid.UUID]*Client),
		broadcast:   make(chan envelope, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
	}
	f.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     f.checkOrigin,
	}
	return f
}

func (f *Feed) checkOrigin(r *http.Request) bool {
	if len(f.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(f.config.AllowedOrigins, origin)
}

// Start runs the dispatch loop.
func (f *Feed) Start() {
	f.wg.Add(1)
	go f.run()
	f.logger.Info().Msg("activity feed started")
}

// Stop closes every client and stops the dispatch loop.
func (f *Feed) Stop() {
	close(f.done)
	f.wg.Wait()
	f.logger.Info().Msg("activity feed stopped")
}

func (f *Feed) run() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			f.closeAllClients()
			return
		case c := <-f.register:
			f.addClient(c)
		case c := <-f.unregister:
			f.removeClient(c)
		case env := <-f.broadcast:
			f.deliver(env)
		}
	}
}

func (f *Feed) addClient(c *Client) {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	if f.userClients[c.userID] == nil {
		f.userClients[c.userID] = make(map[uuid.UUID]*Client)
	}
	f.userClients[c.userID][c.id] = c
	f.logger.Debug().Str("client_id", c.id.String()).Str("user_id", c.userID.String()).Msg("client connected")
}

func (f *Feed) removeClient(c *Client) {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	clients, ok := f.userClients[c.userID]
	if !ok {
		return
	}
	if _, ok := clients[c.id]; !ok {
		return
	}
	delete(clients, c.id)
	if len(clients) == 0 {
		delete(f.userClients, c.userID)
	}
	close(c.send)
	f.logger.Debug().Str("client_id", c.id.String()).Msg("client disconnected")
}

func (f *Feed) closeAllClients() {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	for _, clients := range f.userClients {
		for _, c := range clients {
			close(c.send)
		}
	}
	f.userClients = make(map[uuid.UUID]map[uuid.UUID]*Client)
}

func (f *Feed) deliver(env envelope) {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()
	for _, c := range f.userClients[env.userID] {
		if !c.wants(env.msg.Event) {
			continue
		}
		select {
		case c.send <- env.msg:
		default:
			f.logger.Warn().Str("client_id", c.id.String()).Str("event", env.msg.Event).Msg("client send buffer full, dropping event")
		}
	}
}

// Emit queues an event for the user's clients. It never blocks.
func (f *Feed) Emit(event string, userID uuid.UUID, payload any) {
	env := envelope{userID: userID, msg: &Message{Event: event, Data: payload, Time: time.Now()}}
	select {
	case f.broadcast <- env:
	default:
		f.logger.Warn().Str("event", event).Msg("broadcast buffer full, dropping event")
	}
}

// HandleWebSocket upgrades the request and registers the connection for userID.
func (f *Feed) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	c := &Client{
		id:     uuid.New(),
		userID: userID,
		conn:   conn,
		send:   make(chan *Message, f.config.SendBufferSize),
		feed:   f,
	}
	select {
	case f.register <- c:
	case <-f.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients for a user.
func (f *Feed) ClientCount(userID uuid.UUID) int {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()
	return len(f.userClients[userID])
}

// readPump handles pongs and subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.feed.unregister <- c:
		case <-c.feed.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.feed.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.feed.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.feed.config.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.feed.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		var sub struct {
			Type   string   `json:"type"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(data, &sub); err == nil && sub.Type == "subscribe" {
			c.mu.Lock()
			c.events = sub.Events
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.feed.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.feed.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.feed.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
