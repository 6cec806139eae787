package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gobwas/glob"

	"github.com/rubenmavarezb/ditloop/internal/eventbus"
	"github.com/rubenmavarezb/ditloop/internal/idgen"
)

const (
	defaultMaxClients   = 10
	defaultPingInterval = 30 * time.Second
	defaultRateLimit    = 100
	pingTimeout         = 10 * time.Second
	sendBufferSize      = 64
)

// Frame is the wire shape of every message pushed to clients.
type Frame struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// clientMessage is the client→server control shape. Both keys are honored
// when present in the same message.
type clientMessage struct {
	Subscribe   []string `json:"subscribe"`
	Unsubscribe []string `json:"unsubscribe"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu       sync.Mutex
	patterns map[string]glob.Glob
	recent   []time.Time
}

// wants reports whether any subscribed pattern matches the event name.
func (c *client) wants(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for raw, g := range c.patterns {
		if raw == "*" || g.Match(event) {
			return true
		}
	}
	return false
}

// allow applies a rolling one-second rate limit.
func (c *client) allow(now time.Time, limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-time.Second)
	kept := c.recent[:0]
	for _, t := range c.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.recent = kept
	if len(c.recent) >= limit {
		return false
	}
	c.recent = append(c.recent, now)
	return true
}

func (c *client) subscribe(patterns []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, raw := range patterns {
		if _, ok := c.patterns[raw]; ok {
			continue
		}
		g, err := glob.Compile(raw)
		if err != nil {
			continue
		}
		c.patterns[raw] = g
	}
}

func (c *client) unsubscribe(patterns []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, raw := range patterns {
		delete(c.patterns, raw)
	}
}

// Bridge fans bus events out to websocket clients. Each client gets its own
// buffered outbound channel and writer goroutine, so one slow consumer never
// stalls the others.
type Bridge struct {
	logger     *slog.Logger
	token      string
	maxClients int
	pingEvery  time.Duration
	rateLimit  int
	nowFn      func() time.Time

	mu      sync.Mutex
	clients map[string]*client

	sub       *eventbus.Subscription
	closeOnce sync.Once
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxClients = n
		}
	}
}

// WithPingInterval sets the liveness ping cadence.
func WithPingInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.pingEvery = d
		}
	}
}

// WithRateLimit sets the per-client events-per-second cap.
func WithRateLimit(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.rateLimit = n
		}
	}
}

// WithLogger sets the bridge logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(nowFn func() time.Time) Option {
	return func(b *Bridge) {
		if nowFn != nil {
			b.nowFn = nowFn
		}
	}
}

// NewBridge subscribes to every bus event and rebroadcasts to connected
// clients. token authenticates connection attempts.
func NewBridge(bus *eventbus.Bus, token string, opts ...Option) *Bridge {
	b := &Bridge{
		logger:     slog.Default(),
		token:      token,
		maxClients: defaultMaxClients,
		pingEvery:  defaultPingInterval,
		rateLimit:  defaultRateLimit,
		nowFn:      func() time.Time { return time.Now().UTC() },
		clients:    map[string]*client{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if bus != nil {
		b.sub = bus.OnAll(func(evt eventbus.Event) {
			b.Broadcast(evt.Name, evt.Payload)
		})
	}
	return b
}

// ClientCount reports the number of connected clients.
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Handler serves websocket upgrades. The token is accepted either as a
// ?token= query parameter or an Authorization Bearer header.
func (b *Bridge) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if b.ClientCount() >= b.maxClients {
			http.Error(w, "too many clients", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}

		// Clients start with no subscriptions and receive nothing until
		// they subscribe.
		c := &client{
			id:       idgen.NewULID(),
			conn:     conn,
			send:     make(chan []byte, sendBufferSize),
			done:     make(chan struct{}),
			patterns: map[string]glob.Glob{},
		}

		b.mu.Lock()
		if len(b.clients) >= b.maxClients {
			b.mu.Unlock()
			conn.Close(websocket.StatusTryAgainLater, "too many clients")
			return
		}
		b.clients[c.id] = c
		b.mu.Unlock()

		b.logger.Debug("client connected", "client", c.id)

		ctx := r.Context()
		go b.writeLoop(ctx, c)
		go b.pingLoop(ctx, c)
		b.readLoop(ctx, c)

		b.remove(c, websocket.StatusNormalClosure, "bye")
	})
}

// Broadcast serializes the frame once and offers it to every matching
// client, dropping it for clients whose buffer is full or whose rate limit
// is exhausted.
func (b *Bridge) Broadcast(event string, data map[string]any) {
	now := b.nowFn()
	payload, err := json.Marshal(Frame{Event: event, Data: data, Timestamp: now})
	if err != nil {
		b.logger.Warn("broadcast encode failed", "event", event, "error", err)
		return
	}

	b.mu.Lock()
	targets := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		if !c.wants(event) || !c.allow(now, b.rateLimit) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Slow client; drop rather than block the broadcast.
		}
	}
}

// Close disconnects every client and stops rebroadcasting. Idempotent.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		if b.sub != nil {
			b.sub.Unsubscribe()
		}
		b.mu.Lock()
		clients := make([]*client, 0, len(b.clients))
		for _, c := range b.clients {
			clients = append(clients, c)
		}
		b.clients = map[string]*client{}
		b.mu.Unlock()

		for _, c := range clients {
			close(c.done)
			c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	})
}

// authorized checks the ?token= query parameter and the Authorization
// Bearer header; either may carry the token.
func (b *Bridge) authorized(r *http.Request) bool {
	if b.token == "" {
		return false
	}
	if b.tokenMatches(r.URL.Query().Get("token")) {
		return true
	}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return b.tokenMatches(auth[7:])
	}
	return false
}

func (b *Bridge) tokenMatches(presented string) bool {
	return presented != "" &&
		subtle.ConstantTimeCompare([]byte(presented), []byte(b.token)) == 1
}

func (b *Bridge) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed messages are ignored.
			continue
		}
		c.subscribe(msg.Subscribe)
		c.unsubscribe(msg.Unsubscribe)
	}
}

func (b *Bridge) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
				b.remove(c, websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (b *Bridge) pingLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(b.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				b.remove(c, websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// remove drops the client from the registry and closes the connection. Safe
// to call more than once per client.
func (b *Bridge) remove(c *client, code websocket.StatusCode, reason string) {
	b.mu.Lock()
	_, present := b.clients[c.id]
	delete(b.clients, c.id)
	b.mu.Unlock()

	if present {
		b.logger.Debug("client disconnected", "client", c.id, "reason", reason)
		close(c.done)
	}
	c.conn.Close(code, reason)
}
