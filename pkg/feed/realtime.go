package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// RealtimeConfig configures the Supabase Realtime client.
type RealtimeConfig struct {
	// ProjectURL is the Supabase project URL (https://<ref>.supabase.co).
	ProjectURL string
	APIKey     string
	Heartbeat  time.Duration
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

// phoenixMessage is a Phoenix channel frame.
type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type postgresChangesPayload struct {
	Data struct {
		Type      EventType              `json:"type"`
		Table     string                 `json:"table"`
		Record    map[string]interface{} `json:"record"`
		OldRecord map[string]interface{} `json:"old_record"`
	} `json:"data"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type rtChannel struct {
	topic   string
	table   string
	filter  Filter
	handler Handler
	rt      *Realtime
	joinRef string
	left    atomic.Bool
}

func (c *rtChannel) Topic() string { return Topic(c.table, c.filter) }

func (c *rtChannel) Unsubscribe() error {
	if !c.left.CompareAndSwap(false, true) {
		return nil
	}
	return c.rt.leave(c)
}

// Realtime subscribes to Postgres changes through Supabase Realtime (Phoenix channels over a
// websocket). One connection carries every channel; it is dialed on first Subscribe and redialed
// with backoff when it drops, after which channels are rejoined and receive a resync event.
type Realtime struct {
	cfg      RealtimeConfig
	log      *slog.Logger
	endpoint string

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*rtChannel
	token    string

	writeMu sync.Mutex
	ref     atomic.Uint64
	closed  chan struct{}
	once    sync.Once
}

// NewRealtime builds a client; no connection is made until the first subscription.
func NewRealtime(cfg RealtimeConfig) (*Realtime, error) {
	endpoint, err := realtimeEndpoint(cfg.ProjectURL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 25 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Realtime{
		cfg:      cfg,
		log:      logger.With("component", "realtime"),
		endpoint: endpoint,
		channels: make(map[string]*rtChannel),
		closed:   make(chan struct{}),
	}, nil
}

// realtimeEndpoint maps https://<ref>.supabase.co to wss://<ref>.supabase.co/realtime/v1/websocket.
func realtimeEndpoint(projectURL, apiKey string) (string, error) {
	if !strings.HasPrefix(projectURL, "http") && !strings.HasPrefix(projectURL, "ws") {
		projectURL = "https://" + projectURL
	}
	u, err := url.Parse(projectURL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SetAccessToken switches the identity used for row-level security on joined channels.
func (r *Realtime) SetAccessToken(token string) {
	r.mu.Lock()
	r.token = token
	chans := r.snapshotChannels()
	connected := r.conn != nil
	r.mu.Unlock()
	if !connected {
		return
	}
	for _, c := range chans {
		payload := map[string]interface{}{"access_token": token}
		if err := r.send(c.topic, "access_token", payload, c.joinRef); err != nil {
			r.log.Warn("failed to push access token", "topic", c.topic, "error", err)
		}
	}
}

func (r *Realtime) Subscribe(ctx context.Context, table string, filter Filter, h Handler) (Subscription, error) {
	select {
	case <-r.closed:
		return nil, ErrClosed
	default:
	}
	if err := r.ensureConnected(ctx); err != nil {
		return nil, err
	}
	c := &rtChannel{
		topic:   "realtime:" + table + "-" + uuid.NewString()[:8],
		table:   table,
		filter:  filter,
		handler: h,
		rt:      r,
	}
	r.mu.Lock()
	r.channels[c.topic] = c
	r.mu.Unlock()

	if err := r.join(c); err != nil {
		r.mu.Lock()
		delete(r.channels, c.topic)
		r.mu.Unlock()
		return nil, err
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = c.Unsubscribe()
			case <-r.closed:
			}
		}()
	}
	return c, nil
}

func (r *Realtime) join(c *rtChannel) error {
	r.mu.Lock()
	token := r.token
	r.mu.Unlock()

	change := map[string]interface{}{
		"event":  "*",
		"schema": "public",
		"table":  c.table,
	}
	if !c.filter.IsZero() {
		change["filter"] = c.filter.String()
	}
	payload := map[string]interface{}{
		"config": map[string]interface{}{
			"broadcast":        map[string]interface{}{"self": false},
			"presence":         map[string]interface{}{"key": ""},
			"postgres_changes": []interface{}{change},
		},
	}
	if token != "" {
		payload["access_token"] = token
	}
	c.joinRef = r.nextRef()
	return r.send(c.topic, "phx_join", payload, c.joinRef)
}

func (r *Realtime) leave(c *rtChannel) error {
	r.mu.Lock()
	delete(r.channels, c.topic)
	r.mu.Unlock()
	err := r.send(c.topic, "phx_leave", map[string]interface{}{}, c.joinRef)
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

var errNotConnected = errors.New("realtime: not connected")

func (r *Realtime) nextRef() string {
	return strconv.FormatUint(r.ref.Add(1), 10)
}

func (r *Realtime) send(topic, event string, payload interface{}, joinRef string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	ref := r.nextRef()
	msg := phoenixMessage{Topic: topic, Event: event, Payload: raw, Ref: &ref}
	if joinRef != "" {
		msg.JoinRef = &joinRef
	}

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

func (r *Realtime) ensureConnected(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}
	conn, err := r.dial(ctx)
	if err != nil {
		return err
	}
	r.conn = conn
	go r.readLoop(conn)
	go r.heartbeatLoop(conn)
	return nil
}

func (r *Realtime) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := r.cfg.Dialer.DialContext(ctx, r.endpoint, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial failed: %w", err)
	}
	return conn, nil
}

func (r *Realtime) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(r.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			current := r.conn == conn
			r.mu.Unlock()
			if !current {
				return
			}
			if err := r.send("phoenix", "heartbeat", map[string]interface{}{}, ""); err != nil {
				r.log.Debug("heartbeat failed", "error", err)
			}
		case <-r.closed:
			return
		}
	}
}

func (r *Realtime) readLoop(conn *websocket.Conn) {
	for {
		var msg phoenixMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-r.closed:
				return
			default:
			}
			r.log.Warn("realtime connection lost", "error", err)
			r.mu.Lock()
			if r.conn == conn {
				r.conn = nil
			}
			r.mu.Unlock()
			_ = conn.Close()
			go r.reconnect()
			return
		}
		r.dispatch(msg)
	}
}

func (r *Realtime) dispatch(msg phoenixMessage) {
	switch msg.Event {
	case "postgres_changes":
		var p postgresChangesPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			r.log.Warn("malformed postgres_changes payload", "topic", msg.Topic, "error", err)
			return
		}
		r.mu.Lock()
		c := r.channels[msg.Topic]
		r.mu.Unlock()
		if c == nil || c.left.Load() {
			return
		}
		c.handler(Event{
			Type:      p.Data.Type,
			Table:     p.Data.Table,
			Record:    p.Data.Record,
			OldRecord: p.Data.OldRecord,
		})
	case "phx_reply":
		var p replyPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil && p.Status != "ok" {
			r.log.Warn("realtime request rejected", "topic", msg.Topic, "status", p.Status, "response", string(p.Response))
		}
	case "phx_error", "phx_close":
		r.log.Warn("realtime channel event", "topic", msg.Topic, "event", msg.Event)
	}
}

func (r *Realtime) reconnect() {
	backoff := time.Second
	for {
		select {
		case <-r.closed:
			return
		case <-time.After(backoff):
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := r.ensureConnected(ctx)
		cancel()
		if err == nil {
			break
		}
		r.log.Warn("realtime reconnect failed", "error", err, "retry_in", backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}

	r.mu.Lock()
	chans := r.snapshotChannels()
	r.mu.Unlock()
	for _, c := range chans {
		if err := r.join(c); err != nil {
			r.log.Warn("rejoin failed", "topic", c.topic, "error", err)
			continue
		}
		c.handler(Event{Type: EventResync, Table: c.table})
	}
	r.log.Info("realtime reconnected", "channels", len(chans))
}

// snapshotChannels must be called with r.mu held.
func (r *Realtime) snapshotChannels() []*rtChannel {
	out := make([]*rtChannel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	return out
}

// Close leaves every channel and closes the connection.
func (r *Realtime) Close() error {
	var err error
	r.once.Do(func() {
		r.mu.Lock()
		chans := r.snapshotChannels()
		r.mu.Unlock()
		for _, c := range chans {
			_ = c.Unsubscribe()
		}
		close(r.closed)
		r.mu.Lock()
		conn := r.conn
		r.conn = nil
		r.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}
