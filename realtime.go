package telechat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Feed
// ============================================================================

// Feed delivers rows inserted into a room's messages, at least once, keyed by
// row id.
type Feed interface {
	Subscribe(ctx context.Context, roomID string, onInsert func(MessageRow)) (Subscription, error)
}

// Subscription detaches a room from its feed.
type Subscription interface {
	Unsubscribe() error
}

// RoomTopic is the feed topic carrying inserts for roomID.
func RoomTopic(roomID string) string {
	return "messages:room_id=eq." + roomID
}

// ============================================================================
// Wire Types
// ============================================================================

// RealtimeEnvelope is the wire format for all realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InsertPayload is the payload of an "insert" event.
type InsertPayload struct {
	Table  string     `json:"table"`
	Record MessageRow `json:"record"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type    string      `json:"type"`
	Topic   string      `json:"topic,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Ref     string      `json:"ref,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures realtime clients.
type RealtimeConfig struct {
	Token                string
	APIKey               string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *logrus.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

func (c *RealtimeConfig) query(topic string) string {
	q := url.Values{}
	if c.APIKey != "" {
		q.Set("apikey", c.APIKey)
	}
	if c.Token != "" {
		q.Set("token", c.Token)
	}
	if topic != "" {
		q.Set("topic", topic)
	}
	return q.Encode()
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// Realtime returns a WebSocket feed client for this backend. A nil config
// uses the client's credentials and auto-reconnect.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeWSClient {
	return newRealtimeWSClient(c.baseURL, c.realtimeConfig(config))
}

// RealtimeSSE returns a server-sent events feed client for this backend.
func (c *Client) RealtimeSSE(config *RealtimeConfig) *RealtimeSSEClient {
	return newRealtimeSSEClient(c.baseURL, c.realtimeConfig(config))
}

func (c *Client) realtimeConfig(config *RealtimeConfig) *RealtimeConfig {
	if config == nil {
		config = &RealtimeConfig{AutoReconnect: true}
	}
	cfg := *config
	if cfg.Token == "" {
		cfg.Token = c.Token()
	}
	if cfg.APIKey == "" {
		cfg.APIKey = c.anonKey
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = c.httpClient
	}
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	cfg.defaults()
	return &cfg
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]RealtimeEventHandler
	topics         map[string]func(MessageRow)
	onError        []func(RealtimeErrorPayload)
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]RealtimeEventHandler),
		topics:  make(map[string]func(MessageRow)),
	}
}

// dispatch runs insert handlers synchronously so rows reach a room in feed
// order; other handlers run on their own goroutines.
func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case "insert":
		var p InsertPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			if h, ok := d.topics[env.Topic]; ok {
				func() {
					defer func() { recover() }()
					h(p.Record)
				}()
			}
		}
	case "error":
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				go h(p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		handler := h // capture
		go handler(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) setTopic(topic string, h func(MessageRow)) {
	d.mu.Lock()
	d.topics[topic] = h
	d.mu.Unlock()
}

func (d *eventDispatcher) removeTopic(topic string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.topics, topic)
	return len(d.topics)
}

func (d *eventDispatcher) topicNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.topics))
	for t := range d.topics {
		names = append(names, t)
	}
	return names
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket feed client with auto-reconnect, heartbeat
// and topic resubscription after reconnects.
type RealtimeWSClient struct {
	baseURL          string
	config           *RealtimeConfig
	log              *logrus.Entry
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	refCounter       atomic.Int64
	pending          map[string]chan RealtimeEnvelope
	pendingMu        sync.Mutex
}

func newRealtimeWSClient(baseURL string, config *RealtimeConfig) *RealtimeWSClient {
	return &RealtimeWSClient{
		baseURL:    baseURL,
		config:     config,
		log:        config.Logger.WithField("transport", "websocket"),
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(config),
		pending:    make(map[string]chan RealtimeEnvelope),
	}
}

// OnError registers a handler for server errors.
func (ws *RealtimeWSClient) OnError(h func(RealtimeErrorPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onError = append(ws.dispatcher.onError, h)
	ws.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeWSClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeWSClient) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeWSClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (ws *RealtimeWSClient) On(eventType string, h RealtimeEventHandler) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.generic[eventType] = append(ws.dispatcher.generic[eventType], h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the WebSocket connection.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime/v1/websocket?" + ws.config.query("")

	// The dial is bounded by ctx; the socket must outlive any client timeout.
	httpClient := *ws.config.HTTPClient
	httpClient.Timeout = 0

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: &httpClient})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First message must be "connected".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read handshake: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "connected" {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected 'connected', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.log.Debug("Realtime feed connected")
	ws.dispatcher.emitConnected()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPending()
	ws.recon.reset()
	ws.dispatcher.emitDisconnected(1000, "client disconnect")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe connects if needed and subscribes to inserts for roomID. It
// returns once the server acknowledged the subscription.
func (ws *RealtimeWSClient) Subscribe(ctx context.Context, roomID string, onInsert func(MessageRow)) (Subscription, error) {
	if err := ws.Connect(ctx); err != nil {
		return nil, err
	}

	topic := RoomTopic(roomID)
	ws.dispatcher.setTopic(topic, onInsert)

	reply, err := ws.request(ctx, &RealtimeCommand{Type: "subscribe", Topic: topic})
	if err == nil && reply.Type == "error" {
		var p RealtimeErrorPayload
		_ = json.Unmarshal(reply.Payload, &p)
		err = fmt.Errorf("subscribe %s rejected: %s", topic, p.Message)
	}
	if err != nil {
		ws.dispatcher.removeTopic(topic)
		return nil, err
	}

	ws.log.WithField("topic", topic).Debug("Subscribed to room feed")
	return &wsSubscription{ws: ws, topic: topic}, nil
}

type wsSubscription struct {
	ws    *RealtimeWSClient
	topic string
	once  sync.Once
}

// Unsubscribe detaches the topic and closes the connection once no topic is left.
func (s *wsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		remaining := s.ws.dispatcher.removeTopic(s.topic)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.ws.Send(ctx, &RealtimeCommand{Type: "unsubscribe", Topic: s.topic})
		if remaining == 0 {
			err = s.ws.Disconnect()
		}
	})
	return err
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) error {
	_, err := ws.request(ctx, &RealtimeCommand{Type: "ping"})
	return err
}

// request sends cmd with a fresh ref and waits for the reply carrying it.
func (ws *RealtimeWSClient) request(ctx context.Context, cmd *RealtimeCommand) (RealtimeEnvelope, error) {
	cmd.Ref = fmt.Sprintf("%s-%d", cmd.Type, ws.refCounter.Add(1))

	ch := make(chan RealtimeEnvelope, 1)
	ws.pendingMu.Lock()
	ws.pending[cmd.Ref] = ch
	ws.pendingMu.Unlock()

	drop := func() {
		ws.pendingMu.Lock()
		delete(ws.pending, cmd.Ref)
		ws.pendingMu.Unlock()
	}

	if err := ws.Send(ctx, cmd); err != nil {
		drop()
		return RealtimeEnvelope{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return RealtimeEnvelope{}, fmt.Errorf("connection closed")
		}
		return reply, nil
	case <-time.After(10 * time.Second):
		drop()
		return RealtimeEnvelope{}, fmt.Errorf("%s timeout", cmd.Type)
	case <-ctx.Done():
		drop()
		return RealtimeEnvelope{}, ctx.Err()
	}
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.conn = nil
			ws.mu.Unlock()

			ws.log.WithError(err).Warn("Realtime feed disconnected")
			ws.dispatcher.emitDisconnected(0, err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect(ctx)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		// Resolve pending requests
		if env.Ref != "" {
			ws.pendingMu.Lock()
			ch, ok := ws.pending[env.Ref]
			if ok {
				delete(ws.pending, env.Ref)
			}
			ws.pendingMu.Unlock()
			if ok {
				ch <- env
			}
		}

		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}

			if err := ws.Ping(ctx); err != nil {
				// Heartbeat failed, force close
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) scheduleReconnect(ctx context.Context) {
	delay := ws.recon.nextDelay()
	ws.setState(StateReconnecting)
	ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	if err := ws.Connect(ctx); err != nil {
		if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect(ctx)
		} else {
			ws.setState(StateDisconnected)
		}
		return
	}

	for _, topic := range ws.dispatcher.topicNames() {
		if err := ws.Send(ctx, &RealtimeCommand{Type: "subscribe", Topic: topic}); err != nil {
			ws.log.WithError(err).WithField("topic", topic).Warn("Resubscribe failed")
		}
	}
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *RealtimeWSClient) clearPending() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pending {
		close(ch)
		delete(ws.pending, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// RealtimeSSEClient is a server-sent events feed client (server push only)
// with auto-reconnect. One topic per connection.
type RealtimeSSEClient struct {
	baseURL          string
	config           *RealtimeConfig
	log              *logrus.Entry
	mu               sync.Mutex
	state            RealtimeState
	topic            string
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	lastDataTime     time.Time
}

func newRealtimeSSEClient(baseURL string, config *RealtimeConfig) *RealtimeSSEClient {
	return &RealtimeSSEClient{
		baseURL:    baseURL,
		config:     config,
		log:        config.Logger.WithField("transport", "sse"),
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(config),
	}
}

// OnConnected registers a handler for the connected meta-event.
func (sse *RealtimeSSEClient) OnConnected(h func()) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onConnected = append(sse.dispatcher.onConnected, h)
	sse.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (sse *RealtimeSSEClient) OnDisconnected(h func(code int, reason string)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onDisconnected = append(sse.dispatcher.onDisconnected, h)
	sse.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (sse *RealtimeSSEClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	sse.dispatcher.mu.Lock()
	sse.dispatcher.onReconnecting = append(sse.dispatcher.onReconnecting, h)
	sse.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (sse *RealtimeSSEClient) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// Subscribe opens the event stream for roomID. An open stream for another
// room is closed first.
func (sse *RealtimeSSEClient) Subscribe(ctx context.Context, roomID string, onInsert func(MessageRow)) (Subscription, error) {
	topic := RoomTopic(roomID)

	sse.mu.Lock()
	previous := sse.topic
	sse.mu.Unlock()
	if previous != "" && previous != topic {
		_ = sse.Disconnect()
		sse.dispatcher.removeTopic(previous)
	}

	sse.dispatcher.setTopic(topic, onInsert)
	sse.mu.Lock()
	sse.topic = topic
	sse.mu.Unlock()

	if err := sse.connect(ctx); err != nil {
		sse.dispatcher.removeTopic(topic)
		return nil, err
	}
	return &sseSubscription{sse: sse, topic: topic}, nil
}

type sseSubscription struct {
	sse   *RealtimeSSEClient
	topic string
}

func (s *sseSubscription) Unsubscribe() error {
	s.sse.dispatcher.removeTopic(s.topic)
	return s.sse.Disconnect()
}

func (sse *RealtimeSSEClient) connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	topic := sse.topic
	sse.mu.Unlock()

	sseURL := sse.baseURL + "/realtime/v1/sse?" + sse.config.query(topic)

	// The stream outlives the subscribe call.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(connCtx, "GET", sseURL, nil)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// A client timeout would cut the stream.
	httpClient := *sse.config.HTTPClient
	httpClient.Timeout = 0

	resp, err := httpClient.Do(req)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.state = StateConnected
	sse.lastDataTime = time.Now()
	sse.cancelFn = cancel
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.dispatcher.emitConnected()

	go sse.readLoop(connCtx, resp)
	go sse.heartbeatWatchdog(connCtx)

	return nil
}

// Disconnect closes the SSE connection.
func (sse *RealtimeSSEClient) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = StateDisconnected
	sse.mu.Unlock()

	sse.recon.reset()
	sse.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

func (sse *RealtimeSSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}

		if strings.HasPrefix(line, "data: ") {
			jsonStr := strings.TrimPrefix(line, "data: ")
			var env RealtimeEnvelope
			if json.Unmarshal([]byte(jsonStr), &env) == nil {
				sse.dispatcher.dispatch(env)
			}
		}
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	sse.mu.Unlock()
	if intentional {
		return
	}

	sse.setState(StateDisconnected)
	sse.log.Warn("Realtime stream ended")
	sse.dispatcher.emitDisconnected(0, "stream ended")

	if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
		sse.scheduleReconnect()
	}
}

func (sse *RealtimeSSEClient) heartbeatWatchdog(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > 45*time.Second
			cancel := sse.cancelFn
			sse.mu.Unlock()
			if stale {
				if cancel != nil {
					cancel()
				}
				return
			}
		}
	}
}

func (sse *RealtimeSSEClient) scheduleReconnect() {
	delay := sse.recon.nextDelay()
	sse.setState(StateReconnecting)
	sse.dispatcher.emitReconnecting(sse.recon.attempt, delay)

	time.Sleep(delay)

	sse.mu.Lock()
	intentional := sse.intentionalClose
	sse.mu.Unlock()
	if intentional {
		return
	}

	// The old stream context is cancelled.
	if err := sse.connect(context.Background()); err != nil {
		if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
			sse.scheduleReconnect()
		} else {
			sse.setState(StateDisconnected)
		}
	}
}

func (sse *RealtimeSSEClient) setState(s RealtimeState) {
	sse.mu.Lock()
	sse.state = s
	sse.mu.Unlock()
}
