package telechat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RowSource is the backend messages table as a conversation uses it.
type RowSource interface {
	Sender
	FetchMessages(ctx context.Context, roomID string, limit int) ([]MessageRow, error)
}

// InboxConfig wires the collaborators shared by every conversation.
type InboxConfig struct {
	Auth         Authenticator
	Rows         RowSource
	Feed         Feed
	Queue        *QueueStore
	Connectivity *ConnectivityMonitor
	Logger       *logrus.Logger
	// Worker tunes the per-room delivery worker. Its callbacks are chained
	// after the conversation's own.
	Worker *WorkerOptions
}

// ============================================================================
// Change Emitter
// ============================================================================

// ChangeHandler receives the full message list after every change.
type ChangeHandler func(messages []ConversationMessage)

type changeEmitter struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]ChangeHandler
}

func (e *changeEmitter) on(h ChangeHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[int]ChangeHandler)
	}
	id := e.nextID
	e.nextID++
	e.listeners[id] = h
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *changeEmitter) emit(messages []ConversationMessage) {
	e.mu.RLock()
	handlers := make([]ChangeHandler, 0, len(e.listeners))
	for _, h := range e.listeners {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(clone(messages))
		}()
	}
}

func (e *changeEmitter) removeAll() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is the view state of one open room: the merged message list,
// the session identity and the room's delivery worker.
type Conversation struct {
	changeEmitter

	roomID string
	cfg    InboxConfig
	worker *DeliveryWorker
	log    *logrus.Entry

	mu        sync.Mutex
	messages  []ConversationMessage
	user      Identity
	ready     bool
	closed    bool
	err       error
	fetchErr  error
	sub       Subscription
	unwatch   func()
	attaching bool

	// Serializes list updates with their notifications.
	emitMu sync.Mutex
}

// NewConversation creates an uninitialized conversation for roomID. Entry
// points return ErrNotReady until Init succeeds.
func NewConversation(roomID string, cfg InboxConfig) *Conversation {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Queue == nil {
		cfg.Queue = NewQueueStore(NewMemoryKV(), cfg.Logger)
	}
	if cfg.Connectivity == nil {
		cfg.Connectivity = NewConnectivityMonitor(true)
	}

	c := &Conversation{
		roomID:   roomID,
		cfg:      cfg,
		log:      cfg.Logger.WithField("room_id", roomID),
		messages: []ConversationMessage{},
	}

	opts := WorkerOptions{Logger: cfg.Logger}
	if cfg.Worker != nil {
		opts = *cfg.Worker
		if opts.Logger == nil {
			opts.Logger = cfg.Logger
		}
	}
	userDelivered, userFailed := opts.OnDelivered, opts.OnFailed
	opts.OnDelivered = func(tempID string, confirmed ConversationMessage) {
		c.handleDelivered(tempID, confirmed)
		if userDelivered != nil {
			userDelivered(tempID, confirmed)
		}
	}
	opts.OnFailed = func(tempID string, err error) {
		c.handleFailed(tempID)
		if userFailed != nil {
			userFailed(tempID, err)
		}
	}
	c.worker = NewDeliveryWorker(roomID, cfg.Queue, cfg.Rows, cfg.Connectivity, &opts)
	return c
}

// Init resolves the session user, renders the persisted queue, attaches the
// change feed, loads history and starts the delivery worker. A returned
// error is also kept in Err; a failed history load is not returned and is
// reported by FetchErr instead. A conversation opened offline attaches its
// feed on the first transition to online.
func (c *Conversation) Init(ctx context.Context) error {
	user, err := c.cfg.Auth.CurrentUser(ctx)
	if err != nil {
		return c.fail(newError(KindInitialization, "resolve session user", c.roomID, err))
	}

	pending := c.worker.Load(ctx)
	c.update(func(list []ConversationMessage) []ConversationMessage {
		for _, q := range pending {
			list = AppendOptimistic(list, q.optimistic())
		}
		return list
	})

	deferFeed := false
	if c.cfg.Feed != nil {
		if c.cfg.Connectivity.Online() {
			if err := c.subscribe(ctx); err != nil {
				return c.fail(newError(KindSubscription, "subscribe to room feed", c.roomID, err))
			}
		} else {
			deferFeed = true
		}
	}

	history := c.loadHistory(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotReady
	}
	c.user = user
	c.ready = true
	if deferFeed {
		c.unwatch = c.cfg.Connectivity.Subscribe(func(online bool) {
			if online {
				go c.attachFeed()
			}
		})
	}
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"user_id":   user.UserID,
		"pending":   len(pending),
		"history":   history,
		"live_feed": c.cfg.Feed != nil && !deferFeed,
	}).Info("Conversation opened")

	if deferFeed && c.cfg.Connectivity.Online() {
		go c.attachFeed()
	}
	c.worker.Start()
	return nil
}

func (c *Conversation) subscribe(ctx context.Context) error {
	sub, err := c.cfg.Feed.Subscribe(ctx, c.roomID, c.handlePush)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return sub.Unsubscribe()
	}
	c.sub = sub
	c.mu.Unlock()
	return nil
}

// attachFeed subscribes a conversation that was opened offline, then reloads
// history to pick up rows it missed. A failure is terminal for the room.
func (c *Conversation) attachFeed() {
	c.mu.Lock()
	if c.closed || c.err != nil || c.sub != nil || c.attaching {
		c.mu.Unlock()
		return
	}
	c.attaching = true
	unwatch := c.unwatch
	c.mu.Unlock()

	ctx := context.Background()
	err := c.subscribe(ctx)

	c.mu.Lock()
	c.attaching = false
	c.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}

	if err != nil {
		c.fail(newError(KindSubscription, "attach room feed", c.roomID, err))
		return
	}
	c.log.Info("Room feed attached")
	c.loadHistory(ctx)
}

// loadHistory merges the most recent rows into the list and drops queued
// entries the backend already holds, which happens when a send succeeded
// but its removal from the queue was never persisted.
func (c *Conversation) loadHistory(ctx context.Context) int {
	rows, err := c.cfg.Rows.FetchMessages(ctx, c.roomID, HistoryLimit)
	if err != nil {
		c.log.WithError(err).Warn("Failed to load message history")
		c.mu.Lock()
		c.fetchErr = newError(KindFetch, "load history", c.roomID, err)
		c.mu.Unlock()
		return 0
	}

	history := make([]ConversationMessage, 0, len(rows))
	stored := make(map[string]bool)
	for _, r := range rows {
		m := r.Message()
		history = append(history, m)
		if m.ClientID != "" {
			stored[m.ClientID] = true
		}
	}
	c.update(func(list []ConversationMessage) []ConversationMessage {
		return MergeHistory(list, history)
	})
	c.mu.Lock()
	c.fetchErr = nil
	c.mu.Unlock()

	c.worker.Discard(ctx, stored)
	return len(rows)
}

// fail records a terminal error and notifies listeners so they can show it.
func (c *Conversation) fail(err *Error) error {
	c.log.WithError(err.Err).WithField("kind", err.Kind).Error("Conversation unavailable")
	c.mu.Lock()
	c.err = err
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	c.update(func(list []ConversationMessage) []ConversationMessage { return list })
	return err
}

// RoomID returns the room this conversation shows.
func (c *Conversation) RoomID() string { return c.roomID }

// Messages returns the current message list in display order.
func (c *Conversation) Messages() []ConversationMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clone(c.messages)
}

// User returns the session identity; ok is false before Init succeeded.
func (c *Conversation) User() (id Identity, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user, c.ready
}

// Online reports the connectivity state the worker is gated on.
func (c *Conversation) Online() bool {
	return c.cfg.Connectivity.Online()
}

// Err returns the terminal initialization error, if any.
func (c *Conversation) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// FetchErr returns the history load error, if any.
func (c *Conversation) FetchErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchErr
}

// Pending returns the messages still waiting for delivery.
func (c *Conversation) Pending() []QueuedMessage {
	return c.worker.Pending()
}

// Worker exposes the room's delivery worker.
func (c *Conversation) Worker() *DeliveryWorker {
	return c.worker
}

// OnChange registers h to receive the message list after every change and
// returns its remover. Handlers run synchronously; they may read the
// conversation but must not send through it.
func (c *Conversation) OnChange(h ChangeHandler) (unsubscribe func()) {
	return c.on(h)
}

// Send queues a text message and renders it optimistically. Blank content is
// ignored and returns a nil message.
func (c *Conversation) Send(content string) (*ConversationMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	return c.enqueue(QueuedMessage{Content: content})
}

// SendVoice queues a reference to already uploaded audio.
func (c *Conversation) SendVoice(ref string) (*ConversationMessage, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, nil
	}
	return c.enqueue(QueuedMessage{VoiceURL: NormalizeVoiceURL(ref)})
}

// Retry queues content again under a new id. The failed entry it replaces
// stays in the list as it is.
func (c *Conversation) Retry(content string) (*ConversationMessage, error) {
	return c.Send(content)
}

func (c *Conversation) enqueue(msg QueuedMessage) (*ConversationMessage, error) {
	c.mu.Lock()
	ready, user := c.ready && !c.closed && c.err == nil, c.user
	c.mu.Unlock()
	if !ready {
		c.log.Warn("Message not sent, conversation is not ready")
		return nil, ErrNotReady
	}

	msg.ID = uuid.NewString()
	msg.RoomID = c.roomID
	msg.AuthorID = user.UserID
	msg.EnqueuedAt = time.Now().UTC()
	msg.OriginOffline = !c.cfg.Connectivity.Online()

	optimistic := msg.optimistic()
	c.update(func(list []ConversationMessage) []ConversationMessage {
		return AppendOptimistic(list, optimistic)
	})

	if err := c.worker.Enqueue(context.Background(), msg); err != nil {
		c.update(func(list []ConversationMessage) []ConversationMessage {
			if i := indexOf(list, msg.ID); i >= 0 {
				list = append(list[:i], list[i+1:]...)
			}
			return list
		})
		return nil, fmt.Errorf("enqueue message: %w", err)
	}
	return &optimistic, nil
}

func (c *Conversation) handlePush(row MessageRow) {
	if row.RoomID != "" && row.RoomID != c.roomID {
		return
	}
	applied := false
	c.update(func(list []ConversationMessage) []ConversationMessage {
		next, ok := ApplyPush(list, row.Message())
		applied = ok
		return next
	})

	if applied {
		feedEvents.WithLabelValues("applied").Inc()
	} else {
		feedEvents.WithLabelValues("duplicate").Inc()
		c.log.WithField("message_id", row.ID).Debug("Duplicate push discarded")
	}
}

func (c *Conversation) handleDelivered(tempID string, confirmed ConversationMessage) {
	c.update(func(list []ConversationMessage) []ConversationMessage {
		return ApplyConfirmed(list, tempID, confirmed)
	})
}

func (c *Conversation) handleFailed(tempID string) {
	c.update(func(list []ConversationMessage) []ConversationMessage {
		return ApplyFailed(list, tempID)
	})
}

// update applies fn to the list and notifies listeners with the result.
// Updates after Close are applied but not announced.
func (c *Conversation) update(fn func([]ConversationMessage) []ConversationMessage) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	c.messages = fn(c.messages)
	snapshot := c.messages
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.emit(snapshot)
	}
}

// Close detaches the feed, stops the worker and drops listeners. A send that
// is already in flight completes and its outcome is persisted.
func (c *Conversation) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	unwatch := c.unwatch
	c.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	c.worker.Stop()
	c.removeAll()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			c.log.WithError(err).Warn("Failed to detach room feed")
			return err
		}
	}
	return nil
}
