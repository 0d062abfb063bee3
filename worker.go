package telechat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WorkerState is the delivery worker's drain state.
type WorkerState string

const (
	WorkerIdle     WorkerState = "idle"
	WorkerDraining WorkerState = "draining"
	WorkerBackoff  WorkerState = "backoff"
)

const (
	DefaultBackoffDelay  = 2 * time.Second
	DefaultFlushInterval = 5 * time.Second
)

// Sender inserts one message row and returns the canonical stored row.
type Sender interface {
	InsertMessage(ctx context.Context, row MessageRow) (*MessageRow, error)
}

// WorkerOptions configures a DeliveryWorker.
type WorkerOptions struct {
	// BackoffDelay is the pause after a failed delivery before draining resumes.
	BackoffDelay time.Duration
	// FlushInterval is the period of the re-drain timer.
	FlushInterval time.Duration
	Logger        *logrus.Logger

	// OnDelivered is called after the backend confirmed the entry tempID.
	OnDelivered func(tempID string, confirmed ConversationMessage)
	// OnFailed is called after the single delivery attempt for tempID failed.
	OnFailed func(tempID string, err error)
}

// DeliveryWorker owns one room's outbound queue and drains it strictly FIFO
// against the backend while connectivity allows. Each entry gets exactly one
// delivery attempt; a failure is terminal for that entry.
type DeliveryWorker struct {
	roomID string
	store  *QueueStore
	sender Sender
	conn   *ConnectivityMonitor
	opts   WorkerOptions
	log    *logrus.Entry

	mu          sync.Mutex
	queue       []QueuedMessage
	state       WorkerState
	draining    bool
	started     bool
	stopped     bool
	stopCh      chan struct{}
	unsubscribe func()

	persistMu sync.Mutex
	inflight  sync.WaitGroup
}

// NewDeliveryWorker creates an idle worker with an empty queue. Call Load to
// restore the persisted queue and Start to begin draining.
func NewDeliveryWorker(roomID string, store *QueueStore, sender Sender, conn *ConnectivityMonitor, opts *WorkerOptions) *DeliveryWorker {
	w := &DeliveryWorker{
		roomID: roomID,
		store:  store,
		sender: sender,
		conn:   conn,
		state:  WorkerIdle,
		stopCh: make(chan struct{}),
	}
	if opts != nil {
		w.opts = *opts
	}
	// Defaults
	if w.opts.BackoffDelay == 0 {
		w.opts.BackoffDelay = DefaultBackoffDelay
	}
	if w.opts.FlushInterval == 0 {
		w.opts.FlushInterval = DefaultFlushInterval
	}
	if w.opts.Logger == nil {
		w.opts.Logger = logrus.StandardLogger()
	}
	w.log = w.opts.Logger.WithField("room_id", roomID)
	return w
}

// Load replaces the in-memory queue with the persisted one and returns it.
func (w *DeliveryWorker) Load(ctx context.Context) []QueuedMessage {
	queue := w.store.Load(ctx, w.roomID)
	w.mu.Lock()
	w.queue = queue
	w.mu.Unlock()
	queueDepth.WithLabelValues(w.roomID).Set(float64(len(queue)))
	return append([]QueuedMessage(nil), queue...)
}

// Pending returns a copy of the queue in FIFO order.
func (w *DeliveryWorker) Pending() []QueuedMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]QueuedMessage(nil), w.queue...)
}

// State returns the current drain state.
func (w *DeliveryWorker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Enqueue appends msg to the tail of the queue, persists it and triggers a drain.
func (w *DeliveryWorker) Enqueue(ctx context.Context, msg QueuedMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.RoomID == "" {
		msg.RoomID = w.roomID
	}
	if msg.RoomID != w.roomID {
		return fmt.Errorf("message for room %s enqueued on room %s", msg.RoomID, w.roomID)
	}

	w.mu.Lock()
	w.queue = append(w.queue, msg)
	depth := len(w.queue)
	w.mu.Unlock()

	messagesEnqueued.WithLabelValues(payloadLabel(msg)).Inc()
	queueDepth.WithLabelValues(w.roomID).Set(float64(depth))
	w.persist(ctx)

	w.log.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"pending":    depth,
		"offline":    msg.OriginOffline,
	}).Debug("Message queued")

	w.Trigger()
	return nil
}

// Start subscribes to connectivity transitions, starts the periodic re-drain
// timer and triggers a first drain.
func (w *DeliveryWorker) Start() {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	unsubscribe := w.conn.Subscribe(func(online bool) {
		if online {
			w.log.Debug("Connectivity restored, draining queue")
			w.Trigger()
		}
	})
	w.mu.Lock()
	w.unsubscribe = unsubscribe
	w.mu.Unlock()

	go w.flushLoop()
	w.Trigger()
}

// Stop ends the timer and connectivity subscription. A send already in flight
// still completes and its outcome is persisted; no further entry is started.
func (w *DeliveryWorker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.stopCh)
	unsubscribe := w.unsubscribe
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Discard drops the queued entries whose ids are in ids, typically because
// the backend already holds them, persists the queue and returns how many
// were dropped.
func (w *DeliveryWorker) Discard(ctx context.Context, ids map[string]bool) int {
	w.mu.Lock()
	kept := make([]QueuedMessage, 0, len(w.queue))
	for _, q := range w.queue {
		if !ids[q.ID] {
			kept = append(kept, q)
		}
	}
	dropped := len(w.queue) - len(kept)
	w.queue = kept
	w.mu.Unlock()

	if dropped == 0 {
		return 0
	}
	queueDepth.WithLabelValues(w.roomID).Set(float64(len(kept)))
	w.persist(ctx)
	w.log.WithField("dropped", dropped).Info("Dropped queued messages already stored by the backend")
	return dropped
}

// Wait blocks until running drains, triggered or timer driven, have returned.
func (w *DeliveryWorker) Wait() {
	w.inflight.Wait()
}

// Trigger starts a drain in the background. It is a no-op while a drain is
// already running or after Stop.
func (w *DeliveryWorker) Trigger() {
	if !w.track() {
		return
	}
	go func() {
		defer w.inflight.Done()
		w.Drain(context.Background())
	}()
}

// track counts a drain about to start so Wait covers it. The count is taken
// under mu after checking stopped, so it always precedes a Wait after Stop.
func (w *DeliveryWorker) track() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.inflight.Add(1)
	return true
}

func (w *DeliveryWorker) flushLoop() {
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if !w.track() {
				return
			}
			w.Drain(context.Background())
			w.inflight.Done()
		}
	}
}

// Drain sends queued entries one at a time until the queue is empty, the
// monitor reports offline, or a delivery fails. After a failure the worker
// waits BackoffDelay and re-evaluates, so later entries are still attempted.
// Sends are not cancelled by ctx; only the backoff wait is.
func (w *DeliveryWorker) Drain(ctx context.Context) {
	for w.beginPass() {
		drainPasses.Inc()
		failed := w.drainPass(context.WithoutCancel(ctx))
		if !failed {
			w.endPass()
			return
		}

		w.setState(WorkerBackoff)
		resumed := w.sleep(ctx, w.opts.BackoffDelay)
		w.endPass()
		if !resumed {
			return
		}
	}
}

func (w *DeliveryWorker) beginPass() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.draining || w.stopped || len(w.queue) == 0 || !w.conn.Online() {
		return false
	}
	w.draining = true
	w.state = WorkerDraining
	return true
}

func (w *DeliveryWorker) endPass() {
	w.mu.Lock()
	w.draining = false
	w.state = WorkerIdle
	w.mu.Unlock()
}

func (w *DeliveryWorker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// drainPass reports whether it ended because a delivery failed.
func (w *DeliveryWorker) drainPass(ctx context.Context) bool {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 || w.stopped || !w.conn.Online() {
			w.mu.Unlock()
			return false
		}
		head := w.queue[0]
		w.mu.Unlock()

		log := w.log.WithField("message_id", head.ID)

		confirmed, err := w.send(ctx, head)

		w.remove(head.ID)
		w.persist(ctx)

		if err != nil {
			messagesFailed.Inc()
			log.WithError(err).Warn("Message delivery failed")
			if w.opts.OnFailed != nil {
				w.opts.OnFailed(head.ID, newError(KindSend, "insert message", w.roomID, err))
			}
			return true
		}

		messagesDelivered.Inc()
		log.WithField("server_id", confirmed.ID).Debug("Message delivered")
		if w.opts.OnDelivered != nil {
			w.opts.OnDelivered(head.ID, confirmed)
		}
	}
}

func (w *DeliveryWorker) send(ctx context.Context, msg QueuedMessage) (ConversationMessage, error) {
	row, err := w.sender.InsertMessage(ctx, msg.row())
	if err != nil {
		return ConversationMessage{}, err
	}
	if row == nil || row.ID == "" {
		return ConversationMessage{}, errors.New("backend returned no message id")
	}
	if row.ClientID == "" {
		row.ClientID = msg.ID
	}
	return row.Message(), nil
}

func (w *DeliveryWorker) remove(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.queue {
		if w.queue[i].ID == id {
			w.queue = append(w.queue[:i:i], w.queue[i+1:]...)
			break
		}
	}
	queueDepth.WithLabelValues(w.roomID).Set(float64(len(w.queue)))
}

// persist writes the latest queue snapshot. Snapshot and write happen under
// persistMu so an older snapshot can never overwrite a newer one.
func (w *DeliveryWorker) persist(ctx context.Context) {
	w.persistMu.Lock()
	defer w.persistMu.Unlock()

	w.mu.Lock()
	snapshot := append([]QueuedMessage(nil), w.queue...)
	w.mu.Unlock()

	w.store.Save(ctx, w.roomID, snapshot)
}

func (w *DeliveryWorker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	}
}
