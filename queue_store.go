package telechat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrKeyNotFound is returned by a KeyValueStore when nothing is stored under a key.
var ErrKeyNotFound = errors.New("key not found")

// KeyValueStore is durable device-local storage for serialized queues.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// QueueKey returns the storage key for a room's pending-message queue.
func QueueKey(roomID string) string {
	return "messageQueue_" + roomID
}

// ============================================================================
// QueueStore
// ============================================================================

// QueueStore persists one pending-message list per room. It never returns
// errors: unreadable data loads as an empty queue and failed writes are logged,
// leaving the caller's in-memory queue authoritative for the session.
type QueueStore struct {
	kv     KeyValueStore
	logger *logrus.Logger
}

// NewQueueStore wraps kv. A nil logger uses the logrus standard logger.
func NewQueueStore(kv KeyValueStore, logger *logrus.Logger) *QueueStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &QueueStore{kv: kv, logger: logger}
}

// Load returns the persisted queue for roomID in FIFO order.
func (s *QueueStore) Load(ctx context.Context, roomID string) []QueuedMessage {
	log := s.logger.WithField("room_id", roomID)

	data, err := s.kv.Get(ctx, QueueKey(roomID))
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			persistenceFailures.WithLabelValues("load").Inc()
			log.WithError(newError(KindPersistence, "load queue", roomID, err)).
				Warn("Queue storage unreadable, starting with an empty queue")
		}
		return []QueuedMessage{}
	}
	if len(data) == 0 {
		return []QueuedMessage{}
	}

	var stored []QueuedMessage
	if err := json.Unmarshal(data, &stored); err != nil {
		persistenceFailures.WithLabelValues("load").Inc()
		log.WithError(err).Warn("Discarding corrupt persisted queue")
		return []QueuedMessage{}
	}

	queue := make([]QueuedMessage, 0, len(stored))
	for _, m := range stored {
		if err := m.Validate(); err != nil {
			log.WithError(err).Warn("Dropping invalid persisted queue entry")
			continue
		}
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		queue = append(queue, m)
	}
	return queue
}

// Save replaces the persisted queue for roomID.
func (s *QueueStore) Save(ctx context.Context, roomID string, queue []QueuedMessage) {
	if queue == nil {
		queue = []QueuedMessage{}
	}
	data, err := json.Marshal(queue)
	if err == nil {
		err = s.kv.Set(ctx, QueueKey(roomID), data)
	}
	if err != nil {
		persistenceFailures.WithLabelValues("save").Inc()
		s.logger.WithFields(logrus.Fields{
			"room_id": roomID,
			"pending": len(queue),
		}).WithError(newError(KindPersistence, "save queue", roomID, err)).
			Warn("Failed to persist queue, keeping it in memory only")
	}
}

// ============================================================================
// MemoryKV
// ============================================================================

// MemoryKV is a goroutine-safe in-memory KeyValueStore.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}
