package telechat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// ============================================================================
// Test Helpers
// ============================================================================

func quietLogger() (*logrus.Logger, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

func warnings(hook *logtest.Hook) []string {
	var out []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			out = append(out, e.Message)
		}
	}
	return out
}

// fakeRows is an in-memory messages table.
type fakeRows struct {
	mu       sync.Mutex
	history  []MessageRow
	fetchErr error
	attempts []MessageRow
	nextID   int
	// insert overrides the default insert behaviour when set.
	insert func(row MessageRow) (*MessageRow, error)
}

func (f *fakeRows) FetchMessages(_ context.Context, roomID string, limit int) ([]MessageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []MessageRow
	for _, r := range f.history {
		if r.RoomID == roomID {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeRows) InsertMessage(_ context.Context, row MessageRow) (*MessageRow, error) {
	f.mu.Lock()
	f.attempts = append(f.attempts, row)
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	insert := f.insert
	f.mu.Unlock()

	if insert != nil {
		return insert(row)
	}
	row.ID = id
	return &row, nil
}

func (f *fakeRows) attempted() []MessageRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MessageRow(nil), f.attempts...)
}

type fakeAuth struct {
	id  Identity
	err error
}

func (a fakeAuth) CurrentUser(context.Context) (Identity, error) {
	return a.id, a.err
}

// fakeFeed delivers rows pushed by the test synchronously.
type fakeFeed struct {
	mu           sync.Mutex
	subscribeErr error
	handlers     map[string]func(MessageRow)
	unsubscribed []string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{handlers: make(map[string]func(MessageRow))}
}

func (f *fakeFeed) Subscribe(_ context.Context, roomID string, onInsert func(MessageRow)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.handlers[roomID] = onInsert
	return &fakeSubscription{feed: f, roomID: roomID}, nil
}

func (f *fakeFeed) push(row MessageRow) {
	f.mu.Lock()
	h := f.handlers[row.RoomID]
	f.mu.Unlock()
	if h != nil {
		h(row)
	}
}

func (f *fakeFeed) subscribed(roomID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[roomID]
	return ok
}

type fakeSubscription struct {
	feed   *fakeFeed
	roomID string
}

func (s *fakeSubscription) Unsubscribe() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	delete(s.feed.handlers, s.roomID)
	s.feed.unsubscribed = append(s.feed.unsubscribed, s.roomID)
	return nil
}

// brokenKV fails every read and write.
type brokenKV struct{}

var errQuota = errors.New("quota exceeded")

func (brokenKV) Get(context.Context, string) ([]byte, error) { return nil, errQuota }
func (brokenKV) Set(context.Context, string, []byte) error   { return errQuota }

func textMessage(id, roomID, content string, at time.Time) QueuedMessage {
	return QueuedMessage{ID: id, RoomID: roomID, AuthorID: "member-1", Content: content, EnqueuedAt: at}
}

func sentRow(id, roomID, content string, at time.Time) MessageRow {
	return MessageRow{
		ID:        id,
		RoomID:    roomID,
		AuthorID:  "physician-1",
		Content:   content,
		CreatedAt: at.UTC().Format(time.RFC3339Nano),
	}
}
