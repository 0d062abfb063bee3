package telechat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conversationFixture struct {
	cfg  InboxConfig
	rows *fakeRows
	feed *fakeFeed
	conn *ConnectivityMonitor
	hook *logtest.Hook
}

func newConversationFixture(online bool) *conversationFixture {
	logger, hook := quietLogger()
	f := &conversationFixture{
		rows: &fakeRows{},
		feed: newFakeFeed(),
		conn: NewConnectivityMonitor(online),
		hook: hook,
	}
	f.cfg = InboxConfig{
		Auth:         fakeAuth{id: Identity{UserID: "member-1"}},
		Rows:         f.rows,
		Feed:         f.feed,
		Queue:        NewQueueStore(NewMemoryKV(), logger),
		Connectivity: f.conn,
		Logger:       logger,
		Worker:       &WorkerOptions{BackoffDelay: 10 * time.Millisecond, FlushInterval: time.Hour},
	}
	return f
}

func (f *conversationFixture) open(t *testing.T, roomID string) *Conversation {
	t.Helper()
	c := NewConversation(roomID, f.cfg)
	require.NoError(t, c.Init(context.Background()))
	t.Cleanup(func() {
		c.Close()
		c.Worker().Wait()
	})
	return c
}

func TestConversation_InitLoadsHistory(t *testing.T) {
	f := newConversationFixture(true)
	f.rows.history = []MessageRow{
		sentRow("s1", "room-1", "How are you feeling?", t0),
		sentRow("s2", "room-1", "Better, thanks", t0.Add(time.Minute)),
		sentRow("x1", "room-2", "other room", t0),
	}

	c := f.open(t, "room-1")

	assert.Equal(t, []string{"s1", "s2"}, ids(c.Messages()))
	user, ok := c.User()
	assert.True(t, ok)
	assert.Equal(t, "member-1", user.UserID)
	assert.NoError(t, c.Err())
	assert.NoError(t, c.FetchErr())
	assert.True(t, f.feed.subscribed("room-1"))
}

func TestConversation_NotReady(t *testing.T) {
	f := newConversationFixture(true)
	c := NewConversation("room-1", f.cfg)

	msg, err := c.Send("hello")
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = c.SendVoice("https://cdn.test/voice_messages/a.webm")
	assert.ErrorIs(t, err, ErrNotReady)

	assert.Empty(t, c.Messages())
	assert.Empty(t, f.rows.attempted())
	assert.Contains(t, warnings(f.hook), "Message not sent, conversation is not ready")
}

func TestConversation_InitFailures(t *testing.T) {
	t.Run("no session user", func(t *testing.T) {
		f := newConversationFixture(true)
		f.cfg.Auth = fakeAuth{err: errors.New("no session")}
		c := NewConversation("room-1", f.cfg)

		err := c.Init(context.Background())
		require.Error(t, err)
		assert.True(t, IsKind(err, KindInitialization))
		assert.True(t, Terminal(c.Err()))
		assert.False(t, f.feed.subscribed("room-1"))

		_, err = c.Send("hello")
		assert.ErrorIs(t, err, ErrNotReady)
	})

	t.Run("feed unavailable", func(t *testing.T) {
		f := newConversationFixture(true)
		f.feed.subscribeErr = errors.New("socket refused")
		c := NewConversation("room-1", f.cfg)

		err := c.Init(context.Background())
		require.Error(t, err)
		assert.True(t, IsKind(err, KindSubscription))
		assert.True(t, Terminal(err))

		_, err = c.Send("hello")
		assert.ErrorIs(t, err, ErrNotReady)
	})

	t.Run("history unavailable keeps queue operable", func(t *testing.T) {
		f := newConversationFixture(true)
		f.rows.fetchErr = errors.New("502 bad gateway")
		c := f.open(t, "room-1")

		assert.NoError(t, c.Err())
		assert.True(t, IsKind(c.FetchErr(), KindFetch))
		assert.False(t, Terminal(c.FetchErr()))

		msg, err := c.Send("still works")
		require.NoError(t, err)
		require.NotNil(t, msg)
	})
}

func TestConversation_BlankSendIsNoop(t *testing.T) {
	f := newConversationFixture(true)
	c := f.open(t, "room-1")

	for _, content := range []string{"", "   ", "\n\t"} {
		msg, err := c.Send(content)
		assert.NoError(t, err)
		assert.Nil(t, msg)
	}
	assert.Empty(t, c.Messages())
	assert.Empty(t, c.Pending())
}

func TestConversation_SendOnline(t *testing.T) {
	f := newConversationFixture(true)
	c := f.open(t, "room-1")

	msg, err := c.Send("I have a fever")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, DeliveryPending, msg.DeliveryState)
	assert.False(t, msg.OriginOffline)
	assert.Equal(t, "member-1", msg.AuthorID)

	require.Eventually(t, func() bool {
		list := c.Messages()
		return len(list) == 1 && list[0].DeliveryState == DeliverySent
	}, time.Second, 5*time.Millisecond)

	got := c.Messages()[0]
	assert.Equal(t, "srv-1", got.ID)
	assert.Equal(t, msg.ID, got.ClientID)
	assert.Empty(t, c.Pending())
}

func TestConversation_SendOfflineRendersImmediately(t *testing.T) {
	f := newConversationFixture(false)
	c := f.open(t, "room-1")

	msg, err := c.Send("sent from the subway")
	require.NoError(t, err)
	assert.True(t, msg.OriginOffline)

	list := c.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, DeliveryPending, list[0].DeliveryState)
	assert.Len(t, c.Pending(), 1)

	c.Worker().Wait()
	assert.Empty(t, f.rows.attempted())

	f.conn.SetOnline(true)
	require.Eventually(t, func() bool {
		list := c.Messages()
		return len(list) == 1 && list[0].DeliveryState == DeliverySent
	}, time.Second, 5*time.Millisecond)
	assert.True(t, c.Messages()[0].OriginOffline)
}

func TestConversation_DuplicatePushDoesNotGrowList(t *testing.T) {
	f := newConversationFixture(true)
	f.rows.history = []MessageRow{sentRow("s1", "room-1", "hello", t0)}
	c := f.open(t, "room-1")

	row := sentRow("s2", "room-1", "new from physician", t0.Add(time.Minute))
	f.feed.push(row)
	f.feed.push(row)
	f.feed.push(sentRow("s1", "room-1", "hello", t0))

	assert.Equal(t, []string{"s1", "s2"}, ids(c.Messages()))
}

func TestConversation_PushBeforeInsertResponse(t *testing.T) {
	f := newConversationFixture(true)
	f.rows.insert = func(row MessageRow) (*MessageRow, error) {
		row.ID = "srv-42"
		// The feed delivers the row before the insert call returns.
		f.feed.push(row)
		return &row, nil
	}
	c := f.open(t, "room-1")

	_, err := c.Send("race")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(c.Pending()) == 0 && len(f.rows.attempted()) == 1
	}, time.Second, 5*time.Millisecond)
	c.Worker().Wait()

	list := c.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, "srv-42", list[0].ID)
	assert.Equal(t, DeliverySent, list[0].DeliveryState)
}

func TestConversation_FailureAndRetry(t *testing.T) {
	f := newConversationFixture(true)
	var mu sync.Mutex
	fail := true
	f.rows.insert = func(row MessageRow) (*MessageRow, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			return nil, errors.New("timeout")
		}
		row.ID = "srv-ok"
		return &row, nil
	}
	c := f.open(t, "room-1")

	first, err := c.Send("please call me")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		list := c.Messages()
		return len(list) == 1 && list[0].DeliveryState == DeliveryFailed
	}, time.Second, 5*time.Millisecond)

	second, err := c.Retry("please call me")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	require.Eventually(t, func() bool {
		list := c.Messages()
		return len(list) == 2 && list[1].DeliveryState == DeliverySent
	}, time.Second, 5*time.Millisecond)

	list := c.Messages()
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, DeliveryFailed, list[0].DeliveryState)
	assert.Equal(t, "srv-ok", list[1].ID)
	assert.Len(t, f.rows.attempted(), 2)
}

func TestConversation_ReloadsPersistedQueue(t *testing.T) {
	f := newConversationFixture(false)
	f.cfg.Queue.Save(context.Background(), "room-1", []QueuedMessage{
		{ID: "q1", RoomID: "room-1", AuthorID: "member-1", Content: "written yesterday", EnqueuedAt: t0.Add(time.Hour), OriginOffline: true},
	})
	f.rows.history = []MessageRow{sentRow("s1", "room-1", "earlier", t0)}

	c := f.open(t, "room-1")

	list := c.Messages()
	assert.Equal(t, []string{"s1", "q1"}, ids(list))
	assert.Equal(t, DeliveryPending, list[1].DeliveryState)
	assert.True(t, list[1].OriginOffline)

	f.conn.SetOnline(true)
	require.Eventually(t, func() bool {
		list := c.Messages()
		return len(list) == 2 && list[1].DeliveryState == DeliverySent
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.cfg.Queue.Load(context.Background(), "room-1"))
}

func TestConversation_ReloadDropsEntriesAlreadyStored(t *testing.T) {
	f := newConversationFixture(true)
	// The insert of q1 succeeded but the app stopped before the queue was saved.
	f.cfg.Queue.Save(context.Background(), "room-1", []QueuedMessage{
		{ID: "q1", RoomID: "room-1", AuthorID: "member-1", Content: "did this go out?", EnqueuedAt: t0.Add(time.Minute)},
		{ID: "q2", RoomID: "room-1", AuthorID: "member-1", Content: "still queued", EnqueuedAt: t0.Add(2 * time.Minute)},
	})
	stored := sentRow("srv-old", "room-1", "did this go out?", t0.Add(time.Minute))
	stored.AuthorID = "member-1"
	stored.ClientID = "q1"
	f.rows.history = []MessageRow{stored}

	c := f.open(t, "room-1")

	require.Eventually(t, func() bool {
		return len(c.Pending()) == 0
	}, time.Second, 5*time.Millisecond)
	c.Worker().Wait()

	attempts := f.rows.attempted()
	require.Len(t, attempts, 1)
	assert.Equal(t, "q2", attempts[0].ClientID)

	list := c.Messages()
	require.Len(t, list, 2)
	assert.Equal(t, "srv-old", list[0].ID)
	assert.Equal(t, "q2", list[1].ClientID)
	assert.Equal(t, DeliverySent, list[1].DeliveryState)
	assert.Empty(t, f.cfg.Queue.Load(context.Background(), "room-1"))
}

func TestConversation_OpenedOfflineAttachesFeedOnReconnect(t *testing.T) {
	f := newConversationFixture(false)
	c := f.open(t, "room-1")
	assert.False(t, f.feed.subscribed("room-1"))

	f.rows.mu.Lock()
	f.rows.history = []MessageRow{sentRow("s-missed", "room-1", "sent while you were away", t0)}
	f.rows.mu.Unlock()

	f.conn.SetOnline(true)
	require.Eventually(t, func() bool {
		return f.feed.subscribed("room-1") && len(c.Messages()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "s-missed", c.Messages()[0].ID)

	f.feed.push(sentRow("s-live", "room-1", "reply from physician", t0.Add(time.Minute)))
	assert.Equal(t, []string{"s-missed", "s-live"}, ids(c.Messages()))
	assert.NoError(t, c.Err())
}

func TestConversation_FeedAttachFailureAfterReconnect(t *testing.T) {
	f := newConversationFixture(false)
	f.feed.subscribeErr = errors.New("socket refused")
	c := f.open(t, "room-1")
	assert.NoError(t, c.Err())

	notified := make(chan struct{}, 1)
	c.OnChange(func([]ConversationMessage) {
		if c.Err() != nil {
			select {
			case notified <- struct{}{}:
			default:
			}
		}
	})

	f.conn.SetOnline(true)
	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("listeners were not told about the feed failure")
	}
	assert.True(t, IsKind(c.Err(), KindSubscription))

	_, err := c.Send("hello")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestConversation_SendVoiceNormalizesBucket(t *testing.T) {
	f := newConversationFixture(false)
	c := f.open(t, "room-1")

	msg, err := c.SendVoice("https://cdn.test/storage/v1/object/public/voice_messages/u1/a.webm")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/storage/v1/object/public/voice-messages/u1/a.webm", msg.VoiceURL)
	assert.True(t, msg.IsVoice())
	assert.Empty(t, msg.Content)

	pending := c.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, msg.VoiceURL, pending[0].VoiceURL)
}

func TestConversation_OnChange(t *testing.T) {
	f := newConversationFixture(false)
	c := f.open(t, "room-1")

	var mu sync.Mutex
	var sizes []int
	unsubscribe := c.OnChange(func(list []ConversationMessage) {
		mu.Lock()
		sizes = append(sizes, len(list))
		mu.Unlock()
	})

	_, err := c.Send("one")
	require.NoError(t, err)
	c.handlePush(sentRow("s1", "room-1", "two", t0))

	unsubscribe()
	_, err = c.Send("three")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, sizes)
}

func TestConversation_Close(t *testing.T) {
	f := newConversationFixture(true)
	c := NewConversation("room-1", f.cfg)
	require.NoError(t, c.Init(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, []string{"room-1"}, f.feed.unsubscribed)

	_, err := c.Send("after close")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestInbox_OpenClosesPreviousRoom(t *testing.T) {
	f := newConversationFixture(true)
	inbox := NewInbox(f.cfg)
	defer inbox.Close()

	first := inbox.Open(context.Background(), "room-1")
	require.NoError(t, first.Err())
	assert.True(t, f.feed.subscribed("room-1"))

	second := inbox.Open(context.Background(), "room-2")
	require.NoError(t, second.Err())
	assert.False(t, f.feed.subscribed("room-1"))
	assert.True(t, f.feed.subscribed("room-2"))
	assert.Same(t, second, inbox.Current())

	_, err := first.Send("stale view")
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, inbox.Close())
	assert.Nil(t, inbox.Current())
	assert.False(t, f.feed.subscribed("room-2"))
}
