//go:build integration

package telechat_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/carelink-health/telechat"
)

// helpers ---------------------------------------------------------------

func requireEnv(t *testing.T, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Fatalf("%s environment variable is required", name)
	}
	return v
}

func newClient(t *testing.T) *telechat.Client {
	t.Helper()
	return telechat.NewClient(
		requireEnv(t, "TELECHAT_ANON_KEY_TEST"),
		telechat.WithBaseURL(requireEnv(t, "TELECHAT_BACKEND_URL_TEST")),
		telechat.WithAccessToken(requireEnv(t, "TELECHAT_ACCESS_TOKEN_TEST")),
	)
}

func testRoom(t *testing.T) string {
	return requireEnv(t, "TELECHAT_ROOM_TEST")
}

// =======================================================================
// Group 1: REST rows
// =======================================================================

func TestIntegration_Rows_InsertThenFetch(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, err := client.CurrentUser(ctx)
	if err != nil {
		t.Fatalf("CurrentUser returned error: %v", err)
	}

	content := fmt.Sprintf("go integration %d", time.Now().UnixNano())
	row, err := client.InsertMessage(ctx, telechat.MessageRow{
		RoomID:   testRoom(t),
		AuthorID: user.UserID,
		Content:  content,
	})
	if err != nil {
		t.Fatalf("InsertMessage returned error: %v", err)
	}
	if row.ID == "" {
		t.Fatal("expected server-assigned id")
	}
	t.Logf("Inserted: id=%s created_at=%s", row.ID, row.CreatedAt)

	rows, err := client.FetchMessages(ctx, testRoom(t), telechat.HistoryLimit)
	if err != nil {
		t.Fatalf("FetchMessages returned error: %v", err)
	}
	if len(rows) == 0 || rows[len(rows)-1].ID != row.ID {
		t.Errorf("expected inserted row to be the newest of %d rows", len(rows))
	}
}

// =======================================================================
// Group 2: Conversation lifecycle over the realtime feed
// =======================================================================

func TestIntegration_Conversation_SendIsConfirmedOnce(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	inbox := telechat.NewInbox(telechat.InboxConfig{
		Auth:         client,
		Rows:         client,
		Feed:         client.Realtime(nil),
		Queue:        telechat.NewQueueStore(telechat.NewMemoryKV(), nil),
		Connectivity: telechat.NewConnectivityMonitor(true),
	})
	defer inbox.Close()

	conv := inbox.Open(ctx, testRoom(t))
	if err := conv.Err(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	msg, err := conv.Send(fmt.Sprintf("go lifecycle %d", time.Now().UnixNano()))
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		matches := 0
		var state telechat.DeliveryState
		for _, m := range conv.Messages() {
			if m.ID == msg.ID || m.ClientID == msg.ID {
				matches++
				state = m.DeliveryState
			}
		}
		if matches > 1 {
			t.Fatalf("message rendered %d times", matches)
		}
		if state == telechat.DeliverySent {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatal("message was not confirmed in time")
}
