package telechat

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeTestPayload() map[string]any {
	return map[string]any{
		"type":   "INSERT",
		"table":  "messages",
		"schema": "public",
		"record": map[string]any{
			"id":         "msg-001",
			"client_id":  "tmp-001",
			"room_id":    "room-1",
			"author_id":  "physician-1",
			"content":    "Your results are in",
			"created_at": "2026-01-01T00:00:00Z",
		},
		"old_record": nil,
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestPayload())
	return string(b)
}

func newTestWebhookFeed(t *testing.T) *WebhookFeed {
	t.Helper()
	logger, _ := quietLogger()
	feed, err := NewWebhookFeed(testSecret, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return feed
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, testSecret)
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, "wrong-secret")
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := makeTestSignature(body, testSecret)
		if VerifyWebhookSignature(body+"tampered", sig, testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyWebhookSignature("", "sha256=abc", testSecret) ||
			VerifyWebhookSignature("body", "", testSecret) ||
			VerifyWebhookSignature("body", "sha256=abc", "") ||
			VerifyWebhookSignature("body", "sha256=", testSecret) {
			t.Fatal("expected false for empty inputs")
		}
	})
}

// ============================================================================
// ParseWebhookPayload
// ============================================================================

func TestParseWebhookPayload(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		payload, err := ParseWebhookPayload(makeTestPayloadString())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if payload.Record.ID != "msg-001" || payload.Record.ClientID != "tmp-001" {
			t.Fatalf("unexpected record: %+v", payload.Record)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseWebhookPayload("not json"); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("other table", func(t *testing.T) {
		data := makeTestPayload()
		data["table"] = "appointments"
		b, _ := json.Marshal(data)
		_, err := ParseWebhookPayload(string(b))
		if err == nil || !strings.Contains(err.Error(), "unexpected webhook table") {
			t.Fatalf("expected table error, got: %v", err)
		}
	})

	t.Run("missing room", func(t *testing.T) {
		data := makeTestPayload()
		data["record"].(map[string]any)["room_id"] = ""
		b, _ := json.Marshal(data)
		_, err := ParseWebhookPayload(string(b))
		if err == nil || !strings.Contains(err.Error(), "missing required fields") {
			t.Fatalf("expected missing fields error, got: %v", err)
		}
	})
}

// ============================================================================
// WebhookFeed
// ============================================================================

func TestNewWebhookFeed(t *testing.T) {
	if _, err := NewWebhookFeed("", nil); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestWebhookFeedHandle(t *testing.T) {
	t.Run("invalid signature", func(t *testing.T) {
		feed := newTestWebhookFeed(t)
		status, data := feed.Handle(makeTestPayloadString(), "sha256=bad")
		if status != 401 {
			t.Fatalf("expected 401, got %d", status)
		}
		if data.(map[string]string)["error"] != "Invalid signature" {
			t.Fatalf("unexpected body: %v", data)
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		feed := newTestWebhookFeed(t)
		body := `{"type": "INSERT", "table": "messages"}`
		status, _ := feed.Handle(body, makeTestSignature(body, testSecret))
		if status != 400 {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("fans out to room subscribers only", func(t *testing.T) {
		feed := newTestWebhookFeed(t)
		var got []MessageRow
		var other int
		feed.Subscribe(context.Background(), "room-1", func(row MessageRow) { got = append(got, row) })
		feed.Subscribe(context.Background(), "room-2", func(MessageRow) { other++ })

		body := makeTestPayloadString()
		status, _ := feed.Handle(body, makeTestSignature(body, testSecret))
		if status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
		if len(got) != 1 || got[0].Content != "Your results are in" {
			t.Fatalf("unexpected delivery: %+v", got)
		}
		if other != 0 {
			t.Fatal("row delivered to another room")
		}
	})

	t.Run("non-insert events are acknowledged", func(t *testing.T) {
		feed := newTestWebhookFeed(t)
		called := false
		feed.Subscribe(context.Background(), "room-1", func(MessageRow) { called = true })

		data := makeTestPayload()
		data["type"] = "DELETE"
		b, _ := json.Marshal(data)
		body := string(b)
		status, _ := feed.Handle(body, makeTestSignature(body, testSecret))
		if status != 200 || called {
			t.Fatalf("expected silent 200, got %d (called=%v)", status, called)
		}
	})

	t.Run("unsubscribe detaches", func(t *testing.T) {
		feed := newTestWebhookFeed(t)
		called := false
		sub, _ := feed.Subscribe(context.Background(), "room-1", func(MessageRow) { called = true })
		if feed.Subscribers("room-1") != 1 {
			t.Fatal("expected one subscriber")
		}
		sub.Unsubscribe()
		if feed.Subscribers("room-1") != 0 {
			t.Fatal("expected no subscribers")
		}

		body := makeTestPayloadString()
		feed.Handle(body, makeTestSignature(body, testSecret))
		if called {
			t.Fatal("detached handler was called")
		}
	})
}

// ============================================================================
// WebhookFeed.HTTPHandler
// ============================================================================

func TestWebhookFeedHTTPHandler(t *testing.T) {
	t.Run("GET returns 405", func(t *testing.T) {
		feed := newTestWebhookFeed(t)
		req := httptest.NewRequest(http.MethodGet, "/webhooks/messages", nil)
		w := httptest.NewRecorder()
		feed.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 405 {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		feed := newTestWebhookFeed(t)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/messages", strings.NewReader(makeTestPayloadString()))
		req.Header.Set(SignatureHeader, "sha256=bad")
		w := httptest.NewRecorder()
		feed.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 401 {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("valid returns 200", func(t *testing.T) {
		feed := newTestWebhookFeed(t)
		body := makeTestPayloadString()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/messages", strings.NewReader(body))
		req.Header.Set(SignatureHeader, makeTestSignature(body, testSecret))
		w := httptest.NewRecorder()
		feed.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 200 {
			t.Fatalf("expected 200, got %d", w.Code)
		}

		var result map[string]any
		json.NewDecoder(w.Body).Decode(&result)
		if result["ok"] != true {
			t.Fatal("expected ok:true")
		}
	})
}

func TestWebhookFeedDrivesConversation(t *testing.T) {
	f := newConversationFixture(true)
	feed := newTestWebhookFeed(t)
	f.cfg.Feed = feed
	c := f.open(t, "room-1")

	body := makeTestPayloadString()
	for i := 0; i < 2; i++ {
		if status, _ := feed.Handle(body, makeTestSignature(body, testSecret)); status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
	}

	if n := len(c.Messages()); n != 1 {
		t.Fatalf("expected one message after duplicate delivery, got %d", n)
	}
}
