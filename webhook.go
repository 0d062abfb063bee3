package telechat

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Telechat-Signature"

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is a database webhook fired by the backend on a table change.
type WebhookPayload struct {
	Type      string      `json:"type"` // INSERT, UPDATE or DELETE
	Table     string      `json:"table"`
	Schema    string      `json:"schema,omitempty"`
	Record    *MessageRow `json:"record"`
	OldRecord *MessageRow `json:"old_record,omitempty"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Type == "" {
		return nil, fmt.Errorf("missing type field in webhook payload")
	}
	if payload.Table != "messages" {
		return nil, fmt.Errorf("unexpected webhook table: %s", payload.Table)
	}
	if payload.Type == "INSERT" && (payload.Record == nil || payload.Record.ID == "" || payload.Record.RoomID == "") {
		return nil, fmt.Errorf("missing required fields in webhook record (id, room_id)")
	}

	return &payload, nil
}

// ============================================================================
// WebhookFeed
// ============================================================================

// WebhookFeed is a Feed fed by signed database webhooks instead of a socket.
// Inserts are fanned out to every subscriber of the row's room.
type WebhookFeed struct {
	secret string
	log    *logrus.Logger

	mu     sync.RWMutex
	nextID int
	rooms  map[string]map[int]func(MessageRow)
}

// NewWebhookFeed creates a webhook-backed feed verifying bodies with secret.
func NewWebhookFeed(secret string, logger *logrus.Logger) (*WebhookFeed, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WebhookFeed{
		secret: secret,
		log:    logger,
		rooms:  make(map[string]map[int]func(MessageRow)),
	}, nil
}

// Subscribe implements Feed. It never fails; rows arrive once the backend
// posts them.
func (w *WebhookFeed) Subscribe(_ context.Context, roomID string, onInsert func(MessageRow)) (Subscription, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	if w.rooms[roomID] == nil {
		w.rooms[roomID] = make(map[int]func(MessageRow))
	}
	w.rooms[roomID][id] = onInsert
	return &webhookSubscription{feed: w, roomID: roomID, id: id}, nil
}

type webhookSubscription struct {
	feed   *WebhookFeed
	roomID string
	id     int
}

func (s *webhookSubscription) Unsubscribe() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	delete(s.feed.rooms[s.roomID], s.id)
	if len(s.feed.rooms[s.roomID]) == 0 {
		delete(s.feed.rooms, s.roomID)
	}
	return nil
}

// Subscribers returns the number of live subscriptions for roomID.
func (w *WebhookFeed) Subscribers(roomID string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.rooms[roomID])
}

// Handle processes a webhook request (verify, parse, fan out).
// Returns the status code and response body for the caller to write.
func (w *WebhookFeed) Handle(body, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		w.log.Warn("Rejected webhook with invalid signature")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if payload.Type != "INSERT" {
		return http.StatusOK, map[string]bool{"ok": true}
	}

	row := *payload.Record
	w.mu.RLock()
	handlers := make([]func(MessageRow), 0, len(w.rooms[row.RoomID]))
	for _, h := range w.rooms[row.RoomID] {
		handlers = append(handlers, h)
	}
	w.mu.RUnlock()

	w.log.WithFields(logrus.Fields{
		"room_id":     row.RoomID,
		"message_id":  row.ID,
		"subscribers": len(handlers),
	}).Debug("Webhook insert received")

	for _, h := range handlers {
		h(row)
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	feed, _ := telechat.NewWebhookFeed("secret", nil)
//	http.Handle("/webhooks/messages", feed.HTTPHandler())
func (w *WebhookFeed) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
