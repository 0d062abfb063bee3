package telechat

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error body returned by the hosted backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Identity is the authenticated user of the current session.
type Identity struct {
	UserID    string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role,omitempty"`
	ExpiresAt time.Time `json:"-"`
}

// ============================================================================
// Message Types
// ============================================================================

// DeliveryState tracks a displayed message from optimistic render to outcome.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// QueuedMessage is one pending outbound message in a room queue.
// Exactly one of Content and VoiceURL is set.
type QueuedMessage struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"roomId"`
	AuthorID      string    `json:"authorId"`
	Content       string    `json:"content,omitempty"`
	VoiceURL      string    `json:"voiceUrl,omitempty"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
	OriginOffline bool      `json:"originOffline,omitempty"`
}

// Validate reports whether the message carries exactly one payload kind.
func (q QueuedMessage) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("queued message has no id")
	}
	hasText := strings.TrimSpace(q.Content) != ""
	hasVoice := q.VoiceURL != ""
	switch {
	case hasText && hasVoice:
		return fmt.Errorf("queued message %s has both text and voice payloads", q.ID)
	case !hasText && !hasVoice:
		return fmt.Errorf("queued message %s has no payload", q.ID)
	}
	return nil
}

// row builds the insert row for the backend messages table.
func (q QueuedMessage) row() MessageRow {
	return MessageRow{
		ClientID:  q.ID,
		RoomID:    q.RoomID,
		AuthorID:  q.AuthorID,
		Content:   q.Content,
		VoiceURL:  q.VoiceURL,
		CreatedAt: q.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	}
}

// optimistic is the entry rendered while the message waits in the queue.
func (q QueuedMessage) optimistic() ConversationMessage {
	return ConversationMessage{
		ID:            q.ID,
		AuthorID:      q.AuthorID,
		RoomID:        q.RoomID,
		Content:       q.Content,
		VoiceURL:      q.VoiceURL,
		CreatedAt:     q.EnqueuedAt,
		DeliveryState: DeliveryPending,
		OriginOffline: q.OriginOffline,
	}
}

// ConversationMessage is a displayable message. ID is the temporary queue id
// while pending or failed and the server id once sent.
type ConversationMessage struct {
	ID            string        `json:"id"`
	ClientID      string        `json:"clientId,omitempty"`
	AuthorID      string        `json:"authorId"`
	RoomID        string        `json:"roomId"`
	Content       string        `json:"content,omitempty"`
	VoiceURL      string        `json:"voiceUrl,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	DeliveryState DeliveryState `json:"deliveryState"`
	OriginOffline bool          `json:"originOffline,omitempty"`
}

// IsVoice reports whether the message payload is a voice attachment.
func (m ConversationMessage) IsVoice() bool { return m.VoiceURL != "" }

// MessageRow is the wire shape of the backend messages table.
type MessageRow struct {
	ID        string `json:"id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	RoomID    string `json:"room_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content,omitempty"`
	VoiceURL  string `json:"voice_url,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Message converts a confirmed row into a sent ConversationMessage.
func (r MessageRow) Message() ConversationMessage {
	created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		created = time.Now().UTC()
	}
	return ConversationMessage{
		ID:            r.ID,
		ClientID:      r.ClientID,
		AuthorID:      r.AuthorID,
		RoomID:        r.RoomID,
		Content:       r.Content,
		VoiceURL:      r.VoiceURL,
		CreatedAt:     created,
		DeliveryState: DeliverySent,
	}
}
