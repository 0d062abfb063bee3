package telechat

import (
	"context"
	"sync"
)

// Inbox holds at most one open conversation. Opening a room closes the
// previous one first, so only one room is ever attached to the feed.
type Inbox struct {
	cfg InboxConfig

	mu      sync.Mutex
	current *Conversation
}

// NewInbox creates an inbox over the shared collaborators in cfg.
func NewInbox(cfg InboxConfig) *Inbox {
	return &Inbox{cfg: cfg}
}

// Open closes the current conversation and initializes one for roomID. The
// conversation is returned even when initialization failed; check Err.
func (in *Inbox) Open(ctx context.Context, roomID string) *Conversation {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.current != nil {
		_ = in.current.Close()
		in.current = nil
	}

	conv := NewConversation(roomID, in.cfg)
	_ = conv.Init(ctx)
	in.current = conv
	return conv
}

// Current returns the open conversation, or nil.
func (in *Inbox) Current() *Conversation {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.current
}

// Close closes the open conversation.
func (in *Inbox) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.current == nil {
		return nil
	}
	err := in.current.Close()
	in.current = nil
	return err
}
