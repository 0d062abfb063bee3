package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/carelink-health/telechat"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chat history
	chatHistoryLimit int
	chatHistoryJSON  bool

	// chat send / voice / retry
	chatWait time.Duration

	// chat voice
	chatVoiceMime string
)

// ============================================================================
// Root chat command
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Room messaging commands",
	Long:  "Read and send room messages. Sends go through the persistent outbound queue, so they survive being offline.",
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Print the most recent messages of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg, newLogger(cfg))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		rows, err := client.FetchMessages(ctx, args[0], chatHistoryLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatHistoryJSON {
			b, _ := json.MarshalIndent(rows, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(rows) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, row := range rows {
			printMessage(row.Message())
		}
		return nil
	},
}

// ============================================================================
// chat send / retry
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <room-id> <text...>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendText(args[0], strings.Join(args[1:], " "), false)
	},
}

var chatRetryCmd = &cobra.Command{
	Use:   "retry <room-id> <text...>",
	Short: "Send the content of a failed message again",
	Long:  "Queue the content of a failed message under a new id. The failed message itself stays as it is.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendText(args[0], strings.Join(args[1:], " "), true)
	},
}

func sendText(roomID, content string, retry bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), chatWait+15*time.Second)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	conv := s.inbox.Open(ctx, roomID)
	if err := conv.Err(); err != nil {
		return err
	}

	send := conv.Send
	if retry {
		send = conv.Retry
	}
	msg, err := send(content)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message is empty")
	}
	return awaitDelivery(conv, msg.ID, chatWait)
}

// ============================================================================
// chat voice
// ============================================================================

var chatVoiceCmd = &cobra.Command{
	Use:   "voice <room-id> <audio-file>",
	Short: "Upload a voice recording and send it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, filePath := args[0], args[1]
		data, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("cannot read audio file: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), chatWait+60*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if !s.conn.Online() {
			return fmt.Errorf("voice messages must be uploaded while online")
		}

		conv := s.inbox.Open(ctx, roomID)
		if err := conv.Err(); err != nil {
			return err
		}
		user, _ := conv.User()

		objectPath := user.UserID + "/" + uuid.NewString() + filepath.Ext(filePath)
		url, err := s.client.UploadVoice(ctx, data, objectPath, chatVoiceMime)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}

		msg, err := conv.SendVoice(url)
		if err != nil {
			return err
		}
		return awaitDelivery(conv, msg.ID, chatWait)
	},
}

// awaitDelivery waits up to timeout for the outcome of the message tempID.
// Offline sends stay queued and are reported as such.
func awaitDelivery(conv *telechat.Conversation, tempID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		for _, m := range conv.Messages() {
			if m.ID != tempID && m.ClientID != tempID {
				continue
			}
			switch m.DeliveryState {
			case telechat.DeliverySent:
				fmt.Printf("Sent (id %s)\n", m.ID)
				return nil
			case telechat.DeliveryFailed:
				return fmt.Errorf("delivery failed; use 'telechat chat retry' to send it again")
			}
		}

		if !conv.Online() || time.Now().After(deadline) {
			fmt.Printf("Queued (id %s); it will be sent the next time telechat runs online\n", tempID)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// ============================================================================
// chat watch
// ============================================================================

var chatWatchCmd = &cobra.Command{
	Use:   "watch <room-id>",
	Short: "Follow a room and send each line typed on stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		conv := s.inbox.Open(ctx, args[0])
		if err := conv.Err(); err != nil {
			return err
		}
		if err := conv.FetchErr(); err != nil {
			fmt.Fprintf(os.Stderr, "History unavailable: %v\n", err)
		}

		printer := newChangePrinter()
		printer.print(conv.Messages())
		conv.OnChange(func(list []telechat.ConversationMessage) {
			if err := conv.Err(); err != nil && !printer.failed {
				printer.failed = true
				fmt.Fprintf(os.Stderr, "-- live updates unavailable: %v\n", err)
			}
			printer.print(list)
		})

		s.conn.Subscribe(func(online bool) {
			if online {
				fmt.Fprintln(os.Stderr, "-- back online, sending queued messages")
			} else {
				fmt.Fprintln(os.Stderr, "-- offline, messages will be queued")
			}
		})
		go s.conn.Watch(ctx, s.client.Ping, 5*time.Second)

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if _, err := conv.Send(line); err != nil {
					fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
				}
			}
		}
	},
}

// changePrinter prints each message once per delivery state.
type changePrinter struct {
	seen   map[string]telechat.DeliveryState
	failed bool
}

func newChangePrinter() *changePrinter {
	return &changePrinter{seen: make(map[string]telechat.DeliveryState)}
}

func (p *changePrinter) print(list []telechat.ConversationMessage) {
	for _, m := range list {
		key := m.ID
		if m.ClientID != "" {
			key = m.ClientID
		}
		if state, ok := p.seen[key]; ok && state == m.DeliveryState {
			continue
		}
		p.seen[key] = m.DeliveryState
		printMessage(m)
	}
}

func printMessage(m telechat.ConversationMessage) {
	body := m.Content
	if m.IsVoice() {
		body = "[voice] " + m.VoiceURL
	}
	suffix := ""
	switch m.DeliveryState {
	case telechat.DeliveryPending:
		suffix = " (sending)"
		if m.OriginOffline {
			suffix = " (will send when online)"
		}
	case telechat.DeliveryFailed:
		suffix = " (failed)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format(time.DateTime), m.AuthorID, body, suffix)
}

// ============================================================================
// queue list
// ============================================================================

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect persisted outbound queues",
}

var queueListCmd = &cobra.Command{
	Use:   "list <room-id>",
	Short: "List messages waiting to be sent in a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store, closer, err := newQueueStore(ctx, cfg, newLogger(cfg))
		if err != nil {
			return fmt.Errorf("failed to open queue storage: %w", err)
		}
		defer closer.Close()

		queue := store.Load(ctx, args[0])
		if len(queue) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for i, q := range queue {
			body := q.Content
			if q.VoiceURL != "" {
				body = "[voice] " + q.VoiceURL
			}
			fmt.Printf("%d. %s  %s  %s\n", i+1, q.ID, q.EnqueuedAt.Local().Format(time.DateTime), body)
		}
		return nil
	},
}

func init() {
	// chat history
	chatHistoryCmd.Flags().IntVarP(&chatHistoryLimit, "limit", "n", telechat.HistoryLimit, "Maximum number of messages to return")
	chatHistoryCmd.Flags().BoolVar(&chatHistoryJSON, "json", false, "Output raw JSON")

	// chat send / retry / voice
	for _, c := range []*cobra.Command{chatSendCmd, chatRetryCmd, chatVoiceCmd} {
		c.Flags().DurationVar(&chatWait, "wait", 15*time.Second, "How long to wait for delivery before leaving the message queued")
	}
	chatVoiceCmd.Flags().StringVar(&chatVoiceMime, "mime", "", "Override audio MIME type")

	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatRetryCmd)
	chatCmd.AddCommand(chatVoiceCmd)
	chatCmd.AddCommand(chatWatchCmd)
	rootCmd.AddCommand(chatCmd)

	queueCmd.AddCommand(queueListCmd)
	rootCmd.AddCommand(queueCmd)
}
