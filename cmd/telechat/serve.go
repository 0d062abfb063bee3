package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carelink-health/telechat"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveListen string
	serveRoom   string
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (defaults to webhook.listen or :8080)")
	serveCmd.Flags().StringVar(&serveRoom, "room", "", "Room to follow through database webhooks")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive message webhooks and expose metrics",
	Long:  "Run an HTTP server that accepts signed database webhooks as the change feed for a room, and serves Prometheus metrics on /metrics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Log.Level == "" {
			cfg.Log.Level = "info"
		}
		logger := newLogger(cfg)

		feed, err := telechat.NewWebhookFeed(cfg.Webhook.Secret, logger)
		if err != nil {
			return fmt.Errorf("%w; set webhook.secret or TELECHAT_WEBHOOK_SECRET", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if serveRoom != "" {
			inbox, closer, err := followRoom(ctx, cfg, logger, feed)
			if err != nil {
				return err
			}
			defer closer.Close()
			defer inbox.Close()
		}

		addr := valueOrDefault(serveListen, valueOrDefault(cfg.Webhook.Listen, ":8080"))
		srv := &http.Server{
			Addr:              addr,
			Handler:           newRouter(feed),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.WithField("addr", addr).Info("Webhook server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("Shutting down webhook server")
		return srv.Shutdown(shutdownCtx)
	},
}

func newRouter(feed *telechat.WebhookFeed) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/webhooks/messages", feed.HTTPHandler())
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

// followRoom opens serveRoom with the webhook feed and logs every change.
func followRoom(ctx context.Context, cfg *Config, logger *logrus.Logger, feed *telechat.WebhookFeed) (*telechat.Inbox, io.Closer, error) {
	if cfg.Auth.AccessToken == "" {
		return nil, nil, fmt.Errorf("not logged in; run 'telechat login <access-token>' first")
	}
	client, err := newClient(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	store, closer, err := newQueueStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open queue storage: %w", err)
	}

	conn := probeConnectivity(ctx, client)
	go conn.Watch(ctx, client.Ping, 5*time.Second)

	inbox := telechat.NewInbox(telechat.InboxConfig{
		Auth:         telechat.SessionAuth{Token: cfg.Auth.AccessToken},
		Rows:         client,
		Feed:         feed,
		Queue:        store,
		Connectivity: conn,
		Logger:       logger,
	})
	conv := inbox.Open(ctx, serveRoom)
	if err := conv.Err(); err != nil {
		inbox.Close()
		closer.Close()
		return nil, nil, err
	}

	conv.OnChange(func(list []telechat.ConversationMessage) {
		pending := 0
		for _, m := range list {
			if m.DeliveryState == telechat.DeliveryPending {
				pending++
			}
		}
		logger.WithFields(logrus.Fields{
			"room_id":  serveRoom,
			"messages": len(list),
			"pending":  pending,
		}).Info("Room updated")
	})
	return inbox, closer, nil
}
