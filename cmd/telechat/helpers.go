package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/carelink-health/telechat"
	"github.com/sirupsen/logrus"
)

// newLogger builds the process logger from the [log] section.
func newLogger(cfg *Config) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(valueOrDefault(cfg.Log.Level, "warn"))
	if err != nil {
		level = logrus.WarnLevel
	}
	logger.SetLevel(level)
	if cfg.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// newClient creates a backend client, authenticated with the stored session
// when there is one.
func newClient(cfg *Config, logger *logrus.Logger) (*telechat.Client, error) {
	if cfg.Default.AnonKey == "" || cfg.Default.BackendURL == "" {
		return nil, fmt.Errorf("no backend configured; run 'telechat init <backend-url> <anon-key>' first")
	}
	opts := []telechat.ClientOption{
		telechat.WithBaseURL(cfg.Default.BackendURL),
		telechat.WithLogger(logger),
	}
	if cfg.Auth.AccessToken != "" {
		opts = append(opts, telechat.WithAccessToken(cfg.Auth.AccessToken))
	}
	return telechat.NewClient(cfg.Default.AnonKey, opts...), nil
}

// newQueueStore opens the configured queue storage. The returned closer
// releases it.
func newQueueStore(ctx context.Context, cfg *Config, logger *logrus.Logger) (*telechat.QueueStore, io.Closer, error) {
	switch valueOrDefault(cfg.Storage.Driver, "sqlite") {
	case "memory":
		return telechat.NewQueueStore(telechat.NewMemoryKV(), logger), io.NopCloser(nil), nil

	case "redis":
		if cfg.Storage.RedisURL == "" {
			return nil, nil, fmt.Errorf("storage.redis_url is required for the redis driver")
		}
		var ttl time.Duration
		if cfg.Storage.RedisTTL != "" {
			d, err := time.ParseDuration(cfg.Storage.RedisTTL)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid storage.redis_ttl: %w", err)
			}
			ttl = d
		}
		kv, err := telechat.NewRedisKV(ctx, cfg.Storage.RedisURL, "telechat:", ttl)
		if err != nil {
			return nil, nil, err
		}
		return telechat.NewQueueStore(kv, logger), kv, nil

	case "sqlite":
		path := cfg.Storage.Path
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "queue.db")
		}
		kv, err := telechat.NewSQLiteKV(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return telechat.NewQueueStore(kv, logger), kv, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// newFeed picks the realtime transport from the [realtime] section.
func newFeed(cfg *Config, client *telechat.Client) telechat.Feed {
	if cfg.Realtime.Transport == "sse" {
		return client.RealtimeSSE(nil)
	}
	return client.Realtime(nil)
}

// probeConnectivity seeds a monitor with one reachability check.
func probeConnectivity(ctx context.Context, client *telechat.Client) *telechat.ConnectivityMonitor {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return telechat.NewConnectivityMonitor(client.Ping(probeCtx) == nil)
}

// session bundles what a room command needs. Close releases all of it.
type session struct {
	client *telechat.Client
	inbox  *telechat.Inbox
	conn   *telechat.ConnectivityMonitor
	store  *telechat.QueueStore
	closer io.Closer
	logger *logrus.Logger
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.AccessToken == "" {
		return nil, fmt.Errorf("not logged in; run 'telechat login <access-token>' first")
	}

	logger := newLogger(cfg)
	client, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	store, closer, err := newQueueStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue storage: %w", err)
	}

	conn := probeConnectivity(ctx, client)

	inbox := telechat.NewInbox(telechat.InboxConfig{
		// The offline-capable identity lets queued sends work without a network.
		// A room opened offline attaches the feed once conn reports online.
		Auth:         telechat.SessionAuth{Token: cfg.Auth.AccessToken},
		Rows:         client,
		Feed:         newFeed(cfg, client),
		Queue:        store,
		Connectivity: conn,
		Logger:       logger,
	})

	return &session{client: client, inbox: inbox, conn: conn, store: store, closer: closer, logger: logger}, nil
}

func (s *session) Close() {
	cur := s.inbox.Current()
	s.inbox.Close()
	// Let an in-flight send record its outcome before storage goes away.
	if cur != nil {
		cur.Worker().Wait()
	}
	s.closer.Close()
}
