// Package telechat is the client core of a member/physician telehealth inbox:
// an offline-tolerant outbound message queue, reconciliation against the
// backend's realtime change feed, and the per-room conversation state that
// presentation code renders.
//
// Example:
//
//	client := telechat.NewClient(anonKey, telechat.WithBaseURL(url), telechat.WithAccessToken(token))
//	conn := telechat.NewConnectivityMonitor(true)
//	inbox := telechat.NewInbox(telechat.InboxConfig{
//		Auth:         client,
//		Rows:         client,
//		Feed:         client.Realtime(nil),
//		Queue:        telechat.NewQueueStore(telechat.NewMemoryKV(), nil),
//		Connectivity: conn,
//	})
//	conv := inbox.Open(ctx, "room-123")
//	conv.Send("Hello, doctor")
package telechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL = "http://localhost:54321"
	DefaultTimeout = 30 * time.Second

	// HistoryLimit caps the initial bulk load of a room.
	HistoryLimit = 100
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the hosted backend: REST rows, auth and object storage.
type Client struct {
	anonKey    string
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger

	tokenMu     sync.RWMutex
	accessToken string
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithAccessToken(token string) ClientOption {
	return func(c *Client) { c.accessToken = token }
}

func WithLogger(logger *logrus.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a backend client. anonKey is the project's public key;
// the session's access token is set with WithAccessToken or SetToken.
func NewClient(anonKey string, opts ...ClientOption) *Client {
	c := &Client{
		anonKey: anonKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the session access token. It is safe to call
// while requests are in flight; requests already sent keep the old token.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.accessToken = token
	c.tokenMu.Unlock()
}

// Token returns the current session access token.
func (c *Client) Token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.accessToken
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values, headers map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.anonKey != "" {
		req.Header.Set("apikey", c.anonKey)
	}
	token := c.Token()
	if token == "" {
		token = c.anonKey
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	var body struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
		Msg     string          `json:"msg"`
		Error   string          `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Code = strings.Trim(string(body.Code), `"`)
		for _, m := range []string{body.Message, body.Msg, body.Error} {
			if m != "" {
				apiErr.Message = m
				break
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth
// ============================================================================

// Ping checks that the backend is reachable. It is the default connectivity probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/auth/v1/health", nil, nil, nil)
	return err
}

// CurrentUser resolves the identity behind the session access token.
func (c *Client) CurrentUser(ctx context.Context) (Identity, error) {
	if c.Token() == "" {
		return Identity{}, fmt.Errorf("no session access token")
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/auth/v1/user", nil, nil, nil)
	if err != nil {
		return Identity{}, err
	}
	user, err := decodeJSON[Identity](data)
	if err != nil {
		return Identity{}, err
	}
	if user.UserID == "" {
		return Identity{}, fmt.Errorf("auth response carries no user id")
	}
	return *user, nil
}

// ============================================================================
// Messages
// ============================================================================

// FetchMessages returns the most recent limit rows of a room in ascending
// creation order.
func (c *Client) FetchMessages(ctx context.Context, roomID string, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = HistoryLimit
	}
	query := url.Values{}
	query.Set("select", "*")
	query.Set("room_id", "eq."+roomID)
	query.Set("order", "created_at.desc")
	query.Set("limit", strconv.Itoa(limit))

	data, err := c.doRequest(ctx, http.MethodGet, "/rest/v1/messages", nil, query, nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]MessageRow](data)
	if err != nil {
		return nil, err
	}

	result := *rows
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// InsertMessage inserts one row and returns the canonical stored row.
func (c *Client) InsertMessage(ctx context.Context, row MessageRow) (*MessageRow, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/rest/v1/messages", row, nil, map[string]string{
		"Prefer": "return=representation",
	})
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]MessageRow](data)
	if err != nil {
		return nil, err
	}
	if len(*rows) == 0 {
		return nil, fmt.Errorf("insert returned no rows")
	}
	return &(*rows)[0], nil
}
