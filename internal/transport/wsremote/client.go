package wsremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/remote"
)

const (
	defaultBaseURL   = "http://127.0.0.1:8090"
	handshakeTimeout = 10 * time.Second
	readLimit        = 4 << 20
)

// HTTPError is a non-2xx response from the server.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps 404 responses onto remote.ErrNotFound.
func (e *HTTPError) Is(target error) bool {
	return target == remote.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client talks to a Server. It implements remote.Client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collection returns a handle for name.
func (c *Client) Collection(name string) remote.Collection {
	return &remoteCollection{client: c, name: name, drops: make(chan error, 1)}
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Correlation-Id", fmt.Sprintf("sync_%d", time.Now().UnixNano()))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		return record.DecodeJSON(payload, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

func (c *Client) realtimeURL(collection, topic string) (string, error) {
	u, err := url.Parse(c.baseURL + "/api/realtime")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := url.Values{}
	q.Set("collection", collection)
	q.Set("topic", topic)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type remoteCollection struct {
	client *Client
	name   string
	drops  chan error
}

var _ remote.DropReporter = (*remoteCollection)(nil)

func (c *remoteCollection) recordsPath() string {
	return "/api/collections/" + url.PathEscape(c.name) + "/records"
}

// Subscribe dials the realtime stream and returns once the server has
// confirmed the subscription. Events are delivered from a single reader
// goroutine, so handler calls are sequential.
func (c *remoteCollection) Subscribe(ctx context.Context, topic string, handler remote.Handler) (func(), error) {
	if topic == "" {
		topic = remote.TopicAll
	}
	wsURL, err := c.client.realtimeURL(c.name, topic)
	if err != nil {
		return nil, err
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, handshakeTimeout)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime %s: %w", c.name, err)
	}
	conn.SetReadLimit(readLimit)

	var hello message
	if err := wsjson.Read(dialCtx, conn, &hello); err != nil {
		conn.Close(websocket.StatusProtocolError, "no handshake")
		return nil, fmt.Errorf("realtime handshake %s: %w", c.name, err)
	}
	if hello.Type != messageConnected {
		conn.Close(websocket.StatusProtocolError, "unexpected handshake")
		return nil, fmt.Errorf("realtime handshake %s: unexpected message %q", c.name, hello.Type)
	}

	readCtx, cancel := context.WithCancel(ctx)
	go c.read(readCtx, conn, handler)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			conn.Close(websocket.StatusNormalClosure, "")
		})
	}, nil
}

func (c *remoteCollection) read(ctx context.Context, conn *websocket.Conn, handler remote.Handler) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.client.logger.Warn("realtime stream ended", "collection", c.name, "error", err)
			select {
			case c.drops <- err:
			default:
			}
			return
		}
		var m message
		if err := record.DecodeJSON(data, &m); err != nil {
			c.client.logger.Warn("dropping malformed realtime message", "collection", c.name, "error", err)
			continue
		}
		if m.Type != messageEvent {
			continue
		}
		handler(record.Event{Kind: m.Action, Record: m.Record})
	}
}

// Dropped yields the error that ended the realtime stream.
func (c *remoteCollection) Dropped() <-chan error {
	return c.drops
}

func (c *remoteCollection) FullList(ctx context.Context, opts remote.FetchOptions) ([]record.Record, error) {
	q := url.Values{}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if opts.Filter != "" {
		q.Set("filter", opts.Filter)
	}
	if opts.Expand != "" {
		q.Set("expand", opts.Expand)
	}
	path := c.recordsPath()
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp listResponse
	if err := c.client.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list %s: %w", c.name, err)
	}
	return resp.Items, nil
}

func (c *remoteCollection) Create(ctx context.Context, payload record.Record) (record.Record, error) {
	var out record.Record
	if err := c.client.doJSON(ctx, http.MethodPost, c.recordsPath(), payload, &out); err != nil {
		return nil, fmt.Errorf("create in %s: %w", c.name, err)
	}
	return out, nil
}

func (c *remoteCollection) Update(ctx context.Context, id string, patch record.Record) (record.Record, error) {
	var out record.Record
	if err := c.client.doJSON(ctx, http.MethodPatch, c.recordsPath()+"/"+url.PathEscape(id), patch, &out); err != nil {
		return nil, fmt.Errorf("update %s in %s: %w", id, c.name, err)
	}
	return out, nil
}

func (c *remoteCollection) Delete(ctx context.Context, id string) error {
	if err := c.client.doJSON(ctx, http.MethodDelete, c.recordsPath()+"/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete %s in %s: %w", id, c.name, err)
	}
	return nil
}
