// Package wsremote serves a remote store over HTTP and a websocket realtime
// stream, and provides the matching client so a sync session can run
// against a store in another process.
//
// Routes:
//
//	GET    /api/health
//	GET    /api/collections/{name}/records?sort=&filter=&expand=
//	POST   /api/collections/{name}/records
//	PATCH  /api/collections/{name}/records/{id}
//	DELETE /api/collections/{name}/records/{id}
//	GET    /api/collections/{name}/changes?after=N
//	GET    /api/realtime?collection=NAME&topic=TOPIC   (websocket)
package wsremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/remote"
	"github.com/roach88/recsync/internal/remote/sqlremote"
)

const (
	maxBodyBytes = 1 << 20
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// ChangeLog is implemented by stores that keep a replayable change log.
type ChangeLog interface {
	Changes(ctx context.Context, collection string, afterSeq int64) ([]sqlremote.Change, error)
}

// Server exposes a remote.Client over HTTP.
type Server struct {
	store  remote.Client
	logger *slog.Logger
	mux    *http.ServeMux

	mu      sync.Mutex
	streams map[int64]context.CancelFunc
	nextID  int64
	closed  bool
}

// NewServer builds the handler. A nil logger uses slog.Default().
func NewServer(store remote.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:   store,
		logger:  logger,
		mux:     http.NewServeMux(),
		streams: make(map[int64]context.CancelFunc),
	}
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/collections/{name}/records", s.handleList)
	s.mux.HandleFunc("POST /api/collections/{name}/records", s.handleCreate)
	s.mux.HandleFunc("PATCH /api/collections/{name}/records/{id}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /api/collections/{name}/records/{id}", s.handleDelete)
	s.mux.HandleFunc("GET /api/collections/{name}/changes", s.handleChanges)
	s.mux.HandleFunc("GET /api/realtime", s.handleRealtime)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close ends every open realtime stream. Clients observe it as a dropped
// stream. New realtime requests are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, cancel := range s.streams {
		cancel()
		delete(s.streams, id)
	}
}

// track registers cancel for a stream. Returns a release func, or false
// when the server is closed.
func (s *Server) track(cancel context.CancelFunc) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.nextID++
	id := s.nextID
	s.streams[id] = cancel
	return func() {
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
	}, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type listResponse struct {
	Items []record.Record `json:"items"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := remote.FetchOptions{
		Sort:   q.Get("sort"),
		Filter: q.Get("filter"),
		Expand: q.Get("expand"),
	}
	// Reject malformed options up front so they surface as 400, not 500.
	if _, err := remote.ParseFilter(opts.Filter); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID(r))
		return
	}
	if _, err := remote.ParseSort(opts.Sort); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID(r))
		return
	}

	items, err := s.store.Collection(r.PathValue("name")).FullList(r.Context(), opts)
	if err != nil {
		s.fail(w, r, "list", err)
		return
	}
	if items == nil {
		items = []record.Record{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.readRecord(w, r)
	if !ok {
		return
	}
	created, err := s.store.Collection(r.PathValue("name")).Create(r.Context(), payload)
	if err != nil {
		s.fail(w, r, "create", err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	patch, ok := s.readRecord(w, r)
	if !ok {
		return
	}
	updated, err := s.store.Collection(r.PathValue("name")).Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.fail(w, r, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Collection(r.PathValue("name")).Delete(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type changesResponse struct {
	Changes []sqlremote.Change `json:"changes"`
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	log, ok := s.store.(ChangeLog)
	if !ok {
		writeError(w, http.StatusNotImplemented, "not_implemented", "store has no change log", correlationID(r))
		return
	}
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "after must be a non-negative integer", correlationID(r))
			return
		}
		after = n
	}
	changes, err := log.Changes(r.Context(), r.PathValue("name"), after)
	if err != nil {
		s.fail(w, r, "changes", err)
		return
	}
	writeJSON(w, http.StatusOK, changesResponse{Changes: changes})
}

// message is one frame on the realtime stream. The first frame of a
// connection has type "connected" and is sent once the server-side
// subscription is registered.
type message struct {
	Type   string           `json:"type"`
	Action record.EventKind `json:"action,omitempty"`
	Record record.Record    `json:"record,omitempty"`
}

const (
	messageConnected = "connected"
	messageEvent     = "event"
)

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("collection")
	if name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "collection is required", correlationID(r))
		return
	}
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = remote.TopicAll
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "closing")

	// Clients never send frames; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := c.CloseRead(r.Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release, ok := s.track(cancel)
	if !ok {
		c.Close(websocket.StatusGoingAway, "server closed")
		return
	}
	defer release()

	connected := make(chan struct{})
	var once sync.Once
	handler := func(ev record.Event) {
		select {
		case <-connected:
		case <-ctx.Done():
			return
		}
		if err := s.write(ctx, c, message{Type: messageEvent, Action: ev.Kind, Record: ev.Record}); err != nil {
			once.Do(func() {
				s.logger.Debug("realtime write failed", "collection", name, "error", err)
			})
			cancel()
		}
	}

	unsubscribe, err := s.store.Collection(name).Subscribe(ctx, topic, handler)
	if err != nil {
		s.logger.Warn("realtime subscribe failed", "collection", name, "error", err)
		c.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer unsubscribe()

	if err := s.write(ctx, c, message{Type: messageConnected}); err != nil {
		return
	}
	close(connected)
	s.logger.Debug("realtime client connected", "collection", name, "topic", topic)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.logger.Debug("realtime ping failed", "collection", name, "error", err)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, c *websocket.Conn, m message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, m)
}

func (s *Server) readRecord(w http.ResponseWriter, r *http.Request) (record.Record, bool) {
	var rec record.Record
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid record body: %v", err), correlationID(r))
		return nil, false
	}
	if rec == nil {
		rec = record.Record{}
	}
	return rec, true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, remote.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID(r))
		return
	}
	s.logger.Error("request failed", "op", op, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID(r))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func correlationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return fmt.Sprintf("req_%d", time.Now().UnixNano())
}
