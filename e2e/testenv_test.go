//go:build e2e

// Package e2e assembles the gateway the way serve does — real store, real
// broker, real handlers, real sync engine, real HTTP client — against an
// in-memory cloud shadow service. Inbound notifications are injected
// through the same entry point the MQTT session uses.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/shadowgate/internal/cloud"
	"github.com/tonimelisma/shadowgate/internal/ipc"
	"github.com/tonimelisma/shadowgate/internal/names"
	"github.com/tonimelisma/shadowgate/internal/pubsub"
	"github.com/tonimelisma/shadowgate/internal/shadow"
	"github.com/tonimelisma/shadowgate/internal/store"
	isync "github.com/tonimelisma/shadowgate/internal/sync"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))

	return len(p), nil
}

// waitFor polls cond until it holds or the deadline fires.
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal(msg)
}

// shadowService is an in-memory cloud shadow data plane. It speaks the
// same document semantics as the gateway: structural merge, optimistic
// version checks, monotonic versions.
type shadowService struct {
	mu       stdsync.Mutex
	docs     map[names.Key]*shadow.Document
	versions map[names.Key]int64

	gets    int
	updates int
	deletes int
}

func newShadowService() *shadowService {
	return &shadowService{
		docs:     make(map[names.Key]*shadow.Document),
		versions: make(map[names.Key]int64),
	}
}

func (s *shadowService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "things" || parts[2] != "shadow" {
		s.reply(w, http.StatusBadRequest, errorBody(http.StatusBadRequest, "unknown route"))
		return
	}

	key, err := names.NewKey(parts[1], r.URL.Query().Get("name"))
	if err != nil {
		s.reply(w, http.StatusBadRequest, errorBody(http.StatusBadRequest, err.Error()))
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, key)
	case http.MethodPost:
		body, rerr := io.ReadAll(r.Body)
		if rerr != nil {
			s.reply(w, http.StatusBadRequest, errorBody(http.StatusBadRequest, rerr.Error()))
			return
		}

		s.handleUpdate(w, key, body)
	case http.MethodDelete:
		s.handleDelete(w, key)
	default:
		s.reply(w, http.StatusMethodNotAllowed, errorBody(http.StatusMethodNotAllowed, "method not allowed"))
	}
}

func (s *shadowService) handleGet(w http.ResponseWriter, key names.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gets++

	doc, ok := s.docs[key]
	if !ok {
		s.reply(w, http.StatusNotFound, notFoundBody(key))
		return
	}

	data, err := doc.Render(true)
	if err != nil {
		s.reply(w, http.StatusInternalServerError, errorBody(http.StatusInternalServerError, err.Error()))
		return
	}

	s.reply(w, http.StatusOK, data)
}

func (s *shadowService) handleUpdate(w http.ResponseWriter, key names.Key, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updates++

	u, err := shadow.ParseUpdate(payload)
	if err != nil {
		s.reply(w, http.StatusBadRequest, errorBody(http.StatusBadRequest, err.Error()))
		return
	}

	next := s.versions[key] + 1

	if err := u.ValidateVersion(next); err != nil {
		s.reply(w, http.StatusConflict, errorBody(http.StatusConflict, "Version conflict"))
		return
	}

	doc, _ := shadow.Merge(s.docs[key], u, next, time.Now().Unix())
	s.docs[key] = doc
	s.versions[key] = next

	data, err := doc.Render(true)
	if err != nil {
		s.reply(w, http.StatusInternalServerError, errorBody(http.StatusInternalServerError, err.Error()))
		return
	}

	s.reply(w, http.StatusOK, data)
}

func (s *shadowService) handleDelete(w http.ResponseWriter, key names.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deletes++

	if _, ok := s.docs[key]; !ok {
		s.reply(w, http.StatusNotFound, notFoundBody(key))
		return
	}

	delete(s.docs, key)

	body, _ := json.Marshal(map[string]int64{
		"version":   s.versions[key],
		"timestamp": time.Now().Unix(),
	})
	s.reply(w, http.StatusOK, body)
}

func (s *shadowService) reply(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func errorBody(code int, message string) []byte {
	body, _ := json.Marshal(map[string]any{"code": code, "message": message})
	return body
}

func notFoundBody(key names.Key) []byte {
	return errorBody(http.StatusNotFound, "No shadow exists with name: "+key.String())
}

// seed installs a cloud-side document at the given version, as if earlier
// updates had landed there directly.
func (s *shadowService) seed(t *testing.T, key names.Key, version int64, raw string) {
	t.Helper()

	doc, err := shadow.ParseDocument([]byte(raw))
	require.NoError(t, err)
	doc.Version = version

	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[key] = doc
	s.versions[key] = version
}

func (s *shadowService) document(key names.Key) *shadow.Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		return nil
	}

	return doc.Clone()
}

func (s *shadowService) counts() (gets, updates, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.gets, s.updates, s.deletes
}

// env is one assembled gateway instance wired to a shadowService.
type env struct {
	store    *store.Store
	broker   *pubsub.Broker
	handlers *ipc.Handlers
	engine   *isync.Engine
	cloud    *shadowService
	ctx      context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()

	logger := testLogger(t)

	st, err := store.Open(filepath.Join(t.TempDir(), "shadows.db"), store.Options{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	broker := pubsub.New(logger)
	t.Cleanup(broker.Close)

	handlers, err := ipc.New(ipc.Options{
		Store:     st,
		Publisher: broker,
		Logger:    logger,
	})
	require.NoError(t, err)

	service := newShadowService()
	srv := httptest.NewServer(service)
	t.Cleanup(srv.Close)

	client := cloud.NewClient(srv.URL, nil, nil, 5*time.Second, logger)

	eng, err := isync.New(isync.Options{
		Store:   st,
		Cloud:   client,
		Local:   handlers,
		Logger:  logger,
		Workers: 2,
		// Short backoff keeps conflict-retry flows fast.
		SleepFunc: func(ctx context.Context, _ time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
				return nil
			}
		},
	})
	require.NoError(t, err)

	handlers.SetSync(eng)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &env{
		store:    st,
		broker:   broker,
		handlers: handlers,
		engine:   eng,
		cloud:    service,
		ctx:      ctx,
	}
}

// start runs the engine over the given sync set. Tests that never touch the
// cloud skip it; local operations work either way.
func (e *env) start(t *testing.T, keys ...names.Key) {
	t.Helper()

	e.engine.Start(e.ctx, keys)
	t.Cleanup(func() { e.engine.Stop(false) })
}

func (e *env) update(t *testing.T, key names.Key, payload string) []byte {
	t.Helper()

	reply, err := e.handlers.UpdateThingShadow(e.ctx, "client-a", key.Thing, key.Shadow, []byte(payload))
	require.NoError(t, err)

	return reply
}

func (e *env) get(t *testing.T, key names.Key) []byte {
	t.Helper()

	reply, err := e.handlers.GetThingShadow(e.ctx, "client-a", key.Thing, key.Shadow)
	require.NoError(t, err)

	return reply
}

func (e *env) localDocument(t *testing.T, key names.Key) *shadow.Document {
	t.Helper()

	row, err := e.store.GetDocument(context.Background(), key)
	require.NoError(t, err)

	if row == nil {
		return nil
	}

	doc, err := shadow.ParseDocument(row.Document)
	require.NoError(t, err)

	return doc
}

func (e *env) syncInfo(t *testing.T, key names.Key) *store.SyncInfo {
	t.Helper()

	info, err := e.store.GetSyncInfo(context.Background(), key)
	require.NoError(t, err)

	return info
}

// subscribe collects messages published on one local topic.
func (e *env) subscribe(t *testing.T, topic string) func() [][]byte {
	t.Helper()

	ch, unsubscribe := e.broker.Subscribe(topic, 16)
	t.Cleanup(unsubscribe)

	return func() [][]byte {
		var out [][]byte

		for {
			select {
			case msg := <-ch:
				out = append(out, msg.Payload)
			default:
				return out
			}
		}
	}
}

func mustKey(t *testing.T, thing, shadowName string) names.Key {
	t.Helper()

	key, err := names.NewKey(thing, shadowName)
	require.NoError(t, err)

	return key
}
