package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/devbrowser/internal/bus"
	"github.com/roelfdiedericks/devbrowser/internal/engine/enginetest"
	"github.com/roelfdiedericks/devbrowser/internal/lifecycle"
	"github.com/roelfdiedericks/devbrowser/internal/scratch"
	"github.com/roelfdiedericks/devbrowser/internal/session"
)

type shutdownRecorder struct {
	mu       sync.Mutex
	triggers []lifecycle.Trigger
}

func (s *shutdownRecorder) RequestShutdown(trigger lifecycle.Trigger, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, trigger)
}

func (s *shutdownRecorder) Triggers() []lifecycle.Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]lifecycle.Trigger(nil), s.triggers...)
}

type harness struct {
	engine   *enginetest.Engine
	registry *session.Registry
	shutdown *shutdownRecorder
	scratch  *scratch.Dir
	bus      *bus.Bus
	router   *Router
	server   *Server
	ts       *httptest.Server
}

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		engine:   enginetest.New(),
		shutdown: &shutdownRecorder{},
		bus:      bus.New(),
	}
	state := &lifecycle.Tracker{}
	state.Advance(lifecycle.Running)
	h.registry = session.NewRegistry(h.engine, state, h.bus, nil)

	dir, err := scratch.New(t.TempDir())
	require.NoError(t, err)
	h.scratch = dir

	h.router = NewRouter(RouterOptions{
		Sessions:          h.registry,
		Engine:            h.engine,
		Shutdown:          h.shutdown,
		Scratch:           h.scratch,
		NavigationTimeout: time.Second,
		Now:               func() time.Time { return fixedNow },
	})
	h.server = NewServer(ServerConfig{Listen: "127.0.0.1:0"}, h.router, h.bus)
	h.ts = httptest.NewServer(h.server.Handler())
	t.Cleanup(func() {
		h.ts.Close()
		h.bus.Wait()
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	require.NoError(t, err)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp.StatusCode, out
}

func TestEndToEnd(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, h.engine.Endpoint(), body["wsEndpoint"])
	assert.Empty(t, body["pages"])

	status, body = h.do(t, http.MethodPost, "/pages", map[string]string{"name": "main"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "main", body["name"])
	assert.Equal(t, "about:blank", body["url"])
	assert.Equal(t, h.engine.Endpoint(), body["wsEndpoint"])
	assert.NotEmpty(t, body["targetId"])

	status, body = h.do(t, http.MethodPost, "/pages/main/goto", map[string]string{"url": "https://example.com"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://example.com/", body["url"])
	assert.Equal(t, "Example Domain", body["title"])

	status, body = h.do(t, http.MethodPost, "/pages/main/evaluate", map[string]string{"script": "document.title"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Example Domain", body["result"])

	status, body = h.do(t, http.MethodGet, "/pages", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{map[string]any{"name": "main", "url": "https://example.com/"}}, body["pages"])

	status, body = h.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"main"}, body["pages"])

	status, body = h.do(t, http.MethodDelete, "/pages/main", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 0, h.engine.OpenPages())

	status, body = h.do(t, http.MethodDelete, "/pages/main", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Page not found", body["error"])
}

func TestCreateIsIdempotent(t *testing.T) {
	h := newHarness(t)

	_, first := h.do(t, http.MethodPost, "/pages", map[string]string{"name": "main"})
	_, second := h.do(t, http.MethodPost, "/pages", map[string]string{"name": "main"})
	assert.Equal(t, first["targetId"], second["targetId"])
	assert.Equal(t, 1, h.engine.Created())
}

func TestUnknownPage(t *testing.T) {
	h := newHarness(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/pages/ghost/goto"},
		{http.MethodPost, "/pages/ghost/evaluate"},
		{http.MethodPost, "/pages/ghost/screenshot"},
		{http.MethodPost, "/pages/ghost/click"},
		{http.MethodPost, "/pages/ghost/type"},
		{http.MethodGet, "/pages/ghost/content"},
		{http.MethodGet, "/pages/ghost/snapshot"},
		{http.MethodGet, "/pages/ghost/text"},
		{http.MethodDelete, "/pages/ghost"},
	} {
		status, body := h.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, status, "%s %s", tc.method, tc.path)
		assert.Equal(t, "Page not found", body["error"], "%s %s", tc.method, tc.path)
	}
	// Page operations never create sessions
	assert.Equal(t, 0, h.engine.Created())
}

func TestUnmatchedRoutes(t *testing.T) {
	h := newHarness(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/nope"},
		{http.MethodPut, "/pages"},
		{http.MethodGet, "/pages/main/goto"},
		{http.MethodPost, "/pages/main/content"},
		{http.MethodGet, "/shutdown"},
		{http.MethodPost, "/pages/a/b/goto"},
	} {
		status, body := h.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, status, "%s %s", tc.method, tc.path)
		assert.Equal(t, "Not found", body["error"], "%s %s", tc.method, tc.path)
	}
}

func TestPreflightAndCORS(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodOptions, h.ts.URL+"/pages/anything/goto", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, DELETE, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", resp.Header.Get("Access-Control-Allow-Headers"))

	// Errors carry CORS headers too
	resp, err = http.Get(h.ts.URL + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestValidation(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/pages", map[string]string{"name": "main"})

	for _, tc := range []struct {
		name   string
		method string
		path   string
		body   any
		errMsg string
	}{
		{"missing name", http.MethodPost, "/pages", map[string]string{}, "name is required"},
		{"empty name", http.MethodPost, "/pages", map[string]string{"name": ""}, "name is required"},
		{"no body", http.MethodPost, "/pages", nil, "name is required"},
		{"bad json", http.MethodPost, "/pages", "{not json", "invalid JSON body"},
		{"missing url", http.MethodPost, "/pages/main/goto", map[string]string{}, "url is required"},
		{"bad waitUntil", http.MethodPost, "/pages/main/goto", map[string]string{"url": "https://example.com", "waitUntil": "never"}, "waitUntil"},
		{"missing script", http.MethodPost, "/pages/main/evaluate", map[string]string{}, "script is required"},
		{"missing selector", http.MethodPost, "/pages/main/click", map[string]string{}, "selector is required"},
		{"type missing text", http.MethodPost, "/pages/main/type", map[string]string{"selector": "#q"}, "text is required"},
		{"type missing selector", http.MethodPost, "/pages/main/type", map[string]string{"text": "x"}, "selector is required"},
		{"bad format", http.MethodGet, "/pages/main/text?format=pdf", nil, "format"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			status, body := h.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Contains(t, body["error"], tc.errMsg)
		})
	}
	assert.Equal(t, 1, h.engine.Created())
}

func TestTypeAcceptsEmptyText(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/pages", map[string]string{"name": "main"})

	status, body := h.do(t, http.MethodPost, "/pages/main/type", map[string]string{"selector": "#q", "text": ""})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
}

func TestEngineFailuresAre500(t *testing.T) {
	h := newHarness(t)
	h.engine.Elements = map[string]bool{"#there": true}
	h.do(t, http.MethodPost, "/pages", map[string]string{"name": "main"})

	status, body := h.do(t, http.MethodPost, "/pages/main/goto", map[string]string{"url": "not a url"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, body["error"], "invalid URL")

	status, body = h.do(t, http.MethodPost, "/pages/main/click", map[string]string{"selector": "#missing"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "no element found for selector: #missing", body["error"])

	h.engine.Eval = func(*enginetest.Page, string) (any, error) {
		return nil, errors.New("ReferenceError: nope is not defined")
	}
	status, body = h.do(t, http.MethodPost, "/pages/main/evaluate", map[string]string{"script": "nope()"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, body["error"], "ReferenceError")

	// The session survives operation failures
	status, _ = h.do(t, http.MethodPost, "/pages/main/click", map[string]string{"selector": "#there"})
	assert.Equal(t, http.StatusOK, status)
}

func TestNavigationTimeout(t *testing.T) {
	h := newHarness(t)
	h.engine.NavigateDelay = 5 * time.Second
	h.do(t, http.MethodPost, "/pages", map[string]string{"name": "main"})

	status, body := h.do(t, http.MethodPost, "/pages/main/goto", map[string]string{"url": "https://example.com"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "navigation timeout of 1000 ms exceeded", body["error"])
}

func TestPanicBecomes500(t *testing.T) {
	h := newHarness(t)
	h.engine.Eval = func(*enginetest.Page, string) (any, error) {
		panic("boom")
	}
	h.do(t, http.MethodPost, "/pages", map[string]string{"name": "main"})

	status, body := h.do(t, http.MethodPost, "/pages/main/evaluate", map[string]string{"script": "1"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "boom", body["error"])

	// Still serving
	status, _ = h.do(t, http.MethodGet, "/pages", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestUnencodableResultIs500(t *testing.T) {
	h := newHarness(t)
	h.engine.Eval = func(*enginetest.Page, string) (any, error) {
		return func() {}, nil
	}
	h.do(t, http.MethodPost, "/pages", map[string]string{"name": "main"})

	status, body := h.do(t, http.MethodPost, "/pages/main/evaluate", map[string]string{"script": "1"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, body["error"], "failed to encode response")
}

func TestEscapedNames(t *testing.T) {
	h := newHarness(t)

	status, _ := h.do(t, http.MethodPost, "/pages", map[string]string{"name": "my page/1"})
	require.Equal(t, http.StatusOK, status)

	status, body := h.do(t, http.MethodPost, "/pages/my%20page%2F1/goto", map[string]string{"url": "https://example.com"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Example Domain", body["title"])

	status, _ = h.do(t, http.MethodDelete, "/pages/my%20page%2F1", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, h.registry.Names())
}

func TestScreenshot(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/pages", map[string]string{"name": "main"})

	status, body := h.do(t, http.MethodPost, "/pages/main/screenshot", nil)
	require.Equal(t, http.StatusOK, status)
	want := filepath.Join(h.scratch.Path(), "main-"+strconv.FormatInt(fixedNow.UnixMilli(), 10)+".png")
	assert.Equal(t, want, body["path"])
	assert.FileExists(t, want)

	explicit := filepath.Join(t.TempDir(), "shots", "x.png")
	status, body = h.do(t, http.MethodPost, "/pages/main/screenshot", map[string]any{"path": explicit, "fullPage": true})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, explicit, body["path"])
	data, err := os.ReadFile(explicit)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
}

func TestClickAndType(t *testing.T) {
	h := newHarness(t)
	_, created := h.do(t, http.MethodPost, "/pages", map[string]string{"name": "form"})
	require.NotNil(t, created)

	status, _ := h.do(t, http.MethodPost, "/pages/form/type", map[string]string{"selector": "#q", "text": "hello"})
	require.Equal(t, http.StatusOK, status)
	status, _ = h.do(t, http.MethodPost, "/pages/form/click", map[string]string{"selector": "button"})
	require.Equal(t, http.StatusOK, status)

	s, err := h.registry.Get("form")
	require.NoError(t, err)
	page := s.Page().(*enginetest.Page)
	assert.Equal(t, "hello", page.Typed("#q"))
	assert.Equal(t, []string{"button"}, page.Clicks())
}

func TestContentSnapshotAndText(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/pages", map[string]string{"name": "main"})
	h.do(t, http.MethodPost, "/pages/main/goto", map[string]string{"url": "https://example.com", "waitUntil": "load"})

	status, body := h.do(t, http.MethodGet, "/pages/main/content", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body["content"], "<h1>Example Domain</h1>")

	status, body = h.do(t, http.MethodGet, "/pages/main/snapshot", nil)
	require.Equal(t, http.StatusOK, status)
	snap := body["snapshot"].(map[string]any)
	assert.Equal(t, "RootWebArea", snap["role"])
	assert.Equal(t, "Example Domain", snap["name"])

	status, body = h.do(t, http.MethodGet, "/pages/main/text", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Example Domain", body["title"])
	assert.Contains(t, body["text"], "illustrative examples")

	status, body = h.do(t, http.MethodGet, "/pages/main/text?format=markdown", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body["text"], "# Example Domain")
}

func TestOutOfBandCloseRemovesSession(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/pages", map[string]string{"name": "main"})

	s, err := h.registry.Get("main")
	require.NoError(t, err)
	s.Page().(*enginetest.Page).CloseOutOfBand()

	require.Eventually(t, func() bool {
		status, _ := h.do(t, http.MethodPost, "/pages/main/evaluate", map[string]string{"script": "1"})
		return status == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownEndpoint(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(t, http.MethodPost, "/shutdown", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []lifecycle.Trigger{lifecycle.TriggerRequest}, h.shutdown.Triggers())
}

func TestHandleDirect(t *testing.T) {
	h := newHarness(t)

	resp := h.router.Handle(context.Background(), Request{Method: http.MethodOptions, Path: "/whatever"})
	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Nil(t, resp.Body)

	resp = h.router.Handle(context.Background(), Request{Method: http.MethodGet, Path: "/pages/%zz/content"})
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, errorBody{Error: "Not found"}, resp.Body)
}

func TestClientHangupDoesNotCancelWork(t *testing.T) {
	h := newHarness(t)
	h.engine.NavigateDelay = 200 * time.Millisecond
	h.do(t, http.MethodPost, "/pages", map[string]string{"name": "main"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.ts.URL+"/pages/main/goto",
		strings.NewReader(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	_, err = http.DefaultClient.Do(req)
	require.Error(t, err)

	// Navigation still completes server-side
	s, err := h.registry.Get("main")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.URL() == "https://example.com/"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)

	status, _ := h.do(t, http.MethodGet, "/pages", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = h.do(t, http.MethodDelete, "/pages/ghost", nil)
	require.Equal(t, http.StatusNotFound, status)

	status, body := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	all, ok := body["metrics"].(map[string]any)
	require.True(t, ok, "body: %v", body)

	timing, ok := all["http/GET pages:timing"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "timing", timing["type"])

	result, ok := all["http/DELETE pages.name:result"].(map[string]any)
	require.True(t, ok)
	data := result["data"].(map[string]any)
	assert.GreaterOrEqual(t, data["failures"], float64(1))
	reasons := data["reasons"].(map[string]any)
	assert.GreaterOrEqual(t, reasons["404"], float64(1))
}

func TestServeHTTPWithoutBody(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodGet, "/pages", nil)
	require.NoError(t, err)
	require.Nil(t, req.Body)

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pages":[]}`, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
