package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roelfdiedericks/devbrowser/internal/lifecycle"
	. "github.com/roelfdiedericks/devbrowser/internal/logging"
	. "github.com/roelfdiedericks/devbrowser/internal/metrics"
	"github.com/roelfdiedericks/devbrowser/internal/scratch"
	"github.com/roelfdiedericks/devbrowser/internal/session"
)

// ErrInvalidInput marks a missing or malformed request field.
var ErrInvalidInput = errors.New("invalid input")

// maxBodyBytes bounds request bodies (scripts can be large).
const maxBodyBytes = 10 << 20

type inputError struct{ msg string }

func (e *inputError) Error() string        { return e.msg }
func (e *inputError) Is(target error) bool { return target == ErrInvalidInput }

func badRequest(format string, args ...any) error {
	return &inputError{msg: fmt.Sprintf(format, args...)}
}

// Sessions is the registry surface the router uses.
type Sessions interface {
	GetOrCreate(ctx context.Context, name string) (*session.Session, bool, error)
	Get(name string) (*session.Session, error)
	List() []session.Info
	Names() []string
	Remove(name string) error
}

// Endpointer reports the engine's CDP endpoint.
type Endpointer interface {
	Endpoint() string
}

// Shutdowner schedules a shutdown without waiting for it.
type Shutdowner interface {
	RequestShutdown(trigger lifecycle.Trigger, reason string)
}

// RouterOptions wires the router to the rest of the server.
type RouterOptions struct {
	Sessions          Sessions
	Engine            Endpointer
	Shutdown          Shutdowner
	Scratch           *scratch.Dir
	NavigationTimeout time.Duration
	// Now is the clock used for default screenshot names.
	Now func() time.Time
}

// Request is a transport-independent API request.
type Request struct {
	Method string
	Path   string // raw (still escaped) path
	Query  url.Values
	Body   []byte
}

// Response is the API's answer. A nil Body means no body.
type Response struct {
	Status int
	Body   any
}

type errorBody struct {
	Error string `json:"error"`
}

// call is one matched request.
type call struct {
	params map[string]string
	query  url.Values
	body   []byte
}

// decode unmarshals the JSON object body into v. An empty body decodes as {}.
func (c *call) decode(v any) error {
	if len(bytes.TrimSpace(c.body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.body, v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

type handlerFunc func(ctx context.Context, c *call) (any, error)

type route struct {
	method  string
	pattern []string // literal segments, or ":param"
	label   string   // metrics function name
	handle  handlerFunc
}

// Router maps API requests to registry and engine operations. Every
// failure, including a panic, comes back as a JSON error response.
type Router struct {
	opts   RouterOptions
	routes []route
}

// NewRouter creates the API router.
func NewRouter(opts RouterOptions) *Router {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rt := &Router{opts: opts}

	rt.add(http.MethodGet, "/", rt.handleInfo)
	rt.add(http.MethodGet, "/pages", rt.handleList)
	rt.add(http.MethodPost, "/pages", rt.handleCreate)
	rt.add(http.MethodDelete, "/pages/:name", rt.handleClose)
	rt.add(http.MethodPost, "/pages/:name/goto", rt.handleGoto)
	rt.add(http.MethodPost, "/pages/:name/evaluate", rt.handleEvaluate)
	rt.add(http.MethodPost, "/pages/:name/screenshot", rt.handleScreenshot)
	rt.add(http.MethodPost, "/pages/:name/click", rt.handleClick)
	rt.add(http.MethodPost, "/pages/:name/type", rt.handleType)
	rt.add(http.MethodGet, "/pages/:name/content", rt.handleContent)
	rt.add(http.MethodGet, "/pages/:name/snapshot", rt.handleSnapshot)
	rt.add(http.MethodGet, "/pages/:name/text", rt.handleText)
	rt.add(http.MethodPost, "/shutdown", rt.handleShutdown)
	rt.add(http.MethodGet, "/metrics", rt.handleMetrics)

	return rt
}

func (rt *Router) add(method, path string, h handlerFunc) {
	var pattern []string
	if p := strings.Trim(path, "/"); p != "" {
		pattern = strings.Split(p, "/")
	}
	rt.routes = append(rt.routes, route{method: method, pattern: pattern, label: RouteLabel(method, path), handle: h})
}

// splitPath splits an escaped path into unescaped segments.
func splitPath(escaped string) ([]string, error) {
	p := strings.Trim(escaped, "/")
	if p == "" {
		return nil, nil
	}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		s, err := url.PathUnescape(part)
		if err != nil {
			return nil, err
		}
		parts[i] = s
	}
	return parts, nil
}

func (r route) match(segs []string) (map[string]string, bool) {
	if len(segs) != len(r.pattern) {
		return nil, false
	}
	var params map[string]string
	for i, p := range r.pattern {
		if strings.HasPrefix(p, ":") {
			if params == nil {
				params = make(map[string]string)
			}
			params[p[1:]] = segs[i]
			continue
		}
		if p != segs[i] {
			return nil, false
		}
	}
	return params, true
}

// Handle runs one request. It never panics.
func (rt *Router) Handle(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			L_error("http: handler panic", "method", req.Method, "path", req.Path, "panic", r, "request", requestID(ctx))
			resp = errorResponse(http.StatusInternalServerError, fmt.Sprint(r))
		}
	}()

	if req.Method == http.MethodOptions {
		return Response{Status: http.StatusNoContent}
	}

	segs, err := splitPath(req.Path)
	if err != nil {
		return errorResponse(http.StatusNotFound, "Not found")
	}

	for _, r := range rt.routes {
		if r.method != req.Method {
			continue
		}
		params, ok := r.match(segs)
		if !ok {
			continue
		}
		start := time.Now()
		body, err := r.handle(ctx, &call{params: params, query: req.Query, body: req.Body})
		MetricSince("http", r.label, start)
		if err != nil {
			resp = rt.failure(ctx, req, err)
			MetricFailWithReason("http", r.label, strconv.Itoa(resp.Status))
			return resp
		}
		MetricSuccess("http", r.label)
		return Response{Status: http.StatusOK, Body: body}
	}
	return errorResponse(http.StatusNotFound, "Not found")
}

func (rt *Router) failure(ctx context.Context, req Request, err error) Response {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return errorResponse(http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotFound):
		return errorResponse(http.StatusNotFound, "Page not found")
	default:
		L_warn("http: operation failed", "method", req.Method, "path", req.Path, "error", err, "request", requestID(ctx))
		return errorResponse(http.StatusInternalServerError, err.Error())
	}
}

func errorResponse(status int, msg string) Response {
	return Response{Status: status, Body: errorBody{Error: msg}}
}

// ServeHTTP adapts the router to net/http with CORS headers and JSON bodies.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeResponse(w, errorResponse(http.StatusBadRequest, "failed to read body: "+err.Error()))
			return
		}
	}

	// Engine work continues when the client hangs up; sessions outlive
	// connections.
	ctx := context.WithoutCancel(r.Context())
	resp := rt.Handle(ctx, Request{
		Method: r.Method,
		Path:   r.URL.EscapedPath(),
		Query:  r.URL.Query(),
		Body:   body,
	})
	writeResponse(w, resp)
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeResponse(w http.ResponseWriter, resp Response) {
	if resp.Body == nil {
		w.WriteHeader(resp.Status)
		return
	}
	data, err := json.Marshal(resp.Body)
	if err != nil {
		L_error("http: failed to encode response", "error", err)
		resp.Status = http.StatusInternalServerError
		data, _ = json.Marshal(errorBody{Error: "failed to encode response: " + err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	w.Write(data)
}
