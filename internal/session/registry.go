// Package session maps client-chosen page names to engine pages. Sessions
// outlive the HTTP requests that use them: a client can create "main",
// disconnect, and pick the same tab up again later by name.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roelfdiedericks/devbrowser/internal/bus"
	"github.com/roelfdiedericks/devbrowser/internal/engine"
	"github.com/roelfdiedericks/devbrowser/internal/lifecycle"
	. "github.com/roelfdiedericks/devbrowser/internal/logging"
	. "github.com/roelfdiedericks/devbrowser/internal/metrics"
)

// Sentinel errors
var (
	ErrNotFound          = errors.New("page not found")
	ErrEngineUnavailable = errors.New("browser engine is not available")
)

// StateReader exposes the lifecycle state.
type StateReader interface {
	State() lifecycle.State
}

// Session is one named page.
type Session struct {
	Name      string
	CreatedAt time.Time

	page engine.Page

	mu      sync.Mutex
	lastURL string
}

// Page returns the engine handle.
func (s *Session) Page() engine.Page {
	return s.page
}

// URL reads the current URL from the engine and remembers it. When the
// engine can't answer, the last known URL is returned.
func (s *Session) URL() string {
	u, err := s.page.URL()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.lastURL = u
	}
	return s.lastURL
}

// Info is a (name, url) pair as listed to clients.
type Info struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Registry owns the name -> session mapping.
type Registry struct {
	engine engine.Engine
	state  StateReader
	bus    *bus.Bus
	spawn  lifecycle.GoFunc

	mu       sync.Mutex
	sessions map[string]*Session
	create   singleflight.Group
}

// NewRegistry creates an empty registry. bus may be nil. spawn runs the
// per-page close watchers; nil means lifecycle.Unsupervised.
func NewRegistry(e engine.Engine, state StateReader, b *bus.Bus, spawn lifecycle.GoFunc) *Registry {
	if spawn == nil {
		spawn = lifecycle.Unsupervised
	}
	return &Registry{
		engine:   e,
		state:    state,
		bus:      b,
		spawn:    spawn,
		sessions: make(map[string]*Session),
	}
}

// Get returns the named session.
func (r *Registry) Get(name string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[name]; ok {
		return s, nil
	}
	return nil, ErrNotFound
}

// GetOrCreate returns the named session, opening a new page for it on
// first reference. Concurrent first references share one page.
func (r *Registry) GetOrCreate(ctx context.Context, name string) (*Session, bool, error) {
	if name == "" {
		return nil, false, fmt.Errorf("name is required")
	}
	if s, err := r.Get(name); err == nil {
		return s, false, nil
	}

	v, err, _ := r.create.Do(name, func() (any, error) {
		// Lost a race with a create that finished between Get and Do
		if s, err := r.Get(name); err == nil {
			return s, nil
		}
		return r.open(ctx, name)
	})
	if err != nil {
		return nil, false, err
	}
	s := v.(*Session)
	return s, true, nil
}

func (r *Registry) available() bool {
	return r.state.State() == lifecycle.Running && r.engine.Status() == engine.StatusRunning
}

func (r *Registry) open(ctx context.Context, name string) (*Session, error) {
	if !r.available() {
		return nil, ErrEngineUnavailable
	}

	page, err := r.engine.NewPage(ctx)
	if err != nil {
		if !r.available() {
			return nil, ErrEngineUnavailable
		}
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	s := &Session{
		Name:      name,
		CreatedAt: time.Now(),
		page:      page,
		lastURL:   "about:blank",
	}

	r.mu.Lock()
	// Shutdown may have started while the page was being created
	if r.state.State() >= lifecycle.ShuttingDown {
		r.mu.Unlock()
		page.Close()
		L_debug("session: page created during shutdown, closed", "name", name)
		return nil, ErrEngineUnavailable
	}
	r.sessions[name] = s
	count := len(r.sessions)
	r.mu.Unlock()

	MetricInc("sessions", "created")
	MetricSet("sessions", "open", int64(count))
	r.spawn("session watcher "+name, func() { r.watch(s) })

	L_info("session: created", "name", name, "target", page.ID())
	r.bus.Publish(bus.TopicPageCreated, map[string]string{"name": name})
	return s, nil
}

// watch drops the session when its page closes out of band.
func (r *Registry) watch(s *Session) {
	<-s.page.Closed()

	r.mu.Lock()
	cur, ok := r.sessions[s.Name]
	removed := ok && cur == s
	if removed {
		delete(r.sessions, s.Name)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if removed {
		L_info("session: page closed out of band", "name", s.Name)
		MetricInc("sessions", "closed_out_of_band")
		MetricSet("sessions", "open", int64(count))
	}
	r.bus.Publish(bus.TopicPageClosed, map[string]string{"name": s.Name})
}

// List returns every live session with its current URL, sorted by name.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name < sessions[j].Name })

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Info{Name: s.Name, URL: s.URL()})
	}
	return out
}

// Names returns the session names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove closes the named session's page and forgets it.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	s, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	MetricInc("sessions", "closed")
	MetricSet("sessions", "open", int64(count))
	if err := s.page.Close(); err != nil {
		L_warn("session: page close failed", "name", name, "error", err)
	}
	L_info("session: closed", "name", name)
	return nil
}

// RemoveAll closes every page. It never fails; errors are logged.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for name, s := range sessions {
		if err := s.page.Close(); err != nil {
			L_warn("session: page close failed", "name", name, "error", err)
		}
	}
	if len(sessions) > 0 {
		L_info("session: closed all", "count", len(sessions))
		GetInstance().AddCounter("sessions", "closed", int64(len(sessions)))
		MetricSet("sessions", "open", 0)
	}
}
