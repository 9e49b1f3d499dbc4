// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roelfdiedericks/devbrowser/internal/engine"
)

// Engine is a fake engine.Engine. Fields may be set before use.
type Engine struct {
	// Titles maps a normalized URL to the title Navigate reports.
	Titles map[string]string
	// HTML maps a normalized URL to the markup Content returns.
	HTML map[string]string
	// Elements, when non-nil, is the set of selectors Click/Type can find.
	Elements map[string]bool
	// Eval, when set, answers Evaluate.
	Eval func(p *Page, script string) (any, error)
	// BeforeNewPage runs inside NewPage before the page exists.
	BeforeNewPage func()
	// NavigateDelay is how long Navigate takes.
	NavigateDelay time.Duration
	// NewPageErr makes NewPage fail.
	NewPageErr error

	mu       sync.Mutex
	status   engine.Status
	pages    map[string]*Page
	nextID   int
	created  atomic.Int32
	closes   atomic.Int32
	gone     chan struct{}
	goneOnce sync.Once
}

var _ engine.Engine = (*Engine)(nil)

// New returns a running fake engine that knows example.com.
func New() *Engine {
	return &Engine{
		Titles: map[string]string{
			"https://example.com/": "Example Domain",
		},
		HTML: map[string]string{
			"https://example.com/": `<html><head><title>Example Domain</title></head><body><div><h1>Example Domain</h1>` +
				`<p>This domain is for use in illustrative examples in documents. You may use this domain in literature without prior coordination or asking for permission.</p>` +
				`<p><a href="https://www.iana.org/domains/example">More information...</a></p></div></body></html>`,
		},
		status: engine.StatusRunning,
		pages:  make(map[string]*Page),
		gone:   make(chan struct{}),
	}
}

func (e *Engine) Endpoint() string {
	return "ws://127.0.0.1:9229/devtools/browser/fake"
}

func (e *Engine) Status() engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) Disconnected() <-chan struct{} {
	return e.gone
}

func (e *Engine) NewPage(ctx context.Context) (engine.Page, error) {
	if e.BeforeNewPage != nil {
		e.BeforeNewPage()
	}
	if e.NewPageErr != nil {
		return nil, e.NewPageErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != engine.StatusRunning {
		return nil, fmt.Errorf("engine is %s", e.status)
	}
	e.nextID++
	p := &Page{
		id:     fmt.Sprintf("target-%d", e.nextID),
		url:    "about:blank",
		engine: e,
		typed:  make(map[string]string),
		closed: make(chan struct{}),
	}
	e.pages[p.id] = p
	e.created.Add(1)
	return p, nil
}

// Close shuts the fake down and closes every page.
func (e *Engine) Close() error {
	e.closes.Add(1)
	e.Disconnect()
	return nil
}

// Disconnect simulates the browser going away.
func (e *Engine) Disconnect() {
	e.goneOnce.Do(func() {
		e.mu.Lock()
		e.status = engine.StatusDisconnected
		pages := e.pages
		e.pages = make(map[string]*Page)
		e.mu.Unlock()

		for _, p := range pages {
			p.markClosed()
		}
		close(e.gone)
	})
}

// Created is the number of pages ever created.
func (e *Engine) Created() int {
	return int(e.created.Load())
}

// Closes is the number of times Close was called.
func (e *Engine) Closes() int {
	return int(e.closes.Load())
}

// OpenPages is the number of pages not yet closed.
func (e *Engine) OpenPages() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pages)
}

// Page is a fake engine.Page.
type Page struct {
	id     string
	engine *Engine

	mu    sync.Mutex
	url   string
	title string
	typed map[string]string
	click []string

	closed chan struct{}
	once   sync.Once
}

var _ engine.Page = (*Page)(nil)

func (p *Page) markClosed() {
	p.once.Do(func() { close(p.closed) })
}

func (p *Page) alive() error {
	select {
	case <-p.closed:
		return engine.ErrPageClosed
	default:
		return nil
	}
}

func (p *Page) ID() string              { return p.id }
func (p *Page) Closed() <-chan struct{} { return p.closed }

func (p *Page) URL() (string, error) {
	if err := p.alive(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	if err := p.alive(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *Page) Navigate(ctx context.Context, raw string, wait engine.WaitUntil, timeout time.Duration) error {
	if err := p.alive(); err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("cannot navigate to invalid URL: %q", raw)
	}
	if u.Path == "" && u.Host != "" {
		u.Path = "/"
	}

	if d := p.engine.NavigateDelay; d > 0 {
		if d > timeout && timeout > 0 {
			return fmt.Errorf("navigation timeout of %d ms exceeded", timeout.Milliseconds())
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closed:
			return engine.ErrPageClosed
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u.String()
	p.title = p.engine.Titles[p.url]
	return nil
}

func (p *Page) Evaluate(ctx context.Context, script string) (any, error) {
	if err := p.alive(); err != nil {
		return nil, err
	}
	if p.engine.Eval != nil {
		return p.engine.Eval(p, script)
	}
	switch strings.TrimSpace(script) {
	case "document.title":
		return p.Title(ctx)
	case "location.href", "window.location.href":
		return p.URL()
	}
	return nil, nil
}

func (p *Page) Screenshot(ctx context.Context, path string, fullPage bool) error {
	if err := p.alive(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

func (p *Page) find(selector string) error {
	if err := p.alive(); err != nil {
		return err
	}
	if p.engine.Elements != nil && !p.engine.Elements[selector] {
		return fmt.Errorf("no element found for selector: %s", selector)
	}
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.find(selector); err != nil {
		return err
	}
	p.mu.Lock()
	p.click = append(p.click, selector)
	p.mu.Unlock()
	return nil
}

func (p *Page) Type(ctx context.Context, selector, text string) error {
	if err := p.find(selector); err != nil {
		return err
	}
	p.mu.Lock()
	p.typed[selector] += text
	p.mu.Unlock()
	return nil
}

// Typed returns the text typed into selector so far.
func (p *Page) Typed(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[selector]
}

// Clicks returns the selectors clicked so far.
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.click...)
}

func (p *Page) Content(ctx context.Context) (string, error) {
	if err := p.alive(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if html, ok := p.engine.HTML[p.url]; ok {
		return html, nil
	}
	return "<html><head></head><body></body></html>", nil
}

func (p *Page) Snapshot(ctx context.Context) (*engine.AXNode, error) {
	if err := p.alive(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	root := &engine.AXNode{Role: "RootWebArea", Name: p.title}
	if p.title != "" {
		root.Children = []*engine.AXNode{{Role: "heading", Name: p.title}}
	}
	return root, nil
}

func (p *Page) Close() error {
	p.engine.mu.Lock()
	delete(p.engine.pages, p.id)
	p.engine.mu.Unlock()
	p.markClosed()
	return nil
}

// CloseOutOfBand closes the page as if the user closed the tab.
func (p *Page) CloseOutOfBand() {
	p.Close()
}
