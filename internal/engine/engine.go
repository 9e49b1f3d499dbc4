// Package engine wraps the browser automation engine behind a small set of
// page primitives. The rod implementation launches (or attaches to) exactly
// one Chrome process for the lifetime of the server.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors
var (
	ErrNoExecutable = errors.New("no browser executable found")
	ErrPageClosed   = errors.New("page is closed")
)

// Status of the engine instance. Disconnected is terminal.
type Status int

const (
	StatusStarting Status = iota
	StatusRunning
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// WaitUntil is the navigation completion condition.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle0     WaitUntil = "networkidle0"
	WaitNetworkIdle2     WaitUntil = "networkidle2"

	DefaultWaitUntil = WaitDOMContentLoaded
)

// ParseWaitUntil validates a waitUntil value. Empty means DefaultWaitUntil.
func ParseWaitUntil(s string) (WaitUntil, error) {
	switch w := WaitUntil(strings.ToLower(strings.TrimSpace(s))); w {
	case "":
		return DefaultWaitUntil, nil
	case WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle0, WaitNetworkIdle2:
		return w, nil
	default:
		return "", fmt.Errorf("waitUntil must be one of load, domcontentloaded, networkidle0, networkidle2")
	}
}

// Engine is the single browser instance.
type Engine interface {
	// Endpoint is the CDP websocket URL clients can attach to.
	Endpoint() string
	Status() Status
	NewPage(ctx context.Context) (Page, error)
	// Disconnected is closed once the engine is gone, whether it crashed,
	// the socket dropped or Close was called.
	Disconnected() <-chan struct{}
	Close() error
}

// Page is one browser tab.
type Page interface {
	ID() string
	URL() (string, error)
	Title(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string, wait WaitUntil, timeout time.Duration) error
	Evaluate(ctx context.Context, script string) (any, error)
	Screenshot(ctx context.Context, path string, fullPage bool) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Content(ctx context.Context) (string, error)
	Snapshot(ctx context.Context) (*AXNode, error)
	Close() error
	// Closed is closed when the tab goes away, including out-of-band closes.
	Closed() <-chan struct{}
}

// AXNode is one node of the accessibility snapshot.
type AXNode struct {
	Role        string    `json:"role"`
	Name        string    `json:"name"`
	Value       any       `json:"value,omitempty"`
	Description string    `json:"description,omitempty"`
	Children    []*AXNode `json:"children,omitempty"`
}
