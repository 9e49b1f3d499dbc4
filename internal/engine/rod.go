package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/roelfdiedericks/devbrowser/internal/config"
	"github.com/roelfdiedericks/devbrowser/internal/lifecycle"
	. "github.com/roelfdiedericks/devbrowser/internal/logging"
)

// heartbeatInterval is how often a live CDP connection is probed.
const heartbeatInterval = 2 * time.Second

// Rod is the go-rod backed Engine.
type Rod struct {
	cfg      config.EngineConfig
	spawn    lifecycle.GoFunc
	browser  *rod.Browser
	launcher *launcher.Launcher // nil when attached to an external browser
	endpoint string

	ctx    context.Context
	cancel context.CancelFunc

	status    atomic.Int32
	closing   atomic.Bool
	closeOnce sync.Once
	goneOnce  sync.Once
	gone      chan struct{}

	mu    sync.Mutex
	pages map[proto.TargetTargetID]*rodPage
}

var _ Engine = (*Rod)(nil)

// Launch starts Chrome with the persistent profile (or attaches to
// cfg.CDP when set) and connects to it. Any failure here is fatal to the
// caller; there is no degraded mode. spawn runs the engine's watcher
// goroutines; nil means lifecycle.Unsupervised.
func Launch(ctx context.Context, cfg config.EngineConfig, spawn lifecycle.GoFunc) (*Rod, error) {
	start := time.Now()
	if spawn == nil {
		spawn = lifecycle.Unsupervised
	}
	e := &Rod{
		cfg:   cfg,
		spawn: spawn,
		gone:  make(chan struct{}),
		pages: make(map[proto.TargetTargetID]*rodPage),
	}
	e.status.Store(int32(StatusStarting))

	if cfg.CDP != "" {
		u, err := launcher.ResolveURL(cfg.CDP)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve CDP endpoint %s: %w", cfg.CDP, err)
		}
		e.endpoint = u
		L_info("engine: attaching to external browser", "endpoint", u)
	} else {
		u, err := e.launch()
		if err != nil {
			return nil, err
		}
		e.endpoint = u
	}

	if err := ctx.Err(); err != nil {
		if e.launcher != nil {
			e.launcher.Kill()
		}
		return nil, err
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	browser := rod.New().ControlURL(e.endpoint).Context(e.ctx)
	if err := browser.Connect(); err != nil {
		e.cancel()
		if e.launcher != nil {
			e.launcher.Kill()
		}
		return nil, fmt.Errorf("failed to connect to browser at %s: %w", e.endpoint, err)
	}
	// Rod defaults to LaptopWithMDPIScreen; keep it explicit and configurable
	e.browser = browser.DefaultDevice(ResolveDevice(cfg.Device))

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(e.browser); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to enable target discovery: %w", err)
	}

	wait := e.browser.EachEvent(
		func(ev *proto.TargetTargetDestroyed) {
			e.pageGone(ev.TargetID, "destroyed")
		},
		func(ev *proto.TargetTargetCrashed) {
			e.pageGone(ev.TargetID, "crashed")
		},
	)
	e.spawn("engine events", func() {
		wait()
		e.markDisconnected("event stream ended")
	})
	e.spawn("engine heartbeat", e.heartbeat)

	e.status.Store(int32(StatusRunning))
	L_elapsed(start, "engine: browser ready", "endpoint", e.endpoint, "headless", cfg.Headless)
	return e, nil
}

func (e *Rod) launch() (string, error) {
	bin, err := LocateExecutable(e.cfg.ChromePath, NewDownloader(e.cfg.BinDir), e.cfg.AutoDownload)
	if err != nil {
		return "", err
	}

	profileDir, err := NewProfileManager(e.cfg.Dir).Ensure(e.cfg.Profile)
	if err != nil {
		return "", err
	}
	cleanupStaleLocks(profileDir)

	L_debug("engine: launching browser", "bin", bin, "profileDir", profileDir, "headless", e.cfg.Headless)

	l := launcher.New().
		Bin(bin).
		UserDataDir(profileDir).
		Headless(e.cfg.Headless).
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-background-networking").
		Set("disable-sync").
		Set("disable-dev-shm-usage") // For Docker/limited memory

	if !e.cfg.Sandbox {
		l = l.Set("no-sandbox").Set("disable-setuid-sandbox")
	}
	if e.cfg.Stealth {
		l = l.Set("disable-blink-features", "AutomationControlled")
	}
	if !e.cfg.Headless {
		l = l.Set("window-size", "1280,800")
	}

	u, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("failed to launch browser: %w", err)
	}
	e.launcher = l
	L_info("engine: launched", "pid", l.PID(), "profile", e.cfg.Profile)
	return u, nil
}

// heartbeat probes the connection so a dropped socket or a killed browser
// is noticed even when no request is in flight.
func (e *Rod) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.gone:
			return
		case <-ticker.C:
			if _, err := (proto.BrowserGetVersion{}).Call(e.browser); err != nil {
				e.markDisconnected(err.Error())
				return
			}
		}
	}
}

func (e *Rod) markDisconnected(reason string) {
	e.goneOnce.Do(func() {
		e.status.Store(int32(StatusDisconnected))
		if e.closing.Load() {
			L_debug("engine: disconnected", "reason", reason)
		} else {
			L_error("engine: browser disconnected", "reason", reason)
		}
		close(e.gone)

		e.mu.Lock()
		pages := e.pages
		e.pages = make(map[proto.TargetTargetID]*rodPage)
		e.mu.Unlock()
		for _, p := range pages {
			p.markClosed()
		}
	})
}

func (e *Rod) pageGone(id proto.TargetTargetID, how string) {
	e.mu.Lock()
	p := e.pages[id]
	delete(e.pages, id)
	e.mu.Unlock()

	if p != nil {
		L_debug("engine: page gone", "target", id, "how", how)
		p.markClosed()
	}
}

// Endpoint returns the CDP websocket URL.
func (e *Rod) Endpoint() string {
	return e.endpoint
}

// Status reports the engine status.
func (e *Rod) Status() Status {
	return Status(e.status.Load())
}

// Disconnected is closed when the engine is gone.
func (e *Rod) Disconnected() <-chan struct{} {
	return e.gone
}

// NewPage opens a blank tab.
func (e *Rod) NewPage(ctx context.Context) (Page, error) {
	if s := e.Status(); s != StatusRunning {
		return nil, fmt.Errorf("engine is %s", s)
	}

	b := e.browser.Context(ctx)
	var (
		p   *rod.Page
		err error
	)
	if e.cfg.Stealth {
		p, err = stealth.Page(b)
	} else {
		p, err = b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	// Bind the page to the engine's lifetime rather than the creating request
	rp := newRodPage(p.Context(e.ctx))

	e.mu.Lock()
	e.pages[p.TargetID] = rp
	e.mu.Unlock()

	return rp, nil
}

// Close closes the browser. A launched browser is also killed; an attached
// one is only disconnected from.
func (e *Rod) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closing.Store(true)
		if e.launcher != nil {
			if e.browser != nil {
				err = e.browser.Close()
			}
			e.launcher.Kill()
			L_info("engine: browser closed")
		} else {
			L_info("engine: detached from external browser")
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.markDisconnected("closed")
	})
	return err
}
