package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/roelfdiedericks/devbrowser/internal/bus"
	. "github.com/roelfdiedericks/devbrowser/internal/logging"
)

// Trigger names what started a shutdown.
type Trigger string

const (
	TriggerRequest    Trigger = "request"
	TriggerSignal     Trigger = "signal"
	TriggerDisconnect Trigger = "engine-disconnect"
	TriggerFault      Trigger = "fault"
)

// Registry is the part of the session registry teardown needs.
type Registry interface {
	RemoveAll()
}

// Engine is the part of the engine teardown needs.
type Engine interface {
	Close() error
}

// Transport is the listening server.
type Transport interface {
	Stop(ctx context.Context) error
}

// Options configures an Orchestrator. Registry, Engine and Transport may
// be nil (or set later) when startup has not got that far.
type Options struct {
	Registry  Registry
	Engine    Engine
	Transport Transport
	Bus       *bus.Bus

	// StopTimeout bounds the graceful transport stop.
	StopTimeout time.Duration
	// Exit, when set, is called with the exit code once Terminated.
	Exit func(code int)
}

// Orchestrator runs teardown exactly once, whichever trigger fires first.
type Orchestrator struct {
	Tracker

	mu      sync.Mutex
	opts    Options
	trigger Trigger
	done    chan struct{}
}

// New creates an orchestrator in the Starting state.
func New(opts Options) *Orchestrator {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	return &Orchestrator{
		opts: opts,
		done: make(chan struct{}),
	}
}

// SetEngine attaches the engine once it has started. If shutdown has
// already begun the engine is closed at once and false is returned.
func (o *Orchestrator) SetEngine(e Engine) bool {
	if !o.attach(func() { o.opts.Engine = e }) {
		o.step("close late engine", e.Close)
		return false
	}
	return true
}

// SetRegistry attaches the session registry, with the same late-attach
// rule as SetEngine.
func (o *Orchestrator) SetRegistry(r Registry) bool {
	if !o.attach(func() { o.opts.Registry = r }) {
		r.RemoveAll()
		return false
	}
	return true
}

// SetTransport attaches the transport once it is listening, with the same
// late-attach rule as SetEngine.
func (o *Orchestrator) SetTransport(t Transport) bool {
	if !o.attach(func() { o.opts.Transport = t }) {
		o.step("stop late transport", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), o.opts.StopTimeout)
			defer cancel()
			return t.Stop(ctx)
		})
		return false
	}
	return true
}

// attach runs set unless shutdown has begun. Shutdown snapshots the
// components under the same lock after advancing the state, so a component
// is either torn down by Shutdown or rejected here, never both.
func (o *Orchestrator) attach(set func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.State() >= ShuttingDown {
		return false
	}
	set()
	return true
}

// MarkRunning moves Starting to Running. It fails if shutdown already began.
func (o *Orchestrator) MarkRunning() bool {
	if !o.Advance(Running) {
		return false
	}
	o.publish(Running, "")
	L_info("lifecycle: running")
	return true
}

// Done is closed once teardown has finished.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Trigger returns what started the shutdown ("" while still running).
func (o *Orchestrator) Trigger() Trigger {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.trigger
}

// Shutdown tears everything down and blocks until done. Only the first
// caller performs teardown; later callers return false immediately.
func (o *Orchestrator) Shutdown(trigger Trigger, reason string) bool {
	if !o.Advance(ShuttingDown) {
		L_debug("lifecycle: shutdown already in progress", "trigger", trigger)
		return false
	}
	start := time.Now()

	o.mu.Lock()
	o.trigger = trigger
	opts := o.opts
	o.mu.Unlock()

	L_info("lifecycle: shutting down", "trigger", trigger, "reason", reason)
	o.publish(ShuttingDown, trigger)

	// Each step is best effort: a failure is logged and teardown moves on.
	if opts.Registry != nil {
		o.step("close sessions", func() error {
			opts.Registry.RemoveAll()
			return nil
		})
	}
	if opts.Engine != nil {
		o.step("close engine", opts.Engine.Close)
	}
	if opts.Transport != nil {
		o.step("stop transport", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), opts.StopTimeout)
			defer cancel()
			return opts.Transport.Stop(ctx)
		})
	}

	o.Advance(Terminated)
	o.publish(Terminated, trigger)
	L_elapsed(start, "lifecycle: terminated", "trigger", trigger)
	close(o.done)

	if opts.Exit != nil {
		opts.Exit(0)
	}
	return true
}

func (o *Orchestrator) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			L_error("lifecycle: teardown step panicked", "step", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		L_warn("lifecycle: teardown step failed", "step", name, "error", err)
		return
	}
	L_debug("lifecycle: teardown step done", "step", name)
}

func (o *Orchestrator) publish(s State, trigger Trigger) {
	data := map[string]string{"state": s.String()}
	if trigger != "" {
		data["trigger"] = string(trigger)
	}
	o.opts.Bus.Publish(bus.TopicLifecycleChanged, data)
}

// RequestShutdown starts a shutdown in the background and returns at once.
func (o *Orchestrator) RequestShutdown(trigger Trigger, reason string) {
	go o.Shutdown(trigger, reason)
}

// WatchSignals triggers shutdown on SIGINT or SIGTERM until ctx ends.
func (o *Orchestrator) WatchSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			L_info("lifecycle: received shutdown signal", "signal", sig)
			o.Shutdown(TriggerSignal, sig.String())
		case <-ctx.Done():
		case <-o.done:
		}
	}()
}

// WatchEngine triggers shutdown when the engine disconnects.
func (o *Orchestrator) WatchEngine(disconnected <-chan struct{}) {
	go func() {
		select {
		case <-disconnected:
			if o.State() < ShuttingDown {
				o.Shutdown(TriggerDisconnect, "browser disconnected")
			}
		case <-o.done:
		}
	}()
}

// Go runs fn in a goroutine. A panic in fn is an unhandled fault and
// shuts the process down.
func (o *Orchestrator) Go(name string, fn func()) {
	go func() {
		defer o.Recover(name)
		fn()
	}()
}

// Recover converts a panic into a fault shutdown. Use as
// `defer o.Recover("name")` at the top of a background goroutine.
func (o *Orchestrator) Recover(name string) {
	if r := recover(); r != nil {
		o.Fault(name, r)
	}
}

// Fault reports a panic recovered elsewhere (a cron job wrapper, say) and
// starts a fault shutdown.
func (o *Orchestrator) Fault(name string, r any) {
	L_error("lifecycle: unhandled fault", "goroutine", name, "panic", r, "stack", string(debug.Stack()))
	o.RequestShutdown(TriggerFault, fmt.Sprintf("%s: %v", name, r))
}

// GoFunc starts fn on its own goroutine. Orchestrator.Go is the
// supervised implementation; components fall back to Unsupervised.
type GoFunc func(name string, fn func())

// Unsupervised runs fn on a plain goroutine.
func Unsupervised(name string, fn func()) {
	go fn()
}
