package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/devbrowser/internal/bus"
)

// recorder implements Registry, Engine and Transport, logging call order.
type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (r *recorder) add(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	return r.fail[name]
}

func (r *recorder) RemoveAll()                     { r.add("sessions") }
func (r *recorder) Close() error                   { return r.add("engine") }
func (r *recorder) Stop(ctx context.Context) error { return r.add("transport") }

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func waitDone(t *testing.T, o *Orchestrator) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}
}

func TestTrackerIsMonotonic(t *testing.T) {
	var tr Tracker
	assert.Equal(t, Starting, tr.State())
	assert.True(t, tr.Advance(Running))
	assert.False(t, tr.Advance(Running))
	assert.False(t, tr.Advance(Starting))
	assert.True(t, tr.Advance(Terminated))
	assert.False(t, tr.Advance(ShuttingDown))
	assert.Equal(t, "terminated", tr.State().String())
}

func TestShutdownOrder(t *testing.T) {
	rec := &recorder{}
	var exitCode atomic.Int32
	exitCode.Store(-1)

	o := New(Options{Registry: rec, Engine: rec, Transport: rec, Exit: func(c int) { exitCode.Store(int32(c)) }})
	require.True(t, o.MarkRunning())

	assert.True(t, o.Shutdown(TriggerRequest, "test"))
	assert.Equal(t, []string{"sessions", "engine", "transport"}, rec.Calls())
	assert.Equal(t, Terminated, o.State())
	assert.Equal(t, TriggerRequest, o.Trigger())
	assert.Equal(t, int32(0), exitCode.Load())
	waitDone(t, o)
}

func TestShutdownStepsAreBestEffort(t *testing.T) {
	rec := &recorder{fail: map[string]error{"engine": errors.New("already gone")}}
	o := New(Options{Registry: rec, Engine: rec, Transport: rec})
	o.MarkRunning()

	o.Shutdown(TriggerDisconnect, "test")
	assert.Equal(t, []string{"sessions", "engine", "transport"}, rec.Calls())
	assert.Equal(t, Terminated, o.State())
}

func TestConcurrentTriggersTearDownOnce(t *testing.T) {
	rec := &recorder{}
	o := New(Options{Registry: rec, Engine: rec, Transport: rec})
	o.MarkRunning()

	triggers := []Trigger{TriggerRequest, TriggerSignal, TriggerDisconnect, TriggerFault}
	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(tr Trigger) {
			defer wg.Done()
			if o.Shutdown(tr, "race") {
				winners.Add(1)
			}
		}(triggers[i%len(triggers)])
	}
	wg.Wait()
	waitDone(t, o)

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, []string{"sessions", "engine", "transport"}, rec.Calls())
}

func TestMarkRunningAfterShutdownFails(t *testing.T) {
	o := New(Options{})
	o.Shutdown(TriggerSignal, "early")
	assert.False(t, o.MarkRunning())
	assert.Equal(t, Terminated, o.State())
}

func TestLateAttachedComponentsAreTornDown(t *testing.T) {
	rec := &recorder{}
	o := New(Options{})
	o.SetRegistry(rec)
	o.SetEngine(rec)
	o.SetTransport(rec)
	o.MarkRunning()

	o.Shutdown(TriggerRequest, "")
	assert.Equal(t, []string{"sessions", "engine", "transport"}, rec.Calls())
}

func TestAttachAfterShutdownClosesComponent(t *testing.T) {
	rec := &recorder{}
	o := New(Options{})
	o.Shutdown(TriggerSignal, "during startup")

	assert.False(t, o.SetEngine(rec))
	assert.False(t, o.SetRegistry(rec))
	assert.False(t, o.SetTransport(rec))
	assert.Equal(t, []string{"engine", "sessions", "transport"}, rec.Calls())
}

func TestRequestShutdownReturnsImmediately(t *testing.T) {
	block := make(chan struct{})
	rec := &recorder{}
	o := New(Options{Registry: registryFunc(func() { <-block }), Engine: rec})
	o.MarkRunning()

	o.RequestShutdown(TriggerRequest, "")
	// still tearing down, but the caller already got control back
	close(block)
	waitDone(t, o)
	assert.Equal(t, []string{"engine"}, rec.Calls())
}

type registryFunc func()

func (f registryFunc) RemoveAll() { f() }

func TestWatchEngineTriggersShutdown(t *testing.T) {
	rec := &recorder{}
	o := New(Options{Registry: rec, Engine: rec})
	o.MarkRunning()

	gone := make(chan struct{})
	o.WatchEngine(gone)
	close(gone)

	waitDone(t, o)
	assert.Equal(t, TriggerDisconnect, o.Trigger())
}

func TestGoPanicIsAFault(t *testing.T) {
	o := New(Options{})
	o.MarkRunning()

	o.Go("worker", func() { panic("kaboom") })

	waitDone(t, o)
	assert.Equal(t, TriggerFault, o.Trigger())
}

func TestLifecycleEventsArePublished(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	var states []string
	b.Subscribe(bus.TopicLifecycleChanged, func(e bus.Event) {
		mu.Lock()
		states = append(states, e.Data.(map[string]string)["state"])
		mu.Unlock()
	})

	o := New(Options{Bus: b})
	o.MarkRunning()
	o.Shutdown(TriggerRequest, "")
	b.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"running", "shutting-down", "terminated"}, states)
}

func TestSignalTriggersShutdown(t *testing.T) {
	rec := &recorder{}
	o := New(Options{Registry: rec, Engine: rec, Transport: rec})
	o.MarkRunning()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.WatchSignals(ctx)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	waitDone(t, o)
	assert.Equal(t, TriggerSignal, o.Trigger())
	assert.Equal(t, []string{"sessions", "engine", "transport"}, rec.Calls())
}

func TestSignalAndRequestTearDownOnce(t *testing.T) {
	rec := &recorder{}
	o := New(Options{Registry: rec, Engine: rec, Transport: rec})
	o.MarkRunning()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.WatchSignals(ctx)

	// Keeps SIGINT from reaching the default handler if the watcher has
	// already stopped listening by the time it lands.
	delivered := make(chan os.Signal, 1)
	signal.Notify(delivered, syscall.SIGINT)
	defer signal.Stop(delivered)

	var requestWon atomic.Bool
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		syscall.Kill(os.Getpid(), syscall.SIGINT)
	}()
	go func() {
		defer wg.Done()
		requestWon.Store(o.Shutdown(TriggerRequest, "POST /shutdown"))
	}()
	wg.Wait()
	waitDone(t, o)
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("SIGINT not delivered")
	}

	if requestWon.Load() {
		assert.Equal(t, TriggerRequest, o.Trigger())
	} else {
		assert.Equal(t, TriggerSignal, o.Trigger())
	}
	assert.Equal(t, []string{"sessions", "engine", "transport"}, rec.Calls())
}

func TestFaultStartsShutdown(t *testing.T) {
	o := New(Options{})
	o.MarkRunning()

	o.Fault("cron job", errors.New("boom"))

	waitDone(t, o)
	assert.Equal(t, TriggerFault, o.Trigger())
}

func TestUnsupervisedRunsFn(t *testing.T) {
	ran := make(chan struct{})
	Unsupervised("worker", func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("fn did not run")
	}
}
