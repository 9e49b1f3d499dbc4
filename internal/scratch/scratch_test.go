package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/devbrowser/internal/lifecycle"
)

func TestScreenshotPath(t *testing.T) {
	d, err := New(filepath.Join(t.TempDir(), "tmp"))
	require.NoError(t, err)

	now := time.UnixMilli(1700000000123)
	assert.Equal(t, filepath.Join(d.Path(), "home-1700000000123.png"), d.ScreenshotPath("home", now))

	p := d.ScreenshotPath("../../etc/x", now)
	assert.Equal(t, d.Path(), filepath.Dir(p), "name must not escape the directory")
}

func TestSweep(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)
	now := time.Now()

	touch := func(name string, age time.Duration) string {
		p := filepath.Join(d.Path(), name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0600))
		mt := now.Add(-age)
		require.NoError(t, os.Chtimes(p, mt, mt))
		return p
	}
	oldShot := touch("old-1.png", 48*time.Hour)
	newShot := touch("new-2.png", time.Minute)
	oldOther := touch("notes.txt", 48*time.Hour)

	n, err := d.Sweep(0, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = d.Sweep(24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoFileExists(t, oldShot)
	assert.FileExists(t, newShot)
	assert.FileExists(t, oldOther)
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = NewJanitor(d, "every now and then", time.Hour, nil)
	assert.Error(t, err)

	j, err := NewJanitor(d, "@every 1h", time.Hour, nil)
	require.NoError(t, err)
	j.Start()
	j.Stop()
}

func TestJanitorPanicStartsFaultShutdown(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)

	orch := lifecycle.New(lifecycle.Options{})
	require.True(t, orch.MarkRunning())

	j, err := NewJanitor(d, "@every 1h", time.Hour, orch.Fault)
	require.NoError(t, err)
	j.sweep = func(time.Duration, time.Time) (int, error) { panic("sweep fault") }

	orch.Go("scratch janitor", j.Start)
	defer j.Stop()

	select {
	case <-orch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator never shut down")
	}
	assert.Equal(t, lifecycle.TriggerFault, orch.Trigger())
}

func TestScheduledSweepPanicIsRecovered(t *testing.T) {
	d, err := New(t.TempDir())
	require.NoError(t, err)

	faults := make(chan string, 4)
	j, err := NewJanitor(d, "@every 1s", time.Hour, func(name string, r any) {
		faults <- fmt.Sprintf("%s: %v", name, r)
	})
	require.NoError(t, err)

	var calls atomic.Int32
	j.sweep = func(time.Duration, time.Time) (int, error) {
		if calls.Add(1) > 1 {
			panic("sweep fault")
		}
		return 0, nil
	}
	j.Start()
	defer j.Stop()

	select {
	case got := <-faults:
		assert.Equal(t, "scratch janitor: sweep fault", got)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled sweep panic was not reported")
	}
}
