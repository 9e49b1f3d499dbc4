// Package scratch manages the directory screenshots land in when the
// client gives no explicit path, and prunes old files from it.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	. "github.com/roelfdiedericks/devbrowser/internal/logging"
	"github.com/roelfdiedericks/devbrowser/internal/paths"
)

// Dir is the scratch directory.
type Dir struct {
	path string
}

// New returns a Dir rooted at path, creating it.
func New(path string) (*Dir, error) {
	if err := paths.EnsureDir(path); err != nil {
		return nil, err
	}
	return &Dir{path: path}, nil
}

// Path returns the directory.
func (d *Dir) Path() string {
	return d.path
}

var unsafeName = strings.NewReplacer("/", "_", "\\", "_", "..", "_", "\x00", "_")

// ScreenshotPath returns {name}-{unixMillis}.png inside the directory.
// Path separators in name are replaced so the file stays inside.
func (d *Dir) ScreenshotPath(name string, now time.Time) string {
	return filepath.Join(d.path, fmt.Sprintf("%s-%d.png", unsafeName.Replace(name), now.UnixMilli()))
}

// Sweep removes *.png files older than retention. Zero retention keeps
// everything. It returns the number of files removed.
func (d *Dir) Sweep(retention time.Duration, now time.Time) (int, error) {
	if retention <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read scratch directory: %w", err)
	}

	cutoff := now.Add(-retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".png" {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		p := filepath.Join(d.path, entry.Name())
		if err := os.Remove(p); err != nil {
			L_warn("scratch: failed to remove old screenshot", "path", p, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Janitor sweeps a Dir on a cron schedule.
type Janitor struct {
	dir       *Dir
	retention time.Duration
	cron      *cron.Cron
	onFault   func(name string, r any)
	sweep     func(retention time.Duration, now time.Time) (int, error)
}

// NewJanitor schedules sweeps of dir. schedule is a cron spec such as
// "@every 1h" or "0 * * * *". A sweep that panics is recovered and passed
// to onFault (the orchestrator's Fault in the server); nil only logs it.
func NewJanitor(dir *Dir, schedule string, retention time.Duration, onFault func(name string, r any)) (*Janitor, error) {
	j := &Janitor{
		dir:       dir,
		retention: retention,
		onFault:   onFault,
		sweep:     dir.Sweep,
	}
	j.cron = cron.New(cron.WithChain(j.recoverJob))
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("invalid scratch schedule %q: %w", schedule, err)
	}
	return j, nil
}

// recoverJob is the cron job wrapper. Jobs run on cron's own goroutines,
// so panics are caught here rather than by the caller of Start.
func (j *Janitor) recoverJob(job cron.Job) cron.Job {
	return cron.FuncJob(func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			L_error("scratch: sweep panicked", "panic", r)
			if j.onFault != nil {
				j.onFault("scratch janitor", r)
			}
		}()
		job.Run()
	})
}

func (j *Janitor) run() {
	n, err := j.sweep(j.retention, time.Now())
	if err != nil {
		L_warn("scratch: sweep failed", "error", err)
		return
	}
	if n > 0 {
		L_info("scratch: removed old screenshots", "count", n, "dir", j.dir.Path())
	}
}

// Start runs an initial sweep and starts the schedule.
func (j *Janitor) Start() {
	j.recoverJob(cron.FuncJob(j.run)).Run()
	j.cron.Start()
	L_debug("scratch: janitor started", "dir", j.dir.Path(), "retention", j.retention)
}

// Stop stops the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
