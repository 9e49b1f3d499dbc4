package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-rod/rod/lib/launcher"

	. "github.com/roelfdiedericks/devbrowser/internal/logging"
)

// Downloader manages the Chromium build fetched into binDir.
type Downloader struct {
	binDir  string
	mu      sync.Mutex
	binPath string // Cached path to binary once downloaded
}

// NewDownloader creates a new Chromium downloader
func NewDownloader(binDir string) *Downloader {
	return &Downloader{binDir: binDir}
}

// BinDir returns the binary directory
func (d *Downloader) BinDir() string {
	return d.binDir
}

// Download fetches Chromium into binDir if it is not there yet and returns
// the path to the binary. Safe to call concurrently.
func (d *Downloader) Download() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.binPath != "" {
		if _, err := os.Stat(d.binPath); err == nil {
			return d.binPath, nil
		}
		d.binPath = ""
	}

	if err := os.MkdirAll(d.binDir, 0750); err != nil {
		return "", fmt.Errorf("failed to create browser bin directory: %w", err)
	}

	L_info("engine: downloading chromium", "binDir", d.binDir)

	b := launcher.NewBrowser()
	b.RootDir = d.binDir

	// No-op when the default revision is already present
	binPath, err := b.Get()
	if err != nil {
		return "", fmt.Errorf("failed to download browser: %w", err)
	}

	d.binPath = binPath
	L_info("engine: chromium ready", "path", binPath)
	return binPath, nil
}

// Find looks for a previously downloaded binary in binDir.
func (d *Downloader) Find() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.binPath != "" {
		if _, err := os.Stat(d.binPath); err == nil {
			return d.binPath, nil
		}
	}

	entries, err := os.ReadDir(d.binDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s does not exist", ErrNoExecutable, d.binDir)
		}
		return "", fmt.Errorf("failed to read bin directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidates := []string{
			filepath.Join(d.binDir, entry.Name(), "chrome"),
			filepath.Join(d.binDir, entry.Name(), "chrome-linux", "chrome"),
			filepath.Join(d.binDir, entry.Name(), "chrome.exe"),
			filepath.Join(d.binDir, entry.Name(), "Chromium.app", "Contents", "MacOS", "Chromium"),
		}
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				d.binPath = candidate
				return candidate, nil
			}
		}
	}

	return "", fmt.Errorf("%w in %s", ErrNoExecutable, d.binDir)
}

// LocateExecutable finds a Chrome/Chromium binary. Order: explicit path,
// system install, a previous download, then a fresh download when allowed.
func LocateExecutable(explicit string, d *Downloader, autoDownload bool) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrNoExecutable, explicit, err)
		}
		return explicit, nil
	}

	if path, has := launcher.LookPath(); has {
		L_debug("engine: found system browser", "path", path)
		return path, nil
	}

	if d == nil {
		return "", ErrNoExecutable
	}
	if path, err := d.Find(); err == nil {
		L_debug("engine: found downloaded browser", "path", path)
		return path, nil
	}

	if !autoDownload {
		return "", fmt.Errorf("%w (install Chrome, set engine.chrome_path, or run `devbrowser browser download`)", ErrNoExecutable)
	}
	return d.Download()
}
