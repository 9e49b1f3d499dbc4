package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/roelfdiedericks/devbrowser/internal/logging"
)

// Chrome refuses to start on a profile that still has these from a crash.
var staleLockFiles = []string{
	"SingletonLock",
	"SingletonCookie",
	"SingletonSocket",
}

// cleanupStaleLocks removes Chrome lock files left behind by crashed sessions
func cleanupStaleLocks(profileDir string) {
	for _, lockFile := range staleLockFiles {
		lockPath := filepath.Join(profileDir, lockFile)
		if _, err := os.Lstat(lockPath); err != nil {
			continue
		}
		if err := os.Remove(lockPath); err != nil {
			L_warn("engine: failed to remove stale lock file", "file", lockPath, "error", err)
		} else {
			L_info("engine: removed stale lock file", "file", lockPath)
		}
	}
}

// ProfileInfo contains information about a browser profile
type ProfileInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`     // Total size in bytes
	LastUsed time.Time `json:"lastUsed"` // Last modification time
}

// ProfileManager handles the persistent profile directories.
type ProfileManager struct {
	profilesDir string
}

// NewProfileManager creates a new profile manager
func NewProfileManager(profilesDir string) *ProfileManager {
	return &ProfileManager{profilesDir: profilesDir}
}

// Dir returns the profiles root
func (m *ProfileManager) Dir() string {
	return m.profilesDir
}

// Ensure creates the named profile directory if needed and returns its path.
func (m *ProfileManager) Ensure(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("profile name is required")
	}
	profileDir := filepath.Join(m.profilesDir, name)
	if err := os.MkdirAll(profileDir, 0750); err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}
	L_debug("engine: ensured profile", "name", name, "path", profileDir)
	return profileDir, nil
}

// Exists checks if a profile exists
func (m *ProfileManager) Exists(name string) bool {
	info, err := os.Stat(filepath.Join(m.profilesDir, name))
	return err == nil && info.IsDir()
}

// List returns information about all profiles
func (m *ProfileManager) List() ([]ProfileInfo, error) {
	entries, err := os.ReadDir(m.profilesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ProfileInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read profiles directory: %w", err)
	}

	profiles := make([]ProfileInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := profileInfo(entry.Name(), filepath.Join(m.profilesDir, entry.Name()))
		if err != nil {
			L_warn("engine: failed to get profile info", "name", entry.Name(), "error", err)
			continue
		}
		profiles = append(profiles, info)
	}
	return profiles, nil
}

func profileInfo(name, path string) (ProfileInfo, error) {
	info := ProfileInfo{Name: name, Path: path}

	err := filepath.Walk(path, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip unreadable entries
		}
		if !fi.IsDir() {
			info.Size += fi.Size()
		}
		if fi.ModTime().After(info.LastUsed) {
			info.LastUsed = fi.ModTime()
		}
		return nil
	})
	return info, err
}

// Clear removes all data from a profile (cookies, cache, etc.) but keeps
// the directory.
func (m *ProfileManager) Clear(name string) error {
	if !m.Exists(name) {
		return fmt.Errorf("profile does not exist: %s", name)
	}
	profileDir := filepath.Join(m.profilesDir, name)

	entries, err := os.ReadDir(profileDir)
	if err != nil {
		return fmt.Errorf("failed to read profile directory: %w", err)
	}
	for _, entry := range entries {
		entryPath := filepath.Join(profileDir, entry.Name())
		if err := os.RemoveAll(entryPath); err != nil {
			L_warn("engine: failed to remove profile entry", "path", entryPath, "error", err)
		}
	}

	L_info("engine: cleared profile", "name", name)
	return nil
}

// FormatSize returns a human-readable size string
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
