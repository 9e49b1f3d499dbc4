// Package paths provides centralized path resolution for devbrowser.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is the name of the config file looked up in the working
// directory and in the base directory.
const ConfigFileName = "devbrowser.toml"

// BaseDir returns the devbrowser base directory (~/.devbrowser).
// DEVBROWSER_HOME overrides it.
func BaseDir() (string, error) {
	if dir := os.Getenv("DEVBROWSER_HOME"); dir != "" {
		return ExpandTilde(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".devbrowser"), nil
}

// DataPath returns a path within the devbrowser base directory.
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active config file path.
// Priority: ./devbrowser.{toml,yaml,yml} > ~/.devbrowser/devbrowser.{toml,yaml,yml}
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	candidates := []string{ConfigFileName, "devbrowser.yaml", "devbrowser.yml"}

	for _, name := range candidates {
		if _, err := os.Stat(name); err == nil {
			absPath, err := filepath.Abs(name)
			if err != nil {
				return "", fmt.Errorf("failed to get absolute path: %w", err)
			}
			return absPath, nil
		}
	}

	for _, name := range candidates {
		globalPath, err := DataPath(name)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(globalPath); err == nil {
			return globalPath, nil
		}
	}

	return "", nil
}

// DefaultConfigPath returns the default location for new configs.
func DefaultConfigPath() (string, error) {
	return DataPath(ConfigFileName)
}

// ProfilesDir returns the directory holding persistent browser profiles.
func ProfilesDir() (string, error) {
	return DataPath("profiles")
}

// BinDir returns the directory downloaded browser binaries are kept in.
func BinDir() (string, error) {
	return DataPath("bin")
}

// TmpDir returns the scratch directory for screenshots written without an
// explicit path.
func TmpDir() (string, error) {
	return DataPath("tmp")
}

// PidFile returns the pid file used when running detached.
func PidFile() (string, error) {
	return DataPath("devbrowser.pid")
}

// LogFile returns the log file used when running detached.
func LogFile() (string, error) {
	return DataPath("devbrowser.log")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
