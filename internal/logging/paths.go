package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default directory for log files (~/.meridian/logs).
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "meridian", "logs")
	}
	return filepath.Join(home, ".meridian", "logs")
}

// DefaultLogPath returns the default path for the core log file.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "core.log")
}

// EnsureLogDir creates the log directory if it does not exist.
func EnsureLogDir() error {
	return os.MkdirAll(DefaultLogDir(), 0o755)
}
