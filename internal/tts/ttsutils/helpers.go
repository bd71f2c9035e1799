// Package ttsutils provides the small file helpers shared by the artifact
// store, the executor and the log lines that report on them.
package ttsutils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

const defaultDirPermissions = 0o750

const sizeStep = 1024

var sizeUnits = []string{"KB", "MB", "GB", "TB"}

const (
	errFmtFailedToCreateDir = "failed to create directory %s: %w"
	errFmtFailedToRemove    = "failed to remove %s: %w"
)

// EnsureDir creates path and its parents when missing.
func EnsureDir(path string) error {
	mkdirErr := os.MkdirAll(path, defaultDirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf(errFmtFailedToCreateDir, path, mkdirErr)
	}

	return nil
}

// RemoveIfExists deletes path. A file that is already gone counts as removed,
// so concurrent deleters never report each other's work as a failure.
func RemoveIfExists(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return fmt.Errorf(errFmtFailedToRemove, path, err)
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.Mode().IsRegular()
}

// FormatAge renders a retention window or artifact age with its two most
// significant units, e.g. "1d 0h", "2h 5m", "45s".
func FormatAge(d time.Duration) string {
	if d < 0 {
		d = -d
	}

	day := 24 * time.Hour

	switch {
	case d >= day:
		return fmt.Sprintf("%dd %dh", d/day, (d%day)/time.Hour)
	case d >= time.Hour:
		return fmt.Sprintf("%dh %dm", d/time.Hour, (d%time.Hour)/time.Minute)
	case d >= time.Minute:
		return fmt.Sprintf("%dm %ds", d/time.Minute, (d%time.Minute)/time.Second)
	default:
		return d.Round(time.Millisecond).String()
	}
}

// FormatFileSize renders an artifact size, e.g. "512 B", "1.5 MB".
func FormatFileSize(bytes int64) string {
	if bytes < sizeStep {
		return fmt.Sprintf("%d B", bytes)
	}

	value := float64(bytes) / sizeStep
	unit := 0

	for value >= sizeStep && unit < len(sizeUnits)-1 {
		value /= sizeStep
		unit++
	}

	return fmt.Sprintf("%.1f %s", value, sizeUnits[unit])
}
