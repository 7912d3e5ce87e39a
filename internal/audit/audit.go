// Package audit appends one line per transfer event to a daily log file.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/keymesh/keymesh/internal/keymesherr"
)

// LogEvent appends one audit line to baseDir/<date>.log. elapsed is
// formatted with a literal "s" suffix (time=1.23s) for operators
// scraping the log by habit.
func LogEvent(baseDir, peerID, share, file, action, status string, bytesTransferred int64, elapsed time.Duration) error {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return &keymesherr.IoError{Op: "mkdir", Path: baseDir, Cause: err}
	}
	logPath := filepath.Join(baseDir, time.Now().UTC().Format("2006-01-02")+".log")

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &keymesherr.IoError{Op: "open", Path: logPath, Cause: err}
	}
	defer f.Close()

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05") + "Z"
	line := fmt.Sprintf(
		"[%s] peer=%s share=%s file=%s action=%s status=%s size=%d time=%.2fs\n",
		timestamp, peerID, share, file, action, status, bytesTransferred, elapsed.Seconds(),
	)
	if _, err := f.WriteString(line); err != nil {
		return &keymesherr.IoError{Op: "write", Path: logPath, Cause: err}
	}
	return nil
}
