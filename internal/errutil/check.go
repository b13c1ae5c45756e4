package errutil

import (
	"log/slog"
)

// LogMsg logs the error with a custom message if it is not nil.
func LogMsg(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Warn(msg, allArgs...)
	}
}

// ReportError logs an unexpected error.
// Dropped queue actions and failed background passes end up here.
func ReportError(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Error(msg, allArgs...)
	}
}

// Close closes c and logs a failure under msg.
func Close(c interface{ Close() error }, msg string, args ...any) {
	LogMsg(c.Close(), msg, args...)
}
