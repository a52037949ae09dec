// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"log/slog"

	"github.com/docvault/docvault/internal/telemetry"
)

// Go launches fn in a new goroutine. A panic in fn is recovered, logged with the task name
// and counted in background_task_panics_total instead of crashing the process. Audit shipping
// and the server's side listeners run through it.
func Go(task string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				telemetry.BackgroundPanicsTotal.WithLabelValues(task).Inc()
				slog.Error("recovered panic in background goroutine", "task", task, "panic", r)
			}
		}()
		fn()
	}()
}
