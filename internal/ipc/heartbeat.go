package ipc

import (
	"context"
	"os"
	"time"
)

// Heartbeat periodically snapshots process liveness. It is observational only.
type Heartbeat struct {
	Role     string
	Interval time.Duration
	// Snapshot returns role-specific fields such as queue depths.
	Snapshot func() map[string]any
	// Emit publishes one heartbeat.
	Emit func(fields map[string]any)
}

// Run emits heartbeats until ctx is done. A non-positive interval disables it.
func (h Heartbeat) Run(ctx context.Context) {
	if h.Interval <= 0 || h.Emit == nil {
		return
	}
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Emit(h.Fields())
		}
	}
}

// Fields builds one heartbeat payload.
func (h Heartbeat) Fields() map[string]any {
	fields := map[string]any{
		"role": h.Role,
		"pid":  os.Getpid(),
		"ts":   time.Now().UnixMilli(),
	}
	if h.Snapshot != nil {
		for k, v := range h.Snapshot() {
			fields[k] = v
		}
	}
	return fields
}
