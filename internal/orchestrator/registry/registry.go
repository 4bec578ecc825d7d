// Package registry tracks shard instance readiness and heartbeat liveness.
package registry

import (
	"log"
	"sync"
	"time"

	apperrors "github.com/emberfall/emberfall/internal/platform/errors"
)

// Status is the last known state of one shard instance.
type Status struct {
	InstanceID    string
	ShardID       string
	Endpoint      string
	PID           int
	ReadyAt       time.Time
	LastSeen      time.Time
	OnlinePlayers int
	UptimeSeconds int64
}

// Registry tracks per-instance readiness records. An instance is healthy iff
// a readiness record exists and its last heartbeat (or the readiness report
// itself) is within the heartbeat timeout.
type Registry struct {
	mu       sync.Mutex
	statuses map[string]*Status
	timeout  time.Duration
	now      func() time.Time
}

// New creates a registry with the given heartbeat timeout.
func New(heartbeatTimeout time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		statuses: make(map[string]*Status),
		timeout:  heartbeatTimeout,
		now:      now,
	}
}

// OnReady records a readiness report and resets the heartbeat clock. A ready
// report from a new pid replaces any record left by a prior process.
func (r *Registry) OnReady(instanceID, shardID, endpoint string, pid int) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[instanceID] = &Status{
		InstanceID: instanceID,
		ShardID:    shardID,
		Endpoint:   endpoint,
		PID:        pid,
		ReadyAt:    now,
		LastSeen:   now,
	}
}

// OnHeartbeat updates liveness and stats for an instance. Heartbeats from a
// pid other than the one that reported ready belong to a since-replaced
// process and are ignored.
func (r *Registry) OnHeartbeat(instanceID string, pid, onlinePlayers int, uptimeSeconds int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.statuses[instanceID]
	if !ok {
		return apperrors.New(apperrors.CodeInstanceNotFound, "heartbeat for unknown instance")
	}
	if status.PID != pid {
		log.Printf("registry: stale heartbeat instance=%s pid=%d current=%d", instanceID, pid, status.PID)
		return nil
	}
	status.LastSeen = r.now()
	status.OnlinePlayers = onlinePlayers
	status.UptimeSeconds = uptimeSeconds
	return nil
}

// Healthy reports whether an instance has a live readiness record.
func (r *Registry) Healthy(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.statuses[instanceID]
	if !ok {
		return false
	}
	return r.now().Sub(status.LastSeen) <= r.timeout
}

// Endpoint returns the reported endpoint for a healthy instance.
func (r *Registry) Endpoint(instanceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.statuses[instanceID]
	if !ok {
		return "", false
	}
	if r.now().Sub(status.LastSeen) > r.timeout {
		return "", false
	}
	return status.Endpoint, true
}

// Clear removes the readiness record for an instance after its process
// exits. When pid is non-zero the record is only removed if it belongs to
// that pid, so a ready report from a replacement process is never lost.
func (r *Registry) Clear(instanceID string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.statuses[instanceID]
	if !ok {
		return
	}
	if pid != 0 && status.PID != pid {
		return
	}
	delete(r.statuses, instanceID)
}

// PickBootstrapTarget selects the instance a new connection should join:
// the primary instance if healthy, otherwise the first healthy instance in
// configuration order.
func (r *Registry) PickBootstrapTarget(primary string, order []string) (string, error) {
	if primary != "" && r.Healthy(primary) {
		return primary, nil
	}
	for _, instanceID := range order {
		if r.Healthy(instanceID) {
			return instanceID, nil
		}
	}
	return "", apperrors.New(apperrors.CodeNoReadyMaps, "no healthy shard instance available")
}

// Snapshot returns a copy of all known statuses for the health surface.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]Status, 0, len(r.statuses))
	for _, status := range r.statuses {
		statuses = append(statuses, *status)
	}
	return statuses
}
