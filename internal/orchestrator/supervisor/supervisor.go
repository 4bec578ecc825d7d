// Package supervisor owns the shard child-process lifecycle: spawn, exit
// handling, restart backoff, and quarantine of repeatedly crashing
// instances. It holds no simulation state; a crash's data-loss exposure is
// bounded only by the persistence gateway's last flush.
package supervisor

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/emberfall/emberfall/internal/orchestrator/metrics"
)

// Spec describes one shard instance. Specs are created at boot from static
// configuration or lazily when a transfer targets an unknown instance; they
// are never deleted.
type Spec struct {
	InstanceID string
	ShardID    string
	Port       int
	Seed       int64
	Dynamic    bool
}

// Endpoint returns the loopback endpoint the instance listens on.
func (s Spec) Endpoint() string {
	return fmt.Sprintf("127.0.0.1:%d", s.Port)
}

// Process is a handle on one launched shard process.
type Process interface {
	PID() int
	// Terminate asks the process to exit gracefully.
	Terminate() error
	// Kill forces the process to exit.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Launcher starts shard processes. Injectable for tests.
type Launcher interface {
	Launch(spec Spec, env []string) (Process, error)
}

// Config carries supervisor tunables and the configuration injected into
// every child.
type Config struct {
	RestartWindow      time.Duration
	RestartMaxInWindow int
	Quarantine         time.Duration
	RestartDelay       time.Duration
	StopGrace          time.Duration
	DynamicPortBase    int
	OrchestratorURL    string
	InternalSecret     string
}

// managed is the live process for one instance id.
type managed struct {
	spec Spec
	proc Process
}

// Supervisor manages at most one live process per instance id.
type Supervisor struct {
	mu         sync.Mutex
	launcher   Launcher
	cfg        Config
	now        func() time.Time
	afterFunc  func(d time.Duration, f func())
	onExit     func(instanceID string, pid int)
	specs      map[string]*Spec
	procs      map[string]*managed
	exits      map[string][]time.Time
	quarantine map[string]time.Time
	nextPort   int
	stopping   bool
}

// New creates a supervisor. onExit is invoked after every process exit,
// before any restart decision, so the registry can drop the dead instance's
// readiness record first.
func New(launcher Launcher, cfg Config, now func() time.Time, onExit func(instanceID string, pid int)) (*Supervisor, error) {
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.RestartWindow <= 0 || cfg.Quarantine <= 0 {
		return nil, fmt.Errorf("restart window and quarantine must be positive")
	}
	if cfg.RestartMaxInWindow <= 0 {
		return nil, fmt.Errorf("restart max-in-window must be positive")
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.DynamicPortBase <= 0 {
		cfg.DynamicPortBase = 7850
	}
	if now == nil {
		now = time.Now
	}
	return &Supervisor{
		launcher:   launcher,
		cfg:        cfg,
		now:        now,
		afterFunc:  func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		onExit:     onExit,
		specs:      make(map[string]*Spec),
		procs:      make(map[string]*managed),
		exits:      make(map[string][]time.Time),
		quarantine: make(map[string]time.Time),
		nextPort:   cfg.DynamicPortBase,
	}, nil
}

// Start registers the static fleet and spawns every instance.
func (s *Supervisor) Start(specs []Spec) error {
	for _, spec := range specs {
		if _, err := s.RegisterSpec(spec); err != nil {
			return err
		}
	}
	for _, spec := range specs {
		s.StartInstance(spec.InstanceID)
	}
	return nil
}

// RegisterSpec records a spec if the instance id is unknown and returns the
// registered spec. Specs survive restarts and are never removed.
func (s *Supervisor) RegisterSpec(spec Spec) (Spec, error) {
	spec.InstanceID = strings.TrimSpace(spec.InstanceID)
	if spec.InstanceID == "" {
		return Spec{}, fmt.Errorf("instance id is required")
	}
	if spec.Port <= 0 {
		return Spec{}, fmt.Errorf("instance %s: listen port is required", spec.InstanceID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.specs[spec.InstanceID]; ok {
		return *existing, nil
	}
	stored := spec
	s.specs[spec.InstanceID] = &stored
	return stored, nil
}

// EnsureSpec returns the spec for an instance id, creating a dynamic spec
// with the next free port when the id has never been seen.
func (s *Supervisor) EnsureSpec(instanceID string) (Spec, error) {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return Spec{}, fmt.Errorf("instance id is required")
	}
	s.mu.Lock()
	if existing, ok := s.specs[instanceID]; ok {
		spec := *existing
		s.mu.Unlock()
		return spec, nil
	}
	spec := Spec{
		InstanceID: instanceID,
		ShardID:    instanceID,
		Port:       s.nextPort,
		Dynamic:    true,
	}
	s.nextPort++
	s.specs[instanceID] = &spec
	s.mu.Unlock()
	log.Printf("supervisor: dynamic spec instance=%s port=%d", instanceID, spec.Port)
	return spec, nil
}

// Specs returns the registered specs.
func (s *Supervisor) Specs() []Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	specs := make([]Spec, 0, len(s.specs))
	for _, spec := range s.specs {
		specs = append(specs, *spec)
	}
	return specs
}

// StartInstance spawns the instance if it is known, not quarantined, not
// already running, and the supervisor is not stopping. Returns whether a
// process was started.
func (s *Supervisor) StartInstance(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawnLocked(instanceID)
}

// Running reports whether the instance has a live process.
func (s *Supervisor) Running(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[instanceID]
	return ok
}

// PID returns the live process pid for an instance, or 0.
func (s *Supervisor) PID(instanceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.procs[instanceID]; ok {
		return current.proc.PID()
	}
	return 0
}

// QuarantineUntil returns the quarantine deadline for an instance, if one
// is active.
func (s *Supervisor) QuarantineUntil(instanceID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.quarantine[instanceID]
	if !ok || !s.now().Before(until) {
		return time.Time{}, false
	}
	return until, true
}

// KillInstance forcibly terminates a live instance. It is an operator
// action used for fault injection; the exit flows through the same path as
// a natural crash.
func (s *Supervisor) KillInstance(instanceID string) bool {
	s.mu.Lock()
	current, ok := s.procs[instanceID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	log.Printf("supervisor: kill instance=%s pid=%d", instanceID, current.proc.PID())
	if err := current.proc.Kill(); err != nil {
		log.Printf("supervisor: kill instance=%s: %v", instanceID, err)
		return false
	}
	return true
}

// StopAll terminates every managed process and waits for exits up to the
// stop grace, forcing a kill after it. New spawns are refused from the
// first call onward.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	s.stopping = true
	running := make([]*managed, 0, len(s.procs))
	for _, current := range s.procs {
		running = append(running, current)
	}
	s.mu.Unlock()

	for _, current := range running {
		if err := current.proc.Terminate(); err != nil {
			log.Printf("supervisor: terminate instance=%s: %v", current.spec.InstanceID, err)
		}
	}

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()
	for _, current := range running {
		select {
		case <-current.proc.Done():
		case <-grace.C:
			for _, remaining := range running {
				select {
				case <-remaining.proc.Done():
				default:
					_ = remaining.proc.Kill()
					<-remaining.proc.Done()
				}
			}
			return
		}
	}
}

// spawnLocked launches an instance. Caller holds the lock.
func (s *Supervisor) spawnLocked(instanceID string) bool {
	if s.stopping {
		return false
	}
	spec, ok := s.specs[instanceID]
	if !ok {
		log.Printf("supervisor: spawn refused, unknown instance=%s", instanceID)
		return false
	}
	if _, running := s.procs[instanceID]; running {
		return false
	}
	now := s.now()
	if until, quarantined := s.quarantine[instanceID]; quarantined {
		if now.Before(until) {
			log.Printf("supervisor: spawn refused, quarantined instance=%s until=%s", instanceID, until.UTC().Format(time.RFC3339))
			return false
		}
		delete(s.quarantine, instanceID)
	}

	proc, err := s.launcher.Launch(*spec, s.childEnv(*spec))
	if err != nil {
		log.Printf("supervisor: launch instance=%s: %v", instanceID, err)
		return false
	}
	s.procs[instanceID] = &managed{spec: *spec, proc: proc}
	metrics.ShardsRunning.Set(float64(len(s.procs)))
	log.Printf("supervisor: started instance=%s pid=%d endpoint=%s", instanceID, proc.PID(), spec.Endpoint())

	go func(pid int) {
		<-proc.Done()
		s.handleExit(instanceID, pid)
	}(proc.PID())
	return true
}

// handleExit removes the managed entry, notifies the registry, and decides
// restart-or-quarantine.
func (s *Supervisor) handleExit(instanceID string, pid int) {
	s.mu.Lock()
	if current, ok := s.procs[instanceID]; ok && current.proc.PID() == pid {
		delete(s.procs, instanceID)
	}
	metrics.ShardsRunning.Set(float64(len(s.procs)))
	stopping := s.stopping
	s.mu.Unlock()

	log.Printf("supervisor: exited instance=%s pid=%d", instanceID, pid)
	// Clear readiness before any restart decision so no caller sees a dead
	// instance as healthy.
	if s.onExit != nil {
		s.onExit(instanceID, pid)
	}
	if stopping {
		return
	}

	now := s.now()
	s.mu.Lock()
	window := append(s.exits[instanceID], now)
	pruned := window[:0]
	for _, exitedAt := range window {
		if now.Sub(exitedAt) <= s.cfg.RestartWindow {
			pruned = append(pruned, exitedAt)
		}
	}
	if len(pruned) > s.cfg.RestartMaxInWindow {
		until := now.Add(s.cfg.Quarantine)
		s.quarantine[instanceID] = until
		// A fresh burst after quarantine is counted from zero.
		delete(s.exits, instanceID)
		s.mu.Unlock()
		metrics.ShardQuarantines.Inc()
		log.Printf("supervisor: quarantined instance=%s until=%s", instanceID, until.UTC().Format(time.RFC3339))
		return
	}
	s.exits[instanceID] = pruned
	s.mu.Unlock()

	metrics.ShardRestarts.Inc()
	log.Printf("supervisor: restart scheduled instance=%s in=%s", instanceID, s.cfg.RestartDelay)
	// The fixed delay decouples restart storms from exit storms. The spawn
	// is re-checked at fire time: a late StartInstance may have won.
	s.afterFunc(s.cfg.RestartDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.spawnLocked(instanceID)
	})
}

// childEnv builds the configuration injected into a spawned shard.
func (s *Supervisor) childEnv(spec Spec) []string {
	return []string{
		"EMBERFALL_WORLD_INSTANCE_ID=" + spec.InstanceID,
		"EMBERFALL_WORLD_SHARD_ID=" + spec.ShardID,
		fmt.Sprintf("EMBERFALL_WORLD_SEED=%d", spec.Seed),
		"EMBERFALL_WORLD_ADDR=" + spec.Endpoint(),
		"EMBERFALL_ORCHESTRATOR_URL=" + s.cfg.OrchestratorURL,
		"EMBERFALL_INTERNAL_SECRET=" + s.cfg.InternalSecret,
	}
}
