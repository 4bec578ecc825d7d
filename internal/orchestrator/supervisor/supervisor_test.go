package supervisor

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProcess struct {
	pid        int
	done       chan struct{}
	closeOnce  sync.Once
	terminated bool
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.terminated = true
	p.exit()
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit()
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) exit() {
	p.closeOnce.Do(func() { close(p.done) })
}

type fakeLauncher struct {
	mu      sync.Mutex
	nextPID int
	procs   []*fakeProcess
	envs    [][]string
}

func (l *fakeLauncher) Launch(_ Spec, env []string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextPID++
	proc := &fakeProcess{pid: l.nextPID, done: make(chan struct{})}
	l.procs = append(l.procs, proc)
	l.envs = append(l.envs, env)
	return proc, nil
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

type harness struct {
	sup      *Supervisor
	launcher *fakeLauncher
	clock    *fakeClock

	mu       sync.Mutex
	pending  []func()
	exited   []int
	exitedID []string
}

// runPending fires every timer callback scheduled so far.
func (h *harness) runPending() {
	h.mu.Lock()
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()
	for _, f := range pending {
		f()
	}
}

// crashAndWait closes the live process and waits for the exit handler.
func (h *harness) crashAndWait(t *testing.T, instanceID string) {
	t.Helper()
	proc := h.launcher.last()
	if proc == nil {
		t.Fatal("no live process to crash")
	}
	proc.exit()
	waitFor(t, func() bool { return !h.sup.Running(instanceID) })
	// Exit bookkeeping (window append, restart scheduling) runs after the
	// managed entry is removed; give it the same grace.
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, pid := range h.exited {
			if pid == proc.pid {
				return true
			}
		}
		return false
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		launcher: &fakeLauncher{},
		clock:    &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)},
	}
	sup, err := New(h.launcher, Config{
		RestartWindow:      time.Minute,
		RestartMaxInWindow: 3,
		Quarantine:         time.Minute,
		RestartDelay:       time.Second,
		StopGrace:          time.Second,
		OrchestratorURL:    "http://127.0.0.1:7780",
		InternalSecret:     "secret",
	}, h.clock.Now, func(instanceID string, pid int) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.exited = append(h.exited, pid)
		h.exitedID = append(h.exitedID, instanceID)
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	// Capture scheduled restarts instead of running real timers.
	sup.afterFunc = func(_ time.Duration, f func()) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.pending = append(h.pending, f)
	}
	h.sup = sup
	return h
}

func keepSpec() Spec {
	return Spec{InstanceID: "keep", ShardID: "1", Port: 7801, Seed: 42}
}

func TestStartInstanceInjectsChildConfig(t *testing.T) {
	h := newHarness(t)
	if _, err := h.sup.RegisterSpec(keepSpec()); err != nil {
		t.Fatalf("register spec: %v", err)
	}

	if !h.sup.StartInstance("keep") {
		t.Fatal("expected spawn")
	}
	if !h.sup.Running("keep") {
		t.Fatal("expected running instance")
	}

	env := h.launcher.envs[0]
	want := []string{
		"EMBERFALL_WORLD_INSTANCE_ID=keep",
		"EMBERFALL_WORLD_SHARD_ID=1",
		"EMBERFALL_WORLD_SEED=42",
		"EMBERFALL_WORLD_ADDR=127.0.0.1:7801",
		"EMBERFALL_ORCHESTRATOR_URL=http://127.0.0.1:7780",
		"EMBERFALL_INTERNAL_SECRET=secret",
	}
	if len(env) != len(want) {
		t.Fatalf("env = %v, want %v", env, want)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Fatalf("env[%d] = %q, want %q", i, env[i], want[i])
		}
	}
}

func TestStartInstanceRefusesDuplicates(t *testing.T) {
	h := newHarness(t)
	if _, err := h.sup.RegisterSpec(keepSpec()); err != nil {
		t.Fatalf("register spec: %v", err)
	}

	if !h.sup.StartInstance("keep") {
		t.Fatal("expected first spawn")
	}
	if h.sup.StartInstance("keep") {
		t.Fatal("second spawn must be refused while running")
	}
	if h.launcher.count() != 1 {
		t.Fatalf("launches = %d, want 1", h.launcher.count())
	}
}

func TestStartInstanceUnknownSpec(t *testing.T) {
	h := newHarness(t)
	if h.sup.StartInstance("ghost") {
		t.Fatal("unknown instance must be refused")
	}
}

func TestExitSchedulesRestart(t *testing.T) {
	h := newHarness(t)
	if _, err := h.sup.RegisterSpec(keepSpec()); err != nil {
		t.Fatalf("register spec: %v", err)
	}
	h.sup.StartInstance("keep")

	h.crashAndWait(t, "keep")

	h.mu.Lock()
	scheduled := len(h.pending)
	notified := len(h.exited)
	h.mu.Unlock()
	if scheduled != 1 {
		t.Fatalf("scheduled restarts = %d, want 1", scheduled)
	}
	if notified != 1 {
		t.Fatalf("exit notifications = %d, want 1", notified)
	}

	h.runPending()
	if !h.sup.Running("keep") {
		t.Fatal("expected respawned instance")
	}
	if h.launcher.count() != 2 {
		t.Fatalf("launches = %d, want 2", h.launcher.count())
	}
}

func TestRestartSkippedWhenLateStartWonRace(t *testing.T) {
	h := newHarness(t)
	if _, err := h.sup.RegisterSpec(keepSpec()); err != nil {
		t.Fatalf("register spec: %v", err)
	}
	h.sup.StartInstance("keep")
	h.crashAndWait(t, "keep")

	// An operator restart lands before the scheduled respawn fires.
	if !h.sup.StartInstance("keep") {
		t.Fatal("expected manual spawn")
	}
	h.runPending()
	if h.launcher.count() != 2 {
		t.Fatalf("launches = %d, want 2 (respawn must notice the race)", h.launcher.count())
	}
}

func TestFourthExitInWindowQuarantines(t *testing.T) {
	h := newHarness(t)
	if _, err := h.sup.RegisterSpec(keepSpec()); err != nil {
		t.Fatalf("register spec: %v", err)
	}
	h.sup.StartInstance("keep")

	for i := 0; i < 3; i++ {
		h.crashAndWait(t, "keep")
		h.clock.Advance(time.Second)
		h.runPending()
		if !h.sup.Running("keep") {
			t.Fatalf("crash %d: expected restart", i+1)
		}
	}

	// Fourth exit inside the window: over threshold, quarantine.
	h.crashAndWait(t, "keep")
	h.runPending()
	if h.sup.Running("keep") {
		t.Fatal("expected no restart after quarantine")
	}
	until, ok := h.sup.QuarantineUntil("keep")
	if !ok {
		t.Fatal("expected active quarantine")
	}
	if want := h.clock.Now().Add(time.Minute); !until.Equal(want) {
		t.Fatalf("quarantine until = %v, want %v", until, want)
	}

	// Spawn attempts during quarantine are refused.
	if h.sup.StartInstance("keep") {
		t.Fatal("spawn during quarantine must be refused")
	}

	// After quarantine passes, spawning works and the window restarts fresh.
	h.clock.Advance(61 * time.Second)
	if _, ok := h.sup.QuarantineUntil("keep"); ok {
		t.Fatal("quarantine must lapse")
	}
	if !h.sup.StartInstance("keep") {
		t.Fatal("expected spawn after quarantine")
	}
}

func TestExitsOutsideWindowDoNotQuarantine(t *testing.T) {
	h := newHarness(t)
	if _, err := h.sup.RegisterSpec(keepSpec()); err != nil {
		t.Fatalf("register spec: %v", err)
	}
	h.sup.StartInstance("keep")

	for i := 0; i < 6; i++ {
		h.crashAndWait(t, "keep")
		// Each exit lands in its own window.
		h.clock.Advance(2 * time.Minute)
		h.runPending()
		if !h.sup.Running("keep") {
			t.Fatalf("crash %d: expected restart", i+1)
		}
	}
	if _, ok := h.sup.QuarantineUntil("keep"); ok {
		t.Fatal("spread-out exits must not quarantine")
	}
}

func TestKillInstanceFlowsThroughExitPath(t *testing.T) {
	h := newHarness(t)
	if _, err := h.sup.RegisterSpec(keepSpec()); err != nil {
		t.Fatalf("register spec: %v", err)
	}
	h.sup.StartInstance("keep")

	if !h.sup.KillInstance("keep") {
		t.Fatal("expected kill to succeed")
	}
	waitFor(t, func() bool { return !h.sup.Running("keep") })
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.exited) == 1
	})

	if h.sup.KillInstance("keep") {
		t.Fatal("kill of a dead instance must return false")
	}
}

func TestStopAllBlocksRespawns(t *testing.T) {
	h := newHarness(t)
	if err := h.sup.Start([]Spec{keepSpec(), {InstanceID: "crypt", ShardID: "2", Port: 7802}}); err != nil {
		t.Fatalf("start fleet: %v", err)
	}
	if h.launcher.count() != 2 {
		t.Fatalf("launches = %d, want 2", h.launcher.count())
	}

	h.sup.StopAll()
	waitFor(t, func() bool { return !h.sup.Running("keep") && !h.sup.Running("crypt") })
	h.runPending()

	if h.sup.Running("keep") || h.sup.Running("crypt") {
		t.Fatal("expected all instances stopped")
	}
	for _, proc := range h.launcher.procs {
		if !proc.terminated {
			t.Fatal("expected graceful termination for every process")
		}
	}
	if h.sup.StartInstance("keep") {
		t.Fatal("spawn after stop must be refused")
	}
	if h.launcher.count() != 2 {
		t.Fatalf("launches = %d, want no respawns after stop", h.launcher.count())
	}
}

func TestEnsureSpecAllocatesDynamicPorts(t *testing.T) {
	h := newHarness(t)

	first, err := h.sup.EnsureSpec("mire")
	if err != nil {
		t.Fatalf("ensure spec: %v", err)
	}
	if !first.Dynamic || first.Port <= 0 {
		t.Fatalf("spec = %+v, want dynamic with port", first)
	}

	second, err := h.sup.EnsureSpec("bog")
	if err != nil {
		t.Fatalf("ensure spec: %v", err)
	}
	if second.Port == first.Port {
		t.Fatal("dynamic ports must not collide")
	}

	again, err := h.sup.EnsureSpec("mire")
	if err != nil {
		t.Fatalf("re-ensure spec: %v", err)
	}
	if again.Port != first.Port {
		t.Fatal("specs are kept across calls")
	}
}
