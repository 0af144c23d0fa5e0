// Package proclife guarantees worker subprocesses cannot outlive the parent.
//
// Two platform strategies sit behind one Supervisor: on Windows a kernel job
// object with kill-on-close terminates every assigned process when the job
// handle closes, covering abnormal parent exit; elsewhere workers are placed
// in their own process group at spawn time and the whole group is signalled
// on shutdown, with an explicit KillAll hook for interrupt handlers.
//
// The Supervisor is constructed explicitly and injected into whatever spawns
// workers; there is no package-level singleton.
package proclife

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultGracePeriod bounds how long Shutdown waits for a natural exit
// before escalating to a tree kill.
const DefaultGracePeriod = 3 * time.Second

// Supervisor tracks spawned worker processes and enforces their lifetime.
type Supervisor struct {
	logger *slog.Logger

	mu       sync.Mutex
	assigned map[int]*os.Process
	platform platformSupervisor
}

// platformSupervisor is the per-OS strategy.
type platformSupervisor interface {
	// supported reports whether the strategy is active on this platform.
	supported() bool
	// prepare configures cmd before Start so the child can be killed
	// tree-wide later (process group on Unix).
	prepare(cmd *exec.Cmd)
	// assign registers a started process with the kernel-level guarantee
	// (job object on Windows; no-op on Unix where prepare did the work).
	assign(p *os.Process) error
	// killTree terminates the process and all of its descendants.
	killTree(p *os.Process) error
	// close releases platform handles. On Windows closing the job handle
	// kills every assigned process.
	close() error
}

// New creates a Supervisor using the platform strategy.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		logger:   logger.With("component", "proclife"),
		assigned: make(map[int]*os.Process),
		platform: newPlatformSupervisor(),
	}
}

// Supported reports whether a kernel-level lifetime guarantee is active.
// When false, only the explicit KillAll fallback protects against orphans.
func (s *Supervisor) Supported() bool {
	return s.platform.supported()
}

// Prepare must be called on a worker command before Start.
func (s *Supervisor) Prepare(cmd *exec.Cmd) {
	s.platform.prepare(cmd)
}

// Assign registers a started worker with the supervisor. The worker is
// tracked for KillAll and, where supported, bound to the kernel guarantee.
func (s *Supervisor) Assign(p *os.Process) error {
	if p == nil {
		return nil
	}
	s.mu.Lock()
	s.assigned[p.Pid] = p
	s.mu.Unlock()

	if err := s.platform.assign(p); err != nil {
		s.logger.Warn("kernel lifetime guarantee unavailable for process",
			"pid", p.Pid, "error", err)
		return err
	}
	return nil
}

// Release forgets a process that exited normally.
func (s *Supervisor) Release(p *os.Process) {
	if p == nil {
		return
	}
	s.mu.Lock()
	delete(s.assigned, p.Pid)
	s.mu.Unlock()
}

// KillTree forcefully terminates the process and its descendants.
func (s *Supervisor) KillTree(p *os.Process) error {
	if p == nil {
		return nil
	}
	defer s.Release(p)
	return s.platform.killTree(p)
}

// Shutdown drives graceful-then-forced termination of one worker. The caller
// closes the worker's input side first; exited must be closed when the
// process reaps naturally. If that does not happen within grace (or the
// context ends), the entire process tree is killed.
func (s *Supervisor) Shutdown(ctx context.Context, p *os.Process, exited <-chan struct{}, grace time.Duration) error {
	if p == nil {
		return nil
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
		s.Release(p)
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.logger.Warn("worker did not exit gracefully, killing process tree", "pid", p.Pid)
	return s.KillTree(p)
}

// KillAll terminates every assigned process tree. Wired into interrupt and
// exit hooks as the fallback when no kernel guarantee exists.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	procs := make([]*os.Process, 0, len(s.assigned))
	for _, p := range s.assigned {
		procs = append(procs, p)
	}
	s.assigned = make(map[int]*os.Process)
	s.mu.Unlock()

	for _, p := range procs {
		if err := s.platform.killTree(p); err != nil {
			s.logger.Debug("kill tree failed", "pid", p.Pid, "error", err)
		}
	}
}

// Close sweeps any still-assigned workers and releases platform resources.
// On Windows closing the job handle kills assigned workers a second way.
func (s *Supervisor) Close() error {
	s.KillAll()
	return s.platform.close()
}

// AssignedCount returns the number of tracked worker processes.
func (s *Supervisor) AssignedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assigned)
}
