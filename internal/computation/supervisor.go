// Package computation implements the Computation Supervisor: one
// subprocess handle and its lifecycle, grounded on the teacher's
// worker.Worker/worker_pool.go pattern of a struct wrapping a unit of
// concurrent work, generalized from a goroutine executing simulated
// tasks to os/exec.Cmd wrapping a real subprocess.
package computation

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/compute-node-agent/internal/agenterr"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// State is the lifecycle state of a supervised subprocess.
type State int

const (
	StatePending State = iota
	StateRunning
	StateStopping
	StateExited
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// ExitType distinguishes a clean exit from a signal/crash.
type ExitType int

const (
	ExitNone ExitType = iota
	ExitNormal
	ExitSignaled
	ExitError
)

func (e ExitType) String() string {
	switch e {
	case ExitNormal:
		return "normal"
	case ExitSignaled:
		return "signaled"
	case ExitError:
		return "error"
	default:
		return "none"
	}
}

// Status is the externally observable snapshot returned by Status().
type Status struct {
	State         State
	StoppedReason string
	ExitType      ExitType
	ExitCode      int
	Signal        string
}

// SpawnSpec describes how to launch a computation's subprocess: the
// program, its arguments, environment, and working directory, plus
// whether its process group should be cleaned up on supervisor
// destruction.
type SpawnSpec struct {
	CompID           model.CompID
	Name             string
	Program          string
	Args             []string
	Env              []string
	WorkingDir       string
	CleanupProcGroup bool
}

// Observer receives the supervisor's lifecycle callbacks. Session
// Manager code implements this to fold events into its own bookkeeping
// and the Event Pipeline.
type Observer interface {
	OnSpawn(comp model.CompID)
	OnTerminate(comp model.CompID, status Status)
	OnHeartbeat(comp model.CompID, sample model.HeartbeatSample)
}

// Supervisor owns exactly one subprocess and mirrors the sentGo /
// terminationExpected bookkeeping the spec calls for so that a second
// "run" signal is distinguished from the first.
type Supervisor struct {
	spec     SpawnSpec
	observer Observer
	log      *slog.Logger

	mu                  sync.Mutex
	cmd                 *exec.Cmd
	state               State
	sentGo              bool
	terminationExpected bool
	status              Status
	exited              chan struct{}

	perfMu sync.Mutex
	perf   model.PerformanceStats
}

// New creates a supervisor for one computation. Nothing is spawned yet.
func New(spec SpawnSpec, observer Observer, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		spec:     spec,
		observer: observer,
		log:      log.With("comp", spec.CompID, "name", spec.Name),
		state:    StatePending,
		exited:   make(chan struct{}),
	}
}

// Start launches the subprocess in its own process group so that
// Shutdown can signal every descendant it spawns, not just the direct
// child.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.state != StatePending {
		s.mu.Unlock()
		return agenterr.NewSubprocess("computation already started", nil)
	}

	cmd := exec.Command(s.spec.Program, s.spec.Args...)
	cmd.Dir = s.spec.WorkingDir
	cmd.Env = s.spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		s.state = StateExited
		s.status = Status{State: StateExited, ExitType: ExitError, StoppedReason: err.Error()}
		s.mu.Unlock()
		return agenterr.NewSubprocess("failed to spawn computation", err)
	}

	s.cmd = cmd
	s.state = StateRunning
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.OnSpawn(s.spec.CompID)
	}

	go s.wait()
	return nil
}

func (s *Supervisor) wait() {
	err := s.cmd.Wait()

	s.mu.Lock()
	status := Status{State: StateExited}
	if err == nil {
		status.ExitType = ExitNormal
		status.ExitCode = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.ExitType = ExitSignaled
			status.Signal = ws.Signal().String()
		} else {
			status.ExitType = ExitError
			status.ExitCode = exitErr.ExitCode()
		}
	} else {
		status.ExitType = ExitError
	}
	if s.terminationExpected {
		status.StoppedReason = "shutdown requested"
	}
	s.state = StateExited
	s.status = status
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.OnTerminate(s.spec.CompID, status)
	}

	close(s.exited)
}

// Shutdown asks the subprocess to stop politely: SIGTERM to the whole
// process group. It does not wait; call WaitUntilExit for that.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.terminationExpected = true
	s.state = StateStopping
	pgid := s.cmd.Process.Pid
	s.mu.Unlock()

	if s.spec.CleanupProcGroup {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = syscall.Kill(pgid, syscall.SIGTERM)
	}
}

// Kill forcefully terminates the subprocess with SIGKILL. It's the third
// phase of shutdown, for a computation that ignored the polite SIGTERM
// from Shutdown and is still running once WaitUntilExit's deadline
// elapses.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateStopping {
		s.mu.Unlock()
		return
	}
	if s.cmd == nil || s.cmd.Process == nil {
		s.mu.Unlock()
		return
	}
	s.terminationExpected = true
	pgid := s.cmd.Process.Pid
	cleanup := s.spec.CleanupProcGroup
	s.mu.Unlock()

	if cleanup {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}
}

// WaitUntilExit blocks until the subprocess has exited or ctx is done,
// returning whether it exited in time. A context with no deadline or
// cancellation waits forever.
func (s *Supervisor) WaitUntilExit(ctx context.Context) bool {
	select {
	case <-s.exited:
		return true
	case <-ctx.Done():
		return false
	}
}

// Signal implements the two-phase "run" semantics: the first arrival
// after spawn sends "go" (optionally followed by a stop signal when
// autoSuspend is requested — the caller resumes with SIGCONT), every
// subsequent arrival sends "update".
func (s *Supervisor) Signal(autoSuspend bool) (control string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sentGo {
		s.sentGo = true
		control = "go"
		if autoSuspend && s.cmd != nil && s.cmd.Process != nil {
			_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGSTOP)
		}
		return control
	}
	return "update"
}

// Status returns a snapshot of the supervisor's externally observable
// state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.State = s.state
	return st
}

// PerformanceStats returns a copy of the rolling heartbeat rollup.
func (s *Supervisor) PerformanceStats() model.PerformanceStats {
	s.perfMu.Lock()
	defer s.perfMu.Unlock()
	return s.perf
}

// ObserveHeartbeat folds a new sample into the running maxima and
// notifies the observer. Any panic while marshaling a sample upstream
// is the router's concern, not the supervisor's — this method only
// ever receives an already-decoded sample.
func (s *Supervisor) ObserveHeartbeat(sample model.HeartbeatSample) {
	s.perfMu.Lock()
	s.perf.Observe(sample, time.Now())
	s.perfMu.Unlock()

	if s.observer != nil {
		s.observer.OnHeartbeat(s.spec.CompID, sample)
	}
}
