// Package process owns the lifecycle of the single supervised frp child.
// The Supervisor is the only writer of process state; every transition emits
// exactly one lifecycle event through the injected sink, including error
// paths. Crash detection is passive: a monitor goroutine attached at spawn
// time owns cmd.Wait, so even a fast exit is observed.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/frpbridge/internal/env"
	"github.com/loykin/frpbridge/internal/event"
	"github.com/loykin/frpbridge/internal/logger"
	"github.com/loykin/frpbridge/internal/metrics"
)

// State is the supervisor's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

var (
	// ErrNotRunning is returned by Query when no child is running.
	ErrNotRunning = errors.New("process not running")
	// ErrBusy is returned when a start or stop is requested while another
	// transition is still in flight.
	ErrBusy = errors.New("lifecycle operation in progress")
)

// DefaultStopWait bounds the graceful-termination window before escalating
// to a kill.
const DefaultStopWait = 5 * time.Second

// Options describes the child to supervise.
type Options struct {
	Name       string        // display name, e.g. "frps"
	BinaryPath string        // absolute path to the frp executable
	ConfigPath string        // final config file passed via -c
	WorkDir    string        // child working directory
	Env        []string      // extra environment, KEY=VALUE
	Log        logger.Config // rotating writers for child stdio
	StopWait   time.Duration // graceful stop window (default DefaultStopWait)
}

// EmitFunc receives every lifecycle event. Must not block.
type EmitFunc func(event.Event)

// Status is a point-in-time snapshot of the supervised child.
type Status struct {
	State     State     `json:"state"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`
}

// Info is the answer to a Query: pid plus uptime computed at read time.
type Info struct {
	PID    int           `json:"pid"`
	Uptime time.Duration `json:"uptime"`
}

// Supervisor owns one child process. All methods are safe for concurrent use;
// lifecycle operations are serialized internally.
type Supervisor struct {
	mu        sync.Mutex
	opts      Options
	cmd       *exec.Cmd
	state     State
	pid       int
	startedAt time.Time
	stopReq   bool          // stop requested; suppress the crash path
	waitDone  chan struct{} // closed by monitor when cmd.Wait returns
	outCloser io.WriteCloser
	errCloser io.WriteCloser

	envs   *env.Set
	emit   EmitFunc
	logger *slog.Logger
}

// New creates a supervisor in the stopped state. sink may be nil.
func New(opts Options, sink EmitFunc, lg *slog.Logger) *Supervisor {
	if opts.StopWait <= 0 {
		opts.StopWait = DefaultStopWait
	}
	if sink == nil {
		sink = func(event.Event) {}
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &Supervisor{
		opts:   opts,
		state:  StateStopped,
		envs:   env.New(),
		emit:   sink,
		logger: lg.With("component", "supervisor", "name", opts.Name),
	}
}

// Status returns a snapshot of the current state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Supervisor) snapshotLocked() Status {
	st := Status{State: s.state, Running: s.state == StateRunning}
	if st.Running {
		st.PID = s.pid
		st.StartedAt = s.startedAt
	}
	return st
}

// Running reports whether the child is currently running.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

// Query returns pid and uptime of the running child, or ErrNotRunning.
func (s *Supervisor) Query() (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return Info{}, ErrNotRunning
	}
	return Info{PID: s.pid, Uptime: time.Since(s.startedAt)}, nil
}

// Start spawns the child. Starting an already-running child is a no-op
// success: the current status is returned, changed is false, and no event is
// emitted. A missing binary or failed spawn fails the attempt without retry.
func (s *Supervisor) Start(_ context.Context) (Status, bool, error) {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
		st := s.snapshotLocked()
		s.mu.Unlock()
		return st, false, nil
	case StateStarting, StateStopping:
		st := s.snapshotLocked()
		s.mu.Unlock()
		return st, false, ErrBusy
	}
	s.state = StateStarting
	opts := s.opts
	s.mu.Unlock()

	cmd, err := s.buildCmd(opts)
	if err != nil {
		s.failStart(err)
		return s.Status(), false, err
	}
	if err := cmd.Start(); err != nil {
		s.mu.Lock()
		s.closeWritersLocked()
		s.mu.Unlock()
		err = fmt.Errorf("spawn %s: %w", opts.Name, err)
		s.failStart(err)
		return s.Status(), false, err
	}

	s.mu.Lock()
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now()
	s.state = StateRunning
	s.stopReq = false
	s.waitDone = make(chan struct{})
	wd := s.waitDone
	st := s.snapshotLocked()
	s.mu.Unlock()

	go s.monitor(cmd, wd)

	metrics.IncStart()
	s.logger.Info("process started", "pid", st.PID)
	s.emit(event.New(event.TypeProcessStarted, map[string]any{"pid": st.PID}))
	return st, true, nil
}

func (s *Supervisor) buildCmd(opts Options) (*exec.Cmd, error) {
	if _, err := os.Stat(opts.BinaryPath); err != nil {
		return nil, fmt.Errorf("binary %s: %w", opts.BinaryPath, err)
	}
	// #nosec G204 -- binary path is operator-configured, not request input
	cmd := exec.Command(opts.BinaryPath, "-c", opts.ConfigPath)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Env = s.envs.Compose(opts.Env)
	configureSysProcAttr(cmd)

	if opts.Log.Dir != "" || opts.Log.StdoutPath != "" || opts.Log.StderrPath != "" {
		if opts.Log.Dir != "" {
			_ = os.MkdirAll(opts.Log.Dir, 0o750)
		}
		outW, errW, _ := opts.Log.Writers(opts.Name)
		s.mu.Lock()
		s.outCloser, s.errCloser = outW, errW
		s.mu.Unlock()
		if outW != nil {
			cmd.Stdout = outW
		}
		if errW != nil {
			cmd.Stderr = errW
		}
	}
	if cmd.Stdout == nil {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}
	return cmd, nil
}

func (s *Supervisor) failStart(err error) {
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Error("process start failed", "error", err)
	s.emit(event.New(event.TypeProcessError, map[string]any{"error": err.Error()}))
}

// monitor owns cmd.Wait for one run. It drives the crash path when the exit
// was not requested through Stop.
func (s *Supervisor) monitor(cmd *exec.Cmd, wd chan struct{}) {
	err := cmd.Wait()
	close(wd)

	s.mu.Lock()
	s.closeWritersLocked()
	requested := s.stopReq || s.state == StateStopping
	if !requested {
		s.state = StateStopped
		s.pid = 0
		s.cmd = nil
	}
	s.mu.Unlock()

	if requested {
		// Stop() finalizes state and emits process:stopped.
		return
	}

	reason := "exited"
	if err != nil {
		reason = err.Error()
	}
	metrics.IncCrash()
	s.logger.Warn("process exited unexpectedly", "reason", reason)
	s.emit(event.New(event.TypeProcessExited, map[string]any{"reason": reason}))
}

// Stop terminates the child: SIGTERM to the process group, bounded wait,
// SIGKILL escalation. Stopping an already-stopped child is a no-op success
// with no event emitted.
func (s *Supervisor) Stop(ctx context.Context) (Status, bool, error) {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		st := s.snapshotLocked()
		s.mu.Unlock()
		return st, false, nil
	case StateStarting, StateStopping:
		st := s.snapshotLocked()
		s.mu.Unlock()
		return st, false, ErrBusy
	}
	s.state = StateStopping
	s.stopReq = true
	pid := s.pid
	wd := s.waitDone
	wait := s.opts.StopWait
	s.mu.Unlock()

	_ = signalGroup(pid, syscall.SIGTERM)
	select {
	case <-wd:
	case <-ctx.Done():
		_ = signalGroup(pid, syscall.SIGKILL)
		select {
		case <-wd:
		case <-time.After(200 * time.Millisecond):
		}
	case <-time.After(wait):
		_ = signalGroup(pid, syscall.SIGKILL)
		select {
		case <-wd:
		case <-time.After(200 * time.Millisecond):
			// best-effort; monitor will finish the reap
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.pid = 0
	s.cmd = nil
	st := s.snapshotLocked()
	s.mu.Unlock()

	metrics.IncStop()
	s.logger.Info("process stopped")
	s.emit(event.New(event.TypeProcessStopped, nil))
	return st, true, nil
}

// Restart is stop-then-start. A stop failure aborts the restart; the start
// half is never attempted against a half-stopped child.
func (s *Supervisor) Restart(ctx context.Context) (Status, error) {
	if _, _, err := s.Stop(ctx); err != nil {
		return s.Status(), fmt.Errorf("restart: %w", err)
	}
	st, _, err := s.Start(ctx)
	if err != nil {
		return st, fmt.Errorf("restart: %w", err)
	}
	return st, nil
}

func (s *Supervisor) closeWritersLocked() {
	if s.outCloser != nil {
		_ = s.outCloser.Close()
		s.outCloser = nil
	}
	if s.errCloser != nil {
		_ = s.errCloser.Close()
		s.errCloser = nil
	}
}
