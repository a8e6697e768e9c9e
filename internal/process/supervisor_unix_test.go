//go:build !windows

package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loykin/frpbridge/internal/event"
)

type eventSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *eventSink) emit(ev event.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) types() []event.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Type, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *eventSink) count(t event.Type) int {
	n := 0
	for _, ty := range s.types() {
		if ty == t {
			n++
		}
	}
	return n
}

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-frps")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+content+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestSupervisor(t *testing.T, script string, sink *eventSink) *Supervisor {
	t.Helper()
	return New(Options{
		Name:       "fake-frps",
		BinaryPath: writeScript(t, script),
		ConfigPath: filepath.Join(t.TempDir(), "frps.toml"),
		StopWait:   2 * time.Second,
	}, sink.emit, nil)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartStopLifecycle(t *testing.T) {
	sink := &eventSink{}
	s := newTestSupervisor(t, "exec sleep 30", sink)
	ctx := context.Background()

	st, changed, err := s.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !changed || !st.Running || st.PID == 0 {
		t.Fatalf("unexpected start status: %+v changed=%v", st, changed)
	}

	// Starting a running child is a success that changes nothing.
	st2, changed, err := s.Start(ctx)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if changed || st2.PID != st.PID {
		t.Fatalf("second start should be a no-op: %+v changed=%v", st2, changed)
	}
	if got := sink.count(event.TypeProcessStarted); got != 1 {
		t.Fatalf("started events = %d, want 1", got)
	}

	info, err := s.Query()
	if err != nil || info.PID != st.PID {
		t.Fatalf("query: info=%+v err=%v", info, err)
	}

	st, changed, err = s.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !changed || st.Running {
		t.Fatalf("unexpected stop status: %+v changed=%v", st, changed)
	}

	// Stopping again is a success that emits nothing.
	_, changed, err = s.Stop(ctx)
	if err != nil || changed {
		t.Fatalf("second stop should be a no-op: changed=%v err=%v", changed, err)
	}
	if got := sink.count(event.TypeProcessStopped); got != 1 {
		t.Fatalf("stopped events = %d, want 1", got)
	}

	if _, err := s.Query(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("query after stop: %v", err)
	}
}

func TestCrashDetection(t *testing.T) {
	sink := &eventSink{}
	s := newTestSupervisor(t, "exit 3", sink)

	if _, _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return !s.Running() }, "crash not detected")
	waitFor(t, func() bool { return sink.count(event.TypeProcessExited) == 1 },
		"no exited event after crash")

	if got := sink.count(event.TypeProcessStopped); got != 0 {
		t.Fatalf("crash must not emit stopped events, got %d", got)
	}
	if st := s.Status(); st.State != StateStopped {
		t.Fatalf("state after crash = %s", st.State)
	}
}

func TestStartMissingBinary(t *testing.T) {
	sink := &eventSink{}
	s := New(Options{
		Name:       "missing",
		BinaryPath: filepath.Join(t.TempDir(), "does-not-exist"),
		ConfigPath: "unused.toml",
	}, sink.emit, nil)

	_, changed, err := s.Start(context.Background())
	if err == nil || changed {
		t.Fatalf("expected spawn failure, changed=%v err=%v", changed, err)
	}
	if st := s.Status(); st.Running {
		t.Fatalf("status after failed start: %+v", st)
	}
	if got := sink.count(event.TypeProcessError); got != 1 {
		t.Fatalf("error events = %d, want 1", got)
	}
	// A failed start must leave the supervisor usable.
	if _, _, err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop after failed start: %v", err)
	}
}

func TestRestartChangesPID(t *testing.T) {
	sink := &eventSink{}
	s := newTestSupervisor(t, "exec sleep 30", sink)
	ctx := context.Background()

	st, _, err := s.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	first := st.PID

	st, err = s.Restart(ctx)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !st.Running || st.PID == first {
		t.Fatalf("restart did not replace child: pid %d -> %d", first, st.PID)
	}
	_, _, _ = s.Stop(ctx)
}

func TestRestartFromStopped(t *testing.T) {
	sink := &eventSink{}
	s := newTestSupervisor(t, "exec sleep 30", sink)

	st, err := s.Restart(context.Background())
	if err != nil {
		t.Fatalf("restart from stopped: %v", err)
	}
	if !st.Running {
		t.Fatalf("restart did not start child: %+v", st)
	}
	_, _, _ = s.Stop(context.Background())
}

func TestStopEscalatesToKill(t *testing.T) {
	sink := &eventSink{}
	// Child ignores TERM; Stop must fall through to KILL within StopWait.
	script := writeScript(t, "trap '' TERM\nwhile true; do sleep 1 & wait $!; done")
	s := New(Options{
		Name:       "stubborn",
		BinaryPath: script,
		ConfigPath: "unused.toml",
		StopWait:   300 * time.Millisecond,
	}, sink.emit, nil)

	if _, _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	st, changed, err := s.Stop(context.Background())
	if err != nil || !changed {
		t.Fatalf("stop: changed=%v err=%v", changed, err)
	}
	if st.Running {
		t.Fatalf("still running after stop: %+v", st)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("stop took too long: %s", elapsed)
	}
}
