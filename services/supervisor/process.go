// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Command describes one service process.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	Stdout io.Writer
	Stderr io.Writer
}

// Process is a started service process.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Process interface {
	// Pid returns the OS process id, or a fake id for test doubles.
	Pid() int

	// Signal delivers sig to the process.
	Signal(sig os.Signal) error

	// Kill terminates the process immediately.
	Kill() error

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// Err returns the exit error once Done is closed. A clean exit
	// returns nil.
	Err() error
}

// ProcessRunner starts service processes.
//
// All process spawning of the supervisor goes through this interface so
// tests can drive exits and signals without real processes.
type ProcessRunner interface {
	// Start launches cmd and returns immediately.
	//
	// # Inputs
	//
	//   - ctx: Bounds the start itself, not the process lifetime.
	//   - cmd: What to run.
	//
	// # Outputs
	//
	//   - Process: The running process.
	//   - error: Non-nil if the process could not be started.
	Start(ctx context.Context, cmd Command) (Process, error)
}

// -----------------------------------------------------------------------------
// Default Implementation
// -----------------------------------------------------------------------------

// ExecRunner implements ProcessRunner using os/exec.
type ExecRunner struct{}

// NewExecRunner creates a runner that starts real processes.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Start implements ProcessRunner.
func (r *ExecRunner) Start(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Not CommandContext: the supervisor owns the process lifetime and
	// stops it with SIGTERM before SIGKILL.
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error {
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// exitCode extracts the exit status from a process error, -1 if unknown.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	var mockErr *MockExit
	if errors.As(err, &mockErr) {
		return mockErr.Code
	}
	return -1
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockExit is the exit error of a MockProcess.
type MockExit struct {
	Code   int
	Signal os.Signal
}

func (e *MockExit) Error() string {
	if e.Signal != nil {
		return "signal: " + e.Signal.String()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// MockRunner is a test double for ProcessRunner.
//
// Every started process is sent to Started. By default a MockProcess exits
// cleanly on SIGTERM; set IgnoreTerm to make it wait for Kill.
//
// # Examples
//
//	runner := NewMockRunner()
//	sup, _ := New(Config{..., Runner: runner})
//	proc := <-runner.Started
//	proc.Exit(&MockExit{Code: 1}) // simulate a crash
type MockRunner struct {
	// StartFunc, when set, can fail a start.
	StartFunc func(cmd Command) error

	// IgnoreTerm makes new processes ignore SIGTERM.
	IgnoreTerm bool

	// Started receives every started process.
	Started chan *MockProcess

	mu    sync.Mutex
	procs []*MockProcess
	next  int
}

// NewMockRunner creates a MockRunner.
func NewMockRunner() *MockRunner {
	return &MockRunner{Started: make(chan *MockProcess, 64), next: 1000}
}

// Start implements ProcessRunner.
func (m *MockRunner) Start(ctx context.Context, cmd Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.StartFunc != nil {
		if err := m.StartFunc(cmd); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	m.next++
	p := &MockProcess{
		pid:        m.next,
		Cmd:        cmd,
		ignoreTerm: m.IgnoreTerm,
		done:       make(chan struct{}),
	}
	m.procs = append(m.procs, p)
	m.mu.Unlock()

	select {
	case m.Started <- p:
	default:
	}
	return p, nil
}

// Processes returns every process started so far.
func (m *MockRunner) Processes() []*MockProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockProcess, len(m.procs))
	copy(out, m.procs)
	return out
}

// MockProcess is a Process controlled by the test.
type MockProcess struct {
	Cmd Command

	pid        int
	ignoreTerm bool

	mu      sync.Mutex
	signals []os.Signal
	done    chan struct{}
	err     error
	once    sync.Once
}

// Exit ends the process with err (nil is a clean exit).
func (p *MockProcess) Exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Pid implements Process.
func (p *MockProcess) Pid() int { return p.pid }

// Signal implements Process.
func (p *MockProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.ignoreTerm
	p.mu.Unlock()
	if sig == syscall.SIGTERM && !ignore {
		p.Exit(nil)
	}
	return nil
}

// Kill implements Process.
func (p *MockProcess) Kill() error {
	p.mu.Lock()
	p.signals = append(p.signals, os.Kill)
	p.mu.Unlock()
	p.Exit(&MockExit{Code: -1, Signal: os.Kill})
	return nil
}

// Done implements Process.
func (p *MockProcess) Done() <-chan struct{} { return p.done }

// Err implements Process.
func (p *MockProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Signals returns the signals delivered so far.
func (p *MockProcess) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]os.Signal, len(p.signals))
	copy(out, p.signals)
	return out
}

// Compile-time interface compliance check.
var (
	_ ProcessRunner = (*ExecRunner)(nil)
	_ ProcessRunner = (*MockRunner)(nil)
	_ Process       = (*execProcess)(nil)
	_ Process       = (*MockProcess)(nil)
)
