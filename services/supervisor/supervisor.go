// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor runs one service from its active store entry and
// keeps it running with live configuration.
//
// A single event loop goroutine owns the process and the state machine:
//
//	Stopped -> Starting -> Running
//	Running + config change -> Reconfiguring -> Starting -> Running
//	Running + unexpected exit -> Failed -> (backoff) -> Starting
//	Failed, restarts exhausted -> Stopped (Wait returns ErrRestartsExhausted)
//
// The config backend runs in its own goroutine and hands snapshots to the
// loop through a single-slot mailbox, so the newest snapshot always wins.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/bldr/pkg/logging"
	"github.com/AleutianAI/bldr/pkg/retry"
	"github.com/AleutianAI/bldr/services/pkgstore/current"
	"github.com/AleutianAI/bldr/services/pkgstore/identity"
	"github.com/AleutianAI/bldr/services/supervisor/backend"
	"github.com/AleutianAI/bldr/services/supervisor/effective"
	"github.com/AleutianAI/bldr/services/supervisor/render"
)

// =============================================================================
// States and Errors
// =============================================================================

// State is a supervisor state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Reconfiguring
	Failed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Reconfiguring:
		return "reconfiguring"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrAlreadyRunning is returned by Start while the loop is active.
	ErrAlreadyRunning = errors.New("supervisor already running")

	// ErrRestartsExhausted is returned by Wait after MaxRestarts failed
	// restarts.
	ErrRestartsExhausted = errors.New("restart attempts exhausted")

	// ErrNoExec is returned when the active package has no exec command.
	ErrNoExec = errors.New("package has no exec command")
)

// ProcessExitError reports an unexpected exit of the service process.
type ProcessExitError struct {
	Service string
	RunID   string
	Code    int
	Err     error
}

// Error implements the error interface.
func (e *ProcessExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("service %s (run %s) exited unexpectedly with code 0", e.Service, e.RunID)
	}
	return fmt.Sprintf("service %s (run %s) exited with code %d: %v", e.Service, e.RunID, e.Code, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProcessExitError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Configuration
// =============================================================================

const (
	DefaultGraceTimeout      = 10 * time.Second
	DefaultMaxRestarts       = 5
	DefaultBackoffResetAfter = time.Minute
	DefaultInitialConfigWait = 5 * time.Second

	// DefaultsFileName is the defaults file inside a store entry.
	DefaultsFileName = "default.yaml"

	dataDir = "data"
)

// Config configures a Supervisor.
type Config struct {
	// Service is the service name; the service directory is
	// <SrvcRoot>/<Service>.
	Service  string
	SrvcRoot string

	// Backend supplies overrides. Nil reads <SERVICE>_* environment
	// variables once.
	Backend backend.Backend

	// Runner starts processes. Nil uses ExecRunner.
	Runner ProcessRunner

	// Strict fails renders that reference missing config keys.
	Strict bool

	// GraceTimeout is the wait between SIGTERM and SIGKILL.
	GraceTimeout time.Duration

	// MaxRestarts bounds consecutive restarts after failures.
	MaxRestarts int

	// RestartBackoff paces restarts. Only the backoff fields are used.
	RestartBackoff retry.Config

	// BackoffResetAfter is the run time after which a failure counts as
	// the first one again.
	BackoffResetAfter time.Duration

	// InitialConfigWait bounds how long the first start waits for the
	// backend's first snapshot before starting with defaults only.
	InitialConfigWait time.Duration

	// Stdout and Stderr receive the process output; nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	// OnTransition, if set, is called from the loop goroutine on every
	// state change. It must not block.
	OnTransition func(from, to State)

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.GraceTimeout <= 0 {
		c.GraceTimeout = DefaultGraceTimeout
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.RestartBackoff.InitialBackoff <= 0 {
		c.RestartBackoff = retry.Config{
			MaxAttempts:    1,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			BackoffFactor:  2.0,
			JitterFactor:   0.2,
		}
	}
	if c.BackoffResetAfter <= 0 {
		c.BackoffResetAfter = DefaultBackoffResetAfter
	}
	if c.InitialConfigWait <= 0 {
		c.InitialConfigWait = DefaultInitialConfigWait
	}
	if c.Runner == nil {
		c.Runner = NewExecRunner()
	}
	if c.Backend == nil {
		c.Backend = backend.NewEnv(c.Service, nil)
	}
	return c
}

// Status is a read-only view of the supervisor.
type Status struct {
	Service    string
	State      State
	RunID      string
	Pid        int
	Package    identity.Identity
	Generation int
	Restarts   int
	LastError  string
	Since      time.Time
	Backend    string
}

// =============================================================================
// Supervisor
// =============================================================================

// Supervisor supervises one service.
//
// # Thread Safety
//
// Start, Stop, Wait, Status and EffectiveConfig are safe for concurrent
// use. Everything else runs on the loop goroutine.
type Supervisor struct {
	cfg      Config
	pointer  *current.Pointer
	renderer *render.Renderer
	logger   *slog.Logger
	inbox    *mailbox

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce *sync.Once
	done     chan struct{}
	err      error

	// cur is owned by the loop goroutine; status is its published copy.
	cur    Status
	status atomic.Pointer[Status]
	config atomic.Pointer[effective.Config]
}

// New creates a Supervisor in the Stopped state.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Service == "" || cfg.SrvcRoot == "" {
		return nil, fmt.Errorf("supervisor: service and srvc root are required")
	}
	cfg = cfg.withDefaults()
	logger := logging.OrDefault(cfg.Logger).With("component", "supervisor", "service", cfg.Service)

	pointer, err := current.New(cfg.SrvcRoot, cfg.Service, logger)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:      cfg,
		pointer:  pointer,
		renderer: render.New(render.Options{Strict: cfg.Strict, Logger: logger}),
		logger:   logger,
		inbox:    newMailbox(),
		cur:      Status{Service: cfg.Service, State: Stopped, Since: time.Now(), Backend: cfg.Backend.String()},
	}
	s.publish()
	return s, nil
}

// Start starts the event loop and the backend.
//
// # Description
//
// Returns once both goroutines are launched; the first start happens on
// the loop, after the backend's first snapshot or InitialConfigWait.
// Cancelling ctx stops the service like Stop.
//
// # Outputs
//
//   - error: ErrAlreadyRunning if the loop is active.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stopOnce = new(sync.Once)
	s.done = make(chan struct{})
	s.err = nil
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()

	bctx, stopBackend := context.WithCancel(ctx)
	go func() {
		if err := s.cfg.Backend.Run(bctx, s.inbox.put); err != nil && bctx.Err() == nil {
			s.logger.Warn("config backend stopped", "backend", s.cfg.Backend.String(), "error", err)
		}
	}()
	go s.loop(ctx, stopCh, done, stopBackend)
	return nil
}

// Stop stops the service gracefully and waits for the loop to exit. A
// reconfiguration in progress completes first.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.done == nil {
		s.mu.Unlock()
		return nil
	}
	stopCh, once, done := s.stopCh, s.stopOnce, s.done
	s.mu.Unlock()

	once.Do(func() { close(stopCh) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the loop exits. It returns nil after Stop and an
// error wrapping ErrRestartsExhausted when recovery gave up.
func (s *Supervisor) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Status returns the current status snapshot.
func (s *Supervisor) Status() Status {
	return *s.status.Load()
}

// EffectiveConfig returns the configuration the live files were rendered
// from. It is nil before the first successful render.
func (s *Supervisor) EffectiveConfig() *effective.Config {
	return s.config.Load()
}

// =============================================================================
// Event Loop
// =============================================================================

// runState is owned by the loop goroutine.
type runState struct {
	overrides map[string]string
	entry     *entryInfo
	proc      Process
	runID     string
	startedAt time.Time
	failures  int
	restartC  <-chan time.Time
	timer     *time.Timer

	// exit is set when the loop must end with an error.
	exit error
}

func (s *Supervisor) loop(ctx context.Context, stopCh, done chan struct{}, stopBackend context.CancelFunc) {
	st := &runState{}
	defer func() {
		stopBackend()
		s.mu.Lock()
		s.err = st.exit
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	wait := time.NewTimer(s.cfg.InitialConfigWait)
	select {
	case <-s.inbox.notify:
		if snap, ok := s.inbox.take(); ok {
			st.overrides = snap.Values
		}
	case <-wait.C:
		s.logger.Warn("no configuration from backend yet, starting with defaults",
			"backend", s.cfg.Backend.String(), "waited", s.cfg.InitialConfigWait)
	case <-ctx.Done():
		wait.Stop()
		return
	case <-stopCh:
		wait.Stop()
		return
	}
	wait.Stop()

	if err := s.spawn(ctx, st); err != nil {
		s.onFailure(st, err)
	}

	for st.exit == nil {
		var exitC <-chan struct{}
		if st.proc != nil {
			exitC = st.proc.Done()
		}
		select {
		case <-ctx.Done():
			s.shutdown(st)
			return
		case <-stopCh:
			s.shutdown(st)
			return
		case <-s.inbox.notify:
			if snap, ok := s.inbox.take(); ok {
				s.onSnapshot(ctx, st, snap)
			}
		case <-exitC:
			s.onExit(st)
		case <-st.restartC:
			st.restartC, st.timer = nil, nil
			restarts.WithLabelValues(s.cfg.Service).Inc()
			s.cur.Restarts++
			if err := s.spawn(ctx, st); err != nil {
				s.onFailure(st, err)
			}
		}
	}
}

// onSnapshot applies new overrides. Outside Running they are only stored
// and used by the next start.
func (s *Supervisor) onSnapshot(ctx context.Context, st *runState, snap backend.Snapshot) {
	st.overrides = snap.Values
	if s.cur.State != Running || st.entry == nil {
		return
	}
	eff := effective.Merge(st.entry.defaults, st.overrides)
	if eff.Equal(s.config.Load()) {
		s.logger.Debug("configuration unchanged", "source", snap.Source)
		return
	}
	s.reconfigure(ctx, st, eff)
}

func (s *Supervisor) reconfigure(ctx context.Context, st *runState, eff *effective.Config) {
	s.transition(Reconfiguring)

	gen, err := s.renderer.RenderSet(ctx, s.renderData(st.entry, eff))
	if err != nil {
		renderFailures.WithLabelValues(s.cfg.Service).Inc()
		reconfigurations.WithLabelValues(s.cfg.Service, "render_failed").Inc()
		s.logger.Error("render failed, keeping previous configuration", "error", err)
		s.cur.LastError = err.Error()
		s.transition(Running)
		return
	}
	s.config.Store(eff)

	if !gen.Changed {
		reconfigurations.WithLabelValues(s.cfg.Service, "unchanged").Inc()
		s.logger.Info("configuration changed, rendered files unchanged", "digest", eff.Digest())
		s.transition(Running)
		return
	}

	reconfigurations.WithLabelValues(s.cfg.Service, "restarted").Inc()
	s.logger.Info("configuration changed, restarting", "generation", gen.N, "digest", eff.Digest())
	s.stopProcess(st)
	s.transition(Starting)
	if err := s.launch(ctx, st, gen); err != nil {
		s.onFailure(st, err)
	}
}

func (s *Supervisor) onExit(st *runState) {
	proc := st.proc
	st.proc = nil
	err := proc.Err()
	exitErr := &ProcessExitError{Service: s.cfg.Service, RunID: st.runID, Code: exitCode(err), Err: err}
	s.logger.Warn("service exited unexpectedly", "run_id", st.runID, "pid", proc.Pid(), "code", exitErr.Code)
	s.onFailure(st, exitErr)
}

// onFailure moves to Failed and schedules a restart, or gives up.
func (s *Supervisor) onFailure(st *runState, err error) {
	s.cur.LastError = err.Error()
	s.cur.Pid = 0
	s.transition(Failed)

	if !st.startedAt.IsZero() && time.Since(st.startedAt) >= s.cfg.BackoffResetAfter {
		st.failures = 0
	}
	st.startedAt = time.Time{}
	st.failures++

	if st.failures > s.cfg.MaxRestarts {
		st.exit = fmt.Errorf("%w: service %s failed %d times: %w",
			ErrRestartsExhausted, s.cfg.Service, st.failures, err)
		s.logger.Error("restart attempts exhausted", "failures", st.failures, "error", err)
		s.transition(Stopped)
		return
	}

	delay := s.cfg.RestartBackoff.Delay(st.failures)
	s.logger.Warn("service failed, scheduling restart",
		"attempt", st.failures, "max_restarts", s.cfg.MaxRestarts, "delay", delay, "error", err)
	st.timer = time.NewTimer(delay)
	st.restartC = st.timer.C
}

func (s *Supervisor) shutdown(st *runState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer, st.restartC = nil, nil
	}
	s.stopProcess(st)
	s.cur.Pid = 0
	s.transition(Stopped)
	s.logger.Info("service stopped")
}

// =============================================================================
// Process Lifecycle
// =============================================================================

// spawn reloads the active entry, renders and launches.
func (s *Supervisor) spawn(ctx context.Context, st *runState) error {
	s.transition(Starting)

	entry, err := s.loadEntry()
	if err != nil {
		return err
	}
	eff := effective.Merge(entry.defaults, st.overrides)
	gen, err := s.renderer.RenderSet(ctx, s.renderData(entry, eff))
	if err != nil {
		renderFailures.WithLabelValues(s.cfg.Service).Inc()
		return err
	}
	st.entry = entry
	s.config.Store(eff)
	return s.launch(ctx, st, gen)
}

func (s *Supervisor) launch(ctx context.Context, st *runState, gen *render.Generation) error {
	runID := uuid.NewString()
	cmd, err := s.command(st.entry, runID)
	if err != nil {
		return err
	}
	proc, err := s.cfg.Runner.Start(ctx, cmd)
	if err != nil {
		return err
	}
	st.proc = proc
	st.runID = runID
	st.startedAt = time.Now()

	s.cur.RunID = runID
	s.cur.Pid = proc.Pid()
	s.cur.Package = st.entry.manifest.Identity
	s.cur.Generation = gen.N
	s.cur.LastError = ""
	s.logger.Info("service started", "run_id", runID, "pid", proc.Pid(),
		"package", st.entry.manifest.Identity.Short(), "generation", gen.N)
	s.transition(Running)
	return nil
}

// stopProcess sends SIGTERM and kills after GraceTimeout.
func (s *Supervisor) stopProcess(st *runState) {
	p := st.proc
	if p == nil {
		return
	}
	st.proc = nil
	start := time.Now()
	forced := false

	if err := p.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("SIGTERM failed", "pid", p.Pid(), "error", err)
	}
	grace := time.NewTimer(s.cfg.GraceTimeout)
	defer grace.Stop()
	select {
	case <-p.Done():
	case <-grace.C:
		forced = true
		s.logger.Warn("grace timeout elapsed, killing", "pid", p.Pid(), "grace", s.cfg.GraceTimeout)
		if err := p.Kill(); err != nil {
			s.logger.Error("kill failed", "pid", p.Pid(), "error", err)
		}
		select {
		case <-p.Done():
		case <-time.After(s.cfg.GraceTimeout):
			s.logger.Error("process did not exit after kill", "pid", p.Pid())
		}
	}
	stopDuration.WithLabelValues(s.cfg.Service, fmt.Sprint(forced)).Observe(time.Since(start).Seconds())
}

// entryInfo is the loaded active store entry.
type entryInfo struct {
	dir      string
	manifest *identity.Manifest
	defaults map[string]string
}

func (s *Supervisor) loadEntry() (*entryInfo, error) {
	dir, err := s.pointer.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve active package for %s: %w", s.cfg.Service, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, identity.ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := identity.DecodeManifest(data)
	if err != nil {
		return nil, err
	}
	defaults, err := effective.LoadDefaults(filepath.Join(dir, DefaultsFileName))
	if err != nil {
		return nil, err
	}
	return &entryInfo{dir: dir, manifest: m, defaults: defaults}, nil
}

func (s *Supervisor) renderData(e *entryInfo, eff *effective.Config) render.Data {
	svc := s.pointer.Dir()
	return render.Data{
		Cfg: eff,
		Pkg: render.PkgInfo{
			Name:     e.manifest.Name,
			Version:  e.manifest.Version,
			Release:  e.manifest.Release,
			Identity: e.manifest.Identity.String(),
			Path:     e.dir,
		},
		Svc: render.SvcInfo{
			Name:       s.cfg.Service,
			Path:       svc,
			ConfigPath: filepath.Join(svc, render.ConfigLink),
			DataPath:   filepath.Join(svc, dataDir),
		},
	}
}

// command builds the process command. A relative command containing a
// slash is resolved inside the entry; a bare name is looked up in PATH.
func (s *Supervisor) command(e *entryInfo, runID string) (Command, error) {
	ex := e.manifest.Exec
	if ex.Command == "" {
		return Command{}, fmt.Errorf("%w: %s", ErrNoExec, e.manifest.Name)
	}
	path := ex.Command
	if !filepath.IsAbs(path) && strings.ContainsRune(path, '/') {
		path = filepath.Join(e.dir, filepath.FromSlash(path))
	}

	data := filepath.Join(s.pointer.Dir(), dataDir)
	if err := os.MkdirAll(data, 0o750); err != nil {
		return Command{}, fmt.Errorf("create data dir: %w", err)
	}

	env := os.Environ()
	keys := make([]string, 0, len(ex.Env))
	for k := range ex.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+ex.Env[k])
	}
	env = append(env,
		"BLDR_PKG_PATH="+e.dir,
		"BLDR_SVC_CONFIG_PATH="+filepath.Join(s.pointer.Dir(), render.ConfigLink),
		"BLDR_SVC_DATA_PATH="+data,
		"BLDR_RUN_ID="+runID,
	)
	return Command{
		Path:   path,
		Args:   ex.Args,
		Env:    env,
		Dir:    data,
		Stdout: s.cfg.Stdout,
		Stderr: s.cfg.Stderr,
	}, nil
}

// =============================================================================
// State Publication
// =============================================================================

func (s *Supervisor) transition(to State) {
	from := s.cur.State
	if from == to {
		return
	}
	s.cur.State = to
	s.cur.Since = time.Now()
	stateTransitions.WithLabelValues(s.cfg.Service, from.String(), to.String()).Inc()
	currentState.WithLabelValues(s.cfg.Service).Set(float64(to))
	s.logger.Debug("state transition", "from", from.String(), "to", to.String())
	s.publish()
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(from, to)
	}
}

func (s *Supervisor) publish() {
	snap := s.cur
	s.status.Store(&snap)
}

// mailbox holds the newest undelivered snapshot.
type mailbox struct {
	mu     sync.Mutex
	snap   *backend.Snapshot
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) put(snap backend.Snapshot) {
	m.mu.Lock()
	m.snap = &snap
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() (backend.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return backend.Snapshot{}, false
	}
	snap := *m.snap
	m.snap = nil
	return snap, true
}
