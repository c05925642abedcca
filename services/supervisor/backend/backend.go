// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend delivers configuration overrides to the supervisor.
//
// Three kinds of backend share one contract, Run(ctx, emit):
//
//	StaticEnv     one snapshot from <SERVICE>_* variables, then return
//	PushWatch     block on a Watcher and emit each change
//	PollSnapshot  fetch on an interval, emit when the snapshot differs
//
// Source failures are reported as BackendUnavailableError through
// Options.OnError and retried with backoff. Nothing is emitted for a
// failure, so consumers keep the last snapshot they received.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/bldr/pkg/logging"
	"github.com/AleutianAI/bldr/pkg/retry"
	"github.com/AleutianAI/bldr/services/supervisor/effective"
)

// Kind identifies the delivery model of a backend.
type Kind int

const (
	StaticEnv Kind = iota
	PushWatch
	PollSnapshot
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case StaticEnv:
		return "static_env"
	case PushWatch:
		return "push_watch"
	case PollSnapshot:
		return "poll_snapshot"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Snapshot is a full set of overrides from one source.
type Snapshot struct {
	Values map[string]string
	Source string
	At     time.Time
}

// Backend produces override snapshots.
type Backend interface {
	// Kind returns the delivery model.
	Kind() Kind

	// Run emits snapshots until ctx is done (StaticEnv returns after its
	// single snapshot). It returns nil on cancellation.
	Run(ctx context.Context, emit func(Snapshot)) error

	// String describes the source for logs.
	String() string
}

// Watcher blocks until the watched source changes.
type Watcher interface {
	// Next returns the full current mapping. The first call returns
	// immediately; later calls block until it changes.
	Next(ctx context.Context) (map[string]string, error)
	Close() error
	String() string
}

// Fetcher reads the full current mapping.
type Fetcher interface {
	Fetch(ctx context.Context) (map[string]string, error)
	String() string
}

// BackendUnavailableError reports a failed fetch or a lost watch.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

// Error implements the error interface.
func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("config backend %s unavailable: %v", e.Backend, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendUnavailableError) Unwrap() error {
	return e.Err
}

// Options are shared by all backends.
type Options struct {
	// Retry paces retries after failures; MaxAttempts is ignored.
	// Default: 1s initial, 1m max, factor 2, jitter 0.2.
	Retry retry.Config

	// OnError observes every BackendUnavailableError. Optional.
	OnError func(error)

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Retry.InitialBackoff <= 0 {
		o.Retry = retry.Config{
			MaxAttempts:    1,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			BackoffFactor:  2,
			JitterFactor:   0.2,
		}
	}
	o.Logger = logging.OrDefault(o.Logger).With("component", "config_backend")
	return o
}

// unavailable logs and reports err, then waits the backoff for the given
// number of consecutive failures.
func (o Options) unavailable(ctx context.Context, name string, err error, failures int) error {
	var bue *BackendUnavailableError
	if !errors.As(err, &bue) {
		err = &BackendUnavailableError{Backend: name, Err: err}
	}
	o.Logger.Warn("config backend unavailable, keeping last known config",
		"backend", name, "failures", failures, "error", err)
	if o.OnError != nil {
		o.OnError(err)
	}
	return retry.Sleep(ctx, o.Retry.Delay(failures))
}

// =============================================================================
// StaticEnv
// =============================================================================

// Env reads <SERVICE>_* variables once.
type Env struct {
	service string
	environ func() []string
}

// NewEnv returns a StaticEnv backend for service. environ defaults to
// os.Environ when nil.
func NewEnv(service string, environ func() []string) *Env {
	if environ == nil {
		environ = osEnviron
	}
	return &Env{service: service, environ: environ}
}

// Kind implements Backend.
func (e *Env) Kind() Kind { return StaticEnv }

// String implements Backend.
func (e *Env) String() string { return "env:" + effective.EnvPrefix(e.service) + "*" }

// Run implements Backend.
func (e *Env) Run(ctx context.Context, emit func(Snapshot)) error {
	if err := ctx.Err(); err != nil {
		return nil
	}
	emit(Snapshot{
		Values: effective.EnvOverrides(e.service, e.environ()),
		Source: e.String(),
		At:     time.Now(),
	})
	return nil
}

// =============================================================================
// PushWatch
// =============================================================================

// Push emits every change reported by a Watcher.
type Push struct {
	w    Watcher
	opts Options
}

// NewPush wraps w.
func NewPush(w Watcher, opts Options) *Push {
	return &Push{w: w, opts: opts.withDefaults()}
}

// Kind implements Backend.
func (p *Push) Kind() Kind { return PushWatch }

// String implements Backend.
func (p *Push) String() string { return p.w.String() }

// Run implements Backend.
func (p *Push) Run(ctx context.Context, emit func(Snapshot)) error {
	defer p.w.Close()
	var (
		last     map[string]string
		emitted  bool
		failures int
	)
	for {
		vals, err := p.w.Next(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			failures++
			if serr := p.opts.unavailable(ctx, p.String(), err, failures); serr != nil {
				return nil
			}
			continue
		}
		if failures > 0 {
			p.opts.Logger.Info("config backend recovered", "backend", p.String())
		}
		failures = 0
		if emitted && maps.Equal(last, vals) {
			continue
		}
		last, emitted = vals, true
		emit(Snapshot{Values: maps.Clone(vals), Source: p.String(), At: time.Now()})
	}
}

// =============================================================================
// PollSnapshot
// =============================================================================

// DefaultPollInterval is used when a poll backend has no interval.
const DefaultPollInterval = 30 * time.Second

// Poll fetches on an interval and emits when the result changes.
type Poll struct {
	f        Fetcher
	interval time.Duration
	opts     Options
}

// NewPoll wraps f. interval <= 0 uses DefaultPollInterval.
func NewPoll(f Fetcher, interval time.Duration, opts Options) *Poll {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poll{f: f, interval: interval, opts: opts.withDefaults()}
}

// Kind implements Backend.
func (p *Poll) Kind() Kind { return PollSnapshot }

// String implements Backend.
func (p *Poll) String() string { return p.f.String() }

// Interval returns the poll interval.
func (p *Poll) Interval() time.Duration { return p.interval }

// Run implements Backend. The first fetch happens immediately.
func (p *Poll) Run(ctx context.Context, emit func(Snapshot)) error {
	limiter := rate.NewLimiter(rate.Every(p.interval), 1)
	var (
		last     map[string]string
		emitted  bool
		failures int
	)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		vals, err := p.f.Fetch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			failures++
			if serr := p.opts.unavailable(ctx, p.String(), err, failures); serr != nil {
				return nil
			}
			continue
		}
		failures = 0
		if emitted && maps.Equal(last, vals) {
			continue
		}
		last, emitted = vals, true
		emit(Snapshot{Values: maps.Clone(vals), Source: p.String(), At: time.Now()})
	}
}
