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
	"bytes"
	"context"
	"errors"
	"os"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func waitDone(t *testing.T, p Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestExecRunner_ExitCode(t *testing.T) {
	skipWithoutShell(t)
	var out bytes.Buffer
	p, err := NewExecRunner().Start(context.Background(), Command{
		Path:   "/bin/sh",
		Args:   []string{"-c", "echo $GREETING; exit 3"},
		Env:    []string{"GREETING=hello"},
		Stdout: &out,
	})
	require.NoError(t, err)
	assert.Greater(t, p.Pid(), 0)

	waitDone(t, p)
	assert.Equal(t, 3, exitCode(p.Err()))
	assert.Equal(t, "hello\n", out.String())
}

func TestExecRunner_Signal(t *testing.T) {
	skipWithoutShell(t)
	p, err := NewExecRunner().Start(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", "exec sleep 30"},
	})
	require.NoError(t, err)

	require.NoError(t, p.Signal(syscall.SIGTERM))
	waitDone(t, p)
	assert.Error(t, p.Err())

	// Signalling an exited process is not an error.
	assert.NoError(t, p.Signal(syscall.SIGTERM))
	assert.NoError(t, p.Kill())
}

func TestExecRunner_StartErrors(t *testing.T) {
	_, err := NewExecRunner().Start(context.Background(), Command{Path: "/nonexistent/binary"})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewExecRunner().Start(ctx, Command{Path: "/bin/true"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMockRunner(t *testing.T) {
	r := NewMockRunner()
	p, err := r.Start(context.Background(), Command{Path: "app"})
	require.NoError(t, err)
	mp := <-r.Started
	assert.Same(t, p, Process(mp))
	assert.Equal(t, "app", mp.Cmd.Path)

	require.NoError(t, mp.Signal(syscall.SIGHUP))
	select {
	case <-mp.Done():
		t.Fatal("SIGHUP must not end a mock process")
	default:
	}
	require.NoError(t, mp.Signal(syscall.SIGTERM))
	waitDone(t, mp)
	assert.NoError(t, mp.Err())
	assert.Equal(t, []os.Signal{syscall.SIGHUP, syscall.SIGTERM}, mp.Signals())

	r.IgnoreTerm = true
	p2, err := r.Start(context.Background(), Command{Path: "app"})
	require.NoError(t, err)
	require.NoError(t, p2.Signal(syscall.SIGTERM))
	require.NoError(t, p2.Kill())
	waitDone(t, p2)
	assert.Equal(t, -1, exitCode(p2.Err()))

	r.StartFunc = func(Command) error { return errors.New("boom") }
	_, err = r.Start(context.Background(), Command{Path: "app"})
	assert.EqualError(t, err, "boom")
	assert.Len(t, r.Processes(), 2)
}
