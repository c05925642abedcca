// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrinter_BufferIsMachine(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, ModeMachine, NewPrinter(&buf).Mode())
}

func TestPrinter_Machine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinterMode(&buf, ModeMachine)

	p.Title("Store")
	p.Success("verified %s", "redis")
	p.Warning("slow")
	p.Error("digest mismatch in %s", "bin/redis-server")
	p.Pointer("redis", "/bldr/store/redis!7.2.4")
	p.Line("/bldr/store/redis!7.2.4")

	assert.Equal(t, strings.Join([]string{
		"OK: verified redis",
		"WARN: slow",
		"FAIL: digest mismatch in bin/redis-server",
		"service redis -> /bldr/store/redis!7.2.4",
		"/bldr/store/redis!7.2.4",
		"",
	}, "\n"), buf.String())
}

func TestPrinter_Rich(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinterMode(&buf, ModeRich)

	p.Title("Store")
	p.Success("verified")
	p.Error("broken")

	out := buf.String()
	assert.Contains(t, out, "Store")
	assert.Contains(t, out, string(IconSuccess)+" verified")
	assert.Contains(t, out, string(IconError)+" broken")
	assert.NotContains(t, out, "OK:")
}

func TestPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinterMode(&buf, ModeMachine)
	require.NoError(t, p.Table(
		[]string{"VERSION", "RELEASE"},
		[][]string{{"1.0.0", "20250101000000"}, {"10.2.1", "20250102000000"}},
	))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Index(lines[0], "RELEASE"), strings.Index(lines[2], "2025"))
}
