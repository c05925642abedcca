// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux formats command results for people and for scripts.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette
var (
	ColorTeal    = lipgloss.Color("#20B9B4")
	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Mode selects how a Printer renders.
type Mode string

const (
	// ModeRich uses icons and colors.
	ModeRich Mode = "rich"

	// ModeMachine prints plain "OK: ..." style lines for scripts.
	ModeMachine Mode = "machine"
)

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
)

type styles struct {
	title   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	errorS  lipgloss.Style
}

// Printer writes command results to one writer.
//
// # Description
//
// A Printer renders with lipgloss styles bound to its writer, so colors
// are only emitted when that writer supports them. Writers that are not
// terminals get ModeMachine.
type Printer struct {
	w      io.Writer
	mode   Mode
	styles styles
}

// NewPrinter picks the mode from w: ModeRich for a terminal, ModeMachine
// otherwise.
func NewPrinter(w io.Writer) *Printer {
	mode := ModeMachine
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		mode = ModeRich
	}
	return NewPrinterMode(w, mode)
}

// NewPrinterMode returns a Printer with an explicit mode.
func NewPrinterMode(w io.Writer, mode Mode) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:    w,
		mode: mode,
		styles: styles{
			title:   r.NewStyle().Bold(true).Foreground(ColorTeal),
			success: r.NewStyle().Foreground(ColorSuccess),
			warning: r.NewStyle().Foreground(ColorWarning),
			errorS:  r.NewStyle().Foreground(ColorError),
		},
	}
}

// Mode reports the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

// Title prints a heading. Machine mode omits it.
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.w, p.styles.title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(format string, args ...any) {
	p.status("OK", IconSuccess, p.styles.success, fmt.Sprintf(format, args...))
}

// Warning prints a warning line.
func (p *Printer) Warning(format string, args ...any) {
	p.status("WARN", IconWarning, p.styles.warning, fmt.Sprintf(format, args...))
}

// Error prints a failure line.
func (p *Printer) Error(format string, args ...any) {
	p.status("FAIL", IconError, p.styles.errorS, fmt.Sprintf(format, args...))
}

func (p *Printer) status(tag string, icon Icon, style lipgloss.Style, text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.w, "%s: %s\n", tag, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", style.Render(string(icon)), text)
}

// Pointer prints "from -> to" for a service pointer change.
func (p *Printer) Pointer(service, target string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.w, "service %s -> %s\n", service, target)
		return
	}
	fmt.Fprintf(p.w, "%s %s %s\n", p.styles.title.Render(service), IconArrow, target)
}

// Line prints text unchanged. Paths and other values meant for scripts
// use this in every mode.
func (p *Printer) Line(text string) {
	fmt.Fprintln(p.w, text)
}

// Table prints aligned columns. Cells are never styled: tabwriter would
// count escape sequences as width.
func (p *Printer) Table(header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	return tw.Flush()
}
