// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

// Package progress shows the user that the pipeline is blocked on a
// long-running external process, namely the SMT solver subprocess.
package progress

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/term"
)

var spinChars = []string{"⣾", "⣽", "⣻", "⢿", "⡿", "⣟", "⣯", "⣷"}

// Spinner draws a single animated status line on stderr while some blocking
// call (the solver subprocess) runs in another goroutine. When stderr is
// not a terminal it prints the label once and does not animate.
type Spinner struct {
	label    string
	status   string
	ticker   *time.Ticker
	done     chan bool
	spinning bool
	index    int
}

// NewSpinner creates a Spinner that will display the given label.
func NewSpinner(label string) *Spinner {
	return &Spinner{label: label, status: "running", done: make(chan bool)}
}

// Start begins animating the spinner.
func (s *Spinner) Start() {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprintf(os.Stderr, "%s...\n", s.label)
		return
	}
	s.spinning = true
	s.draw()
	s.ticker = time.NewTicker(120 * time.Millisecond)
	go s.run()
}

// Status updates the text shown next to the spin character.
func (s *Spinner) Status(status string) {
	s.status = status
}

// Stop halts the animation and clears the line.
func (s *Spinner) Stop() {
	if !s.spinning {
		return
	}
	s.ticker.Stop()
	s.done <- true
	s.spinning = false
	if term.IsTerminal(int(os.Stderr.Fd())) {
		fmt.Fprint(os.Stderr, "\r\x1b[2K")
	}
}

func (s *Spinner) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			s.draw()
		}
	}
}

func (s *Spinner) draw() {
	fmt.Fprintf(os.Stderr, "\r%s  %-20s %-30s", spinChars[s.index], s.label, s.status)
	s.index = (s.index + 1) % len(spinChars)
}
