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
	"fmt"
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner provides an animated loading indicator with elapsed time.
//
// Thread Safety: UpdateMessage may be called while the spinner runs.
type Spinner struct {
	p        *Printer
	interval time.Duration

	mu        sync.Mutex
	message   string
	isRunning bool
	started   time.Time
	stop      chan struct{}
	done      chan struct{}
}

// NewSpinner creates a spinner that writes through p.
func (p *Printer) NewSpinner(message string) *Spinner {
	return &Spinner{
		p:        p,
		interval: 80 * time.Millisecond,
		message:  message,
	}
}

// Start begins the animation. In plain mode it prints the message once.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.started = time.Now()
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	msg := s.message
	s.mu.Unlock()

	if s.p.plain() {
		fmt.Fprintf(s.p.w, "PROGRESS: %s\n", msg)
		close(s.done)
		return
	}

	go s.animate()
}

func (s *Spinner) animate() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.done)

	frame := 0
	for {
		select {
		case <-s.stop:
			fmt.Fprint(s.p.w, "\r\033[K")
			return
		case <-ticker.C:
			s.mu.Lock()
			msg, elapsed := s.message, time.Since(s.started).Round(time.Second)
			s.mu.Unlock()
			fmt.Fprintf(s.p.w, "\r\033[K%s %s %s",
				Styles.Highlight.Render(spinnerFrames[frame]), msg, Styles.Muted.Render(elapsed.String()))
			frame = (frame + 1) % len(spinnerFrames)
		}
	}
}

// Stop halts the animation and clears the line.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
}

// UpdateMessage changes the spinner message while running
func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// StopWithSuccess stops and prints a success message
func (s *Spinner) StopWithSuccess(message string) {
	s.Stop()
	s.p.Success(message)
}

// StopWithError stops and prints an error message
func (s *Spinner) StopWithError(message string) {
	s.Stop()
	s.p.Error(message)
}

// WithSpinner runs fn behind a spinner, reporting success or the error.
func (p *Printer) WithSpinner(message string, fn func() error) error {
	spin := p.NewSpinner(message)
	spin.Start()
	if err := fn(); err != nil {
		spin.StopWithError(fmt.Sprintf("%s: %v", message, err))
		return err
	}
	spin.StopWithSuccess(message)
	return nil
}
