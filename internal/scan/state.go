package scan

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// logCap bounds the live progress buffer; oldest lines drop first.
const logCap = 50

// State tracks whether a cycle is running and buffers recent progress
// lines for polling consumers. The running flag is the mutual-exclusion
// gate: checked and set under one lock so concurrent triggers cannot both
// win.
type State struct {
	mu            sync.Mutex
	running       bool
	lines         []string
	lastCompleted time.Time
}

// NewState returns an idle state.
func NewState() *State {
	return &State{}
}

// begin atomically claims the running flag and resets the log buffer.
// Returns false if a cycle already holds the flag.
func (s *State) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.lines = s.lines[:0]
	return true
}

// finish marks logical completion. The flag stays up for the grace period
// so polling consumers observe a clean "just completed" transition.
func (s *State) finish(grace time.Duration) {
	s.mu.Lock()
	s.lastCompleted = time.Now()
	s.mu.Unlock()

	time.AfterFunc(grace, func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	})
}

// fail releases the flag immediately after an aborted cycle.
func (s *State) fail() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Logf appends a line to the progress buffer and echoes it to the
// process log.
func (s *State) Logf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	log.Printf("scan: %s", line)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	if len(s.lines) > logCap {
		s.lines = s.lines[len(s.lines)-logCap:]
	}
}

// IsScanning reports whether a cycle is in progress (including the
// post-completion grace period).
func (s *State) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Lines returns a copy of the recent progress lines, oldest first.
func (s *State) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// LastCompleted returns the completion time of the most recent cycle, or
// the zero time when none has finished.
func (s *State) LastCompleted() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCompleted
}
