// Package sequencer dispatches an ordered list of command steps one at a
// time with per-step pacing. Sessions are one-shot: starting a new one
// cancels the old one, and pause/resume lets a blocking interactive step
// hold the rest of the sequence.
package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/kestrelworks/commandhub/internal/protocol"
)

// DefaultStepInterval is the pacing applied to steps without an explicit
// timer_s value.
const DefaultStepInterval = 8 * time.Second

const (
	StateIdle    = "idle"
	StateRunning = "running"
	StatePaused  = "paused"
)

const (
	eventStart  = "start"
	eventPause  = "pause"
	eventResume = "resume"
	eventStop   = "stop"
)

// DispatchFunc receives each step as it fires. Called without the sequencer
// lock held; it may call Pause from within the dispatch.
type DispatchFunc func(protocol.Command)

type Sequencer struct {
	mu       sync.Mutex
	machine  *fsm.FSM
	dispatch DispatchFunc
	interval time.Duration

	sessionID string
	steps     []protocol.Command
	cursor    int

	timer *time.Timer
	gen   uint64 // bumped on every start/pause/resume/cancel to kill stale timers
}

func New(dispatch DispatchFunc, interval time.Duration) *Sequencer {
	if interval <= 0 {
		interval = DefaultStepInterval
	}
	return &Sequencer{
		dispatch: dispatch,
		interval: interval,
		machine: fsm.NewFSM(
			StateIdle,
			fsm.Events{
				{Name: eventStart, Src: []string{StateIdle, StateRunning, StatePaused}, Dst: StateRunning},
				{Name: eventPause, Src: []string{StateRunning}, Dst: StatePaused},
				{Name: eventResume, Src: []string{StatePaused}, Dst: StateRunning},
				{Name: eventStop, Src: []string{StateIdle, StateRunning, StatePaused}, Dst: StateIdle},
			},
			fsm.Callbacks{},
		),
	}
}

// Start cancels any in-flight session and begins dispatching steps from the
// first one, immediately.
func (s *Sequencer) Start(sessionID string, steps []protocol.Command) {
	s.mu.Lock()
	s.neutralizeLocked()
	s.sessionID = sessionID
	s.steps = steps
	s.cursor = 0
	s.fire(eventStart)
	gen := s.gen
	s.mu.Unlock()

	slog.Info("Session started", "session_id", sessionID, "steps", len(steps))
	s.runNext(gen)
}

// Pause stops the pacing timer without touching cursor or steps. No-op
// unless running.
func (s *Sequencer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fire(eventPause) {
		return
	}
	s.neutralizeLocked()
	slog.Info("Session paused", "session_id", s.sessionID, "cursor", s.cursor)
}

// Resume continues a paused session; the next step fires immediately.
func (s *Sequencer) Resume() {
	s.mu.Lock()
	if !s.fire(eventResume) {
		s.mu.Unlock()
		return
	}
	s.neutralizeLocked()
	gen := s.gen
	sessionID := s.sessionID
	s.mu.Unlock()

	slog.Info("Session resumed", "session_id", sessionID)
	s.runNext(gen)
}

// Cancel unconditionally returns to idle, discarding the session. Idempotent.
func (s *Sequencer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neutralizeLocked()
	s.resetLocked()
	s.fire(eventStop)
}

// State reports idle, running or paused.
func (s *Sequencer) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

func (s *Sequencer) runNext(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.machine.Current() != StateRunning {
		s.mu.Unlock()
		return
	}

	if s.cursor >= len(s.steps) {
		// End of list is equivalent to cancellation.
		sessionID := s.sessionID
		s.resetLocked()
		s.fire(eventStop)
		s.mu.Unlock()
		slog.Info("Session finished", "session_id", sessionID)
		return
	}

	step := s.steps[s.cursor]
	if step.TimerS == nil {
		// Write the effective pacing back onto the step so interval-derived
		// behavior downstream reads a guaranteed value.
		secs := s.interval.Seconds()
		step.TimerS = &secs
		s.steps[s.cursor].TimerS = &secs
	}
	s.cursor++

	wait := time.Duration(*step.TimerS * float64(time.Second))
	if wait < 0 {
		wait = 0
	}
	dispatch := s.dispatch
	s.mu.Unlock()

	dispatch(step)

	s.mu.Lock()
	defer s.mu.Unlock()
	// The dispatch may have paused, cancelled or restarted the session.
	if gen != s.gen || s.machine.Current() != StateRunning {
		return
	}
	s.timer = time.AfterFunc(wait, func() { s.runNext(gen) })
}

// neutralizeLocked guarantees no outstanding scheduled dispatch survives:
// the timer is stopped and the generation bumped so an already-fired timer
// callback becomes a no-op.
func (s *Sequencer) neutralizeLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Sequencer) resetLocked() {
	s.sessionID = ""
	s.steps = nil
	s.cursor = 0
}

// fire applies an event to the state machine, reporting whether the event
// was legal from the current state.
func (s *Sequencer) fire(event string) bool {
	err := s.machine.Event(context.Background(), event)
	if err == nil {
		return true
	}
	var noop fsm.NoTransitionError
	return errors.As(err, &noop)
}
