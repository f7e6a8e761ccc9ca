package roadspeed

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// SessionState is state of browser session
type SessionState uint16

const (
	SESSION_INIT = SessionState(iota + 1)
	SESSION_READY
	SESSION_NAVIGATE
	SESSION_WAIT_FOR_DATA
	SESSION_EXTRACT
	SESSION_SUCCESS
	SESSION_FAIL
	SESSION_DELAY
	SESSION_CRASHED
	SESSION_RESTART
	SESSION_CLOSED
)

func (iotaIdx SessionState) String() string {
	if iotaIdx < SESSION_INIT || iotaIdx > SESSION_CLOSED {
		return "undefined"
	}
	return [...]string{"init", "ready", "navigate", "wait_for_data", "extract", "success", "fail", "delay", "crashed", "restart", "closed"}[iotaIdx-1]
}

var sessionTransitions = map[SessionState][]SessionState{
	SESSION_INIT:          {SESSION_READY, SESSION_CLOSED},
	SESSION_READY:         {SESSION_NAVIGATE, SESSION_RESTART, SESSION_CLOSED},
	SESSION_NAVIGATE:      {SESSION_WAIT_FOR_DATA, SESSION_FAIL, SESSION_CRASHED},
	SESSION_WAIT_FOR_DATA: {SESSION_EXTRACT, SESSION_FAIL, SESSION_CRASHED},
	SESSION_EXTRACT:       {SESSION_SUCCESS, SESSION_FAIL, SESSION_CRASHED},
	SESSION_SUCCESS:       {SESSION_DELAY},
	SESSION_FAIL:          {SESSION_DELAY},
	SESSION_DELAY:         {SESSION_READY},
	SESSION_CRASHED:       {SESSION_RESTART, SESSION_CLOSED},
	SESSION_RESTART:       {SESSION_READY, SESSION_CLOSED},
	SESSION_CLOSED:        {},
}

// Session is single browser driven strictly sequentially
type Session struct {
	id       int
	browser  Browser
	identity Identity
	state    SessionState
	slot     *CaptureSlot

	// requests since last proxy / identity rotation
	sinceProxy    int
	sinceIdentity int
	requests      int
}

func newSession(id int, browser Browser) *Session {
	return &Session{
		id:      id,
		browser: browser,
		state:   SESSION_INIT,
		slot:    NewCaptureSlot(),
	}
}

// ID returns session number
func (session *Session) ID() int {
	return session.id
}

// State returns current state
func (session *Session) State() SessionState {
	return session.state
}

// Requests returns number of completed requests
func (session *Session) Requests() int {
	return session.requests
}

// transition moves session to next state. Illegal transition is programming error
func (session *Session) transition(next SessionState) error {
	for _, allowed := range sessionTransitions[session.state] {
		if allowed == next {
			session.state = next
			return nil
		}
	}
	return fmt.Errorf("Illegal session %d transition %s -> %s", session.id, session.state, next)
}

// start launches browser with identity: INIT -> READY
func (session *Session) start(ctx context.Context, identity Identity) error {
	err := session.browser.Launch(ctx, identity)
	if err != nil {
		return errors.Wrapf(err, "Can't launch browser for session %d", session.id)
	}
	session.identity = identity
	return session.transition(SESSION_READY)
}

// relaunch restarts browser with given identity: READY|CRASHED -> RESTART -> READY
func (session *Session) relaunch(ctx context.Context, identity Identity) error {
	if err := session.transition(SESSION_RESTART); err != nil {
		return err
	}
	session.browser.Close()
	err := session.browser.Launch(ctx, identity)
	if err != nil {
		return errors.Wrapf(err, "Can't relaunch browser for session %d", session.id)
	}
	session.identity = identity
	return session.transition(SESSION_READY)
}

// recover finishes restart which failed to launch browser before
func (session *Session) recover(ctx context.Context) error {
	if session.state != SESSION_RESTART {
		return nil
	}
	session.browser.Close()
	err := session.browser.Launch(ctx, session.identity)
	if err != nil {
		return errors.Wrapf(err, "Can't recover session %d", session.id)
	}
	return session.transition(SESSION_READY)
}

// countRequest records completed request for rotation bookkeeping
func (session *Session) countRequest() {
	session.requests++
	session.sinceProxy++
	session.sinceIdentity++
}

// close tears browser down
func (session *Session) close() error {
	session.state = SESSION_CLOSED
	return session.browser.Close()
}
