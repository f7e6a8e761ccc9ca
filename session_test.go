package roadspeed

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTransitions(t *testing.T) {
	browser := &fakeBrowser{}
	session := newSession(1, browser)
	assert.Equal(t, SESSION_INIT, session.State())
	assert.Error(t, session.transition(SESSION_NAVIGATE))

	require.NoError(t, session.start(context.Background(), Identity{Locale: "id-ID"}))
	assert.Equal(t, SESSION_READY, session.State())

	for _, next := range []SessionState{SESSION_NAVIGATE, SESSION_WAIT_FOR_DATA, SESSION_EXTRACT, SESSION_SUCCESS, SESSION_DELAY, SESSION_READY} {
		require.NoError(t, session.transition(next), next.String())
	}
	assert.Error(t, session.transition(SESSION_SUCCESS), "ready -> success is illegal")
	assert.Error(t, session.transition(SESSION_DELAY), "delay is entered only after success or fail")

	require.NoError(t, session.transition(SESSION_NAVIGATE))
	require.NoError(t, session.transition(SESSION_CRASHED))
	assert.Error(t, session.transition(SESSION_READY), "crashed session must be restarted")
	require.NoError(t, session.relaunch(context.Background(), Identity{Locale: "en-US"}))
	assert.Equal(t, SESSION_READY, session.State())
	assert.Equal(t, "en-US", session.identity.Locale)
	assert.Equal(t, 2, browser.launches)

	require.NoError(t, session.close())
	assert.Equal(t, SESSION_CLOSED, session.State())
	assert.Error(t, session.transition(SESSION_READY))
}

func TestSessionRecover(t *testing.T) {
	browser := &fakeBrowser{}
	session := newSession(1, browser)
	require.NoError(t, session.start(context.Background(), Identity{}))

	browser.launchErr = fmt.Errorf("no chrome")
	assert.Error(t, session.relaunch(context.Background(), Identity{}))
	assert.Equal(t, SESSION_RESTART, session.State())

	browser.launchErr = nil
	require.NoError(t, session.recover(context.Background()))
	assert.Equal(t, SESSION_READY, session.State())
	require.NoError(t, session.recover(context.Background()))
	assert.Equal(t, 3, browser.launches)
}

func TestSessionRequestCounters(t *testing.T) {
	session := newSession(2, &fakeBrowser{})
	session.countRequest()
	session.countRequest()
	assert.Equal(t, 2, session.Requests())
	assert.Equal(t, 2, session.sinceProxy)
	assert.Equal(t, 2, session.ID())
	assert.Equal(t, "wait_for_data", SESSION_WAIT_FOR_DATA.String())
	assert.Equal(t, "undefined", SessionState(0).String())
}
