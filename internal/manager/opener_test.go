package manager

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

func TestEventPopupParsesStream(t *testing.T) {
	stream := strings.Join([]string{
		": subscribed",
		"",
		": ping",
		"",
		"event: other",
		`data: {"type":"auth-success","sessionId":"ignored"}`,
		"",
		"event: auth",
		`data: not json`,
		"",
		"event: auth",
		`data: {"type":"auth-error",`,
		`data: "sessionId":"s1","error":"denied"}`,
		"",
	}, "\n")

	_, cancel := context.WithCancel(context.Background())
	p := &eventPopup{
		origin:   "http://api.test",
		messages: make(chan session.AuthMessage, 1),
		cancel:   cancel,
		body:     io.NopCloser(strings.NewReader(stream)),
	}
	go p.read()

	select {
	case msg := <-p.Messages():
		assert.Equal(t, session.AuthMessageError, msg.Type)
		assert.Equal(t, "s1", msg.SessionID)
		assert.Equal(t, "denied", msg.Error)
		assert.Equal(t, "http://api.test", msg.Origin)
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}

	// The stream ended, so the window counts as closed.
	assert.Eventually(t, p.Closed, 5*time.Second, 10*time.Millisecond)
	_, ok := <-p.Messages()
	assert.False(t, ok)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestBrowserOpenerUnknownSession(t *testing.T) {
	ts := apiServer(t)
	opener := NewBrowserOpener(newBackend(t, ts), nil)
	opened := false
	opener.OpenURL = func(string) error {
		opened = true
		return nil
	}

	_, err := opener.Open(testContext(t), "http://as.test/authorize", "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, opened)
}

func TestOpenerErrorEndsConnect(t *testing.T) {
	backend := newFakeBackend()
	backend.requireAuth = true
	opener := newFakeOpener(nil)
	opener.err = errors.Join(ErrPopupBlocked, errors.New("headless"))
	m := newManager(t, Config{Backend: backend, Opener: opener})

	info, err := m.Connect(testContext(t), Server{ID: "srv", URL: "http://mcp.test/mcp"})
	require.ErrorIs(t, err, ErrPopupBlocked)
	assert.Equal(t, StateError, info.State)
	assert.Contains(t, info.Error, "headless")
}
