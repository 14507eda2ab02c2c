package manager

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/browser"

	"github.com/zonlabs/mcp-assistant-sub001/internal/api"
	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

// Opener shows an authorization URL to the user.
type Opener interface {
	// Open presents authURL for sessionID. It returns an error wrapping
	// ErrPopupBlocked when the URL could not be shown.
	Open(ctx context.Context, authURL, sessionID string) (Popup, error)
}

// Popup is an open authorization window.
type Popup interface {
	// Messages delivers authorization messages. Each message carries the
	// origin it was received from.
	Messages() <-chan session.AuthMessage
	// Closed reports whether the window went away.
	Closed() bool
	// Close releases the window. It is safe to call more than once.
	Close() error
}

// BrowserOpener opens the authorization URL in the system browser and
// follows the outcome on the API's authorization event stream.
type BrowserOpener struct {
	backend *HTTPBackend
	logger  *logging.Logger

	// OpenURL shows a URL to the user. It defaults to the system browser.
	OpenURL func(url string) error
}

// NewBrowserOpener creates an opener for the API behind backend.
func NewBrowserOpener(backend *HTTPBackend, logger *logging.Logger) *BrowserOpener {
	return &BrowserOpener{
		backend: backend,
		logger:  logger,
		OpenURL: browser.OpenURL,
	}
}

// Open subscribes to the outcome first so a fast callback cannot be missed,
// then opens the browser.
func (o *BrowserOpener) Open(ctx context.Context, authURL, sessionID string) (Popup, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	resp, err := o.backend.openAuthEvents(streamCtx, sessionID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to follow authorization of %s: %w", sessionID, err)
	}

	if err := o.OpenURL(authURL); err != nil {
		cancel()
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %v; open %s manually and connect again", ErrPopupBlocked, err, authURL)
	}
	o.logger.Info("Opened the authorization page in your browser")
	o.logger.InfoVerbose("Authorization URL: %s", authURL)

	p := &eventPopup{
		origin:   o.backend.Origin(),
		messages: make(chan session.AuthMessage, 1),
		cancel:   cancel,
		body:     resp.Body,
		logger:   o.logger,
	}
	go p.read()
	return p, nil
}

// eventPopup turns the server-sent event stream into popup messages. The
// popup counts as closed once the stream ends.
type eventPopup struct {
	origin   string
	messages chan session.AuthMessage
	cancel   context.CancelFunc
	body     io.ReadCloser
	logger   *logging.Logger

	closed    atomic.Bool
	released  atomic.Bool
	closeOnce sync.Once
}

func (p *eventPopup) Messages() <-chan session.AuthMessage {
	return p.messages
}

func (p *eventPopup) Closed() bool {
	return p.closed.Load()
}

func (p *eventPopup) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.released.Store(true)
		p.cancel()
		err = p.body.Close()
	})
	return err
}

func (p *eventPopup) read() {
	defer func() {
		p.closed.Store(true)
		close(p.messages)
	}()

	scanner := bufio.NewScanner(p.body)
	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == api.AuthEvent && data.Len() > 0 {
				p.deliver(data.String())
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// Comment or heartbeat.
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && !p.released.Load() {
		p.logger.Debug("Authorization event stream ended: %v", err)
	}
}

func (p *eventPopup) deliver(payload string) {
	var msg session.AuthMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		p.logger.Warning("Ignoring malformed authorization event: %v", err)
		return
	}
	msg.Origin = p.origin
	select {
	case p.messages <- msg:
	default:
		p.logger.Debug("Dropping authorization event for %s, one is already pending", msg.SessionID)
	}
}
