// Package manager drives the connection lifecycle of MCP servers from the
// client side of the API.
//
// Every server moves through the states in states.go. The manager asks the
// API to connect, opens an authorization window when the API requires one,
// waits for the outcome, discovers the server's tools and writes every
// change through to a cache that other processes can read.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/zonlabs/mcp-assistant-sub001/internal/api"
	"github.com/zonlabs/mcp-assistant-sub001/internal/cache"
	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
	"github.com/zonlabs/mcp-assistant-sub001/internal/mcpclient"
	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

const (
	// DefaultPollInterval is how often an open authorization window is
	// checked for having been closed.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultConcurrency bounds parallel revalidation in InitializeFromSessions.
	DefaultConcurrency = 4
)

// Config configures a Manager.
type Config struct {
	Backend Backend
	// Opener shows authorization URLs. Without one, servers that need
	// authorization fail with ErrPopupBlocked.
	Opener Opener
	// Cache receives every state change. It defaults to an in-memory cache.
	Cache  *cache.Cache[ConnectionInfo]
	Logger *logging.Logger

	// ExpectedOrigin is the only origin authorization messages are accepted
	// from. It defaults to the backend's origin.
	ExpectedOrigin string
	PollInterval   time.Duration
	// AuthTimeout bounds the wait for the user to authorize. Zero waits
	// until the window closes or the context ends.
	AuthTimeout time.Duration
	Concurrency int
}

// Manager tracks one ConnectionInfo per server id.
type Manager struct {
	backend        Backend
	opener         Opener
	cache          *cache.Cache[ConnectionInfo]
	logger         *logging.Logger
	expectedOrigin string
	pollInterval   time.Duration
	authTimeout    time.Duration
	concurrency    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[string]ConnectionInfo
	busy   map[string]bool
	closed bool

	subMu     sync.Mutex
	nextSub   int
	listeners map[int]func(ConnectionInfo)

	waiting atomic.Int32
}

// New creates a manager and seeds it with the cached connections. Entries
// left in a transient state by an interrupted process are seen as ERROR.
func New(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.Cache == nil {
		c, err := cache.New[ConnectionInfo]("", cfg.Logger)
		if err != nil {
			return nil, err
		}
		cfg.Cache = c
	}
	if cfg.ExpectedOrigin == "" {
		cfg.ExpectedOrigin = cfg.Backend.Origin()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		backend:        cfg.Backend,
		opener:         cfg.Opener,
		cache:          cfg.Cache,
		logger:         cfg.Logger,
		expectedOrigin: cfg.ExpectedOrigin,
		pollInterval:   cfg.PollInterval,
		authTimeout:    cfg.AuthTimeout,
		concurrency:    cfg.Concurrency,
		ctx:            ctx,
		cancel:         cancel,
		conns:          make(map[string]ConnectionInfo),
		busy:           make(map[string]bool),
		listeners:      make(map[int]func(ConnectionInfo)),
	}

	for id, info := range cfg.Cache.GetAll() {
		if info.State.Transient() {
			info.State = StateError
			info.Error = "interrupted"
		}
		m.conns[id] = info
	}
	return m, nil
}

// Cache returns the cache the manager writes through to.
func (m *Manager) Cache() *cache.Cache[ConnectionInfo] {
	return m.cache
}

// Get returns the connection of serverID.
func (m *Manager) Get(serverID string) (ConnectionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.conns[serverID]
	return info, ok
}

// List returns all connections ordered by server id.
func (m *Manager) List() []ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(m.conns))
	for _, info := range m.conns {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Subscribe registers fn for every state change and returns a function
// that removes it. fn runs synchronously on the goroutine making the change.
func (m *Manager) Subscribe(fn func(ConnectionInfo)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			delete(m.listeners, id)
		})
	}
}

func (m *Manager) notify(info ConnectionInfo) {
	m.subMu.Lock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]func(ConnectionInfo), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.subMu.Unlock()

	for _, fn := range listeners {
		fn(info)
	}
}

// begin marks serverID busy and binds ctx to the manager's lifetime.
func (m *Manager) begin(ctx context.Context, serverID string) (context.Context, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}
	if m.busy[serverID] {
		return nil, nil, ErrBusy
	}
	m.busy[serverID] = true
	m.wg.Add(1)

	opCtx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(m.ctx, func() { cancel(ErrClosed) })
	return opCtx, func() {
		stop()
		cancel(nil)
		m.mu.Lock()
		delete(m.busy, serverID)
		m.mu.Unlock()
		m.wg.Done()
	}, nil
}

// cause prefers the cancellation cause over the error an operation saw.
func cause(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if c := context.Cause(ctx); c != nil {
		return c
	}
	return ctx.Err()
}

// transition moves serverID to next, applies update and publishes the
// result. Moving to IDLE removes the entry.
func (m *Manager) transition(serverID string, next State, update func(*ConnectionInfo)) (ConnectionInfo, error) {
	m.mu.Lock()
	info, ok := m.conns[serverID]
	if !ok {
		info = ConnectionInfo{ServerID: serverID, State: StateIdle}
	}
	if !info.State.CanTransition(next) {
		m.mu.Unlock()
		return info, fmt.Errorf("cannot move %s from %s to %s", serverID, info.State, next)
	}
	info.State = next
	info.Error = ""
	if update != nil {
		update(&info)
	}
	if next == StateIdle {
		delete(m.conns, serverID)
	} else {
		m.conns[serverID] = info
	}
	m.mu.Unlock()

	m.logger.Debug("Server %s is now %s", serverID, next)
	var err error
	if next == StateIdle {
		err = m.cache.Delete(serverID)
	} else {
		err = m.cache.Set(serverID, info)
	}
	if err != nil {
		m.logger.Warning("Failed to update connection cache: %v", err)
	}
	m.notify(info)
	return info, nil
}

// fail moves serverID to ERROR and returns err.
func (m *Manager) fail(serverID string, err error) (ConnectionInfo, error) {
	info, terr := m.transition(serverID, StateError, func(info *ConnectionInfo) {
		info.Error = err.Error()
	})
	if terr != nil {
		m.logger.Warning("Failed to record error of %s: %v", serverID, terr)
	}
	return info, err
}

// Connect runs the whole lifecycle for server: connect, authorize when
// required, then discover tools. It returns once the server is CONNECTED or
// ERROR.
func (m *Manager) Connect(ctx context.Context, server Server) (ConnectionInfo, error) {
	if err := server.validate(); err != nil {
		return ConnectionInfo{}, err
	}
	ctx, done, err := m.begin(ctx, server.ID)
	if err != nil {
		info, _ := m.Get(server.ID)
		return info, err
	}
	defer done()

	if _, err := m.transition(server.ID, StateConnecting, func(info *ConnectionInfo) {
		info.ServerName = server.Name
		info.ServerURL = server.URL
		info.SessionID = ""
		info.Tools = nil
		info.ConnectedAt = time.Time{}
	}); err != nil {
		return ConnectionInfo{}, err
	}

	resp, err := m.backend.Connect(ctx, api.ConnectRequest{
		ServerURL:     server.URL,
		CallbackURL:   server.CallbackURL,
		ServerID:      server.ID,
		ServerName:    server.Name,
		TransportType: server.TransportType,
		SourceURL:     server.SourceURL,
	})
	if err != nil {
		return m.fail(server.ID, cause(ctx, err))
	}

	if resp.RequiresAuth {
		if _, err := m.transition(server.ID, StateAuthenticating, func(info *ConnectionInfo) {
			info.SessionID = resp.SessionID
		}); err != nil {
			return ConnectionInfo{}, err
		}
		if err := m.authorize(ctx, resp.AuthURL, resp.SessionID); err != nil {
			return m.fail(server.ID, err)
		}
		if _, err := m.transition(server.ID, StateAuthenticated, nil); err != nil {
			return ConnectionInfo{}, err
		}
	}
	return m.discover(ctx, server.ID, func(info *ConnectionInfo) {
		info.SessionID = resp.SessionID
	})
}

// discover moves serverID to DISCOVERING, applies update, lists the tools
// of the entry's session and settles on the outcome.
func (m *Manager) discover(ctx context.Context, serverID string, update func(*ConnectionInfo)) (ConnectionInfo, error) {
	info, err := m.transition(serverID, StateDiscovering, update)
	if err != nil {
		return ConnectionInfo{}, err
	}

	tools, err := m.backend.ListTools(ctx, info.SessionID)
	if err != nil {
		return m.fail(serverID, cause(ctx, err))
	}
	if tools == nil {
		tools = []mcp.Tool{}
	}
	return m.transition(serverID, StateConnected, func(info *ConnectionInfo) {
		info.Tools = tools
		if info.ConnectedAt.IsZero() {
			info.ConnectedAt = time.Now().UTC()
		}
	})
}

func (m *Manager) authorize(ctx context.Context, authURL, sessionID string) error {
	if m.opener == nil {
		return fmt.Errorf("%w: open %s manually and connect again", ErrPopupBlocked, authURL)
	}
	popup, err := m.opener.Open(ctx, authURL, sessionID)
	if err != nil {
		return cause(ctx, err)
	}
	return m.awaitAuthorization(ctx, popup, sessionID)
}

// awaitAuthorization waits for the outcome of sessionID's authorization.
// The popup and the poll ticker are released on every return path.
func (m *Manager) awaitAuthorization(ctx context.Context, popup Popup, sessionID string) error {
	m.waiting.Add(1)
	defer m.waiting.Add(-1)
	defer func() { _ = popup.Close() }()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var timeout <-chan time.Time
	if m.authTimeout > 0 {
		timer := time.NewTimer(m.authTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	messages := popup.Messages()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			if done, err := m.handleAuthMessage(msg, sessionID); done {
				return err
			}

		case <-ticker.C:
			if !popup.Closed() {
				continue
			}
			// A message may have arrived right before the window closed.
			for messages != nil {
				select {
				case msg, ok := <-messages:
					if !ok {
						messages = nil
						break
					}
					if done, err := m.handleAuthMessage(msg, sessionID); done {
						return err
					}
				default:
					messages = nil
				}
			}
			return ErrPopupClosed

		case <-timeout:
			return ErrAuthTimeout

		case <-ctx.Done():
			return cause(ctx, ctx.Err())
		}
	}
}

// handleAuthMessage reports whether msg ends the wait for sessionID.
func (m *Manager) handleAuthMessage(msg session.AuthMessage, sessionID string) (bool, error) {
	if msg.Origin != m.expectedOrigin {
		m.logger.Warning("Ignoring authorization message from unexpected origin %q", msg.Origin)
		return false, nil
	}
	if msg.SessionID != sessionID {
		m.logger.Debug("Ignoring authorization message for session %s", msg.SessionID)
		return false, nil
	}
	switch msg.Type {
	case session.AuthMessageSuccess:
		return true, nil
	case session.AuthMessageError:
		return true, fmt.Errorf("%w: %s", ErrAuthFailed, msg.Error)
	default:
		m.logger.Debug("Ignoring authorization message of type %q", msg.Type)
		return false, nil
	}
}

// Disconnect removes sessionID on the API and drops its server entry. A
// session the API no longer knows is still dropped locally.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	serverID := ""
	m.mu.Lock()
	for id, info := range m.conns {
		if info.SessionID == sessionID {
			serverID = id
			break
		}
	}
	m.mu.Unlock()

	if serverID == "" {
		if err := m.backend.Disconnect(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return nil
	}
	return m.disconnect(ctx, serverID, sessionID)
}

// DisconnectServer disconnects the session of serverID.
func (m *Manager) DisconnectServer(ctx context.Context, serverID string) error {
	info, ok := m.Get(serverID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	return m.disconnect(ctx, serverID, info.SessionID)
}

func (m *Manager) disconnect(ctx context.Context, serverID, sessionID string) error {
	ctx, done, err := m.begin(ctx, serverID)
	if err != nil {
		return err
	}
	defer done()

	if sessionID != "" {
		if err := m.backend.Disconnect(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return cause(ctx, err)
		}
	}
	_, err = m.transition(serverID, StateIdle, nil)
	return err
}

// InitializeFromSessions revalidates the API's active sessions in parallel
// and marks each server CONNECTED or ERROR. Connected entries whose session
// is gone are dropped. Failures of single sessions are recorded on their
// entries and do not fail the call.
func (m *Manager) InitializeFromSessions(ctx context.Context) ([]ConnectionInfo, error) {
	sessions, err := m.backend.Sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	live := make(map[string]bool, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, s := range sessions {
		if !s.Active {
			continue
		}
		live[s.ServerID] = true
		g.Go(func() error {
			m.revalidate(gctx, s)
			return nil
		})
	}
	_ = g.Wait()

	for _, info := range m.List() {
		if live[info.ServerID] || info.State != StateConnected {
			continue
		}
		if _, err := m.transition(info.ServerID, StateIdle, nil); err != nil {
			m.logger.Warning("Failed to drop stale connection %s: %v", info.ServerID, err)
		}
	}
	return m.List(), nil
}

func (m *Manager) revalidate(ctx context.Context, s api.SessionInfo) {
	ctx, done, err := m.begin(ctx, s.ServerID)
	if err != nil {
		m.logger.Debug("Skipping revalidation of %s: %v", s.ServerID, err)
		return
	}
	defer done()

	if _, err := m.discover(ctx, s.ServerID, func(info *ConnectionInfo) {
		if info.SessionID != s.SessionID {
			info.ConnectedAt = time.Time{}
		}
		info.SessionID = s.SessionID
		info.ServerName = s.ServerName
		info.ServerURL = s.ServerURL
	}); err != nil {
		m.logger.Warning("Session %s of %s is not usable: %v", s.SessionID, s.ServerID, err)
	}
}

// ListTools rediscovers the tools of serverID.
func (m *Manager) ListTools(ctx context.Context, serverID string) ([]mcp.Tool, error) {
	info, ok := m.Get(serverID)
	if !ok || info.SessionID == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	ctx, done, err := m.begin(ctx, serverID)
	if err != nil {
		return nil, err
	}
	defer done()

	info, err = m.discover(ctx, serverID, nil)
	if err != nil {
		return nil, err
	}
	return info.Tools, nil
}

// CallTool invokes a tool on a connected server.
func (m *Manager) CallTool(ctx context.Context, serverID, name string, args map[string]any) (*mcpclient.ToolResult, error) {
	info, ok := m.Get(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	if info.State != StateConnected {
		return nil, fmt.Errorf("server %s is %s, not connected", serverID, info.State)
	}
	return m.backend.CallTool(ctx, info.SessionID, name, args)
}

// Close aborts running operations, which end in ERROR, and waits for them.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}
