package client

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/solesession/solesession/internal"
	"github.com/solesession/solesession/store"
)

// Reason explains why a session ended. It is surfaced to the redirect hook so
// the login page can tell the user what happened (or say nothing at all).
type Reason string

const (
	ReasonIdle                Reason = "idle"
	ReasonUnauthorized        Reason = "unauthorized"
	ReasonConflict            Reason = "conflict"
	ReasonForeignLogout       Reason = "foreign_logout"
	ReasonSameDeviceReconnect Reason = "same_device_reconnect"
	ReasonManualLogout        Reason = "manual_logout"
)

// Identity is the session identity for one tab.
type Identity struct {
	UserID      string
	TabID       string
	SessionID   string
	Fingerprint string
}

type ManagerConfig struct {
	Heartbeat HeartbeatConfig
	Stream    StreamConfig
	Poll      PollConfig
	Heuristic HeuristicConfig
	// Device characteristics the fingerprint is derived from. Zero value means
	// DefaultDeviceInfo().
	Device DeviceInfo
	// SuppressFor is the window after a successful login during which
	// deletions for this user are ignored: registering a session deletes the
	// user's stale rows, and those housekeeping deletes must not self-trigger
	// a logout. Defaults to 10s.
	SuppressFor time.Duration
	// SignOutTimeout bounds the best-effort sign-out round trip raced before a
	// forced redirect. Defaults to 2s.
	SignOutTimeout time.Duration
}

func (c *ManagerConfig) defaults() {
	if c.SuppressFor == 0 {
		c.SuppressFor = 10 * time.Second
	}
	if c.SignOutTimeout == 0 {
		c.SignOutTimeout = 2 * time.Second
	}
	if c.Device == (DeviceInfo{}) {
		c.Device = DefaultDeviceInfo()
	}
}

// Manager owns the session liveness machinery for one tab: the idle/heartbeat
// state machine, the push invalidation stream, the kickout poller, the
// cross-tab broadcaster and the classification heuristics. Construct one
// explicitly, Start it after authentication, and Close it on tab teardown.
type Manager struct {
	api       API
	tabStore  store.Store
	origin    store.Store
	cfg       ManagerConfig
	logger    zerolog.Logger
	heuristic *Heuristic
	bcast     *Broadcaster

	// Notify shows a user-facing message; nil means messages are dropped.
	Notify func(reason Reason, message string)
	// Redirect sends the user to the login surface. It is the final,
	// unconditional action of every forced logout. nil is tolerated (logged).
	Redirect func(reason Reason)

	mu         sync.Mutex
	identity   Identity
	heartbeat  *Heartbeat
	stream     *Stream
	poller     *Poller
	cancel     context.CancelFunc
	started    bool
	terminated bool
	closed     bool

	onWarning []func()
	onIdle    []func()
	onLogout  []func(Reason)
}

func NewManager(api API, tabStore, originStore store.Store, cfg ManagerConfig, logger zerolog.Logger) *Manager {
	cfg.defaults()
	m := &Manager{
		api:      api,
		tabStore: tabStore,
		origin:   originStore,
		cfg:      cfg,
		logger:   logger,
	}
	m.heuristic = NewHeuristic(tabStore, originStore, cfg.Device, cfg.Heuristic, logger)
	m.bcast = NewBroadcaster(originStore, logger)
	m.bcast.On(EventForceLogout, func(payload string) {
		// another tab already classified this; follow silently, no rebroadcast
		m.forceLogout(Reason(payload), false, false)
	})
	m.bcast.On(EventTerminated, func(payload string) {
		m.forceLogout(ReasonManualLogout, false, false)
	})
	// the base logger, not m.logger: Start re-derives m.logger with identity
	// fields while broadcasts from other tabs may already be arriving
	m.bcast.On(EventSessionStarting, func(payload string) {
		logger.Debug().Msg("another tab is starting a session")
	})
	return m
}

// TabID returns this tab's identifier, minting and persisting one in the
// tab-scoped store on first use.
func (m *Manager) TabID() string {
	if id, ok := m.tabStore.Get(KeyTabID); ok {
		return id
	}
	id := uuid.NewString()
	m.tabStore.Set(KeyTabID, id)
	return id
}

// Identity returns the current session identity. Zero until Start succeeds.
func (m *Manager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Heuristic exposes the classification heuristics, mainly so the login flow
// can consult or seed markers.
func (m *Manager) Heuristic() *Heuristic { return m.heuristic }

// OnWarning registers an observer for the idle warning transition. Call
// before Start.
func (m *Manager) OnWarning(fn func()) { m.onWarning = append(m.onWarning, fn) }

// OnIdle registers an observer for the idle transition. Call before Start.
func (m *Manager) OnIdle(fn func()) { m.onIdle = append(m.onIdle, fn) }

// OnLogout registers an observer invoked, at most once, when the session
// terminates for any reason. Call before Start.
func (m *Manager) OnLogout(fn func(Reason)) { m.onLogout = append(m.onLogout, fn) }

// Start registers this tab's session as the user's authoritative one and arms
// every component. The caller must already have authenticated the user; this
// manages liveness, not credentials.
func (m *Manager) Start(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	internal.Assert("manager not already started", !m.started)
	if m.started {
		return nil
	}

	tabID := m.TabID()
	fingerprint := m.heuristic.CacheFingerprint()
	m.bcast.Broadcast(EventSessionStarting, userID)

	sessionID, err := m.api.Register(ctx, userID, tabID, fingerprint)
	if err != nil {
		return err
	}
	m.identity = Identity{
		UserID:      userID,
		TabID:       tabID,
		SessionID:   sessionID,
		Fingerprint: fingerprint,
	}
	m.logger = m.logger.With().Str("user", userID).Str("tab", tabID).Logger()

	// open the suppression window: registration just housekept this user's
	// stale rows and their deletion events are already in flight
	m.tabStore.Set(KeyJustLoggedIn, strconv.FormatInt(time.Now().UnixMilli(), 10))

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.heartbeat = NewHeartbeat(m.api, sessionID, tabID, m.cfg.Heartbeat, m.logger)
	for _, fn := range m.onWarning {
		m.heartbeat.AddOnWarning(fn)
	}
	m.heartbeat.AddOnWarning(func() {
		m.notify(ReasonIdle, "You will be signed out soon due to inactivity.")
	})
	for _, fn := range m.onIdle {
		m.heartbeat.AddOnIdle(fn)
	}
	m.heartbeat.AddOnLogout(func(reason Reason) {
		m.forceLogout(reason, true, false)
	})
	m.heartbeat.Start()

	m.stream = m.newStreamLocked(runCtx)

	m.poller = NewPoller(m.api, userID, m.cfg.Poll, func() {
		m.handleDeleted(&Notification{
			Operation: OpDeleted,
			UserID:    userID,
			Timestamp: time.Now().UnixMilli(),
		})
	}, m.logger)
	go m.poller.Run()

	m.started = true
	m.logger.Info().Msg("session manager started")
	return nil
}

func (m *Manager) newStreamLocked(ctx context.Context) *Stream {
	s := NewStream(m.api, m.identity.SessionID, m.cfg.Stream, m.logger)
	s.SetCallback(m.processNotification)
	go s.Run(ctx)
	return s
}

// SetVisible reports tab visibility. Hiding pauses activity detection and
// closes the push stream; refocusing re-arms timers and reconnects.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.terminated || m.closed {
		return
	}
	m.heartbeat.SetVisible(visible)
	if !visible {
		if m.stream != nil {
			m.stream.Stop()
			m.stream = nil
		}
		return
	}
	if m.stream == nil && m.cancel != nil {
		runCtx, cancel := context.WithCancel(context.Background())
		oldCancel := m.cancel
		m.cancel = cancel
		oldCancel()
		m.stream = m.newStreamLocked(runCtx)
	}
}

// Activity forwards a qualifying user input event to the idle machine.
func (m *Manager) Activity() {
	m.mu.Lock()
	hb := m.heartbeat
	m.mu.Unlock()
	if hb != nil {
		hb.Activity()
	}
}

// processNotification is the stream batch callback. It returns true, ending
// the batch and the stream, only when a deletion for the local user is acted
// on.
func (m *Manager) processNotification(n *Notification) bool {
	id := m.Identity()
	if n.UserID != id.UserID {
		return false
	}
	switch n.Operation {
	case OpCreated:
		if n.TabID != id.TabID {
			m.logger.Info().Str("other_tab", n.TabID).Msg("a session was created elsewhere")
		}
		return false
	case OpUpdated:
		return false
	case OpDeleted:
		if m.suppressed() {
			m.logger.Debug().Msg("ignoring deletion inside post-login suppression window")
			return false
		}
		m.handleDeleted(n)
		return true
	default:
		return false
	}
}

// suppressed reports whether the post-login suppression window is still open.
func (m *Manager) suppressed() bool {
	v, ok := m.tabStore.Get(KeyJustLoggedIn)
	if !ok {
		return false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		m.tabStore.Delete(KeyJustLoggedIn)
		return false
	}
	if time.Since(time.UnixMilli(ms)) >= m.cfg.SuppressFor {
		m.tabStore.Delete(KeyJustLoggedIn)
		return false
	}
	return true
}

// handleDeleted classifies a deletion for the local user and runs the
// appropriate termination path.
func (m *Manager) handleDeleted(n *Notification) {
	switch {
	case m.heuristic.IsManualLogout():
		m.forceLogout(ReasonManualLogout, true, false)
	case m.heuristic.IsSameDeviceReconnect():
		m.forceLogout(ReasonSameDeviceReconnect, true, false)
	default:
		m.forceLogout(ReasonForeignLogout, true, true)
	}
}

// Logout is the user explicitly signing out in this tab. It marks the manual
// logout so other tabs (and this one, should the notification race back)
// treat the resulting deletion as benign.
func (m *Manager) Logout(ctx context.Context) {
	m.heuristic.MarkManualLogout()
	m.bcast.Broadcast(EventTerminated, string(ReasonManualLogout))
	id := m.Identity()
	if err := m.api.SignOut(ctx, id.SessionID, id.TabID); err != nil {
		// never blocks the redirect
		m.logger.Warn().Err(err).Msg("sign-out round trip failed")
	}
	m.forceLogout(ReasonManualLogout, false, false)
}

// forceLogout is the unconditional termination path. Exactly once per Start:
// tear down, optionally warn the user and the other tabs, race a best-effort
// sign-out against a short timeout, then redirect. The redirect always runs.
func (m *Manager) forceLogout(reason Reason, rebroadcast, notice bool) {
	m.mu.Lock()
	if m.terminated || !m.started {
		m.mu.Unlock()
		return
	}
	m.terminated = true
	hb, st, po := m.heartbeat, m.stream, m.poller
	cancel := m.cancel
	id := m.identity
	m.mu.Unlock()

	m.logger.Info().Str("reason", string(reason)).Msg("forcing logout")
	if hb != nil {
		hb.Stop()
	}
	if po != nil {
		po.Stop()
	}
	if st != nil {
		st.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if notice {
		m.notify(reason, "Your session was closed because your account signed in elsewhere.")
	}
	if rebroadcast {
		m.bcast.Broadcast(EventForceLogout, string(reason))
	}
	if reason != ReasonManualLogout {
		// best-effort server round trip, raced against a deadline so the
		// redirect is never indefinitely delayed
		done := make(chan struct{})
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SignOutTimeout)
			defer cancel()
			if err := m.api.SignOut(ctx, id.SessionID, id.TabID); err != nil {
				m.logger.Debug().Err(err).Msg("best-effort sign-out failed")
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(m.cfg.SignOutTimeout):
		}
	}
	for _, fn := range m.onLogout {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Interface("panic", r).Msg("logout observer panicked")
					internal.GetSentryHubFromContextOrDefault(context.Background()).Recover(r)
				}
			}()
			fn(reason)
		}()
	}
	if m.Redirect == nil {
		m.logger.Warn().Str("reason", string(reason)).Msg("no redirect hook configured")
		return
	}
	m.Redirect(reason)
}

func (m *Manager) notify(reason Reason, message string) {
	if !m.cfg.Heartbeat.NotificationsEnabled || m.Notify == nil {
		return
	}
	m.Notify(reason, message)
}

// Close tears everything down on tab teardown without triggering the logout
// path: a best-effort close beacon, then component shutdown. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	hb, st, po := m.heartbeat, m.stream, m.poller
	cancel := m.cancel
	id := m.identity
	terminated := m.terminated
	started := m.started
	m.mu.Unlock()

	if started && !terminated {
		m.api.SendCloseBeacon(id.SessionID, id.TabID, time.Now().UnixMilli())
	}
	if hb != nil {
		hb.Stop()
	}
	if po != nil {
		po.Stop()
	}
	if st != nil {
		st.Stop()
	}
	if cancel != nil {
		cancel()
	}
	m.bcast.Close()
}
