package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/solesession/solesession/internal"
)

// State of the idle machine for one tab.
type State int

const (
	// StateActive means user input was seen within IdleTimeout - WarningLeadTime.
	StateActive State = iota
	// StateWarned means the warning timer fired and no input has arrived since.
	StateWarned
	// StateIdle means the idle timer fired; forced logout follows after one
	// more WarningLeadTime unless the machine is stopped first.
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateWarned:
		return "warned"
	case StateIdle:
		return "idle"
	}
	return "unknown"
}

// HeartbeatConfig is immutable once the machine starts.
type HeartbeatConfig struct {
	// IdleTimeout is how long without user input before the session is
	// considered idle. Must be > WarningLeadTime.
	IdleTimeout time.Duration
	// WarningLeadTime is how long before the idle transition the warning
	// fires, and also the grace between idle and forced logout.
	WarningLeadTime time.Duration
	// HeartbeatInterval is how often the liveness ping ticker fires while the
	// tab is active and visible.
	HeartbeatInterval time.Duration
	// NotificationsEnabled gates user-facing warnings. Forced logout is never
	// gated.
	NotificationsEnabled bool

	// MinWarningGap is the floor between consecutive warning callbacks,
	// regardless of how often the warning timer is rescheduled. Defaults to 30s.
	MinWarningGap time.Duration
	// MinSendGap is the floor between actual heartbeat sends, tolerating timer
	// drift when HeartbeatInterval is configured shorter. Defaults to 60s.
	MinSendGap time.Duration
	// SendTimeout bounds each heartbeat request. Defaults to 10s.
	SendTimeout time.Duration
}

func (c *HeartbeatConfig) defaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.WarningLeadTime == 0 {
		c.WarningLeadTime = time.Minute
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 2 * time.Minute
	}
	if c.MinWarningGap == 0 {
		c.MinWarningGap = 30 * time.Second
	}
	if c.MinSendGap == 0 {
		c.MinSendGap = 60 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 10 * time.Second
	}
}

// Heartbeat is the per-tab idle state machine plus the background liveness
// ticker. One instance coordinates many feature modules via the registered
// callbacks; they never own timers themselves.
//
// Transitions: Active -> Warned -> Idle -> (logout), with Warned -> Active on
// any user input. The machine guarantees the warning fires strictly before
// idle, idle strictly before logout, and logout at most once per Start.
type Heartbeat struct {
	cfg    HeartbeatConfig
	api    API
	logger zerolog.Logger

	sessionID string
	tabID     string

	mu           *sync.Mutex
	state        State
	lastActivity time.Time
	lastWarning  time.Time
	lastSend     time.Time
	visible      bool
	stopped      bool
	loggedOut    bool

	warnTimer   *time.Timer
	idleTimer   *time.Timer
	logoutTimer *time.Timer
	ticker      *time.Ticker
	done        chan struct{}

	onWarning []func()
	onIdle    []func()
	onLogout  []func(Reason)

	now func() time.Time
}

func NewHeartbeat(api API, sessionID, tabID string, cfg HeartbeatConfig, logger zerolog.Logger) *Heartbeat {
	cfg.defaults()
	internal.Assert("WarningLeadTime < IdleTimeout", cfg.WarningLeadTime < cfg.IdleTimeout)
	h := &Heartbeat{
		cfg:       cfg,
		api:       api,
		logger:    logger.With().Str("tab", tabID).Logger(),
		sessionID: sessionID,
		tabID:     tabID,
		mu:        &sync.Mutex{},
		visible:   true,
		done:      make(chan struct{}),
		now:       time.Now,
	}
	return h
}

// AddOnWarning registers fn to run when the warning transition fires. Must be
// called before Start.
func (h *Heartbeat) AddOnWarning(fn func()) { h.onWarning = append(h.onWarning, fn) }

// AddOnIdle registers fn to run when the idle transition fires. Must be called
// before Start.
func (h *Heartbeat) AddOnIdle(fn func()) { h.onIdle = append(h.onIdle, fn) }

// AddOnLogout registers fn to run when the machine reaches forced logout. fn
// fires at most once per Start. Must be called before Start.
func (h *Heartbeat) AddOnLogout(fn func(Reason)) { h.onLogout = append(h.onLogout, fn) }

// Start arms the idle timers as if fresh activity just occurred and starts the
// liveness ticker.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.state = StateActive
	h.lastActivity = h.now()
	h.ticker = time.NewTicker(h.cfg.HeartbeatInterval)
	h.rearmLocked()
	h.mu.Unlock()
	go h.run()
	h.logger.Info().
		Str("idle_timeout", h.cfg.IdleTimeout.String()).
		Str("warning_lead", h.cfg.WarningLeadTime.String()).
		Msg("heartbeat started")
}

// Stop tears the machine down. Idempotent; safe from any goroutine including
// the machine's own callbacks.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Heartbeat) stopLocked() {
	if h.stopped {
		return
	}
	h.stopped = true
	h.cancelTimersLocked()
	if h.ticker != nil {
		h.ticker.Stop()
	}
	close(h.done)
}

// State returns the current machine state.
func (h *Heartbeat) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastActivity returns the most recent qualifying input timestamp.
func (h *Heartbeat) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// Activity records a qualifying user input event (pointer, key, scroll,
// touch). It reschedules both idle timers relative to now and cancels any
// pending logout. Input on a hidden tab is ignored.
func (h *Heartbeat) Activity() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || !h.visible {
		return
	}
	prev := h.state
	h.state = StateActive
	h.lastActivity = h.now()
	h.rearmLocked()
	if prev != StateActive {
		h.logger.Debug().Str("from", prev.String()).Msg("activity resumed")
	}
}

// SetVisible reports tab visibility. Hiding pauses activity detection; the
// idle timers keep running so a hidden tab still times out. Refocusing re-arms
// the timers as if fresh activity occurred.
func (h *Heartbeat) SetVisible(visible bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.visible == visible {
		return
	}
	h.visible = visible
	if visible {
		h.state = StateActive
		h.lastActivity = h.now()
		h.rearmLocked()
	}
}

// rearmLocked cancels and reschedules the warning and idle timers relative to
// lastActivity, and cancels any pending logout timer.
func (h *Heartbeat) rearmLocked() {
	h.cancelTimersLocked()
	if h.stopped {
		return
	}
	h.warnTimer = time.AfterFunc(h.cfg.IdleTimeout-h.cfg.WarningLeadTime, h.onWarningTimer)
	h.idleTimer = time.AfterFunc(h.cfg.IdleTimeout, h.onIdleTimer)
}

func (h *Heartbeat) cancelTimersLocked() {
	for _, t := range []*time.Timer{h.warnTimer, h.idleTimer, h.logoutTimer} {
		if t != nil {
			t.Stop()
		}
	}
	h.warnTimer, h.idleTimer, h.logoutTimer = nil, nil, nil
}

func (h *Heartbeat) onWarningTimer() {
	h.mu.Lock()
	if h.stopped || h.state != StateActive {
		h.mu.Unlock()
		return
	}
	h.state = StateWarned
	fire := h.now().Sub(h.lastWarning) >= h.cfg.MinWarningGap
	if fire {
		h.lastWarning = h.now()
	}
	fns := h.onWarning
	h.mu.Unlock()
	if !fire {
		h.logger.Debug().Msg("warning suppressed by rate limit")
		return
	}
	h.logger.Info().Msg("session idle warning")
	h.invoke(fns)
}

func (h *Heartbeat) onIdleTimer() {
	h.mu.Lock()
	if h.stopped || h.state == StateIdle {
		h.mu.Unlock()
		return
	}
	h.state = StateIdle
	fns := h.onIdle
	h.logoutTimer = time.AfterFunc(h.cfg.WarningLeadTime, h.onLogoutTimer)
	h.mu.Unlock()
	h.logger.Info().Msg("session idle")
	h.invoke(fns)
}

func (h *Heartbeat) onLogoutTimer() {
	h.mu.Lock()
	if h.stopped || h.loggedOut || h.state != StateIdle {
		h.mu.Unlock()
		return
	}
	h.loggedOut = true
	fns := h.onLogout
	h.stopLocked()
	h.mu.Unlock()
	h.logger.Info().Msg("idle timeout reached, forcing logout")
	for _, fn := range fns {
		h.invokeLogout(fn)
	}
}

// invoke runs callbacks, recovering panics so a broken feature module cannot
// kill the timer path.
func (h *Heartbeat) invoke(fns []func()) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error().Interface("panic", r).Msg("callback panicked")
					internal.GetSentryHubFromContextOrDefault(context.Background()).Recover(r)
				}
			}()
			fn()
		}()
	}
}

func (h *Heartbeat) invokeLogout(fn func(Reason)) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Msg("logout callback panicked")
			internal.GetSentryHubFromContextOrDefault(context.Background()).Recover(r)
		}
	}()
	fn(ReasonIdle)
}

// run is the liveness ticker loop. Sends are skipped while hidden or
// non-active, and floored at MinSendGap apart regardless of the configured
// interval.
func (h *Heartbeat) run() {
	for {
		select {
		case <-h.done:
			return
		case <-h.ticker.C:
			h.tick()
		}
	}
}

func (h *Heartbeat) tick() {
	h.mu.Lock()
	if h.stopped || !h.visible || h.state != StateActive {
		h.mu.Unlock()
		return
	}
	if h.now().Sub(h.lastSend) < h.cfg.MinSendGap {
		h.mu.Unlock()
		return
	}
	h.lastSend = h.now()
	lastActivity := h.lastActivity.UnixMilli()
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SendTimeout)
	defer cancel()
	err := h.api.SendHeartbeat(ctx, h.sessionID, h.tabID, lastActivity)
	switch err {
	case nil:
		h.logger.Trace().Int64("last_activity", lastActivity).Msg("heartbeat ok")
	case ErrUnauthorized:
		h.fatal(ReasonUnauthorized)
	case ErrConflict:
		h.fatal(ReasonConflict)
	default:
		// transient: swallow and wait for the next tick
		h.logger.Warn().Err(err).Msg("heartbeat send failed")
	}
}

// fatal handles an authoritative rejection of a heartbeat: stop sending and
// force logout with the given reason, exactly once.
func (h *Heartbeat) fatal(reason Reason) {
	h.mu.Lock()
	if h.loggedOut {
		h.mu.Unlock()
		return
	}
	h.loggedOut = true
	fns := h.onLogout
	h.stopLocked()
	h.mu.Unlock()
	h.logger.Warn().Str("reason", string(reason)).Msg("heartbeat rejected, forcing logout")
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error().Interface("panic", r).Msg("logout callback panicked")
				}
			}()
			fn(reason)
		}()
	}
}
