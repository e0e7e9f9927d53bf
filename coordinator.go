package solesession

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/hlog"
	"github.com/tidwall/gjson"

	"github.com/solesession/solesession/internal"
	"github.com/solesession/solesession/pubsub"
	"github.com/solesession/solesession/state"
)

// SessionRegistry is the persistence surface the coordinator needs. Satisfied
// by *state.Registry; tests use an in-memory implementation.
type SessionRegistry interface {
	RegisterSession(userID, tabID, fingerprint string, now int64) (sessionID string, kicked []state.Session, err error)
	SessionByID(sessionID string) (*state.Session, error)
	ActiveSession(userID string) (*state.Session, error)
	RecordActivity(sessionID string, lastActivity int64) error
	CloseTab(tabID string, now int64) (*state.Session, error)
}

// CoordinatorOpts tunes the coordinator. Zero values get defaults.
type CoordinatorOpts struct {
	// KeepAliveInterval between stream keep-alive markers. Defaults to 30s.
	KeepAliveInterval time.Duration
	// StaleAfter is how long a session may go without a heartbeat before
	// validity checks fail and its stream is expired. Defaults to 5m.
	StaleAfter time.Duration
}

func (o *CoordinatorOpts) defaults() {
	if o.KeepAliveInterval == 0 {
		o.KeepAliveInterval = 30 * time.Second
	}
	if o.StaleAfter == 0 {
		o.StaleAfter = 5 * time.Minute
	}
}

// Coordinator is the authoritative side of session liveness: it enforces one
// active session per user at registration, answers heartbeats and validity
// checks, and fans session mutations out to each tab's notification stream
// via the session bus.
type Coordinator struct {
	registry SessionRegistry
	notifier pubsub.Notifier
	sub      *pubsub.SessionSub
	opts     CoordinatorOpts

	mu      sync.Mutex
	streams *ttlcache.Cache[string, *streamConn] // keyed by tabID

	numStreams      prometheus.Gauge
	numForcedClears *prometheus.CounterVec
}

// NewCoordinator wires a coordinator to a registry and a session bus. The
// notifier and listener are usually both sides of one pubsub.PubSub; they are
// split so the bus can be wrapped (metrics) or replaced in tests.
func NewCoordinator(registry SessionRegistry, notifier pubsub.Notifier, listener pubsub.Listener, opts CoordinatorOpts) *Coordinator {
	opts.defaults()
	c := &Coordinator{
		registry: registry,
		notifier: notifier,
		opts:     opts,
		streams: ttlcache.New[string, *streamConn](
			ttlcache.WithTTL[string, *streamConn](opts.StaleAfter),
			ttlcache.WithDisableTouchOnHit[string, *streamConn](),
		),
	}
	c.streams.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *streamConn]) {
		if reason == ttlcache.EvictionReasonExpired {
			logger.Info().Str("tab", item.Key()).Msg("expiring idle notification stream")
		}
		item.Value().close()
	})
	go c.streams.Start()
	c.sub = pubsub.NewSessionSub(listener, c)
	go c.sub.Listen()
	return c
}

// AddPrometheusMetrics registers the coordinator's metrics. Call at most once
// per process.
func (c *Coordinator) AddPrometheusMetrics() {
	c.numStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "solesession",
		Subsystem: "coordinator",
		Name:      "num_streams",
		Help:      "Number of open notification streams",
	})
	c.numForcedClears = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "solesession",
		Subsystem: "coordinator",
		Name:      "num_superseded",
		Help:      "Number of sessions superseded at registration",
	}, []string{"known_device"})
	prometheus.MustRegister(c.numStreams)
	prometheus.MustRegister(c.numForcedClears)
}

// Teardown closes the stream janitor and the bus subscription. Used in tests.
func (c *Coordinator) Teardown() {
	c.streams.Stop()
	c.sub.Teardown()
}

// wire format of one stream line
type streamEvent struct {
	Type      string `json:"type,omitempty"`
	Operation string `json:"operation,omitempty"`
	UserID    string `json:"userId,omitempty"`
	TabID     string `json:"tabId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

var keepAliveEvent = streamEvent{Type: "heartbeat"}

type streamConn struct {
	userID string
	tabID  string

	mu     sync.Mutex
	closed bool
	ch     chan streamEvent
}

// send never blocks the dispatcher: slow consumers lose events and rely on
// the poller backstop.
func (sc *streamConn) send(ev streamEvent) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}
	select {
	case sc.ch <- ev:
	default:
		logger.Warn().Str("tab", sc.tabID).Msg("dropping stream event for slow consumer")
	}
}

func (sc *streamConn) close() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}
	sc.closed = true
	close(sc.ch)
}

// OnSessionCreated implements pubsub.SessionListener.
func (c *Coordinator) OnSessionCreated(p *pubsub.SessionCreated) {
	c.fanout(streamEvent{Operation: "created", UserID: p.UserID, TabID: p.TabID, Timestamp: p.Timestamp}, "")
}

// OnSessionUpdated implements pubsub.SessionListener.
func (c *Coordinator) OnSessionUpdated(p *pubsub.SessionUpdated) {
	c.fanout(streamEvent{Operation: "updated", UserID: p.UserID, TabID: p.TabID, Timestamp: p.Timestamp}, "")
}

// OnSessionDeleted implements pubsub.SessionListener. The deleted tab's own
// stream is closed after delivery; there is nothing left to stream to it.
func (c *Coordinator) OnSessionDeleted(p *pubsub.SessionDeleted) {
	c.fanout(streamEvent{Operation: "deleted", UserID: p.UserID, TabID: p.TabID, Timestamp: p.Timestamp}, p.TabID)
}

// fanout delivers an event to every stream belonging to the event's user,
// closing the stream for closeTabID afterwards if set.
func (c *Coordinator) fanout(ev streamEvent, closeTabID string) {
	var closing *streamConn
	for _, item := range c.streams.Items() {
		sc := item.Value()
		if sc.userID != ev.UserID {
			continue
		}
		sc.send(ev)
		if closeTabID != "" && sc.tabID == closeTabID {
			closing = sc
		}
	}
	if closing != nil {
		c.streams.Delete(closing.tabID)
	}
}

func (c *Coordinator) notify(p pubsub.Payload) {
	if err := c.notifier.Notify(pubsub.ChanSessions, p); err != nil {
		logger.Err(err).Str("payload", p.Type()).Msg("failed to notify session bus")
		internal.GetSentryHubFromContextOrDefault(context.Background()).CaptureException(err)
	}
}

// handlerFunc wraps coordinator endpoints with HandlerError mapping.
func handlerFunc(fn func(w http.ResponseWriter, req *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != "POST" && req.Method != "GET" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		err := fn(w, req)
		if err != nil {
			herr, ok := err.(*internal.HandlerError)
			if !ok {
				herr = &internal.HandlerError{
					StatusCode: 500,
					Err:        err,
				}
			}
			if herr.StatusCode >= 500 {
				internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(herr)
			}
			w.WriteHeader(herr.StatusCode)
			w.Write(herr.JSON())
		}
	}
}

func parseBody(req *http.Request) (gjson.Result, error) {
	if req.Body == nil {
		return gjson.Result{}, &internal.HandlerError{StatusCode: 400, Err: fmt.Errorf("missing request body")}
	}
	defer req.Body.Close()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return gjson.Result{}, &internal.HandlerError{StatusCode: 400, Err: err}
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, &internal.HandlerError{StatusCode: 400, Err: fmt.Errorf("invalid JSON body")}
	}
	return gjson.ParseBytes(data), nil
}

// bearerSession authenticates a request by its bearer token and returns the
// session it names.
func (c *Coordinator) bearerSession(req *http.Request) (*state.Session, error) {
	ah := req.Header.Get("Authorization")
	if !strings.HasPrefix(ah, "Bearer ") {
		return nil, &internal.HandlerError{StatusCode: 401, Err: fmt.Errorf("missing bearer token")}
	}
	session, err := c.registry.SessionByID(strings.TrimPrefix(ah, "Bearer "))
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, &internal.HandlerError{StatusCode: 401, Err: fmt.Errorf("unknown session")}
	}
	return session, nil
}

// Register makes the caller's session the user's authoritative one,
// superseding (and notifying) every other active session.
func (c *Coordinator) Register(w http.ResponseWriter, req *http.Request) error {
	body, err := parseBody(req)
	if err != nil {
		return err
	}
	userID := body.Get("userId").Str
	tabID := body.Get("tabId").Str
	fingerprint := body.Get("deviceFingerprint").Str
	if userID == "" || tabID == "" {
		return &internal.HandlerError{StatusCode: 400, Err: fmt.Errorf("userId and tabId are required")}
	}
	internal.SetRequestContextIdentity(req.Context(), userID, tabID)

	now := time.Now().UnixMilli()
	sessionID, kicked, err := c.registry.RegisterSession(userID, tabID, fingerprint, now)
	if err != nil {
		return err
	}
	// housekeeping deletions go out before the new session's created event so
	// surviving tabs observe them in causal order
	for _, k := range kicked {
		c.notify(&pubsub.SessionDeleted{UserID: k.UserID, TabID: k.TabID, Timestamp: now})
	}
	if c.numForcedClears != nil && len(kicked) > 0 {
		known := "false"
		for _, k := range kicked {
			if k.Fingerprint == fingerprint {
				known = "true"
				break
			}
		}
		c.numForcedClears.WithLabelValues(known).Add(float64(len(kicked)))
	}
	c.notify(&pubsub.SessionCreated{UserID: userID, TabID: tabID, Timestamp: now})

	hlog.FromRequest(req).Info().
		Str("user", userID).Str("tab", tabID).Int("kicked", len(kicked)).
		Msg("session registered")
	return writeJSON(w, map[string]string{"sessionId": sessionID})
}

// Heartbeat records tab liveness. 401 if the session is unknown or closed,
// 409 if it was superseded by a newer one.
func (c *Coordinator) Heartbeat(w http.ResponseWriter, req *http.Request) error {
	session, err := c.bearerSession(req)
	if err != nil {
		return err
	}
	internal.SetRequestContextIdentity(req.Context(), session.UserID, session.TabID)
	switch session.State {
	case state.SessionSuperseded:
		return &internal.HandlerError{StatusCode: 409, Err: fmt.Errorf("session superseded")}
	case state.SessionClosed:
		return &internal.HandlerError{StatusCode: 401, Err: fmt.Errorf("session closed")}
	}
	body, err := parseBody(req)
	if err != nil {
		return err
	}
	lastActivity := body.Get("lastActivity").Int()
	if lastActivity == 0 {
		lastActivity = time.Now().UnixMilli()
	}
	if err := c.registry.RecordActivity(session.SessionID, lastActivity); err != nil {
		return err
	}
	c.streams.Touch(session.TabID)
	c.notify(&pubsub.SessionUpdated{UserID: session.UserID, TabID: session.TabID, Timestamp: lastActivity})
	return writeJSON(w, map[string]bool{"ok": true})
}

// Validate answers the kickout poll: does this user still have a live,
// non-stale authoritative session?
func (c *Coordinator) Validate(w http.ResponseWriter, req *http.Request) error {
	body, err := parseBody(req)
	if err != nil {
		return err
	}
	userID := body.Get("userId").Str
	if userID == "" {
		return &internal.HandlerError{StatusCode: 400, Err: fmt.Errorf("userId is required")}
	}
	internal.SetRequestContextIdentity(req.Context(), userID, "")
	session, err := c.registry.ActiveSession(userID)
	if err != nil {
		return err
	}
	if session == nil {
		return writeJSON(w, map[string]any{"isValid": false})
	}
	if time.Now().UnixMilli()-session.LastActivity > c.opts.StaleAfter.Milliseconds() {
		return writeJSON(w, map[string]any{"isValid": false, "timeout": true})
	}
	return writeJSON(w, map[string]any{"isValid": true})
}

// CloseSession is the tab-close beacon and the sign-out round trip. Always
// 200: beacon senders never read the response.
func (c *Coordinator) CloseSession(w http.ResponseWriter, req *http.Request) error {
	body, err := parseBody(req)
	if err != nil {
		return err
	}
	tabID := body.Get("tabId").Str
	if tabID == "" {
		return &internal.HandlerError{StatusCode: 400, Err: fmt.Errorf("tabId is required")}
	}
	now := time.Now().UnixMilli()
	closed, err := c.registry.CloseTab(tabID, now)
	if err != nil {
		return err
	}
	if closed != nil {
		internal.SetRequestContextIdentity(req.Context(), closed.UserID, closed.TabID)
		c.notify(&pubsub.SessionDeleted{UserID: closed.UserID, TabID: closed.TabID, Timestamp: now})
	}
	w.WriteHeader(200)
	return nil
}

// Stream is the long-lived notification channel: newline-delimited JSON
// session events plus periodic keep-alive markers. One per authenticated tab.
func (c *Coordinator) Stream(w http.ResponseWriter, req *http.Request) error {
	session, err := c.bearerSession(req)
	if err != nil {
		return err
	}
	if session.State != state.SessionActive {
		return &internal.HandlerError{StatusCode: 401, Err: fmt.Errorf("session not active")}
	}
	internal.SetRequestContextIdentity(req.Context(), session.UserID, session.TabID)
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer cannot stream")
	}

	sc := &streamConn{
		userID: session.UserID,
		tabID:  session.TabID,
		ch:     make(chan streamEvent, 8),
	}
	c.replaceStream(sc)
	defer func() {
		sc.close()
		c.removeStream(sc)
	}()
	if c.numStreams != nil {
		c.numStreams.Inc()
		defer c.numStreams.Dec()
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(200)
	enc := json.NewEncoder(w)
	if err := enc.Encode(keepAliveEvent); err != nil {
		return nil
	}
	flusher.Flush()

	keepAlive := time.NewTicker(c.opts.KeepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-req.Context().Done():
			return nil
		case <-keepAlive.C:
			if err := enc.Encode(keepAliveEvent); err != nil {
				return nil
			}
			flusher.Flush()
		case ev, ok := <-sc.ch:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

// replaceStream registers a tab's stream, closing any previous one for the
// same tab (e.g a reconnect racing the old handler's teardown).
func (c *Coordinator) replaceStream(sc *streamConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item := c.streams.Get(sc.tabID); item != nil {
		item.Value().close()
	}
	c.streams.Set(sc.tabID, sc, ttlcache.DefaultTTL)
}

// removeStream drops a tab's cache entry only while it still belongs to this
// conn. The replaced handler's teardown runs after a reconnect has already
// registered the new conn under the same tab, and must not evict it.
func (c *Coordinator) removeStream(sc *streamConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item := c.streams.Get(sc.tabID); item != nil && item.Value() == sc {
		c.streams.Delete(sc.tabID)
	}
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	return json.NewEncoder(w).Encode(v)
}
