package client

import (
	"bufio"
	"context"
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"
)

// Operation values carried by stream notifications.
const (
	OpCreated = "created"
	OpUpdated = "updated"
	OpDeleted = "deleted"
)

// Notification is one session mutation event from the push stream.
type Notification struct {
	Operation string
	UserID    string
	TabID     string
	Timestamp int64
}

// coalescing key: multiple notifications sharing it collapse to the latest
func (n *Notification) key() string {
	return n.Operation + ":" + n.UserID + ":" + n.TabID
}

type StreamConfig struct {
	// FlushInterval is how long incoming notifications are held for
	// coalescing before the batch is processed. Defaults to 200ms.
	FlushInterval time.Duration
	// MaxAttempts caps reconnection. Past it the stream gives up and the
	// kickout poller remains the sole backstop. Defaults to 6.
	MaxAttempts int
	// BackoffUnit scales the 2^attempt reconnect delay. Defaults to 1s;
	// tests shrink it.
	BackoffUnit time.Duration
}

func (c *StreamConfig) defaults() {
	if c.FlushInterval == 0 {
		c.FlushInterval = 200 * time.Millisecond
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 6
	}
	if c.BackoffUnit == 0 {
		c.BackoffUnit = time.Second
	}
}

// backoffWait returns how long to wait before reconnect attempt n.
// Delays are strictly increasing: 2^1, 2^2, ... units.
func backoffWait(attempt int, unit time.Duration) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * unit
}

// Stream consumes the server's newline-delimited notification stream for one
// tab. Incoming events are coalesced per (operation,userId,tabId) key and
// flushed as a batch; the callback decides what each one means and whether the
// rest of the batch still matters.
type Stream struct {
	api       API
	sessionID string
	cfg       StreamConfig
	logger    zerolog.Logger

	// fn is invoked once per coalesced notification, in deterministic key
	// order. Returning true stops processing the remainder of the batch and
	// the stream itself.
	fn func(n *Notification) bool

	mu         sync.Mutex
	pending    map[string]*Notification
	flushTimer *time.Timer
	body       io.ReadCloser
	stopped    bool

	done chan struct{}
}

func NewStream(api API, sessionID string, cfg StreamConfig, logger zerolog.Logger) *Stream {
	cfg.defaults()
	return &Stream{
		api:       api,
		sessionID: sessionID,
		cfg:       cfg,
		logger:    logger,
		pending:   make(map[string]*Notification),
		done:      make(chan struct{}),
	}
}

// SetCallback sets the batch callback. Must be called before Run.
func (s *Stream) SetCallback(fn func(n *Notification) bool) {
	s.fn = fn
}

// Run blocks, maintaining at most one open stream connection and reconnecting
// with exponential backoff on failure. Do this in a goroutine. Returns when
// Stop is called, the context ends, the callback terminates the stream, or the
// attempt cap is exceeded.
func (s *Stream) Run(ctx context.Context) {
	failCount := 0
	for {
		if s.isStopped() {
			return
		}
		if failCount > 0 {
			if failCount > s.cfg.MaxAttempts {
				s.logger.Warn().Int("attempts", failCount-1).Msg("stream reconnect attempts exhausted, relying on poller")
				return
			}
			waitTime := backoffWait(failCount, s.cfg.BackoffUnit)
			s.logger.Warn().Str("duration", waitTime.String()).Msg("waiting before stream reconnect")
			select {
			case <-time.After(waitTime):
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
		body, err := s.api.OpenStream(ctx, s.sessionID)
		if err != nil {
			if err == ErrUnauthorized {
				// the session is gone; nothing left to stream
				s.logger.Warn().Msg("stream rejected as unauthorized, terminating")
				return
			}
			if ctx.Err() != nil {
				return
			}
			failCount++
			s.logger.Warn().Err(err).Int("attempt", failCount).Msg("stream connect failed")
			continue
		}
		failCount = 0
		s.setBody(body)
		s.consume(body)
		s.setBody(nil)
		if s.isStopped() || ctx.Err() != nil {
			return
		}
		// connection dropped; retry from the first backoff step
		failCount++
	}
}

// Stop closes the stream and discards pending notifications. Idempotent.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	body := s.body
	s.body = nil
	close(s.done)
	s.mu.Unlock()
	if body != nil {
		body.Close()
	}
}

func (s *Stream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Stream) setBody(body io.ReadCloser) {
	s.mu.Lock()
	raced := s.stopped && body != nil
	if !raced {
		s.body = body
	}
	s.mu.Unlock()
	if raced {
		// Stop raced with the connect; close immediately
		body.Close()
	}
}

func (s *Stream) consume(body io.ReadCloser) {
	defer body.Close()
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev := gjson.ParseBytes(line)
		if ev.Get("type").Str == "heartbeat" {
			continue // keep-alive marker
		}
		op := ev.Get("operation").Str
		if op == "" {
			s.logger.Debug().Str("line", string(line)).Msg("ignoring malformed stream event")
			continue
		}
		s.enqueue(&Notification{
			Operation: op,
			UserID:    ev.Get("userId").Str,
			TabID:     ev.Get("tabId").Str,
			Timestamp: ev.Get("timestamp").Int(),
		})
	}
	if err := scanner.Err(); err != nil && !s.isStopped() {
		s.logger.Warn().Err(err).Msg("stream read error")
	}
}

// enqueue inserts a notification into the coalescing map, last write wins per
// key, and schedules a single delayed flush if one isn't pending already.
func (s *Stream) enqueue(n *Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.pending[n.key()] = n
	if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(s.cfg.FlushInterval, s.flush)
	}
}

// flush processes the whole pending map as one batch. Keys are visited in
// sorted order so a burst is handled deterministically; the first notification
// the callback acts on terminates the rest.
func (s *Stream) flush() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = make(map[string]*Notification)
	s.flushTimer = nil
	fn := s.fn
	s.mu.Unlock()
	if fn == nil || len(batch) == 0 {
		return
	}
	keys := make([]string, 0, len(batch))
	for k := range batch {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if fn(batch[k]) {
			s.logger.Debug().Int("skipped", len(keys)-1).Msg("batch terminated early")
			s.Stop()
			return
		}
	}
}
