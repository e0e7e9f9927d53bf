package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type PollConfig struct {
	// Interval between validity checks. Defaults to 30s.
	Interval time.Duration
	// Grace is the initial delay after authentication before the first check,
	// letting session registration settle. Defaults to 10s.
	Grace time.Duration
	// Timeout bounds each validity request. Defaults to 5s.
	Timeout time.Duration
}

func (c *PollConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.Grace == 0 {
		c.Grace = 10 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
}

// Poller periodically asks the coordinator whether this user's session is
// still the authoritative one. It runs independently of the push stream so a
// stream outage cannot silently leave a kicked session alive. Network failures
// are inconclusive and ignored: availability is preferred over revocation
// timeliness when connectivity is degraded.
type Poller struct {
	api       API
	userID    string
	cfg       PollConfig
	logger    zerolog.Logger
	onInvalid func()

	stopOnce sync.Once
	done     chan struct{}
}

// NewPoller creates a kickout poller. onInvalid is invoked at most once, from
// the poller's goroutine, when the coordinator authoritatively answers that
// the session is no longer valid.
func NewPoller(api API, userID string, cfg PollConfig, onInvalid func(), logger zerolog.Logger) *Poller {
	cfg.defaults()
	return &Poller{
		api:       api,
		userID:    userID,
		cfg:       cfg,
		logger:    logger,
		onInvalid: onInvalid,
		done:      make(chan struct{}),
	}
}

// Run blocks, polling until Stop is called or the session is found invalid.
// Do this in a goroutine.
func (p *Poller) Run() {
	select {
	case <-time.After(p.cfg.Grace):
	case <-p.done:
		return
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if !p.checkOnce() {
			p.onInvalid()
			return
		}
		select {
		case <-ticker.C:
		case <-p.done:
			return
		}
	}
}

// Stop terminates the poll loop. Idempotent.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
}

// checkOnce returns false only on an authoritative isValid:false answer.
func (p *Poller) checkOnce() bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()
	isValid, err := p.api.CheckValidity(ctx, p.userID, time.Now().UnixMilli())
	if err != nil {
		// inconclusive; assume still valid
		p.logger.Debug().Err(err).Msg("validity check failed, assuming valid")
		return true
	}
	if !isValid {
		p.logger.Warn().Str("user", p.userID).Msg("session reported invalid by coordinator")
		return false
	}
	return true
}
