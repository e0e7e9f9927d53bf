package client

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPollerInvalidFiresOnce(t *testing.T) {
	api := newFakeAPI()
	api.validity = false
	var mu sync.Mutex
	invalid := 0
	p := NewPoller(api, "u1", PollConfig{
		Interval: 5 * time.Millisecond,
		Grace:    time.Millisecond,
	}, func() {
		mu.Lock()
		invalid++
		mu.Unlock()
	}, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		p.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("poller did not terminate on invalid session")
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if invalid != 1 {
		t.Fatalf("onInvalid fired %d times, want 1", invalid)
	}
}

// Network failures are inconclusive: keep polling, never declare invalid.
func TestPollerErrorsInconclusive(t *testing.T) {
	api := newFakeAPI()
	api.validityErr = errTransient
	invalid := make(chan struct{}, 1)
	p := NewPoller(api, "u1", PollConfig{
		Interval: 5 * time.Millisecond,
		Grace:    time.Millisecond,
	}, func() { invalid <- struct{}{} }, zerolog.Nop())
	go p.Run()
	defer p.Stop()

	waitFor(t, 2*time.Second, "repeated checks", func() bool {
		return api.validityCount() >= 3
	})
	select {
	case <-invalid:
		t.Fatalf("onInvalid fired on an inconclusive answer")
	default:
	}
}

// Stop during the initial grace period exits without ever hitting the server.
func TestPollerStopDuringGrace(t *testing.T) {
	api := newFakeAPI()
	p := NewPoller(api, "u1", PollConfig{
		Interval: time.Hour,
		Grace:    time.Hour,
	}, func() { t.Errorf("onInvalid fired") }, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		p.Run()
		close(done)
	}()
	p.Stop()
	p.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("poller did not stop during grace")
	}
	if n := api.validityCount(); n != 0 {
		t.Errorf("validity checked %d times before grace elapsed", n)
	}
}
