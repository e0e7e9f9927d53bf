package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

var errTransient = fmt.Errorf("transient network failure")

// fakeAPI implements API in-memory for the package tests. Streams are backed
// by io.Pipe so tests can feed wire lines to a running Stream.
type fakeAPI struct {
	mu            sync.Mutex
	nextSession   int
	registered    []string
	registerErr   error
	heartbeats    int
	heartbeatErr  error
	validity      bool
	validityErr   error
	validityCalls int
	signOuts      int
	beacons       int
	openCalls     int
	openErr       error
	writers       map[string]*io.PipeWriter
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		validity: true,
		openErr:  fmt.Errorf("stream unavailable"),
		writers:  make(map[string]*io.PipeWriter),
	}
}

func (f *fakeAPI) Register(ctx context.Context, userID, tabID, fingerprint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return "", f.registerErr
	}
	f.nextSession++
	f.registered = append(f.registered, userID)
	return fmt.Sprintf("sess-%d", f.nextSession), nil
}

func (f *fakeAPI) SendHeartbeat(ctx context.Context, sessionID, tabID string, lastActivity int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.heartbeatErr
}

func (f *fakeAPI) CheckValidity(ctx context.Context, userID string, now int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validityCalls++
	if f.validityErr != nil {
		return false, f.validityErr
	}
	return f.validity, nil
}

func (f *fakeAPI) SignOut(ctx context.Context, sessionID, tabID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	return nil
}

func (f *fakeAPI) SendCloseBeacon(sessionID, tabID string, timestamp int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beacons++
}

func (f *fakeAPI) OpenStream(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	if f.openErr != nil {
		return nil, f.openErr
	}
	r, w := io.Pipe()
	f.writers[sessionID] = w
	return r, nil
}

// writer returns the feed end of the most recent stream opened for sessionID,
// waiting for the connection to appear.
func (f *fakeAPI) writer(t *testing.T, sessionID string) *io.PipeWriter {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		w := f.writers[sessionID]
		f.mu.Unlock()
		if w != nil {
			return w
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no stream was opened for session %s", sessionID)
	return nil
}

func (f *fakeAPI) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

func (f *fakeAPI) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCalls
}

func (f *fakeAPI) signOutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signOuts
}

func (f *fakeAPI) beaconCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.beacons
}

func (f *fakeAPI) validityCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validityCalls
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
