package pubsub

import (
	"sync"
	"testing"
	"time"
)

type recordingListener struct {
	mu      sync.Mutex
	created []*SessionCreated
	updated []*SessionUpdated
	deleted []*SessionDeleted
}

func (r *recordingListener) OnSessionCreated(p *SessionCreated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, p)
}

func (r *recordingListener) OnSessionUpdated(p *SessionUpdated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, p)
}

func (r *recordingListener) OnSessionDeleted(p *SessionDeleted) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, p)
}

func (r *recordingListener) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created), len(r.updated), len(r.deleted)
}

func TestSessionSubDispatch(t *testing.T) {
	ps := NewPubSub(16)
	var recv recordingListener
	sub := NewSessionSub(ps, &recv)
	listening := make(chan struct{})
	go func() {
		close(listening)
		sub.Listen()
	}()
	<-listening

	if err := ps.Notify(ChanSessions, &SessionCreated{UserID: "u1", TabID: "t1", Timestamp: 1}); err != nil {
		t.Fatalf("Notify created: %s", err)
	}
	if err := ps.Notify(ChanSessions, &SessionUpdated{UserID: "u1", TabID: "t1", Timestamp: 2}); err != nil {
		t.Fatalf("Notify updated: %s", err)
	}
	if err := ps.Notify(ChanSessions, &SessionDeleted{UserID: "u1", TabID: "t1", Timestamp: 3}); err != nil {
		t.Fatalf("Notify deleted: %s", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, u, d := recv.counts()
		if c == 1 && u == 1 && d == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	c, u, d := recv.counts()
	if c != 1 || u != 1 || d != 1 {
		t.Fatalf("dispatch counts: created=%d updated=%d deleted=%d, want 1/1/1", c, u, d)
	}
	recv.mu.Lock()
	defer recv.mu.Unlock()
	if recv.created[0].UserID != "u1" || recv.deleted[0].Timestamp != 3 {
		t.Fatalf("payload fields lost in dispatch: %+v %+v", recv.created[0], recv.deleted[0])
	}
	sub.Teardown()
}

func TestPubSubCloseIdempotent(t *testing.T) {
	ps := NewPubSub(4)
	if err := ps.Notify("somechannel", &SessionCreated{UserID: "u1"}); err != nil {
		t.Fatalf("Notify: %s", err)
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("second Close: %s", err)
	}
}
