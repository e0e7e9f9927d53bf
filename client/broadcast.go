package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/solesession/solesession/store"
)

// Events carried between tabs of the same device.
const (
	// EventTerminated: this device's session ended (manual logout).
	EventTerminated = "terminated"
	// EventSessionStarting: a new session is being registered in another tab.
	EventSessionStarting = "session-starting"
	// EventForceLogout: a tab decided on forced logout; others should follow
	// without re-deciding. Payload is the reason.
	EventForceLogout = "force-logout"
)

// broadcastRecord is the single keyed record written to the shared store.
type broadcastRecord struct {
	Event     string `json:"event"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

// Broadcaster is publish/subscribe between tabs of one device, transported
// over the origin-scoped store's change notifications. No ordering guarantee
// beyond eventual observation; consumers must treat events as idempotent
// signals.
type Broadcaster struct {
	origin store.Store
	source string
	logger zerolog.Logger

	// RetainFor is how long a broadcast record stays in the store before the
	// write-then-delete cleanup. The delete exists so a repeated identical
	// broadcast still changes the store: change events do not fire for no-op
	// writes. Defaults to 100ms.
	RetainFor time.Duration

	mu        sync.Mutex
	listeners map[string]map[int]func(payload string)
	nextID    int
	remove    func()
	closed    bool
}

func NewBroadcaster(origin store.Store, logger zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		origin:    origin,
		source:    uuid.NewString(),
		logger:    logger,
		RetainFor: 100 * time.Millisecond,
		listeners: make(map[string]map[int]func(payload string)),
	}
	b.remove = origin.OnChange(b.onChange)
	return b
}

// Broadcast publishes an event to the other tabs of this device. The writing
// tab does not hear its own broadcasts.
func (b *Broadcaster) Broadcast(event, payload string) {
	rec := broadcastRecord{
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		Source:    b.source,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("failed to marshal broadcast")
		return
	}
	b.origin.Set(KeyBroadcast, string(data))
	time.AfterFunc(b.RetainFor, func() {
		// only clean up our own record; a later broadcast may have replaced it
		if cur, ok := b.origin.Get(KeyBroadcast); ok && cur == string(data) {
			b.origin.Delete(KeyBroadcast)
		}
	})
}

// On registers a callback for an event, returning an ID for Off.
func (b *Broadcaster) On(event string, fn func(payload string)) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.listeners[event] == nil {
		b.listeners[event] = make(map[int]func(payload string))
	}
	b.listeners[event][id] = fn
	return id
}

// Off removes a callback registered with On.
func (b *Broadcaster) Off(event string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners[event], id)
}

// Close detaches from the store. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.remove()
}

// onChange is the single shared store listener; it decodes the record and
// dispatches to the per-event registry.
func (b *Broadcaster) onChange(c store.Change) {
	if c.Key != KeyBroadcast || c.Deleted {
		return
	}
	var rec broadcastRecord
	if err := json.Unmarshal([]byte(c.Value), &rec); err != nil {
		b.logger.Debug().Err(err).Msg("ignoring undecodable broadcast record")
		return
	}
	if rec.Source == "" || rec.Source == b.source {
		// not one of ours to hear: either not a broadcaster record, or our own
		return
	}
	b.mu.Lock()
	fns := make([]func(string), 0, len(b.listeners[rec.Event]))
	for _, fn := range b.listeners[rec.Event] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(rec.Payload)
	}
}
