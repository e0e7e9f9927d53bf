package pubsub

// The channel which has Session* payloads
const ChanSessions = "sessionsch"

// SessionListener is implemented by anything wanting session lifecycle payloads
// from the bus, e.g the coordinator's stream dispatcher.
type SessionListener interface {
	OnSessionCreated(p *SessionCreated)
	OnSessionUpdated(p *SessionUpdated)
	OnSessionDeleted(p *SessionDeleted)
}

// SessionCreated is emitted when a session row becomes the authoritative one
// for a user.
type SessionCreated struct {
	UserID    string
	TabID     string
	Timestamp int64
}

func (s SessionCreated) Type() string { return "c" }

// SessionUpdated is emitted when a session's last activity advances.
type SessionUpdated struct {
	UserID    string
	TabID     string
	Timestamp int64
}

func (s SessionUpdated) Type() string { return "u" }

// SessionDeleted is emitted when a session is closed or superseded. Clients
// receiving this for their own user must work out whether it was benign.
type SessionDeleted struct {
	UserID    string
	TabID     string
	Timestamp int64
}

func (s SessionDeleted) Type() string { return "d" }

type SessionSub struct {
	listener Listener
	receiver SessionListener
}

func NewSessionSub(l Listener, recv SessionListener) *SessionSub {
	return &SessionSub{
		listener: l,
		receiver: recv,
	}
}

func (s *SessionSub) Teardown() {
	s.listener.Close()
}

func (s *SessionSub) onMessage(p Payload) {
	switch p.Type() {
	case SessionCreated{}.Type():
		s.receiver.OnSessionCreated(p.(*SessionCreated))
	case SessionUpdated{}.Type():
		s.receiver.OnSessionUpdated(p.(*SessionUpdated))
	case SessionDeleted{}.Type():
		s.receiver.OnSessionDeleted(p.(*SessionDeleted))
	}
}

func (s *SessionSub) Listen() error {
	return s.listener.Listen(ChanSessions, s.onMessage)
}
