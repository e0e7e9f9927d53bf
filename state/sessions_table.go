package state

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// Session row states. A session leaves 'active' exactly once: either the owner
// closed it (logout, tab close, idle expiry) or a newer session for the same
// user superseded it.
const (
	SessionActive     = "active"
	SessionSuperseded = "superseded"
	SessionClosed     = "closed"
)

type Session struct {
	SessionID    string `db:"session_id"`
	UserID       string `db:"user_id"`
	TabID        string `db:"tab_id"`
	Fingerprint  string `db:"device_fingerprint"`
	LastActivity int64  `db:"last_activity"`
	CreatedAt    int64  `db:"created_at"`
	State        string `db:"state"`
}

// SessionsTable remembers the authoritative session per user.
type SessionsTable struct {
	db *sqlx.DB
}

func NewSessionsTable(db *sqlx.DB) *SessionsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS solesession_sessions (
		session_id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL,
		tab_id TEXT NOT NULL,
		device_fingerprint TEXT NOT NULL,
		last_activity BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		state TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS solesession_sessions_user_idx ON solesession_sessions(user_id);
	CREATE INDEX IF NOT EXISTS solesession_sessions_tab_idx ON solesession_sessions(tab_id);`)
	return &SessionsTable{
		db: db,
	}
}

// Supersede marks every active session for this user as superseded, returning
// the rows that were kicked so the caller can notify their tabs.
func (t *SessionsTable) Supersede(txn *sqlx.Tx, userID string, now int64) ([]Session, error) {
	var kicked []Session
	err := txn.Select(&kicked,
		`SELECT session_id, user_id, tab_id, device_fingerprint, last_activity, created_at, state
		FROM solesession_sessions WHERE user_id = $1 AND state = $2 FOR UPDATE`,
		userID, SessionActive,
	)
	if err != nil {
		return nil, err
	}
	if len(kicked) == 0 {
		return nil, nil
	}
	_, err = txn.Exec(
		`UPDATE solesession_sessions SET state = $1, last_activity = $2 WHERE user_id = $3 AND state = $4`,
		SessionSuperseded, now, userID, SessionActive,
	)
	if err != nil {
		return nil, err
	}
	return kicked, nil
}

// Insert stores a new active session row. The caller must have superseded any
// previous active rows in the same transaction.
func (t *SessionsTable) Insert(txn *sqlx.Tx, s Session) error {
	_, err := txn.Exec(
		`INSERT INTO solesession_sessions(session_id, user_id, tab_id, device_fingerprint, last_activity, created_at, state)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		s.SessionID, s.UserID, s.TabID, s.Fingerprint, s.LastActivity, s.CreatedAt, SessionActive,
	)
	return err
}

// SelectBySessionID returns the session with this ID, or nil if none exists.
func (t *SessionsTable) SelectBySessionID(sessionID string) (*Session, error) {
	var s Session
	err := t.db.Get(&s,
		`SELECT session_id, user_id, tab_id, device_fingerprint, last_activity, created_at, state
		FROM solesession_sessions WHERE session_id = $1`, sessionID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ActiveForUser returns this user's authoritative session, or nil if the user
// has none.
func (t *SessionsTable) ActiveForUser(userID string) (*Session, error) {
	var s Session
	err := t.db.Get(&s,
		`SELECT session_id, user_id, tab_id, device_fingerprint, last_activity, created_at, state
		FROM solesession_sessions WHERE user_id = $1 AND state = $2
		ORDER BY created_at DESC LIMIT 1`, userID, SessionActive,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateLastActivity bumps the liveness timestamp for an active session.
func (t *SessionsTable) UpdateLastActivity(sessionID string, lastActivity int64) error {
	_, err := t.db.Exec(
		`UPDATE solesession_sessions SET last_activity = $1 WHERE session_id = $2 AND state = $3`,
		lastActivity, sessionID, SessionActive,
	)
	return err
}

// CloseByTab marks the active session owning this tab as closed, returning the
// closed row so the caller can notify, or nil if no active session owned it.
func (t *SessionsTable) CloseByTab(tabID string, now int64) (*Session, error) {
	var s Session
	err := t.db.Get(&s,
		`UPDATE solesession_sessions SET state = $1, last_activity = $2
		WHERE tab_id = $3 AND state = $4
		RETURNING session_id, user_id, tab_id, device_fingerprint, last_activity, created_at, state`,
		SessionClosed, now, tabID, SessionActive,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
