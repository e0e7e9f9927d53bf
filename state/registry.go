package state

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/solesession/solesession/sqlutil"
)

// Registry is the storage-backed implementation of the coordinator's session
// registry: one authoritative session per user, enforced at registration time.
type Registry struct {
	storage *Storage
}

func NewRegistry(storage *Storage) *Registry {
	return &Registry{storage: storage}
}

// RegisterSession makes a new session the authoritative one for userID,
// superseding any currently active sessions. Returns the new session ID and
// the rows that were kicked, all within one transaction.
func (r *Registry) RegisterSession(userID, tabID, fingerprint string, now int64) (string, []Session, error) {
	sessionID := uuid.NewString()
	var kicked []Session
	err := sqlutil.WithTransaction(r.storage.DB, func(txn *sqlx.Tx) error {
		var err error
		kicked, err = r.storage.SessionsTable.Supersede(txn, userID, now)
		if err != nil {
			return fmt.Errorf("supersede: %w", err)
		}
		return r.storage.SessionsTable.Insert(txn, Session{
			SessionID:    sessionID,
			UserID:       userID,
			TabID:        tabID,
			Fingerprint:  fingerprint,
			LastActivity: now,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return "", nil, err
	}
	// device bookkeeping is best-effort; a failure here must not fail the login
	if fingerprint != "" {
		if _, err := r.storage.DevicesTable.Upsert(userID, fingerprint, now); err != nil {
			logger.Warn().Err(err).Str("user", userID).Msg("failed to record device sighting")
		}
	}
	return sessionID, kicked, nil
}

func (r *Registry) SessionByID(sessionID string) (*Session, error) {
	return r.storage.SessionsTable.SelectBySessionID(sessionID)
}

func (r *Registry) ActiveSession(userID string) (*Session, error) {
	return r.storage.SessionsTable.ActiveForUser(userID)
}

func (r *Registry) RecordActivity(sessionID string, lastActivity int64) error {
	return r.storage.SessionsTable.UpdateLastActivity(sessionID, lastActivity)
}

func (r *Registry) CloseTab(tabID string, now int64) (*Session, error) {
	return r.storage.SessionsTable.CloseByTab(tabID, now)
}
