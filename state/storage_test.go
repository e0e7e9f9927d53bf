package state

import (
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/solesession/solesession/sqlutil"
)

// Tests here need a real postgres. Set SOLESESSION_TEST_DB to a lib/pq
// connection string to run them, e.g:
//
//	SOLESESSION_TEST_DB="user=postgres dbname=solesession_test sslmode=disable" go test ./state
func connectTestDB(t *testing.T) *Storage {
	t.Helper()
	uri := os.Getenv("SOLESESSION_TEST_DB")
	if uri == "" {
		t.Skip("SOLESESSION_TEST_DB not set")
	}
	store := NewStorage(uri)
	t.Cleanup(func() {
		store.DB.MustExec(`DELETE FROM solesession_sessions; DELETE FROM solesession_devices;`)
		store.Teardown()
	})
	return store
}

func TestSessionsTableSupersede(t *testing.T) {
	store := connectTestDB(t)
	now := time.Now().UnixMilli()

	mustRegister := func(sessionID, tabID string) []Session {
		t.Helper()
		var kicked []Session
		err := sqlutil.WithTransaction(store.DB, func(txn *sqlx.Tx) error {
			var err error
			kicked, err = store.SessionsTable.Supersede(txn, "@alice", now)
			if err != nil {
				return err
			}
			return store.SessionsTable.Insert(txn, Session{
				SessionID:    sessionID,
				UserID:       "@alice",
				TabID:        tabID,
				Fingerprint:  "fp1",
				LastActivity: now,
				CreatedAt:    now,
			})
		})
		if err != nil {
			t.Fatalf("register %s: %s", sessionID, err)
		}
		return kicked
	}

	if kicked := mustRegister("s1", "tab1"); len(kicked) != 0 {
		t.Fatalf("first register kicked %d sessions, want 0", len(kicked))
	}
	kicked := mustRegister("s2", "tab2")
	if len(kicked) != 1 || kicked[0].SessionID != "s1" {
		t.Fatalf("second register kicked %+v, want [s1]", kicked)
	}

	// s1 must now be superseded, s2 active and authoritative
	s1, err := store.SessionsTable.SelectBySessionID("s1")
	if err != nil || s1 == nil {
		t.Fatalf("SelectBySessionID(s1): %v %s", s1, err)
	}
	if s1.State != SessionSuperseded {
		t.Errorf("s1 state = %s, want %s", s1.State, SessionSuperseded)
	}
	active, err := store.SessionsTable.ActiveForUser("@alice")
	if err != nil || active == nil {
		t.Fatalf("ActiveForUser: %v %s", active, err)
	}
	if active.SessionID != "s2" {
		t.Errorf("active session = %s, want s2", active.SessionID)
	}
}

func TestSessionsTableCloseByTab(t *testing.T) {
	store := connectTestDB(t)
	now := time.Now().UnixMilli()
	err := sqlutil.WithTransaction(store.DB, func(txn *sqlx.Tx) error {
		return store.SessionsTable.Insert(txn, Session{
			SessionID: "s1", UserID: "@bob", TabID: "tab1", Fingerprint: "fp",
			LastActivity: now, CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("Insert: %s", err)
	}
	closed, err := store.SessionsTable.CloseByTab("tab1", now+1)
	if err != nil {
		t.Fatalf("CloseByTab: %s", err)
	}
	if closed == nil || closed.SessionID != "s1" {
		t.Fatalf("CloseByTab returned %+v, want s1", closed)
	}
	// closing again is a no-op
	closed, err = store.SessionsTable.CloseByTab("tab1", now+2)
	if err != nil {
		t.Fatalf("CloseByTab (again): %s", err)
	}
	if closed != nil {
		t.Fatalf("second CloseByTab returned %+v, want nil", closed)
	}
	if active, _ := store.SessionsTable.ActiveForUser("@bob"); active != nil {
		t.Fatalf("ActiveForUser after close = %+v, want nil", active)
	}
}

func TestDevicesTableUpsert(t *testing.T) {
	store := connectTestDB(t)
	now := time.Now().UnixMilli()
	known, err := store.DevicesTable.Upsert("@carol", "fp-abc", now)
	if err != nil {
		t.Fatalf("Upsert: %s", err)
	}
	if known {
		t.Fatalf("first Upsert reported device as known")
	}
	known, err = store.DevicesTable.Upsert("@carol", "fp-abc", now+5)
	if err != nil {
		t.Fatalf("Upsert (again): %s", err)
	}
	if !known {
		t.Fatalf("second Upsert reported device as new")
	}
	rec, err := store.DevicesTable.Select("@carol", "fp-abc")
	if err != nil || rec == nil {
		t.Fatalf("Select: %v %s", rec, err)
	}
	if rec.SessionCount != 2 {
		t.Errorf("SessionCount = %d, want 2", rec.SessionCount)
	}
	if rec.FirstSeen != now || rec.LastSeen != now+5 {
		t.Errorf("seen range = %d..%d, want %d..%d", rec.FirstSeen, rec.LastSeen, now, now+5)
	}
}
