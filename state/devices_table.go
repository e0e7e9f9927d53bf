package state

import (
	"database/sql"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"
	"github.com/solesession/solesession/sqlutil"
)

// DeviceRecord is what the registry remembers about one device a user has
// signed in from. Serialised as CBOR in a single column as we never search
// inside it.
type DeviceRecord struct {
	Fingerprint string `cbor:"f"`
	FirstSeen   int64  `cbor:"fs"`
	LastSeen    int64  `cbor:"ls"`
	// number of sessions registered from this device, across its lifetime
	SessionCount int `cbor:"n"`
}

type deviceRow struct {
	UserID      string `db:"user_id"`
	Fingerprint string `db:"fingerprint"`
	Data        []byte `db:"data"`
}

// DevicesTable remembers the devices each user has been seen on, keyed by the
// client-supplied fingerprint. It exists so the registry can tell a same-device
// re-registration apart from a brand new device in its logs and metrics.
type DevicesTable struct {
	db *sqlx.DB
}

func NewDevicesTable(db *sqlx.DB) *DevicesTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS solesession_devices (
		user_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		data BYTEA NOT NULL,
		UNIQUE(user_id, fingerprint)
	);`)
	return &DevicesTable{
		db: db,
	}
}

// Upsert records a sighting of this device. Returns true if the device was
// already known for this user.
func (t *DevicesTable) Upsert(userID, fingerprint string, now int64) (known bool, err error) {
	err = sqlutil.WithTransaction(t.db, func(txn *sqlx.Tx) error {
		var row deviceRow
		err := txn.Get(&row,
			`SELECT user_id, fingerprint, data FROM solesession_devices
			WHERE user_id = $1 AND fingerprint = $2 FOR UPDATE`, userID, fingerprint,
		)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		var rec DeviceRecord
		if err == sql.ErrNoRows {
			rec = DeviceRecord{
				Fingerprint: fingerprint,
				FirstSeen:   now,
			}
		} else {
			known = true
			if err := cbor.Unmarshal(row.Data, &rec); err != nil {
				return err
			}
		}
		rec.LastSeen = now
		rec.SessionCount++
		data, err := cbor.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = txn.Exec(
			`INSERT INTO solesession_devices(user_id, fingerprint, data) VALUES($1,$2,$3)
			ON CONFLICT (user_id, fingerprint) DO UPDATE SET data = $3`,
			userID, fingerprint, data,
		)
		return err
	})
	return
}

// Select returns the record for this user/fingerprint pair, or nil if the
// device has never been seen.
func (t *DevicesTable) Select(userID, fingerprint string) (*DeviceRecord, error) {
	var row deviceRow
	err := t.db.Get(&row,
		`SELECT user_id, fingerprint, data FROM solesession_devices
		WHERE user_id = $1 AND fingerprint = $2`, userID, fingerprint,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec DeviceRecord
	if err := cbor.Unmarshal(row.Data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
