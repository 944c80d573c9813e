package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-escrow/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const rideColumns = `id, role, state, rider_applied, driver_applied, pin_verified,
	lock_ref, lock_hash, lock_expiry, dropoff_lat, dropoff_lon,
	peer_author, peer_box_key, pin, preimage, authored_log, updated_at`

func (p *PostgresStore) UpdateRide(r *models.RideRecord) error {
	_, err := p.db.Exec(`INSERT INTO ride_records(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET state=EXCLUDED.state, rider_applied=EXCLUDED.rider_applied,
			driver_applied=EXCLUDED.driver_applied, pin_verified=EXCLUDED.pin_verified,
			lock_ref=EXCLUDED.lock_ref, lock_hash=EXCLUDED.lock_hash, lock_expiry=EXCLUDED.lock_expiry,
			dropoff_lat=EXCLUDED.dropoff_lat, dropoff_lon=EXCLUDED.dropoff_lon,
			peer_author=EXCLUDED.peer_author, peer_box_key=EXCLUDED.peer_box_key,
			pin=EXCLUDED.pin, preimage=EXCLUDED.preimage, authored_log=EXCLUDED.authored_log,
			updated_at=EXCLUDED.updated_at`,
		string(r.ID), string(r.Role), string(r.State), r.RiderApplied, r.DriverApplied, r.PinVerified,
		r.LockRef, r.LockHash, r.LockExpiry, r.Dropoff.Lat, r.Dropoff.Lon,
		r.PeerAuthor, r.PeerBoxKey, r.Pin, r.Preimage, r.AuthoredLog, time.Now())
	return err
}

func (p *PostgresStore) GetRide(id models.RideID) (*models.RideRecord, bool, error) {
	row := p.db.QueryRow(`SELECT `+rideColumns+` FROM ride_records WHERE id=$1`, string(id))
	return scanRide(row)
}

// ActiveRide returns the most recently touched non-terminal record, the
// ride a restarted process should resume.
func (p *PostgresStore) ActiveRide() (*models.RideRecord, bool, error) {
	row := p.db.QueryRow(`SELECT ` + rideColumns + ` FROM ride_records
		WHERE state NOT IN ('completed','cancelled')
		ORDER BY updated_at DESC LIMIT 1`)
	return scanRide(row)
}

func scanRide(row *sql.Row) (*models.RideRecord, bool, error) {
	var r models.RideRecord
	var rid, role, state string
	err := row.Scan(&rid, &role, &state, &r.RiderApplied, &r.DriverApplied, &r.PinVerified,
		&r.LockRef, &r.LockHash, &r.LockExpiry, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.PeerAuthor, &r.PeerBoxKey, &r.Pin, &r.Preimage, &r.AuthoredLog, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	r.ID = models.RideID(rid)
	r.Role = models.Role(role)
	r.State = models.State(state)
	return &r, true, nil
}
