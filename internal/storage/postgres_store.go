package storage

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
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

func (p *PostgresStore) SaveRequest(r *models.RideRequest) error {
	_, err := p.db.Exec(`INSERT INTO requests(id, rider_id, origin_lat, origin_lon, dest_lat, dest_lon, capability, tier, status, requested_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.RiderID, r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon, r.Capability, r.Tier, r.Status, r.RequestedAt, time.Now())
	return err
}

func (p *PostgresStore) UpdateRequest(r *models.RideRequest) error {
	_, err := p.db.Exec(`UPDATE requests SET status=$1, updated_at=$2 WHERE id=$3`, r.Status, time.Now(), r.ID)
	return err
}

func (p *PostgresStore) SaveAssignment(a *models.Assignment) error {
	_, err := p.db.Exec(`INSERT INTO assignments(id, request_id, worker_id, state, offered_at, response_deadline) VALUES($1,$2,$3,$4,$5,$6)`,
		a.ID, a.RequestID, a.WorkerID, a.State, a.OfferedAt, a.ResponseDeadline)
	return err
}

func (p *PostgresStore) UpdateAssignment(a *models.Assignment) error {
	_, err := p.db.Exec(`UPDATE assignments SET state=$1 WHERE id=$2`, a.State, a.ID)
	return err
}
