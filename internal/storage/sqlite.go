package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shohag/cardhook/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			address TEXT NOT NULL UNIQUE,
			card TEXT NOT NULL,
			member TEXT NOT NULL,
			token TEXT NOT NULL DEFAULT '',
			filter TEXT NOT NULL DEFAULT '.',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			endpoint_id TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			payload BLOB NOT NULL,
			filtered TEXT NOT NULL DEFAULT '',
			filter_error TEXT NOT NULL DEFAULT '',
			received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_card ON endpoints(card)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_endpoint ON requests(endpoint_id, received_at)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Endpoints ---

func (s *SQLiteStorage) CreateEndpoint(ctx context.Context, ep *models.Endpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO endpoints (id, address, card, member, token, filter, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.Address, ep.Card, ep.Member, ep.Token, ep.Filter, ep.CreatedAt,
	)
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ErrDuplicateAddress
	}
	return err
}

func (s *SQLiteStorage) scanEndpoint(row interface{ Scan(...interface{}) error }) (*models.Endpoint, error) {
	var ep models.Endpoint
	err := row.Scan(&ep.ID, &ep.Address, &ep.Card, &ep.Member, &ep.Token, &ep.Filter, &ep.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

func (s *SQLiteStorage) GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, address, card, member, token, filter, created_at FROM endpoints WHERE id = ?`, id)
	return s.scanEndpoint(row)
}

func (s *SQLiteStorage) GetEndpointByAddress(ctx context.Context, address string) (*models.Endpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, address, card, member, token, filter, created_at FROM endpoints WHERE address = ?`, address)
	return s.scanEndpoint(row)
}

func (s *SQLiteStorage) ListEndpointsByCard(ctx context.Context, card string) ([]models.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, address, card, member, token, filter, created_at FROM endpoints WHERE card = ? ORDER BY created_at ASC, id ASC`, card)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []models.Endpoint
	for rows.Next() {
		ep, err := s.scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, *ep)
	}
	return endpoints, rows.Err()
}

func (s *SQLiteStorage) UpdateEndpoint(ctx context.Context, id, filter, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE endpoints SET filter = ?, token = ? WHERE id = ?`,
		filter, token, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Requests ---

func (s *SQLiteStorage) AppendRequest(ctx context.Context, rec *models.RequestRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (id, endpoint_id, payload, filtered, filter_error, received_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EndpointID, rec.Payload, rec.Filtered, rec.FilterError, rec.ReceivedAt,
	)
	return err
}

// RecentRequests returns up to limit records received since the cutoff,
// oldest first. The subquery takes the newest rows before reordering so
// the cap keeps the most recent activity, matching the "last N requests"
// contract.
func (s *SQLiteStorage) RecentRequests(ctx context.Context, endpointID string, since time.Time, limit int) ([]models.RequestRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, endpoint_id, payload, filtered, filter_error, received_at FROM (
			SELECT id, endpoint_id, payload, filtered, filter_error, received_at
			FROM requests
			WHERE endpoint_id = ? AND received_at > ?
			ORDER BY received_at DESC, id DESC LIMIT ?
		) ORDER BY received_at ASC, id ASC`,
		endpointID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.RequestRecord
	for rows.Next() {
		var rec models.RequestRecord
		if err := rows.Scan(&rec.ID, &rec.EndpointID, &rec.Payload, &rec.Filtered, &rec.FilterError, &rec.ReceivedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStorage) PurgeRequestsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE received_at <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
