package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is the remote peer's function in the federation (spec §3).
type Role string

const (
	RoleHub               Role = "hub"
	RoleRepositoryManager Role = "repository-manager"
	RoleBuilder           Role = "builder"
)

// Status is the endpoint's lifecycle state (spec §3). The store does not
// restrict which state may follow which; see SetStatus.
type Status string

const (
	StatusAwaitingAcceptance Status = "awaiting-acceptance"
	StatusAwaitingEnrollment Status = "awaiting-enrollment"
	StatusFailed             Status = "failed"
	StatusOperational        Status = "operational"
	StatusForbidden          Status = "forbidden"
	StatusUnreachable        Status = "unreachable"
)

// WorkStatus is the Builder role-specific extension (spec §3).
type WorkStatus string

const (
	WorkIdle    WorkStatus = "idle"
	WorkRunning WorkStatus = "running"
)

// Endpoint is a remote peer service (spec §3).
type Endpoint struct {
	ID           string
	HostURL      string
	Role         Role
	Status       Status
	ErrorMessage sql.NullString
	AccountID    string
	Description  string
	WorkStatus   sql.NullString // only meaningful when Role == RoleBuilder
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EndpointStore persists Endpoint rows.
type EndpointStore struct {
	db *sql.DB
}

func NewEndpointStore(db *sql.DB) *EndpointStore {
	return &EndpointStore{db: db}
}

func (s *EndpointStore) Create(ctx context.Context, e Endpoint) (Endpoint, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoints (id, host_url, role, status, error_message, account_id, description, work_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.HostURL, e.Role, e.Status, e.ErrorMessage, e.AccountID, e.Description, e.WorkStatus, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return Endpoint{}, fmt.Errorf("store: create endpoint: %w", err)
	}
	return e, nil
}

func (s *EndpointStore) Get(ctx context.Context, id string) (Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, host_url, role, status, error_message, account_id, description, work_status, created_at, updated_at
		FROM endpoints WHERE id = $1`, id)
	return scanEndpoint(row)
}

// SetStatus sets the endpoint's status and optional error message. It
// writes whatever status it is given; it does not check the direction of
// the transition.
func (s *EndpointStore) SetStatus(ctx context.Context, id string, status Status, errMsg string) error {
	var nullErr sql.NullString
	if errMsg != "" {
		nullErr = sql.NullString{String: errMsg, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE endpoints SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4`,
		status, nullErr, time.Now().UTC(), id)
	return err
}

func (s *EndpointStore) SetWorkStatus(ctx context.Context, id string, ws WorkStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE endpoints SET work_status = $1, updated_at = $2 WHERE id = $3`,
		string(ws), time.Now().UTC(), id)
	return err
}

// OperationalByRole returns the single operational endpoint for a role,
// used by the Hub to find "the unique operational repository-manager
// endpoint" (spec §4.6).
func (s *EndpointStore) OperationalByRole(ctx context.Context, role Role) (Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, host_url, role, status, error_message, account_id, description, work_status, created_at, updated_at
		FROM endpoints WHERE role = $1 AND status = $2 LIMIT 1`, role, StatusOperational)
	return scanEndpoint(row)
}

// IdleBuilders returns operational builder endpoints whose work_status is idle.
func (s *EndpointStore) IdleBuilders(ctx context.Context) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host_url, role, status, error_message, account_id, description, work_status, created_at, updated_at
		FROM endpoints WHERE role = $1 AND status = $2 AND work_status = $3
		ORDER BY id`, RoleBuilder, StatusOperational, WorkIdle)
	if err != nil {
		return nil, fmt.Errorf("store: idle builders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Endpoint
	for rows.Next() {
		e, err := scanEndpointRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row *sql.Row) (Endpoint, error) {
	e, err := scanEndpointRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Endpoint{}, ErrNotFound
	}
	return e, err
}

func scanEndpointRows(row rowScanner) (Endpoint, error) {
	var e Endpoint
	err := row.Scan(&e.ID, &e.HostURL, &e.Role, &e.Status, &e.ErrorMessage, &e.AccountID, &e.Description, &e.WorkStatus, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Endpoint{}, fmt.Errorf("store: scan endpoint: %w", err)
	}
	return e, nil
}
