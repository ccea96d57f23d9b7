package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EndpointTokens is the persisted (bearer, access) token pair held per
// endpoint (spec §3 "Endpoint tokens").
type EndpointTokens struct {
	EndpointID  string
	BearerToken string
	AccessToken string
	UpdatedAt   time.Time
}

// TokenStore persists EndpointTokens rows.
type TokenStore struct {
	db *sql.DB
}

func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db}
}

// Put upserts the token pair for an endpoint.
func (s *TokenStore) Put(ctx context.Context, t EndpointTokens) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoint_tokens (endpoint_id, bearer_token, access_token, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (endpoint_id) DO UPDATE SET
			bearer_token = excluded.bearer_token,
			access_token = excluded.access_token,
			updated_at = excluded.updated_at`,
		t.EndpointID, t.BearerToken, t.AccessToken, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: put endpoint tokens: %w", err)
	}
	return nil
}

// SetAccessToken updates only the access token half, used after a
// services/refresh_token round trip.
func (s *TokenStore) SetAccessToken(ctx context.Context, endpointID, accessToken string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE endpoint_tokens SET access_token = $1, updated_at = $2 WHERE endpoint_id = $3`,
		accessToken, time.Now().UTC(), endpointID)
	return err
}

// SetBearerToken updates only the bearer token half, used after a
// services/refresh_issue_token round trip.
func (s *TokenStore) SetBearerToken(ctx context.Context, endpointID, bearerToken string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE endpoint_tokens SET bearer_token = $1, updated_at = $2 WHERE endpoint_id = $3`,
		bearerToken, time.Now().UTC(), endpointID)
	return err
}

func (s *TokenStore) Get(ctx context.Context, endpointID string) (EndpointTokens, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT endpoint_id, bearer_token, access_token, updated_at FROM endpoint_tokens WHERE endpoint_id = $1`, endpointID)
	var t EndpointTokens
	err := row.Scan(&t.EndpointID, &t.BearerToken, &t.AccessToken, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return EndpointTokens{}, ErrNotFound
	}
	if err != nil {
		return EndpointTokens{}, fmt.Errorf("store: scan endpoint tokens: %w", err)
	}
	return t, nil
}

// Clear removes stored tokens, used when a signature failure marks an
// endpoint forbidden (spec §4.9).
func (s *TokenStore) Clear(ctx context.Context, endpointID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM endpoint_tokens WHERE endpoint_id = $1`, endpointID)
	return err
}
