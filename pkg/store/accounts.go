package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AccountKind mirrors the wire-level `act` claim (spec §3, §6).
type AccountKind string

const (
	AccountAdmin    AccountKind = "admin"
	AccountStandard AccountKind = "standard"
	AccountBot      AccountKind = "bot"
	AccountService  AccountKind = "service"
)

// Account is an authenticatable principal (spec §3).
type Account struct {
	ID         string
	Kind       AccountKind
	Username   string
	Email      string
	PublicKey  string // base64, see pkg/crypto
	CreatedAt  time.Time
	LastSeenAt sql.NullTime
}

var ErrNotFound = errors.New("store: not found")

// AccountStore persists Account rows.
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

// Create inserts a new account, generating a UUID if ID is empty.
func (s *AccountStore) Create(ctx context.Context, a Account) (Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, kind, username, email, public_key, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Kind, a.Username, a.Email, a.PublicKey, a.CreatedAt, a.LastSeenAt)
	if err != nil {
		return Account{}, fmt.Errorf("store: create account: %w", err)
	}
	return a, nil
}

func (s *AccountStore) Get(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, username, email, public_key, created_at, last_seen_at
		FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (s *AccountStore) GetByPublicKey(ctx context.Context, pubKey string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, username, email, public_key, created_at, last_seen_at
		FROM accounts WHERE public_key = $1`, pubKey)
	return scanAccount(row)
}

// Admin returns the admin account. It returns the first admin row found
// (LIMIT 1) and does not check that only one exists.
func (s *AccountStore) Admin(ctx context.Context) (Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, username, email, public_key, created_at, last_seen_at
		FROM accounts WHERE kind = $1 LIMIT 1`, AccountAdmin)
	return scanAccount(row)
}

func (s *AccountStore) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_seen_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}

func scanAccount(row *sql.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Kind, &a.Username, &a.Email, &a.PublicKey, &a.CreatedAt, &a.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("store: scan account: %w", err)
	}
	return a, nil
}
