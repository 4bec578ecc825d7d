// Package sqlite provides the sqlite-backed durable store for accounts and
// critical events.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/emberfall/emberfall/internal/orchestrator/storage"
	"github.com/emberfall/emberfall/internal/orchestrator/storage/sqlite/migrations"
	sqlitemigrate "github.com/emberfall/emberfall/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Store provides sqlite-backed orchestrator persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the orchestrator sqlite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.Apply(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the sqlite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetAccountByIdentity returns the account bound to an identity key.
func (s *Store) GetAccountByIdentity(ctx context.Context, identityKey string) (storage.Account, error) {
	if err := ctx.Err(); err != nil {
		return storage.Account{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Account{}, fmt.Errorf("storage is not configured")
	}
	identityKey = strings.TrimSpace(identityKey)
	if identityKey == "" {
		return storage.Account{}, fmt.Errorf("identity key is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT account_id, identity_key, character, abilities, updated_at
FROM accounts
WHERE identity_key = ?
`, identityKey)
	return scanAccount(row)
}

// CreateAccount allocates a durable account for an identity key.
func (s *Store) CreateAccount(ctx context.Context, identityKey string) (storage.Account, error) {
	if err := ctx.Err(); err != nil {
		return storage.Account{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Account{}, fmt.Errorf("storage is not configured")
	}
	identityKey = strings.TrimSpace(identityKey)
	if identityKey == "" {
		return storage.Account{}, fmt.Errorf("identity key is required")
	}

	now := time.Now().UTC().UnixMilli()
	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO accounts (identity_key, created_at, updated_at) VALUES (?, ?, ?)
`, identityKey, now, now)
	if err != nil {
		return storage.Account{}, fmt.Errorf("create account: %w", err)
	}
	accountID, err := result.LastInsertId()
	if err != nil {
		return storage.Account{}, fmt.Errorf("read account id: %w", err)
	}
	return storage.Account{
		AccountID:   accountID,
		IdentityKey: identityKey,
		UpdatedAt:   time.UnixMilli(now).UTC(),
	}, nil
}

// SaveSnapshot applies one coalesced snapshot write for an account.
func (s *Store) SaveSnapshot(ctx context.Context, accountID int64, snapshot storage.Snapshot, saveCharacter, saveAbilities bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if accountID <= 0 {
		return fmt.Errorf("account id is required")
	}
	if !saveCharacter && !saveAbilities {
		return fmt.Errorf("at least one save category is required")
	}

	now := time.Now().UTC().UnixMilli()
	var result sql.Result
	var err error
	switch {
	case saveCharacter && saveAbilities:
		result, err = s.sqlDB.ExecContext(ctx, `
UPDATE accounts SET character = ?, abilities = ?, updated_at = ? WHERE account_id = ?
`, []byte(snapshot.Character), []byte(snapshot.Abilities), now, accountID)
	case saveCharacter:
		result, err = s.sqlDB.ExecContext(ctx, `
UPDATE accounts SET character = ?, updated_at = ? WHERE account_id = ?
`, []byte(snapshot.Character), now, accountID)
	default:
		result, err = s.sqlDB.ExecContext(ctx, `
UPDATE accounts SET abilities = ?, updated_at = ? WHERE account_id = ?
`, []byte(snapshot.Abilities), now, accountID)
	}
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save snapshot result: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AppendCriticalEvent persists a critical event. Replaying the same event id
// is a no-op.
func (s *Store) AppendCriticalEvent(ctx context.Context, event storage.CriticalEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	event.EventID = strings.TrimSpace(event.EventID)
	event.Kind = strings.TrimSpace(event.Kind)
	if event.EventID == "" {
		return fmt.Errorf("event id is required")
	}
	if event.Kind == "" {
		return fmt.Errorf("event kind is required")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT OR IGNORE INTO critical_events (
	event_id,
	kind,
	account_id,
	transfer_id,
	payload,
	created_at
) VALUES (?, ?, ?, ?, ?, ?)
`,
		event.EventID,
		event.Kind,
		event.AccountID,
		event.TransferID,
		[]byte(event.Payload),
		event.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append critical event: %w", err)
	}
	return nil
}

// CountCriticalEvents returns the number of stored critical events. Used by
// tests and the health surface.
func (s *Store) CountCriticalEvents(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	var count int
	if err := s.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM critical_events").Scan(&count); err != nil {
		return 0, fmt.Errorf("count critical events: %w", err)
	}
	return count, nil
}

func scanAccount(row *sql.Row) (storage.Account, error) {
	var account storage.Account
	var character, abilities []byte
	var updatedAt int64
	err := row.Scan(
		&account.AccountID,
		&account.IdentityKey,
		&character,
		&abilities,
		&updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return storage.Account{}, storage.ErrNotFound
		}
		return storage.Account{}, fmt.Errorf("scan account: %w", err)
	}
	account.Snapshot.Character = character
	account.Snapshot.Abilities = abilities
	account.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return account, nil
}
