// Package storage defines the durable records and store interfaces used by
// the persistence gateway. The orchestrator is the sole writer of durable
// state; shard processes never touch the store directly.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// Snapshot is the opaque simulation state carried for one account. The
// orchestrator never interprets the blobs; shards own their meaning.
type Snapshot struct {
	Character json.RawMessage `json:"character,omitempty"`
	Abilities json.RawMessage `json:"abilities,omitempty"`
}

// IsZero reports whether the snapshot carries no data.
func (s Snapshot) IsZero() bool {
	return len(s.Character) == 0 && len(s.Abilities) == 0
}

// Account is one durable player account.
type Account struct {
	AccountID   int64
	IdentityKey string
	Snapshot    Snapshot
	UpdatedAt   time.Time
}

// CriticalEvent is a durability-sensitive state change written synchronously
// before the triggering request is acknowledged. EventID is the idempotency
// key: writing the same EventID twice is a no-op.
type CriticalEvent struct {
	EventID    string
	Kind       string
	AccountID  int64
	TransferID string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// AccountStore persists player accounts and their snapshots.
type AccountStore interface {
	// GetAccountByIdentity returns the account bound to an identity key,
	// or ErrNotFound.
	GetAccountByIdentity(ctx context.Context, identityKey string) (Account, error)
	// CreateAccount allocates a durable account for an identity key.
	CreateAccount(ctx context.Context, identityKey string) (Account, error)
	// SaveSnapshot applies one coalesced write for an account. Exactly the
	// categories requested are written: character, abilities, or both.
	SaveSnapshot(ctx context.Context, accountID int64, snapshot Snapshot, saveCharacter, saveAbilities bool) error
}

// EventStore persists critical events idempotently by EventID.
type EventStore interface {
	AppendCriticalEvent(ctx context.Context, event CriticalEvent) error
}

// Store is the full durable storage surface owned by the orchestrator.
type Store interface {
	AccountStore
	EventStore
	Close() error
}
