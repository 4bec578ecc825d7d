// Package ticket issues and validates the short-lived, single-use, signed
// tokens that authorize one identity to enter one shard instance.
//
// Wire format: tokenId.targetInstanceId.issuedAtMs.expiresAtMs.signature,
// where signature is an HMAC-SHA256 (hex) over the first four fields joined
// by the same separator. The payload bound to a token (account, snapshot,
// owning transfer) never leaves the orchestrator; it is kept server-side
// keyed by token id.
package ticket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emberfall/emberfall/internal/orchestrator/metrics"
	"github.com/emberfall/emberfall/internal/orchestrator/storage"
	apperrors "github.com/emberfall/emberfall/internal/platform/errors"
	"github.com/emberfall/emberfall/internal/platform/id"
)

// separator joins the five wire fields.
const separator = "."

// Kind distinguishes initial joins from cross-shard transfers.
type Kind string

const (
	KindJoin     Kind = "join"
	KindTransfer Kind = "transfer"
)

// Payload is the server-side state bound to a token.
type Payload struct {
	AccountID   int64
	IdentityKey string
	Guest       bool
	Snapshot    *storage.Snapshot
	TransferID  string
}

// Record is one issued ticket. Immutable after issuance except for
// ConsumedAt, which is set exactly once on successful validation.
type Record struct {
	TokenID          string
	Token            string
	Kind             Kind
	Payload          Payload
	TargetInstanceID string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	ConsumedAt       *time.Time
}

// Hooks let the transfer coordinator observe ticket outcomes without a
// package cycle.
type Hooks struct {
	// DestinationAccepted fires when a transfer ticket validates.
	DestinationAccepted func(transferID string)
	// TransferTicketExpired fires when a transfer ticket is presented
	// after its expiry.
	TransferTicketExpired func(transferID string)
}

// Service mints and validates tickets.
type Service struct {
	mu      sync.Mutex
	records map[string]*Record
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
	hooks   Hooks
}

// NewService creates a ticket service signing with secret. ttl applies to
// both join and transfer tickets.
func NewService(secret []byte, ttl time.Duration, now func() time.Time) (*Service, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("ticket secret is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ticket ttl must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		records: make(map[string]*Record),
		secret:  secret,
		ttl:     ttl,
		now:     now,
	}, nil
}

// SetHooks installs the transfer coordinator callbacks. Must be called
// before the service starts validating transfer tickets.
func (s *Service) SetHooks(hooks Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = hooks
}

// Issue mints a ticket authorizing payload's identity to enter
// targetInstanceID.
func (s *Service) Issue(targetInstanceID string, kind Kind, payload Payload) (Record, error) {
	targetInstanceID = strings.TrimSpace(targetInstanceID)
	if targetInstanceID == "" {
		return Record{}, fmt.Errorf("target instance id is required")
	}
	if strings.Contains(targetInstanceID, separator) {
		return Record{}, fmt.Errorf("instance id must not contain %q", separator)
	}
	if kind != KindJoin && kind != KindTransfer {
		return Record{}, fmt.Errorf("unknown ticket kind %q", kind)
	}
	if kind == KindTransfer && payload.TransferID == "" {
		return Record{}, fmt.Errorf("transfer ticket requires a transfer id")
	}

	tokenID, err := id.NewID()
	if err != nil {
		return Record{}, fmt.Errorf("mint token id: %w", err)
	}

	issuedAt := s.now()
	expiresAt := issuedAt.Add(s.ttl)
	base := strings.Join([]string{
		tokenID,
		targetInstanceID,
		strconv.FormatInt(issuedAt.UnixMilli(), 10),
		strconv.FormatInt(expiresAt.UnixMilli(), 10),
	}, separator)
	token := base + separator + s.sign(base)

	record := &Record{
		TokenID:          tokenID,
		Token:            token,
		Kind:             kind,
		Payload:          payload,
		TargetInstanceID: targetInstanceID,
		IssuedAt:         issuedAt,
		ExpiresAt:        expiresAt,
	}
	s.mu.Lock()
	s.records[tokenID] = record
	s.mu.Unlock()

	metrics.TicketsIssued.WithLabelValues(string(kind)).Inc()
	return *record, nil
}

// Validate checks a presented token for the calling instance and consumes it
// on success. The check-and-mark is a single atomic step: a token can be
// consumed at most once regardless of concurrent presenters.
func (s *Service) Validate(token, callerInstanceID string) (Payload, error) {
	payload, hook, err := s.validate(token, callerInstanceID)
	if hook != nil {
		hook()
	}
	if err != nil {
		metrics.TicketsValidated.WithLabelValues(string(apperrors.CodeOf(err))).Inc()
		return Payload{}, err
	}
	metrics.TicketsValidated.WithLabelValues("ok").Inc()
	return payload, nil
}

// validate holds the lock for the whole check sequence and returns any
// coordinator hook to fire after the lock is released.
func (s *Service) validate(token, callerInstanceID string) (Payload, func(), error) {
	fields := strings.Split(token, separator)
	if len(fields) != 5 {
		return Payload{}, nil, apperrors.New(apperrors.CodeTicketMalformed, "ticket must have 5 fields")
	}
	base := strings.Join(fields[:4], separator)
	expected := s.sign(base)
	if !hmac.Equal([]byte(expected), []byte(fields[4])) {
		return Payload{}, nil, apperrors.New(apperrors.CodeTicketBadSignature, "ticket signature mismatch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[fields[0]]
	if !ok {
		return Payload{}, nil, apperrors.New(apperrors.CodeTicketNotFound, "ticket is unknown")
	}
	if record.ConsumedAt != nil {
		return Payload{}, nil, apperrors.New(apperrors.CodeTicketAlreadyConsumed, "ticket was already consumed")
	}
	now := s.now()
	if now.After(record.ExpiresAt) {
		var hook func()
		if record.Kind == KindTransfer && s.hooks.TransferTicketExpired != nil {
			expired := s.hooks.TransferTicketExpired
			transferID := record.Payload.TransferID
			hook = func() { expired(transferID) }
		}
		return Payload{}, hook, apperrors.New(apperrors.CodeTicketExpired, "ticket is expired")
	}
	if record.TargetInstanceID != callerInstanceID {
		return Payload{}, nil, apperrors.WithMetadata(
			apperrors.CodeTicketTargetMismatch,
			"ticket targets another instance",
			map[string]string{"target": record.TargetInstanceID, "caller": callerInstanceID},
		)
	}

	consumedAt := now
	record.ConsumedAt = &consumedAt

	var hook func()
	if record.Kind == KindTransfer && s.hooks.DestinationAccepted != nil {
		accepted := s.hooks.DestinationAccepted
		transferID := record.Payload.TransferID
		hook = func() { accepted(transferID) }
	}
	return record.Payload, hook, nil
}

// Sweep removes tickets that expired or were consumed longer than retention
// ago. Returns the number of removed records.
func (s *Service) Sweep(retention time.Duration) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for tokenID, record := range s.records {
		cutoff := record.ExpiresAt
		if record.ConsumedAt != nil && record.ConsumedAt.Before(cutoff) {
			cutoff = *record.ConsumedAt
		}
		if record.ConsumedAt == nil && now.Before(record.ExpiresAt) {
			continue
		}
		if now.Sub(cutoff) >= retention {
			delete(s.records, tokenID)
			removed++
		}
	}
	return removed
}

// Len reports the number of retained ticket records.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Service) sign(base string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}
