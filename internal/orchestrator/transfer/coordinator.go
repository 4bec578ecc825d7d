// Package transfer drives the cross-shard hand-off state machine. The
// coordinator only moves the authorization handshake: single ownership
// follows from ticket single-use plus the destination admitting a player
// only after validation.
package transfer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/emberfall/emberfall/internal/orchestrator/metrics"
	"github.com/emberfall/emberfall/internal/orchestrator/persist"
	"github.com/emberfall/emberfall/internal/orchestrator/registry"
	"github.com/emberfall/emberfall/internal/orchestrator/storage"
	"github.com/emberfall/emberfall/internal/orchestrator/ticket"
	apperrors "github.com/emberfall/emberfall/internal/platform/errors"
	"github.com/emberfall/emberfall/internal/platform/id"
)

// terminalRetention is how long terminal records are kept before pruning.
const terminalRetention = 60 * time.Second

// Stage values reported by the source shard on transfer-result.
const (
	StageReleased = "released"
	StageAborted  = "aborted"
)

// Record is one in-flight or recently finished transfer. The accept/release
// flags are monotone; once CompletedAt or AbortedAt is set the record is
// immutable.
type Record struct {
	TransferID            string
	AccountID             int64
	FromInstanceID        string
	ToInstanceID          string
	IssuedAt              time.Time
	ExpiresAt             time.Time
	DestinationAcceptedAt *time.Time
	SourceReleasedAt      *time.Time
	CompletedAt           *time.Time
	AbortedAt             *time.Time
	LastReason            string
}

// Terminal reports whether the record reached completed or aborted.
func (r *Record) Terminal() bool {
	return r.CompletedAt != nil || r.AbortedAt != nil
}

// EnsureInstance makes sure a destination instance exists (spawning a
// dynamic spec when unknown) and has been asked to start.
type EnsureInstance func(ctx context.Context, instanceID string) error

// Coordinator owns the transfer table and its state machine.
type Coordinator struct {
	mu      sync.Mutex
	records map[string]*Record

	tickets  *ticket.Service
	gateway  *persist.Gateway
	registry *registry.Registry
	ensure   EnsureInstance

	ttl          time.Duration
	readyWait    time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// Config carries coordinator construction parameters.
type Config struct {
	Tickets  *ticket.Service
	Gateway  *persist.Gateway
	Registry *registry.Registry
	Ensure   EnsureInstance

	TTL          time.Duration
	ReadyWait    time.Duration
	PollInterval time.Duration
	Now          func() time.Time
}

// NewCoordinator creates a transfer coordinator and installs its ticket
// hooks.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Tickets == nil {
		return nil, fmt.Errorf("ticket service is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("persistence gateway is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Ensure == nil {
		return nil, fmt.Errorf("ensure-instance callback is required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("transfer ttl must be positive")
	}
	if cfg.ReadyWait <= 0 {
		return nil, fmt.Errorf("ready wait must be positive")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Coordinator{
		records:      make(map[string]*Record),
		tickets:      cfg.Tickets,
		gateway:      cfg.Gateway,
		registry:     cfg.Registry,
		ensure:       cfg.Ensure,
		ttl:          cfg.TTL,
		readyWait:    cfg.ReadyWait,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
	}
	cfg.Tickets.SetHooks(ticket.Hooks{
		DestinationAccepted: c.OnDestinationAccepted,
		TransferTicketExpired: func(transferID string) {
			c.abort(transferID, string(apperrors.CodeTicketExpired))
		},
	})
	return c, nil
}

// RequestTransfer opens a transfer record and mints the transfer ticket the
// client will present to the destination. The destination is spawned lazily
// when unknown; readiness is awaited up to the configured bound, re-reading
// health after every wait step.
func (c *Coordinator) RequestTransfer(ctx context.Context, fromInstanceID, toInstanceID string, accountID int64, identityKey string, guest bool, snapshot *storage.Snapshot) (ticket.Record, *Record, error) {
	toInstanceID = strings.TrimSpace(toInstanceID)
	fromInstanceID = strings.TrimSpace(fromInstanceID)
	if toInstanceID == "" {
		return ticket.Record{}, nil, apperrors.New(apperrors.CodeInvalidArgument, "destination instance id is required")
	}
	if accountID <= 0 {
		return ticket.Record{}, nil, apperrors.New(apperrors.CodeInvalidArgument, "account id is required")
	}

	if err := c.ensure(ctx, toInstanceID); err != nil {
		return ticket.Record{}, nil, apperrors.Wrap(apperrors.CodeTargetMapNotReady, "destination cannot be started", err)
	}
	if err := c.awaitHealthy(ctx, toInstanceID); err != nil {
		return ticket.Record{}, nil, err
	}

	transferID, err := id.NewID()
	if err != nil {
		return ticket.Record{}, nil, fmt.Errorf("mint transfer id: %w", err)
	}
	now := c.now()
	record := &Record{
		TransferID:     transferID,
		AccountID:      accountID,
		FromInstanceID: fromInstanceID,
		ToInstanceID:   toInstanceID,
		IssuedAt:       now,
		ExpiresAt:      now.Add(c.ttl),
	}

	if err := c.gateway.SaveCriticalEvent(ctx, storage.CriticalEvent{
		EventID:    transferID + ".requested",
		Kind:       "transfer_requested",
		AccountID:  accountID,
		TransferID: transferID,
	}); err != nil {
		return ticket.Record{}, nil, err
	}

	ticketRecord, err := c.tickets.Issue(toInstanceID, ticket.KindTransfer, ticket.Payload{
		AccountID:   accountID,
		IdentityKey: identityKey,
		Guest:       guest,
		Snapshot:    snapshot,
		TransferID:  transferID,
	})
	if err != nil {
		return ticket.Record{}, nil, fmt.Errorf("issue transfer ticket: %w", err)
	}

	c.mu.Lock()
	c.records[transferID] = record
	c.mu.Unlock()

	log.Printf("transfer: requested id=%s account=%d from=%s to=%s", transferID, accountID, fromInstanceID, toInstanceID)
	return ticketRecord, record, nil
}

// OnDestinationAccepted marks the destination-accepted flag. Fired by the
// ticket service when the destination validates the transfer ticket.
func (c *Coordinator) OnDestinationAccepted(transferID string) {
	c.setFlag(transferID, "transfer_destination_accepted", func(record *Record, now time.Time) bool {
		if record.DestinationAcceptedAt != nil {
			return false
		}
		record.DestinationAcceptedAt = &now
		return true
	})
}

// OnSourceReleased marks the source-released flag.
func (c *Coordinator) OnSourceReleased(transferID, reason string) {
	c.setFlag(transferID, "transfer_source_released", func(record *Record, now time.Time) bool {
		if record.SourceReleasedAt != nil {
			return false
		}
		record.SourceReleasedAt = &now
		if reason != "" {
			record.LastReason = reason
		}
		return true
	})
}

// OnTransferResult handles the explicit result callback from the source
// shard. A released stage advances the state machine; an aborted or
// unrecognized stage aborts the record unless it is already terminal.
func (c *Coordinator) OnTransferResult(transferID, stage, reason string) error {
	c.mu.Lock()
	_, ok := c.records[transferID]
	c.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.CodeTransferNotFound, "transfer is unknown")
	}

	switch stage {
	case StageReleased:
		c.OnSourceReleased(transferID, reason)
	default:
		if reason == "" {
			reason = "stage_" + stage
		}
		c.abort(transferID, reason)
	}
	return nil
}

// Get returns a copy of the record for inspection.
func (c *Coordinator) Get(transferID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[transferID]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// Len reports the number of retained transfer records.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Sweep aborts non-terminal records past their expiry and prunes terminal
// records past the retention window. It runs on the persistence flush
// cadence.
func (c *Coordinator) Sweep() (aborted, pruned int) {
	now := c.now()

	var expired []string
	c.mu.Lock()
	for transferID, record := range c.records {
		if record.Terminal() {
			terminalAt := record.CompletedAt
			if record.AbortedAt != nil {
				terminalAt = record.AbortedAt
			}
			if now.Sub(*terminalAt) >= terminalRetention {
				delete(c.records, transferID)
				pruned++
			}
			continue
		}
		if now.After(record.ExpiresAt) {
			expired = append(expired, transferID)
		}
	}
	c.mu.Unlock()

	for _, transferID := range expired {
		c.abort(transferID, string(apperrors.CodeTransferExpired))
		aborted++
	}
	return aborted, pruned
}

// setFlag applies a monotone flag mutation and checks completion.
func (c *Coordinator) setFlag(transferID, eventKind string, mutate func(*Record, time.Time) bool) {
	now := c.now()

	c.mu.Lock()
	record, ok := c.records[transferID]
	if !ok || record.Terminal() {
		c.mu.Unlock()
		return
	}
	if !mutate(record, now) {
		c.mu.Unlock()
		return
	}
	completed := record.DestinationAcceptedAt != nil && record.SourceReleasedAt != nil
	if completed {
		record.CompletedAt = &now
	}
	snapshot := *record
	c.mu.Unlock()

	c.recordEvent(snapshot, eventKind)
	if completed {
		metrics.TransfersTerminal.WithLabelValues("completed").Inc()
		c.recordEvent(snapshot, "transfer_completed")
		log.Printf("transfer: completed id=%s account=%d", snapshot.TransferID, snapshot.AccountID)
	}
}

// abort marks a record aborted unless it is already terminal.
func (c *Coordinator) abort(transferID, reason string) {
	now := c.now()

	c.mu.Lock()
	record, ok := c.records[transferID]
	if !ok || record.Terminal() {
		c.mu.Unlock()
		return
	}
	record.AbortedAt = &now
	record.LastReason = reason
	snapshot := *record
	c.mu.Unlock()

	metrics.TransfersTerminal.WithLabelValues("aborted").Inc()
	c.recordEvent(snapshot, "transfer_aborted")
	log.Printf("transfer: aborted id=%s account=%d reason=%s", snapshot.TransferID, snapshot.AccountID, reason)
}

// recordEvent writes a transfer-boundary critical event. Event ids derive
// from the transfer id and kind so replays stay idempotent.
func (c *Coordinator) recordEvent(record Record, kind string) {
	err := c.gateway.SaveCriticalEvent(context.Background(), storage.CriticalEvent{
		EventID:    record.TransferID + "." + strings.TrimPrefix(kind, "transfer_"),
		Kind:       kind,
		AccountID:  record.AccountID,
		TransferID: record.TransferID,
	})
	if err != nil {
		log.Printf("transfer: record event kind=%s id=%s: %v", kind, record.TransferID, err)
	}
}

// awaitHealthy polls the registry until the destination is healthy or the
// wait budget is exhausted. Health is re-read fresh after every wait step:
// other requests interleave during the wait.
func (c *Coordinator) awaitHealthy(ctx context.Context, instanceID string) error {
	budget := time.NewTimer(c.readyWait)
	defer budget.Stop()
	poll := time.NewTicker(c.pollInterval)
	defer poll.Stop()

	for {
		if c.registry.Healthy(instanceID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.CodeTargetMapNotReady, "wait for destination readiness", ctx.Err())
		case <-budget.C:
			return apperrors.WithMetadata(
				apperrors.CodeTargetMapNotReady,
				"destination did not become ready in time",
				map[string]string{"instance": instanceID},
			)
		case <-poll.C:
		}
	}
}
