// Package persist is the persistence gateway: the only writer of durable
// state. Snapshot updates coalesce in a per-account queue and flush on a
// cadence or when the queue crosses its high-water mark; critical events
// bypass the queue and are written synchronously and idempotently.
package persist

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/emberfall/emberfall/internal/orchestrator/metrics"
	"github.com/emberfall/emberfall/internal/orchestrator/storage"
)

// entry is the single pending write for one account. Repeated enqueues merge
// into it: the snapshot body is replaced by the latest carried body and the
// save-category flags OR-combine so no requested category is ever lost.
type entry struct {
	snapshot      storage.Snapshot
	saveCharacter bool
	saveAbilities bool
}

// FlushStats summarizes one flush pass.
type FlushStats struct {
	Taken  int
	Saved  int
	Failed int
}

// Gateway coalesces snapshot writes and records critical events.
type Gateway struct {
	mu             sync.Mutex
	pending        map[int64]*entry
	store          storage.Store
	guestThreshold int64
	highWater      int
	now            func() time.Time
}

// NewGateway creates a persistence gateway. Accounts at or above
// guestThreshold are ephemeral and never persisted.
func NewGateway(store storage.Store, guestThreshold int64, highWater int, now func() time.Time) (*Gateway, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if guestThreshold <= 0 {
		return nil, fmt.Errorf("guest threshold must be positive")
	}
	if highWater <= 0 {
		return nil, fmt.Errorf("queue high-water mark must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		pending:        make(map[int64]*entry),
		store:          store,
		guestThreshold: guestThreshold,
		highWater:      highWater,
		now:            now,
	}, nil
}

// EnqueueSnapshot merges a snapshot update into the pending entry for an
// account. Guest accounts are never queued. The returned flag reports that
// the queue crossed its high-water mark and the caller should flush now.
func (g *Gateway) EnqueueSnapshot(accountID int64, snapshot *storage.Snapshot, saveCharacter, saveAbilities bool) (highWater bool) {
	if accountID <= 0 || accountID >= g.guestThreshold {
		return false
	}
	if !saveCharacter && !saveAbilities {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	pending, ok := g.pending[accountID]
	if !ok {
		pending = &entry{}
		g.pending[accountID] = pending
	}
	// Flags-only updates keep the previously queued body so a fresher
	// snapshot is never overwritten by an empty one.
	if snapshot != nil && !snapshot.IsZero() {
		if len(snapshot.Character) > 0 {
			pending.snapshot.Character = snapshot.Character
		}
		if len(snapshot.Abilities) > 0 {
			pending.snapshot.Abilities = snapshot.Abilities
		}
	}
	pending.saveCharacter = pending.saveCharacter || saveCharacter
	pending.saveAbilities = pending.saveAbilities || saveAbilities

	metrics.PersistQueueDepth.Set(float64(len(g.pending)))
	return len(g.pending) >= g.highWater
}

// PendingLen reports the number of queued accounts.
func (g *Gateway) PendingLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Flush atomically takes the whole pending set and applies one write per
// account. On any error the remaining taken entries are re-enqueued so a
// failed flush never drops work; the store apply is idempotent under the
// replay this causes.
func (g *Gateway) Flush(ctx context.Context) (FlushStats, error) {
	g.mu.Lock()
	taken := g.pending
	g.pending = make(map[int64]*entry)
	metrics.PersistQueueDepth.Set(0)
	g.mu.Unlock()

	stats := FlushStats{Taken: len(taken)}
	if len(taken) == 0 {
		return stats, nil
	}

	var flushErr error
	for accountID, pending := range taken {
		if flushErr == nil {
			err := g.store.SaveSnapshot(ctx, accountID, pending.snapshot, pending.saveCharacter, pending.saveAbilities)
			if err == nil {
				stats.Saved++
				delete(taken, accountID)
				continue
			}
			flushErr = fmt.Errorf("save snapshot account=%d: %w", accountID, err)
		}
		stats.Failed++
	}

	if flushErr != nil {
		g.requeue(taken)
		metrics.PersistFlushes.WithLabelValues("error").Inc()
		log.Printf("persist: flush failed, re-enqueued %d entries: %v", stats.Failed, flushErr)
		return stats, flushErr
	}

	metrics.PersistFlushes.WithLabelValues("ok").Inc()
	return stats, nil
}

// SaveCriticalEvent writes event synchronously before the triggering request
// is acknowledged. Replaying an event id is a no-op.
func (g *Gateway) SaveCriticalEvent(ctx context.Context, event storage.CriticalEvent) error {
	if event.AccountID >= g.guestThreshold {
		// Guest actions are never durable.
		return nil
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = g.now().UTC()
	}
	if err := g.store.AppendCriticalEvent(ctx, event); err != nil {
		return fmt.Errorf("save critical event %s: %w", event.EventID, err)
	}
	metrics.CriticalEvents.Inc()
	return nil
}

// requeue merges failed entries back into the pending queue without
// clobbering anything enqueued during the flush.
func (g *Gateway) requeue(taken map[int64]*entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for accountID, old := range taken {
		pending, ok := g.pending[accountID]
		if !ok {
			g.pending[accountID] = old
			continue
		}
		// The queue entry is newer: keep its body, OR the flags.
		if len(pending.snapshot.Character) == 0 {
			pending.snapshot.Character = old.snapshot.Character
		}
		if len(pending.snapshot.Abilities) == 0 {
			pending.snapshot.Abilities = old.snapshot.Abilities
		}
		pending.saveCharacter = pending.saveCharacter || old.saveCharacter
		pending.saveAbilities = pending.saveAbilities || old.saveAbilities
	}
	metrics.PersistQueueDepth.Set(float64(len(g.pending)))
}
