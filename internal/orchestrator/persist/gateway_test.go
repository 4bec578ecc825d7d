package persist

import (
	"context"
	"errors"
	"testing"

	"github.com/emberfall/emberfall/internal/orchestrator/storage"
)

const testGuestThreshold = 1_000_000_000

// fakeStore records applied writes and can fail on demand.
type fakeStore struct {
	saves  []appliedSave
	events []storage.CriticalEvent
	fail   error
}

type appliedSave struct {
	accountID     int64
	snapshot      storage.Snapshot
	saveCharacter bool
	saveAbilities bool
}

func (f *fakeStore) GetAccountByIdentity(context.Context, string) (storage.Account, error) {
	return storage.Account{}, storage.ErrNotFound
}

func (f *fakeStore) CreateAccount(context.Context, string) (storage.Account, error) {
	return storage.Account{}, errors.New("not implemented")
}

func (f *fakeStore) SaveSnapshot(_ context.Context, accountID int64, snapshot storage.Snapshot, saveCharacter, saveAbilities bool) error {
	if f.fail != nil {
		return f.fail
	}
	f.saves = append(f.saves, appliedSave{accountID, snapshot, saveCharacter, saveAbilities})
	return nil
}

func (f *fakeStore) AppendCriticalEvent(_ context.Context, event storage.CriticalEvent) error {
	if f.fail != nil {
		return f.fail
	}
	for _, existing := range f.events {
		if existing.EventID == event.EventID {
			return nil
		}
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func newTestGateway(t *testing.T, store *fakeStore, highWater int) *Gateway {
	t.Helper()
	gw, err := NewGateway(store, testGuestThreshold, highWater, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gw
}

func TestEnqueueMergesFlagsAndKeepsLatestSnapshot(t *testing.T) {
	store := &fakeStore{}
	gw := newTestGateway(t, store, 512)

	first := &storage.Snapshot{Character: []byte(`{"x":1}`)}
	second := &storage.Snapshot{Character: []byte(`{"x":2}`)}
	gw.EnqueueSnapshot(42, first, true, false)
	gw.EnqueueSnapshot(42, second, false, true)

	if got := gw.PendingLen(); got != 1 {
		t.Fatalf("pending = %d, want 1 coalesced entry", got)
	}
	if _, err := gw.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(store.saves) != 1 {
		t.Fatalf("saves = %d, want exactly one applied write", len(store.saves))
	}
	save := store.saves[0]
	if string(save.snapshot.Character) != `{"x":2}` {
		t.Fatalf("character = %s, want most recent body", save.snapshot.Character)
	}
	if !save.saveCharacter || !save.saveAbilities {
		t.Fatalf("flags = %v/%v, want OR of both calls", save.saveCharacter, save.saveAbilities)
	}
}

func TestEnqueueFlagsOnlyKeepsQueuedBody(t *testing.T) {
	store := &fakeStore{}
	gw := newTestGateway(t, store, 512)

	gw.EnqueueSnapshot(42, &storage.Snapshot{Character: []byte(`{"x":5}`)}, true, false)
	gw.EnqueueSnapshot(42, nil, false, true)

	if _, err := gw.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if string(store.saves[0].snapshot.Character) != `{"x":5}` {
		t.Fatalf("character = %s, want preserved body", store.saves[0].snapshot.Character)
	}
}

func TestGuestAccountsNeverQueued(t *testing.T) {
	store := &fakeStore{}
	gw := newTestGateway(t, store, 512)

	gw.EnqueueSnapshot(testGuestThreshold, &storage.Snapshot{Character: []byte(`{}`)}, true, true)
	gw.EnqueueSnapshot(testGuestThreshold+55, &storage.Snapshot{Character: []byte(`{}`)}, true, true)

	if got := gw.PendingLen(); got != 0 {
		t.Fatalf("pending = %d, want 0 for guest ids", got)
	}
	stats, err := gw.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if stats.Taken != 0 || len(store.saves) != 0 {
		t.Fatal("guest account reached a flush")
	}
}

func TestEnqueueReportsHighWater(t *testing.T) {
	store := &fakeStore{}
	gw := newTestGateway(t, store, 3)

	if gw.EnqueueSnapshot(1, &storage.Snapshot{Character: []byte(`{}`)}, true, false) {
		t.Fatal("high water reported too early")
	}
	if gw.EnqueueSnapshot(2, &storage.Snapshot{Character: []byte(`{}`)}, true, false) {
		t.Fatal("high water reported too early")
	}
	if !gw.EnqueueSnapshot(3, &storage.Snapshot{Character: []byte(`{}`)}, true, false) {
		t.Fatal("expected high water at mark")
	}
}

func TestFlushErrorRequeuesTakenEntries(t *testing.T) {
	store := &fakeStore{fail: errors.New("disk full")}
	gw := newTestGateway(t, store, 512)

	gw.EnqueueSnapshot(7, &storage.Snapshot{Character: []byte(`{"x":1}`)}, true, false)
	gw.EnqueueSnapshot(8, &storage.Snapshot{Abilities: []byte(`{"s":[]}`)}, false, true)

	if _, err := gw.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if got := gw.PendingLen(); got != 2 {
		t.Fatalf("pending = %d, want both entries re-enqueued", got)
	}

	// Recovery flush applies everything.
	store.fail = nil
	stats, err := gw.Flush(context.Background())
	if err != nil {
		t.Fatalf("recovery flush: %v", err)
	}
	if stats.Saved != 2 {
		t.Fatalf("saved = %d, want 2", stats.Saved)
	}
}

func TestRequeueDoesNotClobberNewerEntry(t *testing.T) {
	store := &fakeStore{fail: errors.New("disk full")}
	gw := newTestGateway(t, store, 512)

	gw.EnqueueSnapshot(7, &storage.Snapshot{Character: []byte(`{"x":1}`)}, true, false)
	if _, err := gw.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}

	// A fresher update raced in after the failed take; the requeue must not
	// clobber it.
	gw.EnqueueSnapshot(7, &storage.Snapshot{Character: []byte(`{"x":2}`)}, false, true)

	store.fail = nil
	if _, err := gw.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(store.saves) != 1 {
		t.Fatalf("saves = %d, want 1", len(store.saves))
	}
	save := store.saves[0]
	if string(save.snapshot.Character) != `{"x":2}` {
		t.Fatalf("character = %s, want newer body", save.snapshot.Character)
	}
	if !save.saveCharacter || !save.saveAbilities {
		t.Fatal("expected flags OR-combined across requeue")
	}
}

func TestSaveCriticalEventIdempotent(t *testing.T) {
	store := &fakeStore{}
	gw := newTestGateway(t, store, 512)
	ctx := context.Background()

	event := storage.CriticalEvent{EventID: "evt-1", Kind: "trade", AccountID: 9}
	if err := gw.SaveCriticalEvent(ctx, event); err != nil {
		t.Fatalf("save event: %v", err)
	}
	if err := gw.SaveCriticalEvent(ctx, event); err != nil {
		t.Fatalf("replay event: %v", err)
	}
	if len(store.events) != 1 {
		t.Fatalf("events = %d, want 1", len(store.events))
	}
	if store.events[0].CreatedAt.IsZero() {
		t.Fatal("expected created at to be stamped")
	}
}

func TestSaveCriticalEventSkipsGuests(t *testing.T) {
	store := &fakeStore{}
	gw := newTestGateway(t, store, 512)

	event := storage.CriticalEvent{EventID: "evt-g", Kind: "trade", AccountID: testGuestThreshold + 1}
	if err := gw.SaveCriticalEvent(context.Background(), event); err != nil {
		t.Fatalf("save event: %v", err)
	}
	if len(store.events) != 0 {
		t.Fatal("guest event must not be persisted")
	}
}
