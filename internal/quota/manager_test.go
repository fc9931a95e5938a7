package quota

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/storage"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"go.uber.org/zap"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestManager(t *testing.T, models, textures int64) (*Manager, *stepClock) {
	t.Helper()
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store, err := storage.Open(storage.Options{Clock: clock.Now, Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	m := NewManager(store, map[types.Collection]int64{
		types.CollectionModels:   models,
		types.CollectionTextures: textures,
	}, zap.NewNop())
	return m, clock
}

func model(key string) types.AssetRef {
	return types.AssetRef{Collection: types.CollectionModels, Key: key, Tier: types.TierFar}
}

func mustPut(t *testing.T, m *Manager, ref types.AssetRef, size int) {
	t.Helper()
	if err := m.Put(context.Background(), ref, make([]byte, size), 0); err != nil {
		t.Fatalf("Put(%s) failed: %v", ref, err)
	}
}

func has(m *Manager, ref types.AssetRef) bool {
	_, ok := m.Store().Entry(ref.Collection, ref.StorageKey())
	return ok
}

func TestPutEvictsOldest(t *testing.T) {
	m, _ := newTestManager(t, 10, 10)

	mustPut(t, m, model("a"), 4)
	mustPut(t, m, model("b"), 4)
	mustPut(t, m, model("c"), 4)

	st := m.Stat(types.CollectionModels)
	if st.UsedBytes != 8 || st.ItemCount != 2 {
		t.Fatalf("expected 8 bytes in 2 items, got %d in %d", st.UsedBytes, st.ItemCount)
	}
	if has(m, model("a")) {
		t.Error("a should have been evicted")
	}
	if !has(m, model("b")) || !has(m, model("c")) {
		t.Error("b and c should remain")
	}
}

func TestAccessRefreshesRecency(t *testing.T) {
	m, _ := newTestManager(t, 10, 10)
	ctx := context.Background()

	mustPut(t, m, model("a"), 4)
	mustPut(t, m, model("b"), 4)

	rec, err := m.Store().Lookup(ctx, model("a"))
	if err != nil || rec == nil {
		t.Fatalf("lookup a: %v %v", rec, err)
	}

	mustPut(t, m, model("c"), 4)

	if !has(m, model("a")) {
		t.Error("a was read recently and should survive")
	}
	if has(m, model("b")) {
		t.Error("b is least recently used and should be evicted")
	}
}

func TestItemTooLarge(t *testing.T) {
	m, _ := newTestManager(t, 10, 10)
	mustPut(t, m, model("a"), 4)

	err := m.Put(context.Background(), model("huge"), make([]byte, 11), 0)
	if !errors.Is(err, ErrItemTooLarge) {
		t.Fatalf("expected ErrItemTooLarge, got %v", err)
	}
	if !has(m, model("a")) {
		t.Error("rejecting an oversized item must not evict")
	}
	if st := m.Stat(types.CollectionModels); st.UsedBytes != 4 {
		t.Errorf("used = %d, want 4", st.UsedBytes)
	}
}

func TestReplaceDiscountsPreviousSize(t *testing.T) {
	m, _ := newTestManager(t, 10, 10)

	mustPut(t, m, model("a"), 4)
	mustPut(t, m, model("b"), 4)
	// Replacing b with 6 bytes fits once b's old 4 bytes are discounted.
	mustPut(t, m, model("b"), 6)

	st := m.Stat(types.CollectionModels)
	if st.UsedBytes != 10 || st.ItemCount != 2 {
		t.Fatalf("expected 10 bytes in 2 items, got %d in %d", st.UsedBytes, st.ItemCount)
	}
	if !has(m, model("a")) {
		t.Error("a should not be evicted by a replacement that fits")
	}
}

func TestCollectionsAreIndependent(t *testing.T) {
	m, _ := newTestManager(t, 10, 10)

	mustPut(t, m, model("a"), 8)
	tex := types.AssetRef{Collection: types.CollectionTextures, Key: "wood", Tier: types.TierFar}
	mustPut(t, m, tex, 8)

	if !has(m, model("a")) || !has(m, tex) {
		t.Error("a put in one collection must not evict from another")
	}
}

func TestReserveUnknownCollection(t *testing.T) {
	m, _ := newTestManager(t, 10, 10)
	err := m.Reserve(context.Background(), types.CollectionUsage, 1)
	if !errors.Is(err, storage.ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
}

func TestClearAndStats(t *testing.T) {
	m, _ := newTestManager(t, 10, 20)
	ctx := context.Background()

	mustPut(t, m, model("a"), 3)
	mustPut(t, m, types.AssetRef{Collection: types.CollectionTextures, Key: "t", Tier: types.TierClose}, 5)

	if err := m.Clear(ctx, types.CollectionModels); err != nil {
		t.Fatal(err)
	}

	stats := m.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 collections, got %d", len(stats))
	}
	for _, st := range stats {
		switch st.Collection {
		case types.CollectionModels:
			if st.UsedBytes != 0 || st.CapacityBytes != 10 {
				t.Errorf("models: %+v", st)
			}
		case types.CollectionTextures:
			if st.UsedBytes != 5 || st.ItemCount != 1 || st.CapacityBytes != 20 {
				t.Errorf("textures: %+v", st)
			}
		}
	}
}

func TestUsageNeverExceedsCapacity(t *testing.T) {
	const capacity = 100
	m, _ := newTestManager(t, capacity, capacity)
	rng := rand.New(rand.NewSource(7))
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		ref := model(fmt.Sprintf("k%d", rng.Intn(40)))
		size := 1 + rng.Intn(capacity+10)
		err := m.Put(ctx, ref, make([]byte, size), 0)
		if size > capacity {
			if !errors.Is(err, ErrItemTooLarge) {
				t.Fatalf("step %d: expected ErrItemTooLarge, got %v", i, err)
			}
		} else if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}

		st := m.Stat(types.CollectionModels)
		if st.UsedBytes > capacity {
			t.Fatalf("step %d: used %d exceeds capacity", i, st.UsedBytes)
		}
		var sum int64
		for _, e := range m.Store().Entries(types.CollectionModels) {
			sum += e.SizeBytes
		}
		if sum != st.UsedBytes {
			t.Fatalf("step %d: used %d but entries sum to %d", i, st.UsedBytes, sum)
		}
	}
}

func TestEvictionOrderTieBreaks(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []storage.UsageEntry{
		{Key: "c", CreatedAt: base, LastAccessedAt: base},
		{Key: "b", CreatedAt: base, LastAccessedAt: base},
		{Key: "z", CreatedAt: base.Add(-time.Hour), LastAccessedAt: base},
		{Key: "a", CreatedAt: base, LastAccessedAt: base.Add(time.Minute)},
	}

	got := EvictionOrder(entries)
	want := []string{"z", "b", "c", "a"}
	for i, e := range got {
		if e.Key != want[i] {
			t.Fatalf("position %d: got %s, want %s (order %v)", i, e.Key, want[i], got)
		}
	}
	if entries[0].Key != "c" {
		t.Error("EvictionOrder must not reorder its input")
	}
}

func TestSelectVictims(t *testing.T) {
	ordered := []storage.UsageEntry{{Key: "a", SizeBytes: 4}, {Key: "b", SizeBytes: 4}, {Key: "c", SizeBytes: 2}}

	victims, ok := SelectVictims(ordered, 10, 5, 10)
	if !ok || len(victims) != 2 {
		t.Fatalf("expected 2 victims, got %d (ok=%v)", len(victims), ok)
	}

	victims, ok = SelectVictims(ordered, 10, 0, 10)
	if !ok || len(victims) != 0 {
		t.Fatalf("expected no victims when it already fits, got %d", len(victims))
	}

	_, ok = SelectVictims(ordered, 10, 11, 10)
	if ok {
		t.Fatal("expected failure when incoming exceeds capacity")
	}
}
