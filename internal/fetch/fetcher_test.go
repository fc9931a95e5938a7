package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/asset-stream-cache/internal/quota"
	"github.com/gftdcojp/asset-stream-cache/internal/source"
	"github.com/gftdcojp/asset-stream-cache/internal/storage"
	"github.com/gftdcojp/asset-stream-cache/internal/types"
	"go.uber.org/zap"
)

type result struct {
	data []byte
	err  error
}

// scriptedSource returns its results in order, repeating the last one.
type scriptedSource struct {
	name    string
	results []result
	gate    chan struct{}

	mu    sync.Mutex
	calls int
}

func (s *scriptedSource) Name() string { return s.name }

func (s *scriptedSource) Fetch(ctx context.Context, ref types.AssetRef) ([]byte, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i].data, s.results[i].err
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func ok(data string) result { return result{data: []byte(data)} }

func fail(kind error) result {
	return result{err: fmt.Errorf("scripted: %w", kind)}
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordedSleeps) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type harness struct {
	fetcher *Fetcher
	quota   *quota.Manager
	sleeps  *recordedSleeps
}

func newHarness(t *testing.T, capacity int64, sources ...source.Source) *harness {
	t.Helper()
	store, err := storage.Open(storage.Options{Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	qm := quota.NewManager(store, map[types.Collection]int64{
		types.CollectionModels:   capacity,
		types.CollectionTextures: capacity,
	}, zap.NewNop())

	sleeps := &recordedSleeps{}
	f, err := New(Options{
		Cache:   qm,
		Sources: sources,
		Backoff: Backoff{Retries: 3, Initial: 200 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2},
		Sleep:   sleeps.Sleep,
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })

	return &harness{fetcher: f, quota: qm, sleeps: sleeps}
}

var chair = types.AssetRef{Collection: types.CollectionModels, Key: "chair", Tier: types.TierClose}

func wait(t *testing.T, fut *Future) (*types.AssetRecord, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := fut.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future did not resolve")
	}
	return rec, err
}

// mustPayload waits for fut and fails unless it resolves to want.
func mustPayload(t *testing.T, fut *Future, want string) *types.AssetRecord {
	t.Helper()
	rec, err := wait(t, fut)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if !bytes.Equal(rec.Payload, []byte(want)) {
		t.Fatalf("expected payload %q, got %q", want, rec.Payload)
	}
	return rec
}

func TestRequest_DeduplicatesConcurrentRequests(t *testing.T) {
	primary := &scriptedSource{name: "primary", results: []result{ok("mesh")}, gate: make(chan struct{})}
	h := newHarness(t, 1024, primary)

	const n = 25
	futures := make([]*Future, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			futures[i] = h.fetcher.Request(context.Background(), chair)
		}(i)
	}
	wg.Wait()
	if got := h.fetcher.InFlight(); got != 1 {
		t.Fatalf("expected 1 in-flight acquisition, got %d", got)
	}

	close(primary.gate)
	for _, fut := range futures {
		mustPayload(t, fut, "mesh")
	}

	if got := primary.Calls(); got != 1 {
		t.Errorf("expected 1 source call, got %d", got)
	}
	deadline := time.Now().Add(time.Second)
	for h.fetcher.InFlight() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("in-flight entry not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRequest_CacheHitSkipsSources(t *testing.T) {
	primary := &scriptedSource{name: "primary", results: []result{ok("remote")}}
	h := newHarness(t, 1024, primary)

	if err := h.quota.Put(context.Background(), chair, []byte("cached"), 0); err != nil {
		t.Fatal(err)
	}

	fut := h.fetcher.Request(context.Background(), chair)
	select {
	case <-fut.Done():
	default:
		t.Fatal("cache hit should resolve immediately")
	}
	rec := mustPayload(t, fut, "cached")
	if !rec.Cached {
		t.Error("cache hit should report the record as cached")
	}
	if primary.Calls() != 0 {
		t.Errorf("cache hit should not reach sources, got %d calls", primary.Calls())
	}
}

func TestRequest_StoresAcquiredAsset(t *testing.T) {
	primary := &scriptedSource{name: "primary", results: []result{ok("mesh")}}
	h := newHarness(t, 1024, primary)

	rec := mustPayload(t, h.fetcher.Request(context.Background(), chair), "mesh")
	if !rec.Cached {
		t.Error("stored asset should report the record as cached")
	}

	mustPayload(t, h.fetcher.Request(context.Background(), chair), "mesh")
	if got := primary.Calls(); got != 1 {
		t.Errorf("second request should be served from cache, got %d source calls", got)
	}

	if st := h.quota.Stat(types.CollectionModels); st.UsedBytes != 4 {
		t.Errorf("expected 4 used bytes, got %d", st.UsedBytes)
	}
}

func TestRequest_RetriesThenSucceedsOnPrimary(t *testing.T) {
	primary := &scriptedSource{name: "primary", results: []result{
		fail(source.ErrNetwork), fail(source.ErrNetwork), ok("mesh"),
	}}
	secondary := &scriptedSource{name: "secondary", results: []result{ok("other")}}
	h := newHarness(t, 1024, primary, secondary)

	mustPayload(t, h.fetcher.Request(context.Background(), chair), "mesh")
	if primary.Calls() != 3 || secondary.Calls() != 0 {
		t.Errorf("expected 3/0 calls, got %d/%d", primary.Calls(), secondary.Calls())
	}
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}
	if got := h.sleeps.Delays(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected delays %v, got %v", want, got)
	}
}

func TestRequest_AccessDeniedMovesToSecondaryImmediately(t *testing.T) {
	primary := &scriptedSource{name: "primary", results: []result{fail(source.ErrAccessDenied)}}
	secondary := &scriptedSource{name: "secondary", results: []result{ok("mirror")}}
	h := newHarness(t, 1024, primary, secondary)

	mustPayload(t, h.fetcher.Request(context.Background(), chair), "mirror")
	if primary.Calls() != 1 || secondary.Calls() != 1 {
		t.Errorf("expected 1/1 calls, got %d/%d", primary.Calls(), secondary.Calls())
	}
	if d := h.sleeps.Delays(); len(d) != 0 {
		t.Errorf("access denied should not back off, got %v", d)
	}
}

func TestRequest_EmptyPayloadFallsThrough(t *testing.T) {
	primary := &scriptedSource{name: "primary", results: []result{{data: []byte{}}}}
	bundle := &scriptedSource{name: "bundle", results: []result{ok("placeholder")}}
	h := newHarness(t, 1024, primary, bundle)

	mustPayload(t, h.fetcher.Request(context.Background(), chair), "placeholder")
	if primary.Calls() != 1 {
		t.Errorf("empty payload should not be retried, got %d calls", primary.Calls())
	}
}

func TestRequest_ExhaustedReportsEverySource(t *testing.T) {
	primary := &scriptedSource{name: "primary", results: []result{fail(source.ErrNotFound)}}
	secondary := &scriptedSource{name: "secondary", results: []result{fail(source.ErrNetwork)}}
	h := newHarness(t, 1024, primary, secondary)

	rec, err := wait(t, h.fetcher.Request(context.Background(), chair))
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if rec != nil {
		t.Errorf("expected nil record, got %+v", rec)
	}
	if !errors.Is(err, ErrFetchExhausted) || !errors.Is(err, source.ErrNotFound) {
		t.Errorf("unexpected error chain: %v", err)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *ExhaustedError, got %T", err)
	}
	if len(exhausted.Sources) != 2 {
		t.Fatalf("expected 2 source reports, got %d", len(exhausted.Sources))
	}
	if s := exhausted.Sources[0]; s.Source != "primary" || s.Attempts != 1 {
		t.Errorf("unexpected primary report: %+v", s)
	}
	if s := exhausted.Sources[1]; s.Source != "secondary" || s.Attempts != 4 {
		t.Errorf("unexpected secondary report: %+v", s)
	}
	if msg := err.Error(); !strings.Contains(msg, "primary") || !strings.Contains(msg, "secondary") {
		t.Errorf("error should name every source: %s", msg)
	}

	if st := h.quota.Stat(types.CollectionModels); st.ItemCount != 0 {
		t.Errorf("nothing is stored on failure, got %d items", st.ItemCount)
	}
}

func TestRequest_AllSubscribersSeeSameFailure(t *testing.T) {
	gate := make(chan struct{})
	primary := &scriptedSource{name: "primary", results: []result{fail(source.ErrMalformedResponse)}, gate: gate}
	h := newHarness(t, 1024, primary)

	a := h.fetcher.Request(context.Background(), chair)
	b := h.fetcher.Request(context.Background(), chair)
	close(gate)

	_, errA := wait(t, a)
	_, errB := wait(t, b)
	if errA == nil {
		t.Fatal("expected failure")
	}
	if errA != errB {
		t.Errorf("subscribers should share one error, got %v and %v", errA, errB)
	}
}

func TestRequest_ItemTooLargeStillDelivers(t *testing.T) {
	primary := &scriptedSource{name: "primary", results: []result{ok("0123456789")}}
	h := newHarness(t, 4, primary)

	rec := mustPayload(t, h.fetcher.Request(context.Background(), chair), "0123456789")
	if rec.Cached {
		t.Error("oversized asset should be reported as not cached")
	}
	if _, stored := h.quota.Store().Entry(chair.Collection, chair.StorageKey()); stored {
		t.Error("oversized asset should not be stored")
	}
}

func TestRequest_AbandonedWaitDoesNotCancelOthers(t *testing.T) {
	primary := &scriptedSource{name: "primary", results: []result{ok("mesh")}, gate: make(chan struct{})}
	h := newHarness(t, 1024, primary)

	first := h.fetcher.Request(context.Background(), chair)
	second := h.fetcher.Request(context.Background(), chair)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := first.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(primary.gate)
	mustPayload(t, second, "mesh")
}

func TestRequest_InvalidRef(t *testing.T) {
	h := newHarness(t, 1024, &scriptedSource{name: "primary", results: []result{ok("x")}})

	for _, ref := range []types.AssetRef{
		{Collection: types.CollectionUsage, Key: "a", Tier: types.TierFar},
		{Collection: types.CollectionModels, Key: "", Tier: types.TierFar},
		{Collection: types.CollectionModels, Key: "a", Tier: types.TierID(9)},
	} {
		if _, err := wait(t, h.fetcher.Request(context.Background(), ref)); !errors.Is(err, ErrInvalidRef) {
			t.Errorf("%s: expected ErrInvalidRef, got %v", ref, err)
		}
	}
}

func TestClose_ResolvesPendingRequests(t *testing.T) {
	primary := &scriptedSource{name: "primary", results: []result{ok("never")}, gate: make(chan struct{})}
	h := newHarness(t, 1024, primary)

	fut := h.fetcher.Request(context.Background(), chair)
	if err := h.fetcher.Close(); err != nil {
		t.Fatal(err)
	}

	_, err := wait(t, fut)
	if !errors.Is(err, ErrFetchExhausted) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected exhausted and canceled, got %v", err)
	}

	if _, err := wait(t, h.fetcher.Request(context.Background(), chair)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Retries: 5, Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 3}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 300 * time.Millisecond},
		{3, 900 * time.Millisecond},
		{4, time.Second},
		{60, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Sources: []source.Source{&scriptedSource{name: "p"}}}); err == nil {
		t.Error("expected error without cache")
	}

	store, err := storage.Open(storage.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	qm := quota.NewManager(store, map[types.Collection]int64{types.CollectionModels: 1}, zap.NewNop())
	if _, err := New(Options{Cache: qm}); err == nil {
		t.Error("expected error without sources")
	}
}
