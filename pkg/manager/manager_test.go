package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/basedin/pkg/region"
	"github.com/codeGROOVE-dev/basedin/pkg/resolver"
	"github.com/codeGROOVE-dev/basedin/pkg/store"
)

type stubResolver struct {
	mu              sync.Mutex
	result          region.Result
	seed            region.SeedText
	plainCalls      int
	integratedCalls int
}

func (s *stubResolver) Resolve(_ context.Context, _ string, _ resolver.Options) region.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plainCalls++
	return s.result
}

func (s *stubResolver) ResolveIntegrated(_ context.Context, _ string, _ resolver.Options, onSeed func(region.SeedText)) region.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integratedCalls++
	if onSeed != nil {
		onSeed(s.seed)
	}
	res := s.result
	res.SeedText = &s.seed
	return res
}

func (s *stubResolver) calls() (plain, integrated int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plainCalls, s.integratedCalls
}

type stubAnalyzer struct {
	mu   sync.Mutex
	tags string
	err  error
	got  region.SeedText
}

func (a *stubAnalyzer) Analyze(_ context.Context, seed region.SeedText) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = seed
	return a.tags, a.err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func TestQueryRegionCacheHit(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	res := &stubResolver{result: region.Result{Success: true, Region: "Germany", Source: region.SourceAutomation}}
	m := New(st, res)
	defer m.Close() //nolint:errcheck // test teardown

	if err := st.Put(ctx, store.NSRegion, "alice", "Ireland"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	got := m.QueryRegion(ctx, "@Alice", QueryOptions{})
	if !got.Success || got.Region != "Ireland" {
		t.Fatalf("QueryRegion = %+v, want cached Ireland", got)
	}
	if !got.FromCache || got.Source != region.SourceCache {
		t.Errorf("cache hit not marked: %+v", got)
	}
	if plain, _ := res.calls(); plain != 0 {
		t.Errorf("resolver invoked %d times on a cache hit", plain)
	}
}

func TestQueryRegionWriteThrough(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	res := &stubResolver{result: region.Result{Success: true, Region: "Brazil", Source: region.SourceAutomation}}
	m := New(st, res)
	defer m.Close() //nolint:errcheck // test teardown

	got := m.QueryRegion(ctx, "alice", QueryOptions{})
	if !got.Success || got.Region != "Brazil" {
		t.Fatalf("QueryRegion = %+v", got)
	}
	if cached, ok := st.Get(ctx, store.NSRegion, "alice"); !ok || cached != "Brazil" {
		t.Errorf("successful region not written through, got (%q, %v)", cached, ok)
	}
}

func TestQueryRegionFailureNotCached(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	res := &stubResolver{result: region.Failure(errors.New("tab crashed"))}
	m := New(st, res)
	defer m.Close() //nolint:errcheck // test teardown

	got := m.QueryRegion(ctx, "alice", QueryOptions{})
	if got.Success {
		t.Fatalf("QueryRegion = %+v, want failure", got)
	}
	if _, ok := st.Get(ctx, store.NSRegion, "alice"); ok {
		t.Error("failed resolution was cached")
	}
}

func TestQueryRegionForceRefresh(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	res := &stubResolver{result: region.Result{Success: true, Region: "Brazil", Source: region.SourceAutomation}}
	m := New(st, res)
	defer m.Close() //nolint:errcheck // test teardown

	if err := st.Put(ctx, store.NSRegion, "alice", "stale"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	got := m.QueryRegion(ctx, "alice", QueryOptions{ForceRefresh: true})
	if !got.Success || got.Region != "Brazil" || got.FromCache {
		t.Fatalf("QueryRegion = %+v, want fresh Brazil", got)
	}
	if cached, _ := st.Get(ctx, store.NSRegion, "alice"); cached != "Brazil" {
		t.Errorf("refresh did not replace cached value, got %q", cached)
	}
}

func TestQueryRegionInvalidUsername(t *testing.T) {
	st := newTestStore(t)
	m := New(st, &stubResolver{})
	defer m.Close() //nolint:errcheck // test teardown

	got := m.QueryRegion(context.Background(), "not a user!", QueryOptions{})
	if got.Success || got.Err == "" {
		t.Fatalf("QueryRegion = %+v, want validation failure", got)
	}
}

func TestIntegratedQueryAnalysis(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	res := &stubResolver{
		result: region.Result{Success: true, Region: "France", Source: region.SourceAutomation},
		seed:   region.SeedText{PostText: "posts", ReplyText: "replies"},
	}
	an := &stubAnalyzer{tags: "spam:links,bot"}
	m := New(st, res, WithAnalyzer(an))

	updates := make(chan ContentUpdate, 1)
	got := m.IntegratedQuery(ctx, "alice", IntegratedOptions{
		WantProfile:    true,
		OnContentReady: func(u ContentUpdate) { updates <- u },
	})
	if !got.Success || got.Region != "France" {
		t.Fatalf("IntegratedQuery = %+v", got)
	}

	select {
	case u := <-updates:
		if !u.NeedAnalysis || u.PostText != "posts" || u.ReplyText != "replies" {
			t.Errorf("content update = %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnContentReady never fired")
	}

	// Close waits for the detached analysis goroutine, then the store is
	// gone, so check the cached profile via a fresh read first.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if tags, ok := st.Get(ctx, store.NSProfile, "alice"); ok {
			if tags != "spam:links,bot" {
				t.Errorf("cached profile = %q", tags)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("analysis result never cached")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	if _, integrated := res.calls(); integrated != 1 {
		t.Errorf("integrated resolutions = %d, want 1", integrated)
	}
}

func TestIntegratedQueryProfileCacheHit(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	res := &stubResolver{result: region.Result{Success: true, Region: "France", Source: region.SourceAutomation}}
	m := New(st, res)
	defer m.Close() //nolint:errcheck // test teardown

	if err := st.Put(ctx, store.NSProfile, "alice", "bot:automated"); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	updates := make(chan ContentUpdate, 1)
	got := m.IntegratedQuery(ctx, "alice", IntegratedOptions{
		WantProfile:    true,
		OnContentReady: func(u ContentUpdate) { updates <- u },
	})
	if !got.Success {
		t.Fatalf("IntegratedQuery = %+v", got)
	}

	select {
	case u := <-updates:
		if !u.FromCache || u.Profile != "bot:automated" {
			t.Errorf("content update = %+v, want cached profile", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnContentReady never fired for cached profile")
	}

	// A cached profile skips content extraction entirely.
	plain, integrated := res.calls()
	if integrated != 0 || plain != 1 {
		t.Errorf("calls = (plain %d, integrated %d), want (1, 0)", plain, integrated)
	}
}

func TestRemoveUser(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := New(st, &stubResolver{})
	defer m.Close() //nolint:errcheck // test teardown

	if err := st.Put(ctx, store.NSRegion, "alice", "Ireland"); err != nil {
		t.Fatalf("seed region: %v", err)
	}
	if err := st.Put(ctx, store.NSProfile, "alice", "bot"); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	if !m.RemoveUser(ctx, "@Alice") {
		t.Fatal("RemoveUser reported nothing deleted")
	}
	if _, ok := st.Get(ctx, store.NSRegion, "alice"); ok {
		t.Error("region entry survived RemoveUser")
	}
	if _, ok := st.Get(ctx, store.NSProfile, "alice"); ok {
		t.Error("profile entry survived RemoveUser")
	}
	if m.RemoveUser(ctx, "alice") {
		t.Error("second RemoveUser reported a deletion")
	}
}

func TestSetConcurrencyPersists(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	m := New(st, &stubResolver{})
	defer m.Close() //nolint:errcheck // test teardown

	m.SetConcurrency(ctx, 7)
	if got := m.QueueStatus().Limit; got != 7 {
		t.Errorf("queue limit = %d, want 7", got)
	}
	if got := st.LoadSettings(ctx).ConcurrencyLimit; got != 7 {
		t.Errorf("persisted limit = %d, want 7", got)
	}

	// Out-of-range values clamp rather than error.
	m.SetConcurrency(ctx, 99)
	if got := st.LoadSettings(ctx).ConcurrencyLimit; got != 10 {
		t.Errorf("persisted limit = %d, want clamped 10", got)
	}
}
