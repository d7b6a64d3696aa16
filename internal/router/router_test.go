package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeStore is the store type the tests open through the factory, tracking
// whether it's been disposed so tests can assert on replace semantics.
type fakeStore struct {
	name     string
	disposed bool
}

func fakeFactory(opens *int) Factory[*fakeStore] {
	return func(ctx context.Context, spec TenantSpec) (*fakeStore, error) {
		*opens++
		return &fakeStore{name: spec.Name}, nil
	}
}

func fakeDispose(disposes *int) Dispose[*fakeStore] {
	return func(s *fakeStore) error {
		*disposes++
		s.disposed = true
		return nil
	}
}

func TestConfiguredRouterResolvesByKey(t *testing.T) {
	var opens int
	specs := []TenantSpec{{Name: "a", ConnectionSpec: "dsn-a"}, {Name: "b", ConnectionSpec: "dsn-b"}}
	r, err := NewConfigured(context.Background(), specs, fakeFactory(&opens), nil)
	if err != nil {
		t.Fatalf("NewConfigured: %v", err)
	}
	if opens != 2 {
		t.Fatalf("expected 2 opens, got %d", opens)
	}
	s, err := r.GetByKey("a")
	if err != nil || s.name != "a" {
		t.Fatalf("GetByKey(a): %+v, %v", s, err)
	}
	if _, err := r.GetByKey("missing"); err == nil {
		t.Fatalf("expected error for unknown key")
	}
	if _, err := r.GetByKey(""); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestGetAllIsSortedByName(t *testing.T) {
	var opens int
	specs := []TenantSpec{{Name: "z"}, {Name: "a"}, {Name: "m"}}
	r, err := NewConfigured(context.Background(), specs, fakeFactory(&opens), nil)
	if err != nil {
		t.Fatalf("NewConfigured: %v", err)
	}
	all := r.GetAll()
	if len(all) != 3 || all[0].name != "a" || all[1].name != "m" || all[2].name != "z" {
		t.Fatalf("expected sorted [a m z], got %+v", all)
	}
}

// fakeDiscovery returns whatever specs is set to at call time, letting
// tests simulate membership changing across refreshes.
type fakeDiscovery struct {
	mu    sync.Mutex
	specs []TenantSpec
	err   error
}

func (d *fakeDiscovery) DiscoverDatabases(ctx context.Context) ([]TenantSpec, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	out := make([]TenantSpec, len(d.specs))
	copy(out, d.specs)
	return out, nil
}

func (d *fakeDiscovery) set(specs []TenantSpec) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.specs = specs
}

func TestDynamicRefreshReplacesChangedSpec(t *testing.T) {
	var opens, disposes int
	disc := &fakeDiscovery{specs: []TenantSpec{{Name: "t", ConnectionSpec: "dsn-1"}}}
	r := NewDynamic(disc, fakeFactory(&opens), fakeDispose(&disposes), time.Hour)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	first, err := r.GetByKey("t")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if opens != 1 {
		t.Fatalf("expected 1 open, got %d", opens)
	}

	// Same spec again: identity must NOT change, no new open/dispose.
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	again, err := r.GetByKey("t")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if again != first {
		t.Fatalf("expected identical store instance when spec is unchanged")
	}
	if opens != 1 || disposes != 0 {
		t.Fatalf("expected no new opens/disposes for an unchanged spec, got opens=%d disposes=%d", opens, disposes)
	}

	// Changed ConnectionSpec: must replace the instance and dispose the old one.
	disc.set([]TenantSpec{{Name: "t", ConnectionSpec: "dsn-2"}})
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("third refresh: %v", err)
	}
	replaced, err := r.GetByKey("t")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if replaced == first {
		t.Fatalf("expected a new store instance after ConnectionSpec changed")
	}
	if opens != 2 || disposes != 1 {
		t.Fatalf("expected 2 opens and 1 dispose after a spec change, got opens=%d disposes=%d", opens, disposes)
	}
	if !first.disposed {
		t.Fatalf("expected the replaced store to have been disposed")
	}
}

func TestDynamicRefreshDisposesRemovedTenant(t *testing.T) {
	var opens, disposes int
	disc := &fakeDiscovery{specs: []TenantSpec{{Name: "t1"}, {Name: "t2"}}}
	r := NewDynamic(disc, fakeFactory(&opens), fakeDispose(&disposes), time.Hour)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	disc.set([]TenantSpec{{Name: "t1"}})
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := r.GetByKey("t2"); err == nil {
		t.Fatalf("expected t2 to be gone after it dropped out of discovery")
	}
	if disposes != 1 {
		t.Fatalf("expected the dropped tenant's store to be disposed, got disposes=%d", disposes)
	}
}

func TestDynamicRefreshKeepsPreviousStateOnDiscoveryError(t *testing.T) {
	var opens int
	disc := &fakeDiscovery{specs: []TenantSpec{{Name: "t"}}}
	r := NewDynamic(disc, fakeFactory(&opens), nil, time.Hour)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	disc.err = errors.New("discovery backend unavailable")
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatalf("expected Refresh to surface the discovery error")
	}
	if _, err := r.GetByKey("t"); err != nil {
		t.Fatalf("expected the previous store set to survive a failed refresh, got %v", err)
	}
}

func TestConfiguredRouterIsNoopOnRefresh(t *testing.T) {
	var opens int
	r, err := NewConfigured(context.Background(), []TenantSpec{{Name: "a"}}, fakeFactory(&opens), nil)
	if err != nil {
		t.Fatalf("NewConfigured: %v", err)
	}
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("expected Refresh to no-op on a Configured router, got %v", err)
	}
}
