package listcache

import (
	"context"
	"errors"
	"testing"

	"github.com/unkn0wn-root/listcache/identity"
)

type fakeClearer struct {
	cleared int
	err     error
}

func (f *fakeClearer) Clear(context.Context) error {
	f.cleared++
	return f.err
}

func TestEndSessionResetsRegistryAndClearsCaches(t *testing.T) {
	reg := identity.NewRegistry()
	temp := reg.TempID("order")
	reg.RegisterRealID(temp, identity.Real("o-1"))

	a := &fakeClearer{}
	b := &fakeClearer{}
	if err := EndSession(context.Background(), reg, a, b); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if a.cleared != 1 || b.cleared != 1 {
		t.Fatalf("clears = %d/%d, want 1/1", a.cleared, b.cleared)
	}
	if got := reg.Resolve(temp); got != temp {
		t.Fatalf("Resolve(%s) = %s after reset, want passthrough", temp.Value, got.Value)
	}
}

func TestEndSessionJoinsClearErrors(t *testing.T) {
	boom := errors.New("clear failed")
	a := &fakeClearer{err: boom}
	b := &fakeClearer{}

	err := EndSession(context.Background(), nil, a, b, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the clear failure", err)
	}
	if b.cleared != 1 {
		t.Fatal("later caches skipped after a failure")
	}
}

func TestEndSessionClearsLiveCache(t *testing.T) {
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	ctx := context.Background()

	mustSet(t, cc, browsing(1), pageOf([]order{ord("o-1", "open")}, 1, 25))
	mustSet(t, cc, searching("acme", 1), pageOf([]order{ord("o-2", "open")}, 1, 25))

	if err := EndSession(ctx, cc.Registry(), cc); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if _, ok, _ := cc.Get(ctx, browsing(1)); ok {
		t.Fatal("browsing page survived the session boundary")
	}
	if _, ok, _ := cc.Get(ctx, searching("acme", 1)); ok {
		t.Fatal("search page survived the session boundary")
	}
}
