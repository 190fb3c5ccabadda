package listcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/listcache/codec"
	"github.com/unkn0wn-root/listcache/identity"
)

func TestCreateBindsServerIdentity(t *testing.T) {
	mp := newMemProvider()
	var sawCreate identity.ID
	w := &fakeWriter{createFn: func(_ context.Context, item order) (order, error) {
		sawCreate = item.EntityID()
		return item.WithEntityID(identity.Real("o-100")), nil
	}}
	cc := newTestCache(t, mp, func(o *Options[order]) { o.Writer = w })
	ctx := context.Background()

	key := browsing(1)
	mustSet(t, cc, key, pageOf([]order{ord("o-1", "open")}, 1, 25))
	sk := searching("acme", 1)
	mustSet(t, cc, sk, pageOf([]order{ord("o-1", "open")}, 1, 25))

	out, err := cc.Create(ctx, order{Status: "open", Ref: "r-1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !sawCreate.Temp {
		t.Fatalf("writer saw id %+v, want provisional", sawCreate)
	}
	if out.ID != identity.Real("o-100") {
		t.Fatalf("confirmed id = %+v", out.ID)
	}
	if got := cc.Registry().Resolve(sawCreate); got != identity.Real("o-100") {
		t.Fatalf("registry did not bind: %+v", got)
	}

	got := mustGet(t, cc, key)
	if len(got.Items) != 2 || got.Items[0].ID != identity.Real("o-100") {
		t.Fatalf("browsing head after create: %+v", got.Items)
	}
	if got.TotalCount != 2 {
		t.Fatalf("total = %d, want 2", got.TotalCount)
	}
	if _, ok, _ := cc.Get(ctx, sk); ok {
		t.Fatal("search partition survived the create")
	}
}

func TestCreateRollsBackOnServerRefusal(t *testing.T) {
	mp := newMemProvider()
	rec := newRecHooks()
	boom := errors.New("server says no")
	w := &fakeWriter{createFn: func(context.Context, order) (order, error) {
		return order{}, boom
	}}
	cc := newTestCache(t, mp, func(o *Options[order]) {
		o.Writer = w
		o.Hooks = rec
	})
	ctx := context.Background()

	key := browsing(1)
	mustSet(t, cc, key, pageOf([]order{ord("o-1", "open")}, 1, 25))
	sk := searching("acme", 1)
	mustSet(t, cc, sk, pageOf([]order{ord("o-1", "open")}, 1, 25))

	if _, err := cc.Create(ctx, order{Status: "open"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the writer's error", err)
	}

	got := mustGet(t, cc, key)
	if len(got.Items) != 1 || got.Items[0].ID != identity.Real("o-1") {
		t.Fatalf("provisional row not rolled back: %+v", got.Items)
	}
	if got.TotalCount != 1 {
		t.Fatalf("total = %d, want 1 after rollback", got.TotalCount)
	}
	if rec.rollbackPages("create") != 1 {
		t.Fatalf("rollback pages = %d, want 1", rec.rollbackPages("create"))
	}
	// nothing changed canonically, so the search partition keeps serving
	if _, ok, _ := cc.Get(ctx, sk); !ok {
		t.Fatal("search partition invalidated by a failed create")
	}
}

func TestCreateRollbackInvalidatesClampedPage(t *testing.T) {
	mp := newMemProvider()
	rec := newRecHooks()
	boom := errors.New("server says no")
	full := []order{ord("o-3", "open"), ord("o-2", "open"), ord("o-1", "open")}
	fetches := 0
	f := fetchFunc(func(_ context.Context, _, size int, _ FilterSet) (PageData[order], error) {
		fetches++
		return pageOf(full, 3, size), nil
	})
	w := &fakeWriter{createFn: func(context.Context, order) (order, error) {
		return order{}, boom
	}}
	cc := newTestCache(t, mp, func(o *Options[order]) {
		o.Writer = w
		o.Fetcher = f
		o.Hooks = rec
	})
	ctx := context.Background()

	// a full first page: the optimistic prepend displaces o-1
	key := browsing(1)
	mustSet(t, cc, key, pageOf(full, 3, 3))

	if _, err := cc.Create(ctx, order{Status: "open", Ref: "r-9"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the writer's error", err)
	}

	// removing the provisional row cannot bring o-1 back, so the page must
	// miss and refetch instead of serving a short view as a hit
	if _, ok, _ := cc.Get(ctx, key); ok {
		t.Fatal("clamped page served as a hit after the rollback")
	}
	got, err := cc.Load(ctx, PageQuery{Page: 1, PageSize: 3})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fetches != 1 {
		t.Fatalf("fetches = %d, want 1", fetches)
	}
	if len(got.Items) != 3 || got.Items[2].ID != identity.Real("o-1") {
		t.Fatalf("displaced row not restored: %+v", got.Items)
	}
	if rec.rollbackPages("create") != 1 {
		t.Fatalf("rollback pages = %d, want 1", rec.rollbackPages("create"))
	}
}

func TestCreateWithoutMembershipTestInvalidatesBrowsing(t *testing.T) {
	mp := newMemProvider()
	cc := newTestCache(t, mp, func(o *Options[order]) {
		o.Writer = &fakeWriter{}
		o.Match = nil
	})
	ctx := context.Background()

	key := browsing(1)
	mustSet(t, cc, key, pageOf([]order{ord("o-1", "open")}, 1, 25))
	sk := searching("acme", 1)
	mustSet(t, cc, sk, pageOf([]order{ord("o-1", "open")}, 1, 25))

	if _, err := cc.Create(ctx, order{Status: "open", Ref: "r-2"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok, _ := cc.Get(ctx, key); ok {
		t.Fatal("browsing survived although no prepend was possible")
	}
	if _, ok, _ := cc.Get(ctx, sk); ok {
		t.Fatal("search partition survived the create")
	}
}

func TestUpdateAppliesServerTruth(t *testing.T) {
	mp := newMemProvider()
	w := &fakeWriter{updateFn: func(_ context.Context, id identity.ID, _ map[string]any) (order, error) {
		return order{ID: id, Status: "paid", Ref: "srv-adjusted"}, nil
	}}
	cc := newTestCache(t, mp, func(o *Options[order]) { o.Writer = w })
	ctx := context.Background()

	key := browsing(1)
	mustSet(t, cc, key, pageOf([]order{ord("o-1", "open")}, 1, 25))
	sk := searching("acme", 1)
	mustSet(t, cc, sk, pageOf([]order{ord("o-1", "open")}, 1, 25))

	out, err := cc.Update(ctx, UpdateOp[order]{
		ID:        identity.Real("o-1"),
		Patch:     map[string]any{"status": "paid"},
		Transform: func(o order) order { o.Status = "paid"; return o },
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if out.Ref != "srv-adjusted" {
		t.Fatalf("result = %+v, want the server's version", out)
	}

	got := mustGet(t, cc, key)
	if got.Items[0] != out {
		t.Fatalf("cached row %+v, want reconciled server truth %+v", got.Items[0], out)
	}
	if _, ok, _ := cc.Get(ctx, sk); ok {
		t.Fatal("search partition survived the update")
	}
}

func TestUpdateRollsBackOptimisticPatch(t *testing.T) {
	mp := newMemProvider()
	rec := newRecHooks()
	boom := errors.New("validation failed")
	w := &fakeWriter{updateFn: func(context.Context, identity.ID, map[string]any) (order, error) {
		return order{}, boom
	}}
	cc := newTestCache(t, mp, func(o *Options[order]) {
		o.Writer = w
		o.Hooks = rec
	})
	ctx := context.Background()

	key := browsing(1)
	mustSet(t, cc, key, pageOf([]order{ord("o-1", "open"), ord("o-2", "paid")}, 2, 25))
	sk := searching("acme", 1)
	mustSet(t, cc, sk, pageOf([]order{ord("o-1", "open")}, 1, 25))

	_, err := cc.Update(ctx, UpdateOp[order]{
		ID:        identity.Real("o-1"),
		Patch:     map[string]any{"status": "paid"},
		Transform: func(o order) order { o.Status = "paid"; return o },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the writer's error", err)
	}

	got := mustGet(t, cc, key)
	if got.Items[0].Status != "open" {
		t.Fatalf("pre-image not restored: %+v", got.Items[0])
	}
	if got.Items[1].Status != "paid" {
		t.Fatalf("unrelated row damaged: %+v", got.Items[1])
	}
	if rec.rollbackPages("update") != 1 {
		t.Fatalf("rollback pages = %d, want 1", rec.rollbackPages("update"))
	}
	if _, ok, _ := cc.Get(ctx, sk); !ok {
		t.Fatal("search partition invalidated by a failed update")
	}
}

func TestUpdateWithoutTransformStillReconciles(t *testing.T) {
	mp := newMemProvider()
	cc := newTestCache(t, mp, func(o *Options[order]) { o.Writer = &fakeWriter{} })
	ctx := context.Background()

	key := browsing(1)
	mustSet(t, cc, key, pageOf([]order{ord("o-1", "open")}, 1, 25))

	out, err := cc.Update(ctx, UpdateOp[order]{
		ID:    identity.Real("o-1"),
		Patch: map[string]any{"status": "paid"},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := mustGet(t, cc, key); got.Items[0] != out {
		t.Fatalf("row %+v not reconciled to %+v", got.Items[0], out)
	}
}

func TestUpdateWaitsForInflightCreate(t *testing.T) {
	mp := newMemProvider()
	entered := make(chan struct{})
	release := make(chan struct{})
	var updSaw identity.ID
	w := &fakeWriter{
		createFn: func(_ context.Context, item order) (order, error) {
			close(entered)
			<-release
			return item.WithEntityID(identity.Real("o-9")), nil
		},
		updateFn: func(_ context.Context, id identity.ID, _ map[string]any) (order, error) {
			updSaw = id
			return order{ID: id, Status: "paid"}, nil
		},
	}
	cc := newTestCache(t, mp, func(o *Options[order]) {
		o.Writer = w
		o.ResolveTimeout = 2 * time.Second
	})
	ctx := context.Background()

	mustSet(t, cc, browsing(1), pageOf([]order{ord("o-1", "open")}, 1, 25))

	createDone := make(chan error, 1)
	go func() {
		_, err := cc.Create(ctx, order{Status: "open", Ref: "r-1"})
		createDone <- err
	}()
	<-entered

	// the optimistic row is already visible under its provisional id
	head := mustGet(t, cc, browsing(1)).Items[0]
	if !head.ID.Temp {
		t.Fatalf("head id %+v, want provisional", head.ID)
	}

	updateDone := make(chan error, 1)
	go func() {
		_, err := cc.Update(ctx, UpdateOp[order]{
			ID:        head.ID,
			Patch:     map[string]any{"status": "paid"},
			Transform: func(o order) order { o.Status = "paid"; return o },
		})
		updateDone <- err
	}()

	close(release)
	if err := <-updateDone; err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := <-createDone; err != nil {
		t.Fatalf("Create: %v", err)
	}
	if updSaw != identity.Real("o-9") {
		t.Fatalf("writer saw %+v, want the confirmed server id", updSaw)
	}
}

func TestUpdateUnresolvedProvisionalFails(t *testing.T) {
	mp := newMemProvider()
	w := &fakeWriter{updateFn: func(_ context.Context, id identity.ID, _ map[string]any) (order, error) {
		t.Errorf("writer called with unresolved id %+v", id)
		return order{}, nil
	}}
	cc := newTestCache(t, mp, func(o *Options[order]) {
		o.Writer = w
		o.ResolveTimeout = 5 * time.Millisecond
	})

	temp := cc.Registry().TempID("order")
	_, err := cc.Update(context.Background(), UpdateOp[order]{
		ID:    temp,
		Patch: map[string]any{"status": "paid"},
	})
	if !errors.Is(err, ErrUnresolvedID) {
		t.Fatalf("err = %v, want ErrUnresolvedID", err)
	}
}

func TestDeleteIsNotOptimistic(t *testing.T) {
	mp := newMemProvider()
	boom := errors.New("delete refused")
	w := &fakeWriter{deleteFn: func(context.Context, identity.ID) error { return boom }}
	cc := newTestCache(t, mp, func(o *Options[order]) { o.Writer = w })
	ctx := context.Background()

	key := browsing(1)
	mustSet(t, cc, key, pageOf([]order{ord("o-1", "open"), ord("o-2", "open")}, 12, 25))
	sk := searching("acme", 1)
	mustSet(t, cc, sk, pageOf([]order{ord("o-1", "open")}, 1, 25))

	if err := cc.Delete(ctx, identity.Real("o-1")); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the writer's error", err)
	}
	if got := mustGet(t, cc, key); len(got.Items) != 2 {
		t.Fatalf("row removed before the server confirmed: %+v", got.Items)
	}

	w.deleteFn = nil
	if err := cc.Delete(ctx, identity.Real("o-1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got := mustGet(t, cc, key)
	if len(got.Items) != 1 || got.Items[0].ID != identity.Real("o-2") {
		t.Fatalf("row not removed after confirm: %+v", got.Items)
	}
	if got.TotalCount != 11 {
		t.Fatalf("total = %d, want 11", got.TotalCount)
	}
	if _, ok, _ := cc.Get(ctx, sk); ok {
		t.Fatal("search partition survived the delete")
	}
}

func TestDeleteResolvesProvisionalID(t *testing.T) {
	mp := newMemProvider()
	var sawDelete identity.ID
	w := &fakeWriter{deleteFn: func(_ context.Context, id identity.ID) error {
		sawDelete = id
		return nil
	}}
	cc := newTestCache(t, mp, func(o *Options[order]) { o.Writer = w })
	reg := cc.Registry()

	temp := reg.TempID("order")
	reg.RegisterRealID(temp, identity.Real("o-5"))

	if err := cc.Delete(context.Background(), temp); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if sawDelete != identity.Real("o-5") {
		t.Fatalf("writer saw %+v, want the resolved id", sawDelete)
	}
}

func TestMutationsWithoutWriter(t *testing.T) {
	cc := newTestCache(t, newMemProvider(), nil)
	ctx := context.Background()

	if _, err := cc.Create(ctx, order{}); !errors.Is(err, ErrNoWriter) {
		t.Fatalf("Create err = %v, want ErrNoWriter", err)
	}
	if _, err := cc.Update(ctx, UpdateOp[order]{ID: identity.Real("o-1")}); !errors.Is(err, ErrNoWriter) {
		t.Fatalf("Update err = %v, want ErrNoWriter", err)
	}
	if err := cc.Delete(ctx, identity.Real("o-1")); !errors.Is(err, ErrNoWriter) {
		t.Fatalf("Delete err = %v, want ErrNoWriter", err)
	}
}

func TestCrossNamespaceIsolation(t *testing.T) {
	mp := newMemProvider() // one provider backing both entity kinds
	orders := newTestCache(t, mp, func(o *Options[order]) { o.Writer = &fakeWriter{} })

	bills, err := New[order](Options[order]{
		Namespace: "bill",
		Provider:  mp,
		Codec:     codec.JSON[order]{},
		Match:     func(o order, f FilterSet) bool { return true },
	})
	if err != nil {
		t.Fatalf("New bills: %v", err)
	}
	t.Cleanup(func() { _ = bills.Close(context.Background()) })
	ctx := context.Background()

	bk := browsing(1)
	mustSet(t, bills, bk, pageOf([]order{ord("b-1", "open")}, 1, 25))
	mustSet(t, orders, bk, pageOf([]order{ord("o-1", "open")}, 1, 25))

	if _, err := orders.Create(ctx, order{Status: "open", Ref: "r-1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// the order mutation must not leak into the bill namespace
	got := mustGet(t, bills, bk)
	if len(got.Items) != 1 || got.Items[0].ID != identity.Real("b-1") {
		t.Fatalf("bill page affected by an order mutation: %+v", got.Items)
	}
	if gotOrders := mustGet(t, orders, bk); len(gotOrders.Items) != 2 {
		t.Fatalf("order page missing the new row: %+v", gotOrders.Items)
	}
}

func TestSettleWaitsForEverySubWrite(t *testing.T) {
	boom := errors.New("bill create failed")
	var ranOrder, ranBill, ranAudit bool
	err := Settle(context.Background(), nil,
		SubWrite{Name: "update-order", Do: func(context.Context) error { ranOrder = true; return nil }},
		SubWrite{Name: "create-bill", Do: func(context.Context) error { ranBill = true; return boom }},
		SubWrite{Name: "touch-audit", Do: func(context.Context) error { ranAudit = true; return nil }},
	)
	if !ranOrder || !ranBill || !ranAudit {
		t.Fatalf("not every sub-write ran: %v %v %v", ranOrder, ranBill, ranAudit)
	}

	var pme *PartialMutationError
	if !errors.As(err, &pme) {
		t.Fatalf("err = %v, want *PartialMutationError", err)
	}
	if !errors.Is(err, boom) {
		t.Fatal("failed cause not reachable through the error")
	}
	failed := pme.Failed()
	if len(failed) != 1 || failed[0].Name != "create-bill" {
		t.Fatalf("failed outcomes = %+v", failed)
	}
	if got := len(pme.Succeeded()); got != 2 {
		t.Fatalf("succeeded outcomes = %d, want 2", got)
	}
}

func TestSettleAllSuccess(t *testing.T) {
	err := Settle(context.Background(), nil,
		SubWrite{Name: "a", Do: func(context.Context) error { return nil }},
		SubWrite{Name: "b", Do: func(context.Context) error { return nil }},
	)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if err := Settle(context.Background(), nil); err != nil {
		t.Fatalf("empty Settle: %v", err)
	}
}

func TestSettleFiresPartialFailureHook(t *testing.T) {
	rec := newRecHooks()
	_ = Settle(context.Background(), rec,
		SubWrite{Name: "a", Do: func(context.Context) error { return nil }},
		SubWrite{Name: "b", Do: func(context.Context) error { return errors.New("nope") }},
	)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.partials) != 1 || rec.partials[0] != [2]int{1, 1} {
		t.Fatalf("partial-failure hook calls = %+v", rec.partials)
	}
}
