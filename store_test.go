package listcache

import (
	"context"
	"errors"
	"testing"

	"github.com/unkn0wn-root/listcache/identity"
)

func mustSet(t *testing.T, cc Cache[order], key PageKey, data PageData[order]) {
	t.Helper()
	if err := cc.Set(context.Background(), key, data); err != nil {
		t.Fatalf("Set %v/%d: %v", key.Partition, key.Page, err)
	}
}

func mustGet(t *testing.T, cc Cache[order], key PageKey) PageData[order] {
	t.Helper()
	got, ok, err := cc.Get(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("Get %v/%d: ok=%v err=%v", key.Partition, key.Page, ok, err)
	}
	return got
}

func TestInvalidatePartitionIsolation(t *testing.T) {
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	ctx := context.Background()

	bk := browsing(1)
	sk := searching("acme", 1)
	seed := pageOf([]order{ord("o-1", "open")}, 1, 25)
	mustSet(t, cc, bk, seed)
	mustSet(t, cc, sk, seed)

	if err := cc.InvalidatePartition(ctx, PartitionSearch); err != nil {
		t.Fatalf("InvalidatePartition: %v", err)
	}
	if _, ok, _ := cc.Get(ctx, sk); ok {
		t.Fatal("search page survived its partition invalidation")
	}
	if got := mustGet(t, cc, bk); len(got.Items) != 1 {
		t.Fatalf("browsing page damaged: %+v", got)
	}
}

func TestInvalidateByFingerprintLeavesOtherViews(t *testing.T) {
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	ctx := context.Background()

	open1 := NewPageKey(FilterSet{Status: "open"}, 1)
	open2 := NewPageKey(FilterSet{Status: "open"}, 2)
	paid1 := NewPageKey(FilterSet{Status: "paid"}, 1)
	seed := pageOf([]order{ord("o-1", "open")}, 3, 25)
	mustSet(t, cc, open1, seed)
	mustSet(t, cc, open2, seed)
	mustSet(t, cc, paid1, pageOf([]order{ord("o-2", "paid")}, 1, 25))

	if err := cc.Invalidate(ctx, ByFingerprint(open1.Fingerprint())); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok, _ := cc.Get(ctx, open1); ok {
		t.Fatal("open page 1 survived")
	}
	if _, ok, _ := cc.Get(ctx, open2); ok {
		t.Fatal("open page 2 survived")
	}
	if got := mustGet(t, cc, paid1); got.Items[0].ID != identity.Real("o-2") {
		t.Fatalf("paid view damaged: %+v", got.Items)
	}
}

func TestPatchItemRewritesEveryCarryingPage(t *testing.T) {
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	ctx := context.Background()

	all1 := browsing(1)
	open1 := NewPageKey(FilterSet{Status: "open"}, 1)
	sk := searching("o-7", 1)
	row := ord("o-7", "open")
	mustSet(t, cc, all1, pageOf([]order{row, ord("o-8", "paid")}, 2, 25))
	mustSet(t, cc, open1, pageOf([]order{row}, 1, 25))
	mustSet(t, cc, sk, pageOf([]order{row}, 1, 25))

	keys, err := cc.PatchItem(ctx, nil, identity.Real("o-7"), func(o order) order {
		o.Status = "paid"
		return o
	})
	if err != nil {
		t.Fatalf("PatchItem: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("touched %d pages, want 2: %+v", len(keys), keys)
	}
	for _, k := range keys {
		if k.Partition != PartitionBrowsing {
			t.Fatalf("patched a %s page", k.Partition)
		}
	}

	if got := mustGet(t, cc, all1); got.Items[0].Status != "paid" || got.Items[1].Status != "paid" {
		t.Fatalf("all view not patched: %+v", got.Items)
	}
	if got := mustGet(t, cc, open1); got.Items[0].Status != "paid" {
		t.Fatalf("open view not patched: %+v", got.Items)
	}
	// search rows are never rewritten in place
	if got := mustGet(t, cc, sk); got.Items[0].Status != "open" {
		t.Fatalf("search page was patched: %+v", got.Items)
	}
}

func TestPatchItemSkipsSearchEvenWithExplicitPredicate(t *testing.T) {
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	ctx := context.Background()

	sk := searching("acme", 1)
	mustSet(t, cc, sk, pageOf([]order{ord("o-1", "open")}, 1, 25))

	keys, err := cc.PatchItem(ctx, ByPartition(PartitionSearch), identity.Real("o-1"), func(o order) order {
		o.Status = "paid"
		return o
	})
	if err != nil {
		t.Fatalf("PatchItem: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("touched %d search pages, want 0", len(keys))
	}
	if got := mustGet(t, cc, sk); got.Items[0].Status != "open" {
		t.Fatal("search row rewritten")
	}
}

func TestPatchItemMatchesRegisteredCounterpart(t *testing.T) {
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	ctx := context.Background()
	reg := cc.Registry()

	temp := reg.TempID("order")
	key := browsing(1)
	mustSet(t, cc, key, pageOf([]order{{ID: temp, Status: "open"}}, 1, 25))
	reg.RegisterRealID(temp, identity.Real("o-9"))

	// the page still stores the provisional id; patch by the real one
	keys, err := cc.PatchItem(ctx, nil, identity.Real("o-9"), func(o order) order {
		o.Status = "paid"
		return o
	})
	if err != nil {
		t.Fatalf("PatchItem: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("touched %d pages, want 1", len(keys))
	}
	if got := mustGet(t, cc, key); got.Items[0].Status != "paid" {
		t.Fatalf("row not patched via counterpart: %+v", got.Items)
	}
}

func TestRemoveItemDecrementsTotals(t *testing.T) {
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	ctx := context.Background()

	key := browsing(1)
	mustSet(t, cc, key, pageOf([]order{ord("o-1", "open"), ord("o-2", "open")}, 12, 25))

	keys, err := cc.RemoveItem(ctx, nil, identity.Real("o-1"))
	if err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("touched %d pages, want 1", len(keys))
	}
	got := mustGet(t, cc, key)
	if len(got.Items) != 1 || got.Items[0].ID != identity.Real("o-2") {
		t.Fatalf("wrong rows left: %+v", got.Items)
	}
	if got.TotalCount != 11 {
		t.Fatalf("total = %d, want 11", got.TotalCount)
	}

	// unknown id touches nothing
	keys, err = cc.RemoveItem(ctx, nil, identity.Real("o-404"))
	if err != nil || len(keys) != 0 {
		t.Fatalf("RemoveItem unknown: keys=%d err=%v", len(keys), err)
	}
}

func TestPrependInsertsAtMatchingHeads(t *testing.T) {
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	ctx := context.Background()

	all1 := browsing(1)
	open1 := NewPageKey(FilterSet{Status: "open"}, 1)
	paid1 := NewPageKey(FilterSet{Status: "paid"}, 1)
	mustSet(t, cc, all1, pageOf([]order{ord("o-1", "paid")}, 1, 25))
	mustSet(t, cc, open1, pageOf([]order{ord("o-2", "open")}, 1, 25))
	mustSet(t, cc, paid1, pageOf([]order{ord("o-1", "paid")}, 1, 25))

	item := ord("o-new", "open")
	keys, err := cc.PrependItem(ctx, nil, item)
	if err != nil {
		t.Fatalf("PrependItem: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("touched %d pages, want 2 (all + open)", len(keys))
	}

	if got := mustGet(t, cc, all1); got.Items[0].ID != identity.Real("o-new") || got.TotalCount != 2 {
		t.Fatalf("all view head: %+v total=%d", got.Items, got.TotalCount)
	}
	if got := mustGet(t, cc, open1); got.Items[0].ID != identity.Real("o-new") {
		t.Fatalf("open view head: %+v", got.Items)
	}
	if got := mustGet(t, cc, paid1); len(got.Items) != 1 || got.Items[0].ID != identity.Real("o-1") {
		t.Fatalf("paid view should be untouched: %+v", got.Items)
	}
}

func TestPrependClampsFullPage(t *testing.T) {
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	ctx := context.Background()

	key := browsing(1)
	mustSet(t, cc, key, pageOf([]order{ord("o-1", "open"), ord("o-2", "open")}, 2, 2))

	if _, err := cc.PrependItem(ctx, nil, ord("o-new", "open")); err != nil {
		t.Fatalf("PrependItem: %v", err)
	}
	got := mustGet(t, cc, key)
	if len(got.Items) != 2 {
		t.Fatalf("page overflowed: %d items", len(got.Items))
	}
	if got.Items[0].ID != identity.Real("o-new") || got.Items[1].ID != identity.Real("o-1") {
		t.Fatalf("wrong rows after clamp: %+v", got.Items)
	}
	if got.TotalCount != 3 {
		t.Fatalf("total = %d, want 3 (clamp drops a row, not the count)", got.TotalCount)
	}
}

func TestPrependSkipsNonFirstPages(t *testing.T) {
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	ctx := context.Background()

	key := browsing(2)
	mustSet(t, cc, key, pageOf([]order{ord("o-1", "open")}, 26, 25))

	keys, err := cc.PrependItem(ctx, nil, ord("o-new", "open"))
	if err != nil || len(keys) != 0 {
		t.Fatalf("PrependItem: keys=%d err=%v", len(keys), err)
	}
	if got := mustGet(t, cc, key); len(got.Items) != 1 {
		t.Fatalf("page 2 modified: %+v", got.Items)
	}
}

func TestPrependIsIdempotentPerID(t *testing.T) {
	mp := newMemProvider()
	cc := newTestCache(t, mp, nil)
	ctx := context.Background()

	key := browsing(1)
	mustSet(t, cc, key, pageOf([]order{ord("o-1", "open")}, 1, 25))

	if _, err := cc.PrependItem(ctx, nil, ord("o-new", "open")); err != nil {
		t.Fatalf("first PrependItem: %v", err)
	}
	keys, err := cc.PrependItem(ctx, nil, ord("o-new", "open"))
	if err != nil || len(keys) != 0 {
		t.Fatalf("second PrependItem: keys=%d err=%v", len(keys), err)
	}
	if got := mustGet(t, cc, key); len(got.Items) != 2 {
		t.Fatalf("duplicate row landed: %+v", got.Items)
	}
}

func TestPrependWithoutMatchFuncIsNoop(t *testing.T) {
	mp := newMemProvider()
	cc := newTestCache(t, mp, func(o *Options[order]) { o.Match = nil })
	ctx := context.Background()

	key := browsing(1)
	mustSet(t, cc, key, pageOf([]order{ord("o-1", "open")}, 1, 25))

	keys, err := cc.PrependItem(ctx, nil, ord("o-new", "open"))
	if err != nil || keys != nil {
		t.Fatalf("PrependItem: keys=%v err=%v", keys, err)
	}
	if got := mustGet(t, cc, key); len(got.Items) != 1 {
		t.Fatalf("page modified without a membership test: %+v", got.Items)
	}
}

func TestInvalidateReportsOutageWhenBothLayersFail(t *testing.T) {
	mp := newMemProvider()
	rec := newRecHooks()
	cc := newTestCache(t, mp, func(o *Options[order]) {
		o.GenStore = failingGenStore{err: errors.New("gen store down")}
		o.Hooks = rec
	})
	ctx := context.Background()

	key := browsing(1)
	mustSet(t, cc, key, pageOf([]order{ord("o-1", "open")}, 1, 25))
	mp.delErr = errors.New("delete down")

	err := cc.Invalidate(ctx, ByKey(key))
	var ie *InvalidateError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want *InvalidateError", err)
	}
	if ie.BumpErr == nil || ie.DelErr == nil {
		t.Fatalf("outcome incomplete: %+v", ie)
	}
	if rec.outageCount() != 1 {
		t.Fatalf("outages = %d, want 1", rec.outageCount())
	}
	// neither layer fired, so the entry is still readable; the error is the
	// caller's signal that consistency is not guaranteed
	if _, ok, _ := cc.Get(ctx, key); !ok {
		t.Fatal("entry vanished although both invalidation layers failed")
	}
}
