// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/listcache"
//	"github.com/unkn0wn-root/listcache/codec"
//	"github.com/unkn0wn-root/listcache/hooks/async"
//	"github.com/unkn0wn-root/listcache/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery:   10, // sample logs: ~every 10th self-heal
//	    StaleFetchEvery: 1,  // log every dropped stale fetch
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	cache, _ := listcache.New[Order](listcache.Options[Order]{
//	    Namespace: "order",
//	    Provider:  provider,
//	    Codec:     codec.JSON[Order]{},
//	    Hooks:     hooks, // or `raw` if you don’t want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/listcache"
)

type Hooks struct {
	inner listcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ listcache.Hooks = (*Hooks)(nil)

func New(inner listcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) SelfHealPage(k, r string)         { h.try(func() { h.inner.SelfHealPage(k, r) }) }
func (h *Hooks) StaleFetchDropped(k string)       { h.try(func() { h.inner.StaleFetchDropped(k) }) }
func (h *Hooks) ProviderSetRejected(k string)     { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) GenBumpError(k string, err error) { h.try(func() { h.inner.GenBumpError(k, err) }) }
func (h *Hooks) RemoteGenLocalIndex()             { h.try(func() { h.inner.RemoteGenLocalIndex() }) }
func (h *Hooks) GenSnapshotError(n int, err error) {
	h.try(func() { h.inner.GenSnapshotError(n, err) })
}
func (h *Hooks) InvalidateOutage(k string, be, de error) {
	h.try(func() { h.inner.InvalidateOutage(k, be, de) })
}
func (h *Hooks) IdentityRewrite(k string, items int) {
	h.try(func() { h.inner.IdentityRewrite(k, items) })
}
func (h *Hooks) RollbackApplied(op string, keys int) {
	h.try(func() { h.inner.RollbackApplied(op, keys) })
}
func (h *Hooks) PartialFailure(succeeded, failed int) {
	h.try(func() { h.inner.PartialFailure(succeeded, failed) })
}
