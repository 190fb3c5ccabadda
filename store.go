package listcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/unkn0wn-root/listcache/identity"
	"github.com/unkn0wn-root/listcache/internal/wire"
)

// Invalidate drops every indexed page matching pred. Each page gets its key
// generation bumped and its bytes deleted; losing one of the two layers still
// invalidates, so an error is reported only when both fail for a page.
func (c *cache[E]) Invalidate(ctx context.Context, pred KeyPredicate) error {
	if !c.enabled {
		return nil
	}
	if pred == nil {
		pred = Everything()
	}
	var errs []error
	for _, e := range c.indexed() {
		if !pred(e.key) {
			continue
		}
		_, bumpErr := c.bumpGen(ctx, e.storageKey)
		delErr := c.provider.Del(ctx, e.storageKey)
		if bumpErr != nil && delErr != nil {
			// both layers down: the entry may still serve, keep it indexed
			// so a retry can reach it
			c.hooks.InvalidateOutage(e.storageKey, bumpErr, delErr)
			errs = append(errs, &InvalidateError{Key: e.storageKey, BumpErr: bumpErr, DelErr: delErr})
			continue
		}
		c.indexDrop(e.storageKey)
	}
	return errors.Join(errs...)
}

// InvalidatePartition bumps the partition generation, which orphans every page
// under it at once, then best-effort deletes the indexed bytes. If the bump
// itself fails it falls back to per-key invalidation.
func (c *cache[E]) InvalidatePartition(ctx context.Context, p Partition) error {
	if !c.enabled {
		return nil
	}
	if _, err := c.bumpGen(ctx, c.partKeyStr(p)); err != nil {
		return c.Invalidate(ctx, ByPartition(p))
	}
	for _, e := range c.indexed() {
		if e.key.Partition != p {
			continue
		}
		if err := c.provider.Del(ctx, e.storageKey); err != nil {
			c.log.Debug("partition delete skipped", Fields{"key": e.storageKey, "err": err})
		}
		c.indexDrop(e.storageKey)
	}
	return nil
}

// PatchItem rewrites one entity in place on every Browsing page that carries
// it, matching either the given id or its registered counterpart. Search pages
// are never patched; the policy invalidates them instead. Returns the keys of
// the pages it changed.
func (c *cache[E]) PatchItem(ctx context.Context, pred KeyPredicate, id identity.ID, transform func(E) E) ([]PageKey, error) {
	if transform == nil {
		return nil, nil
	}
	want, alt := c.idForms(id)
	return c.mutatePages(ctx, pred, containsEither(want, alt),
		func(_ PageKey, frame *wire.Page) (bool, error) {
			changed := false
			for i := range frame.Items {
				it := &frame.Items[i]
				if !idMatches(*it, want, alt) {
					continue
				}
				v, err := c.codec.Decode(it.Payload)
				if err != nil {
					return false, err
				}
				next := transform(v)
				payload, err := c.codec.Encode(next)
				if err != nil {
					return false, err
				}
				nid := next.EntityID()
				it.ID = nid.Value
				it.Temp = nid.Temp
				it.Payload = payload
				changed = true
			}
			return changed, nil
		})
}

// RemoveItem deletes one entity from every Browsing page that carries it and
// decrements the cached totals. Pages are left short rather than backfilled;
// the next fetch restores full pages.
func (c *cache[E]) RemoveItem(ctx context.Context, pred KeyPredicate, id identity.ID) ([]PageKey, error) {
	want, alt := c.idForms(id)
	return c.mutatePages(ctx, pred, containsEither(want, alt),
		func(_ PageKey, frame *wire.Page) (bool, error) {
			kept := frame.Items[:0]
			removed := 0
			for _, it := range frame.Items {
				if idMatches(it, want, alt) {
					removed++
					continue
				}
				kept = append(kept, it)
			}
			if removed == 0 {
				return false, nil
			}
			frame.Items = kept
			if frame.Total >= uint64(removed) {
				frame.Total -= uint64(removed)
			} else {
				frame.Total = 0
			}
			return true, nil
		})
}

// PrependItem inserts an entity at the head of first Browsing pages whose
// filters accept it, bumping totals and trimming overflow past the page size.
// Without a Match function no page can be proven to want the item, so this is
// a no-op and the policy degrades to partition invalidation.
func (c *cache[E]) PrependItem(ctx context.Context, pred KeyPredicate, item E) ([]PageKey, error) {
	touched, _, err := c.prependItem(ctx, pred, item)
	return touched, err
}

// prependItem additionally reports which touched pages dropped their tail row
// to stay within PageSize. A clamped page cannot be restored by removing the
// inserted row again, so a rollback must invalidate it instead.
func (c *cache[E]) prependItem(ctx context.Context, pred KeyPredicate, item E) (touched, clamped []PageKey, err error) {
	if c.match == nil {
		return nil, nil, nil
	}
	id := item.EntityID()
	payload, err := c.codec.Encode(item)
	if err != nil {
		return nil, nil, err
	}
	want, alt := c.idForms(id)
	headPages := func(k PageKey) bool {
		if k.Page != 1 {
			return false
		}
		if pred != nil && !pred(k) {
			return false
		}
		return c.match(item, k.Filters)
	}
	dupGuard := func(raw []byte) bool { return !containsEither(want, alt)(raw) }
	var trimmed []PageKey
	touched, err = c.mutatePages(ctx, headPages, dupGuard,
		func(key PageKey, frame *wire.Page) (bool, error) {
			items := make([]wire.Item, 0, len(frame.Items)+1)
			items = append(items, wire.Item{ID: id.Value, Temp: id.Temp, Payload: payload})
			items = append(items, frame.Items...)
			if frame.PageSize > 0 && len(items) > int(frame.PageSize) {
				items = items[:frame.PageSize]
				trimmed = append(trimmed, key)
			}
			frame.Items = items
			frame.Total++
			return true, nil
		})
	// report only trims whose write-back landed; failed write-backs are
	// already dropped by the walk itself
	for _, k := range trimmed {
		if keyIn(touched, k) {
			clamped = append(clamped, k)
		}
	}
	return touched, clamped, err
}

// rewriteID replaces a provisional row with its confirmed form on every
// Browsing page that carries it.
func (c *cache[E]) rewriteID(ctx context.Context, temp identity.ID, confirmed E) ([]PageKey, error) {
	real := confirmed.EntityID()
	payload, err := c.codec.Encode(confirmed)
	if err != nil {
		return nil, err
	}
	touched, err := c.mutatePages(ctx, nil,
		func(raw []byte) bool { return wire.ContainsID(raw, temp.Value) },
		func(_ PageKey, frame *wire.Page) (bool, error) {
			changed := false
			for i := range frame.Items {
				it := &frame.Items[i]
				if it.ID != temp.Value || !it.Temp {
					continue
				}
				it.ID = real.Value
				it.Temp = real.Temp
				it.Payload = payload
				changed = true
			}
			return changed, nil
		})
	for _, k := range touched {
		c.hooks.IdentityRewrite(c.pageKeyStr(k), 1)
	}
	return touched, err
}

// preimage is one row's value before a patch, kept for rollback.
type preimage[E any] struct {
	key  PageKey
	item E
}

// patchWithPreimage applies transform like PatchItem but captures each row's
// prior value first, so a failed server write can restore what the user saw.
func (c *cache[E]) patchWithPreimage(ctx context.Context, pred KeyPredicate, id identity.ID, transform func(E) E) ([]preimage[E], []PageKey, error) {
	if transform == nil {
		return nil, nil, nil
	}
	var pres []preimage[E]
	want, alt := c.idForms(id)
	touched, err := c.mutatePages(ctx, pred, containsEither(want, alt),
		func(key PageKey, frame *wire.Page) (bool, error) {
			changed := false
			for i := range frame.Items {
				it := &frame.Items[i]
				if !idMatches(*it, want, alt) {
					continue
				}
				v, err := c.codec.Decode(it.Payload)
				if err != nil {
					return false, err
				}
				next := transform(v)
				payload, err := c.codec.Encode(next)
				if err != nil {
					return false, err
				}
				pres = append(pres, preimage[E]{key: key, item: v})
				nid := next.EntityID()
				it.ID = nid.Value
				it.Temp = nid.Temp
				it.Payload = payload
				changed = true
			}
			return changed, nil
		})
	return pres, touched, err
}

// restorePreimages writes captured rows back after a failed mutation.
func (c *cache[E]) restorePreimages(ctx context.Context, pres []preimage[E]) {
	restored := 0
	for _, p := range pres {
		prior := p.item
		_, err := c.PatchItem(ctx, ByKey(p.key), prior.EntityID(), func(E) E { return prior })
		if err != nil {
			c.log.Warn("rollback restore failed", Fields{"page": p.key.Page, "err": err})
			continue
		}
		restored++
	}
	if restored > 0 {
		c.hooks.RollbackApplied("update", restored)
	}
}

// mutatePages is the shared surgery walk: it visits indexed Browsing pages
// matching pred, skips entries failing the cheap raw-bytes check, validates
// generations, applies mutate, and writes changed frames back under their
// embedded generations. A page that cannot take the mutation is dropped
// rather than left stale. Returns changed keys in storage-key order.
func (c *cache[E]) mutatePages(ctx context.Context, pred KeyPredicate, quick func(raw []byte) bool, mutate func(key PageKey, frame *wire.Page) (bool, error)) ([]PageKey, error) {
	if !c.enabled {
		return nil, nil
	}
	if pred == nil {
		pred = Everything()
	}
	var (
		touched []PageKey
		errs    []error
	)
	for _, e := range c.indexed() {
		if e.key.Partition != PartitionBrowsing || !pred(e.key) {
			continue
		}
		raw, ok, err := c.provider.Get(ctx, e.storageKey)
		if err != nil || !ok {
			continue
		}
		if quick != nil && !quick(raw) {
			continue
		}
		frame, err := wire.DecodePage(raw)
		if err != nil {
			c.selfHeal(ctx, e.storageKey, "corrupt")
			continue
		}
		partGen, keyGen := c.snapshotGens(ctx, e.key.Partition, e.storageKey)
		if frame.PartGen != partGen || frame.KeyGen != keyGen {
			c.selfHeal(ctx, e.storageKey, "gen_mismatch")
			continue
		}
		changed, err := mutate(e.key, &frame)
		if err != nil {
			c.dropPage(ctx, e.storageKey)
			errs = append(errs, fmt.Errorf("listcache: mutate %s: %w", e.storageKey, err))
			continue
		}
		if !changed {
			continue
		}
		enc, err := wire.EncodePage(frame)
		if err != nil {
			c.dropPage(ctx, e.storageKey)
			errs = append(errs, fmt.Errorf("listcache: re-encode %s: %w", e.storageKey, err))
			continue
		}
		ok, err = c.provider.Set(ctx, e.storageKey, enc, c.computeSetCost(e.storageKey, enc, len(frame.Items)), c.ttl)
		if err != nil || !ok {
			// old bytes would serve the pre-mutation view; drop them
			c.dropPage(ctx, e.storageKey)
			if err != nil {
				errs = append(errs, fmt.Errorf("listcache: write back %s: %w", e.storageKey, err))
			} else {
				c.hooks.ProviderSetRejected(e.storageKey)
			}
			continue
		}
		c.indexPut(e.storageKey, e.key)
		touched = append(touched, e.key)
	}
	return touched, errors.Join(errs...)
}

// dropPage invalidates a single entry best-effort (gen bump plus delete).
func (c *cache[E]) dropPage(ctx context.Context, storageKey string) {
	_, _ = c.bumpGen(ctx, storageKey)
	_ = c.provider.Del(ctx, storageKey)
	c.indexDrop(storageKey)
}

// idForms returns the id as given plus its registered counterpart, so surgery
// finds a row whether a page still carries the provisional id or already the
// real one.
func (c *cache[E]) idForms(id identity.ID) (identity.ID, identity.ID) {
	if id.Temp {
		if real := c.registry.Resolve(id); !real.Temp {
			return id, real
		}
		return id, identity.ID{}
	}
	if temp, ok := c.registry.TempOf(id); ok {
		return id, temp
	}
	return id, identity.ID{}
}

func idMatches(it wire.Item, want, alt identity.ID) bool {
	if it.ID == want.Value && it.Temp == want.Temp {
		return true
	}
	return !alt.IsZero() && it.ID == alt.Value && it.Temp == alt.Temp
}

// containsEither is the cheap pre-check used before decoding a whole frame.
func containsEither(want, alt identity.ID) func(raw []byte) bool {
	return func(raw []byte) bool {
		if wire.ContainsID(raw, want.Value) {
			return true
		}
		return !alt.IsZero() && wire.ContainsID(raw, alt.Value)
	}
}
