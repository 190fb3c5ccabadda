package listcache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/unkn0wn-root/listcache/identity"
)

// UpdateOp describes one entity update.
type UpdateOp[E any] struct {
	ID     identity.ID
	Patch  map[string]any // field changes sent to the Writer
	Fields []string       // names for policy planning; defaults to Patch keys

	// Transform applies the patch to a cached row for the optimistic phase.
	// nil skips the optimistic patch; the confirmed entity still lands.
	Transform func(E) E
}

// Create runs the full create pipeline: mint a provisional id, optimistically
// insert per the policy, issue the canonical write, bind the confirmed id,
// rewrite cached rows, and settle the cache before returning.
func (c *cache[E]) Create(ctx context.Context, item E) (E, error) {
	var zero E
	if c.writer == nil {
		return zero, ErrNoWriter
	}

	temp := c.registry.TempID(c.ns)
	staged := item.WithEntityID(temp)

	m := Mutation{Kind: MutationCreate, EntityKind: c.ns, ID: temp}
	plan := c.policy.Plan(m)
	c.stage(m, "issued")

	var touched, clamped []PageKey
	if planHas(plan, ActionPrepend) {
		tk, ck, err := c.prependItem(ctx, ByPartition(PartitionBrowsing), staged)
		if err != nil {
			c.log.Warn("optimistic prepend failed", Fields{"id": temp.String(), "err": err})
		}
		touched, clamped = tk, ck
	}

	c.stage(m, "awaiting_server")
	confirmed, err := c.writer.Create(ctx, staged)
	if err != nil {
		c.rollbackCreate(ctx, temp, touched, clamped)
		c.stage(m, "rolled_back")
		return zero, err
	}

	c.stage(m, "reconciling")
	c.registry.RegisterRealID(temp, confirmed.EntityID())
	if _, err := c.rewriteID(ctx, temp, confirmed); err != nil {
		c.log.Warn("identity rewrite failed", Fields{"id": temp.String(), "err": err})
	}

	c.settlePlan(ctx, m, plan)
	c.stage(m, "complete")
	return confirmed, nil
}

// Update patches cached rows immediately, issues the canonical write, and
// reconciles with the server's version of the entity. A failed write restores
// the captured pre-images so the user never keeps seeing a change the server
// refused.
func (c *cache[E]) Update(ctx context.Context, op UpdateOp[E]) (E, error) {
	var zero E
	if c.writer == nil {
		return zero, ErrNoWriter
	}

	id, err := c.resolveForWrite(ctx, op.ID)
	if err != nil {
		return zero, err
	}

	fields := op.Fields
	if len(fields) == 0 {
		fields = sortedKeys(op.Patch)
	}
	m := Mutation{Kind: MutationUpdate, EntityKind: c.ns, ID: id, Fields: fields}
	plan := c.policy.Plan(m)
	c.stage(m, "issued")

	var pres []preimage[E]
	if planHas(plan, ActionPatch) && op.Transform != nil {
		p, _, err := c.patchWithPreimage(ctx, ByPartition(PartitionBrowsing), id, op.Transform)
		if err != nil {
			c.log.Warn("optimistic patch failed", Fields{"id": id.String(), "err": err})
		}
		pres = p
	}

	c.stage(m, "awaiting_server")
	confirmed, err := c.writer.Update(ctx, id, op.Patch)
	if err != nil {
		c.restorePreimages(ctx, pres)
		c.stage(m, "rolled_back")
		return zero, err
	}

	c.stage(m, "reconciling")
	if planHas(plan, ActionPatch) {
		if _, err := c.PatchItem(ctx, ByPartition(PartitionBrowsing), id, func(E) E { return confirmed }); err != nil {
			c.log.Warn("confirmed patch failed", Fields{"id": id.String(), "err": err})
		}
	}

	c.settlePlan(ctx, m, plan)
	c.stage(m, "complete")
	return confirmed, nil
}

// Delete issues the canonical delete and then removes the entity from cached
// pages. There is no optimistic phase: a row must not vanish from view until
// the server has confirmed it is gone.
func (c *cache[E]) Delete(ctx context.Context, id identity.ID) error {
	if c.writer == nil {
		return ErrNoWriter
	}
	rid, err := c.resolveForWrite(ctx, id)
	if err != nil {
		return err
	}

	m := Mutation{Kind: MutationDelete, EntityKind: c.ns, ID: rid}
	plan := c.policy.Plan(m)
	c.stage(m, "issued")

	c.stage(m, "awaiting_server")
	if err := c.writer.Delete(ctx, rid); err != nil {
		return err
	}

	c.stage(m, "reconciling")
	if planHas(plan, ActionRemove) {
		if _, err := c.RemoveItem(ctx, ByPartition(PartitionBrowsing), rid); err != nil {
			c.log.Warn("confirmed removal failed", Fields{"id": rid.String(), "err": err})
		}
	}

	c.settlePlan(ctx, m, plan)
	c.stage(m, "complete")
	return nil
}

// resolveForWrite maps a provisional id to its real one, waiting briefly for
// an in-flight create to confirm. Canonical writes must never carry an id the
// server has not issued.
func (c *cache[E]) resolveForWrite(ctx context.Context, id identity.ID) (identity.ID, error) {
	if !id.Temp {
		return id, nil
	}
	real, ok := c.registry.AwaitRealID(ctx, id, c.resolveTimeout)
	if !ok {
		if err := ctx.Err(); err != nil {
			return identity.ID{}, fmt.Errorf("%w: %s: %w", ErrUnresolvedID, id.Value, err)
		}
		return identity.ID{}, fmt.Errorf("%w: %s", ErrUnresolvedID, id.Value)
	}
	return real, nil
}

// rollbackCreate undoes the optimistic prepend. The provisional row is removed
// from every page it landed on; a page that dropped its tail row during the
// prepend clamp is missing a confirmed row, so removal alone cannot restore
// what the user saw and the page is invalidated instead.
func (c *cache[E]) rollbackCreate(ctx context.Context, temp identity.ID, touched, clamped []PageKey) {
	if len(touched) == 0 {
		return
	}
	var restore []PageKey
	for _, k := range touched {
		if !keyIn(clamped, k) {
			restore = append(restore, k)
		}
	}
	undone := 0
	if len(restore) > 0 {
		keys, err := c.RemoveItem(ctx, ByKeys(restore...), temp)
		if err != nil {
			c.log.Warn("rollback remove failed", Fields{"id": temp.String(), "err": err})
		}
		undone += len(keys)
	}
	if len(clamped) > 0 {
		if err := c.Invalidate(ctx, ByKeys(clamped...)); err != nil {
			c.log.Warn("rollback invalidation failed", Fields{"id": temp.String(), "err": err})
		} else {
			undone += len(clamped)
		}
	}
	if undone > 0 {
		c.hooks.RollbackApplied("create", undone)
	}
}

// settlePlan applies the plan's partition invalidations after the server
// confirm, so the cache has settled before the mutation reports complete.
func (c *cache[E]) settlePlan(ctx context.Context, m Mutation, plan []Action) {
	for _, p := range planPartitions(plan) {
		if err := c.InvalidatePartition(ctx, p); err != nil {
			c.log.Error("settle invalidation failed", Fields{"partition": string(p), "err": err})
		}
	}
	c.stage(m, "cache_settled")
}

func (c *cache[E]) stage(m Mutation, s string) {
	c.log.Debug("mutation stage", Fields{
		"kind":  m.Kind.String(),
		"ns":    c.ns,
		"id":    m.ID.String(),
		"stage": s,
	})
}

func sortedKeys(m map[string]any) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SubWrite is one named canonical write taking part in a compound mutation,
// e.g. "update-order" and "create-bill" issued from a single save.
type SubWrite struct {
	Name string
	Do   func(ctx context.Context) error
}

// Settle runs the sub-writes concurrently and waits for every one of them,
// successes and failures alike. No sub-write is abandoned because a sibling
// failed; whatever each one did is reported, not undone. If any failed the
// result is a *PartialMutationError naming all outcomes. hooks may be nil.
func Settle(ctx context.Context, hooks Hooks, writes ...SubWrite) error {
	if len(writes) == 0 {
		return nil
	}
	if hooks == nil {
		hooks = NopHooks{}
	}

	outcomes := make([]SubOutcome, len(writes))
	var wg sync.WaitGroup
	for i, w := range writes {
		wg.Add(1)
		go func(i int, w SubWrite) {
			defer wg.Done()
			name := w.Name
			if name == "" {
				name = fmt.Sprintf("write[%d]", i)
			}
			var err error
			if w.Do != nil {
				err = w.Do(ctx)
			}
			outcomes[i] = SubOutcome{Name: name, Err: err}
		}(i, w)
	}
	wg.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Failed() {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	hooks.PartialFailure(len(writes)-failed, failed)
	return &PartialMutationError{Outcomes: outcomes}
}
