package listcache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	cd "github.com/unkn0wn-root/listcache/codec"
	gs "github.com/unkn0wn-root/listcache/genstore"
	"github.com/unkn0wn-root/listcache/identity"
	"github.com/unkn0wn-root/listcache/internal/util"
	"github.com/unkn0wn-root/listcache/internal/wire"
	pr "github.com/unkn0wn-root/listcache/provider"
)

const (
	defaultTTL            = 10 * time.Minute
	defaultSweep          = time.Hour
	defaultGenRetention   = 30 * 24 * time.Hour
	defaultPageLimit      = 25
	defaultMaxPageLimit   = 100
	defaultResolveTimeout = 2 * time.Second
)

// indexEntry remembers one page this instance wrote. Byte-store providers
// cannot enumerate keys, so predicate invalidation and item surgery walk this
// map instead.
type indexEntry struct {
	key      PageKey
	storedAt time.Time
}

type cache[E Entity[E]] struct {
	ns       string
	provider pr.Provider
	codec    cd.Codec[E]
	gen      gs.GenStore
	registry *identity.Registry
	fetcher  Fetcher[E]
	writer   Writer[E]
	policy   Policy
	match    MatchFunc[E]
	log      Logger
	hooks    Hooks

	enabled bool

	ttl             time.Duration
	sweepInterval   time.Duration
	genRetention    time.Duration
	defaultPageSize int
	maxPageSize     int
	resolveTimeout  time.Duration
	computeSetCost  SetCostFunc

	// in-process key index (storage key -> page key)
	idxMu sync.RWMutex
	idx   map[string]indexEntry

	// background cleanup
	ticker    *time.Ticker
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func newCache[E Entity[E]](opts Options[E]) (*cache[E], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("listcache: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("listcache: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("listcache: namespace is required")
	}

	c := &cache[E]{
		ns:       opts.Namespace,
		provider: opts.Provider,
		codec:    opts.Codec,
		fetcher:  opts.Fetcher,
		writer:   opts.Writer,
		match:    opts.Match,
		idx:      make(map[string]indexEntry),
	}

	defaultCost := SetCostFunc(func(_ string, _ []byte, _ int) int64 { return 1 })
	if opts.ComputeSetCost != nil {
		c.computeSetCost = opts.ComputeSetCost
	} else {
		c.computeSetCost = defaultCost
	}

	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.ttl = coalesce[time.Duration](opts.TTL, defaultTTL)
	c.sweepInterval = coalesce[time.Duration](opts.CleanupInterval, defaultSweep)
	c.genRetention = coalesce[time.Duration](opts.GenRetention, defaultGenRetention)
	c.defaultPageSize = coalesce[int](opts.DefaultPageSize, defaultPageLimit)
	c.maxPageSize = coalesce[int](opts.MaxPageSize, defaultMaxPageLimit)
	c.resolveTimeout = coalesce[time.Duration](opts.ResolveTimeout, defaultResolveTimeout)

	if opts.Registry != nil {
		c.registry = opts.Registry
	} else {
		c.registry = identity.NewRegistry()
	}

	if opts.GenStore != nil {
		c.gen = opts.GenStore
	} else {
		// in-process generations; the cache's own loop drives Cleanup
		c.gen = gs.NewLocalGenStore(0, 0)
	}

	if opts.Policy != nil {
		c.policy = opts.Policy
	} else {
		c.policy = DefaultPolicy{CanPrepend: opts.Match != nil}
	}

	c.enabled = !opts.Disabled

	if _, local := c.gen.(*gs.LocalGenStore); !local {
		c.hooks.RemoteGenLocalIndex()
	}

	if c.enabled {
		c.ticker = time.NewTicker(c.sweepInterval)
		c.stopCh = make(chan struct{})
		c.closeWg.Add(1)
		go c.cleanupLoop()
	}
	return c, nil
}

func (c *cache[E]) Enabled() bool { return c.enabled }

func (c *cache[E]) Registry() *identity.Registry { return c.registry }

func (c *cache[E]) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if c.stopCh != nil {
			close(c.stopCh)
			c.closeWg.Wait()
			if c.ticker != nil {
				c.ticker.Stop()
			}
		}
		// gen store first, best effort
		if c.gen != nil {
			_ = c.gen.Close(ctx)
		}
		if c.provider != nil {
			c.closeErr = c.provider.Close(ctx)
		}
	})
	return c.closeErr
}

func (c *cache[E]) Get(ctx context.Context, key PageKey) (PageData[E], bool, error) {
	var zero PageData[E]
	if !c.enabled {
		return zero, false, nil
	}
	sk := c.pageKeyStr(key)
	raw, ok, err := c.provider.Get(ctx, sk)
	if err != nil || !ok {
		return zero, false, err
	}
	frame, err := wire.DecodePage(raw)
	if err != nil {
		c.selfHeal(ctx, sk, "corrupt")
		return zero, false, nil
	}
	// validate both generations
	partGen, keyGen := c.snapshotGens(ctx, key.Partition, sk)
	if frame.PartGen != partGen || frame.KeyGen != keyGen {
		c.selfHeal(ctx, sk, "gen_mismatch")
		return zero, false, nil
	}
	if wire.HasTempID(raw) {
		c.rewriteResolved(ctx, sk, &frame)
	}
	items, err := c.decodeItems(frame.Items)
	if err != nil {
		c.selfHeal(ctx, sk, "item_decode")
		return zero, false, nil
	}
	return PageData[E]{Items: items, TotalCount: int(frame.Total), PageSize: int(frame.PageSize)}, true, nil
}

// Set overwrites the entry for key unconditionally, stamped with the current
// generations. The read-through path uses setWithGens instead.
func (c *cache[E]) Set(ctx context.Context, key PageKey, data PageData[E]) error {
	if !c.enabled {
		return nil
	}
	sk := c.pageKeyStr(key)
	partGen, keyGen := c.snapshotGens(ctx, key.Partition, sk)
	return c.store(ctx, sk, key, data, partGen, keyGen)
}

func (c *cache[E]) Load(ctx context.Context, q PageQuery) (PageData[E], error) {
	var zero PageData[E]
	if c.fetcher == nil {
		return zero, ErrNoFetcher
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	size := c.clampPageSize(q.PageSize)
	key := NewPageKey(q.Filters, page)
	sk := c.pageKeyStr(key)

	// A cached page sized for a different view shape is bypassed, not healed;
	// the write-back below overwrites it.
	if data, ok, err := c.Get(ctx, key); err == nil && ok && data.PageSize == size {
		return data, nil
	} else if err != nil {
		c.log.Warn("cache read failed; falling through to fetch", Fields{"key": sk, "err": err})
	}

	// Snapshot generations before the fetch so an invalidation that lands
	// mid-flight makes the write-back a no-op.
	obsPart, obsKey := c.snapshotGens(ctx, key.Partition, sk)

	data, err := c.fetcher.FetchPage(ctx, page, size, q.Filters)
	if err != nil {
		return zero, &FetchError{Page: page, PageSize: size, Filters: q.Filters, Err: err}
	}
	if data.TotalCount < 0 {
		data.TotalCount = 0
	}
	data.PageSize = size
	if size > 0 && len(data.Items) > size {
		data.Items = data.Items[:size]
	}

	if err := c.setWithGens(ctx, key, data, obsPart, obsKey); err != nil {
		c.log.Warn("page write-back failed", Fields{"key": sk, "err": err})
	}
	return data, nil
}

// Clear resets the whole cache at a session boundary: both partitions are
// invalidated and the key index dropped. Pair with Registry().Reset() via
// EndSession.
func (c *cache[E]) Clear(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	bErr := c.InvalidatePartition(ctx, PartitionBrowsing)
	sErr := c.InvalidatePartition(ctx, PartitionSearch)

	c.idxMu.Lock()
	c.idx = make(map[string]indexEntry)
	c.idxMu.Unlock()

	if bErr != nil {
		return bErr
	}
	return sErr
}

// store encodes and writes one page stamped with the given generations.
func (c *cache[E]) store(ctx context.Context, storageKey string, key PageKey, data PageData[E], partGen, keyGen uint64) error {
	enc, err := c.encodePage(data, partGen, keyGen)
	if err != nil {
		return err
	}
	ok, err := c.provider.Set(ctx, storageKey, enc, c.computeSetCost(storageKey, enc, len(data.Items)), c.ttl)
	if err != nil {
		return err
	}
	if !ok {
		c.hooks.ProviderSetRejected(storageKey)
		c.log.Debug("set rejected by provider (pressure)", Fields{"key": storageKey})
		return nil
	}
	c.indexPut(storageKey, key)
	return nil
}

// setWithGens writes back a fetched page only if both generations still match
// the pre-fetch snapshot. A mismatch means an invalidation raced the fetch and
// the stale result must not land.
func (c *cache[E]) setWithGens(ctx context.Context, key PageKey, data PageData[E], obsPart, obsKey uint64) error {
	if !c.enabled {
		return nil
	}
	sk := c.pageKeyStr(key)
	partGen, keyGen := c.snapshotGens(ctx, key.Partition, sk)
	if partGen != obsPart || keyGen != obsKey {
		c.hooks.StaleFetchDropped(sk)
		c.log.Debug("stale fetch dropped (gen moved)", Fields{"key": sk, "obsPart": obsPart, "obsKey": obsKey})
		return nil
	}
	return c.store(ctx, sk, key, data, obsPart, obsKey)
}

// selfHeal deletes an entry the read path decided is unusable.
func (c *cache[E]) selfHeal(ctx context.Context, storageKey, reason string) {
	_ = c.provider.Del(ctx, storageKey)
	c.indexDrop(storageKey)
	c.hooks.SelfHealPage(storageKey, reason)
	c.log.Debug("self-healed page entry", Fields{"key": storageKey, "reason": reason})
}

// rewriteResolved swaps provisional ids for their registered real ids inside
// the frame, so entries written before RegisterRealID fired keep serving the
// same row under its confirmed identity without a refetch.
func (c *cache[E]) rewriteResolved(ctx context.Context, storageKey string, frame *wire.Page) {
	rewritten := 0
	for i := range frame.Items {
		it := &frame.Items[i]
		if !it.Temp {
			continue
		}
		real := c.registry.Resolve(identity.ID{Value: it.ID, Temp: true})
		if real.Temp {
			continue
		}
		v, err := c.codec.Decode(it.Payload)
		if err != nil {
			continue
		}
		payload, err := c.codec.Encode(v.WithEntityID(real))
		if err != nil {
			continue
		}
		it.ID = real.Value
		it.Temp = false
		it.Payload = payload
		rewritten++
	}
	if rewritten == 0 {
		return
	}
	enc, err := wire.EncodePage(*frame)
	if err != nil {
		return
	}
	if ok, err := c.provider.Set(ctx, storageKey, enc, c.computeSetCost(storageKey, enc, len(frame.Items)), c.ttl); err != nil || !ok {
		c.log.Debug("identity rewrite write-back skipped", Fields{"key": storageKey, "err": err})
		return
	}
	c.hooks.IdentityRewrite(storageKey, rewritten)
}

func (c *cache[E]) encodePage(data PageData[E], partGen, keyGen uint64) ([]byte, error) {
	items := make([]wire.Item, 0, len(data.Items))
	for _, it := range data.Items {
		id := it.EntityID()
		payload, err := c.codec.Encode(it)
		if err != nil {
			return nil, err
		}
		items = append(items, wire.Item{ID: id.Value, Temp: id.Temp, Payload: payload})
	}
	total := data.TotalCount
	if total < 0 {
		total = 0
	}
	ps := data.PageSize
	if ps < 0 {
		ps = 0
	}
	if ps > 0xFFFF {
		ps = 0xFFFF
	}
	return wire.EncodePage(wire.Page{
		PartGen:  partGen,
		KeyGen:   keyGen,
		Total:    uint64(total),
		PageSize: uint16(ps),
		Items:    items,
	})
}

func (c *cache[E]) decodeItems(items []wire.Item) ([]E, error) {
	out := make([]E, 0, len(items))
	for _, it := range items {
		v, err := c.codec.Decode(it.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// snapshotGens returns (partition gen, key gen). On store error both report 0:
// frames stamped with live gens miss and self-heal, while frames stamped
// during the outage keep serving until the store recovers.
func (c *cache[E]) snapshotGens(ctx context.Context, p Partition, storageKey string) (uint64, uint64) {
	pk := c.partKeyStr(p)
	m, err := c.gen.SnapshotMany(ctx, []string{pk, storageKey})
	if err != nil {
		c.hooks.GenSnapshotError(2, err)
		c.log.Warn("gen snapshot error", Fields{"key": storageKey, "err": err})
		return 0, 0
	}
	return m[pk], m[storageKey]
}

func (c *cache[E]) bumpGen(ctx context.Context, storageKey string) (uint64, error) {
	g, err := c.gen.Bump(ctx, storageKey)
	if err != nil {
		c.hooks.GenBumpError(storageKey, err)
		c.log.Error("gen bump error", Fields{"key": storageKey, "err": err})
		return 0, err
	}
	return g, nil
}

func (c *cache[E]) pageKeyStr(k PageKey) string {
	return util.PageKey(c.ns, string(k.Partition), k.Fingerprint(), k.Page)
}

func (c *cache[E]) partKeyStr(p Partition) string {
	return util.PartitionKey(c.ns, string(p))
}

func (c *cache[E]) clampPageSize(n int) int {
	if n <= 0 {
		return c.defaultPageSize
	}
	if n > c.maxPageSize {
		return c.maxPageSize
	}
	return n
}

func (c *cache[E]) indexPut(storageKey string, key PageKey) {
	c.idxMu.Lock()
	c.idx[storageKey] = indexEntry{key: key, storedAt: time.Now()}
	c.idxMu.Unlock()
}

func (c *cache[E]) indexDrop(storageKey string) {
	c.idxMu.Lock()
	delete(c.idx, storageKey)
	c.idxMu.Unlock()
}

type indexedKey struct {
	storageKey string
	key        PageKey
}

// indexed returns a snapshot of the key index sorted by storage key, so
// surgery and invalidation touch pages in a stable order.
func (c *cache[E]) indexed() []indexedKey {
	c.idxMu.RLock()
	out := make([]indexedKey, 0, len(c.idx))
	for sk, e := range c.idx {
		out = append(out, indexedKey{storageKey: sk, key: e.key})
	}
	c.idxMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].storageKey < out[j].storageKey })
	return out
}

func (c *cache[E]) cleanupLoop() {
	defer c.closeWg.Done()
	for {
		select {
		case <-c.ticker.C:
			c.gen.Cleanup(c.genRetention)
			c.pruneIndex()
		case <-c.stopCh:
			return
		}
	}
}

// pruneIndex drops index entries whose provider entries have expired.
func (c *cache[E]) pruneIndex() {
	cutoff := time.Now().Add(-c.ttl)
	var candidates []string

	c.idxMu.RLock()
	for sk, e := range c.idx {
		if e.storedAt.Before(cutoff) {
			candidates = append(candidates, sk)
		}
	}
	c.idxMu.RUnlock()

	if len(candidates) == 0 {
		return
	}

	c.idxMu.Lock()
	removed := 0
	for _, sk := range candidates {
		if e, ok := c.idx[sk]; ok && e.storedAt.Before(cutoff) {
			delete(c.idx, sk)
			removed++
		}
	}
	c.idxMu.Unlock()

	if removed > 0 {
		c.log.Debug("index cleanup removed expired entries", Fields{"removed": removed})
	}
}
