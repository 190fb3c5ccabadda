package listcache

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/listcache/codec"
	gen "github.com/unkn0wn-root/listcache/genstore"
	"github.com/unkn0wn-root/listcache/identity"
	pr "github.com/unkn0wn-root/listcache/provider"
)

// Entity is the constraint on cached item types. EntityID returns the item's
// identifier (real or provisional); WithEntityID returns a copy carrying the
// given identifier. The copy semantics let the cache rewrite provisional ids
// in place without knowing anything else about E.
type Entity[E any] interface {
	EntityID() identity.ID
	WithEntityID(identity.ID) E
}

// PageData is one cached page of a list view.
// Items preserves the server ordering (newest-first); len(Items) <= PageSize
// when PageSize > 0. TotalCount is the size of the whole filtered list, not
// of this page.
type PageData[E any] struct {
	Items      []E
	TotalCount int
	PageSize   int
}

// PageQuery addresses one page of a list view on the read-through path.
type PageQuery struct {
	Page     int
	PageSize int
	Filters  FilterSet
}

// Fetcher loads pages from the remote store. Items must arrive pre-sorted in
// the server's canonical order. The cache never calls FetchPage outside Load.
type Fetcher[E any] interface {
	FetchPage(ctx context.Context, page, pageSize int, filters FilterSet) (PageData[E], error)
}

// Writer issues entity mutations against the remote store. Create returns the
// entity with its server-assigned id. Retry safety is the caller's concern,
// not this layer's.
type Writer[E any] interface {
	Create(ctx context.Context, item E) (E, error)
	Update(ctx context.Context, id identity.ID, patch map[string]any) (E, error)
	Delete(ctx context.Context, id identity.ID) error
}

// MatchFunc reports whether an item belongs to the list view described by the
// filter set. It powers optimistic prepends: a created item is inserted only
// into pages whose filters it satisfies. When nil, prepends degrade to a
// Browsing-partition invalidation.
type MatchFunc[E any] func(item E, filters FilterSet) bool

// SetCostFunc computes the provider cost of one encoded page.
type SetCostFunc func(key string, raw []byte, items int) int64

// Cache is the per-entity-kind cache API: generation-validated page storage,
// partition-aware invalidation, in-place item surgery, and mutation pipelines
// that settle the cache before reporting completion.
type Cache[E Entity[E]] interface {
	Enabled() bool
	Close(context.Context) error

	// Read path
	Load(ctx context.Context, q PageQuery) (PageData[E], error)
	Get(ctx context.Context, key PageKey) (PageData[E], bool, error)
	Set(ctx context.Context, key PageKey, data PageData[E]) error

	// Invalidation
	Invalidate(ctx context.Context, pred KeyPredicate) error
	InvalidatePartition(ctx context.Context, p Partition) error
	Clear(ctx context.Context) error

	// In-place surgery (Browsing partition only; returns the keys touched)
	PatchItem(ctx context.Context, pred KeyPredicate, id identity.ID, transform func(E) E) ([]PageKey, error)
	RemoveItem(ctx context.Context, pred KeyPredicate, id identity.ID) ([]PageKey, error)
	PrependItem(ctx context.Context, pred KeyPredicate, item E) ([]PageKey, error)

	// Mutation pipelines (return only after the cache has settled)
	Create(ctx context.Context, item E) (E, error)
	Update(ctx context.Context, op UpdateOp[E]) (E, error)
	Delete(ctx context.Context, id identity.ID) error

	// Registry exposes the identity registry this cache reconciles against.
	Registry() *identity.Registry
}

// Options tune the behavior of the generic list cache.
// Only Namespace, Provider and Codec are required; others have sensible defaults.
type Options[E Entity[E]] struct {
	// Required
	Namespace string // entity kind; also isolates storage keys. e.g. "order", "bill"
	Provider  pr.Provider
	Codec     c.Codec[E]

	// Collaborators
	Fetcher  Fetcher[E]         // nil => Load returns ErrNoFetcher
	Writer   Writer[E]          // nil => Create/Update/Delete return ErrNoWriter
	Registry *identity.Registry // shared per session; nil => private registry
	Policy   Policy             // nil => DefaultPolicy
	Match    MatchFunc[E]       // nil => optimistic prepends degrade to invalidation

	Logger          Logger        // if nil, NopLogger is used
	Hooks           Hooks         // if nil, NopHooks is used
	TTL             time.Duration // page entries; 0 => 10m
	CleanupInterval time.Duration // 0 => 1h
	GenRetention    time.Duration // 0 => 30d
	DefaultPageSize int           // 0 => 25
	MaxPageSize     int           // 0 => 100
	ResolveTimeout  time.Duration // provisional-id wait in mutations; 0 => 2s
	Disabled        bool          // default false (enabled)
	ComputeSetCost  SetCostFunc   // default 1
	GenStore        gen.GenStore  // nil => LocalGenStore (in-process)
}

func New[E Entity[E]](opts Options[E]) (Cache[E], error) {
	return newCache[E](opts)
}
