package listcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// A page entry was deleted by the cache on read.
	// reason ∈ {"corrupt", "gen_mismatch", "item_decode"}
	SelfHealPage(storageKey, reason string)

	// A fetched page was discarded because its generations moved during the
	// fetch (an invalidation raced the fetcher; the stale result never lands).
	StaleFetchDropped(storageKey string)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// GenStore errors (snapshot or bump).
	// count is number of keys involved (1 for Snapshot/Bump, N for SnapshotMany).
	GenSnapshotError(count int, err error)
	GenBumpError(storageKey string, err error)

	// Both gen bump and delete failed during invalidation (likely backend outage).
	InvalidateOutage(key string, bumpErr, delErr error)

	// Cached references to a provisional id were rewritten to the real id.
	IdentityRewrite(storageKey string, items int)

	// Optimistic effects of a failed mutation were undone.
	// op ∈ {"create", "update"}; keys is how many pages were restored.
	RollbackApplied(op string, keys int)

	// A multi-write mutation settled with mixed outcomes.
	PartialFailure(succeeded, failed int)

	// A remote GenStore is paired with the in-process key index (surgery and
	// predicate invalidation only see locally written pages).
	RemoteGenLocalIndex()
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHealPage(string, string)           {}
func (NopHooks) StaleFetchDropped(string)              {}
func (NopHooks) ProviderSetRejected(string)            {}
func (NopHooks) GenSnapshotError(int, error)           {}
func (NopHooks) GenBumpError(string, error)            {}
func (NopHooks) InvalidateOutage(string, error, error) {}
func (NopHooks) IdentityRewrite(string, int)           {}
func (NopHooks) RollbackApplied(string, int)           {}
func (NopHooks) PartialFailure(int, int)               {}
func (NopHooks) RemoteGenLocalIndex()                  {}
