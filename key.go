package listcache

import (
	"sort"
	"strings"
	"time"

	"github.com/unkn0wn-root/listcache/internal/util"
)

// Partition separates the two cache regions. Browsing holds stable, filtered,
// paginated views; Search holds ad-hoc text-query results. The two never share
// a key, and in-place item surgery is restricted to Browsing (search membership
// is server-computed and cannot be re-evaluated locally).
type Partition string

const (
	PartitionBrowsing Partition = "browsing"
	PartitionSearch   Partition = "search"
)

// FilterSet is the caller-visible filter state of one list view. The zero
// value means "no filters". A non-empty Search term routes the view to the
// Search partition; everything else stays in Browsing.
type FilterSet struct {
	Status       string
	DateFrom     time.Time
	DateTo       time.Time
	Search       string
	CreatedByIDs []string
}

// Partition returns the cache partition this filter set belongs to.
func (f FilterSet) Partition() Partition {
	if f.Search != "" {
		return PartitionSearch
	}
	return PartitionBrowsing
}

// Fingerprint returns a canonical, order-independent hash of the filter set.
// Two logically identical filter sets fingerprint identically: dates are
// UTC-normalized, creator ids are sorted and de-duplicated, empty fields are
// skipped. Pure; no side effects.
func (f FilterSet) Fingerprint() string {
	lines := make([]string, 0, 5)
	if f.Status != "" {
		lines = append(lines, "status="+f.Status)
	}
	if !f.DateFrom.IsZero() {
		lines = append(lines, "from="+f.DateFrom.UTC().Format(time.RFC3339Nano))
	}
	if !f.DateTo.IsZero() {
		lines = append(lines, "to="+f.DateTo.UTC().Format(time.RFC3339Nano))
	}
	if f.Search != "" {
		lines = append(lines, "q="+f.Search)
	}
	if len(f.CreatedByIDs) > 0 {
		ids := make([]string, len(f.CreatedByIDs))
		copy(ids, f.CreatedByIDs)
		sort.Strings(ids)
		uniq := ids[:0]
		for _, id := range ids {
			if n := len(uniq); n > 0 && uniq[n-1] == id {
				continue
			}
			uniq = append(uniq, id)
		}
		lines = append(lines, "by="+strings.Join(uniq, ","))
	}
	return util.CanonicalHash(lines)
}

// PageKey identifies one cached page: (partition, filter fingerprint, page).
// Construct with NewPageKey so the partition always matches the filters.
type PageKey struct {
	Partition Partition
	Filters   FilterSet
	Page      int
}

// NewPageKey derives the partition from the filter set and clamps page to >= 1.
func NewPageKey(filters FilterSet, page int) PageKey {
	if page < 1 {
		page = 1
	}
	return PageKey{Partition: filters.Partition(), Filters: filters, Page: page}
}

// Fingerprint returns the canonical filter fingerprint of this key.
func (k PageKey) Fingerprint() string { return k.Filters.Fingerprint() }

// sameKey reports whether two keys address the same cache entry.
func sameKey(a, b PageKey) bool {
	return a.Partition == b.Partition && a.Page == b.Page && a.Fingerprint() == b.Fingerprint()
}

func keyIn(keys []PageKey, k PageKey) bool {
	for _, kk := range keys {
		if sameKey(kk, k) {
			return true
		}
	}
	return false
}

// KeyPredicate selects cache keys for invalidation and item surgery.
type KeyPredicate func(PageKey) bool

// ByPartition matches every key in partition p.
func ByPartition(p Partition) KeyPredicate {
	return func(k PageKey) bool { return k.Partition == p }
}

// ByFingerprint matches every page of one filter set, in any partition.
func ByFingerprint(fp string) KeyPredicate {
	return func(k PageKey) bool { return k.Fingerprint() == fp }
}

// ByKey matches exactly one key.
func ByKey(key PageKey) KeyPredicate {
	return func(k PageKey) bool { return sameKey(k, key) }
}

// ByKeys matches any of the given keys.
func ByKeys(keys ...PageKey) KeyPredicate {
	return func(k PageKey) bool {
		for _, kk := range keys {
			if sameKey(k, kk) {
				return true
			}
		}
		return false
	}
}

// Everything matches all keys.
func Everything() KeyPredicate {
	return func(PageKey) bool { return true }
}
