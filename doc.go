// Package listcache caches paginated list views and keeps them consistent
// with the store of record. Reads never return a page from before the last
// invalidation; mutations repair cached pages in place instead of dropping
// them wholesale.
//
// Components:
//   - Provider: byte store with TTL (e.g. Ristretto, BigCache, Redis).
//   - Codec[E]: (de)serializes one entity <-> []byte.
//   - GenStore: generation counter per logical key. Local (in-process) by
//     default, optional Redis implementation for multi-replica setups.
//   - Registry: binds locally minted provisional ids to server-issued ids.
//   - Policy: decides the cache effects of a mutation (prepend, patch,
//     remove, invalidate).
//
// Keys:
//
//	page:<ns>:<partition>:<fingerprint>:<page>  - one cached page
//	part:<ns>:<partition>                       - partition generation
//
// Every page entry is stamped with two generations, its own key's and its
// partition's, and a read validates both. Bumping the partition counter
// orphans all pages under it at once; entries that fail validation or fail
// to decode are deleted on read.
//
// Partitions: a filter set with free-text search maps to Search, everything
// else to Browsing. Browsing pages take item surgery (prepend on create,
// patch on update, remove on delete); Search pages hold server-ranked
// results that cannot be recomputed client-side, so mutations invalidate the
// whole partition.
//
// Optimistic create:
//
//	temp := reg.TempID("order")          // provisional identity
//	// prepend to matching Browsing pages, then writer.Create(...)
//	reg.RegisterRealID(temp, confirmed)  // bind server id, rewrite rows
//
// Cache.Create runs that pipeline end to end and rolls the prepend back if
// the server refuses the write.
package listcache
