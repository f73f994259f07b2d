// Package cache provides the persistent, per-user key-value cache that sits
// between callers and the remote API.
//
// The cache store implements local-first caching with the following features:
//
// - One durable store per authenticated user (no cross-user bleed)
// - Freshness classification (fresh while now < fetchedAt + ttl)
// - Stale entries stay readable so callers can serve them while revalidating
// - Exact and prefix ("foo*") pattern invalidation
// - Housekeeping purge of long-expired entries
// - Deterministic cache key generation
// - Passive hit/miss/revalidation counters mirrored to Prometheus
//
// # Basic Usage
//
//	store := cache.NewStore(storage.BadgerOpener("./data/users", false))
//	if err := store.Open(ctx, "user-42"); err != nil {
//		return err
//	}
//	defer store.Close()
//
//	key := cache.Key("catalog/officers/merged", map[string]any{"rarity": "epic"})
//	if entry, ok := store.Get(ctx, key); ok && entry.IsFresh() {
//		// serve entry.Data
//	}
//
// # Degraded Mode
//
// Every operation on a store that is not open is a no-op: Get reports a miss,
// writes are dropped. Callers fall back to the network instead of failing.
//
// # Metrics
//
//   - swr_cache_hits_total - Cache hits (fresh or stale)
//   - swr_cache_misses_total - Cache misses
//   - swr_cache_revalidations_total - Background revalidations started
//   - swr_cache_bytes_saved_total - Payload bytes served from cache
//   - swr_cache_errors_total{operation} - Backend operation errors
package cache
