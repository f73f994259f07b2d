// Package prefetch warms the cache for many keys in parallel.
//
// Each request goes through the SWR orchestrator, so warm-up shares the
// de-duplication and freshness rules of normal reads: fresh keys cost no
// network call and concurrent readers join the warm-up fetch.
//
// Example usage:
//
//	warmer := prefetch.NewWarmer(orchestrator, prefetch.DefaultConfig())
//	results, err := warmer.WarmAll(ctx, []prefetch.Request{
//		{Key: "catalog:officers:merged", Fetch: api.Fetcher("/catalog/officers/merged", nil), TTL: cache.TTLReference},
//		{Key: "catalog:counts", Fetch: api.Fetcher("/catalog/counts", nil), TTL: cache.TTLOverlay},
//	})
//	if err != nil {
//		// results still holds every key that warmed successfully
//	}
package prefetch
