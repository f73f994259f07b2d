package cache

import "time"

// TTL tiers. Callers pick one per endpoint class; nothing is derived
// automatically.
const (
	// TTLReference is for reference data (catalog, taxonomy) that changes with game patches.
	TTLReference = 24 * time.Hour

	// TTLComposition is for composed views (crews, loadouts, fleet presets).
	TTLComposition = 15 * time.Minute

	// TTLOverlay is for user-editable overlays on reference data.
	TTLOverlay = 5 * time.Minute

	// TTLVolatile disables caching; data is always fetched and never stored.
	TTLVolatile time.Duration = 0
)
