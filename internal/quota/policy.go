package quota

import (
	"sort"

	"github.com/gftdcojp/asset-stream-cache/internal/storage"
)

// EvictionOrder returns entries in the order they should be evicted: least
// recently accessed first, then oldest created, then by key. The order does
// not depend on insertion order, so eviction is reproducible.
func EvictionOrder(entries []storage.UsageEntry) []storage.UsageEntry {
	sorted := make([]storage.UsageEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Key < b.Key
	})
	return sorted
}

// SelectVictims returns the prefix of ordered entries that must be removed so
// that used+incoming fits within capacity, and whether that is achievable.
func SelectVictims(ordered []storage.UsageEntry, used, incoming, capacity int64) ([]storage.UsageEntry, bool) {
	var victims []storage.UsageEntry
	for _, e := range ordered {
		if used+incoming <= capacity {
			break
		}
		victims = append(victims, e)
		used -= e.SizeBytes
	}
	return victims, used+incoming <= capacity
}
