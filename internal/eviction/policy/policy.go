// Package policy decides how much of the media cache has to go.
package policy

import "github.com/lucasew/coachsync/internal/errutil"

// Policy reports the bytes to evict for a cache holding usedBytes.
type Policy interface {
	// BytesToFree returns 0 when the cache is within bounds.
	BytesToFree(usedBytes int64) (int64, error)
}

// Strictest returns the largest demand among policies. A failing policy is logged and
// ignored so one broken check does not block eviction.
func Strictest(usedBytes int64, policies ...Policy) int64 {
	var most int64
	for _, p := range policies {
		n, err := p.BytesToFree(usedBytes)
		if err != nil {
			errutil.ReportError(err, "Failed to check capacity policy")
			continue
		}
		most = max(most, n)
	}
	return most
}
