// registry.go is the dedup ledger: fingerprints of successfully transmitted
// events, each with an explicit expiry.

package errpipe

import "time"

// DefaultDedupTTL is how long a transmitted fingerprint suppresses repeats.
// After expiry a recurring failure is intentionally reported again.
const DefaultDedupTTL = 24 * time.Hour

// Registry maps fingerprints to expiry timestamps. Entries are created only
// when a fingerprint is successfully transmitted; an event that was captured
// but never sent remains eligible for re-capture.
//
// Registry is not safe for concurrent use; the owning pipeline serializes
// access.
type Registry struct {
	sent map[string]time.Time
	ttl  time.Duration
}

// NewRegistry creates a registry with the given TTL (DefaultDedupTTL if <= 0).
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Registry{
		sent: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Admitted reports whether a fingerprint may be reported: true when it has
// no registry entry or the entry has expired. Each check opportunistically
// sweeps expired entries, so no dedicated cleanup timer is needed.
func (r *Registry) Admitted(fingerprint string, now time.Time) bool {
	r.sweep(now)

	expiry, ok := r.sent[fingerprint]
	if !ok {
		return true
	}
	if now.After(expiry) {
		delete(r.sent, fingerprint)
		return true
	}
	return false
}

// MarkSent registers a fingerprint after successful transmission.
func (r *Registry) MarkSent(fingerprint string, now time.Time) {
	r.sent[fingerprint] = now.Add(r.ttl)
}

// Len returns the number of live entries.
func (r *Registry) Len() int { return len(r.sent) }

func (r *Registry) sweep(now time.Time) {
	for fp, expiry := range r.sent {
		if now.After(expiry) {
			delete(r.sent, fp)
		}
	}
}
