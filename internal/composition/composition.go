// Package composition holds the immutable ClusterComposition snapshot
// produced by a successful rediscovery round.
package composition

import (
	"time"

	"github.com/Resinat/clusterdrv/internal/address"
)

// Role identifies one of the three server roles reported by the cluster's
// routing procedure.
type Role string

const (
	RoleRead  Role = "READ"
	RoleWrite Role = "WRITE"
	RoleRoute Role = "ROUTE"
)

// ClusterComposition is an immutable snapshot of a cluster's reader/
// writer/router sets plus the deadline at which it should be considered
// stale. It is never mutated after construction; once superseded, it is
// simply discarded in favor of a freshly built one (no in-place updates).
type ClusterComposition struct {
	ExpiresAt time.Time
	Readers   []address.ServerAddress
	Writers   []address.ServerAddress
	Routers   []address.ServerAddress
}

// New builds a ClusterComposition. now is the observation time and ttl is
// the server-reported time-to-live; expiry is now + ttl. Negative ttl is
// clamped to zero rather than rejected.
func New(now time.Time, ttl time.Duration, readers, writers, routers []address.ServerAddress) ClusterComposition {
	if ttl < 0 {
		ttl = 0
	}
	return ClusterComposition{
		ExpiresAt: now.Add(ttl),
		Readers:   readers,
		Writers:   writers,
		Routers:   routers,
	}
}

// HasWriters reports whether the composition lists at least one writer.
// A no-writer composition is still accepted but is treated as suspicious
// by RoutingTable's staleness test and by Rediscovery's bootstrap-first
// bias.
func (c ClusterComposition) HasWriters() bool {
	return len(c.Writers) > 0
}

// IsExpired reports whether now is at or past the composition's deadline.
func (c ClusterComposition) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
