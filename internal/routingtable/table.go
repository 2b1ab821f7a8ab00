// Package routingtable holds the cached view of a cluster's router/reader/
// writer sets along with staleness tests and round-robin cursors used by
// the load balancer's selection algorithm.
//
// A single mutex serializes mutation (Update/Forget/ForgetWriter) while
// reads take a lock-free snapshot of the underlying AddressSet and release
// before use.
package routingtable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resinat/clusterdrv/internal/address"
	"github.com/Resinat/clusterdrv/internal/clock"
	"github.com/Resinat/clusterdrv/internal/composition"
)

// RoutingTable is a process-lifetime singleton per driver instance. It
// exclusively owns its current composition; external callers may hold
// only snapshots of role address arrays taken under the table's lock.
type RoutingTable struct {
	clk clock.Clock

	mu   sync.Mutex // serializes Update/Forget/ForgetWriter
	comp atomic.Pointer[composition.ClusterComposition]

	readers *address.AddressSet
	writers *address.AddressSet
	routers *address.AddressSet

	readCursor  atomic.Uint64
	writeCursor atomic.Uint64
}

// New creates an empty RoutingTable: stale for every mode until the first
// successful Update.
func New(clk clock.Clock) *RoutingTable {
	if clk == nil {
		clk = clock.Real{}
	}
	t := &RoutingTable{
		clk:     clk,
		readers: address.NewAddressSet(),
		writers: address.NewAddressSet(),
		routers: address.NewAddressSet(),
	}
	zero := composition.ClusterComposition{}
	t.comp.Store(&zero)
	return t
}

// IsStaleFor reports whether the table must be refreshed before serving a
// request in the given mode: stale if expired, if there are no routers,
// if mode is READ and there are no readers, or if there are no writers at
// all (a no-writer composition forces re-lookup even on reads, since it
// likely signals a failover).
func (t *RoutingTable) IsStaleFor(mode AccessMode) bool {
	comp := t.comp.Load()
	now := t.clk.Now()

	if !now.Before(comp.ExpiresAt) {
		return true
	}
	if t.routers.IsEmpty() {
		return true
	}
	if t.writers.IsEmpty() {
		return true
	}
	if mode == Read && t.readers.IsEmpty() {
		return true
	}
	return false
}

// Update atomically replaces readers/writers/routers with the contents of
// comp, and returns the set of addresses that were present before but are
// absent after, across all three roles combined — the set whose pooled
// connections the caller must purge.
func (t *RoutingTable) Update(comp composition.ClusterComposition) (removed []address.ServerAddress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.unionLocked()

	t.readers.Update(comp.Readers)
	t.writers.Update(comp.Writers)
	t.routers.Update(comp.Routers)
	t.comp.Store(&comp)

	after := t.unionLocked()
	for a := range before {
		if _, stillPresent := after[a]; !stillPresent {
			removed = append(removed, a)
		}
	}
	return removed
}

// unionLocked must be called with mu held; it returns the set of all
// addresses currently present across readers, writers, and routers.
func (t *RoutingTable) unionLocked() map[address.ServerAddress]struct{} {
	out := make(map[address.ServerAddress]struct{})
	for _, a := range t.readers.ToArray() {
		out[a] = struct{}{}
	}
	for _, a := range t.writers.ToArray() {
		out[a] = struct{}{}
	}
	for _, a := range t.routers.ToArray() {
		out[a] = struct{}{}
	}
	return out
}

// Forget removes a from the reader and writer sets (connection-level
// failure). It stays in routers — a router may still answer
// getRoutingTable even after dropping out of the data plane. Idempotent
// and commutative with other Forget/ForgetWriter calls.
func (t *RoutingTable) Forget(a address.ServerAddress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readers.Remove(a)
	t.writers.Remove(a)
}

// ForgetRouter removes a from the router set only. Used by Rediscovery
// when a candidate router proves unusable (connect failure, protocol
// rejection, or "not a router" reclassification).
func (t *RoutingTable) ForgetRouter(a address.ServerAddress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routers.Remove(a)
}

// ForgetWriter removes a from the writer set only, used for write-rejection
// errors reported by a RoutingConnection (e.g. "not a leader").
func (t *RoutingTable) ForgetWriter(a address.ServerAddress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writers.Remove(a)
}

// Readers returns the table's live reader set; later Update/Forget calls
// are visible through it. Its ToArray gives an immutable snapshot.
func (t *RoutingTable) Readers() *address.AddressSet { return t.readers }

// Writers returns the table's live writer set; later Update/Forget calls
// are visible through it. Its ToArray gives an immutable snapshot.
func (t *RoutingTable) Writers() *address.AddressSet { return t.writers }

// Routers returns the table's live router set; later Update/ForgetRouter
// calls are visible through it. Its ToArray gives an immutable snapshot.
func (t *RoutingTable) Routers() *address.AddressSet { return t.routers }

// NextCursor returns the next round-robin start offset for mode and
// advances the counter. It never blocks and is safe for concurrent use
// from multiple executors.
func (t *RoutingTable) NextCursor(mode AccessMode) uint64 {
	if mode == Write {
		return t.writeCursor.Add(1) - 1
	}
	return t.readCursor.Add(1) - 1
}

// Snapshot is a diagnostics-only point-in-time view of the table. It is
// never consumed by routing decisions.
type Snapshot struct {
	ExpiresAt time.Time                `json:"expires_at"`
	HasWriter bool                     `json:"has_writer"`
	Readers   []address.ServerAddress  `json:"readers"`
	Writers   []address.ServerAddress  `json:"writers"`
	Routers   []address.ServerAddress  `json:"routers"`
}

// Snapshot returns a best-effort point-in-time view for operational
// introspection (e.g. an admin/debug endpoint).
func (t *RoutingTable) Snapshot() Snapshot {
	comp := t.comp.Load()
	return Snapshot{
		ExpiresAt: comp.ExpiresAt,
		HasWriter: comp.HasWriters(),
		Readers:   t.readers.ToArray(),
		Writers:   t.writers.ToArray(),
		Routers:   t.routers.ToArray(),
	}
}
