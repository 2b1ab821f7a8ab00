// Package loadbalancer implements the routing core's public front door:
// ensuring a fresh routing table before every acquisition, selecting a
// candidate by access mode with a least-connected-plus-round-robin
// policy, and forgetting addresses whose connections fail.
//
// The single-flight refresh uses an xsync.Map.LoadOrCompute-style pattern
// so concurrent callers racing a stale table share one refresh. The
// scoring loop is a full least-connected scan over readers()/writers()
// rather than a sampled pick, since every candidate needs scoring, not
// just two.
package loadbalancer

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/Resinat/clusterdrv/internal/address"
	"github.com/Resinat/clusterdrv/internal/clustererr"
	"github.com/Resinat/clusterdrv/internal/discovery"
	"github.com/Resinat/clusterdrv/internal/routinglog"
	"github.com/Resinat/clusterdrv/internal/routingtable"
	"github.com/Resinat/clusterdrv/internal/transport"
)

// refreshCall is a single in-flight (or completed) refresh: done is
// closed once err is safe to read, so any number of waiters can select on
// it and then read err without consuming anything.
type refreshCall struct {
	done chan struct{}
	err  error
}

// LoadBalancer is the public acquisition surface. One instance owns one
// RoutingTable and one connection pool for the lifetime of the driver.
type LoadBalancer struct {
	table       *routingtable.RoutingTable
	pool        transport.Pool
	rediscovery *discovery.Rediscovery

	// inFlight deduplicates concurrent ensure_routing calls: all callers
	// racing to refresh a stale table share one Rediscovery.Run and
	// observe the same outcome.
	inFlight *xsync.Map[string, *refreshCall]

	// recorder is an optional audit sink for accepted composition
	// transitions; nil means no recording.
	recorder *routinglog.Recorder
}

// SetRecorder attaches an audit trail recorder. Safe to call at most once
// before the LoadBalancer is used concurrently.
func (lb *LoadBalancer) SetRecorder(rec *routinglog.Recorder) {
	lb.recorder = rec
}

const refreshKey = "refresh" // single key: one routing table, one refresh at a time

// New constructs a LoadBalancer and performs the mandatory initial
// synchronous ensure_routing(READ) so a bad bootstrap configuration
// fails the caller immediately rather than on the first real request.
func New(ctx context.Context, table *routingtable.RoutingTable, pool transport.Pool, rediscovery *discovery.Rediscovery) (*LoadBalancer, error) {
	lb := &LoadBalancer{
		table:       table,
		pool:        pool,
		rediscovery: rediscovery,
		inFlight:    xsync.NewMap[string, *refreshCall](),
	}
	if err := lb.ensureRouting(ctx, routingtable.Read); err != nil {
		return nil, err
	}
	return lb, nil
}

// Acquire selects a connection for the given access mode, ensuring a
// fresh routing table first.
func (lb *LoadBalancer) Acquire(ctx context.Context, mode routingtable.AccessMode) (*RoutingConnection, error) {
	if err := lb.ensureRouting(ctx, mode); err != nil {
		return nil, err
	}

	conn, err := lb.acquireFromCandidates(ctx, mode)
	if err == nil {
		return conn, nil
	}

	// One full candidate pass failed: force a fresh lookup and retry once
	// more before giving up.
	if forceErr := lb.forceRefresh(ctx); forceErr != nil {
		return nil, forceErr
	}
	conn, err = lb.acquireFromCandidates(ctx, mode)
	if err != nil {
		return nil, clustererr.SessionExpired(
			fmt.Sprintf("failed to obtain connection towards %s server", mode), err)
	}
	return conn, nil
}

// ensureRouting refreshes the routing table if it is stale for mode,
// coalescing concurrent callers onto a single in-flight Rediscovery run.
func (lb *LoadBalancer) ensureRouting(ctx context.Context, mode routingtable.AccessMode) error {
	if !lb.table.IsStaleFor(mode) {
		return nil
	}
	return lb.refresh(ctx, func() bool { return lb.table.IsStaleFor(mode) })
}

// forceRefresh refreshes regardless of staleness, used by the retry path
// in Acquire after a full candidate pass has failed.
func (lb *LoadBalancer) forceRefresh(ctx context.Context) error {
	return lb.refresh(ctx, nil)
}

// refresh runs one Rediscovery round shared by every concurrent caller.
// If stillStale is non-nil and reports false once this caller has become
// the refresher, a refresh that finished in the meantime already did the
// work and no new round is started.
func (lb *LoadBalancer) refresh(ctx context.Context, stillStale func() bool) error {
	call := &refreshCall{done: make(chan struct{})}
	actual, loaded := lb.inFlight.LoadOrStore(refreshKey, call)
	if loaded {
		// Someone else is already refreshing; wait for their result.
		select {
		case <-actual.done:
			return actual.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// We are the refresher.
	if stillStale != nil && !stillStale() {
		lb.inFlight.Delete(refreshKey)
		close(call.done)
		return nil
	}
	comp, err := lb.rediscovery.Run(ctx)
	if err == nil {
		removed := lb.table.Update(comp)
		for _, a := range removed {
			lb.pool.Purge(a)
		}
		if lb.recorder != nil {
			lb.recorder.RecordCompositionUpdate(comp, removed)
		}
	} else {
		err = clustererr.ServiceUnavailable("routing table refresh failed", err)
	}

	lb.inFlight.Delete(refreshKey)
	call.err = err
	close(call.done)
	return err
}

// acquireFromCandidates runs one full least-connected scan over the
// candidate set for mode, trying acquisitions in scored order until one
// succeeds or all are exhausted.
func (lb *LoadBalancer) acquireFromCandidates(ctx context.Context, mode routingtable.AccessMode) (*RoutingConnection, error) {
	candidates := lb.candidateSet(mode).ToArray()
	if len(candidates) == 0 {
		return nil, clustererr.SessionExpired(
			fmt.Sprintf("failed to obtain connection towards %s server", mode), nil)
	}

	order := leastConnectedOrder(candidates, lb.pool, lb.table.NextCursor(mode))
	var lastErr error
	for _, addr := range order {
		conn, err := lb.pool.Acquire(ctx, addr)
		if err != nil {
			lastErr = fmt.Errorf("loadbalancer: acquire %s: %w", addr, err)
			lb.table.Forget(addr)
			lb.pool.Purge(addr)
			continue
		}
		return newRoutingConnection(conn, addr, mode, lb), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("loadbalancer: no candidates for %s", mode)
	}
	return nil, lastErr
}

func (lb *LoadBalancer) candidateSet(mode routingtable.AccessMode) *address.AddressSet {
	if mode == routingtable.Write {
		return lb.table.Writers()
	}
	return lb.table.Readers()
}

// leastConnectedOrder returns candidates ordered by least-connected
// scoring with a round-robin tiebreak: starting at cursor mod n, scan all
// n addresses and sort by ascending active-connection count, breaking
// ties by earliest scanned position (i.e. round-robin offset from the
// cursor).
func leastConnectedOrder(candidates []address.ServerAddress, pool transport.Pool, cursor uint64) []address.ServerAddress {
	n := len(candidates)
	type scored struct {
		addr  address.ServerAddress
		load  int
		order int
	}
	scoredCandidates := make([]scored, n)
	start := int(cursor % uint64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		addr := candidates[idx]
		scoredCandidates[i] = scored{addr: addr, load: pool.ActiveConnections(addr), order: i}
	}

	// Stable insertion sort by (load, scan order) keeps ties at earliest
	// scanned position without pulling in sort.Slice's non-stability
	// concerns for small n (routing tables are rarely more than a
	// handful of servers).
	for i := 1; i < n; i++ {
		key := scoredCandidates[i]
		j := i - 1
		for j >= 0 && less(key, scoredCandidates[j]) {
			scoredCandidates[j+1] = scoredCandidates[j]
			j--
		}
		scoredCandidates[j+1] = key
	}

	out := make([]address.ServerAddress, n)
	for i, s := range scoredCandidates {
		out[i] = s.addr
	}
	return out
}

func less(a, b struct {
	addr  address.ServerAddress
	load  int
	order int
}) bool {
	if a.load != b.load {
		return a.load < b.load
	}
	return a.order < b.order
}

// onConnectionFailure handles a failed connection: connection-level
// errors forget the address as a reader and writer (it stays a router),
// write-side rejections
// forget it only as a writer. Either way the pool is purged.
func (lb *LoadBalancer) onConnectionFailure(addr address.ServerAddress, writeRejected bool) {
	if writeRejected {
		lb.table.ForgetWriter(addr)
	} else {
		lb.table.Forget(addr)
	}
	lb.pool.Purge(addr)
}
