package discovery

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Resinat/clusterdrv/internal/address"
	"github.com/Resinat/clusterdrv/internal/clock"
	"github.com/Resinat/clusterdrv/internal/clustererr"
	"github.com/Resinat/clusterdrv/internal/composition"
	"github.com/Resinat/clusterdrv/internal/resolver"
	"github.com/Resinat/clusterdrv/internal/routinglog"
	"github.com/Resinat/clusterdrv/internal/routingtable"
	"github.com/Resinat/clusterdrv/internal/transport"
)

// strategy picks which candidate set Rediscovery tries first on a given
// round. It starts knownFirst and flips to bootstrapFirst the moment a
// round accepts a composition with no writers — a common signal of an
// in-progress failover where the previously known routers may be stale
// — and only flips back once a composition with writers is observed
// again. This bias is sticky rather than one-shot so a failover in
// progress doesn't get undone by the very next round.
type strategy int

const (
	knownFirst strategy = iota
	bootstrapFirst
)

// RetryTimeoutDelay returns the current per-attempt backoff unit. It is a
// function rather than a fixed value so it can be wired to a live
// settings reload without restarting the driver.
type RetryTimeoutDelay func() time.Duration

// Rediscovery runs the cluster routing procedure against a sequence of
// candidate routers until one answers, applying the exponential backoff
// and attempt budget from configuration, trying known routers and a
// bootstrap fallback in an order that adapts to recent outcomes.
type Rediscovery struct {
	clk       clock.Clock
	pool      transport.Pool
	provider  *CompositionProvider
	resolve   resolver.HostNameResolver
	table     *routingtable.RoutingTable
	bootstrap address.ServerAddress

	maxFailures uint
	retryDelay  RetryTimeoutDelay

	strategy atomic.Int32

	// recorder is an optional audit sink; nil means no recording. Set via
	// SetRecorder rather than a constructor argument so callers that don't
	// care about the audit trail (most tests) are unaffected.
	recorder *routinglog.Recorder
}

// SetRecorder attaches an audit trail recorder. Safe to call at most once
// before the Rediscovery is used concurrently.
func (r *Rediscovery) SetRecorder(rec *routinglog.Recorder) {
	r.recorder = rec
}

// New builds a Rediscovery. maxFailures must be positive; retryDelay is
// consulted on every attempt rather than read once, so a live config
// reload takes effect on the very next rediscovery round.
func New(
	clk clock.Clock,
	pool transport.Pool,
	provider *CompositionProvider,
	resolve resolver.HostNameResolver,
	table *routingtable.RoutingTable,
	bootstrap address.ServerAddress,
	maxFailures uint,
	retryDelay RetryTimeoutDelay,
) *Rediscovery {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Rediscovery{
		clk:         clk,
		pool:        pool,
		provider:    provider,
		resolve:     resolve,
		table:       table,
		bootstrap:   bootstrap,
		maxFailures: maxFailures,
		retryDelay:  retryDelay,
	}
}

// Run performs one full rediscovery search: it tries candidate routers in
// the current strategy's order, backing off between failed attempts, and
// returns the first accepted composition. It returns a
// clustererr.ServiceUnavailable error once maxFailures attempts have all
// failed, or an AuthenticationError immediately if any candidate reports
// one — authentication failures abort the search rather than being
// retried against another candidate.
func (r *Rediscovery) Run(ctx context.Context) (composition.ClusterComposition, error) {
	var lastErr error
	attemptID := uuid.NewString()
	unit := r.retryDelay()
	delay := unit

	for attempt := uint(0); attempt < r.maxFailures; attempt++ {
		candidates, err := r.candidates(ctx)
		if err != nil {
			lastErr = err
		} else {
			comp, tryErr := r.tryCandidates(ctx, attemptID, candidates)
			if tryErr == nil {
				r.observeComposition(comp)
				return comp, nil
			}
			if clustererr.Is(tryErr, clustererr.KindAuthentication) {
				return composition.ClusterComposition{}, tryErr
			}
			lastErr = tryErr
		}

		if attempt+1 < r.maxFailures {
			r.backoff(ctx, delay)
			delay = nextDelay(delay, unit)
		}
	}

	return composition.ClusterComposition{}, clustererr.ServiceUnavailable(
		"no routing servers available", lastErr)
}

// candidates builds this round's ordered, deduplicated candidate list:
// known routers first or bootstrap-resolved addresses first depending on
// the current sticky strategy, always with the other set appended as a
// fallback so a round never has zero candidates solely because one
// source returned nothing.
func (r *Rediscovery) candidates(ctx context.Context) ([]address.ServerAddress, error) {
	known := r.table.Routers().ToArray()

	resolved, err := r.resolve.Resolve(ctx, r.bootstrap)
	if err != nil {
		log.Printf("discovery: bootstrap resolution failed: %v", err)
		resolved = nil
	}
	if len(resolved) == 0 {
		resolved = []address.ServerAddress{r.bootstrap}
	}

	var ordered []address.ServerAddress
	if r.currentStrategy() == bootstrapFirst {
		ordered = append(ordered, resolved...)
		ordered = append(ordered, known...)
	} else {
		ordered = append(ordered, known...)
		ordered = append(ordered, resolved...)
	}
	return dedup(ordered), nil
}

// tryCandidates attempts each candidate in order, forgetting routers that
// prove unusable, and returns the first accepted composition.
// Authentication errors abort immediately without trying further
// candidates. Every other per-candidate error forgets that router,
// goes to the audit recorder if one is attached, and the search
// continues to the next one.
func (r *Rediscovery) tryCandidates(ctx context.Context, attemptID string, candidates []address.ServerAddress) (composition.ClusterComposition, error) {
	var lastErr error
	for _, addr := range candidates {
		conn, err := r.pool.Acquire(ctx, addr)
		if err != nil {
			lastErr = fmt.Errorf("discovery: acquire %s: %w", addr, err)
			r.table.ForgetRouter(addr)
			r.recordAttempt(attemptID, addr, routinglog.OutcomeError, lastErr)
			continue
		}

		comp, err := r.provider.Get(ctx, conn, r.clk.Now())
		closeErr := conn.Close(ctx)
		if err != nil {
			if clustererr.Is(err, clustererr.KindAuthentication) {
				r.recordAttempt(attemptID, addr, routinglog.OutcomeRejected, err)
				return composition.ClusterComposition{}, err
			}
			lastErr = fmt.Errorf("discovery: get routing table from %s: %w", addr, err)
			r.table.ForgetRouter(addr)
			r.recordAttempt(attemptID, addr, routinglog.OutcomeRejected, lastErr)
			continue
		}
		if closeErr != nil {
			log.Printf("discovery: close connection to %s: %v", addr, closeErr)
		}
		r.recordAttempt(attemptID, addr, routinglog.OutcomeAccepted, nil)
		return comp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("discovery: no candidates to try")
	}
	return composition.ClusterComposition{}, lastErr
}

func (r *Rediscovery) recordAttempt(attemptID string, addr address.ServerAddress, outcome routinglog.AttemptOutcome, err error) {
	if r.recorder != nil {
		r.recorder.RecordAttempt(attemptID, addr, outcome, err)
	}
}

// observeComposition applies the sticky strategy transition: a
// writer-less composition flips to bootstrapFirst, a composition with
// writers flips back to knownFirst.
func (r *Rediscovery) observeComposition(comp composition.ClusterComposition) {
	if comp.HasWriters() {
		r.setStrategy(knownFirst)
	} else {
		r.setStrategy(bootstrapFirst)
	}
}

func (r *Rediscovery) currentStrategy() strategy {
	return strategy(r.strategy.Load())
}

func (r *Rediscovery) setStrategy(s strategy) {
	r.strategy.Store(int32(s))
}

// backoff sleeps for delay, the current inter-attempt wait.
func (r *Rediscovery) backoff(ctx context.Context, delay time.Duration) {
	select {
	case <-ctx.Done():
	default:
		r.clk.Sleep(delay)
	}
}

// nextDelay doubles delay for the following attempt, flooring it at unit
// so a live config reload that shrinks the retry unit can never produce a
// shorter wait than the unit itself.
func nextDelay(delay, unit time.Duration) time.Duration {
	delay *= 2
	if delay < unit {
		delay = unit
	}
	return delay
}

func dedup(addrs []address.ServerAddress) []address.ServerAddress {
	seen := make(map[address.ServerAddress]struct{}, len(addrs))
	out := make([]address.ServerAddress, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
