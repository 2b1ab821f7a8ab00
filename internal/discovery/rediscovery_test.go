package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Resinat/clusterdrv/internal/address"
	"github.com/Resinat/clusterdrv/internal/clock"
	"github.com/Resinat/clusterdrv/internal/clustererr"
	"github.com/Resinat/clusterdrv/internal/composition"
	"github.com/Resinat/clusterdrv/internal/routingtable"
	"github.com/Resinat/clusterdrv/internal/transport"
)

// instantClock never actually sleeps; it only needs to serve Now() for
// the composition TTL calculation and let backoff return immediately so
// retry tests run fast and deterministically.
type instantClock struct{ t time.Time }

func (c *instantClock) Now() time.Time          { return c.t }
func (c *instantClock) Sleep(time.Duration)      {}

func noDelay() time.Duration { return time.Millisecond }

// recordingClock never actually sleeps but records every requested
// duration, so backoff growth can be asserted without a test that
// actually waits out the delays.
type recordingClock struct {
	t      time.Time
	sleeps []time.Duration
}

func (c *recordingClock) Now() time.Time { return c.t }
func (c *recordingClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
}

// fakeConn is a scripted transport.Connection.
type fakeConn struct {
	version   transport.SemVer
	versionErr error
	records   []transport.Record
	procErr   error
	closed    bool
}

func (c *fakeConn) RunProcedure(ctx context.Context, name string, params map[string]any) ([]transport.Record, error) {
	if c.procErr != nil {
		return nil, c.procErr
	}
	return c.records, nil
}

func (c *fakeConn) ServerVersion(ctx context.Context) (transport.SemVer, error) {
	if c.versionErr != nil {
		return transport.SemVer{}, c.versionErr
	}
	return c.version, nil
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

// fakePool dispenses scripted connections per address, or fails Acquire
// for addresses listed in failAcquire.
type fakePool struct {
	conns       map[address.ServerAddress]*fakeConn
	failAcquire map[address.ServerAddress]bool
}

func newFakePool() *fakePool {
	return &fakePool{
		conns:       map[address.ServerAddress]*fakeConn{},
		failAcquire: map[address.ServerAddress]bool{},
	}
}

func (p *fakePool) Acquire(ctx context.Context, addr address.ServerAddress) (transport.Connection, error) {
	if p.failAcquire[addr] {
		return nil, errors.New("connection refused")
	}
	c, ok := p.conns[addr]
	if !ok {
		return nil, errors.New("no route to host")
	}
	return c, nil
}

func (p *fakePool) Purge(addr address.ServerAddress)         {}
func (p *fakePool) ActiveConnections(addr address.ServerAddress) int { return 0 }

type fakeResolver struct {
	addrs []address.ServerAddress
	err   error
}

func (r fakeResolver) Resolve(ctx context.Context, bootstrap address.ServerAddress) ([]address.ServerAddress, error) {
	return r.addrs, r.err
}

func goodRecord(readers, writers, routers []string) transport.Record {
	entries := []any{}
	add := func(role string, addrs []string) {
		if len(addrs) == 0 {
			return
		}
		as := make([]any, len(addrs))
		for i, a := range addrs {
			as[i] = a
		}
		entries = append(entries, map[string]any{"role": role, "addresses": as})
	}
	add("READ", readers)
	add("WRITE", writers)
	add("ROUTE", routers)
	return transport.Record{"ttl": 300, "servers": entries}
}

func mustAddr(t *testing.T, s string) address.ServerAddress {
	t.Helper()
	a, err := address.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

func TestRediscoveryAcceptsFirstHealthyRouter(t *testing.T) {
	bootstrap := mustAddr(t, "bootstrap:7687")

	pool := newFakePool()
	pool.conns[bootstrap] = &fakeConn{
		version: transport.SemVer{Major: 4, Minor: 3},
		records: []transport.Record{goodRecord(
			[]string{"reader1:7687"}, []string{"writer1:7687"}, []string{"router1:7687"},
		)},
	}

	table := routingtable.New(nil)
	rd := New(&instantClock{}, pool, NewCompositionProvider(nil), fakeResolver{}, table,
		bootstrap, 3, noDelay)

	comp, err := rd.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !comp.HasWriters() {
		t.Fatal("expected a writer in the accepted composition")
	}
	if pool.conns[bootstrap].closed != true {
		t.Error("expected the successful connection to be closed after use")
	}
}

func TestRediscoveryForgetsBadRouterAndTriesNext(t *testing.T) {
	bootstrap := mustAddr(t, "bootstrap:7687")
	badRouter := mustAddr(t, "bad:7687")
	goodRouter := mustAddr(t, "good:7687")

	table := routingtable.New(nil)
	table.Update(mustComposition(t, nil, nil, []address.ServerAddress{badRouter, goodRouter}))

	pool := newFakePool()
	pool.failAcquire[badRouter] = true
	pool.conns[goodRouter] = &fakeConn{
		version: transport.SemVer{Major: 4},
		records: []transport.Record{goodRecord(nil, []string{"writer1:7687"}, []string{"good:7687"})},
	}

	rd := New(&instantClock{}, pool, NewCompositionProvider(nil), fakeResolver{}, table,
		bootstrap, 3, noDelay)

	comp, err := rd.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !comp.HasWriters() {
		t.Fatal("expected accepted composition to have a writer")
	}
	if table.Routers().Contains(badRouter) {
		t.Error("expected bad router to be forgotten")
	}
}

func TestRediscoveryAbortsImmediatelyOnAuthenticationError(t *testing.T) {
	bootstrap := mustAddr(t, "bootstrap:7687")
	table := routingtable.New(nil)

	pool := newFakePool()
	pool.conns[bootstrap] = &fakeConn{
		version: transport.SemVer{Major: 4},
		procErr: clustererr.AuthenticationError("bad credentials", nil),
	}

	rd := New(&instantClock{}, pool, NewCompositionProvider(nil), fakeResolver{}, table,
		bootstrap, 5, noDelay)

	_, err := rd.Run(context.Background())
	if !clustererr.Is(err, clustererr.KindAuthentication) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
}

func TestRediscoveryExhaustsAttemptsAndReturnsServiceUnavailable(t *testing.T) {
	bootstrap := mustAddr(t, "bootstrap:7687")
	table := routingtable.New(nil)
	pool := newFakePool() // no connections registered anywhere: every Acquire fails

	rd := New(&instantClock{}, pool, NewCompositionProvider(nil), fakeResolver{}, table,
		bootstrap, 3, noDelay)

	_, err := rd.Run(context.Background())
	if !clustererr.Is(err, clustererr.KindServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
}

func TestRediscoveryFlipsToBootstrapFirstAfterNoWriterComposition(t *testing.T) {
	bootstrap := mustAddr(t, "bootstrap:7687")
	router1 := mustAddr(t, "router1:7687")

	table := routingtable.New(nil)
	table.Update(mustComposition(t, nil, []address.ServerAddress{}, []address.ServerAddress{router1}))

	pool := newFakePool()
	pool.conns[router1] = &fakeConn{
		version: transport.SemVer{Major: 4},
		records: []transport.Record{goodRecord(nil, nil, []string{"router1:7687"})},
	}

	rd := New(&instantClock{}, pool, NewCompositionProvider(nil), fakeResolver{}, table,
		bootstrap, 3, noDelay)

	comp, err := rd.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if comp.HasWriters() {
		t.Fatal("test fixture expected a writer-less composition")
	}
	if rd.currentStrategy() != bootstrapFirst {
		t.Error("expected strategy to flip to bootstrapFirst after a writer-less composition")
	}
}

func TestRediscoveryBackoffDoublesEachAttempt(t *testing.T) {
	bootstrap := mustAddr(t, "bootstrap:7687")
	table := routingtable.New(nil)
	pool := newFakePool() // every Acquire fails, forcing all attempts to exhaust

	clk := &recordingClock{}
	unit := 10 * time.Millisecond
	rd := New(clk, pool, NewCompositionProvider(nil), fakeResolver{}, table,
		bootstrap, 4, func() time.Duration { return unit })

	_, err := rd.Run(context.Background())
	if !clustererr.Is(err, clustererr.KindServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}

	want := []time.Duration{unit, 2 * unit, 4 * unit}
	if len(clk.sleeps) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %d: %v", len(want), len(clk.sleeps), clk.sleeps)
	}
	for i, d := range want {
		if clk.sleeps[i] != d {
			t.Errorf("sleep %d: expected %v, got %v (full sequence %v)", i, d, clk.sleeps[i], clk.sleeps)
		}
	}
}

// TestRediscoveryBackoffHonorsWallClockBounds exercises the real clock
// (not a fake) to confirm the doubling backoff actually elapses wall time
// within the expected window: two attempts at a 50ms unit sleep once for
// 50ms between them, so the whole run should take at least 50ms but stay
// well under a second wait (100ms would be the next doubled step, never
// reached since maxFailures stops after the second attempt).
func TestRediscoveryBackoffHonorsWallClockBounds(t *testing.T) {
	bootstrap := mustAddr(t, "bootstrap:7687")
	table := routingtable.New(nil)
	pool := newFakePool() // every Acquire fails, forcing both attempts to exhaust

	unit := 50 * time.Millisecond
	rd := New(clock.Real{}, pool, NewCompositionProvider(nil), fakeResolver{}, table,
		bootstrap, 2, func() time.Duration { return unit })

	start := time.Now()
	_, err := rd.Run(context.Background())
	elapsed := time.Since(start)

	if !clustererr.Is(err, clustererr.KindServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("expected at least one 50ms backoff sleep, elapsed only %v", elapsed)
	}
	if elapsed >= 200*time.Millisecond {
		t.Errorf("expected elapsed time under 200ms for a single backoff, got %v", elapsed)
	}
}

func mustComposition(t *testing.T, readers, writers, routers []address.ServerAddress) composition.ClusterComposition {
	t.Helper()
	return composition.New(time.Now(), time.Minute, readers, writers, routers)
}
