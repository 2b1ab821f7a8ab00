// Package connpool provides an in-memory reference implementation of
// transport.Pool, used by tests and the example CLI. A real deployment
// is expected to supply its own Pool wired to the actual wire protocol;
// this one exists so the routing core is exercisable end-to-end without
// one.
//
// Active-connection accounting uses an xsync.Map of atomic counters keyed
// per address. Idle connection storage uses a bounded otter.Cache with a
// Range-based sweep rather than relying on per-entry TTL callbacks.
package connpool

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/Resinat/clusterdrv/internal/address"
	"github.com/Resinat/clusterdrv/internal/transport"
)

// Dialer creates a brand-new connection to addr. The wire protocol
// itself is out of scope for this module; Dialer is the seam a concrete
// transport implementation plugs into.
type Dialer func(ctx context.Context, addr address.ServerAddress) (transport.Connection, error)

// Config tunes the reference Pool.
type Config struct {
	Dial Dialer
	// IdleTTL bounds how long a released connection may sit idle before
	// the sweep closes it. Zero disables the TTL sweep (connections are
	// still reused, just never proactively evicted).
	IdleTTL time.Duration
	// MaxIdle bounds the number of idle connections retained across all
	// addresses combined.
	MaxIdle int
	// SweepSchedule is a cron expression controlling how often the idle
	// sweep runs. Empty disables scheduled sweeping.
	SweepSchedule string
}

type idleEntry struct {
	conn     transport.Connection
	pooledAt time.Time
}

// Pool is the reference transport.Pool implementation.
type Pool struct {
	dial    Dialer
	idleTTL time.Duration

	idle   otter.Cache[address.ServerAddress, idleEntry]
	active *xsync.Map[address.ServerAddress, *atomic.Int64]

	sweep *cron.Cron
}

// New builds a Pool. If cfg.MaxIdle is zero a reasonable default is used.
func New(cfg Config) (*Pool, error) {
	if cfg.Dial == nil {
		return nil, fmt.Errorf("connpool: Dial is required")
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 64
	}

	idle, err := otter.MustBuilder[address.ServerAddress, idleEntry](maxIdle).
		Cost(func(_ address.ServerAddress, _ idleEntry) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("connpool: build idle cache: %w", err)
	}

	p := &Pool{
		dial:    cfg.Dial,
		idleTTL: cfg.IdleTTL,
		idle:    idle,
		active:  xsync.NewMap[address.ServerAddress, *atomic.Int64](),
	}

	if cfg.SweepSchedule != "" {
		p.sweep = cron.New()
		if _, err := p.sweep.AddFunc(cfg.SweepSchedule, p.sweepIdle); err != nil {
			return nil, fmt.Errorf("connpool: invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
		p.sweep.Start()
	}

	return p, nil
}

// Acquire satisfies transport.Pool: reuse an idle connection for addr if
// one is pooled, otherwise dial a new one. Either way the returned
// connection is wrapped so that Close() returns it to the idle set
// instead of tearing it down.
func (p *Pool) Acquire(ctx context.Context, addr address.ServerAddress) (transport.Connection, error) {
	var conn transport.Connection
	if entry, ok := p.idle.Get(addr); ok {
		p.idle.Delete(addr)
		conn = entry.conn
	} else {
		dialed, err := p.dial(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("connpool: dial %s: %w", addr, err)
		}
		conn = dialed
	}

	p.counter(addr).Add(1)
	return &pooledConn{Connection: conn, addr: addr, pool: p}, nil
}

// Purge satisfies transport.Pool: closes and discards any idle connection
// held for addr. Connections currently checked out are unaffected; when
// one is later returned it goes into the now-empty idle slot like any
// other released connection, so Purge does not close it.
func (p *Pool) Purge(addr address.ServerAddress) {
	if entry, ok := p.idle.Get(addr); ok {
		p.idle.Delete(addr)
		if err := entry.conn.Close(context.Background()); err != nil {
			log.Printf("connpool: close purged idle connection to %s: %v", addr, err)
		}
	}
}

// ActiveConnections satisfies transport.Pool: the number of connections
// currently checked out for addr (idle connections are not counted).
func (p *Pool) ActiveConnections(addr address.ServerAddress) int {
	ctr, ok := p.active.Load(addr)
	if !ok {
		return 0
	}
	return int(ctr.Load())
}

func (p *Pool) counter(addr address.ServerAddress) *atomic.Int64 {
	ctr, _ := p.active.LoadOrStore(addr, new(atomic.Int64))
	return ctr
}

// release is called by pooledConn.Close. It keeps the returned
// connection open in the idle slot for addr when that slot is free.
// Otherwise it closes the returned connection and leaves the existing
// idle one in place. Idle connections are closed later by the sweep,
// Purge, or Pool.Close.
func (p *Pool) release(addr address.ServerAddress, conn transport.Connection) {
	if ctr, ok := p.active.Load(addr); ok {
		ctr.Add(-1)
	}
	if existing, ok := p.idle.Get(addr); ok {
		// Another connection is already idle for this address (only one
		// idle slot is kept per address); close the surplus instead of
		// leaking it, and leave the existing one in place.
		_ = existing
		if err := conn.Close(context.Background()); err != nil {
			log.Printf("connpool: close surplus idle connection to %s: %v", addr, err)
		}
		return
	}
	p.idle.Set(addr, idleEntry{conn: conn, pooledAt: time.Now()})
}

// sweepIdle closes and evicts every idle connection older than idleTTL.
// A no-op if IdleTTL is zero.
func (p *Pool) sweepIdle() {
	if p.idleTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.idleTTL)
	var expired []address.ServerAddress
	p.idle.Range(func(addr address.ServerAddress, entry idleEntry) bool {
		if entry.pooledAt.Before(cutoff) {
			expired = append(expired, addr)
		}
		return true
	})
	for _, addr := range expired {
		if entry, ok := p.idle.Get(addr); ok {
			p.idle.Delete(addr)
			if err := entry.conn.Close(context.Background()); err != nil {
				log.Printf("connpool: close expired idle connection to %s: %v", addr, err)
			}
		}
	}
}

// Close stops the sweep scheduler and closes every idle connection.
// Connections still checked out by callers are unaffected.
func (p *Pool) Close() {
	if p.sweep != nil {
		<-p.sweep.Stop().Done()
	}
	p.idle.Range(func(addr address.ServerAddress, entry idleEntry) bool {
		entry.conn.Close(context.Background())
		return true
	})
	p.idle.Close()
}

// pooledConn is the wrapper handed back from Acquire. Close always
// returns the connection to the pool's idle set rather than tearing it
// down; only the pool itself decides when a real Close happens.
type pooledConn struct {
	transport.Connection
	addr address.ServerAddress
	pool *Pool
}

func (c *pooledConn) Close(ctx context.Context) error {
	c.pool.release(c.addr, c.Connection)
	return nil
}
