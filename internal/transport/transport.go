// Package transport declares the external contracts the routing core
// consumes but never implements: the pooled wire connection and the
// connection pool itself. The binary protocol, session state machine,
// and authentication live elsewhere; only these abstract capabilities
// are consumed here.
package transport

import (
	"context"
	"errors"

	"github.com/Resinat/clusterdrv/internal/address"
)

// ErrProcedureNotFound is returned by Connection.RunProcedure when the
// server rejects the routing procedure name outright (the server-defined
// "procedure not found" code). The routing-table provider reclassifies
// this as "this server is not a router".
var ErrProcedureNotFound = errors.New("transport: procedure not found")

// SemVer is a minimal semantic version triple, enough to distinguish the
// legacy (pre-3.2) routing procedure from the parameterized one.
type SemVer struct {
	Major, Minor, Patch int
}

// AtLeast reports whether v >= other.
func (v SemVer) AtLeast(other SemVer) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor > other.Minor
	}
	return v.Patch >= other.Patch
}

// Record is a single result record returned by a remote procedure call.
// Field access is by name since the shape varies by procedure; the
// routing-table provider is the only consumer and knows what to expect.
type Record map[string]any

// Connection is the abstract capability consumed from the transport
// layer: issuing a procedure call and reporting the server's version.
// The concrete session/Bolt-equivalent implementation lives outside this
// module's scope.
type Connection interface {
	// RunProcedure invokes a remote procedure and streams back whatever
	// records the server produced; the caller (ClusterCompositionProvider)
	// is responsible for asserting cardinality.
	RunProcedure(ctx context.Context, name string, params map[string]any) ([]Record, error)
	// ServerVersion reports the connected server's version.
	ServerVersion(ctx context.Context) (SemVer, error)
	// Close releases the connection back to wherever it came from, or
	// tears it down if it is no longer usable.
	Close(ctx context.Context) error
}

// Pool is the external connection pool contract. Acquire may block/
// suspend; Purge must be safe to call concurrently; ActiveConnections is
// best-effort and need not be linearizable.
type Pool interface {
	Acquire(ctx context.Context, addr address.ServerAddress) (Connection, error)
	Purge(addr address.ServerAddress)
	ActiveConnections(addr address.ServerAddress) int
}
