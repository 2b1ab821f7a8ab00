package loadbalancer

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/Resinat/clusterdrv/internal/address"
	"github.com/Resinat/clusterdrv/internal/clustererr"
	"github.com/Resinat/clusterdrv/internal/routingtable"
	"github.com/Resinat/clusterdrv/internal/transport"
)

// RoutingConnection wraps a pooled connection acquired on behalf of one
// user operation. It delegates everything to the underlying connection
// except that it watches for failures and, at most once, reports them
// back to the owning LoadBalancer before rethrowing a classified error.
type RoutingConnection struct {
	transport.Connection
	addr    address.ServerAddress
	mode    routingtable.AccessMode
	owner   *LoadBalancer
	notified atomic.Bool
}

func newRoutingConnection(conn transport.Connection, addr address.ServerAddress, mode routingtable.AccessMode, owner *LoadBalancer) *RoutingConnection {
	return &RoutingConnection{Connection: conn, addr: addr, mode: mode, owner: owner}
}

// Address reports the address this connection was acquired against.
func (c *RoutingConnection) Address() address.ServerAddress { return c.addr }

// RunProcedure delegates to the wrapped connection, classifying any
// failure before it reaches the caller.
func (c *RoutingConnection) RunProcedure(ctx context.Context, name string, params map[string]any) ([]transport.Record, error) {
	records, err := c.Connection.RunProcedure(ctx, name, params)
	if err != nil {
		return nil, c.classify(err)
	}
	return records, nil
}

// classify splits failures three ways: connection-level failures and
// write-rejections each notify the owner exactly once and come back as
// SessionExpired; everything else propagates unchanged.
func (c *RoutingConnection) classify(err error) error {
	switch {
	case isConnectionFailure(err):
		c.notifyOnce(false)
		return clustererr.SessionExpired("connection to routed server failed", err)
	case isWriteRejected(err, c.mode):
		c.notifyOnce(true)
		return clustererr.SessionExpired("server rejected write", err)
	default:
		return err
	}
}

func (c *RoutingConnection) notifyOnce(writeRejected bool) {
	if c.notified.CompareAndSwap(false, true) {
		c.owner.onConnectionFailure(c.addr, writeRejected)
	}
}

// isConnectionFailure reports whether err indicates the transport itself
// is unusable (socket broken, unreachable, etc.) as opposed to a
// server-reported application error. Detection is necessarily
// best-effort since the concrete transport implementation lives outside
// this package; callers may wrap clustererr.ServiceUnavailable to signal
// this explicitly.
func isConnectionFailure(err error) bool {
	return clustererr.Is(err, clustererr.KindServiceUnavailable)
}

// ErrWriteRejected is the sentinel a transport implementation should
// wrap to signal "not a leader" / "forbidden on read-only database"
// without this package needing to parse server-specific error codes.
var ErrWriteRejected = errors.New("transport: write rejected by server")

func isWriteRejected(err error, mode routingtable.AccessMode) bool {
	return mode == routingtable.Write && errors.Is(err, ErrWriteRejected)
}
