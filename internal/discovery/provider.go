// Package discovery implements rediscovery of a cluster's routing table:
// invoking the remote "get routing table" procedure on a connection
// (ClusterCompositionProvider) and orchestrating the search across known
// routers and a bootstrap fallback with retries (Rediscovery).
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/Resinat/clusterdrv/internal/address"
	"github.com/Resinat/clusterdrv/internal/clustererr"
	"github.com/Resinat/clusterdrv/internal/composition"
	"github.com/Resinat/clusterdrv/internal/transport"
)

var legacyVersionCeiling = transport.SemVer{Major: 3, Minor: 2, Patch: 0}

const (
	legacyProcedure = "dbms.cluster.routing.getServers"
	currentProcedure = "dbms.cluster.routing.getRoutingTable"
)

// CompositionProvider invokes the remote routing procedure on a given
// connection and parses/validates the result into a ClusterComposition.
type CompositionProvider struct {
	// RoutingContext is forwarded to the 3.2+ procedure so the server can
	// return topology appropriate to this client.
	RoutingContext map[string]string
}

// NewCompositionProvider creates a provider with the given routing context.
func NewCompositionProvider(routingContext map[string]string) *CompositionProvider {
	return &CompositionProvider{RoutingContext: routingContext}
}

// Get invokes the appropriate routing procedure on conn and returns the
// accepted composition, or a classified error:
//   - ProtocolError for a malformed/rejected record, or exactly-zero-router
//     acceptance failure.
//   - AuthenticationError propagated unchanged, never swallowed.
//   - transport.ErrProcedureNotFound reclassified to ProtocolError meaning
//     "this server is not a router".
func (p *CompositionProvider) Get(ctx context.Context, conn transport.Connection, now time.Time) (composition.ClusterComposition, error) {
	version, err := conn.ServerVersion(ctx)
	if err != nil {
		return composition.ClusterComposition{}, fmt.Errorf("discovery: server version: %w", err)
	}

	var records []transport.Record
	if version.AtLeast(legacyVersionCeiling) {
		records, err = conn.RunProcedure(ctx, currentProcedure, map[string]any{
			"context": stringMapToAny(p.RoutingContext),
		})
	} else {
		records, err = conn.RunProcedure(ctx, legacyProcedure, nil)
	}
	if err != nil {
		if clustererr.Is(err, clustererr.KindAuthentication) {
			return composition.ClusterComposition{}, err
		}
		return composition.ClusterComposition{}, classifyProcedureError(err)
	}

	if len(records) != 1 {
		return composition.ClusterComposition{}, clustererr.ProtocolError(
			fmt.Sprintf("expected exactly one routing record, got %d", len(records)), nil)
	}

	return parseRecord(records[0], now)
}

func classifyProcedureError(err error) error {
	if errorIsProcedureNotFound(err) {
		return clustererr.ProtocolError("this server is not a router", err)
	}
	return clustererr.ProtocolError("routing procedure failed", err)
}

func errorIsProcedureNotFound(err error) bool {
	for err != nil {
		if err == transport.ErrProcedureNotFound {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func parseRecord(rec transport.Record, now time.Time) (composition.ClusterComposition, error) {
	ttlSecondsRaw, ok := rec["ttl"]
	if !ok {
		return composition.ClusterComposition{}, clustererr.ProtocolError("routing record missing ttl", nil)
	}
	ttlSeconds, err := toInt(ttlSecondsRaw)
	if err != nil {
		return composition.ClusterComposition{}, clustererr.ProtocolError("routing record ttl is not numeric", err)
	}

	serversRaw, ok := rec["servers"]
	if !ok {
		return composition.ClusterComposition{}, clustererr.ProtocolError("routing record missing servers", nil)
	}
	serverEntries, ok := serversRaw.([]any)
	if !ok {
		return composition.ClusterComposition{}, clustererr.ProtocolError("routing record servers is not a list", nil)
	}

	var readers, writers, routers []address.ServerAddress
	for _, entryRaw := range serverEntries {
		entry, ok := entryRaw.(map[string]any)
		if !ok {
			return composition.ClusterComposition{}, clustererr.ProtocolError("routing record server entry malformed", nil)
		}
		role, _ := entry["role"].(string)
		addrsRaw, _ := entry["addresses"].([]any)

		var parsed []address.ServerAddress
		for _, a := range addrsRaw {
			s, ok := a.(string)
			if !ok {
				return composition.ClusterComposition{}, clustererr.ProtocolError("routing record address is not a string", nil)
			}
			addr, err := address.Parse(s)
			if err != nil {
				return composition.ClusterComposition{}, clustererr.ProtocolError("routing record address malformed", err)
			}
			parsed = append(parsed, addr)
		}

		switch composition.Role(role) {
		case composition.RoleRead:
			readers = append(readers, parsed...)
		case composition.RoleWrite:
			writers = append(writers, parsed...)
		case composition.RoleRoute:
			routers = append(routers, parsed...)
		default:
			// Unknown roles are ignored.
		}
	}

	if len(routers) == 0 {
		return composition.ClusterComposition{}, clustererr.ProtocolError("routing record has no routers", nil)
	}

	ttl := time.Duration(ttlSeconds) * time.Second
	return composition.New(now, ttl, readers, writers, routers), nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("discovery: unsupported numeric type %T", v)
	}
}
