package main

import (
	"context"

	"github.com/Resinat/clusterdrv/internal/address"
	"github.com/Resinat/clusterdrv/internal/transport"
)

// fakeClusterConnection stands in for the real wire protocol connection
// this binary never implements. It answers the routing procedure as if
// talking to a single one-node cluster that plays every role, enough to
// exercise the core end-to-end without a live server.
type fakeClusterConnection struct {
	self address.ServerAddress
}

func (c *fakeClusterConnection) ServerVersion(ctx context.Context) (transport.SemVer, error) {
	return transport.SemVer{Major: 5, Minor: 0, Patch: 0}, nil
}

func (c *fakeClusterConnection) RunProcedure(ctx context.Context, name string, params map[string]any) ([]transport.Record, error) {
	addr := c.self.String()
	return []transport.Record{{
		"ttl": int64(30),
		"servers": []any{
			map[string]any{"role": "READ", "addresses": []any{addr}},
			map[string]any{"role": "WRITE", "addresses": []any{addr}},
			map[string]any{"role": "ROUTE", "addresses": []any{addr}},
		},
	}}, nil
}

func (c *fakeClusterConnection) Close(ctx context.Context) error { return nil }

// fakeDialer builds a Dialer (connpool.Dialer) that always succeeds
// against the fake single-node cluster, regardless of which address is
// requested — every address in this toy topology answers the same way.
func fakeDialer() func(ctx context.Context, addr address.ServerAddress) (transport.Connection, error) {
	return func(ctx context.Context, addr address.ServerAddress) (transport.Connection, error) {
		return &fakeClusterConnection{self: addr}, nil
	}
}
