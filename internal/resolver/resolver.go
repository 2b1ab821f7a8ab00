// Package resolver implements HostNameResolver: expanding a bootstrap
// hostname into zero or more resolved addresses. This package only owns
// hostname normalization (internationalized router names via idna, which
// stdlib net does not handle) before delegating the lookup itself to
// net.Resolver.
package resolver

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/idna"

	"github.com/Resinat/clusterdrv/internal/address"
)

// HostNameResolver expands a bootstrap address into the set of addresses
// it currently resolves to. Returning zero addresses (not an error) is
// valid and means "nothing resolved right now".
type HostNameResolver interface {
	Resolve(ctx context.Context, bootstrap address.ServerAddress) ([]address.ServerAddress, error)
}

// netLookup abstracts net.DefaultResolver.LookupHost for testing.
type netLookup func(ctx context.Context, host string) ([]string, error)

// DNS is the production HostNameResolver: normalizes the hostname with
// idna, then resolves it via the standard resolver, pairing every
// returned IP with the bootstrap port.
type DNS struct {
	lookup netLookup
}

// NewDNS creates a DNS resolver using the process's default resolver.
func NewDNS() *DNS {
	return &DNS{lookup: net.DefaultResolver.LookupHost}
}

// NewDNSWithLookup creates a DNS resolver with an injected lookup
// function, used by tests to avoid touching real DNS.
func NewDNSWithLookup(lookup netLookup) *DNS {
	return &DNS{lookup: lookup}
}

// Resolve normalizes bootstrap.Host via idna (a no-op for plain ASCII
// hostnames and IP literals) and resolves it to zero or more addresses,
// each paired with the bootstrap's port.
func (d *DNS) Resolve(ctx context.Context, bootstrap address.ServerAddress) ([]address.ServerAddress, error) {
	host := bootstrap.Host
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}

	lookup := d.lookup
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}

	ips, err := lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolver: resolve %q: %w", host, err)
	}

	out := make([]address.ServerAddress, 0, len(ips))
	for _, ip := range ips {
		out = append(out, address.New(ip, bootstrap.Port))
	}
	return out, nil
}
