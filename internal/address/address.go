// Package address provides the value-typed ServerAddress and the ordered,
// duplicate-free AddressSet used throughout the routing core.
package address

import (
	"fmt"
	"net"
	"strings"

	"github.com/zeebo/xxh3"
)

// ServerAddress is a (host, port) pair identifying a cluster member.
// It is value-typed: equality and hashing are by the pair, and it is safe
// to use as a map key.
type ServerAddress struct {
	Host string
	Port string
}

// New builds a ServerAddress from host and port parts.
func New(host, port string) ServerAddress {
	return ServerAddress{Host: host, Port: port}
}

// Parse splits "host:port" into a ServerAddress. IPv6 literals must be
// bracketed, e.g. "[::1]:7687", matching how net.SplitHostPort behaves.
// Splitting happens on the final colon per spec.
func Parse(hostPort string) (ServerAddress, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return ServerAddress{}, fmt.Errorf("address: parse %q: %w", hostPort, err)
	}
	return ServerAddress{Host: host, Port: port}, nil
}

// String renders the address back to "host:port", bracketing IPv6 hosts.
func (a ServerAddress) String() string {
	if strings.Contains(a.Host, ":") {
		return "[" + a.Host + "]:" + a.Port
	}
	return a.Host + ":" + a.Port
}

// IsZero reports whether a is the zero-value address.
func (a ServerAddress) IsZero() bool {
	return a.Host == "" && a.Port == ""
}

// Key returns a fast 64-bit hash of the address for use in hash-based
// membership structures that want to avoid repeated string comparison.
// Uses xxh3 over a canonical representation; here the canonical
// representation is simply "host:port" since a ServerAddress carries no
// other fields to normalize away.
func (a ServerAddress) Key() uint64 {
	return xxh3.HashString(a.String())
}
