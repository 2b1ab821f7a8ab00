// Package geohint auto-populates routing context metadata with a best-
// guess region, so a caller who never set routing_context["region"]
// still gets topology-aware server selection hints forwarded in the
// getRoutingTable procedure.
//
// This is diagnostic/affinity metadata only: it never influences which
// addresses the routing table holds or how the load balancer scores
// them, it only changes what is sent to the server.
//
// Uses the same maxminddb.Reader wrapper and OpenFunc seam as a typical
// GeoIP lookup layer, trimmed down to a single local-IP lookup instead
// of a download-and-hot-reload service, since the routing core has no
// business managing its own database refresh schedule.
package geohint

import (
	"net"
	"net/netip"
	"strings"

	"github.com/oschwald/maxminddb-golang"
)

// RegionKey is the routing_context key geohint populates.
const RegionKey = "region"

// Reader abstracts the region database lookup so tests can substitute a
// fake without touching the filesystem.
type Reader interface {
	Lookup(ip netip.Addr) string
	Close() error
}

// OpenFunc opens a region database file and returns a Reader.
type OpenFunc func(path string) (Reader, error)

// emptyReader never resolves a region; used when no database path is
// configured.
type emptyReader struct{}

func (emptyReader) Lookup(netip.Addr) string { return "" }
func (emptyReader) Close() error             { return nil }

// NoOpOpen is an OpenFunc that always returns an emptyReader.
func NoOpOpen(string) (Reader, error) { return emptyReader{}, nil }

// isoCodePaths lists, in priority order, the dotted record paths a region
// guess may come from. Decoding into a generic map rather than a fixed
// struct means a new fallback field is one more entry here, not a new
// record type.
var isoCodePaths = [][2]string{
	{"country", "iso_code"},
	{"registered_country", "iso_code"},
}

type mmdbReader struct {
	reader *maxminddb.Reader
}

// MMDBOpen opens a MaxMind-compatible mmdb database.
func MMDBOpen(path string) (Reader, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &mmdbReader{reader: reader}, nil
}

func (m *mmdbReader) Lookup(ip netip.Addr) string {
	if m == nil || m.reader == nil || !ip.IsValid() {
		return ""
	}
	var record map[string]any
	if err := m.reader.Lookup(net.IP(ip.Unmap().AsSlice()), &record); err != nil {
		return ""
	}
	for _, path := range isoCodePaths {
		section, _ := record[path[0]].(map[string]any)
		if code, _ := section[path[1]].(string); code != "" {
			return strings.ToLower(code)
		}
	}
	return ""
}

func (m *mmdbReader) Close() error {
	if m == nil || m.reader == nil {
		return nil
	}
	return m.reader.Close()
}

// OutboundAddr reports the local IP address that would be used to reach
// the given remote address, without sending any data (best-effort, never
// fatal to the caller).
func OutboundAddr(remote string) (netip.Addr, error) {
	conn, err := net.Dial("udp", remote)
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return netip.Addr{}, err
	}
	return netip.ParseAddr(host)
}

// Hinter resolves a best-guess region for the local outbound address and
// populates it into a routing context map.
type Hinter struct {
	reader Reader
	// resolveOutbound discovers the local outbound address; overridable
	// in tests so Region doesn't depend on real network routing.
	resolveOutbound func() (netip.Addr, error)
}

// New builds a Hinter from an already-open Reader. Pass geohint.NoOpOpen
// or a Reader built from MMDBOpen.
func New(reader Reader) *Hinter {
	return &Hinter{
		reader:          reader,
		resolveOutbound: func() (netip.Addr, error) { return OutboundAddr("8.8.8.8:80") },
	}
}

// Close releases the underlying reader.
func (h *Hinter) Close() error {
	if h.reader == nil {
		return nil
	}
	return h.reader.Close()
}

// Region returns the best-guess region code for this host, or "" if it
// cannot be determined. Errors are swallowed by design: a failed region
// guess must never block routing.
func (h *Hinter) Region() string {
	if h == nil || h.reader == nil {
		return ""
	}
	addr, err := h.resolveOutbound()
	if err != nil {
		return ""
	}
	return h.reader.Lookup(addr)
}

// Apply sets routingContext[RegionKey] to the resolved region if the
// caller didn't already set a value for that key. Returns the (possibly
// unmodified) map; a nil input is treated as empty.
func (h *Hinter) Apply(routingContext map[string]string) map[string]string {
	if routingContext == nil {
		routingContext = map[string]string{}
	}
	if _, set := routingContext[RegionKey]; set {
		return routingContext
	}
	if region := h.Region(); region != "" {
		routingContext[RegionKey] = region
	}
	return routingContext
}
