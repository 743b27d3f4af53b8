// Package endpoint resolves and caches the ingestion endpoint for a stream.
// Readers always see a complete Endpoint snapshot; refreshes swap the cached
// value atomically and never hold a lock across network resolution.
package endpoint

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/zsiec/framecast/internal/timeunit"
)

// Default ports and name bounds.
const (
	DefaultSSLPort    = 443
	DefaultNonSSLPort = 8080
	DefaultNameMaxLen = 16
)

// Endpoint is a resolved network destination for one stream.
type Endpoint struct {
	StreamName string        `json:"streamName"`
	DeviceName string        `json:"deviceName,omitempty"`
	Host       string        `json:"host"`
	ServerName string        `json:"serverName,omitempty"`
	Port       int           `json:"port"`
	Secure     bool          `json:"secure"`
	ResolvedAt timeunit.Unit `json:"resolvedAt"`
	TTL        timeunit.Unit `json:"ttl"`
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// TLSServerName returns the name to verify the ingest certificate against:
// the configured host name when the resolver recorded one, else Host.
func (e Endpoint) TLSServerName() string {
	if e.ServerName != "" {
		return e.ServerName
	}
	return e.Host
}

// Age returns how long ago the endpoint was resolved.
func (e Endpoint) Age(now timeunit.Unit) timeunit.Unit {
	return now - e.ResolvedAt
}

// Expired reports whether the endpoint is older than its TTL.
func (e Endpoint) Expired(now timeunit.Unit) bool {
	return e.Age(now) > e.TTL
}

// Resolver looks up the endpoint for a stream. Implementations fill in the
// address fields; the cache stamps ResolvedAt and TTL.
type Resolver interface {
	Resolve(ctx context.Context, stream string) (Endpoint, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, stream string) (Endpoint, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, stream string) (Endpoint, error) {
	return f(ctx, stream)
}

// Ports selects the port by transport security.
type Ports struct {
	SSL    int
	NonSSL int
}

// Pick returns the SSL or non-SSL port, falling back to the defaults.
func (p Ports) Pick(secure bool) int {
	if secure {
		if p.SSL > 0 {
			return p.SSL
		}
		return DefaultSSLPort
	}
	if p.NonSSL > 0 {
		return p.NonSSL
	}
	return DefaultNonSSLPort
}

// DNSResolver resolves a fixed ingest host name to its first address. The
// name is kept in Endpoint.ServerName for TLS verification.
type DNSResolver struct {
	Host       string
	DeviceName string
	Secure     bool
	Ports      Ports
	// Lookup defaults to net.DefaultResolver.
	Lookup *net.Resolver
}

// Resolve implements Resolver.
func (r *DNSResolver) Resolve(ctx context.Context, stream string) (Endpoint, error) {
	lookup := r.Lookup
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	addrs, err := lookup.LookupHost(ctx, r.Host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("lookup %s: %w", r.Host, err)
	}
	if len(addrs) == 0 {
		return Endpoint{}, fmt.Errorf("lookup %s: no addresses", r.Host)
	}
	return Endpoint{
		StreamName: stream,
		DeviceName: r.DeviceName,
		Host:       addrs[0],
		ServerName: r.Host,
		Port:       r.Ports.Pick(r.Secure),
		Secure:     r.Secure,
	}, nil
}

// StaticResolver always returns the same address, for loopback sinks and tests.
type StaticResolver struct {
	Endpoint Endpoint
}

// Resolve implements Resolver.
func (r StaticResolver) Resolve(_ context.Context, stream string) (Endpoint, error) {
	ep := r.Endpoint
	ep.StreamName = stream
	return ep, nil
}

// ValidateName checks a stream or device name against the length bound.
func ValidateName(kind, name string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultNameMaxLen
	}
	if name == "" {
		return fmt.Errorf("endpoint: %s name is empty", kind)
	}
	if len(name) > maxLen {
		return fmt.Errorf("endpoint: %s name %q longer than %d", kind, name, maxLen)
	}
	return nil
}
