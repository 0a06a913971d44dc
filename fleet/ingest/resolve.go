package ingest

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Resolver maps a host name to an address.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, bool)
}

// LookupFunc resolves a name to its addresses.
type LookupFunc func(ctx context.Context, name string) ([]string, error)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 10 * time.Minute
	lookupTimeout    = 5 * time.Second
)

// CachingResolver resolves names through lookup and remembers answers,
// including failures, for a while.
type CachingResolver struct {
	lookup LookupFunc
	cache  *expirable.LRU[string, string]
}

// NewCachingResolver returns a resolver over lookup, or the system resolver
// when lookup is nil.
func NewCachingResolver(lookup LookupFunc, size int, ttl time.Duration) *CachingResolver {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachingResolver{lookup: lookup, cache: expirable.NewLRU[string, string](size, nil, ttl)}
}

// Resolve returns the preferred address for name. An empty cached entry
// records a failed lookup.
func (r *CachingResolver) Resolve(ctx context.Context, name string) (string, bool) {
	if addr, ok := r.cache.Get(name); ok {
		return addr, addr != ""
	}
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	addrs, err := r.lookup(ctx, name)
	addr := ""
	if err == nil {
		addr = preferred(addrs)
	}
	r.cache.Add(name, addr)
	return addr, addr != ""
}

// preferred returns the first IPv4 address, else the first valid address.
func preferred(addrs []string) string {
	first := ""
	for _, a := range addrs {
		ip, err := netip.ParseAddr(a)
		if err != nil {
			continue
		}
		if ip.Is4() || ip.Is4In6() {
			return ip.Unmap().String()
		}
		if first == "" {
			first = ip.String()
		}
	}
	return first
}

// HostPart extracts the host from an engine "host" or "matched-at" value:
// it drops the scheme, path, port and IPv6 brackets.
func HostPart(raw string) string {
	s := strings.TrimSpace(raw)
	if _, rest, ok := strings.Cut(s, "://"); ok {
		s = rest
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if _, rest, ok := strings.Cut(s, "@"); ok {
		s = rest
	}
	if strings.HasPrefix(s, "[") {
		if end := strings.Index(s, "]"); end > 0 {
			return s[1:end]
		}
	}
	if strings.Count(s, ":") == 1 {
		s, _, _ = strings.Cut(s, ":")
	}
	return s
}
