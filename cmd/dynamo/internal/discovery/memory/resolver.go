package memory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/net/idna"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/core"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
)

// NegativeTTL is how long a failed lookup is remembered.
const NegativeTTL = 30 * time.Second

// LookupFunc resolves a host name to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

type failedLookup struct {
	err error
}

// AddressCache memoizes proxy target resolution. Static overrides are
// consulted first, then the optional chained resolver, then DNS.
type AddressCache struct {
	static map[string]string
	next   core.HostResolver
	cache  *gocache.Cache
	lookup LookupFunc
}

// ParseStaticHosts parses a comma-separated override list.
// Format: "host[:port]=ip[:port],..."
// Example: "api.local=127.0.0.1:9000,db.internal=10.0.0.5"
func ParseStaticHosts(mappingStr string) (map[string]string, error) {
	hosts := make(map[string]string)
	if strings.TrimSpace(mappingStr) == "" {
		return hosts, nil
	}

	for _, pair := range strings.Split(mappingStr, ",") {
		name, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		name, addr = strings.TrimSpace(name), strings.TrimSpace(addr)
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("invalid host mapping: %s", pair)
		}
		key, err := normalizeKey(name)
		if err != nil {
			return nil, fmt.Errorf("invalid host mapping %s: %w", pair, err)
		}
		hosts[key] = addr
	}
	return hosts, nil
}

func normalizeKey(name string) (string, error) {
	host, port, err := net.SplitHostPort(name)
	if err != nil {
		return Normalize(name)
	}
	host, err = Normalize(host)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, port), nil
}

// Normalize lower-cases a host name, drops a trailing dot and converts
// internationalized names to their ASCII form.
func Normalize(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return "", errors.New("empty host")
	}
	if net.ParseIP(host) != nil {
		return host, nil
	}
	return idna.Lookup.ToASCII(host)
}

// NewAddressCache creates a cache whose positive entries live for ttl.
func NewAddressCache(ttl time.Duration, static map[string]string, next core.HostResolver) *AddressCache {
	if static == nil {
		static = map[string]string{}
	}
	return &AddressCache{
		static: static,
		next:   next,
		cache:  gocache.New(ttl, 2*ttl),
		lookup: net.DefaultResolver.LookupHost,
	}
}

// Resolve implements core.HostResolver, returning a dialable "ip:port".
func (c *AddressCache) Resolve(ctx context.Context, host string, port int) (string, error) {
	name, err := Normalize(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", host, err)
	}
	portStr := strconv.Itoa(port)
	key := net.JoinHostPort(name, portStr)

	if addr, ok := c.static[key]; ok {
		return addr, nil
	}
	if addr, ok := c.static[name]; ok {
		if _, _, err := net.SplitHostPort(addr); err == nil {
			return addr, nil
		}
		return net.JoinHostPort(addr, portStr), nil
	}
	if net.ParseIP(name) != nil {
		return key, nil
	}

	if v, found := c.cache.Get(key); found {
		switch entry := v.(type) {
		case string:
			return entry, nil
		case failedLookup:
			return "", entry.err
		}
	}

	addr, err := c.resolve(ctx, name, port)
	if err != nil {
		c.cache.Set(key, failedLookup{err: err}, NegativeTTL)
		return "", err
	}
	c.cache.Set(key, addr, gocache.DefaultExpiration)
	logger.Debug("Resolved proxy target", "host", name, "addr", addr)
	return addr, nil
}

func (c *AddressCache) resolve(ctx context.Context, name string, port int) (string, error) {
	if c.next != nil {
		addr, err := c.next.Resolve(ctx, name, port)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, core.ErrHostNotFound) {
			return "", err
		}
	}

	addrs, err := c.lookup(ctx, name)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", name, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("lookup %s: %w", name, core.ErrHostNotFound)
	}
	best := addrs[0]
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			best = a
			break
		}
	}
	return net.JoinHostPort(best, strconv.Itoa(port)), nil
}

// Len is the number of cached entries, failures included.
func (c *AddressCache) Len() int {
	return c.cache.ItemCount()
}

// Flush drops every cached entry.
func (c *AddressCache) Flush() {
	c.cache.Flush()
}
