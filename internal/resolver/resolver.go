// Package resolver wraps net.Resolver with a small bounded cache of
// host to IP-address answers, consulted by the Connect step before
// every dial. It is deliberately separate from internal/cache's
// response cache: that cache has its own hand-rolled promotion/eviction
// invariants under test, where this is a generic auxiliary lookup
// cache and a plain LRU library fits it fine.
package resolver

import (
	"context"
	"net"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Resolver resolves hostnames to a dialable address, caching successful
// answers for reuse by later requests to the same host.
type Resolver struct {
	cache *lru.Cache[string, string]
	net   *net.Resolver
}

// New constructs a resolver backed by an LRU cache of the given size.
func New(cacheSize int) (*Resolver, error) {
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{cache: cache, net: net.DefaultResolver}, nil
}

// Resolve returns a dialable IP address for host, consulting the cache
// first and falling back to net.Resolver.LookupHost on a miss.
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	if addr, ok := r.cache.Get(host); ok {
		return addr, nil
	}

	addrs, err := r.net.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", &net.DNSError{Err: "no addresses found", Name: host}
	}

	r.cache.Add(host, addrs[0])
	return addrs[0], nil
}

// Len reports the number of cached answers, for the periodic stats
// block.
func (r *Resolver) Len() int {
	return r.cache.Len()
}
