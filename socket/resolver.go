// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package socket

import (
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// DNSResolver resolves host names by querying the system's configured name
// servers directly. Each lookup runs on its own goroutine; delivery is
// suppressed once the cancel function returned by LookupHost has been
// called.
type DNSResolver struct {
	// Config lists the servers to query. If nil the resolver loads
	// /etc/resolv.conf on first use.
	Config *dns.ClientConfig
	// Timeout bounds a single exchange. Zero means the dns package default.
	Timeout time.Duration
	// Logger receives diagnostics; nil means none.
	Logger *zap.Logger

	once sync.Once
	cfg  *dns.ClientConfig
	err  error
}

func (r *DNSResolver) config() (*dns.ClientConfig, error) {
	r.once.Do(func() {
		if r.Config != nil {
			r.cfg = r.Config
			return
		}
		r.cfg, r.err = dns.ClientConfigFromFile("/etc/resolv.conf")
	})
	return r.cfg, r.err
}

func (r *DNSResolver) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

// LookupHost satisfies Resolver.
func (r *DNSResolver) LookupHost(host string, deliver func(ip net.IP, err *Error)) (cancel func()) {
	var (
		mu       sync.Mutex
		canceled bool
	)
	go func() {
		ip, err := r.lookup(host)
		mu.Lock()
		defer mu.Unlock()
		if canceled {
			return
		}
		deliver(ip, err)
	}()
	return func() {
		mu.Lock()
		defer mu.Unlock()
		canceled = true
	}
}

func (r *DNSResolver) lookup(host string) (net.IP, *Error) {
	// An IP literal needs no query.
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	cfg, err := r.config()
	if err != nil {
		r.logger().Warn("no resolver configuration", zap.Error(err))
		return nil, NewError("lookup", HostNotFound)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	c := &dns.Client{Timeout: r.Timeout}
	for _, server := range cfg.Servers {
		in, _, err := c.Exchange(m, net.JoinHostPort(server, cfg.Port))
		if err != nil {
			r.logger().Debug("dns exchange failed",
				zap.String("server", server), zap.Error(err))
			continue
		}
		for _, ans := range in.Answer {
			if a, ok := ans.(*dns.A); ok {
				return a.A, nil
			}
		}
	}
	return nil, NewError("lookup", HostNotFound)
}

// CachingResolver wraps a Resolver with an LRU of successful lookups.
type CachingResolver struct {
	next  Resolver
	cache *lru.Cache[string, net.IP]
}

// NewCachingResolver returns a resolver that remembers up to size successful
// lookups performed through next.
func NewCachingResolver(next Resolver, size int) (*CachingResolver, error) {
	cache, err := lru.New[string, net.IP](size)
	if err != nil {
		return nil, err
	}
	return &CachingResolver{next: next, cache: cache}, nil
}

// LookupHost satisfies Resolver. Cache hits are still delivered
// asynchronously so that callers observe one consistent completion model.
func (r *CachingResolver) LookupHost(host string, deliver func(ip net.IP, err *Error)) (cancel func()) {
	if ip, ok := r.cache.Get(host); ok {
		var (
			mu       sync.Mutex
			canceled bool
		)
		go func() {
			mu.Lock()
			defer mu.Unlock()
			if !canceled {
				deliver(ip, nil)
			}
		}()
		return func() {
			mu.Lock()
			defer mu.Unlock()
			canceled = true
		}
	}
	return r.next.LookupHost(host, func(ip net.IP, err *Error) {
		if err == nil {
			r.cache.Add(host, ip)
		}
		deliver(ip, err)
	})
}
