// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package socket_test

import (
	"net"
	"testing"
	"time"

	"mellium.im/jingle/socket"
	"mellium.im/jingle/socket/socktest"
)

func TestCachingResolver(t *testing.T) {
	inner := &socktest.Resolver{Table: map[string]net.IP{
		"xmpp.example.com": net.IPv4(192, 0, 2, 1),
	}}
	r, err := socket.NewCachingResolver(inner, 8)
	if err != nil {
		t.Fatalf("Error creating caching resolver: %v", err)
	}

	lookup := func(host string) (net.IP, *socket.Error) {
		type result struct {
			ip  net.IP
			err *socket.Error
		}
		ch := make(chan result, 1)
		r.LookupHost(host, func(ip net.IP, lerr *socket.Error) {
			ch <- result{ip, lerr}
		})
		select {
		case res := <-ch:
			return res.ip, res.err
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for lookup delivery")
			return nil, nil
		}
	}

	ip, lerr := lookup("xmpp.example.com")
	if lerr != nil {
		t.Fatalf("Error resolving: %v", lerr)
	}
	if !ip.Equal(net.IPv4(192, 0, 2, 1)) {
		t.Errorf("Got %s but expected 192.0.2.1", ip)
	}
	if inner.Lookups != 1 {
		t.Fatalf("Got %d inner lookups but expected 1", inner.Lookups)
	}

	// Second hit is served from the cache.
	if ip, lerr = lookup("xmpp.example.com"); lerr != nil || !ip.Equal(net.IPv4(192, 0, 2, 1)) {
		t.Errorf("Got %s, %v from the cache", ip, lerr)
	}
	if inner.Lookups != 1 {
		t.Errorf("Got %d inner lookups but expected the cache to absorb the second", inner.Lookups)
	}

	// Failures are not cached.
	if _, lerr = lookup("nx.example.com"); lerr == nil || lerr.Errno != socket.HostNotFound {
		t.Errorf("Got %v but expected host not found", lerr)
	}
	if _, lerr = lookup("nx.example.com"); lerr == nil {
		t.Error("Expected the failure not to be cached as a success")
	}
	if inner.Lookups != 3 {
		t.Errorf("Got %d inner lookups but expected 3", inner.Lookups)
	}
}
