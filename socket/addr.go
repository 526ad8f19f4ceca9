// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package socket

import (
	"encoding/binary"
	"net"
	"strconv"
)

// Addr identifies a socket endpoint: an IP address and port, or, before name
// resolution has happened, a host name and port. The zero value is the "any"
// address with port zero.
type Addr struct {
	ip   net.IP
	port uint16
	host string
}

// NewAddr returns a resolved endpoint.
func NewAddr(ip net.IP, port uint16) Addr {
	return Addr{ip: ip, port: port}
}

// NewUnresolvedAddr returns an endpoint that carries only a host name. It
// must be resolved before it can be converted into a flat socket address.
func NewUnresolvedAddr(host string, port uint16) Addr {
	return Addr{host: host, port: port}
}

// IP returns the endpoint's IP address, or nil if it is unresolved.
func (a Addr) IP() net.IP { return a.ip }

// Port returns the endpoint's port.
func (a Addr) Port() uint16 { return a.port }

// Host returns the unresolved host name, or the empty string if the endpoint
// was created from an IP address.
func (a Addr) Host() string { return a.host }

// IsUnresolved reports whether the endpoint carries only a host name.
func (a Addr) IsUnresolved() bool { return a.ip == nil && a.host != "" }

// IsAny reports whether the endpoint has no host name and either no IP
// address or the unspecified one.
func (a Addr) IsAny() bool {
	return a.host == "" && (a.ip == nil || a.ip.IsUnspecified())
}

// WithIP returns a copy of the endpoint resolved to the given IP. The host
// name is retained for diagnostics.
func (a Addr) WithIP(ip net.IP) Addr {
	a.ip = ip
	return a
}

// Equal reports whether two endpoints carry the same address, port, and host
// name.
func (a Addr) Equal(b Addr) bool {
	return a.port == b.port && a.host == b.host && a.ip.Equal(b.ip)
}

// String satisfies fmt.Stringer.
func (a Addr) String() string {
	host := a.host
	if a.ip != nil {
		host = a.ip.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.port)))
}

// Address family constants for the flat socket address record.
const (
	FamilyInet  uint16 = 2
	FamilyInet6 uint16 = 10
)

// SockAddr is the flat socket address record exchanged with capability
// implementations. IP and Port are in network byte order, matching the
// classic sockaddr_in layout.
type SockAddr struct {
	Family uint16
	IP     [4]byte
	Port   [2]byte
}

// SockAddr converts the endpoint to a flat record. It returns an error of
// kind HostNotFound for unresolved endpoints and AddressUnavailable for
// addresses that do not fit the IPv4 record.
func (a Addr) SockAddr() (SockAddr, *Error) {
	if a.IsUnresolved() {
		return SockAddr{}, NewError("sockaddr", HostNotFound)
	}
	ip4 := a.ip.To4()
	if ip4 == nil && a.ip != nil {
		return SockAddr{}, NewError("sockaddr", AddressUnavailable)
	}
	sa := SockAddr{Family: FamilyInet}
	if ip4 != nil {
		copy(sa.IP[:], ip4)
	}
	binary.BigEndian.PutUint16(sa.Port[:], a.port)
	return sa, nil
}

// FromSockAddr converts a flat record back into an endpoint.
func FromSockAddr(sa SockAddr) Addr {
	ip := make(net.IP, net.IPv4len)
	copy(ip, sa.IP[:])
	return Addr{
		ip:   ip,
		port: binary.BigEndian.Uint16(sa.Port[:]),
	}
}
