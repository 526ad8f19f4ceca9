// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package socket

import (
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// ICMPProber probes path MTU with don't-fragment echo requests on a raw
// ICMP socket. Creating the socket requires CAP_NET_RAW or root.
type ICMPProber struct {
	// Timeout bounds the wait for each echo reply. An expired wait counts
	// as ProbeOK: no too-large report came back.
	Timeout time.Duration
	// Logger receives diagnostics; nil means none.
	Logger *zap.Logger
}

func (p *ICMPProber) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}

func (p *ICMPProber) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return time.Second
}

// Probe satisfies Prober.
func (p *ICMPProber) Probe(ip net.IP, payload int) ProbeResult {
	ip4 := ip.To4()
	if ip4 == nil {
		return ProbeFailed
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_ICMP)
	if err != nil {
		p.logger().Debug("raw icmp socket unavailable", zap.Error(err))
		return ProbeFailed
	}
	defer unix.Close(fd)

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
		return ProbeFailed
	}
	tv := unix.NsecToTimeval(p.timeout().Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return ProbeFailed
	}

	echo := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  payload,
			Data: make([]byte, payload),
		},
	}
	wire, err := echo.Marshal(nil)
	if err != nil {
		return ProbeFailed
	}

	var dst unix.SockaddrInet4
	copy(dst.Addr[:], ip4)
	switch err := unix.Sendto(fd, wire, 0, &dst); err {
	case nil:
	case unix.EMSGSIZE:
		// The local interface already rejected the size.
		return ProbeTooLarge
	default:
		return ProbeFailed
	}

	buf := make([]byte, 65536)
	deadline := time.Now().Add(p.timeout())
	for {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				// No too-large report arrived in time.
				return ProbeOK
			}
			return ProbeFailed
		}
		if time.Now().After(deadline) {
			return ProbeOK
		}
		// Raw sockets deliver the IP header; skip it.
		if n < ipHeaderSize {
			continue
		}
		hlen := int(buf[0]&0x0f) << 2
		if n < hlen {
			continue
		}
		msg, err := icmp.ParseMessage(1, buf[hlen:n])
		if err != nil {
			continue
		}
		switch msg.Type {
		case ipv4.ICMPTypeEchoReply:
			return ProbeOK
		case ipv4.ICMPTypeDestinationUnreachable:
			// Code 4 is "fragmentation needed and DF set".
			if msg.Code == 4 {
				return ProbeTooLarge
			}
		}
	}
}
