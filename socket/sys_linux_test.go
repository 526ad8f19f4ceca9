// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package socket_test

import (
	"net"
	"testing"
	"time"

	"mellium.im/jingle/socket"
)

// settle pumps deferred events until cond holds or the deadline passes.
func settle(t *testing.T, n *loopNotifier, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for socket events")
		}
		n.run()
		time.Sleep(time.Millisecond)
	}
}

func TestUnixSystemRoundTrip(t *testing.T) {
	sys, serr := socket.NewSystem(nil)
	if serr != nil {
		t.Fatalf("Error creating system: %v", serr)
	}
	defer sys.Close()
	n := &loopNotifier{}

	l, err := socket.New(sys, socket.Stream, n)
	if err != nil {
		t.Fatalf("Error creating listener: %v", err)
	}
	defer l.Close()
	if err := l.Bind(socket.NewAddr(net.IPv4(127, 0, 0, 1), 0)); err != nil {
		t.Fatalf("Error binding: %v", err)
	}
	if err := l.Listen(1); err != nil {
		t.Fatalf("Error listening: %v", err)
	}
	addr := l.LocalAddr()
	if addr.Port() == 0 {
		t.Fatal("Expected the kernel to assign a port")
	}

	var accepted *socket.AsyncSocket
	l.OnRead = func(s *socket.AsyncSocket) {
		if accepted != nil {
			return
		}
		conn, _, aerr := s.Accept()
		if aerr != nil {
			t.Errorf("Error accepting: %v", aerr)
			return
		}
		accepted = conn
	}

	c, err := socket.New(sys, socket.Stream, n)
	if err != nil {
		t.Fatalf("Error creating socket: %v", err)
	}
	defer c.Close()
	var connected bool
	c.OnConnect = func(*socket.AsyncSocket) { connected = true }

	if err := c.Connect(addr); err != nil {
		t.Fatalf("Error connecting: %v", err)
	}
	settle(t, n, func() bool { return connected && accepted != nil })
	defer accepted.Close()

	// Client to server.
	var got []byte
	accepted.OnRead = func(s *socket.AsyncSocket) {
		buf := make([]byte, 64)
		cnt, rerr := s.Recv(buf)
		if rerr != nil && rerr.Errno != socket.WouldBlock {
			t.Errorf("Error reading: %v", rerr)
			return
		}
		got = append(got, buf[:cnt]...)
	}
	if _, err := c.Send([]byte("ping")); err != nil {
		t.Fatalf("Error sending: %v", err)
	}
	settle(t, n, func() bool { return string(got) == "ping" })

	// Peer close reaches the client as exactly one close signal.
	var closes int
	c.OnClose = func(*socket.AsyncSocket, *socket.Error) { closes++ }
	c.OnRead = func(s *socket.AsyncSocket) {
		buf := make([]byte, 64)
		s.Recv(buf)
	}
	accepted.Close()
	settle(t, n, func() bool { return closes > 0 })
	if closes != 1 {
		t.Errorf("Got %d close signals but expected 1", closes)
	}
}

func TestUnixSystemConnectRefused(t *testing.T) {
	sys, serr := socket.NewSystem(nil)
	if serr != nil {
		t.Fatalf("Error creating system: %v", serr)
	}
	defer sys.Close()
	n := &loopNotifier{}

	// Grab a port that is certainly closed by binding and closing a
	// listener.
	probe, err := socket.New(sys, socket.Stream, n)
	if err != nil {
		t.Fatalf("Error creating socket: %v", err)
	}
	probe.Bind(socket.NewAddr(net.IPv4(127, 0, 0, 1), 0))
	probe.Listen(1)
	addr := probe.LocalAddr()
	probe.Close()

	c, err := socket.New(sys, socket.Stream, n)
	if err != nil {
		t.Fatalf("Error creating socket: %v", err)
	}
	defer c.Close()
	var closeErr *socket.Error
	var connects int
	c.OnConnect = func(*socket.AsyncSocket) { connects++ }
	c.OnClose = func(_ *socket.AsyncSocket, err *socket.Error) { closeErr = err }

	if err := c.Connect(addr); err != nil && err.Errno != socket.WouldBlock {
		// Loopback may refuse synchronously.
		if err.Errno != socket.ConnectionRefused {
			t.Fatalf("Error connecting: %v", err)
		}
		return
	}
	settle(t, n, func() bool { return closeErr != nil })
	if connects != 0 {
		t.Error("A refused connect must not emit a connect signal")
	}
	if closeErr.Errno != socket.ConnectionRefused {
		t.Errorf("Got close error %v but expected connection refused", closeErr)
	}
}

func TestICMPProberLoopback(t *testing.T) {
	p := &socket.ICMPProber{Timeout: 500 * time.Millisecond}
	res := p.Probe(net.IPv4(127, 0, 0, 1), 56)
	if res == socket.ProbeFailed {
		t.Skip("raw ICMP sockets unavailable")
	}
	if res != socket.ProbeOK {
		t.Errorf("Got probe result %d but expected a small loopback echo to succeed", res)
	}
}
