// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package socktest provides in-memory socket capabilities for deterministic
// tests.
//
// The system implemented here performs no I/O: connections are matched by
// endpoint string, data is moved between peer buffers synchronously, and
// readiness notifications fire from whichever goroutine performed the
// mutation. Notifications still reach sockets through the owning server's
// event queue, so dispatch order observed by tests matches production.
package socktest

import (
	"net"
	"sync"

	"mellium.im/jingle/socket"
)

// System is an in-memory implementation of socket.System.
type System struct {
	mu        sync.Mutex
	listeners map[string]*handle
	nextPort  uint16
}

// NewSystem returns an empty in-memory network.
func NewSystem() *System {
	return &System{
		listeners: make(map[string]*handle),
		nextPort:  40000,
	}
}

// NewHandle satisfies socket.System.
func (s *System) NewHandle(tp socket.Type, notify socket.NotifyFunc) (socket.Handle, *socket.Error) {
	return &handle{sys: s, tp: tp, notify: notify, opts: make(map[socket.Option]int)}, nil
}

func (s *System) assignPort() uint16 {
	s.nextPort++
	return s.nextPort
}

type handle struct {
	sys *System

	mu        sync.Mutex
	tp        socket.Type
	notify    socket.NotifyFunc
	interest  socket.Watch
	opts      map[socket.Option]int
	local     socket.Addr
	remote    socket.Addr
	peer      *handle
	buf       []byte
	acceptQ   []*handle
	listening bool
	closed    bool
	closeSent bool
}

func (h *handle) fire(ev socket.Watch, err *socket.Error) {
	if h.notify != nil {
		h.notify(ev, err)
	}
}

// SetNotify satisfies socket.Handle.
func (h *handle) SetNotify(fn socket.NotifyFunc) {
	h.mu.Lock()
	h.notify = fn
	h.mu.Unlock()
}

// Watch satisfies socket.Handle. Arming read interest with buffered data
// immediately re-reports readiness.
func (h *handle) Watch(mask socket.Watch) *socket.Error {
	h.mu.Lock()
	readable := len(h.buf) > 0 && mask&socket.WatchRead != 0 && h.interest&socket.WatchRead == 0
	acceptable := len(h.acceptQ) > 0 && mask&socket.WatchAccept != 0 && h.interest&socket.WatchAccept == 0
	h.interest = mask
	h.mu.Unlock()
	if readable {
		h.fire(socket.WatchRead, nil)
	}
	if acceptable {
		h.fire(socket.WatchAccept, nil)
	}
	return nil
}

// Bind satisfies socket.Handle.
func (h *handle) Bind(addr socket.Addr) *socket.Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if addr.Port() == 0 {
		addr = socket.NewAddr(addr.IP(), h.sys.assignPort())
	}
	h.local = addr
	return nil
}

// Listen satisfies socket.Handle.
func (h *handle) Listen(backlog int) *socket.Error {
	h.mu.Lock()
	if h.local.IsAny() {
		h.local = socket.NewAddr(net.IPv4(127, 0, 0, 1), h.sys.assignPort())
	}
	h.listening = true
	key := h.local.String()
	h.mu.Unlock()

	h.sys.mu.Lock()
	h.sys.listeners[key] = h
	h.sys.mu.Unlock()
	return nil
}

// Connect satisfies socket.Handle. The connection is established (or
// refused) immediately; completion is still reported through the notify
// callback like any other readiness change.
func (h *handle) Connect(addr socket.Addr) *socket.Error {
	h.sys.mu.Lock()
	l := h.sys.listeners[addr.String()]
	h.sys.mu.Unlock()

	if l == nil {
		h.fire(socket.WatchConnect, socket.NewError("connect", socket.ConnectionRefused))
		return socket.NewError("connect", socket.WouldBlock)
	}

	peer := &handle{
		sys:    h.sys,
		tp:     socket.Stream,
		opts:   make(map[socket.Option]int),
		local:  addr,
		remote: h.local,
		peer:   h,
	}
	h.mu.Lock()
	if h.local.IsAny() {
		h.local = socket.NewAddr(net.IPv4(127, 0, 0, 1), h.sys.assignPort())
	}
	peer.remote = h.local
	h.remote = addr
	h.peer = peer
	h.mu.Unlock()

	l.mu.Lock()
	l.acceptQ = append(l.acceptQ, peer)
	notifyAccept := l.interest&socket.WatchAccept != 0
	l.mu.Unlock()
	if notifyAccept {
		l.fire(socket.WatchAccept, nil)
	}
	h.fire(socket.WatchConnect, nil)
	return socket.NewError("connect", socket.WouldBlock)
}

// Accept satisfies socket.Handle.
func (h *handle) Accept() (socket.Handle, socket.Addr, *socket.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.acceptQ) == 0 {
		return nil, socket.Addr{}, socket.NewError("accept", socket.WouldBlock)
	}
	conn := h.acceptQ[0]
	h.acceptQ = h.acceptQ[1:]
	return conn, conn.remote, nil
}

// Read satisfies socket.Handle.
func (h *handle) Read(p []byte) (int, *socket.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) == 0 {
		if h.closed {
			return 0, socket.NewError("read", socket.ConnectionReset)
		}
		return 0, socket.NewError("read", socket.WouldBlock)
	}
	n := copy(p, h.buf)
	h.buf = h.buf[n:]
	return n, nil
}

// Peek satisfies socket.Handle.
func (h *handle) Peek(p []byte) (int, *socket.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) == 0 {
		return 0, socket.NewError("peek", socket.WouldBlock)
	}
	return copy(p, h.buf), nil
}

// Write satisfies socket.Handle.
func (h *handle) Write(p []byte) (int, *socket.Error) {
	h.mu.Lock()
	peer := h.peer
	closed := h.closed
	h.mu.Unlock()
	if closed || peer == nil {
		return 0, socket.NewError("write", socket.NotConnected)
	}
	peer.deliver(p)
	return len(p), nil
}

// deliver appends data to the receive buffer and reports read readiness.
func (h *handle) deliver(p []byte) {
	h.mu.Lock()
	h.buf = append(h.buf, p...)
	notify := h.interest&socket.WatchRead != 0
	h.mu.Unlock()
	if notify {
		h.fire(socket.WatchRead, nil)
	}
}

// ReadFrom satisfies socket.Handle.
func (h *handle) ReadFrom(p []byte) (int, socket.Addr, *socket.Error) {
	n, err := h.Read(p)
	return n, h.remote, err
}

// WriteTo satisfies socket.Handle.
func (h *handle) WriteTo(p []byte, addr socket.Addr) (int, *socket.Error) {
	h.sys.mu.Lock()
	target := h.sys.listeners[addr.String()]
	h.sys.mu.Unlock()
	if target == nil {
		return 0, socket.NewError("sendto", socket.HostUnreachable)
	}
	target.deliver(p)
	return len(p), nil
}

// LocalAddr satisfies socket.Handle.
func (h *handle) LocalAddr() (socket.Addr, *socket.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.local, nil
}

// RemoteAddr satisfies socket.Handle.
func (h *handle) RemoteAddr() (socket.Addr, *socket.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remote, nil
}

// SetOption satisfies socket.Handle.
func (h *handle) SetOption(opt socket.Option, value int) *socket.Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opts[opt] = value
	return nil
}

// GetOption satisfies socket.Handle.
func (h *handle) GetOption(opt socket.Option) (int, *socket.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opts[opt], nil
}

// Close satisfies socket.Handle. The peer observes a graceful close once
// its buffered data allows.
func (h *handle) Close() *socket.Error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	peer := h.peer
	listening := h.listening
	key := h.local.String()
	h.mu.Unlock()

	if listening {
		h.sys.mu.Lock()
		delete(h.sys.listeners, key)
		h.sys.mu.Unlock()
	}
	if peer != nil {
		peer.mu.Lock()
		send := !peer.closed && !peer.closeSent && peer.interest&socket.WatchClose != 0
		if send {
			peer.closeSent = true
		}
		peer.mu.Unlock()
		if send {
			peer.fire(socket.WatchClose, nil)
		}
	}
	return nil
}

// Resolver is a table-driven socket.Resolver. Lookups hit the table
// synchronously unless Defer is set, in which case they stay pending until
// Flush is called; missing entries report HostNotFound.
type Resolver struct {
	mu    sync.Mutex
	Table map[string]net.IP
	// Defer holds completions until Flush, letting tests exercise
	// cancellation.
	Defer bool
	// Lookups counts completed (non-canceled) deliveries.
	Lookups int

	pending []func()
}

// LookupHost satisfies socket.Resolver.
func (r *Resolver) LookupHost(host string, deliver func(ip net.IP, err *socket.Error)) (cancel func()) {
	var canceled bool
	r.mu.Lock()
	ip, ok := r.Table[host]
	deferred := r.Defer
	r.mu.Unlock()
	run := func() {
		r.mu.Lock()
		if canceled {
			r.mu.Unlock()
			return
		}
		r.Lookups++
		r.mu.Unlock()
		if !ok {
			deliver(nil, socket.NewError("lookup", socket.HostNotFound))
			return
		}
		deliver(ip, nil)
	}
	if deferred {
		r.mu.Lock()
		r.pending = append(r.pending, run)
		r.mu.Unlock()
	} else {
		run()
	}
	return func() {
		r.mu.Lock()
		canceled = true
		r.mu.Unlock()
	}
}

// Flush delivers every pending lookup completion.
func (r *Resolver) Flush() {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, run := range pending {
		run()
	}
}

// Prober reports ProbeTooLarge for any probe whose on-the-wire size would
// exceed PathMTU.
type Prober struct {
	PathMTU int
	// Probes records the payload sizes probed, in order.
	Probes []int
}

// Probe satisfies socket.Prober. The wire size of a probe is the payload
// plus the 20 byte IP header and 8 byte ICMP header.
func (p *Prober) Probe(ip net.IP, payload int) socket.ProbeResult {
	p.Probes = append(p.Probes, payload)
	if payload+20+8 > p.PathMTU {
		return socket.ProbeTooLarge
	}
	return socket.ProbeOK
}
