// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package socket provides an asynchronous socket on top of injected host
// capabilities.
//
// An AsyncSocket never blocks. Completion and readiness are reported through
// single-slot signal callbacks that always run on the goroutine of the socket
// server that owns the socket, serialized with every other signal of the
// same server.
package socket

import (
	"net"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of an AsyncSocket.
type State int

// Socket lifecycle states. Binding is transient and is usually observed as
// Closed.
const (
	Closed State = iota
	Binding
	Connecting
	Connected
	Listening
	Closing
)

var stateNames = [...]string{"closed", "binding", "connecting", "connected", "listening", "closing"}

// String satisfies fmt.Stringer.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// Standard MTUs, from largest to smallest.
var packetMaximums = []int{
	65535, // Theoretical maximum, Hyperchannel
	32000, // Nothing
	17914, // 16Mb IBM Token Ring
	8166,  // IEEE 802.4
	4352,  // FDDI
	2002,  // IEEE 802.5 (4Mb recommended)
	1492,  // IEEE 802.3
	1006,  // SLIP, ARPANET
	508,   // IEEE 802/Source-Rt Bridge, ARCNET
	296,   // Point-to-Point (low delay)
	68,    // Official minimum
}

const (
	ipHeaderSize   = 20
	icmpHeaderSize = 8
)

// An AsyncSocket is a non-blocking socket bound to the event loop of the
// socket server that created it.
type AsyncSocket struct {
	sys      System
	notifier Notifier
	resolver Resolver
	prober   Prober
	log      *zap.Logger

	tp        Type
	h         Handle
	state     State
	lastErr   *Error
	remote    Addr
	watchMask Watch
	enabled   bool

	cancelDNS func()

	closing  bool
	closeErr *Error

	connectTimer  *time.Timer
	connectFired  bool
	closeSignaled bool

	// Signal slots. Each runs on the owning server goroutine. OnConnect
	// fires at most once; OnClose fires at most once and never before
	// OnConnect has become impossible.
	OnConnect func(*AsyncSocket)
	OnRead    func(*AsyncSocket)
	OnWrite   func(*AsyncSocket)
	OnClose   func(*AsyncSocket, *Error)
}

// A SocketOption configures an AsyncSocket at creation.
type SocketOption func(*AsyncSocket)

// WithResolver sets the resolver used for unresolved connect addresses.
func WithResolver(r Resolver) SocketOption {
	return func(s *AsyncSocket) { s.resolver = r }
}

// WithProber sets the path probe capability used by EstimateMTU.
func WithProber(p Prober) SocketOption {
	return func(s *AsyncSocket) { s.prober = p }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) SocketOption {
	return func(s *AsyncSocket) { s.log = l }
}

// New allocates a socket of the given type. Notifications from the handle
// are deferred onto the owning event loop through n.
func New(sys System, tp Type, n Notifier, opts ...SocketOption) (*AsyncSocket, *Error) {
	s := &AsyncSocket{
		sys:      sys,
		notifier: n,
		log:      zap.NewNop(),
		tp:       tp,
		enabled:  true,
	}
	for _, o := range opts {
		o(s)
	}
	h, err := sys.NewHandle(tp, s.notify)
	if err != nil {
		return nil, err
	}
	s.h = h
	if tp == Datagram {
		if err := s.setWatch(WatchRead | WatchWrite); err != nil {
			h.Close()
			return nil, err
		}
	}
	s.log.Debug("socket created", zap.Int("type", int(tp)))
	return s, nil
}

// notify is handed to the handle at creation; it runs on an arbitrary
// goroutine and defers the event onto the owning loop.
func (s *AsyncSocket) notify(ev Watch, err *Error) {
	s.notifier.Post(s, func() { s.onEvent(ev, err) })
}

func (s *AsyncSocket) post(f func()) {
	s.notifier.Post(s, f)
}

// State returns the socket's lifecycle state.
func (s *AsyncSocket) State() State { return s.state }

// LastError returns the error recorded by the most recent failed operation.
func (s *AsyncSocket) LastError() *Error { return s.lastErr }

// SetError overrides the recorded error.
func (s *AsyncSocket) SetError(err *Error) { s.lastErr = err }

// setWatch records the interest mask and applies it unless callbacks are
// disabled.
func (s *AsyncSocket) setWatch(mask Watch) *Error {
	s.watchMask = mask
	if !s.enabled || s.h == nil {
		return nil
	}
	return s.h.Watch(mask)
}

// EnableCallbacks suppresses or restores readiness notifications. The socket
// server uses it to implement wake-up-only waits; application code should
// not need it.
func (s *AsyncSocket) EnableCallbacks(enable bool) {
	s.enabled = enable
	if s.h == nil {
		return
	}
	if enable {
		s.h.Watch(s.watchMask)
	} else {
		s.h.Watch(0)
	}
}

// Bind binds the socket to a local endpoint.
func (s *AsyncSocket) Bind(addr Addr) *Error {
	if s.h == nil {
		return s.fail(NewError("bind", NotConnected))
	}
	s.state = Binding
	err := s.h.Bind(addr)
	s.state = Closed
	if err != nil {
		return s.fail(err)
	}
	return nil
}

// Listen starts accepting connections. Accept readiness is delivered as a
// read signal.
func (s *AsyncSocket) Listen(backlog int) *Error {
	if s.h == nil {
		return s.fail(NewError("listen", NotConnected))
	}
	if err := s.h.Listen(backlog); err != nil {
		return s.fail(err)
	}
	if err := s.setWatch(WatchAccept); err != nil {
		return s.fail(err)
	}
	s.state = Listening
	s.log.Debug("socket listening")
	return nil
}

// Accept returns the next pending connection, or nil if none is queued. The
// accepted socket shares the listener's event loop and must be registered
// with the owning server by the caller.
func (s *AsyncSocket) Accept() (*AsyncSocket, Addr, *Error) {
	if s.state != Listening {
		return nil, Addr{}, s.fail(NewError("accept", NotConnected))
	}
	nh, raddr, err := s.h.Accept()
	if err != nil {
		return nil, Addr{}, s.fail(err)
	}
	conn := &AsyncSocket{
		sys:      s.sys,
		notifier: s.notifier,
		resolver: s.resolver,
		prober:   s.prober,
		log:      s.log,
		tp:       Stream,
		state:    Connected,
		remote:   raddr,
		enabled:  true,
	}
	conn.h = nh
	nh.SetNotify(conn.notify)
	if nerr := conn.setWatch(WatchRead | WatchWrite | WatchClose); nerr != nil {
		nh.Close()
		return nil, Addr{}, s.fail(nerr)
	}
	return conn, raddr, nil
}

// Connect starts a connection attempt. When addr is unresolved a name lookup
// is started first; at most one lookup is outstanding and Close cancels it.
// Success is reported through OnConnect, failure through OnClose; a
// connect that fails immediately on a resolved address returns the error
// and closes the socket without emitting OnClose.
func (s *AsyncSocket) Connect(addr Addr) *Error {
	if s.h == nil {
		h, err := s.sys.NewHandle(s.tp, s.notify)
		if err != nil {
			return s.fail(err)
		}
		s.h = h
	}
	if s.tp == Stream {
		if err := s.setWatch(WatchRead | WatchWrite | WatchConnect | WatchClose); err != nil {
			return s.fail(err)
		}
	}

	if !addr.IsUnresolved() {
		return s.doConnect(addr)
	}

	if s.resolver == nil {
		return s.fail(NewError("connect", HostNotFound))
	}
	if s.cancelDNS != nil {
		// At most one outstanding lookup.
		return s.fail(NewError("connect", WouldBlock))
	}
	s.log.Debug("async name lookup", zap.String("host", addr.Host()))
	s.cancelDNS = s.resolver.LookupHost(addr.Host(), func(ip net.IP, err *Error) {
		s.post(func() { s.onDNS(addr, ip, err) })
	})
	s.state = Connecting
	s.remote = addr
	return nil
}

func (s *AsyncSocket) doConnect(addr Addr) *Error {
	s.log.Debug("connect", zap.Stringer("addr", addr))
	err := s.h.Connect(addr)
	switch {
	case err == nil:
		s.state = Connected
	case err.Errno == WouldBlock:
		s.state = Connecting
	default:
		s.lastErr = err
		s.Close()
		return err
	}
	s.remote = addr
	return nil
}

// onDNS runs on the owning goroutine when an async lookup completes.
func (s *AsyncSocket) onDNS(addr Addr, ip net.IP, err *Error) {
	if s.cancelDNS == nil {
		// Close canceled the request while completion was in flight.
		return
	}
	s.cancelDNS = nil
	if err != nil {
		s.lastErr = err
		s.Close()
		s.signalClose(err)
		return
	}
	s.log.Debug("name resolved", zap.String("host", addr.Host()), zap.Stringer("ip", ip))
	if cerr := s.doConnect(addr.WithIP(ip)); cerr != nil {
		s.signalClose(cerr)
	}
}

// Send writes to a connected stream socket.
func (s *AsyncSocket) Send(p []byte) (int, *Error) {
	if s.state != Connected {
		return 0, s.fail(NewError("send", NotConnected))
	}
	n, err := s.h.Write(p)
	s.lastErr = err
	return n, err
}

// SendTo writes a datagram to the given endpoint.
func (s *AsyncSocket) SendTo(p []byte, addr Addr) (int, *Error) {
	if s.h == nil {
		return 0, s.fail(NewError("sendto", NotConnected))
	}
	n, err := s.h.WriteTo(p, addr)
	s.lastErr = err
	return n, err
}

// Recv reads from the socket. If a peer close notification is pending, a
// read that drains the receive buffer schedules the deferred close signal.
func (s *AsyncSocket) Recv(p []byte) (int, *Error) {
	if s.h == nil {
		return 0, s.fail(NewError("recv", NotConnected))
	}
	n, err := s.h.Read(p)
	s.lastErr = err
	if s.closing && s.drained() {
		s.postClosed()
	}
	return n, err
}

// RecvFrom reads a datagram and the endpoint it came from.
func (s *AsyncSocket) RecvFrom(p []byte) (int, Addr, *Error) {
	if s.h == nil {
		return 0, Addr{}, s.fail(NewError("recvfrom", NotConnected))
	}
	n, addr, err := s.h.ReadFrom(p)
	s.lastErr = err
	if s.closing && s.drained() {
		s.postClosed()
	}
	return n, addr, err
}

// GetOption reads a socket option.
func (s *AsyncSocket) GetOption(opt Option) (int, *Error) {
	if s.h == nil {
		return 0, s.fail(NewError("getsockopt", NotConnected))
	}
	v, err := s.h.GetOption(opt)
	if err != nil {
		s.lastErr = err
	}
	return v, err
}

// SetOption sets a socket option.
func (s *AsyncSocket) SetOption(opt Option, value int) *Error {
	if s.h == nil {
		return s.fail(NewError("setsockopt", NotConnected))
	}
	if err := s.h.SetOption(opt, value); err != nil {
		return s.fail(err)
	}
	return nil
}

// LocalAddr returns the bound local endpoint.
func (s *AsyncSocket) LocalAddr() Addr {
	if s.h == nil {
		return Addr{}
	}
	addr, err := s.h.LocalAddr()
	if err != nil {
		s.log.Warn("unable to get local address", zap.Error(err))
		return Addr{}
	}
	return addr
}

// RemoteAddr returns the connected remote endpoint.
func (s *AsyncSocket) RemoteAddr() Addr {
	if s.h == nil {
		return s.remote
	}
	addr, err := s.h.RemoteAddr()
	if err != nil || addr.IsAny() {
		return s.remote
	}
	return addr
}

// SetTimeout arms a connect timeout: if the socket is still connecting when
// the timer fires, a synthetic close with TimedOut is delivered. The timer
// is canceled by a successful connect and by Close.
func (s *AsyncSocket) SetTimeout(d time.Duration) {
	s.stopTimer()
	s.connectTimer = time.AfterFunc(d, func() {
		s.post(func() {
			if s.state != Connecting {
				return
			}
			s.onEvent(WatchClose, NewError("connect", TimedOut))
		})
	})
}

func (s *AsyncSocket) stopTimer() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

// EstimateMTU estimates the path MTU to the connected remote endpoint by
// probing a descending list of canonical packet sizes with don't-fragment
// echoes. It reports the largest size whose probe did not come back too
// large.
func (s *AsyncSocket) EstimateMTU() (int, *Error) {
	remote := s.RemoteAddr()
	if remote.IsAny() {
		return 0, s.fail(NewError("estimatemtu", NotConnected))
	}
	if s.prober == nil || remote.IP() == nil {
		return 0, s.fail(NewError("estimatemtu", Other))
	}
	for _, size := range packetMaximums {
		res := s.prober.Probe(remote.IP(), size-ipHeaderSize-icmpHeaderSize)
		switch res {
		case ProbeFailed:
			return 0, s.fail(NewError("estimatemtu", Other))
		case ProbeOK:
			return size, nil
		}
	}
	return 0, s.fail(NewError("estimatemtu", Other))
}

// Close releases the handle and every derived resource: the pending name
// lookup, the connect timer, and the readiness registration. It is
// idempotent and emits no signal by itself.
func (s *AsyncSocket) Close() *Error {
	s.log.Debug("socket close", zap.Stringer("state", s.state))
	if s.cancelDNS != nil {
		s.cancelDNS()
		s.cancelDNS = nil
	}
	s.stopTimer()
	var err *Error
	if s.h != nil {
		err = s.h.Close()
		s.h = nil
	}
	s.closing = false
	s.closeErr = nil
	s.remote = Addr{}
	s.state = Closed
	return err
}

func (s *AsyncSocket) fail(err *Error) *Error {
	s.lastErr = err
	return err
}

// onEvent dispatches a readiness notification on the owning goroutine.
func (s *AsyncSocket) onEvent(ev Watch, err *Error) {
	if s.closeSignaled {
		return
	}
	switch ev {
	case WatchConnect:
		if s.state != Connecting && s.state != Connected {
			return
		}
		if err != nil {
			s.log.Debug("connect failed, faking close", zap.Error(err))
			s.lastErr = err
			// A failed connect sends no close notification of its own, so
			// get back to a known state by pretending one happened.
			s.state = Closed
			s.signalClose(err)
			return
		}
		s.state = Connected
		s.stopTimer()
		if !s.connectFired {
			s.connectFired = true
			if s.OnConnect != nil {
				s.OnConnect(s)
			}
		}
	case WatchRead, WatchAccept:
		if err != nil {
			s.log.Debug("read notify carried error", zap.Error(err))
			s.lastErr = err
			return
		}
		if s.OnRead != nil {
			s.OnRead(s)
		}
	case WatchWrite:
		if err != nil {
			s.log.Debug("write notify carried error", zap.Error(err))
			s.lastErr = err
			return
		}
		if s.OnWrite != nil {
			s.OnWrite(s)
		}
	case WatchClose:
		s.handleClosed(err)
	}
}

// handleClosed defers the close signal until the receive buffer has been
// drained; the notification arrives before all data has been read.
func (s *AsyncSocket) handleClosed(err *Error) {
	s.closing = true
	s.closeErr = err
	if s.drained() {
		s.state = Closed
		s.signalClose(err)
	}
}

func (s *AsyncSocket) drained() bool {
	if s.h == nil {
		return true
	}
	var b [1]byte
	n, _ := s.h.Peek(b[:])
	return n <= 0
}

// postClosed re-posts the held close notification once a read has drained
// the buffer.
func (s *AsyncSocket) postClosed() {
	s.closing = false
	err := s.closeErr
	s.post(func() { s.onEvent(WatchClose, err) })
}

func (s *AsyncSocket) signalClose(err *Error) {
	if s.closeSignaled {
		return
	}
	s.closeSignaled = true
	s.stopTimer()
	if s.cancelDNS != nil {
		s.cancelDNS()
		s.cancelDNS = nil
	}
	if s.OnClose != nil {
		s.OnClose(s, err)
	}
}
