// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package socket

import (
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// NewSystem returns the host socket capability: non-blocking AF_INET
// sockets watched by a single poll loop. The returned value must be closed
// to release the loop.
func NewSystem(logger *zap.Logger) (*UnixSystem, *Error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, errnoError("pipe", err)
	}
	s := &UnixSystem{
		log:      logger,
		wakeRead: fds[0],
		wakeWrit: fds[1],
		handles:  make(map[int]*unixHandle),
	}
	go s.loop()
	return s, nil
}

// UnixSystem implements System on the host's poll facility.
type UnixSystem struct {
	log      *zap.Logger
	wakeRead int
	wakeWrit int

	mu      sync.Mutex
	handles map[int]*unixHandle
	closed  bool
}

// NewHandle satisfies System.
func (s *UnixSystem) NewHandle(tp Type, notify NotifyFunc) (Handle, *Error) {
	sockType := unix.SOCK_STREAM
	if tp == Datagram {
		sockType = unix.SOCK_DGRAM
	}
	fd, err := unix.Socket(unix.AF_INET, sockType|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errnoError("socket", err)
	}
	h := &unixHandle{sys: s, fd: fd, tp: tp, notify: notify, started: tp == Datagram}
	s.mu.Lock()
	s.handles[fd] = h
	s.mu.Unlock()
	return h, nil
}

// Close shuts down the poll loop and releases the wake pipe. Handles must
// be closed by their owners first.
func (s *UnixSystem) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.kick()
	return nil
}

// kick interrupts a pending poll so interest changes take effect.
func (s *UnixSystem) kick() {
	var b [1]byte
	unix.Write(s.wakeWrit, b[:])
}

func (s *UnixSystem) remove(h *unixHandle) {
	s.mu.Lock()
	delete(s.handles, h.fd)
	s.mu.Unlock()
	s.kick()
}

func (s *UnixSystem) loop() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			unix.Close(s.wakeRead)
			unix.Close(s.wakeWrit)
			return
		}
		fds := make([]unix.PollFd, 0, len(s.handles)+1)
		fds = append(fds, unix.PollFd{Fd: int32(s.wakeRead), Events: unix.POLLIN})
		for _, h := range s.handles {
			if ev := h.pollEvents(); ev != 0 {
				fds = append(fds, unix.PollFd{Fd: int32(h.fd), Events: ev})
			}
		}
		s.mu.Unlock()

		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR || n < 0 {
			continue
		}

		for _, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			if int(pfd.Fd) == s.wakeRead {
				var buf [16]byte
				unix.Read(s.wakeRead, buf[:])
				continue
			}
			s.mu.Lock()
			h := s.handles[int(pfd.Fd)]
			s.mu.Unlock()
			if h != nil {
				h.onReady(pfd.Revents)
			}
		}
	}
}

type unixHandle struct {
	sys *UnixSystem
	fd  int
	tp  Type

	mu         sync.Mutex
	notify     NotifyFunc
	interest   Watch
	started    bool
	connecting bool
	listening  bool
	closeSent  bool
}

// pollEvents translates the interest mask into poll bits. Called with the
// system lock held.
func (h *unixHandle) pollEvents() int16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	// A fresh TCP socket polls as hung up; stay quiet until it is actually
	// connecting, connected, or listening.
	if !h.started {
		return 0
	}
	var ev int16
	if h.interest&(WatchRead|WatchAccept) != 0 {
		ev |= unix.POLLIN
	}
	if h.interest&WatchWrite != 0 || (h.interest&WatchConnect != 0 && h.connecting) {
		ev |= unix.POLLOUT
	}
	if h.interest&WatchClose != 0 && !h.closeSent {
		ev |= unix.POLLRDHUP
	}
	return ev
}

// onReady runs on the poll goroutine. Fired conditions are removed from the
// interest mask; the owner re-arms them through Read, Write, and Watch.
func (h *unixHandle) onReady(revents int16) {
	h.mu.Lock()
	notify := h.notify
	var pending []func()

	if h.connecting && revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0 {
		h.connecting = false
		h.interest &^= WatchConnect
		soerr, gerr := unix.GetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		var cerr *Error
		if gerr != nil {
			cerr = errnoError("connect", gerr)
		} else if soerr != 0 {
			cerr = errnoError("connect", unix.Errno(soerr))
		}
		pending = append(pending, func() { notify(WatchConnect, cerr) })
	} else {
		if revents&unix.POLLIN != 0 {
			if h.listening && h.interest&WatchAccept != 0 {
				h.interest &^= WatchAccept
				pending = append(pending, func() { notify(WatchAccept, nil) })
			} else if h.interest&WatchRead != 0 {
				h.interest &^= WatchRead
				pending = append(pending, func() { notify(WatchRead, nil) })
			}
		}
		if revents&unix.POLLOUT != 0 && h.interest&WatchWrite != 0 {
			h.interest &^= WatchWrite
			pending = append(pending, func() { notify(WatchWrite, nil) })
		}
		if revents&(unix.POLLRDHUP|unix.POLLHUP|unix.POLLERR) != 0 &&
			h.interest&WatchClose != 0 && !h.closeSent {
			h.closeSent = true
			var cerr *Error
			if revents&unix.POLLERR != 0 {
				if soerr, gerr := unix.GetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_ERROR); gerr == nil && soerr != 0 {
					cerr = errnoError("close", unix.Errno(soerr))
				}
			}
			pending = append(pending, func() { notify(WatchClose, cerr) })
		}
	}
	h.mu.Unlock()

	if notify == nil {
		return
	}
	for _, f := range pending {
		f()
	}
}

func (h *unixHandle) rearm(mask Watch) {
	h.mu.Lock()
	h.interest |= mask
	h.mu.Unlock()
	h.sys.kick()
}

// SetNotify satisfies Handle.
func (h *unixHandle) SetNotify(fn NotifyFunc) {
	h.mu.Lock()
	h.notify = fn
	h.mu.Unlock()
}

// Watch satisfies Handle.
func (h *unixHandle) Watch(mask Watch) *Error {
	h.mu.Lock()
	h.interest = mask
	if mask&WatchClose == 0 {
		h.closeSent = false
	}
	h.mu.Unlock()
	h.sys.kick()
	return nil
}

// Bind satisfies Handle.
func (h *unixHandle) Bind(addr Addr) *Error {
	sa, err := addrToSockaddr(addr)
	if err != nil {
		return err
	}
	if e := unix.Bind(h.fd, sa); e != nil {
		return errnoError("bind", e)
	}
	return nil
}

// Listen satisfies Handle.
func (h *unixHandle) Listen(backlog int) *Error {
	if e := unix.Listen(h.fd, backlog); e != nil {
		return errnoError("listen", e)
	}
	h.mu.Lock()
	h.listening = true
	h.started = true
	h.mu.Unlock()
	return nil
}

// Connect satisfies Handle.
func (h *unixHandle) Connect(addr Addr) *Error {
	sa, err := addrToSockaddr(addr)
	if err != nil {
		return err
	}
	e := unix.Connect(h.fd, sa)
	switch e {
	case nil:
		h.mu.Lock()
		h.started = true
		h.mu.Unlock()
		h.sys.kick()
		return nil
	case unix.EINPROGRESS:
		h.mu.Lock()
		h.started = true
		h.connecting = true
		h.mu.Unlock()
		h.sys.kick()
		return NewError("connect", WouldBlock)
	default:
		return errnoError("connect", e)
	}
}

// Accept satisfies Handle.
func (h *unixHandle) Accept() (Handle, Addr, *Error) {
	nfd, sa, e := unix.Accept4(h.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if e != nil {
		return nil, Addr{}, errnoError("accept", e)
	}
	nh := &unixHandle{sys: h.sys, fd: nfd, tp: Stream, started: true}
	h.sys.mu.Lock()
	h.sys.handles[nfd] = nh
	h.sys.mu.Unlock()
	h.rearm(WatchAccept)
	return nh, sockaddrToAddr(sa), nil
}

// Read satisfies Handle.
func (h *unixHandle) Read(p []byte) (int, *Error) {
	n, e := unix.Read(h.fd, p)
	h.rearm(WatchRead)
	if n < 0 {
		n = 0
	}
	if e != nil {
		return n, errnoError("read", e)
	}
	return n, nil
}

// Peek satisfies Handle.
func (h *unixHandle) Peek(p []byte) (int, *Error) {
	n, _, e := unix.Recvfrom(h.fd, p, unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if n < 0 {
		n = 0
	}
	if e != nil {
		return n, errnoError("peek", e)
	}
	return n, nil
}

// Write satisfies Handle.
func (h *unixHandle) Write(p []byte) (int, *Error) {
	n, e := unix.Write(h.fd, p)
	if n < 0 {
		n = 0
	}
	if e != nil {
		if e == unix.EAGAIN {
			h.rearm(WatchWrite)
		}
		return n, errnoError("write", e)
	}
	return n, nil
}

// ReadFrom satisfies Handle.
func (h *unixHandle) ReadFrom(p []byte) (int, Addr, *Error) {
	n, sa, e := unix.Recvfrom(h.fd, p, 0)
	h.rearm(WatchRead)
	if n < 0 {
		n = 0
	}
	if e != nil {
		return n, Addr{}, errnoError("recvfrom", e)
	}
	return n, sockaddrToAddr(sa), nil
}

// WriteTo satisfies Handle.
func (h *unixHandle) WriteTo(p []byte, addr Addr) (int, *Error) {
	sa, err := addrToSockaddr(addr)
	if err != nil {
		return 0, err
	}
	if e := unix.Sendto(h.fd, p, 0, sa); e != nil {
		if e == unix.EAGAIN {
			h.rearm(WatchWrite)
		}
		return 0, errnoError("sendto", e)
	}
	return len(p), nil
}

// LocalAddr satisfies Handle.
func (h *unixHandle) LocalAddr() (Addr, *Error) {
	sa, e := unix.Getsockname(h.fd)
	if e != nil {
		return Addr{}, errnoError("getsockname", e)
	}
	return sockaddrToAddr(sa), nil
}

// RemoteAddr satisfies Handle.
func (h *unixHandle) RemoteAddr() (Addr, *Error) {
	sa, e := unix.Getpeername(h.fd)
	if e != nil {
		return Addr{}, errnoError("getpeername", e)
	}
	return sockaddrToAddr(sa), nil
}

// SetOption satisfies Handle.
func (h *unixHandle) SetOption(opt Option, value int) *Error {
	var e error
	switch opt {
	case DontFragment:
		mode := unix.IP_PMTUDISC_DONT
		if value != 0 {
			mode = unix.IP_PMTUDISC_DO
		}
		e = unix.SetsockoptInt(h.fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, mode)
	case RcvBuf:
		e = unix.SetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, value)
	case SndBuf:
		e = unix.SetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, value)
	case NoDelay:
		e = unix.SetsockoptInt(h.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, value)
	default:
		return NewError("setsockopt", Other)
	}
	if e != nil {
		return errnoError("setsockopt", e)
	}
	return nil
}

// GetOption satisfies Handle.
func (h *unixHandle) GetOption(opt Option) (int, *Error) {
	var (
		v int
		e error
	)
	switch opt {
	case DontFragment:
		v, e = unix.GetsockoptInt(h.fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER)
		if e == nil && v == unix.IP_PMTUDISC_DO {
			v = 1
		} else if e == nil {
			v = 0
		}
	case RcvBuf:
		v, e = unix.GetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	case SndBuf:
		v, e = unix.GetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
	case NoDelay:
		v, e = unix.GetsockoptInt(h.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY)
	default:
		return 0, NewError("getsockopt", Other)
	}
	if e != nil {
		return 0, errnoError("getsockopt", e)
	}
	return v, nil
}

// Close satisfies Handle.
func (h *unixHandle) Close() *Error {
	h.sys.remove(h)
	if e := unix.Close(h.fd); e != nil {
		return errnoError("close", e)
	}
	return nil
}

func addrToSockaddr(addr Addr) (unix.Sockaddr, *Error) {
	if addr.IsUnresolved() {
		return nil, NewError("sockaddr", HostNotFound)
	}
	ip := addr.IP()
	if ip4 := ip.To4(); ip4 != nil || ip == nil {
		sa := &unix.SockaddrInet4{Port: int(addr.Port())}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port())}
	copy(sa.Addr[:], ip.To16())
	return sa, nil
}

func sockaddrToAddr(sa unix.Sockaddr) Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, sa.Addr[:])
		return NewAddr(ip, uint16(sa.Port))
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		return NewAddr(ip, uint16(sa.Port))
	}
	return Addr{}
}

// errnoError translates a host error into the platform independent
// taxonomy.
func errnoError(op string, err error) *Error {
	errno, ok := err.(unix.Errno)
	if !ok {
		return &Error{Op: op, Errno: Other}
	}
	out := &Error{Op: op, Code: int(errno)}
	switch errno {
	case unix.EAGAIN:
		out.Errno = WouldBlock
	case unix.EACCES:
		out.Errno = AccessDenied
	case unix.EADDRNOTAVAIL:
		out.Errno = AddressUnavailable
	case unix.ENETDOWN:
		out.Errno = NetworkDown
	case unix.ENETUNREACH:
		out.Errno = NetworkUnreachable
	case unix.ECONNRESET:
		out.Errno = ConnectionReset
	case unix.ECONNABORTED:
		out.Errno = ConnectionAborted
	case unix.ECONNREFUSED:
		out.Errno = ConnectionRefused
	case unix.ETIMEDOUT:
		out.Errno = TimedOut
	case unix.EHOSTDOWN:
		out.Errno = HostDown
	case unix.EHOSTUNREACH:
		out.Errno = HostUnreachable
	case unix.ENOTCONN:
		out.Errno = NotConnected
	default:
		out.Errno = Other
	}
	return out
}
