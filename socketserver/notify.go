// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package socketserver

import (
	"sync"
	"time"

	"mellium.im/jingle/socket"
)

// NotifyServer delivers work synchronously: WakeUp itself plays the role
// of a notification post whose observer drains held socket work and the
// message queue on the spot. It suits hosts whose own loop cannot be
// entered, at the price of having no wait of its own: Wait reports true
// only for a zero duration.
type NotifyServer struct {
	base
	sys socket.System

	notifyMu sync.Mutex
	// sentNotification breaks the recursion when draining the queue makes
	// someone call WakeUp again.
	sentNotification bool
	// posted holds socket work until the next WakeUp drain so that signal
	// callbacks run serialized with queue dispatch, not on whatever
	// goroutine the capability layer reported readiness from.
	posted []func()
}

var _ SocketServer = (*NotifyServer)(nil)
var _ socket.Notifier = (*NotifyServer)(nil)

// NewNotifyServer returns a synchronous-delivery server.
func NewNotifyServer(sys socket.System, queue Queue, opts ...Option) *NotifyServer {
	return &NotifyServer{
		base: newBase(queue, newConfig(opts)),
		sys:  sys,
	}
}

// CreateAsyncSocket satisfies SocketServer. Only stream sockets are
// supported by this variant.
func (s *NotifyServer) CreateAsyncSocket(tp socket.Type) (*socket.AsyncSocket, *socket.Error) {
	if tp != socket.Stream {
		return nil, socket.NewError("create", socket.Other)
	}
	return s.newSocket(s.sys, s, tp)
}

// Post satisfies socket.Notifier. Socket work is held until the next
// WakeUp, whose drain dispatches it ahead of queued messages.
func (s *NotifyServer) Post(sock *socket.AsyncSocket, f func()) {
	s.notifyMu.Lock()
	s.posted = append(s.posted, f)
	s.notifyMu.Unlock()
}

// takePosted removes and returns the oldest held socket work, or nil.
func (s *NotifyServer) takePosted() func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if len(s.posted) == 0 {
		return nil
	}
	f := s.posted[0]
	s.posted = s.posted[1:]
	return f
}

// Wait satisfies SocketServer. This variant cannot wait; it reports
// whether the requested duration was the zero no-op.
func (s *NotifyServer) Wait(d time.Duration, processIO bool) bool {
	return d == 0
}

// WakeUp satisfies SocketServer. Held socket work and the queue are both
// drained before WakeUp returns; re-entrant wake-ups during the drain are
// absorbed.
func (s *NotifyServer) WakeUp() {
	s.notifyMu.Lock()
	if s.sentNotification {
		s.notifyMu.Unlock()
		return
	}
	s.sentNotification = true
	s.notifyMu.Unlock()

	for {
		if f := s.takePosted(); f != nil {
			f()
			continue
		}
		msg, ok := s.queue.Get(0)
		if !ok {
			break
		}
		s.queue.Dispatch(&msg)
	}

	s.notifyMu.Lock()
	s.sentNotification = false
	s.notifyMu.Unlock()
}
