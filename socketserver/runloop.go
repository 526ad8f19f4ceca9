// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package socketserver

import (
	"time"

	"mellium.im/jingle/socket"
)

// RunLoop abstracts a host-process run loop that the server does not own.
// Implementations dispatch their own event sources while running.
type RunLoop interface {
	// AddSource installs a custom source. Calling the returned signal
	// function, from any goroutine, schedules perform to run on the loop's
	// goroutine the next time the loop runs. The returned remove function
	// uninstalls the source.
	AddSource(perform func()) (signal func(), remove func())
	// Run dispatches loop work until Stop is called or d elapses. A
	// negative d runs until stopped.
	Run(d time.Duration)
	// Stop makes the innermost Run return.
	Stop()
}

// RunLoopServer drives sockets and the message queue from a host run loop.
// The wake-up is an installed run-loop source whose perform callback pumps
// the queue and stops the loop.
type RunLoopServer struct {
	base
	sys  socket.System
	loop RunLoop

	signal func()
	remove func()

	// posted holds socket work scheduled from other goroutines until the
	// source's perform callback runs on the loop goroutine. Guarded by the
	// base mutex.
	posted []func()

	delayTimer *time.Timer
}

var _ SocketServer = (*RunLoopServer)(nil)
var _ socket.Notifier = (*RunLoopServer)(nil)

// NewRunLoopServer returns a server driven by loop. It must be constructed
// on the goroutine that runs the loop.
func NewRunLoopServer(loop RunLoop, sys socket.System, queue Queue, opts ...Option) *RunLoopServer {
	s := &RunLoopServer{
		base: newBase(queue, newConfig(opts)),
		sys:  sys,
		loop: loop,
	}
	s.signal, s.remove = loop.AddSource(s.onWakeUp)
	return s
}

// Close uninstalls the wake-up source.
func (s *RunLoopServer) Close() error {
	if s.remove != nil {
		s.remove()
		s.remove = nil
	}
	if s.delayTimer != nil {
		s.delayTimer.Stop()
		s.delayTimer = nil
	}
	return nil
}

// CreateAsyncSocket satisfies SocketServer. Only stream sockets are
// supported by this variant.
func (s *RunLoopServer) CreateAsyncSocket(tp socket.Type) (*socket.AsyncSocket, *socket.Error) {
	if tp != socket.Stream {
		return nil, socket.NewError("create", socket.Other)
	}
	return s.newSocket(s.sys, s, tp)
}

// Post satisfies socket.Notifier: socket work becomes a source signal so it
// runs on the loop goroutine.
func (s *RunLoopServer) Post(sock *socket.AsyncSocket, f func()) {
	s.mu.Lock()
	s.posted = append(s.posted, f)
	s.mu.Unlock()
	s.signal()
}

// WakeUp satisfies SocketServer.
func (s *RunLoopServer) WakeUp() {
	if !s.setPending() {
		return
	}
	s.signal()
}

// onWakeUp runs on the loop goroutine when the source fires. It dispatches
// deferred socket work and, on a genuine wake-up, pumps the queue exactly
// once and stops the loop so a pending Wait returns. Ordinary posted socket
// work leaves the loop running for the rest of the requested duration.
func (s *RunLoopServer) onWakeUp() {
	s.mu.Lock()
	posted := s.posted
	s.posted = nil
	wasPending := s.pending
	s.mu.Unlock()

	for _, f := range posted {
		f()
	}
	if wasPending {
		s.Pump()
		s.loop.Stop()
	}
}

// Pump drains the message queue and schedules a future wake-up for the next
// delayed message.
func (s *RunLoopServer) Pump() {
	delay := s.pump()
	if s.delayTimer != nil {
		s.delayTimer.Stop()
		s.delayTimer = nil
	}
	if delay >= 0 {
		s.delayTimer = time.AfterFunc(delay, s.WakeUp)
	}
}

// Wait satisfies SocketServer. Waiting is delegated to the host loop, which
// keeps dispatching its own sources; for wake-up-only waits socket
// callbacks are disabled across registered sockets first.
func (s *RunLoopServer) Wait(d time.Duration, processIO bool) bool {
	if !processIO && d == 0 {
		// No op.
		return true
	}
	if !processIO {
		s.enableCallbacks(false)
		defer s.enableCallbacks(true)
	}
	s.loop.Run(d)
	return true
}
