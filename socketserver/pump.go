// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package socketserver

import (
	"time"

	"mellium.im/jingle/socket"
)

// PumpServer is the canonical event pump. Its native event source is an
// internal queue of deferred socket callbacks plus a sentinel wake-up
// event; Wait receives from both, dispatching socket work only when
// processing I/O. A per-pump timer re-enters the pump when the next delayed
// queue message comes due.
type PumpServer struct {
	base
	sys socket.System

	wake   chan struct{}
	events chan event
	timerC chan struct{}

	// deferred holds socket events received during a wake-up-only wait;
	// they are replayed at the next I/O wait. timerHeld records a delay
	// timer that fired while only wake-ups were being dispatched.
	deferred   []event
	timerHeld  bool
	delayTimer *time.Timer
}

type event struct {
	sock *socket.AsyncSocket
	fn   func()
}

var _ SocketServer = (*PumpServer)(nil)
var _ socket.Notifier = (*PumpServer)(nil)

// NewPumpServer returns a pump that creates sockets from sys and drains
// queue on wake-ups.
func NewPumpServer(sys socket.System, queue Queue, opts ...Option) *PumpServer {
	cfg := newConfig(opts)
	return &PumpServer{
		base:   newBase(queue, cfg),
		sys:    sys,
		wake:   make(chan struct{}, 1),
		events: make(chan event, 128),
		timerC: make(chan struct{}, 1),
	}
}

// CreateAsyncSocket satisfies SocketServer. Both stream and datagram
// sockets are supported.
func (p *PumpServer) CreateAsyncSocket(tp socket.Type) (*socket.AsyncSocket, *socket.Error) {
	return p.newSocket(p.sys, p, tp)
}

// Post satisfies socket.Notifier: f will run on the event loop goroutine
// during a Wait that processes I/O.
func (p *PumpServer) Post(s *socket.AsyncSocket, f func()) {
	p.events <- event{sock: s, fn: f}
}

// WakeUp satisfies SocketServer. Safe from any goroutine; wake-ups collapse
// while one is in flight.
func (p *PumpServer) WakeUp() {
	if !p.setPending() {
		return
	}
	p.wake <- struct{}{}
}

// Pump drains the message queue and re-arms the delay timer.
func (p *PumpServer) Pump() {
	p.armDelay(p.pump())
}

func (p *PumpServer) armDelay(delay time.Duration) {
	if p.delayTimer != nil {
		p.delayTimer.Stop()
		p.delayTimer = nil
	}
	if delay < 0 {
		return
	}
	p.delayTimer = time.AfterFunc(delay, func() {
		select {
		case p.timerC <- struct{}{}:
		default:
		}
	})
}

// Wait satisfies SocketServer.
func (p *PumpServer) Wait(d time.Duration, processIO bool) bool {
	if !processIO {
		if d == 0 {
			// No-op; this is the pump case.
			return true
		}
		return p.waitWake(d)
	}
	return p.waitIO(d)
}

// waitWake blocks until a wake-up is dispatched. Socket callbacks are
// disabled across registered sockets for the duration since the event
// queue has no way to filter for wake-ups alone; anything else that slips
// through is held and replayed on the next I/O wait.
func (p *PumpServer) waitWake(d time.Duration) bool {
	p.enableCallbacks(false)
	defer p.enableCallbacks(true)

	var timeout <-chan time.Time
	if d >= 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	for {
		select {
		case <-p.wake:
			p.Pump()
			return true
		case ev := <-p.events:
			p.deferred = append(p.deferred, ev)
		case <-p.timerC:
			p.timerHeld = true
		case <-timeout:
			return true
		}
	}
}

// waitIO pumps the native event queue for up to d.
func (p *PumpServer) waitIO(d time.Duration) bool {
	// Replay whatever a wake-up-only wait had to hold back.
	if p.timerHeld {
		p.timerHeld = false
		p.Pump()
	}
	for _, ev := range p.deferred {
		p.dispatch(ev)
	}
	p.deferred = nil

	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	for {
		select {
		case <-p.wake:
			p.Pump()
		case ev := <-p.events:
			p.dispatch(ev)
		case <-p.timerC:
			p.Pump()
		case <-timeout:
			return true
		default:
			// Drained everything immediately available.
			if d == 0 {
				return true
			}
			if !p.waitIOBlocked(timeout) {
				return true
			}
		}
	}
}

// waitIOBlocked blocks for the next event; it reports false on timeout.
func (p *PumpServer) waitIOBlocked(timeout <-chan time.Time) bool {
	select {
	case <-p.wake:
		p.Pump()
	case ev := <-p.events:
		p.dispatch(ev)
	case <-p.timerC:
		p.Pump()
	case <-timeout:
		return false
	}
	return true
}

func (p *PumpServer) dispatch(ev event) {
	if ev.fn != nil {
		ev.fn()
	}
}
