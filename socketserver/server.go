// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package socketserver implements the event pumps that drive asynchronous
// sockets and application message queues.
//
// A socket server owns one event loop goroutine: the goroutine that calls
// Wait. Every socket signal and every message dispatched from the queue runs
// on that goroutine. The only method that may be called from elsewhere is
// WakeUp, which interrupts a pending Wait so the queue can be pumped.
//
// Three pumps share the contract: PumpServer multiplexes an internal event
// queue and is the variant most callers want; RunLoopServer defers to a host
// run loop; NotifyServer delivers queue work synchronously from WakeUp.
package socketserver

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"mellium.im/jingle/socket"
)

// Forever makes Wait block until a wake-up arrives.
const Forever = time.Duration(-1)

// SocketServer is the contract shared by all pump variants.
type SocketServer interface {
	// CreateAsyncSocket allocates a socket owned by this server's event
	// loop and registers it.
	CreateAsyncSocket(tp socket.Type) (*socket.AsyncSocket, *socket.Error)
	// Register tracks a socket, created by this server, so its callbacks
	// can be collectively enabled and disabled. The server does not own
	// registered sockets.
	Register(s *socket.AsyncSocket)
	// Unregister stops tracking a socket. Sockets must unregister exactly
	// once before they are discarded; unregistering a socket that is not
	// registered is a programming error.
	Unregister(s *socket.AsyncSocket)
	// Wait runs the event pump. With processIO set it pumps socket events
	// and wake-ups for up to d (or until forever); without it, it blocks
	// until a wake-up arrives or d elapses, dispatching nothing else.
	// Wait(0, false) is a no-op that reports true.
	Wait(d time.Duration, processIO bool) bool
	// WakeUp interrupts Wait so the message queue is pumped. It may be
	// called from any goroutine and collapses into one in-flight wake.
	WakeUp()
}

// An Option configures a server at construction.
type Option func(*config)

type config struct {
	logger   *zap.Logger
	resolver socket.Resolver
	prober   socket.Prober
}

// WithLogger sets the diagnostic logger for the server and the sockets it
// creates.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithResolver sets the name resolver handed to created sockets.
func WithResolver(r socket.Resolver) Option {
	return func(c *config) { c.resolver = r }
}

// WithProber sets the path probe capability handed to created sockets.
func WithProber(p socket.Prober) Option {
	return func(c *config) { c.prober = p }
}

func newConfig(opts []Option) config {
	c := config{logger: zap.NewNop()}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// base carries the state shared by every pump variant: the registered
// socket set, the queue, and the coalescing wake-up flag.
type base struct {
	cfg   config
	queue Queue

	mu      sync.Mutex
	sockets map[*socket.AsyncSocket]bool
	pending bool
}

func newBase(queue Queue, cfg config) base {
	return base{
		cfg:     cfg,
		queue:   queue,
		sockets: make(map[*socket.AsyncSocket]bool),
	}
}

// Register tracks a socket for callback fan-out.
func (b *base) Register(s *socket.AsyncSocket) {
	b.mu.Lock()
	b.sockets[s] = true
	b.mu.Unlock()
}

// Unregister stops tracking a socket.
func (b *base) Unregister(s *socket.AsyncSocket) {
	b.mu.Lock()
	if !b.sockets[s] {
		b.mu.Unlock()
		panic("socketserver: unregister of socket that is not registered")
	}
	delete(b.sockets, s)
	b.mu.Unlock()
}

// enableCallbacks fans an enable or disable out to every registered
// socket. Used by wake-up-only waits: host pumps have no way to listen for
// wake-ups alone, so socket callbacks are switched off around the wait.
func (b *base) enableCallbacks(enable bool) {
	b.mu.Lock()
	sockets := make([]*socket.AsyncSocket, 0, len(b.sockets))
	for s := range b.sockets {
		sockets = append(sockets, s)
	}
	b.mu.Unlock()
	for _, s := range sockets {
		s.EnableCallbacks(enable)
	}
}

// setPending marks a wake-up in flight. It reports false while one is
// already pending, collapsing repeated wake-ups into one delivery.
func (b *base) setPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending {
		return false
	}
	b.pending = true
	return true
}

func (b *base) clearPending() {
	b.mu.Lock()
	b.pending = false
	b.mu.Unlock()
}

// pump clears the wake-up flag, dispatches the currently queued messages,
// and reports the delay until the next scheduled message (negative when
// none). At least one Get is attempted even when Len reports zero so that
// out-of-band messages are not missed. Messages posted during the pump are
// handled by the next pump.
func (b *base) pump() time.Duration {
	b.clearPending()

	max := b.queue.Len()
	if max < 1 {
		max = 1
	}
	for ; max > 0; max-- {
		msg, ok := b.queue.Get(0)
		if !ok {
			break
		}
		b.queue.Dispatch(&msg)
	}
	return b.queue.Delay()
}

// newSocket allocates a socket wired to this server's notifier and
// registers it.
func (b *base) newSocket(sys socket.System, n socket.Notifier, tp socket.Type) (*socket.AsyncSocket, *socket.Error) {
	s, err := socket.New(sys, tp, n,
		socket.WithResolver(b.cfg.resolver),
		socket.WithProber(b.cfg.prober),
		socket.WithLogger(b.cfg.logger),
	)
	if err != nil {
		return nil, err
	}
	b.Register(s)
	return s, nil
}
