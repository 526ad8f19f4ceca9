// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package socketserver_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"mellium.im/jingle/socket"
	"mellium.im/jingle/socket/socktest"
	"mellium.im/jingle/socketserver"
)

// testLoop is a minimal host run loop: Run dispatches signaled sources
// until Stop or timeout.
type testLoop struct {
	mu      sync.Mutex
	perform []func()
	fired   chan struct{}
	stop    chan struct{}
	runs    int
}

func newTestLoop() *testLoop {
	return &testLoop{fired: make(chan struct{}, 64)}
}

func (l *testLoop) AddSource(perform func()) (signal func(), remove func()) {
	l.mu.Lock()
	idx := len(l.perform)
	l.perform = append(l.perform, perform)
	l.mu.Unlock()
	signal = func() {
		l.fired <- struct{}{}
	}
	remove = func() {
		l.mu.Lock()
		l.perform[idx] = nil
		l.mu.Unlock()
	}
	return signal, remove
}

func (l *testLoop) Run(d time.Duration) {
	l.mu.Lock()
	l.runs++
	l.stop = make(chan struct{})
	stop := l.stop
	l.mu.Unlock()

	var timeout <-chan time.Time
	if d >= 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	for {
		select {
		case <-l.fired:
			l.mu.Lock()
			performs := append([]func(){}, l.perform...)
			l.mu.Unlock()
			for _, f := range performs {
				if f != nil {
					f()
				}
			}
		case <-stop:
			return
		case <-timeout:
			return
		}
	}
}

func (l *testLoop) Stop() {
	l.mu.Lock()
	if l.stop != nil {
		select {
		case <-l.stop:
		default:
			close(l.stop)
		}
	}
	l.mu.Unlock()
}

func TestRunLoopWakeUpStopsWait(t *testing.T) {
	loop := newTestLoop()
	queue := &socketserver.MemoryQueue{}
	srv := socketserver.NewRunLoopServer(loop, nil, queue)
	defer srv.Close()

	h := &countingHandler{}
	queue.Post(h, 1, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Wait(socketserver.Forever, false)
	}()

	time.Sleep(10 * time.Millisecond)
	for i := 0; i < 100; i++ {
		srv.WakeUp()
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the wake-up to stop the loop")
	}
	if got := h.total(); got != 1 {
		t.Errorf("Got %d dispatches but expected 1", got)
	}
}

func TestRunLoopWaitZeroNoIO(t *testing.T) {
	loop := newTestLoop()
	srv := socketserver.NewRunLoopServer(loop, nil, &socketserver.MemoryQueue{})
	defer srv.Close()

	if !srv.Wait(0, false) {
		t.Error("Wait(0, false) must report true")
	}
	if loop.runs != 0 {
		t.Error("Wait(0, false) must not enter the host loop")
	}
}

func TestRunLoopSocketWorkKeepsIOWaitRunning(t *testing.T) {
	loop := newTestLoop()
	sys := socktest.NewSystem()
	queue := &socketserver.MemoryQueue{}
	srv := socketserver.NewRunLoopServer(loop, sys, queue)
	defer srv.Close()

	l, err := srv.CreateAsyncSocket(socket.Stream)
	if err != nil {
		t.Fatalf("Error creating listener: %v", err)
	}
	if berr := l.Bind(socket.NewAddr(net.IPv4(127, 0, 0, 1), 0)); berr != nil {
		t.Fatalf("Error binding: %v", berr)
	}
	if lerr := l.Listen(1); lerr != nil {
		t.Fatalf("Error listening: %v", lerr)
	}
	var accepts int
	l.OnRead = func(s *socket.AsyncSocket) {
		if _, _, aerr := s.Accept(); aerr == nil {
			accepts++
		}
	}

	c, err := srv.CreateAsyncSocket(socket.Stream)
	if err != nil {
		t.Fatalf("Error creating socket: %v", err)
	}
	var connects int
	c.OnConnect = func(*socket.AsyncSocket) { connects++ }

	// Readiness is posted before the wait begins; dispatching it must not
	// end the wait early the way a genuine wake-up does.
	if cerr := c.Connect(l.LocalAddr()); cerr != nil {
		t.Fatalf("Error connecting: %v", cerr)
	}
	start := time.Now()
	srv.Wait(60*time.Millisecond, true)

	if connects != 1 {
		t.Errorf("Got %d connect signals but expected 1 inside the I/O wait", connects)
	}
	if accepts != 1 {
		t.Errorf("Got %d accepts but expected 1 inside the I/O wait", accepts)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Ordinary socket work must not stop an I/O wait before its deadline")
	}

	// A genuine wake-up still ends the wait.
	go func() {
		time.Sleep(10 * time.Millisecond)
		srv.WakeUp()
	}()
	start = time.Now()
	srv.Wait(10*time.Second, true)
	if time.Since(start) >= 5*time.Second {
		t.Error("A wake-up must stop the I/O wait promptly")
	}

	srv.Unregister(l)
	srv.Unregister(c)
}

func TestRunLoopDelayedMessage(t *testing.T) {
	loop := newTestLoop()
	queue := &socketserver.MemoryQueue{}
	srv := socketserver.NewRunLoopServer(loop, nil, queue)
	defer srv.Close()

	h := &countingHandler{}
	queue.PostDelayed(20*time.Millisecond, h, 1, nil)

	// First wake-up pumps nothing but schedules the re-entry.
	srv.WakeUp()
	srv.Wait(socketserver.Forever, false)
	if h.total() != 0 {
		t.Fatal("The delayed message must not dispatch before it is due")
	}

	// The rescheduled wake-up stops this wait and dispatches the message.
	srv.Wait(socketserver.Forever, false)
	if h.total() != 1 {
		t.Errorf("Got %d dispatches but expected 1 after the delay", h.total())
	}
}
