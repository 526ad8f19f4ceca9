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

// countingHandler counts dispatches and optionally runs a hook.
type countingHandler struct {
	mu    sync.Mutex
	count int
	hook  func(msg *socketserver.Message)
}

func (h *countingHandler) OnMessage(msg *socketserver.Message) {
	h.mu.Lock()
	h.count++
	h.mu.Unlock()
	if h.hook != nil {
		h.hook(msg)
	}
}

func (h *countingHandler) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func TestWaitZeroNoIOIsNoOp(t *testing.T) {
	srv := socketserver.NewPumpServer(socktest.NewSystem(), &socketserver.MemoryQueue{})
	if !srv.Wait(0, false) {
		t.Error("Wait(0, false) must report true")
	}
}

func TestWakeUpCoalescing(t *testing.T) {
	queue := &socketserver.MemoryQueue{}
	srv := socketserver.NewPumpServer(socktest.NewSystem(), queue)

	h := &countingHandler{}
	queue.Post(h, 1, nil)

	var pumped sync.WaitGroup
	pumped.Add(1)
	go func() {
		defer pumped.Done()
		// Give the other goroutine time to fire every wake-up first.
		time.Sleep(20 * time.Millisecond)
		if !srv.Wait(socketserver.Forever, false) {
			t.Error("Wait must report true after a wake-up")
		}
	}()

	for i := 0; i < 1000; i++ {
		srv.WakeUp()
	}
	pumped.Wait()

	if got := h.total(); got != 1 {
		t.Errorf("Got %d dispatches but expected 1: wake-ups must collapse", got)
	}
}

func TestPumpDrainsBacklog(t *testing.T) {
	queue := &socketserver.MemoryQueue{}
	srv := socketserver.NewPumpServer(socktest.NewSystem(), queue)

	h := &countingHandler{}
	for i := 0; i < 5; i++ {
		queue.Post(h, uint32(i), nil)
	}
	srv.WakeUp()
	srv.Wait(socketserver.Forever, false)

	if got := h.total(); got != 5 {
		t.Errorf("Got %d dispatches but expected the whole backlog of 5", got)
	}
}

func TestMessagesPostedDuringPumpWaitForNext(t *testing.T) {
	queue := &socketserver.MemoryQueue{}
	srv := socketserver.NewPumpServer(socktest.NewSystem(), queue)

	later := &countingHandler{}
	first := &countingHandler{hook: func(*socketserver.Message) {
		queue.Post(later, 99, nil)
	}}
	queue.Post(first, 1, nil)

	srv.WakeUp()
	srv.Wait(socketserver.Forever, false)
	if later.total() != 0 {
		t.Error("A message posted during the pump must wait for the next pump")
	}

	srv.WakeUp()
	srv.Wait(socketserver.Forever, false)
	if later.total() != 1 {
		t.Error("The next pump must dispatch the held message")
	}
}

func TestDelayedMessageRepumps(t *testing.T) {
	queue := &socketserver.MemoryQueue{}
	srv := socketserver.NewPumpServer(socktest.NewSystem(), queue)

	h := &countingHandler{}
	queue.PostDelayed(30*time.Millisecond, h, 7, nil)

	// The wake-up pump sees nothing ready and arms the delay timer.
	srv.WakeUp()
	srv.Wait(socketserver.Forever, false)
	if h.total() != 0 {
		t.Fatal("The delayed message must not dispatch before it is due")
	}

	// The delay timer re-enters the pump during an I/O wait.
	srv.Wait(200*time.Millisecond, true)
	if h.total() != 1 {
		t.Errorf("Got %d dispatches but expected the due message to dispatch", h.total())
	}
}

func TestNoSocketSignalsDuringWakeOnlyWait(t *testing.T) {
	sys := socktest.NewSystem()
	queue := &socketserver.MemoryQueue{}
	srv := socketserver.NewPumpServer(sys, queue)

	l, err := srv.CreateAsyncSocket(socket.Stream)
	if err != nil {
		t.Fatalf("Error creating listener: %v", err)
	}
	if err := l.Bind(socket.NewAddr(net.IPv4(127, 0, 0, 1), 0)); err != nil {
		t.Fatalf("Error binding: %v", err)
	}
	if err := l.Listen(1); err != nil {
		t.Fatalf("Error listening: %v", err)
	}
	addr := l.LocalAddr()

	var reads int
	l.OnRead = func(*socket.AsyncSocket) { reads++ }

	c, err := srv.CreateAsyncSocket(socket.Stream)
	if err != nil {
		t.Fatalf("Error creating socket: %v", err)
	}
	var connects int
	c.OnConnect = func(*socket.AsyncSocket) { connects++ }

	// Readiness arrives while the server is in a wake-up-only wait.
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Wait(socketserver.Forever, false)
	}()
	time.Sleep(10 * time.Millisecond)

	if err := c.Connect(addr); err != nil {
		t.Fatalf("Error connecting: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if reads != 0 || connects != 0 {
		t.Fatal("Socket signals must not fire during a wake-up-only wait")
	}

	srv.WakeUp()
	<-done
	if reads != 0 || connects != 0 {
		t.Fatal("Dispatching the wake-up must not dispatch socket events")
	}

	// The next I/O wait replays the held events.
	srv.Wait(0, true)
	if connects != 1 {
		t.Errorf("Got %d connect signals but expected 1 after the I/O wait", connects)
	}
	if reads != 1 {
		t.Errorf("Got %d accept signals but expected 1 after the I/O wait", reads)
	}
}

func TestSocketRoundTripThroughServer(t *testing.T) {
	sys := socktest.NewSystem()
	queue := &socketserver.MemoryQueue{}
	srv := socketserver.NewPumpServer(sys, queue)

	l, err := srv.CreateAsyncSocket(socket.Stream)
	if err != nil {
		t.Fatalf("Error creating listener: %v", err)
	}
	l.Bind(socket.NewAddr(net.IPv4(127, 0, 0, 1), 0))
	l.Listen(1)

	var echoed []byte
	l.OnRead = func(s *socket.AsyncSocket) {
		conn, _, aerr := s.Accept()
		if aerr != nil {
			t.Errorf("Error accepting: %v", aerr)
			return
		}
		srv.Register(conn)
		conn.OnRead = func(cs *socket.AsyncSocket) {
			buf := make([]byte, 64)
			cnt, rerr := cs.Recv(buf)
			if rerr != nil {
				t.Errorf("Error reading: %v", rerr)
				return
			}
			echoed = append(echoed, buf[:cnt]...)
		}
	}

	c, err := srv.CreateAsyncSocket(socket.Stream)
	if err != nil {
		t.Fatalf("Error creating socket: %v", err)
	}
	sent := false
	c.OnConnect = func(cs *socket.AsyncSocket) {
		if _, serr := cs.Send([]byte("ping")); serr != nil {
			t.Errorf("Error sending: %v", serr)
			return
		}
		sent = true
	}

	if err := c.Connect(l.LocalAddr()); err != nil {
		t.Fatalf("Error connecting: %v", err)
	}
	srv.Wait(0, true)

	if !sent {
		t.Fatal("Expected the connect signal to have fired inside Wait")
	}
	if string(echoed) != "ping" {
		t.Errorf("Got %q but expected ping", echoed)
	}

	srv.Unregister(l)
	srv.Unregister(c)
}

func TestUnregisterUnknownPanics(t *testing.T) {
	sys := socktest.NewSystem()
	srv := socketserver.NewPumpServer(sys, &socketserver.MemoryQueue{})
	s, err := srv.CreateAsyncSocket(socket.Stream)
	if err != nil {
		t.Fatalf("Error creating socket: %v", err)
	}
	srv.Unregister(s)

	defer func() {
		if recover() == nil {
			t.Error("Expected a double unregister to panic")
		}
	}()
	srv.Unregister(s)
}
