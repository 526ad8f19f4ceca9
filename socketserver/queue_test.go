// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package socketserver_test

import (
	"testing"
	"time"

	"mellium.im/jingle/socketserver"
)

func TestQueueFIFO(t *testing.T) {
	queue := &socketserver.MemoryQueue{}
	var order []uint32
	h := socketserver.HandlerFunc(func(msg *socketserver.Message) {
		order = append(order, msg.ID)
	})
	for i := uint32(0); i < 4; i++ {
		queue.Post(h, i, nil)
	}
	if queue.Len() != 4 {
		t.Fatalf("Got length %d but expected 4", queue.Len())
	}
	for {
		msg, ok := queue.Get(0)
		if !ok {
			break
		}
		queue.Dispatch(&msg)
	}
	for i, id := range order {
		if id != uint32(i) {
			t.Fatalf("Got dispatch order %v but expected FIFO", order)
		}
	}
}

func TestQueueDelay(t *testing.T) {
	queue := &socketserver.MemoryQueue{}
	if queue.Delay() >= 0 {
		t.Error("An empty queue must report a negative delay")
	}

	queue.PostDelayed(40*time.Millisecond, socketserver.HandlerFunc(func(*socketserver.Message) {}), 1, nil)
	if d := queue.Delay(); d < 0 || d > 40*time.Millisecond {
		t.Errorf("Got delay %v but expected at most 40ms", d)
	}
	if _, ok := queue.Get(0); ok {
		t.Error("A delayed message must not be ready early")
	}

	if _, ok := queue.Get(500 * time.Millisecond); !ok {
		t.Error("Get must wait for the delayed message to come due")
	}
}

func TestQueueGetTimeout(t *testing.T) {
	queue := &socketserver.MemoryQueue{}
	start := time.Now()
	if _, ok := queue.Get(20 * time.Millisecond); ok {
		t.Error("Expected an empty queue to time out")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("Get returned before the timeout elapsed")
	}
}

func TestQueueWakesBlockedGet(t *testing.T) {
	queue := &socketserver.MemoryQueue{}
	done := make(chan uint32, 1)
	go func() {
		msg, ok := queue.Get(2 * time.Second)
		if !ok {
			done <- 0
			return
		}
		done <- msg.ID
	}()
	time.Sleep(10 * time.Millisecond)
	queue.Post(socketserver.HandlerFunc(func(*socketserver.Message) {}), 42, nil)

	select {
	case id := <-done:
		if id != 42 {
			t.Errorf("Got message %d but expected 42", id)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for Get to observe the post")
	}
}

func TestQueueWakeHook(t *testing.T) {
	queue := &socketserver.MemoryQueue{}
	woke := 0
	queue.Wake = func() { woke++ }
	queue.Post(socketserver.HandlerFunc(func(*socketserver.Message) {}), 1, nil)
	queue.PostDelayed(time.Hour, socketserver.HandlerFunc(func(*socketserver.Message) {}), 2, nil)
	if woke != 2 {
		t.Errorf("Got %d wake calls but expected 2", woke)
	}
}
