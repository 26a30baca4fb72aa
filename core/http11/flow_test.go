package http11

import (
	"net"
	"sync"
	"testing"
	"time"
)

func newTestFlow(t *testing.T) *FlowControl {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewFlowControl(NewTransport(server, nil))
}

func TestFlowPauseResumeIdempotent(t *testing.T) {
	f := newTestFlow(t)

	f.PauseReading()
	f.PauseReading()
	if !f.ReadPaused() {
		t.Error("expected reads paused")
	}
	f.ResumeReading()
	f.ResumeReading()
	if f.ReadPaused() {
		t.Error("expected reads resumed")
	}

	f.PauseWriting()
	f.PauseWriting()
	if !f.WritePaused() {
		t.Error("expected writes paused")
	}
	f.ResumeWriting()
	f.ResumeWriting()
	if f.WritePaused() {
		t.Error("expected writes resumed")
	}
}

func TestFlowDrainImmediateWhenWritable(t *testing.T) {
	f := newTestFlow(t)

	done := make(chan struct{})
	go func() {
		f.Drain()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain should not block while writable")
	}
}

func TestFlowDrainReleasesAllWaiters(t *testing.T) {
	f := newTestFlow(t)
	f.PauseWriting()

	const waiters = 5
	var wg sync.WaitGroup
	released := make(chan struct{}, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Drain()
			released <- struct{}{}
		}()
	}

	select {
	case <-released:
		t.Fatal("drain returned while writing was paused")
	case <-time.After(50 * time.Millisecond):
	}

	f.ResumeWriting()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("resume did not release every drainer")
	}
}
