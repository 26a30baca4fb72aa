package state

import (
	"context"
	"testing"
	"time"
)

type fakeConn struct {
	shutdowns int
}

func (f *fakeConn) Shutdown() { f.shutdowns++ }

func TestConnectionSet(t *testing.T) {
	s := NewServerState()

	a, b := &fakeConn{}, &fakeConn{}
	s.AddConnection(a)
	s.AddConnection(b)
	if s.ConnectionCount() != 2 {
		t.Fatalf("expected 2 connections, got %d", s.ConnectionCount())
	}

	s.RemoveConnection(a)
	s.RemoveConnection(a)
	if s.ConnectionCount() != 1 {
		t.Fatalf("remove must be idempotent, got %d", s.ConnectionCount())
	}

	for _, c := range s.Connections() {
		c.Shutdown()
	}
	if b.shutdowns != 1 {
		t.Errorf("expected the remaining connection to be shut down once, got %d", b.shutdowns)
	}
}

func TestRequestCounters(t *testing.T) {
	s := NewServerState()

	if s.TotalRequests() != 0 {
		t.Error("fresh state must have zero requests")
	}
	s.IncTotalRequests()
	s.IncTotalRequests()
	if s.TotalRequests() != 2 {
		t.Errorf("expected 2 requests, got %d", s.TotalRequests())
	}

	before := s.SinceLastRequest()
	time.Sleep(10 * time.Millisecond)
	s.TouchLastRequest()
	after := s.SinceLastRequest()
	if after >= before+10*time.Millisecond {
		t.Errorf("touch did not reset the last-request clock: before=%v after=%v", before, after)
	}
}

func TestTaskTrackerSelfReclaims(t *testing.T) {
	tr := NewTaskTracker()

	_, cancel1 := context.WithCancel(context.Background())
	_, cancel2 := context.WithCancel(context.Background())
	done1 := tr.Track(cancel1)
	done2 := tr.Track(cancel2)

	if tr.Count() != 2 {
		t.Fatalf("expected 2 tracked tasks, got %d", tr.Count())
	}

	done1()
	done1() // calling done twice must not double-release
	if tr.Count() != 1 {
		t.Fatalf("expected 1 tracked task after completion, got %d", tr.Count())
	}

	done2()
	waited := make(chan struct{})
	go func() {
		tr.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("wait should return once every task completed")
	}
}

func TestTaskTrackerCancelAll(t *testing.T) {
	tr := NewTaskTracker()

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	done1 := tr.Track(cancel1)
	done2 := tr.Track(cancel2)

	tr.CancelAll()

	for i, ctx := range []context.Context{ctx1, ctx2} {
		select {
		case <-ctx.Done():
		default:
			t.Errorf("task %d context should be cancelled", i+1)
		}
	}

	done1()
	done2()
	if tr.Count() != 0 {
		t.Errorf("expected empty tracker, got %d", tr.Count())
	}
}
