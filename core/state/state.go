// Package state holds the process-wide aggregates shared by every
// connection of one server instance: the live connection set, the
// in-flight cycle tasks, and the request counters the shutdown
// coordinator reads.
package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Connection is a live protocol instance the server can ask to
// quiesce.
type Connection interface {
	Shutdown()
}

// ServerState is shared by all connections of one server. Counters use
// atomics and the sets take a short local lock; there are no
// cross-connection invariants.
type ServerState struct {
	start time.Time

	totalRequests    atomic.Uint64
	lastRequestNanos atomic.Int64

	mu          sync.Mutex
	connections map[Connection]struct{}

	tasks *TaskTracker
}

// NewServerState creates an empty state. last-request starts at the
// server start instant so a server that never saw traffic quiesces
// after one threshold window.
func NewServerState() *ServerState {
	return &ServerState{
		start:       time.Now(),
		connections: make(map[Connection]struct{}),
		tasks:       NewTaskTracker(),
	}
}

// AddConnection registers a live connection.
func (s *ServerState) AddConnection(c Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[c] = struct{}{}
}

// RemoveConnection drops a connection. Unknown connections are a
// no-op.
func (s *ServerState) RemoveConnection(c Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, c)
}

// Connections snapshots the live connection set.
func (s *ServerState) Connections() []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Connection, 0, len(s.connections))
	for c := range s.connections {
		out = append(out, c)
	}
	return out
}

// ConnectionCount reports the number of live connections.
func (s *ServerState) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// IncTotalRequests bumps the completed-response counter.
func (s *ServerState) IncTotalRequests() {
	s.totalRequests.Add(1)
}

// TotalRequests reports completed responses since startup.
func (s *ServerState) TotalRequests() uint64 {
	return s.totalRequests.Load()
}

// TouchLastRequest stamps the arrival of a request line.
func (s *ServerState) TouchLastRequest() {
	s.lastRequestNanos.Store(int64(time.Since(s.start)))
}

// SinceLastRequest reports how long ago the last request line was
// parsed.
func (s *ServerState) SinceLastRequest() time.Duration {
	return time.Since(s.start) - time.Duration(s.lastRequestNanos.Load())
}

// Tasks exposes the in-flight cycle tracker.
func (s *ServerState) Tasks() *TaskTracker {
	return s.tasks
}

// TaskTracker tracks in-flight cycle tasks without owning them: each
// task registers on spawn and removes itself on completion, so
// finished tasks reclaim their slot with no sweep.
type TaskTracker struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	cancels map[uint64]context.CancelFunc
	nextID  uint64
}

// NewTaskTracker creates an empty tracker.
func NewTaskTracker() *TaskTracker {
	return &TaskTracker{cancels: make(map[uint64]context.CancelFunc)}
}

// Track registers a task and its cancel handle. The returned function
// must be called when the task finishes; calls after the first are
// no-ops.
func (t *TaskTracker) Track(cancel context.CancelFunc) (done func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.cancels[id] = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.cancels, id)
			t.mu.Unlock()
			t.wg.Done()
		})
	}
}

// Count reports the number of in-flight tasks.
func (t *TaskTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cancels)
}

// CancelAll cancels every in-flight task.
func (t *TaskTracker) CancelAll() {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.cancels))
	for _, c := range t.cancels {
		cancels = append(cancels, c)
	}
	t.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

// Wait blocks until every tracked task has finished.
func (t *TaskTracker) Wait() {
	t.wg.Wait()
}
