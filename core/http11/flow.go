package http11

import "sync"

// gate is a resettable event: Wait blocks while the gate is closed and
// returns once it opens. Opening releases every waiter.
type gate struct {
	mu   sync.Mutex
	ch   chan struct{}
	open bool
}

func newGate(open bool) *gate {
	g := &gate{ch: make(chan struct{}), open: open}
	if open {
		close(g.ch)
	}
	return g
}

// Open releases all current and future waiters until Close is called.
func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.ch)
	}
}

// Close arms the gate again so subsequent Wait calls block.
func (g *gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.open = false
		g.ch = make(chan struct{})
	}
}

// Chan returns a channel closed while the gate is open.
func (g *gate) Chan() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// Wait blocks until the gate is open.
func (g *gate) Wait() {
	<-g.Chan()
}

// FlowControl is the per-connection read/write backpressure gate.
// Reads are paused once buffered request body crosses the high water
// limit; writes block in Drain while the transport write buffer is
// above its watermark.
type FlowControl struct {
	transport *Transport

	mu          sync.Mutex
	readPaused  bool
	writePaused bool
	writable    *gate
}

// NewFlowControl creates a controller bound to a transport. The
// writable gate starts open.
func NewFlowControl(t *Transport) *FlowControl {
	return &FlowControl{
		transport: t,
		writable:  newGate(true),
	}
}

// ReadPaused reports whether reads are currently paused.
func (f *FlowControl) ReadPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readPaused
}

// WritePaused reports whether the transport write buffer is above its
// high watermark.
func (f *FlowControl) WritePaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writePaused
}

// Drain blocks until the write buffer drops below the low watermark.
// It returns immediately when writing is not paused.
func (f *FlowControl) Drain() {
	f.writable.Wait()
}

// DrainChan exposes the writable gate for select-based waiting.
func (f *FlowControl) DrainChan() <-chan struct{} {
	return f.writable.Chan()
}

// PauseReading stops the transport from pushing read data. Idempotent.
func (f *FlowControl) PauseReading() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.readPaused {
		f.readPaused = true
		f.transport.PauseReading()
	}
}

// ResumeReading restarts transport reads. Idempotent.
func (f *FlowControl) ResumeReading() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readPaused {
		f.readPaused = false
		f.transport.ResumeReading()
	}
}

// PauseWriting closes the writable gate. Called by the transport when
// its output buffer crosses the high watermark. Idempotent.
func (f *FlowControl) PauseWriting() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.writePaused {
		f.writePaused = true
		f.writable.Close()
	}
}

// ResumeWriting opens the writable gate, releasing every drainer.
// Called by the transport at the low watermark. Idempotent.
func (f *FlowControl) ResumeWriting() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writePaused {
		f.writePaused = false
		f.writable.Open()
	}
}
