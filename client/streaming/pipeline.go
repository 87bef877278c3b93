package streaming

import "sync"

// Pipeline is the producer/consumer request queue standing between
// subscribe calls and the WebSocket write path. A producer pushes a
// {frame,onSent} entry and signals a condition variable; a single worker
// goroutine wakes, drains the queue while the session is Active, and
// calls the supplied sender for each entry in enqueue order. Pause
// blocks dequeue, not enqueue, so frames accumulate and are replayed in
// order once resumed.
//
// Grounded on original_source/src/streamer.h's m_requestQueue/m_cv/
// sendRequests() daemon, translated from a condition-variable-guarded
// std::queue to Go's sync.Cond over a single mutex protecting both the
// queue and the active/running flags, per spec.md §4.5's
// shouldWake = (state==Active && QueueNonEmpty) || !RunSenderWorker.
type Pipeline struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []pendingRequest
	active  bool
	running bool
	doneCh  chan struct{}
	send    func(frame Request, onSent func())
}

// NewPipeline builds a pipeline that calls send for each drained entry.
// send is expected not to block indefinitely; the controller passes the
// session's Send, which only enqueues onto the session's write serializer.
func NewPipeline(send func(frame Request, onSent func())) *Pipeline {
	p := &Pipeline{send: send}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Push enqueues a frame for delivery. Never blocks the caller.
func (p *Pipeline) Push(frame Request, onSent func()) {
	p.mu.Lock()
	p.queue = append(p.queue, pendingRequest{frame: frame, onSent: onSent})
	p.mu.Unlock()
	p.cond.Signal()
}

// SetActive flips the session-active flag the worker gates dequeue on.
// Called by the controller when the session transitions to/from Active.
func (p *Pipeline) SetActive(active bool) {
	p.mu.Lock()
	p.active = active
	p.mu.Unlock()
	p.cond.Signal()
}

// Start launches the sender worker goroutine. Safe to call once per
// pipeline lifetime; calling Start on an already-running pipeline is a
// no-op.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.run()
}

// Stop signals the worker to exit and waits for it to do so. Entries
// left in the queue are discarded.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	done := p.doneCh
	p.mu.Unlock()
	p.cond.Broadcast()
	<-done
}

func (p *Pipeline) run() {
	defer close(p.doneCh)

	for {
		p.mu.Lock()
		for p.running && !(p.active && len(p.queue) > 0) {
			p.cond.Wait()
		}
		if !p.running {
			p.mu.Unlock()
			return
		}

		var entry pendingRequest
		entry, p.queue = p.queue[0], p.queue[1:]
		p.mu.Unlock()

		p.send(entry.frame, entry.onSent)
	}
}
