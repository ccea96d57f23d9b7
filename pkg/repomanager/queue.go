package repomanager

import "context"

// Queue is a buffered channel of ImportRequests the worker loop drains
// one at a time (spec §5 ordering guarantee b: imports are processed
// serially). It is bounded: once its capacity is reached, Enqueue blocks
// until the worker takes a request.
type Queue struct {
	ch chan ImportRequest
}

// NewQueue returns a Queue with capacity large enough that Enqueue never
// blocks the HTTP handler under normal load; callers that need a hard
// backpressure bound should size this explicitly via NewQueueWithCapacity.
func NewQueue() *Queue {
	return NewQueueWithCapacity(1024)
}

func NewQueueWithCapacity(capacity int) *Queue {
	return &Queue{ch: make(chan ImportRequest, capacity)}
}

// Enqueue hands req to the worker loop.
func (q *Queue) Enqueue(req ImportRequest) {
	q.ch <- req
}

// Tick processes exactly one queued request, blocking until one arrives
// or ctx is canceled; this is the Work function for taskrunner.Runner.
func (p *Pipeline) Tick(ctx context.Context, q *Queue) error {
	select {
	case <-ctx.Done():
		return nil
	case req := <-q.ch:
		p.Run(ctx, req)
		return nil
	}
}
