// Package async runs settlement chores on a fixed set of workers behind a
// bounded intake queue. A dispatch past capacity is refused immediately, so
// a stalled engine shows up as refusals at the caller instead of an
// ever-growing backlog.
package async

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/pegbridge/escrow/errs"
)

// Job is one unit of settlement work. It receives the dispatcher's context
// and can observe cancellation mid-flight.
type Job func(context.Context) error

// Pool fans jobs out to its workers. The zero value is not usable; construct
// with New.
type Pool struct {
	intake   chan submission
	quit     chan struct{}
	inflight sync.WaitGroup
	stop     sync.Once
	depth    int
}

type submission struct {
	ctx context.Context
	run Job
}

// New starts workers goroutines reading from an intake queue of the given
// depth. Negative depth is clamped to an unbuffered intake.
func New(workers, depth int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("async", errs.CodeInvalidState,
			errs.WithMessage("worker count "+strconv.Itoa(workers)+" must be positive"))
	}
	if depth < 0 {
		depth = 0
	}
	p := &Pool{
		intake: make(chan submission, depth),
		quit:   make(chan struct{}),
		depth:  depth,
	}
	for i := 0; i < workers; i++ {
		go p.serve()
	}
	return p, nil
}

// Dispatch hands a job to the pool without blocking. A closed pool or a full
// intake refuses the job with an Unavailable envelope naming the reason.
func (p *Pool) Dispatch(ctx context.Context, run Job) error {
	if run == nil {
		return errs.New("async", errs.CodeInvalidState, errs.WithMessage("nil job"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	select {
	case <-p.quit:
		return errs.New("async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	default:
	}
	p.inflight.Add(1)
	select {
	case p.intake <- submission{ctx: ctx, run: run}:
		return nil
	default:
		p.inflight.Done()
		return errs.New("async", errs.CodeUnavailable,
			errs.WithMessage("intake full at depth "+strconv.Itoa(p.depth)))
	}
}

// Close refuses further dispatches. Jobs already queued still run.
func (p *Pool) Close() {
	p.stop.Do(func() { close(p.quit) })
}

// Drain closes the pool and waits for queued and running jobs, giving up
// when the context expires.
func (p *Pool) Drain(ctx context.Context) error {
	p.Close()
	idle := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(idle)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("drain: %w", ctx.Err())
	case <-idle:
		return nil
	}
}

func (p *Pool) serve() {
	for {
		select {
		case <-p.quit:
			// Finish whatever was accepted before the close, then exit.
			for {
				select {
				case sub := <-p.intake:
					p.execute(sub)
				default:
					return
				}
			}
		case sub := <-p.intake:
			p.execute(sub)
		}
	}
}

func (p *Pool) execute(sub submission) {
	defer p.inflight.Done()
	defer func() {
		// A panicking job must not take its worker down.
		_ = recover()
	}()
	_ = sub.run(sub.ctx)
}
