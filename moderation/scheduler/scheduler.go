// Package scheduler runs work on a fixed pool of workers while keeping items that share a key in submission order.
//
// Items are keyed by guild and user in the pipeline: different users are processed concurrently, while one user's events are handled one at a time.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrShutdown = errors.New("scheduler is shut down")

type Scheduler[T any] struct {
	maxConcurrency int

	do func(context.Context, T) error

	feeder chan *task[T]
	out    chan struct{}

	lk       sync.Mutex
	active   map[string][]*task[T]
	shutdown bool
	// sends counts feeder sends still in flight. Shutdown waits on it before
	// stopping workers, so the feeder is never closed under a producer.
	sends sync.WaitGroup

	ident string

	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsQueued    prometheus.Gauge
	workersActive  prometheus.Gauge

	log *slog.Logger
}

type task[T any] struct {
	key     string
	val     T
	control string
}

// New starts maxC workers. do is called with a background context; per-item deadlines are the caller's concern.
func New[T any](maxC int, ident string, do func(context.Context, T) error) *Scheduler[T] {
	if maxC < 1 {
		maxC = 1
	}
	p := &Scheduler[T]{
		maxConcurrency: maxC,
		do:             do,
		feeder:         make(chan *task[T]),
		active:         make(map[string][]*task[T]),
		out:            make(chan struct{}),
		ident:          ident,

		itemsAdded:     workItemsAdded.WithLabelValues(ident),
		itemsProcessed: workItemsProcessed.WithLabelValues(ident),
		itemsQueued:    workItemsQueued.WithLabelValues(ident),
		workersActive:  workersActive.WithLabelValues(ident),

		log: slog.Default().With("system", "scheduler", "pool", ident),
	}

	for i := 0; i < maxC; i++ {
		go p.worker()
	}
	p.workersActive.Set(float64(maxC))

	return p
}

// AddWork queues val under key. If another item with the same key is queued or running, val runs after it on the same worker.
func (p *Scheduler[T]) AddWork(ctx context.Context, key string, val T) error {
	t := &task[T]{
		key: key,
		val: val,
	}
	p.lk.Lock()
	if p.shutdown {
		p.lk.Unlock()
		return ErrShutdown
	}
	p.itemsAdded.Inc()

	a, ok := p.active[key]
	if ok {
		p.active[key] = append(a, t)
		p.itemsQueued.Inc()
		p.lk.Unlock()
		return nil
	}

	p.active[key] = []*task[T]{}
	p.sends.Add(1)
	p.lk.Unlock()
	defer p.sends.Done()

	select {
	case p.feeder <- t:
		return nil
	case <-ctx.Done():
		// val is dropped, but anything queued behind it still needs a worker
		p.lk.Lock()
		rem := p.active[key]
		if len(rem) == 0 {
			delete(p.active, key)
			p.lk.Unlock()
			return ctx.Err()
		}
		next := rem[0]
		p.active[key] = rem[1:]
		p.itemsQueued.Dec()
		p.sends.Add(1)
		p.lk.Unlock()
		go func() {
			defer p.sends.Done()
			p.feeder <- next
		}()
		return ctx.Err()
	}
}

// Shutdown stops intake and waits for every queued and running item to finish.
func (p *Scheduler[T]) Shutdown() {
	p.lk.Lock()
	if p.shutdown {
		p.lk.Unlock()
		return
	}
	p.shutdown = true
	p.lk.Unlock()

	p.log.Info("shutting down scheduler")
	p.sends.Wait()

	// workers exit on the stop task; the feeder stays open so a late send can never panic
	for i := 0; i < p.maxConcurrency; i++ {
		p.feeder <- &task[T]{control: "stop"}
	}

	for i := 0; i < p.maxConcurrency; i++ {
		<-p.out
	}
	p.workersActive.Set(0)

	p.log.Info("scheduler shutdown complete")
}

func (p *Scheduler[T]) worker() {
	for work := range p.feeder {
		for work != nil {
			if work.control == "stop" {
				p.out <- struct{}{}
				return
			}

			if err := p.do(context.Background(), work.val); err != nil {
				p.log.Error("work item failed", "key", work.key, "err", err)
			}
			p.itemsProcessed.Inc()

			p.lk.Lock()
			rem, ok := p.active[work.key]
			if !ok {
				p.log.Error("should always have an 'active' entry if a worker is processing a job")
			}

			if len(rem) == 0 {
				delete(p.active, work.key)
				work = nil
			} else {
				work = rem[0]
				p.active[work.key] = rem[1:]
				p.itemsQueued.Dec()
			}
			p.lk.Unlock()
		}
	}
}
