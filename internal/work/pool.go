package work

import (
	"container/heap"
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/abelbrown/photoframe/internal/logging"
)

// DefaultQueueSize bounds the pending queue.
const DefaultQueueSize = 256

// Pool runs submitted jobs on a fixed set of workers.
// Jobs may be submitted before Start; they run once workers exist.
type Pool struct {
	mu         sync.Mutex
	cond       *sync.Cond
	workers    int
	maxPending int

	pending priorityQueue
	active  int
	stopped bool
	seq     int64

	totalCreated   int64
	totalCompleted int64
	totalFailed    int64
	totalDropped   int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool. workers <= 0 uses runtime.NumCPU();
// queueSize <= 0 uses DefaultQueueSize.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Pool{
		workers:    workers,
		maxPending: queueSize,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the worker goroutines. Jobs receive a context carrying ctx's
// values but not its cancellation, so queued writes still land after the
// caller's context ends. It is cancelled once Stop has finished the queue.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logging.Info("Work pool started", "workers", p.workers, "queue", p.maxPending)
}

// Stop rejects new jobs, finishes queued ones, and waits for workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}

	st := p.Stats()
	logging.Info("Work pool stopped",
		"created", st.TotalCreated,
		"completed", st.TotalCompleted,
		"failed", st.TotalFailed,
		"dropped", st.TotalDropped)
}

// Submit queues fn. It returns false when the pool is stopped or the queue
// is full; the job is then dropped.
func (p *Pool) Submit(typ Type, desc string, fn func(ctx context.Context) error) bool {
	return p.SubmitWithPriority(typ, desc, PriorityNormal, fn)
}

// SubmitWithPriority queues fn at the given priority.
func (p *Pool) SubmitWithPriority(typ Type, desc string, priority int, fn func(ctx context.Context) error) bool {
	item := &Item{
		Type:        typ,
		Description: desc,
		Priority:    priority,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
		fn:          fn,
	}

	p.mu.Lock()
	if p.stopped || len(p.pending) >= p.maxPending {
		p.totalDropped++
		p.mu.Unlock()
		LogEvent(Event{Item: item, Change: "dropped"})
		return false
	}
	p.seq++
	item.seq = p.seq
	item.ID = fmt.Sprintf("w%d", p.seq)
	heap.Push(&p.pending, item)
	p.totalCreated++
	p.cond.Signal()
	p.mu.Unlock()
	return true
}

// Drain blocks until no jobs are pending or running. Requires Start.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.pending) > 0 || p.active > 0 {
		p.cond.Wait()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.pending) == 0 {
			p.mu.Unlock()
			return
		}
		item := heap.Pop(&p.pending).(*Item)
		item.Status = StatusActive
		item.StartedAt = time.Now()
		p.active++
		p.mu.Unlock()

		LogEvent(Event{Item: item, Change: "started"})
		err := p.execute(item)

		p.mu.Lock()
		item.FinishedAt = time.Now()
		item.Error = err
		p.active--
		change := "completed"
		if err != nil {
			item.Status = StatusFailed
			p.totalFailed++
			change = "failed"
		} else {
			item.Status = StatusComplete
			p.totalCompleted++
		}
		p.cond.Broadcast()
		p.mu.Unlock()

		LogEvent(Event{Item: item, Change: change})
	}
}

// execute runs a single job, converting panics into errors.
func (p *Pool) execute(item *Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Work panicked", "id", item.ID, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if item.fn == nil {
		return fmt.Errorf("no work function")
	}
	return item.fn(p.ctx)
}

// Stats returns current statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		TotalCreated:   p.totalCreated,
		TotalCompleted: p.totalCompleted,
		TotalFailed:    p.totalFailed,
		TotalDropped:   p.totalDropped,
		WorkersActive:  p.active,
		WorkersTotal:   p.workers,
		PendingCount:   len(p.pending),
	}
}
