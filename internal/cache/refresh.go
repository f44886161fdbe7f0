package cache

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"
)

// refreshQueue runs background revalidations on a bounded worker set,
// deduplicating concurrent refreshes of the same key. Saturation drops the
// request: the caller already holds stale data to serve.
type refreshQueue struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan refreshJob
	wg     conc.WaitGroup
	once   sync.Once

	mu       sync.Mutex
	inflight map[string]struct{}
}

type refreshJob struct {
	key string
	fn  func(context.Context)
}

func newRefreshQueue(workers, queue int) *refreshQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := new(refreshQueue)
	q.ctx = ctx
	q.cancel = cancel
	q.jobs = make(chan refreshJob, queue)
	q.inflight = make(map[string]struct{})
	for i := 0; i < workers; i++ {
		q.wg.Go(q.worker)
	}
	return q
}

// submit schedules fn unless the key is already being refreshed or the
// queue is saturated. Reports whether the job was accepted.
func (q *refreshQueue) submit(key string, fn func(context.Context)) bool {
	q.mu.Lock()
	if _, busy := q.inflight[key]; busy {
		q.mu.Unlock()
		return false
	}
	q.inflight[key] = struct{}{}
	q.mu.Unlock()

	select {
	case <-q.ctx.Done():
		q.release(key)
		return false
	case q.jobs <- refreshJob{key: key, fn: fn}:
		return true
	default:
		q.release(key)
		return false
	}
}

func (q *refreshQueue) close() {
	q.once.Do(func() {
		q.cancel()
		close(q.jobs)
		q.wg.WaitAndRecover()
	})
}

func (q *refreshQueue) worker() {
	for {
		select {
		case <-q.ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			job.fn(q.ctx)
			q.release(job.key)
		}
	}
}

func (q *refreshQueue) release(key string) {
	q.mu.Lock()
	delete(q.inflight, key)
	q.mu.Unlock()
}
