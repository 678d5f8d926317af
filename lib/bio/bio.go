package bio

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("bio")

// --------------------------------------------------------------------------
// Job Kinds
// --------------------------------------------------------------------------

// Kind selects which dedicated worker services a job
type Kind int

const (
	// KindClose closes a file descriptor
	KindClose Kind = iota

	// KindFsync fsyncs a file descriptor
	KindFsync

	// KindLazyFree runs a deferred destructor
	KindLazyFree

	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindClose:
		return "close"
	case KindFsync:
		return "fsync"
	case KindLazyFree:
		return "lazyfree"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Jobs and Queues
// --------------------------------------------------------------------------

// job carries the kind-specific payload. The destructor closure replaces
// the variable-length argument list a C implementation would pack.
type job struct {
	created time.Time
	file    *os.File
	free    func()
}

// queue is one FIFO with its worker synchronisation state
type queue struct {
	mu       sync.Mutex
	newJob   *sync.Cond
	stepDone *sync.Cond
	jobs     []job
	pending  int
	closed   bool
}

func newQueue() *queue {
	q := &queue{}
	q.newJob = sync.NewCond(&q.mu)
	q.stepDone = sync.NewCond(&q.mu)
	return q
}

// --------------------------------------------------------------------------
// Pool
// --------------------------------------------------------------------------

// Pool runs one dedicated worker per job kind. Jobs of one kind complete
// strictly in submission order; submission itself never blocks.
type Pool struct {
	queues [numKinds]*queue
	wg     sync.WaitGroup

	processed [numKinds]*metrics.Counter
}

// NewPool creates the queues and starts the worker threads
func NewPool() *Pool {
	p := &Pool{}
	for k := Kind(0); k < numKinds; k++ {
		p.queues[k] = newQueue()
		p.processed[k] = metrics.GetOrCreateCounter(fmt.Sprintf(`cedar_bio_jobs_processed_total{kind=%q}`, k))
		p.wg.Add(1)
		go p.worker(k)
	}
	Logger.Infof("started %d background workers", numKinds)
	return p
}

func (p *Pool) submit(kind Kind, j job) {
	j.created = time.Now()
	q := p.queues[kind]

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		panic("bio: submit on stopped pool")
	}
	q.jobs = append(q.jobs, j)
	q.pending++
	q.newJob.Signal()
	q.mu.Unlock()
}

// SubmitClose schedules a background close of f
func (p *Pool) SubmitClose(f *os.File) {
	p.submit(KindClose, job{file: f})
}

// SubmitFsync schedules a background fsync of f
func (p *Pool) SubmitFsync(f *os.File) {
	p.submit(KindFsync, job{file: f})
}

// SubmitLazyFree schedules fn to run on the lazy-free worker
func (p *Pool) SubmitLazyFree(fn func()) {
	p.submit(KindLazyFree, job{free: fn})
}

// PendingCount returns the number of jobs of kind not yet completed,
// including the one currently executing
func (p *Pool) PendingCount(kind Kind) int {
	q := p.queues[kind]
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// WaitOneStep blocks until at least one job of kind completes and returns
// the remaining pending count. It returns immediately when the queue is
// already empty.
func (p *Pool) WaitOneStep(kind Kind) int {
	q := p.queues[kind]
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == 0 {
		return 0
	}
	q.stepDone.Wait()
	return q.pending
}

// Drain blocks until the queue of kind is fully empty
func (p *Pool) Drain(kind Kind) {
	q := p.queues[kind]
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending > 0 {
		q.stepDone.Wait()
	}
}

// Stop drains all queues and joins the workers. The pool is unusable
// afterwards.
func (p *Pool) Stop() {
	for k := Kind(0); k < numKinds; k++ {
		q := p.queues[k]
		q.mu.Lock()
		q.closed = true
		q.newJob.Broadcast()
		q.mu.Unlock()
	}
	p.wg.Wait()
}

// --------------------------------------------------------------------------
// Worker
// --------------------------------------------------------------------------

func (p *Pool) worker(kind Kind) {
	defer p.wg.Done()
	q := p.queues[kind]

	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.newJob.Wait()
		}
		if len(q.jobs) == 0 && q.closed {
			q.mu.Unlock()
			return
		}

		// peek without removing so PendingCount keeps counting the job
		// until it actually completed
		j := q.jobs[0]
		q.mu.Unlock()

		p.execute(kind, j)

		q.mu.Lock()
		q.jobs = q.jobs[1:]
		q.pending--
		q.stepDone.Broadcast()
		q.mu.Unlock()

		p.processed[kind].Inc()
	}
}

// execute runs one job. Close and fsync tolerate descriptors that became
// invalid in the meantime.
func (p *Pool) execute(kind Kind, j job) {
	switch kind {
	case KindClose:
		if err := j.file.Close(); err != nil {
			Logger.Debugf("background close: %v", err)
		}
	case KindFsync:
		if err := Fdatasync(j.file); err != nil {
			Logger.Debugf("background fsync: %v", err)
		}
	case KindLazyFree:
		j.free()
	default:
		panic(fmt.Sprintf("bio: unknown job kind %d", kind))
	}
}
