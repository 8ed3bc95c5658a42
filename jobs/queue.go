package jobs

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"healthlink-api/gateway"
	"healthlink-api/ledger"
)

var finishedJobs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "healthlink_jobs_total",
	Help: "Jobs reaching a terminal status.",
}, []string{"status"})

// Submitter executes the ledger side of a job.
type Submitter interface {
	Submit(inv ledger.Invocation) (*ledger.Result, error)
	SubmitWithTransient(inv ledger.Invocation) (*ledger.Result, error)
}

// Queue accepts jobs, hands them to a fixed worker pool and tracks their
// lifecycle in the store. Enqueue applies backpressure instead of buffering
// without bound.
type Queue struct {
	store     *Store
	submitter Submitter
	jobs      chan string
	quit      chan struct{}
	wg        sync.WaitGroup
	workers   int

	mu     sync.RWMutex
	closed bool
}

// NewQueue builds a queue over the store with the given worker count and
// admission buffer.
func NewQueue(store *Store, submitter Submitter, workers, buffer int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &Queue{
		store:     store,
		submitter: submitter,
		jobs:      make(chan string, buffer),
		quit:      make(chan struct{}),
		workers:   workers,
	}
}

// Start launches the workers and reconciles jobs left over from a previous
// run: never-started jobs are re-queued, jobs caught mid-execution are
// failed with an ambiguous outcome so the client re-queries the ledger.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.recover()
	logger.Infof("job queue started with %d workers", q.workers)
}

// Stop waits for in-flight jobs to finish. Jobs still queued stay persisted
// and are picked up on the next start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.quit)
	q.wg.Wait()
	logger.Info("job queue stopped")
}

// Enqueue persists and schedules a new job. A request id already bound to a
// live job returns that job with created=false instead of scheduling a
// duplicate.
func (q *Queue) Enqueue(kind string, inv ledger.Invocation, requestID string) (job *Job, created bool, err error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, false, ErrStopped
	}

	job = &Job{
		ID:         uuid.New().String(),
		RequestID:  requestID,
		Kind:       kind,
		Invocation: inv,
		Status:     StatusQueued,
		CreatedAt:  time.Now().UTC(),
	}

	if err := q.store.Create(job); err != nil {
		var dup *DuplicateRequestError
		if errors.As(err, &dup) {
			existing, getErr := q.store.Get(dup.JobID)
			if getErr == nil {
				logger.Infof("request %s deduplicated to job %s", requestID, dup.JobID)
				return existing, false, nil
			}
		}
		return nil, false, err
	}

	select {
	case q.jobs <- job.ID:
		logger.Infof("job %s queued (%s %s)", job.ID, kind, inv.Function)
		return job, true, nil
	default:
		if err := q.store.Delete(job.ID, job.RequestID); err != nil {
			logger.Errorf("failed to roll back job %s after full queue: %v", job.ID, err)
		}
		return nil, false, ErrQueueFull
	}
}

// Get returns a job for polling; the first look at a terminal job starts
// the post-poll retention clock.
func (q *Queue) Get(id string) (*Job, error) {
	return q.store.Poll(id)
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			return
		case id := <-q.jobs:
			q.run(id)
		}
	}
}

func (q *Queue) run(id string) {
	job, err := q.store.MarkActive(id)
	if err != nil {
		logger.Warnf("skipping job %s: %v", id, err)
		return
	}

	var result *ledger.Result
	if job.Kind == KindSubmitPrivate {
		result, err = q.submitter.SubmitWithTransient(job.Invocation)
	} else {
		result, err = q.submitter.Submit(job.Invocation)
	}

	if err != nil {
		failure := Failure{Kind: gateway.KindOf(err).String(), Message: err.Error()}
		if _, storeErr := q.store.Fail(id, failure); storeErr != nil {
			logger.Errorf("failed to record job %s failure: %v", id, storeErr)
		}
		finishedJobs.WithLabelValues(string(StatusFailed)).Inc()
		logger.Warnf("job %s failed: %v", id, err)
		return
	}

	if _, storeErr := q.store.Complete(id, result); storeErr != nil {
		logger.Errorf("failed to record job %s completion: %v", id, storeErr)
		return
	}
	finishedJobs.WithLabelValues(string(StatusCompleted)).Inc()
	logger.Infof("job %s completed (transaction %s)", id, result.TransactionID)
}

func (q *Queue) recover() {
	all, err := q.store.List()
	if err != nil {
		logger.Errorf("job recovery scan failed: %v", err)
		return
	}

	var requeue []string
	for _, job := range all {
		switch job.Status {
		case StatusActive:
			failure := Failure{
				Kind:    gateway.KindCommitTimeout.String(),
				Message: "service restarted while the job was executing; query the ledger to determine the outcome",
			}
			if _, err := q.store.Fail(job.ID, failure); err != nil {
				logger.Errorf("failed to close out orphaned job %s: %v", job.ID, err)
			} else {
				finishedJobs.WithLabelValues(string(StatusFailed)).Inc()
				logger.Warnf("job %s was executing during shutdown, marked failed", job.ID)
			}
		case StatusQueued:
			requeue = append(requeue, job.ID)
		}
	}

	if len(requeue) == 0 {
		return
	}
	logger.Infof("re-queueing %d jobs from before restart", len(requeue))
	go func() {
		for _, id := range requeue {
			select {
			case q.jobs <- id:
			case <-q.quit:
				return
			}
		}
	}()
}
