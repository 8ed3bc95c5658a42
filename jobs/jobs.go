// Package jobs runs ledger submissions asynchronously: accepted requests
// are persisted, executed by a worker pool, and their terminal results held
// for polling until they expire. Terminal states are immutable and failed
// jobs are never resubmitted; the client owns any retry.
package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/hyperledger/fabric-lib-go/common/flogging"

	"healthlink-api/ledger"
)

var logger = flogging.MustGetLogger("healthlink.jobs")

var (
	ErrNotFound  = errors.New("job not found")
	ErrQueueFull = errors.New("job queue full")
	ErrStopped   = errors.New("job queue stopped")
)

// Job kinds.
const (
	KindSubmit        = "submit"
	KindSubmitPrivate = "submit-private"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Failure describes why a job ended in StatusFailed.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job is one asynchronous ledger submission.
type Job struct {
	ID         string            `json:"jobId"`
	RequestID  string            `json:"requestId,omitempty"`
	Kind       string            `json:"kind"`
	Invocation ledger.Invocation `json:"invocation"`
	Status     Status            `json:"status"`
	Result     *ledger.Result    `json:"result,omitempty"`
	Error      *Failure          `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	StartedAt  *time.Time        `json:"startedAt,omitempty"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
}

// DuplicateRequestError reports that a request id is already bound to a job.
type DuplicateRequestError struct {
	RequestID string
	JobID     string
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("request %s already enqueued as job %s", e.RequestID, e.JobID)
}
