// Package pipeline executes one provisioning job at a time: an ordered
// sequence of steps writing a chosen image onto a chosen disk, with progress
// events for whoever is watching and cooperative cancellation.
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"

	"github.com/hotspot-os/provisioner/types"
)

// JobStatus is the lifecycle state of a provisioning job.
type JobStatus string

const (
	JobCreated   JobStatus = "created"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job has finished one way or another.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step names in execution order.
const (
	StepValidate  = "validate-target"
	StepWrite     = "write-image"
	StepVerify    = "verify-layout"
	StepConfigure = "post-configure"
	StepFinalize  = "finalize"
)

// StepRecord is the progress record of one step. The worker goroutine owns
// it while the job runs; read it through events, or directly once Done is
// closed.
type StepRecord struct {
	Name     string     `json:"name" yaml:"name"`
	Ordinal  int        `json:"ordinal" yaml:"ordinal"`
	Status   StepStatus `json:"status" yaml:"status"`
	Progress int        `json:"progress" yaml:"progress"` // -1 when indeterminate
	Err      string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// Job is one execution of the pipeline against a disk and image pair. The
// Manager owns the job for its lifetime; frontends hold it as a handle for
// Events, Cancel and Wait.
type Job struct {
	ID          string        `json:"id" yaml:"id"`
	Disk        *types.Disk   `json:"disk" yaml:"disk"`
	Image       types.Image   `json:"image" yaml:"image"`
	Steps       []*StepRecord `json:"steps" yaml:"steps"`
	Started     time.Time     `json:"started" yaml:"started"`
	Finished    time.Time     `json:"finished,omitempty" yaml:"finished,omitempty"`
	Annotation  string        `json:"annotation,omitempty" yaml:"annotation,omitempty"`
	Provisioned bool          `json:"provisioned" yaml:"provisioned"`

	mu        sync.Mutex
	status    JobStatus
	cancelled atomic.Bool
	events    chan Event
	done      chan struct{}
}

func newJob(disk *types.Disk, image types.Image) *Job {
	j := &Job{
		ID:     uuid.Must(uuid.NewV4()).String(),
		Disk:   disk,
		Image:  image,
		status: JobCreated,
		// Sized above the whole-percent progress budget of a full run so
		// the worker never blocks on a missing consumer.
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	for i, name := range []string{StepValidate, StepWrite, StepVerify, StepConfigure, StepFinalize} {
		j.Steps = append(j.Steps, &StepRecord{Name: name, Ordinal: i + 1, Status: StepPending, Progress: -1})
	}
	return j
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) setStatus(s JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

// Events is the stream of worker messages for this job. The channel closes
// after the terminal event is delivered.
func (j *Job) Events() <-chan Event {
	return j.events
}

// Done closes when the job reaches a terminal state. After that the Steps
// and Annotation fields are stable and safe to read directly.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes and returns its terminal status.
func (j *Job) Wait() JobStatus {
	<-j.done
	return j.Status()
}

// RequestCancel flags the job for cooperative cancellation. The flag is
// honored between steps; a raw write in flight always runs to its own end
// first.
func (j *Job) RequestCancel() {
	j.cancelled.Store(true)
}

func (j *Job) cancelRequested() bool {
	return j.cancelled.Load()
}

// failure returns the first failed step's error text, empty when no step
// failed.
func (j *Job) failure() string {
	for _, s := range j.Steps {
		if s.Status == StepFailed {
			return s.Err
		}
	}
	return ""
}

// StepByName returns the record for the named step, or nil.
func (j *Job) StepByName(name string) *StepRecord {
	for _, s := range j.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (j *Job) emit(e Event) {
	select {
	case j.events <- e:
	default:
		// A stalled consumer must never wedge the worker; progress is
		// refreshing data and lifecycle state survives on the Job itself.
	}
}
