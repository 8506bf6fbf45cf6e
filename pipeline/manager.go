package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"github.com/hotspot-os/provisioner/config"
	"github.com/hotspot-os/provisioner/resource"
	"github.com/hotspot-os/provisioner/types"
)

// AnnotationIndeterminate marks a job whose cancellation landed while the
// raw write was in flight. The write ran to its own end, but nothing after
// it did.
const AnnotationIndeterminate = "disk state indeterminate, reflash recommended"

// step binds a name to its runner. Retryable steps are the non-destructive
// ones; a failed raw write is never replayed automatically.
type step struct {
	name      string
	retryable bool
	run       func(ctx context.Context, env *stepEnv) error
}

// Manager runs provisioning jobs, one at a time. A second Start while the
// active job is still running is rejected; once that job reaches a terminal
// state the next one may begin.
type Manager struct {
	cfg     *config.Config
	tracker *resource.Tracker

	mu      sync.Mutex
	active  *Job
	history []*Job
}

func NewManager(cfg *config.Config, tracker *resource.Tracker) *Manager {
	if tracker == nil {
		tracker = resource.NewTracker()
	}
	return &Manager{cfg: cfg, tracker: tracker}
}

// Start checks the pairing, registers the job as active and launches its
// worker. The returned Job is the caller's handle for Events, Wait and
// cancellation.
func (m *Manager) Start(disk *types.Disk, image types.Image) (*Job, error) {
	if disk == nil {
		return nil, fmt.Errorf("no target disk: %w", types.ErrValidationFailed)
	}
	if disk.SystemDisk {
		return nil, fmt.Errorf("%s hosts the running system: %w", disk.Name, types.ErrValidationFailed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && !m.active.Status().Terminal() {
		return nil, fmt.Errorf("job %s: %w", m.active.ID, types.ErrJobInProgress)
	}
	job := newJob(disk, image)
	m.active = job
	go m.run(job)
	return job, nil
}

// Active returns the most recently started job, terminal or not, nil before
// the first Start.
func (m *Manager) Active() *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// History returns finished jobs, oldest first.
func (m *Manager) History() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, len(m.history))
	copy(out, m.history)
	return out
}

// Cancel requests cooperative cancellation. Safe on nil and on jobs that
// already finished.
func (m *Manager) Cancel(job *Job) {
	if job != nil {
		job.RequestCancel()
	}
}

// Subscribe pumps the job's events into fn from a dedicated goroutine until
// the stream closes.
func (m *Manager) Subscribe(job *Job, fn func(Event)) {
	go func() {
		for e := range job.Events() {
			fn(e)
		}
	}()
}

func (m *Manager) run(job *Job) {
	log := m.cfg.Logger.Logger.With().
		Str("job", job.ID).
		Str("disk", job.Disk.Name).
		Str("image", job.Image.Path).
		Logger()

	job.Started = time.Now()
	job.setStatus(JobRunning)
	log.Info().Str("version", job.Image.Manifest.Version).Msg("Provisioning started")

	steps := []step{
		{name: StepValidate, retryable: true, run: m.stepValidate},
		{name: StepWrite, run: m.stepWrite},
		{name: StepVerify, retryable: true, run: m.stepVerify},
		{name: StepConfigure, run: m.stepConfigure},
		{name: StepFinalize, run: m.stepFinalize},
	}

	env := &stepEnv{job: job}
	final := JobSucceeded
	for i, st := range steps {
		// Cancellation is honored between steps only, so a write in
		// flight finishes before the flag is seen.
		if job.cancelRequested() {
			final = JobCancelled
			if i > 0 && steps[i-1].name == StepWrite {
				job.Annotation = AnnotationIndeterminate
			}
			log.Warn().Str("next_step", st.name).Msg("Cancelled on operator request")
			m.skipFrom(job, i)
			break
		}

		rec := job.Steps[i]
		rec.Status = StepRunning
		job.emit(Event{Type: EventStepStarted, JobID: job.ID, Step: st.name, Ordinal: rec.Ordinal, Progress: -1, Status: StepRunning, JobState: JobRunning})
		log.Info().Str("step", st.name).Msg("Step started")

		budget := m.cfg.StepTimeout.Std()
		if st.name == StepWrite {
			budget = m.cfg.WriteTimeout.Std()
		}
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		err := m.runStep(ctx, st, env)
		timedOut := ctx.Err() != nil
		cancel()
		if err != nil && timedOut {
			err = fmt.Errorf("%s exceeded its %s budget: %w: %v", st.name, budget, types.ErrStepTimeout, err)
		}

		if err != nil {
			rec.Status = StepFailed
			rec.Err = err.Error()
			job.emit(Event{Type: EventStepFinished, JobID: job.ID, Step: st.name, Ordinal: rec.Ordinal, Progress: rec.Progress, Status: StepFailed, JobState: JobRunning, Err: err.Error()})
			log.Error().Err(err).Str("step", st.name).Msg("Step failed")
			final = JobFailed
			m.skipFrom(job, i+1)
			break
		}

		rec.Status = StepSucceeded
		job.emit(Event{Type: EventStepFinished, JobID: job.ID, Step: st.name, Ordinal: rec.Ordinal, Progress: rec.Progress, Status: StepSucceeded, JobState: JobRunning})
		log.Info().Str("step", st.name).Msg("Step finished")
	}

	job.Finished = time.Now()
	job.setStatus(final)
	finalErr := job.failure()
	if final == JobCancelled {
		finalErr = types.ErrCancelled.Error()
	}
	job.emit(Event{Type: EventJobFinished, JobID: job.ID, Progress: -1, JobState: final, Err: finalErr})
	close(job.events)
	close(job.done)

	m.mu.Lock()
	m.history = append(m.history, job)
	m.mu.Unlock()

	log.Info().
		Str("status", string(final)).
		Dur("elapsed", job.Finished.Sub(job.Started)).
		Msg("Provisioning finished")
}

// runStep applies the retry policy for transient faults. Validation
// rejections are deterministic and returned as they are.
func (m *Manager) runStep(ctx context.Context, st step, env *stepEnv) error {
	if !st.retryable {
		return st.run(ctx, env)
	}
	return retry.Do(
		func() error { return st.run(ctx, env) },
		retry.Attempts(m.cfg.RetryAttempts),
		retry.Delay(m.cfg.RetryDelay.Std()),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, types.ErrValidationFailed) && ctx.Err() == nil
		}),
	)
}

func (m *Manager) skipFrom(job *Job, from int) {
	for _, rec := range job.Steps[from:] {
		if rec.Status != StepPending {
			continue
		}
		rec.Status = StepSkipped
		job.emit(Event{Type: EventStepFinished, JobID: job.ID, Step: rec.Name, Ordinal: rec.Ordinal, Progress: -1, Status: StepSkipped, JobState: JobRunning})
	}
}

// reportProgress deduplicates to strictly increasing whole percents so the
// stream stays monotonic regardless of chunk rounding.
func (m *Manager) reportProgress(job *Job, rec *StepRecord, pct int, last *int) {
	if pct <= *last {
		return
	}
	*last = pct
	rec.Progress = pct
	job.emit(Event{Type: EventProgress, JobID: job.ID, Step: rec.Name, Ordinal: rec.Ordinal, Progress: pct, Status: StepRunning, JobState: JobRunning})
}
