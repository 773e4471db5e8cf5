package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/starford/snaparchive/internal/models"
)

// Stage weights of the overall fraction. They sum to one.
var stageWeights = []struct {
	state  models.JobState
	weight float64
}{
	{models.StateDetecting, 0.02},
	{models.StateExtracting, 0.13},
	{models.StateParsing, 0.35},
	{models.StateLinking, 0.15},
	{models.StateReconstructing, 0.20},
	{models.StateIndexing, 0.15},
}

// span returns where a stage starts in the overall fraction and how much of
// it the stage covers.
func span(state models.JobState) (base, weight float64) {
	for _, s := range stageWeights {
		if s.state == state {
			return base, s.weight
		}
		base += s.weight
	}
	return base, 0
}

// Snapshot is a point-in-time view of a job.
type Snapshot struct {
	ID        string                  `json:"id"`
	ExportID  string                  `json:"export_id"`
	State     models.JobState         `json:"state"`
	Fraction  float64                 `json:"fraction"`
	Message   string                  `json:"message"`
	StartedAt time.Time               `json:"started_at"`
	Result    *models.IngestionResult `json:"result,omitempty"`
}

// Job is one run of the ingestion pipeline for one export.
type Job struct {
	id       string
	exportID string
	started  time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	notify   func(models.Progress)

	mu       sync.Mutex
	state    models.JobState
	fraction float64
	message  string
	result   *models.IngestionResult
}

func newJob(id, exportID string, cancel context.CancelFunc, notify func(models.Progress)) *Job {
	return &Job{
		id:       id,
		exportID: exportID,
		started:  time.Now().UTC(),
		cancel:   cancel,
		done:     make(chan struct{}),
		notify:   notify,
		state:    models.StateIdle,
	}
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// ExportID returns the export the job ingests.
func (j *Job) ExportID() string { return j.exportID }

// Snapshot returns the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:        j.id,
		ExportID:  j.exportID,
		State:     j.state,
		Fraction:  j.fraction,
		Message:   j.message,
		StartedAt: j.started,
		Result:    j.result,
	}
}

// Cancel asks the job to stop. It takes effect at the next checked unit of
// work; Wait reports when the job has actually unwound.
func (j *Job) Cancel() { j.cancel() }

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) (*models.IngestionResult, error) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enter moves the job to state and reports the stage's starting fraction.
func (j *Job) enter(state models.JobState, msg string) {
	j.mu.Lock()
	j.state = state
	j.mu.Unlock()
	j.step(0, 1, msg)
}

// step reports done/total of the current stage. The overall fraction never
// moves backwards within a job. Notifications are delivered under the job's
// lock so they arrive in the order they were computed.
func (j *Job) step(done, total int, msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	base, weight := span(j.state)
	frac := 1.0
	if total > 0 {
		frac = min(float64(done)/float64(total), 1)
	}
	overall := base + weight*frac
	switch j.state {
	case models.StateComplete:
		overall = 1
	case models.StateFailed, models.StateCancelled:
		overall = j.fraction
	}
	if overall < j.fraction {
		overall = j.fraction
	}
	j.fraction = overall
	j.message = msg
	if j.notify != nil {
		j.notify(models.Progress{JobID: j.id, ExportID: j.exportID, Stage: j.state, Fraction: overall, Message: msg})
	}
}

// finish records the terminal result and reports it.
func (j *Job) finish(state models.JobState, res *models.IngestionResult, msg string) {
	j.mu.Lock()
	j.state = state
	j.result = res
	j.mu.Unlock()
	j.step(1, 1, msg)
}

// release wakes waiters. It runs after every notification of the job has
// been delivered.
func (j *Job) release() { close(j.done) }
