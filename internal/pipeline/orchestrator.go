// Package pipeline runs ingestion jobs: detect, extract, parse, link,
// reconstruct and index one export, with observable progress and
// cooperative cancellation.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/detect"
	"github.com/starford/snaparchive/internal/extract"
	"github.com/starford/snaparchive/internal/index"
	"github.com/starford/snaparchive/internal/linker"
	"github.com/starford/snaparchive/internal/models"
)

// Store is the part of the archive store a job writes through.
type Store interface {
	index.Writer
	GetExport(ctx context.Context, id string) (*models.ExportSet, error)
}

// Config tunes the orchestrator.
type Config struct {
	// Workspace is the directory archives are extracted into.
	Workspace         string
	Workers           int
	BatchSize         int
	MaxExtractedBytes int64
	MergeWindow       time.Duration
	MaxWarnings       int
	Link              linker.Policy

	// OnProgress and OnResult receive notifications from the job goroutine.
	// They must not block.
	OnProgress func(models.Progress)
	OnResult   func(models.IngestionResult)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = index.DefaultBatchSize
	}
	if c.Workspace == "" {
		c.Workspace = filepath.Join(os.TempDir(), "snaparchive-work")
	}
	return c
}

// Orchestrator starts and tracks ingestion jobs. At most one job runs per
// export at a time.
type Orchestrator struct {
	store     Store
	detector  *detect.Detector
	extractor *extract.Extractor
	cfg       Config
	logger    *slog.Logger

	// afterBatch, when set, runs after every committed event batch.
	afterBatch index.BatchHook

	mu      sync.Mutex
	jobs    map[string]*Job
	running map[string]*Job // by export id
	wg      sync.WaitGroup
}

// New creates an Orchestrator.
func New(store Store, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		store:     store,
		detector:  detect.New(logger),
		extractor: extract.New(cfg.MaxExtractedBytes, logger),
		cfg:       cfg,
		logger:    logger,
		jobs:      make(map[string]*Job),
		running:   make(map[string]*Job),
	}
}

// Start launches an ingestion job for set in the background. The job
// outlives ctx's cancellation; use Job.Cancel to stop it. Starting an export
// that already has a running job fails with apperr.ErrConflict.
func (o *Orchestrator) Start(ctx context.Context, set models.ExportSet) (*Job, error) {
	if set.ID == "" || len(set.SourcePaths) == 0 {
		return nil, fmt.Errorf("pipeline: export needs an id and source paths: %w", apperr.ErrInvalidInput)
	}

	o.mu.Lock()
	if j, busy := o.running[set.ID]; busy {
		o.mu.Unlock()
		return nil, fmt.Errorf("pipeline: export %s already has job %s running: %w", set.ID, j.id, apperr.ErrConflict)
	}
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := newJob(uuid.NewString(), set.ID, cancel, o.cfg.OnProgress)
	o.jobs[job.id] = job
	o.running[set.ID] = job
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer cancel()
		res, msg := o.run(jobCtx, job, set)

		// Release the export before waiters wake so they can start it again.
		o.mu.Lock()
		delete(o.running, set.ID)
		o.mu.Unlock()

		job.finish(terminalState(res.Outcome), res, msg)
		if o.cfg.OnResult != nil {
			o.cfg.OnResult(*res)
		}
		job.release()
	}()
	return job, nil
}

// Job returns a job by id.
func (o *Orchestrator) Job(id string) (*Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	if !ok {
		return nil, fmt.Errorf("pipeline: job %s: %w", id, apperr.ErrNotFound)
	}
	return j, nil
}

// Jobs returns snapshots of every job started by this process, newest first.
func (o *Orchestrator) Jobs() []Snapshot {
	o.mu.Lock()
	out := make([]Snapshot, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, j.Snapshot())
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		if !out[i].StartedAt.Equal(out[k].StartedAt) {
			return out[i].StartedAt.After(out[k].StartedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

// Busy reports whether any job is running.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running) > 0
}

// Shutdown cancels every running job and waits for them to unwind or for
// ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, j := range o.running {
		j.Cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
