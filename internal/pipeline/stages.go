package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/index"
	"github.com/starford/snaparchive/internal/linker"
	"github.com/starford/snaparchive/internal/models"
	"github.com/starford/snaparchive/internal/parser"
	"github.com/starford/snaparchive/internal/reconstruct"
	"github.com/starford/snaparchive/internal/sidecar"
	"github.com/starford/snaparchive/internal/storage"
)

func terminalState(o models.Outcome) models.JobState {
	switch o {
	case models.OutcomeSuccess, models.OutcomeSuccessWithWarnings:
		return models.StateComplete
	case models.OutcomeCancelled:
		return models.StateCancelled
	}
	return models.StateFailed
}

// runner carries the state of one job across its stages.
type runner struct {
	o      *Orchestrator
	job    *Job
	set    models.ExportSet
	runID  string
	root   *storage.FS
	report *reconstruct.ReportBuilder
	res    *models.IngestionResult
	log    *slog.Logger

	batches int
}

// run executes every stage in order and returns the terminal result with a
// status line. A failed or cancelled job discards its staged run, so nothing
// it wrote ever becomes visible.
func (o *Orchestrator) run(ctx context.Context, job *Job, set models.ExportSet) (*models.IngestionResult, string) {
	r := &runner{
		o:   o,
		job: job,
		set: set,
		res: &models.IngestionResult{
			JobID:     job.id,
			ExportID:  set.ID,
			StartedAt: time.Now().UTC(),
			Warnings:  []string{},
			Errors:    []string{},
		},
		log: o.logger.With(slog.String("job_id", job.id), slog.String("export_id", set.ID)),
	}
	r.log.Info("pipeline: job started")

	err := r.execute(ctx)
	if err == nil {
		r.log.Info("pipeline: job complete",
			slog.String("outcome", string(r.res.Outcome)),
			slog.Int("conversations", r.res.ConversationsParsed),
			slog.Int("events", r.res.EventsParsed),
			slog.Int("memories", r.res.MemoriesParsed),
			slog.Int("missing_media", r.res.MissingMediaCount))
		return r.res, fmt.Sprintf("imported %d conversations, %d events and %d memories",
			r.res.ConversationsParsed, r.res.EventsParsed, r.res.MemoriesParsed)
	}

	r.res.FinishedAt = time.Now().UTC()
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, apperr.ErrCancelled) {
		r.res.Outcome = models.OutcomeCancelled
		r.discard(ctx)
		r.log.Info("pipeline: job cancelled", slog.String("stage", string(r.job.Snapshot().State)))
		return r.res, "cancelled; previously imported data is unchanged"
	}

	r.res.Outcome = models.OutcomeFailure
	var se *apperr.StageError
	if errors.As(err, &se) {
		r.res.FailedStage = se.Stage
	}
	r.res.Errors = append(r.res.Errors, err.Error())
	r.discard(ctx)
	r.log.Error("pipeline: job failed", slog.String("stage", r.res.FailedStage), slog.String("error", err.Error()))
	return r.res, "failed: " + err.Error()
}

func (r *runner) execute(ctx context.Context) error {
	stages := []struct {
		state models.JobState
		msg   string
		fn    func(context.Context) error
	}{
		{models.StateDetecting, "checking export structure", r.detect},
		{models.StateExtracting, "extracting archive parts", r.extract},
		{models.StateParsing, "parsing documents", r.parse},
		{models.StateLinking, "linking media files", r.link},
		{models.StateReconstructing, "reconstructing conversations", r.reconstruct},
		{models.StateIndexing, "building search index", r.index},
	}
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.job.enter(s.state, s.msg)
		r.log.Debug("pipeline: stage started", slog.String("stage", string(s.state)))
		if err := s.fn(ctx); err != nil {
			return &apperr.StageError{Stage: string(s.state), Err: err}
		}
	}
	return nil
}

// discard drops the staged run. It runs on the failure path, so it ignores
// the job's own cancellation.
func (r *runner) discard(ctx context.Context) {
	if r.runID == "" {
		return
	}
	report := r.report.Build()
	r.res.Warnings = report.Warnings
	r.res.ParseFailures = report.ParseFailures
	r.res.MissingMediaCount = report.MediaMissing
	if err := r.o.store.DiscardRun(context.WithoutCancel(ctx), r.runID, *r.res, report); err != nil {
		r.log.Error("pipeline: discard run failed", slog.String("run_id", r.runID), slog.String("error", err.Error()))
	}
}

func (r *runner) detect(ctx context.Context) error {
	fresh, err := r.o.detector.Revalidate(r.set)
	if err != nil {
		return err
	}
	if fresh.Status == models.StatusCorrupted {
		return fmt.Errorf("pipeline: %s: an archive part cannot be opened: %w", fresh.ID, apperr.ErrCorrupted)
	}
	if !slices.Contains(fresh.Markers, models.MarkerPages) && !slices.Contains(fresh.Markers, models.MarkerJSON) {
		return fmt.Errorf("pipeline: %s has neither %s pages nor %s sidecars; choose the export's top folder: %w",
			fresh.ID, models.MarkerPages, models.MarkerJSON, apperr.ErrDetection)
	}
	r.set = fresh
	if err := r.o.store.UpsertExport(ctx, fresh); err != nil {
		return err
	}
	runID, err := r.o.store.BeginRun(ctx, fresh.ID)
	if err != nil {
		return err
	}
	r.runID = runID
	r.res.RunID = runID
	r.report = reconstruct.NewReportBuilder(fresh.ID, runID, r.o.cfg.MaxWarnings)
	if fresh.Status != models.StatusValid {
		r.report.Warnf("export %s is %s; markers found: %s", fresh.ID, fresh.Status, strings.Join(fresh.Markers, ", "))
	}
	return nil
}

func (r *runner) extract(ctx context.Context) error {
	res, err := r.o.extractor.Extract(ctx, r.set, r.o.cfg.Workspace, func(done, total int) {
		r.job.step(done, total, fmt.Sprintf("extracted %d of %d entries", done, total))
	})
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		r.report.Warnf("%s", w)
	}
	root, err := storage.NewFS(res.Root)
	if err != nil {
		return fmt.Errorf("pipeline: open export root: %w: %w", apperr.ErrExtraction, err)
	}
	r.root = root
	return nil
}

// document is one file the parse stage reads.
type document struct {
	path    string
	sidecar sidecar.Kind // empty for HTML pages
}

type parsed struct {
	doc      document
	obs      []models.Observation
	people   []models.Person
	warnings []string
	err      error
}

func (r *runner) documents() ([]document, error) {
	var docs []document
	pages, err := r.root.List("html", ".html", ".htm")
	if err != nil {
		return nil, fmt.Errorf("pipeline: list pages: %w", err)
	}
	skipped := 0
	for _, f := range pages {
		if cat, _ := parser.Classify(f.Path); !cat.Parsed() {
			skipped++
			continue
		}
		docs = append(docs, document{path: f.Path})
	}
	sidecars, err := r.root.List("json", ".json")
	if err != nil {
		return nil, fmt.Errorf("pipeline: list sidecars: %w", err)
	}
	found := 0
	for _, f := range sidecars {
		kind, ok := sidecar.KindForFile(f.Path)
		if !ok {
			skipped++
			continue
		}
		found++
		docs = append(docs, document{path: f.Path, sidecar: kind})
	}
	r.report.Update(func(v *models.ValidationReport) {
		v.DocumentsExpected = len(docs) - found + skipped
		v.DocumentsSkipped = skipped
		v.SidecarsFound = found
	})
	return docs, nil
}

// parse reads documents on a bounded pool. Results funnel into a single
// consumer that stages them, so the store sees one writer.
func (r *runner) parse(ctx context.Context) error {
	docs, err := r.documents()
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("pipeline: %s contains no readable pages or sidecars: %w", r.set.ID, apperr.ErrDetection)
	}

	parseCtx, stop := context.WithCancel(ctx)
	defer stop()

	results := make(chan parsed, r.o.cfg.Workers)
	var stageErr error
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		done := 0
		for p := range results {
			if stageErr != nil {
				continue
			}
			if err := r.stageParsed(parseCtx, p); err != nil {
				stageErr = err
				stop()
				continue
			}
			done++
			r.job.step(done, len(docs), fmt.Sprintf("parsed %d of %d documents", done, len(docs)))
		}
	}()

	g, gctx := errgroup.WithContext(parseCtx)
	g.SetLimit(r.o.cfg.Workers)
	for _, d := range docs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			p := r.parseOne(d)
			select {
			case results <- p:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err = g.Wait()
	close(results)
	<-consumed

	if stageErr != nil {
		return stageErr
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (r *runner) parseOne(d document) parsed {
	p := parsed{doc: d}
	rc, err := r.root.Open(d.path)
	if err != nil {
		p.err = fmt.Errorf("%w: %w", apperr.ErrParse, err)
		return p
	}
	defer rc.Close()

	if d.sidecar != "" {
		res, err := sidecar.Parse(rc, d.sidecar, d.path)
		if err != nil {
			p.err = err
			return p
		}
		p.obs, p.people = res.Observations, res.People
		return p
	}

	doc, err := parser.ParseDocument(rc, d.path)
	if err != nil {
		p.err = err
		return p
	}
	for i := range doc.Observations {
		if doc.Observations[i].ConversationTitle == "" {
			doc.Observations[i].ConversationTitle = doc.Title
		}
	}
	p.obs, p.people, p.warnings = doc.Observations, doc.People, doc.Warnings
	return p
}

// stageParsed records one parse result. A document that failed to parse is
// a report entry; only store failures stop the stage.
func (r *runner) stageParsed(ctx context.Context, p parsed) error {
	if p.err != nil {
		r.report.Update(func(v *models.ValidationReport) { v.ParseFailures++ })
		r.report.Warnf("skipped %s: %v", p.doc.path, p.err)
		r.log.Debug("pipeline: document skipped", slog.String("path", p.doc.path), slog.String("error", p.err.Error()))
		return nil
	}
	if err := r.o.store.StageObservations(ctx, r.runID, p.obs); err != nil {
		return err
	}
	if err := r.o.store.StagePeople(ctx, r.runID, p.people); err != nil {
		return err
	}
	for _, w := range p.warnings {
		r.report.Warnf("%s", w)
	}
	r.report.Update(func(v *models.ValidationReport) {
		if p.doc.sidecar != "" {
			v.SidecarsParsed++
		} else {
			v.DocumentsParsed++
		}
	})
	return nil
}

func (r *runner) link(ctx context.Context) error {
	ix, err := linker.Scan(r.root)
	if err != nil {
		return fmt.Errorf("pipeline: scan media: %w", err)
	}
	r.report.Update(func(v *models.ValidationReport) { v.MediaFiles = ix.Len() })

	total, err := r.o.store.CountStaged(ctx, r.runID)
	if err != nil {
		return err
	}
	var done, resolved, missing, ambiguous int
	err = r.o.store.ScanStaged(ctx, r.runID, r.o.cfg.BatchSize, func(batch []index.Staged) error {
		var changed []index.Staged
		for i := range batch {
			if len(batch[i].Obs.Refs) == 0 {
				continue
			}
			res, miss, amb := ix.Link(&batch[i].Obs, r.o.cfg.Link)
			resolved += res
			missing += miss
			ambiguous += amb
			changed = append(changed, batch[i])
		}
		done += len(batch)
		r.job.step(done, total, fmt.Sprintf("linked media for %d of %d observations", done, total))
		return r.o.store.UpdateStaged(ctx, r.runID, changed)
	})
	if err != nil {
		return err
	}
	r.log.Debug("pipeline: media linked",
		slog.Int("files", ix.Len()),
		slog.Int("resolved", resolved),
		slog.Int("missing", missing),
		slog.Int("ambiguous", ambiguous))
	return nil
}

// reconstruct merges one conversation at a time and writes it straight to
// the staged run, so memory use is bounded by the largest conversation.
func (r *runner) reconstruct(ctx context.Context) error {
	people, err := r.o.store.RunPeople(ctx, r.runID)
	if err != nil {
		return err
	}
	hints, err := r.o.store.StagedHints(ctx, r.runID)
	if err != nil {
		return err
	}
	engine := reconstruct.New(r.set.ID, r.o.cfg.MergeWindow, people)

	for i, hint := range hints {
		if err := ctx.Err(); err != nil {
			return err
		}
		obs, err := r.o.store.LoadStaged(ctx, r.runID, hint)
		if err != nil {
			return err
		}
		b := engine.MergeConversation(hint, obs)
		r.report.Add(b.Tally)
		if len(b.Events) > 0 {
			if b.Conversation != nil {
				r.res.ConversationsParsed++
				r.res.EventsParsed += len(b.Events)
			} else {
				r.res.MemoriesParsed += len(b.Events)
			}
			if _, err := r.o.store.WriteBundles(ctx, r.runID, []*reconstruct.Bundle{b}, r.o.cfg.BatchSize, r.hook()); err != nil {
				return err
			}
		}
		r.job.step(i+1, len(hints), fmt.Sprintf("reconstructed %d of %d conversations", i+1, len(hints)))
	}
	return nil
}

func (r *runner) hook() index.BatchHook {
	if r.o.afterBatch == nil {
		return nil
	}
	return func(int) error {
		r.batches++
		return r.o.afterBatch(r.batches)
	}
}

// index builds the search index, freezes the report and publishes the run.
func (r *runner) index(ctx context.Context) error {
	n, err := r.o.store.BuildSearchIndex(ctx, r.runID, r.o.cfg.BatchSize)
	if err != nil {
		return err
	}
	r.job.step(1, 2, fmt.Sprintf("indexed %d events", n))
	if err := ctx.Err(); err != nil {
		return err
	}

	report := r.report.Build()
	r.res.ParseFailures = report.ParseFailures
	r.res.MissingMediaCount = report.MediaMissing
	r.res.Warnings = report.Warnings
	r.res.Outcome = models.OutcomeSuccess
	if len(report.Warnings) > 0 || report.MediaMissing > 0 || report.MediaAmbiguous > 0 || report.ParseFailures > 0 {
		r.res.Outcome = models.OutcomeSuccessWithWarnings
	}
	r.res.FinishedAt = time.Now().UTC()
	return r.o.store.PublishRun(ctx, r.runID, *r.res, report)
}
