// Package orchestrator implements the job handlers that move a report run
// from START_RUN through RUN_SECTION and ASSEMBLE to EXPORT.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"

	"report-orchestrator/internal/assembly"
	"report-orchestrator/internal/export"
	"report-orchestrator/internal/fingerprint"
	"report-orchestrator/internal/models"
	"report-orchestrator/internal/pipeline"
	"report-orchestrator/internal/queue"
	"report-orchestrator/internal/store"
	"report-orchestrator/internal/telemetry"
	"report-orchestrator/internal/worker"
)

// Store is the persistence the handlers need.
type Store interface {
	GetRun(ctx context.Context, id string) (models.Run, error)
	MarkRunStarted(ctx context.Context, id string, blueprint models.Blueprint) error
	CompleteRun(ctx context.Context, id string, report models.FinalReport) error
	FailRun(ctx context.Context, id string) error

	ListSectionRuns(ctx context.Context, runID string) ([]models.SectionRun, error)
	GetSectionRun(ctx context.Context, id string) (models.SectionRun, error)
	UpdateSectionStatus(ctx context.Context, id string, status models.Status) error
	SaveSectionRun(ctx context.Context, sr models.SectionRun) error

	ListConnectors(ctx context.Context) ([]models.Connector, error)
	UpsertScore(ctx context.Context, sectionRunID string, score models.Score) error
	UpsertDependencySnapshot(ctx context.Context, snap models.DependencySnapshot) error

	CreateExport(ctx context.Context, rec models.ExportRecord) error
	UpdateExport(ctx context.Context, rec models.ExportRecord) error
	GetExport(ctx context.Context, id string) (models.ExportRecord, error)

	AddRunEvent(ctx context.Context, ev models.RunEvent) error
}

// Enqueuer inserts follow-on jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (models.Job, error)
	EnqueueOnce(ctx context.Context, p queue.EnqueueParams) (models.Job, bool, error)
}

// SectionRunner executes the section pipeline.
type SectionRunner interface {
	RunSection(ctx context.Context, in pipeline.Input) (pipeline.Outcome, error)
}

// Exporter renders and stores a completed run.
type Exporter interface {
	Supports(f models.ExportFormat) bool
	Export(ctx context.Context, run models.Run, exportID string, format models.ExportFormat, sources []string) (export.Result, error)
}

// Orchestrator holds the collaborators shared by every handler.
type Orchestrator struct {
	store    Store
	queue    Enqueuer
	runner   SectionRunner
	exporter Exporter
	validate *validator.Validate
	now      func() time.Time
}

// New builds an orchestrator.
func New(st Store, q Enqueuer, runner SectionRunner, exporter Exporter) *Orchestrator {
	return &Orchestrator{
		store:    st,
		queue:    q,
		runner:   runner,
		exporter: exporter,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register binds every handler and the terminal failure hook to p.
func (o *Orchestrator) Register(p *worker.Processor) {
	p.RegisterHandler(models.JobStartRun, o.StartRun)
	p.RegisterHandler(models.JobRunSection, o.RunSection)
	p.RegisterHandler(models.JobAssemble, o.Assemble)
	p.RegisterHandler(models.JobExport, o.Export)
	p.OnTerminalFailure(o.OnJobFailed)
}

func (o *Orchestrator) loadRun(ctx context.Context, job models.Job) (models.Run, error) {
	if job.RunID == nil {
		return models.Run{}, &NotFoundError{Message: fmt.Sprintf("%s job %s has no run id", job.Type, job.ID)}
	}
	run, err := o.store.GetRun(ctx, *job.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Run{}, &NotFoundError{Message: "run " + *job.RunID + " not found", Cause: err}
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

func templateOf(run models.Run) (models.TemplateSnapshot, error) {
	if run.TemplateSnapshot == nil {
		return models.TemplateSnapshot{}, &NotFoundError{Message: "run " + run.ID + " has no template snapshot"}
	}
	return *run.TemplateSnapshot, nil
}

func (o *Orchestrator) event(ctx context.Context, runID, eventType string, payload map[string]any) {
	if err := o.store.AddRunEvent(ctx, models.RunEvent{RunID: runID, Type: eventType, Payload: payload}); err != nil {
		log.Printf("[orchestrator] record %s event for run %s: %v", eventType, runID, err)
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, p queue.EnqueueParams) (models.Job, bool, error) {
	job, created, err := o.queue.EnqueueOnce(ctx, p)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("enqueue %s: %w", p.Type, err)
	}
	if created {
		telemetry.EnqueueCounter.WithLabelValues(string(p.Type)).Inc()
	}
	return job, created, nil
}

// StartRun builds the blueprint, marks the run RUNNING and fans out one
// RUN_SECTION job per unfinished section run.
func (o *Orchestrator) StartRun(ctx context.Context, job models.Job) error {
	run, err := o.loadRun(ctx, job)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		log.Printf("[orchestrator] run %s already %s; nothing to start", run.ID, run.Status)
		return nil
	}
	template, err := templateOf(run)
	if err != nil {
		return err
	}
	if err := o.validate.Struct(template); err != nil {
		return &PreconditionError{Message: "template snapshot of run " + run.ID + " is invalid", Cause: err}
	}

	blueprint := BuildBlueprint(run, o.now())
	if err := o.store.MarkRunStarted(ctx, run.ID, blueprint); err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}

	sections, err := o.store.ListSectionRuns(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list section runs: %w", err)
	}
	enqueued := 0
	for _, sr := range sections {
		if sr.Status == models.StatusCompleted {
			continue
		}
		if _, created, err := o.enqueue(ctx, queue.EnqueueParams{
			Type:         models.JobRunSection,
			RunID:        run.ID,
			SectionRunID: sr.ID,
		}); err != nil {
			return err
		} else if created {
			enqueued++
		}
	}

	o.event(ctx, run.ID, models.EventBlueprintCreated, map[string]any{
		"assumptions": blueprint.Assumptions,
		"sections":    len(sections),
		"enqueued":    enqueued,
	})
	log.Printf("[orchestrator] run %s started: %d sections, %d jobs enqueued", run.ID, len(sections), enqueued)

	if len(sections) == 0 {
		return o.maybeEnqueueAssemble(ctx, run.ID)
	}
	return nil
}

// RunSection executes the pipeline for one section run, persists its
// artifacts and enqueues ASSEMBLE once every section has completed.
func (o *Orchestrator) RunSection(ctx context.Context, job models.Job) error {
	run, err := o.loadRun(ctx, job)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		log.Printf("[orchestrator] run %s already %s; skipping section job %s", run.ID, run.Status, job.ID)
		return nil
	}
	template, err := templateOf(run)
	if err != nil {
		return err
	}
	if job.SectionRunID == nil {
		return &NotFoundError{Message: fmt.Sprintf("RUN_SECTION job %s has no section run id", job.ID)}
	}
	sr, err := o.store.GetSectionRun(ctx, *job.SectionRunID)
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Message: "section run " + *job.SectionRunID + " not found", Cause: err}
	}
	if err != nil {
		return fmt.Errorf("load section run: %w", err)
	}
	section, ok := template.Section(sr.TemplateSectionID)
	if !ok {
		return &NotFoundError{Message: fmt.Sprintf("template section %s of section run %s not found", sr.TemplateSectionID, sr.ID)}
	}

	if err := o.store.UpdateSectionStatus(ctx, sr.ID, models.StatusRunning); err != nil {
		return fmt.Errorf("mark section running: %w", err)
	}
	connectors, err := o.store.ListConnectors(ctx)
	if err != nil {
		return fmt.Errorf("list connectors: %w", err)
	}

	outcome, err := o.runner.RunSection(ctx, pipeline.Input{
		SectionRun:        sr,
		Section:           section,
		Template:          template,
		Connectors:        connectors,
		Profile:           run.Profile(),
		RunInput:          run.Input,
		PromptSet:         run.PromptSetSnapshot,
		BlueprintGuidance: BlueprintGuidance(run.Blueprint),
	})
	if err != nil {
		return err
	}

	if err := o.store.SaveSectionRun(ctx, outcome.SectionRun); err != nil {
		return fmt.Errorf("save section run: %w", err)
	}
	if _, ok := outcome.SectionRun.Artifact(models.ArtifactScores); ok {
		if err := o.store.UpsertScore(ctx, sr.ID, outcome.Score); err != nil {
			return fmt.Errorf("save scores: %w", err)
		}
	}
	telemetry.SectionOutcomes.WithLabelValues(string(outcome.SectionRun.Status)).Inc()
	if n := len(outcome.Policy.Issues); n > 0 {
		telemetry.PolicyIssues.WithLabelValues(string(section.EvidencePolicy.OrDefault())).Add(float64(n))
	}
	o.event(ctx, run.ID, models.EventSectionStatus, map[string]any{
		"sectionRunId":      sr.ID,
		"templateSectionId": section.ID,
		"status":            outcome.SectionRun.Status,
		"policyPass":        outcome.Policy.Pass,
		"issues":            len(outcome.Policy.Issues),
	})

	return o.maybeEnqueueAssemble(ctx, run.ID)
}

// maybeEnqueueAssemble inserts the run's single ASSEMBLE job when every
// section run is COMPLETED. Concurrent callers are deduplicated by the queue.
func (o *Orchestrator) maybeEnqueueAssemble(ctx context.Context, runID string) error {
	sections, err := o.store.ListSectionRuns(ctx, runID)
	if err != nil {
		return fmt.Errorf("list section runs: %w", err)
	}
	for _, sr := range sections {
		if sr.Status != models.StatusCompleted {
			return nil
		}
	}
	job, created, err := o.enqueue(ctx, queue.EnqueueParams{Type: models.JobAssemble, RunID: runID})
	if err != nil {
		return err
	}
	if created {
		log.Printf("[orchestrator] run %s: all %d sections completed, enqueued assemble job %s", runID, len(sections), job.ID)
	}
	return nil
}

// Assemble synthesizes the executive summary, builds the final report,
// completes the run and stores its dependency snapshot.
func (o *Orchestrator) Assemble(ctx context.Context, job models.Job) error {
	run, err := o.loadRun(ctx, job)
	if err != nil {
		return err
	}
	template, err := templateOf(run)
	if err != nil {
		return err
	}
	sections, err := o.store.ListSectionRuns(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list section runs: %w", err)
	}
	for _, sr := range sections {
		if sr.Status != models.StatusCompleted {
			return &PreconditionError{Message: fmt.Sprintf("section run %s (%s) is %s; assembly requires every section COMPLETED", sr.ID, sr.Title, sr.Status)}
		}
	}

	summary, synthesized, err := assembly.SynthesizeExecutiveSummary(template, sections)
	if err != nil {
		return fmt.Errorf("synthesize executive summary: %w", err)
	}
	if synthesized {
		if err := o.store.SaveSectionRun(ctx, summary); err != nil {
			return fmt.Errorf("save executive summary: %w", err)
		}
		for i := range sections {
			if sections[i].ID == summary.ID {
				sections[i] = summary
			}
		}
	}

	report := assembly.AssembleFinalReport(template, sections)
	if err := o.store.CompleteRun(ctx, run.ID, report); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	snapshot := fingerprint.BuildSnapshot(run.ID, template, run.Blueprint, sections)
	if err := o.store.UpsertDependencySnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("save dependency snapshot: %w", err)
	}

	telemetry.RunsCompleted.Inc()
	o.event(ctx, run.ID, models.EventRunCompleted, map[string]any{
		"sections":           len(sections),
		"summarySynthesized": synthesized,
	})
	log.Printf("[orchestrator] run %s assembled from %d sections", run.ID, len(sections))
	return nil
}

func exportRequest(job models.Job) (models.ExportPayload, error) {
	var payload models.ExportPayload
	if err := job.DecodePayload(&payload); err != nil {
		return payload, &PreconditionError{Message: "invalid export payload", Cause: err}
	}
	if payload.Format == "" {
		payload.Format = models.FormatMarkdown
	}
	if payload.ExportID == "" {
		payload.ExportID = job.ID
	}
	return payload, nil
}

// Export renders a completed run and records where the file was stored.
func (o *Orchestrator) Export(ctx context.Context, job models.Job) error {
	payload, err := exportRequest(job)
	if err != nil {
		return err
	}
	run, err := o.loadRun(ctx, job)
	if err != nil {
		return err
	}

	rec, err := o.store.GetExport(ctx, payload.ExportID)
	if errors.Is(err, store.ErrNotFound) {
		rec = models.ExportRecord{ID: payload.ExportID, RunID: run.ID, Format: payload.Format, Status: models.ExportQueued}
		if err := o.store.CreateExport(ctx, rec); err != nil {
			return fmt.Errorf("create export record: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("load export record: %w", err)
	}

	if !payload.Format.Valid() {
		return &PreconditionError{Message: fmt.Sprintf("unsupported export format %q", payload.Format)}
	}
	if run.Status != models.StatusCompleted {
		return &PreconditionError{Message: fmt.Sprintf("run %s is %s; export requires a COMPLETED run", run.ID, run.Status)}
	}
	if run.FinalReport == nil || run.FinalReport.Content == "" {
		return &PreconditionError{Message: fmt.Sprintf("run %s has no final report to export", run.ID)}
	}
	if !o.exporter.Supports(payload.Format) {
		return &PreconditionError{Message: fmt.Sprintf("no renderer configured for %s exports", payload.Format)}
	}

	rec.Status = models.ExportRunning
	rec.ErrorMessage = nil
	if err := o.store.UpdateExport(ctx, rec); err != nil {
		return fmt.Errorf("mark export running: %w", err)
	}

	sections, err := o.store.ListSectionRuns(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list section runs: %w", err)
	}
	res, err := o.exporter.Export(ctx, run, rec.ID, payload.Format, WebSources(sections))
	if err != nil {
		return fmt.Errorf("export %s: %w", payload.Format, err)
	}

	rec.Status = models.ExportReady
	rec.FilePath = res.Key
	rec.StorageURL = res.Location
	rec.FileSize = res.Size
	rec.Checksum = res.Checksum
	if err := o.store.UpdateExport(ctx, rec); err != nil {
		return fmt.Errorf("mark export ready: %w", err)
	}

	telemetry.ExportsReady.WithLabelValues(string(payload.Format), models.ExportReady).Inc()
	o.event(ctx, run.ID, models.EventExportReady, map[string]any{
		"exportId": rec.ID,
		"format":   payload.Format,
		"location": res.Location,
		"fileName": res.FileName,
		"size":     res.Size,
	})
	return nil
}

// WebSources lists the unique web evidence URLs of the given section runs
// in first-seen order.
func WebSources(sections []models.SectionRun) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, sr := range sections {
		a, ok := sr.Artifact(models.ArtifactEvidence)
		if !ok {
			continue
		}
		var items []models.EvidenceItem
		if err := a.Decode(&items); err != nil {
			continue
		}
		for _, item := range items {
			u := item.URL()
			if item.Kind != models.EvidenceWeb || u == "" || seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// OnJobFailed reacts to a job that will not be retried. Run-level jobs fail
// the run; a failed section job also fails its section run. Export
// failures only fail the export record.
func (o *Orchestrator) OnJobFailed(ctx context.Context, job models.Job, cause error) {
	runID := job.RunIDValue()
	msg := cause.Error()

	switch job.Type {
	case models.JobRunSection:
		if id := job.SectionRunIDValue(); id != "" {
			if err := o.store.UpdateSectionStatus(ctx, id, models.StatusFailed); err != nil && !errors.Is(err, store.ErrNotFound) {
				log.Printf("[orchestrator] mark section run %s failed: %v", id, err)
			}
			telemetry.SectionOutcomes.WithLabelValues(string(models.StatusFailed)).Inc()
		}
		o.failRun(ctx, runID)
	case models.JobStartRun, models.JobAssemble:
		o.failRun(ctx, runID)
	case models.JobExport:
		o.failExport(ctx, job, msg)
	}

	if runID == "" {
		return
	}
	o.event(ctx, runID, models.EventJobFailed, map[string]any{
		"jobId":    job.ID,
		"type":     job.Type,
		"attempts": job.AttemptCount,
		"error":    msg,
	})
}

func (o *Orchestrator) failRun(ctx context.Context, runID string) {
	if runID == "" {
		return
	}
	if err := o.store.FailRun(ctx, runID); err != nil {
		log.Printf("[orchestrator] mark run %s failed: %v", runID, err)
	}
}

func (o *Orchestrator) failExport(ctx context.Context, job models.Job, msg string) {
	payload, err := exportRequest(job)
	if err != nil {
		return
	}
	rec, err := o.store.GetExport(ctx, payload.ExportID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[orchestrator] load export %s: %v", payload.ExportID, err)
		}
		return
	}
	rec.Status = models.ExportFailed
	rec.ErrorMessage = &msg
	if err := o.store.UpdateExport(ctx, rec); err != nil {
		log.Printf("[orchestrator] mark export %s failed: %v", rec.ID, err)
		return
	}
	telemetry.ExportsReady.WithLabelValues(string(rec.Format), models.ExportFailed).Inc()
}
