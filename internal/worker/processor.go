package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"report-orchestrator/internal/config"
	"report-orchestrator/internal/models"
	"report-orchestrator/internal/queue"
	"report-orchestrator/internal/telemetry"
)

// finalizeTimeout bounds the queue write that records a job outcome.
const finalizeTimeout = 10 * time.Second

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// Waiter blocks until new work may be available.
type Waiter interface {
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// DepthReporter reports how many jobs are ready to run.
type DepthReporter interface {
	QueueDepth(ctx context.Context) (int64, error)
}

// TerminalHook runs after a job ends in FAILED.
type TerminalHook func(ctx context.Context, job models.Job, cause error)

// Options configure a Processor.
type Options struct {
	WorkerID          string
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// OptionsFromConfig maps runtime configuration onto processor options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		WorkerID:          cfg.WorkerID,
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.WorkerPollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}
}

// Processor drives the worker execution loop. A single scheduler claims
// jobs while execution slots are free and hands them to executors over a
// channel. Each running job gets its own heartbeat goroutine.
type Processor struct {
	queue      queue.Queue
	opts       Options
	handlers   map[models.JobType]Handler
	waiter     Waiter
	depth      DepthReporter
	onTerminal TerminalHook
}

// NewProcessor creates a processor claiming from q.
func NewProcessor(q queue.Queue, opts Options) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = time.Minute
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "worker"
	}
	return &Processor{
		queue:    q,
		opts:     opts,
		handlers: make(map[models.JobType]Handler),
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType models.JobType, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// SetWaiter replaces the idle poll sleep with w.
func (p *Processor) SetWaiter(w Waiter) { p.waiter = w }

// SetDepthReporter enables the queue depth gauge.
func (p *Processor) SetDepthReporter(d DepthReporter) { p.depth = d }

// OnTerminalFailure registers fn to run when a job fails for good.
func (p *Processor) OnTerminalFailure(fn TerminalHook) { p.onTerminal = fn }

// Run starts the main worker loop until context cancellation. Jobs still
// executing at shutdown keep their lease and are reclaimed after expiry.
func (p *Processor) Run(ctx context.Context) error {
	jobs := make(chan models.Job)
	slots := make(chan struct{}, p.opts.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				p.execute(ctx, job)
				<-slots
			}
		}()
	}

	err := p.schedule(ctx, jobs, slots)
	close(jobs)
	wg.Wait()
	return err
}

func (p *Processor) schedule(ctx context.Context, jobs chan<- models.Job, slots chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case slots <- struct{}{}:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		job, err := p.queue.ClaimNext(ctx, p.opts.WorkerID)
		if err != nil || job == nil {
			<-slots
			if err != nil && ctx.Err() == nil {
				log.Printf("[worker] claim failed: %v", err)
			}
			p.reportDepth(ctx)
			p.idle(ctx)
			continue
		}
		jobs <- *job
	}
}

func (p *Processor) idle(ctx context.Context) {
	if p.waiter != nil {
		if _, err := p.waiter.Wait(ctx, p.opts.PollInterval); err == nil || ctx.Err() != nil {
			return
		}
	}
	timer := time.NewTimer(p.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (p *Processor) reportDepth(ctx context.Context) {
	if p.depth == nil {
		return
	}
	if depth, err := p.depth.QueueDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// ProcessOnce claims and executes one job: jobID when given, otherwise the
// next eligible job. It reports false when nothing was claimable.
func (p *Processor) ProcessOnce(ctx context.Context, jobID string) (bool, error) {
	var job *models.Job
	var err error
	if jobID == "" {
		job, err = p.queue.ClaimNext(ctx, p.opts.WorkerID)
	} else {
		job, err = p.queue.ClaimByID(ctx, jobID, p.opts.WorkerID)
	}
	if err != nil {
		return false, fmt.Errorf("claim job %q: %w", jobID, err)
	}
	if job == nil {
		return false, nil
	}
	p.execute(ctx, *job)
	return true, nil
}

// Drain executes eligible jobs one at a time until none remain and
// returns how many ran.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		job, err := p.queue.ClaimNext(ctx, p.opts.WorkerID)
		if err != nil {
			return n, fmt.Errorf("claim job: %w", err)
		}
		if job == nil {
			return n, nil
		}
		p.execute(ctx, *job)
		n++
	}
}

func (p *Processor) execute(ctx context.Context, job models.Job) {
	telemetry.JobsClaimed.WithLabelValues(string(job.Type)).Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(jobCtx, job, cancel, &lost)
	}()

	start := time.Now()
	err := p.runJob(jobCtx, job)
	cancel()
	<-hbDone
	telemetry.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())

	if lost.Load() {
		telemetry.LeaseLost.Inc()
		log.Printf("[worker] job %s (%s) lost its lease; dropping result", job.ID, job.Type)
		return
	}
	if err != nil && ctx.Err() != nil {
		log.Printf("[worker] shutdown interrupted job %s (%s); leaving it leased", job.ID, job.Type)
		return
	}

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer fcancel()
	p.finalize(fctx, job, err)
}

func (p *Processor) heartbeat(ctx context.Context, job models.Job, cancel context.CancelFunc, lost *atomic.Bool) {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := p.queue.Heartbeat(ctx, job)
		switch {
		case errors.Is(err, queue.ErrLeaseLost):
			lost.Store(true)
			cancel()
			return
		case err != nil && ctx.Err() == nil:
			log.Printf("[worker] heartbeat job %s: %v", job.ID, err)
		}
	}
}

func (p *Processor) finalize(ctx context.Context, job models.Job, runErr error) {
	label := string(job.Type)
	if runErr == nil {
		if err := p.queue.Complete(ctx, job); err != nil {
			log.Printf("[worker] complete job %s: %v", job.ID, err)
			return
		}
		telemetry.WorkerSuccess.WithLabelValues(label).Inc()
		return
	}

	var updated models.Job
	var err error
	if IsPermanent(runErr) {
		updated, err = p.queue.Abandon(ctx, job, runErr.Error())
	} else {
		updated, err = p.queue.Fail(ctx, job, runErr.Error())
	}
	if err != nil {
		log.Printf("[worker] record failure of job %s: %v", job.ID, err)
		return
	}

	if updated.Status != models.StatusFailed {
		telemetry.WorkerFailures.WithLabelValues(label).Inc()
		log.Printf("[worker] job %s (%s) attempt %d/%d failed, retry at %s: %v",
			job.ID, job.Type, updated.AttemptCount, updated.MaxAttempts,
			updated.ScheduledAt.UTC().Format(time.RFC3339), runErr)
		return
	}
	telemetry.WorkerTerminal.WithLabelValues(label).Inc()
	log.Printf("[worker] job %s (%s) failed after %d attempts: %v", job.ID, job.Type, updated.AttemptCount, runErr)
	if p.onTerminal != nil {
		p.onTerminal(ctx, updated, runErr)
	}
}

func (p *Processor) runJob(ctx context.Context, job models.Job) (err error) {
	if job.MaxAttempts > 0 && job.AttemptCount >= job.MaxAttempts {
		return Permanent(fmt.Errorf("lease expired on all %d attempts", job.MaxAttempts))
	}
	handler, ok := p.handlers[job.Type]
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for type %q", job.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
