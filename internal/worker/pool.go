// Package worker drains the job queue: it leases jobs, runs the
// analyser, persists verdicts, and publishes per-link and per-run
// events. One pool runs N identical workers plus a lease reaper.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

// Analyzer is the slice of the analysis pipeline the pool depends on.
type Analyzer interface {
	Analyze(ctx domain.Context, link *domain.Link) (domain.Verdict, error)
}

// Config tunes the pool. Zero values get the documented defaults.
type Config struct {
	Concurrency     int
	IdleSleep       time.Duration
	RecoverInterval time.Duration
	// ShutdownGrace bounds how long an in-flight job may keep running
	// after the pool context is cancelled.
	ShutdownGrace time.Duration
}

// Pool is the worker pool. Start blocks until the context is cancelled
// and every worker has finished its in-flight job.
type Pool struct {
	queue    domain.Queue
	repo     domain.LinkRepository
	analyzer Analyzer
	notifier domain.Notifier
	cfg      Config
}

func NewPool(queue domain.Queue, repo domain.LinkRepository, analyzer Analyzer, notifier domain.Notifier, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.IdleSleep <= 0 || cfg.IdleSleep > 100*time.Millisecond {
		cfg.IdleSleep = 100 * time.Millisecond
	}
	if cfg.RecoverInterval <= 0 {
		cfg.RecoverInterval = 30 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Pool{queue: queue, repo: repo, analyzer: analyzer, notifier: notifier, cfg: cfg}
}

// Start runs the workers and the reaper until ctx is cancelled.
func (p *Pool) Start(ctx domain.Context) {
	host, _ := os.Hostname()
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-w%d", host, i)
		go func() {
			defer wg.Done()
			p.run(ctx, workerID)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reap(ctx)
	}()
	slog.Info("worker pool started", slog.Int("concurrency", p.cfg.Concurrency))
	wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) run(ctx domain.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := p.queue.Lease(ctx, workerID)
		if err != nil {
			slog.Error("lease failed", slog.String("worker_id", workerID), slog.Any("error", err))
			p.sleep(ctx, p.cfg.IdleSleep)
			continue
		}
		if !ok {
			p.sleep(ctx, p.cfg.IdleSleep)
			continue
		}
		// Cancellation stops leasing, never the in-flight job: the
		// render-persist-complete sequence finishes under the grace
		// window so the lease is not abandoned mid-write.
		jobCtx, done := p.graceContext(ctx)
		p.process(jobCtx, workerID, job)
		done()
	}
}

// graceContext derives a context that outlives parent cancellation by
// ShutdownGrace, so draining workers still hit their backends.
func (p *Pool) graceContext(parent domain.Context) (domain.Context, context.CancelFunc) {
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		time.AfterFunc(p.cfg.ShutdownGrace, cancel)
	})
	return jobCtx, func() {
		stop()
		cancel()
	}
}

func (p *Pool) process(ctx domain.Context, workerID string, job domain.Job) {
	log := slog.With(
		slog.String("worker_id", workerID),
		slog.String("job_id", job.ID),
		slog.String("project_id", job.ProjectID),
		slog.String("url", job.SourceURL))

	link, err := p.repo.GetLink(ctx, job.LinkID)
	if errors.Is(err, domain.ErrNotFound) {
		// A newer run reset the rows out from under this job. Nothing
		// to analyse, nothing to retry.
		log.Debug("link row gone, dropping job")
		p.complete(ctx, job, log)
		return
	}
	if err != nil {
		log.Error("link lookup failed", slog.Any("error", err))
		p.fail(ctx, job, err, log)
		return
	}

	link.State = domain.StateRunning
	if err := p.repo.UpsertLink(ctx, link); err != nil {
		log.Error("mark running failed", slog.Any("error", err))
		p.fail(ctx, job, err, log)
		return
	}

	verdict, err := p.analyzer.Analyze(ctx, &link)
	if err != nil {
		log.Warn("analysis failed", slog.Any("error", err))
		outcome := p.fail(ctx, job, err, log)
		if outcome == domain.OutcomeDeadLetter {
			// Retry budget gone: the provisional verdict becomes the
			// terminal answer so the run can still complete.
			p.persistAndNotify(ctx, job, link, verdict, log)
			p.checkRunComplete(ctx, job, log)
		}
		return
	}

	p.persistAndNotify(ctx, job, link, verdict, log)
	p.complete(ctx, job, log)
	p.checkRunComplete(ctx, job, log)
}

func (p *Pool) persistAndNotify(ctx domain.Context, job domain.Job, link domain.Link, verdict domain.Verdict, log *slog.Logger) {
	link.ApplyVerdict(verdict)
	link.UpdatedAt = time.Now().UTC()
	if err := p.repo.UpsertLink(ctx, link); err != nil {
		log.Error("verdict persist failed", slog.Any("error", err))
		return
	}
	ev := domain.Event{
		Kind:      domain.LinkEvent(job.Kind),
		ProjectID: job.ProjectID,
		Payload:   domain.NewLinkUpdatedPayload(job.ProjectID, link.ID, verdict),
	}
	if err := p.notifier.Publish(ctx, job.ProjectID, ev); err != nil {
		log.Warn("link event publish failed", slog.Any("error", err))
	}
	log.Info("verdict persisted",
		slog.String("status", string(verdict.Status)),
		slog.String("link_class", string(verdict.LinkClass)),
		slog.Int("response_code", verdict.ResponseCode))
}

func (p *Pool) complete(ctx domain.Context, job domain.Job, log *slog.Logger) {
	if err := p.queue.Complete(ctx, job.ID); err != nil {
		log.Warn("complete failed", slog.Any("error", err))
	}
}

func (p *Pool) fail(ctx domain.Context, job domain.Job, cause error, log *slog.Logger) domain.FailOutcome {
	outcome, err := p.queue.Fail(ctx, job.ID, cause.Error())
	if err != nil {
		log.Error("fail handling failed", slog.Any("error", err))
		return ""
	}
	if outcome == domain.OutcomeDeadLetter {
		log.Warn("job dead-lettered", slog.Int("attempts", job.Attempts))
	}
	return outcome
}

// checkRunComplete publishes the run-completion event exactly when the
// last row of a (project, kind) pair reaches a terminal state and no
// job for the project remains queued.
func (p *Pool) checkRunComplete(ctx domain.Context, job domain.Job, log *slog.Logger) {
	unfinished, err := p.repo.CountUnfinished(ctx, job.ProjectID, job.Kind)
	if err != nil {
		log.Warn("completion check failed", slog.Any("error", err))
		return
	}
	if unfinished > 0 {
		p.notifyProgress(ctx, job, unfinished, log)
		return
	}
	pendingJobs, err := p.queue.ListByProject(ctx, job.ProjectID)
	if err != nil {
		log.Warn("completion check failed", slog.Any("error", err))
		return
	}
	for _, pending := range pendingJobs {
		// A concurrent run of the other kind must not hold this one
		// open; only same-kind jobs count.
		if pending.Kind == job.Kind {
			return
		}
	}
	ev := domain.Event{
		Kind:      domain.CompletionEvent(job.Kind),
		ProjectID: job.ProjectID,
	}
	if job.Kind == domain.KindSheet {
		ev.Payload = map[string]any{"sheetId": job.SheetID}
	}
	if err := p.notifier.Publish(ctx, job.ProjectID, ev); err != nil {
		log.Warn("completion event publish failed", slog.Any("error", err))
		return
	}
	log.Info("run completed", slog.String("kind", string(job.Kind)))
}

func (p *Pool) notifyProgress(ctx domain.Context, job domain.Job, remaining int, log *slog.Logger) {
	kind := domain.EventAnalysisProgress
	if job.Kind == domain.KindSheet {
		kind = domain.EventSheetsAnalysisProgress
	}
	ev := domain.Event{
		Kind:      kind,
		ProjectID: job.ProjectID,
		Payload:   map[string]any{"remaining": remaining},
	}
	if err := p.notifier.Publish(ctx, job.ProjectID, ev); err != nil {
		log.Debug("progress event publish failed", slog.Any("error", err))
	}
}

// reap periodically returns expired leases to the waiting set so jobs
// from crashed workers are picked up again.
func (p *Pool) reap(ctx domain.Context) {
	ticker := time.NewTicker(p.cfg.RecoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.Recover(ctx)
			if err != nil {
				slog.Error("lease recovery failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("leases recovered", slog.Int("count", n))
			}
		}
	}
}

func (p *Pool) sleep(ctx domain.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
