// Package scheduler drives recurring sheet audits: it keeps one timer
// per active sheet, fires the read-reset-enqueue sequence when a timer
// lapses, and writes verdicts back once the run completes.
package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/link-sentinel/internal/adapter/observability"
	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

// EventSource delivers execution-plane events; the scheduler watches it
// for run completion instead of polling the repository.
type EventSource interface {
	Listen(ctx domain.Context, fn func(domain.Event)) error
}

// Config tunes the scheduler.
type Config struct {
	// SafetyInterval bounds how stale a missed timer can get: every
	// tick, due sheets without an armed timer are fired.
	SafetyInterval time.Duration
}

// Scheduler owns the timer table. All mutation of the table goes
// through the mutex; firing and finishing run on their own goroutines.
type Scheduler struct {
	sheets   domain.SheetRepository
	links    domain.LinkRepository
	users    domain.UserRepository
	queue    domain.Queue
	svc      domain.SheetService
	notifier domain.Notifier
	events   EventSource
	cfg      Config

	mu     sync.Mutex
	timers map[string]*time.Timer
	// runs maps project id to the sheet currently analysing, for
	// completion events whose payload lost the sheet id in transit.
	runs map[string]string

	baseCtx domain.Context
}

func New(sheets domain.SheetRepository, links domain.LinkRepository, users domain.UserRepository,
	queue domain.Queue, svc domain.SheetService, notifier domain.Notifier, events EventSource, cfg Config) *Scheduler {
	if cfg.SafetyInterval <= 0 {
		cfg.SafetyInterval = time.Minute
	}
	return &Scheduler{
		sheets:   sheets,
		links:    links,
		users:    users,
		queue:    queue,
		svc:      svc,
		notifier: notifier,
		events:   events,
		cfg:      cfg,
		timers:   map[string]*time.Timer{},
		runs:     map[string]string{},
	}
}

// Run bootstraps timers from the repository and blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx domain.Context) error {
	s.baseCtx = ctx
	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	go func() {
		if err := s.events.Listen(ctx, func(ev domain.Event) { s.onEvent(ctx, ev) }); err != nil && ctx.Err() == nil {
			slog.Error("event listener stopped", slog.Any("error", err))
		}
	}()

	ticker := time.NewTicker(s.cfg.SafetyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) bootstrap(ctx domain.Context) error {
	active, err := s.sheets.ListActiveSheets(ctx)
	if err != nil {
		return fmt.Errorf("op=scheduler.bootstrap: %w", err)
	}
	now := time.Now()
	for _, sheet := range active {
		at := now
		if sheet.NextRun != nil && sheet.NextRun.After(now) {
			at = *sheet.NextRun
		}
		s.arm(sheet.ID, at)
	}
	slog.Info("scheduler bootstrapped", slog.Int("sheets", len(active)))
	return nil
}

// sweep fires due sheets whose timer is missing, e.g. after a timer was
// dropped by an error path or the process restarted mid-interval. It
// also finishes analysing sheets whose run has fully drained, covering
// a completion event lost to pub/sub.
func (s *Scheduler) sweep(ctx domain.Context) {
	active, err := s.sheets.ListActiveSheets(ctx)
	if err != nil {
		slog.Warn("safety sweep failed", slog.Any("error", err))
		return
	}
	now := time.Now()
	for _, sheet := range active {
		if sheet.Status == domain.SheetAnalysing {
			s.finishIfDrained(ctx, sheet)
			continue
		}
		if sheet.NextRun == nil || sheet.NextRun.After(now) {
			continue
		}
		s.mu.Lock()
		_, armed := s.timers[sheet.ID]
		s.mu.Unlock()
		if !armed {
			slog.Info("sweep rearming overdue sheet", slog.String("sheet_id", sheet.ID))
			s.arm(sheet.ID, now)
		}
	}
}

// finishIfDrained closes out a run whose completion event never
// arrived: every row terminal, no sheet job still queued.
func (s *Scheduler) finishIfDrained(ctx domain.Context, sheet domain.Sheet) {
	unfinished, err := s.links.CountUnfinished(ctx, sheet.ProjectID, domain.KindSheet)
	if err != nil || unfinished > 0 {
		return
	}
	jobs, err := s.queue.ListByProject(ctx, sheet.ProjectID)
	if err != nil {
		return
	}
	for _, j := range jobs {
		if j.Kind == domain.KindSheet {
			return
		}
	}
	slog.Info("finishing drained run from sweep", slog.String("sheet_id", sheet.ID))
	s.finish(ctx, sheet.ID)
}

// arm schedules a fire for the sheet, replacing any existing timer.
func (s *Scheduler) arm(sheetID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[sheetID]; ok {
		t.Stop()
	}
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	s.timers[sheetID] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, sheetID)
		observability.ScheduledTasks.Set(float64(len(s.timers)))
		s.mu.Unlock()
		s.fire(s.baseCtx, sheetID)
	})
	observability.ScheduledTasks.Set(float64(len(s.timers)))
}

// Stop cancels every armed timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	observability.ScheduledTasks.Set(0)
}

// fire runs one audit for the sheet: read inputs, reset the previous
// epoch, enqueue one job per row. Any failure parks the sheet in the
// error state without rearming; the user resolves it manually.
func (s *Scheduler) fire(ctx domain.Context, sheetID string) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	log := slog.With(slog.String("sheet_id", sheetID))

	sheet, err := s.sheets.GetSheet(ctx, sheetID)
	if err != nil {
		log.Error("sheet lookup failed", slog.Any("error", err))
		return
	}
	if sheet.Interval == domain.IntervalManual || sheet.Status == domain.SheetInactive {
		return
	}

	sheet.Status = domain.SheetAnalysing
	if err := s.sheets.UpdateSheet(ctx, sheet); err != nil {
		log.Error("mark analysing failed", slog.Any("error", err))
		return
	}
	s.mu.Lock()
	s.runs[sheet.ProjectID] = sheet.ID
	s.mu.Unlock()

	read, err := s.svc.Read(ctx, sheet.Ref, sheet.URLColumn, sheet.TargetColumn, sheet.ResultRange, sheet.TargetDomain)
	if err != nil {
		s.markError(ctx, sheet, fmt.Errorf("sheet read: %w", err))
		return
	}
	if len(read.URLs) == 0 {
		s.markError(ctx, sheet, fmt.Errorf("sheet has no source urls: %w", domain.ErrInvalidArgument))
		return
	}

	if err := s.links.ResetAnalysis(ctx, sheet.ProjectID, domain.KindSheet); err != nil {
		s.markError(ctx, sheet, err)
		return
	}
	// Plan priority is re-resolved on every fire so upgrades and
	// downgrades take effect on the next run.
	priority, err := s.users.GetUserPriority(ctx, sheet.UserID)
	if err != nil {
		s.markError(ctx, sheet, err)
		return
	}

	type rowPlan struct {
		rowIndex  int
		sourceURL string
		target    string
	}
	var plan []rowPlan
	for i, rawURL := range read.URLs {
		if err := domain.ValidateSourceURL(rawURL); err != nil {
			log.Debug("skipping unnavigable sheet row", slog.Int("row", i+sheetFirstDataRow), slog.String("url", rawURL))
			continue
		}
		target := sheet.TargetDomain
		if i < len(read.Targets) && read.Targets[i] != "" {
			if norm, err := domain.NormalizeTargetDomain(read.Targets[i]); err == nil {
				target = norm
			}
		}
		plan = append(plan, rowPlan{rowIndex: i + sheetFirstDataRow, sourceURL: rawURL, target: target})
	}
	if len(plan) == 0 {
		s.markError(ctx, sheet, fmt.Errorf("no navigable urls in sheet: %w", domain.ErrInvalidArgument))
		return
	}

	// The run is announced before any job exists: a worker may complete
	// the first row before the last is enqueued, and its link_updated
	// must not outrun the start event.
	ev := domain.Event{
		Kind:      domain.StartEvent(domain.KindSheet),
		ProjectID: sheet.ProjectID,
		Payload:   map[string]any{"sheetId": sheet.ID, "total": len(plan)},
	}
	if err := s.notifier.Publish(ctx, sheet.ProjectID, ev); err != nil {
		log.Warn("start event publish failed", slog.Any("error", err))
	}

	now := time.Now().UTC()
	for _, row := range plan {
		// Fresh row ids each run: an in-flight worker from the previous
		// epoch must never land its verdict on a new row.
		link := domain.Link{
			ID:           ulid.Make().String(),
			ProjectID:    sheet.ProjectID,
			SheetID:      sheet.ID,
			RowIndex:     row.rowIndex,
			SourceURL:    row.sourceURL,
			TargetDomain: row.target,
			Kind:         domain.KindSheet,
			State:        domain.StatePending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.links.UpsertLink(ctx, link); err != nil {
			s.markError(ctx, sheet, err)
			return
		}
		job := domain.Job{
			ID:           domain.JobID(domain.KindSheet, row.sourceURL, sheet.ProjectID),
			Kind:         domain.KindSheet,
			UserID:       sheet.UserID,
			ProjectID:    sheet.ProjectID,
			LinkID:       link.ID,
			SheetID:      sheet.ID,
			RowIndex:     row.rowIndex,
			SourceURL:    row.sourceURL,
			TargetDomain: row.target,
			Priority:     priority,
			EnqueuedAt:   now,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.markError(ctx, sheet, err)
			return
		}
	}
	observability.SheetRunsTotal.WithLabelValues("started").Inc()
	log.Info("sheet run started", slog.Int("rows", read.TotalRows), slog.Int("enqueued", len(plan)))
}

// Header row plus one; sheet inputs begin on the second row.
const sheetFirstDataRow = 2

func (s *Scheduler) onEvent(ctx domain.Context, ev domain.Event) {
	if ev.Kind != domain.EventSheetsAnalysisCompleted {
		return
	}
	sheetID := payloadSheetID(ev.Payload)
	if sheetID == "" {
		s.mu.Lock()
		sheetID = s.runs[ev.ProjectID]
		s.mu.Unlock()
	}
	if sheetID == "" {
		slog.Warn("completion event without sheet id", slog.String("project_id", ev.ProjectID))
		return
	}
	s.finish(ctx, sheetID)
}

// finish writes the verdict columns back and rearms the timer.
func (s *Scheduler) finish(ctx domain.Context, sheetID string) {
	log := slog.With(slog.String("sheet_id", sheetID))

	sheet, err := s.sheets.GetSheet(ctx, sheetID)
	if err != nil {
		log.Error("sheet lookup failed", slog.Any("error", err))
		return
	}
	rows, err := s.verdictRows(ctx, sheet)
	if err != nil {
		s.markError(ctx, sheet, err)
		return
	}
	if err := s.svc.WriteVerdicts(ctx, sheet.Ref, sheet.ResultRange, rows); err != nil {
		s.markError(ctx, sheet, fmt.Errorf("write-back: %w", err))
		return
	}
	if err := s.svc.Format(ctx, sheet.Ref, sheet.ResultRange, rows); err != nil {
		log.Warn("formatting failed", slog.Any("error", err))
	}

	now := time.Now().UTC()
	sheet.Status = domain.SheetChecked
	sheet.LastRun = &now
	sheet.RunCount++
	if next, ok := NextRun(now, sheet.Interval); ok {
		sheet.NextRun = &next
		s.arm(sheet.ID, next)
	} else {
		sheet.NextRun = nil
	}
	if err := s.sheets.UpdateSheet(ctx, sheet); err != nil {
		log.Error("sheet update failed", slog.Any("error", err))
		return
	}
	s.mu.Lock()
	delete(s.runs, sheet.ProjectID)
	s.mu.Unlock()
	observability.SheetRunsTotal.WithLabelValues("checked").Inc()
	log.Info("sheet run checked", slog.Int("rows", len(rows)), slog.Int("run_count", sheet.RunCount))
}

func (s *Scheduler) verdictRows(ctx domain.Context, sheet domain.Sheet) ([]domain.VerdictRow, error) {
	links, err := s.links.ListByProjectAndKind(ctx, sheet.ProjectID, domain.KindSheet)
	if err != nil {
		return nil, err
	}
	var rows []domain.VerdictRow
	for _, l := range links {
		if l.SheetID != sheet.ID {
			continue
		}
		row := domain.VerdictRow{
			RowIndex:      l.RowIndex,
			Status:        l.State,
			LinkFound:     false,
			Canonicalised: l.CanonicalURL != nil,
		}
		if l.ResponseCode != nil {
			row.ResponseCode = *l.ResponseCode
		}
		if l.Indexable != nil {
			row.Indexable = *l.Indexable
		}
		if l.LinkClass != nil {
			row.LinkFound = *l.LinkClass != domain.ClassAbsent
		}
		if l.NonIndexableReason != nil {
			row.Reason = *l.NonIndexableReason
		}
		if l.CheckedAt != nil {
			row.CheckedAt = *l.CheckedAt
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RowIndex < rows[j].RowIndex })
	return rows, nil
}

// markError parks the sheet without a next run. A sheet in this state
// stays out of the timer table until the configuration is touched.
func (s *Scheduler) markError(ctx domain.Context, sheet domain.Sheet, cause error) {
	slog.Error("sheet run failed", slog.String("sheet_id", sheet.ID), slog.Any("error", cause))
	sheet.Status = domain.SheetError
	sheet.NextRun = nil
	if err := s.sheets.UpdateSheet(ctx, sheet); err != nil {
		slog.Error("mark error failed", slog.String("sheet_id", sheet.ID), slog.Any("error", err))
	}
	s.mu.Lock()
	delete(s.runs, sheet.ProjectID)
	s.mu.Unlock()
	observability.SheetRunsTotal.WithLabelValues("error").Inc()

	ev := domain.Event{
		Kind:      domain.EventSheetsAnalysisError,
		ProjectID: sheet.ProjectID,
		Payload:   map[string]any{"sheetId": sheet.ID, "error": cause.Error()},
	}
	if err := s.notifier.Publish(ctx, sheet.ProjectID, ev); err != nil {
		slog.Warn("error event publish failed", slog.Any("error", err))
	}
}

func payloadSheetID(payload any) string {
	switch p := payload.(type) {
	case map[string]any:
		if id, ok := p["sheetId"].(string); ok {
			return id
		}
	}
	return ""
}

// NextRun computes the next fire time after from. The second return is
// false for the manual interval, which never arms a timer.
func NextRun(from time.Time, iv domain.SheetInterval) (time.Time, bool) {
	switch iv {
	case domain.IntervalManual:
		return time.Time{}, false
	case domain.Interval5m:
		return from.Add(5 * time.Minute), true
	case domain.Interval30m:
		return from.Add(30 * time.Minute), true
	case domain.Interval1h:
		return from.Add(time.Hour), true
	case domain.Interval4h:
		return from.Add(4 * time.Hour), true
	case domain.Interval8h:
		return from.Add(8 * time.Hour), true
	case domain.Interval12h:
		return from.Add(12 * time.Hour), true
	case domain.Interval1d:
		return from.AddDate(0, 0, 1), true
	case domain.Interval3d:
		return from.AddDate(0, 0, 3), true
	case domain.Interval1w:
		return from.AddDate(0, 0, 7), true
	case domain.Interval1M:
		return addMonthClamped(from), true
	default:
		return time.Time{}, false
	}
}

// addMonthClamped adds one calendar month, clamping to the last day of
// the shorter month: Jan 31 fires next on Feb 28 (29 in leap years).
func addMonthClamped(from time.Time) time.Time {
	next := from.AddDate(0, 1, 0)
	if next.Day() != from.Day() {
		next = next.AddDate(0, 0, -next.Day())
	}
	return next
}
