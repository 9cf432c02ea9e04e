// Package domain holds the core entities and ports of the link audit
// execution plane: links, sheets, jobs, verdicts, and the capability
// interfaces the adapters implement.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrBlocked            = errors.New("blocked by remote")
	ErrRenderFailed       = errors.New("render failed")
	ErrInconclusive       = errors.New("inconclusive")
	ErrInternal           = errors.New("internal error")
)

// LinkKind distinguishes which producer created a link row.
type LinkKind string

// Link kinds.
const (
	KindBatch LinkKind = "batch"
	KindSheet LinkKind = "sheet"
)

// LinkState is the lifecycle state of a link row. Terminal states
// (ok, problem) are reached exactly once per analysis run; a row only
// returns to pending through an explicit reset.
type LinkState string

// Link states.
const (
	StatePending LinkState = "pending"
	StateRunning LinkState = "running"
	StateOK      LinkState = "ok"
	StateProblem LinkState = "problem"
)

// LinkClass classifies the strongest rel semantics found among matched
// anchors, or absent when no candidate referenced the target domain.
type LinkClass string

// Link classes.
const (
	ClassDofollow  LinkClass = "dofollow"
	ClassNofollow  LinkClass = "nofollow"
	ClassSponsored LinkClass = "sponsored"
	ClassUGC       LinkClass = "ugc"
	ClassAbsent    LinkClass = "absent"
)

// Link is one audited (source page, target domain) pair.
// TargetDomain is normalised (lowercased registrable host, leading
// "www." stripped); OriginalTargetDomain preserves the user string.
type Link struct {
	ID                   string
	ProjectID            string
	SheetID              string
	RowIndex             int
	SourceURL            string
	TargetDomain         string
	OriginalTargetDomain string
	Kind                 LinkKind
	State                LinkState
	ResponseCode         *int
	Indexable            *bool
	LinkClass            *LinkClass
	CanonicalURL         *string
	LoadTimeMS           *int64
	MatchedAnchorHTML    *string
	NonIndexableReason   *string
	CheckedAt            *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Verdict is the analyser's structured output for one job. It mirrors
// the optional Link columns; Status is always ok or problem.
type Verdict struct {
	Status             LinkState
	ResponseCode       int
	Indexable          bool
	LinkClass          LinkClass
	CanonicalURL       string
	LoadTimeMS         int64
	MatchedAnchorHTML  string
	NonIndexableReason string
	CheckedAt          time.Time
}

// ApplyVerdict copies a verdict into the link's optional columns and
// moves it to the verdict's terminal state.
func (l *Link) ApplyVerdict(v Verdict) {
	code := v.ResponseCode
	idx := v.Indexable
	class := v.LinkClass
	load := v.LoadTimeMS
	checked := v.CheckedAt
	l.State = v.Status
	l.ResponseCode = &code
	l.Indexable = &idx
	l.LinkClass = &class
	l.LoadTimeMS = &load
	l.CheckedAt = &checked
	l.CanonicalURL = optString(v.CanonicalURL)
	l.MatchedAnchorHTML = optString(v.MatchedAnchorHTML)
	l.NonIndexableReason = optString(v.NonIndexableReason)
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SheetInterval is the recurrence of a sheet audit.
type SheetInterval string

// Sheet intervals. Manual never arms a timer.
const (
	IntervalManual  SheetInterval = "manual"
	Interval5m      SheetInterval = "5m"
	Interval30m     SheetInterval = "30m"
	Interval1h      SheetInterval = "1h"
	Interval4h      SheetInterval = "4h"
	Interval8h      SheetInterval = "8h"
	Interval12h     SheetInterval = "12h"
	Interval1d      SheetInterval = "1d"
	Interval3d      SheetInterval = "3d"
	Interval1w      SheetInterval = "1w"
	Interval1M      SheetInterval = "1M"
)

// ValidIntervals enumerates every accepted interval value.
func ValidIntervals() []SheetInterval {
	return []SheetInterval{
		IntervalManual, Interval5m, Interval30m, Interval1h, Interval4h,
		Interval8h, Interval12h, Interval1d, Interval3d, Interval1w, Interval1M,
	}
}

// SheetStatus is the lifecycle state of a recurring sheet job.
type SheetStatus string

// Sheet statuses.
const (
	SheetNotStarted SheetStatus = "not_started"
	SheetAnalysing  SheetStatus = "analysing"
	SheetChecked    SheetStatus = "checked"
	SheetInactive   SheetStatus = "inactive"
	SheetError      SheetStatus = "error"
)

// ResultRangeWidth is the fixed number of verdict columns written back
// to a sheet. Invariant: every result range spans exactly this many
// contiguous columns.
const ResultRangeWidth = 5

// SpreadsheetRef addresses one tab of an external spreadsheet.
type SpreadsheetRef struct {
	SpreadsheetID string
	SheetGID      int64
}

// Sheet is a recurring audit configuration bound to one spreadsheet tab.
type Sheet struct {
	ID           string
	ProjectID    string
	UserID       string
	Ref          SpreadsheetRef
	TargetDomain string
	URLColumn    string
	TargetColumn string
	ResultRange  string // e.g. "F:J"; always ResultRangeWidth columns
	Interval     SheetInterval
	Status       SheetStatus
	LastRun      *time.Time
	NextRun      *time.Time
	RunCount     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Job is one unit of work shared by the batch and sheet producers.
// ID is deterministic from (kind, source_url, project_id) so duplicate
// submissions within one enqueue epoch collapse to a single job.
type Job struct {
	ID           string    `json:"job_id"`
	Kind         LinkKind  `json:"kind"`
	UserID       string    `json:"user_id"`
	ProjectID    string    `json:"project_id"`
	LinkID       string    `json:"link_id,omitempty"`
	SheetID      string    `json:"sheet_id,omitempty"`
	RowIndex     int       `json:"row_index,omitempty"`
	SourceURL    string    `json:"source_url"`
	TargetDomain string    `json:"target_domain"`
	Priority     int       `json:"priority"`
	Attempts     int       `json:"attempts"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Priority bounds. Lower is more important: enterprise=1, pro=2,
// starter=3, free=4.
const (
	PriorityHighest = 1
	PriorityLowest  = 4
)

// FailOutcome reports what the queue did with a failed job.
type FailOutcome string

// Fail outcomes.
const (
	OutcomeRetry      FailOutcome = "retry"
	OutcomeDeadLetter FailOutcome = "dead_letter"
)

// DeadLetter is a job whose retry budget is exhausted, kept for
// inspection. Dead letters are never auto-revived.
type DeadLetter struct {
	Job      Job       `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// QueueStats is an introspection snapshot of the queue.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Leased    int `json:"leased"`
	Completed int `json:"completed"`
	Dead      int `json:"dead"`
}

// Queue is the durable priority queue shared by both producers.
// Ordering is (priority ascending, enqueued_at ascending); hand-off to
// a worker is at-most-once for the duration of a lease.
type Queue interface {
	// Enqueue adds a job; re-enqueueing an id already waiting is a
	// no-op, and an id currently leased is queued once the lease ends.
	Enqueue(ctx Context, job Job) error
	// Lease atomically removes the head and records a lease. The
	// second return is false when the ready set is empty.
	Lease(ctx Context, workerID string) (Job, bool, error)
	// Complete drops the lease; silent when it already expired.
	Complete(ctx Context, jobID string) error
	// Fail either re-enqueues with backoff or dead-letters the job.
	Fail(ctx Context, jobID string, reason string) (FailOutcome, error)
	// Recover reaps expired leases back into the waiting set with
	// attempts unchanged (a stalled worker is not a failure).
	Recover(ctx Context) (int, error)
	Stats(ctx Context) (QueueStats, error)
	ListByProject(ctx Context, projectID string) ([]Job, error)
	ListDead(ctx Context) ([]DeadLetter, error)
}

// Link repository port. All mutations are idempotent by id.
type LinkRepository interface {
	GetLink(ctx Context, id string) (Link, error)
	UpsertLink(ctx Context, l Link) error
	// ResetAnalysis deletes rows of the given kind for the project,
	// establishing the epoch barrier between runs.
	ResetAnalysis(ctx Context, projectID string, kind LinkKind) error
	ListByProjectAndKind(ctx Context, projectID string, kind LinkKind) ([]Link, error)
	// CountUnfinished reports rows still pending or running; the
	// worker uses it for the batch-completion check.
	CountUnfinished(ctx Context, projectID string, kind LinkKind) (int, error)
}

// Sheet repository port.
type SheetRepository interface {
	GetSheet(ctx Context, id string) (Sheet, error)
	UpdateSheet(ctx Context, s Sheet) error
	// ListActiveSheets returns sheets with a non-manual interval and a
	// non-terminal status, ordered by next_run for scheduler bootstrap.
	ListActiveSheets(ctx Context) ([]Sheet, error)
}

// UserRepository resolves a user's plan-derived job priority (1..4).
type UserRepository interface {
	GetUserPriority(ctx Context, userID string) (int, error)
}

// Renderer is the headless rendering engine capability. The caller
// owns the rendering context for the duration of one Render call; the
// implementation must tear it down on every exit path.
type Renderer interface {
	Render(ctx Context, req RenderRequest) (RenderedPage, error)
}

// RenderRequest configures one isolated navigation.
type RenderRequest struct {
	URL            string
	UserAgent      string
	Timeout        time.Duration
	Settle         time.Duration
	ScrollToBottom bool
	// ScrollSettle is the wait after the scroll; zero falls back to
	// Settle.
	ScrollSettle time.Duration
}

// RenderedPage is the outcome of a navigation. Status and Headers are
// those of the primary document only, never of subresources.
type RenderedPage struct {
	Status   int
	FinalURL string
	Headers  http.Header
	HTML     string
	LoadTime time.Duration
}

// RenderProxy is the third-party rendering proxy capability, used as
// the fallback when direct fetching is blocked.
type RenderProxy interface {
	Enabled() bool
	Fetch(ctx Context, req ProxyRequest) (ProxyResult, error)
}

// ProxyRequest is one proxy fetch attempt.
type ProxyRequest struct {
	URL     string
	Headers map[string]string
	Render  bool
	Timeout time.Duration
}

// ProxyResult is a successful proxy fetch.
type ProxyResult struct {
	Status       int
	HTML         string
	ResponseTime time.Duration
}

// SheetReadResult is the outcome of reading a sheet's input columns.
type SheetReadResult struct {
	URLs            []string
	Targets         []string
	HasExistingData bool
	TotalRows       int
	UniqueURLs      int
}

// VerdictRow is one write-back row: the five result columns for one
// source URL, in sheet row order.
type VerdictRow struct {
	RowIndex      int
	Status        LinkState
	ResponseCode  int
	Indexable     bool
	Reason        string
	LinkFound     bool
	CheckedAt     time.Time
	Canonicalised bool
}

// SheetService is the bidirectional bridge to the external spreadsheet
// service. Format is best-effort: failures are logged, not propagated.
type SheetService interface {
	Read(ctx Context, ref SpreadsheetRef, urlCol, targetCol, resultRange, defaultTarget string) (SheetReadResult, error)
	WriteVerdicts(ctx Context, ref SpreadsheetRef, resultRange string, rows []VerdictRow) error
	Format(ctx Context, ref SpreadsheetRef, resultRange string, rows []VerdictRow) error
}

// Context aliases the standard context; adapters pass context.Context
// straight through.
type Context = context.Context
