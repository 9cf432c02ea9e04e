package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

// BatchRequest is one ad-hoc audit submission: a set of source pages to
// check for references to a single target domain.
type BatchRequest struct {
	ProjectID    string   `validate:"required"`
	UserID       string   `validate:"required"`
	TargetDomain string   `validate:"required"`
	SourceURLs   []string `validate:"required,min=1,dive,required"`
}

// BatchResult summarises what a submission produced.
type BatchResult struct {
	ProjectID string
	Accepted  int
	Rejected  []RejectedURL
	Priority  int
}

// RejectedURL pairs an input URL with why it was refused.
type RejectedURL struct {
	URL    string
	Reason string
}

// BatchService is the ad-hoc producer: it resets the project's previous
// batch run, creates pending link rows, and enqueues one job per unique
// source URL at the owner's plan priority.
type BatchService struct {
	repo     domain.LinkRepository
	users    domain.UserRepository
	queue    domain.Queue
	notifier domain.Notifier
	validate *validator.Validate
}

func NewBatchService(repo domain.LinkRepository, users domain.UserRepository, queue domain.Queue, notifier domain.Notifier) *BatchService {
	return &BatchService{
		repo:     repo,
		users:    users,
		queue:    queue,
		notifier: notifier,
		validate: validator.New(),
	}
}

// Submit runs one batch submission end to end. Invalid URLs are
// reported back rather than failing the whole batch; the batch fails
// only when no URL survives validation or a backend refuses writes.
func (s *BatchService) Submit(ctx domain.Context, req BatchRequest) (BatchResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return BatchResult{}, fmt.Errorf("op=batch.Submit: %w: %w", domain.ErrInvalidArgument, err)
	}
	target, err := domain.NormalizeTargetDomain(req.TargetDomain)
	if err != nil {
		return BatchResult{}, fmt.Errorf("op=batch.Submit: %w", err)
	}

	var (
		accepted []string
		rejected []RejectedURL
		seen     = map[string]bool{}
	)
	for _, raw := range req.SourceURLs {
		if err := domain.ValidateSourceURL(raw); err != nil {
			rejected = append(rejected, RejectedURL{URL: raw, Reason: "invalid url"})
			continue
		}
		if seen[raw] {
			continue
		}
		seen[raw] = true
		accepted = append(accepted, raw)
	}
	if len(accepted) == 0 {
		return BatchResult{Rejected: rejected}, fmt.Errorf("op=batch.Submit project=%s: no valid urls: %w", req.ProjectID, domain.ErrInvalidArgument)
	}

	priority, err := s.users.GetUserPriority(ctx, req.UserID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("op=batch.Submit: %w", err)
	}

	// New run: previous batch rows for this project are gone before the
	// first new row lands, so observers never see mixed epochs.
	if err := s.repo.ResetAnalysis(ctx, req.ProjectID, domain.KindBatch); err != nil {
		return BatchResult{}, fmt.Errorf("op=batch.Submit: %w", err)
	}

	// The start event goes out before the first job: a worker may pick
	// up a job immediately, and its link_updated must never arrive
	// ahead of the run announcement.
	ev := domain.Event{
		Kind:      domain.StartEvent(domain.KindBatch),
		ProjectID: req.ProjectID,
		Payload:   map[string]any{"total": len(accepted)},
	}
	if err := s.notifier.Publish(ctx, req.ProjectID, ev); err != nil {
		slog.Warn("start event publish failed", slog.String("project_id", req.ProjectID), slog.Any("error", err))
	}

	now := time.Now().UTC()
	for _, srcURL := range accepted {
		link := domain.Link{
			ID:                   ulid.Make().String(),
			ProjectID:            req.ProjectID,
			SourceURL:            srcURL,
			TargetDomain:         target,
			OriginalTargetDomain: req.TargetDomain,
			Kind:                 domain.KindBatch,
			State:                domain.StatePending,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := s.repo.UpsertLink(ctx, link); err != nil {
			return BatchResult{}, fmt.Errorf("op=batch.Submit: %w", err)
		}
		job := domain.Job{
			ID:           domain.JobID(domain.KindBatch, srcURL, req.ProjectID),
			Kind:         domain.KindBatch,
			UserID:       req.UserID,
			ProjectID:    req.ProjectID,
			LinkID:       link.ID,
			SourceURL:    srcURL,
			TargetDomain: target,
			Priority:     priority,
			EnqueuedAt:   now,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return BatchResult{}, fmt.Errorf("op=batch.Submit: %w", err)
		}
	}

	slog.Info("batch submitted",
		slog.String("project_id", req.ProjectID),
		slog.String("target", target),
		slog.Int("accepted", len(accepted)),
		slog.Int("rejected", len(rejected)),
		slog.Int("priority", priority))
	return BatchResult{ProjectID: req.ProjectID, Accepted: len(accepted), Rejected: rejected, Priority: priority}, nil
}
