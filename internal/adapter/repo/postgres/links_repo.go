package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

// LinkRepo persists and loads link rows using a minimal pgx pool.
type LinkRepo struct{ Pool PgxPool }

// NewLinkRepo constructs a LinkRepo with the given pool.
func NewLinkRepo(p PgxPool) *LinkRepo { return &LinkRepo{Pool: p} }

const linkColumns = `id, project_id, sheet_id, row_index, source_url, target_domain,
	original_target_domain, kind, state, response_code, indexable, link_class,
	canonical_url, load_time_ms, matched_anchor_html, non_indexable_reason,
	checked_at, created_at, updated_at`

// GetLink loads a link by id.
func (r *LinkRepo) GetLink(ctx domain.Context, id string) (domain.Link, error) {
	tracer := otel.Tracer("repo.links")
	ctx, span := tracer.Start(ctx, "links.Get")
	defer span.End()
	q := `SELECT ` + linkColumns + ` FROM links WHERE id=$1`
	l, err := scanLink(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Link{}, fmt.Errorf("op=link.get: %w", domain.ErrNotFound)
		}
		return domain.Link{}, fmt.Errorf("op=link.get: %w", err)
	}
	return l, nil
}

// UpsertLink writes a full link row in one statement, keyed by id.
func (r *LinkRepo) UpsertLink(ctx domain.Context, l domain.Link) error {
	tracer := otel.Tracer("repo.links")
	ctx, span := tracer.Start(ctx, "links.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "links"),
	)
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	q := `INSERT INTO links (` + linkColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	ON CONFLICT (id) DO UPDATE SET
		state=EXCLUDED.state, response_code=EXCLUDED.response_code,
		indexable=EXCLUDED.indexable, link_class=EXCLUDED.link_class,
		canonical_url=EXCLUDED.canonical_url, load_time_ms=EXCLUDED.load_time_ms,
		matched_anchor_html=EXCLUDED.matched_anchor_html,
		non_indexable_reason=EXCLUDED.non_indexable_reason,
		checked_at=EXCLUDED.checked_at, updated_at=EXCLUDED.updated_at`
	var class *string
	if l.LinkClass != nil {
		s := string(*l.LinkClass)
		class = &s
	}
	_, err := r.Pool.Exec(ctx, q,
		l.ID, l.ProjectID, nullable(l.SheetID), l.RowIndex, l.SourceURL, l.TargetDomain,
		l.OriginalTargetDomain, string(l.Kind), string(l.State), l.ResponseCode, l.Indexable,
		class, l.CanonicalURL, l.LoadTimeMS, l.MatchedAnchorHTML, l.NonIndexableReason,
		l.CheckedAt, l.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("op=link.upsert: %w", err)
	}
	return nil
}

// ResetAnalysis deletes all rows of one kind for a project. This is
// the epoch barrier between runs: new rows get fresh ids.
func (r *LinkRepo) ResetAnalysis(ctx domain.Context, projectID string, kind domain.LinkKind) error {
	tracer := otel.Tracer("repo.links")
	ctx, span := tracer.Start(ctx, "links.ResetAnalysis")
	defer span.End()
	q := `DELETE FROM links WHERE project_id=$1 AND kind=$2`
	if _, err := r.Pool.Exec(ctx, q, projectID, string(kind)); err != nil {
		return fmt.Errorf("op=link.reset: %w", err)
	}
	return nil
}

// ListByProjectAndKind returns the project's rows of one kind ordered
// by row index then creation time.
func (r *LinkRepo) ListByProjectAndKind(ctx domain.Context, projectID string, kind domain.LinkKind) ([]domain.Link, error) {
	tracer := otel.Tracer("repo.links")
	ctx, span := tracer.Start(ctx, "links.ListByProjectAndKind")
	defer span.End()
	q := `SELECT ` + linkColumns + ` FROM links WHERE project_id=$1 AND kind=$2 ORDER BY row_index, created_at`
	rows, err := r.Pool.Query(ctx, q, projectID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("op=link.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("op=link.list: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=link.list: %w", err)
	}
	return out, nil
}

// CountUnfinished reports rows still pending or running.
func (r *LinkRepo) CountUnfinished(ctx domain.Context, projectID string, kind domain.LinkKind) (int, error) {
	tracer := otel.Tracer("repo.links")
	ctx, span := tracer.Start(ctx, "links.CountUnfinished")
	defer span.End()
	q := `SELECT COUNT(*) FROM links WHERE project_id=$1 AND kind=$2 AND state IN ('pending','running')`
	var n int
	if err := r.Pool.QueryRow(ctx, q, projectID, string(kind)).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=link.count_unfinished: %w", err)
	}
	return n, nil
}

func scanLink(row pgx.Row) (domain.Link, error) {
	var l domain.Link
	var sheetID, kind, state *string
	var class *string
	if err := row.Scan(
		&l.ID, &l.ProjectID, &sheetID, &l.RowIndex, &l.SourceURL, &l.TargetDomain,
		&l.OriginalTargetDomain, &kind, &state, &l.ResponseCode, &l.Indexable,
		&class, &l.CanonicalURL, &l.LoadTimeMS, &l.MatchedAnchorHTML,
		&l.NonIndexableReason, &l.CheckedAt, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return domain.Link{}, err
	}
	if sheetID != nil {
		l.SheetID = *sheetID
	}
	if kind != nil {
		l.Kind = domain.LinkKind(*kind)
	}
	if state != nil {
		l.State = domain.LinkState(*state)
	}
	if class != nil {
		c := domain.LinkClass(*class)
		l.LinkClass = &c
	}
	return l, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
