package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

// SheetRepo persists and loads recurring sheet configurations.
type SheetRepo struct{ Pool PgxPool }

// NewSheetRepo constructs a SheetRepo with the given pool.
func NewSheetRepo(p PgxPool) *SheetRepo { return &SheetRepo{Pool: p} }

const sheetColumns = `id, project_id, user_id, spreadsheet_id, sheet_gid, target_domain,
	url_column, target_column, result_range, interval, status, last_run, next_run,
	run_count, created_at, updated_at`

// GetSheet loads a sheet by id.
func (r *SheetRepo) GetSheet(ctx domain.Context, id string) (domain.Sheet, error) {
	tracer := otel.Tracer("repo.sheets")
	ctx, span := tracer.Start(ctx, "sheets.Get")
	defer span.End()
	q := `SELECT ` + sheetColumns + ` FROM sheets WHERE id=$1`
	s, err := scanSheet(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Sheet{}, fmt.Errorf("op=sheet.get: %w", domain.ErrNotFound)
		}
		return domain.Sheet{}, fmt.Errorf("op=sheet.get: %w", err)
	}
	return s, nil
}

// UpdateSheet writes the mutable sheet fields, keyed by id.
func (r *SheetRepo) UpdateSheet(ctx domain.Context, s domain.Sheet) error {
	tracer := otel.Tracer("repo.sheets")
	ctx, span := tracer.Start(ctx, "sheets.Update")
	defer span.End()
	q := `UPDATE sheets SET status=$2, interval=$3, last_run=$4, next_run=$5,
		run_count=$6, updated_at=$7 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, s.ID, string(s.Status), string(s.Interval),
		s.LastRun, s.NextRun, s.RunCount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=sheet.update: %w", err)
	}
	return nil
}

// ListActiveSheets returns sheets eligible for scheduling, ordered by
// next_run so the scheduler can bootstrap in firing order.
func (r *SheetRepo) ListActiveSheets(ctx domain.Context) ([]domain.Sheet, error) {
	tracer := otel.Tracer("repo.sheets")
	ctx, span := tracer.Start(ctx, "sheets.ListActive")
	defer span.End()
	q := `SELECT ` + sheetColumns + ` FROM sheets
		WHERE interval <> 'manual' AND status NOT IN ('inactive','error')
		ORDER BY next_run NULLS FIRST`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=sheet.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.Sheet
	for rows.Next() {
		s, err := scanSheet(rows)
		if err != nil {
			return nil, fmt.Errorf("op=sheet.list_active: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=sheet.list_active: %w", err)
	}
	return out, nil
}

func scanSheet(row pgx.Row) (domain.Sheet, error) {
	var s domain.Sheet
	var interval, status string
	if err := row.Scan(
		&s.ID, &s.ProjectID, &s.UserID, &s.Ref.SpreadsheetID, &s.Ref.SheetGID,
		&s.TargetDomain, &s.URLColumn, &s.TargetColumn, &s.ResultRange,
		&interval, &status, &s.LastRun, &s.NextRun, &s.RunCount,
		&s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return domain.Sheet{}, err
	}
	s.Interval = domain.SheetInterval(interval)
	s.Status = domain.SheetStatus(status)
	return s, nil
}
