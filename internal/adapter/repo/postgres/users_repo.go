package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

// UserRepo resolves plan-derived job priorities.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// planPriority maps a billing plan onto the queue priority band.
// Lower is more important.
var planPriority = map[string]int{
	"enterprise": 1,
	"pro":        2,
	"starter":    3,
	"free":       4,
}

// GetUserPriority returns the user's priority in 1..4. Unknown users
// and unknown plans fall to the lowest band rather than failing the
// producer.
func (r *UserRepo) GetUserPriority(ctx domain.Context, userID string) (int, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.GetPriority")
	defer span.End()
	q := `SELECT plan FROM users WHERE id=$1`
	var plan string
	if err := r.Pool.QueryRow(ctx, q, userID).Scan(&plan); err != nil {
		if err == pgx.ErrNoRows {
			return domain.PriorityLowest, nil
		}
		return 0, fmt.Errorf("op=user.priority: %w", err)
	}
	p, ok := planPriority[plan]
	if !ok {
		return domain.PriorityLowest, nil
	}
	return p, nil
}
