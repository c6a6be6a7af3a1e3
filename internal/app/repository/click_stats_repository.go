package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sifan077/PowerSuffix/internal/app/model"
)

// ClickStatsRepository covers the hot-path click counters and the read-only
// history projection of interval_states.
type ClickStatsRepository interface {
	RecordClick(ctx context.Context, offerID, accountID string, day time.Time, newLandingPage bool) error
	History(ctx context.Context, offerID, accountID string, since time.Time) ([]model.IntervalState, error)
	PurgeBefore(ctx context.Context, day time.Time) (int64, error)
}

type clickStatsRepository struct {
	pool *pgxpool.Pool
}

// NewClickStatsRepository returns a pgx-backed ClickStatsRepository.
func NewClickStatsRepository(pool *pgxpool.Pool) ClickStatsRepository {
	return &clickStatsRepository{pool: pool}
}

const recordClickSQL = `
INSERT INTO interval_states (offer_id, account_id, date, total_clicks, unique_landing_pages, created_at, updated_at)
VALUES ($1, $2, $3, 1, $4, now(), now())
ON CONFLICT (offer_id, account_id, date) DO UPDATE
SET total_clicks = interval_states.total_clicks + 1,
    unique_landing_pages = interval_states.unique_landing_pages + EXCLUDED.unique_landing_pages,
    updated_at = now()`

func (r *clickStatsRepository) RecordClick(ctx context.Context, offerID, accountID string, day time.Time, newLandingPage bool) error {
	var pages int64
	if newLandingPage {
		pages = 1
	}
	if _, err := r.pool.Exec(ctx, recordClickSQL, offerID, accountID, Day(day), pages); err != nil {
		return fmt.Errorf("record click: %w", err)
	}
	return nil
}

const historySQL = `
SELECT id, offer_id, account_id, date, interval_used_ms, total_clicks, unique_landing_pages,
       COALESCE(scenario, '') AS scenario,
       min_interval_override_ms, max_interval_override_ms, target_repeat_ratio, min_repeat_ratio,
       created_at, updated_at
FROM interval_states
WHERE offer_id = $1 AND ($2 = '' OR account_id = $2) AND date >= $3
ORDER BY date DESC, account_id`

func (r *clickStatsRepository) History(ctx context.Context, offerID, accountID string, since time.Time) ([]model.IntervalState, error) {
	rows, err := r.pool.Query(ctx, historySQL, offerID, accountID, Day(since))
	if err != nil {
		return nil, fmt.Errorf("query interval history: %w", err)
	}

	states, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.IntervalState])
	if err != nil {
		return nil, fmt.Errorf("scan interval history: %w", err)
	}
	return states, nil
}

func (r *clickStatsRepository) PurgeBefore(ctx context.Context, day time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM interval_states WHERE date < $1`, Day(day))
	if err != nil {
		return 0, fmt.Errorf("purge interval states: %w", err)
	}
	return tag.RowsAffected(), nil
}
