package orm

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
)

//go:generate mockery --name SubscribersRepo --output ./mocks/ --case=underscore

// SubscribersRepo backs the poll-driven subscriber row lifecycle
// (active -> paused -> deleted) and the membership-sync timers.
type SubscribersRepo interface {
	ListActiveByChain(ctx context.Context, id chain.ID) ([]models.SubscriberRow, error)
	ListStale(ctx context.Context, now time.Time) ([]models.SubscriberRow, error)
	ListPrunable(ctx context.Context, now time.Time, pruneThreshold time.Duration) ([]models.SubscriberRow, error)
	Pause(ctx context.Context, id string, pausedAt time.Time) error
	Delete(ctx context.Context, id string) error
}

type subscribersRepo struct {
	db *gorm.DB
}

// NewSubscribersRepo builds a SubscribersRepo backed by gorm.
func NewSubscribersRepo(db *gorm.DB) SubscribersRepo {
	return &subscribersRepo{db: db}
}

func (r *subscribersRepo) ListActiveByChain(ctx context.Context, id chain.ID) ([]models.SubscriberRow, error) {
	var rows []models.SubscriberRow
	stmt := `
		SELECT id, chain_id, wallet_address, state, last_polled_at, expires_after_ms, paused_at
		FROM subscribers
		WHERE chain_id = ? AND state = 'active';
	`
	if err := r.db.WithContext(ctx).Raw(stmt, uint64(id)).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *subscribersRepo) ListStale(ctx context.Context, now time.Time) ([]models.SubscriberRow, error) {
	var rows []models.SubscriberRow
	stmt := `
		SELECT id, chain_id, wallet_address, state, last_polled_at, expires_after_ms, paused_at
		FROM subscribers
		WHERE state = 'active'
		  AND expires_after_ms IS NOT NULL
		  AND (EXTRACT(EPOCH FROM (?::timestamp - last_polled_at)) * 1000) > expires_after_ms;
	`
	if err := r.db.WithContext(ctx).Raw(stmt, now).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *subscribersRepo) ListPrunable(ctx context.Context, now time.Time, pruneThreshold time.Duration) ([]models.SubscriberRow, error) {
	var rows []models.SubscriberRow
	stmt := `
		SELECT id, chain_id, wallet_address, state, last_polled_at, expires_after_ms, paused_at
		FROM subscribers
		WHERE state = 'paused'
		  AND paused_at IS NOT NULL
		  AND ?::timestamp - paused_at > ?::interval;
	`
	if err := r.db.WithContext(ctx).Raw(stmt, now, pruneThreshold.String()).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *subscribersRepo) Pause(ctx context.Context, id string, pausedAt time.Time) error {
	stmt := `
		UPDATE subscribers
		SET state = 'paused', paused_at = ?
		WHERE id = ?;
	`
	return r.db.WithContext(ctx).Exec(stmt, pausedAt, id).Error
}

func (r *subscribersRepo) Delete(ctx context.Context, id string) error {
	stmt := `DELETE FROM subscribers WHERE id = ?;`
	return r.db.WithContext(ctx).Exec(stmt, id).Error
}
