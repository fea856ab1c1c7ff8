package orm

import (
	"context"

	"gorm.io/gorm"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
)

//go:generate mockery --name PoolsRepo --output ./mocks/ --case=underscore

// PoolsRepo exposes the pool lookups the pool-price worker needs.
type PoolsRepo interface {
	ListActiveByChain(ctx context.Context, id chain.ID) ([]models.Pool, error)
}

type poolsRepo struct {
	db *gorm.DB
}

// NewPoolsRepo builds a PoolsRepo backed by gorm.
func NewPoolsRepo(db *gorm.DB) PoolsRepo {
	return &poolsRepo{db: db}
}

func (r *poolsRepo) ListActiveByChain(ctx context.Context, id chain.ID) ([]models.Pool, error) {
	var rows []models.Pool
	stmt := `
		SELECT address, chain_id, active
		FROM pools
		WHERE chain_id = ? AND active = true;
	`
	if err := r.db.WithContext(ctx).Raw(stmt, uint64(id)).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
