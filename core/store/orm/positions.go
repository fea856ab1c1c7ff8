// Package orm holds the relational-store repositories the core consumes
// as opaque collaborators: raw SQL executed over gorm's *DB, no gorm
// struct tags or associations, explicit Scan handling.
package orm

import (
	"context"
	"database/sql"

	"gorm.io/gorm"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
)

//go:generate mockery --name PositionsRepo --output ./mocks/ --case=underscore

// PositionsRepo is the subset of position persistence the ingestion core
// needs: finding active positions to (re)subscribe to, and checking
// liveness during cleanup sweeps.
type PositionsRepo interface {
	ListActiveByChain(ctx context.Context, id chain.ID) ([]models.Position, error)
	GetByNFTID(ctx context.Context, id chain.ID, nftID string) (*models.Position, error)
	IsActive(ctx context.Context, id chain.ID, nftID string) (bool, error)
	CountActiveByPool(ctx context.Context, id chain.ID, poolAddress string) (int64, error)
}

type positionsRepo struct {
	db *gorm.DB
}

// NewPositionsRepo builds a PositionsRepo backed by gorm.
func NewPositionsRepo(db *gorm.DB) PositionsRepo {
	return &positionsRepo{db: db}
}

func (r *positionsRepo) ListActiveByChain(ctx context.Context, id chain.ID) ([]models.Position, error) {
	var rows []models.Position
	stmt := `
		SELECT nft_id, chain_id, pool_address, owner_user_id, active, cost_basis, quote_price_source_id
		FROM positions
		WHERE chain_id = ? AND active = true;
	`
	if err := r.db.WithContext(ctx).Raw(stmt, uint64(id)).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *positionsRepo) GetByNFTID(ctx context.Context, id chain.ID, nftID string) (*models.Position, error) {
	stmt := `
		SELECT nft_id, chain_id, pool_address, owner_user_id, active, cost_basis, quote_price_source_id
		FROM positions
		WHERE chain_id = ? AND nft_id = ?;
	`
	var p models.Position
	result := r.db.WithContext(ctx).Raw(stmt, uint64(id), nftID).Scan(&p)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, sql.ErrNoRows
	}
	return &p, nil
}

func (r *positionsRepo) IsActive(ctx context.Context, id chain.ID, nftID string) (bool, error) {
	p, err := r.GetByNFTID(ctx, id, nftID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Active, nil
}

func (r *positionsRepo) CountActiveByPool(ctx context.Context, id chain.ID, poolAddress string) (int64, error) {
	var count int64
	stmt := `
		SELECT COUNT(*)
		FROM positions
		WHERE chain_id = ? AND pool_address = ? AND active = true;
	`
	if err := r.db.WithContext(ctx).Raw(stmt, uint64(id), poolAddress).Scan(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
