package orm

import (
	"context"

	"gorm.io/gorm"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
)

//go:generate mockery --name ContractsRepo --output ./mocks/ --case=underscore

// SharedContract is a platform-wide contract address the close-order and
// NFPM-transfer workers subscribe to once per chain (e.g. the NFPM, or a
// closer/automation contract), as opposed to the per-entity pool/NFT
// addresses tracked elsewhere.
type SharedContract struct {
	Address string
	ChainID chain.ID
	Kind    string // e.g. "nfpm", "closer"
}

// ContractsRepo backs lookups of these platform-wide contract addresses.
type ContractsRepo interface {
	ListByChainAndKind(ctx context.Context, id chain.ID, kind string) ([]SharedContract, error)
}

type contractsRepo struct {
	db *gorm.DB
}

// NewContractsRepo builds a ContractsRepo backed by gorm.
func NewContractsRepo(db *gorm.DB) ContractsRepo {
	return &contractsRepo{db: db}
}

func (r *contractsRepo) ListByChainAndKind(ctx context.Context, id chain.ID, kind string) ([]SharedContract, error) {
	var rows []SharedContract
	stmt := `
		SELECT address, chain_id, kind
		FROM shared_contracts
		WHERE chain_id = ? AND kind = ?;
	`
	if err := r.db.WithContext(ctx).Raw(stmt, uint64(id), kind).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
