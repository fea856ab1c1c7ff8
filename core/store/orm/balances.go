package orm

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gopkg.in/guregu/null.v4"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
)

//go:generate mockery --name BalancesRepo --output ./mocks/ --case=underscore

// TokenBalance is one wallet's last observed balance of one token, kept so
// the balance poller only writes rows whose value actually changed.
type TokenBalance struct {
	ChainID      chain.ID
	Wallet       string
	Token        string
	Balance      string
	PrevBalance  null.String
	ObservedAt   time.Time
}

// BalancesRepo persists observed ERC-20 balances for subscriber wallets.
type BalancesRepo interface {
	Get(ctx context.Context, id chain.ID, wallet, token string) (*TokenBalance, error)
	Upsert(ctx context.Context, b TokenBalance) error
}

type balancesRepo struct {
	db *gorm.DB
}

// NewBalancesRepo builds a BalancesRepo backed by gorm.
func NewBalancesRepo(db *gorm.DB) BalancesRepo {
	return &balancesRepo{db: db}
}

func (r *balancesRepo) Get(ctx context.Context, id chain.ID, wallet, token string) (*TokenBalance, error) {
	var b TokenBalance
	stmt := `
		SELECT chain_id, wallet, token, balance, prev_balance, observed_at
		FROM token_balances
		WHERE chain_id = ? AND wallet = ? AND token = ?;
	`
	result := r.db.WithContext(ctx).Raw(stmt, uint64(id), wallet, token).Scan(&b)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &b, nil
}

func (r *balancesRepo) Upsert(ctx context.Context, b TokenBalance) error {
	stmt := `
		INSERT INTO token_balances (chain_id, wallet, token, balance, prev_balance, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, wallet, token)
		DO UPDATE SET balance = EXCLUDED.balance, prev_balance = EXCLUDED.prev_balance, observed_at = EXCLUDED.observed_at;
	`
	return r.db.WithContext(ctx).Exec(stmt, uint64(b.ChainID), b.Wallet, b.Token, b.Balance, b.PrevBalance, b.ObservedAt).Error
}
