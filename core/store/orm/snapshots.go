package orm

import (
	"context"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/finance"
)

//go:generate mockery --name PositionStatesRepo --output ./mocks/ --case=underscore
//go:generate mockery --name JournalRepo --output ./mocks/ --case=underscore
//go:generate mockery --name SnapshotsRepo --output ./mocks/ --case=underscore

// PositionState is one position's refreshed valuation, written by the
// daily reconciliation pipeline.
type PositionState struct {
	ChainID       chain.ID
	NFTID         string
	CurrentValue  string
	UnrealizedPnl string
	UnclaimedFees string
	RefreshedAt   time.Time
}

// PositionStatesRepo persists refreshed position valuations.
type PositionStatesRepo interface {
	Upsert(ctx context.Context, s PositionState) error
}

type positionStatesRepo struct {
	db *gorm.DB
}

// NewPositionStatesRepo builds a PositionStatesRepo backed by gorm.
func NewPositionStatesRepo(db *gorm.DB) PositionStatesRepo {
	return &positionStatesRepo{db: db}
}

func (r *positionStatesRepo) Upsert(ctx context.Context, s PositionState) error {
	stmt := `
		INSERT INTO position_states (chain_id, nft_id, current_value, unrealized_pnl, unclaimed_fees, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, nft_id)
		DO UPDATE SET current_value = EXCLUDED.current_value, unrealized_pnl = EXCLUDED.unrealized_pnl,
			unclaimed_fees = EXCLUDED.unclaimed_fees, refreshed_at = EXCLUDED.refreshed_at;
	`
	return r.db.WithContext(ctx).Exec(stmt, uint64(s.ChainID), s.NFTID, s.CurrentValue, s.UnrealizedPnl, s.UnclaimedFees, s.RefreshedAt).Error
}

// JournalRepo reads a user's double-entry journal lines for cumulative
// balance aggregation.
type JournalRepo interface {
	ListEntriesByUser(ctx context.Context, userID string) ([]finance.JournalEntry, error)
}

type journalRepo struct {
	db *gorm.DB
}

// NewJournalRepo builds a JournalRepo backed by gorm.
func NewJournalRepo(db *gorm.DB) JournalRepo {
	return &journalRepo{db: db}
}

func (r *journalRepo) ListEntriesByUser(ctx context.Context, userID string) ([]finance.JournalEntry, error) {
	type row struct {
		AccountCode string
		Amount      string
	}
	var rows []row
	stmt := `
		SELECT account_code, amount
		FROM journal_entries
		WHERE user_id = ?;
	`
	if err := r.db.WithContext(ctx).Raw(stmt, userID).Scan(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]finance.JournalEntry, 0, len(rows))
	for _, rw := range rows {
		amount, err := decimal.NewFromString(rw.Amount)
		if err != nil {
			return nil, err
		}
		entries = append(entries, finance.JournalEntry{AccountCode: rw.AccountCode, Amount: amount})
	}
	return entries, nil
}

// NAVSnapshot is one user's daily net-asset-value row.
type NAVSnapshot struct {
	ID                string
	UserID            string
	Currency          string
	TotalValue        string
	TotalPnl          string
	TotalFees         string
	AccountBalancesJS string // serialized account-code balance map
	CreatedAt         time.Time
}

// SnapshotsRepo persists the daily NAV snapshot rows.
type SnapshotsRepo interface {
	Insert(ctx context.Context, s NAVSnapshot) error
}

type snapshotsRepo struct {
	db *gorm.DB
}

// NewSnapshotsRepo builds a SnapshotsRepo backed by gorm.
func NewSnapshotsRepo(db *gorm.DB) SnapshotsRepo {
	return &snapshotsRepo{db: db}
}

// NewSnapshotID mints a snapshot row id.
func NewSnapshotID() string {
	return uuid.NewV4().String()
}

func (r *snapshotsRepo) Insert(ctx context.Context, s NAVSnapshot) error {
	stmt := `
		INSERT INTO nav_snapshots (id, user_id, currency, total_value, total_pnl, total_fees, account_balances, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`
	return r.db.WithContext(ctx).Exec(stmt, s.ID, s.UserID, s.Currency, s.TotalValue, s.TotalPnl, s.TotalFees, s.AccountBalancesJS, s.CreatedAt).Error
}
