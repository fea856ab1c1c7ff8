// Package mocks holds hand-written testify doubles for the orm
// repository interfaces, in the shape the //go:generate mockery comments
// in the parent package describe.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/finance"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/orm"
)

// PositionsRepo is a testify mock of orm.PositionsRepo.
type PositionsRepo struct {
	mock.Mock
}

func (r *PositionsRepo) ListActiveByChain(ctx context.Context, id chain.ID) ([]models.Position, error) {
	args := r.Called(ctx, id)
	rows, _ := args.Get(0).([]models.Position)
	return rows, args.Error(1)
}

func (r *PositionsRepo) GetByNFTID(ctx context.Context, id chain.ID, nftID string) (*models.Position, error) {
	args := r.Called(ctx, id, nftID)
	p, _ := args.Get(0).(*models.Position)
	return p, args.Error(1)
}

func (r *PositionsRepo) IsActive(ctx context.Context, id chain.ID, nftID string) (bool, error) {
	args := r.Called(ctx, id, nftID)
	return args.Bool(0), args.Error(1)
}

func (r *PositionsRepo) CountActiveByPool(ctx context.Context, id chain.ID, poolAddress string) (int64, error) {
	args := r.Called(ctx, id, poolAddress)
	return args.Get(0).(int64), args.Error(1)
}

// PoolsRepo is a testify mock of orm.PoolsRepo.
type PoolsRepo struct {
	mock.Mock
}

func (r *PoolsRepo) ListActiveByChain(ctx context.Context, id chain.ID) ([]models.Pool, error) {
	args := r.Called(ctx, id)
	rows, _ := args.Get(0).([]models.Pool)
	return rows, args.Error(1)
}

// SubscribersRepo is a testify mock of orm.SubscribersRepo.
type SubscribersRepo struct {
	mock.Mock
}

func (r *SubscribersRepo) ListActiveByChain(ctx context.Context, id chain.ID) ([]models.SubscriberRow, error) {
	args := r.Called(ctx, id)
	rows, _ := args.Get(0).([]models.SubscriberRow)
	return rows, args.Error(1)
}

func (r *SubscribersRepo) ListStale(ctx context.Context, now time.Time) ([]models.SubscriberRow, error) {
	args := r.Called(ctx, now)
	rows, _ := args.Get(0).([]models.SubscriberRow)
	return rows, args.Error(1)
}

func (r *SubscribersRepo) ListPrunable(ctx context.Context, now time.Time, pruneThreshold time.Duration) ([]models.SubscriberRow, error) {
	args := r.Called(ctx, now, pruneThreshold)
	rows, _ := args.Get(0).([]models.SubscriberRow)
	return rows, args.Error(1)
}

func (r *SubscribersRepo) Pause(ctx context.Context, id string, pausedAt time.Time) error {
	args := r.Called(ctx, id, pausedAt)
	return args.Error(0)
}

func (r *SubscribersRepo) Delete(ctx context.Context, id string) error {
	args := r.Called(ctx, id)
	return args.Error(0)
}

// UsersRepo is a testify mock of orm.UsersRepo.
type UsersRepo struct {
	mock.Mock
}

func (r *UsersRepo) Get(ctx context.Context, id string) (*orm.User, error) {
	args := r.Called(ctx, id)
	u, _ := args.Get(0).(*orm.User)
	return u, args.Error(1)
}

func (r *UsersRepo) ListWithActivePositions(ctx context.Context) ([]orm.User, error) {
	args := r.Called(ctx)
	users, _ := args.Get(0).([]orm.User)
	return users, args.Error(1)
}

// ContractsRepo is a testify mock of orm.ContractsRepo.
type ContractsRepo struct {
	mock.Mock
}

func (r *ContractsRepo) ListByChainAndKind(ctx context.Context, id chain.ID, kind string) ([]orm.SharedContract, error) {
	args := r.Called(ctx, id, kind)
	rows, _ := args.Get(0).([]orm.SharedContract)
	return rows, args.Error(1)
}

// BalancesRepo is a testify mock of orm.BalancesRepo.
type BalancesRepo struct {
	mock.Mock
}

func (r *BalancesRepo) Get(ctx context.Context, id chain.ID, wallet, token string) (*orm.TokenBalance, error) {
	args := r.Called(ctx, id, wallet, token)
	b, _ := args.Get(0).(*orm.TokenBalance)
	return b, args.Error(1)
}

func (r *BalancesRepo) Upsert(ctx context.Context, b orm.TokenBalance) error {
	args := r.Called(ctx, b)
	return args.Error(0)
}

// PositionStatesRepo is a testify mock of orm.PositionStatesRepo.
type PositionStatesRepo struct {
	mock.Mock
}

func (r *PositionStatesRepo) Upsert(ctx context.Context, s orm.PositionState) error {
	args := r.Called(ctx, s)
	return args.Error(0)
}

// JournalRepo is a testify mock of orm.JournalRepo.
type JournalRepo struct {
	mock.Mock
}

func (r *JournalRepo) ListEntriesByUser(ctx context.Context, userID string) ([]finance.JournalEntry, error) {
	args := r.Called(ctx, userID)
	entries, _ := args.Get(0).([]finance.JournalEntry)
	return entries, args.Error(1)
}

// SnapshotsRepo is a testify mock of orm.SnapshotsRepo.
type SnapshotsRepo struct {
	mock.Mock
}

func (r *SnapshotsRepo) Insert(ctx context.Context, s orm.NAVSnapshot) error {
	args := r.Called(ctx, s)
	return args.Error(0)
}
