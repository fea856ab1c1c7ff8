// Package mocks holds a testify double for rpcclient.Client, in the
// shape the //go:generate mockery comments elsewhere in the tree produce.
package mocks

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/mock"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient"
)

// Client is a testify mock of rpcclient.Client.
type Client struct {
	mock.Mock
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	args := c.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (c *Client) FinalizedBlockNumber(ctx context.Context) (uint64, bool, error) {
	args := c.Called(ctx)
	return args.Get(0).(uint64), args.Get(1).(bool), args.Error(2)
}

func (c *Client) GetLogs(ctx context.Context, filter ethereum.FilterQuery) ([]types.Log, error) {
	args := c.Called(ctx, filter)
	logs, _ := args.Get(0).([]types.Log)
	return logs, args.Error(1)
}

func (c *Client) Multicall(ctx context.Context, calls []rpcclient.Call, allowFailure bool) ([]rpcclient.CallResult, error) {
	args := c.Called(ctx, calls, allowFailure)
	results, _ := args.Get(0).([]rpcclient.CallResult)
	return results, args.Error(1)
}

func (c *Client) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	args := c.Called(ctx, hash)
	receipt, _ := args.Get(0).(*types.Receipt)
	return receipt, args.Error(1)
}

func (c *Client) SubscribeEvents(ctx context.Context, filter ethereum.FilterQuery, onLog func(types.Log), onErr func(error)) (rpcclient.Subscription, error) {
	args := c.Called(ctx, filter, onLog, onErr)
	sub, _ := args.Get(0).(rpcclient.Subscription)
	return sub, args.Error(1)
}

// Subscription is a testify mock of rpcclient.Subscription.
type Subscription struct {
	mock.Mock
	ErrCh chan error
}

func NewSubscription() *Subscription {
	return &Subscription{ErrCh: make(chan error, 1)}
}

func (s *Subscription) Unsubscribe() { s.Called() }
func (s *Subscription) Err() <-chan error {
	return s.ErrCh
}
