package worker

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"

	busmocks "github.com/0xNedAlbo/midcurve-finance-sub000/core/bus/mocks"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient"
	ormmocks "github.com/0xNedAlbo/midcurve-finance-sub000/core/store/orm/mocks"
	rpcmocks "github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient/mocks"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/orm"
)

const (
	testWallet = "0x4444444444444444444444444444444444444444"
	testToken  = "0x5555555555555555555555555555555555555555"
)

func balanceWord(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

func newPollerFixture(t *testing.T) (*BalancePollWorker, *rpcmocks.Client, *busmocks.Publisher, *ormmocks.BalancesRepo) {
	t.Helper()
	cl := new(rpcmocks.Client)
	pub := new(busmocks.Publisher)
	subscribers := new(ormmocks.SubscribersRepo)
	contracts := new(ormmocks.ContractsRepo)
	balances := new(ormmocks.BalancesRepo)

	subscribers.On("ListActiveByChain", mock.Anything, chain.Ethereum).Return([]models.SubscriberRow{
		{ID: "sub-1", ChainID: chain.Ethereum, WalletAddress: testWallet, State: models.SubscriberActive},
		// Second row on the same wallet: the read must be deduplicated.
		{ID: "sub-2", ChainID: chain.Ethereum, WalletAddress: testWallet, State: models.SubscriberActive},
	}, nil)
	contracts.On("ListByChainAndKind", mock.Anything, chain.Ethereum, "erc20").Return([]orm.SharedContract{
		{Address: testToken, ChainID: chain.Ethereum, Kind: "erc20"},
	}, nil)

	appCtx := newTestAppCtx(cl, pub)
	appCtx.Subscribers = subscribers
	appCtx.Contracts = contracts
	appCtx.Balances = balances

	return NewBalancePollWorker(appCtx, time.Minute), cl, pub, balances
}

// Two subscriber rows on one wallet share a single balanceOf read, and a
// fresh value is persisted and published.
func TestBalancePoll_DedupsAndPersistsChange(t *testing.T) {
	w, cl, pub, balances := newPollerFixture(t)

	cl.On("Multicall", mock.Anything, mock.MatchedBy(func(calls []rpcclient.Call) bool {
		return len(calls) == 1
	}), true).Return([]rpcclient.CallResult{
		{Success: true, ReturnData: balanceWord(1000)},
	}, nil)

	balances.On("Get", mock.Anything, chain.Ethereum, mock.Anything, mock.Anything).Return(nil, nil)
	balances.On("Upsert", mock.Anything, mock.MatchedBy(func(b orm.TokenBalance) bool {
		return b.Balance == "1000" && !b.PrevBalance.Valid
	})).Return(nil)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	w.PollOnce(context.Background())

	balances.AssertNumberOfCalls(t, "Upsert", 1)
	pub.AssertNumberOfCalls(t, "Publish", 1)
}

// An unchanged balance writes nothing.
func TestBalancePoll_SkipsUnchangedValue(t *testing.T) {
	w, cl, pub, balances := newPollerFixture(t)

	cl.On("Multicall", mock.Anything, mock.Anything, true).Return([]rpcclient.CallResult{
		{Success: true, ReturnData: balanceWord(1000)},
	}, nil)

	prev := &orm.TokenBalance{ChainID: chain.Ethereum, Wallet: testWallet, Token: testToken, Balance: "1000"}
	balances.On("Get", mock.Anything, chain.Ethereum, mock.Anything, mock.Anything).Return(prev, nil)

	w.PollOnce(context.Background())

	balances.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}
