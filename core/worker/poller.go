package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/guregu/null.v4"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/bus"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/domainevents"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/logger"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/orm"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/utils"
)

var balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// balanceMulticallWindow caps how many balanceOf reads share one
// aggregate3 call.
const balanceMulticallWindow = 128

const contractKindERC20 = "erc20"

// balanceRead identifies one deduplicated on-chain read; every entity
// wanting the same (token, wallet) balance shares one slot in the batch.
type balanceRead struct {
	Token  string
	Wallet string
}

func (r balanceRead) call() rpcclient.Call {
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(r.Wallet).Bytes(), 32)...)
	return rpcclient.Call{Target: common.HexToAddress(r.Token), CallData: data}
}

// BalancePollWorker polls ERC-20 balances for every active subscriber
// wallet via multicall, persisting a row only when the observed value
// changed and publishing a balance-changed event alongside the write.
type BalancePollWorker struct {
	utils.StartStopOnce

	appCtx   *AppContext
	interval time.Duration

	mu      sync.Mutex
	lastErr error

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBalancePollWorker builds the balance poller; interval zero means one
// sweep per minute.
func NewBalancePollWorker(appCtx *AppContext, interval time.Duration) *BalancePollWorker {
	if interval == 0 {
		interval = time.Minute
	}
	return &BalancePollWorker{appCtx: appCtx, interval: interval}
}

func (w *BalancePollWorker) Name() string { return "balance-poll" }

func (w *BalancePollWorker) Start(ctx context.Context) error {
	return w.StartOnce(w.Name(), func() error {
		w.stopCh = make(chan struct{})
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			ticker := time.NewTicker(w.interval)
			defer ticker.Stop()
			for {
				select {
				case <-w.stopCh:
					return
				case <-ticker.C:
					w.PollOnce(context.Background())
				}
			}
		}()
		logger.Infow("worker: started", "worker", w.Name())
		return nil
	})
}

func (w *BalancePollWorker) Stop() error {
	return w.StopOnce(w.Name(), func() error {
		if w.stopCh != nil {
			close(w.stopCh)
		}
		w.wg.Wait()
		logger.Infow("worker: stopped", "worker", w.Name())
		return nil
	})
}

func (w *BalancePollWorker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Name: w.Name(), Running: w.State() == utils.StartStopOnceStarted}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// PollOnce runs one full sweep across every configured chain.
func (w *BalancePollWorker) PollOnce(ctx context.Context) {
	for _, chainID := range w.appCtx.ConfiguredChains() {
		if err := w.pollChain(ctx, chainID); err != nil {
			w.mu.Lock()
			w.lastErr = err
			w.mu.Unlock()
			logger.Warnw("worker: balance sweep failed", "chainId", chainID, "err", err)
		}
	}
}

func (w *BalancePollWorker) pollChain(ctx context.Context, chainID chain.ID) error {
	client, ok := w.appCtx.Client(chainID)
	if !ok {
		return nil
	}

	subscribers, err := w.appCtx.Subscribers.ListActiveByChain(ctx, chainID)
	if err != nil {
		return err
	}
	tokens, err := w.appCtx.Contracts.ListByChainAndKind(ctx, chainID, contractKindERC20)
	if err != nil {
		return err
	}
	if len(subscribers) == 0 || len(tokens) == 0 {
		return nil
	}

	// Deduplicate: two subscriber rows on the same wallet share one read.
	reads := make([]balanceRead, 0, len(subscribers)*len(tokens))
	seen := make(map[balanceRead]bool)
	for _, sub := range subscribers {
		wallet := strings.ToLower(sub.WalletAddress)
		for _, tok := range tokens {
			r := balanceRead{Token: strings.ToLower(tok.Address), Wallet: wallet}
			if seen[r] {
				continue
			}
			seen[r] = true
			reads = append(reads, r)
		}
	}

	results := make(map[balanceRead]string, len(reads))
	for start := 0; start < len(reads); start += balanceMulticallWindow {
		end := start + balanceMulticallWindow
		if end > len(reads) {
			end = len(reads)
		}
		window := reads[start:end]
		calls := make([]rpcclient.Call, len(window))
		for i, r := range window {
			calls[i] = r.call()
		}
		out, err := client.Multicall(ctx, calls, true)
		if err != nil {
			return err
		}
		for i, res := range out {
			if !res.Success || len(res.ReturnData) < 32 {
				continue
			}
			results[window[i]] = new(big.Int).SetBytes(res.ReturnData[:32]).String()
		}
	}

	now := time.Now().UTC()
	for read, balance := range results {
		prev, err := w.appCtx.Balances.Get(ctx, chainID, read.Wallet, read.Token)
		if err != nil {
			logger.Warnw("worker: balance lookup failed", "chainId", chainID, "wallet", read.Wallet, "token", read.Token, "err", err)
			continue
		}
		if prev != nil && prev.Balance == balance {
			continue
		}

		row := orm.TokenBalance{
			ChainID:    chainID,
			Wallet:     read.Wallet,
			Token:      read.Token,
			Balance:    balance,
			ObservedAt: now,
		}
		if prev != nil {
			row.PrevBalance = null.StringFrom(prev.Balance)
		}
		if err := w.appCtx.Balances.Upsert(ctx, row); err != nil {
			logger.Warnw("worker: balance persist failed", "chainId", chainID, "wallet", read.Wallet, "token", read.Token, "err", err)
			continue
		}
		w.publishBalanceChanged(chainID, read, balance, now)
	}
	return nil
}

func (w *BalancePollWorker) publishBalanceChanged(chainID chain.ID, read balanceRead, balance string, now time.Time) {
	payload, err := json.Marshal(map[string]string{
		"token":   read.Token,
		"balance": balance,
	})
	if err != nil {
		return
	}
	env := domainevents.Envelope{
		Type:       "wallet.balance.changed",
		ChainID:    chainID,
		EntityID:   read.Wallet,
		EntityType: "wallet",
		Payload:    payload,
		Source:     "balance-poll",
		ReceivedAt: now,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return
	}
	key := fmt.Sprintf("wallet.balance.%d.%s", uint64(chainID), read.Wallet)
	if err := w.appCtx.Bus.Publish(bus.ExchangeDomainEvents, key, body); err != nil {
		logger.Warnw("worker: balance-changed publish failed", "chainId", chainID, "wallet", read.Wallet, "err", err)
	}
}
