// Package rpcclient defines the typed chain RPC surface the rest of the
// core depends on, implemented over go-ethereum's ethclient.
package rpcclient

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
)

// Call is one read in a Multicall batch.
type Call struct {
	Target   common.Address
	CallData []byte
}

// CallResult is one read's outcome, matching Multicall3's
// allowFailure=true per-call {success, returnData} tuple.
type CallResult struct {
	Success    bool
	ReturnData []byte
}

// Subscription is a live log-stream handle; Unsubscribe tears it down.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// Client is the narrow chain-RPC surface the core depends on.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FinalizedBlockNumber(ctx context.Context) (uint64, bool, error)
	GetLogs(ctx context.Context, filter ethereum.FilterQuery) ([]types.Log, error)
	Multicall(ctx context.Context, calls []Call, allowFailure bool) ([]CallResult, error)
	GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	SubscribeEvents(ctx context.Context, filter ethereum.FilterQuery, onLog func(types.Log), onErr func(error)) (Subscription, error)
}

// Multicall3Address is the canonical cross-chain deployment address of
// Multicall3, used by the multicall-based pollers
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

const multicall3AggregateABI = `[{"inputs":[{"components":[{"internalType":"address","name":"target","type":"address"},{"internalType":"bool","name":"allowFailure","type":"bool"},{"internalType":"bytes","name":"callData","type":"bytes"}],"internalType":"struct Multicall3.Call3[]","name":"calls","type":"tuple[]"}],"name":"aggregate3","outputs":[{"components":[{"internalType":"bool","name":"success","type":"bool"},{"internalType":"bytes","name":"returnData","type":"bytes"}],"internalType":"struct Multicall3.Result[]","name":"returnData","type":"tuple[]"}],"stateMutability":"payable","type":"function"}]`

type client struct {
	eth          *ethclient.Client
	rpc          *rpc.Client
	multicallABI abi.ABI
}

// Dial connects to a chain's websocket RPC endpoint.
func Dial(ctx context.Context, url string) (Client, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "rpcclient: dial")
	}
	parsedABI, err := abi.JSON(strings.NewReader(multicall3AggregateABI))
	if err != nil {
		return nil, errors.Wrap(err, "rpcclient: parse multicall3 abi")
	}
	return &client{
		eth:          ethclient.NewClient(rc),
		rpc:          rc,
		multicallABI: parsedABI,
	}, nil
}

func (c *client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	return n, errors.Wrap(err, "rpcclient: BlockNumber")
}

// FinalizedBlockNumber returns the chain's `finalized` tagged block if the
// RPC supports it; ok=false tells the caller to fall back to
// chain.Info.SafetyMargin.
func (c *client) FinalizedBlockNumber(ctx context.Context) (uint64, bool, error) {
	var raw struct {
		Number *hexUint64 `json:"number"`
	}
	if err := c.rpc.CallContext(ctx, &raw, "eth_getBlockByNumber", "finalized", false); err != nil {
		return 0, false, nil // treat as "not supported" rather than fatal
	}
	if raw.Number == nil {
		return 0, false, nil
	}
	return uint64(*raw.Number), true, nil
}

func (c *client) GetLogs(ctx context.Context, filter ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.eth.FilterLogs(ctx, filter)
	return logs, errors.Wrap(err, "rpcclient: GetLogs")
}

func (c *client) Multicall(ctx context.Context, calls []Call, allowFailure bool) ([]CallResult, error) {
	type call3 struct {
		Target       common.Address
		AllowFailure bool
		CallData     []byte
	}
	input := make([]call3, len(calls))
	for i, cl := range calls {
		input[i] = call3{Target: cl.Target, AllowFailure: allowFailure, CallData: cl.CallData}
	}

	data, err := c.multicallABI.Pack("aggregate3", input)
	if err != nil {
		return nil, errors.Wrap(err, "rpcclient: pack aggregate3")
	}

	msg := ethereum.CallMsg{To: &Multicall3Address, Data: data}
	out, err := c.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, errors.Wrap(err, "rpcclient: aggregate3 call")
	}

	unpacked, err := c.multicallABI.Unpack("aggregate3", out)
	if err != nil {
		return nil, errors.Wrap(err, "rpcclient: unpack aggregate3")
	}
	if len(unpacked) != 1 {
		return nil, errors.New("rpcclient: unexpected aggregate3 return shape")
	}

	raw, ok := unpacked[0].([]struct {
		Success    bool
		ReturnData []byte
	})
	if !ok {
		return nil, errors.New("rpcclient: unexpected aggregate3 return type")
	}

	results := make([]CallResult, len(raw))
	for i, r := range raw {
		results[i] = CallResult{Success: r.Success, ReturnData: r.ReturnData}
	}
	return results, nil
}

func (c *client) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	r, err := c.eth.TransactionReceipt(ctx, hash)
	return r, errors.Wrap(err, "rpcclient: GetTransactionReceipt")
}

type subscription struct {
	sub ethereum.Subscription
}

func (s *subscription) Unsubscribe()        { s.sub.Unsubscribe() }
func (s *subscription) Err() <-chan error   { return s.sub.Err() }

func (c *client) SubscribeEvents(ctx context.Context, filter ethereum.FilterQuery, onLog func(types.Log), onErr func(error)) (Subscription, error) {
	ch := make(chan types.Log)
	sub, err := c.eth.SubscribeFilterLogs(ctx, filter, ch)
	if err != nil {
		return nil, errors.Wrap(err, "rpcclient: SubscribeEvents")
	}

	go func() {
		for {
			select {
			case l, ok := <-ch:
				if !ok {
					return
				}
				onLog(l)
			case err, ok := <-sub.Err():
				if !ok {
					return
				}
				onErr(err)
				return
			}
		}
	}()

	return &subscription{sub: sub}, nil
}

type hexUint64 uint64

func (h *hexUint64) UnmarshalJSON(data []byte) error {
	n := new(big.Int)
	s := string(data)
	s = trimQuotes(s)
	if _, ok := n.SetString(trimHexPrefix(s), 16); !ok {
		return errors.Errorf("rpcclient: invalid hex quantity %q", s)
	}
	*h = hexUint64(n.Uint64())
	return nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
