// Package catchup implements the catch-up orchestrator: a reorg-safe,
// two-phase finalized/non-finalized replay of historical logs via
// windowed eth_getLogs calls, deduplicated and ordered before publish.
package catchup

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/blocktracker"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/bus"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/logger"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient"
)

// DefaultBatchSizeBlocks is the default eth_getLogs window width: the
// common provider cap for a single request.
const DefaultBatchSizeBlocks = 10000

// EnvelopeBuilder turns a raw log into a publishable (exchange, routingKey,
// body) triple, the same shape subscription.EnvelopeBuilder uses so a
// worker can share one builder between its live and catch-up paths. The
// chain id is passed in because one builder serves every configured chain.
type EnvelopeBuilder func(id chain.ID, log types.Log) (exchange, routingKey string, body []byte, err error)

// Options configures one orchestrator run against a single chain.
type Options struct {
	ChainID         chain.ID
	Client          rpcclient.Client
	Publisher       bus.Publisher
	Addresses       []common.Address
	Topics          [][]common.Hash
	BuildEnvelope   EnvelopeBuilder
	BatchSizeBlocks int

	// Tracker is only required for ScanFinalized, which advances the cached
	// last-block on success. It is already scoped to one
	// subsystem (see blocktracker.New).
	Tracker *blocktracker.Tracker
}

func (o Options) windowSize() uint64 {
	if o.BatchSizeBlocks <= 0 {
		return DefaultBatchSizeBlocks
	}
	return uint64(o.BatchSizeBlocks)
}

// Phase is one scan's result:
// {eventsFound, eventsPublished, fromBlock, toBlock, error?}.
type Phase struct {
	FromBlock       uint64
	ToBlock         uint64
	EventsFound     int
	EventsPublished int
	Err             error
}

type dedupKey struct {
	TxHash   common.Hash
	LogIndex uint
}

// ScanNonFinalized scans [from, to] but never advances the block tracker:
// reorgs are still possible in this range.
func ScanNonFinalized(ctx context.Context, opts Options, from, to uint64) Phase {
	return scan(ctx, opts, from, to)
}

// ScanFinalized scans [from, to] and advances the block tracker to `to` on
// full success (no window failures). Caller is expected
// to pass `to` as the finalized block F.
func ScanFinalized(ctx context.Context, opts Options, from, to uint64) Phase {
	phase := scan(ctx, opts, from, to)
	if phase.Err != nil {
		return phase
	}
	if opts.Tracker == nil {
		return phase
	}
	if err := opts.Tracker.Advance(ctx, opts.ChainID, to); err != nil {
		logger.Errorw("catchup: failed to advance block tracker", "chainId", opts.ChainID, "to", to, "err", err)
		phase.Err = errors.Wrap(err, "catchup: advance block tracker")
	}
	return phase
}

// FinalizedBlock returns the chain head C and the finalized block F that
// partitions it: the RPC's `finalized` tag if the chain exposes one,
// otherwise head minus the chain's static safety margin.
func FinalizedBlock(ctx context.Context, client rpcclient.Client, id chain.ID) (finalized, head uint64, err error) {
	head, err = client.BlockNumber(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "catchup: chain head")
	}

	if f, ok, ferr := client.FinalizedBlockNumber(ctx); ferr == nil && ok {
		return f, head, nil
	}

	info, err := chain.Lookup(id)
	if err != nil {
		return 0, 0, err
	}
	if head <= info.SafetyMargin {
		return 0, head, nil
	}
	return head - info.SafetyMargin, head, nil
}

// scan implements the shared algorithm both phases use: window the range,
// getLogs per window, dedup by (txHash, logIndex), sort by
// (blockNumber, logIndex), then publish in order.
func scan(ctx context.Context, opts Options, from, to uint64) Phase {
	phase := Phase{FromBlock: from, ToBlock: to}
	if from > to {
		return phase
	}

	seen := make(map[dedupKey]types.Log)
	window := opts.windowSize()

	for start := from; start <= to; start += window {
		end := start + window - 1
		if end > to {
			end = to
		}

		logs, err := opts.Client.GetLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: opts.Addresses,
			Topics:    opts.Topics,
		})
		if err != nil {
			logger.Warnw("catchup: window failed, continuing with subsequent windows", "chainId", opts.ChainID, "from", start, "to", end, "err", err)
			phase.Err = errors.Wrap(err, "catchup: getLogs window")
			continue
		}

		for _, l := range logs {
			if l.Removed {
				continue
			}
			seen[dedupKey{TxHash: l.TxHash, LogIndex: l.Index}] = l
		}

		if end == to {
			break
		}
	}

	ordered := make([]types.Log, 0, len(seen))
	for _, l := range seen {
		ordered = append(ordered, l)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].BlockNumber != ordered[j].BlockNumber {
			return ordered[i].BlockNumber < ordered[j].BlockNumber
		}
		return ordered[i].Index < ordered[j].Index
	})

	phase.EventsFound = len(ordered)

	for _, l := range ordered {
		exchange, routingKey, body, err := opts.BuildEnvelope(opts.ChainID, l)
		if err != nil {
			logger.Errorw("catchup: failed to build envelope", "chainId", opts.ChainID, "err", err)
			continue
		}
		if err := opts.Publisher.Publish(exchange, routingKey, body); err != nil {
			logger.Errorw("catchup: publish failed", "chainId", opts.ChainID, "exchange", exchange, "routingKey", routingKey, "err", err)
			continue
		}
		phase.EventsPublished++
	}

	return phase
}
