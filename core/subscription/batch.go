// Package subscription implements the subscription batch engine: up to
// MaxPerBatch filtered member keys per chain, multiplexed onto one live
// streaming connection, with global or per-member buffering during
// catch-up windows.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/tevino/abool"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/bus"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/logger"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/models"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/utils"
)

// MaxPerBatch is the hard per-connection filter-cardinality cap
// (MAX_POOLS_PER_CONNECTION is the configurable ceiling, never above
// this).
const MaxPerBatch = 1000

// ConnState mirrors the SubscriptionBatch connectionState enum.
type ConnState int

const (
	Idle ConnState = iota
	Connecting
	Connected
	Reconnecting
	Stopped
)

func (s ConnState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Mode mirrors the mode enum.
type Mode int

const (
	Normal Mode = iota
	Buffering
)

// ErrCapacityExceeded is returned by AddMember when the batch is full.
var ErrCapacityExceeded = errors.New("subscription: capacity exceeded")

// BufferedEvent pairs an envelope with where to publish it once released.
type BufferedEvent struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

// EnvelopeBuilder turns a raw log plus the member it matched into a
// publishable (exchange, routingKey, body) triple. Each concrete worker
// (position-liquidity, pool-price, nfpm-transfer, close-order) supplies its
// own, matching the exchange/routing-key conventions.
type EnvelopeBuilder func(log types.Log, member models.MemberMeta) (exchange, routingKey string, body []byte, err error)

// KeyFromLog extracts the MemberKey a log belongs to (address-keyed or
// id-keyed.1).
type KeyFromLog func(log types.Log) (models.MemberKey, error)

// FilterBuilder derives the (addresses, topics) FilterQuery components from
// the current member set.
type FilterBuilder func(members map[string]models.MemberMeta) (addresses []common.Address, topics [][]common.Hash)

// Options configures a Batch's domain-specific behaviour.
type Options struct {
	ChainID               chain.ID
	EndpointURL           string
	BatchIndex            int
	Client                rpcclient.Client
	Publisher             bus.Publisher
	BuildFilter           FilterBuilder
	KeyFromLog            KeyFromLog
	BuildEnvelope         EnvelopeBuilder
	MaxReconnectAttempts  int
	ReconnectBaseDelay    time.Duration

	// Members seeds the initial membership without triggering the
	// start/reconnect side effects AddMember has on a live batch.
	Members []models.MemberMeta
}

// Batch holds up to MaxPerBatch filter keys for one chain and delivers
// their events to the message bus or to a buffer.
type Batch struct {
	chainID     chain.ID
	endpointURL string
	batchIndex  int

	client    rpcclient.Client
	publisher bus.Publisher

	buildFilter   FilterBuilder
	keyFromLog    KeyFromLog
	buildEnvelope EnvelopeBuilder

	mu      sync.Mutex
	members map[string]models.MemberMeta

	connected *abool.AtomicBool
	state     ConnState

	mode             Mode
	globalBuffer     []BufferedEvent
	bufferingMembers map[string]bool
	memberQueues     map[string][]BufferedEvent

	onBlockObserved func(chain.ID, uint64)

	backoff *utils.LinearBackoff

	sub    rpcclient.Subscription
	cancel context.CancelFunc
}

// NewBatch constructs an idle Batch.
func NewBatch(opts Options) *Batch {
	maxAttempts := opts.MaxReconnectAttempts
	if maxAttempts == 0 {
		maxAttempts = 10
	}
	baseDelay := opts.ReconnectBaseDelay
	if baseDelay == 0 {
		baseDelay = time.Second
	}

	members := make(map[string]models.MemberMeta, len(opts.Members))
	for _, m := range opts.Members {
		if len(members) >= MaxPerBatch {
			break
		}
		members[keyString(m.Key)] = m
	}

	return &Batch{
		chainID:          opts.ChainID,
		endpointURL:      opts.EndpointURL,
		batchIndex:       opts.BatchIndex,
		client:           opts.Client,
		publisher:        opts.Publisher,
		buildFilter:      opts.BuildFilter,
		keyFromLog:       opts.KeyFromLog,
		buildEnvelope:    opts.BuildEnvelope,
		members:          members,
		connected:        abool.New(),
		state:            Idle,
		mode:             Normal,
		bufferingMembers: make(map[string]bool),
		memberQueues:     make(map[string][]BufferedEvent),
		backoff:          utils.NewLinearBackoff(baseDelay, maxAttempts),
	}
}

func keyString(k models.MemberKey) string {
	return string(k.Kind) + ":" + k.Value
}

// ChainID, EndpointURL, BatchIndex are immutable accessors.
func (b *Batch) ChainID() chain.ID      { return b.chainID }
func (b *Batch) EndpointURL() string    { return b.endpointURL }
func (b *Batch) BatchIndex() int        { return b.batchIndex }
func (b *Batch) State() ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
func (b *Batch) IsConnected() bool { return b.connected.IsSet() }

// MemberCount returns the current membership size.
func (b *Batch) MemberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.members)
}

// HasCapacity reports whether another member can be added.
func (b *Batch) HasCapacity() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.members) < MaxPerBatch
}

// Members returns a snapshot copy of the current membership. Used by the
// worker shell to rebuild a catch-up filter from a batch's live
// membership.
func (b *Batch) Members() map[string]models.MemberMeta {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]models.MemberMeta, len(b.members))
	for k, v := range b.members {
		out[k] = v
	}
	return out
}

// HasMember reports whether k is currently a member.
func (b *Batch) HasMember(k models.MemberKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.members[keyString(k)]
	return ok
}

// SetBlockObserver replaces the block-observed callback (nil disables it).
func (b *Batch) SetBlockObserver(cb func(chain.ID, uint64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onBlockObserved = cb
}

// Start transitions Idle/Stopped -> Connecting -> Connected and subscribes
// to the current member filter. Unlike a whole-service
// StartStopOnce, a Batch cycles through Start/Stop repeatedly as its
// membership drains to zero and refills, so Start is a plain idempotent
// no-op when already running rather than a one-shot.
func (b *Batch) Start() error {
	b.mu.Lock()
	if b.state == Connected || b.state == Connecting || b.state == Reconnecting {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return b.connect()
}

// Stop cancels the stream and transitions to Stopped. Idempotent.
func (b *Batch) Stop() error {
	b.mu.Lock()
	if b.state == Stopped {
		b.mu.Unlock()
		return nil
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.sub != nil {
		b.sub.Unsubscribe()
		b.sub = nil
	}
	b.state = Stopped
	b.mu.Unlock()
	b.connected.UnSet()
	return nil
}

func (b *Batch) connect() error {
	b.mu.Lock()
	b.state = Connecting
	addresses, topics := b.buildFilter(b.members)
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())

	filter := ethereum.FilterQuery{Addresses: addresses, Topics: topics}
	sub, err := b.client.SubscribeEvents(ctx, filter, b.onLog, func(err error) { b.onStreamError(err) })
	if err != nil {
		cancel()
		b.mu.Lock()
		b.state = Idle
		b.mu.Unlock()
		return errors.Wrap(err, "subscription: start")
	}

	b.mu.Lock()
	b.sub = sub
	b.cancel = cancel
	b.state = Connected
	b.mu.Unlock()
	b.connected.Set()
	b.backoff.Reset()

	return nil
}

// reconnect tears down and re-establishes the stream with the latest
// filter; intentional (membership-change) reconnects skip backoff.
func (b *Batch) reconnect(intentional bool) {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	if b.sub != nil {
		b.sub.Unsubscribe()
		b.sub = nil
	}
	b.state = Reconnecting
	b.mu.Unlock()
	b.connected.UnSet()
	promReconnects.WithLabelValues(b.chainID.String(), boolLabel(intentional)).Inc()

	if !intentional {
		delay, exhausted := b.backoff.Next()
		if exhausted {
			logger.Errorw("subscription: max reconnect attempts reached, giving up", "chainId", b.chainID, "batchIndex", b.batchIndex)
			b.mu.Lock()
			b.state = Stopped
			b.mu.Unlock()
			return
		}
		time.Sleep(delay)
	}

	if err := b.connect(); err != nil {
		logger.Warnw("subscription: reconnect failed", "chainId", b.chainID, "batchIndex", b.batchIndex, "err", err)
	}
}

func (b *Batch) onStreamError(err error) {
	logger.Warnw("subscription: stream error, reconnecting", "chainId", b.chainID, "batchIndex", b.batchIndex, "err", err)
	go b.reconnect(false)
}

// onLog implements the log-handling algorithm.
func (b *Batch) onLog(log types.Log) {
	if log.Removed {
		return
	}

	if log.BlockNumber != 0 {
		b.mu.Lock()
		cb := b.onBlockObserved
		b.mu.Unlock()
		if cb != nil {
			go cb(b.chainID, log.BlockNumber)
		}
	}

	key, err := b.keyFromLog(log)
	if err != nil {
		logger.Warnw("subscription: could not parse member key from log", "err", err)
		return
	}

	b.mu.Lock()
	member, ok := b.members[keyString(key)]
	if !ok {
		b.mu.Unlock()
		return
	}
	mode := b.mode
	buffering := b.bufferingMembers[keyString(key)]
	b.mu.Unlock()

	exchange, routingKey, body, err := b.buildEnvelope(log, member)
	if err != nil {
		logger.Errorw("subscription: failed to build envelope", "err", err)
		return
	}
	event := BufferedEvent{Exchange: exchange, RoutingKey: routingKey, Body: body}

	switch {
	case mode == Buffering:
		b.mu.Lock()
		b.globalBuffer = append(b.globalBuffer, event)
		b.mu.Unlock()
		promEventsBuffered.WithLabelValues(b.chainID.String()).Inc()
	case buffering:
		b.mu.Lock()
		b.memberQueues[keyString(key)] = append(b.memberQueues[keyString(key)], event)
		b.mu.Unlock()
		promEventsBuffered.WithLabelValues(b.chainID.String()).Inc()
	default:
		b.publish(event)
	}
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func (b *Batch) publish(e BufferedEvent) {
	if err := b.publisher.Publish(e.Exchange, e.RoutingKey, e.Body); err != nil {
		logger.Errorw("subscription: publish failed", "exchange", e.Exchange, "routingKey", e.RoutingKey, "err", err)
		return
	}
	promEventsPublished.WithLabelValues(b.chainID.String()).Inc()
}

// AddMember grows membership; triggers reconnect() if running, or start()
// if this is the first member of a stopped batch.
func (b *Batch) AddMember(m models.MemberMeta) error {
	b.mu.Lock()
	if len(b.members) >= MaxPerBatch {
		b.mu.Unlock()
		return ErrCapacityExceeded
	}
	wasEmpty := len(b.members) == 0
	state := b.state
	b.members[keyString(m.Key)] = m
	b.mu.Unlock()

	if state == Connected || state == Reconnecting {
		b.reconnect(true)
	} else if wasEmpty && (state == Idle || state == Stopped) {
		return b.Start()
	}
	return nil
}

// RemoveMember shrinks membership; idempotent for non-members. Triggers
// reconnect() if running and non-empty, or stop() if now empty.
func (b *Batch) RemoveMember(k models.MemberKey) error {
	b.mu.Lock()
	ks := keyString(k)
	if _, ok := b.members[ks]; !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.members, ks)
	delete(b.bufferingMembers, ks)
	delete(b.memberQueues, ks)
	empty := len(b.members) == 0
	state := b.state
	b.mu.Unlock()

	if empty {
		return b.Stop()
	}
	if state == Connected || state == Reconnecting {
		b.reconnect(true)
	}
	return nil
}

// EnableBuffering switches the batch to global Buffering mode.
func (b *Batch) EnableBuffering() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = Buffering
	if b.globalBuffer == nil {
		b.globalBuffer = make([]BufferedEvent, 0)
	}
}

// EnableBufferingForMember marks k as buffering.
func (b *Batch) EnableBufferingForMember(k models.MemberKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ks := keyString(k)
	b.bufferingMembers[ks] = true
	if _, ok := b.memberQueues[ks]; !ok {
		b.memberQueues[ks] = make([]BufferedEvent, 0)
	}
}

// FlushBufferAndDisableBuffering publishes every buffered event in
// insertion order, then clears the buffer and switches to Normal mode. Each
// publish failure is logged and does not stop the flush.
func (b *Batch) FlushBufferAndDisableBuffering() {
	b.mu.Lock()
	events := b.globalBuffer
	b.globalBuffer = nil
	b.mode = Normal
	b.mu.Unlock()

	for _, e := range events {
		b.publish(e)
	}
}

// FlushMemberBufferAndDisableBuffering does the same per-member.
func (b *Batch) FlushMemberBufferAndDisableBuffering(k models.MemberKey) {
	ks := keyString(k)
	b.mu.Lock()
	events := b.memberQueues[ks]
	delete(b.memberQueues, ks)
	delete(b.bufferingMembers, ks)
	b.mu.Unlock()

	for _, e := range events {
		b.publish(e)
	}
}

// GlobalBufferLen exposes the current global buffer depth, for tests and
// status reporting.
func (b *Batch) GlobalBufferLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.globalBuffer)
}
