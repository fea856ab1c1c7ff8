package bus

import (
	"fmt"
	"strings"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
)

// The routing-key builders below are the single source of truth for the
// exchange key formats. Each is a pure function, unit tested against the
// literal format strings.

// SwapRoutingKey: uniswapv3.{chainId}.{poolAddress-lowercased}
func SwapRoutingKey(id chain.ID, poolAddress string) string {
	return fmt.Sprintf("uniswapv3.%d.%s", uint64(id), strings.ToLower(poolAddress))
}

// PositionLiquidityRoutingKey: uniswapv3.{chainId}.{nftId}
func PositionLiquidityRoutingKey(id chain.ID, nftID string) string {
	return fmt.Sprintf("uniswapv3.%d.%s", uint64(id), nftID)
}

// TriggerMode enumerates close-order trigger modes used in routing keys.
type TriggerMode string

const (
	TriggerTakeProfit TriggerMode = "take-profit"
	TriggerStopLoss   TriggerMode = "stop-loss"
	TriggerManual     TriggerMode = "manual"
)

// CloseOrderRoutingKey: closer.{chainId}.{nftId}.{triggerMode}
func CloseOrderRoutingKey(id chain.ID, nftID string, triggerMode TriggerMode) string {
	return fmt.Sprintf("closer.%d.%s.%s", uint64(id), nftID, triggerMode)
}

// NFPMTransferKind enumerates the NFPM transfer-event subtype.
type NFPMTransferKind string

const (
	NFPMTransferMint     NFPMTransferKind = "MINT"
	NFPMTransferBurn     NFPMTransferKind = "BURN"
	NFPMTransferTransfer NFPMTransferKind = "TRANSFER"
)

// NFPMTransferRoutingKey: uniswapv3.{chainId}.{MINT|BURN|TRANSFER-lowercased}.{nftId}
func NFPMTransferRoutingKey(id chain.ID, kind NFPMTransferKind, nftID string) string {
	return fmt.Sprintf("uniswapv3.%d.%s.%s", uint64(id), strings.ToLower(string(kind)), nftID)
}

// PositionEventKind enumerates the position domain-event lifecycle subtype.
type PositionEventKind string

const (
	PositionCreated PositionEventKind = "created"
	PositionClosed  PositionEventKind = "closed"
	PositionBurned  PositionEventKind = "burned"
	PositionDeleted PositionEventKind = "deleted"
)

// PositionDomainEventRoutingKey: position.{created|closed|burned|deleted}.{chainId}.{nftId}
func PositionDomainEventRoutingKey(kind PositionEventKind, id chain.ID, nftID string) string {
	return fmt.Sprintf("position.%s.%d.%s", kind, uint64(id), nftID)
}
