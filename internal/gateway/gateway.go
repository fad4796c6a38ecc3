// Package gateway provides an opaque facade over a broker's streaming and
// trade-execution API: the engine never sees broker credentials or
// wire-protocol details, only accounts, positions, and orders.
package gateway

import (
	"context"
	"time"
)

// Side is a position direction.
type Side string

// Position sides.
const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// FailureKind classifies why a trade operation did not succeed.
type FailureKind string

// Failure kinds carried by ExecuteResult.Failure.
const (
	FailureNone             FailureKind = ""
	FailureRejected         FailureKind = "rejected"
	FailureInsufficientMargin FailureKind = "insufficient-margin"
	FailureSymbolUnknown    FailureKind = "symbol-unknown"
	FailureTransient        FailureKind = "transient"
)

// EventKind enumerates the events a stream can emit.
type EventKind string

// Stream event kinds.
const (
	EventPositionCreated     EventKind = "position-created"
	EventPositionUpdated     EventKind = "position-updated"
	EventPositionRemoved     EventKind = "position-removed"
	EventAccountInfoUpdated  EventKind = "account-info-updated"
)

// Position is an observed broker position, either on the source account or
// mirrored on a destination account.
type Position struct {
	ID         string
	Symbol     string
	Side       Side
	Volume     float64 // decimal lots
	OpenPrice  float64
	OpenTime   time.Time
	StopLoss   *float64
	TakeProfit *float64
	Comment    string
}

// AccountInfo is a snapshot of account-level figures.
type AccountInfo struct {
	Balance    float64
	Equity     float64
	Margin     float64
	FreeMargin float64
	Currency   string
	Leverage   float64
}

// Order describes a market order to open a destination position.
type Order struct {
	Symbol     string
	Side       Side
	Volume     float64
	StopLoss   *float64
	TakeProfit *float64
	Comment    string
}

// ExecuteResult is the outcome of ExecuteTrade.
type ExecuteResult struct {
	Success       bool
	BrokerOrderID string
	Failure       FailureKind
}

// CloseResult is the outcome of ClosePosition.
type CloseResult struct {
	Closed bool
	Profit float64
}

// StreamEvent is a single update delivered by a stream handle.
type StreamEvent struct {
	Kind     EventKind
	Position Position // valid for position-* kinds
	Account  AccountInfo // valid for account-info-updated
}

// StreamHandle is a live subscription to one account's position stream.
type StreamHandle struct {
	Events <-chan StreamEvent
	Errors <-chan error
	Close  func()
}

// Gateway is the capability set the rest of the engine needs from a broker.
// All operations are suspension points (§5) and never block the caller on a
// transient fault. ExecuteTrade reports a failed order as a FailureKind in
// its result; every other operation, including ModifyPosition and
// ClosePosition, reports failure as a Go error.
type Gateway interface {
	ConnectStream(ctx context.Context, accountID, region string) (*StreamHandle, error)
	GetPositions(ctx context.Context, accountID string) ([]Position, error)
	ExecuteTrade(ctx context.Context, accountID, region string, order Order) (ExecuteResult, error)
	ModifyPosition(ctx context.Context, accountID, positionID string, sl, tp *float64) error
	ClosePosition(ctx context.Context, accountID, positionID string) (CloseResult, error)
	GetAccountInfo(ctx context.Context, accountID string) (AccountInfo, error)
}
