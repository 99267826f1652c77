// Package store defines storage interfaces for persisting order intents and
// run metadata, and for reading historical bar data.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"meridian/internal/domain"
)

// ErrNotFound is returned when an update targets an unknown intent.
var ErrNotFound = errors.New("store: not found")

// IntentStatus is the lifecycle state of a persisted order intent.
type IntentStatus string

const (
	StatusIntended  IntentStatus = "intended"
	StatusSubmitted IntentStatus = "submitted"

	// Terminal acknowledgements reported by the broker at submission time.
	StatusFilled   IntentStatus = "filled"
	StatusCanceled IntentStatus = "canceled"
	StatusRejected IntentStatus = "rejected"

	// Terminal states set by startup reconciliation.
	StatusFilledReconciled IntentStatus = "filled_reconciled"
	StatusClosedReconciled IntentStatus = "closed_reconciled"
	StatusStaleReconciled  IntentStatus = "stale_reconciled"

	// StatusDuplicateBlocked is never persisted: the candidate order is
	// dropped before it becomes an intent.
	StatusDuplicateBlocked IntentStatus = "duplicate_blocked"
)

// IsActive reports whether the status still counts toward duplicate
// detection.
func (s IntentStatus) IsActive() bool {
	return s == StatusIntended || s == StatusSubmitted
}

// OrderIntentRecord is a persisted order intent.
type OrderIntentRecord struct {
	ClientOrderID  string
	RunID          string
	Symbol         string
	Side           domain.OrderSide
	Qty            float64
	OrderType      string
	Status         IntentStatus
	BrokerOrderID  string // empty until the broker acknowledges
	Fingerprint    string
	PositionBefore float64 // signed position when the intent was recorded
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Run is the metadata recorded once per process run.
type Run struct {
	RunID      string
	Mode       domain.Mode
	StrategyID string
	Symbols    []string
	StartedAt  time.Time
}

// IntentStore persists order intents and is the source of truth for
// duplicate detection and crash recovery.
type IntentStore interface {
	// RecordRun persists metadata for a new run.
	RecordRun(ctx context.Context, run Run) error

	// SaveIntendedOrder persists req in state "intended". req.ClientOrderID
	// must be set.
	SaveIntendedOrder(ctx context.Context, runID string, req domain.OrderRequest, positionBefore float64) error

	// MarkSubmitted records the broker acknowledgement for an intent.
	MarkSubmitted(ctx context.Context, clientOrderID, brokerOrderID, status string) error

	// MarkReconciled sets the status decided by reconciliation.
	MarkReconciled(ctx context.Context, clientOrderID string, status IntentStatus) error

	// ListActiveIntents returns intended/submitted intents, oldest first.
	ListActiveIntents(ctx context.Context) ([]OrderIntentRecord, error)

	// HasActiveIntent reports whether an active intent with the same
	// fingerprint exists.
	HasActiveIntent(ctx context.Context, symbol string, side domain.OrderSide, qty float64) (bool, error)

	// Close releases the underlying resources.
	Close() error
}

// BarStore reads (and, for import tooling, writes) historical OHLCV bars.
type BarStore interface {
	// WriteBars persists a batch of bars, merging with existing data.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for symbol within [start, end], ascending.
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all symbols with stored bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// fingerprintPrecision is the number of decimals kept when normalizing a
// quantity into a fingerprint.
const fingerprintPrecision = 8

// Fingerprint returns the normalized SYMBOL|side|qty key used to detect
// duplicate in-flight orders.
func Fingerprint(symbol string, side domain.OrderSide, qty float64) string {
	q := decimal.NewFromFloat(qty).Abs().Round(fingerprintPrecision)
	return fmt.Sprintf("%s|%s|%s",
		domain.NormalizeSymbol(symbol),
		strings.ToLower(strings.TrimSpace(string(side))),
		q.String(),
	)
}

// NormalizeSubmissionStatus maps an arbitrary broker status onto a terminal
// intent status or the generic "submitted".
func NormalizeSubmissionStatus(status string) IntentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "filled":
		return StatusFilled
	case "canceled", "cancelled":
		return StatusCanceled
	case "rejected":
		return StatusRejected
	default:
		return StatusSubmitted
	}
}
