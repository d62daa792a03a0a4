package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// DataType identifies one tracked raw-data category per symbol.
type DataType string

const (
	DataTypeProfile       DataType = "profile"
	DataTypePrices        DataType = "prices"
	DataTypeFundamentals  DataType = "fundamentals"
	DataTypeShortInterest DataType = "short_interest"
)

// AllDataTypes lists every tracked category in gap-scan order.
var AllDataTypes = []DataType{
	DataTypeProfile,
	DataTypePrices,
	DataTypeFundamentals,
	DataTypeShortInterest,
}

// GapStatus is the lifecycle state of a DataGap row.
type GapStatus string

const (
	GapPending           GapStatus = "pending"
	GapRetryScheduled    GapStatus = "retry_scheduled"
	GapResolved          GapStatus = "resolved"
	GapPermanentlyFailed GapStatus = "permanently_failed"
)

// DataGap records a missing or stale unit of expected data. AttemptCount
// counts every collection attempt and drives backlog ranking;
// UnavailableCount counts only unavailable-data attempts and drives the
// permanent-failure budget.
type DataGap struct {
	Symbol           string
	DataType         DataType
	Status           GapStatus
	AttemptCount     int
	UnavailableCount int
	FirstDetectedAt  time.Time
	LastAttemptAt    *time.Time
}

// QueueStatus is the lifecycle state of a recalculation queue entry.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// QueueEntry is one pending recalculation. Symbol is the primary key, so at
// most one non-terminal entry exists per symbol.
type QueueEntry struct {
	Symbol        string
	TriggerSource string
	Status        QueueStatus
	AttemptCount  int
	EnqueuedAt    time.Time
	LastError     *string
}

// ScoreRecord is the persisted shape shared by both score tables.
type ScoreRecord struct {
	Symbol          string
	ComponentScores map[string]float64
	CompositeScore  *decimal.Decimal
	DataQuality     string
	Flags           []string
	CalculatedAt    time.Time
}

// SectorRatios are sector-average valuation ratios computed across stored
// profiles and their latest fundamentals. Nil fields mean no peer in the
// sector had a usable denominator.
type SectorRatios struct {
	PE *decimal.Decimal
	PB *decimal.Decimal
	PS *decimal.Decimal
}

// UsageRecord is one provider call counted against the daily quota.
type UsageRecord struct {
	CalledAt time.Time
	Endpoint string
}

// MutationEvent announces that a raw table changed for a symbol. It is the
// event contract the recalculation queue subscribes to.
type MutationEvent struct {
	Symbol string
	Table  DataType
}

// MutationHook receives mutation events after successful raw upserts.
type MutationHook func(event MutationEvent)
