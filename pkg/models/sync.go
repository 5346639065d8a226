package models

import "time"

// SyncRun states. Transitions are monotonic:
// pending → running → completed | failed | cancelled.
const (
	SyncPending   = "pending"
	SyncRunning   = "running"
	SyncCompleted = "completed"
	SyncFailed    = "failed"
	SyncCancelled = "cancelled"
)

// SyncCounts tracks per-kind ingestion totals for one run.
type SyncCounts struct {
	Orders          int `json:"orders"`
	Shipments       int `json:"shipments"`
	Returns         int `json:"returns"`
	Settlements     int `json:"settlements"`
	Inventory       int `json:"inventory"`
	FinancialEvents int `json:"financialEvents"`
	Detections      int `json:"detections"`
}

// Total returns the sum of ingested records across all kinds.
func (c SyncCounts) Total() int {
	return c.Orders + c.Shipments + c.Returns + c.Settlements + c.Inventory + c.FinancialEvents
}

// Add folds a per-kind count into the totals.
func (c *SyncCounts) Add(kind RecordKind, n int) {
	switch kind {
	case KindOrders:
		c.Orders += n
	case KindShipments:
		c.Shipments += n
	case KindReturns:
		c.Returns += n
	case KindSettlements:
		c.Settlements += n
	case KindInventoryLedger:
		c.Inventory += n
	case KindFinancialEvents:
		c.FinancialEvents += n
	}
}

// SyncRun is one attempt at ingesting and processing a seller's data.
type SyncRun struct {
	SyncID          string     `json:"syncId"`
	SellerID        string     `json:"sellerId"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	Counts          SyncCounts `json:"counts"`
	Error           string     `json:"error,omitempty"`
	CancelRequested bool       `json:"cancelRequested"`
}

// Active reports whether the run still holds the per-seller exclusivity slot.
func (r SyncRun) Active() bool {
	return r.Status == SyncPending || r.Status == SyncRunning
}

// Terminal reports whether the run has reached a final state.
func (r SyncRun) Terminal() bool {
	return r.Status == SyncCompleted || r.Status == SyncFailed || r.Status == SyncCancelled
}

// ProgressEvent is published to per-seller subscribers after every pipeline
// stage transition. Delivered in emission order; late subscribers see only
// events after their subscription time.
type ProgressEvent struct {
	Type      string         `json:"type"`   // "sync" or "detection"
	Status    string         `json:"status"` // "started"/"progress"/"completed"/"failed"/"cancelled"
	SyncID    string         `json:"syncId"`
	SellerID  string         `json:"sellerId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}
