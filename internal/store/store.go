package store

import (
	"context"
	"errors"
	"time"

	"github.com/sellerledger/recovery-engine/pkg/models"
)

// Sentinel errors returned by every Store implementation.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means a concurrent SyncRun already holds the per-seller slot.
	ErrConflict = errors.New("store: conflicting active sync run")
	// ErrTransient marks retryable infrastructure failures.
	ErrTransient = errors.New("store: transient failure")
)

// Window is a half-open [Start, End) time range used for range reads.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Store is the repository the pipeline depends on. Implementations must
// guarantee:
//
//   - Upserts are atomic per batch and safe under retry: the key is always
//     (sellerId, entityId) and re-ingesting a record never duplicates it.
//   - Snapshot reads observe a state consistent with the end of ingestion
//     for the SyncRun that requests them.
//   - DetectionResult inserts are bulk and transactional per SyncRun.
//   - At most one SyncRun per seller is in {pending, running}; CreateSyncRun
//     returns ErrConflict otherwise.
type Store interface {
	UpsertOrders(ctx context.Context, records []models.Order) error
	UpsertShipments(ctx context.Context, records []models.Shipment) error
	UpsertReturns(ctx context.Context, records []models.Return) error
	UpsertSettlements(ctx context.Context, records []models.Settlement) error
	UpsertInventory(ctx context.Context, records []models.InventoryLedgerEntry) error
	UpsertFinancialEvents(ctx context.Context, records []models.FinancialEvent) error

	// ReadSnapshot returns every record for the seller inside the window,
	// across all six kinds, as one consistent view for detection.
	ReadSnapshot(ctx context.Context, sellerID string, window Window) (*models.Snapshot, error)

	CreateSyncRun(ctx context.Context, run *models.SyncRun) error
	// Run transitions are field-scoped so concurrent writers cannot clobber
	// each other: MarkSyncRunning touches only status, RequestSyncCancel
	// touches only the cancel flag, FinishSyncRun writes the terminal fields
	// and leaves the flag alone.
	MarkSyncRunning(ctx context.Context, syncID string) error
	RequestSyncCancel(ctx context.Context, syncID string) error
	FinishSyncRun(ctx context.Context, run *models.SyncRun) error
	GetSyncRun(ctx context.Context, syncID string) (*models.SyncRun, error)
	ActiveSyncRun(ctx context.Context, sellerID string) (*models.SyncRun, error)
	ListSyncRuns(ctx context.Context, sellerID string, limit, offset int) ([]models.SyncRun, error)
	LastCompletedSync(ctx context.Context, sellerID string) (*models.SyncRun, error)

	InsertDetectionResults(ctx context.Context, syncID string, results []models.DetectionResult) error
	GetDetection(ctx context.Context, detectionID string) (*models.DetectionResult, error)
	ListDetections(ctx context.Context, sellerID, anomalyType string, limit, offset int) ([]models.DetectionResult, error)
	// ListExpiringDetections returns detections whose 60-day filing deadline
	// falls within the given horizon from now.
	ListExpiringDetections(ctx context.Context, sellerID string, within time.Duration) ([]models.DetectionResult, error)

	UpsertCertaintyScore(ctx context.Context, score *models.CertaintyScore) error
	UpsertBrief(ctx context.Context, brief *models.Brief) error
	GetBrief(ctx context.Context, reportID string) (*models.Brief, error)

	UpsertSellerAccount(ctx context.Context, account *models.SellerAccount) error
	ListSellerAccounts(ctx context.Context) ([]models.SellerAccount, error)
}
