package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sellerledger/recovery-engine/internal/marketplace"
	"github.com/sellerledger/recovery-engine/internal/store"
	"github.com/sellerledger/recovery-engine/pkg/models"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.RepoTimeout = time.Second
	return cfg
}

// waitTerminal polls the store until the run reaches a final state.
func waitTerminal(t *testing.T, db store.Store, syncID string) *models.SyncRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := db.GetSyncRun(context.Background(), syncID)
		if err != nil {
			t.Fatalf("GetSyncRun failed: %v", err)
		}
		if run.Terminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Sync %s never reached a terminal state", syncID)
	return nil
}

func loadedStub(t *testing.T) *marketplace.StubClient {
	t.Helper()
	now := time.Now().UTC()
	stub := marketplace.NewStubClient(100)
	err := stub.Load(models.KindShipments, models.Shipment{
		ShipmentID: "SH1", ShippedDate: now.AddDate(0, 0, -10), ExpectedQty: 10, ReceivedQty: 7,
	})
	if err == nil {
		err = stub.Load(models.KindOrders,
			models.Order{OrderID: "O1", OrderDate: now.AddDate(0, 0, -20), TotalAmount: 100})
	}
	if err == nil {
		err = stub.Load(models.KindReturns,
			models.Return{ReturnID: "R1", OrderID: "O1", RefundAmount: 50, ReturnedDate: now.AddDate(0, 0, -15)})
	}
	if err != nil {
		t.Fatalf("Failed to load stub: %v", err)
	}
	return stub
}

func TestManager_FullPipeline(t *testing.T) {
	db := store.NewMemoryStore()
	bus := NewBus()
	events, unsubscribe := bus.Subscribe("S1")
	defer unsubscribe()

	mgr := New(db, loadedStub(t), bus, testConfig())
	defer mgr.Close()

	syncID, err := mgr.Start(context.Background(), "S1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	run := waitTerminal(t, db, syncID)

	if run.Status != models.SyncCompleted {
		t.Fatalf("Status = %s (error %q), want completed", run.Status, run.Error)
	}
	if run.Counts.Shipments != 1 || run.Counts.Orders != 1 || run.Counts.Returns != 1 {
		t.Errorf("Counts = %+v, want 1 shipment, 1 order, 1 return", run.Counts)
	}
	if run.Counts.Detections == 0 {
		t.Errorf("Pipeline produced no detections from anomalous fixtures")
	}
	if run.CompletedAt == nil {
		t.Errorf("CompletedAt not set on terminal run")
	}

	// Every detection got a score and a brief.
	detections, err := db.ListDetections(context.Background(), "S1", "", 100, 0)
	if err != nil {
		t.Fatalf("ListDetections failed: %v", err)
	}
	if len(detections) != run.Counts.Detections {
		t.Errorf("Stored %d detections, counts say %d", len(detections), run.Counts.Detections)
	}
	if db.BriefCount() != len(detections) {
		t.Errorf("BriefCount = %d, want one brief per detection (%d)", db.BriefCount(), len(detections))
	}

	// Stage events arrive in pipeline order, ending with "completed".
	statuses := collectUntil(t, events, "completed")
	if !ordered(statuses, "started", "completed") {
		t.Errorf("Event statuses out of order: %v", statuses)
	}
	if !containsStatus(statuses, "progress") {
		t.Errorf("No progress events published: %v", statuses)
	}
}

func TestManager_RejectsConcurrentRun(t *testing.T) {
	db := store.NewMemoryStore()

	// A run is already active for the seller.
	active := &models.SyncRun{SyncID: "existing", SellerID: "S1", Status: models.SyncRunning, StartedAt: time.Now()}
	if err := db.CreateSyncRun(context.Background(), active); err != nil {
		t.Fatalf("Seed run failed: %v", err)
	}

	mgr := New(db, marketplace.NewStubClient(10), nil, testConfig())
	defer mgr.Close()

	if _, err := mgr.Start(context.Background(), "S1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Start = %v, want ErrAlreadyRunning", err)
	}
	// Other sellers are unaffected.
	if _, err := mgr.Start(context.Background(), "S2"); err != nil {
		t.Errorf("Start for different seller failed: %v", err)
	}
}

// gateClient blocks the first fetch until released, so tests can act
// while ingestion is provably in flight.
type gateClient struct {
	inner   marketplace.Client
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGateClient(inner marketplace.Client) *gateClient {
	return &gateClient{inner: inner, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateClient) FetchPage(ctx context.Context, kind models.RecordKind, sellerID string, window marketplace.Window, cursor string) (*marketplace.Page, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.inner.FetchPage(ctx, kind, sellerID, window, cursor)
}

func TestManager_CooperativeCancel(t *testing.T) {
	db := store.NewMemoryStore()
	gate := newGateClient(marketplace.NewStubClient(10))

	mgr := New(db, gate, nil, testConfig())
	defer mgr.Close()

	syncID, err := mgr.Start(context.Background(), "S1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	<-gate.started
	if err := mgr.Cancel(context.Background(), syncID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	close(gate.release)

	run := waitTerminal(t, db, syncID)
	if run.Status != models.SyncCancelled {
		t.Errorf("Status = %s, want cancelled", run.Status)
	}

	// The seller's exclusivity slot is free again.
	if _, err := mgr.Start(context.Background(), "S1"); err != nil {
		t.Errorf("Start after cancellation failed: %v", err)
	}
}

// markGateStore fires a callback right before the running transition is
// written, after the executor's pending-state check has already passed.
type markGateStore struct {
	*store.MemoryStore
	beforeMark func(syncID string)
	once       sync.Once
}

func (s *markGateStore) MarkSyncRunning(ctx context.Context, syncID string) error {
	s.once.Do(func() { s.beforeMark(syncID) })
	return s.MemoryStore.MarkSyncRunning(ctx, syncID)
}

func TestManager_CancelDuringRunningTransition(t *testing.T) {
	// A cancel landing between the executor's pending-state check and the
	// running transition must survive the transition write.
	gated := &markGateStore{MemoryStore: store.NewMemoryStore()}
	mgr := New(gated, loadedStub(t), nil, testConfig())
	defer mgr.Close()

	gated.beforeMark = func(syncID string) {
		if err := mgr.Cancel(context.Background(), syncID); err != nil {
			t.Errorf("Cancel failed: %v", err)
		}
	}

	syncID, err := mgr.Start(context.Background(), "S1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	run := waitTerminal(t, gated, syncID)
	if run.Status != models.SyncCancelled {
		t.Errorf("Status = %s, want cancelled", run.Status)
	}
	if !run.CancelRequested {
		t.Errorf("Cancel flag was lost across the running transition")
	}
}

func TestManager_CancelTerminalRunRejected(t *testing.T) {
	db := store.NewMemoryStore()
	done := time.Now()
	run := &models.SyncRun{SyncID: "finished", SellerID: "S1", Status: models.SyncCompleted, CompletedAt: &done}
	if err := db.CreateSyncRun(context.Background(), run); err != nil {
		t.Fatalf("Seed run failed: %v", err)
	}

	mgr := New(db, marketplace.NewStubClient(10), nil, testConfig())
	defer mgr.Close()

	if err := mgr.Cancel(context.Background(), "finished"); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("Cancel = %v, want ErrNotCancellable", err)
	}
	if err := mgr.Cancel(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Cancel unknown run = %v, want ErrNotFound", err)
	}
}

func TestManager_RerunIsIdempotent(t *testing.T) {
	db := store.NewMemoryStore()
	mgr := New(db, loadedStub(t), nil, testConfig())
	defer mgr.Close()

	first, err := mgr.Start(context.Background(), "S1")
	if err != nil {
		t.Fatalf("First start failed: %v", err)
	}
	waitTerminal(t, db, first)
	baseline, _ := db.ListDetections(context.Background(), "S1", "", 100, 0)

	second, err := mgr.Start(context.Background(), "S1")
	if err != nil {
		t.Fatalf("Second start failed: %v", err)
	}
	waitTerminal(t, db, second)

	again, _ := db.ListDetections(context.Background(), "S1", "", 100, 0)
	if len(again) != len(baseline) {
		t.Errorf("Re-sync duplicated detections: %d then %d", len(baseline), len(again))
	}
	if db.BriefCount() != len(baseline) {
		t.Errorf("Re-sync duplicated briefs: %d for %d detections", db.BriefCount(), len(baseline))
	}
}

// collectUntil reads events until the wanted status arrives or the wait
// times out.
func collectUntil(t *testing.T, events <-chan models.ProgressEvent, until string) []string {
	t.Helper()
	var out []string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			out = append(out, ev.Status)
			if ev.Status == until {
				return out
			}
		case <-deadline:
			t.Fatalf("No %q event arrived; saw %v", until, out)
			return out
		}
	}
}

func containsStatus(statuses []string, want string) bool {
	for _, s := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

// ordered reports whether first appears before last in the sequence.
func ordered(statuses []string, first, last string) bool {
	firstIdx, lastIdx := -1, -1
	for i, s := range statuses {
		if s == first && firstIdx == -1 {
			firstIdx = i
		}
		if s == last {
			lastIdx = i
		}
	}
	return firstIdx != -1 && lastIdx != -1 && firstIdx < lastIdx
}
