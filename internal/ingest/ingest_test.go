package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/sellerledger/recovery-engine/internal/marketplace"
	"github.com/sellerledger/recovery-engine/internal/store"
	"github.com/sellerledger/recovery-engine/pkg/models"
)

func testWindow() store.Window {
	return store.Window{Start: time.Now().AddDate(0, 0, -90), End: time.Now().Add(time.Hour)}
}

func seedStub(t *testing.T) *marketplace.StubClient {
	t.Helper()
	stub := marketplace.NewStubClient(2)
	now := time.Now()

	must := func(err error) {
		if err != nil {
			t.Fatalf("stub load failed: %v", err)
		}
	}
	must(stub.Load(models.KindOrders,
		models.Order{OrderID: "O1", OrderDate: now, TotalAmount: 100},
		models.Order{OrderID: "O2", OrderDate: now, TotalAmount: 55},
		models.Order{OrderID: "O3", OrderDate: now, TotalAmount: 20},
	))
	must(stub.Load(models.KindShipments,
		models.Shipment{ShipmentID: "SH1", ShippedDate: now, ExpectedQty: 10, ReceivedQty: 7},
	))
	must(stub.Load(models.KindReturns,
		models.Return{ReturnID: "R1", OrderID: "O1", ReturnedDate: now, RefundAmount: 50},
	))
	must(stub.Load(models.KindFinancialEvents,
		models.FinancialEvent{EventID: "F1", EventType: "fee", Amount: -3.5, PostedDate: now},
	))
	return stub
}

func TestIngest_CountsAndNormalization(t *testing.T) {
	stub := seedStub(t)
	db := store.NewMemoryStore()

	var events []models.ProgressEvent
	stage := New(stub, db, 2, time.Second, func(e models.ProgressEvent) { events = append(events, e) })

	result, err := stage.Ingest(context.Background(), "S1", testWindow(), "sync-1")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if result.Counts.Orders != 3 || result.Counts.Shipments != 1 || result.Counts.Returns != 1 || result.Counts.FinancialEvents != 1 {
		t.Errorf("Unexpected counts: %+v", result.Counts)
	}

	snap, err := db.ReadSnapshot(context.Background(), "S1", testWindow())
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}
	if len(snap.Shipments) != 1 {
		t.Fatalf("Expected 1 shipment, got %d", len(snap.Shipments))
	}
	// missingQty = expectedQty - receivedQty must be derived during
	// normalization, not trusted from the wire.
	if snap.Shipments[0].MissingQty != 3 {
		t.Errorf("Expected derived missingQty 3, got %d", snap.Shipments[0].MissingQty)
	}
	if snap.Orders[0].SellerID != "S1" {
		t.Errorf("Normalization must stamp the seller ID")
	}

	// One progress event per kind, empty streams included.
	if len(events) != len(models.AllRecordKinds) {
		t.Errorf("Expected %d progress events, got %d", len(models.AllRecordKinds), len(events))
	}
	for _, e := range events {
		if e.Type != "sync" || e.Status != "progress" || e.SyncID != "sync-1" {
			t.Errorf("Malformed progress event: %+v", e)
		}
	}
}

func TestIngest_Idempotent(t *testing.T) {
	stub := seedStub(t)
	db := store.NewMemoryStore()
	stage := New(stub, db, 2, time.Second, nil)

	first, err := stage.Ingest(context.Background(), "S1", testWindow(), "sync-1")
	if err != nil {
		t.Fatalf("First ingest failed: %v", err)
	}
	second, err := stage.Ingest(context.Background(), "S1", testWindow(), "sync-2")
	if err != nil {
		t.Fatalf("Second ingest failed: %v", err)
	}
	if first.Counts != second.Counts {
		t.Errorf("Counts differ across identical ingests: %+v vs %+v", first.Counts, second.Counts)
	}

	snap, _ := db.ReadSnapshot(context.Background(), "S1", testWindow())
	if len(snap.Orders) != 3 {
		t.Errorf("Re-ingestion duplicated rows: %d orders, want 3", len(snap.Orders))
	}
}

func TestIngest_PartialFailure(t *testing.T) {
	// One stream failing permanently must not sink the others.
	stub := seedStub(t)
	stub.FailKinds[models.KindReturns] = marketplace.ErrMarketplace

	db := store.NewMemoryStore()
	stage := New(stub, db, 2, time.Second, nil)

	result, err := stage.Ingest(context.Background(), "S1", testWindow(), "sync-1")
	if err != nil {
		t.Fatalf("Partial failure should not fail the run: %v", err)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("Expected 1 warning for the failed stream, got %v", result.Warnings)
	}
	if result.Counts.Orders != 3 {
		t.Errorf("Healthy streams should complete; got counts %+v", result.Counts)
	}
	if result.Counts.Returns != 0 {
		t.Errorf("Failed stream should contribute no counts")
	}
}

func TestIngest_AllKindsFail(t *testing.T) {
	stub := marketplace.NewStubClient(10)
	for _, kind := range models.AllRecordKinds {
		stub.FailKinds[kind] = marketplace.ErrMarketplace
	}
	stage := New(stub, store.NewMemoryStore(), 100, time.Second, nil)

	if _, err := stage.Ingest(context.Background(), "S1", testWindow(), "sync-1"); err == nil {
		t.Errorf("Expected error when every record stream fails")
	}
}

func TestIngest_Cancellation(t *testing.T) {
	stub := seedStub(t)
	stage := New(stub, store.NewMemoryStore(), 2, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := stage.Ingest(ctx, "S1", testWindow(), "sync-1"); err == nil {
		t.Errorf("Expected cancellation to abort ingestion")
	}
}
