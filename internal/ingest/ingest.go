package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sellerledger/recovery-engine/internal/marketplace"
	"github.com/sellerledger/recovery-engine/internal/store"
	"github.com/sellerledger/recovery-engine/pkg/models"
)

// Ingestion Stage
//
// Pulls all six record streams for a (seller, window), normalizes each raw
// page into the canonical entity shape, and upserts in batches keyed on
// (sellerId, entityId). Streams run concurrently; writes for a given kind
// are serialized inside that kind's goroutine, so batched upserts never
// interleave within one stream.
//
// Failure policy: a permanent upstream error fails only its own kind; the
// run completes with partial counts and a warning unless every kind fails.
// Transient repository errors are retried locally; anything else aborts
// the SyncRun.

// Publisher receives a progress event after each completed kind.
type Publisher func(models.ProgressEvent)

// Stage orchestrates marketplace client + repository for one sync.
type Stage struct {
	client      marketplace.Client
	db          store.Store
	batchSize   int
	repoTimeout time.Duration
	publish     Publisher
}

// upsertRetries bounds local retries for transient repository errors.
const upsertRetries = 3

// New builds an ingestion stage. publish may be nil.
func New(client marketplace.Client, db store.Store, batchSize int, repoTimeout time.Duration, publish Publisher) *Stage {
	if batchSize <= 0 || batchSize > 1000 {
		batchSize = 1000
	}
	if repoTimeout <= 0 {
		repoTimeout = 15 * time.Second
	}
	if publish == nil {
		publish = func(models.ProgressEvent) {}
	}
	return &Stage{client: client, db: db, batchSize: batchSize, repoTimeout: repoTimeout, publish: publish}
}

// Result carries what one ingestion produced: per-kind counts plus the
// kinds that failed on permanent upstream errors.
type Result struct {
	Counts   models.SyncCounts
	Warnings []string
}

// Ingest runs all six streams for the seller. Returns an error only when
// the whole run must fail: cancellation, repository failure, or all kinds
// failing upstream.
func (s *Stage) Ingest(ctx context.Context, sellerID string, window store.Window, syncID string) (*Result, error) {
	result := &Result{}
	var mu sync.Mutex
	failedKinds := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range models.AllRecordKinds {
		g.Go(func() error {
			count, err := s.ingestKind(gctx, kind, sellerID, window)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, marketplace.ErrMarketplace) {
					// Permanent upstream failure: isolate to this kind.
					failedKinds++
					result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", kind, err))
					log.Printf("[Ingest] %s stream failed for %s: %v", kind, sellerID, err)
					return nil
				}
				return err
			}
			result.Counts.Add(kind, count)
			s.publish(models.ProgressEvent{
				Type: "sync", Status: "progress", SyncID: syncID, SellerID: sellerID,
				Timestamp: time.Now().UTC(),
				Data:      map[string]any{"kind": string(kind), "records": count},
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if failedKinds == len(models.AllRecordKinds) {
		return nil, fmt.Errorf("%w: all record streams failed", marketplace.ErrMarketplace)
	}
	return result, nil
}

// ingestKind drains one record stream, upserting page contents in batches.
func (s *Stage) ingestKind(ctx context.Context, kind models.RecordKind, sellerID string, window store.Window) (int, error) {
	mw := marketplace.Window{Start: window.Start, End: window.End}
	var pending []json.RawMessage

	total, err := marketplace.FetchAll(ctx, s.client, kind, sellerID, mw, func(p *marketplace.Page) error {
		pending = append(pending, p.Records...)
		for len(pending) >= s.batchSize {
			if err := s.upsertRaw(ctx, kind, sellerID, pending[:s.batchSize]); err != nil {
				return err
			}
			pending = append(pending[:0], pending[s.batchSize:]...)
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	if len(pending) > 0 {
		if err := s.upsertRaw(ctx, kind, sellerID, pending); err != nil {
			return total, err
		}
	}
	return total, nil
}

// upsertRaw normalizes one batch and writes it, retrying transient
// repository failures with a short linear backoff.
func (s *Stage) upsertRaw(ctx context.Context, kind models.RecordKind, sellerID string, raw []json.RawMessage) error {
	write, err := s.normalizeBatch(kind, sellerID, raw)
	if err != nil {
		return fmt.Errorf("%w: %v", marketplace.ErrMarketplace, err)
	}

	var lastErr error
	for attempt := 0; attempt < upsertRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		bctx, cancel := context.WithTimeout(ctx, s.repoTimeout)
		err := write(bctx)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrTransient) {
			return err
		}
		lastErr = err
		log.Printf("[Ingest] Transient upsert failure for %s (attempt %d/%d): %v", kind, attempt+1, upsertRetries, err)
	}
	return lastErr
}

// normalizeBatch decodes raw wire records into typed entities and returns
// the closure that writes them. Decode failures are permanent.
func (s *Stage) normalizeBatch(kind models.RecordKind, sellerID string, raw []json.RawMessage) (func(context.Context) error, error) {
	switch kind {
	case models.KindOrders:
		records, err := decodeAll[models.Order](raw)
		if err != nil {
			return nil, err
		}
		for i := range records {
			records[i].SellerID = sellerID
			if records[i].Currency == "" {
				records[i].Currency = "USD"
			}
		}
		return func(ctx context.Context) error { return s.db.UpsertOrders(ctx, records) }, nil

	case models.KindShipments:
		records, err := decodeAll[models.Shipment](raw)
		if err != nil {
			return nil, err
		}
		for i := range records {
			records[i].SellerID = sellerID
			normalizeShipment(&records[i])
		}
		return func(ctx context.Context) error { return s.db.UpsertShipments(ctx, records) }, nil

	case models.KindReturns:
		records, err := decodeAll[models.Return](raw)
		if err != nil {
			return nil, err
		}
		for i := range records {
			records[i].SellerID = sellerID
			if records[i].Currency == "" {
				records[i].Currency = "USD"
			}
		}
		return func(ctx context.Context) error { return s.db.UpsertReturns(ctx, records) }, nil

	case models.KindSettlements:
		records, err := decodeAll[models.Settlement](raw)
		if err != nil {
			return nil, err
		}
		for i := range records {
			records[i].SellerID = sellerID
			if records[i].Currency == "" {
				records[i].Currency = "USD"
			}
		}
		return func(ctx context.Context) error { return s.db.UpsertSettlements(ctx, records) }, nil

	case models.KindInventoryLedger:
		records, err := decodeAll[models.InventoryLedgerEntry](raw)
		if err != nil {
			return nil, err
		}
		for i := range records {
			records[i].SellerID = sellerID
		}
		return func(ctx context.Context) error { return s.db.UpsertInventory(ctx, records) }, nil

	case models.KindFinancialEvents:
		records, err := decodeAll[models.FinancialEvent](raw)
		if err != nil {
			return nil, err
		}
		for i := range records {
			records[i].SellerID = sellerID
			if records[i].Currency == "" {
				records[i].Currency = "USD"
			}
			// Preserve the verbatim upstream payload for canonicalization.
			if records[i].RawPayload == nil {
				var payload map[string]any
				if json.Unmarshal(raw[i], &payload) == nil {
					records[i].RawPayload = payload
				}
			}
		}
		return func(ctx context.Context) error { return s.db.UpsertFinancialEvents(ctx, records) }, nil
	}
	return nil, fmt.Errorf("unknown record kind %q", kind)
}

// normalizeShipment derives quantities that the wire format leaves implicit.
// Item lines are authoritative when the header totals are absent.
func normalizeShipment(sh *models.Shipment) {
	if sh.ExpectedQty == 0 && sh.ReceivedQty == 0 && len(sh.Items) > 0 {
		for _, item := range sh.Items {
			sh.ExpectedQty += item.ExpectedQty
			sh.ReceivedQty += item.ReceivedQty
		}
	}
	sh.MissingQty = sh.ExpectedQty - sh.ReceivedQty
	if sh.MissingQty < 0 {
		sh.MissingQty = 0
	}
}

func decodeAll[T any](raw []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var rec T
		if err := json.Unmarshal(r, &rec); err != nil {
			return nil, fmt.Errorf("malformed record: %v", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
