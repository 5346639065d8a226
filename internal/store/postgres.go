package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sellerledger/recovery-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside the Docker runtime image without shipping the .sql file.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}
	log.Println("[Store] Connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	if _, err := s.pool.Exec(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}
	log.Println("[Store] Recovery engine schema initialized")
	return nil
}

// mapError translates pgx failures into the Store error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505": // unique_violation: the one-active-run index
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization/deadlock
			return fmt.Errorf("%w: %v", ErrTransient, err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection_exception class
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
	return err
}

// upsertBatch runs fn for every record inside a single transaction, so a
// retried batch can never half-apply.
func upsertBatch[T any](ctx context.Context, pool *pgxpool.Pool, records []T, fn func(pgx.Tx, T) error) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, rec := range records {
		if err := fn(tx, rec); err != nil {
			return mapError(err)
		}
	}
	return mapError(tx.Commit(ctx))
}

func (s *PostgresStore) UpsertOrders(ctx context.Context, records []models.Order) error {
	sql := `
		INSERT INTO orders (seller_id, order_id, order_date, total_amount, currency, status, channel)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (seller_id, order_id) DO UPDATE
		SET order_date = EXCLUDED.order_date, total_amount = EXCLUDED.total_amount,
		    currency = EXCLUDED.currency, status = EXCLUDED.status, channel = EXCLUDED.channel;
	`
	return upsertBatch(ctx, s.pool, records, func(tx pgx.Tx, o models.Order) error {
		_, err := tx.Exec(ctx, sql, o.SellerID, o.OrderID, o.OrderDate, o.TotalAmount, o.Currency, o.Status, o.Channel)
		return err
	})
}

func (s *PostgresStore) UpsertShipments(ctx context.Context, records []models.Shipment) error {
	sql := `
		INSERT INTO shipments (seller_id, shipment_id, order_id, shipped_date, expected_qty, received_qty, missing_qty, items)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (seller_id, shipment_id) DO UPDATE
		SET order_id = EXCLUDED.order_id, shipped_date = EXCLUDED.shipped_date,
		    expected_qty = EXCLUDED.expected_qty, received_qty = EXCLUDED.received_qty,
		    missing_qty = EXCLUDED.missing_qty, items = EXCLUDED.items;
	`
	return upsertBatch(ctx, s.pool, records, func(tx pgx.Tx, sh models.Shipment) error {
		items, err := json.Marshal(sh.Items)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, sql, sh.SellerID, sh.ShipmentID, sh.OrderID, sh.ShippedDate,
			sh.ExpectedQty, sh.ReceivedQty, sh.MissingQty, items)
		return err
	})
}

func (s *PostgresStore) UpsertReturns(ctx context.Context, records []models.Return) error {
	sql := `
		INSERT INTO returns (seller_id, return_id, order_id, refund_amount, currency, returned_date, items)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (seller_id, return_id) DO UPDATE
		SET order_id = EXCLUDED.order_id, refund_amount = EXCLUDED.refund_amount,
		    currency = EXCLUDED.currency, returned_date = EXCLUDED.returned_date, items = EXCLUDED.items;
	`
	return upsertBatch(ctx, s.pool, records, func(tx pgx.Tx, r models.Return) error {
		items, err := json.Marshal(r.Items)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, sql, r.SellerID, r.ReturnID, r.OrderID, r.RefundAmount, r.Currency, r.ReturnedDate, items)
		return err
	})
}

func (s *PostgresStore) UpsertSettlements(ctx context.Context, records []models.Settlement) error {
	sql := `
		INSERT INTO settlements (seller_id, settlement_id, settlement_date, amount, fees, currency)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (seller_id, settlement_id) DO UPDATE
		SET settlement_date = EXCLUDED.settlement_date, amount = EXCLUDED.amount,
		    fees = EXCLUDED.fees, currency = EXCLUDED.currency;
	`
	return upsertBatch(ctx, s.pool, records, func(tx pgx.Tx, st models.Settlement) error {
		_, err := tx.Exec(ctx, sql, st.SellerID, st.SettlementID, st.SettlementDate, st.Amount, st.Fees, st.Currency)
		return err
	})
}

func (s *PostgresStore) UpsertInventory(ctx context.Context, records []models.InventoryLedgerEntry) error {
	sql := `
		INSERT INTO inventory_ledger (seller_id, event_id, sku, fnsku, event_date, event_type, quantity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (seller_id, event_id) DO UPDATE
		SET sku = EXCLUDED.sku, fnsku = EXCLUDED.fnsku, event_date = EXCLUDED.event_date,
		    event_type = EXCLUDED.event_type, quantity = EXCLUDED.quantity;
	`
	return upsertBatch(ctx, s.pool, records, func(tx pgx.Tx, e models.InventoryLedgerEntry) error {
		_, err := tx.Exec(ctx, sql, e.SellerID, e.EventID, e.SKU, e.FNSKU, e.EventDate, e.EventType, e.Quantity)
		return err
	})
}

func (s *PostgresStore) UpsertFinancialEvents(ctx context.Context, records []models.FinancialEvent) error {
	sql := `
		INSERT INTO financial_events (seller_id, event_id, event_type, amount, currency, order_id, sku, asin, posted_date, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (seller_id, event_id) DO UPDATE
		SET event_type = EXCLUDED.event_type, amount = EXCLUDED.amount, currency = EXCLUDED.currency,
		    order_id = EXCLUDED.order_id, sku = EXCLUDED.sku, asin = EXCLUDED.asin,
		    posted_date = EXCLUDED.posted_date, raw_payload = EXCLUDED.raw_payload;
	`
	return upsertBatch(ctx, s.pool, records, func(tx pgx.Tx, e models.FinancialEvent) error {
		raw, err := json.Marshal(e.RawPayload)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, sql, e.SellerID, e.EventID, e.EventType, e.Amount, e.Currency,
			e.OrderID, e.SKU, e.ASIN, e.PostedDate, raw)
		return err
	})
}

// ReadSnapshot loads all six record kinds for the seller inside the window
// within one repeatable-read transaction, so detection sees a single
// consistent state.
func (s *PostgresStore) ReadSnapshot(ctx context.Context, sellerID string, window Window) (*models.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, mapError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	snap := &models.Snapshot{SellerID: sellerID, WindowStart: window.Start, WindowEnd: window.End}

	rows, err := tx.Query(ctx,
		`SELECT order_id, order_date, total_amount, currency, status, channel
		 FROM orders WHERE seller_id = $1 AND order_date >= $2 AND order_date < $3`,
		sellerID, window.Start, window.End)
	if err != nil {
		return nil, mapError(err)
	}
	for rows.Next() {
		o := models.Order{SellerID: sellerID}
		if err := rows.Scan(&o.OrderID, &o.OrderDate, &o.TotalAmount, &o.Currency, &o.Status, &o.Channel); err != nil {
			rows.Close()
			return nil, mapError(err)
		}
		snap.Orders = append(snap.Orders, o)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, mapError(rows.Err())
	}

	rows, err = tx.Query(ctx,
		`SELECT shipment_id, COALESCE(order_id, ''), shipped_date, expected_qty, received_qty, missing_qty, items
		 FROM shipments WHERE seller_id = $1 AND shipped_date >= $2 AND shipped_date < $3`,
		sellerID, window.Start, window.End)
	if err != nil {
		return nil, mapError(err)
	}
	for rows.Next() {
		sh := models.Shipment{SellerID: sellerID}
		var items []byte
		if err := rows.Scan(&sh.ShipmentID, &sh.OrderID, &sh.ShippedDate, &sh.ExpectedQty, &sh.ReceivedQty, &sh.MissingQty, &items); err != nil {
			rows.Close()
			return nil, mapError(err)
		}
		_ = json.Unmarshal(items, &sh.Items)
		snap.Shipments = append(snap.Shipments, sh)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, mapError(rows.Err())
	}

	rows, err = tx.Query(ctx,
		`SELECT return_id, order_id, refund_amount, currency, returned_date, items
		 FROM returns WHERE seller_id = $1 AND returned_date >= $2 AND returned_date < $3`,
		sellerID, window.Start, window.End)
	if err != nil {
		return nil, mapError(err)
	}
	for rows.Next() {
		r := models.Return{SellerID: sellerID}
		var items []byte
		if err := rows.Scan(&r.ReturnID, &r.OrderID, &r.RefundAmount, &r.Currency, &r.ReturnedDate, &items); err != nil {
			rows.Close()
			return nil, mapError(err)
		}
		_ = json.Unmarshal(items, &r.Items)
		snap.Returns = append(snap.Returns, r)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, mapError(rows.Err())
	}

	rows, err = tx.Query(ctx,
		`SELECT settlement_id, settlement_date, amount, fees, currency
		 FROM settlements WHERE seller_id = $1 AND settlement_date >= $2 AND settlement_date < $3`,
		sellerID, window.Start, window.End)
	if err != nil {
		return nil, mapError(err)
	}
	for rows.Next() {
		st := models.Settlement{SellerID: sellerID}
		if err := rows.Scan(&st.SettlementID, &st.SettlementDate, &st.Amount, &st.Fees, &st.Currency); err != nil {
			rows.Close()
			return nil, mapError(err)
		}
		snap.Settlements = append(snap.Settlements, st)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, mapError(rows.Err())
	}

	rows, err = tx.Query(ctx,
		`SELECT event_id, sku, fnsku, event_date, event_type, quantity
		 FROM inventory_ledger WHERE seller_id = $1 AND event_date >= $2 AND event_date < $3`,
		sellerID, window.Start, window.End)
	if err != nil {
		return nil, mapError(err)
	}
	for rows.Next() {
		e := models.InventoryLedgerEntry{SellerID: sellerID}
		if err := rows.Scan(&e.EventID, &e.SKU, &e.FNSKU, &e.EventDate, &e.EventType, &e.Quantity); err != nil {
			rows.Close()
			return nil, mapError(err)
		}
		snap.Inventory = append(snap.Inventory, e)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, mapError(rows.Err())
	}

	rows, err = tx.Query(ctx,
		`SELECT event_id, event_type, amount, currency, order_id, sku, asin, posted_date, raw_payload
		 FROM financial_events WHERE seller_id = $1 AND posted_date >= $2 AND posted_date < $3`,
		sellerID, window.Start, window.End)
	if err != nil {
		return nil, mapError(err)
	}
	for rows.Next() {
		e := models.FinancialEvent{SellerID: sellerID}
		var raw []byte
		if err := rows.Scan(&e.EventID, &e.EventType, &e.Amount, &e.Currency, &e.OrderID, &e.SKU, &e.ASIN, &e.PostedDate, &raw); err != nil {
			rows.Close()
			return nil, mapError(err)
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &e.RawPayload)
		}
		snap.Financial = append(snap.Financial, e)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, mapError(rows.Err())
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapError(err)
	}
	return snap, nil
}

func (s *PostgresStore) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sync_runs (sync_id, seller_id, status, started_at, completed_at, counts, error, cancel_requested)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.SyncID, run.SellerID, run.Status, run.StartedAt, run.CompletedAt, counts, run.Error, run.CancelRequested)
	return mapError(err)
}

func (s *PostgresStore) MarkSyncRunning(ctx context.Context, syncID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_runs SET status = 'running' WHERE sync_id = $1`, syncID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RequestSyncCancel(ctx context.Context, syncID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_runs SET cancel_requested = TRUE WHERE sync_id = $1`, syncID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FinishSyncRun(ctx context.Context, run *models.SyncRun) error {
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_runs SET status = $2, completed_at = $3, counts = $4, error = $5
		 WHERE sync_id = $1`,
		run.SyncID, run.Status, run.CompletedAt, counts, run.Error)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const syncRunColumns = `sync_id, seller_id, status, started_at, completed_at, counts, error, cancel_requested`

func scanSyncRun(row pgx.Row) (*models.SyncRun, error) {
	run := &models.SyncRun{}
	var counts []byte
	if err := row.Scan(&run.SyncID, &run.SellerID, &run.Status, &run.StartedAt,
		&run.CompletedAt, &counts, &run.Error, &run.CancelRequested); err != nil {
		return nil, mapError(err)
	}
	_ = json.Unmarshal(counts, &run.Counts)
	return run, nil
}

func (s *PostgresStore) GetSyncRun(ctx context.Context, syncID string) (*models.SyncRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+syncRunColumns+` FROM sync_runs WHERE sync_id = $1`, syncID)
	return scanSyncRun(row)
}

func (s *PostgresStore) ActiveSyncRun(ctx context.Context, sellerID string) (*models.SyncRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs
		 WHERE seller_id = $1 AND status IN ('pending', 'running')
		 ORDER BY started_at DESC LIMIT 1`, sellerID)
	return scanSyncRun(row)
}

func (s *PostgresStore) LastCompletedSync(ctx context.Context, sellerID string) (*models.SyncRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs
		 WHERE seller_id = $1 AND status = 'completed'
		 ORDER BY completed_at DESC LIMIT 1`, sellerID)
	return scanSyncRun(row)
}

func (s *PostgresStore) ListSyncRuns(ctx context.Context, sellerID string, limit, offset int) ([]models.SyncRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs
		 WHERE seller_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		sellerID, limit, offset)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		run := models.SyncRun{}
		var counts []byte
		if err := rows.Scan(&run.SyncID, &run.SellerID, &run.Status, &run.StartedAt,
			&run.CompletedAt, &counts, &run.Error, &run.CancelRequested); err != nil {
			return nil, mapError(err)
		}
		_ = json.Unmarshal(counts, &run.Counts)
		runs = append(runs, run)
	}
	return runs, mapError(rows.Err())
}

// InsertDetectionResults bulk-inserts every result for one SyncRun inside a
// single transaction. A re-run with the same detection IDs overwrites
// nothing: detection rows are immutable, so conflicts are skipped.
func (s *PostgresStore) InsertDetectionResults(ctx context.Context, syncID string, results []models.DetectionResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sql := `
		INSERT INTO detection_results
		(detection_id, seller_id, sync_id, anomaly_type, severity, estimated_value, currency,
		 confidence, evidence, related_event_ids, algorithm_version, discovery_date, deadline_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (detection_id) DO NOTHING;
	`
	for _, d := range results {
		evidence, err := json.Marshal(d.Evidence)
		if err != nil {
			return err
		}
		related, err := json.Marshal(d.RelatedEventIDs)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, sql, d.DetectionID, d.SellerID, syncID, d.AnomalyType, d.Severity,
			d.EstimatedValue, d.Currency, d.Confidence, evidence, related,
			d.AlgorithmVersion, d.DiscoveryDate, d.DeadlineDate); err != nil {
			return mapError(err)
		}
	}
	return mapError(tx.Commit(ctx))
}

const detectionColumns = `detection_id, seller_id, sync_id, anomaly_type, severity, estimated_value,
	currency, confidence, evidence, related_event_ids, algorithm_version, discovery_date, deadline_date`

func scanDetection(row pgx.Row, now time.Time) (*models.DetectionResult, error) {
	d := &models.DetectionResult{}
	var evidence, related []byte
	if err := row.Scan(&d.DetectionID, &d.SellerID, &d.SyncID, &d.AnomalyType, &d.Severity,
		&d.EstimatedValue, &d.Currency, &d.Confidence, &evidence, &related,
		&d.AlgorithmVersion, &d.DiscoveryDate, &d.DeadlineDate); err != nil {
		return nil, mapError(err)
	}
	_ = json.Unmarshal(evidence, &d.Evidence)
	_ = json.Unmarshal(related, &d.RelatedEventIDs)
	d.DaysRemaining = models.DaysRemaining(d.DeadlineDate, now)
	return d, nil
}

func (s *PostgresStore) GetDetection(ctx context.Context, detectionID string) (*models.DetectionResult, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+detectionColumns+` FROM detection_results WHERE detection_id = $1`, detectionID)
	return scanDetection(row, time.Now())
}

func (s *PostgresStore) ListDetections(ctx context.Context, sellerID, anomalyType string, limit, offset int) ([]models.DetectionResult, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sql := `SELECT ` + detectionColumns + ` FROM detection_results WHERE seller_id = $1`
	args := []any{sellerID}
	if anomalyType != "" {
		sql += ` AND anomaly_type = $2`
		args = append(args, anomalyType)
	}
	sql += fmt.Sprintf(` ORDER BY discovery_date DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	now := time.Now()
	var out []models.DetectionResult
	for rows.Next() {
		d, err := scanDetection(rows, now)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, mapError(rows.Err())
}

func (s *PostgresStore) ListExpiringDetections(ctx context.Context, sellerID string, within time.Duration) ([]models.DetectionResult, error) {
	now := time.Now()
	rows, err := s.pool.Query(ctx,
		`SELECT `+detectionColumns+` FROM detection_results
		 WHERE seller_id = $1 AND deadline_date >= $2 AND deadline_date < $3
		 ORDER BY deadline_date ASC`,
		sellerID, now, now.Add(within))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.DetectionResult
	for rows.Next() {
		d, err := scanDetection(rows, now)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, mapError(rows.Err())
}

func (s *PostgresStore) UpsertCertaintyScore(ctx context.Context, score *models.CertaintyScore) error {
	factors, err := json.Marshal(score.Factors)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO certainty_scores (detection_id, version, probability, tier, confidence, factors)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (detection_id, version) DO UPDATE
		 SET probability = EXCLUDED.probability, tier = EXCLUDED.tier,
		     confidence = EXCLUDED.confidence, factors = EXCLUDED.factors`,
		score.DetectionID, score.Version, score.Probability, score.Tier, score.Confidence, factors)
	return mapError(err)
}

func (s *PostgresStore) UpsertBrief(ctx context.Context, brief *models.Brief) error {
	filenames, err := json.Marshal(brief.EvidenceFilenames)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO briefs (report_id, detection_id, template_version, subject, body, policy_cited,
		                     evidence_filenames, evidence_fingerprint, signature, prepared_on)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (report_id) DO UPDATE
		 SET subject = EXCLUDED.subject, body = EXCLUDED.body, policy_cited = EXCLUDED.policy_cited,
		     evidence_filenames = EXCLUDED.evidence_filenames,
		     evidence_fingerprint = EXCLUDED.evidence_fingerprint,
		     signature = EXCLUDED.signature, prepared_on = EXCLUDED.prepared_on`,
		brief.ReportID, brief.DetectionID, brief.TemplateVersion, brief.Subject, brief.Body,
		brief.PolicyCited, filenames, brief.EvidenceFingerprint, brief.Signature, brief.PreparedOn)
	return mapError(err)
}

func (s *PostgresStore) GetBrief(ctx context.Context, reportID string) (*models.Brief, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT report_id, detection_id, template_version, subject, body, policy_cited,
		        evidence_filenames, evidence_fingerprint, signature, prepared_on
		 FROM briefs WHERE report_id = $1`, reportID)
	b := &models.Brief{}
	var filenames []byte
	if err := row.Scan(&b.ReportID, &b.DetectionID, &b.TemplateVersion, &b.Subject, &b.Body,
		&b.PolicyCited, &filenames, &b.EvidenceFingerprint, &b.Signature, &b.PreparedOn); err != nil {
		return nil, mapError(err)
	}
	_ = json.Unmarshal(filenames, &b.EvidenceFilenames)
	return b, nil
}

func (s *PostgresStore) UpsertSellerAccount(ctx context.Context, account *models.SellerAccount) error {
	marketplaces, err := json.Marshal(account.Marketplaces)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO seller_accounts (seller_id, marketplaces, connected_at, sandbox)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (seller_id) DO UPDATE
		 SET marketplaces = EXCLUDED.marketplaces, sandbox = EXCLUDED.sandbox`,
		account.SellerID, marketplaces, account.ConnectedAt, account.Sandbox)
	return mapError(err)
}

func (s *PostgresStore) ListSellerAccounts(ctx context.Context) ([]models.SellerAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seller_id, marketplaces, connected_at, sandbox FROM seller_accounts ORDER BY seller_id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var accounts []models.SellerAccount
	for rows.Next() {
		a := models.SellerAccount{}
		var marketplaces []byte
		if err := rows.Scan(&a.SellerID, &marketplaces, &a.ConnectedAt, &a.Sandbox); err != nil {
			return nil, mapError(err)
		}
		_ = json.Unmarshal(marketplaces, &a.Marketplaces)
		accounts = append(accounts, a)
	}
	return accounts, mapError(rows.Err())
}
