package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sellerledger/recovery-engine/pkg/models"
)

// MemoryStore is a full in-process Store used by tests and DEMO_MODE runs.
// It honors the same invariants as the Postgres implementation: keyed
// upserts, one active run per seller, immutable detection rows.
type MemoryStore struct {
	mu sync.RWMutex

	orders      map[string]models.Order                // sellerID|orderID
	shipments   map[string]models.Shipment             // sellerID|shipmentID
	returns     map[string]models.Return               // sellerID|returnID
	settlements map[string]models.Settlement           // sellerID|settlementID
	inventory   map[string]models.InventoryLedgerEntry // sellerID|eventID
	financial   map[string]models.FinancialEvent       // sellerID|eventID

	syncRuns   map[string]models.SyncRun         // syncID
	detections map[string]models.DetectionResult // detectionID
	scores     map[string]models.CertaintyScore  // detectionID|version
	briefs     map[string]models.Brief           // reportID
	sellers    map[string]models.SellerAccount   // sellerID
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]models.Order),
		shipments:   make(map[string]models.Shipment),
		returns:     make(map[string]models.Return),
		settlements: make(map[string]models.Settlement),
		inventory:   make(map[string]models.InventoryLedgerEntry),
		financial:   make(map[string]models.FinancialEvent),
		syncRuns:    make(map[string]models.SyncRun),
		detections:  make(map[string]models.DetectionResult),
		scores:      make(map[string]models.CertaintyScore),
		briefs:      make(map[string]models.Brief),
		sellers:     make(map[string]models.SellerAccount),
	}
}

func key2(a, b string) string { return a + "|" + b }

func (m *MemoryStore) UpsertOrders(ctx context.Context, records []models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.orders[key2(r.SellerID, r.OrderID)] = r
	}
	return nil
}

func (m *MemoryStore) UpsertShipments(ctx context.Context, records []models.Shipment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.shipments[key2(r.SellerID, r.ShipmentID)] = r
	}
	return nil
}

func (m *MemoryStore) UpsertReturns(ctx context.Context, records []models.Return) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.returns[key2(r.SellerID, r.ReturnID)] = r
	}
	return nil
}

func (m *MemoryStore) UpsertSettlements(ctx context.Context, records []models.Settlement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.settlements[key2(r.SellerID, r.SettlementID)] = r
	}
	return nil
}

func (m *MemoryStore) UpsertInventory(ctx context.Context, records []models.InventoryLedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.inventory[key2(r.SellerID, r.EventID)] = r
	}
	return nil
}

func (m *MemoryStore) UpsertFinancialEvents(ctx context.Context, records []models.FinancialEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.financial[key2(r.SellerID, r.EventID)] = r
	}
	return nil
}

func (m *MemoryStore) ReadSnapshot(ctx context.Context, sellerID string, window Window) (*models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &models.Snapshot{SellerID: sellerID, WindowStart: window.Start, WindowEnd: window.End}
	for _, o := range m.orders {
		if o.SellerID == sellerID && window.Contains(o.OrderDate) {
			snap.Orders = append(snap.Orders, o)
		}
	}
	for _, s := range m.shipments {
		if s.SellerID == sellerID && window.Contains(s.ShippedDate) {
			snap.Shipments = append(snap.Shipments, s)
		}
	}
	for _, r := range m.returns {
		if r.SellerID == sellerID && window.Contains(r.ReturnedDate) {
			snap.Returns = append(snap.Returns, r)
		}
	}
	for _, s := range m.settlements {
		if s.SellerID == sellerID && window.Contains(s.SettlementDate) {
			snap.Settlements = append(snap.Settlements, s)
		}
	}
	for _, e := range m.inventory {
		if e.SellerID == sellerID && window.Contains(e.EventDate) {
			snap.Inventory = append(snap.Inventory, e)
		}
	}
	for _, e := range m.financial {
		if e.SellerID == sellerID && window.Contains(e.PostedDate) {
			snap.Financial = append(snap.Financial, e)
		}
	}

	// Map iteration is randomized; detection must never depend on row
	// order, but a stable snapshot keeps test output reproducible.
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].OrderID < snap.Orders[j].OrderID })
	sort.Slice(snap.Shipments, func(i, j int) bool { return snap.Shipments[i].ShipmentID < snap.Shipments[j].ShipmentID })
	sort.Slice(snap.Returns, func(i, j int) bool { return snap.Returns[i].ReturnID < snap.Returns[j].ReturnID })
	sort.Slice(snap.Settlements, func(i, j int) bool { return snap.Settlements[i].SettlementID < snap.Settlements[j].SettlementID })
	sort.Slice(snap.Inventory, func(i, j int) bool { return snap.Inventory[i].EventID < snap.Inventory[j].EventID })
	sort.Slice(snap.Financial, func(i, j int) bool { return snap.Financial[i].EventID < snap.Financial[j].EventID })
	return snap, nil
}

func (m *MemoryStore) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.syncRuns {
		if existing.SellerID == run.SellerID && existing.Active() {
			return ErrConflict
		}
	}
	m.syncRuns[run.SyncID] = *run
	return nil
}

func (m *MemoryStore) MarkSyncRunning(ctx context.Context, syncID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.syncRuns[syncID]
	if !ok {
		return ErrNotFound
	}
	run.Status = models.SyncRunning
	m.syncRuns[syncID] = run
	return nil
}

func (m *MemoryStore) RequestSyncCancel(ctx context.Context, syncID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.syncRuns[syncID]
	if !ok {
		return ErrNotFound
	}
	run.CancelRequested = true
	m.syncRuns[syncID] = run
	return nil
}

func (m *MemoryStore) FinishSyncRun(ctx context.Context, run *models.SyncRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.syncRuns[run.SyncID]
	if !ok {
		return ErrNotFound
	}
	stored.Status = run.Status
	stored.CompletedAt = run.CompletedAt
	stored.Counts = run.Counts
	stored.Error = run.Error
	m.syncRuns[run.SyncID] = stored
	return nil
}

func (m *MemoryStore) GetSyncRun(ctx context.Context, syncID string) (*models.SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.syncRuns[syncID]
	if !ok {
		return nil, ErrNotFound
	}
	return &run, nil
}

func (m *MemoryStore) ActiveSyncRun(ctx context.Context, sellerID string) (*models.SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, run := range m.syncRuns {
		if run.SellerID == sellerID && run.Active() {
			out := run
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) LastCompletedSync(ctx context.Context, sellerID string) (*models.SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.SyncRun
	for _, run := range m.syncRuns {
		if run.SellerID != sellerID || run.Status != models.SyncCompleted || run.CompletedAt == nil {
			continue
		}
		if latest == nil || run.CompletedAt.After(*latest.CompletedAt) {
			out := run
			latest = &out
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (m *MemoryStore) ListSyncRuns(ctx context.Context, sellerID string, limit, offset int) ([]models.SyncRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var runs []models.SyncRun
	for _, run := range m.syncRuns {
		if run.SellerID == sellerID {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if offset >= len(runs) {
		return nil, nil
	}
	runs = runs[offset:]
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *MemoryStore) InsertDetectionResults(ctx context.Context, syncID string, results []models.DetectionResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range results {
		d.SyncID = syncID
		if _, exists := m.detections[d.DetectionID]; exists {
			continue // detection rows are immutable
		}
		m.detections[d.DetectionID] = d
	}
	return nil
}

func (m *MemoryStore) GetDetection(ctx context.Context, detectionID string) (*models.DetectionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.detections[detectionID]
	if !ok {
		return nil, ErrNotFound
	}
	d.DaysRemaining = models.DaysRemaining(d.DeadlineDate, time.Now())
	return &d, nil
}

func (m *MemoryStore) ListDetections(ctx context.Context, sellerID, anomalyType string, limit, offset int) ([]models.DetectionResult, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var out []models.DetectionResult
	for _, d := range m.detections {
		if d.SellerID != sellerID {
			continue
		}
		if anomalyType != "" && d.AnomalyType != anomalyType {
			continue
		}
		d.DaysRemaining = models.DaysRemaining(d.DeadlineDate, now)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DiscoveryDate.Equal(out[j].DiscoveryDate) {
			return out[i].DetectionID < out[j].DetectionID
		}
		return out[i].DiscoveryDate.After(out[j].DiscoveryDate)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpiringDetections(ctx context.Context, sellerID string, within time.Duration) ([]models.DetectionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	horizon := now.Add(within)
	var out []models.DetectionResult
	for _, d := range m.detections {
		if d.SellerID != sellerID {
			continue
		}
		if d.DeadlineDate.Before(now) || !d.DeadlineDate.Before(horizon) {
			continue
		}
		d.DaysRemaining = models.DaysRemaining(d.DeadlineDate, now)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineDate.Before(out[j].DeadlineDate) })
	return out, nil
}

func (m *MemoryStore) UpsertCertaintyScore(ctx context.Context, score *models.CertaintyScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[fmt.Sprintf("%s|%d", score.DetectionID, score.Version)] = *score
	return nil
}

func (m *MemoryStore) UpsertBrief(ctx context.Context, brief *models.Brief) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.briefs[brief.ReportID] = *brief
	return nil
}

func (m *MemoryStore) GetBrief(ctx context.Context, reportID string) (*models.Brief, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.briefs[reportID]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

// BriefCount reports how many distinct reimbursement artifacts are stored.
// Used by idempotency tests.
func (m *MemoryStore) BriefCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.briefs)
}

func (m *MemoryStore) UpsertSellerAccount(ctx context.Context, account *models.SellerAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sellers[account.SellerID] = *account
	return nil
}

func (m *MemoryStore) ListSellerAccounts(ctx context.Context) ([]models.SellerAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var accounts []models.SellerAccount
	for _, a := range m.sellers {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].SellerID < accounts[j].SellerID })
	return accounts, nil
}
