package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sellerledger/recovery-engine/internal/marketplace"
	"github.com/sellerledger/recovery-engine/internal/store"
	"github.com/sellerledger/recovery-engine/internal/syncer"
	"github.com/sellerledger/recovery-engine/pkg/models"
)

func newTestRouter(t *testing.T) (*gin.Engine, *store.MemoryStore, *syncer.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := store.NewMemoryStore()
	cfg := syncer.DefaultConfig()
	cfg.MaxConcurrent = 2
	mgr := syncer.New(db, marketplace.NewStubClient(10), nil, cfg)
	t.Cleanup(mgr.Close)

	return SetupRouter(db, mgr, NewHub(), ""), db, mgr
}

func doRequest(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestStartSync(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/api/v1/sync/S1")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad JSON response: %v", err)
	}
	if resp["syncId"] == "" || resp["status"] != "pending" {
		t.Errorf("Unexpected response: %v", resp)
	}
}

func TestStartSyncConflict(t *testing.T) {
	router, db, _ := newTestRouter(t)

	active := &models.SyncRun{SyncID: "busy", SellerID: "S1", Status: models.SyncRunning, StartedAt: time.Now()}
	if err := db.CreateSyncRun(context.Background(), active); err != nil {
		t.Fatalf("Seed run failed: %v", err)
	}

	if w := doRequest(router, http.MethodPost, "/api/v1/sync/S1"); w.Code != http.StatusConflict {
		t.Errorf("Status = %d, want 409", w.Code)
	}
}

func TestCancelSync(t *testing.T) {
	router, db, _ := newTestRouter(t)

	active := &models.SyncRun{SyncID: "run-1", SellerID: "S1", Status: models.SyncRunning, StartedAt: time.Now()}
	if err := db.CreateSyncRun(context.Background(), active); err != nil {
		t.Fatalf("Seed run failed: %v", err)
	}

	if w := doRequest(router, http.MethodPost, "/api/v1/sync/run-1/cancel"); w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200: %s", w.Code, w.Body.String())
	}
	run, err := db.GetSyncRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetSyncRun failed: %v", err)
	}
	if !run.CancelRequested {
		t.Errorf("Cancel flag not set on the stored run")
	}

	if w := doRequest(router, http.MethodPost, "/api/v1/sync/missing/cancel"); w.Code != http.StatusNotFound {
		t.Errorf("Cancel of unknown run = %d, want 404", w.Code)
	}
}

func TestDetectionSummary(t *testing.T) {
	router, db, _ := newTestRouter(t)

	now := time.Now().UTC()
	detections := []models.DetectionResult{
		{DetectionID: "d1", SellerID: "S1", AnomalyType: models.AnomalyMissingInbound,
			Severity: models.SeverityMedium, EstimatedValue: 45,
			DiscoveryDate: now, DeadlineDate: now.AddDate(0, 0, 60)},
		{DetectionID: "d2", SellerID: "S1", AnomalyType: models.AnomalyFeeOvercharge,
			Severity: models.SeverityLow, EstimatedValue: 7,
			DiscoveryDate: now.AddDate(0, 0, -57), DeadlineDate: now.AddDate(0, 0, 3)},
	}
	if err := db.InsertDetectionResults(context.Background(), "sync-1", detections); err != nil {
		t.Fatalf("Seed detections failed: %v", err)
	}

	w := doRequest(router, http.MethodGet, "/api/v1/detections/S1/summary")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		TotalDetections     int            `json:"totalDetections"`
		TotalEstimatedValue float64        `json:"totalEstimatedValue"`
		ByType              map[string]int `json:"byType"`
		ExpiringWithin7Days int            `json:"expiringWithin7Days"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad JSON response: %v", err)
	}
	if resp.TotalDetections != 2 || resp.TotalEstimatedValue != 52 {
		t.Errorf("Summary totals wrong: %+v", resp)
	}
	if resp.ByType[models.AnomalyMissingInbound] != 1 {
		t.Errorf("byType missing inbound entry: %v", resp.ByType)
	}
	if resp.ExpiringWithin7Days != 1 {
		t.Errorf("ExpiringWithin7Days = %d, want 1 (d2 expires in 3 days)", resp.ExpiringWithin7Days)
	}
}

func TestGenerateBriefEndpoint(t *testing.T) {
	router, db, _ := newTestRouter(t)

	now := time.Now().UTC()
	d := models.DetectionResult{
		DetectionID: "d1", SellerID: "S1", AnomalyType: models.AnomalyMissingInbound,
		EstimatedValue: 45, Currency: "USD",
		DiscoveryDate: now, DeadlineDate: now.AddDate(0, 0, 60),
		Evidence: map[string]any{"shipmentId": "SH1", "summary": "3 units missing."},
	}
	if err := db.InsertDetectionResults(context.Background(), "sync-1", []models.DetectionResult{d}); err != nil {
		t.Fatalf("Seed detection failed: %v", err)
	}

	w := doRequest(router, http.MethodPost, "/api/v1/brief/d1")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d: %s", w.Code, w.Body.String())
	}
	var b models.Brief
	if err := json.Unmarshal(w.Body.Bytes(), &b); err != nil {
		t.Fatalf("Bad JSON response: %v", err)
	}
	if b.Signature == "" || b.EvidenceFingerprint == "" {
		t.Errorf("Brief missing signature/fingerprint: %+v", b)
	}
	if _, err := db.GetBrief(context.Background(), b.ReportID); err != nil {
		t.Errorf("Brief was not persisted: %v", err)
	}

	if w := doRequest(router, http.MethodPost, "/api/v1/brief/unknown"); w.Code != http.StatusNotFound {
		t.Errorf("Brief for unknown detection = %d, want 404", w.Code)
	}
}

func TestHealth(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := doRequest(router, http.MethodGet, "/api/v1/health")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad JSON response: %v", err)
	}
	if resp["status"] != "operational" {
		t.Errorf("Unexpected health payload: %v", resp)
	}
}
