package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sellerledger/recovery-engine/internal/brief"
	"github.com/sellerledger/recovery-engine/internal/detect"
	"github.com/sellerledger/recovery-engine/internal/ingest"
	"github.com/sellerledger/recovery-engine/internal/marketplace"
	"github.com/sellerledger/recovery-engine/internal/scoring"
	"github.com/sellerledger/recovery-engine/internal/store"
	"github.com/sellerledger/recovery-engine/pkg/models"
)

// Sync Job Manager
//
// Top-level state machine for one seller's pipeline run:
//
//	pending → running → completed | failed | cancelled
//
// Start enforces one active run per seller (the store's partial unique
// index is the authority, the manager just surfaces ErrAlreadyRunning)
// and hands execution to a bounded worker pool. The executor walks the
// stages in order: ingest → detect → score/brief, checking the
// cooperative cancel flag between stages. Cancellation never interrupts
// a stage mid-write.

var (
	// ErrAlreadyRunning is returned by Start when the seller holds an
	// active run.
	ErrAlreadyRunning = errors.New("syncer: sync already running for seller")
	// ErrNotCancellable is returned by Cancel for runs in a terminal state.
	ErrNotCancellable = errors.New("syncer: sync run is not cancellable")
)

// Config carries the manager's operational knobs.
type Config struct {
	BatchSize     int           // upsert batch size, ≤ 1000
	RepoTimeout   time.Duration // per-batch repository deadline
	HardCap       time.Duration // absolute SyncRun duration ceiling
	MaxConcurrent int           // global worker pool size
	LookbackDays  int           // ingestion/detection window length
	DetectConfig  detect.Config
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		RepoTimeout:   15 * time.Second,
		HardCap:       2 * time.Hour,
		MaxConcurrent: 8,
		LookbackDays:  90,
		DetectConfig:  detect.DefaultConfig(),
	}
}

type Manager struct {
	db     store.Store
	client marketplace.Client
	bus    *Bus
	cfg    Config

	engine    *detect.Engine
	scorer    *scoring.Scorer
	generator *brief.Generator

	rootCtx context.Context
	stop    context.CancelFunc
	slots   chan struct{}
	wg      sync.WaitGroup

	clock func() time.Time
}

// New builds a manager. bus may be nil when nobody listens.
func New(db store.Store, client marketplace.Client, bus *Bus, cfg Config) *Manager {
	if bus == nil {
		bus = NewBus()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		db:        db,
		client:    client,
		bus:       bus,
		cfg:       cfg,
		engine:    detect.NewEngine(cfg.DetectConfig),
		scorer:    scoring.NewScorer(),
		generator: brief.NewGenerator(),
		rootCtx:   ctx,
		stop:      stop,
		slots:     make(chan struct{}, cfg.MaxConcurrent),
		clock:     time.Now,
	}
}

// Bus exposes the progress event bus for transport layers.
func (m *Manager) Bus() *Bus { return m.bus }

// Close stops accepting work and waits for in-flight runs to finish.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

// Start creates a pending SyncRun and enqueues its execution. Returns
// the syncId immediately; the pipeline runs on the worker pool.
func (m *Manager) Start(ctx context.Context, sellerID string) (string, error) {
	run := &models.SyncRun{
		SyncID:    uuid.NewString(),
		SellerID:  sellerID,
		Status:    models.SyncPending,
		StartedAt: m.clock().UTC(),
	}
	if err := m.db.CreateSyncRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return "", ErrAlreadyRunning
		}
		return "", fmt.Errorf("create sync run: %w", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case m.slots <- struct{}{}:
			defer func() { <-m.slots }()
		case <-m.rootCtx.Done():
			m.finish(run, models.SyncFailed, "shutdown before execution")
			return
		}
		m.execute(run)
	}()
	return run.SyncID, nil
}

// Cancel flags an active run for cooperative cancellation. The executor
// observes the flag between stages.
func (m *Manager) Cancel(ctx context.Context, syncID string) error {
	run, err := m.db.GetSyncRun(ctx, syncID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return fmt.Errorf("%w: status %s", ErrNotCancellable, run.Status)
	}
	return m.db.RequestSyncCancel(ctx, syncID)
}

// execute drives one run through the pipeline stages.
func (m *Manager) execute(run *models.SyncRun) {
	ctx, cancel := context.WithTimeout(m.rootCtx, m.cfg.HardCap)
	defer cancel()

	// The running transition writes only the status column, so a Cancel
	// landing at any point keeps its flag; checkpoint picks it up. The
	// pre-check just short-circuits runs cancelled while still pending.
	if stored, err := m.db.GetSyncRun(ctx, run.SyncID); err == nil && stored.CancelRequested {
		run.CancelRequested = true
		m.finish(run, models.SyncCancelled, "")
		m.publish(run, "sync", "cancelled", nil)
		return
	}

	run.Status = models.SyncRunning
	if err := m.db.MarkSyncRunning(ctx, run.SyncID); err != nil {
		log.Printf("[Syncer] Failed to mark %s running: %v", run.SyncID, err)
		return
	}
	m.publish(run, "sync", "started", nil)
	log.Printf("[Syncer] Sync %s started for seller %s", run.SyncID, run.SellerID)

	now := m.clock().UTC()
	window := store.Window{Start: now.AddDate(0, 0, -m.cfg.LookbackDays), End: now}

	// Stage 1: ingestion.
	stage := ingest.New(m.client, m.db, m.cfg.BatchSize, m.cfg.RepoTimeout, m.bus.Publish)
	result, err := stage.Ingest(ctx, run.SellerID, window, run.SyncID)
	if err != nil {
		m.fail(ctx, run, fmt.Errorf("ingestion: %w", err))
		return
	}
	run.Counts = result.Counts
	for _, w := range result.Warnings {
		log.Printf("[Syncer] Sync %s ingestion warning: %s", run.SyncID, w)
	}
	m.publish(run, "sync", "progress", map[string]any{
		"stage": "ingestion", "records": run.Counts.Total(),
	})
	if m.checkpoint(ctx, run) {
		return
	}

	// Stage 2: detection over the ingested snapshot.
	snap, err := m.db.ReadSnapshot(ctx, run.SellerID, window)
	if err != nil {
		m.fail(ctx, run, fmt.Errorf("read snapshot: %w", err))
		return
	}
	detections := m.engine.Run(snap, run.SyncID, m.clock().UTC())
	if err := m.db.InsertDetectionResults(ctx, run.SyncID, detections); err != nil {
		m.fail(ctx, run, fmt.Errorf("persist detections: %w", err))
		return
	}
	run.Counts.Detections = len(detections)
	m.publish(run, "detection", "progress", map[string]any{
		"stage": "detection", "detections": len(detections),
	})
	if m.checkpoint(ctx, run) {
		return
	}

	// Stage 3: score and brief every detection.
	for i := range detections {
		if err := m.scoreAndBrief(ctx, &detections[i]); err != nil {
			m.fail(ctx, run, err)
			return
		}
	}

	m.finish(run, models.SyncCompleted, "")
	m.publish(run, "sync", "completed", map[string]any{"counts": run.Counts})
	log.Printf("[Syncer] Sync %s completed: %d records, %d detections",
		run.SyncID, run.Counts.Total(), run.Counts.Detections)
}

// scoreAndBrief produces the certainty score and brief packet for one
// detection.
func (m *Manager) scoreAndBrief(ctx context.Context, d *models.DetectionResult) error {
	score, err := m.scorer.Score(d)
	if err != nil {
		return fmt.Errorf("score %s: %w", d.DetectionID, err)
	}
	if err := m.db.UpsertCertaintyScore(ctx, &score); err != nil {
		return fmt.Errorf("persist score %s: %w", d.DetectionID, err)
	}

	manifest := []string{d.DetectionID + "_evidence.json"}
	b, err := m.generator.Generate(d, manifest, m.clock().UTC())
	if err != nil {
		return fmt.Errorf("brief %s: %w", d.DetectionID, err)
	}
	if err := m.db.UpsertBrief(ctx, &b); err != nil {
		return fmt.Errorf("persist brief %s: %w", d.DetectionID, err)
	}
	return nil
}

// checkpoint re-reads the run between stages and honors cancellation and
// the hard cap. Returns true when execution must stop.
func (m *Manager) checkpoint(ctx context.Context, run *models.SyncRun) bool {
	if ctx.Err() != nil {
		m.fail(ctx, run, fmt.Errorf("sync exceeded hard cap: %w", ctx.Err()))
		return true
	}
	stored, err := m.db.GetSyncRun(ctx, run.SyncID)
	if err != nil {
		m.fail(ctx, run, fmt.Errorf("checkpoint read: %w", err))
		return true
	}
	if stored.CancelRequested {
		run.CancelRequested = true
		m.finish(run, models.SyncCancelled, "")
		m.publish(run, "sync", "cancelled", nil)
		log.Printf("[Syncer] Sync %s cancelled by request", run.SyncID)
		return true
	}
	return false
}

func (m *Manager) fail(ctx context.Context, run *models.SyncRun, err error) {
	m.finish(run, models.SyncFailed, err.Error())
	m.publish(run, "sync", "failed", map[string]any{"error": err.Error()})
	log.Printf("[Syncer] Sync %s failed: %v", run.SyncID, err)
}

// finish writes the terminal state on a fresh context so the transition
// survives hard-cap expiry.
func (m *Manager) finish(run *models.SyncRun, status, errMsg string) {
	done := m.clock().UTC()
	run.Status = status
	run.CompletedAt = &done
	run.Error = errMsg

	wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.db.FinishSyncRun(wctx, run); err != nil {
		log.Printf("[Syncer] Failed to persist terminal state for %s: %v", run.SyncID, err)
	}
}

func (m *Manager) publish(run *models.SyncRun, eventType, status string, data map[string]any) {
	m.bus.Publish(models.ProgressEvent{
		Type:      eventType,
		Status:    status,
		SyncID:    run.SyncID,
		SellerID:  run.SellerID,
		Timestamp: m.clock().UTC(),
		Data:      data,
	})
}
