package detect

import (
	"fmt"
	"log"
	"time"

	"github.com/sellerledger/recovery-engine/internal/canonical"
	"github.com/sellerledger/recovery-engine/pkg/models"
)

// Detection Engine
//
// Runs six algorithm families over one ingested snapshot and emits
// normalized DetectionResult records. Every family is a pure function of
// (snapshot, config constants, discovery instant): identical inputs with
// the same algorithm version always produce the identical result set.
//
// Families are isolated: a panic or error in one family empties its own
// result set and the run continues with the others.

// DefaultUnitCost is the per-unit value estimate used when the snapshot
// carries no cost data for a SKU.
const DefaultUnitCost = 15.0

// Config carries the statistical thresholds. Changing any of these is an
// algorithm change and must bump the relevant family version.
type Config struct {
	FeeDriftBaselineDays   int
	FeeDriftMinHistoryDays int
	FeeDriftMinSamples     int
	MicroLeakMinOccurrence int
	MicroLeakMinValue      float64
	CorrelationLookback    time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		FeeDriftBaselineDays:   30,
		FeeDriftMinHistoryDays: 45,
		FeeDriftMinSamples:     10,
		MicroLeakMinOccurrence: 50,
		MicroLeakMinValue:      25,
		CorrelationLookback:    90 * 24 * time.Hour,
	}
}

// family is one detection algorithm.
type family struct {
	name string
	run  func(cfg Config, snap *models.Snapshot, now time.Time) []models.DetectionResult
}

// Engine holds the algorithm families in a fixed execution order.
type Engine struct {
	cfg      Config
	families []family
}

// NewEngine builds the six-family production engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg: cfg,
		families: []family{
			{"inbound_gap", detectInboundGaps},
			{"refund_gap", detectRefundGaps},
			{"fee_overcharge", detectFeeOvercharges},
			{"fee_drift", detectFeeDrift},
			{"correlation", detectCorrelationGaps},
			{"micro_leak", detectMicroLeaks},
		},
	}
}

// Run executes every family against the snapshot. now is the discovery
// instant stamped on each result; passing it in keeps the engine a pure
// function for determinism tests.
func (e *Engine) Run(snap *models.Snapshot, syncID string, now time.Time) []models.DetectionResult {
	var out []models.DetectionResult
	for _, fam := range e.families {
		results := e.runIsolated(fam, snap, now)
		for i := range results {
			results[i].SellerID = snap.SellerID
			results[i].SyncID = syncID
			if results[i].Currency == "" {
				results[i].Currency = "USD"
			}
			results[i].StampDeadline(now)
			results[i].DetectionID = detectionID(&results[i])
		}
		out = append(out, results...)
	}
	return out
}

// runIsolated guards one family so its failure cannot abort the others.
func (e *Engine) runIsolated(fam family, snap *models.Snapshot, now time.Time) (results []models.DetectionResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Detect] %s family panicked, dropping its results: %v", fam.name, r)
			results = nil
		}
	}()
	return fam.run(e.cfg, snap, now)
}

// detectionID derives a stable identifier from the claim's identity fields,
// so re-running detection against the same snapshot converges on the same
// row instead of duplicating it.
func detectionID(d *models.DetectionResult) string {
	digest, err := canonical.Digest(map[string]any{
		"sellerId":    d.SellerID,
		"anomalyType": d.AnomalyType,
		"related":     d.RelatedEventIDs,
		"value":       d.EstimatedValue,
	})
	if err != nil {
		// Identity fields are plain scalars; this cannot happen in practice.
		digest = fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return fmt.Sprintf("det-%s-%s", d.AnomalyType, canonical.ShortID(digest))
}
