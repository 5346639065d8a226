package detect

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sellerledger/recovery-engine/pkg/models"
)

// Micro-Leak Pattern Detector
//
// A micro-leak is a small per-unit overcharge — cents, not dollars —
// repeated across many transactions. No single event is worth filing;
// the aggregate is. The detector compares each fee event against the
// SKU's median fee and accumulates overcharges in the actionable band
// [0.05, 2.00]: below it is rounding noise, above it the single-event
// detectors take over.
//
// Confidence grows with occurrence count: min(0.95, 0.60 + n/1000 × 0.35).
//
// A second pass looks at dimensional-weight data where the marketplace
// provides it: a billed dimensional weight consistently 2+ units above
// the actual weight, with positive overcharge, indicates a systematic
// re-measurement error. SKUs without dimension fields are silently
// skipped.

const microLeakVersion = 1

const (
	leakBandLow  = 0.05
	leakBandHigh = 2.00

	dimWeightMinDelta       = 2.0
	dimWeightMinOccurrences = 20
)

func detectMicroLeaks(cfg Config, snap *models.Snapshot, now time.Time) []models.DetectionResult {
	cutoff := now.Add(-cfg.CorrelationLookback)

	bySKU := make(map[string][]models.FinancialEvent)
	for _, e := range snap.Financial {
		if e.SKU == "" || !isFeeEvent(e.EventType) || e.PostedDate.Before(cutoff) {
			continue
		}
		bySKU[e.SKU] = append(bySKU[e.SKU], e)
	}

	skus := make([]string, 0, len(bySKU))
	for sku := range bySKU {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	var out []models.DetectionResult
	for _, sku := range skus {
		events := bySKU[sku]
		if d := analyzeLeak(cfg, sku, events); d != nil {
			out = append(out, *d)
		}
		if d := analyzeDimWeight(sku, events); d != nil {
			out = append(out, *d)
		}
	}
	return out
}

func analyzeLeak(cfg Config, sku string, events []models.FinancialEvent) *models.DetectionResult {
	fees := make([]float64, len(events))
	for i, e := range events {
		fees[i] = math.Abs(e.Amount)
	}
	expected := medianOf(fees)

	var overcharges []float64
	var related []string
	for i, fee := range fees {
		over := fee - expected
		if over >= leakBandLow && over <= leakBandHigh {
			overcharges = append(overcharges, over)
			if len(related) < 25 { // cap the sample list on the record
				related = append(related, events[i].EventID)
			}
		}
	}
	count := len(overcharges)
	if count < cfg.MicroLeakMinOccurrence {
		return nil
	}

	avgOvercharge := meanOf(overcharges)
	totalLeaked := avgOvercharge * float64(count)
	if totalLeaked < cfg.MicroLeakMinValue {
		return nil
	}

	confidence := math.Min(0.95, 0.60+float64(count)/1000*0.35)
	return &models.DetectionResult{
		AnomalyType:      models.AnomalyMicroLeakPattern,
		Severity:         models.SeverityForValue(totalLeaked),
		EstimatedValue:   round2(totalLeaked),
		Confidence:       round4(confidence),
		AlgorithmVersion: microLeakVersion,
		RelatedEventIDs:  []string{sku},
		Evidence: map[string]any{
			"sku":           sku,
			"occurrences":   count,
			"expectedFee":   round4(expected),
			"avgOvercharge": round4(avgOvercharge),
			"totalLeaked":   round2(totalLeaked),
			"sampleEvents":  related,
			"summary": fmt.Sprintf("SKU %s was overcharged an average of %.4f on %d fee events, "+
				"a cumulative leak of %.2f.", sku, avgOvercharge, count, totalLeaked),
		},
	}
}

// analyzeDimWeight reports systematic dimensional-weight inflation for a
// SKU. Returns nil when the marketplace provides no dimension fields.
func analyzeDimWeight(sku string, events []models.FinancialEvent) *models.DetectionResult {
	count := 0
	totalOver := 0.0
	totalDelta := 0.0
	for _, e := range events {
		dim, okDim := payloadNumber(e.RawPayload, "dimensionalWeight")
		actual, okActual := payloadNumber(e.RawPayload, "actualWeight")
		expected, okExpected := payloadNumber(e.RawPayload, "expectedFee")
		if !okDim || !okActual {
			continue
		}
		delta := dim - actual
		over := 0.0
		if okExpected {
			over = math.Abs(e.Amount) - expected
		}
		if delta >= dimWeightMinDelta && over > 0 {
			count++
			totalOver += over
			totalDelta += delta
		}
	}
	if count < dimWeightMinOccurrences {
		return nil
	}

	return &models.DetectionResult{
		AnomalyType:      models.AnomalyDimWeightVariance,
		Severity:         models.SeverityForValue(totalOver),
		EstimatedValue:   round2(totalOver),
		Confidence:       0.85,
		AlgorithmVersion: microLeakVersion,
		RelatedEventIDs:  []string{sku},
		Evidence: map[string]any{
			"sku":             sku,
			"occurrences":     count,
			"avgWeightDelta":  round4(totalDelta / float64(count)),
			"totalOvercharge": round2(totalOver),
			"summary": fmt.Sprintf("SKU %s billed dimensional weight averaging %.2f units above "+
				"actual across %d shipments.", sku, totalDelta/float64(count), count),
		},
	}
}

func payloadNumber(payload map[string]any, key string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
