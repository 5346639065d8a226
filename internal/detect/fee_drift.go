package detect

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sellerledger/recovery-engine/pkg/models"
)

// Fee-Drift Trend Detector
//
// Per-unit fees for a SKU should be flat between published fee-schedule
// changes. This detector compares a baseline window (first 30 days of the
// SKU's fee history) against the current window (last 30 days) and reports
// statistically significant upward drift.
//
// Drift shapes:
//   - step_increase:     a single weekly jump above 3σ of the baseline —
//                        usually a silent re-measurement or tier change
//   - accelerating_drift: week-over-week increases that are themselves
//                        growing — compounding measurement error
//   - gradual_increase:  slow persistent creep
//
// Preconditions (insufficient history is not an error, the SKU is skipped):
//   - ≥ 45 days between first and last fee event
//   - ≥ 10 fee samples
//
// Confidence is additive over independent signals and capped at 1.0;
// results below 0.55 are suppressed.

const feeDriftVersion = 1

const (
	driftMinPct        = 5.0  // report only driftPct >= 5
	driftMinMonthly    = 10.0 // and monthly overcharge >= 10
	driftWeeklyStepSig = 3.0  // sigmas for step classification
	driftStartSig      = 2.0  // sigmas for drift-start bucket
)

type feeSample struct {
	date time.Time
	fee  float64
}

type seriesStats struct {
	mean, median, stdDev float64
	count                int
}

func detectFeeDrift(cfg Config, snap *models.Snapshot, now time.Time) []models.DetectionResult {
	bySKU := make(map[string][]feeSample)
	for _, e := range snap.Financial {
		if e.SKU == "" || !isFeeEvent(e.EventType) {
			continue
		}
		bySKU[e.SKU] = append(bySKU[e.SKU], feeSample{date: e.PostedDate, fee: math.Abs(e.Amount)})
	}

	skus := make([]string, 0, len(bySKU))
	for sku := range bySKU {
		skus = append(skus, sku)
	}
	sort.Strings(skus) // deterministic emission order

	var out []models.DetectionResult
	for _, sku := range skus {
		if d := analyzeSKUDrift(cfg, sku, bySKU[sku]); d != nil {
			out = append(out, *d)
		}
	}
	return out
}

func analyzeSKUDrift(cfg Config, sku string, samples []feeSample) *models.DetectionResult {
	sort.Slice(samples, func(i, j int) bool { return samples[i].date.Before(samples[j].date) })

	if len(samples) < cfg.FeeDriftMinSamples {
		return nil
	}
	first, last := samples[0].date, samples[len(samples)-1].date
	historyDays := int(last.Sub(first).Hours() / 24)
	if historyDays < cfg.FeeDriftMinHistoryDays {
		return nil
	}

	baselineEnd := first.AddDate(0, 0, cfg.FeeDriftBaselineDays)
	currentStart := last.AddDate(0, 0, -cfg.FeeDriftBaselineDays)

	var baselineFees, currentFees []float64
	for _, s := range samples {
		if s.date.Before(baselineEnd) {
			baselineFees = append(baselineFees, s.fee)
		}
		if !s.date.Before(currentStart) {
			currentFees = append(currentFees, s.fee)
		}
	}
	if len(baselineFees) == 0 || len(currentFees) == 0 {
		return nil
	}
	baseline := computeStats(baselineFees)
	current := computeStats(currentFees)
	if baseline.mean <= 0 {
		return nil
	}

	driftAmount := current.mean - baseline.mean
	driftPct := driftAmount / baseline.mean * 100
	if driftPct < driftMinPct {
		return nil // downward or negligible drift is not recoverable money
	}

	monthlyUnits := current.count
	monthlyOvercharge := driftAmount * float64(monthlyUnits)
	if monthlyOvercharge < driftMinMonthly {
		return nil
	}

	weeks := weeklyMeans(samples, first)
	driftType := classifyDrift(weeks, baseline)
	driftStartWeek := findDriftStart(weeks, baseline)

	// Units charged since drift onset determine the cumulative claim.
	driftStartDate := first.AddDate(0, 0, driftStartWeek*7)
	unitsSinceStart := 0
	for _, s := range samples {
		if !s.date.Before(driftStartDate) {
			unitsSinceStart++
		}
	}
	cumulative := driftAmount * float64(unitsSinceStart)
	projectedAnnual := monthlyOvercharge * 12

	confidence, factors := driftConfidence(cfg, historyDays, weeks, baseline, current, monthlyOvercharge)
	if confidence < 0.55 {
		return nil
	}

	severity := models.SeverityForValue(projectedAnnual)
	if projectedAnnual >= 500 || (driftPct >= 20 && driftType == "accelerating_drift") {
		severity = models.SeverityCritical
	}

	return &models.DetectionResult{
		AnomalyType:      models.AnomalyFeeDriftTrend,
		Severity:         severity,
		EstimatedValue:   round2(cumulative),
		Confidence:       confidence,
		AlgorithmVersion: feeDriftVersion,
		RelatedEventIDs:  []string{sku},
		Evidence: map[string]any{
			"sku":               sku,
			"driftType":         driftType,
			"baselineMean":      round4(baseline.mean),
			"baselineMedian":    round4(baseline.median),
			"baselineStdDev":    round4(baseline.stdDev),
			"currentMean":       round4(current.mean),
			"currentMedian":     round4(current.median),
			"driftAmount":       round4(driftAmount),
			"driftPct":          round2(driftPct),
			"monthlyUnits":      monthlyUnits,
			"monthlyOvercharge": round2(monthlyOvercharge),
			"projectedAnnual":   round2(projectedAnnual),
			"driftStartDate":    driftStartDate.UTC().Format(time.RFC3339),
			"historyDays":       historyDays,
			"factors":           factors,
			"summary": fmt.Sprintf("Per-unit fee for %s drifted from %.4f to %.4f (%.1f%%), "+
				"an estimated %.2f/month overcharge (%s).", sku, baseline.mean, current.mean, driftPct, monthlyOvercharge, driftType),
		},
	}
}

// classifyDrift labels the drift shape from the weekly fee series.
func classifyDrift(weeks []seriesStats, baseline seriesStats) string {
	// Step: a single weekly jump beyond 3 baseline sigmas.
	if baseline.stdDev > 0 {
		for i := 1; i < len(weeks); i++ {
			if weeks[i].count == 0 || weeks[i-1].count == 0 {
				continue
			}
			if weeks[i].mean-weeks[i-1].mean > driftWeeklyStepSig*baseline.stdDev {
				return "step_increase"
			}
		}
	}

	// Accelerating: weekly change-% in the second half outpaces the first.
	changes := weeklyChangePcts(weeks)
	if len(changes) >= 4 {
		half := len(changes) / 2
		firstHalf := meanOf(changes[:half])
		secondHalf := meanOf(changes[half:])
		if firstHalf > 0 && secondHalf > 1.5*firstHalf {
			return "accelerating_drift"
		}
	}
	return "gradual_increase"
}

// findDriftStart returns the earliest weekly bucket whose mean exceeds the
// baseline by 2 sigmas; falls back to the last bucket.
func findDriftStart(weeks []seriesStats, baseline seriesStats) int {
	threshold := baseline.mean + driftStartSig*baseline.stdDev
	for i, w := range weeks {
		if w.count > 0 && w.mean > threshold {
			return i
		}
	}
	return len(weeks) - 1
}

// driftConfidence sums independent boolean signals, capped at 1.0.
func driftConfidence(cfg Config, historyDays int, weeks []seriesStats, baseline, current seriesStats, monthlyOvercharge float64) (float64, []string) {
	confidence := 0.0
	var factors []string

	if historyDays >= cfg.FeeDriftMinHistoryDays {
		confidence += 0.30
		factors = append(factors, "sufficient_history")
	}

	// Upward trend: at least 70% of populated post-baseline weeks sit above
	// the baseline mean.
	baselineWeeks := cfg.FeeDriftBaselineDays / 7
	above, populated := 0, 0
	for i, w := range weeks {
		if i < baselineWeeks || w.count == 0 {
			continue
		}
		populated++
		if w.mean > baseline.mean {
			above++
		}
	}
	if populated > 0 && float64(above) >= 0.7*float64(populated) {
		confidence += 0.25
		factors = append(factors, "consistent_upward_trend")
	}

	// No product change: continuous sales history, no dark weeks in the
	// series span. A relisting or variation swap shows up as a gap.
	continuous := true
	for _, w := range weeks {
		if w.count == 0 {
			continuous = false
			break
		}
	}
	if continuous {
		confidence += 0.20
		factors = append(factors, "no_product_change")
	}

	if monthlyOvercharge >= 25 {
		confidence += 0.15
		factors = append(factors, "material_monthly_impact")
	}

	if current.stdDev <= 1.5*baseline.stdDev {
		confidence += 0.10
		factors = append(factors, "stable_variance")
	}

	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence, factors
}

func weeklyMeans(samples []feeSample, first time.Time) []seriesStats {
	if len(samples) == 0 {
		return nil
	}
	lastIdx := int(samples[len(samples)-1].date.Sub(first).Hours() / 24 / 7)
	buckets := make([][]float64, lastIdx+1)
	for _, s := range samples {
		idx := int(s.date.Sub(first).Hours() / 24 / 7)
		if idx < 0 || idx > lastIdx {
			continue
		}
		buckets[idx] = append(buckets[idx], s.fee)
	}
	out := make([]seriesStats, len(buckets))
	for i, b := range buckets {
		if len(b) > 0 {
			out[i] = computeStats(b)
		}
	}
	return out
}

func weeklyChangePcts(weeks []seriesStats) []float64 {
	var changes []float64
	prev := -1
	for i, w := range weeks {
		if w.count == 0 {
			continue
		}
		if prev >= 0 && weeks[prev].mean > 0 {
			changes = append(changes, (w.mean-weeks[prev].mean)/weeks[prev].mean*100)
		}
		prev = i
	}
	return changes
}

func computeStats(values []float64) seriesStats {
	n := len(values)
	if n == 0 {
		return seriesStats{}
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	stdDev := math.Sqrt(variance / float64(n))

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return seriesStats{mean: mean, median: median, stdDev: stdDev, count: n}
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// isFeeEvent matches marketplace fee event types: "FBAPerUnitFulfillmentFee",
// "Commission", "fee_adjustment", etc.
func isFeeEvent(eventType string) bool {
	lower := strings.ToLower(eventType)
	return strings.Contains(lower, "fee") || strings.Contains(lower, "commission")
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
func round4(f float64) float64 { return math.Round(f*10000) / 10000 }
