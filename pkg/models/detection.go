package models

import "time"

// Severity buckets for detection results. Derived from estimatedValue bands
// unless an algorithm states otherwise.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Anomaly types emitted by the detection engine.
const (
	AnomalyMissingInbound        = "missing_inbound_shipment"
	AnomalyRefundMismatch        = "refund_mismatch"
	AnomalyFeeOvercharge         = "fee_overcharge"
	AnomalyFeeDriftTrend         = "fee_drift_trend"
	AnomalyReturnInventoryGap    = "order_return_inventory_gap"
	AnomalyInboundInventoryGap   = "inbound_inventory_gap"
	AnomalyFeeCancellationGap    = "fee_cancellation_gap"
	AnomalyReimbursementChainGap = "reimbursement_chain_gap"
	AnomalyMicroLeakPattern      = "micro_leak_pattern"
	AnomalyDimWeightVariance     = "dimensional_weight_variance"
)

// DeadlineDays is the marketplace filing window: every detection expires
// 60 days after discovery.
const DeadlineDays = 60

// DetectionResult is the normalized output shape shared by all six
// algorithm families. Immutable once written.
type DetectionResult struct {
	DetectionID      string         `json:"detectionId"`
	SellerID         string         `json:"sellerId"`
	SyncID           string         `json:"syncId"`
	AnomalyType      string         `json:"anomalyType"`
	Severity         string         `json:"severity"`
	EstimatedValue   float64        `json:"estimatedValue"`
	Currency         string         `json:"currency"`
	Confidence       float64        `json:"confidence"` // 0.0 - 1.0
	Evidence         map[string]any `json:"evidence"`
	RelatedEventIDs  []string       `json:"relatedEventIds"`
	AlgorithmVersion int            `json:"algorithmVersion"`
	DiscoveryDate    time.Time      `json:"discoveryDate"`
	DeadlineDate     time.Time      `json:"deadlineDate"`
	DaysRemaining    int            `json:"daysRemaining"`
}

// SeverityForValue maps an estimated recovery value to a severity band.
func SeverityForValue(value float64) string {
	switch {
	case value >= 500:
		return SeverityCritical
	case value >= 100:
		return SeverityHigh
	case value >= 25:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// StampDeadline fills DiscoveryDate, DeadlineDate and DaysRemaining
// relative to now. deadlineDate = discoveryDate + 60 days, always.
func (d *DetectionResult) StampDeadline(now time.Time) {
	d.DiscoveryDate = now.UTC()
	d.DeadlineDate = d.DiscoveryDate.AddDate(0, 0, DeadlineDays)
	d.DaysRemaining = DaysRemaining(d.DeadlineDate, now)
}

// DaysRemaining returns the whole days left until deadline, floored at 0.
func DaysRemaining(deadline, now time.Time) int {
	remaining := int(deadline.Sub(now).Hours() / 24)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CertaintyScore is the deterministic refund-likelihood verdict for a
// detection. Re-scoring with new constants bumps Version.
type CertaintyScore struct {
	DetectionID string   `json:"detectionId"`
	Version     int      `json:"version"`
	Probability float64  `json:"probability"` // clamped to [0,1]
	Tier        string   `json:"tier"`        // "Low"/"Medium"/"High"
	Confidence  float64  `json:"confidence"`  // evidence-quality estimate, [0,1]
	Factors     []string `json:"factors"`     // human-readable contributing features
}

// Brief is the reimbursement request artifact produced for a detection.
// Idempotent by (evidence fingerprint, template version, preparedOn date).
type Brief struct {
	ReportID            string   `json:"reportId"`
	DetectionID         string   `json:"detectionId"`
	TemplateVersion     int      `json:"templateVersion"`
	Subject             string   `json:"subject"`
	Body                string   `json:"body"`
	PolicyCited         string   `json:"policyCited"`
	EvidenceFilenames   []string `json:"evidenceFilenames"`
	EvidenceFingerprint string   `json:"evidenceFingerprint"` // sha256 hex of canonical evidence
	Signature           string   `json:"signature"`           // sha256 hex over fingerprint|version|date
	PreparedOn          string   `json:"preparedOn"`          // ISO date, part of the signature
}
