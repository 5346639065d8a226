package scoring

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/sellerledger/recovery-engine/internal/canonical"
	"github.com/sellerledger/recovery-engine/pkg/models"
)

// Certainty Scorer
//
// Maps a detection to a refund-likelihood probability, a risk tier and
// the list of features that drove the number. The scorer is fully
// deterministic: the same claim payload produces byte-identical output
// across processes and restarts. The only "randomness" is a small hash
// adjustment derived from the claim's canonical fingerprint, which
// spreads otherwise-identical claims across the band without an RNG.
//
// Changing any constant here is a scoring change and must bump Version.

// Version is stamped on every CertaintyScore; re-scoring with new
// constants writes a new (detectionId, version) row.
const Version = 1

// Fingerprint produces the canonical claim digest. Extracted as a
// function type so tests can substitute a fixed fingerprint and pin the
// hash adjustment.
type Fingerprint func(payload any) (string, error)

// Feature increments on top of the 0.5 base probability.
const (
	baseProbability = 0.5

	incOvercharge = 0.08
	incDamage     = 0.07
	incLost       = 0.07
	incShipping   = 0.04
	incStorage    = 0.04
	incQuality    = 0.03

	incAmountLow    = 0.05
	incAmountMedium = 0.02

	incProof      = 0.06
	incLongText   = 0.04
	incStructured = 0.05

	adjHighValue     = -0.05
	adjTwoGroups     = 0.04
	adjThreeGroups   = 0.08
	adjStrongAnomaly = 0.06 // anomaly confidence > 0.8 backed by proof

	hashAdjustRange = 0.02 // hashAdjust ∈ [-0.02, +0.02]
)

// Textual indicators scanned over the free-text evidence summary.
var (
	reOvercharge = regexp.MustCompile(`(?i)overcharg|excess\s+fee|above.*(schedule|ceiling)`)
	reDamage     = regexp.MustCompile(`(?i)damag`)
	reLost       = regexp.MustCompile(`(?i)\blost\b|missing|unaccounted`)
	reShipping   = regexp.MustCompile(`(?i)shipment|shipping|inbound|carrier`)
	reStorage    = regexp.MustCompile(`(?i)storage|warehouse|inventory`)
	reQuality    = regexp.MustCompile(`(?i)defect|quality|unsellable`)
)

type Scorer struct {
	fingerprint Fingerprint
}

// NewScorer returns the production scorer, fingerprinting claims through
// the canonicalizer.
func NewScorer() *Scorer {
	return &Scorer{fingerprint: canonical.Digest}
}

// NewScorerWithFingerprint injects a fingerprint function. Test use.
func NewScorerWithFingerprint(fp Fingerprint) *Scorer {
	return &Scorer{fingerprint: fp}
}

// Score evaluates one detection. Pure function of the claim payload.
func (s *Scorer) Score(d *models.DetectionResult) (models.CertaintyScore, error) {
	fingerprint, err := s.fingerprint(claimPayload(d))
	if err != nil {
		return models.CertaintyScore{}, fmt.Errorf("fingerprint claim %s: %w", d.DetectionID, err)
	}

	summary := evidenceSummary(d)
	hasProof := len(d.RelatedEventIDs) > 0
	hasStructured := structuredEvidence(d)
	hasLongText := len(summary) >= 100

	probability := baseProbability
	var factors []string

	textualHit := false
	for _, ind := range []struct {
		re    *regexp.Regexp
		inc   float64
		label string
	}{
		{reOvercharge, incOvercharge, "indicator:overcharge"},
		{reDamage, incDamage, "indicator:damage"},
		{reLost, incLost, "indicator:lost"},
		{reShipping, incShipping, "indicator:shipping"},
		{reStorage, incStorage, "indicator:storage"},
		{reQuality, incQuality, "indicator:quality"},
	} {
		if ind.re.MatchString(summary) {
			probability += ind.inc
			factors = append(factors, ind.label)
			textualHit = true
		}
	}

	tier := amountTier(d.EstimatedValue)
	switch tier {
	case "low":
		probability += incAmountLow
		factors = append(factors, "amount:low")
	case "medium":
		probability += incAmountMedium
		factors = append(factors, "amount:medium")
	default:
		factors = append(factors, "amount:high")
	}

	if hasProof {
		probability += incProof
		factors = append(factors, "proof_bundle")
	}
	if hasLongText {
		probability += incLongText
		factors = append(factors, "detailed_narrative")
	}
	if hasStructured {
		probability += incStructured
		factors = append(factors, "structured_evidence")
	}

	probability += hashAdjust(fingerprint)
	factors = append(factors, "fingerprint:"+canonical.ShortID(fingerprint))

	// Risk adjustments.
	if tier == "high" {
		probability += adjHighValue
		factors = append(factors, "risk:high_value")
	}
	groups := featureGroups(textualHit, hasProof, hasStructured)
	switch groups {
	case 2:
		probability += adjTwoGroups
		factors = append(factors, "corroboration:two_groups")
	case 3:
		probability += adjThreeGroups
		factors = append(factors, "corroboration:three_groups")
	}
	if d.Confidence > 0.8 && hasProof {
		probability += adjStrongAnomaly
		factors = append(factors, "strong_anomaly_signal")
	}

	probability = clamp01(round6(probability))

	return models.CertaintyScore{
		DetectionID: d.DetectionID,
		Version:     Version,
		Probability: probability,
		Tier:        tierFor(probability),
		Confidence:  evidenceConfidence(textualHit, hasProof, hasStructured, hasLongText),
		Factors:     factors,
	}, nil
}

// claimPayload is the canonical fingerprint input. Dates are excluded so
// re-detection of the same claim on a later sync scores identically.
func claimPayload(d *models.DetectionResult) map[string]any {
	return map[string]any{
		"sellerId":       d.SellerID,
		"anomalyType":    d.AnomalyType,
		"estimatedValue": d.EstimatedValue,
		"currency":       d.Currency,
		"evidence":       d.Evidence,
		"relatedEvents":  d.RelatedEventIDs,
	}
}

func evidenceSummary(d *models.DetectionResult) string {
	if s, ok := d.Evidence["summary"].(string); ok {
		return s
	}
	return ""
}

// structuredEvidence is true when the evidence map carries fields beyond
// the free-text summary.
func structuredEvidence(d *models.DetectionResult) bool {
	for k := range d.Evidence {
		if k != "summary" {
			return true
		}
	}
	return false
}

func amountTier(value float64) string {
	switch {
	case value <= 100:
		return "low"
	case value <= 1000:
		return "medium"
	default:
		return "high"
	}
}

// hashAdjust maps the first 8 hex chars of the fingerprint onto
// [-hashAdjustRange, +hashAdjustRange].
func hashAdjust(fingerprint string) float64 {
	head := canonical.ShortID(fingerprint)
	v, err := strconv.ParseUint(head, 16, 64)
	if err != nil {
		return 0
	}
	unit := float64(v) / float64(math.MaxUint32) // [0,1]
	return round6(unit*2*hashAdjustRange - hashAdjustRange)
}

func featureGroups(textual, proof, structured bool) int {
	n := 0
	for _, b := range []bool{textual, proof, structured} {
		if b {
			n++
		}
	}
	return n
}

func tierFor(probability float64) string {
	switch {
	case probability < 0.3:
		return "Low"
	case probability <= 0.7:
		return "Medium"
	default:
		return "High"
	}
}

// evidenceConfidence rates the quality of the evidence itself, separate
// from refund probability.
func evidenceConfidence(textual, proof, structured, longText bool) float64 {
	confidence := 0.3
	if proof {
		confidence += 0.25
	}
	if structured {
		confidence += 0.20
	}
	if longText {
		confidence += 0.15
	}
	if textual {
		confidence += 0.10
	}
	return clamp01(round6(confidence))
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func round6(f float64) float64 { return math.Round(f*1e6) / 1e6 }
