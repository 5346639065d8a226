package detect

import (
	"fmt"
	"time"

	"github.com/sellerledger/recovery-engine/pkg/models"
)

// Settlement Fee Overcharge Detector
//
// Marketplace fee schedules top out around 18% of settlement value for the
// categories this engine serves. A settlement whose fee line exceeds that
// ceiling is charged above schedule; the recoverable amount is the excess
// over the 18% reference.

const feeOverchargeVersion = 1

// feeCeilingRatio is the reference fee share of settlement amount.
const feeCeilingRatio = 0.18

func detectFeeOvercharges(cfg Config, snap *models.Snapshot, now time.Time) []models.DetectionResult {
	var out []models.DetectionResult
	for _, st := range snap.Settlements {
		if st.Amount <= 0 {
			continue
		}
		expected := feeCeilingRatio * st.Amount
		if st.Fees <= expected {
			continue
		}
		value := st.Fees - expected
		out = append(out, models.DetectionResult{
			AnomalyType:      models.AnomalyFeeOvercharge,
			Severity:         models.SeverityForValue(value),
			EstimatedValue:   value,
			Currency:         st.Currency,
			Confidence:       0.90,
			AlgorithmVersion: feeOverchargeVersion,
			RelatedEventIDs:  []string{st.SettlementID},
			Evidence: map[string]any{
				"settlementId":   st.SettlementID,
				"amount":         st.Amount,
				"fees":           st.Fees,
				"expectedFees":   expected,
				"overcharge":     value,
				"settlementDate": st.SettlementDate.UTC().Format(time.RFC3339),
				"summary": fmt.Sprintf("Settlement %s charged %.2f in fees on %.2f of sales "+
					"(%.1f%%), above the %.0f%% schedule ceiling.",
					st.SettlementID, st.Fees, st.Amount, 100*st.Fees/st.Amount, 100*feeCeilingRatio),
			},
		})
	}
	return out
}
