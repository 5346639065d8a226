package detect

import (
	"fmt"
	"time"

	"github.com/sellerledger/recovery-engine/pkg/models"
)

// Partial-Refund Gap Detector
//
// A return was refunded for materially less than the order total. Partial
// refunds are legitimate for partial returns, so the threshold is generous:
// only refunds below 90% of the order total are flagged, and confidence
// stays at 0.85 to absorb multi-item orders.

const refundGapVersion = 1

// refundFloorRatio: refunds at or above this share of the order total are
// considered complete.
const refundFloorRatio = 0.9

func detectRefundGaps(cfg Config, snap *models.Snapshot, now time.Time) []models.DetectionResult {
	ordersByID := make(map[string]models.Order, len(snap.Orders))
	for _, o := range snap.Orders {
		ordersByID[o.OrderID] = o
	}

	var out []models.DetectionResult
	for _, r := range snap.Returns {
		order, ok := ordersByID[r.OrderID]
		if !ok || order.TotalAmount <= 0 {
			continue
		}
		if r.RefundAmount <= 0 || r.RefundAmount >= refundFloorRatio*order.TotalAmount {
			continue
		}
		value := order.TotalAmount - r.RefundAmount
		out = append(out, models.DetectionResult{
			AnomalyType:      models.AnomalyRefundMismatch,
			Severity:         models.SeverityForValue(value),
			EstimatedValue:   value,
			Currency:         order.Currency,
			Confidence:       0.85,
			AlgorithmVersion: refundGapVersion,
			RelatedEventIDs:  []string{r.ReturnID, order.OrderID},
			Evidence: map[string]any{
				"orderId":      order.OrderID,
				"returnId":     r.ReturnID,
				"orderTotal":   order.TotalAmount,
				"refundAmount": r.RefundAmount,
				"gap":          value,
				"returnedDate": r.ReturnedDate.UTC().Format(time.RFC3339),
				"summary": fmt.Sprintf("Return %s refunded %.2f against an order total of %.2f; "+
					"the remaining %.2f was never recovered.", r.ReturnID, r.RefundAmount, order.TotalAmount, value),
			},
		})
	}
	return out
}
