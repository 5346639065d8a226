package detect

import (
	"time"

	"github.com/sellerledger/recovery-engine/pkg/models"
)

// Inbound-Shipment Gap Detector
//
// The warehouse received fewer units than the seller shipped. The missing
// units were checked in against the shipment plan, so the discrepancy is
// near-certain money: confidence 0.95.

const inboundGapVersion = 1

func detectInboundGaps(cfg Config, snap *models.Snapshot, now time.Time) []models.DetectionResult {
	var out []models.DetectionResult
	for _, sh := range snap.Shipments {
		if sh.MissingQty <= 0 {
			continue
		}
		value := float64(sh.MissingQty) * DefaultUnitCost
		out = append(out, models.DetectionResult{
			AnomalyType:      models.AnomalyMissingInbound,
			Severity:         models.SeverityForValue(value),
			EstimatedValue:   value,
			Confidence:       0.95,
			AlgorithmVersion: inboundGapVersion,
			RelatedEventIDs:  []string{sh.ShipmentID},
			Evidence: map[string]any{
				"shipmentId":  sh.ShipmentID,
				"expectedQty": sh.ExpectedQty,
				"receivedQty": sh.ReceivedQty,
				"missingQty":  sh.MissingQty,
				"unitCost":    DefaultUnitCost,
				"shippedDate": sh.ShippedDate.UTC().Format(time.RFC3339),
				"summary": "Inbound shipment " + sh.ShipmentID + " is missing units: " +
					"the warehouse check-in fell short of the shipment plan.",
			},
		})
	}
	return out
}
