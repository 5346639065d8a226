package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/sellerledger/recovery-engine/pkg/models"
)

// Cross-Entity Correlation Detector
//
// Single-entity detectors miss money that leaks between record streams.
// This family joins across entities and reports four gap kinds:
//
//   1. Return → Inventory:       refunded return never re-entered stock
//   2. Inbound → Inventory:      shipment receipt missing from the ledger
//   3. Fee → Cancellation:       fee charged on a canceled order, never reversed
//   4. Loss → Reimbursement:     warehouse loss with no reimbursement case
//
// All four run over a rolling lookback window (default 90 days) and
// suppress claims below a floor value: tiny cross-entity gaps are noise.

const correlationVersion = 1

const (
	corrMinValue       = 10.0
	returnMatchDays    = 7 // ledger receipt must land within 7 days of the return
	inboundMatchDays   = 5
	inboundMinShortage = 5 // units
	defaultClaimValue  = 15.0
)

func detectCorrelationGaps(cfg Config, snap *models.Snapshot, now time.Time) []models.DetectionResult {
	cutoff := now.Add(-cfg.CorrelationLookback)

	var out []models.DetectionResult
	out = append(out, returnInventoryGaps(snap, cutoff)...)
	out = append(out, inboundInventoryGaps(snap, cutoff)...)
	out = append(out, feeCancellationGaps(snap, cutoff)...)
	out = append(out, lossReimbursementGaps(snap, cutoff)...)
	return out
}

// returnInventoryGaps flags refunded returns whose units never showed up
// as a positive inventory ledger entry within the match window.
func returnInventoryGaps(snap *models.Snapshot, cutoff time.Time) []models.DetectionResult {
	var out []models.DetectionResult
	for _, r := range snap.Returns {
		if r.ReturnedDate.Before(cutoff) || len(r.Items) == 0 {
			continue
		}
		matchEnd := r.ReturnedDate.AddDate(0, 0, returnMatchDays)

		restocked := false
		for _, item := range r.Items {
			for _, e := range snap.Inventory {
				if e.Quantity <= 0 {
					continue
				}
				if !matchesSKU(e.SKU, item.SKU, item.ASIN) {
					continue
				}
				if e.EventDate.Before(r.ReturnedDate) || e.EventDate.After(matchEnd) {
					continue
				}
				restocked = true
				break
			}
			if restocked {
				break
			}
		}
		if restocked {
			continue
		}

		value := r.RefundAmount
		if value < 0 {
			value = -value
		}
		if value == 0 {
			value = defaultClaimValue
		}
		if value < corrMinValue {
			continue
		}
		out = append(out, models.DetectionResult{
			AnomalyType:      models.AnomalyReturnInventoryGap,
			Severity:         models.SeverityForValue(value),
			EstimatedValue:   value,
			Currency:         r.Currency,
			Confidence:       0.80,
			AlgorithmVersion: correlationVersion,
			RelatedEventIDs:  []string{r.ReturnID, r.OrderID},
			Evidence: map[string]any{
				"returnId":     r.ReturnID,
				"orderId":      r.OrderID,
				"refundAmount": r.RefundAmount,
				"returnedDate": r.ReturnedDate.UTC().Format(time.RFC3339),
				"matchWindow":  fmt.Sprintf("%d days", returnMatchDays),
				"summary": fmt.Sprintf("Return %s was refunded but no positive inventory entry "+
					"appeared within %d days; the returned units are unaccounted for.", r.ReturnID, returnMatchDays),
			},
		})
	}
	return out
}

// inboundInventoryGaps flags shipment lines whose ledger receipts fall at
// least 5 units short of the shipped quantity.
func inboundInventoryGaps(snap *models.Snapshot, cutoff time.Time) []models.DetectionResult {
	var out []models.DetectionResult
	for _, sh := range snap.Shipments {
		if sh.ShippedDate.Before(cutoff) {
			continue
		}
		matchEnd := sh.ShippedDate.AddDate(0, 0, inboundMatchDays)

		for _, item := range sh.Items {
			if item.ExpectedQty <= 0 {
				continue
			}
			received := 0
			for _, e := range snap.Inventory {
				if e.Quantity <= 0 || !matchesSKU(e.SKU, item.SKU, "") {
					continue
				}
				if e.EventDate.Before(sh.ShippedDate) || e.EventDate.After(matchEnd) {
					continue
				}
				received += e.Quantity
			}
			shortage := item.ExpectedQty - received
			if shortage < inboundMinShortage {
				continue
			}
			value := float64(shortage) * DefaultUnitCost
			if value < corrMinValue {
				continue
			}
			out = append(out, models.DetectionResult{
				AnomalyType:      models.AnomalyInboundInventoryGap,
				Severity:         models.SeverityForValue(value),
				EstimatedValue:   value,
				Confidence:       0.85,
				AlgorithmVersion: correlationVersion,
				RelatedEventIDs:  []string{sh.ShipmentID, item.SKU},
				Evidence: map[string]any{
					"shipmentId":  sh.ShipmentID,
					"sku":         item.SKU,
					"expectedQty": item.ExpectedQty,
					"receivedQty": received,
					"shortage":    shortage,
					"unitCost":    DefaultUnitCost,
					"shippedDate": sh.ShippedDate.UTC().Format(time.RFC3339),
					"summary": fmt.Sprintf("Shipment %s line %s expected %d units but the inventory "+
						"ledger only recorded %d within %d days.", sh.ShipmentID, item.SKU, item.ExpectedQty, received, inboundMatchDays),
				},
			})
		}
	}
	return out
}

// feeCancellationGaps flags fees charged against canceled orders that were
// never reversed.
func feeCancellationGaps(snap *models.Snapshot, cutoff time.Time) []models.DetectionResult {
	canceled := make(map[string]bool)
	for _, o := range snap.Orders {
		if strings.Contains(strings.ToLower(o.Status), "cancel") {
			canceled[o.OrderID] = true
		}
	}
	if len(canceled) == 0 {
		return nil
	}

	// Index fee reversals by order so the scan is one pass.
	reversed := make(map[string]bool)
	for _, e := range snap.Financial {
		if e.OrderID == "" {
			continue
		}
		lower := strings.ToLower(e.EventType)
		if strings.Contains(lower, "reversal") || (strings.Contains(lower, "fee") && strings.Contains(lower, "refund")) {
			reversed[e.OrderID] = true
		}
	}

	var out []models.DetectionResult
	for _, e := range snap.Financial {
		if e.PostedDate.Before(cutoff) || e.OrderID == "" || !canceled[e.OrderID] {
			continue
		}
		if !isFeeEvent(e.EventType) || strings.Contains(strings.ToLower(e.EventType), "reversal") {
			continue
		}
		if reversed[e.OrderID] {
			continue
		}
		value := e.Amount
		if value < 0 {
			value = -value
		}
		if value < corrMinValue {
			continue
		}
		out = append(out, models.DetectionResult{
			AnomalyType:      models.AnomalyFeeCancellationGap,
			Severity:         models.SeverityForValue(value),
			EstimatedValue:   value,
			Currency:         e.Currency,
			Confidence:       0.90,
			AlgorithmVersion: correlationVersion,
			RelatedEventIDs:  []string{e.EventID, e.OrderID},
			Evidence: map[string]any{
				"eventId":    e.EventID,
				"orderId":    e.OrderID,
				"eventType":  e.EventType,
				"feeAmount":  e.Amount,
				"postedDate": e.PostedDate.UTC().Format(time.RFC3339),
				"summary": fmt.Sprintf("Order %s was canceled but fee %s (%.2f) was never reversed.",
					e.OrderID, e.EventID, value),
			},
		})
	}
	return out
}

// lossReimbursementGaps flags warehouse loss events with no reimbursement
// case created at or after the loss.
func lossReimbursementGaps(snap *models.Snapshot, cutoff time.Time) []models.DetectionResult {
	var out []models.DetectionResult
	for _, e := range snap.Inventory {
		if e.EventDate.Before(cutoff) || !isLossEvent(e.EventType) {
			continue
		}

		reimbursed := false
		for _, f := range snap.Financial {
			if !strings.Contains(strings.ToLower(f.EventType), "reimburs") {
				continue
			}
			if f.PostedDate.Before(e.EventDate) {
				continue
			}
			if matchesSKU(f.SKU, e.SKU, e.FNSKU) || (f.ASIN != "" && f.ASIN == e.FNSKU) {
				reimbursed = true
				break
			}
		}
		if reimbursed {
			continue
		}

		qty := e.Quantity
		if qty < 0 {
			qty = -qty
		}
		value := float64(qty) * DefaultUnitCost
		if value == 0 {
			value = defaultClaimValue
		}
		if value < corrMinValue {
			continue
		}
		out = append(out, models.DetectionResult{
			AnomalyType:      models.AnomalyReimbursementChainGap,
			Severity:         models.SeverityForValue(value),
			EstimatedValue:   value,
			Confidence:       0.75,
			AlgorithmVersion: correlationVersion,
			RelatedEventIDs:  []string{e.EventID, e.SKU},
			Evidence: map[string]any{
				"eventId":   e.EventID,
				"sku":       e.SKU,
				"eventType": e.EventType,
				"quantity":  e.Quantity,
				"eventDate": e.EventDate.UTC().Format(time.RFC3339),
				"summary": fmt.Sprintf("Inventory event %s recorded %s stock for %s with no "+
					"reimbursement case on file.", e.EventID, e.EventType, e.SKU),
			},
		})
	}
	return out
}

func isLossEvent(eventType string) bool {
	switch strings.ToLower(eventType) {
	case "damaged", "lost", "disposed", "destroyed":
		return true
	}
	return false
}

// matchesSKU compares a ledger/financial SKU against a claim's sku or asin.
func matchesSKU(candidate, sku, asin string) bool {
	if candidate == "" {
		return false
	}
	return candidate == sku || (asin != "" && candidate == asin)
}
