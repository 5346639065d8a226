package brief

import (
	"fmt"
	"strings"
	"time"

	"github.com/sellerledger/recovery-engine/internal/canonical"
	"github.com/sellerledger/recovery-engine/pkg/models"
)

// Brief Generator
//
// Assembles the reimbursement request packet for one detection: a cover
// letter (subject + body), the policy clause being invoked, and a signed
// evidence manifest. Generation is idempotent: the same detection,
// evidence and template version always produce the same reportId,
// fingerprint and signature, so re-running a sync overwrites the brief
// with identical bytes instead of forking it.

// TemplateVersion is part of every reportId and signature. Bump it when
// any template text changes.
const TemplateVersion = 1

// template keys
const (
	tplInbound = "missing_inbound_shipment"
	tplRefund  = "refund_without_return"
	tplDamaged = "damaged_warehouse"
	tplDefault = "default"
)

type template struct {
	subject string
	policy  string
	body    func(f claimFields) string
}

// claimFields are the substitution values pulled from a detection.
type claimFields struct {
	sellerID  string
	orderID   string
	itemID    string // shipment, return or settlement id, whichever applies
	sku       string
	quantity  string
	amount    float64
	currency  string
	date      string
	summary   string
	filenames []string
}

var templates = map[string]template{
	tplInbound: {
		subject: "Reimbursement request: inbound shipment units never received",
		policy:  "FBA inventory reimbursement policy, lost inbound shipments",
		body: func(f claimFields) string {
			var b strings.Builder
			fmt.Fprintf(&b, "Shipment %s was checked in short.", f.itemID)
			if f.quantity != "" {
				fmt.Fprintf(&b, " %s units were shipped but never received into inventory.", f.quantity)
			}
			fmt.Fprintf(&b, "\n\n%s\n\nWe request reimbursement of %.2f %s for the missing units.",
				f.summary, f.amount, f.currency)
			return b.String()
		},
	},
	tplRefund: {
		subject: "Reimbursement request: refund issued without matching return",
		policy:  "Customer returns policy, refund without returned merchandise",
		body: func(f claimFields) string {
			var b strings.Builder
			fmt.Fprintf(&b, "Order %s carries a refund that does not reconcile against the returned merchandise.", f.orderID)
			fmt.Fprintf(&b, "\n\n%s\n\nWe request reimbursement of %.2f %s for the unreconciled refund balance.",
				f.summary, f.amount, f.currency)
			return b.String()
		},
	},
	tplDamaged: {
		subject: "Reimbursement request: inventory damaged in fulfillment center",
		policy:  "FBA inventory reimbursement policy, warehouse damage",
		body: func(f claimFields) string {
			var b strings.Builder
			fmt.Fprintf(&b, "Inventory for %s was damaged or lost while under fulfillment-center custody.", skuOrItem(f))
			fmt.Fprintf(&b, "\n\n%s\n\nWe request reimbursement of %.2f %s per the inventory reimbursement policy.",
				f.summary, f.amount, f.currency)
			return b.String()
		},
	},
	tplDefault: {
		subject: "Reimbursement request: unrecovered marketplace charge",
		policy:  "Marketplace seller agreement, fee and settlement accuracy",
		body: func(f claimFields) string {
			var b strings.Builder
			b.WriteString("Our reconciliation identified a recoverable discrepancy in the account records.")
			fmt.Fprintf(&b, "\n\n%s\n\nWe request review and reimbursement of %.2f %s.",
				f.summary, f.amount, f.currency)
			return b.String()
		},
	},
}

func skuOrItem(f claimFields) string {
	if f.sku != "" {
		return "SKU " + f.sku
	}
	return "item " + f.itemID
}

type Generator struct{}

func NewGenerator() *Generator { return &Generator{} }

// Generate renders the brief for one detection. evidenceFilenames is the
// manifest of attached artifacts; preparedOn is the assembly date and
// part of the signature.
func (g *Generator) Generate(d *models.DetectionResult, evidenceFilenames []string, preparedOn time.Time) (models.Brief, error) {
	key := templateFor(d.AnomalyType)
	tpl := templates[key]

	fields := extractFields(d, evidenceFilenames)

	fingerprint, err := canonical.Digest(d.Evidence)
	if err != nil {
		return models.Brief{}, fmt.Errorf("fingerprint evidence for %s: %w", d.DetectionID, err)
	}
	preparedISO := preparedOn.UTC().Format("2006-01-02")
	signature := canonical.Signature(fingerprint, TemplateVersion, preparedISO)

	body := tpl.body(fields)
	if len(evidenceFilenames) > 0 {
		body += "\n\nAttached evidence:\n"
		for _, name := range evidenceFilenames {
			body += "  - " + name + "\n"
		}
	}

	return models.Brief{
		ReportID:            reportID(d.SellerID, d.DetectionID),
		DetectionID:         d.DetectionID,
		TemplateVersion:     TemplateVersion,
		Subject:             fmt.Sprintf("%s (%s)", tpl.subject, d.DetectionID),
		Body:                body,
		PolicyCited:         tpl.policy,
		EvidenceFilenames:   evidenceFilenames,
		EvidenceFingerprint: fingerprint,
		Signature:           signature,
		PreparedOn:          preparedISO,
	}, nil
}

// templateFor maps an anomaly type onto a template key. Exact matches
// first, then keyword heuristics, then the default letter.
func templateFor(anomalyType string) string {
	switch anomalyType {
	case tplInbound, tplRefund, tplDamaged:
		return anomalyType
	}
	lower := strings.ToLower(anomalyType)
	switch {
	case strings.Contains(lower, "missing"), strings.Contains(lower, "lost"):
		return tplInbound
	case strings.Contains(lower, "return"), strings.Contains(lower, "refund"):
		return tplRefund
	case strings.Contains(lower, "damage"):
		return tplDamaged
	}
	return tplDefault
}

// reportID derives a stable identifier so regeneration converges instead
// of duplicating.
func reportID(sellerID, detectionID string) string {
	digest, err := canonical.Digest(sellerID + detectionID + fmt.Sprint(TemplateVersion))
	if err != nil {
		digest = detectionID
	}
	return fmt.Sprintf("%s-%s-v%d-%s", sellerID, detectionID, TemplateVersion, canonical.ShortID(digest))
}

func extractFields(d *models.DetectionResult, filenames []string) claimFields {
	f := claimFields{
		sellerID:  d.SellerID,
		amount:    d.EstimatedValue,
		currency:  d.Currency,
		date:      d.DiscoveryDate.UTC().Format("2006-01-02"),
		filenames: filenames,
	}
	if f.currency == "" {
		f.currency = "USD"
	}
	f.orderID = evidenceString(d.Evidence, "orderId")
	f.sku = evidenceString(d.Evidence, "sku")
	f.summary = evidenceString(d.Evidence, "summary")
	for _, key := range []string{"shipmentId", "returnId", "settlementId", "eventId"} {
		if v := evidenceString(d.Evidence, key); v != "" {
			f.itemID = v
			break
		}
	}
	for _, key := range []string{"missingQty", "quantity", "shortage", "occurrences"} {
		if v, ok := d.Evidence[key]; ok {
			f.quantity = fmt.Sprint(v)
			break
		}
	}
	return f
}

func evidenceString(evidence map[string]any, key string) string {
	if s, ok := evidence[key].(string); ok {
		return s
	}
	return ""
}
