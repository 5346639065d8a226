package brief

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sellerledger/recovery-engine/pkg/models"
)

var preparedOn = time.Date(2024, 6, 15, 9, 30, 0, 0, time.UTC)

func sampleDetection() *models.DetectionResult {
	return &models.DetectionResult{
		DetectionID:    "det-missing_inbound_shipment-a1b2c3d4",
		SellerID:       "S1",
		AnomalyType:    models.AnomalyMissingInbound,
		EstimatedValue: 45,
		Currency:       "USD",
		DiscoveryDate:  preparedOn,
		Evidence: map[string]any{
			"shipmentId": "SH1",
			"missingQty": 3,
			"summary":    "Shipment SH1 expected 10 units, received 7.",
		},
	}
}

func TestGenerate_InboundTemplate(t *testing.T) {
	b, err := NewGenerator().Generate(sampleDetection(), []string{"shipment_manifest.pdf", "receiving_log.csv"}, preparedOn)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !strings.Contains(b.Subject, "inbound shipment") {
		t.Errorf("Subject %q does not use the inbound template", b.Subject)
	}
	if !strings.Contains(b.Body, "SH1") || !strings.Contains(b.Body, "3 units") {
		t.Errorf("Body missing claim substitutions:\n%s", b.Body)
	}
	if !strings.Contains(b.Body, "shipment_manifest.pdf") {
		t.Errorf("Body does not list evidence filenames:\n%s", b.Body)
	}
	if b.PolicyCited == "" || b.EvidenceFingerprint == "" || b.Signature == "" {
		t.Errorf("Brief missing policy/fingerprint/signature: %+v", b)
	}
	if b.PreparedOn != "2024-06-15" {
		t.Errorf("PreparedOn = %q, want 2024-06-15", b.PreparedOn)
	}
	wantPrefix := "S1-det-missing_inbound_shipment-a1b2c3d4-v1-"
	if !strings.HasPrefix(b.ReportID, wantPrefix) {
		t.Errorf("ReportID = %q, want prefix %q", b.ReportID, wantPrefix)
	}
}

func TestGenerate_Idempotent(t *testing.T) {
	gen := NewGenerator()
	first, err := gen.Generate(sampleDetection(), []string{"a.pdf"}, preparedOn)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	second, err := gen.Generate(sampleDetection(), []string{"a.pdf"}, preparedOn)
	if err != nil {
		t.Fatalf("Generate failed on second pass: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Regeneration produced different briefs:\n%+v\n%+v", first, second)
	}
}

func TestGenerate_SignatureTracksDate(t *testing.T) {
	gen := NewGenerator()
	first, _ := gen.Generate(sampleDetection(), nil, preparedOn)
	later, _ := gen.Generate(sampleDetection(), nil, preparedOn.AddDate(0, 0, 1))
	if first.EvidenceFingerprint != later.EvidenceFingerprint {
		t.Errorf("Fingerprint must not depend on the preparation date")
	}
	if first.Signature == later.Signature {
		t.Errorf("Signature must change with the preparation date")
	}
}

func TestTemplateFor_HeuristicRemapping(t *testing.T) {
	cases := []struct {
		anomalyType string
		want        string
	}{
		{models.AnomalyMissingInbound, tplInbound},
		{"lost_in_transit", tplInbound},
		{models.AnomalyRefundMismatch, tplRefund},
		{models.AnomalyReturnInventoryGap, tplRefund},
		{"warehouse_damage_event", tplDamaged},
		{models.AnomalyFeeOvercharge, tplDefault},
		{models.AnomalyMicroLeakPattern, tplDefault},
	}
	for _, tc := range cases {
		if got := templateFor(tc.anomalyType); got != tc.want {
			t.Errorf("templateFor(%s) = %s, want %s", tc.anomalyType, got, tc.want)
		}
	}
}

func TestGenerate_DefaultTemplate(t *testing.T) {
	d := &models.DetectionResult{
		DetectionID:    "det-fee_overcharge-deadbeef",
		SellerID:       "S1",
		AnomalyType:    models.AnomalyFeeOvercharge,
		EstimatedValue: 7,
		Currency:       "USD",
		Evidence: map[string]any{
			"settlementId": "ST1",
			"summary":      "Settlement ST1 charged 25.00 in fees on 100.00 of sales.",
		},
	}
	b, err := NewGenerator().Generate(d, nil, preparedOn)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !strings.Contains(b.Subject, "unrecovered marketplace charge") {
		t.Errorf("Subject %q does not use the default template", b.Subject)
	}
	if !strings.Contains(b.Body, "7.00 USD") {
		t.Errorf("Body missing amount substitution:\n%s", b.Body)
	}
}
