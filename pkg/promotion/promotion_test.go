package promotion

import (
	"testing"
	"time"
)

func TestNewRequest_SortsRuleIDs(t *testing.T) {
	req, err := NewRequest("acme", []string{"rule_c", "rule_a", "rule_b"}, "user:root", 2, time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	want := []string{"rule_a", "rule_b", "rule_c"}
	for i, r := range want {
		if req.RuleIDs[i] != r {
			t.Fatalf("RuleIDs = %v, want %v", req.RuleIDs, want)
		}
	}
	if req.Status != StatusPending {
		t.Fatalf("new request must start Pending, got %v", req.Status)
	}
	if req.SignatureCount() != 0 {
		t.Fatalf("new request must start with no signatures")
	}
}

func TestCanonicalPayload_OrderIndependentAcrossInputOrder(t *testing.T) {
	now := time.Now().UTC()
	req, err := NewRequest("acme", []string{"rule_b", "rule_a"}, "user:root", 1, now, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	alt, err := CanonicalPayload(req.PromotionID, "acme", []string{"rule_a", "rule_b"}, now)
	if err != nil {
		t.Fatalf("CanonicalPayload: %v", err)
	}
	if string(req.CanonicalPayload) != string(alt) {
		t.Fatalf("canonical payload should be independent of rule id order:\n%s\n%s", req.CanonicalPayload, alt)
	}
}

func TestRecordSignature_OverwritesOnDuplicateWitness(t *testing.T) {
	req, err := NewRequest("acme", []string{"rule_a"}, "user:root", 1, time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.RecordSignature("witness1", []byte("sig1"), []byte("pub1"))
	req.RecordSignature("witness1", []byte("sig2"), []byte("pub2"))
	if req.SignatureCount() != 1 {
		t.Fatalf("re-signing the same witness must not grow the signature count, got %d", req.SignatureCount())
	}
	if string(req.Signatures["witness1"]) != "sig2" {
		t.Fatalf("latest signature for a witness should overwrite the prior one")
	}
}

func TestRecordSignature_CountsDistinctWitnesses(t *testing.T) {
	req, err := NewRequest("acme", []string{"rule_a"}, "user:root", 2, time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.RecordSignature("witness1", []byte("sig1"), []byte("pub1"))
	req.RecordSignature("witness2", []byte("sig2"), []byte("pub2"))
	if req.SignatureCount() != 2 {
		t.Fatalf("expected 2 distinct witness signatures, got %d", req.SignatureCount())
	}
}
