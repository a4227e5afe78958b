package engine

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/certen/decisiongraph-kernel/pkg/cell"
	"github.com/certen/decisiongraph-kernel/pkg/chain"
	"github.com/certen/decisiongraph-kernel/pkg/genesis"
	"github.com/certen/decisiongraph-kernel/pkg/policy"
	"github.com/certen/decisiongraph-kernel/pkg/promotion"
	"github.com/certen/decisiongraph-kernel/pkg/shadow"
	"github.com/certen/decisiongraph-kernel/pkg/signing"
)

func ed25519GenerateForTest() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	priv, pub, err := signing.GenerateKeypair()
	return pub, priv, err
}

func signForTest(priv ed25519.PrivateKey, data []byte) ([]byte, error) {
	return signing.SignBytes(priv, data)
}

func newTestEngine(t *testing.T, witnesses *policy.WitnessSet) (*Engine, *cell.Cell) {
	t.Helper()
	g, err := genesis.CreateGenesisCell("acme", "acme", "user:root", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), cell.HashSchemeCanonicalJSONV1, witnesses)
	if err != nil {
		t.Fatalf("CreateGenesisCell: %v", err)
	}
	ch, err := chain.Initialize(g)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return New(ch, nil, nil, nil), g
}

func appendFact(t *testing.T, ch *chain.Chain, subject, predicate, object string, quality cell.SourceQuality, validFrom time.Time) *cell.Cell {
	t.Helper()
	head := ch.Head()
	f, err := cell.New(cell.Header{
		Version: 1, CellType: cell.CellTypeFact, GraphID: head.Header().GraphID,
		HashScheme: head.Header().HashScheme, SystemTime: head.Header().SystemTime.Add(time.Minute),
		PrevCellHash: head.CellID(),
	}, cell.Fact{
		Namespace: "acme", Subject: subject, Predicate: predicate,
		Object: object, Confidence: 1.0, SourceQuality: quality,
		ValidFrom: validFrom,
	}, cell.LogicAnchor{}, cell.Evidence{}, cell.Proof{})
	if err != nil {
		t.Fatalf("New fact: %v", err)
	}
	if err := ch.Append(f, false); err != nil {
		t.Fatalf("Append fact: %v", err)
	}
	return f
}

func TestProcessRFA_SameNamespaceReturnsSignedProofPacket(t *testing.T) {
	eng, g := newTestEngine(t, nil)
	appendFact(t, eng.Chain(), "user:alice", "has_salary", "80000", cell.SourceQualityAsserted, g.Header().SystemTime)

	pub, priv, err := ed25519GenerateForTest()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	rfa := map[string]any{
		"namespace":            "acme",
		"requester_namespace":  "acme",
		"requester_id":         "user:bob",
		"subject":              "user:alice",
		"predicate":            "has_salary",
	}
	packet, err := eng.ProcessRFA(rfa, priv)
	if err != nil {
		t.Fatalf("ProcessRFA: %v", err)
	}
	if packet.Signature == nil {
		t.Fatalf("expected a signed packet when a signing key is supplied")
	}
	if !VerifyProofPacket(packet, pub) {
		t.Fatalf("packet signature must verify against the signer's public key")
	}
	results, ok := packet.ProofBundle["results"].(map[string]any)
	if !ok {
		t.Fatalf("proof bundle missing results section")
	}
	if results["fact_count"].(int) != 1 {
		t.Fatalf("expected 1 resolved fact, got %v", results["fact_count"])
	}
}

func TestProcessRFA_CrossNamespaceWithoutBridgeIsDenied(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	rfa := map[string]any{
		"namespace":           "acme",
		"requester_namespace": "other",
		"requester_id":        "user:bob",
	}
	packet, err := eng.ProcessRFA(rfa, nil)
	if err != nil {
		t.Fatalf("ProcessRFA: %v", err)
	}
	basis, ok := packet.ProofBundle["authorization_basis"].(map[string]any)
	if !ok {
		t.Fatalf("proof bundle missing authorization_basis")
	}
	if basis["allowed"] != false {
		t.Fatalf("cross-namespace access without a bridge must be denied, got %v", basis)
	}
}

func TestProcessRFA_RejectsMissingRequiredField(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	_, err := eng.ProcessRFA(map[string]any{"namespace": "acme"}, nil)
	if err == nil {
		t.Fatalf("expected a SchemaInvalid error for a missing required field")
	}
}

func TestSimulateRFA_VerdictChangeTriggersAnchorSearch(t *testing.T) {
	eng, g := newTestEngine(t, nil)
	atValidTime := g.Header().SystemTime.Add(time.Hour)
	fact := appendFact(t, eng.Chain(), "user:alice", "has_salary", "80000", cell.SourceQualityAsserted, g.Header().SystemTime)

	// Pushing valid_from past the query's at_valid_time drops this fact
	// out of the shadow chain's bitemporal window entirely, shrinking
	// its fact_cell_ids count relative to the base resolution.
	replacement := fact.Fact()
	replacement.ValidFrom = atValidTime.Add(time.Hour)
	shadowCell, err := shadow.ReplaceFact(fact, replacement)
	if err != nil {
		t.Fatalf("ReplaceFact: %v", err)
	}
	overlay := shadow.NewOverlayContext()
	overlay.Add(shadow.KindFact, fact.CellID(), shadowCell)

	rfa := map[string]any{
		"namespace":           "acme",
		"requester_namespace": "acme",
		"requester_id":        "user:bob",
		"subject":             "user:alice",
	}
	result, err := eng.SimulateRFA(rfa, overlay, atValidTime, atValidTime, 100, time.Second)
	if err != nil {
		t.Fatalf("SimulateRFA: %v", err)
	}
	if result.ContaminationDetected {
		t.Fatalf("base chain must be untouched by simulation")
	}
	if eng.Chain().Length() != 2 {
		t.Fatalf("base chain length must be unchanged after simulation, got %d", eng.Chain().Length())
	}
	if !result.DeltaReport.VerdictChanged {
		t.Fatalf("expected the fact count to change once the replacement falls outside the valid-time window")
	}
	if result.Anchors == nil || len(result.Anchors.Anchors) == 0 {
		t.Fatalf("expected anchor search to find the single cell responsible for the verdict change")
	}
}

func TestSimulateRFA_NoVerdictChangeSkipsAnchorSearch(t *testing.T) {
	eng, g := newTestEngine(t, nil)
	appendFact(t, eng.Chain(), "user:alice", "has_salary", "80000", cell.SourceQualityAsserted, g.Header().SystemTime)

	overlay := shadow.NewOverlayContext()
	rfa := map[string]any{
		"namespace":           "acme",
		"requester_namespace": "acme",
		"requester_id":        "user:bob",
		"subject":             "user:alice",
	}
	now := time.Now().UTC()
	result, err := eng.SimulateRFA(rfa, overlay, now, now, 100, time.Second)
	if err != nil {
		t.Fatalf("SimulateRFA: %v", err)
	}
	if result.DeltaReport.VerdictChanged {
		t.Fatalf("empty overlay must not change the verdict")
	}
	if len(result.Anchors.Anchors) != 0 {
		t.Fatalf("expected no anchors searched when the verdict did not change")
	}
}

func TestPromotionLifecycle_TwoOfThreeThresholdFinalizes(t *testing.T) {
	ws, err := policy.NewWitnessSet("acme", []string{"w1", "w2", "w3"}, 2)
	if err != nil {
		t.Fatalf("NewWitnessSet: %v", err)
	}
	eng, g := newTestEngine(t, ws)
	rule := appendFact(t, eng.Chain(), "rule:discount", "defines_rule", "allow", cell.SourceQualityAuthoritative, g.Header().SystemTime)

	promoID, err := eng.SubmitPromotion("acme", []string{rule.CellID()}, "user:root")
	if err != nil {
		t.Fatalf("SubmitPromotion: %v", err)
	}

	req := eng.promotions[promoID]
	pub1, priv1, _ := ed25519GenerateForTest()
	sig1, err := signForTest(priv1, req.CanonicalPayload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	status, err := eng.CollectWitnessSignature(promoID, "w1", sig1, pub1)
	if err != nil {
		t.Fatalf("CollectWitnessSignature w1: %v", err)
	}
	if status != promotion.StatusCollecting {
		t.Fatalf("expected Collecting after 1 of 2 required signatures, got %v", status)
	}

	pub2, priv2, _ := ed25519GenerateForTest()
	sig2, err := signForTest(priv2, req.CanonicalPayload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	status, err = eng.CollectWitnessSignature(promoID, "w2", sig2, pub2)
	if err != nil {
		t.Fatalf("CollectWitnessSignature w2: %v", err)
	}
	if string(status) != "ThresholdMet" {
		t.Fatalf("expected ThresholdMet after 2 of 3 signatures, got %v", status)
	}

	cellID, err := eng.FinalizePromotion(promoID)
	if err != nil {
		t.Fatalf("FinalizePromotion: %v", err)
	}
	if cellID == "" {
		t.Fatalf("expected a non-empty policy head cell id")
	}
	if eng.Chain().Head().CellID() != cellID {
		t.Fatalf("the finalized policy head must be the new chain head")
	}
}

func TestFinalizePromotion_RejectsConcurrentPromotionRace(t *testing.T) {
	ws, err := policy.NewWitnessSet("acme", []string{"w1", "w2"}, 1)
	if err != nil {
		t.Fatalf("NewWitnessSet: %v", err)
	}
	eng, g := newTestEngine(t, ws)
	rule := appendFact(t, eng.Chain(), "rule:discount", "defines_rule", "allow", cell.SourceQualityAuthoritative, g.Header().SystemTime)

	promoID, err := eng.SubmitPromotion("acme", []string{rule.CellID()}, "user:root")
	if err != nil {
		t.Fatalf("SubmitPromotion: %v", err)
	}
	req := eng.promotions[promoID]
	pub1, priv1, _ := ed25519GenerateForTest()
	sig1, err := signForTest(priv1, req.CanonicalPayload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := eng.CollectWitnessSignature(promoID, "w1", sig1, pub1); err != nil {
		t.Fatalf("CollectWitnessSignature: %v", err)
	}

	// A second promotion finalizes first, moving the policy head out
	// from under the first promotion's recorded expectation.
	rule2 := appendFact(t, eng.Chain(), "rule:surcharge", "defines_rule", "deny", cell.SourceQualityAuthoritative, g.Header().SystemTime)
	otherPromo, err := eng.SubmitPromotion("acme", []string{rule2.CellID()}, "user:root")
	if err != nil {
		t.Fatalf("SubmitPromotion (other): %v", err)
	}
	otherReq := eng.promotions[otherPromo]
	opub, opriv, _ := ed25519GenerateForTest()
	osig, err := signForTest(opriv, otherReq.CanonicalPayload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := eng.CollectWitnessSignature(otherPromo, "w1", osig, opub); err != nil {
		t.Fatalf("CollectWitnessSignature (other): %v", err)
	}
	if _, err := eng.FinalizePromotion(otherPromo); err != nil {
		t.Fatalf("FinalizePromotion (other): %v", err)
	}

	if _, err := eng.FinalizePromotion(promoID); err == nil {
		t.Fatalf("expected the first promotion's finalize to fail once the policy head has moved")
	}
}

func TestCollectWitnessSignature_RejectsNonWitness(t *testing.T) {
	ws, err := policy.NewWitnessSet("acme", []string{"w1"}, 1)
	if err != nil {
		t.Fatalf("NewWitnessSet: %v", err)
	}
	eng, g := newTestEngine(t, ws)
	rule := appendFact(t, eng.Chain(), "rule:discount", "defines_rule", "allow", cell.SourceQualityAuthoritative, g.Header().SystemTime)
	promoID, err := eng.SubmitPromotion("acme", []string{rule.CellID()}, "user:root")
	if err != nil {
		t.Fatalf("SubmitPromotion: %v", err)
	}
	pub, priv, _ := ed25519GenerateForTest()
	sig, err := signForTest(priv, eng.promotions[promoID].CanonicalPayload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := eng.CollectWitnessSignature(promoID, "not-a-witness", sig, pub); err == nil {
		t.Fatalf("expected an authorization error for a non-witness signer")
	}
}

func TestRunBacktest_OrdersBySimilarityThenCellID(t *testing.T) {
	eng, g := newTestEngine(t, nil)
	appendFact(t, eng.Chain(), "user:alice", "has_salary", "80000", cell.SourceQualityAsserted, g.Header().SystemTime)

	rfas := []map[string]any{
		{"namespace": "acme", "requester_namespace": "acme", "requester_id": "user:bob", "subject": "user:alice"},
		{"namespace": "acme", "requester_namespace": "acme", "requester_id": "user:carol", "subject": "user:alice"},
	}
	overlay := shadow.NewOverlayContext()
	now := time.Now().UTC()
	batch, err := eng.RunBacktest(rfas, overlay, now, now, 10, time.Second)
	if err != nil {
		t.Fatalf("RunBacktest: %v", err)
	}
	if len(batch.Cases) != 2 {
		t.Fatalf("expected 2 backtest cases, got %d", len(batch.Cases))
	}
}
