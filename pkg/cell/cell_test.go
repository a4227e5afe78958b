package cell

import (
	"strings"
	"testing"
	"time"
)

func validHeader(prev string) Header {
	return Header{
		Version:      1,
		CellType:     CellTypeFact,
		GraphID:      "graph:test",
		HashScheme:   HashSchemeCanonicalJSONV1,
		SystemTime:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PrevCellHash: prev,
	}
}

func validFact() Fact {
	return Fact{
		Namespace:     "acme.hr",
		Subject:       "user:alice",
		Predicate:     "has_salary",
		Object:        "80000.50",
		Confidence:    0.9,
		SourceQuality: SourceQualityAuthoritative,
		ValidFrom:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestNew_ProducesVerifiableCell(t *testing.T) {
	c, err := New(validHeader("0000000000000000000000000000000000000000000000000000000000000000"), validFact(), LogicAnchor{}, Evidence{}, Proof{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.CellID() == "" {
		t.Fatalf("CellID must not be empty")
	}
	if !c.VerifyIntegrity() {
		t.Fatalf("VerifyIntegrity should succeed on a freshly built cell")
	}
}

func TestNew_SameInputsProduceSameCellID(t *testing.T) {
	h := validHeader("0000000000000000000000000000000000000000000000000000000000000000")
	f := validFact()
	c1, err := New(h, f, LogicAnchor{}, Evidence{}, Proof{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c2, err := New(h, f, LogicAnchor{}, Evidence{}, Proof{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c1.CellID() != c2.CellID() {
		t.Fatalf("identical bodies must produce identical cell ids: %s != %s", c1.CellID(), c2.CellID())
	}
}

func TestNew_DifferentObjectProducesDifferentCellID(t *testing.T) {
	h := validHeader("0000000000000000000000000000000000000000000000000000000000000000")
	f1 := validFact()
	f2 := validFact()
	f2.Object = "90000.00"
	c1, err := New(h, f1, LogicAnchor{}, Evidence{}, Proof{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c2, err := New(h, f2, LogicAnchor{}, Evidence{}, Proof{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c1.CellID() == c2.CellID() {
		t.Fatalf("different facts must not collide on cell id")
	}
}

func TestVerifyIntegrity_FailsOnTamperedBody(t *testing.T) {
	c, err := New(validHeader("0000000000000000000000000000000000000000000000000000000000000000"), validFact(), LogicAnchor{}, Evidence{}, Proof{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tampered := c.body
	tampered.Fact.Object = "999999.99"
	forged := &Cell{cellID: c.CellID(), body: tampered}
	if forged.VerifyIntegrity() {
		t.Fatalf("VerifyIntegrity must fail when body content no longer matches cell_id")
	}
}

func TestIsGenesis(t *testing.T) {
	g, err := New(Header{
		Version:      1,
		CellType:     CellTypeGenesis,
		GraphID:      "graph:test",
		HashScheme:   HashSchemeCanonicalJSONV1,
		SystemTime:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PrevCellHash: "0000000000000000000000000000000000000000000000000000000000000000",
	}, Fact{}, LogicAnchor{}, Evidence{}, Proof{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !g.IsGenesis() {
		t.Fatalf("cell with CellTypeGenesis and null prev hash must report IsGenesis")
	}

	notGenesis, err := New(validHeader("0000000000000000000000000000000000000000000000000000000000000000"), validFact(), LogicAnchor{}, Evidence{}, Proof{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if notGenesis.IsGenesis() {
		t.Fatalf("non-Genesis cell type must not report IsGenesis")
	}
}

func TestValidateNamespace(t *testing.T) {
	cases := []struct {
		ns   string
		want bool
	}{
		{"a", true},
		{"acme", true},
		{"acme.hr", true},
		{"acme.hr.payroll", true},
		{"Acme", false},
		{"acme.", false},
		{".acme", false},
		{"ac me", false},
		{"", false},
	}
	for _, tc := range cases {
		err := ValidateNamespace(tc.ns)
		if (err == nil) != tc.want {
			t.Errorf("ValidateNamespace(%q) err=%v, want valid=%v", tc.ns, err, tc.want)
		}
	}
}

func TestValidateRootNamespace_RejectsDottedNames(t *testing.T) {
	if err := ValidateRootNamespace("acme"); err != nil {
		t.Errorf("single-segment root namespace should be valid: %v", err)
	}
	if err := ValidateRootNamespace("acme.hr"); err == nil {
		t.Errorf("dotted namespace must be rejected as a root namespace")
	}
}

func TestValidateSubject(t *testing.T) {
	cases := []struct {
		subject string
		want    bool
	}{
		{"user:alice", true},
		{"user:alice_2", true},
		{"user:", false},
		{"user", false},
		{"User:alice", false},
		{"user:Alice", false},
		{"user:" + strings.Repeat("a", 128), true},
		{"user:" + strings.Repeat("a", 129), false},
	}
	for _, tc := range cases {
		err := ValidateSubject(tc.subject)
		if (err == nil) != tc.want {
			t.Errorf("ValidateSubject(%q) err=%v, want valid=%v", tc.subject, err, tc.want)
		}
	}
}

func TestValidateObject_BoundaryLength(t *testing.T) {
	if err := ValidateObject(strings.Repeat("a", 4096)); err != nil {
		t.Errorf("object at exactly max length should be valid: %v", err)
	}
	if err := ValidateObject(strings.Repeat("a", 4097)); err == nil {
		t.Errorf("object exceeding max length must be rejected")
	}
}

func TestValidateObject_RejectsDisallowedControlChars(t *testing.T) {
	if err := ValidateObject("plain text\twith tab and\nnewline"); err != nil {
		t.Errorf("tab/newline should be allowed: %v", err)
	}
	if err := ValidateObject("bell\x07ring"); err == nil {
		t.Errorf("disallowed control character must be rejected")
	}
}

func TestValidateTimestamp_RejectsNonUTC(t *testing.T) {
	if err := ValidateTimestamp("2026-01-01T00:00:00Z"); err != nil {
		t.Errorf("UTC timestamp should be valid: %v", err)
	}
	if err := ValidateTimestamp("2026-01-01T00:00:00+05:00"); err == nil {
		t.Errorf("non-UTC offset timestamp must be rejected")
	}
	if err := ValidateTimestamp("not-a-timestamp"); err == nil {
		t.Errorf("malformed timestamp must be rejected")
	}
}

func TestNew_RejectsOutOfRangeConfidence(t *testing.T) {
	f := validFact()
	f.Confidence = 1.5
	if _, err := New(validHeader("0000000000000000000000000000000000000000000000000000000000000000"), f, LogicAnchor{}, Evidence{}, Proof{}); err == nil {
		t.Fatalf("confidence above 1 must be rejected")
	}
}

func TestRebuild_MatchesNewForSameFields(t *testing.T) {
	h := validHeader("0000000000000000000000000000000000000000000000000000000000000000")
	f := validFact()
	viaNew, err := New(h, f, LogicAnchor{}, Evidence{}, Proof{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	viaRebuild, err := Rebuild(h, f, LogicAnchor{}, Evidence{}, Proof{})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if viaNew.CellID() != viaRebuild.CellID() {
		t.Fatalf("Rebuild must produce the same cell id as New for identical fields")
	}
}

func TestCanonicalPayload_OmitsEmptyEvidenceAndLogicAnchor(t *testing.T) {
	c, err := New(validHeader("0000000000000000000000000000000000000000000000000000000000000000"), validFact(), LogicAnchor{}, Evidence{}, Proof{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload := c.CanonicalPayload()
	if _, present := payload["evidence"]; present {
		t.Errorf("empty evidence must be omitted from canonical payload")
	}
	if _, present := payload["logic_anchor"]; present {
		t.Errorf("empty logic anchor must be omitted from canonical payload")
	}
}

func TestMustValidateAll_ReportsEachBadField(t *testing.T) {
	bad := Fact{
		Namespace: "BAD NS",
		Subject:   "nocolon",
		Predicate: "BAD-PRED",
		Object:    strings.Repeat("x", 5000),
	}
	reasons := MustValidateAll(bad)
	if len(reasons) != 4 {
		t.Fatalf("expected 4 validation reasons, got %d: %v", len(reasons), reasons)
	}
}
