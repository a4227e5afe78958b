package shadow

import (
	"testing"
	"time"

	"github.com/certen/decisiongraph-kernel/pkg/cell"
	"github.com/certen/decisiongraph-kernel/pkg/chain"
	"github.com/certen/decisiongraph-kernel/pkg/genesis"
)

func newTestChain(t *testing.T) (*chain.Chain, *cell.Cell) {
	t.Helper()
	g, err := genesis.CreateGenesisCell("acme", "acme", "user:root", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), cell.HashSchemeCanonicalJSONV1, nil)
	if err != nil {
		t.Fatalf("CreateGenesisCell: %v", err)
	}
	ch, err := chain.Initialize(g)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	head := ch.Head()
	fact, err := cell.New(cell.Header{
		Version: 1, CellType: cell.CellTypeFact, GraphID: head.Header().GraphID,
		HashScheme: head.Header().HashScheme, SystemTime: head.Header().SystemTime.Add(time.Minute),
		PrevCellHash: head.CellID(),
	}, cell.Fact{
		Namespace: "acme", Subject: "user:alice", Predicate: "has_salary",
		Object: "80000", Confidence: 1.0, SourceQuality: cell.SourceQualityAsserted,
		ValidFrom: head.Header().SystemTime,
	}, cell.LogicAnchor{}, cell.Evidence{}, cell.Proof{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ch.Append(fact, false); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return ch, fact
}

func TestReplaceFact_ProducesDistinctCellWithoutMutatingBase(t *testing.T) {
	_, base := newTestChain(t)
	newFact := base.Fact()
	newFact.Object = "95000"

	shadowCell, err := ReplaceFact(base, newFact)
	if err != nil {
		t.Fatalf("ReplaceFact: %v", err)
	}
	if shadowCell.CellID() == base.CellID() {
		t.Fatalf("shadow cell must have a distinct cell id from its base")
	}
	if base.Fact().Object != "80000" {
		t.Fatalf("base cell must be unchanged, got object %q", base.Fact().Object)
	}
	if shadowCell.Fact().Object != "95000" {
		t.Fatalf("shadow cell must carry the replacement fact")
	}
}

func TestReplaceFact_RejectsInvalidField(t *testing.T) {
	_, base := newTestChain(t)
	bad := base.Fact()
	bad.Subject = "no-colon-here"
	if _, err := ReplaceFact(base, bad); err == nil {
		t.Fatalf("ReplaceFact must validate the replacement fact")
	}
}

func TestEnter_BuildsIsolatedForkWithoutContaminatingBase(t *testing.T) {
	base, baseFact := newTestChain(t)
	baseLengthBefore := base.Length()

	replacement := baseFact.Fact()
	replacement.Object = "120000"
	shadowCell, err := ReplaceFact(baseFact, replacement)
	if err != nil {
		t.Fatalf("ReplaceFact: %v", err)
	}

	overlay := NewOverlayContext()
	overlay.Add(KindFact, baseFact.CellID(), shadowCell)

	ctx, err := Enter(base, overlay)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer ctx.Close()

	if base.Length() != baseLengthBefore {
		t.Fatalf("Enter must not mutate the base chain's length, got %d want %d", base.Length(), baseLengthBefore)
	}
	if ctx.Shadow.Length() != baseLengthBefore+1 {
		t.Fatalf("shadow chain should have one more cell than the base, got %d want %d", ctx.Shadow.Length(), baseLengthBefore+1)
	}
	if ctx.Shadow.Head().Fact().Object != "120000" {
		t.Fatalf("shadow chain head should carry the replacement fact")
	}
	if report := ctx.Shadow.Validate(); !report.Valid {
		t.Fatalf("shadow chain must validate cleanly after relinking, violations: %v", report.Violations)
	}
}

func TestEnter_MultipleOverlaysChainOntoEachOtherInFlattenOrder(t *testing.T) {
	base, baseFact := newTestChain(t)

	r1 := baseFact.Fact()
	r1.Object = "100000"
	s1, err := ReplaceFact(baseFact, r1)
	if err != nil {
		t.Fatalf("ReplaceFact: %v", err)
	}

	head := base.Head()
	second, err := cell.New(cell.Header{
		Version: 1, CellType: cell.CellTypeFact, GraphID: head.Header().GraphID,
		HashScheme: head.Header().HashScheme, SystemTime: head.Header().SystemTime.Add(time.Minute),
		PrevCellHash: head.CellID(),
	}, cell.Fact{
		Namespace: "acme", Subject: "user:bob", Predicate: "has_salary",
		Object: "60000", Confidence: 1.0, SourceQuality: cell.SourceQualityAsserted,
		ValidFrom: head.Header().SystemTime,
	}, cell.LogicAnchor{}, cell.Evidence{}, cell.Proof{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := base.Append(second, false); err != nil {
		t.Fatalf("Append second: %v", err)
	}
	r2 := second.Fact()
	r2.Object = "65000"
	s2, err := ReplaceFact(second, r2)
	if err != nil {
		t.Fatalf("ReplaceFact: %v", err)
	}

	overlay := NewOverlayContext()
	overlay.Add(KindFact, baseFact.CellID(), s1)
	overlay.Add(KindFact, second.CellID(), s2)

	ctx, err := Enter(base, overlay)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	defer ctx.Close()

	if report := ctx.Shadow.Validate(); !report.Valid {
		t.Fatalf("shadow chain with two chained overlays must validate, violations: %v", report.Violations)
	}
	if ctx.Shadow.Length() != base.Length() {
		t.Fatalf("every base cell position should be superseded 1:1, shadow length %d base length %d", ctx.Shadow.Length(), base.Length())
	}
}

func TestFlatten_OrdersByKindThenBaseCellID(t *testing.T) {
	overlay := NewOverlayContext()
	overlay.Add(KindBridge, "zzz", &cell.Cell{})
	overlay.Add(KindFact, "bbb", &cell.Cell{})
	overlay.Add(KindFact, "aaa", &cell.Cell{})

	flat := overlay.Flatten()
	if len(flat) != 3 {
		t.Fatalf("expected 3 flattened overlay cells, got %d", len(flat))
	}
	if flat[0].Kind != KindFact || flat[0].BaseCellID != "aaa" {
		t.Fatalf("expected first entry to be Fact/aaa, got %+v", flat[0])
	}
	if flat[1].Kind != KindFact || flat[1].BaseCellID != "bbb" {
		t.Fatalf("expected second entry to be Fact/bbb, got %+v", flat[1])
	}
	if flat[2].Kind != KindBridge {
		t.Fatalf("expected third entry to be Bridge, got %+v", flat[2])
	}
}

func TestClose_IsIdempotentAndDiscardsShadow(t *testing.T) {
	base, _ := newTestChain(t)
	ctx, err := Enter(base, NewOverlayContext())
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	ctx.Close()
	ctx.Close()
	if ctx.Shadow != nil {
		t.Fatalf("Close must discard the shadow chain reference")
	}
}
