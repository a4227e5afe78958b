package anchor

import (
	"context"
	"testing"
	"time"

	"github.com/certen/decisiongraph-kernel/pkg/shadow"
)

func buildOverlay(baseIDs ...string) *shadow.OverlayContext {
	o := shadow.NewOverlayContext()
	for _, id := range baseIDs {
		o.Add(shadow.KindFact, id, nil)
	}
	return o
}

// rerunRequiring returns a RerunFunc that reports verdictChanged=true iff
// target is present among the subset's base cell ids.
func rerunRequiring(target string) RerunFunc {
	return func(subset *shadow.OverlayContext) (bool, error) {
		for _, oc := range subset.Flatten() {
			if oc.BaseCellID == target {
				return true, nil
			}
		}
		return false, nil
	}
}

func TestSearch_FindsMinimalSingleCellAnchor(t *testing.T) {
	overlay := buildOverlay("a", "b", "c")
	budget := NewBudget(1000, time.Minute)
	result, err := Search(context.Background(), overlay, budget, rerunRequiring("b"))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.Incomplete {
		t.Fatalf("search with ample budget must not be incomplete")
	}
	if len(result.Anchors) != 1 || result.Anchors[0][1] != "b" {
		t.Fatalf("expected minimal anchor [Fact b], got %v", result.Anchors)
	}
}

func TestSearch_EmptyOverlayYieldsEmptyAnchorsNotIncomplete(t *testing.T) {
	overlay := buildOverlay()
	budget := NewBudget(1000, time.Minute)
	result, err := Search(context.Background(), overlay, budget, func(subset *shadow.OverlayContext) (bool, error) {
		return false, nil
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.Incomplete {
		t.Fatalf("empty overlay search must not report incomplete")
	}
	if len(result.Anchors) != 0 {
		t.Fatalf("expected no anchors for an empty overlay, got %v", result.Anchors)
	}
}

func TestSearch_BudgetExhaustionMarksIncomplete(t *testing.T) {
	overlay := buildOverlay("a", "b", "c", "d")
	budget := NewBudget(1, time.Minute)
	result, err := Search(context.Background(), overlay, budget, rerunRequiring("d"))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !result.Incomplete {
		t.Fatalf("search exhausting its attempt budget before finding an anchor must be marked incomplete")
	}
	if result.AttemptsUsed > 1 {
		t.Fatalf("attempts used should respect the budget cap, got %d", result.AttemptsUsed)
	}
}

func TestSearch_AnchorHashIsDeterministic(t *testing.T) {
	overlay := buildOverlay("a", "b")
	budget1 := NewBudget(1000, time.Minute)
	r1, err := Search(context.Background(), overlay, budget1, rerunRequiring("a"))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	budget2 := NewBudget(1000, time.Minute)
	r2, err := Search(context.Background(), overlay, budget2, rerunRequiring("a"))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if r1.AnchorHash != r2.AnchorHash {
		t.Fatalf("identical searches must produce identical anchor hashes: %s != %s", r1.AnchorHash, r2.AnchorHash)
	}
}

func TestSearch_PropagatesContextCancellation(t *testing.T) {
	overlay := buildOverlay("a", "b", "c")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	budget := NewBudget(1000, time.Minute)
	result, err := Search(ctx, overlay, budget, rerunRequiring("c"))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !result.Incomplete {
		t.Fatalf("search over an already-cancelled context must be marked incomplete")
	}
}
