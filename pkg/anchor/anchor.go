// Package anchor implements counterfactual anchor search: given a
// simulation whose verdict changed, find the minimal subset of overlay
// cells that alone still causes the change.
//
// Grounded on pkg/consensus/types.go's small deterministic
// combinatorics helpers (IsByzantineFaultTolerant, CalculateRequiredCount)
// extended here into a budget-bounded greedy ablation search.
package anchor

import (
	"context"
	"sort"
	"time"

	"github.com/certen/decisiongraph-kernel/pkg/canon"
	"github.com/certen/decisiongraph-kernel/pkg/dgerrors"
	"github.com/certen/decisiongraph-kernel/pkg/shadow"
)

// Budget bounds the search by attempt count and wall-clock runtime,
// measured with a monotonic clock — never baked into any hash.
type Budget struct {
	MaxAttempts int
	MaxRuntime  time.Duration

	attempts int
	start    time.Time
}

// NewBudget returns a Budget ready to use; its internal clock starts
// on the first Exceeded, recordAttempt or elapsedMS call (Attempts does
// not start it).
func NewBudget(maxAttempts int, maxRuntime time.Duration) Budget {
	return Budget{MaxAttempts: maxAttempts, MaxRuntime: maxRuntime}
}

// Attempts reports the number of rerun attempts consumed so far.
func (b *Budget) Attempts() int { return b.attempts }

func (b *Budget) touch() {
	if b.start.IsZero() {
		b.start = time.Now()
	}
}

// Exceeded reports whether the budget has been spent.
func (b *Budget) Exceeded() bool {
	b.touch()
	if b.attempts >= b.MaxAttempts {
		return true
	}
	return time.Since(b.start) >= b.MaxRuntime
}

func (b *Budget) recordAttempt() {
	b.touch()
	b.attempts++
}

func (b *Budget) elapsedMS() int64 {
	b.touch()
	return time.Since(b.start).Milliseconds()
}

// Result is the outcome of Search.
type Result struct {
	Anchors      [][2]string // (kind, cell_id), sorted
	Incomplete   bool
	AttemptsUsed int
	RuntimeMS    int64
	AnchorHash   string
}

// RerunFunc re-applies only the cells in subset and reports whether the
// simulation's verdict changed with that reduced overlay. Search never
// knows how a rerun is actually performed — pkg/engine supplies the
// closure, decoupling anchor search from simulation execution behind a
// narrow interface.
type RerunFunc func(subset *shadow.OverlayContext) (verdictChanged bool, err error)

// Search enumerates overlay cells sorted by (kind, cell_id), then
// descends subset sizes from len-1 down to 0, accepting the first
// subset at each size whose rerun still changes the verdict as the new
// current best, and stopping as soon as a size produces no such
// subset (the previous best is then minimal within the budget spent).
func Search(ctx context.Context, overlay *shadow.OverlayContext, budget Budget, rerun RerunFunc) (*Result, error) {
	cells := overlay.Flatten()
	n := len(cells)

	best := cells // current best starts as the full overlay
	var stopErr error
	incomplete := false

	for size := n - 1; size >= 0; size-- {
		foundAtThisSize := false

		forEachCombination(n, size, func(idx []int) bool {
			if budget.Exceeded() {
				incomplete = true
				return false
			}
			select {
			case <-ctx.Done():
				incomplete = true
				return false
			default:
			}

			candidate := make([]shadow.OverlayCell, len(idx))
			for i, j := range idx {
				candidate[i] = cells[j]
			}

			budget.recordAttempt()
			changed, err := rerun(overlayFromCells(candidate))
			if err != nil {
				stopErr = err
				return false
			}
			if changed {
				best = candidate
				foundAtThisSize = true
				return false
			}
			return true
		})

		if stopErr != nil {
			return nil, dgerrors.Wrap(dgerrors.KindInternalError, "anchor search rerun failed", stopErr, nil)
		}
		if incomplete {
			return finish(best, budget, true)
		}
		if !foundAtThisSize {
			break
		}
	}

	return finish(best, budget, false)
}

func finish(best []shadow.OverlayCell, budget Budget, incomplete bool) (*Result, error) {
	anchors := make([][2]string, len(best))
	for i, oc := range best {
		anchors[i] = [2]string{oc.Kind.String(), oc.BaseCellID}
	}
	sort.Slice(anchors, func(i, j int) bool {
		if anchors[i][0] != anchors[j][0] {
			return anchors[i][0] < anchors[j][0]
		}
		return anchors[i][1] < anchors[j][1]
	})

	hash, err := canon.ContentHash(anchors)
	if err != nil {
		return nil, dgerrors.Wrap(dgerrors.KindInternalError, "hash anchor list", err, nil)
	}

	return &Result{
		Anchors:      anchors,
		Incomplete:   incomplete,
		AttemptsUsed: budget.Attempts(),
		RuntimeMS:    budget.elapsedMS(),
		AnchorHash:   hash,
	}, nil
}

func overlayFromCells(cells []shadow.OverlayCell) *shadow.OverlayContext {
	o := shadow.NewOverlayContext()
	for _, oc := range cells {
		o.Add(oc.Kind, oc.BaseCellID, oc.Shadow)
	}
	return o
}

// forEachCombination calls visit with every size-length subset of
// {0,...,n-1}, as index slices, in lexicographic order, stopping early
// as soon as visit returns false.
func forEachCombination(n, size int, visit func(idx []int) bool) {
	if size < 0 || size > n {
		return
	}
	if size == 0 {
		visit([]int{})
		return
	}
	idx := make([]int, size)
	for i := range idx {
		idx[i] = i
	}
	for {
		if !visit(idx) {
			return
		}
		i := size - 1
		for i >= 0 && idx[i] == i+n-size {
			i--
		}
		if i < 0 {
			return
		}
		idx[i]++
		for j := i + 1; j < size; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}
