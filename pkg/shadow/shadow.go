// Package shadow implements structurally isolated simulation: shadow
// cells produced by replacement (never mutation), and a guaranteed-
// cleanup context that forks the base chain, layers overlay cells onto
// the fork, and discards the fork on Close.
//
// Grounded on pkg/execution/unified_adapter.go's adapter-wraps-base
// pattern and main.go's LedgerStoreWrapper, generalized into a Go
// resource scope: Enter builds the Context, a deferred Close discards
// it, since Go has no context-manager equivalent to lean on.
package shadow

import (
	"sort"

	"github.com/certen/decisiongraph-kernel/pkg/cell"
	"github.com/certen/decisiongraph-kernel/pkg/chain"
	"github.com/certen/decisiongraph-kernel/pkg/dgerrors"
)

// Kind enumerates the shadow cell kinds, in the fixed order anchor
// search must enumerate overlay cells (§11): Fact < Rule < Policy < Bridge.
type Kind int

const (
	KindFact Kind = iota
	KindRule
	KindPolicy
	KindBridge
)

// String renders Kind for diagnostics and deterministic sort keys.
func (k Kind) String() string {
	switch k {
	case KindFact:
		return "Fact"
	case KindRule:
		return "Rule"
	case KindPolicy:
		return "Policy"
	case KindBridge:
		return "Bridge"
	default:
		return "Unknown"
	}
}

// ReplaceFact produces a shadow cell with base's header/anchor/evidence
// but newFact in place of base's fact, re-running field validation and
// recomputing cell_id. base is never mutated.
func ReplaceFact(base *cell.Cell, newFact cell.Fact) (*cell.Cell, error) {
	if reasons := cell.MustValidateAll(newFact); len(reasons) > 0 {
		return nil, dgerrors.New(dgerrors.KindInputInvalid, "shadow fact failed validation", map[string]any{"reasons": reasons})
	}
	return cell.Rebuild(base.Header(), newFact, base.LogicAnchor(), base.Evidence(), base.Proof())
}

// ReplaceRule produces a shadow cell with base's fact/evidence/proof
// but newAnchor in place of base's logic anchor.
func ReplaceRule(base *cell.Cell, newAnchor cell.LogicAnchor) (*cell.Cell, error) {
	return cell.Rebuild(base.Header(), base.Fact(), newAnchor, base.Evidence(), base.Proof())
}

// ReplacePolicy produces a shadow cell with base's header/anchor/proof
// but newFact (typically a re-encoded PolicyHeadPayload) in place of
// base's fact.
func ReplacePolicy(base *cell.Cell, newFact cell.Fact) (*cell.Cell, error) {
	return cell.Rebuild(base.Header(), newFact, base.LogicAnchor(), base.Evidence(), base.Proof())
}

// ReplaceBridge produces a shadow cell with base's header/anchor/proof
// but newFact (the grants_access_to / revoke_bridge triple) in place
// of base's fact.
func ReplaceBridge(base *cell.Cell, newFact cell.Fact) (*cell.Cell, error) {
	return cell.Rebuild(base.Header(), newFact, base.LogicAnchor(), base.Evidence(), base.Proof())
}

// OverlayCell pairs a shadow cell with the base cell_id it replaces
// and its Kind, the unit anchor search ablates one at a time.
type OverlayCell struct {
	Kind       Kind
	BaseCellID string
	Shadow     *cell.Cell
}

// OverlayContext groups shadow cells by kind, each keyed by the base
// cell id it replaces.
type OverlayContext struct {
	Cells map[Kind]map[string]*cell.Cell
}

// NewOverlayContext returns an empty OverlayContext.
func NewOverlayContext() *OverlayContext {
	return &OverlayContext{Cells: map[Kind]map[string]*cell.Cell{
		KindFact: {}, KindRule: {}, KindPolicy: {}, KindBridge: {},
	}}
}

// Add registers a shadow cell under kind, keyed by the base cell id it
// replaces.
func (o *OverlayContext) Add(kind Kind, baseCellID string, shadow *cell.Cell) {
	if o.Cells[kind] == nil {
		o.Cells[kind] = map[string]*cell.Cell{}
	}
	o.Cells[kind][baseCellID] = shadow
}

// Flatten returns every overlay cell as an OverlayCell list, sorted by
// Kind then by base cell_id — the fixed enumeration order anchor
// search requires.
func (o *OverlayContext) Flatten() []OverlayCell {
	var out []OverlayCell
	for kind := KindFact; kind <= KindBridge; kind++ {
		var baseIDs []string
		for id := range o.Cells[kind] {
			baseIDs = append(baseIDs, id)
		}
		sort.Strings(baseIDs)
		for _, id := range baseIDs {
			out = append(out, OverlayCell{Kind: kind, BaseCellID: id, Shadow: o.Cells[kind][id]})
		}
	}
	return out
}

// Context is the guaranteed-cleanup simulation scope. Enter forks the
// base chain and appends overlay cells onto the fork before any shadow
// Scholar sees it; Close drops the forked chain, leaving the base
// chain's backing array untouched — Fork already guarantees that by
// construction (pkg/chain).
type Context struct {
	Shadow *chain.Chain
	closed bool
}

// Enter forks base and appends every overlay cell onto the fork in
// Flatten's fixed order. Each overlay cell's header was built relative
// to the base cell it replaces, whose chain position the overlay now
// supersedes, so Enter re-links it onto the fork's evolving head
// (PrevCellHash, SystemTime) before appending — this recomputes the
// overlay's cell_id a second time, which is expected: a shadow cell's
// identity is a function of where it actually lands, not where its
// base cell used to sit. Overlay cells are appended with signature
// verification disabled: they are synthetic counterfactuals, not
// witnessed chain history.
func Enter(base *chain.Chain, overlay *OverlayContext) (*Context, error) {
	forked := base.Fork()
	for _, oc := range overlay.Flatten() {
		relinked, err := relinkOntoHead(forked, oc.Shadow)
		if err != nil {
			return nil, dgerrors.Wrap(dgerrors.KindInternalError, "relink overlay cell onto shadow chain head", err, map[string]any{
				"kind": oc.Kind.String(), "base_cell_id": oc.BaseCellID,
			})
		}
		if err := forked.Append(relinked, false); err != nil {
			return nil, dgerrors.Wrap(dgerrors.KindInternalError, "append overlay cell to shadow chain", err, map[string]any{
				"kind": oc.Kind.String(), "base_cell_id": oc.BaseCellID,
			})
		}
	}
	return &Context{Shadow: forked}, nil
}

// relinkOntoHead rebuilds c with its header's PrevCellHash pointed at
// the fork's current head and SystemTime bumped up to the head's if it
// would otherwise regress, recomputing cell_id. Fact/LogicAnchor/
// Evidence/Proof are unchanged.
func relinkOntoHead(forked *chain.Chain, c *cell.Cell) (*cell.Cell, error) {
	head := forked.Head()
	header := c.Header()
	header.PrevCellHash = head.CellID()
	if header.SystemTime.Before(head.Header().SystemTime) {
		header.SystemTime = head.Header().SystemTime
	}
	return cell.Rebuild(header, c.Fact(), c.LogicAnchor(), c.Evidence(), c.Proof())
}

// Close discards the shadow chain. It is idempotent and safe to call
// via defer regardless of how Enter's caller exits.
func (c *Context) Close() {
	c.closed = true
	c.Shadow = nil
}
