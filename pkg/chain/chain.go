// Package chain implements the kernel's append-only, hash-linked
// sequence of cells: an in-memory ledger store minus the KV backing.
//
// Per-entity accessor methods generalize from a Postgres/CometBFT-KV-
// backed store to a slice-plus-index in-memory structure, with a
// repository-per-query pattern for the FindBy* methods below.
package chain

import (
	"strings"

	"github.com/certen/decisiongraph-kernel/pkg/canon"
	"github.com/certen/decisiongraph-kernel/pkg/cell"
	"github.com/certen/decisiongraph-kernel/pkg/dgerrors"
)

// Chain is the append-only, hash-linked sequence of cells belonging to
// a single graph. A Chain assumes single-writer access; concurrent
// writers must wrap it with their own synchronization.
type Chain struct {
	cells         []*cell.Cell
	index         map[string]int
	graphID       string
	hashScheme    cell.HashScheme
	rootNamespace string
}

// Violation describes a single integrity or linkage failure found
// during Validate.
type Violation struct {
	CellID string
	Reason string
}

// ValidationReport is the result of a full chain re-verification pass.
type ValidationReport struct {
	Valid      bool
	Violations []Violation
}

// Initialize creates a new Chain rooted at genesisCell. genesisCell
// must itself pass genesis.VerifyGenesis before being handed here;
// Initialize only checks the structural invariants a Chain can check
// on its own (cell_type, prev_cell_hash, integrity).
func Initialize(genesisCell *cell.Cell) (*Chain, error) {
	if genesisCell == nil {
		return nil, dgerrors.New(dgerrors.KindGenesisViolation, "genesis cell is nil", nil)
	}
	if !genesisCell.IsGenesis() {
		return nil, dgerrors.New(dgerrors.KindGenesisViolation, "cell is not a valid genesis cell", nil)
	}
	if !genesisCell.VerifyIntegrity() {
		return nil, dgerrors.New(dgerrors.KindIntegrityFail, "genesis cell_id does not match recomputed hash", nil)
	}

	ch := &Chain{
		cells:         []*cell.Cell{genesisCell},
		index:         map[string]int{genesisCell.CellID(): 0},
		graphID:       genesisCell.Header().GraphID,
		hashScheme:    genesisCell.Header().HashScheme,
		rootNamespace: genesisCell.Fact().Namespace,
	}
	return ch, nil
}

// Append validates c against the chain's tail and adds it. When
// verifySignatures is true and c.Proof().SignatureRequired is set,
// Append also checks the signature against the declared signer by
// calling the optional verify callback (callers supply the public-key
// lookup; omitting it while requiring verification is itself an
// error). Variadic so callers that never need signature checking can
// call Append(c, false) exactly as spec'd.
func (ch *Chain) Append(c *cell.Cell, verifySignatures bool, verify ...func(*cell.Cell) (bool, error)) error {
	var verifySignatureFn func(*cell.Cell) (bool, error)
	if len(verify) > 0 {
		verifySignatureFn = verify[0]
	}
	if c == nil {
		return dgerrors.New(dgerrors.KindInputInvalid, "cell is nil", nil)
	}
	if !c.VerifyIntegrity() {
		return dgerrors.New(dgerrors.KindIntegrityFail, "cell_id does not match recomputed hash", map[string]any{"cell_id": c.CellID()})
	}
	if c.Header().GraphID != ch.graphID {
		return dgerrors.New(dgerrors.KindGraphIdMismatch, "cell graph_id does not match chain", map[string]any{
			"expected": ch.graphID, "got": c.Header().GraphID,
		})
	}
	if c.Header().HashScheme != ch.hashScheme {
		return dgerrors.New(dgerrors.KindHashSchemeMismatch, "cell hash_scheme does not match graph's genesis commitment", map[string]any{
			"expected": string(ch.hashScheme), "got": string(c.Header().HashScheme),
		})
	}

	head := ch.Head()
	if c.Header().PrevCellHash != head.CellID() {
		return dgerrors.New(dgerrors.KindChainBreak, "prev_cell_hash does not match current head", map[string]any{
			"expected": head.CellID(), "got": c.Header().PrevCellHash,
		})
	}
	if c.Header().SystemTime.Before(head.Header().SystemTime) {
		return dgerrors.New(dgerrors.KindTemporalViolation, "system_time must be monotonically non-decreasing", map[string]any{
			"prev": head.Header().SystemTime, "next": c.Header().SystemTime,
		})
	}
	for _, refID := range c.Evidence().ReferencedCellIDs {
		if _, ok := ch.index[refID]; !ok {
			return dgerrors.New(dgerrors.KindChainBreak, "referenced_cell_id does not exist on chain", map[string]any{"referenced_cell_id": refID})
		}
	}

	if verifySignatures && c.Proof().SignatureRequired {
		if verifySignatureFn == nil {
			return dgerrors.New(dgerrors.KindSignatureInvalid, "signature required but no verifier supplied", nil)
		}
		ok, err := verifySignatureFn(c)
		if err != nil {
			return dgerrors.Wrap(dgerrors.KindSignatureInvalid, "signature verification failed", err, nil)
		}
		if !ok {
			return dgerrors.New(dgerrors.KindSignatureInvalid, "signature does not verify", map[string]any{"cell_id": c.CellID()})
		}
	}

	ch.index[c.CellID()] = len(ch.cells)
	ch.cells = append(ch.cells, c)
	return nil
}

// GetCell looks up a cell by its content-hash id.
func (ch *Chain) GetCell(id string) (*cell.Cell, bool) {
	i, ok := ch.index[id]
	if !ok {
		return nil, false
	}
	return ch.cells[i], true
}

// Head returns the most recently appended cell.
func (ch *Chain) Head() *cell.Cell { return ch.cells[len(ch.cells)-1] }

// Genesis returns the chain's root cell.
func (ch *Chain) Genesis() *cell.Cell { return ch.cells[0] }

// Length returns the number of cells on the chain, including genesis.
func (ch *Chain) Length() int { return len(ch.cells) }

// GraphID returns the chain's graph identity.
func (ch *Chain) GraphID() string { return ch.graphID }

// HashScheme returns the hash scheme committed to at genesis.
func (ch *Chain) HashScheme() cell.HashScheme { return ch.hashScheme }

// RootNamespace returns the namespace the genesis cell was created in.
func (ch *Chain) RootNamespace() string { return ch.rootNamespace }

// Cells returns the chain's cells in append order. The returned slice
// is the chain's own backing array and must be treated as read-only.
func (ch *Chain) Cells() []*cell.Cell { return ch.cells }

// Validate runs a full re-verification pass over every cell: content
// hash integrity, prev_cell_hash linkage, and system_time monotonicity.
func (ch *Chain) Validate() *ValidationReport {
	report := &ValidationReport{Valid: true}
	for i, c := range ch.cells {
		if !c.VerifyIntegrity() {
			report.Valid = false
			report.Violations = append(report.Violations, Violation{CellID: c.CellID(), Reason: "integrity: cell_id mismatch"})
		}
		if i == 0 {
			if c.Header().PrevCellHash != canon.NullHash {
				report.Valid = false
				report.Violations = append(report.Violations, Violation{CellID: c.CellID(), Reason: "genesis prev_cell_hash is not null hash"})
			}
			continue
		}
		prev := ch.cells[i-1]
		if c.Header().PrevCellHash != prev.CellID() {
			report.Valid = false
			report.Violations = append(report.Violations, Violation{CellID: c.CellID(), Reason: "prev_cell_hash does not match predecessor"})
		}
		if c.Header().SystemTime.Before(prev.Header().SystemTime) {
			report.Valid = false
			report.Violations = append(report.Violations, Violation{CellID: c.CellID(), Reason: "system_time regressed"})
		}
	}
	return report
}

// TraceToGenesis walks breadth-first from id over each cell's
// prev_cell_hash link and its referenced_cell_ids, returning every
// reachable cell once in traversal order (id first). Genesis is among
// them but is not necessarily last.
func (ch *Chain) TraceToGenesis(id string) ([]*cell.Cell, error) {
	start, ok := ch.GetCell(id)
	if !ok {
		return nil, dgerrors.New(dgerrors.KindInputInvalid, "cell not found", map[string]any{"cell_id": id})
	}

	var trace []*cell.Cell
	visited := map[string]bool{}
	queue := []*cell.Cell{start}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if visited[c.CellID()] {
			continue
		}
		visited[c.CellID()] = true
		trace = append(trace, c)
		if c.IsGenesis() {
			continue
		}
		if prev, ok := ch.GetCell(c.Header().PrevCellHash); ok && !visited[prev.CellID()] {
			queue = append(queue, prev)
		}
		for _, refID := range c.Evidence().ReferencedCellIDs {
			if ref, ok := ch.GetCell(refID); ok && !visited[ref.CellID()] {
				queue = append(queue, ref)
			}
		}
	}
	return trace, nil
}

// FindByType returns every cell with the given CellType, in chain order.
func (ch *Chain) FindByType(t cell.CellType) []*cell.Cell {
	var out []*cell.Cell
	for _, c := range ch.cells {
		if c.Header().CellType == t {
			out = append(out, c)
		}
	}
	return out
}

// FindBySubject returns every Fact-bearing cell whose subject matches.
func (ch *Chain) FindBySubject(subject string) []*cell.Cell {
	var out []*cell.Cell
	for _, c := range ch.cells {
		if c.Fact().Subject == subject {
			out = append(out, c)
		}
	}
	return out
}

// FindByNamespace returns every cell in ns, optionally including cells
// in dot-segment child namespaces of ns.
func (ch *Chain) FindByNamespace(ns string, includeChildren bool) []*cell.Cell {
	var out []*cell.Cell
	for _, c := range ch.cells {
		cns := c.Fact().Namespace
		if cns == ns || (includeChildren && isNamespacePrefix(ns, cns)) {
			out = append(out, c)
		}
	}
	return out
}

// FindByRule returns every cell whose LogicAnchor names ruleID.
func (ch *Chain) FindByRule(ruleID string) []*cell.Cell {
	var out []*cell.Cell
	for _, c := range ch.cells {
		if c.LogicAnchor().RuleID == ruleID {
			out = append(out, c)
		}
	}
	return out
}

// FindDecisionsWithRuleMismatch returns every Decision cell whose
// logic_anchor.rule_logic_hash does not match the hash carried by the
// corresponding cell in ruleCells (keyed by rule_id) — i.e. a decision
// anchored to a rule whose text has since changed.
func (ch *Chain) FindDecisionsWithRuleMismatch(ruleCells []*cell.Cell) []*cell.Cell {
	latestHash := map[string]string{}
	for _, rc := range ruleCells {
		latestHash[rc.LogicAnchor().RuleID] = rc.LogicAnchor().RuleLogicHash
	}

	var out []*cell.Cell
	for _, c := range ch.cells {
		if c.Header().CellType != cell.CellTypeDecision {
			continue
		}
		want, ok := latestHash[c.LogicAnchor().RuleID]
		if ok && want != c.LogicAnchor().RuleLogicHash {
			out = append(out, c)
		}
	}
	return out
}

// Fork returns a new Chain that shares this chain's cells read-only up
// to the current length, plus its own private extension. Appends to
// the fork never mutate the base chain's backing array, mirroring the
// teacher's LedgerStoreWrapper adapter-over-shared-state pattern in
// main.go. Used by pkg/shadow to build isolated simulation overlays.
func (ch *Chain) Fork() *Chain {
	baseLen := len(ch.cells)
	cellsCopy := make([]*cell.Cell, baseLen, baseLen+8)
	copy(cellsCopy, ch.cells)
	indexCopy := make(map[string]int, len(ch.index))
	for k, v := range ch.index {
		indexCopy[k] = v
	}
	return &Chain{
		cells:         cellsCopy,
		index:         indexCopy,
		graphID:       ch.graphID,
		hashScheme:    ch.hashScheme,
		rootNamespace: ch.rootNamespace,
	}
}

func isNamespacePrefix(parent, child string) bool {
	if parent == child {
		return true
	}
	return strings.HasPrefix(child, parent+".")
}
