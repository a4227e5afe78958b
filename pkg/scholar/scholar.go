// Package scholar implements the kernel's bitemporal, authorization-
// aware query resolver: "what do we know about X at time T, and was
// the requester entitled to know it?" answered with a reproducible
// proof bundle.
//
// A query returns both a result and a deterministic proof object
// alongside it, in the same shape as a validator-signature bundle
// reshaped into an authorization-and-candidate-cell proof.
package scholar

import (
	"sort"
	"time"

	"github.com/certen/decisiongraph-kernel/pkg/cell"
	"github.com/certen/decisiongraph-kernel/pkg/chain"
	"github.com/certen/decisiongraph-kernel/pkg/namespace"
)

// Query describes a single Scholar resolution request.
type Query struct {
	RequesterNamespace string
	Namespace          string
	Subject            *string
	Predicate          *string
	Object             *string
	AtValidTime        time.Time
	AsOfSystemTime     time.Time
	RequesterID        string
	IncludeChildren    bool
}

// AuthorizationBasis is a sealed sum type: SameNamespace, Bridge, or
// Denied. Sealed hierarchies are modeled as an interface with an
// unexported marker method so no other package can add a fourth case.
type AuthorizationBasis interface {
	isAuthorizationBasis()
	// Describe renders the basis for inclusion in a proof bundle.
	Describe() map[string]any
}

// SameNamespace is the basis when the requester's own namespace is the
// target namespace or a prefix ancestor of it.
type SameNamespace struct{}

func (SameNamespace) isAuthorizationBasis() {}
func (SameNamespace) Describe() map[string]any {
	return map[string]any{"allowed": true, "basis": "SameNamespace"}
}

// Bridge is the basis when access was granted through an effective
// cross-namespace bridge; CellsUsed names the bridge cell(s) relied on.
type Bridge struct {
	CellsUsed []string
}

func (Bridge) isAuthorizationBasis() {}
func (b Bridge) Describe() map[string]any {
	return map[string]any{"allowed": true, "basis": "Bridge", "cells_used": b.CellsUsed}
}

// Denied is the basis when no visibility path exists.
type Denied struct {
	Reason string
}

func (Denied) isAuthorizationBasis() {}
func (d Denied) Describe() map[string]any {
	return map[string]any{"allowed": false, "basis": "Denied", "reason": d.Reason}
}

// QueryResult is the outcome of Resolve.
type QueryResult struct {
	Denied          bool
	FactCellIDs     []string
	CandidateCellIDs []string
	BridgesUsed     []string
	GenesisCellID   string
	ChainHead       string
	Basis           AuthorizationBasis
}

// ProofBundle renders r in the exact shape spec'd for a proof bundle:
// results, proof, and authorization_basis sections, canonical-JSON
// ready.
func (r *QueryResult) ProofBundle() map[string]any {
	return map[string]any{
		"results": map[string]any{
			"fact_cell_ids": orEmpty(r.FactCellIDs),
			"fact_count":    len(r.FactCellIDs),
		},
		"proof": map[string]any{
			"candidate_cell_ids": orEmpty(r.CandidateCellIDs),
			"bridges_used":       orEmpty(r.BridgesUsed),
			"genesis_cell_id":    r.GenesisCellID,
			"chain_head":         r.ChainHead,
		},
		"authorization_basis": r.Basis.Describe(),
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Resolve implements the Scholar's five-step algorithm: visibility,
// candidate selection, bitemporal filtering, deterministic conflict
// resolution, and proof emission.
func Resolve(ch *chain.Chain, reg *namespace.Registry, q Query) *QueryResult {
	result := &QueryResult{
		GenesisCellID: ch.Genesis().CellID(),
		ChainHead:     ch.Head().CellID(),
	}

	// Step 1: visibility.
	if q.RequesterNamespace == q.Namespace || namespace.IsNamespacePrefix(q.RequesterNamespace, q.Namespace) {
		result.Basis = SameNamespace{}
	} else {
		effective, rec := reg.IsBridgeEffective(q.RequesterNamespace, q.Namespace, q.AtValidTime, q.AsOfSystemTime)
		if !effective || rec == nil {
			result.Denied = true
			result.Basis = Denied{Reason: "no effective bridge from " + q.RequesterNamespace + " to " + q.Namespace}
			return result
		}
		result.BridgesUsed = []string{rec.CellID}
		result.Basis = Bridge{CellsUsed: []string{rec.CellID}}
	}

	// Step 2: candidate selection.
	candidates := ch.FindByNamespace(q.Namespace, q.IncludeChildren)
	var filtered []*cell.Cell
	for _, c := range candidates {
		if c.Header().CellType != cell.CellTypeFact {
			continue
		}
		f := c.Fact()
		if q.Subject != nil && f.Subject != *q.Subject {
			continue
		}
		if q.Predicate != nil && f.Predicate != *q.Predicate {
			continue
		}
		if q.Object != nil && f.Object != *q.Object {
			continue
		}
		filtered = append(filtered, c)
	}

	// Step 3: bitemporal filter.
	var candidateIDs []string
	var inWindow []*cell.Cell
	for _, c := range filtered {
		f := c.Fact()
		if f.ValidFrom.After(q.AtValidTime) {
			continue
		}
		if f.ValidTo != nil && !f.ValidTo.After(q.AtValidTime) {
			continue
		}
		if c.Header().SystemTime.After(q.AsOfSystemTime) {
			continue
		}
		candidateIDs = append(candidateIDs, c.CellID())
		inWindow = append(inWindow, c)
	}
	sort.Strings(candidateIDs)
	result.CandidateCellIDs = candidateIDs

	// Step 4: conflict resolution, grouped by (subject, predicate).
	type groupKey struct{ subject, predicate string }
	groups := map[groupKey][]*cell.Cell{}
	var order []groupKey
	for _, c := range inWindow {
		k := groupKey{c.Fact().Subject, c.Fact().Predicate}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c)
	}

	var winners []string
	for _, k := range order {
		winners = append(winners, pickWinner(groups[k]).CellID())
	}
	sort.Strings(winners)
	result.FactCellIDs = winners

	return result
}

// pickWinner applies the four-step tiebreak: highest source_quality
// rank, latest valid_from, latest system_time, lexicographically
// largest cell_id.
func pickWinner(group []*cell.Cell) *cell.Cell {
	best := group[0]
	for _, c := range group[1:] {
		if betterCandidate(c, best) {
			best = c
		}
	}
	return best
}

func betterCandidate(c, best *cell.Cell) bool {
	cf, bf := c.Fact(), best.Fact()
	if cf.SourceQuality.Rank() != bf.SourceQuality.Rank() {
		return cf.SourceQuality.Rank() > bf.SourceQuality.Rank()
	}
	if !cf.ValidFrom.Equal(bf.ValidFrom) {
		return cf.ValidFrom.After(bf.ValidFrom)
	}
	if !c.Header().SystemTime.Equal(best.Header().SystemTime) {
		return c.Header().SystemTime.After(best.Header().SystemTime)
	}
	return c.CellID() > best.CellID()
}
