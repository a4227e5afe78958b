// Package cell implements the kernel's atomic, content-addressed,
// immutable unit of record: the Cell.
//
// Flat typed structs with explicit json tags give the field shape,
// with an identity hash computed inside a constructor and never
// accepted from outside. The cell is modeled as two layers:
// unidentifiedCell carries every field, New or Rebuild fills CellID from
// canonical bytes, and Cell is the only type any other package can
// hold a reference to.
package cell

import (
	"encoding/hex"
	"sort"
	"time"
)

// CellType enumerates the thirteen payload shapes a Cell can carry under
// header.cell_type.
type CellType string

const (
	CellTypeGenesis       CellType = "Genesis"
	CellTypeFact          CellType = "Fact"
	CellTypeRule          CellType = "Rule"
	CellTypePolicyHead    CellType = "PolicyHead"
	CellTypeBridge        CellType = "Bridge"
	CellTypeJudgment      CellType = "Judgment"
	CellTypeDecision      CellType = "Decision"
	CellTypeSignal        CellType = "Signal"
	CellTypeMitigation    CellType = "Mitigation"
	CellTypeScore         CellType = "Score"
	CellTypeVerdict       CellType = "Verdict"
	CellTypeJustification CellType = "Justification"
	CellTypeReport        CellType = "Report"
)

// HashScheme identifies the canonicalization contract a graph commits to
// at Genesis; every subsequent cell must match it.
type HashScheme string

const (
	HashSchemeLegacyConcatV1   HashScheme = "legacy-concat-v1"
	HashSchemeCanonicalJSONV1  HashScheme = "canonical-json-v1"
)

// SourceQuality ranks the provenance of a Fact, highest first. Rank is
// used directly by the Scholar's conflict-resolution tiebreak.
type SourceQuality string

const (
	SourceQualityAuthoritative SourceQuality = "Authoritative"
	SourceQualityVerified      SourceQuality = "Verified"
	SourceQualityAsserted      SourceQuality = "Asserted"
	SourceQualityDerived       SourceQuality = "Derived"
	SourceQualityUnverified    SourceQuality = "Unverified"
)

var sourceQualityRank = map[SourceQuality]int{
	SourceQualityAuthoritative: 5,
	SourceQualityVerified:      4,
	SourceQualityAsserted:      3,
	SourceQualityDerived:       2,
	SourceQualityUnverified:    1,
}

// Rank returns the tiebreak priority of q; higher wins. Unknown values
// rank lowest.
func (q SourceQuality) Rank() int {
	return sourceQualityRank[q]
}

// Header carries versioning and chain linkage, shared by every Cell.
type Header struct {
	Version      int        `json:"version"`
	CellType     CellType   `json:"cell_type"`
	GraphID      string     `json:"graph_id"`
	HashScheme   HashScheme `json:"hash_scheme"`
	SystemTime   time.Time  `json:"system_time"`
	PrevCellHash string     `json:"prev_cell_hash"`
}

// Fact is the subject/predicate/object triple with bitemporal and
// source-quality fields.
type Fact struct {
	Namespace     string        `json:"namespace"`
	Subject       string        `json:"subject"`
	Predicate     string        `json:"predicate"`
	Object        string        `json:"object"`
	Confidence    float64       `json:"confidence"`
	SourceQuality SourceQuality `json:"source_quality"`
	ValidFrom     time.Time     `json:"valid_from"`
	ValidTo       *time.Time    `json:"valid_to,omitempty"`
}

// LogicAnchor binds a cell to the rule it was produced under.
type LogicAnchor struct {
	RuleID        string `json:"rule_id,omitempty"`
	RuleLogicHash string `json:"rule_logic_hash,omitempty"`
}

// Evidence references supporting cells by id.
type Evidence struct {
	ReferencedCellIDs []string `json:"referenced_cell_ids,omitempty"`
}

// Proof carries the signer identity and, optionally, a signature.
type Proof struct {
	SignerKeyID       string `json:"signer_key_id,omitempty"`
	Signature         []byte `json:"signature,omitempty"`
	SignatureRequired bool   `json:"signature_required"`
}

// unidentifiedCell is every field of a Cell before its identity is
// computed. It is never exposed outside this package — the only ways to
// obtain a Cell are New and Rebuild, which fill CellID themselves.
type unidentifiedCell struct {
	Header      Header      `json:"header"`
	Fact        Fact        `json:"fact,omitempty"`
	LogicAnchor LogicAnchor `json:"logic_anchor,omitempty"`
	Evidence    Evidence    `json:"evidence,omitempty"`
	Proof       Proof       `json:"proof,omitempty"`
}

// Cell is the immutable, content-addressed record. Its identity is its
// own content hash; there is no exported constructor that accepts a
// caller-supplied CellID.
type Cell struct {
	cellID string
	body   unidentifiedCell
}

// CellID returns the cell's content-hash identity.
func (c *Cell) CellID() string { return c.cellID }

// Header returns the cell's header.
func (c *Cell) Header() Header { return c.body.Header }

// Fact returns the cell's fact payload.
func (c *Cell) Fact() Fact { return c.body.Fact }

// LogicAnchor returns the cell's logic anchor.
func (c *Cell) LogicAnchor() LogicAnchor { return c.body.LogicAnchor }

// Evidence returns the cell's evidence references.
func (c *Cell) Evidence() Evidence { return c.body.Evidence }

// Proof returns the cell's proof block.
func (c *Cell) Proof() Proof { return c.body.Proof }

// CanonicalPayload returns the same map whose canonical JSON encoding
// was hashed to produce CellID — exposed so callers that need the raw
// canonical bytes of a cell (WAL framing, cross-cell signing) don't
// have to reassemble the payload shape themselves.
func (c *Cell) CanonicalPayload() map[string]any {
	return c.body.canonicalPayload()
}

// canonicalPayload returns the map whose canonical JSON encoding is
// hashed to produce CellID. cell_id itself is never part of its own
// input: it is not stored in the canonicalization input.
func (c *unidentifiedCell) canonicalPayload() map[string]any {
	payload := map[string]any{
		"header": map[string]any{
			"version":        c.Header.Version,
			"cell_type":      string(c.Header.CellType),
			"graph_id":       c.Header.GraphID,
			"hash_scheme":    string(c.Header.HashScheme),
			"system_time":    c.Header.SystemTime.UTC().Format(time.RFC3339Nano),
			"prev_cell_hash": c.Header.PrevCellHash,
		},
	}
	if c.Header.CellType != CellTypeGenesis || c.Fact.Namespace != "" {
		factPayload := map[string]any{
			"namespace":      c.Fact.Namespace,
			"subject":        c.Fact.Subject,
			"predicate":      c.Fact.Predicate,
			"object":         c.Fact.Object,
			"confidence":     c.Fact.Confidence,
			"source_quality": string(c.Fact.SourceQuality),
			"valid_from":     c.Fact.ValidFrom.UTC().Format(time.RFC3339Nano),
		}
		if c.Fact.ValidTo != nil {
			factPayload["valid_to"] = c.Fact.ValidTo.UTC().Format(time.RFC3339Nano)
		}
		payload["fact"] = factPayload
	}
	if c.LogicAnchor.RuleID != "" || c.LogicAnchor.RuleLogicHash != "" {
		payload["logic_anchor"] = map[string]any{
			"rule_id":         c.LogicAnchor.RuleID,
			"rule_logic_hash": c.LogicAnchor.RuleLogicHash,
		}
	}
	if len(c.Evidence.ReferencedCellIDs) > 0 {
		sorted := append([]string(nil), c.Evidence.ReferencedCellIDs...)
		sort.Strings(sorted)
		payload["evidence"] = map[string]any{"referenced_cell_ids": sorted}
	}
	proofPayload := map[string]any{
		"signer_key_id":      c.Proof.SignerKeyID,
		"signature_required": c.Proof.SignatureRequired,
	}
	if len(c.Proof.Signature) > 0 {
		proofPayload["signature"] = hex.EncodeToString(c.Proof.Signature)
	}
	payload["proof"] = proofPayload
	return payload
}
