// Package genesis constructs and verifies the unique root cell of a
// DecisionGraph: the cell that binds a graph identity, a hash scheme,
// and a root namespace.
//
// Follows a config-struct-plus-constructor shape: fill derived fields,
// then validate before returning, adapted from "build a signing
// strategy" to "build the one cell every chain must start from".
package genesis

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/certen/decisiongraph-kernel/pkg/canon"
	"github.com/certen/decisiongraph-kernel/pkg/cell"
	"github.com/certen/decisiongraph-kernel/pkg/dgerrors"
	"github.com/certen/decisiongraph-kernel/pkg/policy"
)

// GraphIDPattern constrains the shape every graph_id must take.
var GraphIDPattern = regexp.MustCompile(`^graph:[a-z0-9_-]+$`)

// bootRuleBody is the fixed text of the boot rule every Genesis cell
// anchors to. GenesisRuleHash is computed from it once at init time.
const bootRuleBody = `
rule boot_rule:
  id: boot_rule_v1
  description: "the kernel's own always-true admission rule"
  effect: allow
`

// GenesisRuleHash is the fixed rule_logic_hash every Genesis cell's
// LogicAnchor must carry.
var GenesisRuleHash = canon.RuleLogicHash(bootRuleBody)

// CreateGenesisCell produces the single valid Genesis cell for a new
// graph: a deterministic-looking but random graph_id, the boot rule
// anchor, and (optionally) the WitnessSet that governs policy promotion
// for the root namespace.
func CreateGenesisCell(graphName, rootNamespace, creator string, systemTime time.Time, scheme cell.HashScheme, witnesses *policy.WitnessSet) (*cell.Cell, error) {
	if err := cell.ValidateRootNamespace(rootNamespace); err != nil {
		return nil, err
	}

	graphID, err := newGraphID(graphName)
	if err != nil {
		return nil, err
	}

	header := cell.Header{
		Version:      1,
		CellType:     cell.CellTypeGenesis,
		GraphID:      graphID,
		HashScheme:   scheme,
		SystemTime:   systemTime.UTC(),
		PrevCellHash: canon.NullHash,
	}

	objectPayload, err := EncodeGenesisObject(creator, witnesses)
	if err != nil {
		return nil, err
	}

	fact := cell.Fact{
		Namespace:     rootNamespace,
		Subject:       "graph:" + graphName,
		Predicate:     "genesis_of",
		Object:        objectPayload,
		Confidence:    1.0,
		SourceQuality: cell.SourceQualityAuthoritative,
		ValidFrom:     systemTime.UTC(),
	}

	anchor := cell.LogicAnchor{
		RuleID:        "boot_rule_v1",
		RuleLogicHash: GenesisRuleHash,
	}

	proof := cell.Proof{SignerKeyID: creator, SignatureRequired: false}

	return cell.Rebuild(header, fact, anchor, cell.Evidence{}, proof)
}

// EncodeGenesisObject renders the Genesis fact.object: the creator id
// plus, when present, the embedded WitnessSet for the root namespace.
// WitnessRegistry (pkg/policy) decodes this directly off the chain's
// Genesis cell rather than through any side map — there is no kernel
// global state.
func EncodeGenesisObject(creator string, witnesses *policy.WitnessSet) (string, error) {
	payload := map[string]any{"creator": creator}
	if witnesses != nil {
		payload["witness_set"] = map[string]any{
			"namespace": witnesses.Namespace,
			"witnesses": witnesses.Witnesses,
			"threshold": witnesses.Threshold,
		}
	}
	b, err := canon.Canonicalize(payload)
	if err != nil {
		return "", dgerrors.Wrap(dgerrors.KindInternalError, "encode genesis object", err, nil)
	}
	return string(b), nil
}

func newGraphID(graphName string) (string, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", dgerrors.Wrap(dgerrors.KindInternalError, "generate graph id nonce", err, nil)
	}
	slug := sanitizeGraphName(graphName)
	id := fmt.Sprintf("graph:%s-%s", slug, hex.EncodeToString(nonce))
	if !GraphIDPattern.MatchString(id) {
		return "", dgerrors.New(dgerrors.KindInputInvalid, "generated graph id failed pattern check", map[string]any{"graph_id": id})
	}
	return id, nil
}

func sanitizeGraphName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-' || c == '_':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		default:
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		out = []byte("graph")
	}
	return string(out)
}

// VerifyGenesis checks every invariant a Genesis cell must satisfy,
// returning the list of reasons it failed (empty if it passed).
func VerifyGenesis(c *cell.Cell) (ok bool, reasons []string) {
	if c.Header().CellType != cell.CellTypeGenesis {
		reasons = append(reasons, "cell_type is not Genesis")
	}
	if c.Header().PrevCellHash != canon.NullHash {
		reasons = append(reasons, "prev_cell_hash is not the null hash")
	}
	if err := cell.ValidateRootNamespace(c.Fact().Namespace); err != nil {
		reasons = append(reasons, "namespace is not a valid root namespace: "+err.Error())
	}
	if c.LogicAnchor().RuleLogicHash != GenesisRuleHash {
		reasons = append(reasons, "boot rule hash does not match GENESIS_RULE_HASH")
	}
	if !GraphIDPattern.MatchString(c.Header().GraphID) {
		reasons = append(reasons, "graph_id does not match GRAPH_ID_PATTERN")
	}
	if c.Header().SystemTime.IsZero() {
		reasons = append(reasons, "system_time is not well-formed")
	}
	if !c.VerifyIntegrity() {
		reasons = append(reasons, "cell_id does not match recomputed content hash")
	}
	return len(reasons) == 0, reasons
}
