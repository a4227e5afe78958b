// Package policy implements witness sets and the policy head that
// results from a successful promotion: the record of which rule ids
// are in force for a namespace and who attested to that fact.
//
// An ordered-tuple-of-identities shape becomes WitnessSet, and a
// percentage-of-total threshold check is generalized to a fixed
// integer threshold, 1 <= threshold <= len(witnesses).
package policy

import (
	"encoding/json"
	"sort"

	"github.com/certen/decisiongraph-kernel/pkg/canon"
	"github.com/certen/decisiongraph-kernel/pkg/cell"
	"github.com/certen/decisiongraph-kernel/pkg/chain"
	"github.com/certen/decisiongraph-kernel/pkg/dgerrors"
)

// WitnessSet names the witnesses empowered to approve policy
// promotions within a namespace, and the number of distinct approvals
// required before a promotion finalizes.
type WitnessSet struct {
	Namespace string   `json:"namespace"`
	Witnesses []string `json:"witnesses"`
	Threshold int      `json:"threshold"`
}

// NewWitnessSet validates 1 <= threshold <= len(witnesses) before
// returning the set.
func NewWitnessSet(namespace string, witnesses []string, threshold int) (*WitnessSet, error) {
	if len(witnesses) == 0 {
		return nil, dgerrors.New(dgerrors.KindInputInvalid, "witness set must name at least one witness", nil)
	}
	if threshold < 1 || threshold > len(witnesses) {
		return nil, dgerrors.New(dgerrors.KindInputInvalid, "threshold must be between 1 and len(witnesses)", map[string]any{
			"threshold": threshold, "witness_count": len(witnesses),
		})
	}
	cp := append([]string(nil), witnesses...)
	return &WitnessSet{Namespace: namespace, Witnesses: cp, Threshold: threshold}, nil
}

// HasWitness reports whether id is a member of the set.
func (w *WitnessSet) HasWitness(id string) bool {
	for _, wid := range w.Witnesses {
		if wid == id {
			return true
		}
	}
	return false
}

// PolicyHeadPayload is the content a PolicyHead cell's fact.object
// encodes: the set of rule ids newly in force, the hash binding them,
// the previous PolicyHead (if any), and the witness signatures that
// authorized the promotion.
type PolicyHeadPayload struct {
	PromotedRuleIDs   []string          `json:"promoted_rule_ids"`
	PolicyHash        string            `json:"policy_hash"`
	PrevPolicyHead    *string           `json:"prev_policy_head,omitempty"`
	WitnessSignatures map[string]string `json:"witness_signatures"`
}

// ComputePolicyHash returns SHA256(canonical(sorted(ruleIDs))), the
// value VerifyPolicyHash checks a payload's PolicyHash against.
func ComputePolicyHash(ruleIDs []string) (string, error) {
	sorted := append([]string(nil), ruleIDs...)
	sort.Strings(sorted)
	return canon.ContentHash(sorted)
}

// VerifyPolicyHash recomputes the hash over payload's promoted rule
// ids and compares it against the carried PolicyHash.
func VerifyPolicyHash(payload PolicyHeadPayload) error {
	want, err := ComputePolicyHash(payload.PromotedRuleIDs)
	if err != nil {
		return dgerrors.Wrap(dgerrors.KindInternalError, "compute policy hash", err, nil)
	}
	if want != payload.PolicyHash {
		return dgerrors.New(dgerrors.KindIntegrityFail, "policy_hash does not match recomputed hash over promoted_rule_ids", map[string]any{
			"expected": want, "got": payload.PolicyHash,
		})
	}
	return nil
}

// DecodePolicyHeadPayload parses a PolicyHead cell's fact.object JSON.
func DecodePolicyHeadPayload(c *cell.Cell) (PolicyHeadPayload, error) {
	var payload PolicyHeadPayload
	if err := json.Unmarshal([]byte(c.Fact().Object), &payload); err != nil {
		return PolicyHeadPayload{}, dgerrors.Wrap(dgerrors.KindSchemaInvalid, "decode policy head payload", err, nil)
	}
	return payload, nil
}

// GetCurrentPolicyHead returns the latest PolicyHead cell for namespace
// by system_time, and whether one exists at all.
func GetCurrentPolicyHead(ch *chain.Chain, namespace string) (*cell.Cell, bool) {
	var latest *cell.Cell
	for _, c := range ch.FindByType(cell.CellTypePolicyHead) {
		if c.Fact().Namespace != namespace {
			continue
		}
		if latest == nil || c.Header().SystemTime.After(latest.Header().SystemTime) {
			latest = c
		}
	}
	return latest, latest != nil
}

// genesisObject mirrors genesis.EncodeGenesisObject's JSON shape; kept
// private to this file so WitnessRegistry can decode it without
// pkg/policy depending on pkg/genesis (which already depends on
// pkg/policy for WitnessSet).
type genesisObject struct {
	Creator    string `json:"creator"`
	WitnessSet *struct {
		Namespace string   `json:"namespace"`
		Witnesses []string `json:"witnesses"`
		Threshold int      `json:"threshold"`
	} `json:"witness_set,omitempty"`
}

// WitnessRegistry is a stateless lookup of the WitnessSet governing a
// graph's root namespace. It holds no state of its own beyond the
// chain reference handed to it per call — there is no side map from
// graph id to WitnessSet; the set lives only inside the chain's own
// Genesis cell.
//
// Latest-wins is reserved for a future PolicyHead-carried witness-set
// change (Open Question, SPEC_FULL §8): today Genesis wins unconditionally
// because no such PolicyHead variant exists yet.
type WitnessRegistry struct {
	chain *chain.Chain
}

// NewWitnessRegistry builds a registry over ch.
func NewWitnessRegistry(ch *chain.Chain) *WitnessRegistry {
	return &WitnessRegistry{chain: ch}
}

// Current returns the WitnessSet embedded in the chain's genesis cell,
// or false if genesis carried no witness set.
func (r *WitnessRegistry) Current() (*WitnessSet, bool) {
	g := r.chain.Genesis()
	var obj genesisObject
	if err := json.Unmarshal([]byte(g.Fact().Object), &obj); err != nil {
		return nil, false
	}
	if obj.WitnessSet == nil {
		return nil, false
	}
	return &WitnessSet{
		Namespace: obj.WitnessSet.Namespace,
		Witnesses: obj.WitnessSet.Witnesses,
		Threshold: obj.WitnessSet.Threshold,
	}, true
}
