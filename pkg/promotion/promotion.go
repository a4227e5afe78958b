// Package promotion implements the promotion request record: the
// in-flight state a rule-id set passes through on its way to becoming
// a namespace's policy head.
//
// A staged completion record tracked in an active-cycles map, keyed by
// id and moving through named phases, combined with a
// signature-collection loop, targeted at the kernel's exact
// Pending -> Collecting -> ThresholdMet -> Finalized / Rejected
// machine. The Engine (pkg/engine) owns the actual submit / collect /
// finalize operations and the map of in-flight requests; this package
// only models the record and its canonical signing payload.
package promotion

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/certen/decisiongraph-kernel/pkg/canon"
)

// Status is one state in the promotion state machine.
type Status string

const (
	StatusPending      Status = "Pending"
	StatusCollecting   Status = "Collecting"
	StatusThresholdMet Status = "ThresholdMet"
	StatusFinalized    Status = "Finalized"
	StatusRejected     Status = "Rejected"
)

// Request is an in-flight policy promotion: a candidate set of rule
// ids, the witness signatures collected for it so far, and the policy
// head this promotion was submitted against (used at finalize time to
// detect a concurrent promotion having already landed).
type Request struct {
	PromotionID           uuid.UUID
	Namespace             string
	RuleIDs               []string
	SubmitterID           string
	CreatedAt             time.Time
	CanonicalPayload      []byte
	RequiredThreshold     int
	Status                Status
	Signatures            map[string][]byte
	PublicKeys            map[string][]byte
	ExpectedPrevPolicyHead *string
}

// NewRequest builds a Request with sorted rule ids and a freshly
// computed canonical payload, in Pending status with no signatures.
func NewRequest(namespace string, ruleIDs []string, submitterID string, requiredThreshold int, createdAt time.Time, expectedPrevPolicyHead *string) (*Request, error) {
	sorted := append([]string(nil), ruleIDs...)
	sort.Strings(sorted)

	id := uuid.New()
	payload, err := CanonicalPayload(id, namespace, sorted, createdAt)
	if err != nil {
		return nil, err
	}

	return &Request{
		PromotionID:            id,
		Namespace:              namespace,
		RuleIDs:                sorted,
		SubmitterID:            submitterID,
		CreatedAt:              createdAt,
		CanonicalPayload:       payload,
		RequiredThreshold:      requiredThreshold,
		Status:                 StatusPending,
		Signatures:             map[string][]byte{},
		PublicKeys:             map[string][]byte{},
		ExpectedPrevPolicyHead: expectedPrevPolicyHead,
	}, nil
}

// CanonicalPayload renders the four identifying fields of a promotion
// as canonical JSON: the exact bytes every witness signs over.
func CanonicalPayload(promotionID uuid.UUID, namespace string, ruleIDs []string, timestamp time.Time) ([]byte, error) {
	sorted := append([]string(nil), ruleIDs...)
	sort.Strings(sorted)
	return canon.Canonicalize(map[string]any{
		"promotion_id": promotionID.String(),
		"namespace":    namespace,
		"rule_ids":     sorted,
		"timestamp":    timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// RecordSignature stores signature under witnessID, overwriting any
// prior submission (key rotation mid-collection is allowed by design).
// It does not itself re-derive status; the caller (Engine) advances
// Status once authorization and signature checks have both passed.
func (r *Request) RecordSignature(witnessID string, signature, publicKey []byte) {
	r.Signatures[witnessID] = signature
	r.PublicKeys[witnessID] = publicKey
}

// SignatureCount reports how many distinct witnesses have signed.
func (r *Request) SignatureCount() int {
	return len(r.Signatures)
}
