package cell

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/certen/decisiongraph-kernel/pkg/canon"
	"github.com/certen/decisiongraph-kernel/pkg/dgerrors"
)

var (
	namespacePattern  = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}(\.[a-z][a-z0-9_]{0,63})*$`)
	rootNamePattern   = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
	subjectTypePart   = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	predicatePattern  = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
)

const (
	maxSubjectIdentifierLen = 128
	maxObjectLen            = 4096
)

// New validates every field and constructs the immutable Cell, computing
// CellID from the canonical bytes of the body. New and Rebuild are the
// package's only constructors; there is no way to build a Cell with an
// externally supplied CellID.
func New(header Header, fact Fact, anchor LogicAnchor, evidence Evidence, proof Proof) (*Cell, error) {
	if header.CellType != CellTypeGenesis {
		if err := ValidateNamespace(fact.Namespace); err != nil {
			return nil, err
		}
		if err := ValidateSubject(fact.Subject); err != nil {
			return nil, err
		}
		if err := ValidatePredicate(fact.Predicate); err != nil {
			return nil, err
		}
		if err := ValidateObject(fact.Object); err != nil {
			return nil, err
		}
		if fact.Confidence < 0 || fact.Confidence > 1 {
			return nil, dgerrors.New(dgerrors.KindInputInvalid, "confidence must be in [0,1]", map[string]any{"confidence": fact.Confidence})
		}
	}

	body := unidentifiedCell{
		Header:      header,
		Fact:        fact,
		LogicAnchor: anchor,
		Evidence:    evidence,
		Proof:       proof,
	}

	id, err := computeCellID(&body)
	if err != nil {
		return nil, dgerrors.Wrap(dgerrors.KindInternalError, "compute cell id", err, nil)
	}

	return &Cell{cellID: id, body: body}, nil
}

// rebuild constructs a Cell from a body without running any field
// validation of its own. External packages reach it only through the
// exported Rebuild wrapper below.
func rebuild(body unidentifiedCell) (*Cell, error) {
	id, err := computeCellID(&body)
	if err != nil {
		return nil, dgerrors.Wrap(dgerrors.KindInternalError, "compute cell id", err, nil)
	}
	return &Cell{cellID: id, body: body}, nil
}

// Rebuild exposes rebuild for packages (genesis, shadow) that construct
// a fully-formed body themselves. It does not validate fields: genesis
// checks only the root namespace, shadow.ReplaceFact runs
// MustValidateAll, and the other shadow Replace* helpers run no checks.
func Rebuild(header Header, fact Fact, anchor LogicAnchor, evidence Evidence, proof Proof) (*Cell, error) {
	return rebuild(unidentifiedCell{
		Header:      header,
		Fact:        fact,
		LogicAnchor: anchor,
		Evidence:    evidence,
		Proof:       proof,
	})
}

func computeCellID(body *unidentifiedCell) (string, error) {
	b, err := canon.Canonicalize(body.canonicalPayload())
	if err != nil {
		return "", err
	}
	return canon.HashBytes(b), nil
}

// VerifyIntegrity recomputes CellID from the cell's own canonical bytes
// and compares it against the stored identity.
func (c *Cell) VerifyIntegrity() bool {
	id, err := computeCellID(&c.body)
	if err != nil {
		return false
	}
	return id == c.cellID
}

// IsGenesis reports whether this cell is the unique root of a graph:
// CellType is Genesis and PrevCellHash is the null hash.
func (c *Cell) IsGenesis() bool {
	return c.body.Header.CellType == CellTypeGenesis && c.body.Header.PrevCellHash == canon.NullHash
}

// ValidateNamespace checks the hierarchical, dot-segmented, lowercase
// namespace pattern.
func ValidateNamespace(s string) error {
	if !namespacePattern.MatchString(s) {
		return dgerrors.New(dgerrors.KindInputInvalid, "invalid namespace", map[string]any{"namespace": s})
	}
	return nil
}

// ValidateRootNamespace additionally rejects any dot segment — the
// Genesis namespace must have none.
func ValidateRootNamespace(s string) error {
	if !rootNamePattern.MatchString(s) {
		return dgerrors.New(dgerrors.KindInputInvalid, "invalid root namespace", map[string]any{"namespace": s})
	}
	return nil
}

// ValidateSubject checks the `type:identifier` shape: lowercase,
// identifier capped at 128 characters after the colon.
func ValidateSubject(s string) error {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return dgerrors.New(dgerrors.KindInputInvalid, "subject must be type:identifier", map[string]any{"subject": s})
	}
	typePart, idPart := parts[0], parts[1]
	if !subjectTypePart.MatchString(typePart) {
		return dgerrors.New(dgerrors.KindInputInvalid, "invalid subject type", map[string]any{"subject": s})
	}
	if idPart == "" || idPart != strings.ToLower(idPart) {
		return dgerrors.New(dgerrors.KindInputInvalid, "subject identifier must be lowercase", map[string]any{"subject": s})
	}
	if len(idPart) > maxSubjectIdentifierLen {
		return dgerrors.New(dgerrors.KindInputInvalid, "subject identifier too long", map[string]any{"subject": s, "max": maxSubjectIdentifierLen})
	}
	return nil
}

// ValidatePredicate checks the snake_case, 64-char-cap predicate shape.
func ValidatePredicate(s string) error {
	if !predicatePattern.MatchString(s) {
		return dgerrors.New(dgerrors.KindInputInvalid, "invalid predicate", map[string]any{"predicate": s})
	}
	return nil
}

// ValidateObject checks the 4096-char cap and rejects disallowed ASCII
// control characters.
func ValidateObject(s string) error {
	if len(s) > maxObjectLen {
		return dgerrors.New(dgerrors.KindInputInvalid, "object exceeds max length", map[string]any{"length": len(s), "max": maxObjectLen})
	}
	if canon.HasDisallowedControlChars(s) {
		return dgerrors.New(dgerrors.KindInputInvalid, "object contains disallowed control characters", nil)
	}
	return nil
}

// ValidateTimestamp checks that s parses as ISO-8601 UTC (fails on
// non-UTC offsets).
func ValidateTimestamp(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return dgerrors.Wrap(dgerrors.KindInputInvalid, "invalid timestamp", err, map[string]any{"timestamp": s})
	}
	if _, offsetSeconds := t.Zone(); offsetSeconds != 0 {
		return dgerrors.New(dgerrors.KindInputInvalid, "timestamp must be UTC", map[string]any{"timestamp": s})
	}
	return nil
}

// MustValidateAll is a convenience used by shadow.ReplaceFact to run the
// full fact-field validator set and return every failure found, each
// formatted for inclusion in a reasons list.
func MustValidateAll(f Fact) []string {
	var reasons []string
	if err := ValidateNamespace(f.Namespace); err != nil {
		reasons = append(reasons, fmt.Sprintf("namespace: %v", err))
	}
	if err := ValidateSubject(f.Subject); err != nil {
		reasons = append(reasons, fmt.Sprintf("subject: %v", err))
	}
	if err := ValidatePredicate(f.Predicate); err != nil {
		reasons = append(reasons, fmt.Sprintf("predicate: %v", err))
	}
	if err := ValidateObject(f.Object); err != nil {
		reasons = append(reasons, fmt.Sprintf("object: %v", err))
	}
	return reasons
}
