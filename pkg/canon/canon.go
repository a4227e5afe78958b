// Package canon implements the kernel's canonical byte representation:
// the single deterministic encoding used for content hashing, rule-logic
// hashing, and signing across the whole kernel.
//
// Builds on a CanonicalizeJSON / HashCanonical / MarshalCanonical shape
// plus multi-blob SHA-256 composition. A plain canonicalizeValue that
// only sorts map keys isn't enough here: this version additionally
// decodes numbers with json.Number so integers and decimals keep their
// exact source text instead of being rounded through float64 —
// integers serialize as integers, decimals preserve exact string form.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NullHash is the Genesis prev_cell_hash sentinel: 64 zero hex characters.
const NullHash = "0000000000000000000000000000000000000000000000000000000000000000"

var controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0B-\x1F]`)

// Canonicalize renders v as canonical JSON bytes: map keys sorted
// lexicographically, no insignificant whitespace, slices keep source
// order, numbers keep exact textual form, and null-valued map entries
// are omitted at every nesting level (canonicalizeValue drops them).
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal input: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON takes arbitrary JSON bytes and returns the canonical
// encoding: sorted keys, stable number formatting, no optional
// whitespace.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, canonicalizeValue(v)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// canonicalizeValue recursively sorts map keys, drops nil values inside
// maps (null omission), and leaves arrays/scalars as-is.
// Sets are not a native JSON concept; callers that need "sets serialize
// as sorted lists" semantics must pre-sort their slices before calling
// Canonicalize.
func canonicalizeValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k, val := range vv {
			if val == nil {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, kv{k, canonicalizeValue(vv[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = canonicalizeValue(e)
		}
		return out
	default:
		return vv
	}
}

type kv struct {
	key string
	val any
}

// orderedMap preserves the sorted-key iteration order produced by
// canonicalizeValue; json.Marshal on a plain map would re-sort (Go does
// sort map[string]any keys on marshal) but we encode by hand anyway so
// json.Number values are written verbatim instead of re-parsed as float64.
type orderedMap []kv

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch vv := v.(type) {
	case orderedMap:
		buf.WriteByte('{')
		for i, pair := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(pair.key)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, pair.val); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(vv.String())
		return nil
	default:
		b, err := json.Marshal(vv)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// ContentHash returns the SHA-256 hex digest of v's canonical encoding:
// content_hash(value).
func ContentHash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the SHA-256 hex digest of raw canonical bytes
// already produced by Canonicalize/CanonicalizeJSON.
func HashBytes(canonicalBytes []byte) string {
	sum := sha256.Sum256(canonicalBytes)
	return hex.EncodeToString(sum[:])
}

// NormalizeText applies NFKC Unicode normalization to a string treated
// as policy wording.
func NormalizeText(s string) string {
	return norm.NFKC.String(s)
}

// TextHash returns text_hash(s): SHA-256 of the raw string bytes after
// newline normalization and whitespace collapse, without lowercasing
// (preserves legal text fidelity).
func TextHash(s string) string {
	normalized := normalizeNewlinesAndWhitespace(s)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func normalizeNewlinesAndWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// RuleLogicHash implements compute_rule_logic_hash: canonicalize the
// rule body (strip comments, trim each line, drop blank lines, sort the
// remaining lines), then SHA-256. Whitespace-insensitive. Indentation is
// discarded before sorting, so nesting levels are not preserved: every
// non-empty line is sorted as one flat list of clauses.
func RuleLogicHash(body string) string {
	return TextHash(stripCommentsAndSortClauses(body))
}

func stripCommentsAndSortClauses(body string) string {
	lines := strings.Split(body, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = stripLineComment(line)
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		kept = append(kept, trimmed)
	}
	sort.Strings(kept)
	return strings.Join(kept, "\n")
}

func stripLineComment(line string) string {
	if i := strings.Index(line, "//"); i >= 0 {
		line = line[:i]
	}
	if i := strings.Index(line, "#"); i >= 0 {
		line = line[:i]
	}
	return line
}

// HasDisallowedControlChars reports whether s contains ASCII control
// characters other than tab (0x09) and newline (0x0A), used by the
// object field validator.
func HasDisallowedControlChars(s string) bool {
	return controlCharPattern.MatchString(s)
}
