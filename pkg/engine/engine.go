// Package engine is the kernel's façade: it wires chain, namespace
// registry, scholar, policy, promotion, shadow, anchor, and wal into
// the small set of operations an external caller actually calls.
//
// Every subsystem is constructed once and exposed through a handful of
// top-level operations behind sync.RWMutex-guarded maps. The
// single-threaded-per-graph model matches a ledger store's documented
// "single-writer access" concurrency contract; Engine serializes its
// own operations on that contract with its RWMutex.
package engine

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/certen/decisiongraph-kernel/pkg/anchor"
	"github.com/certen/decisiongraph-kernel/pkg/canon"
	"github.com/certen/decisiongraph-kernel/pkg/cell"
	"github.com/certen/decisiongraph-kernel/pkg/chain"
	"github.com/certen/decisiongraph-kernel/pkg/dgerrors"
	"github.com/certen/decisiongraph-kernel/pkg/dglog"
	"github.com/certen/decisiongraph-kernel/pkg/namespace"
	"github.com/certen/decisiongraph-kernel/pkg/policy"
	"github.com/certen/decisiongraph-kernel/pkg/promotion"
	"github.com/certen/decisiongraph-kernel/pkg/scholar"
	"github.com/certen/decisiongraph-kernel/pkg/shadow"
	"github.com/certen/decisiongraph-kernel/pkg/signing"
	"github.com/certen/decisiongraph-kernel/pkg/wal"
)

// WALAppender is the narrow interface Engine needs from a durability
// layer; *wal.Writer satisfies it. Kept narrow so tests can supply a
// stub instead of standing up a real segment directory.
type WALAppender interface {
	Append(c *cell.Cell) (wal.Record, error)
}

// Engine owns one graph's chain and the promotions in flight against
// it. promotions is an explicit private map, not global state — it is
// discarded with the Engine.
type Engine struct {
	mu            sync.RWMutex
	chain         *chain.Chain
	wal           WALAppender
	promotions    map[uuid.UUID]*promotion.Request
	signingKey    ed25519.PrivateKey
	packetVersion int
	log           *dglog.Logger
}

// New builds an Engine over ch. walWriter may be nil (no durability);
// signingKey may be nil (ProcessRFA then returns unsigned packets);
// logger may be nil (operations then log nowhere).
func New(ch *chain.Chain, walWriter WALAppender, signingKey ed25519.PrivateKey, logger *dglog.Logger) *Engine {
	return &Engine{
		chain:         ch,
		wal:           walWriter,
		promotions:    map[uuid.UUID]*promotion.Request{},
		signingKey:    signingKey,
		packetVersion: 1,
		log:           logger,
	}
}

func (e *Engine) logInfo(msg string, args ...any) {
	if e.log != nil {
		e.log.Info(msg, args...)
	}
}

// Chain exposes the underlying chain for read-only inspection.
func (e *Engine) Chain() *chain.Chain { return e.chain }

// rfaQuery is the parsed, validated form of an RFA dict.
type rfaQuery struct {
	Namespace          string
	RequesterNamespace string
	RequesterID        string
	Subject            *string
	Predicate          *string
	Object             *string
	AtValidTime        time.Time
	AsOfSystemTime     time.Time
}

// parseRFA canonicalizes an RFA: required string fields present and
// non-empty, optional string fields trimmed, nulls treated as absent.
// Wrong types or missing required fields are
// SchemaInvalid. The namespaces, subject and predicate then go through
// the pkg/cell field validators.
func parseRFA(rfa map[string]any) (*rfaQuery, error) {
	requiredStr := func(key string) (string, error) {
		v, ok := rfa[key]
		if !ok || v == nil {
			return "", dgerrors.New(dgerrors.KindSchemaInvalid, "missing required field", map[string]any{"field": key})
		}
		s, ok := v.(string)
		if !ok {
			return "", dgerrors.New(dgerrors.KindSchemaInvalid, "field must be a string", map[string]any{"field": key})
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", dgerrors.New(dgerrors.KindSchemaInvalid, "required field is empty", map[string]any{"field": key})
		}
		return s, nil
	}
	optionalStr := func(key string) (*string, error) {
		v, ok := rfa[key]
		if !ok || v == nil {
			return nil, nil
		}
		s, ok := v.(string)
		if !ok {
			return nil, dgerrors.New(dgerrors.KindSchemaInvalid, "field must be a string", map[string]any{"field": key})
		}
		s = strings.TrimSpace(s)
		return &s, nil
	}
	optionalTime := func(key string, fallback time.Time) (time.Time, error) {
		v, ok := rfa[key]
		if !ok || v == nil {
			return fallback, nil
		}
		s, ok := v.(string)
		if !ok {
			return time.Time{}, dgerrors.New(dgerrors.KindSchemaInvalid, "field must be an ISO-8601 string", map[string]any{"field": key})
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, dgerrors.Wrap(dgerrors.KindSchemaInvalid, "field is not a valid timestamp", err, map[string]any{"field": key})
		}
		return t.UTC(), nil
	}

	ns, err := requiredStr("namespace")
	if err != nil {
		return nil, err
	}
	reqNS, err := requiredStr("requester_namespace")
	if err != nil {
		return nil, err
	}
	reqID, err := requiredStr("requester_id")
	if err != nil {
		return nil, err
	}
	subject, err := optionalStr("subject")
	if err != nil {
		return nil, err
	}
	predicate, err := optionalStr("predicate")
	if err != nil {
		return nil, err
	}
	object, err := optionalStr("object")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	atValid, err := optionalTime("at_valid_time", now)
	if err != nil {
		return nil, err
	}
	asOf, err := optionalTime("as_of_system_time", now)
	if err != nil {
		return nil, err
	}
	for _, n := range []string{ns, reqNS} {
		if err := cell.ValidateNamespace(n); err != nil {
			return nil, err
		}
	}
	if subject != nil {
		if err := cell.ValidateSubject(*subject); err != nil {
			return nil, err
		}
	}
	if predicate != nil {
		if err := cell.ValidatePredicate(*predicate); err != nil {
			return nil, err
		}
	}

	return &rfaQuery{
		Namespace: ns, RequesterNamespace: reqNS, RequesterID: reqID,
		Subject: subject, Predicate: predicate, Object: object,
		AtValidTime: atValid, AsOfSystemTime: asOf,
	}, nil
}

func (q *rfaQuery) toScholarQuery() scholar.Query {
	return scholar.Query{
		RequesterNamespace: q.RequesterNamespace,
		Namespace:          q.Namespace,
		Subject:            q.Subject,
		Predicate:          q.Predicate,
		Object:             q.Object,
		AtValidTime:        q.AtValidTime,
		AsOfSystemTime:     q.AsOfSystemTime,
		RequesterID:        q.RequesterID,
		IncludeChildren:    true,
	}
}

// Signature is the optional Ed25519 attestation carried on a ProofPacket.
type Signature struct {
	Algorithm string    `json:"algorithm"`
	PublicKey string    `json:"public_key"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// ProofPacket is the envelope ProcessRFA returns to external callers.
// SimulateRFA does not return one: its SimulationResult carries the
// base and shadow proof bundles directly.
type ProofPacket struct {
	PacketVersion int
	PacketID      uuid.UUID
	GeneratedAt   time.Time
	GraphID       string
	ProofBundle   map[string]any
	Signature     *Signature
}

// ProcessRFA canonicalizes rfa, resolves it through the Scholar, and
// wraps the result as a ProofPacket, signed if signingKey is non-nil.
func (e *Engine) ProcessRFA(rfa map[string]any, signingKey ed25519.PrivateKey) (*ProofPacket, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	q, err := parseRFA(rfa)
	if err != nil {
		return nil, err
	}

	reg := namespace.NewRegistry(e.chain)
	result := scholar.Resolve(e.chain, reg, q.toScholarQuery())
	bundle := result.ProofBundle()
	e.logInfo("rfa processed", "namespace", q.Namespace, "requester", q.RequesterID, "denied", result.Denied, "fact_count", len(result.FactCellIDs))

	packet := &ProofPacket{
		PacketVersion: e.packetVersion,
		PacketID:      uuid.New(),
		GeneratedAt:   time.Now().UTC(),
		GraphID:       e.chain.GraphID(),
		ProofBundle:   bundle,
	}

	key := signingKey
	if key == nil {
		key = e.signingKey
	}
	if key != nil {
		sig, err := e.signBundle(key, bundle)
		if err != nil {
			return nil, err
		}
		packet.Signature = sig
	}

	return packet, nil
}

func (e *Engine) signBundle(key ed25519.PrivateKey, bundle map[string]any) (*Signature, error) {
	canonicalBytes, err := canon.Canonicalize(bundle)
	if err != nil {
		return nil, dgerrors.Wrap(dgerrors.KindInternalError, "canonicalize proof bundle for signing", err, nil)
	}
	sigBytes, err := signing.SignBytes(key, canonicalBytes)
	if err != nil {
		return nil, err
	}
	return &Signature{
		Algorithm: "Ed25519",
		PublicKey: base64.StdEncoding.EncodeToString(key.Public().(ed25519.PublicKey)),
		Signature: base64.StdEncoding.EncodeToString(sigBytes),
		SignedAt:  time.Now().UTC(),
	}, nil
}

// VerifyProofPacket reconstructs the canonical bytes of packet's proof
// bundle and checks them against its carried signature using
// enginePublicKey. An unsigned packet always returns false.
func VerifyProofPacket(packet *ProofPacket, enginePublicKey ed25519.PublicKey) bool {
	if packet == nil || packet.Signature == nil {
		return false
	}
	sigBytes, err := base64.StdEncoding.DecodeString(packet.Signature.Signature)
	if err != nil {
		return false
	}
	canonicalBytes, err := canon.Canonicalize(packet.ProofBundle)
	if err != nil {
		return false
	}
	ok, err := signing.VerifySignature(enginePublicKey, canonicalBytes, sigBytes)
	if err != nil {
		return false
	}
	return ok
}

// DeltaReport summarizes how a shadow result diverged from its base.
type DeltaReport struct {
	FactsAdded     []string
	FactsRemoved   []string
	VerdictChanged bool
	StatusBefore   string
	StatusAfter    string
	ScoreDelta     float64
}

// SimulationResult is the outcome of SimulateRFA.
type SimulationResult struct {
	SimulationID          string
	ChainHeadBefore       string
	ChainHeadAfter        string
	ContaminationDetected bool
	BaseProofBundle       map[string]any
	ShadowProofBundle     map[string]any
	DeltaReport           DeltaReport
	Anchors               *anchor.Result
	ContaminationAttestation string
}

// SimulateRFA runs the §4.10 pipeline: resolve against the base chain,
// fork and overlay, resolve again against the shadow, compute the
// delta, and — if the verdict changed — run counterfactual anchor
// search. The base chain is never touched; shadow.Context guarantees
// cleanup via Close.
func (e *Engine) SimulateRFA(rfa map[string]any, spec *shadow.OverlayContext, atValidTime, asOfSystemTime time.Time, maxAnchorAttempts int, maxRuntime time.Duration) (*SimulationResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	chainHeadBefore := e.chain.Head().CellID()

	q, err := parseRFA(rfa)
	if err != nil {
		return nil, err
	}
	q.AtValidTime = atValidTime.UTC()
	q.AsOfSystemTime = asOfSystemTime.UTC()
	query := q.toScholarQuery()

	baseReg := namespace.NewRegistry(e.chain)
	baseResult := scholar.Resolve(e.chain, baseReg, query)

	shadowCtx, err := shadow.Enter(e.chain, spec)
	if err != nil {
		return nil, err
	}
	defer shadowCtx.Close()

	shadowReg := namespace.NewRegistry(shadowCtx.Shadow)
	shadowResult := scholar.Resolve(shadowCtx.Shadow, shadowReg, query)

	chainHeadAfter := e.chain.Head().CellID()
	contamination := chainHeadBefore != chainHeadAfter

	delta := computeDeltaReport(baseResult, shadowResult)

	var anchorResult *anchor.Result
	if delta.VerdictChanged {
		anchorResult, err = e.searchAnchors(query, baseResult, spec, maxAnchorAttempts, maxRuntime)
		if err != nil {
			return nil, err
		}
	} else {
		anchorResult = &anchor.Result{Anchors: [][2]string{}}
	}

	simulationID := uuid.New().String()
	attestation, err := canon.ContentHash(map[string]any{
		"chain_head_before": chainHeadBefore,
		"chain_head_after":  chainHeadAfter,
		"simulation_id":     simulationID,
	})
	if err != nil {
		return nil, dgerrors.Wrap(dgerrors.KindInternalError, "compute contamination attestation", err, nil)
	}

	return &SimulationResult{
		SimulationID:             simulationID,
		ChainHeadBefore:          chainHeadBefore,
		ChainHeadAfter:           chainHeadAfter,
		ContaminationDetected:    contamination,
		BaseProofBundle:          withOrigin(baseResult.ProofBundle(), "BASE"),
		ShadowProofBundle:        withOrigin(shadowResult.ProofBundle(), "SHADOW"),
		DeltaReport:              delta,
		Anchors:                  anchorResult,
		ContaminationAttestation: attestation,
	}, nil
}

func withOrigin(bundle map[string]any, origin string) map[string]any {
	tagged := map[string]any{}
	for k, v := range bundle {
		tagged[k] = v
	}
	tagged["origin"] = origin
	if results, ok := tagged["results"].(map[string]any); ok {
		resultsCopy := map[string]any{}
		for k, v := range results {
			resultsCopy[k] = v
		}
		if ids, ok := resultsCopy["fact_cell_ids"].([]string); ok {
			withOriginIDs := make([]map[string]any, len(ids))
			for i, id := range ids {
				withOriginIDs[i] = map[string]any{"cell_id": id, "origin": origin}
			}
			resultsCopy["fact_cell_ids_with_origin"] = withOriginIDs
		}
		tagged["results"] = resultsCopy
	}
	return tagged
}

func computeDeltaReport(base, shadowRes *scholar.QueryResult) DeltaReport {
	baseSet := map[string]bool{}
	for _, id := range base.FactCellIDs {
		baseSet[id] = true
	}
	shadowSet := map[string]bool{}
	for _, id := range shadowRes.FactCellIDs {
		shadowSet[id] = true
	}

	var added, removed []string
	for id := range shadowSet {
		if !baseSet[id] {
			added = append(added, id)
		}
	}
	for id := range baseSet {
		if !shadowSet[id] {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	statusOf := func(r *scholar.QueryResult) string {
		if r.Basis.Describe()["allowed"] == true {
			return "ALLOWED"
		}
		return "DENIED"
	}

	return DeltaReport{
		FactsAdded:     orEmptySlice(added),
		FactsRemoved:   orEmptySlice(removed),
		VerdictChanged: len(base.FactCellIDs) != len(shadowRes.FactCellIDs),
		StatusBefore:   statusOf(base),
		StatusAfter:    statusOf(shadowRes),
		ScoreDelta:     0.0,
	}
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// searchAnchors re-runs the overlay through anchor.Search, using a
// rerun closure that overlays only the subset under test and compares
// its fact count against the frozen base result.
func (e *Engine) searchAnchors(query scholar.Query, baseResult *scholar.QueryResult, spec *shadow.OverlayContext, maxAttempts int, maxRuntime time.Duration) (*anchor.Result, error) {
	budget := anchor.NewBudget(maxAttempts, maxRuntime)
	rerun := func(subset *shadow.OverlayContext) (bool, error) {
		ctx, err := shadow.Enter(e.chain, subset)
		if err != nil {
			return false, err
		}
		defer ctx.Close()

		reg := namespace.NewRegistry(ctx.Shadow)
		res := scholar.Resolve(ctx.Shadow, reg, query)
		return len(baseResult.FactCellIDs) != len(res.FactCellIDs), nil
	}
	return anchor.Search(noopContext{}, spec, budget, rerun)
}

// noopContext is a context.Context with no deadline and no
// cancellation, used because anchor.Search's ctx parameter exists for
// callers that need external cancellation; the Engine's own budget
// already bounds the search.
type noopContext struct{}

func (noopContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (noopContext) Done() <-chan struct{}       { return nil }
func (noopContext) Err() error                  { return nil }
func (noopContext) Value(key any) any           { return nil }

// BacktestCase is one RFA's simulation result within a batch, plus its
// similarity score relative to the rest of the batch.
type BacktestCase struct {
	RFA                   map[string]any
	Result                *SimulationResult
	Similarity            int
	RepresentativeCellID  string
}

// BatchResult is the sorted, deterministic output of RunBacktest.
type BatchResult struct {
	Cases []BacktestCase
}

// RunBacktest simulates every rfa against the same overlay spec and
// bitemporal coordinates, then orders the cases by similarity
// (descending) then representative cell_id (ascending) for a stable,
// reproducible ordering. Similarity is, summed over the case's base
// fact_cell_ids, the number of other cases whose base fact_cell_ids also
// contain that id — how representative this case is of the batch as a
// whole.
func (e *Engine) RunBacktest(rfas []map[string]any, spec *shadow.OverlayContext, atValidTime, asOfSystemTime time.Time, maxAnchorAttempts int, maxRuntime time.Duration) (*BatchResult, error) {
	results := make([]*SimulationResult, len(rfas))
	for i, rfa := range rfas {
		res, err := e.SimulateRFA(rfa, spec, atValidTime, asOfSystemTime, maxAnchorAttempts, maxRuntime)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}

	allFacts := map[string][]int{}
	for i, res := range results {
		for _, id := range factIDsOf(res.BaseProofBundle) {
			allFacts[id] = append(allFacts[id], i)
		}
	}

	cases := make([]BacktestCase, len(rfas))
	for i, res := range results {
		similarity := 0
		for _, id := range factIDsOf(res.BaseProofBundle) {
			similarity += len(allFacts[id]) - 1 // shared with other cases, not itself
		}
		rep := ""
		ids := factIDsOf(res.BaseProofBundle)
		if len(ids) > 0 {
			sort.Strings(ids)
			rep = ids[0]
		}
		cases[i] = BacktestCase{RFA: rfas[i], Result: res, Similarity: similarity, RepresentativeCellID: rep}
	}

	sort.SliceStable(cases, func(i, j int) bool {
		if cases[i].Similarity != cases[j].Similarity {
			return cases[i].Similarity > cases[j].Similarity
		}
		return cases[i].RepresentativeCellID < cases[j].RepresentativeCellID
	})

	return &BatchResult{Cases: cases}, nil
}

func factIDsOf(bundle map[string]any) []string {
	results, ok := bundle["results"].(map[string]any)
	if !ok {
		return nil
	}
	ids, ok := results["fact_cell_ids"].([]string)
	if !ok {
		return nil
	}
	return append([]string(nil), ids...)
}

// SubmitPromotion validates namespace and rule_ids, captures the
// current policy head for the race check at finalize time, and stores
// a new Request keyed by a fresh promotion id.
func (e *Engine) SubmitPromotion(ns string, ruleIDs []string, submitterID string) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := cell.ValidateNamespace(ns); err != nil {
		return uuid.Nil, err
	}

	reg := policy.NewWitnessRegistry(e.chain)
	ws, ok := reg.Current()
	if !ok || ws.Namespace != ns {
		return uuid.Nil, dgerrors.New(dgerrors.KindInputInvalid, "no WitnessSet for namespace", map[string]any{"namespace": ns})
	}

	for _, ruleID := range ruleIDs {
		ruleCell, ok := e.chain.GetCell(ruleID)
		if !ok {
			return uuid.Nil, dgerrors.New(dgerrors.KindInputInvalid, "rule_id not found on chain", map[string]any{"rule_id": ruleID})
		}
		if ruleCell.Fact().Namespace != ns {
			return uuid.Nil, dgerrors.New(dgerrors.KindInputInvalid, "rule belongs to a different namespace", map[string]any{
				"rule_id": ruleID, "rule_namespace": ruleCell.Fact().Namespace, "promotion_namespace": ns,
			})
		}
	}

	var expectedPrev *string
	if head, ok := policy.GetCurrentPolicyHead(e.chain, ns); ok {
		id := head.CellID()
		expectedPrev = &id
	}

	req, err := promotion.NewRequest(ns, ruleIDs, submitterID, ws.Threshold, time.Now().UTC(), expectedPrev)
	if err != nil {
		return uuid.Nil, err
	}
	e.promotions[req.PromotionID] = req
	e.logInfo("promotion submitted", "promotion_id", req.PromotionID.String(), "namespace", ns, "rule_count", len(ruleIDs))
	return req.PromotionID, nil
}

// CollectWitnessSignature enforces the fixed ordering contract:
// authorization is checked strictly before signature verification.
func (e *Engine) CollectWitnessSignature(promotionID uuid.UUID, witnessID string, sig, pubKey []byte) (promotion.Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.promotions[promotionID]
	if !ok {
		return "", dgerrors.New(dgerrors.KindInputInvalid, "unknown promotion_id", map[string]any{"promotion_id": promotionID.String()})
	}

	reg := policy.NewWitnessRegistry(e.chain)
	ws, ok := reg.Current()
	if !ok || !ws.HasWitness(witnessID) {
		return "", dgerrors.New(dgerrors.KindUnauthorized, "witness is not a member of the namespace's WitnessSet", map[string]any{"witness_id": witnessID})
	}

	valid, err := signing.VerifySignature(ed25519.PublicKey(pubKey), req.CanonicalPayload, sig)
	if err != nil {
		return "", err
	}
	if !valid {
		return "", dgerrors.New(dgerrors.KindSignatureInvalid, "witness signature does not verify", map[string]any{"witness_id": witnessID})
	}

	req.RecordSignature(witnessID, sig, pubKey)

	if req.Status == promotion.StatusPending {
		req.Status = promotion.StatusCollecting
	}
	if req.SignatureCount() >= req.RequiredThreshold {
		req.Status = promotion.StatusThresholdMet
	}

	e.logInfo("witness signature collected", "promotion_id", promotionID.String(), "witness_id", witnessID, "status", string(req.Status))
	return req.Status, nil
}

// FinalizePromotion requires ThresholdMet, re-checks the race on
// expected_prev_policy_head, and appends a new PolicyHead cell.
func (e *Engine) FinalizePromotion(promotionID uuid.UUID) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.promotions[promotionID]
	if !ok {
		return "", dgerrors.New(dgerrors.KindInputInvalid, "unknown promotion_id", map[string]any{"promotion_id": promotionID.String()})
	}
	if req.Status != promotion.StatusThresholdMet {
		return "", dgerrors.New(dgerrors.KindUnauthorized, "promotion has not reached ThresholdMet", map[string]any{"status": string(req.Status)})
	}

	var currentHeadID *string
	if head, ok := policy.GetCurrentPolicyHead(e.chain, req.Namespace); ok {
		id := head.CellID()
		currentHeadID = &id
	}
	if !samePointerValue(currentHeadID, req.ExpectedPrevPolicyHead) {
		return "", dgerrors.New(dgerrors.KindInputInvalid, "Concurrent promotion detected", map[string]any{
			"current_policy_head":  derefOrNil(currentHeadID),
			"expected_policy_head": derefOrNil(req.ExpectedPrevPolicyHead),
		})
	}

	policyHash, err := policy.ComputePolicyHash(req.RuleIDs)
	if err != nil {
		return "", err
	}
	witnessSigHex := map[string]string{}
	for witnessID, sig := range req.Signatures {
		witnessSigHex[witnessID] = fmt.Sprintf("%x", sig)
	}
	payload := policy.PolicyHeadPayload{
		PromotedRuleIDs:   req.RuleIDs,
		PolicyHash:        policyHash,
		PrevPolicyHead:    currentHeadID,
		WitnessSignatures: witnessSigHex,
	}
	if err := policy.VerifyPolicyHash(payload); err != nil {
		return "", err
	}

	objectBytes, err := canon.Canonicalize(map[string]any{
		"promoted_rule_ids": payload.PromotedRuleIDs,
		"policy_hash":       payload.PolicyHash,
		"prev_policy_head":  derefOrNil(payload.PrevPolicyHead),
		"witness_signatures": payload.WitnessSignatures,
	})
	if err != nil {
		return "", dgerrors.Wrap(dgerrors.KindInternalError, "encode policy head payload", err, nil)
	}

	now := time.Now().UTC()
	header := cell.Header{
		Version:      1,
		CellType:     cell.CellTypePolicyHead,
		GraphID:      e.chain.GraphID(),
		HashScheme:   e.chain.HashScheme(),
		SystemTime:   now,
		PrevCellHash: e.chain.Head().CellID(),
	}
	fact := cell.Fact{
		Namespace:     req.Namespace,
		Subject:       "policy:" + req.Namespace,
		Predicate:     "promotes_policy",
		Object:        string(objectBytes),
		Confidence:    1.0,
		SourceQuality: cell.SourceQualityAuthoritative,
		ValidFrom:     now,
	}
	newCell, err := cell.New(header, fact, cell.LogicAnchor{}, cell.Evidence{ReferencedCellIDs: req.RuleIDs}, cell.Proof{})
	if err != nil {
		return "", err
	}

	if err := e.chain.Append(newCell, false); err != nil {
		return "", err
	}
	if e.wal != nil {
		if _, err := e.wal.Append(newCell); err != nil {
			return "", err
		}
	}

	req.Status = promotion.StatusFinalized
	e.logInfo("promotion finalized", "promotion_id", promotionID.String(), "namespace", req.Namespace, "policy_head_cell_id", newCell.CellID())
	return newCell.CellID(), nil
}

func samePointerValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func derefOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
