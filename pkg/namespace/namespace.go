// Package namespace implements the registry of namespace existence,
// permissions, and cross-namespace bridges: a read-only view
// reconstructed from the chain's own Fact cells.
//
// A thin struct wrapping a *chain.Chain and exposing query methods,
// the same repository shape used for a Postgres-backed store but
// adapted to a stateless view: no global state, a Registry is built
// fresh over whatever chain a caller holds and never cached.
package namespace

import (
	"strings"
	"time"

	"github.com/certen/decisiongraph-kernel/pkg/chain"
)

// Permission is a namespace-scoped capability asserted by a
// has_permission Fact cell.
type Permission string

const (
	PermissionRead    Permission = "read"
	PermissionWrite   Permission = "write"
	PermissionPromote Permission = "promote"
)

// BridgeStatus describes the current effective state of a
// source -> target namespace bridge.
type BridgeStatus string

const (
	BridgeStatusNone     BridgeStatus = "none"
	BridgeStatusActive   BridgeStatus = "active"
	BridgeStatusRevoked  BridgeStatus = "revoked"
)

// BridgeRecord is the cell that last determined a bridge's status.
type BridgeRecord struct {
	SourceNamespace string
	TargetNamespace string
	GrantedAt       time.Time
	RevokedAt       *time.Time
	CellID          string
}

// Registry is a read-only view over a chain's namespace-scoped Fact
// cells. It is cheap to construct and carries no state beyond the
// chain pointer; callers build one per query, exactly like the
// teacher's per-request repository handles.
type Registry struct {
	chain *chain.Chain
}

// NewRegistry wraps ch.
func NewRegistry(ch *chain.Chain) *Registry {
	return &Registry{chain: ch}
}

// Exists reports whether any cell has declared ns, directly or as an
// ancestor of a declared child namespace.
func (r *Registry) Exists(ns string) bool {
	for _, c := range r.chain.Cells() {
		if c.Fact().Namespace == ns || IsNamespacePrefix(ns, c.Fact().Namespace) {
			return true
		}
	}
	return false
}

// GetPermission scans has_permission Fact cells for the latest
// (subject, namespace) grant, returning false if none exists.
func (r *Registry) GetPermission(ns, subject string) (Permission, bool) {
	var latest *struct {
		perm Permission
		at   time.Time
	}
	for _, c := range r.chain.Cells() {
		f := c.Fact()
		if f.Namespace != ns || f.Predicate != "has_permission" || f.Subject != subject {
			continue
		}
		if latest == nil || c.Header().SystemTime.After(latest.at) {
			latest = &struct {
				perm Permission
				at   time.Time
			}{perm: Permission(f.Object), at: c.Header().SystemTime}
		}
	}
	if latest == nil {
		return "", false
	}
	return latest.perm, true
}

// IsBridgeEffective reports whether a bridge from source to target was
// granted and not yet revoked, evaluated as of asOfSystemTime and
// valid as of atValidTime. The latest grants_access_to/revoke_bridge
// cell (by system_time, capped at asOfSystemTime) for the (source,
// target) pair wins.
func (r *Registry) IsBridgeEffective(source, target string, atValidTime, asOfSystemTime time.Time) (bool, *BridgeRecord) {
	var rec *BridgeRecord
	var latestTime time.Time
	var latestIsGrant bool
	found := false

	for _, c := range r.chain.Cells() {
		f := c.Fact()
		if f.Predicate != "grants_access_to" && f.Predicate != "revoke_bridge" {
			continue
		}
		if f.Subject != "namespace:"+source || f.Object != target {
			continue
		}
		if c.Header().SystemTime.After(asOfSystemTime) {
			continue
		}
		if f.ValidFrom.After(atValidTime) {
			continue
		}
		if !found || c.Header().SystemTime.After(latestTime) {
			found = true
			latestTime = c.Header().SystemTime
			latestIsGrant = f.Predicate == "grants_access_to"
			rec = &BridgeRecord{
				SourceNamespace: source,
				TargetNamespace: target,
				GrantedAt:       f.ValidFrom,
				CellID:          c.CellID(),
			}
			if !latestIsGrant {
				revokedAt := f.ValidFrom
				rec.RevokedAt = &revokedAt
			}
		}
	}

	if !found {
		return false, nil
	}
	return latestIsGrant, rec
}

// BridgeStatus reports none/active/revoked for the (source, target)
// pair as of now.
func (r *Registry) BridgeStatus(source, target string) BridgeStatus {
	effective, rec := r.IsBridgeEffective(source, target, time.Now().UTC(), time.Now().UTC())
	if rec == nil {
		return BridgeStatusNone
	}
	if effective {
		return BridgeStatusActive
	}
	return BridgeStatusRevoked
}

// IsNamespacePrefix reports whether child is parent or a dot-segment
// descendant of parent.
func IsNamespacePrefix(parent, child string) bool {
	if parent == child {
		return true
	}
	return strings.HasPrefix(child, parent+".")
}
