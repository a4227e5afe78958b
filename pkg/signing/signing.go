// Package signing implements Ed25519 signature generation and
// verification for cell proofs and witness attestations.
//
// Explicit key/signature size checks run before calling into
// crypto/ed25519, with a domain-separated signing scheme
// (createDomainMessage: domain tag concatenated with the message hash,
// then SHA-256 again before signing) under a kernel-specific domain
// tag.
package signing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"

	"github.com/certen/decisiongraph-kernel/pkg/dgerrors"
)

// DomainTag is the fixed domain separator mixed into every signature
// this package produces or verifies.
const DomainTag = "DECISIONGRAPH_CELL_V1"

// GenerateKeypair produces a new Ed25519 key pair.
func GenerateKeypair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, dgerrors.Wrap(dgerrors.KindInternalError, "generate ed25519 keypair", err, nil)
	}
	return priv, pub, nil
}

// SignBytes signs data under priv using domain-separated Ed25519.
// Ed25519 signing is deterministic, so the same (priv, data) pair
// always yields the same signature.
func SignBytes(priv ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, dgerrors.New(dgerrors.KindSignatureInvalid, "invalid private key size", map[string]any{
			"expected": ed25519.PrivateKeySize, "got": len(priv),
		})
	}
	return ed25519.Sign(priv, domainMessage(data)), nil
}

// VerifySignature reports whether sig is a valid domain-separated
// Ed25519 signature over data under pub. A malformed key or signature
// is a SignatureInvalid error; a well-formed but non-matching
// signature returns (false, nil).
func VerifySignature(pub ed25519.PublicKey, data, sig []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, dgerrors.New(dgerrors.KindSignatureInvalid, "invalid public key size", map[string]any{
			"expected": ed25519.PublicKeySize, "got": len(pub),
		})
	}
	if len(sig) != ed25519.SignatureSize {
		return false, dgerrors.New(dgerrors.KindSignatureInvalid, "invalid signature size", map[string]any{
			"expected": ed25519.SignatureSize, "got": len(sig),
		})
	}
	return ed25519.Verify(pub, domainMessage(data), sig), nil
}

func domainMessage(data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(DomainTag)
	sum := sha256.Sum256(data)
	buf.Write(sum[:])
	hash := sha256.Sum256(buf.Bytes())
	return hash[:]
}
