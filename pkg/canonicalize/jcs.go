// Package canonicalize provides deterministic serialization for hashing
// ledger payloads and decision artifacts, plus the text normalization the
// keyword matchers share.
//
// Canonical JSON is RFC 8785 (JCS) over the value's standard JSON encoding,
// with every string in Unicode NFC so visually identical payloads entered
// through different input methods hash identically.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JCS returns the canonical JSON representation of v.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	// Structural JSON bytes are ASCII, so NFC only rewrites string contents.
	return norm.NFC.Bytes(out), nil
}

// CanonicalHash returns the SHA-256 hex digest of JCS(v).
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashParts hashes the concatenation of parts.
func HashParts(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
