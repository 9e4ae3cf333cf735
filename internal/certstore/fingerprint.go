package certstore

import (
	"crypto/sha256"
	"encoding/hex"
)

// NoCertFingerprint is the canonical instance identifier used for
// connections that presented no client certificate: the SHA-256 hex of
// the empty input, per spec §3 ("the empty-cert case uses the SHA-256 of
// the empty input ... which acts as the canonical 'no client cert'
// instance identifier").
const NoCertFingerprint = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Fingerprint returns the 64-character lowercase hex SHA-256 of the DER
// encoding of a peer certificate, per spec §3.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
