package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries "sha256=<hex hmac of the raw body>".
const SignatureHeader = "X-Conduit-Signature"

const signaturePrefix = "sha256="

// Sign returns the header value for body under secret.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// verifySignature checks header against the HMAC of body. A bare hex digest
// without the algorithm prefix is accepted.
func verifySignature(body []byte, header, secret string) bool {
	if header == "" || secret == "" {
		return false
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		header = signaturePrefix + header
	}
	expected := Sign(body, secret)

	// Timing-safe comparison
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(header)), []byte(expected)) == 1
}
