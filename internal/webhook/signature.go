package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Headers set on every delivery.
const (
	HeaderEvent     = "X-Mdplane-Event"
	HeaderDelivery  = "X-Mdplane-Delivery"
	HeaderSequence  = "X-Mdplane-Sequence"
	HeaderAttempt   = "X-Mdplane-Attempt"
	HeaderSignature = "X-Mdplane-Signature"
)

const signaturePrefix = "sha256="

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign.
func Verify(secret string, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(header), []byte(Sign(secret, body)))
}
