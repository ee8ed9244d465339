package portal

import (
	"encoding/base64"
	"math/rand/v2"
	"strings"
)

// FingerprintLength matches the length of the fingerprints the portal's
// own sign-in page generates.
const FingerprintLength = 2292

const fingerprintAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateFingerprint returns a random, plausibly shaped browser
// fingerprint. The portal remembers fingerprints it has seen complete a
// multi-factor challenge, so a generated one must be saved and reused.
func GenerateFingerprint() string {
	var sb strings.Builder

	sb.Grow(FingerprintLength)

	for range FingerprintLength {
		sb.WriteByte(fingerprintAlphabet[rand.IntN(len(fingerprintAlphabet))])
	}

	return sb.String()
}

// FingerprintFromBrowserJSON converts a fingerprint JSON blob captured
// from a trusted browser into the form the portal expects: all
// whitespace stripped, then base64url encoded.
func FingerprintFromBrowserJSON(data []byte) string {
	compact := strings.Join(strings.Fields(string(data)), "")

	return base64.URLEncoding.EncodeToString([]byte(compact))
}
