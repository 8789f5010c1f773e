// Package webhook verifies that inbound completion notifications genuinely
// originate from the insight service. Verification is purely local and must
// run before any store lookup.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Header names used by the insight service on webhook deliveries.
const (
	SignatureHeader = "X-Insight-Signature"
	TimestampHeader = "X-Insight-Timestamp"
)

// Verifier checks webhook signatures. The signature is a hex HMAC-SHA256 over
// "<timestamp>.<raw body>" keyed with the shared webhook secret; the timestamp
// header bounds replay.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier with the shared secret and replay tolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify reports whether signature matches body+timestamp and the timestamp is
// within the tolerance window. Any missing or malformed header fails closed.
func (v *Verifier) Verify(body []byte, signature, timestamp string) bool {
	if signature == "" || timestamp == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	sent := time.Unix(ts, 0)
	age := v.now().Sub(sent)
	if age > v.tolerance || age < -v.tolerance {
		return false
	}

	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)

	return hmac.Equal(mac.Sum(nil), expected)
}

// Sign computes the signature the insight service would send for body at
// timestamp. Exported for tests and local tooling.
func (v *Verifier) Sign(body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
