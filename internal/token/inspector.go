package token

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"telemetry-engine/internal/telemetry"
)

// Signatures are never verified here; only the payload segment is decoded.
var parser = jwt.NewParser(jwt.WithPaddingAllowed())

// Check returns ErrMalformedCredential when the credential does not have three
// segments and ErrExpiredCredential when its exp claim is not after now.
//
// A payload that cannot be decoded, or one without exp, passes the check. The
// server remains the authority and answers 401 when it disagrees.
func Check(credential string, now time.Time) error {
	parts := strings.Split(credential, ".")
	if len(parts) != 3 {
		return telemetry.ErrMalformedCredential
	}
	exp, ok := expiry(parts[1])
	if !ok {
		return nil
	}
	if !now.Before(exp) {
		return telemetry.ErrExpiredCredential
	}
	return nil
}

// IsExpired reports whether the credential must be treated as expired.
func IsExpired(credential string, now time.Time) bool {
	return Check(credential, now) != nil
}

// ExpiresAt returns the decoded exp claim, if there is one.
func ExpiresAt(credential string) (time.Time, bool) {
	parts := strings.Split(credential, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	return expiry(parts[1])
}

func expiry(payload string) (time.Time, bool) {
	raw, err := parser.DecodeSegment(payload)
	if err != nil {
		return time.Time{}, false
	}
	var claims jwt.MapClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
