package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/memohai/concierge/internal/errs"
)

// SignHMACSHA256 returns the hex HMAC-SHA256 of body under secret.
func SignHMACSHA256(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA256 checks a hex signature header, optionally carrying prefix
// (for example "sha256="), against body. Failures are errs.ErrAuthentication.
func VerifyHMACSHA256(secret string, body []byte, header, prefix string) error {
	if strings.TrimSpace(secret) == "" {
		return errs.Authentication("signing secret is not configured")
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return errs.Authentication("missing signature")
	}
	if prefix != "" {
		if !strings.HasPrefix(header, prefix) {
			return errs.Authentication("malformed signature")
		}
		header = strings.TrimPrefix(header, prefix)
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return errs.Authentication("malformed signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errs.Authentication("signature mismatch")
	}
	return nil
}
