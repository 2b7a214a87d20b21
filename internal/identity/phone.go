package identity

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/memohai/concierge/internal/errs"
)

var validate = validator.New()

var phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")

// NormalizeExternalID canonicalizes a phone number to E.164 and validates it.
// Accepted decorations: a "whatsapp:" prefix, spaces, dashes, dots and parentheses.
// A bare digit string is treated as already carrying its country code.
func NormalizeExternalID(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(strings.ToLower(value), "whatsapp:")
	value = phoneSeparators.Replace(value)
	if value != "" && value[0] != '+' {
		value = "+" + value
	}
	if err := validate.Var(value, "required,e164"); err != nil {
		return "", errs.Validation("malformed phone number %q", raw)
	}
	return value, nil
}
