package game

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxDisplayNameLength bounds display names in runes.
const MaxDisplayNameLength = 32

// NewHostToken returns a random UUIDv4 correlating a device with the session it created.
func NewHostToken() string {
	return uuid.NewString()
}

// ValidateDisplayName rejects blank or overlong names. Names are otherwise
// kept verbatim; uniqueness is an exact, case-sensitive match.
func ValidateDisplayName(name string) error {
	if strings.TrimSpace(name) == "" {
		return WithMetadata(CodeInvalidDisplayName, "display name is required", nil)
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return WithMetadata(CodeInvalidDisplayName, "display name is too long",
			map[string]string{"max": "32"})
	}
	return nil
}
