package dm

import (
	"strings"
	"unicode/utf8"
)

// ValidateContent trims content and enforces the length bounds.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// IsTempID reports whether id was minted for a provisional message.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
