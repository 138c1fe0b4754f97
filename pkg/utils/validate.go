package utils

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MinDisplayNameLength = 1
	MaxDisplayNameLength = 50
)

var (
	phoneRegex   = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
	shortIDRegex = regexp.MustCompile(`^[0-9]{6}$`)
	phoneStrip   = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

// NormalizePhone drops common separators. The leading + is kept.
func NormalizePhone(phone string) string {
	return phoneStrip.Replace(strings.TrimSpace(phone))
}

// ValidatePhone validates an already normalized phone number
// Rules: optional leading +, then 7-15 digits
func ValidatePhone(phone string) error {
	if phone == "" {
		return &ValidationError{Field: "phone_number", Message: "Phone number is required"}
	}
	if !phoneRegex.MatchString(phone) {
		return &ValidationError{Field: "phone_number", Message: "Phone number must be 7-15 digits"}
	}
	return nil
}

// ValidateDisplayName checks length after trimming.
func ValidateDisplayName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n < MinDisplayNameLength {
		return &ValidationError{Field: "display_name", Message: "Display name is required"}
	}
	if n > MaxDisplayNameLength {
		return &ValidationError{Field: "display_name", Message: "Display name must be at most 50 characters"}
	}
	return nil
}

// IsShortID reports whether s looks like a 6-digit user handle.
func IsShortID(s string) bool {
	return shortIDRegex.MatchString(s)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
