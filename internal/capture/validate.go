package capture

import (
	"regexp"
	"strings"
)

// local-part @ domain, with at least one dot inside the domain
var emailShape = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// NormalizeEmail trims the input and checks its address shape.
func NormalizeEmail(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	if email == "" {
		return "", ErrEmptyEmail
	}
	if !emailShape.MatchString(email) {
		return "", ErrInvalidEmail
	}
	return email, nil
}
