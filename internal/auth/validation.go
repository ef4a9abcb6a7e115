package auth

import (
	"errors"
	"regexp"
	"unicode/utf8"
)

// Sentinel errors for the auth package.
var (
	ErrUserIDLength      = errors.New("user id must be between 1 and 64 characters")
	ErrUserIDInvalidChar = errors.New("user id may only contain letters, digits, underscores, hyphens, and periods")
	ErrInvalidTicket     = errors.New("invalid or expired connection ticket")
)

var userIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)

// ValidateUserID checks that a UserId is a well-formed opaque UTF-8 handle: 1 to 64
// runes, restricted to characters that round-trip cleanly through the wire codec and
// any future CLI surface.
func ValidateUserID(id string) error {
	n := utf8.RuneCountInString(id)
	if n < 1 || n > 64 {
		return ErrUserIDLength
	}
	if !userIDPattern.MatchString(id) {
		return ErrUserIDInvalidChar
	}
	return nil
}
