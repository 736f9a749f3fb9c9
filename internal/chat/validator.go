package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 8192 // fits in a single read buffer frame
	MaxTextChars    = 4000
)

// ValidateMessage checks that message content meets the relay's limits. The
// returned error wraps ErrInvalidMessage.
func ValidateMessage(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalidMessage)
	}
	if len(content) > MaxMessageBytes {
		return fmt.Errorf("%w: content exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: content contains invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(content) > MaxTextChars {
		return fmt.Errorf("%w: content exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	return nil
}
