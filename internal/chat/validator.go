package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ValidateMessage checks that an outbound message meets content requirements
// and returns the text to send (surrounding whitespace removed). Every
// failure wraps ErrValidation.
func ValidateMessage(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("%w: message contains invalid UTF-8", ErrValidation)
	}
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return "", fmt.Errorf("%w: message text is empty", ErrValidation)
	}
	if len(text) > MaxMessageBytes {
		return "", fmt.Errorf("%w: message exceeds %d byte limit", ErrValidation, MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", fmt.Errorf("%w: message exceeds %d character limit", ErrValidation, MaxTextChars)
	}
	return text, nil
}
