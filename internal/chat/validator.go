package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // max encoded text size
	MaxTextChars    = 2000 // max character count
)

// ValidateMessage checks outbound text before the optimistic append, so an
// invalid message never becomes visible local state. Attachment-only
// messages (empty text, hasImages true) are valid.
func ValidateMessage(text string, hasImages bool) error {
	if len(text) == 0 {
		if hasImages {
			return nil
		}
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
