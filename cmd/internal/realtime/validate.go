package realtime

import "fmt"

const (
	// MaxRoomKeyLen is the longest accepted room key (characters; the charset is ASCII).
	MaxRoomKeyLen = 100

	// MaxContentBytes bounds a single edit payload.
	MaxContentBytes = 1_000_000
)

// ValidateRoomKey checks a room key: non-empty, at most 100 chars, [A-Za-z0-9_-].
func ValidateRoomKey(s string) error {
	if s == "" {
		return &ValidationError{Field: "roomKey", Reason: "empty", Message: "room key cannot be empty"}
	}
	if len(s) > MaxRoomKeyLen {
		return &ValidationError{
			Field:   "roomKey",
			Reason:  "too_long",
			Message: fmt.Sprintf("room key cannot exceed %d characters", MaxRoomKeyLen),
		}
	}
	for i := 0; i < len(s); i++ {
		if !isRoomKeyByte(s[i]) {
			return &ValidationError{
				Field:   "roomKey",
				Reason:  "pattern",
				Message: "room key can only contain letters, numbers, underscores, and hyphens",
			}
		}
	}
	return nil
}

// ValidateEdit checks an edit: a valid room key and 1..MaxContentBytes bytes of content.
func ValidateEdit(roomKey, content string) error {
	if err := ValidateRoomKey(roomKey); err != nil {
		return err
	}
	if content == "" {
		return &ValidationError{Field: "content", Reason: "empty", Message: "content cannot be empty"}
	}
	if len(content) > MaxContentBytes {
		return &ValidationError{
			Field:   "content",
			Reason:  "too_long",
			Message: fmt.Sprintf("content cannot exceed %d bytes", MaxContentBytes),
		}
	}
	return nil
}

func isRoomKeyByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-':
		return true
	default:
		return false
	}
}
