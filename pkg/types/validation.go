package types

import "strings"

// MaxUserIDLength bounds user identifiers so they stay usable as store keys.
const MaxUserIDLength = 256

// ValidateUserID rejects blank and oversized identifiers.
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUserID
	}
	if len(userID) > MaxUserIDLength {
		return ErrUserIDTooLong
	}
	return nil
}

// Validate checks a register payload before it reaches the registry.
func (p RegisterPayload) Validate() error {
	if err := ValidateUserID(p.UserID); err != nil {
		return err
	}
	if !p.Role.Valid() {
		return ErrInvalidRole
	}
	return nil
}
