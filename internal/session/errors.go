package session

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden is returned when an operation would break the single-writer rule.
	ErrForbidden = errors.New("forbidden")

	// ErrSessionNotFound is returned when a session is absent or has expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned for a state change the state machine rejects.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidMode is returned for a mode other than EDIT or VIEW.
	ErrInvalidMode = errors.New("invalid session mode")

	// ErrInvalidTransfer is returned when a session would move onto the file it is already on.
	ErrInvalidTransfer = errors.New("session is already on the target file")
)

// LockedError reports that another session holds the edit lease on a file.
// It matches ErrForbidden.
type LockedError struct {
	FileID           string
	OwnerUserID      string
	OwnerSessionID   string
	OwnerDisplayName string
}

func (e *LockedError) Error() string {
	switch {
	case e.OwnerDisplayName != "":
		return fmt.Sprintf("file %s is locked by %s", e.FileID, e.OwnerDisplayName)
	case e.OwnerUserID != "":
		return fmt.Sprintf("file %s is locked by %s", e.FileID, e.OwnerUserID)
	}
	return fmt.Sprintf("file %s is locked", e.FileID)
}

func (e *LockedError) Is(target error) bool {
	return target == ErrForbidden
}
