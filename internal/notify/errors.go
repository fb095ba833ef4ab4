package notify

import "errors"

var (
	// ErrUserNotFound is returned by Dispatch when the recipient could not be
	// resolved, whether the directory has no such user or could not be
	// reached. The directory's own error is wrapped alongside it.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidContext is returned when the caller's context values cannot
	// be stored.
	ErrInvalidContext = errors.New("invalid notification context")

	// ErrNotPersisted is returned when the outcome record could not be
	// written. Nothing about the request is on record.
	ErrNotPersisted = errors.New("notification not persisted")

	// ErrSweepInProgress is returned when another sweep holds the lock.
	ErrSweepInProgress = errors.New("retry sweep already in progress")
)
