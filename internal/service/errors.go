package service

import (
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the session, enrollment, exam, answer or flag does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrLocked indicates the session is locked pending proctor review.
	ErrLocked = errors.New("session locked")
	// ErrExpired indicates the session deadline passed; the session was finished.
	ErrExpired = errors.New("exam time has ended")
	// ErrDuplicateAnswer indicates the question was already answered in this session.
	ErrDuplicateAnswer = errors.New("question already answered")
	// ErrWindowClosed indicates the request falls outside the exam's scheduled window.
	ErrWindowClosed = errors.New("exam window closed")
	// ErrValidation indicates an input value is out of range.
	ErrValidation = errors.New("validation failed")
	// ErrChallengeWindowClosed indicates a re-evaluation was requested too late.
	ErrChallengeWindowClosed = errors.New("re-evaluation window closed")
	// ErrForbidden indicates the actor may not access the resource.
	ErrForbidden = errors.New("access denied")
	// ErrSandboxUnavailable indicates code answers were left ungraded because the sandbox
	// could not run them; grading the session again later picks them up.
	ErrSandboxUnavailable = errors.New("code sandbox unavailable")
)

func notFoundOr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
