package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrAlreadyDeleted      = errors.New("already deleted")
	ErrVersionConflict     = errors.New("version conflict")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUnsupportedKind     = errors.New("unsupported job kind")
	ErrProviderFailure     = errors.New("provider failure")
	ErrDuplicateOperation  = errors.New("duplicate operation")
)
