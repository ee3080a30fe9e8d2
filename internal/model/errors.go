package model

import "errors"

var (
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	ErrGenerationFailed     = errors.New("generation failed")
	ErrInvalidTemplate      = errors.New("invalid prompt template")
	ErrSessionNotFound      = errors.New("session not found")
	ErrTurnIndexOutOfRange  = errors.New("turn index out of range")
	ErrConflictingOperation = errors.New("conflicting operation")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrVersionMismatch      = errors.New("turn versions are inconsistent")
)

var ErrDocumentNotFound = errors.New("document not found")
