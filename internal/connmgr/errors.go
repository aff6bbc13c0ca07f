package connmgr

import "errors"

var (
	// ErrOperationInFlight is returned when a trigger arrives while another
	// open/close sequence holds the guard. The trigger is dropped.
	ErrOperationInFlight = errors.New("connection operation already in flight")

	// ErrSettingsPersistence wraps a failed settings save. The operation was
	// aborted and nothing changed.
	ErrSettingsPersistence = errors.New("failed to persist settings")

	ErrUnknownEnvironment  = errors.New("unknown environment")
	ErrNoActiveEnvironment = errors.New("no active environment")
	ErrInvalidSettings     = errors.New("invalid settings")
	ErrAlreadyStarted      = errors.New("connection manager already started")
)
