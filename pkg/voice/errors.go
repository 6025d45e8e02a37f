package voice

import "errors"

var (
	// ErrInvalidTransition is returned when a connection state transition
	// is attempted that the state machine does not allow.
	ErrInvalidTransition = errors.New("voice: invalid connection state transition")

	// ErrConcurrencyCapped is returned when the dispatcher is at
	// max_concurrent_stt and has nothing left to evict.
	ErrConcurrencyCapped = errors.New("voice: at max_concurrent_stt capacity")
)
