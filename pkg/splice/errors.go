package splice

import "errors"

var (
	// ErrNotRunning is returned when the manager is idle, paused or stopping.
	ErrNotRunning = errors.New("flow manager not running")
	// ErrClosed is returned once the manager has been stopped.
	ErrClosed = errors.New("flow manager closed")
	// ErrCapacity is returned when the record pool is exhausted.
	ErrCapacity = errors.New("flow record pool exhausted")
	// ErrBucketFull is returned when the selected bucket has no free slot.
	ErrBucketFull = errors.New("flow bucket full")
	// ErrNoTemplate is returned until both handshake templates are captured.
	ErrNoTemplate = errors.New("handshake templates not captured")
	// ErrAlreadyTracked is returned when the tuple already has a record.
	ErrAlreadyTracked = errors.New("flow already tracked")
	// ErrInvalidTarget is returned for a zero proxy address or port.
	ErrInvalidTarget = errors.New("invalid proxy target")
	// ErrDeliveryFailed wraps injector failures on the delivery path.
	ErrDeliveryFailed = errors.New("packet delivery failed")
)
