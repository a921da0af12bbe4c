package gateway

import "errors"

var (
	// ErrDuplicateAddress is returned when a live worker already holds the
	// same (tag, address) pair.
	ErrDuplicateAddress = errors.New("duplicate worker address")

	// ErrUnknownWorker is returned for ids that are absent, expired or whose
	// lease has lapsed. The worker must register again.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrNoCapacity is returned when no live worker serves a tag within the
	// admission timeout.
	ErrNoCapacity = errors.New("no capacity")

	// ErrWorkerUnreachable is returned when every attempted worker failed at
	// the transport level.
	ErrWorkerUnreachable = errors.New("worker unreachable")

	// ErrInvalidRegistration is returned for malformed registrations.
	ErrInvalidRegistration = errors.New("invalid registration")
)
