package channel

import "errors"

var (
	// ErrNotOpened is returned for a transfer against a channel that is
	// already closed or settled.
	ErrNotOpened = errors.New("channel: channel not open")

	// ErrLockNotFound is returned when a secret or claim refers to a
	// secrethash with no matching pending lock.
	ErrLockNotFound = errors.New("channel: no pending lock for secrethash")

	// ErrExpiredLock is returned when a lock is past its expiration, or
	// would expire before the reveal margin allows claiming it safely.
	ErrExpiredLock = errors.New("channel: lock expired")

	// ErrSecretMismatch is returned when a revealed secret does not hash
	// to the secrethash of the recorded lock.
	ErrSecretMismatch = errors.New("channel: secret does not match lock")

	// ErrDuplicateLock is returned when a transfer reuses a pending
	// secrethash.
	ErrDuplicateLock = errors.New("channel: lock already pending")

	// ErrInvalidLocksroot is returned when a balance proof commits to a
	// locksroot that does not follow from the known pending locks.
	ErrInvalidLocksroot = errors.New("channel: locksroot mismatch")

	// ErrInsufficientBalance is returned when a transfer exceeds the
	// sender's distributable capacity.
	ErrInsufficientBalance = errors.New("channel: insufficient distributable balance")

	// ErrWrongChannel is returned when a balance proof is bound to a
	// different channel identifier.
	ErrWrongChannel = errors.New("channel: balance proof for different channel")
)
