package domain

import "errors"

var (
	// ErrInvalidInput marks caller errors: an empty lookup key or an empty batch list.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRefreshFailure wraps any failure while refreshing the filter set.
	// It is logged and swallowed by the refresh loop; lookups never see it.
	ErrRefreshFailure = errors.New("refresh failure")

	// ErrNotInitialized is returned by accessors that need at least one published refresh.
	ErrNotInitialized = errors.New("filter manager has not been refreshed")
)
