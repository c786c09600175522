package domain

import "errors"

var (
	// ErrInvalidFormat is returned when a raw string matches no known
	// identifier shape.
	ErrInvalidFormat = errors.New("identifier does not match any known format")
	// ErrNotConvertible is returned when an ISBN-13 has no ISBN-10
	// counterpart (any prefix other than Bookland 978).
	ErrNotConvertible = errors.New("isbn13 is not convertible to isbn10")
	// ErrSourceUnavailable marks a network or HTTP failure of an upstream
	// catalog. It is recorded per source and never reaches the caller.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceTimeout marks a per-call deadline exceeded on an upstream
	// catalog.
	ErrSourceTimeout = errors.New("source timeout")
	// ErrNotFound is returned when no stored record carries the identifier.
	ErrNotFound = errors.New("no record carries this identifier")
)
