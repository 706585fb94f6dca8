package store

import "errors"

// Sentinel errors returned by store implementations. Callers translate these
// into API errors; the stores never shape HTTP responses.
var (
	ErrNotFound        = errors.New("store: not found")
	ErrDuplicateKey    = errors.New("store: duplicate key")
	ErrSettingNotFound = errors.New("store: setting not found")
)
