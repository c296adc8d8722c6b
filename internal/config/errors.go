package config

import "errors"

var (
	errConfig = errors.New("configuration error")
	errAuth   = errors.New("authentication error")
)

// ErrConfig and ErrAuth let callers in other packages match on the
// error taxonomy of spec.md §7 via errors.Is.
var (
	ErrConfig = errConfig
	ErrAuth   = errAuth
)
