package wire

import "errors"

// Sentinel error kinds, matching the taxonomy of spec.md §7.
var (
	ErrProtocol = errors.New("protocol error")
	ErrAuth     = errors.New("authentication error")
)

// BadRequest is the fixed diagnostic text spec.md §4.3 and §8
// require for every protocol violation: repeated command, unknown
// command, malformed ancillary data, or oversized blob.
const BadRequest = "bad request"
