// Package limits holds the resource-limit types shared across the
// privilege ladder: the rlimit table applied to the chrooted child
// and the wlimit counters enforced by the I/O multiplexer.
package limits

import (
	"fmt"
	"strconv"
	"strings"
)

// Rlimit is a single soft/hard pair for one named resource (the
// resource-name table itself is an external collaborator per
// spec.md §1; callers pass in the name as it appears in
// rlimit_hard_<name> / rlimit_soft_<name> config keys).
type Rlimit struct {
	Name string
	Soft uint64
	Hard uint64
}

// Infinity is the sentinel stored for a limit parsed from "inf".
const Infinity = ^uint64(0)

// ParseRlimitValue parses a decimal or case-insensitive "inf" value,
// as required by spec.md §3's caller-configuration grammar.
func ParseRlimitValue(s string) (uint64, error) {
	if strings.EqualFold(s, "inf") || strings.EqualFold(s, "infinity") {
		return Infinity, nil
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rlimit value %q: %w", s, err)
	}

	return v, nil
}

// Wlimits are the three work-limit counters of spec.md §3: elapsed
// wall-clock seconds, idle seconds between I/O events, and bytes
// written to the caller. Zero means "no limit".
type Wlimits struct {
	TimeElapsed  uint64
	TimeIdle     uint64
	BytesWritten uint64
}

// Tighten applies an override, which may only shrink a nonzero
// existing limit or set a previously-zero (unlimited) one, per
// spec.md §3's "Work limits" paragraph and §6's environment-override
// rule ("can only tighten, never loosen").
func (w *Wlimits) Tighten(other Wlimits) {
	tighten(&w.TimeElapsed, other.TimeElapsed)
	tighten(&w.TimeIdle, other.TimeIdle)
	tighten(&w.BytesWritten, other.BytesWritten)
}

func tighten(cur *uint64, next uint64) {
	if next == 0 {
		return
	}

	if *cur == 0 || next < *cur {
		*cur = next
	}
}
