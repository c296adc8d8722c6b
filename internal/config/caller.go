package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/altlinux/hasher-priv/internal/limits"
)

// CallerConfig is the merged, effective per-caller configuration of
// spec.md §3 ("Caller configuration"), layered from `system`,
// `user.d/<name>` and optionally `user.d/<name>:<num>`.
type CallerConfig struct {
	User1, User2 string

	// Prefix is the parsed, "~"-substituted, trailing-slash-stripped
	// prefix list. An empty list (or a literal "/") means "any".
	Prefix []string

	Umask       uint32
	Nice        int
	AllowTTYDev bool // obsolete, accepted and ignored per spec.md §9

	AllowedDevices     []string
	AllowedMountpoints []string

	RlimitHard map[string]uint64
	RlimitSoft map[string]uint64

	Wlimits limits.Wlimits
}

// NewCallerConfig returns the documented defaults: umask 022, nice 8,
// per the original implementation (SPEC_FULL.md §12 grounding).
func NewCallerConfig() *CallerConfig {
	return &CallerConfig{
		Umask:      0o022,
		Nice:       8,
		RlimitHard: map[string]uint64{},
		RlimitSoft: map[string]uint64{},
	}
}

// LoadCallerConfig layers `system`, then `user.d/<name>`, then
// optionally `user.d/<name>:<num>`, per spec.md §3 and §4.2.
// checkRootOwned is applied to cfgDir, to its `user.d` subdirectory
// (when present) and to each config file itself, matching §6's "all
// root-owned" requirement; directories above cfgDir are not checked.
func LoadCallerConfig(cfgDir, userName string, subconfig int, home string) (*CallerConfig, error) {
	cfg := NewCallerConfig()

	if err := checkRootOwned(cfgDir); err != nil {
		return nil, err
	}

	if err := checkRootOwned(filepath.Join(cfgDir, "user.d")); err != nil && !isNotExist(err) {
		return nil, err
	}

	systemPath := filepath.Join(cfgDir, "system")
	if err := applyLayer(cfg, systemPath, home, true); err != nil {
		return nil, err
	}

	userPath := filepath.Join(cfgDir, "user.d", userName)
	if err := applyLayer(cfg, userPath, home, false); err != nil {
		return nil, err
	}

	if subconfig != 0 {
		subPath := filepath.Join(cfgDir, "user.d", fmt.Sprintf("%s:%d", userName, subconfig))
		if err := applyLayer(cfg, subPath, home, false); err != nil {
			return nil, err
		}
	}

	if cfg.User1 == "" || cfg.User2 == "" {
		return nil, fmt.Errorf("%w: user1/user2 not configured for %q", errConfig, userName)
	}

	return cfg, nil
}

// applyLayer merges one config file's options into cfg. When
// required is false, a missing file is not an error (only `system`
// is mandatory).
func applyLayer(cfg *CallerConfig, path, home string, required bool) error {
	if err := checkRootOwned(path); err != nil {
		if !required && isNotExist(err) {
			return nil
		}

		return err
	}

	raw, err := readOptFile(path)
	if err != nil {
		if !required && isNotExist(err) {
			return nil
		}

		return err
	}

	return mergeOptions(cfg, raw, home, path)
}

func mergeOptions(cfg *CallerConfig, raw rawOptions, home, path string) error {
	for name, value := range raw {
		switch {
		case name == "user1":
			cfg.User1 = value
		case name == "user2":
			cfg.User2 = value
		case name == "prefix":
			cfg.Prefix = parsePrefix(value, home)
		case name == "umask":
			n, err := strconv.ParseUint(value, 8, 32)
			if err != nil || n > 0o777 {
				return fmt.Errorf("%w: %s: bad umask %q", errConfig, path, value)
			}

			cfg.Umask = uint32(n)
		case name == "nice":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 || n > 19 {
				return fmt.Errorf("%w: %s: bad nice %q", errConfig, path, value)
			}

			cfg.Nice = n
		case name == "allow_ttydev":
			// Obsolete; accepted and ignored, per spec.md §9.
			cfg.AllowTTYDev = true
		case name == "allowed_devices":
			cfg.AllowedDevices = parseList(value)
		case name == "allowed_mountpoints":
			cfg.AllowedMountpoints = parseList(value)
		case strings.HasPrefix(name, "rlimit_hard_"):
			rname := strings.TrimPrefix(name, "rlimit_hard_")
			if _, ok := rlimitNames[rname]; !ok {
				return fmt.Errorf("%w: %s: unrecognized option %q", errConfig, path, name)
			}

			v, err := limits.ParseRlimitValue(value)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			cfg.RlimitHard[rname] = v
		case strings.HasPrefix(name, "rlimit_soft_"):
			rname := strings.TrimPrefix(name, "rlimit_soft_")
			if _, ok := rlimitNames[rname]; !ok {
				return fmt.Errorf("%w: %s: unrecognized option %q", errConfig, path, name)
			}

			v, err := limits.ParseRlimitValue(value)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			cfg.RlimitSoft[rname] = v
		case name == "wlimit_time_elapsed":
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: %s: bad wlimit_time_elapsed %q", errConfig, path, value)
			}

			cfg.Wlimits.TimeElapsed = v
		case name == "wlimit_time_idle":
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: %s: bad wlimit_time_idle %q", errConfig, path, value)
			}

			cfg.Wlimits.TimeIdle = v
		case name == "wlimit_bytes_written":
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: %s: bad wlimit_bytes_written %q", errConfig, path, value)
			}

			cfg.Wlimits.BytesWritten = v
		default:
			return fmt.Errorf("%w: %s: unrecognized option %q", errConfig, path, name)
		}
	}

	return nil
}

// parsePrefix splits a colon-separated prefix list, substitutes "~"
// with home, strips trailing slashes, and treats "" or "/" as "any"
// (represented as an empty slice), per spec.md §3.
func parsePrefix(value, home string) []string {
	parts := strings.Split(value, ":")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		p = strings.ReplaceAll(p, "~", home)
		p = strings.TrimRight(p, "/")

		if p == "" {
			// "" or "/" (after stripping) means "any".
			return nil
		}

		out = append(out, p)
	}

	return out
}

// parseList splits a whitespace/comma separated list and returns a
// sorted, deduplicated slice, per spec.md §3 and §8's idempotence
// property ("duplicate entries in allowed_* lists are deduplicated
// during parse").
func parseList(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})

	seen := map[string]struct{}{}

	out := make([]string, 0, len(fields))

	for _, f := range fields {
		if f == "" {
			continue
		}

		if _, ok := seen[f]; ok {
			continue
		}

		seen[f] = struct{}{}

		out = append(out, f)
	}

	sort.Strings(out)

	return out
}

// MatchesPrefix reports whether dir starts with one of cfg.Prefix's
// entries, or cfg.Prefix is empty ("any"), per spec.md §4.9's
// post-chdiruid check and §8's quantified property.
func (cfg *CallerConfig) MatchesPrefix(dir string) bool {
	if len(cfg.Prefix) == 0 {
		return true
	}

	for _, p := range cfg.Prefix {
		if dir == p || strings.HasPrefix(dir, p+"/") {
			return true
		}
	}

	return false
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
