package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// rawOptions is a parsed "name = value" file, preserving last-value-wins
// semantics for repeated keys, per spec.md §6 ("Option grammar: `name
// = value` per line, `#` comments, whitespace trimmed").
type rawOptions map[string]string

// readOptFile parses one config file's "name = value" lines.
func readOptFile(path string) (rawOptions, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	opts := rawOptions{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, fmt.Errorf("%s: malformed line %q", path, line)
		}

		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		opts[name] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return opts, nil
}

// checkRootOwned enforces the "root-owned, mode no-group-write/no-world-write"
// requirement spec.md §6 places on daemon.conf, the caller config
// files, and the system fstab.
func checkRootOwned(path string) error {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if st.Uid != 0 {
		return fmt.Errorf("%s: not owned by root", path)
	}

	const groupOtherWrite = 0o022

	if st.Mode&groupOtherWrite != 0 {
		return fmt.Errorf("%s: group- or world-writable", path)
	}

	return nil
}
