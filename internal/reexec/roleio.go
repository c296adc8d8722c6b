package reexec

import (
	"encoding/json"
	"fmt"
	"os"
)

// configFD is the well-known descriptor every re-exec'd role reads
// its JSON-encoded configuration from, passed via (*exec.Cmd).ExtraFiles
// by the parent role, per SPEC_FULL.md §10.1.
const configFD = 3

// SendConfig marshals v to JSON and writes it to fd 3 of cmd's child,
// via an os.Pipe placed first in ExtraFiles. The returned closer must
// be closed by the caller after Start.
func SendConfig(v interface{}) (*os.File, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("reexec: config pipe: %w", err)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		r.Close()
		w.Close()

		return nil, nil, fmt.Errorf("reexec: encode config: %w", err)
	}

	return r, w, nil
}

// ReadConfig decodes the role's configuration from fd 3 into v.
func ReadConfig(v interface{}) error {
	f := os.NewFile(uintptr(configFD), "role-config")
	defer f.Close()

	dec := json.NewDecoder(f)

	return dec.Decode(v)
}
