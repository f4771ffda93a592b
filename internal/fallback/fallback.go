// Package fallback implements envfs's static name-to-target mapping,
// populated once at mount time from the fallback-path mount option. It
// is the only part of the resolution pipeline that does not depend on a
// caller's PATH, so callers with no usable PATH (setuid transitions,
// early init) still get a working "sh"/"python"/etc.
package fallback

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Table is an immutable name -> absolute target mapping. The zero value
// (via Load("")) is a valid, empty table.
type Table struct {
	entries map[string]string
}

// Load scans dir once, recording (basename, link target) for every entry
// that is itself a symlink. Non-symlink entries are diagnostic mistakes
// in the fallback directory, not fatal: they are logged and skipped. An
// empty dir argument produces an empty table (the layer is simply
// disabled), matching "if absent, the layer is empty".
func Load(dir string) (*Table, error) {
	t := &Table{entries: make(map[string]string)}
	if dir == "" {
		return t, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("fallback-path %q: %w", dir, err)
	}

	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())

		info, err := os.Lstat(full)
		if err != nil {
			log.Printf("envfs: fallback entry %q: %v", full, err)
			continue
		}
		if info.Mode()&os.ModeSymlink == 0 {
			log.Printf("envfs: fallback entry %q is not a symlink, ignoring", full)
			continue
		}

		target, err := os.Readlink(full)
		if err != nil {
			log.Printf("envfs: reading link %q: %v", full, err)
			continue
		}
		t.entries[entry.Name()] = target
	}

	return t, nil
}

// Lookup performs an exact-name match against the fallback table.
func (t *Table) Lookup(name string) (target string, ok bool) {
	if t == nil {
		return "", false
	}
	target, ok = t.entries[name]
	return target, ok
}

// Len reports the number of fallback entries, for metrics.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}
