// Package resolve implements envfs's core name lookup: given a basename
// requested inside the mount and the PID of the process that asked for
// it, decide what absolute path that name should resolve to, combining
// the caller's own PATH with the static fallback table.
package resolve

import (
	"os"
	"strings"

	"github.com/Mic92/envfs/internal/fallback"
	"github.com/Mic92/envfs/internal/procenv"
)

// Result is the outcome of resolving a single name.
type Result struct {
	// Target is the absolute path the name resolves to. Only meaningful
	// when Found is true.
	Target string
	// Found reports whether any candidate was found at all.
	Found bool
	// FromFallback reports whether Target came from the static fallback
	// table rather than the caller's own PATH.
	FromFallback bool
}

// Resolver ties a process's PATH to the fallback table. It holds no
// mutable state of its own; every call is independent and safe to use
// from multiple goroutines.
type Resolver struct {
	fallback *fallback.Table
}

// New returns a Resolver that falls back to table when PATH search
// yields nothing. table may be nil, in which case the fallback layer is
// simply always empty.
func New(table *fallback.Table) *Resolver {
	return &Resolver{fallback: table}
}

// Resolve looks up name as it would be found by pid if pid tried to
// execute it unqualified: each non-empty PATH component of pid's
// current environment is tried in order, first match wins. Names that
// could never legitimately appear as a single path component — empty,
// ".", "..", or containing a "/" — never resolve, matching how the
// kernel itself would never hand such a name to LOOKUP.
//
// A PATH component that is empty is skipped rather than treated as the
// current directory: envfs has no meaningful "current directory" for an
// arbitrary caller, and silently resolving to one would be surprising
// and differ from typical shell behavior operators expect here.
func (r *Resolver) Resolve(name string, pid int) Result {
	if !validName(name) {
		return Result{}
	}

	if path, ok := procenv.ReadPath(pid); ok {
		for _, dir := range strings.Split(path, ":") {
			if dir == "" {
				continue
			}
			candidate := dir + "/" + name
			if isExecutableRegularFile(candidate) {
				return Result{Target: candidate, Found: true}
			}
		}
	}

	if target, ok := r.fallback.Lookup(name); ok {
		return Result{Target: target, Found: true, FromFallback: true}
	}

	return Result{}
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.Contains(name, "/")
}

// isExecutableRegularFile reports whether path exists, is (after
// following symlinks) a regular file, and has at least one executable
// bit set. Using os.Stat rather than os.Lstat means a candidate that is
// itself a symlink to a regular executable still counts, matching what
// a shell's own PATH search would accept.
func isExecutableRegularFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if !info.Mode().IsRegular() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
