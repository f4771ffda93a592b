// Package registry tracks the symlink inodes envfs has handed to the
// kernel: a stable inode number, the (frozen) target it resolves to,
// and the kernel's outstanding lookup count for it.
package registry

import (
	"log"
	"sync"
)

// firstDynamicIno is the first inode number handed out for a symlink
// node. Inode 1 is reserved for the root directory and is never stored
// in this table; it is handled by a constant code path in the
// dispatcher.
const firstDynamicIno = 2

type record struct {
	target   string
	refcount uint64
}

// Registry is the single piece of shared mutable state in envfs. All
// operations are serialized by one mutex; contention is expected to be
// low since most requests (GetAttr, Readlink, Access on an already-known
// inode) only need a brief read under the lock, and allocation never
// performs I/O while holding it.
type Registry struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]*record
}

// New returns an empty registry with the inode counter starting at 2.
func New() *Registry {
	return &Registry{
		next:    firstDynamicIno,
		entries: make(map[uint64]*record),
	}
}

// Allocate records a brand-new symlink node for target and returns its
// inode number. The counter is monotonic and never rewinds, even after
// Forget frees earlier numbers: inode numbers are never reused for the
// lifetime of the mount (invariant 4). Two lookups for the same name
// deliberately get two different inodes here; this registry does not
// deduplicate by target path (invariant 3).
func (r *Registry) Allocate(target string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ino := r.next
	r.next++
	r.entries[ino] = &record{target: target, refcount: 1}
	return ino
}

// Reference bumps an existing inode's refcount by n. Kept as part of the
// registry's contract for repeat-lookup bookkeeping; envfs's own
// dispatcher never calls it today because every Lookup allocates a fresh
// inode rather than reusing one (see Allocate), a consequence of setting
// zero dentry/attr cache timeouts throughout.
func (r *Registry) Reference(ino uint64, n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.entries[ino]; ok {
		rec.refcount += n
	}
}

// Forget reduces ino's refcount by n, removing the record once it
// reaches zero. Forgetting an inode the registry no longer has (or never
// had) is a no-op, logged at a diagnostic level rather than treated as
// an error: the kernel's forget stream and our own bookkeeping can
// legitimately race during unmount.
func (r *Registry) Forget(ino uint64, n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.entries[ino]
	if !ok {
		log.Printf("envfs: forget for unknown inode %d (nlookup=%d)", ino, n)
		return
	}
	if n >= rec.refcount {
		delete(r.entries, ino)
		return
	}
	rec.refcount -= n
}

// GetTarget returns the frozen target path recorded at Lookup time for
// ino, used to answer GetAttr and Readlink without re-resolving.
func (r *Registry) GetTarget(ino uint64) (target string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.entries[ino]
	if !ok {
		return "", false
	}
	return rec.target, true
}

// Len reports the number of live symlink inodes, for metrics and for
// tests asserting the "registry is empty after matching lookup/forget
// counts" property.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
