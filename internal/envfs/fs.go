// Package envfs implements the FUSE filesystem itself: a dispatcher
// that answers LOOKUP, GETATTR, READLINK, ACCESS and READDIR against a
// registry of symlink inodes, resolving each name through a caller's
// own PATH.
package envfs

import (
	"log"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/Mic92/envfs/internal/metrics"
	"github.com/Mic92/envfs/internal/procenv"
	"github.com/Mic92/envfs/internal/registry"
	"github.com/Mic92/envfs/internal/resolve"
)

// rootIno is the fixed inode number of the mount's root directory.
const rootIno = 1

// rootMode is the mode reported for the root directory: a directory,
// world-readable and world-executable, never writable (nothing can be
// created inside an envfs mount).
const rootMode = syscall.S_IFDIR | 0o555

// symlinkMode is the mode reported for every resolved entry: a symlink,
// executable-only by its owner, with the sticky bit set to mark it as a
// transient, envfs-synthesized node rather than an ordinary symlink.
const symlinkMode = syscall.S_IFLNK | 0o500 | syscall.S_ISVTX

// Dispatcher implements fuse.RawFileSystem. Embedding
// fuse.DefaultRawFileSystem supplies ENOSYS/EROFS-returning stubs for
// every operation envfs does not implement (mutation, xattrs, locking),
// matching how read-only filesystems are written against this
// interface elsewhere in the ecosystem.
type Dispatcher struct {
	fuse.DefaultRawFileSystem

	resolver *resolve.Resolver
	registry *registry.Registry
	metrics  *metrics.Metrics

	// debug enables the extra per-lookup tracing below. Off by default;
	// every production mount already pays for one /proc/<pid>/environ
	// read per lookup in the resolver, a second one here is only worth
	// it while actively debugging a resolve-always report.
	debug bool

	// openDirHandles hands out small, unique file handles for
	// OPENDIR/RELEASEDIR bookkeeping. Every directory read returns the
	// same fixed listing, so the handle itself carries no state beyond
	// "is currently open".
	openDirHandles int64
}

// New builds a Dispatcher. m may be nil, in which case metrics are
// simply not recorded.
func New(resolver *resolve.Resolver, reg *registry.Registry, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{resolver: resolver, registry: reg, metrics: m}
}

// SetDebug toggles the dispatcher's own verbose per-lookup tracing,
// independent of the underlying fuse.Server's -debug flag.
func (d *Dispatcher) SetDebug(debug bool) {
	d.debug = debug
}

// String satisfies fuse.RawFileSystem and shows up in debug logs and
// /proc/mounts-adjacent tooling.
func (d *Dispatcher) String() string {
	return "envfs"
}

// Lookup resolves name as seen by the calling process's own PATH (and,
// failing that, the static fallback table) and returns a symlink entry
// pointing at the resolved target. Every call allocates a fresh inode:
// entries are never cached or deduplicated, so two lookups for the same
// name during the same mount's lifetime get different inode numbers.
func (d *Dispatcher) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	if header.NodeId != rootIno {
		return fuse.ENOTDIR
	}

	if name == "." || name == ".." {
		out.NodeId = rootIno
		out.Attr = rootAttr()
		out.SetEntryTimeout(0)
		out.SetAttrTimeout(0)
		return fuse.OK
	}

	result := d.resolver.Resolve(name, int(header.Pid))
	if !result.Found {
		d.observe(metrics.OutcomeNotFound)
		return fuse.ENOENT
	}

	if d.debug && procenv.ResolveAlways(int(header.Pid)) {
		log.Printf("envfs: lookup %q for pid %d has ENVFS_RESOLVE_ALWAYS set", name, header.Pid)
	}

	ino := d.registry.Allocate(result.Target)
	out.NodeId = ino
	out.Attr = symlinkAttr(ino, result.Target)

	// Zero timeouts everywhere: envfs must be re-consulted on every
	// single lookup, since the resolved target depends on the caller's
	// PATH at the instant of the call, not on any property of the name
	// itself that the kernel could usefully cache.
	out.SetEntryTimeout(0)
	out.SetAttrTimeout(0)

	if result.FromFallback {
		d.observe(metrics.OutcomeResolvedFallback)
	} else {
		d.observe(metrics.OutcomeResolvedPath)
	}
	return fuse.OK
}

// Forget releases nlookup references the kernel previously acquired for
// nodeid. It never returns a status: by protocol, FORGET has no reply.
func (d *Dispatcher) Forget(nodeid, nlookup uint64) {
	if nodeid == rootIno {
		return
	}
	d.registry.Forget(nodeid, nlookup)
}

// GetAttr answers both the root directory and any previously looked-up
// symlink inode, using the registry as the source of truth for the
// latter rather than re-resolving: invariant says a resolved target is
// frozen for the inode's lifetime.
func (d *Dispatcher) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	if input.NodeId == rootIno {
		out.Attr = rootAttr()
		out.SetTimeout(0)
		return fuse.OK
	}

	target, ok := d.registry.GetTarget(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}

	out.Attr = symlinkAttr(input.NodeId, target)
	out.SetTimeout(0)
	return fuse.OK
}

// Readlink returns the frozen target recorded at Lookup time, never
// re-resolving against the caller's current PATH: the contract is that
// a name resolves once, at lookup, and the result does not change out
// from under a caller holding a dentry for it.
func (d *Dispatcher) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	target, ok := d.registry.GetTarget(header.NodeId)
	if !ok {
		return nil, fuse.ENOENT
	}
	return []byte(target), fuse.OK
}

// Access always succeeds for the modes envfs's entries legitimately
// have (read and, via the symlink's own mode bits, execute-through);
// there is no underlying file to check ACL-style permissions against
// beyond what GetAttr already reports.
func (d *Dispatcher) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	const writeBits = 0o222
	if input.Mask&writeBits != 0 {
		return fuse.EACCES
	}
	return fuse.OK
}

// OpenDir permits opening the root directory for reading and rejects
// any other node, since only the root has directory semantics.
func (d *Dispatcher) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	if input.NodeId != rootIno {
		return fuse.ENOTDIR
	}
	out.Fh = uint64(atomic.AddInt64(&d.openDirHandles, 1))
	return fuse.OK
}

// ReleaseDir has nothing to release: directory handles carry no state.
func (d *Dispatcher) ReleaseDir(input *fuse.ReleaseIn) {}

// ReadDir answers the root directory listing with exactly the two
// conventional entries, "." and "..", and nothing else: envfs never
// advertises a resolvable name through readdir, regardless of whether
// it has already been resolved via lookup. A name is only ever visible
// by asking for it directly.
func (d *Dispatcher) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	if input.NodeId != rootIno {
		return fuse.ENOTDIR
	}

	entries := []fuse.DirEntry{
		{Mode: rootMode, Name: ".", Ino: rootIno},
		{Mode: rootMode, Name: "..", Ino: rootIno},
	}
	for i := input.Offset; i < uint64(len(entries)); i++ {
		if !out.AddDirEntry(entries[i]) {
			break
		}
	}
	return fuse.OK
}

func (d *Dispatcher) observe(outcome string) {
	if d.metrics != nil {
		d.metrics.ObserveLookup(outcome)
	}
}

func rootAttr() fuse.Attr {
	now := time.Now()
	return fuse.Attr{
		Ino:   rootIno,
		Mode:  rootMode,
		Nlink: 2,
		Atime: uint64(now.Unix()),
		Mtime: uint64(now.Unix()),
		Ctime: uint64(now.Unix()),
	}
}

// symlinkAttr's atime/mtime/ctime are pinned to the epoch rather than
// the time of resolution: the node is transient and its identity is
// the target string, not when it was looked up, so its timestamps
// must be stable across repeated lookups of the same name.
func symlinkAttr(ino uint64, target string) fuse.Attr {
	return fuse.Attr{
		Ino:   ino,
		Mode:  symlinkMode,
		Nlink: 1,
		Size:  uint64(len(target)),
	}
}
