package envfs

import (
	"fmt"
	"os"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// checkNotMounted refuses to proceed if something is already mounted at
// mountpoint, mirroring the check every mount.<fstype> helper does
// before calling into its own filesystem driver: stacking a second FUSE
// mount on top of an existing one silently by accident is rarely what
// an operator wants, and the errors that follow from it are confusing.
func checkNotMounted(mountpoint string) error {
	mounted, err := mountinfo.Mounted(mountpoint)
	if err != nil {
		return fmt.Errorf("checking mount state of %q: %w", mountpoint, err)
	}
	if mounted {
		return fmt.Errorf("%q is already a mount point", mountpoint)
	}
	return nil
}

// bindMount bind-mounts src read-only onto dst, used for the
// "bind-mount=" mount option that makes the envfs mount point visible
// at additional paths (for example /bin next to /usr/bin).
// dst must already exist; bindMount does not create it.
func bindMount(src, dst string) error {
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mounting %q onto %q: %w", src, dst, err)
	}
	if err := unix.Mount("", dst, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("remounting %q read-only: %w", dst, err)
	}
	return nil
}

// unbindMount detaches a bind mount previously set up by bindMount. It
// is lazy (MNT_DETACH) so a caller that still has the directory open
// does not wedge shutdown.
func unbindMount(dst string) error {
	if err := unix.Unmount(dst, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmounting %q: %w", dst, err)
	}
	return nil
}

// ensureDir creates dir if it does not already exist, used for the
// bind-mount targets envfs manages the lifecycle of. The mount point
// itself is not created; it must already exist.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %q: %w", dir, err)
	}
	return nil
}
