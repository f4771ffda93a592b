// Command envfs mounts a FUSE filesystem that resolves names against
// the PATH of whatever process looks them up.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Mic92/envfs/internal/envfs"
	"github.com/Mic92/envfs/internal/mountopts"
)

func main() {
	log.SetFlags(log.Lmicroseconds)

	if err := newRootCommand().Execute(); err != nil {
		log.Fatalf("envfs: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	var (
		optionString string
		fallbackPath string
		bindMounts   []string
		metricsAddr  string
		allowOther   bool
		defaultPerms bool
	)

	cmd := &cobra.Command{
		Use:   "envfs MOUNTPOINT",
		Short: "mount a PATH-resolving view of executables",
		Long: "envfs mounts a directory whose contents are resolved on demand\n" +
			"against the PATH of whatever process looks a name up.\n\n" +
			"Invoked as mount.envfs (the mount(8) helper convention), it\n" +
			"additionally accepts and ignores a leading DEVICE argument.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := buildOptions(optionString, fallbackPath, bindMounts, metricsAddr, allowOther, defaultPerms)
			if err != nil {
				return err
			}
			return run(mountpointFromArgs(args), opts)
		},
	}

	cmd.Flags().StringVarP(&optionString, "options", "o", "", "comma-separated mount options, as passed by mount(8)")
	cmd.Flags().StringVar(&fallbackPath, "fallback-path", "", "directory of symlinks used when PATH resolution fails")
	cmd.Flags().StringArrayVar(&bindMounts, "bind-mount", nil, "path onto which the mount point is bind-mounted read-only (repeatable)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. 127.0.0.1:9100")
	cmd.Flags().BoolVar(&allowOther, "allow-other", false, "mount with allow_other")
	cmd.Flags().BoolVar(&defaultPerms, "default-permissions", false, "let the kernel enforce permission bits")

	return cmd
}

// buildOptions merges the mount(8)-style "-o" option string (the form
// /sbin/mount.envfs is actually invoked with) with envfs's own long
// flags (the form a user runs envfs with directly). For fallback-path
// and metrics-addr the long flag takes precedence when both are given;
// bind mounts from both sources are combined, and a boolean option is
// on if either source turns it on.
func buildOptions(optionString, fallbackPath string, bindMounts []string, metricsAddr string, allowOther, defaultPerms bool) (*mountopts.Options, error) {
	opts, err := mountopts.Parse(optionString)
	if err != nil {
		return nil, fmt.Errorf("parsing -o options: %w", err)
	}

	if fallbackPath != "" {
		opts.FallbackPath = fallbackPath
	}
	if len(bindMounts) > 0 {
		opts.BindMounts = append(opts.BindMounts, bindMounts...)
	}
	if metricsAddr != "" {
		opts.MetricsAddr = metricsAddr
	}
	if allowOther {
		opts.AllowOther = true
	}
	if defaultPerms {
		opts.DefaultPermissions = true
	}
	return opts, nil
}

// mountpointFromArgs resolves the target directory regardless of
// invocation convention: a direct "envfs MOUNTPOINT" call, or the
// "mount.envfs DEVICE MOUNTPOINT -o OPTIONS" convention the kernel's
// mount(8) uses, where the first positional argument is a fstab
// "device" field envfs ignores (there is no backing device). Both
// forms place the mount point last.
func mountpointFromArgs(args []string) string {
	return args[len(args)-1]
}

// isMountHelperInvocation reports whether envfs was invoked under the
// mount.<fstype> name mount(8) uses when a user runs "mount -t envfs".
// It is informational only: mountpointFromArgs already handles both
// argument conventions regardless of argv[0].
func isMountHelperInvocation() bool {
	name := filepath.Base(os.Args[0])
	return strings.HasPrefix(name, "mount.")
}

func run(mountpoint string, opts *mountopts.Options) error {
	if isMountHelperInvocation() {
		log.Printf("envfs: invoked as mount helper")
	}
	log.Printf("envfs: starting, options: %s", opts)

	daemon, err := envfs.Mount(mountpoint, opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer cancel()
		daemon.Serve(ctx)
		return nil
	})

	group.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case <-sigCh:
			log.Printf("envfs: received shutdown signal, unmounting %s", mountpoint)
			return daemon.Unmount()
		case <-ctx.Done():
			return nil
		}
	})

	return group.Wait()
}
