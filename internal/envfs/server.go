package envfs

import (
	"context"
	"fmt"
	"log"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mic92/envfs/internal/fallback"
	"github.com/Mic92/envfs/internal/metrics"
	"github.com/Mic92/envfs/internal/mountopts"
	"github.com/Mic92/envfs/internal/registry"
	"github.com/Mic92/envfs/internal/resolve"
)

// Daemon owns the whole running mount: the FUSE server, the bind
// mounts of its mount point onto other paths, and the optional metrics
// HTTP server.
type Daemon struct {
	server      *fuse.Server
	metricsSrv  *metrics.Server
	boundMounts []string
	mountpoint  string
}

// Mount sets up a Dispatcher for mountpoint according to opts, creates
// the FUSE server (which performs the mount) and bind-mounts mountpoint
// onto every bind-mount target. It neither calls WaitMount nor serves
// requests; Serve does both.
func Mount(mountpoint string, opts *mountopts.Options) (*Daemon, error) {
	if err := checkNotMounted(mountpoint); err != nil {
		return nil, err
	}

	fb, err := fallback.Load(opts.FallbackPath)
	if err != nil {
		return nil, fmt.Errorf("loading fallback table: %w", err)
	}

	reg := registry.New()

	var m *metrics.Metrics
	var metricsSrv *metrics.Server
	if opts.MetricsAddr != "" {
		promReg := prometheus.NewRegistry()
		m = metrics.New(promReg, func() float64 { return float64(reg.Len()) })
		metricsSrv = metrics.NewServer(opts.MetricsAddr, promReg)
		m.SetFallbackEntries(fb.Len())
	}

	dispatcher := New(resolve.New(fb), reg, m)

	mountOpts := &fuse.MountOptions{
		AllowOther: opts.AllowOther,
		FsName:     "envfs",
		Name:       "envfs",
	}
	if opts.DefaultPermissions {
		mountOpts.Options = append(mountOpts.Options, "default_permissions")
	}

	server, err := fuse.NewServer(dispatcher, mountpoint, mountOpts)
	if err != nil {
		return nil, fmt.Errorf("mounting envfs on %q: %w", mountpoint, err)
	}

	var bound []string
	for _, target := range opts.BindMounts {
		if err := ensureDir(target); err != nil {
			unmountAll(server, bound)
			return nil, err
		}
		if err := bindMount(mountpoint, target); err != nil {
			unmountAll(server, bound)
			return nil, err
		}
		bound = append(bound, target)
	}

	d := &Daemon{
		server:      server,
		metricsSrv:  metricsSrv,
		boundMounts: bound,
		mountpoint:  mountpoint,
	}
	return d, nil
}

// Serve blocks, handling FUSE requests, until the mount is torn down
// (either via Unmount or externally via fusermount -u). It also starts
// the metrics HTTP server, if configured, and stops it once FUSE
// serving ends.
func (d *Daemon) Serve(ctx context.Context) {
	d.server.WaitMount()
	log.Printf("envfs: mounted on %s", d.mountpoint)

	if err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("envfs: sd_notify READY=1 failed: %v", err)
	}

	if d.metricsSrv != nil {
		go func() {
			if err := d.metricsSrv.Serve(ctx); err != nil {
				log.Printf("envfs: metrics server: %v", err)
			}
		}()
	}

	d.server.Serve()
}

// Unmount tears the mount down: detaches the bind mounts of the mount
// point in reverse order, then unmounts the FUSE mount itself.
func (d *Daemon) Unmount() error {
	return unmountAll(d.server, d.boundMounts)
}

func unmountAll(server *fuse.Server, bound []string) error {
	var firstErr error
	for i := len(bound) - 1; i >= 0; i-- {
		if err := unbindMount(bound[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := server.Unmount(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
