// Package mountopts parses the comma-separated "-o" option string that
// mount(8)/fstab hand envfs, in the same vein as any mount.<fstype>
// helper.
package mountopts

import (
	"fmt"
	"log"
	"strconv"
	"strings"
)

// Options holds envfs's parsed mount options.
type Options struct {
	// FallbackPath is the directory scanned by the fallback package.
	// Empty means the fallback layer is disabled.
	FallbackPath string
	// BindMounts lists extra paths onto which the envfs mount point is
	// bind-mounted read-only, repeatable.
	BindMounts []string
	// AllowOther sets FUSE's allow_other.
	AllowOther bool
	// DefaultPermissions lets the kernel enforce permission bits itself
	// rather than deferring every access check to envfs.
	DefaultPermissions bool
	// MetricsAddr is the optional "host:port" to serve Prometheus
	// metrics on. Empty disables the metrics server.
	MetricsAddr string
	// NoFail mirrors the standard fstab "nofail" option: boot should
	// not be blocked on a failed envfs mount. envfs itself does not act
	// on it; it exists so the option string round-trips through
	// /etc/fstab without tripping the "unknown option" warning.
	NoFail bool
}

// Parse parses a standard mount(8) "-o" option string, e.g.
// "fallback-path=/etc/envfs/fallback,bind-mount=/nix/store,allow_other".
// An empty raw string returns an all-default Options.
//
// Unknown options are logged and ignored rather than treated as fatal:
// mount(8) always passes through generic options like "rw" and "noexec"
// that envfs has no use for.
func Parse(raw string) (*Options, error) {
	opts := &Options{}
	if raw == "" {
		return opts, nil
	}

	for _, field := range strings.Split(raw, ",") {
		if field == "" {
			continue
		}

		key, value, hasValue := strings.Cut(field, "=")
		switch key {
		case "fallback-path":
			if !hasValue || value == "" {
				return nil, fmt.Errorf("mount option %q requires a value", key)
			}
			opts.FallbackPath = value
		case "bind-mount":
			if !hasValue || value == "" {
				return nil, fmt.Errorf("mount option %q requires a value", key)
			}
			opts.BindMounts = append(opts.BindMounts, value)
		case "metrics-addr":
			if !hasValue || value == "" {
				return nil, fmt.Errorf("mount option %q requires a value", key)
			}
			opts.MetricsAddr = value
		case "allow_other":
			opts.AllowOther = true
		case "default_permissions":
			opts.DefaultPermissions = true
		case "nofail":
			opts.NoFail = true
		case "rw", "ro", "noexec", "exec", "nosuid", "suid", "nodev", "dev":
			// Generic fstab options mount(8) always forwards; envfs has
			// no behavior to change for them.
		default:
			if hasValue {
				log.Printf("envfs: ignoring unknown mount option %s=%s", key, value)
			} else {
				log.Printf("envfs: ignoring unknown mount option %s", key)
			}
		}
	}

	return opts, nil
}

// String reassembles Options back into a mount(8) option string, used
// for logging the effective configuration at startup.
func (o *Options) String() string {
	var parts []string
	if o.FallbackPath != "" {
		parts = append(parts, "fallback-path="+o.FallbackPath)
	}
	for _, b := range o.BindMounts {
		parts = append(parts, "bind-mount="+b)
	}
	if o.MetricsAddr != "" {
		parts = append(parts, "metrics-addr="+o.MetricsAddr)
	}
	if o.AllowOther {
		parts = append(parts, "allow_other")
	}
	if o.DefaultPermissions {
		parts = append(parts, "default_permissions")
	}
	if o.NoFail {
		parts = append(parts, "nofail")
	}
	return strings.Join(parts, ",")
}

// ParseBool parses a boolean option value, accepting fstab-style
// "0"/"1" as well as the forms strconv.ParseBool accepts. Nothing in
// this repository calls it.
func ParseBool(value string) (bool, error) {
	return strconv.ParseBool(value)
}
