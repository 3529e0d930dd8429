// Package exectools wraps the external command-line tools warren
// shells out to (qemu-img, ip, iptables), translating non-zero exits
// into typed apierr.KindExternalToolFailed errors.
package exectools

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/nimbusfleet/warren/pkg/apierr"
)

// Run executes name with args, returning its combined stdout/stderr.
// A non-zero exit is reported as apierr.KindExternalToolFailed with
// the tool's output attached for diagnosis.
func Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), apierr.Wrap(apierr.KindExternalToolFailed,
			fmt.Sprintf("%s %v failed", name, args), fmt.Errorf("%w (output: %s)", err, output))
	}
	return string(output), nil
}

// QemuImgInfo runs `qemu-img info --output=json <path>` and returns
// the raw JSON for the caller to decode.
func QemuImgInfo(ctx context.Context, path string) (string, error) {
	return Run(ctx, "qemu-img", "info", "--output=json", path)
}

// QemuImgResize grows or shrinks path to sizeGB gigabytes.
func QemuImgResize(ctx context.Context, path string, sizeGB int64) error {
	_, err := Run(ctx, "qemu-img", "resize", path, fmt.Sprintf("%dG", sizeGB))
	return err
}

// QemuImgConvert transcodes src (in srcFormat) to dst (in dstFormat),
// e.g. converting a downloaded qcow2 into raw for direct attachment.
func QemuImgConvert(ctx context.Context, srcFormat, src, dstFormat, dst string) error {
	_, err := Run(ctx, "qemu-img", "convert", "-f", srcFormat, "-O", dstFormat, src, dst)
	return err
}

// QemuImgCreateCOW creates a copy-on-write overlay at dst backed by base.
func QemuImgCreateCOW(ctx context.Context, base, dst string) error {
	backing := fmt.Sprintf("backing_file=%s,backing_fmt=qcow2", base)
	_, err := Run(ctx, "qemu-img", "create", "-f", "qcow2", "-o", backing, dst)
	return err
}

// IPTables runs a single iptables invocation with the given argv,
// e.g. {"-t", "nat", "-A", "PREROUTING", ...}.
func IPTables(ctx context.Context, args ...string) error {
	_, err := Run(ctx, "iptables", args...)
	return err
}

// IP runs a single `ip` invocation, used by overlaynet to manage
// bridges, VXLAN devices, and routes.
func IP(ctx context.Context, args ...string) error {
	_, err := Run(ctx, "ip", args...)
	return err
}
