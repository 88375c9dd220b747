package spawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"

	"github.com/deskgate/deskgate/internal/core"
)

// ExecLauncher is the deployment implementation of core.Launcher: it runs
// the per-user server binary directly, with the target account's
// credentials and its graphical-session environment.
type ExecLauncher struct {
	// Binary is the path to the per-user desktop-server executable.
	Binary string
}

// Launch starts Binary as spec.Username, listening on 127.0.0.1:spec.Port.
//
// The child gets its own session (Setsid) so broker signals never reach
// it, and a goroutine reaps it on exit to avoid zombies.
func (l *ExecLauncher) Launch(ctx context.Context, spec core.LaunchSpec) (core.ProcessHandle, error) {
	u, err := user.Lookup(spec.Username)
	if err != nil {
		return core.ProcessHandle{}, fmt.Errorf("look up user %s: %w", spec.Username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return core.ProcessHandle{}, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return core.ProcessHandle{}, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}

	runtimeDir := fmt.Sprintf("/run/user/%d", uid)
	display, err := discoverWaylandDisplay(runtimeDir)
	if err != nil {
		return core.ProcessHandle{}, fmt.Errorf("user %s: %w", spec.Username, err)
	}

	cmd := exec.Command(l.Binary,
		"--addr", "127.0.0.1",
		"--port", strconv.Itoa(spec.Port),
	)
	cmd.Env = []string{
		"HOME=" + u.HomeDir,
		"USER=" + spec.Username,
		"XDG_RUNTIME_DIR=" + runtimeDir,
		"WAYLAND_DISPLAY=" + display,
		fmt.Sprintf("DBUS_SESSION_BUS_ADDRESS=unix:path=%s/bus", runtimeDir),
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
		Credential: &syscall.Credential{
			Uid: uint32(uid),
			Gid: uint32(gid),
		},
	}

	if err := cmd.Start(); err != nil {
		return core.ProcessHandle{}, fmt.Errorf("start %s: %w", l.Binary, err)
	}
	// Reap on exit. The registry learns about death from IsAlive, not
	// from this wait.
	go func() { _ = cmd.Wait() }()

	return core.ProcessHandle{PID: cmd.Process.Pid}, nil
}

// IsAlive reports whether the launched process still exists.
func (l *ExecLauncher) IsAlive(h core.ProcessHandle) bool {
	alive, err := process.PidExists(int32(h.PID))
	return err == nil && alive
}

// Terminate signals the process: SIGTERM normally, SIGKILL when forced.
func (l *ExecLauncher) Terminate(h core.ProcessHandle, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	if err := unix.Kill(h.PID, sig); err != nil && err != unix.ESRCH {
		return fmt.Errorf("signal pid %d: %w", h.PID, err)
	}
	return nil
}

// discoverWaylandDisplay finds the user's compositor socket by scanning
// the runtime dir for wayland-* entries, skipping lock files.
func discoverWaylandDisplay(runtimeDir string) (string, error) {
	entries, err := os.ReadDir(runtimeDir)
	if err != nil {
		return "", fmt.Errorf("read runtime dir %s: %w", runtimeDir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "wayland-") && !strings.HasSuffix(name, ".lock") {
			return name, nil
		}
	}
	return "", fmt.Errorf("no wayland display socket in %s", runtimeDir)
}
