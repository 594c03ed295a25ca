// Package service installs fcos-deadend as a systemd system service together
// with the D-Bus policy that lets it own its bus name.
package service

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	unitFileName   = "fcos-deadend.service"
	policyFileName = "org.coreos.FcosDeadEnd.conf"

	unitDir   = "etc/systemd/system"
	policyDir = "etc/dbus-1/system.d"
)

const unitTemplate = `[Unit]
Description=Fedora CoreOS dead-end release MOTD
Documentation=https://github.com/coreos/fedora-coreos-tracker
Requires=dbus.socket
After=dbus.socket

[Service]
Type=notify
ExecStart=%s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`

// Only root may own the name or call the method.
const policyContent = `<?xml version="1.0"?>
<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-BUS Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <policy user="root">
    <allow own="org.coreos.FcosDeadEnd"/>
    <allow send_destination="org.coreos.FcosDeadEnd"/>
  </policy>
  <policy context="default">
    <deny send_destination="org.coreos.FcosDeadEnd"/>
  </policy>
</busconfig>
`

// Options configures service installation.
type Options struct {
	// Root is prepended to the install paths. Empty means "/".
	Root string
	// Verbosity adds this many -v flags to ExecStart.
	Verbosity int
	// Start the service immediately after enabling.
	Start bool
}

func (o Options) root() string {
	if o.Root == "" {
		return "/"
	}
	return o.Root
}

// UnitPath returns where the unit file is (or would be) installed under root.
func UnitPath(root string) string {
	return filepath.Join(Options{Root: root}.root(), unitDir, unitFileName)
}

// PolicyPath returns where the D-Bus policy is (or would be) installed under root.
func PolicyPath(root string) string {
	return filepath.Join(Options{Root: root}.root(), policyDir, policyFileName)
}

// Install writes the unit file and bus policy, reloads systemd, and enables
// the service.
func Install(opts Options) error {
	self, err := executableFunc()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}

	execStart := self + " serve"
	for range opts.Verbosity {
		execStart += " -v"
	}

	unitPath := UnitPath(opts.Root)
	if err := writeFile(unitPath, fmt.Sprintf(unitTemplate, execStart)); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	fmt.Fprintf(stdout, "Wrote unit file: %s\n", unitPath)

	policyPath := PolicyPath(opts.Root)
	if err := writeFile(policyPath, policyContent); err != nil {
		return fmt.Errorf("write D-Bus policy: %w", err)
	}
	fmt.Fprintf(stdout, "Wrote D-Bus policy: %s\n", policyPath)

	if err := systemctlFunc("daemon-reload"); err != nil {
		return err
	}

	if err := systemctlFunc("enable", unitFileName); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Enabled %s\n", unitFileName)

	if opts.Start {
		if err := systemctlFunc("start", unitFileName); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Started %s\n", unitFileName)
	}

	return nil
}

// Uninstall stops and disables the service, removes the unit file and
// policy, and reloads systemd.
func Uninstall(root string) error {
	// Stop first (ignore error: it may not be running).
	_ = systemctlFunc("stop", unitFileName)

	if err := systemctlFunc("disable", unitFileName); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Disabled %s\n", unitFileName)

	for _, path := range []string{UnitPath(root), PolicyPath(root)} {
		err := os.Remove(path)
		switch {
		case err == nil:
			fmt.Fprintf(stdout, "Removed %s\n", path)
		case !os.IsNotExist(err):
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}

	return systemctlFunc("daemon-reload")
}

// Status runs systemctl status for the service, printing output directly.
// A non-zero exit from systemctl only reports the unit state and is not an
// error; failing to run systemctl at all is.
func Status() error {
	cmd := exec.Command("systemctl", "status", unitFileName)
	cmd.Stdout = stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("systemctl status: %w", err)
	}
	return nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// stdout receives progress messages; replaced in tests.
var stdout io.Writer = os.Stdout

// systemctlFunc is the function used to run systemctl commands.
// Replaced in tests to avoid requiring a real systemd.
var systemctlFunc = systemctlExec

// executableFunc resolves the path of the running binary.
var executableFunc = func() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(self)
}

func systemctlExec(args ...string) error {
	cmd := exec.Command("systemctl", args...)
	cmd.Stdout = stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl %s: %w", args[0], err)
	}
	return nil
}
