// fcos-deadend announces through the MOTD that the running release is a dead
// end. It serves org.coreos.FcosDeadEnd on D-Bus and writes the reason it is
// given to /run/motd.d/deadend.motd.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/coreos/fcos-deadend/internal/cli"
	"github.com/coreos/fcos-deadend/internal/daemon"
	"github.com/coreos/fcos-deadend/internal/logging"
	"github.com/coreos/fcos-deadend/internal/service"
	"github.com/spf13/pflag"
)

var progName = filepath.Base(os.Args[0])

func main() {
	args := os.Args[1:]

	// Flag-only invocation runs the daemon, as `fcos-deadend -v` always has.
	if len(args) == 0 || (strings.HasPrefix(args[0], "-") && args[0] != "-h" && args[0] != "--help") {
		os.Exit(runServe(args))
	}

	switch args[0] {
	case "serve":
		os.Exit(runServe(args[1:]))
	case "write":
		os.Exit(runWrite(args[1:]))
	case "service":
		os.Exit(runService(args[1:]))
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  serve         Run the D-Bus service (default)
  write         Ask a running service to record a dead-end reason
  service       Manage the systemd system service

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

// parseFlags parses args and reports whether the caller should exit, and
// with which code.
func parseFlags(fs *pflag.FlagSet, args []string) (exit bool, code int) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return true, 2
	}
	return false, 0
}

func runServe(args []string) int {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	verbose := fs.CountP("verbose", "v", "Verbose mode (-v, -vv, -vvv, etc.)")
	user := fs.BoolP("user", "u", false, "Enable testing under an unprivileged user with the user session bus")
	busAddress := fs.String("bus-address", "", "Connect to this D-Bus address instead of the system or session bus")
	motdDir := fs.String("motd-dir", "", "Directory for deadend.motd (default: /run/motd.d, or /tmp with --user)")
	logFormat := fs.String("log-format", string(logging.FormatText), "Log format: text (colored) or json")
	if exit, code := parseFlags(fs, args); exit {
		return code
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "error: unexpected argument: %s\n", fs.Arg(0))
		return 2
	}

	logging.Setup(*verbose, logging.Format(*logFormat))

	cfg := daemon.Config{
		User:       *user,
		BusAddress: *busAddress,
		MotdDir:    *motdDir,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := daemon.Run(ctx, cfg); err != nil {
		slog.Error("daemon failed", "err", err)
		return 1
	}
	return 0
}

func runWrite(args []string) int {
	fs := pflag.NewFlagSet("write", pflag.ContinueOnError)
	user := fs.BoolP("user", "u", false, "Use the user session bus")
	busAddress := fs.String("bus-address", "", "Connect to this D-Bus address")
	timeout := fs.Duration("timeout", cli.DefaultTimeout, "Call timeout")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s write [options] [REASON]\n\n", progName)
		fs.PrintDefaults()
	}
	if exit, code := parseFlags(fs, args); exit {
		return code
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "error: REASON must be a single argument; quote it")
		return 2
	}

	client, err := cli.NewClient(cli.Options{User: *user, BusAddress: *busAddress, Timeout: *timeout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer client.Close()

	ok, err := client.WriteReason(context.Background(), fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	cli.FormatResult(os.Stdout, ok)
	if !ok {
		return 1
	}
	return 0
}

// runService handles the "service" subcommand group (install/uninstall/status).
func runService(args []string) int {
	if len(args) == 0 {
		printServiceUsage()
		return 1
	}

	switch args[0] {
	case "install":
		fs := pflag.NewFlagSet("service install", pflag.ContinueOnError)
		start := fs.Bool("start", false, "Start the service immediately after installing")
		root := fs.String("root", "/", "Install under this root directory")
		verbose := fs.CountP("verbose", "v", "Pass -v to the service this many times")
		if exit, code := parseFlags(fs, args[1:]); exit {
			return code
		}
		if err := service.Install(service.Options{Root: *root, Start: *start, Verbosity: *verbose}); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
	case "uninstall":
		fs := pflag.NewFlagSet("service uninstall", pflag.ContinueOnError)
		root := fs.String("root", "/", "Remove files under this root directory")
		if exit, code := parseFlags(fs, args[1:]); exit {
			return code
		}
		if err := service.Uninstall(*root); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
	case "status":
		if err := service.Status(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
	case "-h", "--help", "help":
		printServiceUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown service command: %s\n\n", args[0])
		printServiceUsage()
		return 1
	}
	return 0
}

func printServiceUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s service <command> [options]

Commands:
  install       Install and enable the systemd system service and D-Bus policy
  uninstall     Stop, disable, and remove the service and D-Bus policy
  status        Show the service status

Install options:
  --start       Start the service immediately after installing
  --root        Install under this root directory (default /)
  -v            Pass -v to the service (repeatable)
`, progName)
}
