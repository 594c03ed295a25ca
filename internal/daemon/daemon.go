package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// MOTD directories for each mode.
const (
	SystemMotdDir = "/run/motd.d"
	UserMotdDir   = "/tmp"
)

// Config holds daemon startup parameters. It is fixed before serving starts.
type Config struct {
	// User selects the session bus and UserMotdDir instead of the system
	// bus and SystemMotdDir, for testing as an unprivileged user.
	User bool

	// BusAddress, if set, connects to this address instead of the bus
	// selected by User. Used by integration tests with a private dbus-daemon.
	BusAddress string

	// MotdDir, if set, overrides the mode's MOTD directory.
	MotdDir string
}

// Dir returns the directory the MOTD file is written into.
func (c Config) Dir() string {
	switch {
	case c.MotdDir != "":
		return c.MotdDir
	case c.User:
		return UserMotdDir
	default:
		return SystemMotdDir
	}
}

// Bus returns a human-readable name of the bus Run connects to.
func (c Config) Bus() string {
	switch {
	case c.BusAddress != "":
		return c.BusAddress
	case c.User:
		return "session"
	default:
		return "system"
	}
}

// Bus constructors; replaced in tests.
var (
	connectSystemBus  = dbus.ConnectSystemBus
	connectSessionBus = dbus.ConnectSessionBus
	connectAddress    = dbus.Connect
)

func connect(cfg Config, opts ...dbus.ConnOption) (*dbus.Conn, error) {
	switch {
	case cfg.BusAddress != "":
		return connectAddress(cfg.BusAddress, opts...)
	case cfg.User:
		return connectSessionBus(opts...)
	default:
		return connectSystemBus(opts...)
	}
}

// Run connects to the bus, registers BusName and serves calls until the bus
// connection closes or ctx is cancelled, both of which return nil. Failure
// to connect or register, and bus errors while serving, are returned.
func Run(ctx context.Context, cfg Config) error {
	// Calls the object does not serve are answered by the connection itself;
	// the interceptor makes them visible to the loop for logging.
	intercept, others := otherCalls(16)
	conn, err := connect(cfg, intercept)
	if err != nil {
		return fmt.Errorf("connect to %s bus: %w", cfg.Bus(), err)
	}
	defer conn.Close()
	slog.Debug("connected to bus", "bus", cfg.Bus(), "unique_name", conn.Names())

	calls := make(chan *Call)
	done := make(chan struct{})
	defer close(done)

	// Subscribe before requesting the name so NameAcquired/NameLost arrive here.
	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	if err := register(conn, newDeadEnd(calls, done)); err != nil {
		return err
	}

	server := NewServer(cfg.Dir(), NewBusCallerResolver(conn))
	slog.Info("daemon ready", "bus_name", BusName, "bus", cfg.Bus(), "motd_dir", server.Dir())
	SdNotify(sd.SdNotifyReady + "\nSTATUS=Serving " + BusName)

	err = server.Serve(ctx, newBusSource(conn, calls, signals, others))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		slog.Info("daemon shutting down")
		SdNotify(sd.SdNotifyStopping)
		return nil
	}
	return err
}

// register exports the object with introspection data and takes over BusName.
func register(conn *dbus.Conn, obj *DeadEnd) error {
	if err := conn.Export(obj, ObjectPath, Interface); err != nil {
		return fmt.Errorf("export %s: %w", Interface, err)
	}

	node := &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    Interface,
				Methods: introspect.Methods(obj),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspectable: %w", err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagReplaceExisting|dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name %q: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner && reply != dbus.RequestNameReplyAlreadyOwner {
		return fmt.Errorf("not primary owner of %q (reply=%d); policy rejected or owner does not allow replacement", BusName, reply)
	}
	return nil
}
