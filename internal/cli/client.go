// Package cli provides a client for the fcos-deadend D-Bus service.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/godbus/dbus/v5"
)

// Names of the remote object. These duplicate the daemon constants so the
// client does not import internal/daemon.
const (
	busName    = "org.coreos.FcosDeadEnd"
	objectPath = dbus.ObjectPath("/org/coreos/FcosDeadEnd")
	method     = "org.coreos.FcosDeadEnd1.WriteDeadendReason"
)

// DefaultTimeout bounds a single call.
const DefaultTimeout = 10 * time.Second

// Client calls a running fcos-deadend daemon.
type Client struct {
	conn    *dbus.Conn
	timeout time.Duration
}

// Options selects the bus to connect to.
type Options struct {
	// User connects to the session bus instead of the system bus.
	User bool
	// BusAddress overrides both.
	BusAddress string
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
}

// NewClient connects to the bus selected by opts.
func NewClient(opts Options) (*Client, error) {
	var conn *dbus.Conn
	var err error
	switch {
	case opts.BusAddress != "":
		conn, err = dbus.Connect(opts.BusAddress)
	case opts.User:
		conn, err = dbus.ConnectSessionBus()
	default:
		conn, err = dbus.ConnectSystemBus()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}
	return NewClientWithConn(conn, opts.Timeout), nil
}

// NewClientWithConn wraps an existing connection. Close closes conn.
func NewClientWithConn(conn *dbus.Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{conn: conn, timeout: timeout}
}

// WriteReason asks the daemon to record reason. The boolean is the daemon's
// answer; the error covers bus and call failures only.
func (c *Client) WriteReason(ctx context.Context, reason string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var ok bool
	call := c.conn.Object(busName, objectPath).CallWithContext(ctx, method, 0, reason)
	if call.Err != nil {
		return false, fmt.Errorf("call %s: %w", method, call.Err)
	}
	if err := call.Store(&ok); err != nil {
		return false, fmt.Errorf("decode reply: %w", err)
	}
	return ok, nil
}

// Close closes the bus connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// FormatResult prints the daemon's answer the way busctl does.
func FormatResult(w io.Writer, ok bool) {
	fmt.Fprintf(w, "b %t\n", ok)
}
