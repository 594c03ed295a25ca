package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/coreos/fcos-deadend/internal/logging"
	"github.com/godbus/dbus/v5"
)

// CallerResolver looks up who is behind a bus sender for the audit log.
type CallerResolver interface {
	Resolve(sender string) logging.Caller
}

// busQuerier abstracts the org.freedesktop.DBus credential queries for testing.
type busQuerier interface {
	GetConnectionUnixUser(sender string) (uint32, error)
	GetConnectionUnixProcessID(sender string) (uint32, error)
}

type busCallerResolver struct {
	bus      busQuerier
	readComm func(pid uint32) string
}

// NewBusCallerResolver resolves callers through the bus driver on conn.
func NewBusCallerResolver(conn *dbus.Conn) CallerResolver {
	return &busCallerResolver{bus: busDriver{conn: conn}, readComm: readComm}
}

// Resolve never fails; fields that cannot be determined stay zero.
func (r *busCallerResolver) Resolve(sender string) logging.Caller {
	caller := logging.Caller{Sender: sender}
	if sender == "" {
		return caller
	}

	uid, err := r.bus.GetConnectionUnixUser(sender)
	if err != nil {
		slog.Debug("failed to get caller uid", "sender", sender, "err", err)
	} else {
		caller.UID = uid
	}

	pid, err := r.bus.GetConnectionUnixProcessID(sender)
	if err != nil {
		slog.Debug("failed to get caller pid", "sender", sender, "err", err)
		return caller
	}
	caller.PID = pid
	caller.Process = r.readComm(pid)
	return caller
}

type busDriver struct {
	conn *dbus.Conn
}

func (b busDriver) GetConnectionUnixUser(sender string) (uint32, error) {
	var uid uint32
	err := b.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, sender).Store(&uid)
	return uid, err
}

func (b busDriver) GetConnectionUnixProcessID(sender string) (uint32, error) {
	var pid uint32
	err := b.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, sender).Store(&pid)
	return pid, err
}

// readComm returns the process name from /proc, or "" if it is gone.
func readComm(pid uint32) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
