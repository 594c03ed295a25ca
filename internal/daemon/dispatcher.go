// Package daemon implements the fcos-deadend D-Bus service. The daemon
// registers org.coreos.FcosDeadEnd on the bus and records dead-end
// announcements as a MOTD file, one call at a time.
package daemon

import (
	"github.com/godbus/dbus/v5"
)

// D-Bus names of the exported object.
const (
	BusName           = "org.coreos.FcosDeadEnd"
	ObjectPath        = dbus.ObjectPath("/org/coreos/FcosDeadEnd")
	Interface         = "org.coreos.FcosDeadEnd1"
	MethodWriteReason = "WriteDeadendReason"
)

// Call is one pending WriteDeadendReason request waiting for the serve loop.
type Call struct {
	Sender string
	Reason string

	reply chan bool
}

// NewCall creates a call whose result can be read from the returned channel.
func NewCall(sender, reason string) (*Call, <-chan bool) {
	reply := make(chan bool, 1)
	return &Call{Sender: sender, Reason: reason, reply: reply}, reply
}

// Reply delivers the method result to the waiting bus caller.
func (c *Call) Reply(ok bool) {
	c.reply <- ok
}

// DeadEnd is the object exported under ObjectPath/Interface. godbus runs
// each incoming call on its own goroutine; DeadEnd only hands the request
// to the serve loop and waits, so writes never overlap.
type DeadEnd struct {
	calls chan<- *Call
	done  <-chan struct{}
}

func newDeadEnd(calls chan<- *Call, done <-chan struct{}) *DeadEnd {
	return &DeadEnd{calls: calls, done: done}
}

// WriteDeadendReason records reason in the MOTD. It reports failure only
// through the boolean result; details go to the daemon log.
func (d *DeadEnd) WriteDeadendReason(sender dbus.Sender, reason string) (bool, *dbus.Error) {
	call, reply := NewCall(string(sender), reason)
	select {
	case d.calls <- call:
	case <-d.done:
		return false, nil
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-d.done:
		return false, nil
	}
}
