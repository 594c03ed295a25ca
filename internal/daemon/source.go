package daemon

import (
	"context"
	"errors"
	"io"

	"github.com/godbus/dbus/v5"
)

// ErrNameLost is returned when the bus takes BusName away from the daemon.
var ErrNameLost = errors.New("lost ownership of " + BusName)

// Event is one inbound bus message. Exactly one field is set.
type Event struct {
	Call   *Call
	Signal *dbus.Signal
	// Other is a method call the exported object does not serve. The bus
	// connection has already answered it with an error.
	Other *MethodCall
}

// MethodCall holds the header fields of an inbound method call.
type MethodCall struct {
	Sender    string
	Path      string
	Interface string
	Member    string
}

// Name returns the fully qualified method name.
func (m *MethodCall) Name() string {
	if m.Interface == "" {
		return m.Member
	}
	return m.Interface + "." + m.Member
}

// Source yields inbound messages in arrival order. Next blocks until a
// message arrives. It returns io.EOF once the bus connection has closed
// and any other error for a bus failure.
type Source interface {
	Next(ctx context.Context) (Event, error)
}

type busSource struct {
	conn    *dbus.Conn
	calls   <-chan *Call
	signals <-chan *dbus.Signal
	others  <-chan *MethodCall
}

func newBusSource(conn *dbus.Conn, calls <-chan *Call, signals <-chan *dbus.Signal, others <-chan *MethodCall) *busSource {
	return &busSource{conn: conn, calls: calls, signals: signals, others: others}
}

func (s *busSource) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case call := <-s.calls:
		return Event{Call: call}, nil
	case other := <-s.others:
		return Event{Other: other}, nil
	case sig, ok := <-s.signals:
		if !ok {
			return Event{}, io.EOF
		}
		if isNameLost(sig) {
			return Event{}, ErrNameLost
		}
		return Event{Signal: sig}, nil
	case <-s.conn.Context().Done():
		return Event{}, io.EOF
	}
}

func isNameLost(sig *dbus.Signal) bool {
	if sig.Name != "org.freedesktop.DBus.NameLost" || len(sig.Body) == 0 {
		return false
	}
	name, _ := sig.Body[0].(string)
	return name == BusName
}

// otherCalls returns a connection option that forwards every inbound
// method call other than MethodWriteReason on the exported object into
// the returned channel. The interceptor runs on the connection's read
// loop, so a full channel drops the call instead of blocking.
func otherCalls(size int) (dbus.ConnOption, <-chan *MethodCall) {
	ch := make(chan *MethodCall, size)
	opt := dbus.WithIncomingInterceptor(func(msg *dbus.Message) {
		if call := unhandledCall(msg); call != nil {
			select {
			case ch <- call:
			default:
			}
		}
	})
	return opt, ch
}

// unhandledCall returns the header fields of msg if it is a method call the
// exported object does not serve, and nil otherwise.
func unhandledCall(msg *dbus.Message) *MethodCall {
	if msg.Type != dbus.TypeMethodCall {
		return nil
	}
	call := &MethodCall{
		Sender:    headerString(msg, dbus.FieldSender),
		Path:      headerString(msg, dbus.FieldPath),
		Interface: headerString(msg, dbus.FieldInterface),
		Member:    headerString(msg, dbus.FieldMember),
	}
	if call.Path == string(ObjectPath) && call.Member == MethodWriteReason &&
		(call.Interface == Interface || call.Interface == "") {
		return nil
	}
	return call
}

func headerString(msg *dbus.Message, field dbus.HeaderField) string {
	v, ok := msg.Headers[field]
	if !ok {
		return ""
	}
	switch s := v.Value().(type) {
	case string:
		return s
	case dbus.ObjectPath:
		return string(s)
	}
	return ""
}
