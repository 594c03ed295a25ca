package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coreos/fcos-deadend/internal/logging"
	"github.com/coreos/fcos-deadend/internal/motd"
	"github.com/google/uuid"
)

// Unexpected inbound messages are logged at most this many times per window.
const (
	otherMessageBudget = 20
	otherMessageWindow = time.Minute
)

// Server dispatches inbound bus messages one at a time.
type Server struct {
	dir     string
	callers CallerResolver
	audit   *logging.Logger
	limiter *messageLimiter

	// write is motd.Write; replaced in tests.
	write func(reason, dir string) error
}

// NewServer creates a Server that writes the MOTD into dir.
// callers may be nil, in which case only the sender name is logged.
func NewServer(dir string, callers CallerResolver) *Server {
	return &Server{
		dir:     dir,
		callers: callers,
		audit:   logging.New(nil),
		limiter: newMessageLimiter(otherMessageBudget, otherMessageWindow, time.Now),
		write:   motd.Write,
	}
}

// Dir returns the directory the MOTD is written into.
func (s *Server) Dir() string {
	return s.dir
}

// Serve runs the receive loop until src reports the end of the bus
// connection, which returns nil, or a bus error, which is returned.
// Cancelling ctx returns ctx.Err().
func (s *Server) Serve(ctx context.Context, src Source) error {
	defer s.limiter.flush()
	for {
		ev, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				slog.Info("bus connection closed")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive: %w", err)
		}

		logging.Trace("bus event", "call", ev.Call != nil, "signal", ev.Signal != nil, "other", ev.Other != nil)
		switch {
		case ev.Call != nil:
			ev.Call.Reply(s.handleWrite(ctx, ev.Call))
		case ev.Signal != nil:
			s.logOther(ev.Signal.Sender, ev.Signal.Name, string(ev.Signal.Path))
		case ev.Other != nil:
			s.logOther(ev.Other.Sender, ev.Other.Name(), ev.Other.Path)
		}
	}
}

func (s *Server) handleWrite(ctx context.Context, call *Call) bool {
	requestID := uuid.NewString()
	caller := logging.Caller{Sender: call.Sender}
	if s.callers != nil {
		caller = s.callers.Resolve(call.Sender)
	}

	path := motd.Path(s.dir)
	slog.Info("writing MOTD", "request_id", requestID, "reason", call.Reason, "path", path)

	err := s.write(call.Reason, s.dir)
	if err == nil {
		if syncErr := motd.SyncDir(s.dir); syncErr != nil {
			slog.Warn("failed to sync MOTD directory", "request_id", requestID, "dir", s.dir, "err", syncErr)
		}
	}
	s.audit.LogWriteReason(ctx, requestID, caller, call.Reason, path, err)
	return err == nil
}

func (s *Server) logOther(sender, name, path string) {
	if routineMessage(sender, name) {
		slog.Debug("received bus message", "sender", sender, "name", name, "path", path)
		return
	}
	if s.limiter.allow() {
		slog.Info("received unexpected bus message", "sender", sender, "name", name, "path", path)
	}
}

// routineMessage reports whether a message is housekeeping the daemon
// expects: the bus driver confirming names it requested, and introspection
// or peer pings from tools such as busctl.
func routineMessage(sender, name string) bool {
	switch {
	case sender == "org.freedesktop.DBus" && name == "org.freedesktop.DBus.NameAcquired":
		return true
	case strings.HasPrefix(name, "org.freedesktop.DBus.Introspectable."),
		strings.HasPrefix(name, "org.freedesktop.DBus.Peer."):
		return true
	}
	return false
}

func reportSuppressed(count int) {
	slog.Info("suppressed unexpected bus messages", "count", count)
}

// stopper is the part of *time.Timer the limiter uses.
type stopper interface {
	Stop() bool
}

// messageLimiter allows a fixed number of events per window. Events over
// the budget are counted, and the count is reported once the window ends,
// whether or not another event arrives.
type messageLimiter struct {
	budget    int
	window    time.Duration
	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper
	report    func(count int)

	mu         sync.Mutex
	start      time.Time
	used       int
	suppressed int
	timer      stopper
}

func newMessageLimiter(budget int, window time.Duration, now func() time.Time) *messageLimiter {
	return &messageLimiter{
		budget: budget,
		window: window,
		now:    now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		report: reportSuppressed,
	}
}

// allow reports whether the current event may be logged.
func (l *messageLimiter) allow() bool {
	l.mu.Lock()
	var flushed int
	t := l.now()
	if l.start.IsZero() || t.Sub(l.start) >= l.window {
		flushed = l.takeLocked()
		l.start = t
		l.used = 0
	}
	ok := l.used < l.budget
	if ok {
		l.used++
	} else {
		l.suppressed++
		if l.timer == nil {
			l.timer = l.afterFunc(l.window-t.Sub(l.start), l.flush)
		}
	}
	l.mu.Unlock()

	if flushed > 0 {
		l.report(flushed)
	}
	return ok
}

// flush reports the events suppressed so far, if any.
func (l *messageLimiter) flush() {
	l.mu.Lock()
	n := l.takeLocked()
	l.mu.Unlock()
	if n > 0 {
		l.report(n)
	}
}

func (l *messageLimiter) takeLocked() int {
	n := l.suppressed
	l.suppressed = 0
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	return n
}
