package daemon

import (
	"log/slog"

	sd "github.com/coreos/go-systemd/v22/daemon"
)

// SdNotify sends a state notification to systemd via NOTIFY_SOCKET.
// Outside systemd it does nothing. Failures are logged and otherwise ignored.
func SdNotify(state string) {
	sent, err := sd.SdNotify(false, state)
	if err != nil {
		slog.Warn("sd-notify failed", "state", state, "err", err)
		return
	}
	if sent {
		slog.Debug("sd-notify sent", "state", state)
	}
}
