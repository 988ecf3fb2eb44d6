// Package sdnotify sends readiness notifications to a service manager
// (systemd) over the NOTIFY_SOCKET unix datagram socket. It mirrors
// _examples/original_source/luatt.py's guarded
// `systemd.daemon.notify('READY=1')` call: the service-manager integration
// spec.md lists as an out-of-scope external collaborator, reduced to the
// one message this program actually needs to send.
package sdnotify

import (
	"net"
	"os"
)

// Ready tells the service manager the process has finished starting up by
// writing "READY=1" to $NOTIFY_SOCKET. If the variable is unset (no service
// manager integration, or one that doesn't use the sd_notify protocol),
// Ready is a no-op and returns nil.
func Ready() error {
	return notify("READY=1")
}

func notify(state string) error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return nil
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(state))
	return err
}
