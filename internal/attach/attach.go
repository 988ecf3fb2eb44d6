// Package attach runs the local stream socket that lets other host-side
// processes share the upstream device connection. Each accepted connection
// gets its own reader task, following the accept-loop-plus-per-connection-
// goroutine shape of _examples/sandia-minimega-minimega's
// cmd/minimega/command_socket.go, adapted from JSON request/response
// framing to this program's line protocol (internal/frame) and from a
// single shared listener path to one derived from the process id plus a
// stable symlink.
package attach

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/ryanrsrs/luatt/internal/frame"
	"github.com/ryanrsrs/luatt/internal/router"
	log "github.com/ryanrsrs/luatt/pkg/llog"
)

// Hub is the subset of *router.Router the attach server needs.
type Hub interface {
	Attach(d router.Downstream)
	Detach(d router.Downstream)
	SetRoute(token string, d router.Downstream)
	Write(token string, fields ...[]byte) error
}

// Server accepts attach connections on a Unix stream socket and relays
// frames between them and the upstream device via Hub.
type Server struct {
	ln          net.Listener
	socketPath  string
	symlinkPath string
	hub         Hub
}

// Paths returns the well-known socket path for a process with pid and the
// stable symlink path derived from devicePath's basename, both rooted at
// dir (normally os.TempDir()).
func Paths(dir string, pid int, devicePath string) (socketPath, symlinkPath string) {
	socketPath = filepath.Join(dir, fmt.Sprintf("luatt.%d", pid))
	symlinkPath = filepath.Join(dir, "luatt."+filepath.Base(devicePath))
	return
}

// Start binds socketPath, symlinks symlinkPath to it (replacing any stale
// link), and begins accepting connections in the background. Frames read
// from a connection are forwarded upstream through hub; frames hub
// broadcasts are delivered back to every still-connected client.
func Start(socketPath, symlinkPath string, hub Hub) (*Server, error) {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("attach: listen %s: %w", socketPath, err)
	}

	os.Remove(symlinkPath)
	if err := os.Symlink(socketPath, symlinkPath); err != nil {
		ln.Close()
		return nil, fmt.Errorf("attach: symlink %s -> %s: %w", symlinkPath, socketPath, err)
	}

	s := &Server{ln: ln, socketPath: socketPath, symlinkPath: symlinkPath, hub: hub}
	go s.acceptLoop()
	return s, nil
}

// Close stops accepting connections and removes the socket and symlink.
func (s *Server) Close() error {
	err := s.ln.Close()
	os.Remove(s.socketPath)
	os.Remove(s.symlinkPath)
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			log.Info("attach: accept loop stopping: %v", err)
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	d := &client{conn: conn}
	s.hub.Attach(d)
	defer func() {
		s.hub.Detach(d)
		conn.Close()
	}()

	br := bufio.NewReader(conn)
	for {
		fields, err := frame.Decode(br)
		if err != nil {
			return
		}

		token := string(fields[0])
		if token != "" && token != "noret" {
			s.hub.SetRoute(token, d)
		}
		if err := s.hub.Write(token, fields[1:]...); err != nil {
			log.Error("attach: forwarding frame upstream: %v", err)
			return
		}
	}
}

// client is the router.Downstream backing one attach connection.
type client struct {
	conn net.Conn
}

func (c *client) Deliver(fields [][]byte) {
	token := string(fields[0])
	if err := frame.Encode(c.conn, token, fields[1:]...); err != nil {
		log.Error("attach: delivering frame to client: %v", err)
	}
}
