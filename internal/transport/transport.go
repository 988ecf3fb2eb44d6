// Package transport abstracts a duplex byte stream to the device: either a
// serial port in line-mode, or a local stream socket. Selection happens by
// stat'ing the target path at Open time, mirroring how
// _examples/original_source/luatt.py picks between termios setup and a plain
// socket connect.
package transport

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	serial "github.com/daedaluz/goserial"
)

// Transport is a duplex byte stream with a single reader and a writer that
// must be safe for concurrent use (see Write).
type Transport interface {
	// Read blocks until at least one byte is available, EOF, or error.
	Read(p []byte) (int, error)
	// Write atomically writes p. Concurrent callers are serialized.
	Write(p []byte) (int, error)
	Close() error
	// IsSerial reports whether this transport is the serial variant; the
	// bus bridge and attach server are only active on serial transports.
	IsSerial() bool
}

// Open inspects path's file mode and returns the matching transport: a
// character device opens as serial, a socket dials as a local stream
// connection. Any other mode is an error.
func Open(path string) (Transport, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("transport: stat %s: %w", path, err)
	}
	switch {
	case fi.Mode()&os.ModeCharDevice != 0:
		return OpenSerial(path)
	case fi.Mode()&os.ModeSocket != 0:
		return OpenSocketClient(path)
	default:
		return nil, fmt.Errorf("transport: %s is neither a character device nor a socket", path)
	}
}

// serialTransport wraps a goserial Port configured for canonical-mode line
// I/O with a write-side mutex, since goserial's Port itself does not
// serialize concurrent writers.
type serialTransport struct {
	port *serial.Port
	mu   sync.Mutex
}

// OpenSerial opens path as a serial device: read/write, non-controlling,
// canonical (line) mode at 9600 baud, 8N1, CREAD|CLOCAL|HUPCL, ignoring
// break and parity errors, all control-character slots zeroed, and the
// input/output queues flushed once configured.
func OpenSerial(path string) (Transport, error) {
	port, err := serial.Open(path, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}

	attrs, err := port.GetAttr()
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: get attrs: %w", err)
	}

	attrs.Iflag = serial.IGNBRK | serial.IGNPAR
	attrs.Oflag = 0
	attrs.Cflag = serial.CREAD | serial.CLOCAL | serial.HUPCL | serial.CS8
	attrs.Cflag &^= serial.CBAUD
	attrs.Cflag |= serial.B9600
	attrs.Lflag = serial.ICANON
	attrs.Cc = [19]byte{}

	if err := port.SetAttr(serial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: set attrs: %w", err)
	}
	if err := port.Flush(serial.TCIOFLUSH); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: flush: %w", err)
	}

	return &serialTransport{port: port}, nil
}

func (t *serialTransport) Read(p []byte) (int, error) {
	return t.port.Read(p)
}

func (t *serialTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port.Write(p)
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}

func (t *serialTransport) IsSerial() bool { return true }

// socketTransport wraps a net.Conn (a unix stream socket) with a write-side
// mutex.
type socketTransport struct {
	conn net.Conn
	mu   sync.Mutex
}

// OpenSocketClient dials path as a local stream socket, for peer processes
// attaching to an instance that already owns the serial device.
func OpenSocketClient(path string) (Transport, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", path, err)
	}
	return &socketTransport{conn: conn}, nil
}

// WrapConn adapts an already-accepted net.Conn (e.g. from the attach
// server's listener) into a Transport.
func WrapConn(conn net.Conn) Transport {
	return &socketTransport{conn: conn}
}

func (t *socketTransport) Read(p []byte) (int, error) {
	return t.conn.Read(p)
}

func (t *socketTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Write(p)
}

func (t *socketTransport) Close() error {
	return t.conn.Close()
}

func (t *socketTransport) IsSerial() bool { return false }
