// Package issuer implements the request/reply half of the protocol: a
// blocking request that waits for a frame tagged "ret", a fire-and-forget
// send under the reserved "noret" token, and the startup handshake that
// waits for the device's version frame under the reserved "sched" token.
//
// Grounded on how _examples/sandia-minimega-minimega's pkg/miniclient.Conn
// pairs a generated id with a response channel registered on a central
// table (there: Conn.cmdBuf/resBuf over a gob stream; here: Router's
// token->queue map over the line protocol).
package issuer

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ryanrsrs/luatt/internal/router"
)

// ErrShutdown is returned by Request and AwaitVersion when the router's
// upstream transport closed while they were waiting.
var ErrShutdown = errors.New("issuer: shutting down")

// ErrVersionTimeout is returned by AwaitVersion when no version frame
// arrives within the deadline.
var ErrVersionTimeout = errors.New("issuer: timed out waiting for device version")

// Writer is the subset of *router.Router that Issuer needs, so tests can
// substitute a fake.
type Writer interface {
	Write(token string, fields ...[]byte) error
	Register(token string) router.Queue
	Unregister(token string)
	Done() <-chan struct{}
}

// Issuer issues requests over a Router and reports intermediate
// (non-"ret") frames sharing a request's token to Intermediate.
type Issuer struct {
	r            Writer
	Intermediate io.Writer
}

// New creates an Issuer over r. Frames that arrive under a request's token
// before the final "ret" frame are written to intermediate (normally
// stdout), one per line.
func New(r Writer, intermediate io.Writer) *Issuer {
	return &Issuer{r: r, Intermediate: intermediate}
}

// NewToken generates a token of the form <ppid>/<pid>/<random-hex>,
// unique enough to correlate a request with its reply without a central
// counter.
func NewToken() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the OS entropy source is broken; fall
		// back to a constant suffix rather than a silently uncorrelatable
		// token.
		return fmt.Sprintf("%d/%d/0000000000000000", os.Getppid(), os.Getpid())
	}
	return fmt.Sprintf("%d/%d/%s", os.Getppid(), os.Getpid(), hex.EncodeToString(buf[:]))
}

// Request allocates a fresh token, installs a reply queue, writes the
// frame, then blocks until a frame arrives whose second field is "ret".
// Intermediate frames sharing the token are written to Intermediate and
// the wait continues. The returned fields are the full frame (token, ret,
// results...).
func (i *Issuer) Request(verb string, args ...[]byte) ([][]byte, error) {
	token := NewToken()
	q := i.r.Register(token)
	defer i.r.Unregister(token)

	fields := make([][]byte, 0, len(args)+1)
	fields = append(fields, []byte(verb))
	fields = append(fields, args...)
	if err := i.r.Write(token, fields...); err != nil {
		return nil, fmt.Errorf("issuer: write: %w", err)
	}

	for {
		select {
		case frame, ok := <-q:
			if !ok {
				return nil, ErrShutdown
			}
			if len(frame) > 1 && string(frame[1]) == "ret" {
				return frame, nil
			}
			i.printIntermediate(frame)
		case <-i.r.Done():
			return nil, ErrShutdown
		}
	}
}

// FireAndForget sends (verb, args...) under the reserved "noret" token and
// does not wait for a reply.
func (i *Issuer) FireAndForget(verb string, args ...[]byte) error {
	fields := make([][]byte, 0, len(args)+1)
	fields = append(fields, []byte(verb))
	fields = append(fields, args...)
	return i.r.Write("noret", fields...)
}

// AwaitVersion installs a reply queue under the reserved "sched" token and
// waits up to timeout for a frame whose verb is "version". It's meant to
// be called once at startup, right after opening a serial transport.
func (i *Issuer) AwaitVersion(timeout time.Duration) error {
	q := i.r.Register("sched")
	defer i.r.Unregister("sched")

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case frame, ok := <-q:
			if !ok {
				return ErrShutdown
			}
			if len(frame) > 1 && string(frame[1]) == "version" {
				return nil
			}
		case <-deadline.C:
			return ErrVersionTimeout
		case <-i.r.Done():
			return ErrShutdown
		}
	}
}

func (i *Issuer) printIntermediate(frame [][]byte) {
	if i.Intermediate == nil || len(frame) < 2 {
		return
	}
	parts := make([]string, 0, len(frame)-1)
	for _, f := range frame[1:] {
		parts = append(parts, string(f))
	}
	fmt.Fprintf(i.Intermediate, "%s\n", strings.Join(parts, "|"))
}
