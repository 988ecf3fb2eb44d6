// Package router owns the upstream transport's read side and fans inbound
// frames out to whoever is waiting for them: a pending request queue, the
// bus bridge, the default evaluator output, or the set of attached
// downstream clients. It also exposes the single serialized writer that
// every producer (issuer, attach connections, bus callbacks, loader) must
// go through.
//
// The shape is lifted from how _examples/sandia-minimega-minimega's
// internal/ron.Server owns its connection maps behind small sync.Mutex
// pairs and runs one dedicated reader per connection, fanning work out over
// channels rather than passing the transport itself around.
package router

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ryanrsrs/luatt/internal/frame"
	"github.com/ryanrsrs/luatt/internal/transport"
	log "github.com/ryanrsrs/luatt/pkg/llog"
)

// Downstream is an attached client that can receive a broadcast frame. The
// attach server implements this over its per-connection socket.
type Downstream interface {
	Deliver(fields [][]byte)
}

// Bus handles the three verbs the device uses to talk to the external
// message bus. Implementations must not block the reader loop; Pub/Sub/
// Unsub should hand off and return quickly.
type Bus interface {
	Pub(topic string, payload []byte)
	Sub(topic string)
	Unsub(topic string)
}

// Queue is a reply queue installed under a token. Frames matching that
// token are sent here in arrival order. A closed queue (ok == false on
// receive) signals shutdown.
type Queue chan [][]byte

// Router owns the upstream transport and the shared routing state
// described by the one-in-flight protocol: a token->reply-queue map, a
// token->downstream routing table (maintained by the attach server, not
// consulted for broadcast), and the set of currently attached clients.
type Router struct {
	tr  transport.Transport
	out io.Writer

	mu      sync.Mutex
	pending map[string]Queue
	routes  map[string]Downstream
	clients map[Downstream]struct{}
	bus     Bus

	writeMu sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a Router over tr. out receives the printed representation of
// frames that match no pending request and no bus verb (the default
// evaluator output, normally stdout).
func New(tr transport.Transport, out io.Writer) *Router {
	return &Router{
		tr:      tr,
		out:     out,
		pending: make(map[string]Queue),
		routes:  make(map[string]Downstream),
		clients: make(map[Downstream]struct{}),
		done:    make(chan struct{}),
	}
}

// SetBus installs the bus bridge. It may be called before or after Run;
// pub/sub/unsub frames that arrive while no bus is set (nil is valid) are
// silently dropped (mirrors the bus-library-absent case).
func (r *Router) SetBus(b Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bus = b
}

// Register installs a reply queue under token and returns it. Callers must
// Unregister when done (on completion or on their own timeout) to avoid
// leaking the map entry; Run will close every remaining queue on shutdown.
func (r *Router) Register(token string) Queue {
	q := make(Queue, 16)
	r.mu.Lock()
	r.pending[token] = q
	r.mu.Unlock()
	return q
}

// Unregister removes a reply queue. Safe to call more than once.
func (r *Router) Unregister(token string) {
	r.mu.Lock()
	delete(r.pending, token)
	r.mu.Unlock()
}

// Attach adds d to the broadcast set.
func (r *Router) Attach(d Downstream) {
	r.mu.Lock()
	r.clients[d] = struct{}{}
	r.mu.Unlock()
}

// Detach removes d from the broadcast set and clears any routing-table
// entry that still points at it.
func (r *Router) Detach(d Downstream) {
	r.mu.Lock()
	delete(r.clients, d)
	for t, c := range r.routes {
		if c == d {
			delete(r.routes, t)
		}
	}
	r.mu.Unlock()
}

// SetRoute records that token t is currently owned by downstream client d,
// evicting any previous entry for d (one-in-flight per client). The empty
// token and "noret" are never installed, matching the device protocol's
// reserved tokens.
func (r *Router) SetRoute(t string, d Downstream) {
	if t == "" || t == "noret" {
		return
	}
	r.mu.Lock()
	for tok, c := range r.routes {
		if c == d {
			delete(r.routes, tok)
		}
	}
	r.routes[t] = d
	r.mu.Unlock()
}

// ClearRoute removes d's routing-table entry, if any, on disconnect.
func (r *Router) ClearRoute(d Downstream) {
	r.mu.Lock()
	for tok, c := range r.routes {
		if c == d {
			delete(r.routes, tok)
		}
	}
	r.mu.Unlock()
}

// Done returns a channel closed once the reader loop has exited because of
// upstream EOF or an unrecoverable read/decode error.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// Write is the router's single serialized writer: it encodes (token,
// fields...) via the frame codec and writes the result atomically to the
// upstream transport. Concurrent callers are safe.
func (r *Router) Write(token string, fields ...[]byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return frame.Encode(r.tr, token, fields...)
}

// Run decodes frames from the upstream transport until EOF or a fatal
// error, dispatching each one per the protocol:
//
//  1. pub/sub/unsub verbs go to the bus bridge, nothing else.
//  2. otherwise, a pending queue matching the token gets the frame.
//  3. otherwise, the non-token fields are printed to the default output.
//  4. unconditionally, the frame is broadcast to every attached client.
//
// Run blocks until the transport closes; callers should run it in its own
// goroutine.
func (r *Router) Run() {
	defer r.shutdown()

	br := bufio.NewReader(r.tr)
	for {
		fields, err := frame.Decode(br)
		if err != nil {
			if errors.Is(err, frame.ErrMalformed) {
				log.Error("router: dropping malformed frame: %v", err)
				continue
			}
			if err != io.EOF {
				log.Error("router: read: %v", err)
			}
			return
		}
		r.dispatch(fields)
	}
}

func (r *Router) dispatch(fields [][]byte) {
	token := string(fields[0])
	var verb string
	if len(fields) > 1 {
		verb = string(fields[1])
	}

	switch verb {
	case "pub":
		r.mu.Lock()
		bus := r.bus
		r.mu.Unlock()
		if bus != nil && len(fields) >= 4 {
			bus.Pub(string(fields[2]), fields[3])
		}
	case "sub":
		r.mu.Lock()
		bus := r.bus
		r.mu.Unlock()
		if bus != nil && len(fields) >= 3 {
			bus.Sub(string(fields[2]))
		}
	case "unsub":
		r.mu.Lock()
		bus := r.bus
		r.mu.Unlock()
		if bus != nil && len(fields) >= 3 {
			bus.Unsub(string(fields[2]))
		}
	default:
		r.mu.Lock()
		q, ok := r.pending[token]
		r.mu.Unlock()
		if ok {
			q <- fields
		} else {
			r.printDefault(fields)
		}
	}

	r.broadcast(fields)
}

func (r *Router) printDefault(fields [][]byte) {
	if r.out == nil {
		return
	}
	parts := make([]string, 0, len(fields)-1)
	for _, f := range fields[1:] {
		parts = append(parts, string(f))
	}
	fmt.Fprintf(r.out, "%s\n", strings.Join(parts, "|"))
}

func (r *Router) broadcast(fields [][]byte) {
	r.mu.Lock()
	targets := make([]Downstream, 0, len(r.clients))
	for d := range r.clients {
		targets = append(targets, d)
	}
	r.mu.Unlock()

	for _, d := range targets {
		d.Deliver(fields)
	}
}

func (r *Router) shutdown() {
	r.doneOnce.Do(func() {
		r.mu.Lock()
		for tok, q := range r.pending {
			close(q)
			delete(r.pending, tok)
		}
		r.mu.Unlock()
		close(r.done)
	})
}
