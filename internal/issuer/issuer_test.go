package issuer

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/ryanrsrs/luatt/internal/router"
)

type fakeRouter struct {
	mu      sync.Mutex
	queues  map[string]router.Queue
	written [][][]byte
	done    chan struct{}
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{queues: make(map[string]router.Queue), done: make(chan struct{})}
}

func (f *fakeRouter) Write(token string, fields ...[]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame := append([][]byte{[]byte(token)}, fields...)
	f.written = append(f.written, frame)
	return nil
}

func (f *fakeRouter) Register(token string) router.Queue {
	q := make(router.Queue, 8)
	f.mu.Lock()
	f.queues[token] = q
	f.mu.Unlock()
	return q
}

func (f *fakeRouter) Unregister(token string) {
	f.mu.Lock()
	delete(f.queues, token)
	f.mu.Unlock()
}

func (f *fakeRouter) Done() <-chan struct{} { return f.done }

func (f *fakeRouter) queueFor(token string) router.Queue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queues[token]
}

func (f *fakeRouter) lastWritten() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return nil
	}
	return f.written[len(f.written)-1]
}

func TestRequestReturnsOnRet(t *testing.T) {
	fr := newFakeRouter()
	var intermediate bytes.Buffer
	iss := New(fr, &intermediate)

	done := make(chan struct{})
	var result [][]byte
	var reqErr error
	go func() {
		result, reqErr = iss.Request("eval", []byte("1+1"))
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	var q router.Queue
	for q == nil && time.Now().Before(deadline) {
		frame := fr.lastWritten()
		if frame != nil {
			q = fr.queueFor(string(frame[0]))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if q == nil {
		t.Fatal("request never registered a queue")
	}
	token := string(fr.lastWritten()[0])

	q <- [][]byte{[]byte(token), []byte("streaming"), []byte("partial")}
	q <- [][]byte{[]byte(token), []byte("ret"), []byte("42")}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Request never returned")
	}
	if reqErr != nil {
		t.Fatalf("Request error: %v", reqErr)
	}
	if len(result) != 3 || string(result[1]) != "ret" || string(result[2]) != "42" {
		t.Errorf("Request result = %q", result)
	}
	if got := intermediate.String(); got != "streaming|partial\n" {
		t.Errorf("intermediate output = %q", got)
	}
}

func TestRequestReturnsErrShutdownOnClosedQueue(t *testing.T) {
	fr := newFakeRouter()
	iss := New(fr, nil)

	done := make(chan struct{})
	var reqErr error
	go func() {
		_, reqErr = iss.Request("eval", []byte("1"))
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	var q router.Queue
	for q == nil && time.Now().Before(deadline) {
		frame := fr.lastWritten()
		if frame != nil {
			q = fr.queueFor(string(frame[0]))
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(q)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Request never returned")
	}
	if reqErr != ErrShutdown {
		t.Errorf("Request error = %v, want ErrShutdown", reqErr)
	}
}

func TestFireAndForgetUsesNoretToken(t *testing.T) {
	fr := newFakeRouter()
	iss := New(fr, nil)

	if err := iss.FireAndForget("load", []byte("foo"), []byte("bar")); err != nil {
		t.Fatalf("FireAndForget: %v", err)
	}
	frame := fr.lastWritten()
	if string(frame[0]) != "noret" || string(frame[1]) != "load" {
		t.Errorf("written frame = %q", frame)
	}
}

func TestAwaitVersionSucceeds(t *testing.T) {
	fr := newFakeRouter()
	iss := New(fr, nil)

	done := make(chan error, 1)
	go func() { done <- iss.AwaitVersion(time.Second) }()

	deadline := time.Now().Add(2 * time.Second)
	var q router.Queue
	for q == nil && time.Now().Before(deadline) {
		q = fr.queueFor("sched")
		time.Sleep(5 * time.Millisecond)
	}
	if q == nil {
		t.Fatal("AwaitVersion never registered sched queue")
	}
	q <- [][]byte{[]byte("sched"), []byte("version"), []byte("1.0")}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("AwaitVersion: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitVersion never returned")
	}
}

func TestAwaitVersionTimesOut(t *testing.T) {
	fr := newFakeRouter()
	iss := New(fr, nil)

	err := iss.AwaitVersion(20 * time.Millisecond)
	if err != ErrVersionTimeout {
		t.Errorf("AwaitVersion = %v, want ErrVersionTimeout", err)
	}
}

func TestNewTokenFormat(t *testing.T) {
	tok := NewToken()
	parts := 0
	for _, c := range tok {
		if c == '/' {
			parts++
		}
	}
	if parts != 2 {
		t.Errorf("NewToken() = %q, want two '/' separators", tok)
	}
}
