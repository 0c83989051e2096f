package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/amurg-ai/relay/hub/internal/auth"
	"github.com/amurg-ai/relay/hub/internal/push"
	"github.com/amurg-ai/relay/hub/internal/store"
	"github.com/amurg-ai/relay/pkg/protocol"
)

const waitTimeout = 2 * time.Second

// fakeTransport is an in-memory Transport. Frames written by the hub land
// in out; frames the test sends are queued on in.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	code   int
	reason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteFrame(data []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.out <- data
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.code, f.reason = code, reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) closeCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

// fakeValidator maps tokens to identities.
type fakeValidator map[string]*auth.Identity

func (v fakeValidator) Verify(ctx context.Context, token string) (*auth.Identity, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return nil, auth.ErrUnauthorized
}

// recordingPush captures notifications.
type recordingPush struct {
	mu    sync.Mutex
	sent  []push.Notification
	calls chan push.Notification
}

func newRecordingPush() *recordingPush {
	return &recordingPush{calls: make(chan push.Notification, 64)}
}

func (r *recordingPush) Notify(ctx context.Context, tokens []string, n push.Notification) (push.Result, error) {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	r.calls <- n
	return push.Result{}, nil
}

func (r *recordingPush) Close() error { return nil }

// flakyStore fails PersistMessage a configurable number of times.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) PersistMessage(ctx context.Context, msg *store.Message) (int64, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failures != 0
	if s.failures > 0 {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return 0, errors.New("database is locked")
	}
	return s.Store.PersistMessage(ctx, msg)
}

type testEnv struct {
	sup   *Supervisor
	store store.Store
	push  *recordingPush
}

var testTokens = fakeValidator{
	"alice":       {UserID: "user-alice", Username: "alice", Role: "user"},
	"bob":         {UserID: "user-bob", Username: "bob", Role: "user"},
	"alice-coder": {UserID: "user-alice", AgentID: "coder"},
}

func testOptions() Options {
	return Options{
		MaxDelegationDepth: 3,
		DelegationTimeout:  time.Minute,
		AuthTimeout:        time.Second,
		IdleGrace:          time.Minute,
		StoreAttempts:      3,
		StoreBackoff:       time.Millisecond,
		Workers:            4,
	}
}

func newTestEnv(t *testing.T, opts Options, wrap ...func(store.Store) store.Store) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	var st store.Store = s
	for _, w := range wrap {
		st = w(st)
	}
	rec := newRecordingPush()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := NewSupervisor(testTokens, st, rec, opts, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = sup.Shutdown(ctx)
		_ = s.Close()
	})
	return &testEnv{sup: sup, store: st, push: rec}
}

// dial starts serving a new fake connection.
func (e *testEnv) dial() *fakeTransport {
	ft := newFakeTransport()
	go e.sup.Serve(ft)
	return ft
}

// connect dials and authenticates, returning after auth.ok.
func (e *testEnv) connect(t *testing.T, a protocol.Auth) (*fakeTransport, *protocol.AuthOK) {
	t.Helper()
	ft := e.dial()
	send(t, ft, a)
	ok := expect[*protocol.AuthOK](t, ft)
	return ft, ok
}

func send(t *testing.T, ft *fakeTransport, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	ft.in <- data
}

func sendRaw(ft *fakeTransport, data string) {
	ft.in <- []byte(data)
}

// next returns the next decoded frame, failing after waitTimeout.
func next(t *testing.T, ft *fakeTransport) protocol.Message {
	t.Helper()
	select {
	case data := <-ft.out:
		msg, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("hub sent undecodable frame %s: %v", data, err)
		}
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// expect skips presence and ping frames until a frame of type T arrives.
// Any other frame fails the test.
func expect[T protocol.Message](t *testing.T, ft *fakeTransport) T {
	t.Helper()
	for {
		msg := next(t, ft)
		switch msg.(type) {
		case *protocol.Presence, *protocol.Ping:
			continue
		}
		got, ok := msg.(T)
		if !ok {
			t.Fatalf("expected %T, got %s %+v", *new(T), msg.MessageType(), msg)
		}
		return got
	}
}

// expectNone asserts that nothing but presence or ping frames arrive within d.
func expectNone(t *testing.T, ft *fakeTransport, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case data := <-ft.out:
			msg, _ := protocol.Decode(data)
			switch msg.(type) {
			case *protocol.Presence, *protocol.Ping:
				continue
			}
			t.Fatalf("unexpected frame: %s", data)
		case <-deadline:
			return
		}
	}
}

func waitClosed(t *testing.T, ft *fakeTransport) int {
	t.Helper()
	select {
	case <-ft.closed:
		return ft.closeCode()
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for close")
		return 0
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func intPtr(n int) *int { return &n }

func boolPtr(b bool) *bool { return &b }
