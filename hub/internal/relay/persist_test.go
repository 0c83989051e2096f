package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amurg-ai/relay/hub/internal/store"
)

func newMemStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(id string) *store.Message {
	return &store.Message{
		UserID:       "u1",
		SessionKey:   "s1",
		MessageID:    id,
		Type:         "user.message",
		Direction:    store.DirectionUser,
		VerboseLevel: 1,
		Content:      `{"type":"user.message"}`,
	}
}

func TestPersistWithRetryRecovers(t *testing.T) {
	fs := &flakyStore{Store: newMemStore(t), failures: 2}

	seq, err := persistWithRetry(context.Background(), fs, testMessage("m1"), 3, time.Millisecond)
	if err != nil {
		t.Fatalf("persistWithRetry: %v", err)
	}
	if seq != 1 {
		t.Errorf("seq = %d, want 1", seq)
	}
	if fs.calls != 3 {
		t.Errorf("calls = %d, want 3", fs.calls)
	}
}

func TestPersistWithRetryExhausted(t *testing.T) {
	fs := &flakyStore{Store: newMemStore(t), failures: -1}

	_, err := persistWithRetry(context.Background(), fs, testMessage("m1"), 3, time.Millisecond)
	var serr *StoreError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	if serr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", serr.Attempts)
	}
	if fs.calls != 3 {
		t.Errorf("calls = %d, want 3", fs.calls)
	}
}

func TestPersistWithRetryCanceled(t *testing.T) {
	fs := &flakyStore{Store: newMemStore(t), failures: -1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := persistWithRetry(ctx, fs, testMessage("m1"), 5, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPoolStopDrains(t *testing.T) {
	p := NewPool(2, 100)
	var ran atomic.Int32
	for range 50 {
		if !p.Submit(func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}) {
			t.Fatal("Submit rejected a job below capacity")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ran.Load() != 50 {
		t.Errorf("ran %d jobs, want 50", ran.Load())
	}
	if p.Submit(func(context.Context) {}) {
		t.Error("Submit after Stop should fail")
	}
	if err := p.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestPoolSubmitFull(t *testing.T) {
	p := NewPool(1, 1)
	block := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func(context.Context) {
		close(started)
		<-block
	})
	<-started

	if !p.Submit(func(context.Context) {}) {
		t.Fatal("queue slot should be free")
	}
	if p.Submit(func(context.Context) {}) {
		t.Error("Submit should fail when the queue is full")
	}
	close(block)
	p.Stop(context.Background())
}
