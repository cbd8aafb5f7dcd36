package servercmder

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imsearch/imsearch/internal/logging"
	"github.com/imsearch/imsearch/internal/metrics"
)

func TestNewServerCmdFlags(t *testing.T) {
	cmd := NewServerCmd()
	if cmd.Use != "server" {
		t.Fatalf("want Use %q, got %q", "server", cmd.Use)
	}
	for _, name := range []string{"listen", "no-mmap", "hnsw", "token"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("want a %q flag", name)
		}
	}
}

func TestServerRunRejectsHNSW(t *testing.T) {
	cmder := &serverCommander{hnsw: true}
	cmd := NewServerCmd()
	if err := cmder.run(cmd); err == nil {
		t.Fatal("want --hnsw to be rejected outright")
	}
}

func TestPushLoopPushesOnInterval(t *testing.T) {
	var pushes atomic.Int32
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushes.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	m := metrics.New()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		pushLoop(m, gw.URL, "20ms", logging.Noop(), stop)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for pushes.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("want at least one push before the deadline")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	close(stop)
	<-done
}

func TestPushLoopDefaultsInvalidInterval(t *testing.T) {
	var pushes atomic.Int32
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushes.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	m := metrics.New()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		pushLoop(m, gw.URL, "not-a-duration", logging.Noop(), stop)
		close(done)
	}()

	// The 15s fallback interval means no push should have landed yet.
	time.Sleep(50 * time.Millisecond)
	close(stop)
	<-done

	if pushes.Load() != 0 {
		t.Fatalf("want no push within 50ms under the 15s default interval, got %d", pushes.Load())
	}
}
