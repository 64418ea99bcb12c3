package shutdown

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/postflow/logging"
)

func TestPhasesRunInOrder(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	coord.RegisterFunc("telemetry", PhaseTelemetry, record("telemetry"))
	coord.RegisterFunc("store", PhaseClients, record("store"))
	coord.RegisterFunc("publisher", PhaseConsumers, record("publisher"))
	coord.RegisterFunc("http", PhaseIngress, record("http"))

	if err := coord.ShutdownWithTimeout(); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	want := "http,publisher,store,telemetry"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}

	select {
	case <-coord.Done():
	default:
		t.Fatal("Done not closed")
	}
	if n := len(coord.Result().Handlers); n != 4 {
		t.Errorf("results = %d, want 4", n)
	}
}

func TestSamePhaseRunsConcurrently(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var running, peak atomic.Int32
	h := func(context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		return nil
	}
	coord.RegisterFunc("composer", PhaseConsumers, h)
	coord.RegisterFunc("publisher", PhaseConsumers, h)
	coord.RegisterFunc("sweeper", PhaseConsumers, h)

	if err := coord.ShutdownWithTimeout(); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if peak.Load() != 3 {
		t.Errorf("peak concurrency = %d, want 3", peak.Load())
	}
}

func TestHandlerFailureContinuesByDefault(t *testing.T) {
	var buf bytes.Buffer
	coord := NewCoordinator(Config{Logger: logging.NewWithConfig(logging.Config{Output: &buf})})

	var storeClosed atomic.Bool
	coord.RegisterFunc("publisher", PhaseConsumers, func(context.Context) error {
		return errors.New("drain failed")
	})
	coord.RegisterFunc("store", PhaseClients, func(context.Context) error {
		storeClosed.Store(true)
		return nil
	})

	err := coord.ShutdownWithTimeout()
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("err = %v, want ErrHandlerFailed", err)
	}
	if !strings.Contains(err.Error(), "publisher") {
		t.Errorf("error %q does not name the handler", err)
	}
	if !storeClosed.Load() {
		t.Error("later phase did not run")
	}
	if got := coord.Result().Failed(); len(got) != 1 || got[0] != "publisher" {
		t.Errorf("Failed() = %v", got)
	}
	if !strings.Contains(buf.String(), "handler failed") {
		t.Errorf("failure not logged: %s", buf.String())
	}
}

func TestStopOnError(t *testing.T) {
	coord := NewCoordinator(Config{StopOnError: true})

	var later atomic.Bool
	coord.RegisterFunc("http", PhaseIngress, func(context.Context) error { return errors.New("boom") })
	coord.RegisterFunc("store", PhaseClients, func(context.Context) error {
		later.Store(true)
		return nil
	})

	if err := coord.ShutdownWithTimeout(); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("err = %v, want ErrHandlerFailed", err)
	}
	if later.Load() {
		t.Error("phase after failure ran")
	}
}

func TestTimeoutSkipsRemainingPhases(t *testing.T) {
	coord := NewCoordinator(Config{Timeout: 20 * time.Millisecond})

	var later atomic.Bool
	coord.RegisterFunc("publisher", PhaseConsumers, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	coord.RegisterFunc("telemetry", PhaseTelemetry, func(context.Context) error {
		later.Store(true)
		return nil
	})

	if err := coord.ShutdownWithTimeout(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if later.Load() {
		t.Error("phase after timeout ran")
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var calls atomic.Int32
	coord.RegisterFunc("store", PhaseClients, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := coord.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown error: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
}

func TestResultNilBeforeShutdown(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	if coord.Result() != nil {
		t.Error("Result before shutdown should be nil")
	}
}

func TestEmptyCoordinator(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	if err := coord.ShutdownWithTimeout(); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
}
