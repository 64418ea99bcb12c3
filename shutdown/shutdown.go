package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/postflow/logging"
)

var (
	// ErrTimeout means the deadline passed before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed wraps the names of handlers that returned an error.
	ErrHandlerFailed = errors.New("shutdown handler failed")
)

// Phases used by the service, in stop order.
const (
	PhaseIngress   = 10
	PhaseConsumers = 20
	PhaseClients   = 30
	PhaseTelemetry = 40
)

// Handler is implemented by components that need to stop cleanly. The
// context expires when the shutdown timeout is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult reports how one handler stopped.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result summarises a completed shutdown.
type Result struct {
	TotalDuration time.Duration
	Handlers      []HandlerResult
	Err           error
}

// Failed returns the names of handlers that returned an error.
func (r *Result) Failed() []string {
	var failed []string
	for _, hr := range r.Handlers {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds a signal-triggered shutdown. Default: 30s.
	Timeout time.Duration

	// StopOnError skips later phases once a handler fails.
	StopOnError bool

	Logger *logging.Logger
}

// DefaultConfig returns the defaults applied to zero fields.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
