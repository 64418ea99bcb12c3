package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/postflow/logging"
)

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	done     chan struct{}
	result   *Result
	signals  chan os.Signal
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{
		config:  cfg,
		logger:  logger.WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler to a phase.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc adds a function to a phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, HandlerFunc(fn))
}

// Shutdown runs every phase. Only the first call does work; later calls
// wait for it and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.result = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by the configured timeout.
func (c *Coordinator) ShutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts the shutdown on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-c.signals:
			c.logger.Info("signal received", map[string]interface{}{"signal": sig.String()})
			_ = c.ShutdownWithTimeout()
		case <-c.done:
		}
		signal.Stop(c.signals)
	}()
}

// Done is closed once the shutdown has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	start := time.Now()

	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	res := &Result{}
	c.logger.Info("shutting down", map[string]interface{}{"handlers": len(handlers)})

	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			res.Err = ErrTimeout
			break
		}
		res.Handlers = append(res.Handlers, c.runPhase(ctx, group)...)
		if c.config.StopOnError && len(res.Failed()) > 0 {
			break
		}
	}

	if failed := res.Failed(); len(failed) > 0 && res.Err == nil {
		res.Err = fmt.Errorf("%w: %s", ErrHandlerFailed, strings.Join(failed, ", "))
	}
	res.TotalDuration = time.Since(start)

	fields := map[string]interface{}{"duration": res.TotalDuration.String()}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
		c.logger.Warn("shutdown incomplete", fields)
	} else {
		c.logger.Info("shutdown complete", fields)
	}
	return res
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func(i int, reg registration) {
			defer wg.Done()
			start := time.Now()
			err := reg.handler.OnShutdown(ctx)
			results[i] = HandlerResult{Name: reg.name, Phase: reg.phase, Duration: time.Since(start), Err: err}

			fields := map[string]interface{}{
				"handler":  reg.name,
				"phase":    reg.phase,
				"duration": results[i].Duration.String(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("handler failed", fields)
				return
			}
			c.logger.Debug("handler stopped", fields)
		}(i, reg)
	}
	wg.Wait()
	return results
}

// groupByPhase splits handlers sorted by phase into one slice per phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
