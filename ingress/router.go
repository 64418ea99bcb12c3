// Package ingress accepts artifact notifications over HTTP and hands them
// to the composer through the artifact subject.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vinayprograms/postflow/bus"
	"github.com/vinayprograms/postflow/compose"
	"github.com/vinayprograms/postflow/logging"
	"github.com/vinayprograms/postflow/telemetry"
)

// EventPath receives artifact events.
const EventPath = "/v1/events/artifact"

// maxBody bounds an event request body.
const maxBody = 64 << 10

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type options struct {
	subject string
	logger  *logging.Logger
	metrics *telemetry.Metrics
	checks  map[string]HealthCheck
}

type Option func(*options)

// WithSubject overrides the artifact subject events are published to.
func WithSubject(s string) Option {
	return func(o *options) { o.subject = s }
}

func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics serves m at /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHealthCheck adds a named check to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(o *options) { o.checks[name] = check }
}

// NewRouter builds the ingress HTTP handler.
func NewRouter(pub bus.Publisher, opts ...Option) *gin.Engine {
	o := options{
		subject: bus.SubjectArtifacts,
		logger:  logging.Nop(),
		checks:  map[string]HealthCheck{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.WithComponent("ingress")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(accessLog(logger))

	h := &handler{pub: pub, subject: o.subject, logger: logger}
	router.POST(EventPath, h.artifact)
	router.GET("/healthz", health(o.checks))
	if o.metrics != nil {
		router.GET("/metrics", gin.WrapH(o.metrics.Handler()))
	}
	return router
}

type handler struct {
	pub     bus.Publisher
	subject string
	logger  *logging.Logger
}

// artifact validates the event and publishes it. A 2xx acknowledges the
// notification; 5xx asks the sender to retry.
func (h *handler) artifact(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(body) > maxBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "event too large"})
		return
	}

	ev, err := compose.DecodeEvent(body)
	if err != nil {
		h.logger.Warn("rejected artifact event", map[string]interface{}{"error": err.Error()})
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode event"})
		return
	}
	if err := bus.PublishTraced(c.Request.Context(), h.pub, h.subject, data); err != nil {
		h.logger.Error("artifact publish failed", map[string]interface{}{
			"bucket": ev.Bucket,
			"name":   ev.Name,
			"error":  err.Error(),
		})
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.Canceled) {
			status = http.StatusRequestTimeout
		}
		c.JSON(status, gin.H{"error": "event not accepted, retry later"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"bucket":     ev.Bucket,
		"name":       ev.Name,
		"generation": ev.Generation,
	})
}

func health(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		failed := gin.H{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func accessLog(logger *logging.Logger) gin.HandlerFunc {
	zl := logger.Zerolog()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		ev := zl.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = zl.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("http request")
	}
}
