package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/nats-io/nats.go"
	"golang.org/x/oauth2"

	"github.com/vinayprograms/postflow/asset"
	"github.com/vinayprograms/postflow/auth"
	"github.com/vinayprograms/postflow/bus"
	"github.com/vinayprograms/postflow/config"
	"github.com/vinayprograms/postflow/credentials"
	"github.com/vinayprograms/postflow/generation"
	"github.com/vinayprograms/postflow/llm"
	"github.com/vinayprograms/postflow/logging"
	"github.com/vinayprograms/postflow/platform"
	"github.com/vinayprograms/postflow/policy"
	"github.com/vinayprograms/postflow/record"
	"github.com/vinayprograms/postflow/shutdown"
	"github.com/vinayprograms/postflow/telemetry"
)

// app holds the collaborators shared by the commands. Everything it opens
// is registered with the coordinator so one shutdown closes it all.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *telemetry.Metrics
	creds   *credentials.Credentials
	coord   *shutdown.Coordinator

	store record.Store
	queue bus.Queue
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logging.NewWithConfig(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		Format:  cfg.Logging.Format,
		Service: cfg.Service.Name,
		Output:  os.Stderr,
	})

	a := &app{
		cfg:    cfg,
		logger: logger,
		coord:  shutdown.NewCoordinator(shutdown.Config{Timeout: cfg.Server.ShutdownTimeout, Logger: logger}),
	}
	if cfg.Telemetry.Metrics {
		a.metrics = telemetry.NewMetrics()
	}

	if err := a.loadCredentials(); err != nil {
		return nil, err
	}
	if err := a.initTracing(ctx); err != nil {
		return nil, err
	}
	if err := a.openBackends(ctx); err != nil {
		a.coord.ShutdownWithTimeout()
		return nil, err
	}
	return a, nil
}

func (a *app) loadCredentials() error {
	var (
		creds *credentials.Credentials
		path  string
		err   error
	)
	if a.cfg.Credentials.File != "" {
		path = a.cfg.Credentials.File
		creds, err = credentials.LoadFile(path)
	} else {
		creds, path, err = credentials.Load()
	}
	if err != nil {
		return fmt.Errorf("load credentials %s: %w", path, err)
	}
	if path != "" {
		a.logger.Info("credentials loaded", map[string]interface{}{"path": path})
	}
	a.creds = creds
	return nil
}

func (a *app) initTracing(ctx context.Context) error {
	t := a.cfg.Telemetry
	if !t.Tracing {
		return nil
	}
	provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName:    a.cfg.Service.Name,
		ServiceVersion: a.cfg.Service.Version,
		Endpoint:       t.Endpoint,
		Protocol:       t.Protocol,
		Insecure:       t.Insecure,
		SampleRatio:    t.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.coord.RegisterFunc("tracing", shutdown.PhaseTelemetry, provider.Shutdown)
	return nil
}

// openBackends connects the record store and the queue. A NATS connection
// is shared when both use it.
func (a *app) openBackends(ctx context.Context) error {
	var nc *nats.Conn
	natsConn := func() (*nats.Conn, error) {
		if nc != nil {
			return nc, nil
		}
		conn, err := bus.Connect(a.natsConfig())
		if err != nil {
			return nil, err
		}
		nc = conn
		a.coord.RegisterFunc("nats", shutdown.PhaseClients+1, func(context.Context) error {
			return nc.Drain()
		})
		return nc, nil
	}

	switch a.cfg.Store.Backend {
	case "postgres":
		pg := record.DefaultPostgresConfig()
		pg.URL = a.cfg.Store.DatabaseURL
		pg.Table = a.cfg.Store.Table
		pg.MaxConns = a.cfg.Store.MaxConns
		pg.OpTimeout = a.cfg.Store.OpTimeout
		s, err := record.NewPostgresStore(ctx, pg)
		if err != nil {
			return err
		}
		a.store = s
	case "nats":
		conn, err := natsConn()
		if err != nil {
			return err
		}
		kv := record.DefaultNATSStoreConfig()
		kv.Conn = conn
		kv.Bucket = a.cfg.Store.NATSBucket
		kv.OpTimeout = a.cfg.Store.OpTimeout
		s, err := record.NewNATSStore(kv)
		if err != nil {
			return err
		}
		a.store = s
	default:
		a.logger.Warn("using in-memory record store; state is lost on exit")
		a.store = record.NewMemoryStore()
	}
	a.coord.RegisterFunc("store", shutdown.PhaseClients, func(context.Context) error {
		return a.store.Close()
	})

	switch a.cfg.Bus.Backend {
	case "nats":
		conn, err := natsConn()
		if err != nil {
			return err
		}
		q, err := bus.NewNATSQueueFromConn(ctx, conn, a.natsConfig())
		if err != nil {
			return err
		}
		a.queue = q
	case "asynq":
		ac := bus.DefaultAsynqConfig()
		ac.Config = a.busConfig()
		ac.Addr = a.cfg.Bus.RedisAddr
		ac.Password = a.cfg.Bus.RedisPassword
		ac.DB = a.cfg.Bus.RedisDB
		a.queue = bus.NewAsynqQueue(ac, a.logger)
	default:
		a.logger.Warn("using in-memory queue; messages are lost on exit")
		a.queue = bus.NewMemoryQueue(a.busConfig())
	}
	a.coord.RegisterFunc("queue", shutdown.PhaseClients, func(context.Context) error {
		return a.queue.Close()
	})
	return nil
}

func (a *app) busConfig() bus.Config {
	return bus.Config{
		VisibilityTimeout: a.cfg.Bus.VisibilityTimeout,
		RetryDelay:        a.cfg.Bus.RetryDelay,
		MaxDeliveries:     a.cfg.Bus.MaxDeliveries,
		Concurrency:       a.cfg.Bus.Concurrency,
	}
}

func (a *app) natsConfig() bus.NATSConfig {
	nc := bus.DefaultNATSConfig()
	nc.Config = a.busConfig()
	nc.URL = a.cfg.Bus.NATSURL
	nc.Name = a.cfg.Service.Name
	nc.Stream = a.cfg.Bus.NATSStream
	return nc
}

// storeHealth reports whether the store answers. A missing probe record is
// a healthy answer.
func (a *app) storeHealth(ctx context.Context) error {
	_, err := a.store.Get(ctx, "healthz")
	if err == nil || errors.Is(err, record.ErrNotFound) {
		return nil
	}
	return err
}

func (a *app) newLoop() (*generation.Loop, error) {
	g := a.cfg.Generation

	rules := policy.Default()
	if a.cfg.Policy.File != "" {
		r, err := policy.LoadFile(a.cfg.Policy.File)
		if err != nil {
			return nil, err
		}
		rules = r
	}

	schema, err := llm.SchemaFor(policy.Candidate{})
	if err != nil {
		return nil, err
	}
	gen, err := llm.NewGenerator(llm.Config{
		Provider:       g.Provider,
		Model:          g.Model,
		APIKey:         a.creds.GetAPIKey(g.Provider),
		BaseURL:        g.BaseURL,
		MaxTokens:      g.MaxTokens,
		Temperature:    g.Temperature,
		Timeout:        g.RoundTimeout,
		ResponseSchema: schema,
		InlineImages:   g.InlineImages,
	})
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	return generation.NewLoop(
		llm.WithTracing(gen, g.Provider),
		policy.NewValidator(rules),
		generation.WithRounds(g.Rounds),
		generation.WithRoundTimeout(g.RoundTimeout),
		generation.WithLogger(a.logger),
		generation.WithMetrics(a.metrics),
	), nil
}

func (a *app) newSigner(ctx context.Context) (asset.Signer, error) {
	switch a.cfg.Asset.Signer {
	case "hmac":
		secret := a.creds.SigningSecret()
		if secret == "" {
			return nil, errors.New("hmac signer needs a signing secret in credentials [asset] or POSTFLOW_SIGNING_SECRET")
		}
		return asset.NewHMACSigner(a.cfg.Asset.BaseURL, []byte(secret))
	default:
		s, err := asset.NewGCSSigner(ctx, asset.GCSConfig{CredentialsFile: a.cfg.Asset.CredentialsFile})
		if err != nil {
			return nil, err
		}
		a.coord.RegisterFunc("storage", shutdown.PhaseClients, func(context.Context) error {
			return s.Close()
		})
		return s, nil
	}
}

// newPlatformClient builds the platform client. With tolerant set, a token
// file that cannot be loaded surfaces on the first Token call instead of
// failing here, so preflight can report it.
func (a *app) newPlatformClient(ctx context.Context, tolerant bool) (*platform.Client, error) {
	path := a.cfg.Credentials.TokenFile
	if path == "" {
		path = a.creds.TokenFilePath()
	}

	var tokens oauth2.TokenSource
	ts, err := auth.NewTokenSource(ctx, credentials.TokenFile{Path: path}, a.logger)
	switch {
	case err == nil:
		tokens = ts
	case tolerant:
		tokens = failedTokens{err: err}
	default:
		return nil, fmt.Errorf("oauth: %w", err)
	}

	return platform.NewClient(tokens, a.cfg.Platform.Platform(), platform.WithLogger(a.logger)), nil
}

type failedTokens struct{ err error }

func (f failedTokens) Token() (*oauth2.Token, error) { return nil, f.err }

// serve runs srv until the ingress phase stops it.
func (a *app) serve(srv *http.Server) {
	a.coord.RegisterFunc("http", shutdown.PhaseIngress, srv.Shutdown)
	go func() {
		a.logger.Info("http listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server failed", map[string]interface{}{"error": err.Error()})
			go a.coord.ShutdownWithTimeout()
		}
	}()
}

// consume runs h on subject until the consumer phase stops it.
func (a *app) consume(name, subject string, h bus.Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("consuming", map[string]interface{}{"consumer": name, "subject": subject})
		if err := a.queue.Consume(ctx, subject, h); err != nil {
			a.logger.Error("consumer stopped", map[string]interface{}{"consumer": name, "error": err.Error()})
			go a.coord.ShutdownWithTimeout()
		}
	}()
	a.coord.RegisterFunc(name, shutdown.PhaseConsumers, func(sctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	})
}

// wait blocks until a signal or a fatal error has shut everything down.
func (a *app) wait() error {
	a.coord.HandleSignals()
	<-a.coord.Done()
	return a.coord.Result().Err
}
