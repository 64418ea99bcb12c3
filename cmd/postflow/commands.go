package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/postflow/bus"
	"github.com/vinayprograms/postflow/compose"
	"github.com/vinayprograms/postflow/config"
	"github.com/vinayprograms/postflow/deadletter"
	"github.com/vinayprograms/postflow/ingress"
	"github.com/vinayprograms/postflow/lock"
	"github.com/vinayprograms/postflow/publish"
	"github.com/vinayprograms/postflow/shutdown"
	"github.com/vinayprograms/postflow/sweeper"
)

func newComposeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compose",
		Short: "Serve artifact events and compose captions",
		Long: `Accept artifact events over HTTP, consume them from the artifact subject
and run the generate-validate loop. Accepted captions are queued for the
publisher.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd.Context(), opts, true, false)
		},
	}
}

func newPublishCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Publish queued captions to the platform",
		Long: `Consume record pointers, take the publish lock and create the post.
The requeue sweeper republishes pointers for stranded records.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd.Context(), opts, false, true)
		},
	}
}

func newRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run composer and publisher in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd.Context(), opts, true, true)
		},
	}
}

func runStages(ctx context.Context, opts *RootOptions, composer, publisher bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := opts.load(publisher)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	if composer {
		if err := a.startComposer(ctx); err != nil {
			a.coord.ShutdownWithTimeout()
			return err
		}
	}
	if publisher {
		if err := a.startPublisher(ctx); err != nil {
			a.coord.ShutdownWithTimeout()
			return err
		}
	}
	a.startHTTP()

	a.logger.Info("postflow started", map[string]interface{}{
		"version":   cfg.Service.Version,
		"composer":  composer,
		"publisher": publisher,
		"dry_run":   publisher && cfg.Platform.DryRun,
	})
	return a.wait()
}

func (a *app) startComposer(ctx context.Context) error {
	loop, err := a.newLoop()
	if err != nil {
		return err
	}
	signer, err := a.newSigner(ctx)
	if err != nil {
		return err
	}
	dlq := deadletter.New(a.queue, compose.Stage, deadletter.WithLogger(a.logger), deadletter.WithMetrics(a.metrics))

	c := compose.New(a.store, loop, signer, a.queue, dlq,
		compose.WithAssetTTL(a.cfg.Asset.TTL),
		compose.WithHistory(a.cfg.Generation.History),
		compose.WithLogger(a.logger),
		compose.WithMetrics(a.metrics),
	)
	a.consume("composer", bus.SubjectArtifacts, c.HandleMessage)
	return nil
}

func (a *app) startPublisher(ctx context.Context) error {
	client, err := a.newPlatformClient(ctx, false)
	if err != nil {
		return err
	}
	locks := lock.NewManager(a.store, lock.WithTTL(a.cfg.Lock.TTL), lock.WithLogger(a.logger))
	dlq := deadletter.New(a.queue, publish.Stage, deadletter.WithLogger(a.logger), deadletter.WithMetrics(a.metrics))

	w := publish.New(a.store, locks, client, dlq,
		publish.WithDryRun(a.cfg.Platform.DryRun),
		publish.WithLogger(a.logger),
		publish.WithMetrics(a.metrics),
	)
	a.consume("publisher", bus.SubjectPointers, w.Handle)

	if !a.cfg.Sweeper.Enabled {
		return nil
	}
	s := sweeper.New(a.store, a.queue, sweeper.Config{
		Interval: a.cfg.Sweeper.Interval,
		MinAge:   a.cfg.Sweeper.MinAge,
		LockTTL:  a.cfg.Lock.TTL,
		Batch:    a.cfg.Sweeper.Batch,
	}, sweeper.WithLogger(a.logger), sweeper.WithMetrics(a.metrics))
	if err := s.Start(context.Background()); err != nil {
		return err
	}
	a.coord.RegisterFunc("sweeper", shutdown.PhaseConsumers, func(context.Context) error {
		return s.Stop()
	})
	return nil
}

// startHTTP serves event ingress, health and metrics.
func (a *app) startHTTP() {
	router := ingress.NewRouter(a.queue,
		ingress.WithLogger(a.logger),
		ingress.WithMetrics(a.metrics),
		ingress.WithHealthCheck("store", a.storeHealth),
	)
	a.serve(&http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	})
}

// errWouldNotPost makes preflight exit non-zero when a check fails.
var errWouldNotPost = errors.New("preflight: record would not be posted")

func newPreflightCommand(opts *RootOptions) *cobra.Command {
	var imageURL string

	cmd := &cobra.Command{
		Use:   "preflight [record-id]",
		Short: "Check whether a post would go through, without posting",
		Long: `Run the publisher's dry-run checks: platform configuration, OAuth token,
location access and image URL. With a record id, the record's draft and
asset URL are used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := opts.load(false)
			if err != nil {
				return err
			}
			return runPreflight(ctx, cmd, cfg, args, imageURL)
		},
	}
	cmd.Flags().StringVar(&imageURL, "image-url", "", "image URL to check when no record id is given")
	return cmd
}

func runPreflight(ctx context.Context, cmd *cobra.Command, cfg *config.Config, args []string, imageURL string) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.coord.ShutdownWithTimeout()

	var recordID, draft string
	if len(args) == 1 {
		rec, err := a.store.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("load record %s: %w", args[0], err)
		}
		recordID, draft, imageURL = rec.ID, rec.Draft, rec.AssetURL
	}

	client, err := a.newPlatformClient(ctx, true)
	if err != nil {
		return err
	}
	report := publish.Preflight(ctx, client, imageURL)
	report.RecordID = recordID
	report.DraftPreview = preview(draft)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.WouldPost {
		return errWouldNotPost
	}
	return nil
}

func preview(s string) string {
	const max = 100
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
