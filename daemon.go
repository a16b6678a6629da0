package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/streamfarm/assemble"
	"github.com/onnwee/streamfarm/capture"
	"github.com/onnwee/streamfarm/claim"
	"github.com/onnwee/streamfarm/config"
	"github.com/onnwee/streamfarm/crypto"
	"github.com/onnwee/streamfarm/db"
	"github.com/onnwee/streamfarm/identity"
	"github.com/onnwee/streamfarm/oauth"
	"github.com/onnwee/streamfarm/orchestrator"
	"github.com/onnwee/streamfarm/publish"
	"github.com/onnwee/streamfarm/resolver"
	"github.com/onnwee/streamfarm/server"
	"github.com/onnwee/streamfarm/telemetry"
)

func newRunCommand(c *cli) *cobra.Command {
	var noWatch, noResolve bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the capture farm daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, daemonOptions{roomWatch: !noWatch, resolve: !noResolve})
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-room-watch", false, "Do not run the room-watch loop")
	cmd.Flags().BoolVar(&noResolve, "no-resolve", false, "Do not run the resolve loop")
	return cmd
}

type daemonOptions struct {
	roomWatch bool
	resolve   bool
}

// farm is the wired daemon.
type farm struct {
	cfg        *config.Config
	claims     *claim.Store
	registry   *capture.Registry
	dispatcher *capture.Dispatcher
	database   *sql.DB
	catalog    *db.Catalog
	tokens     oauth.TokenStore
	youtube    *publish.Service
}

func runDaemon(ctx context.Context, cfg *config.Config, opts daemonOptions) error {
	logger := slog.Default().With(slog.String("component", "daemon"))
	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("streamfarm", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing()

	f, err := buildFarm(ctx, cfg)
	if err != nil {
		return err
	}
	defer f.close()

	if f.youtube != nil {
		oauth.StartRefresher(ctx, f.tokens, publish.Provider, 5*time.Minute, 15*time.Minute, f.youtube.Refresh)
	}

	pool, err := resolver.LoadPool(cfg.ProxiesFile(), cfg.RequestTimeout)
	if err != nil {
		return err
	}
	defer pool.CloseIdle()

	capLoop := &orchestrator.CaptureLoop{
		Source:      identity.Directory{Path: cfg.LinksFile},
		Claims:      f.claims,
		Dispatcher:  f.dispatcher,
		Poll:        cfg.PollInterval,
		Stagger:     cfg.StaggerDelay,
		Backoff:     cfg.ReadBackoff,
		MaxCaptures: cfg.MaxCaptures,
	}
	if cfg.WatchSnapshot {
		if err := os.MkdirAll(filepath.Dir(cfg.LinksFile), 0o755); err == nil {
			if wake, werr := orchestrator.WatchFile(ctx, cfg.LinksFile); werr != nil {
				logger.Warn("snapshot watch unavailable, polling only", slog.Any("err", werr))
			} else {
				capLoop.Wake = wake
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return capLoop.Run(gctx) })
	if opts.roomWatch {
		watch := &orchestrator.WatchLoop{
			Monitored:     cfg.MonitoredFile(),
			Rooms:         resolver.NewRoomResolver(cfg.RoomInfoURL, pool),
			Claims:        f.claims,
			Dispatcher:    f.dispatcher,
			Chunks:        cfg.Chunks,
			ChunkInterval: cfg.ChunkInterval,
			Poll:          cfg.PollInterval,
			Backoff:       cfg.ReadBackoff,
			MaxCaptures:   cfg.MaxCaptures,
		}
		g.Go(func() error { return watch.Run(gctx) })
	}
	if opts.resolve {
		g.Go(func() error { return newResolveLoop(cfg).Run(gctx) })
	}
	if cfg.HTTPAddr != "" {
		g.Go(func() error { return server.Start(gctx, cfg.HTTPAddr, server.NewRouter(f.serverDeps())) })
	}

	logger.Info("farm started", slog.String("version", version), slog.String("claims_dir", cfg.ClaimsDir),
		slog.Int("max_captures", cfg.MaxCaptures), slog.Bool("catalog", f.catalog != nil),
		slog.Bool("publish", f.youtube != nil), slog.Bool("tracing", telemetry.IsTracingEnabled()),
		slog.Int("proxies", pool.Size()))
	runErr := g.Wait()

	logger.Info("draining captures", slog.Int("active", f.registry.Len()), slog.Duration("grace", cfg.DrainGrace))
	if err := f.registry.Drain(cfg.DrainGrace); err != nil {
		logger.Error("captures still running after drain", slog.Int("active", f.registry.Len()), slog.Any("err", err))
	}
	logger.Info("farm stopped")
	return runErr
}

// buildFarm opens the claims directory and the optional catalog and wires the capture worker.
func buildFarm(ctx context.Context, cfg *config.Config) (*farm, error) {
	logger := slog.Default().With(slog.String("component", "daemon"))
	for _, dir := range []string{cfg.SegmentsDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	claims, err := claim.Open(cfg.ClaimsDir)
	if err != nil {
		return nil, err
	}
	f := &farm{cfg: cfg, claims: claims, registry: capture.NewRegistry()}
	if _, err := claims.Acquire(ctx); err != nil {
		f.close()
		return nil, err
	}

	worker := newWorker(cfg, claims)

	if cfg.DBDsn != "" {
		if f.database, err = db.Connect(ctx, cfg.DBDsn); err != nil {
			f.close()
			return nil, err
		}
		if err := db.RunMigrations(f.database); err != nil {
			f.close()
			return nil, err
		}
		f.catalog = &db.Catalog{DB: f.database}
		worker.Journal = f.catalog
	}

	if cfg.PublishReady() {
		if f.tokens, err = tokenStore(cfg, f.database); err != nil {
			f.close()
			return nil, err
		}
		f.youtube = publish.New(cfg, f.tokens)
		pub := &publish.Publisher{Service: f.youtube, Privacy: cfg.YTPrivacy}
		if f.catalog != nil {
			pub.Catalog = f.catalog
		}
		worker.Publisher = pub
	} else if cfg.YTClientID != "" {
		logger.Warn("youtube publishing disabled: YT_CLIENT_SECRET and YT_REFRESH_TOKEN are required")
	}

	f.dispatcher = &capture.Dispatcher{Worker: worker, Registry: f.registry}
	return f, nil
}

// newWorker wires the recorder and assembler. ffmpeg stdout and stderr are discarded.
func newWorker(cfg *config.Config, claims capture.Releaser) *capture.Worker {
	grace := cfg.DrainGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &capture.Worker{
		Claims: claims,
		Assembler: &assemble.Assembler{
			SegmentsDir: cfg.SegmentsDir,
			OutputDir:   cfg.OutputDir,
			Format:      cfg.Format,
			FFmpeg:      cfg.FFmpegPath,
			Runner:      assemble.ExecRunner{},
		},
		Runner:      assemble.ExecRunner{Grace: grace},
		FFmpeg:      cfg.FFmpegPath,
		SegmentsDir: cfg.SegmentsDir,
		Format:      cfg.Format,
	}
}

// tokenStore keeps tokens in the catalog when there is one, sealed when ENCRYPTION_KEY is set.
func tokenStore(cfg *config.Config, database *sql.DB) (oauth.TokenStore, error) {
	if database == nil {
		return oauth.NewMemoryStore(), nil
	}
	ts := &db.TokenStore{DB: database}
	if cfg.EncryptionKey == "" {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)",
			slog.String("component", "daemon"))
		return ts, nil
	}
	sealer, err := crypto.NewAESSealer(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	ts.Sealer = sealer
	return ts, nil
}

func (f *farm) serverDeps() server.Deps {
	d := server.Deps{Captures: f.registry, Claims: f.claims}
	if f.catalog != nil {
		d.Catalog = f.catalog
	}
	if f.database != nil {
		d.DB = f.database
	}
	return d
}

func (f *farm) close() {
	if f.database != nil {
		if err := f.database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}
	if err := f.claims.Close(); err != nil {
		slog.Warn("release claims instance lock", slog.Any("err", err))
	}
}

func newResolveLoop(cfg *config.Config) *orchestrator.ResolveLoop {
	return &orchestrator.ResolveLoop{
		Feed:      cfg.FeedFile(),
		Proxies:   cfg.ProxiesFile(),
		Monitored: cfg.MonitoredFile(),
		Timeout:   cfg.RequestTimeout,
		Interval:  cfg.LiveURLsRecheck,
		Resolver:  resolver.NewPageResolver(nil, cfg.RetryDelayMin, cfg.RetryDelayMax, cfg.IDCheckConcurrency),
	}
}
