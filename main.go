package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nostr-peoplesync/internal/cache"
	"nostr-peoplesync/internal/config"
	"nostr-peoplesync/internal/hints"
	"nostr-peoplesync/internal/nostr"
	"nostr-peoplesync/internal/people"
	"nostr-peoplesync/internal/peoplesync"
	"nostr-peoplesync/internal/relay"
	"nostr-peoplesync/internal/types"
	"nostr-peoplesync/internal/util"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const (
	shutdownTimeout    = 15 * time.Second
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 60 * time.Second // a sync may wait on several relay timeouts
	serverIdleTimeout  = 60 * time.Second
)

// app is every long-lived component, built once from config.
type app struct {
	cfg      *config.Config
	backend  cache.CacheBackend
	store    *people.Store
	selector *hints.Selector
	pool     *relay.Pool
	loader   *relay.Loader
	syncer   *peoplesync.Syncer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	cacheCfg := cache.DefaultCacheConfig()
	if cfg.ResponseCacheTTL > 0 {
		cacheCfg.ResponseTTL = cfg.ResponseCacheTTL
	}

	var backend cache.CacheBackend
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		backend = rc
		slog.Info("person store using redis", "prefix", cfg.RedisPrefix)
	} else {
		backend = cache.NewMemoryCache(cacheCfg.MemoryMaxEntries, cacheCfg.CleanupInterval)
		slog.Info("person store using memory")
	}

	store, err := people.NewStore(backend, cfg.RecordCacheSize, people.WithTTL(cacheCfg.PersonTTL))
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to create person store: %w", err)
	}

	selector := hints.NewSelector(store, cfg.IndexerRelays, cfg.MaxRelaysPerKey)
	pool := relay.NewPool(
		relay.WithDialRetries(cfg.DialRetries),
		relay.WithVerifySignatures(cfg.VerifySignatures),
	)
	loader := relay.NewLoader(pool,
		relay.WithRelayTimeout(cfg.RelayTimeout),
		relay.WithResponseCache(backend, cacheCfg.ResponseTTL),
	)
	syncer := peoplesync.New(store, selector, loader, people.NewIngester(store, cfg.AppDataKeys), peoplesync.Config{
		DataGrace:    cfg.DataGrace,
		PendingGrace: cfg.PendingGrace,
		AppDataKeys:  cfg.AppDataKeys,
	})

	return &app{
		cfg:      cfg,
		backend:  backend,
		store:    store,
		selector: selector,
		pool:     pool,
		loader:   loader,
		syncer:   syncer,
	}, nil
}

func (a *app) Close() {
	a.pool.Close()
	if err := a.backend.Close(); err != nil {
		slog.Warn("closing cache backend", "error", err)
	}
}

func (a *app) server() *server {
	return &server{syncer: a.syncer, store: a.store, selector: a.selector, loader: a.loader}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		cfg        *config.Config
	)

	root := &cobra.Command{
		Use:           "peoplesync",
		Short:         "Keep Nostr profiles and relay lists fresh",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			InitLogger(cfg.LogLevel)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default $PEOPLESYNC_CONFIG or "+config.DefaultPath+")")

	root.AddCommand(
		newServeCmd(func() *config.Config { return cfg }),
		newSyncCmd(func() *config.Config { return cfg }),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(getCfg func() *config.Config) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := getCfg()
			if listen != "" {
				cfg.ListenAddr = listen
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides listen_addr)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      a.server().routes(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", cfg.ListenAddr, "indexers", len(cfg.IndexerRelays))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newSyncCmd(getCfg func() *config.Config) *cobra.Command {
	var (
		force  bool
		relays []string
		kinds  []int
	)
	cmd := &cobra.Command{
		Use:   "sync PUBKEY|NPUB...",
		Short: "Sync the given pubkeys once and print their records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, getCfg())
			if err != nil {
				return err
			}
			defer a.Close()

			args = normalizePubkeys(args)
			report := a.syncer.SyncAll(ctx, args, peoplesync.Options{Force: force, Kinds: kinds, Relays: relays})
			slog.Info("sync finished", "profiles", len(report.Profiles), "relay_lists", len(report.RelayLists))

			records := make([]types.Person, 0, len(args))
			for _, pk := range util.Dedupe(args) {
				if !nostr.IsValidPubkey(pk) {
					slog.Warn("skipping invalid pubkey", "value", pk)
					continue
				}
				records = append(records, a.store.Get(pk))
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore freshness and fetch anyway")
	cmd.Flags().StringArrayVar(&relays, "relay", nil, "indexer relay to use instead of the configured ones (repeatable)")
	cmd.Flags().IntSliceVar(&kinds, "kinds", nil, "event kinds for the profile sync (default 0,2,3,10000)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "peoplesync %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
