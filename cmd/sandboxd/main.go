package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"shannot/internal/api"
	"shannot/internal/approval"
	"shannot/internal/capture"
	"shannot/internal/config"
	"shannot/internal/monitor"
	"shannot/internal/profile"
	"shannot/internal/remote"
	"shannot/internal/rpc"
	"shannot/internal/sandbox"
	"shannot/internal/session"
	"shannot/internal/storage"
)

const version = "0.3.0"

const (
	exitOK           = 0
	exitOperational  = 1
	exitInvalidInput = 2
)

func main() {
	var configPath string
	var sessionRoot string

	rootCmd := &cobra.Command{
		Use:   "sandboxd",
		Short: "Capture-then-approve sandbox daemon",
		Long: "sandboxd runs untrusted scripts in a capture-then-approve sandbox:\n" +
			"writes, subprocesses, and sockets are recorded instead of performed,\n" +
			"then replayed on the real host only after approval. The external\n" +
			"surface is JSON-RPC 2.0, one object per line, on stdin/stdout.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, sessionRoot)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default: $CONFIG_PATH or configs/config.yaml)")
	rootCmd.Flags().StringVar(&sessionRoot, "session-root", "", "override the session root directory")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("daemon exited with error")
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			os.Exit(exitInvalidInput)
		}
		os.Exit(exitOperational)
	}
	os.Exit(exitOK)
}

// configError marks failures the operator caused (bad flag, bad config
// file) so main can exit with the invalid-input code.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func run(ctx context.Context, configPath, sessionRoot string) error {
	// The JSON-RPC transport owns stdout, so all logging goes to stderr.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(os.Stderr)
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		if _, err := os.Stat("configs/config.yaml"); err == nil {
			configPath = "configs/config.yaml"
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return &configError{err: err}
	}
	if sessionRoot != "" {
		cfg.Session.Root = sessionRoot
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics := monitor.NewMetrics()

	store, err := session.NewStore(cfg.Session.Root, cfg.Session.TTL)
	if err != nil {
		return err
	}
	profiles := profile.NewDir(cfg.Profiles.Dir)

	launcher, err := sandbox.NewChildLauncher(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := launcher.Close(); err != nil {
			log.Error().Err(err).Msg("launcher close error")
		}
	}()

	// Optional Postgres audit mirror; the on-disk session directories
	// remain the source of truth either way.
	var db *storage.DB
	var auditWriter *storage.AuditWriter
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit mirroring disabled")
		} else {
			defer db.Close()
			auditWriter = storage.NewAuditWriter(db, 10000)
			auditWriter.Start()
			defer auditWriter.Flush(10 * time.Second)
		}
	}

	mappings, err := cfg.Runtime.VFSMappings()
	if err != nil {
		return &configError{err: err}
	}
	replayer := capture.NewReplayer(os.Environ(), mappings)

	// The remote target table is always honoured for validation and
	// listing; actually reaching a target needs an externally provided
	// transport, so replay against one fails cleanly until then.
	targets := make(map[string]remote.Target, len(cfg.Remote.Targets))
	for name, t := range cfg.Remote.Targets {
		targets[name] = remote.Target{Name: name, Host: t.Host, User: t.User, Port: t.Port}
	}
	executor := remote.NewExecutor(targets, remote.UnconfiguredFactory, version)

	engine := approval.New(store, profiles, replayer, executor, metrics, auditWriter, cfg.Sandbox.ReplayLockDepth)
	runner := sandbox.NewRunner(cfg, launcher, profiles)
	service := rpc.NewService(cfg, store, profiles, runner, engine, metrics, db, version)
	server := rpc.NewServer(service, os.Stdin, os.Stdout)

	sidecar := api.NewServer(cfg, metrics, db, nil)
	go func() {
		if err := sidecar.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops sidecar failed")
		}
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := sidecar.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("ops sidecar shutdown error")
		}
		cancel()
	}()

	log.Info().
		Str("version", version).
		Str("session_root", cfg.Session.Root).
		Bool("db_enabled", db != nil).
		Int("targets", len(targets)).
		Msg("sandboxd ready, reading JSON-RPC from stdin")

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info().Msg("sandboxd stopped")
	return nil
}
