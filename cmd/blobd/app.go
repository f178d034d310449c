package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/blobd"
	"pkt.systems/blobd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("BLOBD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "blobd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg blobd.Config

	cmd := &cobra.Command{
		Use:           "blobd",
		Short:         "blobd is a single-binary blob store with containers, snapshots, leases, and signed access tokens",
		SilenceErrors: true,
		Example: `
  # In-memory storage (tests/dev only)
  blobd --store mem://

  # Disk backend rooted at /var/lib/blobd-data
  blobd --store disk:///var/lib/blobd-data

  # MinIO backend (TLS on by default; append ?scheme=http for plaintext)
  BLOBD_STORE='s3://localhost:9000/blobd-data?scheme=http&path-style=true' \
    BLOBD_S3_ACCESS_KEY_ID=minioadmin BLOBD_S3_SECRET_ACCESS_KEY=minioadmin blobd

  # AWS S3 backend (expects AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY)
  blobd --store 'aws://my-bucket/prefix?region=us-west-2'

  # Require signed access tokens, keys hot-reloaded from the key file
  blobd --store disk:///var/lib/blobd-data --key-file /etc/blobd/keys.yaml --require-auth
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel != "" {
				if level, ok := pslog.ParseLevel(logLevel); ok {
					logger = logger.LogLevel(level)
					cliLogger = svcfields.WithSubsystem(logger, "cli.root")
				}
			}

			server, err := blobd.NewServer(cfg, blobd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = blobd.DefaultShutdownTimeout
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")

	flags := cmd.Flags()
	flags.String("listen", blobd.DefaultListen, "listen address")
	flags.String("listen-proto", blobd.DefaultListenProto, "listen network (tcp or unix)")
	flags.String("store", "", "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket)")
	flags.String("key-file", "", "YAML account key file for signed access tokens (hot-reloaded; empty disables signing)")
	flags.Bool("require-auth", false, "require a signed access token on data routes (container public-access still allows anonymous reads)")
	flags.String("metrics-listen", blobd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", blobd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.String("max-blob-bytes", "", "maximum blob size (e.g. 256MiB; empty uses the built-in default)")
	flags.String("max-page-capacity", "", "maximum page blob capacity (512-byte aligned; empty uses the built-in default)")
	flags.Int("list-page-size", 0, "default page size for listings (0 uses the built-in default)")
	flags.Duration("staged-block-retention", 0, "how long uncommitted staged blocks survive before sweeping (0 uses the built-in default)")
	flags.Duration("sweeper-interval", blobd.DefaultSweeperInterval, "staged-block sweeper cadence (negative disables)")
	flags.Duration("shutdown-timeout", blobd.DefaultShutdownTimeout, "overall graceful shutdown timeout")
	flags.Int("storage-retry-attempts", blobd.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", blobd.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", blobd.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", blobd.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.String("s3-access-key-id", "", "S3 access key ID for s3:// and aws:// backends (or use the ambient chain)")
	flags.String("s3-secret-access-key", "", "S3 secret access key")
	flags.String("s3-session-token", "", "S3 session token (optional)")
	flags.Bool("disable-http-tracing", false, "disable otelhttp request tracing")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		var flag *pflag.Flag
		if flag = flags.Lookup(name); flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("BLOBD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "listen-proto", "store", "key-file", "require-auth",
		"metrics-listen", "pprof-listen",
		"max-blob-bytes", "max-page-capacity", "list-page-size",
		"staged-block-retention", "sweeper-interval", "shutdown-timeout",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"s3-access-key-id", "s3-secret-access-key", "s3-session-token",
		"disable-http-tracing", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newKeygenCommand())

	return cmd
}

func bindConfig(cfg *blobd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.Store = viper.GetString("store")
	cfg.KeyFile = viper.GetString("key-file")
	cfg.RequireAuth = viper.GetBool("require-auth")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	if maxBlob := viper.GetString("max-blob-bytes"); maxBlob != "" {
		size, err := humanize.ParseBytes(maxBlob)
		if err != nil {
			return fmt.Errorf("parse max-blob-bytes: %w", err)
		}
		cfg.MaxBlobBytes = int64(size)
	}
	if maxPage := viper.GetString("max-page-capacity"); maxPage != "" {
		size, err := humanize.ParseBytes(maxPage)
		if err != nil {
			return fmt.Errorf("parse max-page-capacity: %w", err)
		}
		cfg.MaxPageCapacity = int64(size)
	}
	cfg.ListPageSize = viper.GetInt("list-page-size")
	cfg.StagedBlockRetention = viper.GetDuration("staged-block-retention")
	cfg.SweeperInterval = viper.GetDuration("sweeper-interval")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	return nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
