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
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/keyserver"
	"pkt.systems/keyserver/internal/loggingutil"
	"pkt.systems/keyserver/internal/pathutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("KEYSERVER_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "keyserver")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server itself
// rather than a subcommand. Root failures are logged, subcommand failures are
// printed plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := keyserver.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, keyserver.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := pathutil.Absolute(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
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

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg keyserver.Config

	cmd := &cobra.Command{
		Use:           "keyserver",
		Short:         "keyserver hands out numeric keys that clients block, release and keep alive over HTTP",
		SilenceErrors: true,
		Example: `
  # Defaults: :8080, keys idle for 5m are purged, blocked keys come back after 60s
  keyserver

  # Narrow id space with faster expiry
  keyserver --id-min 1000 --id-max 2000 --available-ttl 30s --blocked-ttl 10s

  # Export pool snapshots to MinIO every 30s (append ?insecure=1 for HTTP)
  KEYSERVER_SNAPSHOT_STORE=s3://localhost:9000/keyserver?insecure=1 KEYSERVER_S3_ACCESS_KEY_ID=minioadmin KEYSERVER_S3_SECRET_ACCESS_KEY=minioadmin keyserver --snapshot-interval 30s

  # Snapshots to Redis, expiring archived copies after a day
  keyserver --snapshot-store redis://localhost:6379/0?prefix=keyserver --snapshot-ttl 24h

  # Prometheus metrics with Go runtime instrumentation
  keyserver --metrics-listen :9464 --runtime-metrics
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to keyserver",
				"app", "keyserver",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

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
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = loggingutil.WithSubsystem(logger, "cli.root")
			} else {
				cliLogger.Warn("ignoring unknown log level", "log_level", logLevel)
			}

			server, err := keyserver.NewServer(cfg, keyserver.WithLogger(logger))
			if err != nil {
				return err
			}
			if configFile != "" {
				watchConfig(server, loggingutil.WithSubsystem(logger, "cli.config.reload"))
			}

			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = keyserver.DefaultShutdownTimeout
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
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.keyserver/"+keyserver.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", keyserver.DefaultListen, "listen address")
	flags.Duration("available-ttl", keyserver.DefaultAvailableTTL, "purge available keys not kept alive within this duration")
	flags.Duration("blocked-ttl", keyserver.DefaultBlockedTTL, "return blocked keys to the pool after this duration")
	flags.Duration("sweep-interval", keyserver.DefaultSweepInterval, "expiry sweeper wake period")
	flags.Uint64("id-min", keyserver.DefaultIDMin, "smallest id generate may issue")
	flags.Uint64("id-max", keyserver.DefaultIDMax, "exclusive upper bound of generated ids")
	flags.String("snapshot-store", "", "snapshot sink URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container, redis://host:port/db); empty disables export")
	flags.Duration("snapshot-interval", keyserver.DefaultSnapshotInterval, "snapshot export period")
	flags.Duration("snapshot-ttl", 0, "expire archived snapshots after this duration on sinks that support it (0 keeps them)")
	flags.String("metrics-listen", keyserver.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", keyserver.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("runtime-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "skip per-request spans even when an OTLP endpoint is set")
	flags.String("s3-access-key-id", "", "S3 access key for s3:// snapshot stores (falls back to the MinIO credential chain)")
	flags.String("s3-secret-access-key", "", "S3 secret key for s3:// snapshot stores")
	flags.String("s3-session-token", "", "S3 session token for s3:// snapshot stores")
	flags.String("aws-region", "", "AWS region for aws:// snapshot stores")
	flags.String("azure-account", "", "Azure storage account (overrides the URL host)")
	flags.String("azure-key", "", "Azure shared key for azure:// snapshot stores")
	flags.String("azure-sas-token", "", "Azure SAS token for azure:// snapshot stores")
	flags.String("azure-endpoint", "", "Azure blob endpoint override (e.g. an Azurite URL)")
	flags.Duration("shutdown-timeout", keyserver.DefaultShutdownTimeout, "graceful shutdown budget")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("KEYSERVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "available-ttl", "blocked-ttl", "sweep-interval", "id-min", "id-max",
		"snapshot-store", "snapshot-interval", "snapshot-ttl",
		"metrics-listen", "pprof-listen", "runtime-metrics", "otlp-endpoint", "disable-http-tracing",
		"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "aws-region",
		"azure-account", "azure-key", "azure-sas-token", "azure-endpoint",
		"shutdown-timeout", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newClientCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *keyserver.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.AvailableTTL = viper.GetDuration("available-ttl")
	cfg.BlockedTTL = viper.GetDuration("blocked-ttl")
	cfg.SweepInterval = viper.GetDuration("sweep-interval")
	cfg.IDMin = viper.GetUint64("id-min")
	cfg.IDMax = viper.GetUint64("id-max")
	if cfg.IDMax != 0 && cfg.IDMax <= cfg.IDMin {
		return fmt.Errorf("id-max (%d) must be greater than id-min (%d)", cfg.IDMax, cfg.IDMin)
	}
	cfg.SnapshotStore = viper.GetString("snapshot-store")
	cfg.SnapshotInterval = viper.GetDuration("snapshot-interval")
	cfg.SnapshotTTL = viper.GetDuration("snapshot-ttl")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableRuntimeMetrics = viper.GetBool("runtime-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return nil
}

type policyUpdater interface {
	UpdatePolicy(availableTTL, blockedTTL, sweepInterval time.Duration) error
}

// watchConfig re-applies the expiry policy whenever the config file changes.
// Listener, id space and sink settings need a restart.
func watchConfig(srv policyUpdater, logger pslog.Logger) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if err := reloadPolicy(srv, logger, e); err != nil {
			logger.Warn("config.reload.failed", "path", e.Name, "error", err)
		}
	})
	viper.WatchConfig()
}

func reloadPolicy(srv policyUpdater, logger pslog.Logger, e fsnotify.Event) error {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return nil
	}
	available := viper.GetDuration("available-ttl")
	blocked := viper.GetDuration("blocked-ttl")
	sweep := viper.GetDuration("sweep-interval")
	if err := srv.UpdatePolicy(available, blocked, sweep); err != nil {
		return err
	}
	logger.Info("config.reload.applied",
		"path", e.Name,
		"available_ttl", available,
		"blocked_ttl", blocked,
		"sweep_interval", sweep,
	)
	return nil
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
