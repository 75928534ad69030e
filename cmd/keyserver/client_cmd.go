package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/keyserver/api"
	"pkt.systems/keyserver/client"
	"pkt.systems/keyserver/internal/loggingutil"
)

const (
	clientServerKey      = "client.server"
	clientTimeoutKey     = "client.timeout"
	clientLogLevelKey    = "client.log-level"
	clientCorrelationKey = "client.correlation-id"

	envServerURL   = "KEYSERVER_CLIENT_SERVER"
	envCorrelation = "KEYSERVER_CLIENT_CORRELATION_ID"

	defaultClientServer  = "http://127.0.0.1:8080"
	defaultClientTimeout = 15 * time.Second
)

type outputFormat string

const (
	outputJSON outputFormat = "json"
	outputYAML outputFormat = "yaml"
	outputText outputFormat = "text"
)

func newClientCommand(baseLogger pslog.Logger) *cobra.Command {
	cfg := &clientCLIConfig{baseLogger: baseLogger}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interact with a running keyserver",
	}

	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultClientServer, "keyserver base URL")
	flags.Duration("timeout", defaultClientTimeout, "HTTP request timeout")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	flags.String("correlation-id", "", "correlation id sent with every request (default generated)")

	mustBindFlag(clientServerKey, envServerURL, flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "KEYSERVER_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientLogLevelKey, "KEYSERVER_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))
	mustBindFlag(clientCorrelationKey, envCorrelation, flags.Lookup("correlation-id"))

	cmd.AddCommand(
		newClientIDCommand(cfg, "generate", "Create a new available key and print its id", (*client.Client).Generate),
		newClientIDCommand(cfg, "getkey", "Block an available key and print its id", (*client.Client).Acquire),
		newClientKeyCommand(cfg, "unblock", "Return a blocked key to the pool", (*client.Client).Release),
		newClientKeyCommand(cfg, "delete", "Purge a key", (*client.Client).Delete),
		newClientKeyCommand(cfg, "keep-alive", "Refresh an available key so it is not purged", (*client.Client).KeepAlive),
		newClientGetCommand(cfg),
		newClientStatsCommand(cfg),
		newClientSnapshotCommand(cfg),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

type clientCLIConfig struct {
	baseLogger pslog.Logger
}

func (c *clientCLIConfig) client() (*client.Client, error) {
	server := strings.TrimSpace(viper.GetString(clientServerKey))
	if server == "" {
		server = defaultClientServer
	}
	logger, err := c.logger()
	if err != nil {
		return nil, err
	}
	opts := []client.Option{
		client.WithHTTPTimeout(viper.GetDuration(clientTimeoutKey)),
		client.WithLogger(logger),
	}
	if id := strings.TrimSpace(viper.GetString(clientCorrelationKey)); id != "" {
		normalized, ok := client.NormalizeCorrelationID(id)
		if !ok {
			return nil, fmt.Errorf("invalid correlation id %q", id)
		}
		opts = append(opts, client.WithCorrelationID(normalized))
	}
	return client.New(server, opts...)
}

func (c *clientCLIConfig) logger() (pslog.Logger, error) {
	levelStr := strings.ToLower(strings.TrimSpace(viper.GetString(clientLogLevelKey)))
	switch levelStr {
	case "", "none", "disabled", "off":
		return nil, nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return nil, fmt.Errorf("invalid client log level %q", levelStr)
	}
	base := c.baseLogger
	if base == nil {
		base = pslog.NewStructured(os.Stderr)
	}
	return loggingutil.WithSubsystem(base, "client.cli").LogLevel(level), nil
}

func parseKeyArg(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid key id %q: must be a non-negative integer", raw)
	}
	return id, nil
}

func parseOutputFormat(raw string, allowText bool) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(strings.TrimSpace(raw))); f {
	case "", outputJSON:
		return outputJSON, nil
	case outputYAML:
		return outputYAML, nil
	case outputText:
		if allowText {
			return outputText, nil
		}
	}
	return "", fmt.Errorf("unsupported output type %q", raw)
}

// commandContextWithCorrelation attaches a fresh correlation id unless one was
// configured for the whole client.
func commandContextWithCorrelation(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(viper.GetString(clientCorrelationKey)) != "" {
		return ctx
	}
	return client.ContextWithCorrelationID(ctx, client.GenerateCorrelationID())
}

func newClientIDCommand(cfg *clientCLIConfig, use, short string, call func(*client.Client, context.Context) (uint64, error)) *cobra.Command {
	return &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			id, err := call(cli, commandContextWithCorrelation(cmd))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
}

func newClientKeyCommand(cfg *clientCLIConfig, use, short string, call func(*client.Client, context.Context, uint64) error) *cobra.Command {
	return &cobra.Command{
		Use:           use + " ID",
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseKeyArg(args[0])
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			if err := call(cli, commandContextWithCorrelation(cmd), id); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
}

func newClientGetCommand(cfg *clientCLIConfig) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Describe one key",
		Example: `  # Human readable summary
  keyserver client get 42 --type text`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := parseOutputFormat(format, true)
			if err != nil {
				return err
			}
			id, err := parseKeyArg(args[0])
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			rec, err := cli.Get(commandContextWithCorrelation(cmd), id)
			if err != nil {
				return err
			}
			if out == outputText {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d %s (touched %s)\n", rec.ID, rec.State, humanize.Time(rec.LastTouched))
				return err
			}
			return writeDocument(cmd.OutOrStdout(), out, rec)
		},
	}
	cmd.Flags().StringVar(&format, "type", string(outputJSON), "output type (json|yaml|text)")
	return cmd
}

func newClientStatsCommand(cfg *clientCLIConfig) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:           "stats",
		Short:         "Print pool counts and expiry policy",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := parseOutputFormat(format, true)
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			stats, err := cli.Stats(commandContextWithCorrelation(cmd))
			if err != nil {
				return err
			}
			if out == outputText {
				return writeStatsText(cmd.OutOrStdout(), stats)
			}
			return writeDocument(cmd.OutOrStdout(), out, stats)
		},
	}
	cmd.Flags().StringVar(&format, "type", string(outputText), "output type (json|yaml|text)")
	return cmd
}

func newClientSnapshotCommand(cfg *clientCLIConfig) *cobra.Command {
	var format string
	var outputPath string
	cmd := &cobra.Command{
		Use:           "snapshot",
		Short:         "Dump every key in the pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := parseOutputFormat(format, false)
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			snap, err := cli.Snapshot(commandContextWithCorrelation(cmd))
			if err != nil {
				return err
			}
			if outputPath == "" || outputPath == "-" {
				return writeDocument(cmd.OutOrStdout(), out, snap)
			}
			f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("open output: %w", err)
			}
			if err := writeDocument(f, out, snap); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.ErrOrStderr(), "wrote snapshot %s (%s keys) to %s\n", snap.ID, humanize.Comma(int64(len(snap.Keys))), outputPath)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "type", string(outputJSON), "output type (json|yaml)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "-", "output file (use - for stdout)")
	return cmd
}

func writeDocument(w io.Writer, format outputFormat, v any) error {
	if format == outputYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeStatsText(w io.Writer, stats api.StatsResponse) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		value string
	}{
		{"total", humanize.Comma(int64(stats.Total))},
		{"available", humanize.Comma(int64(stats.Available))},
		{"blocked", humanize.Comma(int64(stats.Blocked))},
		{"purged", humanize.Comma(int64(stats.Purged))},
		{"ids remaining", humanize.Comma(int64(stats.IDsRemaining))},
		{"available ttl", secondsDuration(stats.AvailableTTLSeconds).String()},
		{"blocked ttl", secondsDuration(stats.BlockedTTLSeconds).String()},
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(tw, "%s:\t%s\n", row.label, row.value); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func secondsDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
