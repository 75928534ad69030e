package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/keyserver"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage keyserver configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.keyserver/" + keyserver.DefaultConfigFileName
	if dir, err := keyserver.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, keyserver.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default keyserver configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := keyserver.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, keyserver.DefaultConfigFileName)
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags. Keys match flag names so
// viper reads the file without translation.
type configDefaults struct {
	Listen             string `yaml:"listen"`
	AvailableTTL       string `yaml:"available-ttl"`
	BlockedTTL         string `yaml:"blocked-ttl"`
	SweepInterval      string `yaml:"sweep-interval"`
	IDMin              uint64 `yaml:"id-min"`
	IDMax              uint64 `yaml:"id-max"`
	SnapshotStore      string `yaml:"snapshot-store"`
	SnapshotInterval   string `yaml:"snapshot-interval"`
	SnapshotTTL        string `yaml:"snapshot-ttl"`
	MetricsListen      string `yaml:"metrics-listen"`
	PprofListen        string `yaml:"pprof-listen"`
	RuntimeMetrics     bool   `yaml:"runtime-metrics"`
	OTLPEndpoint       string `yaml:"otlp-endpoint"`
	DisableHTTPTracing bool   `yaml:"disable-http-tracing"`
	AWSRegion          string `yaml:"aws-region"`
	AzureEndpoint      string `yaml:"azure-endpoint"`
	ShutdownTimeout    string `yaml:"shutdown-timeout"`
	LogLevel           string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:           keyserver.DefaultListen,
		AvailableTTL:     keyserver.DefaultAvailableTTL.String(),
		BlockedTTL:       keyserver.DefaultBlockedTTL.String(),
		SweepInterval:    keyserver.DefaultSweepInterval.String(),
		IDMin:            keyserver.DefaultIDMin,
		IDMax:            keyserver.DefaultIDMax,
		SnapshotInterval: keyserver.DefaultSnapshotInterval.String(),
		SnapshotTTL:      "0s",
		MetricsListen:    keyserver.DefaultMetricsListen,
		PprofListen:      keyserver.DefaultPprofListen,
		ShutdownTimeout:  keyserver.DefaultShutdownTimeout.String(),
		LogLevel:         "info",
	}
	for _, fn := range overrides {
		fn(&defaults)
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	header := []byte("# keyserver configuration. Secrets (s3-secret-access-key, azure-key, azure-sas-token)\n# are best supplied through KEYSERVER_* environment variables.\n")
	return append(header, data...), nil
}
