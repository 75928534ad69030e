package keyserver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/keyserver/internal/lease"
	"pkt.systems/keyserver/internal/pathutil"
	"pkt.systems/keyserver/internal/snapshot"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8080"
	// DefaultMetricsListen is the default Prometheus scrape endpoint. Empty disables metrics.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof listener. Empty disables pprof.
	DefaultPprofListen = ""
	// DefaultAvailableTTL is how long an available key may go without a heartbeat before it is purged.
	DefaultAvailableTTL = lease.DefaultAvailableTTL
	// DefaultBlockedTTL is how long a key may stay blocked before the sweeper returns it to the pool.
	DefaultBlockedTTL = lease.DefaultBlockedTTL
	// DefaultSweepInterval is the sweeper wake period.
	DefaultSweepInterval = lease.DefaultSweepInterval
	// DefaultIDMin is the first id the generator may issue.
	DefaultIDMin = 0
	// DefaultIDMax is the exclusive upper bound of the id space.
	DefaultIDMax = lease.DefaultIDSpaceMax
	// DefaultSnapshotInterval is the snapshot export period when a snapshot store is configured.
	DefaultSnapshotInterval = snapshot.DefaultInterval
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a keyserver.Server.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string
	// MetricsListen is the Prometheus bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof bind address; empty disables pprof.
	PprofListen string
	// EnableRuntimeMetrics adds Go runtime metrics to the metrics endpoint.
	EnableRuntimeMetrics bool
	// OTLPEndpoint enables tracing export when set.
	OTLPEndpoint string
	// DisableHTTPTracing skips per-request spans.
	DisableHTTPTracing bool

	AvailableTTL  time.Duration
	BlockedTTL    time.Duration
	SweepInterval time.Duration

	// IDMin and IDMax bound generated ids to [IDMin, IDMax).
	IDMin uint64
	IDMax uint64

	// SnapshotStore is a sink URL (mem://, disk://, s3://, aws://, azure://, redis://).
	// Empty disables snapshot export.
	SnapshotStore    string
	SnapshotInterval time.Duration
	// SnapshotTTL expires archived snapshots on sinks that support it (redis).
	SnapshotTTL time.Duration

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	AWSRegion         string
	AzureAccount      string
	AzureAccountKey   string
	AzureSASToken     string
	AzureEndpoint     string

	ShutdownTimeout time.Duration
}

// Validate fills defaults and rejects impossible settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if c.EnableRuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return errors.New("config: runtime metrics require metrics-listen")
	}
	if c.AvailableTTL < 0 || c.BlockedTTL < 0 {
		return errors.New("config: ttls must be >= 0")
	}
	if c.AvailableTTL == 0 {
		c.AvailableTTL = DefaultAvailableTTL
	}
	if c.BlockedTTL == 0 {
		c.BlockedTTL = DefaultBlockedTTL
	}
	if c.SweepInterval < 0 {
		return errors.New("config: sweep interval must be >= 0")
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.IDMax == 0 {
		c.IDMax = DefaultIDMax
	}
	if err := c.IDSpace().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.SnapshotStore = strings.TrimSpace(c.SnapshotStore)
	if c.SnapshotInterval < 0 || c.SnapshotTTL < 0 {
		return errors.New("config: snapshot interval and ttl must be >= 0")
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// Policy returns the expiry thresholds carried by c.
func (c Config) Policy() lease.Policy {
	return lease.Policy{AvailableTTL: c.AvailableTTL, BlockedTTL: c.BlockedTTL}
}

// IDSpace returns the generator range carried by c.
func (c Config) IDSpace() lease.IDSpace {
	return lease.IDSpace{Min: c.IDMin, Max: c.IDMax}
}

// DefaultConfigDir returns $KEYSERVER_CONFIG_DIR or $HOME/.keyserver.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("KEYSERVER_CONFIG_DIR")); override != "" {
		return pathutil.Absolute(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".keyserver"), nil
}
