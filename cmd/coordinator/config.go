package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"Ceremony/internal/logger"
)

// envPrefix prefixes every environment variable read by the coordinator.
const envPrefix = "COORDINATOR"

// Config holds the coordinator configuration.
type Config struct {
	// DataDir holds the ledger, proxied chunks and backups.
	DataDir string

	// LogLevel is the minimum level logged.
	LogLevel slog.Level

	// Ledger selects the ledger backend: file or pebble.
	Ledger string

	// LedgerRetain is how many pebble revisions are kept (0 = none).
	LedgerRetain int

	// Storage selects the chunk backend: disk, gcs or s3.
	Storage string

	// BaseURL is the public coordinator URL used for disk write locations.
	BaseURL string

	// Bucket is the gcs or s3 bucket.
	Bucket string

	// GCSCredentials is a service account key file for gcs.
	GCSCredentials string

	// S3Region, S3Endpoint and S3PathStyle configure the s3 client.
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool

	// URLExpiry bounds signed upload URLs.
	URLExpiry time.Duration

	// Auth selects the authorization scheme: dummy, ed25519, bls or celo.
	Auth string

	// AuthCache is the number of verified headers remembered (0 = disabled).
	AuthCache int

	// HTTPAddr is the TCP listen address.
	HTTPAddr string

	// HTTP3Addr is the optional UDP listen address for HTTP/3.
	HTTP3Addr string

	// CertFile and KeyFile enable TLS.
	CertFile string
	KeyFile  string

	// MaxBody caps request bodies in bytes.
	MaxBody int64

	// CORSOrigins are the allowed browser origins.
	CORSOrigins []string

	// Lease releases locks held longer than this (0 = never).
	Lease time.Duration

	// ReapInterval is how often expired locks are reclaimed.
	ReapInterval time.Duration

	// BackupInterval is how often the ledger is backed up (0 = disabled).
	BackupInterval time.Duration

	// BackupKeep is how many backups are retained.
	BackupKeep int

	// Metrics serves prometheus metrics on /metrics.
	Metrics bool
}

// LedgerPath returns the ledger location for the configured backend.
func (c *Config) LedgerPath() string {
	if c.Ledger == "pebble" {
		return filepath.Join(c.DataDir, "ledger")
	}

	return filepath.Join(c.DataDir, "db.json")
}

// ChunkDir returns the directory of the disk chunk store.
func (c *Config) ChunkDir() string {
	return filepath.Join(c.DataDir, "chunks")
}

// BackupDir returns the backup directory.
func (c *Config) BackupDir() string {
	return filepath.Join(c.DataDir, "backups")
}

// addCommonFlags registers the flags shared by every command.
func addCommonFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Config file (yaml, json or toml)")
	flags.String("log-level", "info", "Minimum log level: debug, info, warn or error")
	flags.String("data-dir", "./data", "Data directory")
	flags.String("ledger", "file", "Ledger backend: file or pebble")
	flags.Int("ledger-retain", 100, "Pebble ledger revisions kept (0 = none)")
	flags.String("storage", "disk", "Chunk storage backend: disk, gcs or s3")
	flags.String("base-url", "http://localhost:8080", "Public coordinator URL for disk uploads")
	flags.String("bucket", "", "Bucket for gcs or s3 storage")
	flags.String("gcs-credentials", "", "GCS service account key file")
	flags.String("s3-region", "", "S3 region")
	flags.String("s3-endpoint", "", "S3-compatible endpoint URL")
	flags.Bool("s3-path-style", false, "Use path-style S3 addressing")
	flags.Duration("url-expiry", 15*time.Minute, "Lifetime of signed upload URLs")
}

// addServeFlags registers the flags of the http command.
func addServeFlags(flags *pflag.FlagSet) {
	flags.String("auth", "dummy", "Authorization scheme: dummy, ed25519, bls or celo")
	flags.Int("auth-cache", 4096, "Verified authorization headers cached (0 = disabled)")
	flags.String("http-addr", ":8080", "HTTP listen address")
	flags.String("http3-addr", "", "HTTP/3 listen address (empty = disabled)")
	flags.String("cert-file", "", "TLS certificate file")
	flags.String("key-file", "", "TLS key file")
	flags.String("max-body", "256MB", "Request body limit")
	flags.StringSlice("cors-origins", nil, "Allowed CORS origins")
	flags.Duration("lease", 0, "Lock lease (0 = locks never expire)")
	flags.Duration("reap-interval", time.Minute, "Interval between expired lock checks")
	flags.Duration("backup-interval", 5*time.Minute, "Ledger backup interval (0 = disabled)")
	flags.Int("backup-keep", 48, "Ledger backups retained")
	flags.Bool("metrics", true, "Serve prometheus metrics on /metrics")
}

// newViper binds a command's flags to COORDINATOR_* variables and the optional config file.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags:\n%w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file:\n%w", err)
		}
	}

	return v, nil
}

// loadConfig builds the configuration of a command and applies the log level.
func loadConfig(cmd *cobra.Command) (*Config, *viper.Viper, error) {
	v, err := newViper(cmd)
	if err != nil {
		return nil, nil, err
	}

	level, err := logger.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, nil, err
	}

	cfg := &Config{
		DataDir:        v.GetString("data-dir"),
		LogLevel:       level,
		Ledger:         v.GetString("ledger"),
		LedgerRetain:   v.GetInt("ledger-retain"),
		Storage:        v.GetString("storage"),
		BaseURL:        v.GetString("base-url"),
		Bucket:         v.GetString("bucket"),
		GCSCredentials: v.GetString("gcs-credentials"),
		S3Region:       v.GetString("s3-region"),
		S3Endpoint:     v.GetString("s3-endpoint"),
		S3PathStyle:    v.GetBool("s3-path-style"),
		URLExpiry:      v.GetDuration("url-expiry"),
		Auth:           v.GetString("auth"),
		AuthCache:      v.GetInt("auth-cache"),
		HTTPAddr:       v.GetString("http-addr"),
		HTTP3Addr:      v.GetString("http3-addr"),
		CertFile:       v.GetString("cert-file"),
		KeyFile:        v.GetString("key-file"),
		CORSOrigins:    v.GetStringSlice("cors-origins"),
		Lease:          v.GetDuration("lease"),
		ReapInterval:   v.GetDuration("reap-interval"),
		BackupInterval: v.GetDuration("backup-interval"),
		BackupKeep:     v.GetInt("backup-keep"),
		Metrics:        v.GetBool("metrics"),
	}

	if s := v.GetString("max-body"); s != "" {
		cfg.MaxBody, err = units.RAMInBytes(s)
		if err != nil {
			return nil, nil, fmt.Errorf("parse max body %q:\n%w", s, err)
		}
	}

	switch cfg.Ledger {
	case "file", "pebble":
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger)
	}

	switch cfg.Storage {
	case "disk", "gcs", "s3":
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}

	if cfg.Storage != "disk" && cfg.Bucket == "" {
		return nil, nil, fmt.Errorf("%s storage requires --bucket", cfg.Storage)
	}

	logger.Setup(cmd.ErrOrStderr(), level)

	return cfg, v, nil
}
