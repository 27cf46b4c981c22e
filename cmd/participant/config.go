package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"Ceremony/client"
	"Ceremony/internal/auth"
	"Ceremony/internal/compute"
	"Ceremony/internal/logger"
)

// envPrefix prefixes every environment variable read by the participant.
const envPrefix = "PARTICIPANT"

// Config holds the participant configuration.
type Config struct {
	APIURL   string        // APIURL is the coordinator base URL
	AuthType string        // AuthType is the authorization scheme
	Key      string        // Key is the participant id (dummy) or hex private key
	SeedFile string        // SeedFile holds the contributor's hex entropy
	Command  string        // Command is the phase1 binary
	Wasm     string        // Wasm is a WASI phase1 module used instead of Command
	Cache    string        // Cache is the wasm compilation cache directory
	WorkDir  string        // WorkDir holds temporary job files
	Backoff  time.Duration // Backoff is the pause between lock attempts
	Retries  uint64        // Retries is the number of retries of idempotent requests
	HTTP3    bool          // HTTP3 talks to the coordinator over HTTP/3
	Insecure bool          // Insecure skips TLS certificate verification
}

// addFlags registers the flags shared by every participant command.
func addFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Config file (yaml, json or toml)")
	flags.String("log-level", "info", "Minimum log level: debug, info, warn or error")
	flags.String("api-url", "http://localhost:8080", "Coordinator URL")
	flags.String("auth-type", "dummy", "Authorization scheme: dummy, ed25519, bls or celo")
	flags.String("participant-id", "", "Participant id for dummy authorization")
	flags.String("key", "", "Hex private key")
	flags.String("key-file", "", "File containing the hex private key")
	flags.String("seed-file", "", "File containing the contributor's hex seed")
	flags.String("command", "phase1", "Phase1 binary")
	flags.String("wasm", "", "WASI phase1 module used instead of --command")
	flags.String("wasm-cache", "", "Compilation cache directory for --wasm")
	flags.String("work-dir", "", "Directory for temporary job files")
	flags.Duration("backoff", 5*time.Second, "Pause between lock attempts")
	flags.Uint64("retries", 3, "Retries of idempotent requests")
	flags.Bool("http3", false, "Connect over HTTP/3")
	flags.Bool("insecure", false, "Skip TLS certificate verification")
}

// loadConfig builds the configuration of a command and applies the log level.
func loadConfig(cmd *cobra.Command) (*Config, error) {
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

	level, err := logger.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, err
	}

	logger.Setup(cmd.ErrOrStderr(), level)

	cfg := &Config{
		APIURL:   v.GetString("api-url"),
		AuthType: strings.ToLower(v.GetString("auth-type")),
		Key:      v.GetString("key"),
		SeedFile: v.GetString("seed-file"),
		Command:  v.GetString("command"),
		Wasm:     v.GetString("wasm"),
		Cache:    v.GetString("wasm-cache"),
		WorkDir:  v.GetString("work-dir"),
		Backoff:  v.GetDuration("backoff"),
		Retries:  v.GetUint64("retries"),
		HTTP3:    v.GetBool("http3"),
		Insecure: v.GetBool("insecure"),
	}

	if cfg.AuthType == "dummy" {
		cfg.Key = v.GetString("participant-id")
	} else if path := v.GetString("key-file"); cfg.Key == "" && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read key file:\n%w", err)
		}

		cfg.Key = strings.TrimSpace(string(data))
	}

	if cfg.Key == "" {
		return nil, fmt.Errorf("%s authorization requires --participant-id, --key or --key-file", cfg.AuthType)
	}

	return cfg, nil
}

// Signer builds the configured authorization signer.
func (c *Config) Signer() (auth.Signer, error) {
	return auth.NewSigner(c.AuthType, c.Key)
}

// Client builds the coordinator client.
func (c *Config) Client() (*client.Client, error) {
	signer, err := c.Signer()
	if err != nil {
		return nil, err
	}

	opts := []client.Option{client.WithRetry(c.Retries, 0)}
	if c.HTTP3 {
		opts = append(opts, client.WithHTTP3(&tls.Config{InsecureSkipVerify: c.Insecure}))
	}

	return client.New(c.APIURL, signer, opts...), nil
}

// Runner builds the computation runner: a wasm module when configured, the phase1 binary
// otherwise. The returned function releases it.
func (c *Config) Runner(cmd *cobra.Command) (compute.Runner, func(), error) {
	if c.Wasm == "" {
		return compute.NewShellRunner(c.Command), func() {}, nil
	}

	var opts []compute.WasmOption
	if c.Cache != "" {
		opts = append(opts, compute.WithCompilationCache(c.Cache))
	}

	r, err := compute.LoadWasmRunner(cmd.Context(), c.Wasm, opts...)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("wasm module loaded", "path", c.Wasm, "id", fmt.Sprintf("%x", r.ID()))

	return r, func() {
		if err := r.Close(cmd.Context()); err != nil {
			logger.Warn("close wasm runtime", "error", err)
		}
	}, nil
}
