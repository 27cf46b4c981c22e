package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"Ceremony/internal/backup"
	"Ceremony/internal/ceremony"
	"Ceremony/internal/ledger"
	"Ceremony/internal/logger"
)

func main() {
	logger.Init()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coordinator",
		Short:         "Ceremony coordinator service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newInitCmd(), newHTTPCmd())

	return root
}

func newHTTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "http",
		Short: "Serve the coordinator API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			s, err := NewService(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("create service:\n%w", err)
			}

			return s.Run()
		},
	}

	addCommonFlags(cmd.Flags())
	addServeFlags(cmd.Flags())

	return cmd
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new ceremony ledger",
		Long: "Create a new ceremony ledger from flags, a ceremony JSON file, a backup or a retained pebble revision. " +
			"An existing ledger is never overwritten.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, v, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if path := v.GetString("restore"); path != "" {
				doc, err := backup.Load(path)
				if err != nil {
					return err
				}

				return restoreLedger(cfg, path, doc)
			}

			if path := v.GetString("restore-from"); path != "" {
				doc, err := readRevision(path, v.GetUint64("revision"))
				if err != nil {
					return err
				}

				return restoreLedger(cfg, path, doc)
			}

			cer := &ceremony.Config{
				ChunkCount:     v.GetInt("chunks"),
				Rounds:         v.GetInt("rounds"),
				MaxLocks:       v.GetInt("max-locks"),
				ContributorIDs: v.GetStringSlice("contributors"),
				VerifierIDs:    v.GetStringSlice("verifiers"),
			}

			if path := v.GetString("ceremony-file"); path != "" {
				if err := readCeremonyConfig(path, cer); err != nil {
					return err
				}
			}

			return initLedger(cmd, cfg, cer)
		},
	}

	flags := cmd.Flags()
	addCommonFlags(flags)
	flags.Int("chunks", 1, "Number of chunks")
	flags.Int("rounds", 1, "Contributor and verifier rounds per chunk")
	flags.Int("max-locks", 1, "Concurrent locks per participant (0 = unlimited)")
	flags.StringSlice("contributors", nil, "Contributor ids")
	flags.StringSlice("verifiers", nil, "Verifier ids")
	flags.String("ceremony-file", "", "JSON ceremony configuration overriding the flags above")
	flags.String("restore", "", "Backup file to restore instead of creating a ceremony")
	flags.String("restore-from", "", "Pebble ledger directory to restore a retained revision from")
	flags.Uint64("revision", 0, "Ceremony version restored by --restore-from (0 = latest retained)")

	return cmd
}

// readCeremonyConfig overlays a JSON ceremony configuration.
func readCeremonyConfig(path string, cer *ceremony.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read ceremony file:\n%w", err)
	}

	if err := json.Unmarshal(data, cer); err != nil {
		return fmt.Errorf("parse ceremony file:\n%w", err)
	}

	return nil
}

// initLedger writes a fresh ledger whose seeds point at the configured storage.
func initLedger(cmd *cobra.Command, cfg *Config, cer *ceremony.Config) error {
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	ledgerStore, err := openLedgerStore(cfg)
	if err != nil {
		store.Close()
		return fmt.Errorf("init ledger store:\n%w", err)
	}

	l, err := ledger.Init(ledgerStore, cer, func(id string) string { return store.Location(id, 0) })

	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, err, ledgerStore.Close())
	} else {
		result = multierror.Append(result, l.Close())
		logger.Info("ceremony created", "path", cfg.LedgerPath(), "chunks", cer.ChunkCount)
	}

	result = multierror.Append(result, store.Close())

	return result.ErrorOrNil()
}

// readRevision returns a retained revision of another pebble ledger.
func readRevision(path string, version uint64) ([]byte, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: open ledger %s:\n%w", ceremony.ErrInvalidInput, path, err)
	}

	src, err := ledger.NewPebbleStore(path, 0)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s:\n%w", path, err)
	}

	var (
		found  []byte
		latest uint64
	)

	err = src.Revisions(func(v uint64, doc []byte) error {
		if version == 0 || v == version {
			found, latest = doc, v
		}
		return nil
	})

	err = multierror.Append(err, src.Close()).ErrorOrNil()
	if err != nil {
		return nil, fmt.Errorf("read ledger revisions:\n%w", err)
	}

	if found == nil {
		return nil, fmt.Errorf("%w: ledger %s retains no revision %d", ceremony.ErrInvalidInput, path, version)
	}

	logger.Info("revision selected", "from", path, "version", latest)

	return found, nil
}

// restoreLedger recreates the ledger from an exported document read from path.
func restoreLedger(cfg *Config, path string, doc []byte) error {
	ledgerStore, err := openLedgerStore(cfg)
	if err != nil {
		return fmt.Errorf("init ledger store:\n%w", err)
	}

	l, err := ledger.Restore(ledgerStore, doc)
	if err != nil {
		ledgerStore.Close()
		return err
	}

	logger.Info("ledger restored", "from", path, "version", l.Snapshot().Version)

	return l.Close()
}
