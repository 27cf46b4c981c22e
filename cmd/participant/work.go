package main

import (
	"github.com/spf13/cobra"

	"Ceremony/internal/ceremony"
	"Ceremony/internal/compute"
	"Ceremony/internal/logger"
	"Ceremony/internal/participant"
)

// newWorkCmd builds the contribute and verify commands, which differ only in role.
func newWorkCmd(use, short string, contributor bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			api, err := cfg.Client()
			if err != nil {
				return err
			}

			runner, release, err := cfg.Runner(cmd)
			if err != nil {
				return err
			}
			defer release()

			role := ceremony.RoleVerifier
			opts := []participant.Option{
				participant.WithBackoff(cfg.Backoff),
				participant.WithWorkDir(cfg.WorkDir),
			}

			if contributor {
				role = ceremony.RoleContributor

				seed, err := compute.ReadSeed(cfg.SeedFile)
				if err != nil {
					return err
				}

				opts = append(opts, participant.WithSeed(seed))
			}

			w, err := participant.New(api, runner, role, opts...)
			if err != nil {
				return err
			}

			logger.Info("participant started", "id", api.ParticipantID(), "role", role, "api", cfg.APIURL)

			return w.Run(cmd.Context())
		},
	}
}
