package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"Ceremony/client"
	"Ceremony/internal/ceremony"
	"Ceremony/internal/compute"
	"Ceremony/internal/logger"
)

func newNewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create and upload the initial challenge of every unseeded chunk",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			parallel, err := cmd.Flags().GetInt("parallel")
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

			return seedChunks(cmd.Context(), api, runner, cfg.WorkDir, parallel)
		},
	}

	cmd.Flags().Int("parallel", runtime.NumCPU(), "Challenges computed concurrently")

	return cmd
}

// seedChunks computes the initial challenge of each chunk without a recorded seed digest and
// uploads it as version 0.
func seedChunks(ctx context.Context, api *client.Client, runner compute.Runner, workDir string, parallel int) error {
	cer, err := api.GetCeremony(ctx)
	if err != nil {
		return err
	}

	var pending []*ceremony.Chunk
	for _, chunk := range cer.Chunks {
		if len(chunk.Contributions) > 0 && chunk.Contributions[0].Digest == "" {
			pending = append(pending, chunk)
		}
	}

	if len(pending) == 0 {
		logger.Info("every chunk is already seeded", "chunks", len(cer.Chunks))
		return nil
	}

	dir, err := os.MkdirTemp(workDir, "new-*")
	if err != nil {
		return fmt.Errorf("create job directory:\n%w", err)
	}
	defer os.RemoveAll(dir)

	bar := progressbar.Default(int64(len(pending)), "seeding chunks")

	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}

	for _, chunk := range pending {
		g.Go(func() error {
			if err := seedChunk(gctx, api, runner, dir, chunk.ChunkID); err != nil {
				return fmt.Errorf("seed chunk %s:\n%w", chunk.ChunkID, err)
			}

			return bar.Add(1)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("chunks seeded", "count", len(pending))

	return nil
}

func seedChunk(ctx context.Context, api *client.Client, runner compute.Runner, dir, chunkID string) error {
	idx, err := ceremony.ChunkIndex(chunkID)
	if err != nil {
		return err
	}

	job := compute.Job{
		Kind:       compute.KindNew,
		ChunkIndex: idx,
		Challenge:  filepath.Join(dir, "challenge_"+chunkID),
	}

	if err := runner.Run(ctx, job); err != nil {
		return err
	}

	data, err := os.ReadFile(job.Output())
	if err != nil {
		return fmt.Errorf("read challenge:\n%w", err)
	}

	if err := api.WriteSeed(ctx, chunkID, data); err != nil {
		if errors.Is(err, ceremony.ErrStateConflict) {
			logger.Warn("chunk seeded concurrently", "chunk", chunkID)
			return nil
		}

		return err
	}

	return os.Remove(job.Output())
}
