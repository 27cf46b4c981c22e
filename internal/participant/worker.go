// Package participant runs the contribution loop of a ceremony participant.
package participant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"

	"Ceremony/internal/ceremony"
	"Ceremony/internal/compute"
	"Ceremony/internal/logger"
)

// defaultBackoff is the pause between lock attempts.
const defaultBackoff = 5 * time.Second

// errPending marks a cycle that left chunks to process.
var errPending = errors.New("chunks remaining")

// API is the coordinator as seen by a participant.
type API interface {
	ParticipantID() string
	GetCeremony(ctx context.Context) (*ceremony.Ceremony, error)
	ChunksRemaining(ctx context.Context) ([]*ceremony.Chunk, error)
	Lock(ctx context.Context, chunkID string) (bool, error)
	Unlock(ctx context.Context, chunkID string) error
	Download(ctx context.Context, chunkID string, version int) ([]byte, error)
	WriteLocation(ctx context.Context, chunkID string) (string, error)
	Upload(ctx context.Context, writeURL string, data []byte) error
	Contribute(ctx context.Context, chunkID string) (*ceremony.Chunk, error)
}

// Worker locks chunks expecting its role, computes the next contribution and submits it
// until no chunk remains.
type Worker struct {
	api     API            // api is the coordinator client
	runner  compute.Runner // runner performs the computation
	role    ceremony.Role  // role is contributor or verifier
	seed    string         // seed is the hex entropy of a contributor
	workDir string         // workDir holds temporary job files ("" = system temp)
	backoff time.Duration  // backoff is the pause between cycles
}

// Option configures a Worker.
type Option func(*Worker)

// WithSeed sets the contributor's hex entropy.
func WithSeed(seed string) Option {
	return func(w *Worker) { w.seed = seed }
}

// WithWorkDir sets the directory for temporary job files.
func WithWorkDir(dir string) Option {
	return func(w *Worker) { w.workDir = dir }
}

// WithBackoff sets the pause between cycles.
func WithBackoff(d time.Duration) Option {
	return func(w *Worker) { w.backoff = d }
}

// New creates a worker. Contributors require a seed.
func New(api API, runner compute.Runner, role ceremony.Role, opts ...Option) (*Worker, error) {
	if _, err := ceremony.ParseRole(string(role)); err != nil {
		return nil, err
	}

	w := &Worker{api: api, runner: runner, role: role, backoff: defaultBackoff}
	for _, opt := range opts {
		opt(w)
	}

	if role == ceremony.RoleContributor && w.seed == "" {
		return nil, fmt.Errorf("%w: contributors need a seed", ceremony.ErrInvalidInput)
	}

	if w.backoff <= 0 {
		w.backoff = defaultBackoff
	}

	return w, nil
}

// Run processes chunks until none remain or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	b, err := retry.NewConstant(w.backoff)
	if err != nil {
		return fmt.Errorf("build backoff:\n%w", err)
	}

	err = retry.Do(ctx, b, func(ctx context.Context) error {
		done, err := w.cycle(ctx)
		if err != nil {
			logger.Warn("work cycle failed", "error", err)
		}

		if done {
			return nil
		}

		return retry.RetryableError(errPending)
	})
	if err != nil {
		return fmt.Errorf("run %s:\n%w", w.role, err)
	}

	logger.Info("no more chunks remaining")

	return nil
}

// cycle makes one attempt to lock and process a chunk. It reports whether the ceremony has
// no remaining chunks.
func (w *Worker) cycle(ctx context.Context) (bool, error) {
	remaining, err := w.api.ChunksRemaining(ctx)
	if err != nil {
		return false, err
	}

	if len(remaining) == 0 {
		return true, nil
	}

	cer, err := w.api.GetCeremony(ctx)
	if err != nil {
		return false, err
	}

	logger.Info("ceremony progress",
		"completed", len(cer.Chunks)-len(remaining),
		"total", len(cer.Chunks),
		"version", cer.Version,
	)

	chunk, err := w.lockNext(ctx, cer.Rounds, remaining)
	if err != nil {
		return false, err
	}

	if chunk == nil {
		logger.Info("unable to lock chunk")
		return false, nil
	}

	logger.Info("locked chunk", "chunk", chunk.ChunkID, "role", w.role)

	if err := w.process(ctx, chunk); err != nil {
		w.release(chunk.ChunkID)
		return false, fmt.Errorf("process chunk %s:\n%w", chunk.ChunkID, err)
	}

	return false, nil
}

// lockNext tries to lock each unlocked chunk expecting the worker's role and returns the
// first one locked, or nil.
func (w *Worker) lockNext(ctx context.Context, rounds int, remaining []*ceremony.Chunk) (*ceremony.Chunk, error) {
	for _, chunk := range remaining {
		if chunk.Lock != nil {
			continue
		}

		if role, ok := ceremony.StateOf(chunk, rounds).ExpectedRole(); !ok || role != w.role {
			continue
		}

		locked, err := w.api.Lock(ctx, chunk.ChunkID)
		if err != nil {
			return nil, err
		}

		if locked {
			return chunk, nil
		}
	}

	return nil, nil
}

// process computes and submits the next contribution of a locked chunk.
func (w *Worker) process(ctx context.Context, chunk *ceremony.Chunk) error {
	dir, err := os.MkdirTemp(w.workDir, "chunk-"+chunk.ChunkID+"-*")
	if err != nil {
		return fmt.Errorf("create job directory:\n%w", err)
	}
	defer os.RemoveAll(dir)

	position := chunk.NextPosition()

	job, err := w.prepare(ctx, chunk.ChunkID, position, dir)
	if err != nil {
		return err
	}

	if err := w.runner.Run(ctx, job); err != nil {
		return fmt.Errorf("compute contribution:\n%w", err)
	}

	data, err := os.ReadFile(job.Output())
	if err != nil {
		return fmt.Errorf("read contribution:\n%w", err)
	}

	writeURL, err := w.api.WriteLocation(ctx, chunk.ChunkID)
	if err != nil {
		return err
	}

	logger.Info("uploading contribution", "chunk", chunk.ChunkID, "position", position, "size", len(data))

	if err := w.api.Upload(ctx, writeURL, data); err != nil {
		return err
	}

	if _, err := w.api.Contribute(ctx, chunk.ChunkID); err != nil {
		return err
	}

	logger.Info("contribution accepted", "chunk", chunk.ChunkID, "position", position)

	return nil
}

// prepare downloads the inputs of the contribution at position and builds the job.
// A contributor transforms the latest challenge; a verifier checks the latest response
// against the challenge before it.
func (w *Worker) prepare(ctx context.Context, chunkID string, position int, dir string) (compute.Job, error) {
	challenge := filepath.Join(dir, "challenge")
	response := filepath.Join(dir, "response")

	if w.role == ceremony.RoleContributor {
		if err := w.download(ctx, chunkID, position-1, challenge); err != nil {
			return compute.Job{}, err
		}

		return compute.Job{Kind: compute.KindContribute, Challenge: challenge, Response: response, Seed: w.seed}, nil
	}

	if err := w.download(ctx, chunkID, position-2, challenge); err != nil {
		return compute.Job{}, err
	}

	if err := w.download(ctx, chunkID, position-1, response); err != nil {
		return compute.Job{}, err
	}

	return compute.Job{
		Kind:         compute.KindVerify,
		Challenge:    challenge,
		Response:     response,
		NewChallenge: filepath.Join(dir, "new_challenge"),
	}, nil
}

func (w *Worker) download(ctx context.Context, chunkID string, version int, path string) error {
	data, err := w.api.Download(ctx, chunkID, version)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s:\n%w", filepath.Base(path), err)
	}

	return nil
}

// release unlocks a chunk after a failed attempt so others can take it.
func (w *Worker) release(chunkID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.api.Unlock(ctx, chunkID); err != nil {
		logger.Warn("unlock after failure", "chunk", chunkID, "error", err)
		return
	}

	logger.Info("released chunk", "chunk", chunkID)
}
