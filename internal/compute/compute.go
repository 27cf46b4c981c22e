// Package compute runs the external computations performed by participants.
//
// A job reads and writes files only. Runners differ in how the computation is
// executed: as a subprocess or as a WASI module.
package compute

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrInvalidJob is returned for jobs missing a required file or parameter.
var ErrInvalidJob = errors.New("invalid job")

// Kind is the computation performed by a job.
type Kind string

const (
	// KindNew creates the initial challenge of a chunk.
	KindNew Kind = "new"

	// KindContribute transforms a challenge into a response.
	KindContribute Kind = "contribute"

	// KindVerify checks a response against its challenge and produces the next challenge.
	KindVerify Kind = "verify"
)

// Job describes one computation. Paths are absolute or relative to the working directory.
type Job struct {
	Kind         Kind   // Kind selects the computation
	ChunkIndex   int    // ChunkIndex is the chunk being created (new)
	Challenge    string // Challenge is the input challenge, or the output of new
	Response     string // Response is the output of contribute, or an input of verify
	NewChallenge string // NewChallenge is the output of verify
	Seed         string // Seed is the hex entropy for contribute
}

// Runner executes jobs.
type Runner interface {
	Run(ctx context.Context, job Job) error
}

// Args returns the command line arguments of a job.
func (j Job) Args() ([]string, error) {
	switch j.Kind {
	case KindNew:
		if j.Challenge == "" {
			return nil, fmt.Errorf("%w: new requires an output challenge", ErrInvalidJob)
		}

		if j.ChunkIndex < 0 {
			return nil, fmt.Errorf("%w: negative chunk index %d", ErrInvalidJob, j.ChunkIndex)
		}

		return []string{
			"new",
			"--chunk-index", strconv.Itoa(j.ChunkIndex),
			"--challenge-fname", j.Challenge,
		}, nil

	case KindContribute:
		if j.Challenge == "" || j.Response == "" {
			return nil, fmt.Errorf("%w: contribute requires a challenge and a response", ErrInvalidJob)
		}

		if err := validateSeed(j.Seed); err != nil {
			return nil, err
		}

		return []string{
			"contribute",
			"--challenge-fname", j.Challenge,
			"--response-fname", j.Response,
			"--seed", j.Seed,
		}, nil

	case KindVerify:
		if j.Challenge == "" || j.Response == "" || j.NewChallenge == "" {
			return nil, fmt.Errorf("%w: verify requires a challenge, a response and a new challenge", ErrInvalidJob)
		}

		return []string{
			"verify-and-transform",
			"--challenge-fname", j.Challenge,
			"--response-fname", j.Response,
			"--new-challenge-fname", j.NewChallenge,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}
}

// Output returns the file a job produces.
func (j Job) Output() string {
	switch j.Kind {
	case KindNew:
		return j.Challenge
	case KindContribute:
		return j.Response
	default:
		return j.NewChallenge
	}
}

// ReadSeed reads a hex seed from a file, trimming surrounding whitespace.
func ReadSeed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read seed file:\n%w", err)
	}

	seed := strings.TrimSpace(string(data))
	if err := validateSeed(seed); err != nil {
		return "", err
	}

	return seed, nil
}

func validateSeed(seed string) error {
	raw, err := hex.DecodeString(seed)
	if err != nil || len(raw) < 16 {
		return fmt.Errorf("%w: seed must be at least 32 hexadecimal characters", ErrInvalidJob)
	}

	return nil
}

// checkOutput verifies that a finished job produced a non-empty output file.
func checkOutput(job Job) error {
	info, err := os.Stat(job.Output())
	if err != nil {
		return fmt.Errorf("job %s produced no output:\n%w", job.Kind, err)
	}

	if info.Size() == 0 {
		return fmt.Errorf("job %s produced an empty %s", job.Kind, filepath.Base(job.Output()))
	}

	return nil
}
