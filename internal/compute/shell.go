package compute

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"Ceremony/internal/logger"
)

// ShellRunner runs jobs as a subprocess of an external binary.
type ShellRunner struct {
	Command string   // Command is the binary to execute
	Prefix  []string // Prefix is prepended to the job arguments
}

// NewShellRunner creates a runner for the given binary.
func NewShellRunner(command string, prefix ...string) *ShellRunner {
	return &ShellRunner{Command: command, Prefix: prefix}
}

// Run executes the job and waits for it to exit. Stderr is included in the error on failure.
func (r *ShellRunner) Run(ctx context.Context, job Job) error {
	args, err := job.Args()
	if err != nil {
		return err
	}

	args = append(append([]string(nil), r.Prefix...), args...)

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Stderr = &stderr

	start := time.Now()
	logger.Debug("running job", "kind", job.Kind, "command", r.Command)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("run %s:\n%w", job.Kind, ctx.Err())
		}

		return fmt.Errorf("run %s (stderr %q):\n%w", job.Kind, strings.TrimSpace(stderr.String()), err)
	}

	logger.Info("job finished", "kind", job.Kind, logger.Timed(start))

	return checkOutput(job)
}
