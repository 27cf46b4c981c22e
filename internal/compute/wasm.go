package compute

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"github.com/zeebo/blake3"

	"Ceremony/internal/logger"
)

// guestWorkDir is where the job directory is mounted inside the module.
const guestWorkDir = "/work"

// ErrMixedDirectories is returned when a job's files do not share one directory.
var ErrMixedDirectories = errors.New("job files must share one directory")

// WasmRunner runs jobs with a WASI build of the computation binary.
// The module is compiled once; each job gets a fresh instance with the job directory mounted.
type WasmRunner struct {
	runtime  wazero.Runtime          // runtime is the wazero runtime instance
	compiled wazero.CompiledModule   // compiled is the computation module
	cache    wazero.CompilationCache // cache persists compiled code across runs (nil = memory only)
	id       [32]byte                // id is the blake3 hash of the module bytes
}

// WasmOption configures a WasmRunner.
type WasmOption func(*wazero.RuntimeConfig, *wazero.CompilationCache) error

// WithCompilationCache stores compiled code in dir so later runners skip compilation.
func WithCompilationCache(dir string) WasmOption {
	return func(cfg *wazero.RuntimeConfig, cache *wazero.CompilationCache) error {
		c, err := wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return fmt.Errorf("open compilation cache:\n%w", err)
		}

		*cache = c
		*cfg = (*cfg).WithCompilationCache(c)

		return nil
	}
}

// NewWasmRunner compiles a WASI module.
func NewWasmRunner(ctx context.Context, wasmBytes []byte, opts ...WasmOption) (*WasmRunner, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)

	var cache wazero.CompilationCache
	for _, opt := range opts {
		if err := opt(&cfg, &cache); err != nil {
			return nil, err
		}
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, cfg)

	r := &WasmRunner{runtime: runtime, cache: cache, id: blake3.Sum256(wasmBytes)}

	if err := r.init(ctx, wasmBytes); err != nil {
		r.Close(ctx)
		return nil, err
	}

	logger.Info("wasm module loaded", "id", hex.EncodeToString(r.id[:8]), "size", len(wasmBytes))

	return r, nil
}

// LoadWasmRunner reads and compiles a WASI module from a file.
func LoadWasmRunner(ctx context.Context, path string, opts ...WasmOption) (*WasmRunner, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module:\n%w", err)
	}

	return NewWasmRunner(ctx, wasmBytes, opts...)
}

func (r *WasmRunner) init(ctx context.Context, wasmBytes []byte) error {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r.runtime); err != nil {
		return fmt.Errorf("instantiate wasi:\n%w", err)
	}

	if _, err := r.buildHostModule(ctx); err != nil {
		return fmt.Errorf("build host module:\n%w", err)
	}

	compiled, err := r.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile module:\n%w", err)
	}

	r.compiled = compiled

	return nil
}

// buildHostModule creates the "env" module. Its log function lets the computation report
// progress through the participant's logger.
func (r *WasmRunner) buildHostModule(ctx context.Context) (api.Module, error) {
	return r.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) {
			hostLog(m, ptr, length)
		}).
		Export("log").
		Instantiate(ctx)
}

// hostLog reads a message from guest memory and logs it.
func hostLog(m api.Module, ptr, length uint32) {
	if m.Memory() == nil || length == 0 {
		return
	}

	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		return
	}

	logger.Info("wasm", "message", string(data))
}

// ID returns the blake3 hash of the module bytes.
func (r *WasmRunner) ID() [32]byte {
	return r.id
}

// Run instantiates the module with the job arguments. The module exiting with a non-zero
// code is an error, and the job must leave a non-empty output file.
func (r *WasmRunner) Run(ctx context.Context, job Job) error {
	dir, guest, err := guestJob(job)
	if err != nil {
		return err
	}

	args, err := guest.Args()
	if err != nil {
		return err
	}

	var stderr bytes.Buffer

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{"phase1"}, args...)...).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(dir, guestWorkDir)).
		WithStderr(&stderr).
		WithRandSource(rand.Reader).
		WithSysWalltime().
		WithSysNanotime()

	start := time.Now()
	logger.Debug("running wasm job", "kind", job.Kind, "dir", dir)

	instance, err := r.runtime.InstantiateModule(ctx, r.compiled, cfg)
	if instance != nil {
		defer instance.Close(ctx)
	}

	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			return fmt.Errorf("run %s (stderr %q):\n%w", job.Kind, strings.TrimSpace(stderr.String()), err)
		}
	}

	logger.Info("job finished", "kind", job.Kind, "runner", "wasm", logger.Timed(start))

	return checkOutput(job)
}

// Close releases the compiled module and the runtime.
func (r *WasmRunner) Close(ctx context.Context) error {
	var errs []error

	if r.compiled != nil {
		errs = append(errs, r.compiled.Close(ctx))
	}

	errs = append(errs, r.runtime.Close(ctx))

	if r.cache != nil {
		errs = append(errs, r.cache.Close(ctx))
	}

	return errors.Join(errs...)
}

// guestJob rewrites job paths to their location under the guest mount. All files of the job
// must live in the same host directory.
func guestJob(job Job) (string, Job, error) {
	paths := []*string{&job.Challenge, &job.Response, &job.NewChallenge}

	dir := ""
	for _, p := range paths {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return "", Job{}, fmt.Errorf("resolve %s:\n%w", *p, err)
		}

		if dir == "" {
			dir = filepath.Dir(abs)
		} else if filepath.Dir(abs) != dir {
			return "", Job{}, fmt.Errorf("%w: %s is not in %s", ErrMixedDirectories, abs, dir)
		}

		*p = guestWorkDir + "/" + filepath.Base(abs)
	}

	if dir == "" {
		return "", Job{}, fmt.Errorf("%w: job has no files", ErrInvalidJob)
	}

	return dir, job, nil
}
