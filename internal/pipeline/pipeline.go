// Package pipeline invokes the external validation pipeline as a
// subprocess and interprets what it leaves behind: an exit code, captured
// output, and a tabular execution trace with one row per stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/corvid-bio/magpie/internal/config"
)

// Names of the files a run leaves in its working directory.
const (
	StdoutFile = "pipeline.stdout"
	StderrFile = "pipeline.stderr"
	TraceFile  = "execution_trace.txt"
)

// Result is the outcome of one pipeline invocation.
type Result struct {
	ExitCode   int
	TimedOut   bool
	StdoutPath string
	StderrPath string
}

// Runner launches pipeline processes.
type Runner struct {
	cfg config.PipelineConfig
	log *zap.Logger
}

// NewRunner builds a runner from configuration.
func NewRunner(cfg config.PipelineConfig, log *zap.Logger) *Runner {
	return &Runner{cfg: cfg, log: log}
}

// Run executes the pipeline in workDir with the given parameter map and a
// hard timeout. The process is killed at the deadline; a timeout is
// reported in the result, not as an error. An error means the process
// could not be run at all.
func (r *Runner) Run(ctx context.Context, workDir string, params map[string]string, timeout time.Duration) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := r.buildArgs(params)
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), flattenEnv(r.cfg.Env)...)

	stdoutPath := filepath.Join(workDir, StdoutFile)
	stderrPath := filepath.Join(workDir, StderrFile)

	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create stdout capture: %w", err)
	}
	defer func() { _ = stdout.Close() }()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create stderr capture: %w", err)
	}
	defer func() { _ = stderr.Close() }()

	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.log.Info("launching pipeline",
		zap.String("dir", workDir),
		zap.Duration("timeout", timeout),
		zap.Strings("args", args))

	runErr := cmd.Run()
	result := &Result{
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("pipeline: exec %s: %w", args[0], runErr)
	}
	return result, nil
}

// buildArgs assembles the command line: configured launcher, repo, branch
// and profile selection, then the per-run parameters as long flags in
// sorted order so invocations are reproducible.
func (r *Runner) buildArgs(params map[string]string) []string {
	args := strings.Fields(r.cfg.Command)
	if r.cfg.Repo != "" {
		args = append(args, r.cfg.Repo)
	}
	if r.cfg.Branch != "" {
		args = append(args, "-r", r.cfg.Branch)
	}
	if r.cfg.Profile != "" {
		args = append(args, "-profile", r.cfg.Profile)
	}
	if r.cfg.ConfigFile != "" {
		args = append(args, "-c", r.cfg.ConfigFile)
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		args = append(args, "--"+name, params[name])
	}
	return args
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for name, value := range env {
		out = append(out, name+"="+value)
	}
	return out
}

// DynamicTimeout derives a run timeout from the total input size. Runtime
// grows roughly with the log of input size; the constants were fitted
// against observed runs. Small inputs floor at min.
func DynamicTimeout(totalBytes int64, min time.Duration) time.Duration {
	megabytes := float64(totalBytes) / 1e6
	if megabytes < 1 {
		return min
	}
	seconds := 3500*math.Log(megabytes) - 20000
	timeout := time.Duration(seconds) * time.Second
	if timeout < min {
		return min
	}
	return timeout
}

// GzipFile compresses a file next to itself, returning the .gz path. Used
// before uploading captured output for diagnosis.
func GzipFile(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("pipeline: open %s: %w", path, err)
	}
	defer func() { _ = in.Close() }()

	gzPath := path + ".gz"
	out, err := os.Create(gzPath)
	if err != nil {
		return "", fmt.Errorf("pipeline: create %s: %w", gzPath, err)
	}
	defer func() { _ = out.Close() }()

	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		_ = zw.Close()
		return "", fmt.Errorf("pipeline: compress %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("pipeline: finish %s: %w", gzPath, err)
	}
	return gzPath, nil
}
