package matcher

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"bot-match/internal/jsonfile"
	"bot-match/internal/metrics"
)

// Config describes the external matcher command.
type Config struct {
	Command      []string
	ArtifactPath string
	Timeout      time.Duration
}

// Runner executes the matcher. At most one process runs at a time; triggers
// that arrive during a run collapse into a single follow-up run.
type Runner struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	running bool
	pending bool
	wg      sync.WaitGroup
}

func NewRunner(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Runner{
		cfg:     cfg,
		logger:  logger.With("component", "matcher"),
		metrics: m,
	}
}

// Trigger schedules a matcher run without waiting for it.
func (r *Runner) Trigger(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.pending = true
		r.mu.Unlock()
		return
	}
	r.running = true
	r.wg.Add(1)
	r.mu.Unlock()

	go r.loop(ctx)
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		if err := r.Run(ctx); err != nil {
			r.logger.Error("matcher run failed", "error", err)
		}

		r.mu.Lock()
		if !r.pending || ctx.Err() != nil {
			r.running = false
			r.pending = false
			r.mu.Unlock()
			return
		}
		r.pending = false
		r.mu.Unlock()
	}
}

// Wait blocks until in-flight runs have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Run executes the matcher once and replaces the artifact with its output.
// On failure the previous artifact is left untouched.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.cfg.Command) == 0 {
		return errors.New("matcher command not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.cfg.Command[0], r.cfg.Command[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.logStderr(stderr.Bytes())
	if err != nil {
		r.count("failed")
		return fmt.Errorf("run matcher: %w", err)
	}

	payload, err := extractGroups(stdout.Bytes())
	if err != nil {
		r.count("invalid_output")
		return err
	}
	if err := jsonfile.WriteAtomic(r.cfg.ArtifactPath, payload); err != nil {
		r.count("write_failed")
		return err
	}

	r.count("ok")
	r.logger.Info("match artifact updated", "path", r.cfg.ArtifactPath, "bytes", len(payload), "duration", time.Since(start))
	return nil
}

func (r *Runner) logStderr(data []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
			r.logger.Warn("matcher stderr", "line", string(line))
		}
	}
}

func (r *Runner) count(status string) {
	if r.metrics != nil {
		r.metrics.MatcherRuns.WithLabelValues(status).Inc()
	}
}
