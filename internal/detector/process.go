package detector

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/logger"
)

// waitDelay bounds how long Wait blocks on pipes after the process is killed
const waitDelay = 5 * time.Second

// maxOutputContext caps subprocess output attached to errors
const maxOutputContext = 4096

// ProcessConfig configures a ProcessInvoker.
type ProcessConfig struct {
	Python        string
	Script        string
	Weights       string
	Confidence    float64
	ImageSize     int
	ExtraArgs     []string
	Timeout       time.Duration
	Layout        Layout
	RequireLabels bool
}

// ProcessInvoker runs the detection script as a local subprocess.
type ProcessInvoker struct {
	cfg ProcessConfig
	log logger.Logger
}

// NewProcessInvoker creates a ProcessInvoker.
func NewProcessInvoker(cfg ProcessConfig) *ProcessInvoker {
	return &ProcessInvoker{cfg: cfg, log: GetLogger().Module("process")}
}

// Args returns the command line arguments for a request, excluding the
// interpreter itself.
func (p *ProcessInvoker) Args(req Request) []string {
	args := []string{
		p.cfg.Script,
		"--source", req.ImagePath,
		"--weights", p.cfg.Weights,
		"--conf", strconv.FormatFloat(p.cfg.Confidence, 'f', -1, 64),
		"--img-size", strconv.Itoa(p.cfg.ImageSize),
		"--save-txt",
		"--save-conf",
		"--project", p.cfg.Layout.RunsDir,
		"--name", req.JobID,
		"--exist-ok",
	}
	return append(args, p.cfg.ExtraArgs...)
}

// Invoke runs the model and collects its artifacts.
func (p *ProcessInvoker) Invoke(ctx context.Context, req Request) (Artifacts, error) {
	if err := validateRequest(req); err != nil {
		return Artifacts{}, err
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	if err := os.MkdirAll(p.cfg.Layout.RunsDir, 0o750); err != nil {
		return Artifacts{}, detectionError(errors.New(err), req, "create_runs_dir").Build()
	}

	args := p.Args(req)
	// #nosec G204 - interpreter and script come from operator configuration
	cmd := exec.CommandContext(ctx, p.cfg.Python, args...)
	cmd.WaitDelay = waitDelay

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	log := p.log.With(logger.String("job_id", req.JobID))
	log.Debug("starting detection",
		logger.String("python", p.cfg.Python),
		logger.Any("args", args))

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		cause := err
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			cause = fmt.Errorf("detection timed out after %s: %w", p.cfg.Timeout, err)
		case errors.Is(ctx.Err(), context.Canceled):
			cause = fmt.Errorf("detection cancelled: %w", err)
		}
		b := detectionError(errors.New(cause), req, "run_model").
			Timing("run_model", elapsed).
			Context("output", tail(output.String(), maxOutputContext))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			b = b.Context("exit_code", exitErr.ExitCode())
		}
		log.Warn("detection process failed",
			logger.Error(err),
			logger.Duration("elapsed", elapsed))
		return Artifacts{}, b.Build()
	}

	log.Debug("detection process finished", logger.Duration("elapsed", elapsed))

	art, err := p.cfg.Layout.Collect(req, p.cfg.RequireLabels)
	if err != nil {
		return Artifacts{}, err
	}
	art.Duration = elapsed
	return art, nil
}

// tail returns at most n trailing bytes of s
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
