package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/meridian-obs/meridian/internal/logging"
)

// DefaultGrace is how long a canceled stage process gets between SIGTERM and
// SIGKILL.
const DefaultGrace = 10 * time.Second

// ExecRunner runs a stage as an external command: request JSON on stdin,
// result JSON on stdout. Cancellation sends SIGTERM and escalates to SIGKILL
// after the grace period. A worker may report failure either way: exit 0
// with ok=false in the result, or a non-zero exit; a non-zero exit without a
// parseable result is a transient error.
type ExecRunner struct {
	name  string
	argv  []string
	grace time.Duration
	log   *logging.Logger
}

// NewExecRunner builds a runner for one stage. argv comes from the
// stage_cmd.<stage> config key; grace <= 0 selects DefaultGrace.
func NewExecRunner(name string, argv []string, grace time.Duration, log *logging.Logger) *ExecRunner {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &ExecRunner{
		name:  name,
		argv:  argv,
		grace: grace,
		log:   log.WithComponent("stage").WithStage(name),
	}
}

// Name returns the stage name this runner serves.
func (r *ExecRunner) Name() string {
	return r.name
}

// Run invokes the stage command and decodes its verdict.
func (r *ExecRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if len(r.argv) == 0 {
		return nil, errors.NewStageError("no command configured", nil).
			WithGroupID(req.GroupID).
			WithStage(r.name).
			WithKind(errors.KindFatal)
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, errors.NewStageError("encoding stage request", err).
			WithGroupID(req.GroupID).
			WithStage(r.name).
			WithKind(errors.KindFatal)
	}

	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.grace

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		r.log.Warn("stage command canceled",
			"group_id", req.GroupID,
			"elapsed_s", elapsed.Seconds(),
			"cause", ctxErr)
		return nil, errors.NewStageError("stage canceled", ctxErr).
			WithGroupID(req.GroupID).
			WithStage(r.name)
	}

	if runErr != nil {
		// Workers are allowed to pair a non-zero exit with a structured
		// verdict; trust the verdict when it parses.
		if res, perr := decodeResult(stdout.Bytes()); perr == nil {
			return res, nil
		}

		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		r.log.Error("stage command failed",
			"group_id", req.GroupID,
			"exit_code", exitCode,
			"elapsed_s", elapsed.Seconds(),
			"stderr", tail(stderr.String(), 2048))
		return nil, errors.NewStageError("stage command failed", runErr).
			WithGroupID(req.GroupID).
			WithStage(r.name).
			WithExitCode(exitCode)
	}

	res, perr := decodeResult(stdout.Bytes())
	if perr != nil {
		r.log.Error("stage produced unparseable output",
			"group_id", req.GroupID,
			"error", perr)
		return nil, errors.NewStageError("unparseable stage output", perr).
			WithGroupID(req.GroupID).
			WithStage(r.name)
	}
	return res, nil
}

func decodeResult(out []byte) (*Result, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, errors.New("empty stage output")
	}
	var res Result
	if err := json.Unmarshal(trimmed, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// tail keeps the last max bytes of s, for error logs of chatty workers.
func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
