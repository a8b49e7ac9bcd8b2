package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

// maxMessage bounds the command output kept as a task message.
const maxMessage = 2048

// LocalOptions configures a LocalRunner.
type LocalOptions struct {
	Commands       Commands
	Shell          string
	PayloadDir     string
	CommandTimeout time.Duration
	Logger         zerolog.Logger
}

// LocalRunner executes task commands on the management node. Every node is
// served by the same host, which is how single-host and test deployments
// run their plans.
type LocalRunner struct {
	opts   LocalOptions
	logger zerolog.Logger
}

var _ engine.TaskRunner = (*LocalRunner)(nil)

// NewLocalRunner creates a runner that executes commands with opts.Shell.
func NewLocalRunner(opts LocalOptions) *LocalRunner {
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	return &LocalRunner{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "local-runner").Logger(),
	}
}

// Run executes the task command. A non-zero exit fails the task with the
// command's stderr as message; failures to start the command are errors.
func (r *LocalRunner) Run(ctx context.Context, task *engine.Task) (engine.TaskResult, error) {
	script := r.opts.Commands.Script(task)
	if script == "" {
		return engine.TaskResult{Success: true, Message: "nothing to run"}, nil
	}

	payloadPath, err := r.writePayload(task)
	if err != nil {
		return engine.TaskResult{}, engine.NewPermanentError("failed to write payload", err).
			WithNode(task.ID.Node).
			WithOperation("payload")
	}

	if r.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.CommandTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.opts.Shell, "-c", script)
	cmd.Env = append(os.Environ(), EnvList(Env(task, payloadPath))...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	r.logger.Debug().
		Str("task", task.ID.String()).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("Command finished")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return engine.TaskResult{}, engine.NewTransientError("command interrupted", ctxErr).
			WithNode(task.ID.Node).
			WithOperation("exec")
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return engine.TaskResult{Success: true, Message: Tail(stdout.String(), maxMessage)}, nil
	case errors.As(err, &exitErr):
		msg := Tail(stderr.String(), maxMessage)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", exitErr.ExitCode())
		}
		return engine.TaskResult{Success: false, Message: msg}, nil
	default:
		return engine.TaskResult{}, engine.NewPermanentError("failed to start command", err).
			WithNode(task.ID.Node).
			WithOperation("exec")
	}
}

// writePayload writes the payload under PayloadDir/<node> through a temp
// file and a rename, so a command never reads a partial payload.
func (r *LocalRunner) writePayload(task *engine.Task) (string, error) {
	if task.Payload == "" {
		return "", nil
	}
	if err := CheckNodeName(task.ID.Node); err != nil {
		return "", err
	}
	dir := filepath.Join(r.opts.PayloadDir, task.ID.Node)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, ".payload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(task.Payload); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Chmod(0o640); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	path := filepath.Join(dir, PayloadName(task))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}
