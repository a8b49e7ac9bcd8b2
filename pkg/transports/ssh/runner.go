package ssh

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplan/pkg/engine"
	"github.com/openfroyo/froyoplan/pkg/runner"
)

// maxMessage bounds the command output kept as a task message.
const maxMessage = 2048

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Commands       runner.Commands
	Shell          string
	PayloadDir     string
	CommandTimeout time.Duration
	Logger         zerolog.Logger
}

// Runner executes plan tasks on their nodes over SSH. It keeps one
// connection per node and reconnects after transport failures.
type Runner struct {
	nodes  map[string]*Config
	opts   RunnerOptions
	logger zerolog.Logger

	newTransport func(cfg *Config) (Transport, error)

	mu         sync.Mutex
	transports map[string]Transport
}

var _ engine.TaskRunner = (*Runner)(nil)

// NewRunner creates a runner for the given node connection settings.
func NewRunner(nodes map[string]*Config, opts RunnerOptions) (*Runner, error) {
	for name, cfg := range nodes {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("node %s: %w", name, err)
		}
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}

	r := &Runner{
		nodes:      nodes,
		opts:       opts,
		logger:     opts.Logger.With().Str("component", "ssh-runner").Logger(),
		transports: make(map[string]Transport),
	}
	r.newTransport = func(cfg *Config) (Transport, error) {
		return NewSSHClient(cfg, r.logger)
	}
	return r, nil
}

// Run executes task on its node. A command exiting non-zero fails the task
// with its stderr as message. Connection and upload failures are returned
// as classified engine errors.
func (r *Runner) Run(ctx context.Context, task *engine.Task) (engine.TaskResult, error) {
	node := task.ID.Node
	script := r.opts.Commands.Script(task)
	if script == "" {
		return engine.TaskResult{Success: true, Message: "nothing to run"}, nil
	}

	if r.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.CommandTimeout)
		defer cancel()
	}

	t, err := r.transport(ctx, node)
	if err != nil {
		return engine.TaskResult{}, err
	}

	var payloadPath string
	if task.Payload != "" {
		payloadPath = path.Join(r.opts.PayloadDir, runner.PayloadName(task))
		if _, err := t.WriteFile(ctx, payloadPath, []byte(task.Payload), 0o640); err != nil {
			return engine.TaskResult{}, r.fail(node, t, err)
		}
	}

	cmd := runner.RemoteCommand(r.opts.Shell, script, runner.Env(task, payloadPath))
	res, err := t.ExecuteCommand(ctx, cmd)
	if err != nil {
		return engine.TaskResult{}, r.fail(node, t, err)
	}

	if res.ExitCode == 0 {
		return engine.TaskResult{Success: true, Message: runner.Tail(res.Stdout, maxMessage)}, nil
	}

	msg := runner.Tail(res.Stderr, maxMessage)
	if msg == "" {
		msg = fmt.Sprintf("exit status %d", res.ExitCode)
	}
	return engine.TaskResult{Success: false, Message: msg}, nil
}

// Check connects to node and verifies the connection.
func (r *Runner) Check(ctx context.Context, node string) error {
	t, err := r.transport(ctx, node)
	if err != nil {
		return err
	}
	if err := t.HealthCheck(ctx); err != nil {
		return r.fail(node, t, err)
	}
	return nil
}

// Nodes returns the configured node names, sorted.
func (r *Runner) Nodes() []string {
	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close disconnects from every node.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for node, t := range r.transports {
		if err := t.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", node, err))
		}
		delete(r.transports, node)
	}
	return errors.Join(errs...)
}

// transport returns a connected transport for node.
func (r *Runner) transport(ctx context.Context, node string) (Transport, error) {
	cfg, ok := r.nodes[node]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("no SSH settings for node %s", node), nil).
			WithNode(node).
			WithOperation("connect")
	}

	r.mu.Lock()
	t, ok := r.transports[node]
	if !ok {
		var err error
		t, err = r.newTransport(cfg)
		if err != nil {
			r.mu.Unlock()
			return nil, engine.NewPermanentError("failed to create transport", err).WithNode(node)
		}
		r.transports[node] = t
	}
	r.mu.Unlock()

	if t.IsConnected() {
		return t, nil
	}
	if err := t.Connect(ctx); err != nil {
		return nil, classify(node, err)
	}
	return t, nil
}

// fail classifies err and drops the connection after transient failures so
// the next task on the node reconnects.
func (r *Runner) fail(node string, t Transport, err error) error {
	classified := classify(node, err)
	if engine.IsTransient(classified) {
		r.logger.Warn().Err(err).Str("node", node).Msg("Dropping SSH connection after transport failure")
		_ = t.Disconnect()
	}
	return classified
}

// classify maps transport errors to engine error classes.
func classify(node string, err error) error {
	op := "ssh"
	class := engine.ErrorClassPermanent

	var te *TransportError
	if errors.As(err, &te) {
		op = te.Op
		if te.IsTemporary && !te.IsAuthError {
			class = engine.ErrorClassTransient
		}
	}

	var classified *engine.EngineError
	if class == engine.ErrorClassTransient {
		classified = engine.NewTransientError("ssh transport failure", err)
	} else {
		classified = engine.NewPermanentError("ssh transport failure", err)
	}
	return classified.WithNode(node).WithOperation(op)
}
