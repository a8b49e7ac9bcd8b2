package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

// SimulateOptions configures a SimulateRunner.
type SimulateOptions struct {
	// Fail lists task IDs (node/call_type/call_id) that report failure.
	Fail []string
	// Delay is how long every task takes.
	Delay  time.Duration
	Logger zerolog.Logger
}

// SimulateRunner pretends to run tasks. It is used for rehearsing plans
// without touching any node.
type SimulateRunner struct {
	fail   map[string]bool
	delay  time.Duration
	logger zerolog.Logger

	mu  sync.Mutex
	ran []engine.TaskID
}

var _ engine.TaskRunner = (*SimulateRunner)(nil)

// NewSimulateRunner creates a SimulateRunner.
func NewSimulateRunner(opts SimulateOptions) *SimulateRunner {
	fail := make(map[string]bool, len(opts.Fail))
	for _, id := range opts.Fail {
		fail[id] = true
	}
	return &SimulateRunner{
		fail:   fail,
		delay:  opts.Delay,
		logger: opts.Logger.With().Str("component", "simulate-runner").Logger(),
	}
}

// Run records the task and reports the configured outcome.
func (r *SimulateRunner) Run(ctx context.Context, task *engine.Task) (engine.TaskResult, error) {
	if r.delay > 0 {
		timer := time.NewTimer(r.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return engine.TaskResult{}, engine.NewTransientError("simulated task interrupted", ctx.Err()).
				WithNode(task.ID.Node)
		case <-timer.C:
		}
	}

	r.mu.Lock()
	r.ran = append(r.ran, task.ID)
	r.mu.Unlock()

	id := task.ID.String()
	r.logger.Info().
		Str("task", id).
		Str("kind", string(task.Kind)).
		Bool("fail", r.fail[id]).
		Msg("Simulated task")

	if r.fail[id] {
		return engine.TaskResult{Success: false, Message: fmt.Sprintf("simulated failure of %s", id)}, nil
	}
	return engine.TaskResult{Success: true, Message: "simulated"}, nil
}

// Ran returns the tasks run so far in dispatch order.
func (r *SimulateRunner) Ran() []engine.TaskID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.TaskID(nil), r.ran...)
}
