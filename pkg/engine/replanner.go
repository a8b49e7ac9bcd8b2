package engine

import (
	"github.com/rs/zerolog"
)

// Ledger holds the last observed outcome of every task identity across
// plan regenerations.
type Ledger map[TaskID]TaskOutcome

// Completed reports whether the task already succeeded for the same work.
// An outcome recorded without a digest matches any digest.
func (l Ledger) Completed(id TaskID, digest string) bool {
	o, ok := l[id]
	if !ok || o.State != TaskSuccess {
		return false
	}
	return o.Digest == "" || o.Digest == digest
}

// Replanner builds plans incrementally: work that already succeeded is
// dropped and everything else is re-validated and re-compiled.
type Replanner struct {
	compiler *PhaseCompiler
	logger   zerolog.Logger
}

// NewReplanner creates a new re-planner.
func NewReplanner(compiler *PhaseCompiler, logger zerolog.Logger) *Replanner {
	return &Replanner{
		compiler: compiler,
		logger:   logger.With().Str("component", "replanner").Logger(),
	}
}

// Plan validates the full change set, prunes completed tasks and compiles
// the remainder. It fails with DoNothingPlanError when no task remains.
func (r *Replanner) Plan(cs ChangeSet, ledger Ledger, locks LockView) (*Plan, error) {
	graph, err := NewGraphBuilder().Build(cs)
	if err != nil {
		return nil, err
	}

	skipped := 0
	pending := graph.Without(func(n *GraphNode) bool {
		done := ledger.Completed(n.Descriptor.ID(), n.Descriptor.Digest())
		if done {
			skipped++
		}
		return done
	})
	if skipped > 0 {
		r.logger.Debug().Int("skipped", skipped).Int("pending", pending.Len()).
			Msg("Dropped tasks that already succeeded")
	}

	plan, err := r.compiler.Compile(CompileRequest{
		Graph:     pending,
		Locks:     locks,
		Completed: ledger.Completed,
		Digest:    cs.Digest(),
	})
	if err != nil {
		return nil, err
	}

	if len(plan.Tasks()) == 0 {
		return nil, &DoNothingPlanError{}
	}
	return plan, nil
}
