// Package runner provides task runners for the plan executor that do not
// need a network transport: LocalRunner executes commands on the
// management node and SimulateRunner rehearses plans.
//
// It also holds the command conventions shared with the SSH runner. Lock
// and unlock tasks run the configured templates with {node} replaced;
// every other task runs its own command. Commands see the task through
// FROYO_* environment variables, and a task payload is written to a file
// whose path is passed as FROYO_PAYLOAD.
package runner
