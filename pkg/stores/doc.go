// Package stores provides the persistence layer of froyoplan.
// It includes a SQLite-based store with WAL mode and embedded migrations
// holding the current plan, its tasks and dependencies, the task outcome
// ledger, node lock records and the plan event audit trail. RunLock keeps a
// single plan-running process per state directory.
package stores
