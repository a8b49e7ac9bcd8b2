package stores

import (
	"context"
	"time"

	"github.com/openfroyo/froyoplan/pkg/engine"
)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// EventRecord is a persisted entry of the plan event audit trail.
type EventRecord struct {
	ID        int64        `json:"id"`
	EventID   string       `json:"event_id"`
	PlanID    string       `json:"plan_id"`
	Type      string       `json:"type"`
	Event     engine.Event `json:"event"`
	CreatedAt time.Time    `json:"created_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.StateStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Event audit trail
	AppendEvent(ctx context.Context, event engine.Event) error
	ListEvents(ctx context.Context, planID string, limit int) ([]*EventRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
