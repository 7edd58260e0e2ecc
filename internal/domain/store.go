package domain

import (
	"context"
	"time"
)

// Store is the persistence surface the core components share. It is
// implemented by internal/store on SQLite.
type Store interface {
	// Channels. Configs are written by external tooling; the core treats
	// them as read-only apart from seeding.
	GetChannel(ctx context.Context, id string) (*ChannelConfig, error)
	SaveChannel(ctx context.Context, cfg *ChannelConfig) error
	ListChannels(ctx context.Context) ([]ChannelConfig, error)

	// Bindings. ResolveOrCreateBinding is atomic per (channel, external
	// id) pair: concurrent first contact yields exactly one binding, one
	// guest account and one conversation. created reports whether this
	// call performed the insert.
	ResolveOrCreateBinding(ctx context.Context, channelID, externalID string) (binding *Binding, created bool, err error)
	GetBinding(ctx context.Context, id string) (*Binding, error)
	DeleteBinding(ctx context.Context, id string) error

	// Scheduled tasks.
	SaveTask(ctx context.Context, task *ScheduledTask) error
	GetTask(ctx context.Context, id string) (*ScheduledTask, error)
	ListActiveTasks(ctx context.Context) ([]ScheduledTask, error)
	ListTasks(ctx context.Context) ([]ScheduledTask, error)
	SetTaskActive(ctx context.Context, id string, active bool) error
	AdvanceWatermark(ctx context.Context, id string, to time.Time) error

	// Execution records. Append-only: a record is inserted as pending,
	// moved to running, and finalized exactly once.
	InsertRecord(ctx context.Context, rec *ExecutionRecord) error
	MarkRunning(ctx context.Context, id string) error
	FinalizeRecord(ctx context.Context, id string, status ExecStatus, summary string) error
	TaskInFlight(ctx context.Context, taskID string) (bool, error)
	ListRecords(ctx context.Context, taskID string, limit int) ([]ExecutionRecord, error)

	// RecoverInFlight fails every record a previous process left pending
	// or running. Called once at startup, before any new dispatch.
	RecoverInFlight(ctx context.Context) (int, error)

	Close() error
}
