package domain

import "time"

// TriggerKind says what initiated a dispatch.
type TriggerKind string

const (
	TriggerReactive  TriggerKind = "reactive"  // inbound platform message
	TriggerProactive TriggerKind = "proactive" // scheduler occurrence
)

// DispatchRequest is the ephemeral unit of work both trigger sources
// hand to the executor. It is consumed once and never persisted.
type DispatchRequest struct {
	Trigger        TriggerKind
	TaskID         string // set for proactive dispatches
	RecordID       string // pre-inserted pending record, if the trigger source made one
	AgentRef       string
	Prompt         string
	ChannelID      string
	TargetID       string // external identity on the channel
	ConversationID string
}

// ScheduleKind distinguishes recurring expressions from one-shot times.
type ScheduleKind string

const (
	ScheduleCron ScheduleKind = "cron" // five-field recurrence expression
	ScheduleOnce ScheduleKind = "once" // explicit RFC 3339 timestamp
)

// ScheduledTask is a proactive job definition. The delivery target is
// either a binding (a specific person/chat) or a bare external id for
// group targets on the channel.
type ScheduledTask struct {
	ID              string
	OwnerID         string
	Name            string
	Kind            ScheduleKind
	Expression      string
	Prompt          string
	AgentRef        string
	ChannelID       string
	BindingID       string
	TargetID        string
	Active          bool
	LastEvaluatedAt time.Time
	CreatedAt       time.Time
}

// ExecStatus is the lifecycle state of one execution record.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	// ExecSkipped marks a schedule occurrence that was superseded (missed
	// while the process was down, or suppressed by an in-flight dispatch).
	ExecSkipped ExecStatus = "skipped"
)

// ExecutionRecord is one append-only row per dispatch. It is created as
// pending at dispatch start and finalized exactly once at dispatch end.
type ExecutionRecord struct {
	ID         string
	TaskID     string
	Trigger    TriggerKind
	Status     ExecStatus
	Summary    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Final reports whether the record has reached a terminal status.
func (r *ExecutionRecord) Final() bool {
	switch r.Status {
	case ExecCompleted, ExecFailed, ExecSkipped:
		return true
	}
	return false
}
