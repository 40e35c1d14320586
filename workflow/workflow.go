// Package workflow defines the data model shared by every orchestrator,
// the workflow supervisor, and the state store: task status transitions,
// subtasks, agent and synthesis results, and the per-workflow record that
// tracks a run from submission to a terminal state.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/lukeslp/dreamwalker/ident"
)

// TaskStatus is the lifecycle state of a workflow or an individual subtask.
// Transitions allowed: pending -> running|cancelled; running ->
// completed|failed|cancelled. Terminal states are absorbing.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether s is an absorbing state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is legal under the
// state machine in §3. Self-transitions are never legal; terminal states
// accept no further transition.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	default:
		return false
	}
}

// AgentType enumerates the roles a subtask or agent invocation can carry.
// worker/synthesiser/executive serve the hierarchical (Beltalowda)
// specialisation; the remainder serve the typed-swarm specialisation.
type AgentType string

const (
	AgentWorker      AgentType = "worker"
	AgentSynthesiser AgentType = "synthesiser"
	AgentExecutive   AgentType = "executive"

	AgentText      AgentType = "text"
	AgentImage     AgentType = "image"
	AgentVideo     AgentType = "video"
	AgentNews      AgentType = "news"
	AgentAcademic  AgentType = "academic"
	AgentSocial    AgentType = "social"
	AgentProduct   AgentType = "product"
	AgentTechnical AgentType = "technical"
	AgentGeneral   AgentType = "general"
)

// SubTask is one unit of decomposed work handed to a single agent
// invocation. Prerequisites form a DAG; the supplied orchestrators never
// populate it (all subtasks are independent), but the field exists so a
// future orchestrator can express ordering constraints.
type SubTask struct {
	ID             ident.SubTaskID
	Description    string
	TargetType     AgentType
	Specialisation string
	Priority       int
	Prerequisites  []ident.SubTaskID
}

// AgentResult is the terminal outcome of executing a single SubTask.
// Invariant: if Status is StatusFailed, Content may be empty but Error must
// be non-nil.
type AgentResult struct {
	ID          ident.AgentID
	AgentType   AgentType
	SubTaskID   ident.SubTaskID
	Content     string
	Status      TaskStatus
	Duration    time.Duration
	Cost        float64
	Error       error
	Citations   []string
}

// Valid reports whether r satisfies the failed-requires-error invariant.
func (r AgentResult) Valid() bool {
	if !r.Status.Terminal() {
		return false
	}
	if r.Status == StatusFailed && r.Error == nil {
		return false
	}
	return true
}

// SynthesisLevel distinguishes the mid-tier group synthesis from the single
// executive synthesis in the hierarchical specialisation.
type SynthesisLevel string

const (
	SynthesisMid       SynthesisLevel = "mid"
	SynthesisExecutive SynthesisLevel = "executive"
)

// SynthesisResult is the output of combining a set of AgentResults.
type SynthesisResult struct {
	ID               ident.AgentID
	Level            SynthesisLevel
	Content          string
	ContributingIDs  []ident.AgentID
	Duration         time.Duration
	Cost             float64
}

// DocumentDescriptor describes an artifact produced by the out-of-core
// document renderer plugin.
type DocumentDescriptor struct {
	Name        string
	ContentType string
	URI         string
	SizeBytes   int64
}

// OrchestratorResult is the full terminal output of one workflow run.
type OrchestratorResult struct {
	WorkflowID    ident.WorkflowID
	Title         string
	Status        TaskStatus
	AgentResults  []AgentResult
	Syntheses     []SynthesisResult
	FinalText     string
	TotalDuration time.Duration
	TotalCost     float64
	Documents     []DocumentDescriptor
	Error         error
}

// Timestamps groups the three instants tracked on a WorkflowRecord.
type Timestamps struct {
	Created   time.Time
	Started   time.Time
	Completed time.Time
}

// Record is the durable-enough lifecycle record for a single workflow run.
// It is exclusively owned by the workflow supervisor until it reaches a
// terminal state, after which ownership passes to the state store.
type Record struct {
	WorkflowID ident.WorkflowID
	Pattern    string
	Task       string
	Status     TaskStatus
	Timestamps Timestamps
	Config     json.RawMessage
	Error      error
}

// StreamEventType enumerates the lifecycle events an orchestrator emits.
type StreamEventType string

const (
	EventWorkflowStarted    StreamEventType = "workflow_started"
	EventTaskDecomposed     StreamEventType = "task_decomposed"
	EventAgentStarted       StreamEventType = "agent_started"
	EventAgentProgress      StreamEventType = "agent_progress"
	EventAgentCompleted     StreamEventType = "agent_completed"
	EventSynthesisStarted   StreamEventType = "synthesis_started"
	EventSynthesisComplete  StreamEventType = "synthesis_completed"
	EventDocumentsGenerated StreamEventType = "documents_generated"
	EventWorkflowCompleted  StreamEventType = "workflow_completed"
	EventWorkflowFailed     StreamEventType = "workflow_failed"
	EventWorkflowCancelled  StreamEventType = "workflow_cancelled"
	EventShuttingDown       StreamEventType = "shutting_down"
)

// StreamEvent is one entry in a workflow's ordered event log. Sequence
// numbers are dense starting at 0 within a single workflow; there is no
// ordering guarantee across workflows.
type StreamEvent struct {
	WorkflowID ident.WorkflowID
	Seq        uint64
	Type       StreamEventType
	Timestamp  time.Time
	Payload    json.RawMessage
}

// WebhookRegistration binds a workflow to a delivery URL, owned exclusively
// by the webhook dispatcher.
type WebhookRegistration struct {
	WorkflowID    ident.WorkflowID
	URL           string
	Secret        string
	Delivered     int
	Failed        int
}
