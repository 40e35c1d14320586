// Package ident defines the strong identifier types shared across
// dreamwalker so workflow, agent, subtask, and tool-call identities are
// never accidentally mixed in maps or function signatures.
package ident

import "github.com/google/uuid"

type (
	// WorkflowID identifies a single orchestration run end to end.
	WorkflowID string

	// AgentID identifies one agent invocation within a workflow.
	AgentID string

	// SubTaskID identifies one unit of decomposed work.
	SubTaskID string

	// ToolCallID identifies a single tool registry invocation.
	ToolCallID string
)

// NewWorkflowID generates a fresh random workflow identifier.
func NewWorkflowID() WorkflowID { return WorkflowID(uuid.NewString()) }

// NewAgentID generates a fresh random agent identifier.
func NewAgentID() AgentID { return AgentID(uuid.NewString()) }

// NewSubTaskID generates a fresh random subtask identifier.
func NewSubTaskID() SubTaskID { return SubTaskID(uuid.NewString()) }

// NewToolCallID generates a fresh random tool-call identifier.
func NewToolCallID() ToolCallID { return ToolCallID(uuid.NewString()) }

func (id WorkflowID) String() string { return string(id) }
func (id AgentID) String() string    { return string(id) }
func (id SubTaskID) String() string  { return string(id) }
func (id ToolCallID) String() string { return string(id) }
