// Package models holds the canonical, storage- and wire-neutral types
// shared by the orchestrator, provider adapters, tool executor, and
// session store: the Canonical Message Model.
package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a Conversation: a role plus an ordered sequence
// of typed content blocks. Invariants (enforced by callers that build
// messages, not by this type itself): a ToolUseBlock only appears under
// RoleAssistant; a ToolResultBlock only appears under RoleTool or RoleUser;
// Content is never empty for a message that is persisted.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   Blocks    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// HasToolUse reports whether this message carries any ToolUseBlock.
func (m *Message) HasToolUse() bool {
	if m == nil {
		return false
	}
	return m.Content.HasToolUse()
}

// ToolUseIDs returns the ids of every ToolUseBlock in this message, in order.
func (m *Message) ToolUseIDs() []string {
	if m == nil {
		return nil
	}
	return m.Content.ToolUseIDs()
}

// ToolResultIDs returns the tool_use_id of every ToolResultBlock in this
// message, in order.
func (m *Message) ToolResultIDs() []string {
	if m == nil {
		return nil
	}
	return m.Content.ToolResultIDs()
}

// CollectText concatenates every TextBlock's text in this message.
func (m *Message) CollectText() string {
	if m == nil {
		return ""
	}
	return m.Content.CollectText()
}

// Conversation is an ordered list of Messages for one session. Invariant P1
// (pairing): every ToolUseBlock{id} in an Assistant message is followed,
// before the next Assistant message, by a ToolResultBlock{tool_use_id=id}.
type Conversation struct {
	SessionID string     `json:"session_id"`
	Messages  []*Message `json:"messages"`
}

// Append adds a message to the conversation.
func (c *Conversation) Append(msg *Message) {
	c.Messages = append(c.Messages, msg)
}

// WorkMode is the Orchestrator's current operating mode for a session.
type WorkMode string

const (
	WorkModeBuild WorkMode = "build"
	WorkModePlan  WorkMode = "plan"
)

// AgentState is a session's current position in the turn lifecycle.
type AgentState string

const (
	AgentStateIdle             AgentState = "idle"
	AgentStateStreaming        AgentState = "streaming"
	AgentStateToolExecuting    AgentState = "tool_executing"
	AgentStateAwaitingApproval AgentState = "awaiting_approval"
)

// Session is a conversation thread: its identity, working directory,
// current mode, and lifecycle state. Session is shared-readable; writes go
// through the session store under the session's exclusive lock.
type Session struct {
	ID              string     `json:"id"`
	Title           string     `json:"title,omitempty"`
	WorkingDir      string     `json:"working_dir,omitempty"`
	WorkMode        WorkMode   `json:"work_mode"`
	AgentState      AgentState `json:"agent_state"`
	TurnCounter     int        `json:"turn_counter"`
	ParentSessionID string     `json:"parent_session_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TaskStatus is the lifecycle state of a plan Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
)

// Task is one unit of work within a plan Phase.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	BlockedBy   []string   `json:"blocked_by,omitempty"`
	Children    []*Task    `json:"children,omitempty"`
	Result      string     `json:"result,omitempty"`
}

// Phase is an ordered list of Tasks within a Plan.
type Phase struct {
	Name  string  `json:"name"`
	Tasks []*Task `json:"tasks"`
}

// Plan is the single plan attached to a session. One plan per session;
// plan deletion cascades with the session.
type Plan struct {
	SessionID string   `json:"session_id"`
	Title     string   `json:"title"`
	Phases    []*Phase `json:"phases"`
}

// FindTask locates a task anywhere in the plan's phase/children tree by id.
func (p *Plan) FindTask(taskID string) *Task {
	if p == nil {
		return nil
	}
	for _, phase := range p.Phases {
		if t := findTaskIn(phase.Tasks, taskID); t != nil {
			return t
		}
	}
	return nil
}

func findTaskIn(tasks []*Task, id string) *Task {
	for _, t := range tasks {
		if t.ID == id {
			return t
		}
		if child := findTaskIn(t.Children, id); child != nil {
			return child
		}
	}
	return nil
}

// PinchContext is a structured handoff record seeding a child session with
// a summary of a parent session's work. It is a persistence-only value:
// the orchestrator may construct one when closing a session over budget,
// but creating the successor session is an external-collaborator concern.
type PinchContext struct {
	SourceSessionID   string            `json:"source_session_id"`
	SourceTitle       string            `json:"source_session_title"`
	WorkSummary       string            `json:"work_summary"`
	KeyDecisions      []string          `json:"key_decisions,omitempty"`
	PendingTasks      []string          `json:"pending_tasks,omitempty"`
	RankedFiles       []RankedFileInfo  `json:"ranked_files,omitempty"`
	PreservationHints string            `json:"preservation_hints,omitempty"`
	Direction         string            `json:"direction,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	ProjectContext    string            `json:"project_context,omitempty"`
	KeyFileContents   map[string]string `json:"key_file_contents,omitempty"`
	ActivePlan        string            `json:"active_plan,omitempty"`
}

// RankedFileInfo is one file ranked by relevance in a PinchContext.
type RankedFileInfo struct {
	Path    string   `json:"path"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}
