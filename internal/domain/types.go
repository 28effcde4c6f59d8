// Package domain defines the core types for the Concilium gateway.
package domain

import "time"

// Phase represents the stages of the reasoning pipeline.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseUnpacking    Phase = "unpacking"
	PhaseAnalyzing    Phase = "analyzing"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseCompleted    Phase = "completed"
	PhaseError        Phase = "error"
)

// SessionStatus represents the overall status of a session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderOpenAI Provider = "openai"
	ProviderMock   Provider = "mock"

	// ProviderAuto selects the first configured backend in priority order.
	ProviderAuto Provider = "auto"
)

// AgentRole classifies the agents in the pipeline.
type AgentRole string

const (
	RoleUnpacker     AgentRole = "unpacker"
	RoleDomainExpert AgentRole = "domain-expert"
	RoleCritic       AgentRole = "critic"
	RoleSynthesizer  AgentRole = "synthesizer"
)

// Session holds the state of one submitted problem.
type Session struct {
	ID            string        `json:"id"`
	Problem       string        `json:"problem"`
	Domains       []string      `json:"domains"`
	Selector      Provider      `json:"selector"`
	Provider      Provider      `json:"provider"`
	Model         string        `json:"model"`
	Phase         Phase         `json:"phase"`
	Status        SessionStatus `json:"status"`
	BudgetCapUSD  float64       `json:"budget_cap_usd"`
	CreatedAtUnix int64         `json:"created_at_unix"`
	UpdatedAtUnix int64         `json:"updated_at_unix"`
}

// AgentTask is one planned agent call within a phase.
// Tasks are created per phase and consumed once.
type AgentTask struct {
	AgentID string
	Role    AgentRole
	Prompt  string
}

// AgentResult is the immutable outcome of one agent call.
type AgentResult struct {
	AgentID string    `json:"agent_id"`
	Role    AgentRole `json:"role"`
	Content string    `json:"content"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// Completion is a successful provider response.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// RateSample is one recorded admission within a rate window.
type RateSample struct {
	Key    string
	Tokens int64
	AtMs   int64
}

// WindowUsage summarizes consumption inside the trailing window.
type WindowUsage struct {
	Requests int
	Tokens   int64
}

// DecisionKind classifies an admission decision.
type DecisionKind string

const (
	DecisionGo     DecisionKind = "go"
	DecisionWait   DecisionKind = "wait"
	DecisionReject DecisionKind = "reject"
)

// Decision is the result of an admission check.
type Decision struct {
	Kind       DecisionKind
	RetryAfter time.Duration
}

// LedgerEntry records one attempted paid provider call.
// Entries are append-only; EstimatedUSD is fixed at open time and only the
// actual fields are filled in when the entry is closed.
type LedgerEntry struct {
	ID           int64    `json:"id"`
	SessionID    string   `json:"session_id,omitempty"`
	Provider     Provider `json:"provider"`
	Model        string   `json:"model"`
	EstimatedUSD float64  `json:"estimated_usd"`
	ActualUSD    float64  `json:"actual_usd"`
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
	Success      bool     `json:"success"`
	Closed       bool     `json:"closed"`
	OpenedAtUnix int64    `json:"opened_at_unix"`
	ClosedAtUnix int64    `json:"closed_at_unix,omitempty"`
}

// LedgerTotals aggregates closed ledger entries.
type LedgerTotals struct {
	ActualUSD    float64 `json:"actual_usd"`
	EstimatedUSD float64 `json:"estimated_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Entries      int     `json:"entries"`
	Failures     int     `json:"failures"`
}

// CostAction is the decision from the spend governor.
type CostAction string

const (
	CostContinue CostAction = "continue"
	CostWarn     CostAction = "warn"
	CostHalt     CostAction = "halt"
)

// SessionEvent is one message on a session's event stream.
// The wire shape follows the streaming protocol consumed by UI collaborators:
// phase_change, agent_response, complete, and error messages.
type SessionEvent struct {
	SeqNo         int64     `json:"seq_no"`
	SessionID     string    `json:"session_id"`
	Type          string    `json:"type"`
	Phase         Phase     `json:"phase,omitempty"`
	AgentName     string    `json:"agent_name,omitempty"`
	AgentType     AgentRole `json:"agent_type,omitempty"`
	Content       string    `json:"content,omitempty"`
	Success       bool      `json:"success,omitempty"`
	Message       string    `json:"message,omitempty"`
	CreatedAtUnix int64     `json:"created_at_unix"`
}

// Event type constants for SessionEvent.Type.
const (
	EventPhaseChange   = "phase_change"
	EventAgentResponse = "agent_response"
	EventComplete      = "complete"
	EventError         = "error"
)
