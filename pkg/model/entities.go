// Package model defines the persisted entities of the control plane: the
// durable nouns every other package operates on (sessions, messages, agents,
// tools, workflows, ...). It carries no behavior beyond small invariant
// helpers — storage lives in pkg/store, orchestration in pkg/engine/pkg/dag.
package model

import "time"

// Permission is a single bit in a User's permission set.
type Permission string

const (
	PermCreateAgents        Permission = "create_agents"
	PermCreateTools         Permission = "create_tools"
	PermCreateTeams         Permission = "create_teams"
	PermCreateWorkflows     Permission = "create_workflows"
	PermCreateKnowledgeBase Permission = "create_knowledge_bases"
	PermManageProviders     Permission = "manage_providers"
	PermManageMCPServers    Permission = "manage_mcp_servers"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type User struct {
	ID              string
	CredentialsHash string
	Role            Role
	Permissions     map[Permission]bool
	CreatedAt       time.Time
}

func (u *User) Has(p Permission) bool {
	if u == nil {
		return false
	}
	return u.Permissions[p]
}

// ProviderType enumerates supported LLM wire protocols.
type ProviderType string

const (
	ProviderOpenAI     ProviderType = "openai"
	ProviderAnthropic  ProviderType = "anthropic"
	ProviderGoogle     ProviderType = "google"
	ProviderOllama     ProviderType = "ollama"
	ProviderOpenRouter ProviderType = "openrouter"
	ProviderCustom     ProviderType = "custom"
)

type ProviderConfig struct {
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	Stop        []string
}

type Provider struct {
	ID             string
	Owner          string
	Type           ProviderType
	BaseURL        string
	APIKeyEnc      string // encrypted at rest; encryption is an external collaborator
	DefaultModelID string
	Config         ProviderConfig
	CreatedAt      time.Time
}

type Agent struct {
	ID                 string
	Owner              string
	SystemPrompt       string
	ProviderID         string
	ModelID            string // overrides Provider.DefaultModelID when set
	ToolIDs            []string
	MCPServerIDs       []string
	KnowledgeBaseIDs   []string
	HITLToolNames      []string
	AllowToolCreation  bool
	Config             map[string]any
	CreatedAt          time.Time
}

// RequiresApproval reports whether name is in this agent's HITL list.
func (a *Agent) RequiresApproval(name string) bool {
	for _, n := range a.HITLToolNames {
		if n == name {
			return true
		}
	}
	return false
}

type TeamMode string

const (
	TeamCoordinate  TeamMode = "coordinate"
	TeamRoute       TeamMode = "route"
	TeamCollaborate TeamMode = "collaborate"
)

type Team struct {
	ID        string
	Owner     string
	Mode      TeamMode
	AgentIDs  []string
	CreatedAt time.Time
}

type ToolHandlerType string

const (
	HandlerPython ToolHandlerType = "python"
	HandlerHTTP   ToolHandlerType = "http"
)

type ToolHandlerConfig struct {
	// Python handler
	Code string
	// HTTP handler
	URL     string
	Method  string
	Headers map[string]string
}

type Tool struct {
	ID                  string
	Owner               string
	Name                string
	Parameters          map[string]any // JSON Schema
	HandlerType         ToolHandlerType
	Handler             ToolHandlerConfig
	RequiresConfirm     bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Gated reports whether this tool is a gated tool per invariant 3: gating is
// requires_confirmation OR membership in the caller-supplied HITL list.
func (t *Tool) Gated(hitl []string) bool {
	if t.RequiresConfirm {
		return true
	}
	for _, n := range hitl {
		if n == t.Name {
			return true
		}
	}
	return false
}

type MCPTransport string

const (
	MCPTransportStdio MCPTransport = "stdio"
	MCPTransportSSE   MCPTransport = "sse"
)

type MCPServer struct {
	ID        string
	Owner     string
	Transport MCPTransport
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string
	CreatedAt time.Time
}

type EntityType string

const (
	EntityAgent EntityType = "agent"
	EntityTeam  EntityType = "team"
)

type Session struct {
	ID              string
	Owner           string
	EntityType      EntityType
	EntityID        string
	Title           string
	TotalInputTok   int64
	TotalOutputTok  int64
	MemoryProcessed bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastMessageAt   time.Time
}

type MessageRole string

const (
	RoleSystemMsg    MessageRole = "system"
	RoleUserMsg      MessageRole = "user"
	RoleAssistantMsg MessageRole = "assistant"
	RoleToolMsg      MessageRole = "tool"
)

// ContentPart is one piece of (possibly multimodal) message content.
type ContentPart struct {
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type MessageMetadata struct {
	Model       string
	Provider    string
	LatencyMS   int64
	InputTokens int
	OutputTokens int
	Error       string
}

type Message struct {
	ID         string
	SessionID  string
	Sequence   int64
	Role       MessageRole
	Content    string
	Parts      []ContentPart
	ToolCalls  []ToolCallRecord
	Reasoning  string
	Metadata   MessageMetadata
	AttachmentIDs []string
	Rating     *int
	CreatedAt  time.Time
}

type ToolCallRecord struct {
	ID        string
	Name      string
	Arguments map[string]any
	Result    string
}

type AttachmentClass string

const (
	AttachmentImage    AttachmentClass = "image"
	AttachmentDocument AttachmentClass = "document"
)

type Attachment struct {
	ID             string
	SessionID      string
	Owner          string
	Filename       string
	MediaType      string
	Classification AttachmentClass
	StorageHandle  string
	CreatedAt      time.Time
}

type KnowledgeBase struct {
	ID        string
	Owner     string
	Name      string
	Shared    bool
	CreatedAt time.Time
}

type KBDocType string

const (
	KBDocText KBDocType = "text"
	KBDocFile KBDocType = "file"
)

type KBDocument struct {
	ID       string
	KBID     string
	Type     KBDocType
	Indexed  bool
	Content  string
	FileHandle string
	CreatedAt time.Time
}

type MemoryCategory string

const (
	MemoryPreference MemoryCategory = "preference"
	MemoryContext    MemoryCategory = "context"
	MemoryDecision   MemoryCategory = "decision"
	MemoryCorrection MemoryCategory = "correction"
)

// AgentMemory is uniquely keyed by (Agent, User, Key); see invariant 6.
type AgentMemory struct {
	AgentID       string
	UserID        string
	Key           string
	Value         string
	Category      MemoryCategory
	Confidence    float64
	SourceSession string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

type HITLApproval struct {
	ID         string
	SessionID  string
	ToolCallID string
	ToolName   string
	Arguments  map[string]any
	Status     ApprovalStatus
	CreatedAt  time.Time
	ResolvedAt time.Time
}

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

type ToolProposal struct {
	ID            string
	SessionID     string
	ToolCallID    string
	Name          string
	HandlerType   ToolHandlerType
	Parameters    map[string]any
	HandlerConfig ToolHandlerConfig
	Status        ProposalStatus
	ResultToolID  string
	CreatedAt     time.Time
	ResolvedAt    time.Time
}

type SpanType string

const (
	SpanLLMCall      SpanType = "llm_call"
	SpanToolCall     SpanType = "tool_call"
	SpanMCPCall      SpanType = "mcp_call"
	SpanWorkflowStep SpanType = "workflow_step"
)

type SpanStatus string

const (
	SpanOK    SpanStatus = "ok"
	SpanError SpanStatus = "error"
)

type TraceSpan struct {
	ID              string
	SessionID       string
	WorkflowRunID   string
	MessageID       string
	Type            SpanType
	Name            string
	Model           string
	Provider        string
	InputTokens     int
	OutputTokens    int
	DurationMS      int64
	Status          SpanStatus
	InputPreview    string
	OutputPreview   string
	Sequence        int
	RoundNumber     int
	CreatedAt       time.Time
}

type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeEnd       NodeType = "end"
	NodeCondition NodeType = "condition"
	NodeAgent     NodeType = "agent"
)

type ConditionConfig struct {
	Branches         []string
	ConditionPrompt  string
}

type WorkflowStep struct {
	ID            string // stable id; empty => sequential mode
	Order         int
	Task          string
	AgentID       string
	NodeType      NodeType
	DependsOn     []string
	InputBranch   string
	Condition     *ConditionConfig
}

type Workflow struct {
	ID        string
	Owner     string
	Steps     []WorkflowStep
	CreatedAt time.Time
}

// IsDAG reports whether the workflow uses stable step ids (DAG mode) rather
// than linear `order` (sequential mode).
func (w *Workflow) IsDAG() bool {
	for _, s := range w.Steps {
		if s.ID != "" {
			return true
		}
	}
	return false
}

type WorkflowRunStatus string

const (
	RunRunning   WorkflowRunStatus = "running"
	RunCompleted WorkflowRunStatus = "completed"
	RunFailed    WorkflowRunStatus = "failed"
	RunCancelled WorkflowRunStatus = "cancelled"
)

type StepResult struct {
	StepID  string
	Status  string // pending|running|completed|failed|skipped
	Output  string
	Error   string
}

type WorkflowRun struct {
	ID          string
	WorkflowID  string
	Owner       string
	SessionID   string
	Status      WorkflowRunStatus
	Steps       []StepResult
	Input       string
	FinalOutput string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type WorkflowSchedule struct {
	ID         string
	WorkflowID string
	Owner      string
	CronExpr   string
	Input      string
	LastRunAt  time.Time
	NextRunAt  time.Time
	CreatedAt  time.Time
}
