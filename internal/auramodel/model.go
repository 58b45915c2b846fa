// Package auramodel defines the Story orchestration engine's data model:
// Story, Step, Agent, GateResult, and the ReAct trace, plus the fixed
// capability vocabulary. These are plain structs; persistence mapping
// lives in internal/storydb and state transitions in
// internal/storymachine / internal/steprunner, keeping row shape
// separate from behavior.
package auramodel

import (
	"time"

	"github.com/google/uuid"

	"aura/pkg/proto"
)

// Capability is a fixed-vocabulary tag on Agents and Steps.
type Capability string

const (
	CapabilityAnalysis      Capability = "analysis"
	CapabilityPlanning      Capability = "planning"
	CapabilityCoding        Capability = "coding"
	CapabilityTesting       Capability = "testing"
	CapabilityReview        Capability = "review"
	CapabilityDocumentation Capability = "documentation"
	CapabilityChat          Capability = "chat"
	CapabilityFixing        Capability = "fixing"
)

// IsIngestCapability reports whether c is one of the open-ended
// "ingest:*" capabilities.
func IsIngestCapability(c Capability) bool {
	return len(c) > len("ingest:") && string(c)[:len("ingest:")] == "ingest:"
}

// KnownVocabulary lists the fixed, non-ingest capability vocabulary used to
// validate Plan output.
var KnownVocabulary = map[Capability]bool{
	CapabilityAnalysis:      true,
	CapabilityPlanning:      true,
	CapabilityCoding:        true,
	CapabilityTesting:       true,
	CapabilityReview:        true,
	CapabilityDocumentation: true,
	CapabilityChat:          true,
	CapabilityFixing:        true,
}

// ValidCapability reports whether c is in the fixed vocabulary or is an
// "ingest:*" capability.
func ValidCapability(c Capability) bool {
	return KnownVocabulary[c] || IsIngestCapability(c)
}

// IssueLink references an externally tracked issue a Story was created
// from or is kept in sync with.
type IssueLink struct {
	Provider string `json:"provider"`
	Owner    string `json:"owner"`
	Repo     string `json:"repo"`
	Number   int    `json:"number"`
	URL      string `json:"url"`
}

// ChatTurn is one entry of a Story's or Step's chat history.
type ChatTurn struct {
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
}

// Story is one development task.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type Story struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	IssueLink       *IssueLink      `json:"issueLink,omitempty"`
	RepositoryPath  string          `json:"repositoryPath"`
	WorktreePath    string          `json:"worktreePath,omitempty"`
	Branch          string          `json:"branch,omitempty"`
	AutomationMode  proto.AutomationMode `json:"automationMode"`
	DispatchTarget  proto.DispatchTarget `json:"dispatchTarget"`
	Status          proto.State     `json:"status"`
	AnalyzedContext string          `json:"analyzedContext,omitempty"`
	Plan            string          `json:"plan,omitempty"`
	CurrentWave     int             `json:"currentWave"`
	MaxParallelism  int             `json:"maxParallelism"`
	GateMode        proto.GateMode  `json:"gateMode"`
	LastGateResult  *GateResult     `json:"lastGateResult,omitempty"`
	ChatHistory     []ChatTurn      `json:"chatHistory,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	PullRequestURL  string          `json:"pullRequestUrl,omitempty"`

	// TokensUsed/CostUSD are a running rollup across every LLM call this
	// Story's Steps have made.
	TokensUsed int64   `json:"tokensUsed"`
	CostUSD    float64 `json:"costUsd"`
}

// DefaultMaxParallelism is the Story.MaxParallelism default.
const DefaultMaxParallelism = 4

// NewStory constructs a Story in its initial Created status with defaults
// applied.
func NewStory(title, description string) *Story {
	now := time.Now().UTC()
	return &Story{
		ID:             uuid.New().String(),
		Title:          title,
		Description:    description,
		Status:         proto.StoryCreated,
		AutomationMode: proto.ModeAssisted,
		DispatchTarget: proto.DispatchInternal,
		MaxParallelism: DefaultMaxParallelism,
		GateMode:       proto.GateModeAutoProceed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsTerminal reports whether the Story is in a terminal status.
func (s *Story) IsTerminal() bool {
	return s.Status == proto.StoryCompleted || s.Status == proto.StoryCancelled
}

// IsRunnable reports whether the Story is in a status the Step Runner may
// execute Steps against.
func (s *Story) IsRunnable() bool {
	switch s.Status {
	case proto.StoryRunning, proto.StoryPlanned:
		return true
	default:
		return false
	}
}

// Step is one atomic unit of work inside a Story.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type Step struct {
	ID               string               `json:"id"`
	StoryID          string               `json:"storyId"`
	Order            int                  `json:"order"`
	Wave             int                  `json:"wave"`
	Name             string               `json:"name"`
	Capability       Capability           `json:"capability"`
	Language         string               `json:"language,omitempty"`
	Description      string               `json:"description"`
	Input            string               `json:"input,omitempty"`
	Output           string               `json:"output,omitempty"`
	Error            string               `json:"error,omitempty"`
	Status           proto.State          `json:"status"`
	AssignedAgentID  string               `json:"assignedAgentId,omitempty"`
	Attempts         int                  `json:"attempts"`
	Approval         proto.ApprovalStatus `json:"approval"`
	ApprovalFeedback string               `json:"approvalFeedback,omitempty"`
	SkipReason       string               `json:"skipReason,omitempty"`
	NeedsRework      bool                 `json:"needsRework"`
	PreviousOutput   string               `json:"previousOutput,omitempty"`
	ChatHistory      []ChatTurn           `json:"chatHistory,omitempty"`
	StartedAt        *time.Time           `json:"startedAt,omitempty"`
	CompletedAt      *time.Time           `json:"completedAt,omitempty"`
	DurationMS       int64                `json:"durationMs,omitempty"`

	// DependsOn records the ids of Steps this Step's output referenced,
	// per the optional dependency DAG an enriched Decompose may produce.
	// Nil means no explicit DAG is available and the Scheduler falls back
	// to "every later-wave Step".
	DependsOn []string `json:"dependsOn,omitempty"`
}

// NewStep constructs a Step in Pending status.
func NewStep(storyID, name string, capability Capability, order int) *Step {
	return &Step{
		ID:         uuid.New().String(),
		StoryID:    storyID,
		Order:      order,
		Name:       name,
		Capability: capability,
		Status:     proto.StepPending,
	}
}

// IsTerminal reports whether the Step is in a terminal status.
func (s *Step) IsTerminal() bool {
	switch s.Status {
	case proto.StepCompleted, proto.StepFailed, proto.StepCancelled, proto.StepSkipped:
		return true
	default:
		return false
	}
}

// Agent is a descriptor for a capability-providing executor.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type Agent struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Description       string       `json:"description"`
	Capabilities      []Capability `json:"capabilities"`
	Priority          int          `json:"priority"`
	Languages         []string     `json:"languages,omitempty"`
	Provider          string       `json:"provider"`
	Model             string       `json:"model"`
	Temperature       float32      `json:"temperature"`
	Tools             []string     `json:"tools,omitempty"`
	Tags              []string     `json:"tags,omitempty"`
	SystemPromptText  string       `json:"systemPrompt"`
}

// DefaultPriority is the Agent.Priority default.
const DefaultPriority = 50

// HasCapability reports whether the agent declares c.
func (a *Agent) HasCapability(c Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// IsPolyglot reports whether the agent's Languages set is empty.
func (a *Agent) IsPolyglot() bool {
	return len(a.Languages) == 0
}

// MatchesLanguage reports whether the agent matches languageHint, per the
// routing rule GetByCapability applies: polyglot agents match any hint,
// otherwise the hint must be a member of Languages. An empty hint always
// matches.
func (a *Agent) MatchesLanguage(languageHint string) bool {
	if languageHint == "" || a.IsPolyglot() {
		return true
	}
	for _, lang := range a.Languages {
		if lang == languageHint {
			return true
		}
	}
	return false
}

// UsesTools reports whether this agent's capability set requires the
// ReAct executor rather than a direct LLM call. By
// convention, any agent that declares Tools (even an empty explicit list
// is still tool-using if Capabilities include "coding"/"testing"/"fixing")
// uses the ReAct loop; pure analysis/planning/chat/review/documentation
// agents are dispatched directly.
func (a *Agent) UsesTools() bool {
	for _, c := range a.Capabilities {
		switch c {
		case CapabilityCoding, CapabilityTesting, CapabilityFixing:
			return true
		}
	}
	return len(a.Tools) > 0
}

// GateResult is the summary of an inter-wave validation.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type GateResult struct {
	Passed       bool          `json:"passed"`
	GateType     proto.GateType `json:"gateType"`
	Wave         int           `json:"wave"`
	BuildOutput  string        `json:"buildOutput,omitempty"`
	TestOutput   string        `json:"testOutput,omitempty"`
	TestsPassed  int           `json:"testsPassed"`
	TestsFailed  int           `json:"testsFailed"`
	WasCancelled bool          `json:"wasCancelled"`
	Error        string        `json:"error,omitempty"`
}

// ReactStep is one {thought, action, actionInput, observation} record in a
// ReAct trace.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type ReactStep struct {
	StepNumber   int            `json:"stepNumber"`
	Thought      string         `json:"thought"`
	Action       string         `json:"action"`
	ActionInput  map[string]any `json:"actionInput,omitempty"`
	Observation  string         `json:"observation"`
	DurationMS   int64          `json:"durationMs"`
}

// ReactTrace is the per-Step execution record produced by the ReAct
// executor.
//
//nolint:govet // fieldalignment: logical grouping preferred over byte savings
type ReactTrace struct {
	Steps       []ReactStep `json:"steps"`
	TotalTokens *int64      `json:"totalTokens"`
	DurationMS  int64       `json:"durationMs"`
	Success     bool        `json:"success"`
	FinalAnswer string      `json:"finalAnswer,omitempty"`
	Error       string      `json:"error,omitempty"`
}
