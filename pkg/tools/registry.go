package tools

import (
	"fmt"
	"strings"
	"sync"
)

// AgentContext carries the per-invocation configuration a ToolFactory needs
// to construct a Tool instance, e.g. the workspace root a file tool should
// be confined to. The host application extends this as needed; the core
// only depends on WorkDir.
//
//nolint:govet // fieldalignment: logical grouping preferred for readability
type AgentContext struct {
	WorkDir  string
	AgentID  string
	ReadOnly bool
}

// ToolFactory creates a tool instance configured for a specific agent
// context.
type ToolFactory func(ctx *AgentContext) (Tool, error)

// ToolMeta contains metadata about a tool for documentation and discovery.
type ToolMeta struct {
	Name        string
	Description string
	InputSchema InputSchema
}

type toolDescriptor struct {
	meta    ToolMeta
	factory ToolFactory
}

// immutableRegistry is the global, read-only tool registry.
type immutableRegistry struct {
	mu     sync.RWMutex
	sealed bool
	tools  map[string]toolDescriptor
}

//nolint:gochecknoglobals // factory pattern requires a process-wide registry
var globalRegistry = &immutableRegistry{
	tools: make(map[string]toolDescriptor),
}

// Register adds a tool factory to the global registry. Panics if called
// after the registry is sealed.
func Register(name string, factory ToolFactory, meta ToolMeta) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	if globalRegistry.sealed {
		panic(fmt.Sprintf("tool registry sealed - cannot register tool %q", name))
	}

	globalRegistry.tools[name] = toolDescriptor{meta: meta, factory: factory}
}

// Seal prevents further tool registrations. Called automatically when the
// first ToolProvider is created.
func Seal() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.sealed = true
}

// ListTools returns metadata for all registered tools.
func ListTools() []ToolMeta {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	result := make([]ToolMeta, 0, len(globalRegistry.tools))
	for _, desc := range globalRegistry.tools {
		result = append(result, desc.meta)
	}
	return result
}

// ToolProvider creates and caches tool instances for a specific agent
// context, restricted to an allow-list of tool names. The ReAct executor
// (internal/reactexec) uses ToolProvider to filter the tool set down to
// the agent's declared Tools.
type ToolProvider struct {
	ctx      *AgentContext
	tools    map[string]Tool
	allowSet map[string]struct{}
	mu       sync.Mutex
}

// NewProvider creates a new ToolProvider for the given agent context and
// allowed tools. Passing a nil or empty allowedTools allows every
// registered tool.
func NewProvider(ctx *AgentContext, allowedTools []string) *ToolProvider {
	Seal()

	var allowSet map[string]struct{}
	if len(allowedTools) > 0 {
		allowSet = make(map[string]struct{}, len(allowedTools))
		for _, name := range allowedTools {
			allowSet[name] = struct{}{}
		}
	}

	return &ToolProvider{
		ctx:      ctx,
		tools:    make(map[string]Tool),
		allowSet: allowSet,
	}
}

func (p *ToolProvider) allowed(name string) bool {
	if p.allowSet == nil {
		return true
	}
	_, ok := p.allowSet[name]
	return ok
}

// Get retrieves a tool instance, creating it lazily if needed.
func (p *ToolProvider) Get(name string) (Tool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.allowed(name) {
		return nil, fmt.Errorf("tool %q not allowed in this context", name)
	}

	if tool, ok := p.tools[name]; ok {
		return tool, nil
	}

	globalRegistry.mu.RLock()
	desc, exists := globalRegistry.tools[name]
	globalRegistry.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("tool not found: %q", name)
	}

	tool, err := desc.factory(p.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool %q: %w", name, err)
	}

	p.tools[name] = tool
	return tool, nil
}

// List returns metadata for all allowed tools.
func (p *ToolProvider) List() []ToolMeta {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	result := make([]ToolMeta, 0, len(globalRegistry.tools))
	for name, desc := range globalRegistry.tools {
		if p.allowed(name) {
			result = append(result, desc.meta)
		}
	}
	return result
}

// GenerateToolDocumentation renders markdown documentation for this
// provider's allowed tools, used when rendering the ReAct prompt's tool
// catalog.
func (p *ToolProvider) GenerateToolDocumentation() string {
	metas := p.List()
	if len(metas) == 0 {
		return "No tools available."
	}

	var doc strings.Builder
	doc.WriteString("## Available Tools\n\n")
	for _, meta := range metas {
		doc.WriteString(fmt.Sprintf("- **%s** - %s\n", meta.Name, meta.Description))
	}
	return doc.String()
}
