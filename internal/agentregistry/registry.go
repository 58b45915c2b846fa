// Package agentregistry implements the Agent Registry: a copy-on-write
// map from agent id to definition, with priority/language routing and
// hot reload. It is a per-host instance rather than a process-wide
// sealed singleton, so a host can reload its agent set without
// restarting.
package agentregistry

import (
	"fmt"
	"sort"
	"sync/atomic"

	"aura/internal/auramodel"
	"aura/pkg/logx"
)

// ChangeEvent describes the outcome of a Reload.
type ChangeEvent struct {
	Added   []string
	Removed []string
	Updated []string
}

// Listener receives ChangeEvent notifications published by Reload.
type Listener func(ChangeEvent)

// snapshot is the immutable state swapped atomically on Reload. In-flight
// executions that captured a *snapshot before a Reload keep seeing it
// even after the registry's pointer moves on.
type snapshot struct {
	byID map[string]*auramodel.Agent
}

// Registry is the Agent Registry.
type Registry struct {
	loader    Loader
	logger    *logx.Logger
	current   atomic.Pointer[snapshot]
	listeners []Listener
}

// Loader re-scans an agent definition source and returns every agent
// found. internal/agentregistry/markdown.go provides the concrete
// Markdown-file Loader.
type Loader interface {
	Load() ([]*auramodel.Agent, error)
}

// New creates a Registry backed by loader, performing an initial Load.
// A load failure at construction time is fatal: an empty registry would
// fail every operation it touches, so callers should treat a non-nil
// error here as un-recoverable.
func New(loader Loader, logger *logx.Logger) (*Registry, error) {
	r := &Registry{loader: loader, logger: logger}
	agents, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("initial agent load: %w", err)
	}
	r.current.Store(buildSnapshot(agents))
	return r, nil
}

func buildSnapshot(agents []*auramodel.Agent) *snapshot {
	byID := make(map[string]*auramodel.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	return &snapshot{byID: byID}
}

// OnChange registers a listener invoked after every successful Reload.
func (r *Registry) OnChange(l Listener) {
	r.listeners = append(r.listeners, l)
}

// ListAll returns every agent ordered by Priority ascending.
func (r *Registry) ListAll() []*auramodel.Agent {
	snap := r.current.Load()
	out := make([]*auramodel.Agent, 0, len(snap.byID))
	for _, a := range snap.byID {
		out = append(out, a)
	}
	sortByPriorityThenID(out)
	return out
}

// Get returns the one agent with the given id, or (nil, false).
func (r *Registry) Get(agentID string) (*auramodel.Agent, bool) {
	snap := r.current.Load()
	a, ok := snap.byID[agentID]
	return a, ok
}

// GetByCapability returns agents whose Capabilities contain capability and
// whose Languages match languageHint (empty hint matches any agent, a
// polyglot agent matches any hint), sorted by Priority ascending with a
// stable id tiebreak.
func (r *Registry) GetByCapability(capability auramodel.Capability, languageHint string) []*auramodel.Agent {
	snap := r.current.Load()
	var matches []*auramodel.Agent
	for _, a := range snap.byID {
		if !a.HasCapability(capability) {
			continue
		}
		if !a.MatchesLanguage(languageHint) {
			continue
		}
		matches = append(matches, a)
	}
	sortByPriorityThenID(matches)
	return matches
}

// GetBestForCapability returns the first (highest-priority) match from
// GetByCapability, or (nil, false) if none.
func (r *Registry) GetBestForCapability(capability auramodel.Capability, languageHint string) (*auramodel.Agent, bool) {
	matches := r.GetByCapability(capability, languageHint)
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}

// Reload re-scans the definition source and atomically swaps in the new
// snapshot, publishing a ChangeEvent of what changed. A loader
// error for one source file does not evict the others — that guarantee
// belongs to the Loader implementation (see markdown.go), which skips
// unparseable files rather than failing the whole Load.
func (r *Registry) Reload() (ChangeEvent, error) {
	agents, err := r.loader.Load()
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("agent registry reload failed: %v", err)
		}
		return ChangeEvent{}, fmt.Errorf("reload agents: %w", err)
	}

	next := buildSnapshot(agents)
	prev := r.current.Load()

	event := diff(prev, next)
	r.current.Store(next)

	if r.logger != nil {
		r.logger.Info("agent registry reloaded: +%d -%d ~%d", len(event.Added), len(event.Removed), len(event.Updated))
	}
	for _, l := range r.listeners {
		l(event)
	}
	return event, nil
}

func diff(prev, next *snapshot) ChangeEvent {
	var event ChangeEvent
	for id, agent := range next.byID {
		old, existed := prev.byID[id]
		if !existed {
			event.Added = append(event.Added, id)
			continue
		}
		if !agentsEqual(old, agent) {
			event.Updated = append(event.Updated, id)
		}
	}
	for id := range prev.byID {
		if _, stillThere := next.byID[id]; !stillThere {
			event.Removed = append(event.Removed, id)
		}
	}
	sort.Strings(event.Added)
	sort.Strings(event.Removed)
	sort.Strings(event.Updated)
	return event
}

func agentsEqual(a, b *auramodel.Agent) bool {
	if a.Name != b.Name || a.Description != b.Description || a.Priority != b.Priority ||
		a.Provider != b.Provider || a.Model != b.Model || a.Temperature != b.Temperature ||
		a.SystemPromptText != b.SystemPromptText {
		return false
	}
	return stringSlicesEqual(capsToStrings(a.Capabilities), capsToStrings(b.Capabilities)) &&
		stringSlicesEqual(a.Languages, b.Languages) &&
		stringSlicesEqual(a.Tools, b.Tools) &&
		stringSlicesEqual(a.Tags, b.Tags)
}

func capsToStrings(caps []auramodel.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortByPriorityThenID(agents []*auramodel.Agent) {
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Priority != agents[j].Priority {
			return agents[i].Priority < agents[j].Priority
		}
		return agents[i].ID < agents[j].ID
	})
}
