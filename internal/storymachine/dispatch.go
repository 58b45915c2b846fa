package storymachine

import (
	"context"

	"aura/internal/aurerr"
	"aura/internal/auramodel"
	"aura/pkg/agent"
)

// dispatchText routes a direct (non-tool) LLM call to the best agent for
// capability, falling back to fallback when no agent registers it. It
// mirrors internal/steprunner's direct-call branch of dispatch,
// generalized to capabilities that never use tools (analysis, planning,
// chat).
func (e *Engine) dispatchText(ctx context.Context, story *auramodel.Story, capability, fallback auramodel.Capability, systemPrompt, userPrompt string) (string, error) {
	selected, ok := e.registry.GetBestForCapability(capability, "")
	if !ok && fallback != "" {
		selected, ok = e.registry.GetBestForCapability(fallback, "")
	}
	if !ok {
		return "", aurerr.New(aurerr.KindNoAgentForCapability, "no agent for capability "+string(capability))
	}

	client, err := e.clients.ForAgent(selected, storyStateProvider{story: story, role: selected.ID})
	if err != nil {
		return "", aurerr.Wrap(aurerr.KindLLMError, err, "build client")
	}

	prompt := systemPrompt
	if prompt == "" {
		prompt = selected.SystemPromptText
	}

	resp, err := client.Complete(ctx, agent.CompletionRequest{
		Messages: []agent.CompletionMessage{
			agent.NewSystemMessage(prompt),
			agent.NewUserMessage(userPrompt),
		},
		Temperature: selected.Temperature,
		MaxTokens:   4096,
	})
	if err != nil {
		return "", aurerr.Wrap(aurerr.KindLLMError, err, "direct completion")
	}
	return resp.Content, nil
}
