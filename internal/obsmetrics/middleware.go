// Package obsmetrics is the write side of the observability stack:
// Prometheus recorders and the LLM client middleware that feeds them.
package obsmetrics

import (
	"context"
	"time"

	"aura/pkg/agent"
	"aura/pkg/logx"
	"aura/pkg/utils"
)

// UsageExtractor is a function that extracts token usage from a request and
// response when the provider does not report it on CompletionResponse.Usage.
type UsageExtractor func(req agent.CompletionRequest, resp agent.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor estimates token usage with the tiktoken-backed
// counter (pkg/utils) when a provider's response carries no Usage.
func DefaultUsageExtractor(req agent.CompletionRequest, resp agent.CompletionResponse) (promptTokens, completionTokens int) {
	var promptText string
	for i := range req.Messages {
		promptText += req.Messages[i].Content + "\n"
	}
	promptTokens = utils.CountTokensSimple(promptText)
	completionTokens = utils.CountTokensSimple(resp.Content)
	return promptTokens, completionTokens
}

// meteredClient wraps an agent.LLMClient, recording a Recorder observation
// and a structured log line around every Complete/Stream call. It covers
// LLM calls only: per-call token usage and success go to the Recorder
// (cost is passed as 0), latency goes to the log line.
type meteredClient struct {
	next          agent.LLMClient
	recorder      Recorder
	usageExtract  UsageExtractor
	stateProvider StateProvider
}

// Middleware returns a function that wraps an agent.LLMClient with metrics
// recording, bound to storyID/stepID context via stateProvider.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, stateProvider StateProvider) func(agent.LLMClient) agent.LLMClient {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}
	if recorder == nil {
		recorder = Nop()
	}

	return func(next agent.LLMClient) agent.LLMClient {
		return &meteredClient{next: next, recorder: recorder, usageExtract: usageExtractor, stateProvider: stateProvider}
	}
}

func (m *meteredClient) GetModelName() string { return m.next.GetModelName() }

func (m *meteredClient) Complete(ctx context.Context, req agent.CompletionRequest) (agent.CompletionResponse, error) {
	start := time.Now()
	resp, err := m.next.Complete(ctx, req)
	duration := time.Since(start)

	promptTokens, completionTokens := 0, 0
	if err == nil {
		if resp.Usage != nil {
			promptTokens = int(resp.Usage.PromptTokens)
			completionTokens = int(resp.Usage.CompletionTokens)
		} else {
			promptTokens, completionTokens = m.usageExtract(req, resp)
		}
	}

	storyID, agentID, state := m.identity()
	m.recorder.ObserveRequest(storyID, promptTokens, completionTokens, 0, err == nil)

	if err == nil {
		logx.Infof("LLM call to model '%s': latency %.3gs, prompt tokens %d, completion tokens %d (agent: %s, story: %s, state: %s)",
			m.next.GetModelName(), duration.Seconds(), promptTokens, completionTokens, agentID, storyID, state)
	} else {
		logx.NewLogger("obsmetrics").Error("LLM call to model '%s' failed after %.3gs: %v (agent: %s, story: %s, state: %s)",
			m.next.GetModelName(), duration.Seconds(), err, agentID, storyID, state)
	}

	return resp, err //nolint:wrapcheck // middleware passes errors through unchanged
}

func (m *meteredClient) Stream(ctx context.Context, req agent.CompletionRequest) (<-chan agent.StreamChunk, error) {
	start := time.Now()
	ch, err := m.next.Stream(ctx, req)
	duration := time.Since(start)

	storyID, agentID, state := m.identity()
	m.recorder.ObserveRequest(storyID, 0, 0, 0, err == nil)

	if err == nil {
		logx.Infof("LLM stream to model '%s' started: setup latency %.3gs (agent: %s, story: %s, state: %s)",
			m.next.GetModelName(), duration.Seconds(), agentID, storyID, state)
	} else {
		logx.NewLogger("obsmetrics").Error("LLM stream to model '%s' failed after %.3gs: %v (agent: %s, story: %s, state: %s)",
			m.next.GetModelName(), duration.Seconds(), err, agentID, storyID, state)
	}

	return ch, err //nolint:wrapcheck // middleware passes errors through unchanged
}

func (m *meteredClient) identity() (storyID, agentID, state string) {
	if m.stateProvider == nil {
		return "", "", ""
	}
	return m.stateProvider.GetStoryID(), m.stateProvider.GetID(), string(m.stateProvider.GetCurrentState())
}
