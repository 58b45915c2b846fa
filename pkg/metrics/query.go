// Package metrics is the read side of the observability stack: it
// queries a Prometheus server for the per-Story token and cost series
// the recorder in internal/obsmetrics emits, aggregated for the HTTP
// surface. The live rollup on the Story row is authoritative for
// billing; these queries add the per-model breakdown the row doesn't
// keep.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// StoryMetrics aggregates token and cost series for one Story.
type StoryMetrics struct {
	StoryID          string  `json:"story_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService runs aggregation queries against Prometheus.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService connects to the Prometheus server at prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

// sum runs an instant query and returns the first sample's value, or 0
// when the series doesn't exist yet.
func (q *QueryService) sum(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}

// storyMetrics gathers one StoryMetrics for an optional model filter.
func (q *QueryService) storyMetrics(ctx context.Context, storyID, modelFilter string) (*StoryMetrics, error) {
	selector := fmt.Sprintf("story_id=%q", storyID)
	if modelFilter != "" {
		selector += fmt.Sprintf(", model=%q", modelFilter)
	}

	prompt, err := q.sum(ctx, fmt.Sprintf(`sum(llm_tokens_total{%s, type="prompt"})`, selector))
	if err != nil {
		return nil, fmt.Errorf("query prompt tokens: %w", err)
	}
	completion, err := q.sum(ctx, fmt.Sprintf(`sum(llm_tokens_total{%s, type="completion"})`, selector))
	if err != nil {
		return nil, fmt.Errorf("query completion tokens: %w", err)
	}
	cost, err := q.sum(ctx, fmt.Sprintf(`sum(llm_costs_total{%s})`, selector))
	if err != nil {
		return nil, fmt.Errorf("query cost: %w", err)
	}

	return &StoryMetrics{
		StoryID:          storyID,
		PromptTokens:     int64(prompt),
		CompletionTokens: int64(completion),
		TotalTokens:      int64(prompt) + int64(completion),
		TotalCost:        cost,
	}, nil
}

// GetStoryMetrics aggregates tokens and cost across every agent and
// model that served the Story.
func (q *QueryService) GetStoryMetrics(ctx context.Context, storyID string) (*StoryMetrics, error) {
	return q.storyMetrics(ctx, storyID, "")
}

// GetStoryMetricsByModel breaks the Story's usage down per model.
func (q *QueryService) GetStoryMetricsByModel(ctx context.Context, storyID string) (map[string]*StoryMetrics, error) {
	modelsQuery := fmt.Sprintf(`group by (model) (llm_tokens_total{story_id=%q})`, storyID)
	modelsResult, _, err := q.queryAPI.Query(ctx, modelsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}

	result := make(map[string]*StoryMetrics)
	vector, ok := modelsResult.(model.Vector)
	if !ok {
		return result, nil
	}
	for _, sample := range vector {
		modelName, ok := sample.Metric["model"]
		if !ok {
			continue
		}
		m, err := q.storyMetrics(ctx, storyID, string(modelName))
		if err != nil {
			return nil, fmt.Errorf("metrics for model %s: %w", modelName, err)
		}
		result[string(modelName)] = m
	}
	return result, nil
}
