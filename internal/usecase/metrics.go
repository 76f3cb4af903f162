package usecase

import (
	"context"
	"errors"

	"github.com/example/lens/internal/repository"
)

// ErrJournalDisabled is returned when metrics are requested without a journal.
var ErrJournalDisabled = errors.New("trace journal is not configured")

// MetricsSummary represents aggregated diagnosis insights.
type MetricsSummary struct {
	TotalRequests       int64            `json:"total_requests"`
	SuccessfulRequests  int64            `json:"successful_requests"`
	SuccessRate         float64          `json:"success_rate"`
	AverageConfidence   float64          `json:"average_confidence"`
	AverageLatencyMs    float64          `json:"average_latency_ms"`
	OutcomeDistribution map[string]int64 `json:"outcome_distribution"`
}

// GetMetricsSummary aggregates diagnosis metrics from the journal.
func (uc *DiagnosisUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.journal == nil {
		return nil, ErrJournalDisabled
	}

	aggregation, err := uc.journal.AggregateMetrics(ctx, string(OutcomeOK))
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:       aggregation.TotalCount,
		SuccessfulRequests:  aggregation.SuccessCount,
		AverageConfidence:   aggregation.AverageConfidence,
		AverageLatencyMs:    aggregation.AverageLatencyMs,
		OutcomeDistribution: aggregation.OutcomeCounts,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}

// GetTrace loads the journaled trace of an earlier diagnosis.
func (uc *DiagnosisUseCase) GetTrace(ctx context.Context, requestID string) (*repository.DiagnosticTrace, error) {
	if uc.journal == nil {
		return nil, ErrJournalDisabled
	}
	return uc.journal.FindByRequestID(ctx, requestID)
}
