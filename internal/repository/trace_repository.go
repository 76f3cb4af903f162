package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/lens/internal/retry"
)

// Column widths of the free-text fields; callers truncate to fit.
const (
	ModalityColumnSize = 32
	LabelColumnSize    = 255
)

// DiagnosticTrace is the journal row written for every diagnosis. It never
// holds the image or the rendered report.
type DiagnosticTrace struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Subject    string    `gorm:"column:subject;size:128"`
	Modality   string    `gorm:"column:modality;size:32;index"`
	Outcome    string    `gorm:"column:outcome;size:32;index"`
	Label      string    `gorm:"column:label;size:255"`
	Confidence *float64  `gorm:"column:confidence"`
	LatencyMs  int64     `gorm:"column:latency_ms"`
	ImageSHA1  string    `gorm:"column:image_sha1;size:40;index"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (DiagnosticTrace) TableName() string {
	return "diagnostic_traces"
}

// MetricsAggregation holds raw journal aggregates.
type MetricsAggregation struct {
	TotalCount        int64
	SuccessCount      int64
	AverageConfidence float64
	AverageLatencyMs  float64
	OutcomeCounts     map[string]int64
}

// TraceRepository persists diagnostic traces through gorm.
type TraceRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewTraceRepository creates a new repository instance.
func NewTraceRepository(db *gorm.DB, logger *zap.Logger) *TraceRepository {
	return &TraceRepository{db: db, logger: logger.Named("trace_repository"), policy: retry.Default}
}

// AutoMigrate ensures the schema is available.
func (r *TraceRepository) AutoMigrate(ctx context.Context) error {
	return r.policy.Do(ctx, r.logger, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&DiagnosticTrace{})
	})
}

// SaveTrace persists a trace entry.
func (r *TraceRepository) SaveTrace(ctx context.Context, trace *DiagnosticTrace) error {
	return r.policy.Do(ctx, r.logger, "repository.save_trace", trace.RequestID, func() error {
		return r.db.WithContext(ctx).Create(trace).Error
	})
}

// FindByRequestID loads the trace written for a diagnosis.
func (r *TraceRepository) FindByRequestID(ctx context.Context, requestID string) (*DiagnosticTrace, error) {
	var trace DiagnosticTrace
	err := r.policy.Do(ctx, r.logger, "repository.find_trace", requestID, func() error {
		return r.db.WithContext(ctx).First(&trace, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &trace, nil
}

// AggregateMetrics summarises the journal. Rows whose outcome equals
// successOutcome count as successful.
func (r *TraceRepository) AggregateMetrics(ctx context.Context, successOutcome string) (*MetricsAggregation, error) {
	var totals struct {
		TotalCount        int64
		SuccessCount      int64
		AverageConfidence float64
		AverageLatencyMs  float64
	}
	err := r.policy.Do(ctx, r.logger, "repository.aggregate_totals", "", func() error {
		return r.db.WithContext(ctx).
			Model(&DiagnosticTrace{}).
			Select("COUNT(*) AS total_count, "+
				"COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS success_count, "+
				"COALESCE(AVG(confidence), 0) AS average_confidence, "+
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms", successOutcome).
			Scan(&totals).Error
	})
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Outcome string
		Count   int64
	}
	err = r.policy.Do(ctx, r.logger, "repository.aggregate_outcomes", "", func() error {
		return r.db.WithContext(ctx).
			Model(&DiagnosticTrace{}).
			Select("outcome, COUNT(*) AS count").
			Group("outcome").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &MetricsAggregation{
		TotalCount:        totals.TotalCount,
		SuccessCount:      totals.SuccessCount,
		AverageConfidence: totals.AverageConfidence,
		AverageLatencyMs:  totals.AverageLatencyMs,
		OutcomeCounts:     make(map[string]int64, len(rows)),
	}
	for _, row := range rows {
		agg.OutcomeCounts[row.Outcome] = row.Count
	}
	return agg, nil
}
