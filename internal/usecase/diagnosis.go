package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"image"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/lens/internal/auth"
	"github.com/example/lens/internal/imaging"
	"github.com/example/lens/internal/inference"
	"github.com/example/lens/internal/logging"
	"github.com/example/lens/internal/modality"
	"github.com/example/lens/internal/repository"
)

// Display strings returned in place of a report.
const (
	MissingInputMessage    = "⚠️ [LENS ERROR]: No diagnostic input detected."
	ConfigErrorMessage     = "⚠️ [CONFIG ERROR]: HF_TOKEN not found. Please set it in the server environment."
	UnknownModalityMessage = "⚠️ [LENS ERROR]: Unknown diagnostic lens. Select X-Ray, Skin, Pathology or Ultrasound."
	RetryMessage           = "📡 [CONNECTION ERROR]: Diagnostic server busy. Please retry."
)

const (
	PlaceholderLabel = "Pattern Analysis Complete"
	UnknownLabel     = "Unknown Pattern"
	NotApplicable    = "N/A"
)

var (
	ErrMissingInput      = errors.New("no diagnostic input")
	ErrMissingCredential = errors.New("inference token not configured")
)

// Outcome tags how a diagnosis ended. Failures past the guards all share
// RetryMessage; the outcome keeps them apart in logs and the journal.
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeMissingInput    Outcome = "missing_input"
	OutcomeConfigError     Outcome = "config_error"
	OutcomeUnknownModality Outcome = "unknown_modality"
	OutcomeEncodeError     Outcome = "encode_error"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeHTTPError       Outcome = "http_error"
	OutcomeDecodeError     Outcome = "decode_error"
	OutcomeTransportError  Outcome = "transport_error"
	OutcomeRenderError     Outcome = "render_error"
)

// Config is the per-process configuration handed to the use case.
type Config struct {
	Token             string
	MaxImageDimension int
}

// Journal stores diagnostic traces and aggregates them.
type Journal interface {
	SaveTrace(ctx context.Context, trace *repository.DiagnosticTrace) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.DiagnosticTrace, error)
	AggregateMetrics(ctx context.Context, successOutcome string) (*repository.MetricsAggregation, error)
}

// Result is the outcome of one diagnosis. Report is always set.
type Result struct {
	RequestID  string
	Modality   string
	Outcome    Outcome
	Label      string
	Score      *float64 // percentage, nil when not applicable
	Confidence string
	Report     string
	Latency    time.Duration
	Err        error
}

func (r *Result) fail(outcome Outcome, err error, message string) {
	r.Outcome = outcome
	r.Err = err
	r.Report = message
}

// DiagnosisUseCase turns an image and a modality into a report.
type DiagnosisUseCase struct {
	cfg        Config
	classifier inference.Classifier
	journal    Journal
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// NewDiagnosisUseCase constructs a new use case instance. journal may be nil.
func NewDiagnosisUseCase(cfg Config, classifier inference.Classifier, journal Journal, logger *zap.Logger) *DiagnosisUseCase {
	return &DiagnosisUseCase{
		cfg:        cfg,
		classifier: classifier,
		journal:    journal,
		logger:     logger.Named("diagnosis_usecase"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Diagnose runs the guards, makes at most one inference call and renders the
// report. It never returns an error: failures become display strings.
func (uc *DiagnosisUseCase) Diagnose(ctx context.Context, img image.Image, rawModality string) *Result {
	started := uc.now()
	res := &Result{RequestID: uc.newID(), Modality: rawModality, Confidence: NotApplicable}

	encoded := uc.run(ctx, res, img, rawModality)
	res.Latency = uc.now().Sub(started)

	uc.logResult(res)
	uc.record(ctx, res, encoded)
	return res
}

func (uc *DiagnosisUseCase) run(ctx context.Context, res *Result, img image.Image, rawModality string) []byte {
	if img == nil {
		res.fail(OutcomeMissingInput, ErrMissingInput, MissingInputMessage)
		return nil
	}
	if uc.cfg.Token == "" {
		res.fail(OutcomeConfigError, ErrMissingCredential, ConfigErrorMessage)
		return nil
	}
	m, err := modality.Parse(rawModality)
	if err != nil {
		res.fail(OutcomeUnknownModality, err, UnknownModalityMessage)
		return nil
	}

	encoded, err := imaging.EncodeJPEG(img, uc.cfg.MaxImageDimension)
	if err != nil {
		res.fail(OutcomeEncodeError, err, RetryMessage)
		return nil
	}

	predictions, err := uc.classifier.Classify(ctx, inference.Request{
		Endpoint: m.Endpoint(),
		Token:    uc.cfg.Token,
		Image:    encoded,
	})
	if err != nil {
		res.fail(outcomeFor(err), err, RetryMessage)
		return encoded
	}

	res.Label, res.Score = extractTop(predictions)
	res.Confidence = formatConfidence(res.Score)

	report, err := renderReport(reportData{
		Modality:   m.String(),
		Label:      res.Label,
		Confidence: res.Confidence,
		Advice:     m.Advice(),
	})
	if err != nil {
		res.fail(OutcomeRenderError, err, RetryMessage)
		return encoded
	}

	res.Outcome = OutcomeOK
	res.Report = report
	return encoded
}

func (uc *DiagnosisUseCase) logResult(res *Result) {
	opLogger := logging.WithOperation(uc.logger, "usecase.diagnose", res.RequestID)
	fields := []zap.Field{
		zap.String("modality", res.Modality),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("latency", res.Latency),
	}
	if res.Err != nil {
		opLogger.Warn("diagnosis failed", append(fields, logging.ErrorField(res.Err))...)
		return
	}
	opLogger.Info("diagnosis completed", append(fields, zap.String("label", res.Label), zap.String("confidence", res.Confidence))...)
}

func (uc *DiagnosisUseCase) record(ctx context.Context, res *Result, encoded []byte) {
	if uc.journal == nil {
		return
	}

	trace := &repository.DiagnosticTrace{
		RequestID:  res.RequestID,
		Modality:   truncateRunes(res.Modality, repository.ModalityColumnSize),
		Outcome:    string(res.Outcome),
		Label:      truncateRunes(res.Label, repository.LabelColumnSize),
		Confidence: res.Score,
		LatencyMs:  res.Latency.Milliseconds(),
		CreatedAt:  uc.now().UTC(),
	}
	if subject, ok := auth.GetUserID(ctx); ok {
		trace.Subject = subject
	}
	if len(encoded) > 0 {
		sum := sha1.Sum(encoded)
		trace.ImageSHA1 = hex.EncodeToString(sum[:])
	}

	if err := uc.journal.SaveTrace(ctx, trace); err != nil {
		logging.WithOperation(uc.logger, "usecase.record_trace", res.RequestID).Warn("failed to journal diagnosis", logging.ErrorField(err))
	}
}

func outcomeFor(err error) Outcome {
	var statusErr *inference.StatusError
	switch {
	case errors.Is(err, inference.ErrTimeout):
		return OutcomeTimeout
	case errors.As(err, &statusErr):
		return OutcomeHTTPError
	case errors.Is(err, inference.ErrDecode):
		return OutcomeDecodeError
	default:
		return OutcomeTransportError
	}
}

func extractTop(predictions []inference.Prediction) (string, *float64) {
	if len(predictions) == 0 {
		return PlaceholderLabel, nil
	}

	top := predictions[0]
	label := top.Label
	if label == "" {
		label = UnknownLabel
	}
	label = titleCase(strings.ReplaceAll(label, "_", " "))

	// strconv rounds the exact binary value half-to-even, like Python's round().
	pct, _ := strconv.ParseFloat(strconv.FormatFloat(top.Score*100, 'f', 2, 64), 64)
	return label, &pct
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
