package handlers

import (
	"bytes"
	"errors"
	"html/template"
	"image"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/yuin/goldmark"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/lens/internal/auth"
	"github.com/example/lens/internal/imaging"
	"github.com/example/lens/internal/logging"
	"github.com/example/lens/internal/modality"
	"github.com/example/lens/internal/throttle"
	"github.com/example/lens/internal/usecase"
)

// MaxUploadSize bounds a single image upload.
const MaxUploadSize = 10 << 20

// IdleReport is shown in the output panel before the first diagnosis.
const IdleReport = "### 📡 System Active\nAwaiting physician input..."

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/gif":  true,
}

var errUploadTooLarge = errors.New("image exceeds upload limit")

// Options carries the optional collaborators of the router.
type Options struct {
	// APIAuth guards /api/v1 when set.
	APIAuth gin.HandlerFunc
	// Limiter throttles diagnoses per client when set.
	Limiter *throttle.Limiter
	Logger  *zap.Logger
}

type handler struct {
	uc      *usecase.DiagnosisUseCase
	limiter *throttle.Limiter
	logger  *zap.Logger
}

// RegisterRoutes wires the page, the form endpoint and the JSON API to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.DiagnosisUseCase, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{uc: uc, limiter: opts.Limiter, logger: logger.Named("handlers")}

	router.SetHTMLTemplate(pageTemplate)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/", h.index)
	router.POST("/diagnose", h.rateLimit, h.diagnoseForm)

	api := router.Group("/api/v1")
	if opts.APIAuth != nil {
		api.Use(opts.APIAuth)
	}
	api.GET("/modalities", h.listModalities)
	api.POST("/diagnose", h.rateLimit, h.diagnoseAPI)
	api.GET("/traces/:id", h.getTrace)
	api.GET("/metrics", h.metrics)
}

func (h *handler) index(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{
		"Modalities": modality.All(),
		"Default":    modality.Default,
		"Idle":       renderMarkdown(IdleReport),
	})
}

func (h *handler) diagnoseForm(c *gin.Context) {
	img, ok := h.readImage(c)
	if !ok {
		return
	}

	res := h.uc.Diagnose(c.Request.Context(), img, c.PostForm("modality"))
	c.JSON(http.StatusOK, gin.H{
		"request_id":  res.RequestID,
		"outcome":     res.Outcome,
		"report":      res.Report,
		"report_html": renderMarkdown(res.Report),
	})
}

func (h *handler) diagnoseAPI(c *gin.Context) {
	img, ok := h.readImage(c)
	if !ok {
		return
	}

	res := h.uc.Diagnose(c.Request.Context(), img, c.PostForm("modality"))
	c.JSON(statusFor(res.Outcome), gin.H{
		"request_id": res.RequestID,
		"modality":   res.Modality,
		"outcome":    res.Outcome,
		"label":      res.Label,
		"confidence": res.Confidence,
		"score":      res.Score,
		"report":     res.Report,
		"latency_ms": res.Latency.Milliseconds(),
	})
}

func (h *handler) listModalities(c *gin.Context) {
	items := make([]gin.H, 0, len(modality.All()))
	for _, m := range modality.All() {
		items = append(items, gin.H{
			"name":     m.String(),
			"endpoint": m.Endpoint(),
			"advice":   m.Advice(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"modalities": items, "default": modality.Default})
}

func (h *handler) getTrace(c *gin.Context) {
	trace, err := h.uc.GetTrace(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, usecase.ErrJournalDisabled):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "trace not found"})
	case err != nil:
		h.logger.Error("trace lookup failed", logging.ErrorField(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trace lookup failed"})
	default:
		c.JSON(http.StatusOK, gin.H{
			"request_id": trace.RequestID,
			"subject":    trace.Subject,
			"modality":   trace.Modality,
			"outcome":    trace.Outcome,
			"label":      trace.Label,
			"confidence": trace.Confidence,
			"latency_ms": trace.LatencyMs,
			"image_sha1": trace.ImageSHA1,
			"created_at": trace.CreatedAt,
		})
	}
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.uc.GetMetricsSummary(c.Request.Context())
	if errors.Is(err, usecase.ErrJournalDisabled) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("metrics aggregation failed", logging.ErrorField(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics unavailable"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) rateLimit(c *gin.Context) {
	client := c.ClientIP()
	if subject, ok := auth.GetUserID(c.Request.Context()); ok {
		client = "sub:" + subject
	}

	allowed, err := h.limiter.Allow(c.Request.Context(), client)
	if err != nil {
		h.logger.Warn("rate limiter unavailable, allowing request", logging.ErrorField(err))
	}
	if !allowed {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many diagnoses, slow down"})
		return
	}
	c.Next()
}

// readImage returns a nil image without error when no file was sent, so the
// use case can answer with its missing-input message.
func (h *handler) readImage(c *gin.Context) (image.Image, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+(1<<20))

	file, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, true
	}
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errUploadTooLarge.Error()})
			return nil, false
		}
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, true
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return nil, false
	}

	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errUploadTooLarge.Error()})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, false
	}
	defer src.Close()

	head := make([]byte, 512)
	n, _ := src.Read(head)
	contentType := normalizeContentType(file.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = normalizeContentType(http.DetectContentType(head[:n]))
	}
	if !allowedImageTypes[contentType] {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
		return nil, false
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, false
	}
	img, format, err := imaging.Decode(src)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to decode image"})
		return nil, false
	}
	h.logger.Debug("image received",
		zap.String("filename", file.Filename),
		zap.String("format", format),
		zap.Int64("size", file.Size),
	)
	return img, true
}

func statusFor(outcome usecase.Outcome) int {
	switch outcome {
	case usecase.OutcomeOK:
		return http.StatusOK
	case usecase.OutcomeMissingInput, usecase.OutcomeUnknownModality:
		return http.StatusBadRequest
	case usecase.OutcomeConfigError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func normalizeContentType(value string) string {
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	return strings.ToLower(strings.TrimSpace(value))
}

func renderMarkdown(source string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(source), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(source))
	}
	return template.HTML(buf.String())
}
