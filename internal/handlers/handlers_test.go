package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/lens/internal/auth"
	"github.com/example/lens/internal/inference"
	"github.com/example/lens/internal/throttle"
	"github.com/example/lens/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubClassifier struct {
	predictions []inference.Prediction
	err         error
	calls       int
}

func (s *stubClassifier) Classify(ctx context.Context, req inference.Request) ([]inference.Prediction, error) {
	s.calls++
	return s.predictions, s.err
}

type memoryCounter struct {
	counts map[string]int64
}

func (m *memoryCounter) Incr(ctx context.Context, key string) (int64, error) {
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memoryCounter) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return nil
}

func newTestRouter(t *testing.T, classifier inference.Classifier, opts Options) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router, err := NewRouter(nil, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}

	uc := usecase.NewDiagnosisUseCase(usecase.Config{Token: "hf_test"}, classifier, nil, zap.NewNop())
	RegisterRoutes(router, uc, opts)
	return router
}

func TestDiagnoseRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(t, &stubClassifier{}, Options{})

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1), "X-Ray")
	resp := send(router, "/diagnose", body, contentType, "")

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestDiagnoseRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(t, &stubClassifier{}, Options{})

	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"), "X-Ray")
	resp := send(router, "/diagnose", body, contentType, "")

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestDiagnoseRejectsUndecodableImage(t *testing.T) {
	router := newTestRouter(t, &stubClassifier{}, Options{})

	body, contentType := buildMultipartBody(t, "image/png", []byte("definitely not a png"), "X-Ray")
	resp := send(router, "/diagnose", body, contentType, "")

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestDiagnoseFormWithoutImage(t *testing.T) {
	classifier := &stubClassifier{}
	router := newTestRouter(t, classifier, Options{})

	body, contentType := buildMultipartBody(t, "", nil, "Pathology")
	resp := send(router, "/diagnose", body, contentType, "")

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var payload map[string]interface{}
	decode(t, resp, &payload)
	if payload["report"] != usecase.MissingInputMessage {
		t.Fatalf("expected missing input message, got %v", payload["report"])
	}
	if classifier.calls != 0 {
		t.Fatalf("expected no inference calls, got %d", classifier.calls)
	}
}

func TestDiagnoseFormRendersReport(t *testing.T) {
	classifier := &stubClassifier{predictions: []inference.Prediction{{Label: "acute_fracture", Score: 0.8734}}}
	router := newTestRouter(t, classifier, Options{})

	body, contentType := buildMultipartBody(t, "image/png", pngBytes(t), "X-Ray")
	resp := send(router, "/diagnose", body, contentType, "")

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	var payload map[string]interface{}
	decode(t, resp, &payload)
	html, _ := payload["report_html"].(string)
	if !strings.Contains(html, "<strong>Acute Fracture</strong>") || !strings.Contains(html, "87.34%") {
		t.Fatalf("unexpected report html: %s", html)
	}
	if payload["outcome"] != string(usecase.OutcomeOK) {
		t.Fatalf("unexpected outcome: %v", payload["outcome"])
	}
}

func TestAPIRequiresToken(t *testing.T) {
	router := newTestRouter(t, &stubClassifier{}, Options{APIAuth: auth.JWTMiddleware(testJWTSecret, "")})

	body, contentType := buildMultipartBody(t, "image/png", pngBytes(t), "Skin")
	resp := send(router, "/api/v1/diagnose", body, contentType, "")

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
}

func TestAPIDiagnoseReturnsStructuredResult(t *testing.T) {
	classifier := &stubClassifier{predictions: []inference.Prediction{{Label: "basal_cell_carcinoma", Score: 0.5}}}
	router := newTestRouter(t, classifier, Options{APIAuth: auth.JWTMiddleware(testJWTSecret, "")})

	body, contentType := buildMultipartBody(t, "image/png", pngBytes(t), "Skin")
	resp := send(router, "/api/v1/diagnose", body, contentType, buildTestToken(t, "clinic-1"))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	var payload struct {
		Modality   string  `json:"modality"`
		Label      string  `json:"label"`
		Confidence string  `json:"confidence"`
		Score      float64 `json:"score"`
	}
	decode(t, resp, &payload)
	if payload.Modality != "Skin" || payload.Label != "Basal Cell Carcinoma" || payload.Confidence != "50.00%" || payload.Score != 50 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestAPIStatusCodes(t *testing.T) {
	cases := []struct {
		name       string
		classifier *stubClassifier
		modality   string
		want       int
	}{
		{"upstream failure", &stubClassifier{err: &inference.StatusError{StatusCode: 503}}, "X-Ray", http.StatusBadGateway},
		{"timeout", &stubClassifier{err: inference.ErrTimeout}, "X-Ray", http.StatusBadGateway},
		{"unknown modality", &stubClassifier{}, "CT", http.StatusBadRequest},
	}

	for _, tc := range cases {
		router := newTestRouter(t, tc.classifier, Options{})
		body, contentType := buildMultipartBody(t, "image/png", pngBytes(t), tc.modality)
		resp := send(router, "/api/v1/diagnose", body, contentType, "")
		if resp.Code != tc.want {
			t.Fatalf("%s: expected status %d, got %d", tc.name, tc.want, resp.Code)
		}
	}
}

func TestDiagnoseIsThrottled(t *testing.T) {
	limiter := throttle.NewLimiter(&memoryCounter{counts: map[string]int64{}}, 1, time.Minute, zap.NewNop())
	router := newTestRouter(t, &stubClassifier{}, Options{Limiter: limiter})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		body, contentType := buildMultipartBody(t, "", nil, "X-Ray")
		codes = append(codes, send(router, "/diagnose", body, contentType, "").Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("expected 200 then 429, got %v", codes)
	}
}

func TestDiagnoseThrottleIgnoresForwardedFor(t *testing.T) {
	limiter := throttle.NewLimiter(&memoryCounter{counts: map[string]int64{}}, 1, time.Minute, zap.NewNop())
	router := newTestRouter(t, &stubClassifier{}, Options{Limiter: limiter})

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		body, contentType := buildMultipartBody(t, "", nil, "X-Ray")
		req := httptest.NewRequest(http.MethodPost, "/diagnose", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		codes = append(codes, resp.Code)
	}

	want := []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, codes)
		}
	}
}

func TestNewRouterHonoursTrustedProxies(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router, err := NewRouter([]string{"192.0.2.1"}, zap.NewNop())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	router.GET("/ip", func(c *gin.Context) { c.String(http.StatusOK, c.ClientIP()) })

	req := httptest.NewRequest(http.MethodGet, "/ip", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if got := resp.Body.String(); got != "203.0.113.9" {
		t.Fatalf("expected forwarded client address from trusted proxy, got %q", got)
	}

	if _, err := NewRouter([]string{"not-an-ip"}, zap.NewNop()); err == nil {
		t.Fatal("expected error for invalid proxy address")
	}
}

func TestIndexRendersSelector(t *testing.T) {
	router := newTestRouter(t, &stubClassifier{}, Options{})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	page := resp.Body.String()
	for _, want := range []string{`<option value="X-Ray" selected>`, `value="Ultrasound"`, "Awaiting physician input", "PERFORM DIAGNOSTIC TRACE"} {
		if !strings.Contains(page, want) {
			t.Fatalf("page missing %q", want)
		}
	}
}

func TestModalitiesAndMetrics(t *testing.T) {
	router := newTestRouter(t, &stubClassifier{}, Options{})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/modalities", nil))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "facebook/dino-v2-base") {
		t.Fatalf("unexpected modalities response: %d %s", resp.Code, resp.Body.String())
	}

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected metrics to be unavailable without a journal, got %d", resp.Code)
	}
}

func TestStatusForCoversOutcomes(t *testing.T) {
	if statusFor(usecase.OutcomeConfigError) != http.StatusServiceUnavailable {
		t.Fatal("expected 503 for configuration errors")
	}
	if statusFor(usecase.OutcomeDecodeError) != http.StatusBadGateway {
		t.Fatal("expected 502 for decode errors")
	}
}

func send(router *gin.Engine, path string, body *bytes.Buffer, contentType, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", resp.Body.String(), err)
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{G: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// buildMultipartBody omits the image part when contentType is empty.
func buildMultipartBody(t *testing.T, contentType string, payload []byte, modalityValue string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if contentType != "" {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
		header.Set("Content-Type", contentType)

		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("failed to create multipart part: %v", err)
		}
		if _, err := part.Write(payload); err != nil {
			t.Fatalf("failed to write payload: %v", err)
		}
	}

	if err := writer.WriteField("modality", modalityValue); err != nil {
		t.Fatalf("failed to write modality: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
