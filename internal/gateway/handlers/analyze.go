package handlers

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"strings"

	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/analyzer"
	"github.com/mrmushfiq/reefscan-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/apperr"
	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

// Analyzer serves one analysis request
type Analyzer interface {
	Analyze(ctx context.Context, req analyzer.Request) (*analyzer.Response, error)
}

type AnalyzeHandler struct {
	analyzer       Analyzer
	maxImageBase64 int
}

func NewAnalyzeHandler(a Analyzer, maxImageBase64Bytes int) *AnalyzeHandler {
	if maxImageBase64Bytes <= 0 {
		maxImageBase64Bytes = 7_000_000
	}
	return &AnalyzeHandler{analyzer: a, maxImageBase64: maxImageBase64Bytes}
}

type analyzeRequest struct {
	Image     string `json:"image" validate:"required"`
	MimeType  string `json:"mime_type" validate:"required,oneof=image/jpeg image/png"`
	Mode      string `json:"mode" validate:"required,oneof=comprehensive fish_id coral_id algae_id pest_id"`
	RequestID string `json:"request_id" validate:"omitempty,max=128"`
}

type analyzeResponse struct {
	*models.AnalysisResult
	Usage    usage.Daily `json:"usage"`
	Cached   bool        `json:"cached"`
	Provider string      `json:"provider"`
}

// HandleAnalyze handles POST /v1/analyze
func (h *AnalyzeHandler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, r, apperr.New(apperr.CodeUnauthorized, "missing bearer token"))
		return
	}

	// room for the other fields around the image
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxImageBase64)+64<<10)

	// A payload problem is handed to the analyzer rather than rejected here so
	// that retries of an already served request still replay
	var req analyzeRequest
	payloadErr := decodeAndValidate(r, &req)

	requestID := req.RequestID
	if requestID == "" {
		requestID = r.Header.Get("Idempotency-Key")
	}
	if requestID == "" {
		requestID = r.Header.Get("X-Request-Id")
	}
	if len(requestID) > 128 {
		writeError(w, r, apperr.New(apperr.CodeInvalidRequest, "request id too long"))
		return
	}

	var image []byte
	if payloadErr == nil {
		image, payloadErr = h.decodeImage(req.Image)
	}

	resp, err := h.analyzer.Analyze(r.Context(), analyzer.Request{
		AccessToken: token,
		ClientIP:    clientIP(r),
		Image:       image,
		MimeType:    req.MimeType,
		Mode:        models.AnalysisMode(req.Mode),
		RequestID:   requestID,
		Invalid:     payloadErr,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	setUsageHeaders(w, resp.Usage)
	writeJSON(w, http.StatusOK, analyzeResponse{
		AnalysisResult: resp.Result,
		Usage:          resp.Usage,
		Cached:         resp.Cached,
		Provider:       resp.Provider,
	})
}

// decodeImage checks the encoded size, strips a data URL prefix and decodes
// the image bytes. Content sniffing happens in the analyzer.
func (h *AnalyzeHandler) decodeImage(encoded string) ([]byte, error) {
	if i := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && i > 0 {
		encoded = encoded[i+1:]
	}
	if len(encoded) > h.maxImageBase64 {
		return nil, apperr.New(apperr.CodeInvalidRequest, "image too large").
			WithDetails(map[string]any{"max_base64_bytes": h.maxImageBase64})
	}

	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidRequest, "image is not valid base64", err)
	}
	if len(image) == 0 {
		return nil, apperr.New(apperr.CodeInvalidRequest, "image is empty")
	}
	return image, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
