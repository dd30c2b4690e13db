package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrmushfiq/reefscan-gateway/internal/shared/models"
)

// Provider names used for key pools, circuits and usage records
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

var (
	// ErrParse is returned when the upstream output is not valid JSON
	ErrParse = errors.New("upstream returned malformed JSON")
	// ErrInvalidResponse is returned when the upstream envelope carries no usable content
	ErrInvalidResponse = errors.New("upstream returned no usable content")
	// ErrCostLimit is returned when the provider's daily spend cap is reached
	ErrCostLimit = errors.New("daily cost limit reached")
)

// StatusError is a non-2xx upstream HTTP response
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// StatusCode returns the upstream HTTP status carried by err, 0 when there is none
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// AnalyzeRequest is a normalized image analysis request
type AnalyzeRequest struct {
	Image    []byte
	MimeType string
	Mode     models.AnalysisMode
}

// Credential is the upstream key selected for one call
type Credential struct {
	KeyID  string
	Secret string
}

// TokenUsage represents token usage reported by the upstream
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AnalyzeResponse is a validated analysis plus accounting data
type AnalyzeResponse struct {
	Result    *models.AnalysisResult
	Provider  string
	Model     string
	Usage     TokenUsage
	CostUSD   float64
	LatencyMs int
}

// Adapter is the interface every vision provider implements. Adapters make
// exactly one upstream call and never retry.
type Adapter interface {
	Analyze(ctx context.Context, req AnalyzeRequest, cred Credential) (*AnalyzeResponse, error)
	Name() string
}

// Pricing is the per-1k-token price of a model in USD
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Cost calculates the cost of a call
func (p Pricing) Cost(u TokenUsage) float64 {
	return float64(u.PromptTokens)/1000.0*p.InputPer1K + float64(u.CompletionTokens)/1000.0*p.OutputPer1K
}

const (
	defaultTemperature float32 = 0.2
	maxErrorBody               = 512
)

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
