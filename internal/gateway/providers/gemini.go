package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GeminiProvider handles Google Gemini generateContent requests
type GeminiProvider struct {
	baseURL    string
	model      string
	maxTokens  int
	pricing    Pricing
	httpClient *http.Client
}

// GeminiRequest represents a request to Gemini's API
type GeminiRequest struct {
	Contents         []GeminiContent         `json:"contents"`
	GenerationConfig *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

// GeminiContent represents content in Gemini format
type GeminiContent struct {
	Role  string       `json:"role"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart is either text or inline image data
type GeminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *GeminiInlineData `json:"inlineData,omitempty"`
}

// GeminiInlineData carries base64 encoded media
type GeminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// GeminiGenerationConfig represents generation parameters
type GeminiGenerationConfig struct {
	Temperature      *float32 `json:"temperature,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

// GeminiResponse represents a response from Gemini API
type GeminiResponse struct {
	Candidates    []GeminiCandidate `json:"candidates"`
	UsageMetadata GeminiUsage       `json:"usageMetadata"`
}

// GeminiCandidate represents a candidate response
type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
	Index        int           `json:"index"`
}

// GeminiUsage represents token usage
type GeminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// GeminiOptions configures the Gemini adapter
type GeminiOptions struct {
	BaseURL   string
	Model     string
	MaxTokens int
	Pricing   Pricing
	Timeout   time.Duration
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(opts GeminiOptions) *GeminiProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GeminiProvider{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		pricing:   opts.Pricing,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the provider name
func (p *GeminiProvider) Name() string { return ProviderGemini }

// Analyze sends one image to Gemini and returns the normalized analysis
func (p *GeminiProvider) Analyze(ctx context.Context, req AnalyzeRequest, cred Credential) (*AnalyzeResponse, error) {
	startTime := time.Now()

	reqBody, err := json.Marshal(p.convertRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to encode Gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, p.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to build Gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", cred.Secret)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Gemini API error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Gemini response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			Provider:   ProviderGemini,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), maxErrorBody),
		}
	}

	var geminiResp GeminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return nil, fmt.Errorf("%w: Gemini envelope: %v", ErrInvalidResponse, err)
	}

	text := candidateText(geminiResp)
	if strings.TrimSpace(text) == "" {
		return nil, ErrInvalidResponse
	}

	result, err := ParseAnalysis(text)
	if err != nil {
		return nil, err
	}

	usage := TokenUsage{
		PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
		CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      geminiResp.UsageMetadata.TotalTokenCount,
	}

	return &AnalyzeResponse{
		Result:    result,
		Provider:  ProviderGemini,
		Model:     p.model,
		Usage:     usage,
		CostUSD:   p.pricing.Cost(usage),
		LatencyMs: int(time.Since(startTime).Milliseconds()),
	}, nil
}

// convertRequest converts to Gemini format
func (p *GeminiProvider) convertRequest(req AnalyzeRequest) GeminiRequest {
	temperature := defaultTemperature
	maxTokens := p.maxTokens

	cfg := &GeminiGenerationConfig{
		Temperature:      &temperature,
		ResponseMimeType: "application/json",
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = &maxTokens
	}

	return GeminiRequest{
		Contents: []GeminiContent{{
			Role: "user",
			Parts: []GeminiPart{
				{Text: BuildPrompt(req.Mode)},
				{InlineData: &GeminiInlineData{
					MimeType: req.MimeType,
					Data:     base64.StdEncoding.EncodeToString(req.Image),
				}},
			},
		}},
		GenerationConfig: cfg,
	}
}

func candidateText(resp GeminiResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}
