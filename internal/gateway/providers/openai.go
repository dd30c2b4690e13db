package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/reefscan-gateway/internal/shared/logging"
)

// OpenAIProvider handles OpenAI chat completion requests. It is the
// fallback route and spends against a daily budget.
type OpenAIProvider struct {
	baseURL    string
	model      string
	maxTokens  int
	pricing    Pricing
	budget     *Budget
	httpClient *http.Client
}

// OpenAIOptions configures the OpenAI adapter
type OpenAIOptions struct {
	BaseURL   string
	Model     string
	MaxTokens int
	Pricing   Pricing
	Timeout   time.Duration
	Budget    *Budget
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIProvider{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      opts.Model,
		maxTokens:  opts.MaxTokens,
		pricing:    opts.Pricing,
		budget:     opts.Budget,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

// the key is per call, so the client is too
func (p *OpenAIProvider) client(secret string) *openai.Client {
	cfg := openai.DefaultConfig(secret)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	cfg.HTTPClient = p.httpClient
	return openai.NewClientWithConfig(cfg)
}

// Analyze sends one image to OpenAI and returns the normalized analysis
func (p *OpenAIProvider) Analyze(ctx context.Context, req AnalyzeRequest, cred Credential) (*AnalyzeResponse, error) {
	if err := p.budget.Check(ctx); err != nil {
		return nil, err
	}

	startTime := time.Now()

	dataURL := fmt.Sprintf("data:%s;base64,%s", req.MimeType, base64.StdEncoding.EncodeToString(req.Image))
	openaiReq := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: BuildPrompt(req.Mode)},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL,
					Detail: openai.ImageURLDetailAuto,
				}},
			},
		}},
		Temperature: defaultTemperature,
		MaxTokens:   p.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := p.client(cred.Secret).CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		return nil, mapOpenAIError(err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, ErrInvalidResponse
	}

	result, err := ParseAnalysis(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	usage := TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	cost := p.pricing.Cost(usage)
	if err := p.budget.Add(ctx, cost); err != nil {
		logging.FromContext(ctx).Warn("failed to record spend", slog.String("provider", ProviderOpenAI), slog.Any("error", err))
	}

	model := resp.Model
	if model == "" {
		model = p.model
	}

	return &AnalyzeResponse{
		Result:    result,
		Provider:  ProviderOpenAI,
		Model:     model,
		Usage:     usage,
		CostUSD:   cost,
		LatencyMs: int(time.Since(startTime).Milliseconds()),
	}, nil
}

// mapOpenAIError turns go-openai HTTP errors into StatusError
func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &StatusError{
			Provider:   ProviderOpenAI,
			StatusCode: apiErr.HTTPStatusCode,
			Body:       truncate(apiErr.Message, maxErrorBody),
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &StatusError{
			Provider:   ProviderOpenAI,
			StatusCode: reqErr.HTTPStatusCode,
			Body:       truncate(reqErr.Error(), maxErrorBody),
		}
	}
	return fmt.Errorf("OpenAI API error: %w", err)
}
