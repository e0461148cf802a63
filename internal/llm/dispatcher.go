package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"futures-ai-trader/internal/apperr"
	"futures-ai-trader/internal/logging"
)

// Provider types the dispatcher translates for.
const (
	ProviderOpenAI      = "openai"
	ProviderAzureOpenAI = "azure_openai"
	ProviderDeepSeek    = "deepseek"
	ProviderAnthropic   = "anthropic"
	ProviderGemini      = "gemini"
	ProviderOther       = "other"
)

// requestTimeout bounds one completion call. Strategy generation runs long
// on reasoning models, so this is minutes, not seconds.
const requestTimeout = 5 * time.Minute

// GenerateConfig holds the enumerated generation options. Options a
// provider type does not support are dropped silently.
type GenerateConfig struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
}

// DefaultGenerateConfig returns the platform defaults.
func DefaultGenerateConfig() GenerateConfig {
	return GenerateConfig{Temperature: 0.3, MaxTokens: 4096}
}

// Dispatcher translates one neutral completion call into each provider's
// wire protocol.
type Dispatcher struct {
	httpClient *http.Client
	logger     *logging.Logger
}

// NewDispatcher creates a dispatcher with the platform request timeout.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logging.WithComponent("llm_dispatcher"),
	}
}

// message is the chat message shape shared by the OpenAI-compatible APIs.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateStrategyCode sends one completion request and returns the raw
// primary text of the response. Callers run ExtractCode on the result.
func (d *Dispatcher) GenerateStrategyCode(ctx context.Context, providerType, baseURL, apiKey, modelName, systemText, userPrompt string, cfg GenerateConfig) (string, error) {
	base := NormalizeBaseURL(providerType, baseURL)

	switch providerType {
	case ProviderOpenAI, ProviderAzureOpenAI, ProviderDeepSeek, ProviderOther:
		return d.completeOpenAI(ctx, providerType, base, apiKey, modelName, systemText, userPrompt, cfg)
	case ProviderAnthropic:
		return d.completeAnthropic(ctx, base, apiKey, modelName, systemText, userPrompt, cfg)
	case ProviderGemini:
		return d.completeGemini(ctx, base, apiKey, modelName, systemText, userPrompt, cfg)
	default:
		return "", apperr.Newf(apperr.ValidationFailed, "unsupported provider type %q", providerType)
	}
}

// ==================== OPENAI-COMPATIBLE ====================

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (d *Dispatcher) completeOpenAI(ctx context.Context, providerType, base, apiKey, modelName, systemText, userPrompt string, cfg GenerateConfig) (string, error) {
	req := openAIRequest{
		Model:       modelName,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		Messages: []message{
			{Role: "system", Content: systemText},
			{Role: "user", Content: userPrompt},
		},
	}

	headers := map[string]string{"Authorization": "Bearer " + apiKey}
	if providerType == ProviderAzureOpenAI {
		// Azure authenticates with api-key instead of a bearer token.
		headers = map[string]string{"api-key": apiKey}
	}

	respBody, err := d.post(ctx, base+"/chat/completions", headers, req)
	if err != nil {
		return "", err
	}

	var resp openAIResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", apperr.Wrap(apperr.MalformedUpstream, "failed to parse completion response", err)
	}
	if resp.Error != nil {
		return "", apperr.Newf(apperr.UpstreamPermanent, "provider error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.New(apperr.MalformedUpstream, "empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// ==================== ANTHROPIC ====================

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (d *Dispatcher) completeAnthropic(ctx context.Context, base, apiKey, modelName, systemText, userPrompt string, cfg GenerateConfig) (string, error) {
	req := anthropicRequest{
		Model:       modelName,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		System:      systemText,
		Messages:    []message{{Role: "user", Content: userPrompt}},
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}

	headers := map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": "2023-06-01",
	}

	respBody, err := d.post(ctx, base+"/messages", headers, req)
	if err != nil {
		return "", err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", apperr.Wrap(apperr.MalformedUpstream, "failed to parse anthropic response", err)
	}
	if resp.Error != nil {
		return "", apperr.Newf(apperr.UpstreamPermanent, "provider error: %s - %s", resp.Error.Type, resp.Error.Message)
	}
	if len(resp.Content) == 0 {
		return "", apperr.New(apperr.MalformedUpstream, "empty anthropic response")
	}
	return resp.Content[0].Text, nil
}

// ==================== GEMINI ====================

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	TopK            int     `json:"topK,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (d *Dispatcher) completeGemini(ctx context.Context, base, apiKey, modelName, systemText, userPrompt string, cfg GenerateConfig) (string, error) {
	// Gemini has no system role on this endpoint; the system text is
	// prepended to the user prompt.
	prompt := userPrompt
	if systemText != "" {
		prompt = systemText + "\n\n" + userPrompt
	}

	req := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenConfig{
			Temperature:     cfg.Temperature,
			MaxOutputTokens: cfg.MaxTokens,
			TopP:            cfg.TopP,
			TopK:            cfg.TopK,
		},
	}

	endpoint := fmt.Sprintf("%s/%s:generateContent?key=%s", base, modelName, apiKey)
	respBody, err := d.post(ctx, endpoint, nil, req)
	if err != nil {
		return "", err
	}

	var resp geminiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", apperr.Wrap(apperr.MalformedUpstream, "failed to parse gemini response", err)
	}
	if resp.Error != nil {
		return "", apperr.Newf(apperr.UpstreamPermanent, "provider error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", apperr.New(apperr.MalformedUpstream, "empty gemini response")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// ==================== MODEL LISTING ====================

// FetchModels lists the model names a provider offers.
func (d *Dispatcher) FetchModels(ctx context.Context, providerType, baseURL, apiKey string) ([]string, error) {
	base := NormalizeBaseURL(providerType, baseURL)

	var endpoint string
	headers := map[string]string{}
	switch providerType {
	case ProviderGemini:
		endpoint = base + "?key=" + apiKey
	case ProviderAzureOpenAI:
		endpoint = base + "/models"
		headers["api-key"] = apiKey
	default:
		endpoint = base + "/models"
		headers["Authorization"] = "Bearer " + apiKey
	}

	respBody, err := d.get(ctx, endpoint, headers)
	if err != nil {
		return nil, err
	}

	if providerType == ProviderGemini {
		var resp struct {
			Models []struct {
				Name string `json:"name"` // "models/gemini-pro"
			} `json:"models"`
		}
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, apperr.Wrap(apperr.MalformedUpstream, "failed to parse gemini model list", err)
		}
		names := make([]string, 0, len(resp.Models))
		for _, m := range resp.Models {
			names = append(names, trimModelPrefix(m.Name))
		}
		return names, nil
	}

	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, apperr.Wrap(apperr.MalformedUpstream, "failed to parse model list", err)
	}
	names := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

func trimModelPrefix(name string) string {
	const prefix = "models/"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return name[len(prefix):]
	}
	return name
}

// ==================== HTTP ====================

func (d *Dispatcher) post(ctx context.Context, endpoint string, headers map[string]string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return d.do(req)
}

func (d *Dispatcher) get(ctx context.Context, endpoint string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return d.do(req)
}

func (d *Dispatcher) do(req *http.Request) ([]byte, error) {
	resp, err := d.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() == context.DeadlineExceeded {
			return nil, apperr.Wrap(apperr.UpstreamTransient, "llm request timed out", err)
		}
		return nil, apperr.Wrap(apperr.UpstreamTransient, "llm connection failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamTransient, "failed to read llm response", err)
	}

	if resp.StatusCode == http.StatusOK {
		return respBody, nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		// Honor Retry-After before surfacing the transient error so an
		// immediate caller retry lands after the window.
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
				d.logger.Warn("rate limited by provider", "retry_after_sec", secs)
				select {
				case <-req.Context().Done():
				case <-time.After(time.Duration(secs) * time.Second):
				}
			}
		}
	}

	msg := fmt.Sprintf("llm request returned %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	return nil, apperr.New(apperr.ClassifyHTTP(resp.StatusCode), msg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
