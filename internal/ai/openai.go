package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/logger"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultEndpoint = "https://api.openai.com/v1/chat/completions"
	defaultModel    = "gpt-4o"
)

type openAIClient struct {
	endpoint   string
	apiKey     string
	model      string
	language   string
	maxTries   uint
	priceIn    float64 // USD per token
	priceOut   float64
	httpClient *http.Client
	newBackOff func() backoff.BackOff
	log        *logger.Logger
}

// NewOpenAIClient creates a Gateway over any OpenAI-compatible chat completions
// endpoint (OpenAI, Azure OpenAI deployments, Groq).
func NewOpenAIClient(cfg config.AIConfig, log *logger.Logger) Gateway {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	tries := cfg.MaxRetries
	if tries < 1 {
		tries = 1
	}
	return &openAIClient{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		model:      model,
		language:   languageName(cfg.Language),
		maxTries:   uint(tries),
		priceIn:    cfg.PriceInput / 1_000_000,
		priceOut:   cfg.PriceOutput / 1_000_000,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		log:        log.With("component", "ai"),
	}
}

func languageName(code string) string {
	switch strings.ToLower(code) {
	case "uk", "ua":
		return "Ukrainian"
	case "en":
		return "English"
	case "no", "nb":
		return "Norwegian"
	case "ru":
		return "Russian"
	case "":
		return "English"
	default:
		return code
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *openAIClient) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error) {
	content, usage, err := c.complete(ctx, buildAnalysisPrompt(req, c.language), 0.3)
	if err != nil {
		return nil, err
	}
	analysis, err := decodeAnalysis(content)
	if err != nil {
		return nil, err
	}
	analysis.AnalyzedAt = time.Now().UTC().Format(time.RFC3339)
	return &AnalysisResult{Analysis: analysis, Usage: usage}, nil
}

func (c *openAIClient) GenerateLetter(ctx context.Context, req LetterRequest) (*LetterResult, error) {
	content, usage, err := c.complete(ctx, buildLetterPrompt(req, c.language), 0.5)
	if err != nil {
		return nil, err
	}
	var letter LetterResult
	if err := json.Unmarshal([]byte(cleanMarkdownJSON(content)), &letter); err != nil {
		return nil, fmt.Errorf("malformed letter JSON: %w", err)
	}
	letter.CoverLetter = strings.TrimSpace(letter.CoverLetter)
	letter.Translation = strings.TrimSpace(letter.Translation)
	letter.Usage = usage
	return &letter, nil
}

// complete sends one chat completion in JSON mode. Network errors, 429 and 5xx
// are retried with exponential backoff; other failures are permanent.
func (c *openAIClient) complete(ctx context.Context, prompt string, temperature float64) (string, Usage, error) {
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a helpful HR assistant that outputs strictly valid JSON. Write all text content in " + c.language + " language."},
			{Role: "user", Content: prompt},
		},
		Temperature:    temperature,
		ResponseFormat: responseFormat{Type: "json_object"},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	resp, err := backoff.Retry(ctx, func() (*chatResponse, error) {
		return c.do(ctx, jsonData)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("chat completion failed, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return "", Usage{}, err
	}

	if len(resp.Choices) == 0 {
		return "", Usage{}, errors.New("no choices returned from chat API")
	}

	usage := Usage{
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}
	usage.CostUSD = float64(usage.TokensIn)*c.priceIn + float64(usage.TokensOut)*c.priceOut
	return resp.Choices[0].Message.Content, usage, nil
}

func (c *openAIClient) do(ctx context.Context, body []byte) (*chatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create http request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.Contains(c.endpoint, ".openai.azure.com") {
		req.Header.Set("api-key", c.apiKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, fmt.Errorf("chat API rate limited: %s", truncate(bodyBytes))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("chat API returned status %d: %s", resp.StatusCode, truncate(bodyBytes))
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("chat API returned status %d: %s", resp.StatusCode, truncate(bodyBytes)))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(bodyBytes, &chatResp); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	if chatResp.Error != nil {
		return nil, backoff.Permanent(fmt.Errorf("API error: %s", chatResp.Error.Message))
	}
	return &chatResp, nil
}

func truncate(b []byte) string {
	const max = 300
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
