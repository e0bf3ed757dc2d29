package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailsync/internal/model"
	"mailsync/pkg/circuitbreaker"
	"mailsync/pkg/config"
	"mailsync/pkg/metrics"
	"mailsync/pkg/trace"
)

const (
	opClassify    = "classify"
	opSummarize   = "summarize"
	opUnsubscribe = "unsubscribe_link"

	notFoundMarker = "NOT_FOUND"
)

// GeminiClient calls the generateContent endpoint. Calls go through a
// circuit breaker; quota answers do not count as breaker failures.
type GeminiClient struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewGeminiClient(cfg config.ClassifierConfig, logger *zap.Logger) *GeminiClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cbConfig := circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 2,
		IsFailure: func(err error) bool {
			return !errors.Is(err, ErrQuotaExceeded)
		},
	}

	return &GeminiClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		cb:         circuitbreaker.NewCircuitBreaker(cbConfig),
		logger:     logger,
	}
}

func (c *GeminiClient) Classify(ctx context.Context, content string, categories []model.Category) (string, error) {
	var list strings.Builder
	for _, cat := range categories {
		fmt.Fprintf(&list, "- %s: %s\n", cat.Name, cat.Description)
	}
	prompt := fmt.Sprintf(
		"Classify the following email into one of these categories based on their descriptions:\n\n%s\n\n"+
			"Email content:\n%s\n\n"+
			"Respond with ONLY the category name, nothing else.",
		list.String(), truncate(content, 2000),
	)

	out, err := c.generate(ctx, opClassify, prompt, 50, 0.3)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *GeminiClient) Summarize(ctx context.Context, content string) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize the following email in 2-3 sentences. Focus on the main point and any action items:\n\n%s",
		truncate(content, 3000),
	)
	out, err := c.generate(ctx, opSummarize, prompt, 150, 0.5)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *GeminiClient) ExtractUnsubscribeLink(ctx context.Context, content string) (string, error) {
	prompt := fmt.Sprintf(
		"Extract the unsubscribe URL from this email. Look for links that contain 'unsubscribe', 'opt-out', or similar terms. "+
			"Return ONLY the URL, nothing else. If no unsubscribe link is found, return '%s'.\n\nEmail:\n%s",
		notFoundMarker, truncate(content, 2000),
	)
	out, err := c.generate(ctx, opUnsubscribe, prompt, 200, 0.1)
	if err != nil {
		return "", err
	}
	link := strings.TrimSpace(strings.Trim(out, "\"'` \n"))
	if !strings.HasPrefix(link, "http") {
		return "", nil
	}
	return link, nil
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (c *GeminiClient) generate(ctx context.Context, op, prompt string, maxTokens int, temperature float64) (string, error) {
	if c.apiKey == "" || strings.HasPrefix(c.apiKey, "${") {
		return "", fmt.Errorf("%w: api key not configured", ErrQuotaExceeded)
	}

	var text string
	err := c.cb.Execute(func() error {
		var callErr error
		text, callErr = c.call(ctx, op, prompt, maxTokens, temperature)
		return callErr
	})
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		c.logger.Warn("Classifier circuit open", zap.String("operation", op))
	}
	return text, err
}

func (c *GeminiClient) call(ctx context.Context, op, prompt string, maxTokens int, temperature float64) (string, error) {
	start := time.Now()
	body, err := json.Marshal(generateRequest{
		Contents:         []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{MaxOutputTokens: maxTokens, Temperature: temperature},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName, traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordClassifierCallLatency(op, "error", time.Since(start))
		return "", fmt.Errorf("%s: call classifier: %w", op, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	status := "success"
	if resp.StatusCode != http.StatusOK {
		status = fmt.Sprintf("%d", resp.StatusCode)
	}
	metrics.RecordClassifierCallLatency(op, status, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		if isQuotaResponse(resp.StatusCode, raw) {
			return "", fmt.Errorf("%w: %s returned %d", ErrQuotaExceeded, op, resp.StatusCode)
		}
		return "", fmt.Errorf("%s: classifier returned %d: %s", op, resp.StatusCode, truncate(string(raw), 200))
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%s: decode classifier response: %w", op, err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%s: classifier response has no candidates", op)
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}

func isQuotaResponse(status int, body []byte) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(string(body))
	for _, marker := range []string{"quota", "rate limit", "resource exhausted", "resource_exhausted", "exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
