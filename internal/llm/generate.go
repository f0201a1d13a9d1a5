package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	reporterrors "weatherfish/pkg/errors"
)

const (
	maxRequestSize  = 2 * 1024 * 1024 // 2MB total JSON payload
	maxResponseSize = 4 * 1024 * 1024

	opGenerate = "llm.generate"
)

// Generate submits the prompt and returns post-processed text. The call is
// bounded by GenerationTimeout; it is attempted exactly once.
func (c *Client) Generate(parentCtx context.Context, prompt Prompt, gen GenerationConfig) (string, error) {
	start := time.Now()

	if err := gen.Validate(); err != nil {
		return "", reporterrors.NewGenerationError(opGenerate, "invalid generation config", err, false)
	}
	if len(gen.Stop) == 0 && c.cfg.Backend == BackendCompletion {
		gen.Stop = c.cfg.Template.StopSequences()
	}

	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.GenerationTimeout)
	defer cancel()

	c.logger.Debug("generation starting",
		zap.String("model", c.cfg.Model),
		zap.String("backend", string(c.cfg.Backend)),
		zap.Int("prompt_bytes", prompt.Len()),
	)

	var (
		raw   string
		usage *providerUsage
		err   error
	)
	switch c.cfg.Backend {
	case BackendCompletion:
		raw, usage, err = c.complete(ctx, prompt, gen)
	default:
		raw, usage, err = c.chat(ctx, prompt, gen)
	}
	if err != nil {
		c.logger.Error("generation failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return "", err
	}

	text := PostProcess(raw)
	if text == "" {
		c.logger.Error("generation returned empty output",
			zap.String("model", c.cfg.Model),
			zap.Int("raw_bytes", len(raw)),
		)
		return "", reporterrors.NewGenerationError(opGenerate, "backend returned empty output", nil, false)
	}

	fields := []zap.Field{
		zap.String("model", c.cfg.Model),
		zap.Int("text_bytes", len(text)),
		zap.Duration("duration", time.Since(start)),
	}
	if usage != nil {
		fields = append(fields,
			zap.Int("prompt_tokens", usage.PromptTokens),
			zap.Int("completion_tokens", usage.CompletionTokens),
		)
	}
	c.logger.Info("generation completed", fields...)

	return text, nil
}

func (c *Client) chat(ctx context.Context, prompt Prompt, gen GenerationConfig) (string, *providerUsage, error) {
	messages := make([]ChatMessage, 0, 2)
	if prompt.System != "" {
		messages = append(messages, ChatMessage{Role: RoleSystem, Content: prompt.System})
	}
	messages = append(messages, ChatMessage{Role: RoleUser, Content: prompt.User})

	pReq := providerChatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: gen.Temperature,
		TopP:        gen.TopP,
		MaxTokens:   gen.MaxTokens,
		Stop:        gen.Stop,
	}

	var pResp providerChatResponse
	if err := c.post(ctx, "/v1/chat/completions", pReq, &pResp); err != nil {
		return "", nil, err
	}
	if len(pResp.Choices) == 0 {
		return "", nil, reporterrors.NewGenerationError(opGenerate, "provider returned no choices", nil, false)
	}
	return pResp.Choices[0].Message.Content, pResp.Usage, nil
}

func (c *Client) complete(ctx context.Context, prompt Prompt, gen GenerationConfig) (string, *providerUsage, error) {
	rendered, err := c.cfg.Template.Render(prompt)
	if err != nil {
		return "", nil, reporterrors.NewGenerationError(opGenerate, "render prompt", err, false)
	}

	pReq := providerCompletionRequest{
		Model:       c.cfg.Model,
		Prompt:      rendered,
		Temperature: gen.Temperature,
		TopP:        gen.TopP,
		MaxTokens:   gen.MaxTokens,
		Stop:        gen.Stop,
	}

	var pResp providerCompletionResponse
	if err := c.post(ctx, "/v1/completions", pReq, &pResp); err != nil {
		return "", nil, err
	}
	if len(pResp.Choices) == 0 {
		return "", nil, reporterrors.NewGenerationError(opGenerate, "provider returned no choices", nil, false)
	}
	return pResp.Choices[0].Text, pResp.Usage, nil
}

// post sends one JSON request and decodes a 2xx body into out. Every failure
// comes back as a generation error; transient ones are marked retryable.
func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	bodyBytes, err := json.Marshal(in)
	if err != nil {
		return reporterrors.NewGenerationError(opGenerate, "marshal request", err, false)
	}
	if len(bodyBytes) > maxRequestSize {
		return reporterrors.NewGenerationError(opGenerate,
			fmt.Sprintf("request too large (%d bytes, max %d)", len(bodyBytes), maxRequestSize), nil, false)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return reporterrors.NewGenerationError(opGenerate, "build HTTP request", err, false)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return transportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := shouldRetryStatus(resp.StatusCode)

		var perr providerErrorResponse
		if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
			c.logger.Error("llm provider error",
				zap.Int("status", resp.StatusCode),
				zap.String("error_type", perr.Error.Type),
				zap.String("error_message", perr.Error.Message),
			)
			return reporterrors.NewGenerationError(opGenerate,
				fmt.Sprintf("upstream %d: %s (%s)", resp.StatusCode, perr.Error.Message, perr.Error.Type), nil, retryable)
		}

		c.logger.Error("llm upstream error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(body), 200)),
		)
		return reporterrors.NewGenerationError(opGenerate,
			fmt.Sprintf("upstream %d: %s", resp.StatusCode, truncate(string(body), 200)), nil, retryable)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return reporterrors.NewGenerationError(opGenerate, "decode upstream response", err, false)
	}
	return nil
}

// Probe checks that the backend answers GET /v1/models.
func (c *Client) Probe(parentCtx context.Context) error {
	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.ProbeTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		return reporterrors.NewBackendUnavailableError("llm.probe", "build probe request", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return reporterrors.NewBackendUnavailableError("llm.probe", "backend unreachable", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return reporterrors.NewBackendUnavailableError("llm.probe",
			fmt.Sprintf("backend answered %d", resp.StatusCode), nil)
	}
	return nil
}

func (c *Client) setHeaders(r *http.Request) {
	if c.cfg.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

// transportError maps a failed round trip. A deadline on ctx is the
// generation timeout; a cancelled caller is not worth retrying.
func transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return reporterrors.NewGenerationError(opGenerate, "generation timed out", context.DeadlineExceeded, true)
	case errors.Is(ctx.Err(), context.Canceled):
		return reporterrors.NewGenerationError(opGenerate, "generation cancelled", context.Canceled, false)
	default:
		return reporterrors.NewGenerationError(opGenerate, "transport error", err, isTransientNetError(err))
	}
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
