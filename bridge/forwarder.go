// Copyright 2026 The Docket Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/docket-project/docket/lib/clock"
	"github.com/docket-project/docket/lib/ipc"
	"github.com/docket-project/docket/lib/sanitize"
	"github.com/docket-project/docket/lib/secret"
)

// ForwarderConfig tunes the cloud query path.
type ForwarderConfig struct {
	// Endpoint is the HTTP URL queries are forwarded to. Empty means
	// queries fail with execution_failed; the rest of the bridge
	// keeps working.
	Endpoint string

	// Model is the default model name sent with each query.
	Model string

	// APIKey is the bearer credential for the endpoint. The buffer
	// is borrowed, not closed; the key value itself is never logged.
	APIKey *secret.Buffer

	// LocalOnly refuses every outbound query regardless of endpoint.
	LocalOnly bool

	// RequestTimeout bounds one attempt. Defaults to 60s.
	RequestTimeout time.Duration

	// MaxAttempts bounds retries of transport and endpoint failures.
	// Defaults to 3.
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt.
	// Defaults to 500ms.
	BackoffBase time.Duration

	// MaxTokens caps the response length when the request does not
	// set its own. Defaults to 1000.
	MaxTokens int

	// BlockedTopics extends the prompt guard with deployment-specific
	// topics.
	BlockedTopics []string

	// Sanitizer scrubs the prompt before egress and the response
	// before return. Defaults to sanitize.Default().
	Sanitizer *sanitize.Sanitizer

	// Breaker tunes the endpoint circuit breaker.
	Breaker ipc.BreakerConfig

	// HTTPClient is injectable for tests. Defaults to a plain client;
	// per-attempt deadlines come from the request context.
	HTTPClient *http.Client

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c ForwarderConfig) withDefaults() ForwarderConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1000
	}
	if c.Sanitizer == nil {
		c.Sanitizer = sanitize.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Forwarder sends sanitized prompts to the configured endpoint. Every
// prompt passes the redaction pass, the execution-hint guard, and the
// topic blocklist before any bytes leave the machine; log lines carry
// a content digest, never the prompt itself.
type Forwarder struct {
	config    ForwarderConfig
	sanitizer *sanitize.Sanitizer
	client    *http.Client
	breaker   *ipc.Breaker
	clock     clock.Clock
	logger    *slog.Logger
}

// NewForwarder builds a forwarder with its own endpoint breaker.
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	cfg = cfg.withDefaults()
	return &Forwarder{
		config:    cfg,
		sanitizer: cfg.Sanitizer,
		client:    cfg.HTTPClient,
		breaker:   ipc.NewBreaker(cfg.Breaker, cfg.Clock),
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
}

// BreakerState reports the endpoint breaker for status snapshots.
func (f *Forwarder) BreakerState() ipc.BreakerState {
	return f.breaker.State()
}

// chatMessage and queryRequest follow the common chat-completion
// shape the endpoint families share.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type queryRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

// queryResponse accepts both answer shapes: choices[].message.content
// and content[].text.
type queryResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Forward sends one query. The guard order is fixed: local-only,
// endpoint presence, redaction, execution-hint guard, topic
// blocklist, breaker. Only a prompt that clears them all reaches the
// network.
func (f *Forwarder) Forward(ctx context.Context, payload ipc.CloudQueryPayload) (ipc.CloudQueryResult, error) {
	if strings.TrimSpace(payload.Prompt) == "" {
		return ipc.CloudQueryResult{}, ipc.NewError(ipc.CodeInvalidPayload, "", "cloud_query requires a prompt")
	}
	if f.config.LocalOnly {
		return ipc.CloudQueryResult{}, ipc.NewError(ipc.CodeSanitizeBlock, "", "local-only mode refuses outbound queries")
	}
	if f.config.Endpoint == "" {
		return ipc.CloudQueryResult{}, ipc.NewError(ipc.CodeExecutionFailed, "", "no query endpoint configured")
	}

	prompt, report := f.sanitizer.Sanitize(payload.Prompt)
	if err := f.sanitizer.GuardPrompt(prompt); err != nil {
		return ipc.CloudQueryResult{}, ipc.NewError(ipc.CodeSanitizeBlock, "", "prompt rejected: %v", err)
	}
	if err := sanitize.CheckTopic(prompt, f.config.BlockedTopics); err != nil {
		return ipc.CloudQueryResult{}, ipc.NewError(ipc.CodeSanitizeBlock, "", "prompt rejected: %v", err)
	}
	if err := f.breaker.Allow(); err != nil {
		return ipc.CloudQueryResult{}, err
	}

	model := payload.Model
	if model == "" {
		model = f.config.Model
	}
	maxTokens := payload.MaxTokens
	if maxTokens <= 0 || maxTokens > f.config.MaxTokens {
		maxTokens = f.config.MaxTokens
	}
	request := queryRequest{
		Model:     model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	}

	digest := ipc.ContentDigest([]byte(prompt))[:16]
	f.logger.Info("forwarding query",
		"prompt_digest", digest,
		"redacted", report.Changed,
		"model", model,
	)

	start := f.clock.Now()
	var lastErr error
	for attempt := 1; attempt <= f.config.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, f.config.RequestTimeout)
		result, err := f.post(attemptCtx, request)
		cancel()

		if err == nil {
			f.breaker.Success()
			result.Text, _ = f.sanitizer.Sanitize(result.Text)
			if result.Model == "" {
				result.Model = model
			}
			result.ElapsedMillis = f.clock.Now().Sub(start).Milliseconds()
			f.logger.Info("query answered",
				"prompt_digest", digest,
				"attempt", attempt,
				"elapsed_ms", result.ElapsedMillis,
			)
			return result, nil
		}

		lastErr = err
		f.logger.Warn("query attempt failed",
			"prompt_digest", digest,
			"attempt", attempt,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
		if attempt < f.config.MaxAttempts {
			delay := f.config.BackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
			case <-f.clock.After(delay):
			}
		}
	}

	f.breaker.Failure()
	switch ctx.Err() {
	case context.Canceled:
		return ipc.CloudQueryResult{}, ipc.NewError(ipc.CodeCanceled, "", "query canceled")
	case context.DeadlineExceeded:
		return ipc.CloudQueryResult{}, ipc.NewError(ipc.CodeTimeout, "", "query timed out: %v", lastErr)
	default:
		return ipc.CloudQueryResult{}, ipc.NewError(ipc.CodeExecutionFailed, "", "query failed after %d attempts: %v",
			f.config.MaxAttempts, lastErr)
	}
}

// post performs one HTTP attempt and extracts the answer text.
func (f *Forwarder) post(ctx context.Context, request queryRequest) (ipc.CloudQueryResult, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return ipc.CloudQueryResult{}, fmt.Errorf("encoding request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return ipc.CloudQueryResult{}, fmt.Errorf("building request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if f.config.APIKey != nil {
		httpRequest.Header.Set("Authorization", "Bearer "+f.config.APIKey.String())
	}

	response, err := f.client.Do(httpRequest)
	if err != nil {
		return ipc.CloudQueryResult{}, fmt.Errorf("posting to endpoint: %w", err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, 4<<20))
	if err != nil {
		return ipc.CloudQueryResult{}, fmt.Errorf("reading endpoint response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return ipc.CloudQueryResult{}, fmt.Errorf("endpoint returned HTTP %d: %s",
			response.StatusCode, excerpt(string(raw), 200))
	}

	var decoded queryResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ipc.CloudQueryResult{}, fmt.Errorf("decoding endpoint response: %w", err)
	}

	text, ok := decoded.answerText()
	if !ok {
		return ipc.CloudQueryResult{}, fmt.Errorf("endpoint response carried no answer text")
	}
	return ipc.CloudQueryResult{Text: text, Model: decoded.Model}, nil
}

func (r *queryResponse) answerText() (string, bool) {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content, true
	}
	for _, block := range r.Content {
		if block.Type == "text" {
			return block.Text, true
		}
	}
	return "", false
}

func excerpt(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
