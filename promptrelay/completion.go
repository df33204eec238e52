package promptrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
)

const (
	completionsPath = "/chat/completions"

	completionTimeoutReply         = "⏳ Request timed out, try again later"
	completionStatusReplyFormat    = "⚠️ API error: %d"
	completionUnexpectedErrorReply = "❌ Unexpected error, try again later"
)

var errNoChoices = errors.New("completion response contained no choices")

// CompletionOutcome classifies the result of a completion request
type CompletionOutcome string

const (
	CompletionSuccess CompletionOutcome = "success"
	CompletionTimeout CompletionOutcome = "timeout"
	CompletionStatus  CompletionOutcome = "status"
	CompletionError   CompletionOutcome = "error"
)

// CompletionStatusError is returned for any non-200 response from the
// completion endpoint.
type CompletionStatusError struct {
	StatusCode int
	Body       string
}

func (e *CompletionStatusError) Error() string {
	return fmt.Sprintf("completion API returned status %d: %s", e.StatusCode, e.Body)
}

// CompletionResult is the outcome of a single [CompletionClient.Complete] call.
type CompletionResult struct {
	Outcome CompletionOutcome

	// Text is the response content, set when Outcome is CompletionSuccess
	Text string

	// StatusCode is the HTTP status, if a response was received
	StatusCode int

	// Err is the underlying error, for any outcome other than CompletionSuccess
	Err error

	Started time.Time
	Ended   time.Time
}

// Reply returns the text to show the user for this result: the response
// content on success, otherwise a short description of the failure.
func (r CompletionResult) Reply() string {
	switch r.Outcome {
	case CompletionSuccess:
		return r.Text
	case CompletionTimeout:
		return completionTimeoutReply
	case CompletionStatus:
		return fmt.Sprintf(completionStatusReplyFormat, r.StatusCode)
	default:
		return completionUnexpectedErrorReply
	}
}

func (r CompletionResult) Duration() time.Duration {
	return r.Ended.Sub(r.Started)
}

func (r CompletionResult) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("outcome", string(r.Outcome)),
		slog.Duration("duration", r.Duration()),
	}
	if r.StatusCode != 0 {
		attrs = append(attrs, slog.Int("status_code", r.StatusCode))
	}
	if r.Outcome == CompletionSuccess {
		attrs = append(attrs, slog.Int("response_length", len([]rune(r.Text))))
	}
	return slog.GroupValue(attrs...)
}

// CompletionClient sends single-turn prompts to an OpenAI-compatible
// chat completions endpoint. It's safe for concurrent use.
type CompletionClient struct {
	config         *CompletionConfig
	endpoint       string
	httpClient     *http.Client
	requestLimiter *rate.Limiter
	logger         *slog.Logger
}

func NewCompletionClient(
	config *CompletionConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *CompletionClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &CompletionClient{
		config:     config,
		endpoint:   strings.TrimSuffix(config.BaseURL, "/") + completionsPath,
		httpClient: httpClient,
		logger:     logger,
	}
	if config.MaxRequestsPerSecond > 0 {
		c.requestLimiter = rate.NewLimiter(rate.Limit(config.MaxRequestsPerSecond), 1)
	}
	return c
}

func (c *CompletionClient) newRequest(prompt string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
		TopP:        c.config.TopP,
	}
}

// Complete sends prompt as a single user message, and returns the
// classified result. Failures are logged here, and are never returned
// as errors or panics.
func (c *CompletionClient) Complete(
	ctx context.Context,
	prompt string,
) (result CompletionResult) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = c.logger
	}
	result.Started = time.Now()

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, logger, rc)
			result = CompletionResult{
				Outcome: CompletionError,
				Err:     fmt.Errorf("panic: %v", rc),
				Started: result.Started,
			}
		}
		result.Ended = time.Now()
	}()

	if c.requestLimiter != nil {
		if err := c.requestLimiter.Wait(ctx); err != nil {
			logger.ErrorContext(ctx, "error waiting on request limiter", tint.Err(err))
			result.Outcome = CompletionError
			result.Err = err
			return result
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	text, err := c.post(reqCtx, prompt)

	var statusErr *CompletionStatusError
	switch {
	case err == nil:
		result.Outcome = CompletionSuccess
		result.StatusCode = http.StatusOK
		result.Text = text
		logger.DebugContext(ctx, "completion received", "result", result)
	case isTimeout(reqCtx, err):
		result.Outcome = CompletionTimeout
		result.Err = err
		logger.ErrorContext(
			ctx,
			"completion request timed out",
			"timeout", true,
			"timeout_after", c.config.Timeout,
			tint.Err(err),
		)
	case errors.As(err, &statusErr):
		result.Outcome = CompletionStatus
		result.StatusCode = statusErr.StatusCode
		result.Err = err
		attrs := []any{
			"status_code", statusErr.StatusCode,
			"body", statusErr.Body,
		}
		if msg := apiErrorMessage(statusErr.Body); msg != "" {
			attrs = append(attrs, "api_error", msg)
		}
		logger.ErrorContext(ctx, "completion API error", attrs...)
	default:
		result.Outcome = CompletionError
		result.Err = err
		logger.ErrorContext(
			ctx,
			"unexpected error requesting completion",
			tint.Err(err),
			"stack_trace", string(debug.Stack()),
		)
	}
	return result
}

// post sends the request and returns the first choice's content. ctx
// bounds the full exchange, including reading the response body.
func (c *CompletionClient) post(ctx context.Context, prompt string) (string, error) {
	reqBody, err := json.Marshal(c.newRequest(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.endpoint,
		bytes.NewReader(reqBody),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &CompletionStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}
	if readErr != nil {
		return "", fmt.Errorf("failed to read response: %w", readErr)
	}

	var completion openai.ChatCompletionResponse
	if err = json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errNoChoices
	}
	return completion.Choices[0].Message.Content, nil
}

// isTimeout reports whether err was caused by the request deadline
// expiring, or by a network-level timeout
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// apiErrorMessage returns the message from an OpenAI-style error body,
// if body is one
func apiErrorMessage(body string) string {
	var errResp openai.ErrorResponse
	if err := json.Unmarshal([]byte(body), &errResp); err != nil || errResp.Error == nil {
		return ""
	}
	return errResp.Error.Message
}
