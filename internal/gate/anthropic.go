package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

const (
	defaultReviewModel = "claude-sonnet-4-5"
	reviewMaxRetries   = 3
	reviewInitialWait  = 1 * time.Second
)

// errAPIKeyRequired is returned when no Anthropic API key is available.
var errAPIKeyRequired = errors.New("API key required")

const reviewPromptTemplate = `You are a verification reviewer for an automated work queue.
Judge whether the submitted artifact satisfies the ticket's acceptance criteria.

Ticket: {{.TicketID}} — {{.Title}}
Description:
{{.Description}}

Acceptance criteria:
{{if .AcceptanceCriteria}}{{.AcceptanceCriteria}}{{else}}(none stated; judge against the description){{end}}

Artifact: {{.ArtifactRef}}
Review attempt: {{.Attempt}}
{{if .PriorFeedback}}
Findings from earlier rejections (verify each was addressed):
{{range .PriorFeedback}}- [attempt {{.Attempt}}{{if .Severity}}, {{.Severity}}{{end}}{{if .Location}}, {{.Location}}{{end}}] {{.Message}}
{{end}}{{end}}
Respond with ONLY a JSON object, no prose:
{
  "decision": "approve" | "reject" | "escalate",
  "score": <0.0-1.0>,
  "summary": "<one sentence>",
  "feedback": [{"severity": "blocker|major|minor", "location": "<where>", "message": "<what is wrong and what to do>"}]
}
Use "escalate" only when you cannot judge the artifact at all. On "reject",
every feedback message must be specific enough to act on.`

// AnthropicReviewer judges artifacts with the Anthropic API.
type AnthropicReviewer struct {
	client      anthropic.Client
	model       anthropic.Model
	tmpl        *template.Template
	maxRetries  int
	initialWait time.Duration
}

// NewAnthropicReviewer creates a Claude-backed reviewer. The
// ANTHROPIC_API_KEY environment variable takes precedence over the explicit
// apiKey. An empty model uses the default review model.
func NewAnthropicReviewer(apiKey, model string) (*AnthropicReviewer, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or configure reviewer.api_key", errAPIKeyRequired)
	}
	if model == "" {
		model = defaultReviewModel
	}

	tmpl, err := template.New("review").Parse(reviewPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse review template: %w", err)
	}

	return &AnthropicReviewer{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:       anthropic.Model(model),
		tmpl:        tmpl,
		maxRetries:  reviewMaxRetries,
		initialWait: reviewInitialWait,
	}, nil
}

// Review implements Reviewer.
func (r *AnthropicReviewer) Review(ctx context.Context, req *ReviewRequest) (*ReviewResult, error) {
	var buf strings.Builder
	if err := r.tmpl.Execute(&buf, req); err != nil {
		return nil, fmt.Errorf("failed to render review prompt: %w", err)
	}

	raw, err := r.callWithRetry(ctx, buf.String())
	if err != nil {
		return nil, err
	}
	return parseReviewResult(raw, req.Attempt)
}

func (r *AnthropicReviewer) callWithRetry(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			wait := r.initialWait * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := r.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", fmt.Errorf("unexpected response format: no content blocks")
			}
			content := message.Content[0]
			if content.Type != "text" {
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return content.Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryableAPIError(err) {
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}
	return "", fmt.Errorf("failed after %d retries: %w", r.maxRetries+1, lastErr)
}

func isRetryableAPIError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

// parseReviewResult extracts the JSON verdict from a model response, tolerating
// surrounding prose or a markdown fence. Feedback items are stamped with the
// current attempt number.
func parseReviewResult(raw string, attempt int) (*ReviewResult, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("reviewer response contains no JSON object: %q", truncate(raw, 200))
	}

	var result ReviewResult
	if err := json.Unmarshal([]byte(raw[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("failed to parse reviewer response: %w", err)
	}

	switch result.Decision {
	case DecisionApprove, DecisionReject, DecisionEscalate:
	default:
		return nil, fmt.Errorf("reviewer returned invalid decision %q", result.Decision)
	}

	for i := range result.Feedback {
		result.Feedback[i].Attempt = attempt
	}
	if result.Decision == DecisionReject && len(result.Feedback) == 0 && result.Summary != "" {
		result.Feedback = []types.Feedback{{Attempt: attempt, Severity: "major", Message: result.Summary}}
	}
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
