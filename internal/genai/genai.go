// Package genai provides a model-backed RiskAssessor using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/CrisisRelay/internal/models"
	"github.com/BTreeMap/CrisisRelay/internal/risk"
)

var (
	ErrNoChoicesReturned   = errors.New("no choices returned")
	ErrMalformedAssessment = errors.New("malformed risk assessment")
)

const assessSystemPrompt = `You assess messages sent to a crisis support line for risk of harm.
Reply with a single JSON object and nothing else:
{"risk_score": <0-100>, "detected": <true|false>, "confidence": <0-100>, "risk_factors": ["<category>:<phrase>", ...]}
Categories: self_harm, violence, substance, medical, isolation, distress.
Prefer false positives over missed risk.`

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type completionsAdapter struct {
	client openai.Client
}

func (a *completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey  string
	Model   openai.ChatModel
	Timeout time.Duration
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = openai.ChatModel(model) }
}

// WithTimeout bounds each assessment request.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client scores message risk with a chat model.
type Client struct {
	chat    chatService
	model   openai.ChatModel
	timeout time.Duration
}

var _ risk.Assessor = (*Client)(nil)

// NewClient creates a client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: openai.ChatModelGPT4oMini, Timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client initialized", "model", cfg.Model, "timeout", cfg.Timeout)
	return &Client{chat: &completionsAdapter{client: cli}, model: cfg.Model, timeout: cfg.Timeout}, nil
}

type assessmentReply struct {
	RiskScore   *int     `json:"risk_score"`
	Detected    bool     `json:"detected"`
	Confidence  int      `json:"confidence"`
	RiskFactors []string `json:"risk_factors"`
}

// Assess asks the model to score text. Callers should wrap it with risk.WithFallback.
func (c *Client) Assess(ctx context.Context, text, language string) (models.RiskAssessment, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	user := text
	if language != "" {
		user = fmt.Sprintf("Language: %s\nMessage:\n%s", language, text)
	}
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(assessSystemPrompt),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0),
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("Client.Assess: chat completion failed", "error", err, "model", c.model)
		return models.RiskAssessment{}, fmt.Errorf("risk assessment request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.RiskAssessment{}, ErrNoChoicesReturned
	}

	a, err := parseAssessment(resp.Choices[0].Message.Content)
	if err != nil {
		slog.Warn("Client.Assess: unparseable model reply", "error", err, "replyLength", len(resp.Choices[0].Message.Content))
		return models.RiskAssessment{}, err
	}
	slog.Debug("Client.Assess: scored message", "score", a.RiskScore, "level", a.Level, "elapsed", time.Since(start))
	return a, nil
}

func parseAssessment(content string) (models.RiskAssessment, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return models.RiskAssessment{}, ErrMalformedAssessment
	}
	var reply assessmentReply
	if err := json.Unmarshal([]byte(content[start:end+1]), &reply); err != nil {
		return models.RiskAssessment{}, fmt.Errorf("%w: %v", ErrMalformedAssessment, err)
	}
	if reply.RiskScore == nil {
		return models.RiskAssessment{}, fmt.Errorf("%w: missing risk_score", ErrMalformedAssessment)
	}
	return risk.Normalize(models.RiskAssessment{
		RiskScore:       *reply.RiskScore,
		Detected:        reply.Detected,
		ConfidenceLevel: reply.Confidence,
		RiskFactors:     reply.RiskFactors,
		Source:          "openai",
	}), nil
}
