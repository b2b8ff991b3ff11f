// Package genai writes short plain-language notes about risk results using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/RiskPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	DefaultModel       = string(openai.ChatModelGPT4oMini)
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 200
)

var (
	ErrAPIKeyNotSet      = errors.New("OPENAI_API_KEY not set")
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// narrationSystemPrompt keeps the note factual and non-diagnostic.
const narrationSystemPrompt = `You explain the output of a diabetes risk screening questionnaire to the person who took it.
Write two or three short sentences in plain language. Mention at most two of the answers that most likely
raised or lowered the estimate. Do not give a diagnosis and do not invent numbers. Recommend talking to a
healthcare professional when the risk is high.`

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completions adapts the SDK's completion service to chatService.
type completions struct {
	svc *openai.ChatCompletionService
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts configures the client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
	DebugMode   bool
	StateDir    string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key. OPENAI_API_KEY is used when unset.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode writes every request and response as JSON under stateDir/debug.
func WithDebugMode(stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = true
		o.StateDir = stateDir
	}
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	debugMode   bool
	stateDir    string
}

// NewClient initializes a new GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client created", "model", cfg.Model, "debugMode", cfg.DebugMode)
	return &Client{
		chat:        completions{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// GeneratePromptWithContext sends one system and one user message and returns the reply text.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(c.maxTokens),
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI chat completion failed", "error", err, "model", c.model)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	c.writeDebugLog("GeneratePromptWithContext", params, resp)

	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// NarrateResult returns a short explanation of a questionnaire outcome.
func (c *Client) NarrateResult(ctx context.Context, v models.FeatureVector, r models.InferenceResult) (string, error) {
	note, err := c.GeneratePromptWithContext(ctx, narrationSystemPrompt, narrationUserPrompt(v, r))
	if err != nil {
		return "", err
	}
	slog.Debug("GenAI NarrateResult succeeded", "length", len(note))
	return note, nil
}

func narrationUserPrompt(v models.FeatureVector, r models.InferenceResult) string {
	var b strings.Builder
	b.WriteString("Answers:\n")
	for i, q := range models.Questions() {
		fmt.Fprintf(&b, "- %s (%s): %g\n", q.Key, q.Prompt, v[i])
	}
	risk := "low"
	if r.HighRisk() {
		risk = "high"
	}
	fmt.Fprintf(&b, "Result: %s risk, estimated probability %.2f%%.", risk, r.Percent())
	return b.String()
}

type debugEntry struct {
	Timestamp time.Time                      `json:"timestamp"`
	Method    string                         `json:"method"`
	Model     string                         `json:"model"`
	Params    openai.ChatCompletionNewParams `json:"params"`
	Response  openai.ChatCompletion          `json:"response"`
}

func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("GenAI debug log directory not created", "error", err, "dir", dir)
		return
	}
	now := time.Now()
	data, err := json.MarshalIndent(debugEntry{Timestamp: now, Method: method, Model: c.model, Params: params, Response: resp}, "", "  ")
	if err != nil {
		slog.Warn("GenAI debug log marshal failed", "error", err)
		return
	}
	name := filepath.Join(dir, fmt.Sprintf("genai_%s_%d.json", method, now.UnixNano()))
	if err := os.WriteFile(name, data, 0644); err != nil {
		slog.Warn("GenAI debug log write failed", "error", err, "file", name)
	}
}
