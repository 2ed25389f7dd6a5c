package approaches

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"github.com/tandem-ai/tandem/pkg/engine"
)

// OpenAICompat talks to an OpenAI-compatible chat endpoint served on the
// pool token's port.
type OpenAICompat struct {
	base
	cfg    OpenAICompatConfig
	logger zerolog.Logger
}

// NewOpenAICompat creates the openai_compat approach.
func NewOpenAICompat(cfg OpenAICompatConfig, logger zerolog.Logger) *OpenAICompat {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	return &OpenAICompat{
		base:   base{name: NameOpenAICompat, priority: 6, token: true},
		cfg:    cfg,
		logger: logger.With().Str("approach", NameOpenAICompat).Logger(),
	}
}

func (a *OpenAICompat) baseURL(port int) string {
	return fmt.Sprintf("http://%s/v1", net.JoinHostPort(a.cfg.Host, strconv.Itoa(port)))
}

// Execute implements engine.Approach.
func (a *OpenAICompat) Execute(ctx context.Context, req engine.Request, token *engine.PoolToken) (string, error) {
	if token == nil {
		return "", engine.NewPermanentError("openai_compat requires a pool token", nil).WithCode(engine.ErrCodeTokenNotHeld)
	}

	apiKey := a.cfg.APIKey
	if apiKey == "" {
		apiKey = "unused"
	}
	client := openai.NewClient(
		option.WithBaseURL(a.baseURL(token.Port)),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)

	model := a.cfg.Model
	if req.Model != "" {
		model = req.Model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(req.Prompt)},
	}
	if a.cfg.Temperature > 0 {
		params.Temperature = openai.Float(a.cfg.Temperature)
	}
	if a.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(a.cfg.MaxTokens)
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", hostedError(ctx, err, token.Port)
	}
	if len(resp.Choices) == 0 {
		return "", engine.NewBackendUnavailable("no choices returned", nil).WithDetail("port", token.Port)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", engine.NewBackendUnavailable("empty completion", nil).WithDetail("port", token.Port)
	}
	return postProcess(req, content), nil
}

// Anthropic calls the hosted Messages API. It needs no pool token.
type Anthropic struct {
	base
	client anthropic.Client
	cfg    AnthropicConfig
	logger zerolog.Logger
}

// NewAnthropic creates the anthropic approach. cfg.APIKey must be set.
func NewAnthropic(cfg AnthropicConfig, logger zerolog.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic approach requires an API key")
	}
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(cfg.APIKey),
		anthropicoption.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &Anthropic{
		base:   base{name: NameAnthropic, priority: 9},
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: logger.With().Str("approach", NameAnthropic).Logger(),
	}, nil
}

// Execute implements engine.Approach.
func (a *Anthropic) Execute(ctx context.Context, req engine.Request, _ *engine.PoolToken) (string, error) {
	model := a.cfg.Model
	if req.Model != "" {
		model = req.Model
	}
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: a.cfg.MaxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
	})
	if err != nil {
		return "", hostedError(ctx, err, 0)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", engine.NewBackendUnavailable("response has no text", nil)
	}
	return postProcess(req, b.String()), nil
}

// hostedError maps SDK errors. Context errors pass through untouched so the
// racer can tell cancellation from timeouts.
func hostedError(ctx context.Context, err error, port int) error {
	if ctx.Err() != nil {
		return err
	}
	ee := engine.NewBackendUnavailable("api request failed", err)
	if port != 0 {
		ee = ee.WithDetail("port", port)
	}

	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		ee = ee.WithDetail("status", oaErr.StatusCode)
		if oaErr.StatusCode == 429 {
			ee.Class = engine.ErrorClassThrottled
		}
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		ee = ee.WithDetail("status", anErr.StatusCode)
		if anErr.StatusCode == 429 {
			ee.Class = engine.ErrorClassThrottled
		}
	}
	return ee
}

var (
	_ engine.Approach = (*OpenAICompat)(nil)
	_ engine.Approach = (*Anthropic)(nil)
)
