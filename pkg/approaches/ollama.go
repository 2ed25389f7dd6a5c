package approaches

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/tandem-ai/tandem/pkg/engine"
)

// GenerateOptions are the sampling options sent to /api/generate.
type GenerateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options GenerateOptions `json:"options"`
}

type generateResponse struct {
	Response *string `json:"response"`
}

// Ollama calls an Ollama server on the port granted by the pool token.
type Ollama struct {
	base
	host    string
	model   string
	options GenerateOptions
	client  *http.Client
	logger  zerolog.Logger
}

// NewOllama creates the ollama approach from cfg.
func NewOllama(cfg OllamaConfig, logger zerolog.Logger) *Ollama {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	return &Ollama{
		base:  base{name: NameOllama, priority: 7, token: true},
		host:  host,
		model: cfg.Model,
		options: GenerateOptions{
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
			MaxTokens:   cfg.MaxTokens,
		},
		client: &http.Client{},
		logger: logger.With().Str("approach", NameOllama).Logger(),
	}
}

// WithHTTPClient replaces the HTTP client.
func (o *Ollama) WithHTTPClient(client *http.Client) *Ollama {
	o.client = client
	return o
}

// Execute implements engine.Approach.
func (o *Ollama) Execute(ctx context.Context, req engine.Request, token *engine.PoolToken) (string, error) {
	if token == nil {
		return "", engine.NewPermanentError("ollama requires a pool token", nil).WithCode(engine.ErrCodeTokenNotHeld)
	}

	model := o.model
	if req.Model != "" {
		model = req.Model
	}
	body, err := json.Marshal(generateRequest{Model: model, Prompt: req.Prompt, Options: o.options})
	if err != nil {
		return "", engine.NewPermanentError("failed to encode request", err).WithCode(engine.ErrCodeInternal)
	}

	endpoint := fmt.Sprintf("http://%s/api/generate", net.JoinHostPort(o.host, strconv.Itoa(token.Port)))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", engine.NewPermanentError("failed to create request", err).WithCode(engine.ErrCodeInternal)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	o.logger.Debug().Int("port", token.Port).Str("model", model).Msg("Sending generate request")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", engine.NewBackendUnavailable("request failed", err).WithDetail("port", token.Port)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", engine.NewBackendUnavailable(fmt.Sprintf("status %s", resp.Status), nil).
			WithDetail("port", token.Port).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", string(snippet))
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", engine.NewBackendUnavailable("failed to decode response", err).WithDetail("port", token.Port)
	}
	if decoded.Response == nil {
		return "", engine.NewBackendUnavailable("response missing \"response\" field", nil).WithDetail("port", token.Port)
	}
	return postProcess(req, *decoded.Response), nil
}

// postProcess strips markdown around code answers. Analysis answers are
// returned whole.
func postProcess(req engine.Request, text string) string {
	if isAnalysis(req.TaskLabel) {
		return text
	}
	return ExtractCode(text)
}

var _ engine.Approach = (*Ollama)(nil)
