package approaches

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-ai/tandem/pkg/engine"
)

const chatCompletionBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "local-model",
  "choices": [{
    "index": 0,
    "finish_reason": "stop",
    "message": {"role": "assistant", "content": "print('hi')"}
  }]
}`

func TestOpenAICompat_Success(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatCompletionBody))
	}))
	defer srv.Close()

	a := NewOpenAICompat(OpenAICompatConfig{Enabled: true, Host: "127.0.0.1", Model: "local-model", APIKey: "secret", MaxTokens: 256}, zerolog.Nop())
	assert.True(t, a.RequiresToken())
	assert.Equal(t, 6, a.Priority())

	out, err := a.Execute(context.Background(), engine.Request{Prompt: "greet"}, tokenFor(t, srv))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", out)

	assert.Equal(t, "local-model", body["model"])
	assert.EqualValues(t, 256, body["max_tokens"])
	messages, ok := body["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, messages, 1)
	first := messages[0].(map[string]interface{})
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "greet", first["content"])
}

func TestOpenAICompat_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		class  engine.ErrorClass
	}{
		{"server error", http.StatusInternalServerError, `{"error":{"message":"boom"}}`, engine.ErrorClassTransient},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, engine.ErrorClassThrottled},
		{"no choices", http.StatusOK, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`, engine.ErrorClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			a := NewOpenAICompat(OpenAICompatConfig{Host: "127.0.0.1", Model: "m"}, zerolog.Nop())
			_, err := a.Execute(context.Background(), engine.Request{Prompt: "p"}, tokenFor(t, srv))
			require.Error(t, err)
			ee := engine.AsEngineError(err)
			require.NotNil(t, ee)
			assert.Equal(t, engine.ErrCodeBackendUnavailable, ee.Code)
			assert.Equal(t, tt.class, ee.Class)
		})
	}

	a := NewOpenAICompat(OpenAICompatConfig{Model: "m"}, zerolog.Nop())
	_, err := a.Execute(context.Background(), engine.Request{Prompt: "p"}, nil)
	assert.True(t, engine.HasCode(err, engine.ErrCodeTokenNotHeld))
}

func TestAnthropic(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"), r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "id": "msg_1",
  "type": "message",
  "role": "assistant",
  "model": "claude-test",
  "content": [{"type": "text", "text": "Here:\n` + "```python\\nx = 1\\n```" + `"}],
  "stop_reason": "end_turn",
  "stop_sequence": null,
  "usage": {"input_tokens": 3, "output_tokens": 5}
}`))
	}))
	defer srv.Close()

	a, err := NewAnthropic(AnthropicConfig{APIKey: "test-key", Model: "claude-test", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, a.RequiresToken())
	assert.Equal(t, 9, a.Priority())

	out, err := a.Execute(context.Background(), engine.Request{Prompt: "assign"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", out)
	assert.Equal(t, "claude-test", body["model"])
	assert.EqualValues(t, 2048, body["max_tokens"])

	_, err = NewAnthropic(AnthropicConfig{}, zerolog.Nop())
	assert.Error(t, err)
}
