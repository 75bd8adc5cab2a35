package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChatProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ChatConfig
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: ChatConfig{
				Endpoint: "https://router.example.com/v1/chat/completions",
				APIKey:   "test-key",
			},
			wantErr: false,
		},
		{
			name:    "missing endpoint",
			cfg:     ChatConfig{APIKey: "test-key"},
			wantErr: true,
		},
		{
			name:    "missing API key",
			cfg:     ChatConfig{Endpoint: "https://router.example.com"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewChatProvider(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, provider)
			assert.Equal(t, "chat", provider.Name())
			assert.Equal(t, defaultChatModel, provider.Model())
		})
	}
}

func TestChatProvider_Complete(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

			var req chatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Len(t, req.Messages, 2)
			assert.Equal(t, "system", req.Messages[0].Role)
			assert.Equal(t, "user", req.Messages[1].Role)

			json.NewEncoder(w).Encode(chatResponse{
				Model: "test-model",
				Choices: []chatChoice{
					{Message: chatMessage{Role: "assistant", Content: "A simple explanation."}, FinishReason: "stop"},
				},
				Usage: chatUsage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25},
			})
		}))
		defer srv.Close()

		p, err := NewChatProvider(ChatConfig{Endpoint: srv.URL, APIKey: "test-key"})
		require.NoError(t, err)

		resp, err := p.Complete(context.Background(), CompletionRequest{
			SystemPrompt: "You explain things simply.",
			UserPrompt:   "Explain SQL injection.",
		})
		require.NoError(t, err)
		assert.Equal(t, "A simple explanation.", resp.Content)
		assert.Equal(t, 25, resp.TotalTokens)
	})

	t.Run("missing content is ErrInvalidResponse", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices":[]}`))
		}))
		defer srv.Close()

		p, err := NewChatProvider(ChatConfig{Endpoint: srv.URL, APIKey: "k"})
		require.NoError(t, err)

		_, err = p.Complete(context.Background(), CompletionRequest{UserPrompt: "hi"})
		assert.ErrorIs(t, err, ErrInvalidResponse)
	})

	t.Run("API error surfaces message", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"message":"bad key","type":"auth_error"}}`))
		}))
		defer srv.Close()

		p, err := NewChatProvider(ChatConfig{Endpoint: srv.URL, APIKey: "k"})
		require.NoError(t, err)

		_, err = p.Complete(context.Background(), CompletionRequest{UserPrompt: "hi"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad key")
	})
}
