package mailrelay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSend(t *testing.T) {
	t.Run("posts message to relay", func(t *testing.T) {
		var got Message
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/send", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		c := NewClient(Config{BaseURL: srv.URL, FromName: "SiteGuard"})
		err := c.Send(context.Background(), &Message{
			To:      "owner@example.com",
			Subject: "Scan finished",
			Text:    "Your scan of https://a.example is complete.",
		})
		require.NoError(t, err)
		assert.Equal(t, "owner@example.com", got.To)
		assert.Equal(t, "SiteGuard", got.From, "from defaults to the configured name")
	})

	t.Run("relay error surfaces as ErrSendFailed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "smtp unavailable", http.StatusBadGateway)
		}))
		defer srv.Close()

		c := NewClient(Config{BaseURL: srv.URL})
		err := c.Send(context.Background(), &Message{To: "owner@example.com", Subject: "x", Text: "y"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSendFailed)
		assert.Contains(t, err.Error(), "502")
	})

	t.Run("invalid recipient", func(t *testing.T) {
		c := NewClient(Config{BaseURL: "http://relay"})
		err := c.Send(context.Background(), &Message{To: "not-an-email"})
		assert.ErrorIs(t, err, ErrInvalidRecipient)
	})

	t.Run("unconfigured", func(t *testing.T) {
		c := NewClient(Config{})
		assert.False(t, c.IsConfigured())
		err := c.Send(context.Background(), &Message{To: "owner@example.com"})
		assert.ErrorIs(t, err, ErrNotConfigured)
	})
}
