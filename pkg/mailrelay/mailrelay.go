// Package mailrelay is a thin client for the deployment's mail-relay
// microservice, which accepts send requests over HTTP and handles SMTP
// delivery itself.
package mailrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotConfigured is returned when the relay URL is not set.
	ErrNotConfigured = errors.New("mailrelay: relay not configured")
	// ErrInvalidRecipient is returned when the recipient email is invalid.
	ErrInvalidRecipient = errors.New("mailrelay: invalid recipient email")
	// ErrSendFailed is returned when the relay rejects the send request.
	ErrSendFailed = errors.New("mailrelay: failed to send email")
)

// Config holds mail relay configuration.
type Config struct {
	BaseURL  string
	FromName string
	Timeout  time.Duration
}

// Message represents one email to relay.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	From    string `json:"from,omitempty"`
}

// Sender defines the interface for sending mail.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	IsConfigured() bool
}

// Client implements Sender against the relay's HTTP API.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a new mail relay client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

// IsConfigured returns true if the relay is properly configured.
func (c *Client) IsConfigured() bool {
	return c.config.BaseURL != ""
}

// Send posts the message to the relay's /send endpoint.
func (c *Client) Send(ctx context.Context, msg *Message) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	if msg.To == "" || !strings.Contains(msg.To, "@") {
		return ErrInvalidRecipient
	}
	if msg.From == "" {
		msg.From = c.config.FromName
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mailrelay: marshal message: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mailrelay: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: relay returned %d: %s", ErrSendFailed, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	return nil
}

// Ensure implementation
var _ Sender = (*Client)(nil)
