// Package llm provides the language model for the local dialogue transport
// via the Ollama API.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"
)

// Client is an Ollama API client that keeps a bounded conversation history.
type Client struct {
	client       *api.Client
	model        string
	systemPrompt string
	temperature  float32
	maxHistory   int // Message pairs
	logger       *slog.Logger

	mu      sync.Mutex
	history []api.Message
}

// Config holds LLM client configuration.
type Config struct {
	Host         string
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxHistory   int
}

// NewClient creates a new Ollama client with connection pooling tuned for
// repeated low-latency requests to a local server.
func NewClient(cfg *Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 10
	}

	parsedURL, err := url.Parse(strings.TrimSuffix(cfg.Host, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid host URL: %w", err)
	}

	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		client:       api.NewClient(parsedURL, httpClient),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxHistory:   maxHistory,
		logger:       logger,
	}, nil
}

// Chat sends a message and returns the response.
func (c *Client) Chat(ctx context.Context, userMessage string) (string, error) {
	c.mu.Lock()
	messages := make([]api.Message, 0, len(c.history)+2)
	messages = append(messages, api.Message{Role: "system", Content: c.systemPrompt})
	messages = append(messages, c.history...)
	c.mu.Unlock()
	messages = append(messages, api.Message{Role: "user", Content: userMessage})

	stream := false
	start := time.Now()
	var response api.ChatResponse
	err := c.client.Chat(ctx, &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": c.temperature,
			"num_predict": 150,  // Limit response length for voice output
			"num_ctx":     1024, // Reduced context window to save GPU memory
		},
	}, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}

	reply := strings.TrimSpace(response.Message.Content)
	c.logger.Debug("[LLM] reply", "model", c.model, "latency", time.Since(start))

	c.mu.Lock()
	c.history = append(c.history,
		api.Message{Role: "user", Content: userMessage},
		api.Message{Role: "assistant", Content: reply},
	)
	c.trimHistoryLocked()
	c.mu.Unlock()

	return reply, nil
}

// ClearHistory clears the conversation history. Called when a conversation
// ends so the next one starts fresh.
func (c *Client) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}

// HistoryLen returns the number of stored messages.
func (c *Client) HistoryLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

func (c *Client) trimHistoryLocked() {
	maxMessages := c.maxHistory * 2 // user + assistant pairs
	if len(c.history) > maxMessages {
		c.history = c.history[len(c.history)-maxMessages:]
	}
}

// HealthCheck verifies the Ollama server is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("cannot reach Ollama: %w", err)
	}
	return nil
}
