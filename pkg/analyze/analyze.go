// Package analyze calls an OpenAI-compatible chat-completions endpoint to
// derive short behavioral tags from a user's extracted post and reply text.
// It sits off the critical path: callers fire it from a detached goroutine
// and a failure only means the profile stays unset.
package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/basedin/pkg/region"
)

const (
	defaultEndpoint = "https://api.openai.com/v1/chat/completions"
	defaultModel    = "gpt-4o-mini"

	// Tag output bounds. Anything past these is trimmed, not rejected.
	maxTags     = 5
	minLabelLen = 2
	maxLabelLen = 6

	// Seed text beyond this is noise for the model and wasted tokens.
	maxSeedLen = 8000
)

// ErrNoAPIKey is returned when analysis is requested without credentials.
var ErrNoAPIKey = errors.New("analysis requires an API key")

// Analyzer turns extracted page text into a comma-joined tag list.
type Analyzer interface {
	Analyze(ctx context.Context, seed region.SeedText) (string, error)
}

// Client is an Analyzer backed by an OpenAI-compatible API.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
	model      string
	apiKey     string
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint points the client at a non-default chat-completions URL, for
// self-hosted or proxy providers.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNoAPIKey
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 45 * time.Second},
		logger:     slog.Default(),
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		apiKey:     strings.TrimSpace(apiKey),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

const systemPrompt = `You label social-media accounts from samples of their posts and replies.

Produce at most 5 short tags describing the account's posting behavior.
Each tag is a lowercase label of 2-6 characters, optionally followed by a
colon and a brief reason. Join tags with commas on a single line.

Example output: spam:reposts same link, crypto, angry:hostile replies

Return ONLY the tag line, no other text.`

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Analyze sends seed text to the model and returns sanitized tags.
func (c *Client) Analyze(ctx context.Context, seed region.SeedText) (string, error) {
	user := fmt.Sprintf("POSTS:\n%s\n\nREPLIES:\n%s",
		clip(seed.PostText, maxSeedLen), clip(seed.ReplyText, maxSeedLen))

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("analysis request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best effort cleanup

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr) //nolint:errcheck // error body is optional
		if apiErr.Error.Message != "" {
			return "", fmt.Errorf("analysis failed: %s", apiErr.Error.Message)
		}
		return "", fmt.Errorf("analysis failed with HTTP %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("analysis returned no choices")
	}

	tags := SanitizeTags(parsed.Choices[0].Message.Content)
	if tags == "" {
		return "", errors.New("analysis returned no usable tags")
	}
	c.logger.Debug("analysis complete", "tags", tags)
	return tags, nil
}

// SanitizeTags enforces the tag contract on raw model output: at most
// maxTags comma-joined entries, each a 2-6 character lowercase label with an
// optional ":reason" suffix. Malformed entries are dropped, duplicates
// collapse to the first occurrence.
func SanitizeTags(raw string) string {
	seen := make(map[string]struct{})
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		if len(out) == maxTags {
			break
		}
		label, reason, _ := strings.Cut(strings.TrimSpace(entry), ":")
		label = strings.ToLower(strings.TrimSpace(label))
		if n := len([]rune(label)); n < minLabelLen || n > maxLabelLen {
			continue
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		if reason = strings.TrimSpace(reason); reason != "" {
			out = append(out, label+":"+reason)
		} else {
			out = append(out, label)
		}
	}
	return strings.Join(out, ",")
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
