package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// ClaudeExecutor is an Executor backed by the Anthropic Messages API.
// It lives at the collaborator boundary: the engine only sees the
// Executor interface, and prompt content stays out of the core.
type ClaudeExecutor struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// ClaudeConfig configures a ClaudeExecutor.
type ClaudeConfig struct {
	// Model is the Claude model to use. Defaults to Sonnet.
	Model anthropic.Model
	// MaxTokens bounds the response size. Defaults to 8192.
	MaxTokens int64
}

// NewClaudeExecutor creates a Claude-backed executor. The client reads
// its API key from the environment in the usual SDK way.
func NewClaudeExecutor(cfg ClaudeConfig) *ClaudeExecutor {
	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}
	return &ClaudeExecutor{
		client:    anthropic.NewClient(),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Execute renders the request into a single Messages API call and
// returns the concatenated text output.
func (c *ClaudeExecutor) Execute(ctx context.Context, req Request) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are acting as the %s agent.\n\n", req.Role)
	fmt.Fprintf(&sb, "Task: %s\n", req.Description)

	if len(req.Context) > 0 {
		keys := make([]string, 0, len(req.Context))
		for k := range req.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\nPrior outputs:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "--- %s ---\n%s\n", k, req.Context[k])
		}
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(sb.String())),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude call for role %s: %w", req.Role, err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(text.Text)
		}
	}
	return out.String(), nil
}
