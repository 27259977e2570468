// Package ai is the boundary client for the defi.analyze method. It treats
// the language model as a black box: the gateway hands over a portfolio
// snapshot and a question and returns the completion verbatim. No analysis
// logic lives in the gateway.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ayalabs/defigw/service/fault"
	"github.com/ayalabs/defigw/service/portfolio"
	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = `You are a DeFi portfolio analyst. You are given a wallet's
portfolio snapshot as JSON (balances, USD values, protocol positions) and a
question about it. Answer concisely using only the data provided. If the data
cannot answer the question, say so.`

// CompletionClient is the subset of the OpenAI client the analyzer uses.
// This allows for easy mocking in tests.
type CompletionClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Analyzer answers questions about portfolio snapshots via a chat model.
type Analyzer struct {
	client CompletionClient
	model  string
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer backed by the given completion client.
// If model is empty, gpt-4o-mini is used.
func NewAnalyzer(client CompletionClient, model string, logger *slog.Logger) *Analyzer {
	if model == "" {
		model = openai.GPT4oMini
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		client: client,
		model:  model,
		logger: logger.With("component", "ai"),
	}
}

// NewOpenAIClient creates the production OpenAI client from an API key.
func NewOpenAIClient(apiKey string) *openai.Client {
	return openai.NewClient(apiKey)
}

// Analyze sends the snapshot and question to the model and returns the
// completion text.
func (a *Analyzer) Analyze(ctx context.Context, snapshot *portfolio.Snapshot, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fault.New(fault.KindInvalidRequest, "question is required")
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "encode portfolio snapshot")
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Portfolio snapshot:\n%s\n\nQuestion: %s", data, question),
			},
		},
		Temperature: 0.2,
		MaxTokens:   1000,
	})
	if err != nil {
		a.logger.WarnContext(ctx, "chat completion failed", "error", err)
		return "", fault.Wrap(fault.KindUpstreamUnavailable, err, "analysis provider unavailable")
	}
	if len(resp.Choices) == 0 {
		return "", fault.New(fault.KindUpstreamUnavailable, "analysis provider returned no choices")
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	a.logger.DebugContext(ctx, "analysis completed",
		"model", a.model,
		"question_len", len(question),
		"answer_len", len(answer),
	)
	return answer, nil
}
