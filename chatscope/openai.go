package chatscope

import (
	"context"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"log/slog"
	"net/http"
	"time"
)

// OpenAI wraps the chat completion client, logging each request
type OpenAI struct {
	client OpenAIClient
	config *OpenAIConfig
	logger *slog.Logger
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	o := &OpenAI{config: config}
	o.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "openai")

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}

	o.client = openai.NewClientWithConfig(clientCfg)
	return o
}

// CreateChatCompletion submits the conversation history to the
// configured model
func (o *OpenAI) CreateChatCompletion(
	ctx context.Context,
	messages []openai.ChatCompletionMessage,
) (openai.ChatCompletionResponse, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = o.logger
	}

	req := openai.ChatCompletionRequest{
		Model:    o.config.Model,
		Messages: messages,
	}
	logger.DebugContext(
		ctx,
		"creating chat completion",
		"model", req.Model,
		"messages", len(messages),
	)

	started := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	elapsed := time.Since(started)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"chat completion failed",
			tint.Err(err),
			"elapsed", elapsed,
		)
		return resp, err
	}

	logger.InfoContext(
		ctx,
		"chat completion finished",
		"id", resp.ID,
		"model", resp.Model,
		"choices", len(resp.Choices),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"elapsed", elapsed,
	)
	return resp, nil
}

// OpenAIClient defines the subset of the OpenAI API used by the bot,
// implemented by *openai.Client
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}
