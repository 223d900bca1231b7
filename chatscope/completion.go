package chatscope

import (
	"context"
	"fmt"
	openai "github.com/sashabaranov/go-openai"
	"strings"
)

var broadcastMentions = []string{"@everyone", "@here"}

// ChatCompleter is implemented by OpenAI
type ChatCompleter interface {
	CreateChatCompletion(
		ctx context.Context,
		messages []openai.ChatCompletionMessage,
	) (openai.ChatCompletionResponse, error)
}

// CompletionGateway submits conversation histories for completion and
// validates the response
type CompletionGateway struct {
	completer          ChatCompleter
	wordLimit          int
	mentionPlaceholder string
}

func NewCompletionGateway(
	completer ChatCompleter,
	wordLimit int,
	mentionPlaceholder string,
) *CompletionGateway {
	return &CompletionGateway{
		completer:          completer,
		wordLimit:          wordLimit,
		mentionPlaceholder: mentionPlaceholder,
	}
}

// Complete returns the model's reply to the conversation, unsanitized.
// Any API error, or an empty response, returns ErrCompletionFailed.
// A reply over the word limit returns a *LengthExceededError.
func (g *CompletionGateway) Complete(
	ctx context.Context,
	conv Conversation,
) (string, error) {
	resp, err := g.completer.CreateChatCompletion(
		ctx,
		conv.chatCompletionMessages(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCompletionFailed, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrCompletionFailed)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty response", ErrCompletionFailed)
	}

	if words := wordCount(content); g.wordLimit > 0 && words > g.wordLimit {
		return "", &LengthExceededError{Words: words, Limit: g.wordLimit}
	}
	return content, nil
}

// Sanitize replaces @everyone and @here with the mention placeholder
func (g *CompletionGateway) Sanitize(s string) string {
	return sanitizeMentions(s, g.mentionPlaceholder)
}

func sanitizeMentions(s string, placeholder string) string {
	for _, m := range broadcastMentions {
		s = strings.ReplaceAll(s, m, placeholder)
	}
	return s
}
