package chatscope

import (
	"context"
	"errors"
	"fmt"
	openai "github.com/sashabaranov/go-openai"
	"log/slog"
	"time"
)

const (
	roleSystem    = openai.ChatMessageRoleSystem
	roleUser      = openai.ChatMessageRoleUser
	roleAssistant = openai.ChatMessageRoleAssistant
)

var (
	ErrContextEmpty          = errors.New("context is empty")
	ErrContextContainsPeriod = errors.New("context contains a period")
	ErrInvalidContextID      = errors.New("invalid context id")

	// ErrDuplicateKey is returned when creating a conversation whose
	// key is already in use
	ErrDuplicateKey = errors.New("conversation key already exists")

	ErrCompletionFailed = errors.New("completion failed")
	ErrLengthExceeded   = errors.New("response length exceeded")
)

// ValidationError is returned for operator input which can't be stored.
// Err is one of ErrContextEmpty, ErrContextContainsPeriod or
// ErrInvalidContextID.
type ValidationError struct {
	Err   error
	Value string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %q", e.Err.Error(), e.Value)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// LengthExceededError is returned when a completion has more words
// than allowed
type LengthExceededError struct {
	Words int
	Limit int
}

func (e *LengthExceededError) Error() string {
	return fmt.Sprintf(
		"%s: %d words (limit %d)",
		ErrLengthExceeded.Error(),
		e.Words,
		e.Limit,
	)
}

func (e *LengthExceededError) Unwrap() error {
	return ErrLengthExceeded
}

// Author identifies the discord user who added a context snippet
type Author struct {
	ID       string `json:"id" bson:"id"`
	Username string `json:"username" bson:"username"`
}

// ContextSnippet is a piece of operator-curated text which is included
// in the system prompt of every new conversation
type ContextSnippet struct {
	ID      string    `json:"id"`
	Text    string    `json:"text"`
	AddedBy Author    `json:"added_by"`
	AddedAt time.Time `json:"added_at"`
}

func (c ContextSnippet) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("text", truncate(c.Text, 50)),
		slog.String("added_by", c.AddedBy.ID),
	)
}

// ChatMessage is a single turn in a Conversation
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is the message history of a single reply chain.
// Key is the ID of the discord message a user has to reply to
// in order to continue the conversation.
type Conversation struct {
	Key       string        `json:"key"`
	Messages  []ChatMessage `json:"messages"`
	CreatedAt time.Time     `json:"created_at"`
}

func (c Conversation) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("key", c.Key),
		slog.Int("messages", len(c.Messages)),
	)
}

// chatCompletionMessages converts the conversation history to the
// format expected by the chat completion API
func (c Conversation) chatCompletionMessages() []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(c.Messages))
	for _, m := range c.Messages {
		msgs = append(
			msgs,
			openai.ChatCompletionMessage{Role: m.Role, Content: m.Content},
		)
	}
	return msgs
}

// ContextStore persists context snippets
type ContextStore interface {
	// ListContextSnippets returns all snippets in insertion order
	ListContextSnippets(ctx context.Context) ([]ContextSnippet, error)

	// InsertContextSnippet stores the snippet, returning it with its
	// ID populated
	InsertContextSnippet(ctx context.Context, snippet ContextSnippet) (
		ContextSnippet,
		error,
	)

	// DeleteContextSnippet removes the snippet with the given ID, if
	// it exists. A malformed ID returns a *ValidationError.
	DeleteContextSnippet(ctx context.Context, id string) error
}

// ConversationStore persists conversations, keyed by the ID of the
// most recent bot reply in the thread
type ConversationStore interface {
	// FindConversation returns the conversation with the given key.
	// If none exists, found is false and err is nil.
	FindConversation(ctx context.Context, key string) (
		conv Conversation,
		found bool,
		err error,
	)

	// CreateConversation stores a new conversation. ErrDuplicateKey is
	// returned if the key is already in use.
	CreateConversation(ctx context.Context, conv Conversation) error

	// AppendUserMessage appends a message to the conversation with
	// the given key without changing the key, returning the updated
	// conversation.
	AppendUserMessage(ctx context.Context, key string, msg ChatMessage) (
		conv Conversation,
		found bool,
		err error,
	)

	// AppendAndRekey atomically changes the conversation's key from
	// oldKey to newKey and appends msg. If no conversation has oldKey,
	// nothing is changed and applied is false.
	AppendAndRekey(
		ctx context.Context,
		oldKey string,
		newKey string,
		msg ChatMessage,
	) (applied bool, err error)
}

// Database is a backing store for both context snippets and
// conversations
type Database interface {
	ContextStore
	ConversationStore

	// Migrate creates the collections/tables and indexes
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func newConversation(key string, systemPrompt string, userPrompt string) Conversation {
	return Conversation{
		Key: key,
		Messages: []ChatMessage{
			{Role: roleSystem, Content: systemPrompt},
			{Role: roleUser, Content: userPrompt},
		},
		CreatedAt: time.Now().UTC(),
	}
}

// dbContext applies dbOperationTimeout to ctx if it doesn't already
// have a deadline
func dbContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}
