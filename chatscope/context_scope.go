package chatscope

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

// ContextScope manages the operator-curated snippets which make up
// the shared context of every new conversation
type ContextScope struct {
	store  ContextStore
	logger *slog.Logger
}

func NewContextScope(store ContextStore, logger *slog.Logger) *ContextScope {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextScope{
		store:  store,
		logger: logger.With(loggerNameKey, "context_scope"),
	}
}

// validateContextText trims text and checks that it can be stored
func validateContextText(text string) (string, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return "", &ValidationError{Err: ErrContextEmpty}
	case strings.Contains(text, "."):
		return "", &ValidationError{Err: ErrContextContainsPeriod, Value: text}
	}
	return text, nil
}

// List returns all context snippets
func (c *ContextScope) List(ctx context.Context) ([]ContextSnippet, error) {
	snippets, err := c.store.ListContextSnippets(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing context snippets: %w", err)
	}
	if snippets == nil {
		snippets = []ContextSnippet{}
	}
	return snippets, nil
}

// Add validates and stores a new snippet. The stored text is trimmed.
func (c *ContextScope) Add(
	ctx context.Context,
	text string,
	author Author,
) (ContextSnippet, error) {
	text, err := validateContextText(text)
	if err != nil {
		return ContextSnippet{}, err
	}
	snippet, err := c.store.InsertContextSnippet(
		ctx,
		ContextSnippet{
			Text:    text,
			AddedBy: author,
			AddedAt: time.Now().UTC(),
		},
	)
	if err != nil {
		return snippet, fmt.Errorf("error adding context snippet: %w", err)
	}
	c.logger.InfoContext(ctx, "added context snippet", "snippet", snippet)
	return snippet, nil
}

// Remove deletes the snippet with the given ID. Unknown IDs are not
// an error.
func (c *ContextScope) Remove(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &ValidationError{Err: ErrInvalidContextID}
	}
	if err := c.store.DeleteContextSnippet(ctx, id); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "removed context snippet", "id", id)
	return nil
}

// Assemble joins all snippets into a single string for the system
// prompt. If the snippets can't be read, the error is logged and
// an empty string is returned.
func (c *ContextScope) Assemble(ctx context.Context) string {
	snippets, err := c.List(ctx)
	if err != nil {
		c.logger.ErrorContext(
			ctx,
			"error assembling context, continuing without it",
			tint.Err(err),
		)
		return ""
	}
	return JoinContextSnippets(snippets)
}

// JoinContextSnippets trims each snippet, terminates it with a period
// if it isn't already, and joins them with single spaces.
func JoinContextSnippets(snippets []ContextSnippet) string {
	parts := make([]string, 0, len(snippets))
	for _, s := range snippets {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if !strings.HasSuffix(text, ".") {
			text += "."
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}
