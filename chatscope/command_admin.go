package chatscope

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	adminCommandList   = "list"
	adminCommandAdd    = "add"
	adminCommandRemove = "remove"

	// discord allows 25 fields per embed, 10 embeds per message, and
	// 6000 characters across all embeds in a message
	discordMaxEmbedFields     = 25
	discordMaxMessageEmbeds   = 10
	discordMaxMessageEmbedLen = 6000
	discordEmbedFieldValueMax = 1024

	contextListEmbedColor = 0x000000
)

const (
	replyMissingPermissions = "Missing permissions"

	replyListEmpty = "No context scopes found."
	replyListError = "An error occurred while fetching the context scopes."

	replyAddMissingText = "Please provide a context to add."
	replyAddHasPeriod   = "Remove any dots from the argument."
	replyAddSuccess     = `Context added successfully: "%s"`
	replyAddError       = "An error occurred while adding the context."

	replyRemoveMissingID = "Please provide the context ID."
	replyRemoveInvalidID = "Invalid context ID: %s"
	replyRemoveSuccess   = "Context deleted successfully"
	replyRemoveError     = "An error occurred while deleting the context."

	contextListTitle       = "Context Scopes"
	contextListDescription = "List of all context scopes available."
)

// adminDeleteTimeout limits the delete call made when a list reply
// expires
var adminDeleteTimeout = 5 * time.Second

// AdminCommand is a parsed operator command, ex: '!add some context'
type AdminCommand struct {
	Name string
	Args string
}

// AdminCommands handles the operator's list/add/remove commands
// against the context scope
type AdminCommands struct {
	scope           *ContextScope
	prefix          string
	ownerID         string
	listDeleteDelay time.Duration
	logger          *slog.Logger

	timersRunning atomic.Int64
	timers        sync.WaitGroup
	stopCh        chan struct{}
	stopOnce      sync.Once
}

func NewAdminCommands(
	scope *ContextScope,
	config *DiscordConfig,
	logger *slog.Logger,
) *AdminCommands {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminCommands{
		scope:           scope,
		prefix:          config.CommandPrefix,
		ownerID:         config.OwnerID,
		listDeleteDelay: config.ListDeleteDelay,
		logger:          logger.With(loggerNameKey, "admin_commands"),
		stopCh:          make(chan struct{}),
	}
}

// Parse returns the command in content, if it starts with the prefix
// followed by a known command name. The command name is matched
// case-insensitively.
func (a *AdminCommands) Parse(content string) (AdminCommand, bool) {
	if a.prefix == "" || len(content) < len(a.prefix) {
		return AdminCommand{}, false
	}
	if !strings.EqualFold(content[:len(a.prefix)], a.prefix) {
		return AdminCommand{}, false
	}
	rest := content[len(a.prefix):]
	name, args := rest, ""
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		name, args = rest[:i], rest[i:]
	}
	name = strings.ToLower(name)

	switch name {
	case adminCommandList, adminCommandAdd, adminCommandRemove:
		return AdminCommand{Name: name, Args: strings.TrimSpace(args)}, true
	default:
		return AdminCommand{}, false
	}
}

// Handle executes the command and replies to msg. Messages from bots
// are ignored, and anyone other than the owner is told they're
// missing permissions.
func (a *AdminCommands) Handle(
	ctx context.Context,
	sink ReplySink,
	msg InboundMessage,
	cmd AdminCommand,
) {
	if msg.Author.Bot {
		return
	}
	logger := a.logger.With("command", cmd.Name, "message", msg)
	ctx = WithLogger(ctx, logger)

	if msg.Author.ID != a.ownerID {
		logger.WarnContext(ctx, "admin command from non-owner")
		a.reply(ctx, sink, msg, replyMissingPermissions)
		return
	}

	switch cmd.Name {
	case adminCommandList:
		a.list(ctx, sink, msg)
	case adminCommandAdd:
		a.add(ctx, sink, msg, cmd.Args)
	case adminCommandRemove:
		a.remove(ctx, sink, msg, cmd.Args)
	}
}

func (a *AdminCommands) reply(
	ctx context.Context,
	sink ReplySink,
	msg InboundMessage,
	content string,
) {
	if _, err := sink.Reply(ctx, msg, content); err != nil {
		a.loggerFrom(ctx).ErrorContext(ctx, "error sending reply", tint.Err(err))
	}
}

func (a *AdminCommands) loggerFrom(ctx context.Context) *slog.Logger {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		return a.logger
	}
	return logger
}

func (a *AdminCommands) list(
	ctx context.Context,
	sink ReplySink,
	msg InboundMessage,
) {
	logger := a.loggerFrom(ctx)
	snippets, err := a.scope.List(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error listing context", tint.Err(err))
		a.reply(ctx, sink, msg, replyListError)
		return
	}
	if len(snippets) == 0 {
		a.reply(ctx, sink, msg, replyListEmpty)
		return
	}

	messages := contextListMessages(a.prefix, snippets)
	if len(messages) > 1 {
		logger.InfoContext(
			ctx,
			"context list split across messages",
			"snippets", len(snippets),
			"messages", len(messages),
		)
	}
	for _, embeds := range messages {
		replyID, err := sink.ReplyEmbeds(ctx, msg, embeds)
		if err != nil {
			logger.ErrorContext(ctx, "error sending context list", tint.Err(err))
			a.reply(ctx, sink, msg, replyListError)
			return
		}
		a.scheduleDelete(ctx, sink, msg.ChannelID, replyID)
	}
}

// contextListMessages renders one field per snippet, with a hint on how
// to remove it, and groups the fields into embeds and the embeds into
// messages within discord's limits
func contextListMessages(
	prefix string,
	snippets []ContextSnippet,
) [][]*discordgo.MessageEmbed {
	newEmbed := func() *discordgo.MessageEmbed {
		return &discordgo.MessageEmbed{
			Title:       contextListTitle,
			Description: contextListDescription,
			Color:       contextListEmbedColor,
		}
	}
	headerLen := utf8.RuneCountInString(contextListTitle) +
		utf8.RuneCountInString(contextListDescription)

	var messages [][]*discordgo.MessageEmbed
	var current []*discordgo.MessageEmbed
	var embed *discordgo.MessageEmbed
	var messageLen int

	for i, s := range snippets {
		removeHint := fmt.Sprintf("`%s%s %s`", prefix, adminCommandRemove, s.ID)
		text := truncate(
			s.Text,
			discordEmbedFieldValueMax-utf8.RuneCountInString(removeHint)-1,
		)
		field := &discordgo.MessageEmbedField{
			Name:   fmt.Sprintf("Scope #%d", i+1),
			Value:  text + "\n" + removeHint,
			Inline: false,
		}
		fieldLen := utf8.RuneCountInString(field.Name) + utf8.RuneCountInString(field.Value)

		newEmbedNeeded := embed == nil || len(embed.Fields) == discordMaxEmbedFields
		addedLen := fieldLen
		if newEmbedNeeded {
			addedLen += headerLen
		}
		if messageLen+addedLen > discordMaxMessageEmbedLen ||
			(newEmbedNeeded && len(current) == discordMaxMessageEmbeds) {
			messages = append(messages, current)
			current = nil
			messageLen = 0
			newEmbedNeeded = true
			addedLen = fieldLen + headerLen
		}
		if newEmbedNeeded {
			embed = newEmbed()
			current = append(current, embed)
		}
		embed.Fields = append(embed.Fields, field)
		messageLen += addedLen
	}
	if len(current) > 0 {
		messages = append(messages, current)
	}
	return messages
}

// scheduleDelete deletes the given message after listDeleteDelay.
// If ctx is cancelled or Stop is called first, the message is deleted
// immediately. Errors are only logged.
func (a *AdminCommands) scheduleDelete(
	ctx context.Context,
	sink ReplySink,
	channelID string,
	messageID string,
) {
	logger := a.loggerFrom(ctx).With("reply_id", messageID)
	logger.InfoContext(
		ctx,
		fmt.Sprintf("context list will be deleted in: %s", a.listDeleteDelay),
	)

	a.timers.Add(1)
	a.timersRunning.Add(1)
	go func() {
		defer a.timers.Done()
		defer a.timersRunning.Add(-1)

		deleteTimer := time.NewTimer(a.listDeleteDelay)
		defer deleteTimer.Stop()

		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "context cancelled, deleting context list now")
		case <-a.stopCh:
			logger.InfoContext(ctx, "stopping, deleting context list now")
		case <-deleteTimer.C:
		}

		delCtx, delCancel := context.WithTimeout(context.Background(), adminDeleteTimeout)
		defer delCancel()
		if err := sink.Delete(delCtx, channelID, messageID); err != nil {
			logger.WarnContext(ctx, "failed to delete context list", tint.Err(err))
			return
		}
		logger.InfoContext(ctx, "deleted context list")
	}()
}

// Wait blocks until all scheduled deletions have finished
func (a *AdminCommands) Wait() {
	a.timers.Wait()
}

// Stop triggers any scheduled deletions immediately, and waits for
// them to finish
func (a *AdminCommands) Stop() {
	a.stopOnce.Do(
		func() {
			close(a.stopCh)
		},
	)
	a.Wait()
}

func (a *AdminCommands) add(
	ctx context.Context,
	sink ReplySink,
	msg InboundMessage,
	text string,
) {
	logger := a.loggerFrom(ctx)
	snippet, err := a.scope.Add(
		ctx,
		text,
		Author{ID: msg.Author.ID, Username: msg.Author.Username},
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrContextEmpty):
			a.reply(ctx, sink, msg, replyAddMissingText)
		case errors.Is(err, ErrContextContainsPeriod):
			a.reply(ctx, sink, msg, replyAddHasPeriod)
		default:
			logger.ErrorContext(ctx, "error adding context", tint.Err(err))
			a.reply(ctx, sink, msg, replyAddError)
		}
		return
	}
	a.reply(ctx, sink, msg, fmt.Sprintf(replyAddSuccess, snippet.Text))
}

func (a *AdminCommands) remove(
	ctx context.Context,
	sink ReplySink,
	msg InboundMessage,
	id string,
) {
	logger := a.loggerFrom(ctx)
	if id == "" {
		a.reply(ctx, sink, msg, replyRemoveMissingID)
		return
	}
	if err := a.scope.Remove(ctx, id); err != nil {
		if errors.Is(err, ErrInvalidContextID) {
			a.reply(ctx, sink, msg, fmt.Sprintf(replyRemoveInvalidID, id))
			return
		}
		logger.ErrorContext(ctx, "error removing context", tint.Err(err))
		a.reply(ctx, sink, msg, replyRemoveError)
		return
	}
	a.reply(ctx, sink, msg, replyRemoveSuccess)
}
