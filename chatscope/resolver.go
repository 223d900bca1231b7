package chatscope

import (
	"fmt"
	"log/slog"
	"strings"
)

const noneValue = "none"

// IgnoreReason explains why an inbound message didn't start or
// continue a conversation
type IgnoreReason string

const (
	IgnoreAuthorIsBot      IgnoreReason = "author_is_bot"
	IgnoreOutsideGuild     IgnoreReason = "outside_guild"
	IgnoreBroadcastMention IgnoreReason = "broadcast_mention"
	IgnoreNotAddressed     IgnoreReason = "not_addressed"
)

// Branch indicates whether a message starts or continues a conversation
type Branch int

const (
	BranchNew Branch = iota + 1
	BranchContinue
)

func (b Branch) String() string {
	switch b {
	case BranchNew:
		return "new"
	case BranchContinue:
		return "continue"
	default:
		return "unknown"
	}
}

// Resolution is the outcome of ResolveConversation. If Ignore is set,
// Branch and Key are empty.
type Resolution struct {
	Ignore IgnoreReason
	Branch Branch
	Key    string
}

func (r Resolution) Ignored() bool {
	return r.Ignore != ""
}

func (r Resolution) LogValue() slog.Value {
	if r.Ignored() {
		return slog.GroupValue(slog.String("ignore", string(r.Ignore)))
	}
	return slog.GroupValue(
		slog.String("branch", r.Branch.String()),
		slog.String("key", r.Key),
	)
}

// MessageAuthor is the author of an InboundMessage
type MessageAuthor struct {
	ID         string
	Username   string
	GlobalName string
	// Nickname is the author's server nickname, if they have one
	Nickname string
	Bot      bool
}

// MemberRole is a guild role held by the author
type MemberRole struct {
	Name     string
	Position int
	Hoist    bool
}

// MentionedUser is a user mentioned in an InboundMessage
type MentionedUser struct {
	ID          string
	DisplayName string
}

// InboundMessage is a platform-independent view of a guild message
type InboundMessage struct {
	ID        string
	ChannelID string
	// GuildID is empty for direct messages
	GuildID string
	Content string
	Author  MessageAuthor

	// IsMember is true if the message included the author's guild
	// member info
	IsMember bool
	Roles    []MemberRole

	MentionsEveryone bool
	Mentions         []MentionedUser

	// ReferencedMessageID and ReferencedAuthorID are set when the
	// message is a reply
	ReferencedMessageID string
	ReferencedAuthorID  string

	memberRoleIDs []string
}

func (m InboundMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", m.ID),
		slog.String("channel_id", m.ChannelID),
		slog.String("guild_id", m.GuildID),
		slog.String("author_id", m.Author.ID),
		slog.String("username", m.Author.Username),
		slog.String("referenced_message_id", m.ReferencedMessageID),
	)
}

func (m InboundMessage) mentions(userID string) bool {
	for _, u := range m.Mentions {
		if u.ID == userID {
			return true
		}
	}
	return false
}

func (m InboundMessage) repliesTo(userID string) bool {
	return m.ReferencedMessageID != "" && m.ReferencedAuthorID == userID
}

type resolverCheck struct {
	reason IgnoreReason
	ignore func(msg InboundMessage, botID string) bool
	// usesReference is set when the check depends on the author of
	// the referenced message
	usesReference bool
}

// resolverChecks are evaluated in order, the first match ignores the
// message
var resolverChecks = []resolverCheck{
	{
		reason: IgnoreAuthorIsBot,
		ignore: func(msg InboundMessage, _ string) bool {
			return msg.Author.Bot
		},
	},
	{
		reason: IgnoreOutsideGuild,
		ignore: func(msg InboundMessage, _ string) bool {
			return msg.GuildID == ""
		},
	},
	{
		reason: IgnoreBroadcastMention,
		ignore: func(msg InboundMessage, _ string) bool {
			return msg.MentionsEveryone
		},
	},
	{
		reason: IgnoreNotAddressed,
		ignore: func(msg InboundMessage, botID string) bool {
			return !msg.repliesTo(botID) && !msg.mentions(botID)
		},
		usesReference: true,
	},
}

// ignoredWithoutReference reports whether msg is ignored no matter
// which message it replies to
func ignoredWithoutReference(msg InboundMessage) bool {
	for _, check := range resolverChecks {
		if !check.usesReference && check.ignore(msg, "") {
			return true
		}
	}
	return false
}

// ResolveConversation determines whether msg should be ignored, start
// a new conversation, or continue an existing one. A reply to the bot
// continues the conversation keyed by the referenced message, even if
// the bot is also mentioned.
func ResolveConversation(msg InboundMessage, botID string) Resolution {
	for _, check := range resolverChecks {
		if check.ignore(msg, botID) {
			return Resolution{Ignore: check.reason}
		}
	}
	if msg.repliesTo(botID) {
		return Resolution{Branch: BranchContinue, Key: msg.ReferencedMessageID}
	}
	return Resolution{Branch: BranchNew, Key: msg.ID}
}

// cleanContent removes mentions of the bot and replaces mentions of
// other users with their display names
func cleanContent(msg InboundMessage, botID string) string {
	content := msg.Content
	for _, token := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		content = strings.ReplaceAll(content, token, "")
	}
	for _, u := range msg.Mentions {
		if u.ID == botID {
			continue
		}
		content = strings.NewReplacer(
			"<@"+u.ID+">", u.DisplayName,
			"<@!"+u.ID+">", u.DisplayName,
		).Replace(content)
	}
	return strings.TrimSpace(content)
}

// highestHoistedRole returns the name of the hoisted role with the
// highest position, or an empty string
func highestHoistedRole(roles []MemberRole) string {
	var top *MemberRole
	for i := range roles {
		r := &roles[i]
		if !r.Hoist {
			continue
		}
		if top == nil || r.Position > top.Position {
			top = r
		}
	}
	if top == nil {
		return ""
	}
	return top.Name
}

// buildUserPrompt formats the message content with the author's names
// and role, for the user turn of the conversation
func buildUserPrompt(msg InboundMessage, botID string) string {
	globalName := msg.Author.GlobalName
	if globalName == "" {
		globalName = msg.Author.Username
	}

	nickname := noneValue
	if msg.IsMember {
		nickname = msg.Author.Nickname
		if nickname == "" {
			nickname = globalName
		}
	}

	role := highestHoistedRole(msg.Roles)
	if role == "" {
		role = noneValue
	}

	return fmt.Sprintf(
		"%s (with nickname: %s, role in the community: %s) says: %s",
		globalName,
		nickname,
		role,
		cleanContent(msg, botID),
	)
}

// buildSystemPrompt introduces the bot and appends the shared context
func buildSystemPrompt(botName string, communityName string, context string) string {
	return fmt.Sprintf(
		"Your name is %s, an assistant for %s. %s",
		botName,
		communityName,
		context,
	)
}
