package chatscope

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

// Discord manages the bot's gateway session, and implements ReplySink
// on top of it
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()

	// botUserID is reported by the gateway on Ready
	botUserID string
	mu        sync.RWMutex
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		config:                      config,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session with the configured
// token and log level
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's user ID, as reported on Ready. Until
// then, the configured application ID is used.
func (d *Discord) BotUserID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.botUserID != "" {
		return d.botUserID
	}
	return d.config.ApplicationID
}

func (d *Discord) setBotUserID(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.botUserID = userID
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User == nil {
			d.logger.Warn("ready event missing user")
			return
		}
		d.setBotUserID(r.User.ID)
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", r.User.ID,
			"username", r.User.Username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected", "bot_user_id", d.BotUserID())
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "bot_user_id", d.BotUserID())
	}
}

// ReplySink sends messages in response to inbound messages
type ReplySink interface {
	// Reply sends content as a reply to the given message, returning
	// the new message's ID
	Reply(ctx context.Context, to InboundMessage, content string) (string, error)

	// ReplyEmbeds sends embeds as a reply to the given message,
	// returning the new message's ID
	ReplyEmbeds(
		ctx context.Context,
		to InboundMessage,
		embeds []*discordgo.MessageEmbed,
	) (string, error)

	Delete(ctx context.Context, channelID string, messageID string) error

	// Typing shows the typing indicator in the given channel
	Typing(ctx context.Context, channelID string) error
}

// allowedMentions restricts outbound messages to notifying mentioned
// users and the author of the message being replied to
func allowedMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{
		Parse:       []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		RepliedUser: true,
	}
}

func replyReference(to InboundMessage) *discordgo.MessageReference {
	return &discordgo.MessageReference{
		MessageID: to.ID,
		ChannelID: to.ChannelID,
		GuildID:   to.GuildID,
	}
}

func (d *Discord) Reply(
	ctx context.Context,
	to InboundMessage,
	content string,
) (string, error) {
	msg, err := d.session.ChannelMessageSendComplex(
		to.ChannelID,
		&discordgo.MessageSend{
			Content:         content,
			Reference:       replyReference(to),
			AllowedMentions: allowedMentions(),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (d *Discord) ReplyEmbeds(
	ctx context.Context,
	to InboundMessage,
	embeds []*discordgo.MessageEmbed,
) (string, error) {
	msg, err := d.session.ChannelMessageSendComplex(
		to.ChannelID,
		&discordgo.MessageSend{
			Embeds:          embeds,
			Reference:       replyReference(to),
			AllowedMentions: allowedMentions(),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (d *Discord) Delete(
	ctx context.Context,
	channelID string,
	messageID string,
) error {
	return d.session.ChannelMessageDelete(
		channelID,
		messageID,
		discordgo.WithContext(ctx),
	)
}

func (d *Discord) Typing(ctx context.Context, channelID string) error {
	return d.session.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

// inboundMessage converts a gateway message to an InboundMessage.
// If the message is a reply and the gateway didn't include the
// referenced message, it's fetched, unless the message would be
// ignored anyway. Roles aren't populated, see loadMemberRoles.
func (d *Discord) inboundMessage(
	ctx context.Context,
	m *discordgo.Message,
) InboundMessage {
	msg := InboundMessage{
		ID:               m.ID,
		ChannelID:        m.ChannelID,
		GuildID:          m.GuildID,
		Content:          m.Content,
		MentionsEveryone: m.MentionEveryone,
	}

	author := m.Author
	if author == nil && m.Member != nil {
		author = m.Member.User
	}
	if author != nil {
		msg.Author = MessageAuthor{
			ID:         author.ID,
			Username:   author.Username,
			GlobalName: author.GlobalName,
			Bot:        author.Bot,
		}
	}
	if m.Member != nil {
		msg.IsMember = true
		msg.Author.Nickname = m.Member.Nick
		msg.memberRoleIDs = m.Member.Roles
	}

	for _, u := range m.Mentions {
		if u == nil {
			continue
		}
		name := u.GlobalName
		if name == "" {
			name = u.Username
		}
		msg.Mentions = append(msg.Mentions, MentionedUser{ID: u.ID, DisplayName: name})
	}

	referenced := m.ReferencedMessage
	if referenced == nil && m.MessageReference != nil && m.MessageReference.MessageID != "" {
		if ignoredWithoutReference(msg) {
			msg.ReferencedMessageID = m.MessageReference.MessageID
			return msg
		}
		channelID := m.MessageReference.ChannelID
		if channelID == "" {
			channelID = m.ChannelID
		}
		fetched, err := d.session.ChannelMessage(
			channelID,
			m.MessageReference.MessageID,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			d.logger.WarnContext(
				ctx,
				"unable to fetch referenced message",
				tint.Err(err),
				"message_id", m.MessageReference.MessageID,
			)
			msg.ReferencedMessageID = m.MessageReference.MessageID
		} else {
			referenced = fetched
		}
	}
	if referenced != nil {
		msg.ReferencedMessageID = referenced.ID
		if referenced.Author != nil {
			msg.ReferencedAuthorID = referenced.Author.ID
		}
	}
	return msg
}

// loadMemberRoles populates msg.Roles from the guild's role list
func (d *Discord) loadMemberRoles(ctx context.Context, msg *InboundMessage) error {
	if msg.GuildID == "" || len(msg.memberRoleIDs) == 0 {
		return nil
	}
	guildRoles, err := d.session.GuildRoles(msg.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error getting guild roles: %w", err)
	}
	held := make(map[string]bool, len(msg.memberRoleIDs))
	for _, id := range msg.memberRoleIDs {
		held[id] = true
	}
	msg.Roles = msg.Roles[:0]
	for _, r := range guildRoles {
		if r == nil || !held[r.ID] {
			continue
		}
		msg.Roles = append(
			msg.Roles,
			MemberRole{Name: r.Name, Position: r.Position, Hoist: r.Hoist},
		)
	}
	return nil
}

// DiscordSessionHandler defines the methods of discordgo.Session used
// by the bot, to enable testing/mocking
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// ChannelTyping broadcasts that the bot is typing in the channel
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	// ChannelMessage fetches a single message
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"content", data.Content,
			"embeds", len(data.Embeds),
			"reference", data.Reference,
		)
	} else {
		d.logger.Info(
			"sent message",
			"channel_id", channelID,
			"message_id", msg.ID,
			"content", data.Content,
			"embeds", len(data.Embeds),
			"reference", data.Reference,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.ChannelMessageDelete(channelID, messageID, options...)
	if err != nil {
		d.logger.Error(
			"error deleting message",
			tint.Err(err),
			"channel_id", channelID,
			"message_id", messageID,
		)
	} else {
		d.logger.Info(
			"deleted message",
			"channel_id", channelID,
			"message_id", messageID,
		)
	}
	return err
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, options...)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}
