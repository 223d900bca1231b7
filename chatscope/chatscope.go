package chatscope

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/chatscope/chatscope.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	shutdownAnnouncementInterval = 10 * time.Second
)

// ChatScope is the bot. It routes guild messages either to the
// operator's admin commands, or to a conversation with the
// completion API.
type ChatScope struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Persists context snippets and conversations. Opened in Run
	// unless already set.
	store Database

	contextScope *ContextScope
	completions  *CompletionGateway
	admin        *AdminCommands

	// Handles discord integration, sessions
	discord *Discord

	// sink is where replies are sent, normally discord
	sink ReplySink

	openai *OpenAI

	// Provides the operations API, when enabled
	api *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it when Run has connected to the
	// database and opened the discord session
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	messagesInProgress     atomic.Int64
	messagesHandled        atomic.Int64
	conversationsStarted   atomic.Int64
	conversationsContinued atomic.Int64
	completionErrors       atomic.Int64
}

// New creates a new ChatScope. The database isn't opened until Run.
func New(config *Config) (*ChatScope, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeMongo, dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			fmt.Errorf(
				"invalid database type %q (must be %q, %q or %q)",
				config.DatabaseType, dbTypeMongo, dbTypeSQLite, dbTypePostgres,
			),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	c := &ChatScope{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		signalStop:    make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	c.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     c.config.LogLevel,
			AddSource: true,
		},
	)
	c.logger = slog.New(c.logHandler)
	slog.SetDefault(c.logger)

	c.openai = newOpenAI(c.config.OpenAI, c.config.HTTPClient)
	c.completions = NewCompletionGateway(
		c.openai,
		c.config.Chat.ReplyWordLimit,
		c.config.Chat.MentionPlaceholder,
	)

	c.config.Discord.httpClient = c.config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     c.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	c.discord = newDiscord(
		c.config.Discord,
		slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     c.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord"),
	)
	c.sink = c.discord

	if c.config.API.Enabled {
		api, err := newAPI(c, c.config.API)
		if err != nil {
			errs = append(errs, err)
		}
		c.api = api
	}

	return c, errors.Join(errs...)
}

func (c *ChatScope) ValidateConfig() error {
	return structValidator.Struct(c.config)
}

// setStore sets the database, and the components which depend on it
func (c *ChatScope) setStore(db Database) {
	c.store = db
	c.contextScope = NewContextScope(db, c.logger)
	c.admin = NewAdminCommands(c.contextScope, c.config.Discord, c.logger)
}

func (c *ChatScope) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = c.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// Run connects to the database and discord, then handles messages
// until ctx is cancelled or a stop signal is received, at which
// point it shuts down gracefully.
func (c *ChatScope) Run(ctx context.Context) error {
	// prevents concurrent runs
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.signalStop == nil {
		c.signalStop = make(chan struct{}, 1)
	}
	if c.signalReady == nil {
		c.signalReady = make(chan struct{}, 1)
	}

	c.startedAt = time.Now()
	logger := c.logger

	if err := c.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", c.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.signalStop:
			c.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			c.logger.Warn("context canceled")
		}
	}()

	// message handlers get their own context, so in-flight messages
	// can finish after the runtime context is cancelled. It's only
	// cancelled if the shutdown timeout is reached.
	handlerCtx, handlerCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer handlerCancel()

	startCtx, startCancel := context.WithTimeout(ctx, c.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- c.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	var g errgroup.Group
	if c.api != nil {
		g.Go(
			func() error {
				httpErr := c.api.Serve(ctx)
				if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
					c.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
					cancel()
					return httpErr
				}
				return nil
			},
		)
	}

	runtimeWG := &sync.WaitGroup{}

	if err := c.initDiscordSession(handlerCtx, runtimeWG); err != nil {
		c.logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		cancel()
		_ = c.shutdown(ctx, runtimeWG, handlerCancel)
		return errors.Join(err, g.Wait())
	}

	c.logger.InfoContext(ctx, "connecting to discord")
	if err := c.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		cancel()
		_ = c.shutdown(ctx, runtimeWG, handlerCancel)
		return errors.Join(fmt.Errorf("error connecting to discord: %w", err), g.Wait())
	}

	c.signalReady <- struct{}{}
	c.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	// Commence shutdown
	shutdownErr := c.shutdown(ctx, runtimeWG, handlerCancel)
	return errors.Join(shutdownErr, g.Wait())
}

// Stop sends a stop signal to a running bot
func (c *ChatScope) Stop() bool {
	select {
	case c.signalStop <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *ChatScope) initRun(ctx context.Context) error {
	if c.store == nil {
		c.logger.Debug("opening database...")
		db, err := openDatabase(
			ctx,
			c.config,
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     c.config.DatabaseLogLevel,
					AddSource: true,
				},
			),
		)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		c.setStore(db)
	} else if c.contextScope == nil || c.admin == nil {
		c.setStore(c.store)
	}

	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("error pinging database: %w", err)
	}
	c.logger.Debug("database ready")
	return nil
}

func (c *ChatScope) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := c.logger.With(loggerNameKey, "discord_session")

	if c.discord.session == nil {
		disc, discErr := c.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		c.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(c.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range c.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	c.discord.session.SetIdentify(
		discordgo.Identify{Intents: c.config.Discord.GatewayIntents},
	)

	c.discord.discordgoRemoveHandlerFuncs = []func(){
		c.discord.session.AddHandler(c.discord.handlerConnect()),
		c.discord.session.AddHandler(c.discord.handlerDisconnect()),
		c.discord.session.AddHandler(c.discord.handlerReady()),
		c.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					c.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}
	return nil
}

// handleDiscordMessage converts a gateway message and passes it to
// handleMessage
func (c *ChatScope) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	defer func() {
		if rc := recover(); rc != nil {
			c.handleRecover(ctx, rc)
		}
	}()
	if m == nil || m.Message == nil {
		return
	}
	if m.Author != nil && m.Author.Bot {
		return
	}
	msg := c.discord.inboundMessage(ctx, m.Message)
	c.handleMessage(ctx, c.sink, msg)
}

// handleMessage routes msg to the admin commands if it's a command,
// otherwise to the conversation flow
func (c *ChatScope) handleMessage(
	ctx context.Context,
	sink ReplySink,
	msg InboundMessage,
) {
	c.messagesInProgress.Add(1)
	defer c.messagesInProgress.Add(-1)

	ctx, logger := c.getLogger(ctx)
	logger = logger.With("message", msg)
	ctx = WithLogger(ctx, logger)
	logger.DebugContext(ctx, "saw message")

	if cmd, ok := c.admin.Parse(msg.Content); ok {
		c.messagesHandled.Add(1)
		c.admin.Handle(ctx, sink, msg, cmd)
		return
	}
	c.handleConversation(ctx, sink, msg)
}

// memberRoleLoader is implemented by sinks which need to look up the
// author's roles separately from the message, ex: Discord
type memberRoleLoader interface {
	loadMemberRoles(ctx context.Context, msg *InboundMessage) error
}

// handleConversation starts or continues the conversation msg belongs
// to, and replies with the completion
func (c *ChatScope) handleConversation(
	ctx context.Context,
	sink ReplySink,
	msg InboundMessage,
) {
	ctx, logger := c.getLogger(ctx)
	botID := c.discord.BotUserID()

	res := ResolveConversation(msg, botID)
	if res.Ignored() {
		logger.DebugContext(ctx, "ignoring message", "reason", res.Ignore)
		return
	}
	c.messagesHandled.Add(1)

	logger = logger.With("conversation", res)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "handling conversation message")

	if err := sink.Typing(ctx, msg.ChannelID); err != nil {
		logger.WarnContext(ctx, "error sending typing indicator", tint.Err(err))
	}

	if loader, ok := sink.(memberRoleLoader); ok {
		if err := loader.loadMemberRoles(ctx, &msg); err != nil {
			logger.WarnContext(ctx, "error loading member roles", tint.Err(err))
		}
	}

	userPrompt := buildUserPrompt(msg, botID)

	var conv Conversation
	switch res.Branch {
	case BranchNew:
		systemPrompt := buildSystemPrompt(
			c.config.Chat.BotName,
			c.config.Chat.CommunityName,
			c.contextScope.Assemble(ctx),
		)
		conv = newConversation(res.Key, systemPrompt, userPrompt)
		if err := c.store.CreateConversation(ctx, conv); err != nil {
			logger.ErrorContext(ctx, "error creating conversation", tint.Err(err))
			c.replyError(ctx, sink, msg)
			return
		}
		c.conversationsStarted.Add(1)
	case BranchContinue:
		var found bool
		var err error
		conv, found, err = c.store.AppendUserMessage(
			ctx,
			res.Key,
			ChatMessage{Role: roleUser, Content: userPrompt},
		)
		if err != nil {
			logger.ErrorContext(ctx, "error appending to conversation", tint.Err(err))
			c.replyError(ctx, sink, msg)
			return
		}
		if !found {
			logger.DebugContext(ctx, "no conversation found for referenced message")
			return
		}
		c.conversationsContinued.Add(1)
	}

	reply, err := c.completions.Complete(ctx, conv)
	if err != nil {
		c.completionErrors.Add(1)
		var lengthErr *LengthExceededError
		if errors.As(err, &lengthErr) {
			logger.WarnContext(ctx, "completion too long", tint.Err(err))
			if _, sendErr := sink.Reply(ctx, msg, c.config.Chat.lengthExceededNotice()); sendErr != nil {
				logger.ErrorContext(ctx, "error sending length notice", tint.Err(sendErr))
			}
			return
		}
		logger.ErrorContext(ctx, "error getting completion", tint.Err(err))
		c.replyError(ctx, sink, msg)
		return
	}

	replyID, err := sink.Reply(ctx, msg, c.completions.Sanitize(reply))
	if err != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
		return
	}

	applied, err := c.store.AppendAndRekey(
		ctx,
		res.Key,
		replyID,
		ChatMessage{Role: roleAssistant, Content: reply},
	)
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "error saving reply", tint.Err(err), "reply_id", replyID)
		c.replyError(ctx, sink, msg)
	case !applied:
		logger.WarnContext(
			ctx,
			"conversation key changed before the reply was saved, reply dropped from history",
			"reply_id", replyID,
		)
	default:
		logger.InfoContext(ctx, "conversation updated", "new_key", replyID)
	}
}

func (c *ChatScope) replyError(ctx context.Context, sink ReplySink, msg InboundMessage) {
	if _, err := sink.Reply(ctx, msg, c.config.Chat.ErrorMessage); err != nil {
		_, logger := c.getLogger(ctx)
		logger.ErrorContext(ctx, "error sending error reply", tint.Err(err))
	}
}

// shutdown waits for in-flight messages to finish, then stops the API,
// closes the discord session and the database. If that takes longer
// than the shutdown timeout, handlers are cancelled and the API is
// closed immediately.
func (c *ChatScope) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	cancelHandlers context.CancelFunc,
) error {
	c.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if c.eventShutdown != nil {
			go func() {
				c.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := c.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		c.logger.Warn("immediate shutdown")
		cancelHandlers()
		if c.api != nil {
			go func() {
				_ = c.api.httpServer.Close()
			}()
		}
		return errors.New("immediate shutdown, in-flight messages dropped")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	c.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan error, 1)
	go func() {
		// stop receiving new messages before waiting on in-flight ones
		if c.discord.session != nil {
			c.logger.InfoContext(ctx, "closing discord session")
			if err := c.discord.session.Close(); err != nil {
				c.logger.WarnContext(ctx, "error closing discord session", tint.Err(err))
			}
			for _, h := range c.discord.discordgoRemoveHandlerFuncs {
				h()
			}
			c.discord.discordgoRemoveHandlerFuncs = nil
			c.logger.InfoContext(ctx, "discord session closed")
		}

		runtimeWG.Wait()
		runtimeStopEnd := time.Now()
		c.logger.InfoContext(
			ctx,
			"finished handling in-flight messages",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)

		var g errgroup.Group
		if c.admin != nil {
			g.Go(
				func() error {
					c.admin.Stop()
					return nil
				},
			)
		}
		if c.api != nil && c.api.httpServer != nil {
			g.Go(
				func() error {
					c.logger.InfoContext(ctx, "stopping http server")
					defer c.logger.InfoContext(ctx, "http server stopped")
					return c.api.httpServer.Shutdown(closeCtx)
				},
			)
		}
		stopErr := g.Wait()

		if c.store != nil {
			if err := c.store.Close(closeCtx); err != nil {
				stopErr = errors.Join(stopErr, fmt.Errorf("error closing database: %w", err))
			}
		}
		gracefulShutdownCh <- stopErr
	}()

	for {
		select {
		case err := <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			c.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return err
		case <-announcementTicker.C:
			c.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-closeCtx.Done():
			c.logger.Warn("in-flight messages did not finish in time, forcing close")
			cancelHandlers()
			if c.api != nil && c.api.httpServer != nil {
				go func() {
					_ = c.api.httpServer.Close()
				}()
			}
			return errors.New("in-flight messages did not finish in time")
		}
	}
}

// handleRecover logs a recovered panic along with the stack trace
func (*ChatScope) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}
