//nolint:lll // struct tags can't be split
package chatscope

import (
	"crypto/tls"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "CHATSCOPE_ENV_PREFIX"
	DefaultEnvPrefix       = "CHATSCOPE"
	DefaultDatabaseType    = dbTypeMongo
	DefaultDatabase        = "mongodb://127.0.0.1:27017"
	DefaultDatabaseName    = "chatbot"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second
	DefaultOpenAIModel     = openai.GPT4oMini

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent   = discordgo.IntentGuilds | discordgo.IntentGuildMessages | discordgo.IntentMessageContent
	DefaultDiscordLogLevel        = slog.LevelWarn
	DefaultDiscordCommandPrefix   = "!"
	DefaultDiscordListDeleteDelay = 30 * time.Second

	DefaultChatReplyWordLimit        = 80
	DefaultChatErrorMessage          = "Sorry, something went wrong while processing your request."
	DefaultChatLengthExceededMessage = "Response exceeded the %d words limit. Sorry!"
	DefaultChatMentionPlaceholder    = "[mention removed]"

	DefaultAPIListen        = "127.0.0.1:5000"
	DefaultAPITLSMinVersion = tls.VersionTLS12

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultOpenAILogLevel          = slog.LevelInfo
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = false
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

var structValidator = validator.New()

type Config struct {
	// Database connection string: a MongoDB URI, a postgres DSN, or a
	// sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]" binding:"required"`

	// DatabaseType is one of 'mongo', 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=mongo sqlite postgres"`

	// DatabaseName is the MongoDB database holding the context_scope and
	// conversations collections. Ignored for SQL databases.
	DatabaseName string `yaml:"database_name" mapstructure:"database_name" json:"database_name" binding:"required_if=DatabaseType mongo"`

	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration after which a query or command
	// is logged as slow
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	OpenAI  *OpenAIConfig  `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	Chat    *ChatConfig    `yaml:"chat" mapstructure:"chat" json:"chat" binding:"required"`
	API     *APIConfig     `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits the time allowed to connect to the database
	// and open the discord session
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time allowed for in-flight messages to finish
	// after a stop is requested
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]" binding:"-"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID. Used as the bot's user ID until the gateway
	// reports one on Ready.
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// OwnerID is the discord user ID allowed to run admin commands
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id" json:"owner_id" binding:"required"`

	// CommandPrefix precedes admin commands, ex: '!' for '!list'
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// ListDeleteDelay is how long the admin 'list' reply stays up
	ListDeleteDelay time.Duration `yaml:"list_delete_delay" mapstructure:"list_delete_delay" json:"list_delete_delay" binding:"min=0"`

	httpClient *http.Client
}

// ChatConfig configures the bot's persona and how replies are validated
type ChatConfig struct {
	// BotName is the name the model is told it has
	BotName string `yaml:"bot_name" mapstructure:"bot_name" json:"bot_name" binding:"required"`

	// CommunityName is the community the model is told it serves
	CommunityName string `yaml:"community_name" mapstructure:"community_name" json:"community_name" binding:"required"`

	// ReplyWordLimit is the maximum number of whitespace-delimited words
	// in a relayed reply
	ReplyWordLimit int `yaml:"reply_word_limit" mapstructure:"reply_word_limit" json:"reply_word_limit" binding:"min=1"`

	// ErrorMessage is sent when a conversation fails for any reason
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	// LengthExceededMessage is sent when a reply is over ReplyWordLimit.
	// A '%d' is replaced with the limit.
	LengthExceededMessage string `yaml:"length_exceeded_message" mapstructure:"length_exceeded_message" json:"length_exceeded_message" binding:"required"`

	// MentionPlaceholder replaces @everyone and @here in replies
	MentionPlaceholder string `yaml:"mention_placeholder" mapstructure:"mention_placeholder" json:"mention_placeholder" binding:"required"`
}

func (c ChatConfig) lengthExceededNotice() string {
	if strings.Contains(c.LengthExceededMessage, "%d") {
		return fmt.Sprintf(c.LengthExceededMessage, c.ReplyWordLimit)
	}
	return c.LengthExceededMessage
}

// OpenAIConfig configures the OpenAI chat completion client
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Model used for chat completions
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// BaseURL overrides the API endpoint, for OpenAI-compatible servers
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the operations API server
type APIConfig struct {
	// Enabled starts the API alongside the bot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret is the bearer token required on /api routes
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_if=Enabled true"`

	// Configuration for SSL/TLS. Plain HTTP is served when no cert is set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s SSLConfig) enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// validateSSLConfig requires the cert and key to be set together
func validateSSLConfig(sl validator.StructLevel) {
	ssl, ok := sl.Current().Interface().(SSLConfig)
	if !ok {
		return
	}
	if (ssl.Cert == "") != (ssl.Key == "") {
		sl.ReportError(ssl.Cert, "Cert", "Cert", "ssl_pair", "")
		sl.ReportError(ssl.Key, "Key", "Key", "ssl_pair", "")
	}
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated.
// Tokens, the owner ID and the bot/community names have no defaults.
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseName:          DefaultDatabaseName,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		OpenAI: &OpenAIConfig{
			Model:    DefaultOpenAIModel,
			LogLevel: openaiLogLevel,
		},
		Discord: &DiscordConfig{
			CommandPrefix:     DefaultDiscordCommandPrefix,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			ListDeleteDelay:   DefaultDiscordListDeleteDelay,
		},
		Chat: &ChatConfig{
			ReplyWordLimit:        DefaultChatReplyWordLimit,
			ErrorMessage:          DefaultChatErrorMessage,
			LengthExceededMessage: DefaultChatLengthExceededMessage,
			MentionPlaceholder:    DefaultChatMentionPlaceholder,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateSSLConfig, SSLConfig{})
}
