package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/chatscope/chatscope"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = chatscope.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"openai.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "chatscope [flags]",
	Short: "A discord bot which answers with OpenAI, using an operator-curated context",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes log level names (ex: 'INFO') to
// *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", chatscope.DefaultDatabase)
	viper.SetDefault("database_type", chatscope.DefaultDatabaseType)
	viper.SetDefault("database_name", chatscope.DefaultDatabaseName)
	viper.SetDefault(
		"database_slow_threshold",
		chatscope.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		chatscope.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", chatscope.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", chatscope.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", chatscope.DefaultShutdownTimeout)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.model", chatscope.DefaultOpenAIModel)
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.log_level", chatscope.DefaultOpenAILogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.owner_id", "")
	viper.SetDefault("discord.command_prefix", chatscope.DefaultDiscordCommandPrefix)
	viper.SetDefault(
		"discord.list_delete_delay",
		chatscope.DefaultDiscordListDeleteDelay,
	)
	viper.SetDefault(
		"discord.log_level",
		chatscope.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		chatscope.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		chatscope.DefaultDiscordGatewayIntent,
	)

	// Chat config
	viper.SetDefault("chat.bot_name", "")
	viper.SetDefault("chat.community_name", "")
	viper.SetDefault("chat.reply_word_limit", chatscope.DefaultChatReplyWordLimit)
	viper.SetDefault("chat.error_message", chatscope.DefaultChatErrorMessage)
	viper.SetDefault(
		"chat.length_exceeded_message",
		chatscope.DefaultChatLengthExceededMessage,
	)
	viper.SetDefault(
		"chat.mention_placeholder",
		chatscope.DefaultChatMentionPlaceholder,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", chatscope.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", chatscope.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", chatscope.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		chatscope.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", chatscope.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", chatscope.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", chatscope.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		chatscope.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		chatscope.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		chatscope.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", chatscope.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		chatscope.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(chatscope.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = chatscope.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		// already converted by an earlier call
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from (default: .env)",
	)
}
