package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/promptrelay/promptrelay"
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

const (
	// discordTokenEnvAlias and apiKeyEnvAlias are read in addition to
	// the prefixed variables
	discordTokenEnvAlias = "DISCORD_BOT_TOKEN"
	apiKeyEnvAlias       = "DEEPSEEK_API_KEY"
)

var (
	cfg        = promptrelay.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "promptrelay [flags]",
	Short: "Discord bot relaying questions to a chat completions API",
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
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names (ex: "DEBUG") into a
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
		fmt.Println(err)
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
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("log_level", promptrelay.DefaultLogLevel.String())
	viper.SetDefault("log_file", promptrelay.DefaultLogFile)
	viper.SetDefault("command_prefix", promptrelay.DefaultCommandPrefix)
	viper.SetDefault("cooldown", promptrelay.DefaultCooldown)
	viper.SetDefault(
		"cooldown_prune_interval",
		promptrelay.DefaultCooldownPruneInterval,
	)
	viper.SetDefault("max_response_length", promptrelay.DefaultMaxResponseLength)
	viper.SetDefault("reply_label", promptrelay.DefaultReplyLabel)
	viper.SetDefault("startup_timeout", promptrelay.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", promptrelay.DefaultShutdownTimeout)

	viper.SetDefault("database", "")
	viper.SetDefault("database_type", promptrelay.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		promptrelay.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		promptrelay.DefaultDatabaseLogLevel.String(),
	)

	// Completion API config
	viper.SetDefault("completion.api_key", "")
	viper.SetDefault("completion.base_url", promptrelay.DefaultCompletionBaseURL)
	viper.SetDefault("completion.model", promptrelay.DefaultCompletionModel)
	viper.SetDefault(
		"completion.temperature",
		promptrelay.DefaultCompletionTemperature,
	)
	viper.SetDefault("completion.max_tokens", promptrelay.DefaultCompletionMaxTokens)
	viper.SetDefault("completion.top_p", promptrelay.DefaultCompletionTopP)
	viper.SetDefault("completion.timeout", promptrelay.DefaultCompletionTimeout)
	viper.SetDefault("completion.max_requests_per_second", 0)
	viper.SetDefault(
		"completion.log_level",
		promptrelay.DefaultCompletionLogLevel.String(),
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault(
		"discord.log_level",
		promptrelay.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		promptrelay.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		promptrelay.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.status", promptrelay.DefaultDiscordStatus)
	viper.SetDefault(
		"discord.rate_limit_notice_ttl",
		promptrelay.DefaultDiscordRateLimitNoticeTTL,
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", promptrelay.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.log_level", promptrelay.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", promptrelay.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		promptrelay.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", promptrelay.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", promptrelay.DefaultIdleTimeout)

	envPrefix := os.Getenv(promptrelay.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = promptrelay.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// The prefixed variable takes precedence over the alias
	fatalErr(
		viper.BindEnv(
			"discord.token",
			envPrefix+"_DISCORD_TOKEN",
			discordTokenEnvAlias,
		),
	)
	fatalErr(
		viper.BindEnv(
			"completion.api_key",
			envPrefix+"_COMPLETION_API_KEY",
			apiKeyEnvAlias,
		),
	)

	for k, v := range viper.AllSettings() {
		log.Printf("config: %s: %v", k, redactSetting(k, v))
	}

	// levels are decoded by LevelToStringHookFunc on unmarshal, this
	// just fails fast on invalid names
	for _, key := range []string{
		"log_level",
		"database_log_level",
		"completion.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		if _, err := levelStringToLevelVar(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

// redactSetting hides credentials when settings are printed at startup.
// AllSettings nests keys, so sections are checked recursively.
func redactSetting(key string, value any) any {
	switch v := value.(type) {
	case map[string]any:
		redacted := make(map[string]any, len(v))
		for k, nested := range v {
			redacted[k] = redactSetting(k, nested)
		}
		return redacted
	case string:
		if v == "" {
			return v
		}
		switch key {
		case "token", "api_key":
			return "[redacted]"
		}
	}
	return value
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
		"Config file to use",
	)
}
