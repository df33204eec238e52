//nolint:lll // struct tags can't be split
package promptrelay

import (
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix = "PROMPTRELAY_ENV_PREFIX"
	DefaultEnvPrefix   = "PR"

	DefaultLogLevel              = slog.LevelInfo
	DefaultLogFile               = "bot.log"
	DefaultCommandPrefix         = "!"
	DefaultCooldown              = 10 * time.Second
	DefaultCooldownPruneInterval = time.Minute
	DefaultMaxResponseLength     = 1800
	DefaultReplyLabel            = "🤖 **DeepSeek AI:**"
	DefaultStartupTimeout        = 30 * time.Second
	DefaultShutdownTimeout       = 60 * time.Second

	DefaultDatabaseType          = "sqlite"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn

	DefaultCompletionBaseURL     = "https://api.deepseek.com"
	DefaultCompletionModel       = "deepseek-chat"
	DefaultCompletionTemperature = 0.7
	DefaultCompletionMaxTokens   = 1000
	DefaultCompletionTopP        = 1.0
	DefaultCompletionTimeout     = 30 * time.Second
	DefaultCompletionLogLevel    = slog.LevelInfo

	DefaultDiscordLogLevel           = slog.LevelInfo
	DefaultDiscordgoLogLevel         = slog.LevelWarn
	DefaultDiscordStatus             = "ai | DeepSeek"
	DefaultDiscordRateLimitNoticeTTL = 5 * time.Second
	DefaultDiscordGatewayIntent      = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	defaultListenNetwork     = "tcp"

	// discordMaxMessageLength is discord's hard limit on message content
	discordMaxMessageLength = 2000
)

// Config is the process configuration, populated by viper in the cmd
// package and validated by [PromptRelay.ValidateConfig].
type Config struct {
	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// LogFile is appended to in addition to stdout. Leave empty to only
	// log to stdout.
	LogFile string `yaml:"log_file" mapstructure:"log_file" json:"log_file"`

	// CommandPrefix precedes every command name (ex: `!ai`)
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// Cooldown is the minimum time between two admitted `ai` commands
	// from the same user
	Cooldown time.Duration `yaml:"cooldown" mapstructure:"cooldown" json:"cooldown" binding:"min=0s"`

	// CooldownPruneInterval is how often expired cooldown entries are
	// removed. 0 disables pruning.
	CooldownPruneInterval time.Duration `yaml:"cooldown_prune_interval" mapstructure:"cooldown_prune_interval" json:"cooldown_prune_interval" binding:"min=0s"`

	// MaxResponseLength is the number of characters of a completion
	// relayed to discord before it's cut off
	MaxResponseLength int `yaml:"max_response_length" mapstructure:"max_response_length" json:"max_response_length" binding:"min=1,max=1900"`

	// ReplyLabel is prepended (on its own line) to every `ai` reply
	ReplyLabel string `yaml:"reply_label" mapstructure:"reply_label" json:"reply_label"`

	// StartupTimeout limits the time spent initializing the database
	// before connecting to discord
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time allowed for in-flight commands to finish
	// after a stop signal
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"min=0s"`

	// Database is a connection string, or SQLite file path. When empty,
	// questions are only recorded in the log.
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"omitempty,oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	Completion *CompletionConfig `yaml:"completion" mapstructure:"completion" json:"completion" binding:"required"`
	Discord    *DiscordConfig    `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	API        *APIConfig        `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// HTTPClient, if set, is used for completion and discord REST requests.
	// Otherwise, each uses its own default client.
	HTTPClient *http.Client `mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// CompletionConfig configures requests to the chat completions endpoint.
type CompletionConfig struct {
	// APIKey is sent as a bearer token
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]" binding:"required"`

	// BaseURL is the API root. Requests are sent to BaseURL + "/chat/completions"
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	Model       string  `yaml:"model" mapstructure:"model" json:"model" binding:"required"`
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=1"`
	TopP        float32 `yaml:"top_p" mapstructure:"top_p" json:"top_p" binding:"min=0,max=1"`

	// Timeout bounds the full request/response cycle, including reading
	// the response body
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1ms"`

	// MaxRequestsPerSecond throttles outbound requests across all users.
	// 0=unlimited
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=0"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Message content is required to read
	// prefixed commands. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Status is shown as a 'Watching' activity, after the command prefix
	Status string `yaml:"status" mapstructure:"status" json:"status"`

	// RateLimitNoticeTTL is how long a cooldown notice stays in the
	// channel before it's deleted. 0 keeps it.
	RateLimitNoticeTTL time.Duration `yaml:"rate_limit_notice_ttl" mapstructure:"rate_limit_notice_ttl" json:"rate_limit_notice_ttl" binding:"min=0s"`
}

// APIConfig configures the status API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Token, if set, enables the /api endpoints, which require it as a
	// bearer token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Development registers pprof handlers
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// DefaultConfig returns a Config with all default settings populated.
// Credentials are left empty.
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	completionLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	completionLogLevel.Set(DefaultCompletionLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		LogLevel:              mainLogLevel,
		LogFile:               DefaultLogFile,
		CommandPrefix:         DefaultCommandPrefix,
		Cooldown:              DefaultCooldown,
		CooldownPruneInterval: DefaultCooldownPruneInterval,
		MaxResponseLength:     DefaultMaxResponseLength,
		ReplyLabel:            DefaultReplyLabel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		DatabaseType:          DefaultDatabaseType,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		Completion: &CompletionConfig{
			BaseURL:     DefaultCompletionBaseURL,
			Model:       DefaultCompletionModel,
			Temperature: DefaultCompletionTemperature,
			MaxTokens:   DefaultCompletionMaxTokens,
			TopP:        DefaultCompletionTopP,
			Timeout:     DefaultCompletionTimeout,
			LogLevel:    completionLogLevel,
		},
		Discord: &DiscordConfig{
			LogLevel:           discordLogLevel,
			DiscordGoLogLevel:  discordgoLogLevel,
			GatewayIntents:     DefaultDiscordGatewayIntent,
			Status:             DefaultDiscordStatus,
			RateLimitNoticeTTL: DefaultDiscordRateLimitNoticeTTL,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
