package promptrelay

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/promptrelay/promptrelay.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	ErrMissingDiscordToken = errors.New("discord bot token not set (DISCORD_BOT_TOKEN)")
	ErrMissingAPIKey       = errors.New("completion API key not set (DEEPSEEK_API_KEY)")
)

// apiShutdownTimeout bounds the API server's graceful shutdown
var apiShutdownTimeout = 5 * time.Second

// PromptRelay is the bot. It receives prefixed commands from discord,
// applies the per-user cooldown, relays prompts to the completion API and
// replies with the result.
type PromptRelay struct {
	config *Config

	logger     *slog.Logger
	logHandler slog.Handler
	logWriter  io.Writer
	logFile    *os.File
	noColor    bool

	discord    *Discord
	completion *CompletionClient
	cooldown   *CooldownGate
	metrics    *relayMetrics
	api        *API

	// db and writeDB are only set when a database is configured
	db      *gorm.DB
	writeDB DBI

	// runMu prevents concurrent runs
	runMu     sync.Mutex
	startedAt atomic.Int64

	// handlerWG tracks message handler goroutines. dispatchMu guards
	// stopping, so no handler is added once shutdown starts waiting.
	handlerWG  sync.WaitGroup
	dispatchMu sync.RWMutex
	stopping   bool

	commandsInProgress         atomic.Int64
	messageDeleteTimersRunning atomic.Int64

	signalReady chan struct{}
}

// New creates a PromptRelay from the given config. The returned error
// joins every problem found, including config validation errors, which
// are also logged. A non-nil PromptRelay is always returned.
func New(config *Config) (*PromptRelay, error) {
	var errs []error

	p := &PromptRelay{
		config:      config,
		logWriter:   defaultLogWriter,
		signalReady: make(chan struct{}, 1),
	}

	if config.LogFile != "" {
		f, err := openLogFile(config.LogFile)
		if err != nil {
			errs = append(errs, err)
		} else {
			p.logFile = f
			p.logWriter = io.MultiWriter(defaultLogWriter, f)
			p.noColor = true
		}
	}

	p.logHandler = newLogHandler(p.logWriter, config.LogLevel, p.noColor)
	p.logger = slog.New(p.logHandler)
	slog.SetDefault(p.logger)

	if config.Discord == nil {
		config.Discord = &DiscordConfig{}
	}
	if config.Completion == nil {
		config.Completion = &CompletionConfig{}
	}
	if config.API == nil {
		config.API = &APIConfig{}
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(p.logWriter, config.Discord.DiscordGoLogLevel, p.noColor),
	)

	p.cooldown = NewCooldownGate(config.Cooldown)
	p.metrics = newRelayMetrics(p.cooldown)
	p.completion = NewCompletionClient(
		config.Completion,
		config.HTTPClient,
		p.componentLogger(config.Completion.LogLevel, "completion"),
	)
	p.discord = newDiscord(
		config.Discord,
		p.componentLogger(config.Discord.LogLevel, "discord"),
	)
	p.discord.httpClient = config.HTTPClient

	if config.API.Enabled {
		p.api = newAPI(p, config.API)
	}

	if err := p.ValidateConfig(); err != nil {
		p.logger.Error("invalid config", tint.Err(err))
		errs = append(errs, err)
	}

	return p, errors.Join(errs...)
}

// componentLogger returns a logger writing to the same output as the
// main logger, at its own level, tagged with the component name
func (p *PromptRelay) componentLogger(level *slog.LevelVar, name string) *slog.Logger {
	return slog.New(newLogHandler(p.logWriter, level, p.noColor)).With(loggerNameKey, name)
}

// ValidateConfig verifies both credentials are present, then validates
// the remaining config against its `binding` tags.
func (p *PromptRelay) ValidateConfig() error {
	var errs []error
	if p.config.Discord == nil || p.config.Discord.Token == "" {
		errs = append(errs, ErrMissingDiscordToken)
	}
	if p.config.Completion == nil || p.config.Completion.APIKey == "" {
		errs = append(errs, ErrMissingAPIKey)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return structValidator.Struct(p.config)
}

func (p *PromptRelay) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = p.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// StartedAt returns the time Run finished connecting, or the zero
// time if it hasn't
func (p *PromptRelay) StartedAt() time.Time {
	ts := p.startedAt.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, ts)
}

// Run connects to discord and handles commands until ctx is canceled,
// then shuts down gracefully. A config error, database error or
// failure to open the discord connection is returned immediately,
// without retrying.
func (p *PromptRelay) Run(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	logger := p.logger
	if err := p.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", p.config))
	ctx = WithLogger(ctx, logger)

	// canceling this context triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, p.config.StartupTimeout)
	initErr := p.initRun(startCtx)
	startCancel()
	if initErr != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(initErr))
		return errors.Join(initErr, closeDB(p.db))
	}

	// handlers get their own context, so in-flight commands can finish
	// after ctx is canceled, until the shutdown timeout
	handlerCtx, handlerCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer handlerCancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			p.cooldown.RunJanitor(
				gctx,
				p.config.CooldownPruneInterval,
				logger.With(loggerNameKey, "cooldown"),
			)
			return nil
		},
	)
	if p.api != nil {
		p.startAPI(gctx, g)
	}

	if err := p.initDiscordSession(handlerCtx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		cancel()
		return errors.Join(err, g.Wait(), closeDB(p.db))
	}

	if err := p.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		cancel()
		return errors.Join(
			fmt.Errorf("error connecting to discord: %w", err),
			g.Wait(),
			closeDB(p.db),
		)
	}

	p.startedAt.Store(time.Now().UnixNano())
	select {
	case p.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	// block until the context is canceled (generally by an interrupt),
	// or a background process fails
	<-gctx.Done()

	return p.shutdown(ctx, g, handlerCancel)
}

func (p *PromptRelay) initRun(ctx context.Context) error {
	p.dispatchMu.Lock()
	p.stopping = false
	p.dispatchMu.Unlock()

	if p.config.Database == "" {
		p.logger.InfoContext(ctx, "no database configured, questions will only be logged")
		return nil
	}
	p.logger.DebugContext(ctx, "initializing database")
	if err := p.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	return nil
}

func (p *PromptRelay) initDB(ctx context.Context) error {
	db, err := CreateDB(
		ctx,
		p.config.DatabaseType,
		p.config.Database,
		newLogHandler(p.logWriter, p.config.DatabaseLogLevel, p.noColor),
		p.config.DatabaseSlowThreshold,
	)
	if err != nil {
		_ = closeDB(db)
		return err
	}
	p.db = db
	p.writeDB = NewDatabase(db, p.logger, p.config.DatabaseType == dbTypePostgres)
	return nil
}

// startAPI serves the status API until ctx is done
func (p *PromptRelay) startAPI(ctx context.Context, g *errgroup.Group) {
	g.Go(
		func() error {
			err := p.api.Serve(ctx)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.logger.ErrorContext(ctx, "error serving api", tint.Err(err))
				return err
			}
			return nil
		},
	)
	g.Go(
		func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
			defer cancel()
			if err := p.api.Shutdown(shutdownCtx); err != nil {
				p.logger.Error("error shutting down api", tint.Err(err))
			}
			return nil
		},
	)
}

func (p *PromptRelay) initDiscordSession(ctx context.Context) error {
	if p.discord.session == nil {
		sess, err := p.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		p.discord.session = sess
	}

	for _, remove := range p.discord.discordgoRemoveHandlerFuncs {
		remove()
	}

	p.discord.session.SetIdentify(p.discord.identify(p.config.CommandPrefix))

	p.discord.discordgoRemoveHandlerFuncs = []func(){
		p.discord.session.AddHandler(p.discord.handlerConnect()),
		p.discord.session.AddHandler(p.discord.handlerDisconnect()),
		p.discord.session.AddHandler(p.discord.handlerReady()),
		p.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				p.dispatchMessage(ctx, m)
			},
		),
	}
	return nil
}

// dispatchMessage handles m on a new goroutine, tracked by handlerWG.
// Panics are recovered and logged. Returns false if the bot is
// shutting down, and the message was dropped.
func (p *PromptRelay) dispatchMessage(ctx context.Context, m *discordgo.MessageCreate) bool {
	p.dispatchMu.RLock()
	defer p.dispatchMu.RUnlock()
	if p.stopping {
		return false
	}

	p.handlerWG.Add(1)
	go func() {
		defer p.handlerWG.Done()
		defer func() {
			if rc := recover(); rc != nil {
				p.metrics.panicked()
				_, logger := p.getLogger(ctx)
				handleRecover(ctx, logger, rc)
			}
		}()
		p.handleMessage(ctx, m)
	}()
	return true
}

// shutdown stops accepting new messages, waits up to the shutdown
// timeout for in-flight handlers (canceling them after that), then
// closes the discord session and database.
func (p *PromptRelay) shutdown(
	ctx context.Context,
	g *errgroup.Group,
	cancelHandlers context.CancelFunc,
) error {
	logger := p.logger
	logger.WarnContext(ctx, "shutting down", "shutdown_timeout", p.config.ShutdownTimeout)
	shutdownStart := time.Now()

	for _, remove := range p.discord.discordgoRemoveHandlerFuncs {
		remove()
	}
	p.discord.discordgoRemoveHandlerFuncs = nil

	p.dispatchMu.Lock()
	p.stopping = true
	p.dispatchMu.Unlock()

	handlersDone := make(chan struct{})
	go func() {
		p.handlerWG.Wait()
		close(handlersDone)
	}()

	timer := time.NewTimer(p.config.ShutdownTimeout)
	select {
	case <-handlersDone:
	case <-timer.C:
		logger.Warn(
			"shutdown timeout reached, canceling in-flight commands",
			"commands_in_progress", p.commandsInProgress.Load(),
		)
		cancelHandlers()
		<-handlersDone
	}
	timer.Stop()
	cancelHandlers()

	var errs []error
	if err := p.discord.session.Close(); err != nil {
		logger.Error("error closing discord session", tint.Err(err))
		errs = append(errs, err)
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	if err := closeDB(p.db); err != nil {
		logger.Error("error closing database", tint.Err(err))
		errs = append(errs, err)
	}
	p.db = nil
	p.writeDB = nil

	logger.Info("shutdown complete", "duration", time.Since(shutdownStart))
	return errors.Join(errs...)
}

// Close releases resources held outside of Run (the log file). It
// should be called once the bot is no longer needed.
func (p *PromptRelay) Close() error {
	if p.logFile == nil {
		return nil
	}
	err := p.logFile.Close()
	p.logFile = nil
	return err
}
