package promptrelay

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// newTestConfig returns a valid config, with credentials set and no
// log file or database.
func newTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LogFile = ""
	cfg.LogLevel.Set(slog.LevelDebug)
	cfg.Discord.Token = "test-discord-token"
	cfg.Discord.RateLimitNoticeTTL = 20 * time.Millisecond
	cfg.Completion.APIKey = "test-api-key"
	cfg.Completion.BaseURL = "http://127.0.0.1:1"
	cfg.Completion.Timeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.StartupTimeout = 10 * time.Second
	return cfg
}

// newTestRelay creates a PromptRelay with a stub discord session.
// New sets process-wide loggers, so tests using it don't run in parallel.
func newTestRelay(t testing.TB, cfg *Config) (*PromptRelay, *stubDiscordSession) {
	t.Helper()
	p, err := New(cfg)
	require.NoError(t, err)
	sess := newStubDiscordSession()
	p.discord.session = sess
	t.Cleanup(
		func() {
			_ = p.Close()
		},
	)
	return p, sess
}

func newCompletionServer(t testing.TB, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func waitForReady(t testing.TB, p *PromptRelay) {
	t.Helper()
	select {
	case <-p.signalReady:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for bot to be ready")
	}
}

func TestNew_MissingCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogFile = ""

	p, err := New(cfg)
	require.NotNil(t, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingDiscordToken)
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	cfg.Discord.Token = "token"
	err = p.ValidateConfig()
	assert.NotErrorIs(t, err, ErrMissingDiscordToken)
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	// Run refuses to start, without touching discord
	sess := newStubDiscordSession()
	p.discord.session = sess
	err = p.Run(context.Background())
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.False(t, sess.opened.Load())
}

func TestNew_LogFile(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.LogFile = filepath.Join(t.TempDir(), "logs", "bot.log")

	p, err := New(cfg)
	require.NoError(t, err)
	p.logger.Info("hello from the test")
	require.NoError(t, p.Close())

	data, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the test")
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Discord.Token = "token"
		cfg.Completion.APIKey = "key"
		return cfg
	}
	require.NoError(t, structValidator.Struct(valid()))

	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{name: "empty prefix", modify: func(cfg *Config) { cfg.CommandPrefix = "" }},
		{name: "negative cooldown", modify: func(cfg *Config) { cfg.Cooldown = -time.Second }},
		{name: "zero max response length", modify: func(cfg *Config) { cfg.MaxResponseLength = 0 }},
		{
			name: "reply doesn't fit in a message",
			modify: func(cfg *Config) {
				cfg.MaxResponseLength = 1900
				cfg.ReplyLabel = string(make([]rune, 200))
			},
		},
		{name: "bad base url", modify: func(cfg *Config) { cfg.Completion.BaseURL = "not a url" }},
		{name: "no model", modify: func(cfg *Config) { cfg.Completion.Model = "" }},
		{name: "no timeout", modify: func(cfg *Config) { cfg.Completion.Timeout = 0 }},
		{name: "bad database type", modify: func(cfg *Config) { cfg.DatabaseType = "mysql" }},
		{name: "bad listen network", modify: func(cfg *Config) { cfg.API.ListenNetwork = "udp" }},
		{
			name: "api enabled without listen address",
			modify: func(cfg *Config) {
				cfg.API.Enabled = true
				cfg.API.Listen = ""
			},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := valid()
				tc.modify(cfg)
				assert.Error(t, structValidator.Struct(cfg))
			},
		)
	}
}

func TestRun(t *testing.T) {
	srvURL := newCompletionServer(
		t, func(w http.ResponseWriter, _ *http.Request) {
			writeCompletion(t, w, "pong")
		},
	)
	cfg := newTestConfig(t)
	cfg.Completion.BaseURL = srvURL
	cfg.Database = filepath.Join(t.TempDir(), "promptrelay.sqlite3")
	p, sess := newTestRelay(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() {
		runErr <- p.Run(ctx)
	}()
	waitForReady(t, p)

	assert.True(t, sess.opened.Load())
	assert.False(t, p.StartedAt().IsZero())
	require.NotNil(t, p.writeDB)

	sess.mu.Lock()
	identify := sess.identify
	sess.mu.Unlock()
	assert.Equal(t, "!ai | DeepSeek", identify.Presence.Game.Name)
	assert.Equal(t, cfg.Discord.GatewayIntents, identify.Intents)

	u := newDiscordUser(t)
	handler := sess.messageCreateHandler(t)
	handler(nil, newMessageCreate(u, "!ai ping?"))

	r := waitForReply(t, sess)
	assert.Equal(t, DefaultReplyLabel+"\npong", r.Content)

	var questions []QuestionLog
	require.Eventually(
		t,
		func() bool {
			var err error
			questions, err = p.writeDB.RecentQuestions(context.Background(), 10, u.ID)
			return err == nil && len(questions) == 1
		},
		5*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, "ping?", questions[0].Prompt)
	assert.Equal(t, CompletionSuccess, questions[0].Outcome)
	assert.Equal(t, len("pong"), questions[0].ResponseLength)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	assert.True(t, sess.closed.Load())
	assert.Equal(t, sess.handlersAdded.Load(), sess.removed.Load())
	assert.Nil(t, p.db)

	// messages arriving after shutdown are dropped
	assert.False(t, p.dispatchMessage(context.Background(), newMessageCreate(u, "!ai late")))
}

func TestRun_OpenError(t *testing.T) {
	p, sess := newTestRelay(t, newTestConfig(t))
	sess.openErr = errors.New("gateway unavailable")

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sess.openErr)
	assert.True(t, p.StartedAt().IsZero())
}

func TestRun_DatabaseError(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.DatabaseType = dbTypePostgres
	cfg.Database = "host=127.0.0.1 port=1 user=nobody dbname=nothing sslmode=disable connect_timeout=1"
	p, sess := newTestRelay(t, cfg)

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.False(t, sess.opened.Load())
}

func TestRun_GracefulShutdown(t *testing.T) {
	var requests atomic.Int64
	srvURL := newCompletionServer(
		t, func(w http.ResponseWriter, _ *http.Request) {
			requests.Add(1)
			time.Sleep(300 * time.Millisecond)
			writeCompletion(t, w, "finished")
		},
	)
	cfg := newTestConfig(t)
	cfg.Completion.BaseURL = srvURL
	p, sess := newTestRelay(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() {
		runErr <- p.Run(ctx)
	}()
	waitForReady(t, p)

	sess.messageCreateHandler(t)(nil, newMessageCreate(newDiscordUser(t), "!ai slow one"))
	require.Eventually(
		t,
		func() bool { return requests.Load() == 1 },
		5*time.Second,
		5*time.Millisecond,
	)

	// the in-flight command finishes and replies before Run returns
	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	r := waitForReply(t, sess)
	assert.Equal(t, DefaultReplyLabel+"\nfinished", r.Content)
}

func TestRun_ShutdownTimeout(t *testing.T) {
	release := make(chan struct{})
	srvURL := newCompletionServer(
		t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		},
	)
	t.Cleanup(func() { close(release) })

	cfg := newTestConfig(t)
	cfg.Completion.BaseURL = srvURL
	cfg.Completion.Timeout = time.Minute
	cfg.ShutdownTimeout = 100 * time.Millisecond
	p, sess := newTestRelay(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() {
		runErr <- p.Run(ctx)
	}()
	waitForReady(t, p)

	sess.messageCreateHandler(t)(nil, newMessageCreate(newDiscordUser(t), "!ai forever"))
	require.Eventually(
		t,
		func() bool { return p.commandsInProgress.Load() == 1 },
		5*time.Second,
		5*time.Millisecond,
	)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	assert.Equal(t, int64(0), p.commandsInProgress.Load())
}

func TestDispatchMessage_RecoversPanic(t *testing.T) {
	p, _ := newTestRelay(t, newTestConfig(t))
	// a nil cooldown gate panics once the command reaches it
	p.cooldown = nil

	u := newDiscordUser(t)
	require.True(t, p.dispatchMessage(context.Background(), newMessageCreate(u, "!help")))
	p.handlerWG.Wait()
}

func TestInitDiscordSession(t *testing.T) {
	p, sess := newTestRelay(t, newTestConfig(t))

	require.NoError(t, p.initDiscordSession(context.Background()))
	added := sess.handlersAdded.Load()
	assert.Equal(t, int64(len(p.discord.discordgoRemoveHandlerFuncs)), added)

	// re-initializing removes the previous handlers first
	require.NoError(t, p.initDiscordSession(context.Background()))
	assert.Equal(t, added, sess.removed.Load())
	assert.Equal(t, 2*added, sess.handlersAdded.Load())

	var msgHandler func(*discordgo.Session, *discordgo.MessageCreate)
	assert.NotPanics(t, func() { msgHandler = sess.messageCreateHandler(t) })
	assert.NotNil(t, msgHandler)
}
