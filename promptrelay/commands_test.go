package promptrelay

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		prefix  string
		content string
		ok      bool
		name    string
		args    string
	}{
		{prefix: "!", content: "!ai What is 2+2?", ok: true, name: "ai", args: "What is 2+2?"},
		{prefix: "!", content: "!AI  hello  ", ok: true, name: "ai", args: "hello"},
		{prefix: "!", content: "!ai\nmultiple\nlines", ok: true, name: "ai", args: "multiple\nlines"},
		{prefix: "!", content: "!ai", ok: true, name: "ai", args: ""},
		{prefix: "!", content: "!ping", ok: true, name: "ping", args: ""},
		{prefix: "!", content: "!", ok: false},
		{prefix: "!", content: "! ai hello", ok: false},
		{prefix: "!", content: "ai hello", ok: false},
		{prefix: "!", content: "", ok: false},
		{prefix: "?bot ", content: "?BOT help", ok: true, name: "help", args: ""},
		{prefix: "", content: "!ai hello", ok: false},
	}
	for _, tc := range tests {
		t.Run(
			fmt.Sprintf("%q", tc.content), func(t *testing.T) {
				cmd, ok := parseCommand(tc.prefix, tc.content)
				require.Equal(t, tc.ok, ok)
				if !ok {
					return
				}
				assert.Equal(t, tc.name, cmd.Name)
				assert.Equal(t, tc.args, cmd.Args)
			},
		)
	}
}

func TestAICommand(t *testing.T) {
	srvURL := newCompletionServer(
		t, func(w http.ResponseWriter, _ *http.Request) {
			writeCompletion(t, w, "It's **4**.")
		},
	)
	cfg := newTestConfig(t)
	cfg.Completion.BaseURL = srvURL
	p, sess := newTestRelay(t, cfg)
	ctx := context.Background()

	u := newDiscordUser(t)
	m := newMessageCreate(u, "!ai What is 2+2?")
	p.handleMessage(ctx, m)

	r := waitForReply(t, sess)
	assert.Equal(t, DefaultReplyLabel+"\nIt's **4**.", r.Content)
	assert.Equal(t, m.ChannelID, r.ChannelID)
	require.NotNil(t, r.Reference)
	assert.Equal(t, m.ID, r.Reference.MessageID)
	assert.Greater(t, sess.typing.Load(), int64(0))
	assert.Equal(t, int64(0), p.commandsInProgress.Load())

	_, ok := p.cooldown.Last(u.ID)
	assert.True(t, ok)

	// a second question right away is denied, and the notice is removed
	// after the notice TTL
	p.handleMessage(ctx, newMessageCreate(u, "!ai and again?"))
	notice := waitForReply(t, sess)
	assert.Equal(t, "⏳ Wait 10 seconds before asking again", notice.Content)

	select {
	case deleted := <-sess.deletes:
		assert.Equal(t, notice.Message.ID, deleted.MessageID)
		assert.Equal(t, notice.ChannelID, deleted.ChannelID)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for cooldown notice to be deleted")
	}
	require.Eventually(
		t,
		func() bool { return p.messageDeleteTimersRunning.Load() == 0 },
		5*time.Second,
		10*time.Millisecond,
	)

	// another user isn't affected
	other := newDiscordUser(t)
	other.ID = "other_" + t.Name()
	p.handleMessage(ctx, newMessageCreate(other, "!ai hi"))
	r = waitForReply(t, sess)
	assert.Equal(t, DefaultReplyLabel+"\nIt's **4**.", r.Content)
}

func TestAICommand_Truncated(t *testing.T) {
	long := strings.Repeat("a", 2000)
	srvURL := newCompletionServer(
		t, func(w http.ResponseWriter, _ *http.Request) {
			writeCompletion(t, w, long)
		},
	)
	cfg := newTestConfig(t)
	cfg.Completion.BaseURL = srvURL
	p, sess := newTestRelay(t, cfg)

	p.handleMessage(context.Background(), newMessageCreate(newDiscordUser(t), "!ai long"))
	r := waitForReply(t, sess)
	assert.Equal(
		t,
		DefaultReplyLabel+"\n"+strings.Repeat("a", 1800)+" [...]",
		r.Content,
	)
	assert.LessOrEqual(t, len([]rune(r.Content)), discordMaxMessageLength)
}

func TestAICommand_APIError(t *testing.T) {
	srvURL := newCompletionServer(
		t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("server error"))
		},
	)
	cfg := newTestConfig(t)
	cfg.Completion.BaseURL = srvURL
	p, sess := newTestRelay(t, cfg)

	u := newDiscordUser(t)
	p.handleMessage(context.Background(), newMessageCreate(u, "!ai hello"))
	r := waitForReply(t, sess)
	assert.Equal(t, DefaultReplyLabel+"\n⚠️ API error: 500", r.Content)

	// failed requests still count against the cooldown
	p.handleMessage(context.Background(), newMessageCreate(u, "!ai hello"))
	r = waitForReply(t, sess)
	assert.Contains(t, r.Content, "Wait")
}

func TestAICommand_QuestionLogLine(t *testing.T) {
	srvURL := newCompletionServer(
		t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("server error"))
		},
	)
	cfg := newTestConfig(t)
	cfg.Completion.BaseURL = srvURL
	// with a log file, output is written without color
	cfg.LogFile = filepath.Join(t.TempDir(), "bot.log")
	p, sess := newTestRelay(t, cfg)

	u := newDiscordUser(t)
	prompt := strings.Repeat("a", 50) + strings.Repeat("b", 30)
	p.handleMessage(context.Background(), newMessageCreate(u, "!ai "+prompt))
	r := waitForReply(t, sess)
	assert.Equal(t, DefaultReplyLabel+"\n⚠️ API error: 500", r.Content)

	var line string
	require.Eventually(
		t,
		func() bool {
			data, err := os.ReadFile(cfg.LogFile)
			if err != nil {
				return false
			}
			for _, l := range strings.Split(string(data), "\n") {
				if strings.Contains(l, "Question from") {
					line = l
					return true
				}
			}
			return false
		},
		5*time.Second,
		10*time.Millisecond,
	)
	assert.Contains(t, line, "Question from someone: "+strings.Repeat("a", 50)+"...")
	assert.NotContains(t, line, strings.Repeat("a", 50)+"b")
	assert.Contains(t, line, "user_id="+u.ID)
	assert.Contains(t, line, "outcome=status")
}

func TestAICommand_Usage(t *testing.T) {
	srvURL := newCompletionServer(
		t, func(w http.ResponseWriter, _ *http.Request) {
			t.Error("unexpected completion request")
		},
	)
	cfg := newTestConfig(t)
	cfg.Completion.BaseURL = srvURL
	p, sess := newTestRelay(t, cfg)

	u := newDiscordUser(t)
	p.handleMessage(context.Background(), newMessageCreate(u, "!ai   "))
	r := waitForReply(t, sess)
	assert.Equal(t, "Usage: `!ai <question>`", r.Content)
	assert.Equal(t, 0, p.cooldown.Len())
}

func TestHandleMessage_Ignored(t *testing.T) {
	srvURL := newCompletionServer(
		t, func(w http.ResponseWriter, _ *http.Request) {
			t.Error("unexpected completion request")
		},
	)
	cfg := newTestConfig(t)
	cfg.Completion.BaseURL = srvURL
	p, sess := newTestRelay(t, cfg)
	ctx := context.Background()

	bot := newDiscordUser(t)
	bot.Bot = true
	p.handleMessage(ctx, newMessageCreate(bot, "!ai hello"))

	u := newDiscordUser(t)
	p.handleMessage(ctx, newMessageCreate(u, "hello there"))
	p.handleMessage(ctx, newMessageCreate(u, "!unknown command"))
	p.handleMessage(ctx, newMessageCreate(nil, "!ai hello"))
	p.handleMessage(ctx, nil)

	assertNoReply(t, sess)
	assert.Equal(t, 0, p.cooldown.Len())
}

func TestPingCommand(t *testing.T) {
	p, sess := newTestRelay(t, newTestConfig(t))
	sess.latency = 123456 * time.Microsecond

	p.handleMessage(context.Background(), newMessageCreate(newDiscordUser(t), "!ping"))
	r := waitForReply(t, sess)
	assert.Equal(t, "🏓 Pong! Latency: `123ms`", r.Content)
}

func TestHelpCommand(t *testing.T) {
	p, sess := newTestRelay(t, newTestConfig(t))

	p.handleMessage(context.Background(), newMessageCreate(newDiscordUser(t), "!help"))
	r := waitForReply(t, sess)
	assert.Contains(t, r.Content, "`!ai <question>`")
	assert.Contains(t, r.Content, "`!ping`")
	assert.Contains(t, r.Content, "`!help`")
	assert.Contains(t, r.Content, DefaultCompletionModel)
	assert.Contains(t, r.Content, "10 seconds")
	assert.Equal(t, 0, p.cooldown.Len())
}
