package promptrelay

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	commandAI   = "ai"
	commandPing = "ping"
	commandHelp = "help"

	cooldownNoticeFormat = "⏳ Wait %d seconds before asking again"
	usageReplyFormat     = "Usage: `%sai <question>`"
	pingReplyFormat      = "🏓 Pong! Latency: `%dms`"

	// questionLogPromptLength is the number of prompt characters
	// included in the question log line
	questionLogPromptLength = 50
)

// chatCommand is a prefixed command parsed from a message
type chatCommand struct {
	// Name is the lowercased command name, without the prefix
	Name string

	// Args is everything after the command name, with surrounding
	// whitespace removed
	Args string
}

// parseCommand parses content as `<prefix><name> [args]`. The prefix and
// name are matched case-insensitively. Returns false if content doesn't
// start with the prefix, or if no name immediately follows it.
func parseCommand(prefix string, content string) (chatCommand, bool) {
	if prefix == "" || len(content) <= len(prefix) {
		return chatCommand{}, false
	}
	if !strings.EqualFold(content[:len(prefix)], prefix) {
		return chatCommand{}, false
	}
	rest := content[len(prefix):]

	name, args := rest, ""
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		name, args = rest[:i], rest[i:]
	}
	if name == "" {
		return chatCommand{}, false
	}
	return chatCommand{
		Name: strings.ToLower(name),
		Args: strings.TrimSpace(args),
	}, true
}

// handleMessage routes a gateway message to the matching command.
// Messages from bots, messages without the command prefix, and unknown
// commands are ignored.
func (p *PromptRelay) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.Bot {
		return
	}

	cmd, ok := parseCommand(p.config.CommandPrefix, m.Content)
	if !ok {
		return
	}

	ctx, logger := p.getLogger(ctx)
	logger = logger.With("command", cmd.Name).With(userLogAttrs(m.Author)...)
	logger = logger.With(messageLogAttrs(m.Message)...)
	ctx = WithLogger(ctx, logger)

	switch cmd.Name {
	case commandAI:
		p.metrics.command(cmd.Name)
		p.runAICommand(ctx, m.Message, cmd.Args)
	case commandPing:
		p.metrics.command(cmd.Name)
		p.runPingCommand(ctx, m.Message)
	case commandHelp:
		p.metrics.command(cmd.Name)
		p.runHelpCommand(ctx, m.Message)
	default:
		logger.DebugContext(ctx, "ignoring unknown command")
	}
}

// runAICommand checks the user's cooldown, and if admitted, relays prompt
// to the completion API and replies with the (possibly truncated) result.
func (p *PromptRelay) runAICommand(
	ctx context.Context,
	m *discordgo.Message,
	prompt string,
) {
	ctx, logger := p.getLogger(ctx)

	if prompt == "" {
		_, _ = p.discord.reply(
			ctx,
			m,
			fmt.Sprintf(usageReplyFormat, p.config.CommandPrefix),
		)
		return
	}

	if remaining := p.cooldown.CheckAndAdmit(m.Author.ID, time.Now()); remaining > 0 {
		p.metrics.denied()
		logger.InfoContext(ctx, "cooldown active", "seconds_remaining", remaining)
		notice, err := p.discord.reply(ctx, m, fmt.Sprintf(cooldownNoticeFormat, remaining))
		if err == nil && notice != nil && p.config.Discord.RateLimitNoticeTTL > 0 {
			p.deleteMessageAfter(ctx, notice, p.config.Discord.RateLimitNoticeTTL)
		}
		return
	}

	commandID := uuid.NewString()
	logger = logger.With("command_id", commandID)
	ctx = WithLogger(ctx, logger)

	p.commandsInProgress.Add(1)
	p.metrics.inProgress(1)
	stopTyping := p.discord.startTyping(ctx, m.ChannelID)
	result := p.completion.Complete(ctx, prompt)
	stopTyping()
	p.metrics.inProgress(-1)
	p.commandsInProgress.Add(-1)
	p.metrics.completion(result)

	response, truncated := truncateResponse(result.Reply(), p.config.MaxResponseLength)
	if truncated {
		p.metrics.truncated()
	}

	content := response
	if p.config.ReplyLabel != "" {
		content = p.config.ReplyLabel + "\n" + response
	}
	_, sendErr := p.discord.reply(ctx, m, content)

	logger.InfoContext(
		ctx,
		fmt.Sprintf(
			"Question from %s: %s...",
			m.Author.String(),
			truncate(prompt, questionLogPromptLength),
		),
		"result", result,
		"truncated", truncated,
		"reply_sent", sendErr == nil,
	)

	p.recordQuestion(
		ctx,
		newQuestionLog(
			commandID,
			m,
			prompt,
			result,
			utf8.RuneCountInString(response),
			truncated,
		),
	)
}

func (p *PromptRelay) runPingCommand(ctx context.Context, m *discordgo.Message) {
	latency := p.discord.session.HeartbeatLatency()
	_, _ = p.discord.reply(
		ctx,
		m,
		fmt.Sprintf(pingReplyFormat, latency.Round(time.Millisecond).Milliseconds()),
	)
}

func (p *PromptRelay) runHelpCommand(ctx context.Context, m *discordgo.Message) {
	_, _ = p.discord.reply(ctx, m, p.helpMessage())
}

// helpMessage lists the available commands, the model in use and the
// cooldown between questions
func (p *PromptRelay) helpMessage() string {
	prefix := p.config.CommandPrefix
	var sb strings.Builder
	sb.WriteString("**📚 Commands:**\n")
	sb.WriteString(fmt.Sprintf("`%sai <question>` - Ask the AI anything\n", prefix))
	sb.WriteString(fmt.Sprintf("`%sping` - Check the bot's latency\n", prefix))
	sb.WriteString(fmt.Sprintf("`%shelp` - Show this message\n", prefix))
	sb.WriteString(fmt.Sprintf("\n**Model:** `%s`\n", p.config.Completion.Model))
	sb.WriteString(
		fmt.Sprintf(
			"**Cooldown:** %d seconds between questions",
			int(p.cooldown.Window()/time.Second),
		),
	)
	return sb.String()
}

// deleteMessageAfter deletes msg once delay has passed. If ctx is done
// first, msg is deleted immediately.
func (p *PromptRelay) deleteMessageAfter(
	ctx context.Context,
	msg *discordgo.Message,
	delay time.Duration,
) {
	_, logger := p.getLogger(ctx)
	p.messageDeleteTimersRunning.Add(1)
	go func() {
		defer p.messageDeleteTimersRunning.Add(-1)
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		if err := p.discord.session.ChannelMessageDelete(msg.ChannelID, msg.ID); err != nil {
			logger.Warn(
				"error deleting message",
				tint.Err(err),
				"channel_id", msg.ChannelID,
				"message_id", msg.ID,
			)
		}
	}()
}

// recordQuestion saves q to the audit database, if one is configured
func (p *PromptRelay) recordQuestion(ctx context.Context, q *QuestionLog) {
	if p.writeDB == nil {
		return
	}
	_, logger := p.getLogger(ctx)
	if _, err := p.writeDB.Create(context.WithoutCancel(ctx), q); err != nil {
		logger.ErrorContext(ctx, "error saving question", tint.Err(err), "question", q)
	}
}
