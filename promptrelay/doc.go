// Package promptrelay implements a Discord bot that relays user questions
// to an OpenAI-compatible chat completions API (DeepSeek by default) and
// replies with the answer in the originating channel.
//
// Key components of the package include:
//
//   - PromptRelay: The main struct, which owns the config, loggers and
//     every component below, and runs the bot.
//   - CooldownGate: Per-user rate limiting between questions.
//   - CompletionClient: Sends a single-turn prompt to the completions
//     endpoint, and classifies the outcome.
//   - Discord: Manages the discord gateway session.
//   - API: An optional status server with health and prometheus metrics.
//   - Database: Optional audit records of questions asked.
//
// The bot supports prefixed text commands (with the default prefix):
//
//   - !ai <question>: Asks the model a question. Subject to a per-user
//     cooldown.
//   - !ping: Replies with the gateway heartbeat latency.
//   - !help: Lists commands, the model in use and the cooldown.
package promptrelay
