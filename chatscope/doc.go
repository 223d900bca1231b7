// Package chatscope implements a Discord bot which answers members who
// mention it, or reply to it, using OpenAI's chat completion API.
//
// Every new conversation starts with a system prompt made up of the
// bot's persona and the "context scope": short snippets of text curated
// by the bot's owner. Conversations are stored, keyed by the ID of the
// bot's most recent reply, so replying to any answer continues the
// thread with its full history.
//
// Key components of the package include:
//
//   - ChatScope: The main struct, which routes gateway messages and
//     manages the bot's lifecycle.
//   - Discord: Handles the gateway session, and sends replies.
//   - AdminCommands: The owner's prefixed commands to list, add and
//     remove context snippets.
//   - ContextScope: Validates snippets, and assembles them into the
//     system prompt.
//   - CompletionGateway: Requests completions, and enforces the reply
//     word limit.
//   - Database: Persists snippets and conversations, in MongoDB,
//     SQLite or PostgreSQL.
//   - API: An optional HTTP API for health checks and managing the
//     context scope.
//
// Admin commands (with the default '!' prefix):
//
//   - !list: Lists all context snippets. The reply is deleted after
//     a delay.
//   - !add <text>: Adds a context snippet.
//   - !remove <id>: Removes a context snippet.
package chatscope
