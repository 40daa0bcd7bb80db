// Package observability provides structured logging and an event timeline
// for debugging and replaying agent runs.
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic correlation ID propagation from context (run, session, tool
//     call, message)
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx := observability.AddRunID(ctx, runID)
//	ctx = observability.AddSessionID(ctx, sessionID)
//
//	logger.Info(ctx, "processing message",
//	    "channel", "telegram",
//	    "message_length", len(content),
//	)
//
//	logger.Error(ctx, "llm request failed",
//	    "error", err,
//	    "provider", "anthropic",
//	    "api_key", apiKey, // automatically redacted
//	)
//
// # Event timeline
//
// The event timeline records a replayable history of a run for debugging:
// tool calls, model requests, errors, each stamped with the correlation IDs
// active on the context that recorded them.
//
//	recorder := observability.NewEventRecorder(store, logger)
//	ctx = observability.AddRunID(ctx, runID)
//	recorder.Record(ctx, observability.EventTypeToolStart, "web_search", data)
//
// # Security considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, auth, authorization
//   - private_key, privatekey
package observability
