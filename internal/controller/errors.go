package controller

import (
	"context"
	"strings"

	"github.com/opencode-ai/opencode/internal/event"
)

// errorCatalogEntry is one known subprocess-error substring mapped to a
// user-facing string, per §4.6/§7's error localization catalog. Entries are
// matched in order; the first substring match wins.
type errorCatalogEntry struct {
	substring string
	category  string
	message   string
	autoReset bool
}

// errorCatalog is consulted by reportError, which broadcasts the localized
// text as a TurnMessageError event. There is no IM-bot stream callback, and
// AgentError events carry their own fixed text rather than a catalog entry.
var errorCatalog = []errorCatalogEntry{
	{substring: "unsupported image content", category: "unsupported-image", message: "That image couldn't be processed by the model — please try a different file.", autoReset: true},
	{substring: "invalid model", category: "invalid-model", message: "The selected model is not available. Pick another model and try again."},
	{substring: "authentication", category: "auth-failure", message: "Authentication failed — check your API key or token."},
	{substring: "401", category: "auth-failure", message: "Authentication failed — check your API key or token."},
	{substring: "rate limit", category: "rate-limit", message: "Rate limited by the model provider — please wait a moment and retry."},
	{substring: "429", category: "rate-limit", message: "Rate limited by the model provider — please wait a moment and retry."},
	{substring: "quota", category: "quota-exhausted", message: "Usage quota exhausted for this account."},
	{substring: "overloaded", category: "service-overload", message: "The model provider is currently overloaded — please retry shortly."},
	{substring: "529", category: "service-overload", message: "The model provider is currently overloaded — please retry shortly."},
	{substring: "replaced by a newer", category: "replaced-by-newer", message: "This session was superseded by a newer one in another window."},
	{substring: "already in use", category: "already-in-use", message: "This session is already active elsewhere."},
}

// localizeError maps a raw subprocess error string to a user-facing
// message and category; unmatched errors fall back to the raw text with an
// empty category.
func localizeError(raw string) (category, message string, autoReset bool) {
	lower := strings.ToLower(raw)
	for _, e := range errorCatalog {
		if strings.Contains(lower, e.substring) {
			return e.category, e.message, e.autoReset
		}
	}
	return "", raw, false
}

// reportError localizes a subprocess error, broadcasts it, and — for
// categories that mark the session unrecoverable without a reset (a
// polluted context that would fail every subsequent turn) — triggers an
// automatic reset after the current state is persisted.
func (c *Controller) reportError(ctx context.Context, raw string) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	_, message, autoReset := localizeError(raw)
	event.Publish(event.Event{Type: event.TurnMessageError, Data: event.TextData{SessionID: sessionID, Text: message}})

	if autoReset {
		c.persistAll(ctx, sessionID)
		if _, err := c.ResetSession(ctx); err != nil {
			event.Publish(event.Event{Type: event.AgentError, Data: event.TextData{SessionID: sessionID, Text: "automatic reset after unsupported content failed: " + err.Error()}})
		}
	}
}
