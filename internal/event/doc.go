/*
Package event provides a type-safe, pub/sub event system for broadcasting
Session Controller, Message Pipeline, Stream Assembler and Permission &
Policy Engine activity to subscribed clients.

# Architecture

The package is built on top of watermill's gochannel for infrastructure while
maintaining direct-call semantics to preserve type information. It provides
both synchronous and asynchronous event publishing patterns.

# Event Types

session_events.go defines the event kinds this service actually emits:

System Events:
  - system-init: agent subprocess reported its session identity/capabilities
  - system-status, status: subprocess/session status changed
  - agent-error, message-error: turn-level failures

Message Stream Events:
  - message-chunk, thinking-start, thinking-chunk: streaming assistant output
  - tool-use-start, tool-input-delta, tool-result-start/delta/complete
  - server-tool-use-start, content-block-stop
  - subagent-tool-use-start, subagent-result-delta/complete
  - message-complete, message-stopped, message-replay, message-sdk-uuid

Queue Events:
  - queue-added, queue-started, queue-cancelled

Permission Events:
  - permission:request: Engine is asking for a tool-use decision
  - ask-user-question:request: Engine is asking a structured AskUser question

Diagnostic Events:
  - log, debug-message

bus.go still declares an older set of kinds (session.created,
message.updated, permission.required and the rest); nothing in this service
publishes them, and the package has no payload structs for them.

# Basic Usage

Publishing events:

	// Asynchronous publishing (non-blocking)
	event.Publish(event.Event{
		Type: event.SystemInit,
		Data: event.SystemInitData{SessionID: sessionID},
	})

	// Synchronous publishing (blocking until all subscribers complete)
	event.PublishSync(event.Event{
		Type: event.MessageComplete,
		Data: event.MessageCompleteData{SessionID: sessionID},
	})

Subscribing to specific events:

	unsubscribe := event.Subscribe(event.SystemInit, func(e event.Event) {
		data := e.Data.(event.SystemInitData)
		log.Info("session init", "id", data.SessionID)
	})
	defer unsubscribe()

Subscribing to all events:

	unsubscribe := event.SubscribeAll(func(e event.Event) {
		log.Debug("Event received", "type", e.Type)
	})
	defer unsubscribe()

# Subscriber Safety Guidelines

When using PublishSync, subscribers are called synchronously in the publisher's
goroutine. To avoid blocking or deadlocks, subscribers MUST:

  - Complete quickly (avoid long-running operations)
  - Use non-blocking channel sends (select with default case)
  - Never call Publish/PublishSync from within a subscriber (no re-entrant publishing)
  - Never acquire locks that the publisher might hold

Example of a safe subscriber:

	event.SubscribeAll(func(e event.Event) {
	    select {
	    case eventChan <- e:
	        // Event sent successfully
	    default:
	        // Channel full, drop event to avoid blocking
	        log.Warn("Event dropped due to full channel", "type", e.Type)
	    }
	})

# Custom Event Bus

For testing or isolation, you can create custom bus instances:

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.SystemInit, handler)
	bus.PublishSync(event.Event{Type: event.SystemInit, Data: data})

# Testing

The package provides utilities for testing:

	// Reset global bus state (use in test cleanup)
	event.Reset()

# Thread Safety

The event bus is thread-safe and can be used concurrently from multiple goroutines.
Both publishing and subscribing operations are protected by internal synchronization.

# Performance Considerations

- Asynchronous publishing (Publish) creates a goroutine per subscriber per event
- Synchronous publishing (PublishSync) calls all subscribers in the current goroutine
- Use PublishSync for critical events where ordering matters
- Use Publish for fire-and-forget notifications
- Consider subscriber performance impact on PublishSync calls

# Integration with Watermill

The package uses watermill's gochannel internally, providing access to the underlying
pubsub infrastructure for advanced use cases:

	pubsub := event.PubSub()
	// Use watermill features like middleware, routing, etc.

This allows future migration to distributed message brokers if needed while maintaining
the current API.
*/
package event
