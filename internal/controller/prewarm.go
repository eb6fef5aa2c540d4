package controller

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opencode-ai/opencode/internal/agentproc"
	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/pkg/model"
)

// prewarmDebounce is how long schedulePreWarm waits, coalescing repeated
// config changes into a single hidden start.
const prewarmDebounce = 500 * time.Millisecond

// schedulePreWarm implements the pre-warm scheduler: a debounced timer that
// starts a hidden session so the subprocess is already initialized by the
// time the user sends their first message.
func (c *Controller) schedulePreWarm(ctx context.Context) {
	c.schedulePreWarmAfter(ctx, prewarmDebounce)
}

// schedulePreWarmRetry implements the backoff policy for a pre-warm start
// that just failed: the delay before the next attempt grows with
// failCount instead of staying pinned to prewarmDebounce, so a subprocess
// that keeps dying on launch doesn't spin-retry every 500ms.
func (c *Controller) schedulePreWarmRetry(ctx context.Context, failCount int) {
	c.schedulePreWarmAfter(ctx, prewarmRetryDelay(failCount))
}

// prewarmRetryDelay computes the failCount'th backoff interval starting
// from prewarmDebounce, capped at 10s.
func prewarmRetryDelay(failCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = prewarmDebounce
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	var delay time.Duration
	for i := 0; i <= failCount; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (c *Controller) schedulePreWarmAfter(ctx context.Context, delay time.Duration) {
	c.mu.Lock()
	if c.prewarmTimer != nil {
		c.prewarmTimer.Stop()
	}
	if c.proc != nil || c.processing {
		c.mu.Unlock()
		return
	}
	c.prewarmTimer = time.AfterFunc(delay, func() {
		if err := c.startStreamingSession(ctx, true); err != nil {
			logging.Warn().Err(err).Msg("controller: pre-warm start failed")
		}
	})
	c.mu.Unlock()
}

// resetPrewarmFailCount is called on every config setter per §4.6: "any
// config change resets the fail counter."
func (c *Controller) resetPrewarmFailCount() {
	c.mu.Lock()
	c.prewarmFailCount = 0
	c.mu.Unlock()
}

// isPreWarming reports whether the live subprocess (if any) is still hidden.
// Read on every incoming event rather than captured once at start, since
// promotePreWarm can flip this mid-run without restarting the event loop.
func (c *Controller) isPreWarming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preWarming
}

// bufferPreWarmInit implements step 8's pre-warm branch: buffer the
// system-init event instead of fanning it out, so it can be replayed once
// the pre-warm session transitions to active (§4.5 step 7).
func (c *Controller) bufferPreWarmInit(ev agentproc.Event) {
	c.mu.Lock()
	copyEv := ev
	c.bufferedSystemInit = &copyEv
	c.mu.Unlock()
}

// promotePreWarm implements §4.5 step 7: transition a buffered pre-warm
// session to active by replaying its buffered system-init to subscribers and
// performing the session-registered bookkeeping that a non-pre-warm start
// would have done on that same event. Called by EnqueueUserMessage at the
// moment a real enqueue takes over a pre-warmed subprocess; consumeEvents
// notices the flip (via isPreWarming) and starts feeding the same
// subprocess's subsequent events to the Stream Assembler.
func (c *Controller) promotePreWarm(ctx context.Context) {
	c.mu.Lock()
	buffered := c.bufferedSystemInit
	c.bufferedSystemInit = nil
	wasPreWarming := c.preWarming
	c.preWarming = false
	sessionID := c.sessionID
	c.mu.Unlock()

	if buffered != nil {
		c.markRegistered(ctx, buffered.SessionID)
		event.Publish(event.Event{Type: event.SystemInit, Data: event.SystemInitData{
			SessionID:     sessionID,
			SubprocessID:  buffered.SessionID,
			Model:         buffered.Model,
			Tools:         buffered.Tools,
			SlashCommands: buffered.SlashCmds,
			Agents:        buffered.Subagents,
			Skills:        buffered.Skills,
			Plugins:       buffered.Plugins,
		}})
	}
	if wasPreWarming {
		c.setState(model.StateRunning)
	}
}
