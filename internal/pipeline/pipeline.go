package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/pkg/model"
)

// turnClock holds the per-turn usage and start time: a new zero value is
// stamped at enqueue time (if the session was idle) or at yield time (if
// the item had to wait in queue).
type turnClock struct {
	usage *model.TurnUsage
	start time.Time
}

// StartSession is called by the Pipeline when a queue item needs a live
// subprocess and none is running. It is the pipeline's only call out to
// the Session Controller; kept as a narrow function type so the two
// packages don't import each other's full surface.
type StartSession func() error

// SendToSubprocess hands a yielded item's content to the live subprocess's
// stdin, shaped as the typed user message agentproc expects.
type SendToSubprocess func(content json.RawMessage) error

// Pipeline serializes one session's user turns onto its subprocess.
type Pipeline struct {
	mu sync.Mutex

	sessionID string
	queue     []*QueueItem
	streaming bool

	wakeCh    chan struct{}
	turnDone  chan struct{}
	shutdown  bool

	clock turnClock

	startSession StartSession
	sendToProc   SendToSubprocess
	saveAttach   SaveAttachment

	renderUser func(item *QueueItem)
	persist    func(item *QueueItem)

	currentProviderEnv map[string]string
	genOnce            sync.Once
}

// New creates a Pipeline for one session. renderUser/persist are called
// (outside the pipeline's own lock) whenever a user message becomes
// visible to subscribers — either immediately (not busy) or at the moment
// the generator yields a previously-queued item.
func New(sessionID string, startSession StartSession, sendToProc SendToSubprocess, saveAttach SaveAttachment, renderUser, persist func(item *QueueItem)) *Pipeline {
	return &Pipeline{
		sessionID:    sessionID,
		wakeCh:       make(chan struct{}, 1),
		turnDone:     make(chan struct{}, 1),
		startSession: startSession,
		sendToProc:   sendToProc,
		saveAttach:   saveAttach,
		renderUser:   renderUser,
		persist:      persist,
	}
}

// Run starts the generator goroutine. Call once per Pipeline lifetime.
func (p *Pipeline) Run(ctx context.Context) {
	p.genOnce.Do(func() {
		go p.generatorLoop(ctx)
	})
}

// generatorLoop is the persistent-yield model: wait for a queue item,
// yield it (send to subprocess, render/persist if it had been queued),
// wait for turn-complete, loop. A nil wake (shutdown) ends the loop.
func (p *Pipeline) generatorLoop(ctx context.Context) {
	for {
		item, ok := p.waitForMessage(ctx)
		if !ok {
			return
		}

		p.mu.Lock()
		wasQueued := item.WasQueued
		if wasQueued {
			p.clock = turnClock{usage: &model.TurnUsage{}, start: time.Now()}
		}
		p.streaming = true
		p.mu.Unlock()

		if wasQueued {
			p.renderUser(item)
			p.persist(item)
		}

		if err := p.sendToProc(item.Content); err != nil {
			logging.Error().Err(err).Str("sessionID", p.sessionID).Msg("pipeline: send to subprocess failed")
			item.Resolve()
			p.mu.Lock()
			p.streaming = false
			p.mu.Unlock()
			continue
		}

		if !p.waitForTurnComplete(ctx) {
			item.Resolve()
			return
		}
		item.Resolve()

		p.mu.Lock()
		p.streaming = false
		p.mu.Unlock()
	}
}

// waitForMessage is one of the two suspension points in the generator
// (§5): it blocks until woken, then pops the queue head.
func (p *Pipeline) waitForMessage(ctx context.Context) (*QueueItem, bool) {
	for {
		p.mu.Lock()
		if p.shutdown {
			p.mu.Unlock()
			return nil, false
		}
		if len(p.queue) > 0 {
			item := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return item, true
		}
		p.mu.Unlock()

		select {
		case <-p.wakeCh:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// waitForTurnComplete is the generator's second suspension point, awoken
// by SignalTurnComplete (called by the Stream Assembler on a `result`
// event) or by Shutdown.
func (p *Pipeline) waitForTurnComplete(ctx context.Context) bool {
	select {
	case <-p.turnDone:
		return true
	case <-ctx.Done():
		return false
	}
}

// SignalTurnComplete wakes the generator's waitForTurnComplete. Called by
// the Stream Assembler's turn-finalization path.
func (p *Pipeline) SignalTurnComplete() {
	select {
	case p.turnDone <- struct{}{}:
	default:
	}
}

func (p *Pipeline) wakeGenerator() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Shutdown releases the generator permanently.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.wakeGenerator()
	p.SignalTurnComplete()
}

// SessionBusy reports whether the session is mid-turn or has queued work.
func (p *Pipeline) SessionBusy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaming || len(p.queue) > 0
}

// requiresFreshSession implements the provider-switch rule table's one
// signature-incompatible transition: third-party base URL to the vanilla
// official endpoint.
func requiresFreshSession(from, to map[string]string) bool {
	wasThirdParty := from["ANTHROPIC_BASE_URL"] != "" || from["ANTHROPIC_AUTH_TOKEN"] != ""
	isOfficial := to["ANTHROPIC_BASE_URL"] == ""
	return wasThirdParty && isOfficial
}

func envChanged(a, b map[string]string) bool {
	if len(a) != len(b) {
		return true
	}
	for k, v := range a {
		if b[k] != v {
			return true
		}
	}
	return false
}

// EnqueueHooks lets the caller (Session Controller) take part in an
// enqueue. FirstMessage reports whether this is the session's first-ever
// message (metadata has not yet been persisted); OnFirstMessageTitle is
// called with the derived title when that is the case.
// AbortLiveForProviderSwitch and ApplyLiveConfig let the caller perform the
// provider-switch abort and the live-config-apply steps, since the Pipeline
// itself has no handle on the subprocess lifecycle.
type EnqueueHooks struct {
	AbortLiveForProviderSwitch func()
	ApplyLiveConfig            func(mode, modelID string)
	FirstMessage               bool
	OnFirstMessageTitle        func(title string)
}

// EnqueueUserMessage implements §4.5's enqueue algorithm.
func (p *Pipeline) EnqueueUserMessage(req EnqueueRequest, hooks EnqueueHooks) (*QueueItem, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Images) == 0 {
		return nil, nil
	}

	busy := p.SessionBusy()
	if !busy {
		p.mu.Lock()
		p.clock = turnClock{usage: &model.TurnUsage{}, start: time.Now()}
		p.mu.Unlock()
	}

	if envChanged(p.currentProviderEnv, req.ProviderEnv) {
		fresh := requiresFreshSession(p.currentProviderEnv, req.ProviderEnv)
		if hooks.AbortLiveForProviderSwitch != nil {
			hooks.AbortLiveForProviderSwitch()
		}
		p.mu.Lock()
		if fresh {
			p.queue = nil
		}
		p.currentProviderEnv = req.ProviderEnv
		p.mu.Unlock()
	}

	if !busy && hooks.ApplyLiveConfig != nil {
		hooks.ApplyLiveConfig(req.Mode, req.Model)
	}

	if hooks.FirstMessage && hooks.OnFirstMessageTitle != nil {
		hooks.OnFirstMessageTitle(deriveTitle(req.Text))
	}

	attachments, err := saveImages(p.sessionID, req.Images, p.saveAttach)
	if err != nil {
		return nil, err
	}
	content, err := buildContent(req.Text, req.Images)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	wasQueued := p.streaming || len(p.queue) > 0
	if wasQueued && len(p.queue) >= QueueCap {
		p.mu.Unlock()
		return nil, ErrQueueFull{}
	}
	item := newQueueItem(req, content, attachments, wasQueued)
	p.queue = append(p.queue, item)
	p.mu.Unlock()

	if wasQueued {
		event.Publish(event.Event{Type: event.QueueAdded, Data: event.QueueEventData{
			SessionID: p.sessionID, QueueID: item.ID, Preview: preview(req.Text),
		}})
	} else {
		p.renderUser(item)
		p.persist(item)
		// The Pipeline has no subprocess handle of its own (the Controller
		// owns it, per §3's Ownership invariant); StartSession is expected
		// to be a no-op when a subprocess is already alive.
		if p.startSession != nil {
			if err := p.startSession(); err != nil {
				return nil, err
			}
		}
	}

	p.wakeGenerator()
	return item, nil
}

func deriveTitle(text string) string {
	if text == "" {
		return "image message"
	}
	t := strings.TrimSpace(text)
	if len(t) > 40 {
		return t[:40]
	}
	return t
}

func preview(text string) string {
	t := strings.TrimSpace(text)
	if len(t) > 80 {
		return t[:80] + "…"
	}
	return t
}

// wireContentPart is one element of the Anthropic-style content array the
// subprocess accepts on stdin; images precede text per the enqueue
// algorithm's ordering rule.
type wireContentPart struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Source *wireImageSrc   `json:"source,omitempty"`
}

type wireImageSrc struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// buildContent builds the subprocess-bound content array: if there are no
// images, a plain string is sent (matching how a text-only turn is
// typically shaped); otherwise an explicit parts array with images first.
func buildContent(text string, images []ImageAttachment) (json.RawMessage, error) {
	if len(images) == 0 {
		return json.Marshal(text)
	}
	var parts []wireContentPart
	for _, img := range images {
		parts = append(parts, wireContentPart{
			Type:   "image",
			Source: &wireImageSrc{Type: "base64", MediaType: img.MimeType, Data: img.Base64},
		})
	}
	if text != "" {
		parts = append(parts, wireContentPart{Type: "text", Text: text})
	}
	return json.Marshal(parts)
}

// CancelQueued removes a pending (not yet yielded) item from the queue.
func (p *Pipeline) CancelQueued(itemID string) (*QueueItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, item := range p.queue {
		if item.ID == itemID {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			item.Resolve()
			event.Publish(event.Event{Type: event.QueueCancelled, Data: event.QueueEventData{SessionID: p.sessionID, QueueID: itemID}})
			return item, true
		}
	}
	return nil, false
}

// ForceExecute moves a queued item to the front and signals the caller to
// interrupt the current response so the generator yields it next.
func (p *Pipeline) ForceExecute(itemID string, interrupt func()) bool {
	p.mu.Lock()
	idx := -1
	for i, item := range p.queue {
		if item.ID == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return false
	}
	item := p.queue[idx]
	p.queue = append(p.queue[:idx], p.queue[idx+1:]...)
	p.queue = append([]*QueueItem{item}, p.queue...)
	p.mu.Unlock()

	if interrupt != nil {
		interrupt()
	}
	return true
}

// CurrentUsage returns the pipeline's live per-turn usage clock, reset at
// enqueue (idle) or yield (was-queued) time.
func (p *Pipeline) CurrentUsage() (*model.TurnUsage, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clock.usage, p.clock.start
}

// QueueStatusEntry is one queued (not yet yielded) item as surfaced to a
// getQueueStatus caller.
type QueueStatusEntry struct {
	ID      string
	Preview string
}

// QueueStatus lists the pipeline's pending items in queue order.
func (p *Pipeline) QueueStatus() []QueueStatusEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]QueueStatusEntry, 0, len(p.queue))
	for _, item := range p.queue {
		out = append(out, QueueStatusEntry{ID: item.ID, Preview: preview(item.Text)})
	}
	return out
}
