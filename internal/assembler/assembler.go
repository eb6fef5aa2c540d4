// Package assembler implements the Stream Assembler: it consumes the agent
// subprocess's typed event stream, mutates the in-memory session message
// list, emits normalized UI events on the shared event bus, and tracks
// per-turn accounting. It is the exclusive mutator of the in-memory message
// list (§3 Ownership).
//
// The block-by-block mutation shape is grounded on the teacher's
// session/stream.go processMessageChunk (stream-index-keyed tool maps,
// throttled text publishing); the tolerant partial-JSON parse for streaming
// tool input is grounded on the same file's accumulate-then-retry
// json.Unmarshal loop.
package assembler

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/opencode-ai/opencode/internal/agentproc"
	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/pkg/model"
)

// throttleInterval bounds how often MessageChunk/ThinkingChunk events fire
// for one block, to avoid saturating UI subscribers on fast streams; the
// full text is always retained in memory regardless of throttling.
const throttleInterval = 20 * time.Millisecond

// Assembler owns one session's live in-memory message list and turn state.
type Assembler struct {
	mu        sync.Mutex
	sessionID string
	messages  []*model.StoredMessage
	nextID    int64

	turn *turnState

	current *model.StoredMessage // in-flight assistant message, nil between turns

	lastEmit map[int]time.Time // block index -> last chunk emission, for throttling

	onTurnComplete func()
	onAlreadyInUse func()
}

// New creates an Assembler seeded with a session's already-persisted
// messages (e.g. loaded from the Session Store on resume).
func New(sessionID string, seed []*model.StoredMessage, onTurnComplete func()) *Assembler {
	a := &Assembler{
		sessionID:      sessionID,
		messages:       append([]*model.StoredMessage(nil), seed...),
		onTurnComplete: onTurnComplete,
		lastEmit:       make(map[int]time.Time),
	}
	for _, m := range seed {
		if m.ID >= a.nextID {
			a.nextID = m.ID + 1
		}
	}
	return a
}

// Messages returns a snapshot of the in-memory message list.
func (a *Assembler) Messages() []*model.StoredMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*model.StoredMessage, len(a.messages))
	copy(out, a.messages)
	return out
}

// AppendUserMessage appends a user-authored message (the enqueue path is
// the only other writer of the in-memory list, per §3).
func (a *Assembler) AppendUserMessage(msg *model.StoredMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg.ID = a.nextID
	a.nextID++
	a.messages = append(a.messages, msg)
}

// TruncateAt drops all messages at and after index idx (rewind). Returns
// the removed messages.
func (a *Assembler) TruncateAt(idx int) []*model.StoredMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx > len(a.messages) {
		return nil
	}
	removed := append([]*model.StoredMessage(nil), a.messages[idx:]...)
	a.messages = a.messages[:idx]
	return removed
}

// HandleEvent applies one subprocess event, mutating state and emitting the
// corresponding outbound UI events. Never returns an error: malformed
// events are logged and dropped, matching §7's "assembler never throws out
// of the consume loop".
func (a *Assembler) HandleEvent(ev agentproc.Event) {
	switch ev.Kind {
	case agentproc.EventSystemInit:
		a.handleSystemInit(ev)
	case agentproc.EventSystemStatus:
		event.Publish(event.Event{Type: event.SystemStatus, Data: event.SystemStatusData{SessionID: a.sessionID, Status: ev.Status}})
	case agentproc.EventStream:
		a.handleStream(ev)
	case agentproc.EventAssistant:
		a.handleAssistant(ev)
	case agentproc.EventUser:
		a.handleUser(ev)
	case agentproc.EventResult:
		a.handleResult(ev)
	case agentproc.EventError:
		a.handleError(ev)
	default:
		logging.Warn().Str("kind", string(ev.Kind)).Msg("assembler: unknown event kind")
	}
}

func (a *Assembler) handleSystemInit(ev agentproc.Event) {
	event.Publish(event.Event{Type: event.SystemInit, Data: event.SystemInitData{
		SessionID:     a.sessionID,
		SubprocessID:  ev.SessionID,
		Model:         ev.Model,
		Tools:         ev.Tools,
		SlashCommands: ev.SlashCmds,
		Agents:        ev.Subagents,
		Skills:        ev.Skills,
		Plugins:       ev.Plugins,
	}})
}

func (a *Assembler) ensureCurrentAssistant() *model.StoredMessage {
	if a.current == nil {
		a.current = &model.StoredMessage{
			ID:        a.nextID,
			Role:      "assistant",
			Timestamp: time.Now().UnixMilli(),
		}
		a.nextID++
		a.messages = append(a.messages, a.current)
	}
	if a.turn == nil {
		a.turn = newTurnState()
	}
	return a.current
}

func (a *Assembler) handleStream(ev agentproc.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	msg := a.ensureCurrentAssistant()

	switch ev.StreamSub {
	case agentproc.StreamBlockStart:
		a.blockStartLocked(msg, ev)
	case agentproc.StreamBlockDelta:
		a.blockDeltaLocked(msg, ev)
	case agentproc.StreamBlockStop:
		a.blockStopLocked(msg, ev)
	}
}

func (a *Assembler) blockStartLocked(msg *model.StoredMessage, ev agentproc.Event) {
	if ev.Block == nil {
		return
	}
	switch ev.Block.Variant {
	case agentproc.VariantText:
		msg.Content = append(msg.Content, &model.TextBlock{Text: ev.Block.Text})
		a.turn.streamingText[ev.Index] = true
	case agentproc.VariantThinking:
		msg.Content = append(msg.Content, &model.ThinkingBlock{
			Text:        ev.Block.Text,
			StreamIndex: ev.Index,
			StartedAt:   time.Now().UnixMilli(),
		})
	case agentproc.VariantToolUse:
		tb := &model.ToolUseBlock{ID: ev.Block.ID, Name: ev.Block.Name, StartedAt: time.Now().UnixMilli()}
		if ev.ParentToolUseID != "" {
			a.attachSubAgentCallLocked(msg, ev.ParentToolUseID, tb.ID, tb.Name)
			a.turn.childToParent[tb.ID] = ev.ParentToolUseID
		} else {
			msg.Content = append(msg.Content, tb)
		}
		a.turn.streamIndexToToolID[ev.Index] = tb.ID
		a.turn.toolCount++
		event.Publish(event.Event{Type: event.ToolUseStart, Data: event.ToolUseStartData{
			SessionID: a.sessionID, ToolID: tb.ID, Name: tb.Name, ParentToolID: ev.ParentToolUseID,
		}})
	case agentproc.VariantServerToolUse:
		input := ev.Block.Input
		sb := &model.ServerToolUseBlock{ID: ev.Block.ID, Name: ev.Block.Name, Input: input}
		msg.Content = append(msg.Content, sb)
		a.turn.streamIndexToToolID[ev.Index] = sb.ID
		a.turn.toolCount++
		event.Publish(event.Event{Type: event.ServerToolStart, Data: event.ToolUseStartData{
			SessionID: a.sessionID, ToolID: sb.ID, Name: sb.Name, Input: input,
		}})
	case agentproc.VariantToolResult:
		// A tool_result block's ID names the tool-use it answers; register
		// it so the result's own stream index resolves to that tool.
		if ev.Block.ID != "" {
			a.turn.toolResultIndexToToolID[ev.Index] = ev.Block.ID
		}
		a.attachToolResultLocked(msg, ev.Index, ev.Block.Content, ev.Block.IsError, true)
	}
}

// attachSubAgentCallLocked records a nested tool-use under its parent's
// SubAgentCalls list, creating a placeholder on the parent if the parent
// tool-use block isn't found (events can race: a child's start may be
// processed before the parent's own start finishes, in principle).
func (a *Assembler) attachSubAgentCallLocked(msg *model.StoredMessage, parentID, childID, name string) {
	for _, b := range msg.Content {
		if tb, ok := b.(*model.ToolUseBlock); ok && tb.ID == parentID {
			tb.SubAgentCalls = append(tb.SubAgentCalls, &model.SubAgentCall{ID: childID, Name: name, Loading: true})
			return
		}
	}
	// Parent not found yet: create a placeholder parent so the child has
	// somewhere to live; it will be filled in when the parent's own
	// content_block_start event (if ever) supplies its name.
	placeholder := &model.ToolUseBlock{ID: parentID}
	placeholder.SubAgentCalls = append(placeholder.SubAgentCalls, &model.SubAgentCall{ID: childID, Name: name, Loading: true})
	msg.Content = append(msg.Content, placeholder)
}

func (a *Assembler) blockDeltaLocked(msg *model.StoredMessage, ev agentproc.Event) {
	if ev.Delta == nil {
		return
	}
	switch ev.Delta.Variant {
	case agentproc.DeltaText:
		a.appendTextDeltaLocked(msg, ev)
	case agentproc.DeltaThinking:
		a.appendThinkingDeltaLocked(ev.Index, ev.Delta.Text)
	case agentproc.DeltaInputJSON:
		a.appendToolInputDeltaLocked(msg, ev.Index, ev.Delta.PartialJSON)
	case agentproc.DeltaToolResultText:
		a.attachToolResultLocked(msg, ev.Index, ev.Delta.Text, false, false)
	}
}

func (a *Assembler) appendTextDeltaLocked(msg *model.StoredMessage, ev agentproc.Event) {
	if ev.ParentToolUseID != "" {
		// A sub-agent's own response text, routed into the parent's
		// child-calls list rather than the top-level content.
		for _, b := range msg.Content {
			if tb, ok := b.(*model.ToolUseBlock); ok {
				for _, child := range tb.SubAgentCalls {
					if child.ID == ev.ParentToolUseID {
						if isDecorative(ev.Delta.Text) {
							return
						}
						prev := ""
						if child.Result != nil {
							prev = *child.Result
						}
						combined := prev + ev.Delta.Text
						child.Result = &combined
						event.Publish(event.Event{Type: event.SubagentResultDelta, Data: event.ToolResultData{
							SessionID: a.sessionID, ToolID: child.ID, Text: ev.Delta.Text,
						}})
						return
					}
				}
			}
		}
		return
	}

	if isDecorative(ev.Delta.Text) {
		return
	}

	var tb *model.TextBlock
	for i := len(msg.Content) - 1; i >= 0; i-- {
		if t, ok := msg.Content[i].(*model.TextBlock); ok {
			tb = t
			break
		}
	}
	if tb == nil {
		tb = &model.TextBlock{}
		msg.Content = append(msg.Content, tb)
	}
	tb.Text += ev.Delta.Text

	a.maybeEmit(ev.Index, func() {
		event.Publish(event.Event{Type: event.MessageChunk, Data: event.TextChunkData{
			SessionID: a.sessionID, Index: ev.Index, Text: ev.Delta.Text,
		}})
	})
}

func (a *Assembler) appendThinkingDeltaLocked(index int, text string) {
	for _, b := range a.current.Content {
		if th, ok := b.(*model.ThinkingBlock); ok && th.StreamIndex == index {
			th.Text += text
			a.maybeEmit(index, func() {
				event.Publish(event.Event{Type: event.ThinkingChunk, Data: event.TextChunkData{
					SessionID: a.sessionID, Index: index, Text: text,
				}})
			})
			return
		}
	}
}

func (a *Assembler) appendToolInputDeltaLocked(msg *model.StoredMessage, index int, partialJSON string) {
	toolID, ok := a.turn.streamIndexToToolID[index]
	if !ok {
		return
	}
	for _, b := range msg.Content {
		if tb, ok := b.(*model.ToolUseBlock); ok && tb.ID == toolID {
			tb.InputJSON += partialJSON
			tb.ParsedInput = parsePartialJSON(tb.InputJSON)
			event.Publish(event.Event{Type: event.ToolInputDelta, Data: event.ToolInputDeltaData{
				SessionID: a.sessionID, ToolID: toolID, PartialJSON: partialJSON, ParsedInput: tb.ParsedInput,
			}})
			return
		}
	}
}

// attachToolResultLocked attaches result text to the tool block or
// sub-agent-call entry matching the registered tool-result-index mapping
// (set from the result block's ID, or by an earlier chunk), falling back to
// the tool-use stream index when no mapping exists yet.
func (a *Assembler) attachToolResultLocked(msg *model.StoredMessage, index int, text string, isError, isStart bool) {
	toolID, ok := a.turn.toolResultIndexToToolID[index]
	if !ok {
		toolID, ok = a.turn.streamIndexToToolID[index]
		if !ok {
			return
		}
		a.turn.toolResultIndexToToolID[index] = toolID
	}

	outbound := text
	strip := false
	for _, b := range msg.Content {
		switch tb := b.(type) {
		case *model.ToolUseBlock:
			if tb.ID == toolID {
				strip = shouldStripToolResult(tb.Name)
				applyResult(&tb.Result, text, isStart)
				tb.IsError = tb.IsError || isError
			}
			for _, child := range tb.SubAgentCalls {
				if child.ID == toolID {
					applyResult(&child.Result, text, isStart)
					child.Loading = false
					child.Error = child.Error || isError
				}
			}
		case *model.ServerToolUseBlock:
			if tb.ID == toolID {
				strip = shouldStripToolResult(tb.Name)
				applyResult(&tb.Result, text, isStart)
				tb.IsError = tb.IsError || isError
			}
		}
	}

	if strip {
		outbound = toolResultSentinel
	}
	kind := event.ToolResultDelta
	if isStart {
		kind = event.ToolResultStart
	}
	event.Publish(event.Event{Type: kind, Data: event.ToolResultData{
		SessionID: a.sessionID, ToolID: toolID, Text: outbound, IsError: isError,
	}})
}

func applyResult(dst **string, text string, isStart bool) {
	if isStart || *dst == nil {
		v := text
		*dst = &v
		return
	}
	combined := **dst + text
	*dst = &combined
}

func (a *Assembler) blockStopLocked(msg *model.StoredMessage, ev agentproc.Event) {
	delete(a.turn.streamingText, ev.Index)

	for _, b := range msg.Content {
		switch tb := b.(type) {
		case *model.ThinkingBlock:
			if tb.StreamIndex == ev.Index && !tb.Completed {
				tb.Completed = true
				tb.DurationMs = time.Now().UnixMilli() - tb.StartedAt
			}
		case *model.ToolUseBlock:
			if a.turn.streamIndexToToolID[ev.Index] == tb.ID {
				if strict := parseStrict(tb.InputJSON); strict != nil {
					tb.ParsedInput = strict
				}
			}
		}
	}

	toolID, isResult := a.turn.toolResultIndexToToolID[ev.Index]
	if isResult {
		event.Publish(event.Event{Type: event.ToolResultDone, Data: event.ToolResultData{SessionID: a.sessionID, ToolID: toolID}})
	}
	event.Publish(event.Event{Type: event.ContentBlockStop, Data: event.ContentBlockStopData{SessionID: a.sessionID, Index: ev.Index}})
}

func parseStrict(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err == nil {
		return m
	}
	return nil
}

// handleAssistant implements rewind-anchor capture (§4.4): overwrite (last
// wins) the subprocess UUID on the latest assistant message.
func (a *Assembler) handleAssistant(ev agentproc.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg := a.ensureCurrentAssistant()
	msg.SubprocessUUID = ev.UUID
	event.Publish(event.Event{Type: event.MessageSDKUUID, Data: event.MessageSDKUUIDData{
		SessionID: a.sessionID, MessageID: msg.ID, UUID: ev.UUID,
	}})
}

// handleUser attaches a subprocess UUID to the latest user message. The
// event's message body is not read: tool_result or local-command content
// carried on a user event is not attached to any tool block; only tool
// results that arrive as stream events are (see attachToolResultLocked).
func (a *Assembler) handleUser(ev agentproc.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.messages) - 1; i >= 0; i-- {
		if a.messages[i].Role == "user" {
			a.messages[i].SubprocessUUID = ev.UUID
			return
		}
	}
}

func (a *Assembler) handleResult(ev agentproc.Event) {
	a.mu.Lock()
	msg := a.current
	if msg == nil {
		msg = a.ensureCurrentAssistant()
	}
	usage := usageFromResult(ev.Result)
	msg.Usage = usage
	msg.ToolCount = a.turn.toolCount
	msg.DurationMs = time.Now().UnixMilli() - a.turn.start.UnixMilli()
	a.closeDanglingThinkingLocked(msg)
	a.current = nil
	a.turn = nil
	a.mu.Unlock()

	event.Publish(event.Event{Type: event.MessageComplete, Data: event.MessageCompleteData{
		SessionID: a.sessionID, InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens,
		ToolCount: msg.ToolCount, DurationMs: msg.DurationMs, PrimaryModel: usage.PrimaryModel,
	}})
	if a.onTurnComplete != nil {
		a.onTurnComplete()
	}
}

// handleError implements the cancellation-vs-real-error distinction from
// §7: a cancellation substring does not persist as an assistant-visible
// error.
func (a *Assembler) handleError(ev agentproc.Event) {
	a.mu.Lock()
	msg := a.current
	if msg != nil {
		a.closeDanglingThinkingLocked(msg)
	}
	a.current = nil
	a.turn = nil
	a.mu.Unlock()

	if isCancellation(ev.Error) {
		event.Publish(event.Event{Type: event.MessageStopped, Data: event.SessionOnlyData{SessionID: a.sessionID}})
	} else {
		event.Publish(event.Event{Type: event.TurnMessageError, Data: event.TextData{SessionID: a.sessionID, Text: ev.Error}})
	}
	if a.onTurnComplete != nil {
		a.onTurnComplete()
	}
}

func (a *Assembler) closeDanglingThinkingLocked(msg *model.StoredMessage) {
	for _, b := range msg.Content {
		if th, ok := b.(*model.ThinkingBlock); ok && !th.Completed {
			th.Completed = true
			th.DurationMs = time.Now().UnixMilli() - th.StartedAt
		}
	}
}

var cancellationSubstrings = []string{"sigterm", "sigkill", "sigint", "aborterror", "canceled", "cancelled"}

func isCancellation(errText string) bool {
	lower := strings.ToLower(errText)
	for _, s := range cancellationSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func (a *Assembler) maybeEmit(index int, emit func()) {
	now := time.Now()
	last, ok := a.lastEmit[index]
	if ok && now.Sub(last) < throttleInterval {
		return
	}
	a.lastEmit[index] = now
	emit()
}
