package httpapi

import (
	"sync"

	"github.com/opencode-ai/opencode/internal/event"
)

// logLineCap bounds the in-memory ring getLogLines() replays; older lines
// are dropped rather than ever growing unbounded.
const logLineCap = 200

// LogLineEntry is one captured log/debug-message event, in emission order.
type LogLineEntry struct {
	Kind string `json:"kind"` // "log" | "debug"
	Text string `json:"text"`
}

// liveState mirrors the slices of the outbound event stream that the
// read-only getSystemInitInfo/getLogLines operations need, so they can
// answer without re-deriving state the Controller itself doesn't keep
// around past the moment it publishes it.
type liveState struct {
	mu    sync.Mutex
	init  *event.SystemInitData
	lines []LogLineEntry

	unsub []func()
}

func newLiveState() *liveState {
	s := &liveState{}
	s.unsub = append(s.unsub, event.Subscribe(event.SystemInit, func(ev event.Event) {
		data, ok := ev.Data.(event.SystemInitData)
		if !ok {
			return
		}
		s.mu.Lock()
		cp := data
		s.init = &cp
		s.mu.Unlock()
	}))
	s.unsub = append(s.unsub, event.Subscribe(event.LogLine, func(ev event.Event) { s.appendLine("log", ev) }))
	s.unsub = append(s.unsub, event.Subscribe(event.DebugMessage, func(ev event.Event) { s.appendLine("debug", ev) }))
	return s
}

func (s *liveState) appendLine(kind string, ev event.Event) {
	data, ok := ev.Data.(event.TextData)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, LogLineEntry{Kind: kind, Text: data.Text})
	if len(s.lines) > logLineCap {
		s.lines = s.lines[len(s.lines)-logLineCap:]
	}
}

// SystemInitInfo returns the most recent system-init snapshot, or nil if
// the subprocess hasn't reported one since this server started.
func (s *liveState) SystemInitInfo() *event.SystemInitData {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.init == nil {
		return nil
	}
	cp := *s.init
	return &cp
}

// LogLines returns a snapshot of the captured log/debug-message ring.
func (s *liveState) LogLines() []LogLineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogLineEntry, len(s.lines))
	copy(out, s.lines)
	return out
}

func (s *liveState) close() {
	for _, fn := range s.unsub {
		fn()
	}
}
