package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/opencode/pkg/model"
)

func stubSave(sessionID, attachmentID, mimeType, data string) (model.Attachment, error) {
	return model.Attachment{ID: attachmentID, MimeType: mimeType, Path: attachmentID}, nil
}

func newTestPipeline(t *testing.T, sent chan json.RawMessage) *Pipeline {
	t.Helper()
	var p *Pipeline
	p = New("s1",
		func() error { return nil },
		func(content json.RawMessage) error { sent <- content; return nil },
		stubSave,
		func(*QueueItem) {},
		func(*QueueItem) {},
	)
	return p
}

func TestEnqueueEmptyMessageIsNoop(t *testing.T) {
	sent := make(chan json.RawMessage, 1)
	p := newTestPipeline(t, sent)
	item, err := p.EnqueueUserMessage(EnqueueRequest{}, EnqueueHooks{})
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestEnqueueNotBusySendsImmediately(t *testing.T) {
	sent := make(chan json.RawMessage, 1)
	p := newTestPipeline(t, sent)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx)

	item, err := p.EnqueueUserMessage(EnqueueRequest{Text: "hello"}, EnqueueHooks{})
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.False(t, item.WasQueued)

	select {
	case content := <-sent:
		var text string
		require.NoError(t, json.Unmarshal(content, &text))
		assert.Equal(t, "hello", text)
	case <-time.After(time.Second):
		t.Fatal("generator never yielded the item to the subprocess")
	}

	p.SignalTurnComplete()
	require.Eventually(t, func() bool { return !p.SessionBusy() }, time.Second, 5*time.Millisecond)
}

func TestEnqueueWhileBusyQueuesAndEmitsQueueAdded(t *testing.T) {
	sent := make(chan json.RawMessage, 2)
	p := newTestPipeline(t, sent)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx)

	first, err := p.EnqueueUserMessage(EnqueueRequest{Text: "first"}, EnqueueHooks{})
	require.NoError(t, err)
	<-sent // drain the first yield so the generator is now waiting on turn-complete

	second, err := p.EnqueueUserMessage(EnqueueRequest{Text: "second"}, EnqueueHooks{})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.True(t, second.WasQueued)
	assert.NotEqual(t, first.ID, second.ID)

	p.SignalTurnComplete() // releases first, generator yields second next
	select {
	case content := <-sent:
		var text string
		require.NoError(t, json.Unmarshal(content, &text))
		assert.Equal(t, "second", text)
	case <-time.After(time.Second):
		t.Fatal("second item was never yielded")
	}
	p.SignalTurnComplete()
}

func TestCancelQueuedRemovesAndResolves(t *testing.T) {
	sent := make(chan json.RawMessage, 2)
	p := newTestPipeline(t, sent)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx)

	_, err := p.EnqueueUserMessage(EnqueueRequest{Text: "first"}, EnqueueHooks{})
	require.NoError(t, err)
	<-sent

	second, err := p.EnqueueUserMessage(EnqueueRequest{Text: "second"}, EnqueueHooks{})
	require.NoError(t, err)

	removed, ok := p.CancelQueued(second.ID)
	require.True(t, ok)
	assert.Equal(t, second.ID, removed.ID)

	select {
	case <-removed.Resolved():
	case <-time.After(time.Second):
		t.Fatal("cancelled item was never resolved")
	}
}

func TestQueueCapEnforced(t *testing.T) {
	sent := make(chan json.RawMessage, 1)
	p := newTestPipeline(t, sent)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx)

	_, err := p.EnqueueUserMessage(EnqueueRequest{Text: "first"}, EnqueueHooks{})
	require.NoError(t, err)
	<-sent

	for i := 0; i < QueueCap; i++ {
		_, err := p.EnqueueUserMessage(EnqueueRequest{Text: "queued"}, EnqueueHooks{})
		require.NoError(t, err)
	}

	_, err = p.EnqueueUserMessage(EnqueueRequest{Text: "overflow"}, EnqueueHooks{})
	assert.ErrorIs(t, err, ErrQueueFull{})
}

func TestProviderSwitchRuleTable(t *testing.T) {
	thirdPartyX := map[string]string{"ANTHROPIC_BASE_URL": "https://x.example"}
	thirdPartyY := map[string]string{"ANTHROPIC_BASE_URL": "https://y.example"}
	official := map[string]string{}

	assert.True(t, requiresFreshSession(thirdPartyX, official), "third-party -> official requires a fresh session")
	assert.False(t, requiresFreshSession(official, thirdPartyX), "official -> third-party resumes")
	assert.False(t, requiresFreshSession(thirdPartyX, thirdPartyY), "third-party -> third-party resumes")
	assert.False(t, requiresFreshSession(official, official), "no-op for unchanged env")
}

func TestProviderSwitchAbortsLiveSubprocess(t *testing.T) {
	sent := make(chan json.RawMessage, 1)
	p := newTestPipeline(t, sent)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx)

	_, err := p.EnqueueUserMessage(EnqueueRequest{Text: "first", ProviderEnv: map[string]string{"ANTHROPIC_BASE_URL": "https://x.example"}}, EnqueueHooks{})
	require.NoError(t, err)
	<-sent
	p.SignalTurnComplete()
	require.Eventually(t, func() bool { return !p.SessionBusy() }, time.Second, 5*time.Millisecond)

	aborted := false
	_, err = p.EnqueueUserMessage(EnqueueRequest{
		Text:        "switch",
		ProviderEnv: map[string]string{"ANTHROPIC_BASE_URL": "https://y.example"},
	}, EnqueueHooks{AbortLiveForProviderSwitch: func() { aborted = true }})
	require.NoError(t, err)
	assert.True(t, aborted)
}
