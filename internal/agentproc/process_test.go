package agentproc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgentScript emits one system_init event, then echoes back a result
// event for every stdin line it receives, and finally exits. It stands in
// for a real agent subprocess without requiring any build step.
const fakeAgentScript = `
echo '{"type":"system_init","session_id":"sess-1","model":"test-model"}'
while IFS= read -r line; do
  echo '{"type":"result","result":{"subtype":"success","usage":{"input_tokens":1,"output_tokens":2}}}'
done
`

func spawnFake(t *testing.T) *Process {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	p, err := Spawn(ctx, Spec{Command: []string{"sh", "-c", fakeAgentScript}})
	require.NoError(t, err)
	t.Cleanup(func() { p.Kill() })
	return p
}

func TestSpawnReceivesSystemInit(t *testing.T) {
	p := spawnFake(t)
	select {
	case ev := <-p.Events():
		assert.Equal(t, EventSystemInit, ev.Kind)
		assert.Equal(t, "sess-1", ev.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for system_init")
	}
}

func TestSendUserMessageGetsResult(t *testing.T) {
	p := spawnFake(t)
	<-p.Events() // system_init

	require.NoError(t, p.SendUserMessage(UserMessage{Type: "user", Content: []byte(`{"text":"hi"}`)}))

	select {
	case ev := <-p.Events():
		require.Equal(t, EventResult, ev.Kind)
		require.NotNil(t, ev.Result)
		assert.Equal(t, "success", ev.Result.Subtype)
		assert.Equal(t, 1, ev.Result.Usage.InputTokens)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestAlreadyInUseDetection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := Spawn(ctx, Spec{Command: []string{"sh", "-c", "echo 'fatal: session already in use' 1>&2; sleep 0.2"}})
	require.NoError(t, err)
	t.Cleanup(func() { p.Kill() })

	require.Eventually(t, p.AlreadyInUse, 2*time.Second, 10*time.Millisecond)
}

func TestEventsChannelClosesOnExit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := Spawn(ctx, Spec{Command: []string{"sh", "-c", "exit 0"}})
	require.NoError(t, err)
	t.Cleanup(func() { p.Kill() })

	select {
	case _, ok := <-p.Events():
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("events channel never closed")
	}
}
