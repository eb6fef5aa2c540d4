package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/opencode/internal/agent"
	"github.com/opencode-ai/opencode/internal/controller"
	"github.com/opencode-ai/opencode/internal/permission"
	"github.com/opencode-ai/opencode/internal/store"
)

// fakeAgentScript mirrors the Session Controller's own test fixture: one
// system_init, then one result per stdin line, forever.
const fakeAgentScript = `
echo '{"type":"system_init","session_id":"sub-1","model":"test-model"}'
while IFS= read -r line; do
  echo '{"type":"result","result":{"subtype":"success","usage":{"input_tokens":1,"output_tokens":1}}}'
done
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	deps := controller.Deps{
		Store:        st,
		PermEngine:   permission.NewEngine(),
		Agents:       agent.NewRegistry(),
		AgentCommand: []string{"sh", "-c", fakeAgentScript},
	}
	ctrl := controller.New(deps)
	srv := New(DefaultConfig(), ctrl)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func doJSON(srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		b, _ := json.Marshal(body)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, r)
	return w
}

func waitForAgentState(t *testing.T, srv *Server, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if string(srv.ctrl.AgentState().State) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for agent state %q", want)
}

func TestInitializeThenEnqueueRunsATurn(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(srv, http.MethodPost, "/initialize", initializeRequest{WorkspaceDir: t.TempDir()})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(srv, http.MethodPost, "/enqueue", enqueueRequest{Text: "hello there"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Contains(t, resp, "queueID")

	waitForAgentState(t, srv, "idle", 5*time.Second)

	w = doJSON(srv, http.MethodGet, "/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var messages []map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&messages))
	assert.NotEmpty(t, messages)
}

func TestEnqueueWithoutInitializeReturnsInternalError(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(srv, http.MethodPost, "/enqueue", enqueueRequest{Text: "no session yet"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetQueueStatusEmptyByDefault(t *testing.T) {
	srv := newTestServer(t)
	doJSON(srv, http.MethodPost, "/initialize", initializeRequest{WorkspaceDir: t.TempDir()})

	w := doJSON(srv, http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var entries []queueStatusEntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&entries))
	assert.Empty(t, entries)
}

func TestSetPermissionModeRoundTrips(t *testing.T) {
	srv := newTestServer(t)
	doJSON(srv, http.MethodPost, "/initialize", initializeRequest{WorkspaceDir: t.TempDir()})

	w := doJSON(srv, http.MethodPost, "/permission-mode", setPermissionModeRequest{Mode: "plan"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(srv, http.MethodGet, "/agent-state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state controller.AgentStateSnapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&state))
	assert.Equal(t, permission.ModePlan, state.PermissionMode)
}

func TestGetPendingInteractiveRequestsEmptyByDefault(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(srv, http.MethodGet, "/pending-interactive", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp pendingInteractiveResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Empty(t, resp.PermissionRequests)
	assert.Empty(t, resp.AskUserRequestIDs)
}

func TestCancelUnknownQueueItemReturnsNilText(t *testing.T) {
	srv := newTestServer(t)
	doJSON(srv, http.MethodPost, "/initialize", initializeRequest{WorkspaceDir: t.TempDir()})

	w := doJSON(srv, http.MethodPost, "/queue/does-not-exist/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Nil(t, resp["text"])
}
