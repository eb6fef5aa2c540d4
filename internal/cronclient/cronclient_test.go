package cronclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePostsTaggedUnionScheduleAndReturnsTask(t *testing.T) {
	var gotPath string
	var gotBody CreateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Schedule: gotBody.Schedule, Message: gotBody.Message})
	}))
	defer srv.Close()

	c := New(srv.URL)
	task, err := c.Create(context.Background(), CreateRequest{
		Schedule:  Schedule{Kind: ScheduleEvery, EveryMinutes: 10},
		Message:   "check the build",
		Delivery:  Delivery{Platform: "slack", BotID: "b1", ChatID: "c1"},
		Workspace: "/workspace",
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/cron/create", gotPath)
	assert.Equal(t, ScheduleEvery, gotBody.Schedule.Kind)
	assert.Equal(t, 10, gotBody.Schedule.EveryMinutes)
	assert.Equal(t, "task-1", task.ID)
}

func TestListReturnsTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/cron/list", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode([]Task{{ID: "a"}, {ID: "b"}})
	}))
	defer srv.Close()

	tasks, err := New(srv.URL).List(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)
}

func TestDeleteAndRunPostID(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "task-9", body["id"])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.Delete(context.Background(), "task-9"))
	require.NoError(t, c.Run(context.Background(), "task-9"))
	assert.Equal(t, []string{"/api/cron/delete", "/api/cron/run"}, calls)
}

func TestNonTwoXXStatusReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	_, err := New(srv.URL).List(context.Background())
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
}
