package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideAutoModeReadIsAllowed(t *testing.T) {
	e := NewEngine()
	e.SetMode(ModeAuto)
	d, err := e.Decide(context.Background(), "s1", "Read", nil, ExecContext{}, nil)
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestDecidePlanModeDeniesEdit(t *testing.T) {
	e := NewEngine()
	e.SetMode(ModePlan)
	d, err := e.Decide(context.Background(), "s1", "Edit", nil, ExecContext{}, nil)
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestDecideFullAgencyAllowsEverything(t *testing.T) {
	e := NewEngine()
	e.SetMode(ModeFullAgency)
	d, err := e.Decide(context.Background(), "s1", "Bash", nil, ExecContext{}, nil)
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestDecideTaskAllowedWhenSubagentsExist(t *testing.T) {
	e := NewEngine()
	e.SetMode(ModeCustom)
	e.SetHasSubagents(true)
	d, err := e.Decide(context.Background(), "s1", "Task", nil, ExecContext{}, nil)
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestMCPGatingNilOverrideAllowsAll(t *testing.T) {
	e := NewEngine()
	d, err := e.Decide(context.Background(), "s1", "mcp__playwright__click", nil, ExecContext{}, nil)
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestMCPGatingEmptyOverrideDeniesAll(t *testing.T) {
	e := NewEngine()
	e.SetMCPOverride(nil, true)
	d, err := e.Decide(context.Background(), "s1", "mcp__playwright__click", nil, ExecContext{}, nil)
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestMCPGatingExplicitListAllowsOnlyListed(t *testing.T) {
	e := NewEngine()
	e.SetMCPOverride([]string{"playwright"}, true)

	d, err := e.Decide(context.Background(), "s1", "mcp__playwright__click", nil, ExecContext{}, nil)
	require.NoError(t, err)
	assert.True(t, d.Allow)

	d, err = e.Decide(context.Background(), "s1", "mcp__other__tool", nil, ExecContext{}, nil)
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestCronEndTaskGatedOnCronContext(t *testing.T) {
	e := NewEngine()
	d, err := e.Decide(context.Background(), "s1", "mcp__cron-end-task__end", nil, ExecContext{CronActive: false}, nil)
	require.NoError(t, err)
	assert.False(t, d.Allow)

	d, err = e.Decide(context.Background(), "s1", "mcp__cron-end-task__end", nil, ExecContext{CronActive: true}, nil)
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestAlwaysAllowCascadesToPendingSameTool(t *testing.T) {
	e := NewEngine()
	e.SetMode(ModeCustom) // WebSearch isn't in custom's auto-allow, so it prompts

	const n = 3
	results := make([]Decision, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			d, _ := e.Decide(context.Background(), "s1", "WebSearch", nil, ExecContext{}, nil)
			results[i] = d
		}(i)
	}

	// Wait for all three requests to register as pending, then resolve one.
	require.Eventually(t, func() bool {
		return len(e.PendingPermissionRequests()) == n
	}, time.Second, 5*time.Millisecond)

	pending := e.PendingPermissionRequests()
	require.True(t, e.RespondToPermission(pending[0].RequestID, "always_allow"))

	wg.Wait()
	for _, d := range results {
		assert.True(t, d.Allow)
	}

	// Subsequent request for the same tool auto-allows with no prompt.
	d, err := e.Decide(context.Background(), "s1", "WebSearch", nil, ExecContext{}, nil)
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Empty(t, e.PendingPermissionRequests())
}

func TestRequestTimesOutDenies(t *testing.T) {
	e := NewEngine()
	e.SetMode(ModeCustom)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// The production timeout is 10 minutes; simulate expiry via ctx.Done
	// racing the timer by cancelling the context first.
	d, err := e.Decide(ctx, "s1", "WebSearch", nil, ExecContext{}, nil)
	require.NoError(t, err)
	assert.False(t, d.Allow)
}

func TestAskUserValidation(t *testing.T) {
	_, err := validateAskUserInput(map[string]any{})
	assert.Error(t, err)

	_, err = validateAskUserInput(map[string]any{
		"questions": []any{
			map[string]any{"prompt": "p", "header": "h", "options": []any{"only one"}},
		},
	})
	assert.Error(t, err)

	qs, err := validateAskUserInput(map[string]any{
		"questions": []any{
			map[string]any{"prompt": "p", "header": "h", "options": []any{"a", "b"}, "multiSelect": false},
		},
	})
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, []string{"a", "b"}, qs[0].Options)
}

func TestAskUserAugmentsInputOnResponse(t *testing.T) {
	e := NewEngine()
	input := map[string]any{
		"questions": []any{
			map[string]any{"prompt": "p", "header": "h", "options": []any{"a", "b"}},
		},
	}

	var decision Decision
	done := make(chan struct{})
	go func() {
		d, _ := e.Decide(context.Background(), "s1", AskUserToolName, input, ExecContext{}, nil)
		decision = d
		close(done)
	}()

	var ids []string
	require.Eventually(t, func() bool {
		ids = e.PendingAskUserRequestIDs()
		return len(ids) == 1
	}, time.Second, 5*time.Millisecond)

	require.True(t, e.RespondToAskUser(ids[0], map[string]any{"0": "a"}))
	<-done

	assert.True(t, decision.Allow)
	assert.Equal(t, map[string]any{"0": "a"}, decision.AugmentedInput["answers"])
}
