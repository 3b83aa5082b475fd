package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magehq/backend/internal/eventstream"
	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/metrics"
	"github.com/magehq/backend/internal/patterns"
)

func outcomeStream(t *testing.T) (*eventstream.RedisStream, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return eventstream.NewRedisStream(rdb, "mage:outcomes"), rdb
}

func newTestRouter(t *testing.T, llmOutput string, dispatch dispatchFn) (*Router, *fakeDispatcher) {
	t.Helper()
	d := newFakeDispatcher(dispatch)
	planner := newTestPlanner(t, llmOutput)
	executor := NewExecutor(d, testWorkflowConfig(), metrics.New(), nil, testLogger())
	stream, _ := outcomeStream(t)
	router := NewRouter(planner, executor, patterns.NewPublisher(stream), nil, 4, testLogger())
	return router, d
}

func TestRouterRunEndToEnd(t *testing.T) {
	router, _ := newTestRouter(t, diamondPlanJSON, func(ctx context.Context, service, operation string, input map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"text": "extracted", "content": "summary"}, nil
	})

	exec, err := router.Run(context.Background(), "summarise report.pdf", Options{})
	require.NoError(t, err)
	require.NotNil(t, exec.Result)
	assert.Equal(t, "completed", exec.Result.Outcome)
	assert.NotNil(t, exec.CompletedAt)

	got, err := router.Get(exec.ID)
	require.NoError(t, err)
	assert.Same(t, exec, got)
}

func TestRouterRunPublishesRoutingOutcome(t *testing.T) {
	d := newFakeDispatcher(func(ctx context.Context, service, operation string, input map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"text": "extracted"}, nil
	})
	planner := newTestPlanner(t, diamondPlanJSON)
	executor := NewExecutor(d, testWorkflowConfig(), metrics.New(), nil, testLogger())
	stream, rdb := outcomeStream(t)
	router := NewRouter(planner, executor, patterns.NewPublisher(stream), nil, 4, testLogger())

	_, err := router.Run(context.Background(), "summarise report.pdf", Options{})
	require.NoError(t, err)

	// The fileprocess step feeds one learnable routing outcome.
	entries, err := rdb.XRange(context.Background(), "mage:outcomes", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var outcome patterns.DecisionOutcome
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["outcome"].(string)), &outcome))
	assert.Equal(t, patterns.PointRoute, outcome.Decision.Kind)
	assert.Equal(t, "process", outcome.Decision.Route.Processor)
	assert.Equal(t, "report.pdf", outcome.Signature.FileName)
	assert.True(t, outcome.Success)
	assert.NotEmpty(t, outcome.OutcomeID)
}

func TestRouterGetUnknownID(t *testing.T) {
	router, _ := newTestRouter(t, diamondPlanJSON, func(ctx context.Context, service, operation string, input map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})

	_, err := router.Get("nope")
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestRouterHistoryEvictsOldest(t *testing.T) {
	router := NewRouter(nil, nil, nil, nil, 2, testLogger())

	for _, id := range []string{"one", "two", "three"} {
		router.remember(&Execution{ID: id, SubmittedAt: time.Now()})
	}

	_, err := router.Get("one")
	require.Error(t, err)
	_, err = router.Get("two")
	require.NoError(t, err)
	_, err = router.Get("three")
	require.NoError(t, err)

	recent := router.Recent()
	require.Len(t, recent, 2)
	// Newest first.
	assert.Equal(t, "three", recent[0].ID)
	assert.Equal(t, "two", recent[1].ID)
}

func TestRouteOutcomeSkipsStepsWithoutFileName(t *testing.T) {
	s := step("x")
	s.Service = "fileprocess"
	s.Operation = "process"
	s.Input = map[string]interface{}{"contentBase64": "aGk="}

	assert.Nil(t, routeOutcome(s, &StepResult{StepID: "x", Status: StatusCompleted}))
}

func TestRouteOutcomeFailureMarksUnsuccessful(t *testing.T) {
	s := step("x")
	s.Service = "fileprocess"
	s.Operation = "process"
	s.Input = map[string]interface{}{"fileName": "a.zip", "mimeType": "application/zip", "sizeBytes": float64(2 << 20)}

	o := routeOutcome(s, &StepResult{StepID: "x", Status: StatusFailed, Duration: 80 * time.Millisecond})
	require.NotNil(t, o)
	assert.False(t, o.Success)
	assert.Equal(t, int64(2<<20), o.Signature.SizeBytes)
	assert.Equal(t, int64(80), o.DurationMs)
}
