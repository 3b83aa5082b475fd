package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magehq/backend/internal/faults"
)

func step(id string, deps ...string) *Step {
	return &Step{
		ID:        id,
		Name:      id,
		Service:   "sandbox",
		Operation: "execute",
		Timeout:   time.Minute,
		DependsOn: deps,
		Status:    StatusPending,
	}
}

func TestParallelGroupsDiamond(t *testing.T) {
	steps := []*Step{
		step("A"),
		step("B", "A"),
		step("C", "A"),
		step("D", "B", "C"),
	}

	groups, err := buildParallelGroups(steps)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, groups)
}

func TestParallelGroupsIndependentStepsShareLevelZero(t *testing.T) {
	groups, err := buildParallelGroups([]*Step{step("A"), step("B"), step("C")})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"A", "B", "C"}}, groups)
}

func TestParallelGroupsChain(t *testing.T) {
	groups, err := buildParallelGroups([]*Step{
		step("A"),
		step("B", "A"),
		step("C", "B"),
	})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"A"}, {"B"}, {"C"}}, groups)
}

func TestParallelGroupsRejectsCycle(t *testing.T) {
	_, err := buildParallelGroups([]*Step{
		step("A", "C"),
		step("B", "A"),
		step("C", "B"),
	})
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	assert.Equal(t, "invalid_plan", faults.CodeOf(err))
}

func TestParallelGroupsRejectsSelfDependency(t *testing.T) {
	_, err := buildParallelGroups([]*Step{step("A", "A")})
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestParallelGroupsRejectsUnknownDependency(t *testing.T) {
	_, err := buildParallelGroups([]*Step{step("A", "ghost")})
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestParallelGroupsRejectsDuplicateIDs(t *testing.T) {
	_, err := buildParallelGroups([]*Step{step("A"), step("A")})
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestDependentsDirectOnly(t *testing.T) {
	steps := []*Step{
		step("A"),
		step("B", "A"),
		step("C", "A"),
		step("D", "B", "C"),
	}
	assert.Equal(t, []string{"B", "C"}, dependents(steps, "A"))
	assert.Equal(t, []string{"D"}, dependents(steps, "B"))
	assert.Empty(t, dependents(steps, "D"))
}

func TestPlanStepLookup(t *testing.T) {
	p := &Plan{Steps: []*Step{step("A"), step("B", "A")}}
	require.NotNil(t, p.Step("B"))
	assert.Equal(t, "B", p.Step("B").ID)
	assert.Nil(t, p.Step("missing"))
}

func TestRegistryCatalogAndTimeouts(t *testing.T) {
	r := DefaultRegistry()

	assert.True(t, r.Knows("sandbox", "execute"))
	assert.True(t, r.Knows("graphrag", "store_chunks"))
	assert.False(t, r.Knows("sandbox", "teleport"))
	assert.False(t, r.Knows("nosuch", "execute"))

	assert.Equal(t, 300*time.Second, r.DefaultTimeout("sandbox"))
	assert.Equal(t, 60*time.Second, r.DefaultTimeout("unlisted"))

	catalog := r.Catalog()
	assert.Contains(t, catalog, "sandbox.execute")
	assert.Contains(t, catalog, "graphrag.query")
	assert.Contains(t, catalog, "mageagent.complete")
}
