// Package workflow turns a natural-language request into a typed DAG of
// service calls and executes it: the planner asks the LLM for steps, levels
// them into parallel groups, and the executor runs them with bounded
// concurrency, reference resolution between steps and strict or best-effort
// failure containment.
package workflow

import (
	"sort"
	"time"

	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/tenant"
)

// Status tracks a step or plan through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Mode decides failure containment: strict skips dependents of a failed
// step, best-effort lets them run with unresolved references left literal.
type Mode string

const (
	ModeStrict     Mode = "strict"
	ModeBestEffort Mode = "best-effort"
)

// Step is one typed service call in a plan.
type Step struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Service   string                 `json:"service"`
	Operation string                 `json:"operation"`
	Input     map[string]interface{} `json:"input"`
	DependsOn []string               `json:"dependsOn,omitempty"`
	Timeout   time.Duration          `json:"timeout"`

	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Plan is a validated workflow DAG. ParallelGroups is a topological
// layering: every step in group k depends only on steps in groups < k.
type Plan struct {
	ID              string          `json:"id"`
	CorrelationID   string          `json:"correlationId"`
	OriginalRequest string          `json:"originalRequest"`
	Steps           []*Step         `json:"steps"`
	ParallelGroups  [][]string      `json:"parallelGroups"`
	Status          Status          `json:"status"`
	Mode            Mode            `json:"mode"`
	Priority        string          `json:"priority,omitempty"`
	Timeout         time.Duration   `json:"timeout"`

	// MaxConcurrentSteps bounds parallelism within this plan.
	MaxConcurrentSteps int `json:"maxConcurrentSteps"`

	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	Tenant          *tenant.Context `json:"tenantContext,omitempty"`

	Confidence     float64  `json:"confidence"`
	Clarifications []string `json:"clarifications,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (p *Plan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// computeLevels assigns each step its topological level:
//
//	level(s) = 0                    when s has no dependencies
//	level(s) = 1 + max level(dep)   otherwise
//
// Unknown dependency references and cycles are rejected.
func computeLevels(steps []*Step) (map[string]int, error) {
	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		if _, dup := byID[s.ID]; dup {
			return nil, faults.Validation("invalid_plan", "duplicate step id %q", s.ID)
		}
		byID[s.ID] = s
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, faults.Validation("invalid_plan", "step %q depends on itself", s.ID)
			}
			if _, ok := byID[dep]; !ok {
				return nil, faults.Validation("invalid_plan", "step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	levels := make(map[string]int, len(steps))
	const visiting = -1

	var visit func(s *Step) (int, error)
	visit = func(s *Step) (int, error) {
		if lvl, seen := levels[s.ID]; seen {
			if lvl == visiting {
				return 0, faults.Validation("invalid_plan", "dependency cycle through step %q", s.ID)
			}
			return lvl, nil
		}
		levels[s.ID] = visiting
		lvl := 0
		for _, dep := range s.DependsOn {
			depLvl, err := visit(byID[dep])
			if err != nil {
				return 0, err
			}
			if depLvl+1 > lvl {
				lvl = depLvl + 1
			}
		}
		levels[s.ID] = lvl
		return lvl, nil
	}

	for _, s := range steps {
		if _, err := visit(s); err != nil {
			return nil, err
		}
	}
	return levels, nil
}

// buildParallelGroups layers steps by level, preserving declaration order
// within a group.
func buildParallelGroups(steps []*Step) ([][]string, error) {
	levels, err := computeLevels(steps)
	if err != nil {
		return nil, err
	}

	max := 0
	for _, lvl := range levels {
		if lvl > max {
			max = lvl
		}
	}
	groups := make([][]string, max+1)
	for _, s := range steps {
		lvl := levels[s.ID]
		groups[lvl] = append(groups[lvl], s.ID)
	}
	return groups, nil
}

// dependents returns the IDs of steps directly depending on id, sorted for
// stable reporting.
func dependents(steps []*Step, id string) []string {
	var out []string
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if dep == id {
				out = append(out, s.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
