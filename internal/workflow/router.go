package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/magehq/backend/internal/downstream"
	"github.com/magehq/backend/internal/events"
	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/patterns"
	"github.com/magehq/backend/internal/tenant"
)

// Execution is one workflow run retained in the router's history.
type Execution struct {
	ID          string     `json:"id"`
	Plan        *Plan      `json:"plan"`
	Result      *Result    `json:"result,omitempty"`
	SubmittedAt time.Time  `json:"submittedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Router is the workflow facade: it plans a request, executes the plan,
// emits the lifecycle events and feeds routing outcomes back into the
// learning stream. Recent executions are held in a bounded history so
// callers can fetch results by ID after the synchronous response is gone.
type Router struct {
	planner   *Planner
	executor  *Executor
	publisher *patterns.Publisher
	events    events.Emitter
	logger    *slog.Logger

	mu      sync.RWMutex
	history map[string]*Execution
	order   []string // insertion order, oldest first
	cap     int
}

func NewRouter(planner *Planner, executor *Executor, publisher *patterns.Publisher, emitter events.Emitter, historySize int, logger *slog.Logger) *Router {
	if historySize <= 0 {
		historySize = 256
	}
	return &Router{
		planner:   planner,
		executor:  executor,
		publisher: publisher,
		events:    emitter,
		logger:    logger.With(slog.String("component", "workflow_router")),
		history:   make(map[string]*Execution, historySize),
		cap:       historySize,
	}
}

// Run plans and executes a natural-language request end to end. Planning
// failures return before anything is recorded; execution always yields a
// result, even a fully failed one.
func (r *Router) Run(ctx context.Context, request string, opts Options) (*Execution, error) {
	plan, err := r.planner.Plan(ctx, request, opts)
	if err != nil {
		return nil, err
	}

	exec := &Execution{ID: plan.ID, Plan: plan, SubmittedAt: time.Now()}
	r.remember(exec)

	r.emit(ctx, events.TypeWorkflowStarted, plan, map[string]interface{}{
		"planId":        plan.ID,
		"correlationId": plan.CorrelationID,
		"steps":         len(plan.Steps),
		"mode":          string(plan.Mode),
	})

	result := r.executor.Execute(ctx, plan)
	now := time.Now()
	exec.Result = result
	exec.CompletedAt = &now

	eventType := events.TypeWorkflowCompleted
	if result.Outcome == "failed" {
		eventType = events.TypeWorkflowFailed
	}
	r.emit(ctx, eventType, plan, map[string]interface{}{
		"planId":        plan.ID,
		"correlationId": plan.CorrelationID,
		"outcome":       result.Outcome,
		"succeeded":     result.Succeeded,
		"failed":        result.Failed,
		"skipped":       result.Skipped,
		"wallClockMs":   result.WallClock.Milliseconds(),
	})

	r.publishOutcomes(ctx, plan, result)
	return exec, nil
}

// Get returns a retained execution, or a validation fault when the ID is
// unknown or already evicted.
func (r *Router) Get(id string) (*Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.history[id]
	if !ok {
		return nil, faults.Validation("unknown_workflow", "workflow %s is not in the recent history", id)
	}
	return exec, nil
}

// Recent returns retained executions, newest first.
func (r *Router) Recent() []*Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Execution, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, r.history[r.order[i]])
	}
	return out
}

func (r *Router) remember(exec *Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) >= r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.history, oldest)
	}
	r.history[exec.ID] = exec
	r.order = append(r.order, exec.ID)
}

// publishOutcomes feeds routing decisions observed during execution back
// into the learning stream. Only file-processing steps carry a signature
// worth learning from; other services have no stable file identity.
func (r *Router) publishOutcomes(ctx context.Context, plan *Plan, result *Result) {
	if r.publisher == nil {
		return
	}
	for _, step := range plan.Steps {
		if step.Service != downstream.ServiceFileProcess {
			continue
		}
		sr, ok := result.Steps[step.ID]
		if !ok || sr.Status == StatusSkipped {
			continue
		}
		outcome := routeOutcome(step, sr)
		if outcome == nil {
			continue
		}
		if _, err := r.publisher.Publish(ctx, outcome); err != nil {
			r.logger.Warn("publish routing outcome",
				slog.String("plan_id", plan.ID),
				slog.String("step_id", step.ID),
				slog.String("error", err.Error()))
		}
	}
}

// routeOutcome builds a processing-route outcome from a file-processing
// step. Steps without a file name in their input are not learnable.
func routeOutcome(step *Step, sr *StepResult) *patterns.DecisionOutcome {
	fileName, _ := step.Input["fileName"].(string)
	if fileName == "" {
		return nil
	}
	mimeType, _ := step.Input["mimeType"].(string)
	var size int64
	if raw, ok := step.Input["sizeBytes"].(float64); ok {
		size = int64(raw)
	}
	return &patterns.DecisionOutcome{
		Signature: patterns.Signature{
			DecisionPoint: patterns.PointRoute,
			FileName:      fileName,
			MimeType:      mimeType,
			SizeBytes:     size,
		},
		Decision: patterns.Decision{
			Kind:  patterns.PointRoute,
			Route: &patterns.RouteDecision{Processor: step.Operation},
		},
		Success:    sr.Status == StatusCompleted,
		DurationMs: sr.Duration.Milliseconds(),
	}
}

func (r *Router) emit(ctx context.Context, eventType string, plan *Plan, data map[string]interface{}) {
	if r.events == nil {
		return
	}
	if plan.Tenant != nil {
		ctx = tenant.WithContext(ctx, plan.Tenant)
	}
	r.events.EmitCtx(ctx, eventType, "workflow", plan.ID, data)
}
