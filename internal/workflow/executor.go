package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/magehq/backend/internal/config"
	"github.com/magehq/backend/internal/events"
	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/metrics"
	"github.com/magehq/backend/internal/tenant"
)

// ErrorCode tags a step failure for callers that branch without parsing
// messages.
type ErrorCode string

const (
	CodeServiceError     ErrorCode = "SERVICE_ERROR"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeStepException    ErrorCode = "STEP_EXCEPTION"
)

// classify maps a fault kind onto the step error code and recoverability.
func classify(err error) (ErrorCode, bool) {
	switch faults.KindOf(err) {
	case faults.KindValidation:
		return CodeValidationFailed, false
	case faults.KindUnavailable:
		return CodeUnavailable, true
	case faults.KindCancelled:
		return CodeTimeout, true
	case faults.KindTransient:
		return CodeServiceError, true
	case faults.KindPermanent:
		return CodeServiceError, false
	default:
		return CodeStepException, false
	}
}

// StepError is the typed failure attached to a step result.
type StepError struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

// StepResult is the recorded outcome of one step.
type StepResult struct {
	StepID      string                 `json:"stepId"`
	Status      Status                 `json:"status"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Error       *StepError             `json:"error,omitempty"`
	StartedAt   time.Time              `json:"startedAt,omitempty"`
	CompletedAt time.Time              `json:"completedAt,omitempty"`
	Duration    time.Duration          `json:"duration"`
}

// FailedStep reports one failure with the steps it directly impacts.
type FailedStep struct {
	StepID   string    `json:"stepId"`
	Name     string    `json:"name"`
	Error    StepError `json:"error"`
	Impacted []string  `json:"impacted,omitempty"`
}

// Result is the aggregate outcome of one workflow execution.
type Result struct {
	PlanID      string                 `json:"planId"`
	Outcome     string                 `json:"outcome"` // completed, failed, degraded
	Steps       map[string]*StepResult `json:"steps"`
	Succeeded   int                    `json:"succeeded"`
	Failed      int                    `json:"failed"`
	Skipped     int                    `json:"skipped"`
	FailedSteps []FailedStep           `json:"failedSteps,omitempty"`
	Suggestions []string               `json:"suggestions,omitempty"`
	WallClock   time.Duration          `json:"wallClock"`
	Efficiency  float64                `json:"efficiency"`
	Deadlocked  bool                   `json:"deadlocked,omitempty"`
	TimedOut    bool                   `json:"timedOut,omitempty"`
}

// stepDone crosses from a step goroutine back to the supervising loop. The
// channel is buffered for the whole plan so late finishers never block.
type stepDone struct {
	stepID      string
	data        map[string]interface{}
	err         error
	startedAt   time.Time
	completedAt time.Time
}

// Executor runs one plan under a single supervising loop: it computes ready
// steps, resolves their input references, launches up to the plan's
// concurrency bound and records completions. Crossing the plan deadline
// terminates the loop without aborting in-flight steps; those observe their
// own deadline and their late results are recorded without changing the
// reported outcome.
type Executor struct {
	dispatcher Dispatcher
	cfg        config.WorkflowConfig
	metrics    *metrics.Metrics
	events     events.Emitter
	logger     *slog.Logger
}

func NewExecutor(dispatcher Dispatcher, cfg config.WorkflowConfig, m *metrics.Metrics, emitter events.Emitter, logger *slog.Logger) *Executor {
	return &Executor{
		dispatcher: dispatcher,
		cfg:        cfg,
		metrics:    m,
		events:     emitter,
		logger:     logger.With(slog.String("component", "executor")),
	}
}

// Execute runs the plan to completion, deadline or deadlock.
func (e *Executor) Execute(ctx context.Context, plan *Plan) *Result {
	if plan.Tenant != nil {
		ctx = tenant.WithContext(ctx, plan.Tenant)
	}
	logger := e.logger.With(
		slog.String("plan_id", plan.ID),
		slog.String("correlation_id", plan.CorrelationID),
	)

	started := time.Now()
	plan.Status = StatusRunning
	plan.StartedAt = &started

	maxConc := plan.MaxConcurrentSteps
	if maxConc <= 0 {
		maxConc = e.cfg.MaxConcurrentSteps
	}

	res := &Result{PlanID: plan.ID, Steps: make(map[string]*StepResult, len(plan.Steps))}
	pending := make(map[string]*Step, len(plan.Steps))
	for _, s := range plan.Steps {
		pending[s.ID] = s
	}
	running := make(map[string]*Step)
	completions := make(chan stepDone, len(plan.Steps))

	deadline := time.NewTimer(plan.Timeout)
	defer deadline.Stop()

	var stepSeconds float64

	record := func(done stepDone) {
		step := running[done.stepID]
		delete(running, done.stepID)
		sr := e.recordCompletion(plan, step, done, logger)
		res.Steps[done.stepID] = sr
		stepSeconds += sr.Duration.Seconds()
		switch sr.Status {
		case StatusCompleted:
			res.Succeeded++
		case StatusFailed:
			res.Failed++
			res.FailedSteps = append(res.FailedSteps, FailedStep{
				StepID:   step.ID,
				Name:     step.Name,
				Error:    *sr.Error,
				Impacted: dependents(plan.Steps, step.ID),
			})
			res.Suggestions = appendUnique(res.Suggestions, faultSuggestion(sr.Error))
		}
	}

	skip := func(step *Step, reason string) {
		now := time.Now()
		step.Status = StatusSkipped
		step.CompletedAt = &now
		step.Error = reason
		delete(pending, step.ID)
		res.Steps[step.ID] = &StepResult{StepID: step.ID, Status: StatusSkipped}
		res.Skipped++
		e.metrics.RecordStep(step.Service, string(StatusSkipped), 0)
		logger.Info("step skipped", slog.String("step_id", step.ID), slog.String("reason", reason))
	}

supervise:
	for len(pending) > 0 || len(running) > 0 {
		// Strict mode: a ready step with a failed or skipped dependency is
		// skipped; iterate so the skip propagates through chains.
		if plan.Mode == ModeStrict {
			for changed := true; changed; {
				changed = false
				for _, step := range plan.Steps {
					if _, waiting := pending[step.ID]; !waiting || !depsDecided(step, res.Steps) {
						continue
					}
					if dep := firstBadDep(step, res.Steps); dep != "" {
						skip(step, fmt.Sprintf("dependency %s did not complete", dep))
						changed = true
					}
				}
			}
		}

		// Ready steps in declaration order.
		var ready []*Step
		for _, step := range plan.Steps {
			if _, waiting := pending[step.ID]; waiting && depsDecided(step, res.Steps) {
				ready = append(ready, step)
			}
		}

		if len(ready) == 0 && len(running) == 0 {
			if len(pending) > 0 {
				// No step can make progress: unreachable dependencies.
				res.Deadlocked = true
				for _, step := range plan.Steps {
					if _, waiting := pending[step.ID]; waiting {
						skip(step, "unresolvable dependencies")
					}
				}
			}
			break
		}

		for _, step := range ready {
			if len(running) >= maxConc {
				break
			}
			delete(pending, step.ID)
			running[step.ID] = step

			now := time.Now()
			step.Status = StatusRunning
			step.StartedAt = &now
			input := resolveInputs(step.Input, res.Steps)
			go e.runStep(ctx, step, input, completions)
		}

		select {
		case done := <-completions:
			record(done)
		case <-deadline.C:
			res.TimedOut = true
			logger.Warn("workflow deadline crossed, abandoning supervision",
				slog.Int("running", len(running)),
				slog.Int("pending", len(pending)))
			break supervise
		}
		// Drain whatever else finished while we were waiting.
		for {
			select {
			case done := <-completions:
				record(done)
			default:
				continue supervise
			}
		}
	}

	if res.TimedOut {
		for _, step := range plan.Steps {
			if _, waiting := pending[step.ID]; waiting {
				skip(step, "workflow deadline exceeded")
			}
		}
		// In-flight steps keep running on their own deadlines; their late
		// results are logged against detached copies so nothing mutates the
		// plan once it is handed back to callers.
		if len(running) > 0 {
			late := make(map[string]*Step, len(running))
			for id, st := range running {
				c := *st
				late[id] = &c
			}
			go e.recordLate(plan, late, completions, logger)
		}
	}

	res.WallClock = time.Since(started)
	res.Efficiency = efficiency(stepSeconds, res.WallClock)
	res.Outcome = classifyOutcome(res, len(plan.Steps))

	now := time.Now()
	plan.CompletedAt = &now
	if res.Outcome == "failed" {
		plan.Status = StatusFailed
	} else {
		plan.Status = StatusCompleted
	}

	e.metrics.RecordWorkflowRun(res.Outcome, res.WallClock.Seconds(), res.Efficiency)
	logger.Info("workflow finished",
		slog.String("outcome", res.Outcome),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed),
		slog.Int("skipped", res.Skipped),
		slog.Duration("wall_clock", res.WallClock),
		slog.Float64("efficiency", res.Efficiency))
	return res
}

// runStep executes one step with its own deadline. Panics in adapter or
// dispatch code are contained as step exceptions.
func (e *Executor) runStep(ctx context.Context, step *Step, input map[string]interface{}, completions chan<- stepDone) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			completions <- stepDone{
				stepID:      step.ID,
				err:         faults.New(faults.KindUnknown, "step_panic", "step %s panicked: %v", step.ID, r),
				startedAt:   started,
				completedAt: time.Now(),
			}
		}
	}()

	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	data, err := e.dispatcher.Dispatch(stepCtx, step.Service, step.Operation, input)
	completions <- stepDone{
		stepID:      step.ID,
		data:        data,
		err:         err,
		startedAt:   started,
		completedAt: time.Now(),
	}
}

// recordCompletion folds one finished step into the plan and returns its
// result record.
func (e *Executor) recordCompletion(plan *Plan, step *Step, done stepDone, logger *slog.Logger) *StepResult {
	sr := &StepResult{
		StepID:      step.ID,
		StartedAt:   done.startedAt,
		CompletedAt: done.completedAt,
		Duration:    done.completedAt.Sub(done.startedAt),
		Data:        done.data,
	}
	step.CompletedAt = &done.completedAt

	if done.err != nil {
		code, recoverable := classify(done.err)
		sr.Status = StatusFailed
		sr.Error = &StepError{Code: code, Message: done.err.Error(), Recoverable: recoverable}
		step.Status = StatusFailed
		step.Error = done.err.Error()
		e.metrics.RecordStep(step.Service, string(StatusFailed), sr.Duration.Seconds())
		e.emit(plan, events.TypeStepFailed, step, map[string]interface{}{
			"stepId":      step.ID,
			"code":        string(code),
			"recoverable": recoverable,
			"error":       done.err.Error(),
		})
		logger.Warn("step failed",
			slog.String("step_id", step.ID),
			slog.String("service", step.Service),
			slog.String("code", string(code)),
			slog.String("error", done.err.Error()))
		return sr
	}

	sr.Status = StatusCompleted
	step.Status = StatusCompleted
	e.metrics.RecordStep(step.Service, string(StatusCompleted), sr.Duration.Seconds())
	e.emit(plan, events.TypeStepCompleted, step, map[string]interface{}{
		"stepId":     step.ID,
		"service":    step.Service,
		"operation":  step.Operation,
		"durationMs": sr.Duration.Milliseconds(),
	})
	logger.Debug("step completed",
		slog.String("step_id", step.ID),
		slog.String("service", step.Service),
		slog.Duration("duration", sr.Duration))
	return sr
}

// recordLate drains completions of steps that outlived the workflow
// deadline. The steps are copies detached from the plan; only metrics,
// events and logs observe the late results.
func (e *Executor) recordLate(plan *Plan, running map[string]*Step, completions <-chan stepDone, logger *slog.Logger) {
	for remaining := len(running); remaining > 0; remaining-- {
		done := <-completions
		step := running[done.stepID]
		e.recordCompletion(plan, step, done, logger)
		logger.Info("late step result recorded after workflow deadline",
			slog.String("step_id", done.stepID))
	}
}

func (e *Executor) emit(plan *Plan, eventType string, step *Step, data map[string]interface{}) {
	if e.events == nil {
		return
	}
	ctx := context.Background()
	if plan.Tenant != nil {
		ctx = tenant.WithContext(ctx, plan.Tenant)
	}
	data["planId"] = plan.ID
	data["correlationId"] = plan.CorrelationID
	e.events.EmitCtx(ctx, eventType, "workflow", step.ID, data)
}

// depsDecided reports whether every dependency has a recorded result
// (completed, failed or skipped).
func depsDecided(step *Step, results map[string]*StepResult) bool {
	for _, dep := range step.DependsOn {
		if _, ok := results[dep]; !ok {
			return false
		}
	}
	return true
}

// firstBadDep returns the first dependency that did not complete, or "".
func firstBadDep(step *Step, results map[string]*StepResult) string {
	for _, dep := range step.DependsOn {
		if r, ok := results[dep]; ok && r.Status != StatusCompleted {
			return dep
		}
	}
	return ""
}

func classifyOutcome(res *Result, total int) string {
	switch {
	case res.Succeeded == total:
		return "completed"
	case res.Succeeded == 0:
		return "failed"
	default:
		return "degraded"
	}
}

// efficiency is sum(step durations) / wall clock, capped at 1. Values near
// 1 with many steps mean the DAG parallelised poorly.
func efficiency(stepSeconds float64, wall time.Duration) float64 {
	if wall <= 0 {
		return 1
	}
	eff := stepSeconds / wall.Seconds()
	if eff > 1 {
		return 1
	}
	return eff
}

func faultSuggestion(se *StepError) string {
	switch se.Code {
	case CodeValidationFailed:
		return "request rejected by validation; correct the step input before retrying"
	case CodeUnavailable:
		return "service temporarily unavailable; retry after the breaker cooldown"
	case CodeTimeout:
		return "step timed out; consider raising the step timeout"
	case CodeStepException:
		return "unexpected failure; check service logs for details"
	default:
		return "downstream call failed; retrying the workflow may succeed"
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
