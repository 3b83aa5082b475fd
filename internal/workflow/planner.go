package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/magehq/backend/internal/config"
	"github.com/magehq/backend/internal/downstream"
	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/metrics"
	"github.com/magehq/backend/internal/tenant"
)

const plannerSystemPrompt = `You are a workflow planner for an AI platform.
Decompose the user's request into steps calling ONLY the operations below.
%s
Respond with a single JSON object:
{"steps":[{"id":"step-1","name":"...","service":"...","operation":"...","input":{...},"dependsOn":[],"timeoutSeconds":0}],
 "confidence":0.0,
 "clarifications":[]}
Use ${ref:<stepId>.<field>} inside input values to reference an earlier
step's output field. dependsOn must list every step a step reads from.
Omit timeoutSeconds to accept the service default. If the request is
ambiguous, add questions to clarifications and plan your best interpretation.`

// llmPlan is the JSON document the model is constrained to emit.
type llmPlan struct {
	Steps          []llmStep `json:"steps"`
	Confidence     *float64  `json:"confidence,omitempty"`
	Clarifications []string  `json:"clarifications,omitempty"`
}

type llmStep struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Service        string                 `json:"service"`
	Operation      string                 `json:"operation"`
	Input          map[string]interface{} `json:"input"`
	DependsOn      []string               `json:"dependsOn"`
	TimeoutSeconds int                    `json:"timeoutSeconds"`
}

// Options tune one workflow run. Zero values inherit configuration.
type Options struct {
	Mode               Mode   `json:"mode,omitempty"`
	Priority           string `json:"priority,omitempty"`
	TimeoutSeconds     int    `json:"timeoutSeconds,omitempty"`
	MaxConcurrentSteps int    `json:"maxConcurrentSteps,omitempty"`
	Model              string `json:"model,omitempty"`
}

// Planner parses a natural-language request into a validated Plan by
// delegating decomposition to the LLM and validating the result against the
// operation registry.
type Planner struct {
	agent    *downstream.MageAgent
	registry *Registry
	cfg      config.WorkflowConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewPlanner(agent *downstream.MageAgent, registry *Registry, cfg config.WorkflowConfig, m *metrics.Metrics, logger *slog.Logger) *Planner {
	return &Planner{
		agent:    agent,
		registry: registry,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With(slog.String("component", "planner")),
	}
}

// Plan builds a validated plan for the request. The returned plan carries
// the tenant riding on ctx and a correlation ID equal to the request ID.
func (p *Planner) Plan(ctx context.Context, request string, opts Options) (*Plan, error) {
	if strings.TrimSpace(request) == "" {
		return nil, faults.Validation("empty_request", "request must not be empty")
	}

	planCtx, cancel := context.WithTimeout(ctx, p.cfg.PlanTimeout())
	defer cancel()

	model := opts.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	resp, err := p.agent.Complete(planCtx, &downstream.CompletionRequest{
		Model: model,
		Messages: []downstream.Message{
			{Role: "system", Content: fmt.Sprintf(plannerSystemPrompt, p.registry.Catalog())},
			{Role: "user", Content: request},
		},
		ResponseFormat: "json",
	})
	if err != nil {
		p.metrics.WorkflowPlans.WithLabelValues("llm_error").Inc()
		return nil, err
	}

	parsed, err := parsePlanDocument(resp.Content)
	if err != nil {
		p.metrics.WorkflowPlans.WithLabelValues("invalid").Inc()
		return nil, err
	}

	plan, err := p.assemble(ctx, request, parsed, opts)
	if err != nil {
		p.metrics.WorkflowPlans.WithLabelValues("invalid").Inc()
		return nil, err
	}

	p.metrics.WorkflowPlans.WithLabelValues("planned").Inc()
	p.logger.Info("plan created",
		"plan_id", plan.ID,
		"steps", len(plan.Steps),
		"groups", len(plan.ParallelGroups),
		"confidence", plan.Confidence,
		"request_id", plan.CorrelationID,
	)
	return plan, nil
}

// assemble validates steps, fills defaults and computes the layering.
func (p *Planner) assemble(ctx context.Context, request string, doc *llmPlan, opts Options) (*Plan, error) {
	if len(doc.Steps) == 0 {
		return nil, faults.Validation("invalid_plan", "the planner produced no steps")
	}

	recognized := 0
	steps := make([]*Step, 0, len(doc.Steps))
	for i, ls := range doc.Steps {
		if ls.ID == "" {
			ls.ID = fmt.Sprintf("step-%d", i+1)
		}
		if ls.Name == "" {
			ls.Name = fmt.Sprintf("%s.%s", ls.Service, ls.Operation)
		}
		if p.registry.Knows(ls.Service, ls.Operation) {
			recognized++
		} else {
			return nil, faults.Validation("invalid_plan", "step %q references unknown operation %s.%s", ls.ID, ls.Service, ls.Operation)
		}
		timeout := time.Duration(ls.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = p.registry.DefaultTimeout(ls.Service)
		}
		steps = append(steps, &Step{
			ID:        ls.ID,
			Name:      ls.Name,
			Service:   ls.Service,
			Operation: ls.Operation,
			Input:     ls.Input,
			DependsOn: ls.DependsOn,
			Timeout:   timeout,
			Status:    StatusPending,
		})
	}

	groups, err := buildParallelGroups(steps)
	if err != nil {
		return nil, err
	}

	confidence := float64(recognized) / float64(len(doc.Steps))
	if doc.Confidence != nil && *doc.Confidence < confidence {
		confidence = *doc.Confidence
	}

	mode := opts.Mode
	if mode == "" {
		mode = Mode(p.cfg.DefaultMode)
	}
	if mode != ModeStrict && mode != ModeBestEffort {
		return nil, faults.Validation("bad_mode", "unknown workflow mode %q", mode)
	}
	timeout := time.Duration(opts.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout()
	}

	maxConc := opts.MaxConcurrentSteps
	if maxConc <= 0 {
		maxConc = p.cfg.MaxConcurrentSteps
	}

	plan := &Plan{
		ID:                 uuid.NewString(),
		CorrelationID:      tenant.RequestID(ctx),
		OriginalRequest:    request,
		Steps:              steps,
		ParallelGroups:     groups,
		Status:             StatusPending,
		Mode:               mode,
		Priority:           opts.Priority,
		Timeout:            timeout,
		MaxConcurrentSteps: maxConc,
		CreatedAt:          time.Now().UTC(),
		Confidence:         confidence,
		Clarifications:     doc.Clarifications,
	}
	if tc, ok := tenant.FromContext(ctx); ok {
		plan.Tenant = tc
	}
	if plan.CorrelationID == "" {
		plan.CorrelationID = uuid.NewString()
	}
	return plan, nil
}

// ============================================================================
// LLM OUTPUT PARSING
// ============================================================================

var (
	// fencedJSONRe matches a JSON object inside a markdown code fence.
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// rawJSONRe is the greedy fallback: the outermost object in the text.
	rawJSONRe = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// trailingCommaRe matches the trailing commas models like to emit.
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// parsePlanDocument pulls the JSON plan out of the model output, tolerating
// code fences and trailing commas.
func parsePlanDocument(content string) (*llmPlan, error) {
	raw := ""
	if m := fencedJSONRe.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else if m := rawJSONRe.FindString(content); m != "" {
		raw = m
	}
	if raw == "" {
		return nil, faults.DataIntegrity("unparseable_plan", nil, "planner output carries no JSON object")
	}
	raw = trailingCommaRe.ReplaceAllString(raw, "$1")

	var doc llmPlan
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, faults.DataIntegrity("unparseable_plan", err, "planner output is not a valid plan document")
	}
	return &doc, nil
}
