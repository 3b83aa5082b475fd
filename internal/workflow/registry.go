package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/magehq/backend/internal/downstream"
)

// Registry is the catalog of (service, operation) pairs a plan may
// reference, plus each service's default step timeout.
type Registry struct {
	ops      map[string]map[string]string // service -> operation -> description
	timeouts map[string]time.Duration
}

// DefaultRegistry catalogs every operation the downstream adapters expose.
func DefaultRegistry() *Registry {
	return &Registry{
		ops: map[string]map[string]string{
			downstream.ServiceSandbox: {
				"execute": "run code in an isolated sandbox (input: code, language, timeout, resourceLimits)",
			},
			downstream.ServiceFileProcess: {
				"process": "extract text and metadata from a document (input: fileName, contentBase64, mimeType, options)",
			},
			downstream.ServiceCyberAgent: {
				"scan": "scan an artifact for threats (input: target, artifactBase64, scanType)",
			},
			downstream.ServiceMageAgent: {
				"complete": "run an LLM completion (input: model, messages)",
			},
			downstream.ServiceGraphRAG: {
				"query":        "retrieve relevant knowledge chunks (input: query, domain, topK)",
				"store_chunks": "persist knowledge chunks (input: chunks)",
			},
		},
		timeouts: map[string]time.Duration{
			downstream.ServiceSandbox:     300 * time.Second,
			downstream.ServiceFileProcess: 120 * time.Second,
			downstream.ServiceCyberAgent:  180 * time.Second,
			downstream.ServiceMageAgent:   90 * time.Second,
			downstream.ServiceGraphRAG:    60 * time.Second,
		},
	}
}

// Knows reports whether (service, operation) is in the catalog.
func (r *Registry) Knows(service, operation string) bool {
	ops, ok := r.ops[service]
	if !ok {
		return false
	}
	_, ok = ops[operation]
	return ok
}

// DefaultTimeout returns the per-service step timeout.
func (r *Registry) DefaultTimeout(service string) time.Duration {
	if d, ok := r.timeouts[service]; ok {
		return d
	}
	return 60 * time.Second
}

// Catalog renders the operation list for the planner prompt, one line per
// operation in a stable order.
func (r *Registry) Catalog() string {
	services := make([]string, 0, len(r.ops))
	for svc := range r.ops {
		services = append(services, svc)
	}
	sort.Strings(services)

	var b strings.Builder
	for _, svc := range services {
		operations := make([]string, 0, len(r.ops[svc]))
		for op := range r.ops[svc] {
			operations = append(operations, op)
		}
		sort.Strings(operations)
		for _, op := range operations {
			fmt.Fprintf(&b, "- %s.%s: %s\n", svc, op, r.ops[svc][op])
		}
	}
	return b.String()
}
