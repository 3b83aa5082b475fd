// Package downstream holds the typed adapters over the resilient RPC client,
// one per service the platform fronts. Adapters own per-operation validation;
// a request that fails validation is rejected before it can touch the wire or
// the breaker.
package downstream

import (
	"context"
	"log/slog"

	"github.com/magehq/backend/internal/circuitbreaker"
	"github.com/magehq/backend/internal/config"
	"github.com/magehq/backend/internal/metrics"
	"github.com/magehq/backend/internal/rpc"
)

// Service names. Workflow plans reference these.
const (
	ServiceSandbox     = "sandbox"
	ServiceFileProcess = "fileprocess"
	ServiceCyberAgent  = "cyberagent"
	ServiceMageAgent   = "mageagent"
	ServiceGraphRAG    = "graphrag"
)

// Set bundles every adapter the platform speaks to.
type Set struct {
	Sandbox     *Sandbox
	FileProcess *FileProcess
	CyberAgent  *CyberAgent
	MageAgent   *MageAgent
	GraphRAG    *GraphRAG
}

// NewSet constructs all adapters. Each gets its own pooled transport and its
// shared per-downstream breaker from the manager.
func NewSet(cfg *config.Config, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *slog.Logger) *Set {
	client := func(name string) *rpc.Client {
		dcfg := cfg.Downstream(name)
		cb := breakers.GetOrCreate(name, circuitbreaker.Config{
			FailureThreshold: dcfg.Breaker.FailureThreshold,
			SuccessThreshold: dcfg.Breaker.SuccessThreshold,
			Cooldown:         dcfg.Breaker.Cooldown(),
		})
		return rpc.NewClient(name, dcfg, cb, m, logger)
	}

	return &Set{
		Sandbox:     NewSandbox(client(ServiceSandbox), m),
		FileProcess: NewFileProcess(client(ServiceFileProcess)),
		CyberAgent:  NewCyberAgent(client(ServiceCyberAgent)),
		MageAgent:   NewMageAgent(client(ServiceMageAgent)),
		GraphRAG:    NewGraphRAG(client(ServiceGraphRAG)),
	}
}

// Health probes every downstream concurrently and reports per-service error
// state (nil means healthy).
func (s *Set) Health(ctx context.Context) map[string]error {
	type probe struct {
		name string
		fn   func(context.Context) error
	}
	probes := []probe{
		{ServiceSandbox, s.Sandbox.Health},
		{ServiceFileProcess, s.FileProcess.Health},
		{ServiceCyberAgent, s.CyberAgent.Health},
		{ServiceMageAgent, s.MageAgent.Health},
		{ServiceGraphRAG, s.GraphRAG.Health},
	}

	results := make(map[string]error, len(probes))
	type outcome struct {
		name string
		err  error
	}
	ch := make(chan outcome, len(probes))
	for _, p := range probes {
		go func(p probe) {
			ch <- outcome{p.name, p.fn(ctx)}
		}(p)
	}
	for range probes {
		o := <-ch
		results[o.name] = o.err
	}
	return results
}
