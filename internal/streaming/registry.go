package streaming

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/magehq/backend/internal/circuitbreaker"
	"github.com/magehq/backend/internal/config"
	"github.com/magehq/backend/internal/events"
	"github.com/magehq/backend/internal/metrics"
)

// Registry owns the per-stream pipeline singletons. Pipelines are created
// lazily on first use and removed when their consumer releases.
type Registry struct {
	cfg      config.StreamingConfig
	store    Persister
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	events   events.Emitter
	logger   *slog.Logger

	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

func NewRegistry(cfg config.StreamingConfig, store Persister, breakers *circuitbreaker.Manager, m *metrics.Metrics, emitter events.Emitter, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		store:     store,
		breakers:  breakers,
		metrics:   m,
		events:    emitter,
		logger:    logger,
		pipelines: make(map[string]*Pipeline),
	}
}

// GetOrCreate returns the pipeline for opts.StreamID, creating it on first
// call. Later calls ignore opts beyond the stream id: the first creation
// pins the stream's identity.
func (r *Registry) GetOrCreate(opts Options) *Pipeline {
	r.mu.RLock()
	p, ok := r.pipelines[opts.StreamID]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check: another goroutine may have created it.
	if p, ok := r.pipelines[opts.StreamID]; ok {
		return p
	}

	breaker := r.breakers.GetOrCreate("stream:"+opts.StreamID, circuitbreaker.Config{
		FailureThreshold: r.cfg.Breaker.FailureThreshold,
		SuccessThreshold: r.cfg.Breaker.SuccessThreshold,
		Cooldown:         r.cfg.Breaker.Cooldown(),
	})

	streamID := opts.StreamID
	p = newPipeline(opts, r.cfg, r.store, breaker, r.metrics, r.events, r.logger, func() {
		r.release(streamID)
	}, time.Second)
	r.pipelines[opts.StreamID] = p
	return p
}

// Lookup returns an existing pipeline without creating one.
func (r *Registry) Lookup(streamID string) (*Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[streamID]
	return p, ok
}

// release drops the pipeline and its breaker once the consumer has exited.
func (r *Registry) release(streamID string) {
	r.mu.Lock()
	delete(r.pipelines, streamID)
	r.mu.Unlock()
	r.breakers.Remove("stream:" + streamID)
}

// Close shuts one stream down and waits for its drain.
func (r *Registry) Close(ctx context.Context, streamID string) error {
	p, ok := r.Lookup(streamID)
	if !ok {
		return nil
	}
	return p.Close(ctx)
}

// CloseAll drains every live pipeline, used at process shutdown.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	live := make([]*Pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		live = append(live, p)
	}
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range live {
		p := p
		g.Go(func() error { return p.Close(ctx) })
	}
	return g.Wait()
}

// Snapshots reports every live pipeline, ordered by stream id.
func (r *Registry) Snapshots() []PipelineMetrics {
	r.mu.RLock()
	out := make([]PipelineMetrics, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		out = append(out, p.Metrics())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out
}
