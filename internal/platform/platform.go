package platform

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/magehq/backend/internal/api"
	"github.com/magehq/backend/internal/circuitbreaker"
	"github.com/magehq/backend/internal/config"
	"github.com/magehq/backend/internal/downstream"
	"github.com/magehq/backend/internal/events"
	"github.com/magehq/backend/internal/eventstream"
	"github.com/magehq/backend/internal/infra"
	"github.com/magehq/backend/internal/metrics"
	"github.com/magehq/backend/internal/patterns"
	"github.com/magehq/backend/internal/streaming"
	"github.com/magehq/backend/internal/workflow"
)

// Platform wires every component of the process: shared infrastructure,
// downstream adapters, the streaming registry, the pattern learner and the
// workflow engine, all exposed through one HTTP server.
type Platform struct {
	Config      *config.Config
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Redis       *redis.Client
	Events      events.Emitter
	Breakers    *circuitbreaker.Manager
	Downstreams *downstream.Set
	Streams     *streaming.Registry
	Patterns    *patterns.Service
	Consumer    *patterns.Consumer
	Publisher   *patterns.Publisher
	Workflows   *workflow.Router
	Server      *api.Server

	pubsub      *events.PubSubEventBus
	patternRepo patterns.Repository
}

// New builds the whole dependency graph. Redis must be reachable; the
// Pub/Sub fan-out is optional and degrades to the in-memory bus.
func New(cfg *config.Config, logger *slog.Logger) (*Platform, error) {
	m := metrics.New()

	rdb, err := infra.NewRedisClient(cfg.Redis, logger)
	if err != nil {
		return nil, err
	}

	p := &Platform{
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
		Redis:   rdb,
	}
	p.Events = p.buildEventBus(cfg, logger)

	// Breaker transitions from any downstream surface as metrics and
	// platform events.
	defaults := circuitbreaker.DefaultConfig("default")
	defaults.OnStateChange = func(name string, from, to circuitbreaker.State) {
		m.RecordBreakerTransition(name, from.String(), to.String(), breakerStateValue(to))
		p.Events.Emit(events.TypeBreakerTransition, "circuitbreaker", name, map[string]interface{}{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		})
	}
	p.Breakers = circuitbreaker.NewManager(defaults)

	p.Downstreams = downstream.NewSet(cfg, p.Breakers, m, logger)

	p.Streams = streaming.NewRegistry(cfg.Streaming,
		&graphPersister{rag: p.Downstreams.GraphRAG},
		p.Breakers, m, p.Events, logger)

	repo, err := patterns.NewRepository(cfg.Patterns, cfg.Postgres.DSN, rdb, logger)
	if err != nil {
		rdb.Close()
		return nil, err
	}
	p.patternRepo = repo
	p.Patterns = patterns.NewService(repo, cfg.Patterns, m, p.Events, logger)

	outcomes := eventstream.NewRedisStream(rdb, cfg.Patterns.StreamKey)
	p.Publisher = patterns.NewPublisher(outcomes)
	p.Consumer = patterns.NewConsumer(outcomes, cfg.Patterns.ConsumerGroup, p.Patterns, m, logger)

	registry := workflow.DefaultRegistry()
	planner := workflow.NewPlanner(p.Downstreams.MageAgent, registry, cfg.Workflow, m, logger)
	dispatcher := workflow.NewServiceDispatcher(p.Downstreams)
	executor := workflow.NewExecutor(dispatcher, cfg.Workflow, m, p.Events, logger)
	p.Workflows = workflow.NewRouter(planner, executor, p.Publisher, p.Events, cfg.Workflow.HistorySize, logger)

	p.Server = api.NewServer(cfg.Server, api.Deps{
		Metrics:   m,
		Breakers:  p.Breakers,
		Streams:   p.Streams,
		Patterns:  p.Patterns,
		Workflows: p.Workflows,
		Health:    p.Health,
	}, logger)

	return p, nil
}

// breakerStateValue maps a breaker state onto the gauge encoding dashboards
// alert on. The breaker's internal ordering is not part of that contract.
func breakerStateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return metrics.StateValueOpen
	case circuitbreaker.StateHalfOpen:
		return metrics.StateValueHalfOpen
	default:
		return metrics.StateValueClosed
	}
}

func (p *Platform) buildEventBus(cfg *config.Config, logger *slog.Logger) events.Emitter {
	if cfg.Events.ProjectID == "" {
		logger.Info("event fan-out running on the in-memory bus only")
		return events.NewEventBus()
	}
	bus, err := events.NewPubSubEventBus(cfg.Events.ProjectID, cfg.Events.Topic, logger)
	if err != nil {
		logger.Warn("pub/sub unavailable, falling back to the in-memory bus",
			slog.String("error", err.Error()))
		return events.NewEventBus()
	}
	p.pubsub = bus
	return bus
}

// Health probes every external dependency.
func (p *Platform) Health(ctx context.Context) map[string]error {
	out := p.Downstreams.Health(ctx)
	out["redis"] = p.Redis.Ping(ctx).Err()
	return out
}

// Run serves HTTP and drives the outcome consumer until ctx is cancelled,
// then shuts everything down in dependency order.
func (p *Platform) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := p.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return p.Consumer.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return p.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown drains the HTTP server, flushes open streams and releases
// storage handles. Safe to call once.
func (p *Platform) Shutdown(ctx context.Context) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	keep(p.Server.Shutdown(ctx))
	keep(p.Streams.CloseAll(ctx))
	if p.pubsub != nil {
		keep(p.pubsub.Close())
	}
	if p.patternRepo != nil {
		keep(p.patternRepo.Close())
	}
	keep(p.Redis.Close())

	p.Logger.Info("platform stopped")
	return first
}

// graphPersister bridges the streaming pipeline onto GraphRAG chunk
// storage.
type graphPersister struct {
	rag *downstream.GraphRAG
}

func (g *graphPersister) PersistBatch(ctx context.Context, chunks []streaming.Chunk) error {
	records := make([]downstream.ChunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = downstream.ChunkRecord{
			ChunkID:   c.ChunkID,
			StreamID:  c.StreamID,
			Sequence:  c.Sequence,
			Content:   c.Content,
			Tokens:    c.Tokens,
			Domain:    c.Domain,
			AgentID:   c.AgentID,
			TaskID:    c.TaskID,
			IsFinal:   c.IsFinal,
			CompanyID: c.CompanyID,
			AppID:     c.AppID,
			Timestamp: c.Timestamp,
		}
	}
	return g.rag.StoreChunks(ctx, records)
}
