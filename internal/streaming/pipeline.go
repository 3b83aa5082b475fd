// Package streaming implements the per-stream storage pipeline: producers
// write chunks into a bounded queue, a single consumer drains them in small
// batches and persists each batch atomically to the knowledge store. Failed
// batches land in a bounded dead-letter queue with exponential retry. The
// bounded queue doubles as back-pressure: a full queue suspends writers
// instead of buffering without limit.
package streaming

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/magehq/backend/internal/circuitbreaker"
	"github.com/magehq/backend/internal/config"
	"github.com/magehq/backend/internal/events"
	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/metrics"
	"github.com/magehq/backend/internal/tenant"
)

// latencyWindow is the rolling sample count for persist latency.
const latencyWindow = 100

// Options identify one stream and its ownership.
type Options struct {
	StreamID string
	Domain   string
	AgentID  string
	TaskID   string

	// Tenant owns everything this stream persists. A nil tenant means the
	// pipeline drains but never persists: storage must not cross tenant
	// boundaries.
	Tenant *tenant.Context
}

// PipelineMetrics is a point-in-time snapshot for the ops surface.
type PipelineMetrics struct {
	StreamID         string  `json:"streamId"`
	Domain           string  `json:"domain"`
	QueueDepth       int     `json:"queueDepth"`
	ChunksWritten    int64   `json:"chunksWritten"`
	ChunksPersisted  int64   `json:"chunksPersisted"`
	ChunksFailed     int64   `json:"chunksFailed"`
	ChunksSkipped    int64   `json:"chunksSkipped"`
	BytesPersisted   int64   `json:"bytesPersisted"`
	DLQDepth         int     `json:"dlqDepth"`
	AvgPersistMillis float64 `json:"avgPersistMillis"`
	BreakerState     string  `json:"breakerState"`
	FinalReceived    bool    `json:"finalReceived"`
	Closed           bool    `json:"closed"`
}

// Pipeline is the per-stream singleton. One producer-facing bounded queue,
// one consumer goroutine, one breaker, one DLQ.
type Pipeline struct {
	streamID string
	domain   string
	agentID  string
	taskID   string
	tenant   *tenant.Context

	cfg     config.StreamingConfig
	store   Persister
	breaker *circuitbreaker.Breaker
	metrics *metrics.Metrics
	events  events.Emitter
	logger  *slog.Logger

	queue chan Chunk

	// admit serialises producers: sequence numbers are assigned in send
	// order with no gaps.
	admit     sync.Mutex
	nextSeq   int64
	finalSeen atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	onClose  func()

	dlq       *deadLetters
	retryUnit time.Duration

	st struct {
		sync.Mutex
		written   int64
		persisted int64
		failed    int64
		skipped   int64
		bytes     int64
		latencies [latencyWindow]time.Duration
		latN      int
		latI      int
	}
}

// NewPipeline builds a pipeline and starts its consumer.
func NewPipeline(opts Options, cfg config.StreamingConfig, store Persister, breaker *circuitbreaker.Breaker, m *metrics.Metrics, emitter events.Emitter, logger *slog.Logger) *Pipeline {
	return newPipeline(opts, cfg, store, breaker, m, emitter, logger, nil, time.Second)
}

func newPipeline(opts Options, cfg config.StreamingConfig, store Persister, breaker *circuitbreaker.Breaker, m *metrics.Metrics, emitter events.Emitter, logger *slog.Logger, onClose func(), retryUnit time.Duration) *Pipeline {
	if opts.Domain == "" {
		opts.Domain = "general"
	}

	p := &Pipeline{
		streamID: opts.StreamID,
		domain:   opts.Domain,
		agentID:  opts.AgentID,
		taskID:   opts.TaskID,
		tenant:   opts.Tenant,
		cfg:      cfg,
		store:    store,
		breaker:  breaker,
		metrics:  m,
		events:   emitter,
		logger: logger.With(
			slog.String("stream_id", opts.StreamID),
			slog.String("domain", opts.Domain),
		),
		queue:     make(chan Chunk, cfg.MaxQueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		onClose:   onClose,
		dlq:       newDeadLetters(cfg.DLQMaxSize),
		retryUnit: retryUnit,
	}
	go p.run()
	return p
}

// StreamID returns the stream this pipeline serves.
func (p *Pipeline) StreamID() string { return p.streamID }

// ============================================================================
// PRODUCER SIDE
// ============================================================================

// Write enqueues one chunk. A full queue suspends the caller until the
// consumer frees a slot, bounded by the configured stall ceiling. isFinal
// closes admission: later writes are rejected. An empty final write closes
// admission without producing a chunk.
func (p *Pipeline) Write(ctx context.Context, content string, isFinal bool) error {
	p.admit.Lock()
	defer p.admit.Unlock()

	if p.isStopped() {
		return faults.Permanent("stream_closed", "stream %s is closed", p.streamID)
	}
	if p.finalSeen.Load() {
		return faults.Permanent("stream_finalized", "stream %s already received its final chunk", p.streamID)
	}
	if err := p.breaker.Allow(); err != nil {
		return faults.Unavailable("stream_breaker_open", "stream %s is shedding writes: persistence failing", p.streamID)
	}
	if content == "" {
		if isFinal {
			p.finalSeen.Store(true)
			return nil
		}
		return faults.Validation("empty_write", "write must carry content")
	}

	chunk := Chunk{
		ChunkID:   uuid.NewString(),
		StreamID:  p.streamID,
		Sequence:  p.nextSeq,
		Content:   content,
		Tokens:    estimateTokens(content),
		Domain:    p.domain,
		AgentID:   p.agentID,
		TaskID:    p.taskID,
		IsFinal:   isFinal,
		Timestamp: time.Now().UTC(),
	}
	if p.tenant != nil {
		chunk.CompanyID = p.tenant.CompanyID
		chunk.AppID = p.tenant.AppID
	}

	select {
	case p.queue <- chunk:
	default:
		if err := p.writeSlow(ctx, chunk); err != nil {
			return err
		}
	}

	p.nextSeq++
	if isFinal {
		p.finalSeen.Store(true)
	}
	p.st.Lock()
	p.st.written++
	p.st.Unlock()
	p.metrics.StreamChunksWritten.WithLabelValues(p.domain).Inc()
	p.metrics.StreamQueueDepth.WithLabelValues(p.domain).Set(float64(len(p.queue)))
	return nil
}

// writeSlow is the back-pressure path: the queue was full, wait for a slot.
func (p *Pipeline) writeSlow(ctx context.Context, chunk Chunk) error {
	p.metrics.StreamBackpressure.WithLabelValues(p.domain).Inc()
	stall := time.NewTimer(p.cfg.WriteStallTimeout())
	defer stall.Stop()

	select {
	case p.queue <- chunk:
		return nil
	case <-ctx.Done():
		return faults.Cancelled("write_cancelled", ctx.Err(), "write to stream %s cancelled while waiting for queue space", p.streamID)
	case <-stall.C:
		return faults.Transient("write_stalled", nil, "stream %s queue stayed full for %s", p.streamID, p.cfg.WriteStallTimeout())
	case <-p.stop:
		return faults.Permanent("stream_closed", "stream %s closed while write was waiting", p.streamID)
	}
}

// Close stops admission, lets the consumer drain the queue, runs one DLQ
// retry cycle and surfaces whatever still cannot be persisted. It returns
// once the consumer has released its resources or ctx expires.
func (p *Pipeline) Close(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return faults.Cancelled("close_interrupted", ctx.Err(), "stream %s close interrupted before drain finished", p.streamID)
	}
}

func (p *Pipeline) isStopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// ============================================================================
// CONSUMER SIDE
// ============================================================================

func (p *Pipeline) run() {
	ticker := time.NewTicker(p.cfg.FlushInterval())
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			// Fence: a producer already past admission finishes its
			// enqueue before the final drain; everyone later observes
			// the stop flag and is rejected.
			p.admit.Lock()
			p.admit.Unlock()
			p.drain()
			p.retryDeadLetters(context.Background())
			p.surfaceRemaining()
			p.emitClosed()
			if p.onClose != nil {
				p.onClose()
			}
			close(p.done)
			return
		case <-ticker.C:
			p.flushBatch(p.collect(p.cfg.BatchSize))
		}
	}
}

// collect pulls up to max chunks without blocking.
func (p *Pipeline) collect(max int) []Chunk {
	var batch []Chunk
	for len(batch) < max {
		select {
		case c := <-p.queue:
			batch = append(batch, c)
		default:
			return batch
		}
	}
	return batch
}

func (p *Pipeline) drain() {
	for {
		batch := p.collect(p.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		p.flushBatch(batch)
	}
}

func (p *Pipeline) flushBatch(batch []Chunk) {
	if len(batch) == 0 {
		return
	}
	defer p.metrics.StreamQueueDepth.WithLabelValues(p.domain).Set(float64(len(p.queue)))

	if p.tenant == nil {
		p.st.Lock()
		p.st.skipped += int64(len(batch))
		p.st.Unlock()
		p.metrics.StreamSkippedTenant.WithLabelValues(p.domain).Add(float64(len(batch)))
		p.logger.Warn("stream has no tenant context, draining without persistence",
			slog.Int("chunks", len(batch)))
		return
	}

	if err := p.persistBatch(batch); err != nil {
		p.toDeadLetters(batch, err)
	}
}

// persistBatch pushes one batch through the breaker to the knowledge store.
func (p *Pipeline) persistBatch(batch []Chunk) error {
	if err := p.breaker.Allow(); err != nil {
		return faults.Unavailable("stream_breaker_open", "stream %s persistence suspended: circuit open", p.streamID)
	}

	started := time.Now()
	if err := p.store.PersistBatch(context.Background(), batch); err != nil {
		p.breaker.RecordFailure()
		return err
	}
	p.breaker.RecordSuccess()

	elapsed := time.Since(started)
	var bytes int64
	for _, c := range batch {
		bytes += int64(len(c.Content))
	}
	p.st.Lock()
	p.st.persisted += int64(len(batch))
	p.st.bytes += bytes
	p.st.latencies[p.st.latI] = elapsed
	p.st.latI = (p.st.latI + 1) % latencyWindow
	if p.st.latN < latencyWindow {
		p.st.latN++
	}
	p.st.Unlock()

	p.metrics.StreamChunksPersist.WithLabelValues(p.domain).Add(float64(len(batch)))
	p.metrics.StreamBytesPersisted.WithLabelValues(p.domain).Add(float64(bytes))
	p.metrics.StreamBatchDuration.WithLabelValues(p.domain).Observe(elapsed.Seconds())
	return nil
}

func (p *Pipeline) toDeadLetters(batch []Chunk, cause error) {
	p.st.Lock()
	p.st.failed += int64(len(batch))
	p.st.Unlock()
	p.metrics.StreamChunksFailed.WithLabelValues(p.domain).Add(float64(len(batch)))

	evicted := p.dlq.add(deadLetter{
		Chunks:        batch,
		Attempts:      1,
		LastError:     cause.Error(),
		FirstFailedAt: time.Now().UTC(),
	})
	if evicted != nil {
		p.surfacePermanent(*evicted, "dlq_overflow")
	}
	p.metrics.StreamDLQDepth.WithLabelValues(p.domain).Set(float64(p.dlq.len()))
	p.logger.Warn("batch routed to dead letter queue",
		slog.Int("chunks", len(batch)),
		slog.Int("dlq_depth", p.dlq.len()),
		slog.String("error", cause.Error()))
}

// ============================================================================
// DEAD-LETTER RETRY
// ============================================================================

// RetryDeadLetters re-attempts every dead-lettered batch, waiting 2^attempts
// seconds before each try. Entries failing past the attempt budget are
// dropped and surfaced as permanently failed.
func (p *Pipeline) RetryDeadLetters(ctx context.Context) {
	p.retryDeadLetters(ctx)
}

func (p *Pipeline) retryDeadLetters(ctx context.Context) {
	n := p.dlq.len()
	for i := 0; i < n; i++ {
		e, ok := p.dlq.pop()
		if !ok {
			break
		}
		if !p.wait(ctx, time.Duration(1<<uint(e.Attempts))*p.retryUnit) {
			p.dlq.requeue(e)
			break
		}
		if err := p.persistBatch(e.Chunks); err != nil {
			e.Attempts++
			e.LastError = err.Error()
			if e.Attempts > p.cfg.DLQMaxAttempts {
				p.surfacePermanent(e, "retry_budget_exhausted")
				continue
			}
			p.dlq.requeue(e)
		}
	}
	p.metrics.StreamDLQDepth.WithLabelValues(p.domain).Set(float64(p.dlq.len()))
}

// surfaceRemaining reports everything still dead-lettered at close time.
func (p *Pipeline) surfaceRemaining() {
	for _, e := range p.dlq.takeAll() {
		p.surfacePermanent(e, "stream_closed")
	}
	p.metrics.StreamDLQDepth.WithLabelValues(p.domain).Set(0)
}

func (p *Pipeline) surfacePermanent(e deadLetter, reason string) {
	p.metrics.StreamDLQExhausted.WithLabelValues(p.domain).Inc()

	seqs := make([]int64, len(e.Chunks))
	for i, c := range e.Chunks {
		seqs[i] = c.Sequence
	}
	p.emit(events.TypeStreamDLQDrop, map[string]interface{}{
		"streamId":  p.streamID,
		"reason":    reason,
		"attempts":  e.Attempts,
		"chunks":    len(e.Chunks),
		"sequences": seqs,
		"lastError": e.LastError,
	})
	p.logger.Error("chunks permanently failed",
		slog.String("reason", reason),
		slog.Int("attempts", e.Attempts),
		slog.Any("sequences", seqs),
		slog.String("last_error", e.LastError))
}

func (p *Pipeline) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ============================================================================
// OBSERVABILITY
// ============================================================================

func (p *Pipeline) emit(eventType string, data map[string]interface{}) {
	if p.events == nil {
		return
	}
	ctx := context.Background()
	if p.tenant != nil {
		ctx = tenant.WithContext(ctx, p.tenant)
	}
	p.events.EmitCtx(ctx, eventType, "streaming", p.streamID, data)
}

func (p *Pipeline) emitClosed() {
	snap := p.Metrics()
	p.emit(events.TypeStreamClosed, map[string]interface{}{
		"streamId":        p.streamID,
		"chunksWritten":   snap.ChunksWritten,
		"chunksPersisted": snap.ChunksPersisted,
		"chunksFailed":    snap.ChunksFailed,
		"chunksSkipped":   snap.ChunksSkipped,
	})
	p.logger.Info("stream closed",
		slog.Int64("written", snap.ChunksWritten),
		slog.Int64("persisted", snap.ChunksPersisted),
		slog.Int64("failed", snap.ChunksFailed))
}

// Metrics snapshots the pipeline state for the ops surface.
func (p *Pipeline) Metrics() PipelineMetrics {
	p.st.Lock()
	var avg float64
	if p.st.latN > 0 {
		var total time.Duration
		for i := 0; i < p.st.latN; i++ {
			total += p.st.latencies[i]
		}
		avg = float64(total.Milliseconds()) / float64(p.st.latN)
	}
	snap := PipelineMetrics{
		StreamID:         p.streamID,
		Domain:           p.domain,
		ChunksWritten:    p.st.written,
		ChunksPersisted:  p.st.persisted,
		ChunksFailed:     p.st.failed,
		ChunksSkipped:    p.st.skipped,
		BytesPersisted:   p.st.bytes,
		AvgPersistMillis: avg,
	}
	p.st.Unlock()

	snap.QueueDepth = len(p.queue)
	snap.DLQDepth = p.dlq.len()
	snap.BreakerState = p.breaker.State().String()
	snap.FinalReceived = p.finalSeen.Load()
	snap.Closed = p.isStopped()
	return snap
}
