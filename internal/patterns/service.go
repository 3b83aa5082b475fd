// Package patterns implements the learning store that observes file
// processing outcomes and maintains confidence-weighted decisions keyed by a
// composite file fingerprint. The store is fed from the durable outcome
// stream and queried by processing services before they decide anew.
package patterns

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magehq/backend/internal/config"
	"github.com/magehq/backend/internal/events"
	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/metrics"
)

// seenOutcomeCap bounds the redelivery-dedup window.
const seenOutcomeCap = 2048

// Match is a lookup result. Confidence is the effective confidence at query
// time, present even when Found is false so callers can log near-misses.
type Match struct {
	Found      bool     `json:"found"`
	Pattern    *Pattern `json:"pattern,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Statistics summarises the store for the ops surface.
type Statistics struct {
	TotalPatterns   int            `json:"totalPatterns"`
	ByDecisionPoint map[string]int `json:"byDecisionPoint"`
	AvgConfidence   float64        `json:"avgConfidence"`
	TotalSuccesses  int            `json:"totalSuccesses"`
	TotalFailures   int            `json:"totalFailures"`
	Pruned          int64          `json:"pruned"`
}

// Service is the pattern learning store. The repository is durable truth;
// the in-memory cache only saves round-trips, and writes within one
// composite key are last-writer-wins.
type Service struct {
	repo    Repository
	cfg     config.PatternsConfig
	metrics *metrics.Metrics
	events  events.Emitter
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cache  map[string]*Pattern
	seen   map[string]struct{} // recently applied outcome IDs
	seenQ  []string
	pruned int64
}

func NewService(repo Repository, cfg config.PatternsConfig, m *metrics.Metrics, emitter events.Emitter, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		cfg:     cfg,
		metrics: m,
		events:  emitter,
		logger:  logger.With(slog.String("component", "patterns")),
		now:     time.Now,
		cache:   make(map[string]*Pattern),
		seen:    make(map[string]struct{}),
	}
}

// Lookup returns the learned decision for a signature when its effective
// confidence clears the admission threshold. A hit refreshes LastUsed and
// restarts the TTL.
func (s *Service) Lookup(ctx context.Context, sig Signature) (*Match, error) {
	if !validDecisionPoint(sig.DecisionPoint) {
		return nil, faults.Validation("unknown_decision_point", "decision point %q is not recognised", sig.DecisionPoint)
	}
	key := sig.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.loadLocked(ctx, key)
	if err != nil {
		return nil, err
	}
	if p == nil {
		s.metrics.RecordPatternLookup(string(sig.DecisionPoint), "miss")
		return &Match{}, nil
	}

	conf := p.EffectiveConfidence(s.now(), s.cfg.DecayPerDay)
	if conf < s.cfg.MinConfidence {
		s.metrics.RecordPatternLookup(string(sig.DecisionPoint), "below_threshold")
		return &Match{Confidence: conf}, nil
	}

	p.LastUsed = s.now()
	if err := s.storeLocked(ctx, p); err != nil {
		return nil, err
	}
	s.metrics.RecordPatternLookup(string(sig.DecisionPoint), "hit")
	return &Match{Found: true, Pattern: p.clone(), Confidence: conf}, nil
}

// FindSimilar returns patterns at the same decision point whose extension
// segment matches the signature's, ranked by effective confidence. It does
// not refresh TTLs: browsing is not using.
func (s *Service) FindSimilar(ctx context.Context, sig Signature, limit int) ([]*Pattern, error) {
	if limit <= 0 {
		limit = 5
	}
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, faults.Transient("pattern_store", err, "list patterns")
	}

	now := s.now()
	ext := sig.ext()
	var similar []*Pattern
	for _, p := range all {
		if p.DecisionPoint != sig.DecisionPoint {
			continue
		}
		if ext != "noext" && !hasExtension(p, ext) {
			continue
		}
		similar = append(similar, p)
	}
	sort.Slice(similar, func(i, j int) bool {
		return similar[i].EffectiveConfidence(now, s.cfg.DecayPerDay) > similar[j].EffectiveConfidence(now, s.cfg.DecayPerDay)
	})
	if len(similar) > limit {
		similar = similar[:limit]
	}
	return similar, nil
}

func hasExtension(p *Pattern, ext string) bool {
	for _, e := range p.Metadata.FileExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// RecordSuccess reinforces (or creates) the pattern for sig with decision.
func (s *Service) RecordSuccess(ctx context.Context, sig Signature, decision Decision) error {
	if err := decision.Validate(); err != nil {
		return err
	}
	if decision.Kind != sig.DecisionPoint {
		return faults.Validation("decision_point_mismatch", "decision kind %q does not match signature point %q", decision.Kind, sig.DecisionPoint)
	}
	return s.learn(ctx, sig, &decision, true)
}

// RecordFailure weakens (or creates, at low confidence) the pattern for sig.
func (s *Service) RecordFailure(ctx context.Context, sig Signature) error {
	if !validDecisionPoint(sig.DecisionPoint) {
		return faults.Validation("unknown_decision_point", "decision point %q is not recognised", sig.DecisionPoint)
	}
	return s.learn(ctx, sig, nil, false)
}

// LearnFromOutcome applies one outcome document. Redelivered copies carrying
// an OutcomeID already applied are dropped, so replaying an unacknowledged
// message leaves the store unchanged.
func (s *Service) LearnFromOutcome(ctx context.Context, o *DecisionOutcome) error {
	if o.OutcomeID != "" && !s.markSeen(o.OutcomeID) {
		s.logger.Debug("outcome already applied, skipping redelivery", "outcome_id", o.OutcomeID)
		return nil
	}
	if o.Success {
		return s.RecordSuccess(ctx, o.Signature, o.Decision)
	}
	return s.RecordFailure(ctx, o.Signature)
}

func (s *Service) learn(ctx context.Context, sig Signature, decision *Decision, success bool) error {
	key := sig.Key()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.loadLocked(ctx, key)
	if err != nil {
		return err
	}
	if p == nil {
		p = s.newPattern(sig, decision, success, now)
	} else if success {
		p.recordSuccess(*decision, now)
	} else {
		p.recordFailure(now)
	}
	p.Metadata.observe(sig)
	s.metrics.RecordPatternUpdate(string(sig.DecisionPoint), success)

	if p.shouldPrune() {
		return s.pruneLocked(ctx, p)
	}
	return s.storeLocked(ctx, p)
}

func (s *Service) newPattern(sig Signature, decision *Decision, success bool, now time.Time) *Pattern {
	p := &Pattern{
		ID:            uuid.NewString(),
		CompositeKey:  sig.Key(),
		DecisionPoint: sig.DecisionPoint,
		Confidence:    initialFailureConfidence,
		LastUsed:      now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if decision != nil {
		p.Decision = *decision
	} else {
		p.Decision = Decision{Kind: sig.DecisionPoint}
	}
	if success {
		p.Confidence = initialSuccessConfidence
		p.SuccessCount = 1
	} else {
		p.FailureCount = 1
	}
	return p
}

func (s *Service) pruneLocked(ctx context.Context, p *Pattern) error {
	if err := s.repo.Delete(ctx, p.CompositeKey); err != nil {
		return faults.Transient("pattern_store", err, "prune pattern %s", p.CompositeKey)
	}
	delete(s.cache, p.CompositeKey)
	s.pruned++
	s.metrics.PatternPruned.WithLabelValues(string(p.DecisionPoint)).Inc()
	s.metrics.PatternsHeld.Set(float64(len(s.cache)))
	if s.events != nil {
		s.events.Emit(events.TypePatternPruned, "patterns", p.CompositeKey, map[string]interface{}{
			"compositeKey": p.CompositeKey,
			"successCount": p.SuccessCount,
			"failureCount": p.FailureCount,
		})
	}
	s.logger.Info("pattern pruned for sustained failure",
		"composite_key", p.CompositeKey,
		"successes", p.SuccessCount,
		"failures", p.FailureCount)
	return nil
}

// Statistics summarises the repository contents.
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, faults.Transient("pattern_store", err, "list patterns")
	}

	stats := &Statistics{ByDecisionPoint: make(map[string]int)}
	var confSum float64
	for _, p := range all {
		stats.TotalPatterns++
		stats.ByDecisionPoint[string(p.DecisionPoint)]++
		stats.TotalSuccesses += p.SuccessCount
		stats.TotalFailures += p.FailureCount
		confSum += p.Confidence
	}
	if stats.TotalPatterns > 0 {
		stats.AvgConfidence = confSum / float64(stats.TotalPatterns)
	}
	s.mu.Lock()
	stats.Pruned = s.pruned
	s.mu.Unlock()
	return stats, nil
}

// Export returns every live pattern, ordered by composite key so an
// export/import round trip compares cleanly.
func (s *Service) Export(ctx context.Context) ([]*Pattern, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, faults.Transient("pattern_store", err, "list patterns")
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CompositeKey < all[j].CompositeKey })
	return all, nil
}

// Import upserts a pattern set, validating each entry. Imported patterns get
// a full TTL.
func (s *Service) Import(ctx context.Context, ps []*Pattern) error {
	for _, p := range ps {
		if p.CompositeKey == "" {
			return faults.Validation("missing_composite_key", "imported pattern %s has no composite key", p.ID)
		}
		// Failure-only patterns never learned a payload; for those only the
		// kind tag needs to hold up.
		if !p.Decision.hasPayload() {
			if !validDecisionPoint(p.Decision.Kind) {
				return faults.Validation("malformed_import", "imported pattern %s: decision point %q is not recognised", p.CompositeKey, p.Decision.Kind)
			}
			continue
		}
		if err := p.Decision.Validate(); err != nil {
			return faults.Validation("malformed_import", "imported pattern %s: %v", p.CompositeKey, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range ps {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if err := s.storeLocked(ctx, p); err != nil {
			return err
		}
	}
	s.logger.Info("patterns imported", "count", len(ps))
	return nil
}

// ClearAll wipes the repository and cache. Operator use only.
func (s *Service) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.Clear(ctx); err != nil {
		return faults.Transient("pattern_store", err, "clear patterns")
	}
	s.cache = make(map[string]*Pattern)
	s.metrics.PatternsHeld.Set(0)
	s.logger.Warn("all patterns cleared")
	return nil
}

// loadLocked reads through the cache. Callers hold s.mu.
func (s *Service) loadLocked(ctx context.Context, key string) (*Pattern, error) {
	if p, ok := s.cache[key]; ok {
		return p, nil
	}
	p, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, faults.Transient("pattern_store", err, "load pattern %s", key)
	}
	if p != nil {
		s.cache[key] = p
		s.metrics.PatternsHeld.Set(float64(len(s.cache)))
	}
	return p, nil
}

// storeLocked writes through the cache with a fresh TTL. Callers hold s.mu.
func (s *Service) storeLocked(ctx context.Context, p *Pattern) error {
	if err := s.repo.Put(ctx, p, s.cfg.TTL()); err != nil {
		return faults.Transient("pattern_store", err, "store pattern %s", p.CompositeKey)
	}
	s.cache[p.CompositeKey] = p
	s.metrics.PatternsHeld.Set(float64(len(s.cache)))
	return nil
}

// markSeen records an outcome ID, reporting false when it was already known.
// The window is bounded FIFO; at-least-once delivery only redelivers
// recently unacknowledged messages.
func (s *Service) markSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[id]; dup {
		return false
	}
	s.seen[id] = struct{}{}
	s.seenQ = append(s.seenQ, id)
	if len(s.seenQ) > seenOutcomeCap {
		oldest := s.seenQ[0]
		s.seenQ = s.seenQ[1:]
		delete(s.seen, oldest)
	}
	return true
}
