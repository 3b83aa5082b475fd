package patterns

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magehq/backend/internal/config"
	"github.com/magehq/backend/internal/metrics"
)

func testPatternsConfig() config.PatternsConfig {
	return config.PatternsConfig{
		Backend:       "memory",
		TTLDays:       30,
		MinConfidence: 0.7,
		DecayPerDay:   0.99,
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewMemoryRepository(), testPatternsConfig(), metrics.New(), nil, slog.Default())
}

func routeSig() Signature {
	return Signature{
		DecisionPoint: PointRoute,
		FileName:      "doc.pdf",
		MimeType:      "application/pdf",
		SizeBytes:     64 << 10,
	}
}

func routeDecision() Decision {
	return Decision{Kind: PointRoute, Route: &RouteDecision{Processor: "pdf-extractor"}}
}

func TestLookupMissThenHit(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	sig := routeSig()

	m, err := svc.Lookup(ctx, sig)
	require.NoError(t, err)
	assert.False(t, m.Found)

	require.NoError(t, svc.RecordSuccess(ctx, sig, routeDecision()))

	m, err = svc.Lookup(ctx, sig)
	require.NoError(t, err)
	require.True(t, m.Found)
	assert.Equal(t, "pdf-extractor", m.Pattern.Decision.Route.Processor)
	// Fresh success: 0.4*0.8 + 0.6*1.0 = 0.92, no decay yet.
	assert.InDelta(t, 0.92, m.Confidence, 0.001)
}

func TestLookupBelowThreshold(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	sig := routeSig()

	// One success then two failures: confidence and success rate both drop
	// under the 0.7 admission line.
	require.NoError(t, svc.RecordSuccess(ctx, sig, routeDecision()))
	require.NoError(t, svc.RecordFailure(ctx, sig))
	require.NoError(t, svc.RecordFailure(ctx, sig))

	m, err := svc.Lookup(ctx, sig)
	require.NoError(t, err)
	assert.False(t, m.Found)
	assert.Greater(t, m.Confidence, 0.0)
	assert.Less(t, m.Confidence, 0.7)
}

func TestConfidenceStaysInBounds(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	sig := routeSig()

	require.NoError(t, svc.RecordSuccess(ctx, sig, routeDecision()))
	for i := 0; i < 50; i++ {
		require.NoError(t, svc.RecordSuccess(ctx, sig, routeDecision()))
	}
	p, err := svc.repo.Get(ctx, sig.Key())
	require.NoError(t, err)
	assert.LessOrEqual(t, p.Confidence, 1.0)

	// Alternate successes in so the pattern never reaches prune territory.
	for i := 0; i < 30; i++ {
		require.NoError(t, svc.RecordFailure(ctx, sig))
		require.NoError(t, svc.RecordSuccess(ctx, sig, routeDecision()))
		require.NoError(t, svc.RecordSuccess(ctx, sig, routeDecision()))
	}
	p, err = svc.repo.Get(ctx, sig.Key())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.GreaterOrEqual(t, p.Confidence, 0.1)
	assert.LessOrEqual(t, p.Confidence, 1.0)
}

func TestEffectiveConfidenceDecaysWithAge(t *testing.T) {
	now := time.Now()
	p := &Pattern{Confidence: 0.9, SuccessCount: 9, FailureCount: 1, LastUsed: now}

	fresh := p.EffectiveConfidence(now, 0.99)
	aged10 := p.EffectiveConfidence(now.Add(10*24*time.Hour), 0.99)
	aged30 := p.EffectiveConfidence(now.Add(30*24*time.Hour), 0.99)

	assert.Greater(t, fresh, aged10)
	assert.Greater(t, aged10, aged30)
	assert.InDelta(t, fresh*math.Pow(0.99, 10), aged10, 0.0001)
}

func TestPruningAtMajorityFailure(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	sig := routeSig()

	// 3 successes, 3 failures: rate exactly 0.5, not pruned.
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.RecordSuccess(ctx, sig, routeDecision()))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.RecordFailure(ctx, sig))
	}
	p, err := svc.repo.Get(ctx, sig.Key())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 3, p.SuccessCount)
	assert.Equal(t, 3, p.FailureCount)

	// One more failure tips the rate past 0.5 and the pattern is deleted.
	require.NoError(t, svc.RecordFailure(ctx, sig))
	p, err = svc.repo.Get(ctx, sig.Key())
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestLearnFromOutcomeIsIdempotentPerOutcomeID(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	o := &DecisionOutcome{
		OutcomeID: "evt-1",
		Signature: routeSig(),
		Decision:  routeDecision(),
		Success:   true,
	}
	require.NoError(t, svc.LearnFromOutcome(ctx, o))
	require.NoError(t, svc.LearnFromOutcome(ctx, o)) // redelivery

	p, err := svc.repo.Get(ctx, o.Signature.Key())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.SuccessCount)
}

func TestRecordSuccessRejectsMismatchedDecision(t *testing.T) {
	svc := newTestService(t)
	sig := Signature{DecisionPoint: PointTriage}
	err := svc.RecordSuccess(context.Background(), sig, routeDecision())
	require.Error(t, err)
}

func TestFindSimilarRanksByConfidence(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	strong := Signature{DecisionPoint: PointRoute, FileName: "a.pdf", MimeType: "application/pdf", SizeBytes: 100}
	weak := Signature{DecisionPoint: PointRoute, FileName: "b.pdf", MimeType: "application/pdf", SizeBytes: 5 << 20}
	other := Signature{DecisionPoint: PointTriage, FileName: "c.pdf", MimeType: "application/pdf", SizeBytes: 100}

	for i := 0; i < 4; i++ {
		require.NoError(t, svc.RecordSuccess(ctx, strong, routeDecision()))
	}
	require.NoError(t, svc.RecordSuccess(ctx, weak, routeDecision()))
	require.NoError(t, svc.RecordFailure(ctx, weak))
	require.NoError(t, svc.RecordSuccess(ctx, other, Decision{Kind: PointTriage, Triage: &TriageDecision{Action: "process"}}))

	got, err := svc.FindSimilar(ctx, Signature{DecisionPoint: PointRoute, FileName: "new.pdf"}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2) // the triage pattern is filtered out
	assert.Equal(t, strong.Key(), got[0].CompositeKey)
	assert.Equal(t, weak.Key(), got[1].CompositeKey)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestService(t)

	sigs := []Signature{
		{DecisionPoint: PointRoute, FileName: "a.pdf", MimeType: "application/pdf"},
		{DecisionPoint: PointTriage, FileName: "b.zip", MimeType: "application/zip"},
	}
	require.NoError(t, src.RecordSuccess(ctx, sigs[0], routeDecision()))
	require.NoError(t, src.RecordSuccess(ctx, sigs[1], Decision{Kind: PointTriage, Triage: &TriageDecision{Action: "quarantine"}}))

	// A signature that only ever failed still has to survive the round trip
	// even though its decision carries no payload yet.
	failed := Signature{DecisionPoint: PointSecurity, FileName: "c.exe", MimeType: "application/octet-stream"}
	require.NoError(t, src.RecordFailure(ctx, failed))

	exported, err := src.Export(ctx)
	require.NoError(t, err)
	require.Len(t, exported, 3)

	dst := newTestService(t)
	require.NoError(t, dst.Import(ctx, exported))

	reexported, err := dst.Export(ctx)
	require.NoError(t, err)
	require.Len(t, reexported, 3)
	for i := range exported {
		assert.Equal(t, exported[i].CompositeKey, reexported[i].CompositeKey)
		assert.Equal(t, exported[i].Confidence, reexported[i].Confidence)
		assert.Equal(t, exported[i].SuccessCount, reexported[i].SuccessCount)
		assert.Equal(t, exported[i].FailureCount, reexported[i].FailureCount)
	}
}

func TestMetadataCapsAndRange(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	// All signatures share a composite key (same bucket) but vary in exact
	// size, so one pattern accumulates the range.
	base := Signature{DecisionPoint: PointRoute, FileName: "x.pdf", MimeType: "application/pdf"}
	small := base
	small.SizeBytes = 20 << 10
	big := base
	big.SizeBytes = 800 << 10

	require.NoError(t, svc.RecordSuccess(ctx, small, routeDecision()))
	require.NoError(t, svc.RecordSuccess(ctx, big, routeDecision()))

	p, err := svc.repo.Get(ctx, small.Key())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(20<<10), p.Metadata.SizeRange[0])
	assert.Equal(t, int64(800<<10), p.Metadata.SizeRange[1])
	assert.LessOrEqual(t, len(p.Metadata.FileExtensions), metadataListCap)
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	require.NoError(t, svc.RecordSuccess(ctx, routeSig(), routeDecision()))
	require.NoError(t, svc.RecordFailure(ctx, Signature{DecisionPoint: PointTriage, FileName: "b.exe"}))

	stats, err := svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalPatterns)
	assert.Equal(t, 1, stats.ByDecisionPoint["processing_route"])
	assert.Equal(t, 1, stats.ByDecisionPoint["triage"])
	assert.Equal(t, 1, stats.TotalSuccesses)
	assert.Equal(t, 1, stats.TotalFailures)
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	require.NoError(t, svc.RecordSuccess(ctx, routeSig(), routeDecision()))
	require.NoError(t, svc.ClearAll(ctx))

	got, err := svc.Export(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}
