package patterns

import (
	"math"
	"time"
)

// Confidence tuning. Success multiplies stored confidence up gently, failure
// pulls it down hard; both stay inside [0.1, 1.0].
const (
	initialSuccessConfidence = 0.8
	initialFailureConfidence = 0.5
	successMultiplier        = 1.04
	failureMultiplier        = 0.88
	confidenceFloor          = 0.1
	confidenceCeil           = 1.0

	// Effective confidence blends stored confidence with the empirical
	// success rate, then decays with age.
	storedWeight      = 0.4
	successRateWeight = 0.6

	// Pruning: enough evidence and a majority of failures.
	pruneMinObservations = 5
	pruneFailureRate     = 0.5

	metadataListCap = 10
)

// Metadata accumulates what a pattern has been observed against. Extension
// and mime lists are FIFO-capped; the size range only widens.
type Metadata struct {
	FileExtensions []string `json:"fileExtensions,omitempty"`
	MimeTypes      []string `json:"mimeTypes,omitempty"`
	SizeRange      [2]int64 `json:"sizeRange"`
	ThreatLevels   []string `json:"threatLevels,omitempty"`
}

// observe folds one signature into the metadata.
func (m *Metadata) observe(sig Signature) {
	if ext := sig.ext(); ext != "noext" {
		m.FileExtensions = appendCapped(m.FileExtensions, ext)
	}
	if sig.MimeType != "" {
		m.MimeTypes = appendCapped(m.MimeTypes, sig.MimeType)
	}
	if sig.SizeBytes > 0 {
		if m.SizeRange[0] == 0 || sig.SizeBytes < m.SizeRange[0] {
			m.SizeRange[0] = sig.SizeBytes
		}
		if sig.SizeBytes > m.SizeRange[1] {
			m.SizeRange[1] = sig.SizeBytes
		}
	}
	if sig.ThreatLevel != "" {
		m.ThreatLevels = appendUnique(m.ThreatLevels, sig.ThreatLevel)
	}
}

// appendCapped keeps the most recent metadataListCap distinct values.
func appendCapped(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	list = append(list, v)
	if len(list) > metadataListCap {
		list = list[len(list)-metadataListCap:]
	}
	return list
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// Pattern is one learned decision, keyed by its composite signature key.
type Pattern struct {
	ID            string        `json:"id"`
	CompositeKey  string        `json:"compositeKey"`
	DecisionPoint DecisionPoint `json:"decisionPoint"`
	Decision      Decision      `json:"decision"`
	Confidence    float64       `json:"confidence"`
	SuccessCount  int           `json:"successCount"`
	FailureCount  int           `json:"failureCount"`
	LastUsed      time.Time     `json:"lastUsed"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	Metadata      Metadata      `json:"metadata"`
}

// recordSuccess reinforces the pattern and refreshes its decision: the most
// recent successful decision wins.
func (p *Pattern) recordSuccess(decision Decision, now time.Time) {
	p.Decision = decision
	p.Confidence = math.Min(confidenceCeil, p.Confidence*successMultiplier)
	p.SuccessCount++
	p.LastUsed = now
	p.UpdatedAt = now
}

// recordFailure weakens the pattern; the stored decision stays, failure only
// says it did not work this time.
func (p *Pattern) recordFailure(now time.Time) {
	p.Confidence = math.Max(confidenceFloor, p.Confidence*failureMultiplier)
	p.FailureCount++
	p.LastUsed = now
	p.UpdatedAt = now
}

// successRate is successes over total observations; a fresh pattern with no
// observations counts as fully successful so its stored confidence governs.
func (p *Pattern) successRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 1.0
	}
	return float64(p.SuccessCount) / float64(total)
}

// EffectiveConfidence blends stored confidence with the empirical success
// rate and decays the blend by pattern age:
//
//	(0.4·stored + 0.6·successRate) · decay^ageDays
func (p *Pattern) EffectiveConfidence(now time.Time, decayPerDay float64) float64 {
	blend := storedWeight*p.Confidence + successRateWeight*p.successRate()
	ageDays := now.Sub(p.LastUsed).Hours() / 24
	if ageDays <= 0 {
		return blend
	}
	return blend * math.Pow(decayPerDay, ageDays)
}

// shouldPrune reports whether the pattern has enough evidence of sustained
// failure to be deleted.
func (p *Pattern) shouldPrune() bool {
	total := p.SuccessCount + p.FailureCount
	if total < pruneMinObservations {
		return false
	}
	return float64(p.FailureCount)/float64(total) > pruneFailureRate
}

// clone returns a copy safe to hand outside the service's cache.
func (p *Pattern) clone() *Pattern {
	cp := *p
	cp.Metadata.FileExtensions = append([]string(nil), p.Metadata.FileExtensions...)
	cp.Metadata.MimeTypes = append([]string(nil), p.Metadata.MimeTypes...)
	cp.Metadata.ThreatLevels = append([]string(nil), p.Metadata.ThreatLevels...)
	return &cp
}
