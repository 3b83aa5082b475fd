package patterns

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/magehq/backend/internal/eventstream"
	"github.com/magehq/backend/internal/faults"
)

// Publisher appends outcome documents to the durable stream the consumer
// reads. Processing services and the workflow router publish through it.
type Publisher struct {
	stream eventstream.Stream
}

func NewPublisher(stream eventstream.Stream) *Publisher {
	return &Publisher{stream: stream}
}

// Publish validates, serialises and appends one outcome. A missing
// OutcomeID or timestamp is filled here so every published document is
// replay-dedupable.
func (p *Publisher) Publish(ctx context.Context, o *DecisionOutcome) (string, error) {
	if o.OutcomeID == "" {
		o.OutcomeID = uuid.NewString()
	}
	if o.ObservedAt.IsZero() {
		o.ObservedAt = time.Now().UTC()
	}
	if o.Signature.DecisionPoint == "" {
		o.Signature.DecisionPoint = o.Decision.Kind
	}
	if err := o.Decision.Validate(); err != nil {
		return "", err
	}

	raw, err := json.Marshal(o)
	if err != nil {
		return "", faults.Validation("encode_outcome", "encode outcome %s: %v", o.OutcomeID, err)
	}
	id, err := p.stream.Add(ctx, map[string]interface{}{outcomeField: string(raw)})
	if err != nil {
		return "", faults.Transient("outcome_stream", err, "append outcome %s", o.OutcomeID)
	}
	return id, nil
}
