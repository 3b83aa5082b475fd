package workflow

import (
	"context"
	"encoding/json"

	"github.com/magehq/backend/internal/downstream"
	"github.com/magehq/backend/internal/faults"
)

// Dispatcher executes one resolved step call. The executor stays
// transport-free behind this seam; tests substitute fakes.
type Dispatcher interface {
	Dispatch(ctx context.Context, service, operation string, input map[string]interface{}) (map[string]interface{}, error)
}

// ServiceDispatcher routes (service, operation) onto the typed downstream
// adapters. Inputs arrive as the loose maps a plan carries and are decoded
// against each adapter's request contract, so adapter validation applies
// unchanged.
type ServiceDispatcher struct {
	set *downstream.Set
}

func NewServiceDispatcher(set *downstream.Set) *ServiceDispatcher {
	return &ServiceDispatcher{set: set}
}

func (d *ServiceDispatcher) Dispatch(ctx context.Context, service, operation string, input map[string]interface{}) (map[string]interface{}, error) {
	switch {
	case service == downstream.ServiceSandbox && operation == "execute":
		var req downstream.ExecuteRequest
		if err := decodeInput(input, &req); err != nil {
			return nil, err
		}
		if req.TimeoutMs == 0 {
			req.TimeoutMs = 60_000
		}
		return encodeResult(d.set.Sandbox.Execute(ctx, &req))

	case service == downstream.ServiceFileProcess && operation == "process":
		var req downstream.ProcessRequest
		if err := decodeInput(input, &req); err != nil {
			return nil, err
		}
		return encodeResult(d.set.FileProcess.Process(ctx, &req))

	case service == downstream.ServiceCyberAgent && operation == "scan":
		var req downstream.ScanRequest
		if err := decodeInput(input, &req); err != nil {
			return nil, err
		}
		if req.ScanType == "" {
			req.ScanType = "quick"
		}
		return encodeResult(d.set.CyberAgent.Scan(ctx, &req))

	case service == downstream.ServiceMageAgent && operation == "complete":
		var req downstream.CompletionRequest
		if err := decodeInput(input, &req); err != nil {
			return nil, err
		}
		return encodeResult(d.set.MageAgent.Complete(ctx, &req))

	case service == downstream.ServiceGraphRAG && operation == "query":
		var req downstream.QueryRequest
		if err := decodeInput(input, &req); err != nil {
			return nil, err
		}
		return encodeResult(d.set.GraphRAG.Query(ctx, &req))

	case service == downstream.ServiceGraphRAG && operation == "store_chunks":
		var req struct {
			Chunks []downstream.ChunkRecord `json:"chunks"`
		}
		if err := decodeInput(input, &req); err != nil {
			return nil, err
		}
		if err := d.set.GraphRAG.StoreChunks(ctx, req.Chunks); err != nil {
			return nil, err
		}
		return map[string]interface{}{"stored": len(req.Chunks)}, nil

	default:
		return nil, faults.Validation("unknown_operation", "no adapter for %s.%s", service, operation)
	}
}

// decodeInput maps the loose plan input onto a typed request.
func decodeInput(input map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return faults.Validation("bad_input", "encode step input: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return faults.Validation("bad_input", "step input does not match the operation contract: %v", err)
	}
	return nil
}

// encodeResult flattens a typed response into the map dependent steps
// reference fields from.
func encodeResult(resp interface{}, err error) (map[string]interface{}, error) {
	if err != nil {
		return nil, err
	}
	raw, mErr := json.Marshal(resp)
	if mErr != nil {
		return nil, faults.DataIntegrity("bad_result", mErr, "encode step result")
	}
	var out map[string]interface{}
	if uErr := json.Unmarshal(raw, &out); uErr != nil {
		return nil, faults.DataIntegrity("bad_result", uErr, "decode step result")
	}
	return out, nil
}
