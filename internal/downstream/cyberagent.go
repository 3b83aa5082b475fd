package downstream

import (
	"context"
	"encoding/base64"

	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/rpc"
)

// Scan types the cyber scanner understands.
var scanTypes = map[string]bool{
	"quick":  true,
	"full":   true,
	"static": true,
}

// ScanRequest is the cyber scanner /scan contract. Target names the artifact
// (a filename or URL); ArtifactBase64 optionally inlines its content.
type ScanRequest struct {
	Target         string `json:"target"`
	ArtifactBase64 string `json:"artifactBase64,omitempty"`
	ScanType       string `json:"scanType"`
}

// Finding is one issue the scanner reports.
type Finding struct {
	RuleID   string `json:"ruleId"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// ScanResponse carries the assessment.
type ScanResponse struct {
	Classification string    `json:"classification"` // e.g. "clean", "suspicious", "malicious"
	ThreatLevel    string    `json:"threatLevel"`    // e.g. "none", "low", "medium", "high", "critical"
	Findings       []Finding `json:"findings,omitempty"`
}

// CyberAgent fronts the malware / threat scanning service.
type CyberAgent struct {
	rpc *rpc.Client
}

func NewCyberAgent(client *rpc.Client) *CyberAgent {
	return &CyberAgent{rpc: client}
}

// Scan validates and runs one assessment.
func (c *CyberAgent) Scan(ctx context.Context, req *ScanRequest) (*ScanResponse, error) {
	if req.Target == "" {
		return nil, faults.Validation("missing_target", "target must not be empty")
	}
	if !scanTypes[req.ScanType] {
		return nil, faults.Validation("unknown_scan_type", "scanType %q is not supported", req.ScanType)
	}
	if req.ArtifactBase64 != "" && base64.StdEncoding.DecodedLen(len(req.ArtifactBase64)) > maxFileBytes {
		return nil, faults.Validation("file_too_large", "artifact for %s exceeds the 100 MiB cap", req.Target)
	}

	var resp ScanResponse
	if err := c.rpc.Do(ctx, rpc.Operation{Name: "scan", Path: "/scan"}, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health probes the scanner health endpoint.
func (c *CyberAgent) Health(ctx context.Context) error { return c.rpc.Health(ctx) }
