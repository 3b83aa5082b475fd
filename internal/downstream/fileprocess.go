package downstream

import (
	"context"
	"encoding/base64"

	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/rpc"
)

// ProcessOptions selects what the file processor extracts.
type ProcessOptions struct {
	ExtractText     bool `json:"extractText"`
	ExtractMetadata bool `json:"extractMetadata"`
	OCR             bool `json:"ocr,omitempty"`
}

// ProcessRequest is the file processor /process contract.
type ProcessRequest struct {
	FileName      string         `json:"fileName"`
	ContentBase64 string         `json:"contentBase64"`
	MimeType      string         `json:"mimeType"`
	Options       ProcessOptions `json:"options"`
}

// ProcessResponse carries the extraction result.
type ProcessResponse struct {
	Success   bool                   `json:"success"`
	Text      string                 `json:"text,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	PageCount int                    `json:"pageCount,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// FileProcess fronts the document extraction service.
type FileProcess struct {
	rpc *rpc.Client
}

func NewFileProcess(client *rpc.Client) *FileProcess {
	return &FileProcess{rpc: client}
}

// Process validates and runs one extraction.
func (f *FileProcess) Process(ctx context.Context, req *ProcessRequest) (*ProcessResponse, error) {
	if req.FileName == "" {
		return nil, faults.Validation("missing_file_name", "fileName must not be empty")
	}
	if req.ContentBase64 == "" {
		return nil, faults.Validation("missing_content", "contentBase64 must not be empty")
	}
	if base64.StdEncoding.DecodedLen(len(req.ContentBase64)) > maxFileBytes {
		return nil, faults.Validation("file_too_large", "file %s exceeds the 100 MiB cap", req.FileName)
	}
	if req.MimeType == "" {
		return nil, faults.Validation("missing_mime_type", "mimeType must not be empty")
	}

	var resp ProcessResponse
	if err := f.rpc.Do(ctx, rpc.Operation{Name: "process", Path: "/process"}, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health probes the file processor health endpoint.
func (f *FileProcess) Health(ctx context.Context) error { return f.rpc.Health(ctx) }
