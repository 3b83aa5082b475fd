package streaming

import (
	"context"
	"time"
)

// Chunk is one unit of streamed content on its way to the knowledge store.
// Sequence numbers are per-stream, start at 0 and never repeat.
type Chunk struct {
	ChunkID   string    `json:"chunkId"`
	StreamID  string    `json:"streamId"`
	Sequence  int64     `json:"sequence"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	Domain    string    `json:"domain"`
	AgentID   string    `json:"agentId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	IsFinal   bool      `json:"isFinal"`
	CompanyID string    `json:"companyId,omitempty"`
	AppID     string    `json:"appId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Persister is the durable sink a pipeline feeds. A batch either commits
// entirely or fails entirely; partial writes would break the
// persisted-exactly-once accounting.
type Persister interface {
	PersistBatch(ctx context.Context, chunks []Chunk) error
}

// estimateTokens approximates the token count of a chunk at roughly four
// bytes per token, the usual ratio for mixed prose and code.
func estimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + 3) / 4
}
