package downstream

import (
	"context"
	"time"

	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/rpc"
)

// ChunkRecord is the knowledge store's wire form of one persisted chunk.
type ChunkRecord struct {
	ChunkID   string    `json:"chunkId"`
	StreamID  string    `json:"streamId"`
	Sequence  int64     `json:"sequence"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	Domain    string    `json:"domain"`
	AgentID   string    `json:"agentId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	IsFinal   bool      `json:"isFinal"`
	CompanyID string    `json:"companyId"`
	AppID     string    `json:"appId"`
	Timestamp time.Time `json:"timestamp"`
}

type storeChunksRequest struct {
	Chunks []ChunkRecord `json:"chunks"`
}

type storeChunksResponse struct {
	Stored int `json:"stored"`
}

// QueryRequest is the knowledge store /query contract.
type QueryRequest struct {
	Query  string `json:"query"`
	Domain string `json:"domain,omitempty"`
	TopK   int    `json:"topK,omitempty"`
}

// QueryHit is one retrieved chunk with its relevance score.
type QueryHit struct {
	ChunkID string  `json:"chunkId"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// QueryResponse carries retrieval results.
type QueryResponse struct {
	Hits []QueryHit `json:"hits"`
}

// GraphRAG fronts the knowledge store.
type GraphRAG struct {
	rpc *rpc.Client
}

func NewGraphRAG(client *rpc.Client) *GraphRAG {
	return &GraphRAG{rpc: client}
}

// StoreChunks persists a batch atomically: the store either commits every
// chunk or none, which is what lets the streaming pipeline treat a batch as
// one retryable unit.
func (g *GraphRAG) StoreChunks(ctx context.Context, chunks []ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	for _, c := range chunks {
		if c.StreamID == "" {
			return faults.Validation("missing_stream_id", "chunk %s has no stream id", c.ChunkID)
		}
		if c.CompanyID == "" || c.AppID == "" {
			return faults.Validation("missing_tenant", "chunk %s has no tenant", c.ChunkID)
		}
	}

	var resp storeChunksResponse
	return g.rpc.Do(ctx, rpc.Operation{Name: "store_chunks", Path: "/chunks"}, storeChunksRequest{Chunks: chunks}, &resp)
}

// Query retrieves relevant chunks.
func (g *GraphRAG) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	if req.Query == "" {
		return nil, faults.Validation("empty_query", "query must not be empty")
	}

	var resp QueryResponse
	if err := g.rpc.Do(ctx, rpc.Operation{Name: "query", Path: "/query"}, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health probes the knowledge store health endpoint.
func (g *GraphRAG) Health(ctx context.Context) error { return g.rpc.Health(ctx) }
