package downstream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magehq/backend/internal/circuitbreaker"
	"github.com/magehq/backend/internal/config"
	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/metrics"
	"github.com/magehq/backend/internal/rpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAdapterClient(t *testing.T, name, url string) (*rpc.Client, *circuitbreaker.Breaker, *metrics.Metrics) {
	t.Helper()
	cb := circuitbreaker.New(circuitbreaker.DefaultConfig(name))
	m := metrics.New()
	cfg := config.DownstreamConfig{
		BaseURL:    url,
		TimeoutMs:  2000,
		MaxConns:   4,
		MaxRetries: 0,
	}
	c := rpc.NewClient(name, cfg, cb, m, testLogger(), rpc.WithBackoffBase(time.Millisecond))
	return c, cb, m
}

func countingServer(t *testing.T, hits *atomic.Int32, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func validExecute() *ExecuteRequest {
	return &ExecuteRequest{
		Code:      "print(1)",
		Language:  "python",
		TimeoutMs: 30_000,
	}
}

// ============================================================================
// SANDBOX
// ============================================================================

func TestSandboxValidationNeverTouchesWireOrBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true}`))
	})

	client, cb, _ := newAdapterClient(t, "sandbox", srv.URL)
	sb := NewSandbox(client, metrics.New())

	req := validExecute()
	req.ResourceLimits.Memory = "4096Mi"
	_, err := sb.Execute(context.Background(), req)

	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	assert.Equal(t, "memory_limit_exceeded", faults.CodeOf(err))
	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
	assert.Zero(t, cb.Snapshot().Counts.Requests)
}

func TestSandboxValidationGrid(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ExecuteRequest)
		code   string
	}{
		{"empty code", func(r *ExecuteRequest) { r.Code = "" }, "empty_code"},
		{"unsupported language", func(r *ExecuteRequest) { r.Language = "cobol" }, "unsupported_language"},
		{"zero timeout", func(r *ExecuteRequest) { r.TimeoutMs = 0 }, "timeout_out_of_range"},
		{"timeout over cap", func(r *ExecuteRequest) { r.TimeoutMs = 300_001 }, "timeout_out_of_range"},
		{"malformed memory unit", func(r *ExecuteRequest) { r.ResourceLimits.Memory = "512MB" }, "bad_memory_limit"},
		{"memory over cap in Gi", func(r *ExecuteRequest) { r.ResourceLimits.Memory = "3Gi" }, "memory_limit_exceeded"},
		{"too many files", func(r *ExecuteRequest) {
			r.Files = make([]SandboxFile, maxSandboxFiles+1)
			for i := range r.Files {
				r.Files[i] = SandboxFile{Name: "f", ContentBase64: "aGk="}
			}
		}, "too_many_files"},
		{"unnamed file", func(r *ExecuteRequest) {
			r.Files = []SandboxFile{{ContentBase64: "aGk="}}
		}, "unnamed_file"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validExecute()
			tc.mutate(req)
			err := validateExecute(req)
			require.Error(t, err)
			assert.Equal(t, faults.KindValidation, faults.KindOf(err))
			assert.Equal(t, tc.code, faults.CodeOf(err))
		})
	}
}

func TestSandboxExecuteSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		var in ExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "python", in.Language)
		assert.Equal(t, 30_000, in.TimeoutMs)
		exit := 0
		json.NewEncoder(w).Encode(ExecuteResponse{
			Success:         true,
			Stdout:          "1\n",
			ExitCode:        &exit,
			ExecutionTimeMs: 42,
		})
	})

	client, _, _ := newAdapterClient(t, "sandbox", srv.URL)
	m := metrics.New()
	sb := NewSandbox(client, m)

	resp, err := sb.Execute(context.Background(), validExecute())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "1\n", resp.Stdout)
	require.NotNil(t, resp.ExitCode)
	assert.Equal(t, 0, *resp.ExitCode)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SandboxExecutions.WithLabelValues("python", "success")))
}

func TestSandboxExecuteReportsExecutionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exit := 1
		json.NewEncoder(w).Encode(ExecuteResponse{
			Success:  false,
			Stderr:   "NameError: name 'x' is not defined",
			ExitCode: &exit,
		})
	}))
	defer srv.Close()

	client, cb, _ := newAdapterClient(t, "sandbox", srv.URL)
	m := metrics.New()
	sb := NewSandbox(client, m)

	// The sandbox ran the code; a non-zero exit is a result, not a fault.
	resp, err := sb.Execute(context.Background(), validExecute())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SandboxExecutions.WithLabelValues("python", "execution_error")))
}

func TestParseMemoryMiB(t *testing.T) {
	mib, err := parseMemoryMiB("512Mi")
	require.NoError(t, err)
	assert.Equal(t, 512, mib)

	mib, err = parseMemoryMiB("2Gi")
	require.NoError(t, err)
	assert.Equal(t, 2048, mib)

	_, err = parseMemoryMiB("512")
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	_, err = parseMemoryMiB("1.5Gi")
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

// ============================================================================
// FILE PROCESSING
// ============================================================================

func TestFileProcessValidation(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true}`))
	})
	client, _, _ := newAdapterClient(t, "fileprocess", srv.URL)
	fp := NewFileProcess(client)

	cases := []struct {
		name string
		req  *ProcessRequest
		code string
	}{
		{"missing name", &ProcessRequest{ContentBase64: "aGk=", MimeType: "text/plain"}, "missing_file_name"},
		{"missing content", &ProcessRequest{FileName: "a.txt", MimeType: "text/plain"}, "missing_content"},
		{"missing mime", &ProcessRequest{FileName: "a.txt", ContentBase64: "aGk="}, "missing_mime_type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fp.Process(context.Background(), tc.req)
			require.Error(t, err)
			assert.Equal(t, faults.KindValidation, faults.KindOf(err))
			assert.Equal(t, tc.code, faults.CodeOf(err))
		})
	}
	assert.Equal(t, int32(0), hits.Load())
}

func TestFileProcessSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/process", r.URL.Path)
		json.NewEncoder(w).Encode(ProcessResponse{
			Success:   true,
			Text:      "hello",
			PageCount: 1,
		})
	}))
	defer srv.Close()

	client, _, _ := newAdapterClient(t, "fileprocess", srv.URL)
	fp := NewFileProcess(client)

	resp, err := fp.Process(context.Background(), &ProcessRequest{
		FileName:      "a.txt",
		ContentBase64: "aGVsbG8=",
		MimeType:      "text/plain",
		Options:       ProcessOptions{ExtractText: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, 1, resp.PageCount)
}

// ============================================================================
// SECURITY SCANNING
// ============================================================================

func TestCyberAgentScanValidation(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	client, _, _ := newAdapterClient(t, "cyberagent", srv.URL)
	ca := NewCyberAgent(client)

	_, err := ca.Scan(context.Background(), &ScanRequest{ScanType: "quick"})
	assert.Equal(t, "missing_target", faults.CodeOf(err))

	_, err = ca.Scan(context.Background(), &ScanRequest{Target: "upload.bin", ScanType: "deep"})
	assert.Equal(t, "unknown_scan_type", faults.CodeOf(err))

	assert.Equal(t, int32(0), hits.Load())
}

func TestCyberAgentScanSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scan", r.URL.Path)
		json.NewEncoder(w).Encode(ScanResponse{
			Classification: "document",
			ThreatLevel:    "low",
			Findings:       []Finding{{RuleID: "PDF-001", Severity: "info", Detail: "embedded javascript"}},
		})
	}))
	defer srv.Close()

	client, _, _ := newAdapterClient(t, "cyberagent", srv.URL)
	ca := NewCyberAgent(client)

	resp, err := ca.Scan(context.Background(), &ScanRequest{Target: "upload.bin", ScanType: "quick"})
	require.NoError(t, err)
	assert.Equal(t, "document", resp.Classification)
	assert.Equal(t, "low", resp.ThreatLevel)
	require.Len(t, resp.Findings, 1)
}

// ============================================================================
// LLM COMPLETION
// ============================================================================

func TestMageAgentCompleteValidation(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	client, _, _ := newAdapterClient(t, "mageagent", srv.URL)
	ma := NewMageAgent(client)

	_, err := ma.Complete(context.Background(), &CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	assert.Equal(t, "missing_model", faults.CodeOf(err))

	_, err = ma.Complete(context.Background(), &CompletionRequest{Model: "mage-1"})
	assert.Equal(t, "missing_messages", faults.CodeOf(err))

	hot := 3.0
	_, err = ma.Complete(context.Background(), &CompletionRequest{
		Model:       "mage-1",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		Temperature: &hot,
	})
	assert.Equal(t, "bad_temperature", faults.CodeOf(err))

	assert.Equal(t, int32(0), hits.Load())
}

func TestMageAgentCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/complete", r.URL.Path)
		var in CompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "json", in.ResponseFormat)
		json.NewEncoder(w).Encode(CompletionResponse{
			Content: `{"steps":[]}`,
			Model:   "mage-1",
			Usage:   Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	}))
	defer srv.Close()

	client, _, _ := newAdapterClient(t, "mageagent", srv.URL)
	ma := NewMageAgent(client)

	resp, err := ma.Complete(context.Background(), &CompletionRequest{
		Model:          "mage-1",
		Messages:       []Message{{Role: "user", Content: "plan this"}},
		ResponseFormat: "json",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"steps":[]}`, resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestMageAgentEmptyCompletionIsDataIntegrity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(CompletionResponse{Model: "mage-1"})
	}))
	defer srv.Close()

	client, cb, _ := newAdapterClient(t, "mageagent", srv.URL)
	ma := NewMageAgent(client)

	_, err := ma.Complete(context.Background(), &CompletionRequest{
		Model:    "mage-1",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, faults.KindDataIntegrity, faults.KindOf(err))
	// The downstream answered; its breaker must not be punished.
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
}

// ============================================================================
// KNOWLEDGE STORE
// ============================================================================

func TestGraphRAGStoreChunks(t *testing.T) {
	var hits atomic.Int32
	var got storeChunksRequest
	srv := countingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chunks", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(storeChunksResponse{Stored: len(got.Chunks)})
	})

	client, _, _ := newAdapterClient(t, "graphrag", srv.URL)
	gr := NewGraphRAG(client)

	// Empty batch is a no-op.
	require.NoError(t, gr.StoreChunks(context.Background(), nil))
	assert.Equal(t, int32(0), hits.Load())

	// Tenantless chunks never leave the process.
	err := gr.StoreChunks(context.Background(), []ChunkRecord{
		{ChunkID: "c1", StreamID: "s1", Content: "x"},
	})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	assert.Equal(t, int32(0), hits.Load())

	chunks := []ChunkRecord{
		{ChunkID: "c1", StreamID: "s1", Sequence: 0, Content: "hello", Tokens: 2, Domain: "chat", CompanyID: "acme", AppID: "app1", Timestamp: time.Now().UTC()},
		{ChunkID: "c2", StreamID: "s1", Sequence: 1, Content: "world", Tokens: 2, Domain: "chat", CompanyID: "acme", AppID: "app1", IsFinal: true, Timestamp: time.Now().UTC()},
	}
	require.NoError(t, gr.StoreChunks(context.Background(), chunks))
	assert.Equal(t, int32(1), hits.Load())
	require.Len(t, got.Chunks, 2)
	assert.Equal(t, int64(1), got.Chunks[1].Sequence)
	assert.True(t, got.Chunks[1].IsFinal)
}

func TestGraphRAGQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		json.NewEncoder(w).Encode(QueryResponse{
			Hits: []QueryHit{{ChunkID: "c1", Content: "hello", Score: 0.92}},
		})
	}))
	defer srv.Close()

	client, _, _ := newAdapterClient(t, "graphrag", srv.URL)
	gr := NewGraphRAG(client)

	_, err := gr.Query(context.Background(), &QueryRequest{})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	resp, err := gr.Query(context.Background(), &QueryRequest{Query: "greeting", TopK: 3})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.InDelta(t, 0.92, resp.Hits[0].Score, 1e-9)
}

// ============================================================================
// SET WIRING
// ============================================================================

func TestSetHealthProbesEveryDownstream(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer healthy.Close()
	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "draining", http.StatusServiceUnavailable)
	}))
	defer sick.Close()

	cfg := config.Default()
	cfg.Downstreams = map[string]config.DownstreamConfig{}
	for _, name := range config.DownstreamNames() {
		cfg.Downstreams[name] = config.DownstreamConfig{BaseURL: healthy.URL}
	}
	cfg.Downstreams[ServiceGraphRAG] = config.DownstreamConfig{BaseURL: sick.URL}

	set := NewSet(cfg, circuitbreaker.NewManager(circuitbreaker.DefaultConfig("downstream")), metrics.New(), testLogger())

	results := set.Health(context.Background())
	require.Len(t, results, 5)
	assert.NoError(t, results[ServiceSandbox])
	assert.NoError(t, results[ServiceFileProcess])
	assert.NoError(t, results[ServiceCyberAgent])
	assert.NoError(t, results[ServiceMageAgent])
	assert.Error(t, results[ServiceGraphRAG])
}

func TestSetSharesBreakerPerDownstream(t *testing.T) {
	cfg := config.Default()
	mgr := circuitbreaker.NewManager(circuitbreaker.DefaultConfig("downstream"))
	NewSet(cfg, mgr, metrics.New(), testLogger())

	snaps := mgr.Snapshots()
	names := make(map[string]bool, len(snaps))
	for _, s := range snaps {
		names[s.Name] = true
	}
	for _, want := range config.DownstreamNames() {
		assert.True(t, names[want], "breaker for %s", want)
	}
}
