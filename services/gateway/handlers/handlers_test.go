// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// Tests for the gateway handlers.

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/dejavu-ai/dejavu/services/llm"
	"github.com/dejavu-ai/dejavu/services/pool"
	"github.com/dejavu-ai/dejavu/services/privacy/decoy"
	"github.com/dejavu-ai/dejavu/services/privacy/matcher"
	"github.com/dejavu-ai/dejavu/services/privacy/perturb"
	"github.com/dejavu-ai/dejavu/services/privacy/privacycfg"
	"github.com/dejavu-ai/dejavu/services/privacy/router"
	"github.com/dejavu-ai/dejavu/services/privacy/scanner"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// echoLLM returns a canned completion regardless of input.
type echoLLM struct {
	content string
	err     error
}

func (e *echoLLM) Complete(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &llm.Response{Content: e.content}, nil
}

// blockingLLM parks every call until the context is cancelled.
type blockingLLM struct{}

func (b *blockingLLM) Complete(ctx context.Context, _ *llm.Request) (*llm.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// scoreEmbedder maps each known text to a unit vector whose cosine against
// the query vector (1, 0) equals the configured score. Unknown texts get
// the query vector itself.
type scoreEmbedder struct {
	scores map[string]float64
}

func (s *scoreEmbedder) vector(text string) []float32 {
	if score, ok := s.scores[text]; ok {
		return []float32{float32(score), float32(math.Sqrt(1 - score*score))}
	}
	return []float32{1, 0}
}

func (s *scoreEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return s.vector(text), nil
}

func (s *scoreEmbedder) BatchEmbed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		out = append(out, s.vector(t))
	}
	return out, nil
}

func defaultCfg() privacycfg.Source {
	return privacycfg.Static(privacycfg.Default())
}

func postJSON(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// ClassifyInsight Tests
// =============================================================================

func classifyEngine(client llm.Client) *gin.Engine {
	engine := gin.New()
	engine.POST("/v1/insights/classify", ClassifyInsight(router.New(client, defaultCfg())))
	return engine
}

func TestClassifyInsight_GreetingFastPath(t *testing.T) {
	engine := classifyEngine(&echoLLM{err: fmt.Errorf("should not be called")})

	w := postJSON(engine, "/v1/insights/classify", `{"query": "hello"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, router.CategoryGreeting, resp.Classification.Category)
	assert.False(t, resp.Classification.ShouldProtect)
	assert.Empty(t, resp.FeedbackPrompt)
}

func TestClassifyInsight_AmbiguousIncludesFeedbackPrompt(t *testing.T) {
	// A failing backend triggers the ambiguous fail-safe, which carries a
	// follow-up prompt for the user.
	engine := classifyEngine(&echoLLM{err: fmt.Errorf("backend down")})

	w := postJSON(engine, "/v1/insights/classify",
		`{"query": "tell me about the thing we discussed before"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, router.CategoryAmbiguous, resp.Classification.Category)
	assert.NotEmpty(t, resp.FeedbackPrompt)
}

func TestClassifyInsight_MissingQuery(t *testing.T) {
	engine := classifyEngine(&echoLLM{content: "{}"})

	w := postJSON(engine, "/v1/insights/classify", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClassifyInsight_MalformedBody(t *testing.T) {
	engine := classifyEngine(&echoLLM{content: "{}"})

	w := postJSON(engine, "/v1/insights/classify", `{"query":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// RetrieveMatches / BestMatch Tests
// =============================================================================

func seededStore(t *testing.T) *pool.MemoryStore {
	t.Helper()
	store := pool.NewMemoryStore()
	for i, q := range []string{"close match", "middling match", "far match"} {
		rec := pool.NewDecoyRecord(q, "stored answer", fmt.Sprintf("batch-%d", i), nil)
		require.NoError(t, store.Insert(context.Background(), rec))
	}
	return store
}

func matchEngine(store pool.Store) *gin.Engine {
	embedder := &scoreEmbedder{scores: map[string]float64{
		"close match":    0.95,
		"middling match": 0.80,
		"far match":      0.40,
	}}
	m := matcher.New(embedder, nil, defaultCfg())
	engine := gin.New()
	engine.POST("/v1/insights/retrieve", RetrieveMatches(m, store))
	engine.POST("/v1/insights/best-match", BestMatch(m, store))
	return engine
}

func TestRetrieveMatches_StratifiesPool(t *testing.T) {
	engine := matchEngine(seededStore(t))

	w := postJSON(engine, "/v1/insights/retrieve", `{"query": "what is my plan"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Matches []MatchView `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, "close match", resp.Matches[0].Query)
	assert.Equal(t, "high", resp.Matches[0].Tier)
	assert.Equal(t, "middling match", resp.Matches[1].Query)
	assert.Equal(t, "mid", resp.Matches[1].Tier)
}

func TestRetrieveMatches_EmptyPoolYieldsEmptyList(t *testing.T) {
	engine := matchEngine(pool.NewMemoryStore())

	w := postJSON(engine, "/v1/insights/retrieve", `{"query": "anything"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Matches []MatchView `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Matches)
}

// spanCapturingStore records the context its reads receive.
type spanCapturingStore struct {
	*pool.MemoryStore
	listCtx context.Context
}

func (s *spanCapturingStore) ListAll(ctx context.Context) ([]*pool.DecoyRecord, error) {
	s.listCtx = ctx
	return s.MemoryStore.ListAll(ctx)
}

func TestRetrieveMatches_PoolReadRunsUnderHandlerSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	store := &spanCapturingStore{MemoryStore: pool.NewMemoryStore()}
	engine := matchEngine(store)

	w := postJSON(engine, "/v1/insights/retrieve", `{"query": "anything"}`)
	require.Equal(t, http.StatusOK, w.Code)

	require.NotNil(t, store.listCtx)
	got := trace.SpanFromContext(store.listCtx).SpanContext()
	require.True(t, got.IsValid(), "pool read must see the handler span")

	var handlerSpan sdktrace.ReadOnlySpan
	for _, s := range recorder.Started() {
		if s.Name() == "RetrieveMatches" {
			handlerSpan = s
		}
	}
	require.NotNil(t, handlerSpan)
	assert.Equal(t, handlerSpan.SpanContext().SpanID(), got.SpanID())
}

func TestBestMatch_ReturnsTopCandidate(t *testing.T) {
	engine := matchEngine(seededStore(t))

	w := postJSON(engine, "/v1/insights/best-match", `{"query": "what is my plan"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Match MatchView `json:"match"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "close match", resp.Match.Query)
	assert.InDelta(t, 0.95, resp.Match.Score, 0.01)
}

func TestBestMatch_NothingAboveFloor(t *testing.T) {
	store := pool.NewMemoryStore()
	rec := pool.NewDecoyRecord("far match", "stored answer", "batch-0", nil)
	require.NoError(t, store.Insert(context.Background(), rec))
	engine := matchEngine(store)

	w := postJSON(engine, "/v1/insights/best-match", `{"query": "what is my plan"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Decoy Task Tests
// =============================================================================

func decoyEngine(client llm.Client) *gin.Engine {
	embedder := &scoreEmbedder{scores: map[string]float64{}}
	eng := decoy.NewEngine(client, embedder, pool.NewMemoryStore(), defaultCfg(),
		decoy.EngineOptions{})
	reg := decoy.NewRegistry(eng)
	engine := gin.New()
	engine.POST("/v1/decoys/tasks", StartDecoyTask(reg))
	engine.GET("/v1/decoys/tasks/:sessionId", GetDecoyTask(reg))
	engine.DELETE("/v1/decoys/tasks/:sessionId", StopDecoyTask(reg))
	return engine
}

func TestStartDecoyTask_Accepted(t *testing.T) {
	engine := decoyEngine(&blockingLLM{})

	w := postJSON(engine, "/v1/decoys/tasks",
		`{"session_id": "s1", "query": "secret plan", "response": "the details"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var status decoy.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "s1", status.SessionID)
	assert.NotEmpty(t, status.TaskID)

	// Cancel the background task so the test does not leak a goroutine.
	dw := httptest.NewRecorder()
	req, _ := http.NewRequest("DELETE", "/v1/decoys/tasks/s1", nil)
	engine.ServeHTTP(dw, req)
	assert.Equal(t, http.StatusOK, dw.Code)
}

func TestStartDecoyTask_MissingInput(t *testing.T) {
	engine := decoyEngine(&blockingLLM{})

	w := postJSON(engine, "/v1/decoys/tasks", `{"session_id": "s1", "query": "q"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartDecoyTask_InvalidSessionID(t *testing.T) {
	engine := decoyEngine(&blockingLLM{})

	w := postJSON(engine, "/v1/decoys/tasks",
		`{"session_id": "../escape", "query": "q", "response": "r"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetDecoyTask_UnknownSession(t *testing.T) {
	engine := decoyEngine(&blockingLLM{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/decoys/tasks/nope", nil)
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStopDecoyTask_StopsRunningTask(t *testing.T) {
	engine := decoyEngine(&blockingLLM{})

	w := postJSON(engine, "/v1/decoys/tasks",
		`{"session_id": "s2", "query": "secret plan", "response": "the details"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	dw := httptest.NewRecorder()
	req, _ := http.NewRequest("DELETE", "/v1/decoys/tasks/s2", nil)
	engine.ServeHTTP(dw, req)
	require.Equal(t, http.StatusOK, dw.Code)

	// The status endpoint should settle on a stopped task.
	deadline := time.Now().Add(5 * time.Second)
	for {
		gw := httptest.NewRecorder()
		greq, _ := http.NewRequest("GET", "/v1/decoys/tasks/s2", nil)
		engine.ServeHTTP(gw, greq)
		require.Equal(t, http.StatusOK, gw.Code)

		var status struct {
			State string `json:"state"`
		}
		require.NoError(t, json.Unmarshal(gw.Body.Bytes(), &status))
		if status.State == "stopped" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never stopped, last state %q", status.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopDecoyTask_UnknownSession(t *testing.T) {
	engine := decoyEngine(&blockingLLM{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("DELETE", "/v1/decoys/tasks/nope", nil)
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Perturb Tests
// =============================================================================

func perturbEngine(client llm.Client) *gin.Engine {
	p := perturb.New(client, defaultCfg())
	engine := gin.New()
	engine.POST("/v1/perturb/persona", PerturbPersona(p))
	engine.POST("/v1/perturb/reconcile", ReconcileResponse(p))
	engine.POST("/v1/perturb/pair", PerturbPair(p))
	return engine
}

func TestPerturbPersona_RewritesText(t *testing.T) {
	engine := perturbEngine(&echoLLM{content: "My colleague is asking about it"})

	w := postJSON(engine, "/v1/perturb/persona", `{"text": "I am asking about it"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "My colleague is asking about it", resp["text"])
}

func TestPerturbPersona_EmptyText(t *testing.T) {
	engine := perturbEngine(&echoLLM{content: "unused"})

	w := postJSON(engine, "/v1/perturb/persona", `{"text": ""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPerturbPersona_BackendFailure(t *testing.T) {
	engine := perturbEngine(&echoLLM{err: fmt.Errorf("backend down")})

	w := postJSON(engine, "/v1/perturb/persona", `{"text": "some text"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestReconcileResponse_RewritesAnswer(t *testing.T) {
	engine := perturbEngine(&echoLLM{content: "Adjusted answer"})

	w := postJSON(engine, "/v1/perturb/reconcile",
		`{"response": "Original answer", "query": "obfuscated question"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Adjusted answer", resp["response"])
}

func TestPerturbPair_ReturnsBothFields(t *testing.T) {
	engine := perturbEngine(&echoLLM{
		content: `{"query": "new q", "response": "new r"}`})

	w := postJSON(engine, "/v1/perturb/pair", `{"query": "q", "response": "r"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var pair perturb.Pair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))
	assert.Equal(t, "new q", pair.Query)
	assert.Equal(t, "new r", pair.Response)
}

// =============================================================================
// Scan Tests
// =============================================================================

func scanEngine(t *testing.T) *gin.Engine {
	t.Helper()
	s, err := scanner.New()
	require.NoError(t, err)
	engine := gin.New()
	engine.POST("/v1/insights/scan", ScanText(s))
	return engine
}

func TestScanText_FlagsIdentifier(t *testing.T) {
	engine := scanEngine(t)

	w := postJSON(engine, "/v1/insights/scan",
		`{"text": "email me at jane@example.com"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Category string            `json:"category"`
		Findings []json.RawMessage `json:"findings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "contact", resp.Category)
	assert.Len(t, resp.Findings, 1)
}

func TestScanText_CleanText(t *testing.T) {
	engine := scanEngine(t)

	w := postJSON(engine, "/v1/insights/scan", `{"text": "how do rainbows form"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Category string            `json:"category"`
		Findings []json.RawMessage `json:"findings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "none", resp.Category)
	assert.Empty(t, resp.Findings)
}

func TestScanText_MissingText(t *testing.T) {
	engine := scanEngine(t)

	w := postJSON(engine, "/v1/insights/scan", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Pool Tests
// =============================================================================

func poolEngine(store pool.Store) *gin.Engine {
	engine := gin.New()
	engine.GET("/v1/pool/response", GetPoolResponse(store))
	engine.GET("/v1/pool/decoys", ListDecoys(store))
	return engine
}

func TestGetPoolResponse_Hit(t *testing.T) {
	store := pool.NewMemoryStore()
	rec := pool.NewDecoyRecord("known query", "stored answer", "batch-1", nil)
	require.NoError(t, store.Insert(context.Background(), rec))
	engine := poolEngine(store)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/pool/response?query=known+query", nil)
	engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "stored answer", resp["response"])
}

func TestGetPoolResponse_Miss(t *testing.T) {
	engine := poolEngine(pool.NewMemoryStore())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/pool/response?query=unknown", nil)
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetPoolResponse_MissingParam(t *testing.T) {
	engine := poolEngine(pool.NewMemoryStore())

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/pool/response", nil)
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListDecoys_ReturnsAll(t *testing.T) {
	store := pool.NewMemoryStore()
	for i := 0; i < 3; i++ {
		rec := pool.NewDecoyRecord(fmt.Sprintf("q%d", i), "a", fmt.Sprintf("b%d", i), nil)
		require.NoError(t, store.Insert(context.Background(), rec))
	}
	engine := poolEngine(store)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/pool/decoys", nil)
	engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count  int               `json:"count"`
		Decoys []json.RawMessage `json:"decoys"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)
	assert.Len(t, resp.Decoys, 3)
}
