package ingress

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelai/ensemble/internal/gatewaycore"
	"github.com/kestrelai/ensemble/internal/obslog"
)

type fakeRunner struct {
	answer      gatewaycore.FinalAnswer
	events      []gatewaycore.StreamEvent
	err         error
	lastRequest gatewaycore.Request
}

func (f *fakeRunner) Run(ctx context.Context, req gatewaycore.Request) (gatewaycore.FinalAnswer, error) {
	f.lastRequest = req
	if f.err != nil {
		return gatewaycore.FinalAnswer{}, f.err
	}
	return f.answer, nil
}

func (f *fakeRunner) RunStream(ctx context.Context, req gatewaycore.Request) ([]gatewaycore.StreamEvent, error) {
	f.lastRequest = req
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func testLogger() gatewaycore.Logger {
	return obslog.New("ensemble-test")
}

func TestHandleChatCompletions_NonStreaming(t *testing.T) {
	runner := &fakeRunner{answer: gatewaycore.FinalAnswer{Text: "hello", ThreadsCompleted: 3}}
	s := NewServer(runner, testLogger(), ModelRoles{Main: "ensemble-v1"})

	body := strings.NewReader(`{"model":"ensemble-v1","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	s.Handler(5 * time.Second).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp chatCompletionResponseDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
	assert.Equal(t, 3, resp.UsageMeta.ThreadsCompleted)
}

func TestHandleChatCompletions_RejectsEmptyMessages(t *testing.T) {
	runner := &fakeRunner{}
	s := NewServer(runner, testLogger(), ModelRoles{Main: "ensemble-v1"})

	body := strings.NewReader(`{"messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	s.Handler(5 * time.Second).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChatCompletions_RejectsOutOfRangeThreads(t *testing.T) {
	runner := &fakeRunner{}
	s := NewServer(runner, testLogger(), ModelRoles{Main: "ensemble-v1"})

	body := strings.NewReader(`{"messages":[{"role":"user","content":"hi"}],"x_threads":20}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	s.Handler(5 * time.Second).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChatCompletions_AllThreadsFailedMapsTo502(t *testing.T) {
	runner := &fakeRunner{err: gatewaycore.NewGatewayError("orchestrator.Run", "AllThreadsFailed", gatewaycore.ErrAllThreadsFailed)}
	s := NewServer(runner, testLogger(), ModelRoles{Main: "ensemble-v1"})

	body := strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	s.Handler(5 * time.Second).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleChatCompletions_DeadlineExceededMapsTo504(t *testing.T) {
	runner := &fakeRunner{err: gatewaycore.NewGatewayError("orchestrator.Run", "DeadlineExceeded", gatewaycore.ErrDeadlineExceeded)}
	s := NewServer(runner, testLogger(), ModelRoles{Main: "ensemble-v1"})

	body := strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	s.Handler(5 * time.Second).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestHandleChatCompletions_StreamingFramesSSEWithDoneSentinel(t *testing.T) {
	runner := &fakeRunner{events: []gatewaycore.StreamEvent{
		{Delta: "hel"},
		{Delta: "lo"},
		{Done: true},
	}}
	s := NewServer(runner, testLogger(), ModelRoles{Main: "ensemble-v1"})

	body := strings.NewReader(`{"messages":[{"role":"user","content":"hi"}],"stream":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	s.Handler(5 * time.Second).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		}
	}
	require.Len(t, dataLines, 3)
	assert.Equal(t, "[DONE]", dataLines[2])

	var chunk chatCompletionChunkDTO
	require.NoError(t, json.Unmarshal([]byte(dataLines[0]), &chunk))
	assert.Equal(t, "hel", chunk.Choices[0].Delta.Content)
}

func TestHandleHealth(t *testing.T) {
	s := NewServer(&fakeRunner{}, testLogger(), ModelRoles{Main: "ensemble-v1"})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.Handler(5 * time.Second).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealth_IncludesHealthCheckCallback(t *testing.T) {
	s := NewServer(&fakeRunner{}, testLogger(), ModelRoles{Main: "ensemble-v1"}).
		WithHealthCheck(func() map[string]interface{} {
			return map[string]interface{}{"model_client_circuit": "closed"}
		})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.Handler(5 * time.Second).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "closed", body["model_client_circuit"])
}

func TestHandleModels(t *testing.T) {
	s := NewServer(&fakeRunner{}, testLogger(), ModelRoles{
		Main:           "gpt-4o",
		Fusion:         "gpt-4o",
		Summary:        "gpt-4o-mini",
		Counterexample: "gpt-4o-mini",
		Vote:           "gpt-4o-mini",
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	s.Handler(5 * time.Second).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Object string                   `json:"object"`
		Data   []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "list", body.Object)

	ids := make([]string, len(body.Data))
	for i, m := range body.Data {
		ids[i] = m["id"].(string)
	}
	assert.ElementsMatch(t, []string{"gpt-4o", "gpt-4o-mini"}, ids)
}

func TestHandleChatCompletions_CORSDisabledByDefault(t *testing.T) {
	s := NewServer(&fakeRunner{}, testLogger(), ModelRoles{Main: "ensemble-v1"})
	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	s.Handler(5 * time.Second).ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandleChatCompletions_CORSEnabledSetsHeadersAndHandlesPreflight(t *testing.T) {
	s := NewServer(&fakeRunner{}, testLogger(), ModelRoles{Main: "ensemble-v1"}).WithCORS(true)
	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	s.Handler(5 * time.Second).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware_ConvertsPanicToInternalError(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler := chain(panicking, recoveryMiddleware(testLogger()))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
