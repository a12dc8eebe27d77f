package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelai/ensemble/internal/gatewaycore"
	"github.com/kestrelai/ensemble/internal/obslog"
	"github.com/kestrelai/ensemble/internal/tracing"
)

// Runner is the capability the ingress layer needs from orchestrator.Orchestrator.
type Runner interface {
	Run(ctx context.Context, req gatewaycore.Request) (gatewaycore.FinalAnswer, error)
	RunStream(ctx context.Context, req gatewaycore.Request) ([]gatewaycore.StreamEvent, error)
}

// ModelRoles names the model configured for each role in the reasoning
// pipeline, surfaced in full by GET /v1/models.
type ModelRoles struct {
	Main           string
	Fusion         string
	Summary        string
	Counterexample string
	Vote           string
}

// Server wires the reasoning orchestrator to OpenAI-compatible HTTP
// endpoints.
type Server struct {
	runner      Runner
	logger      gatewaycore.Logger
	models      ModelRoles
	mux         *http.ServeMux
	tracer      trace.Tracer
	healthFn    func() map[string]interface{}
	corsEnabled bool
}

func NewServer(runner Runner, logger gatewaycore.Logger, models ModelRoles) *Server {
	s := &Server{runner: runner, logger: logger, models: models, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/models", s.handleModels)
	return s
}

// WithTracer attaches a tracer that spans each inbound request.
func (s *Server) WithTracer(tracer trace.Tracer) *Server {
	s.tracer = tracer
	return s
}

// WithHealthCheck attaches a callback whose result is merged into the
// /health response body, used to surface model-client and circuit-breaker
// state alongside basic liveness.
func (s *Server) WithHealthCheck(fn func() map[string]interface{}) *Server {
	s.healthFn = fn
	return s
}

// WithCORS turns on permissive CORS headers and preflight handling, per
// the http.cors_enabled config flag.
func (s *Server) WithCORS(enabled bool) *Server {
	s.corsEnabled = enabled
	return s
}

// Handler builds the full middleware-wrapped HTTP handler, grounded on
// the reference framework's core/agent.go ordering: panic recovery is
// outermost so even a logging bug can't crash the process, then request
// logging, then CORS, then deadline enforcement closest to the handler.
func (s *Server) Handler(requestDeadline time.Duration) http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger),
		corsMiddleware(s.corsEnabled),
		deadlineMiddleware(requestDeadline),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if s.healthFn != nil {
		for k, v := range s.healthFn() {
			body[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]bool)
	data := make([]map[string]interface{}, 0, 5)
	for _, id := range []string{s.models.Main, s.models.Fusion, s.models.Summary, s.models.Counterexample, s.models.Vote} {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		data = append(data, map[string]interface{}{"id": id, "object": "model"})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	ctx := obslog.WithRequestID(r.Context(), requestID)
	if s.tracer != nil {
		var end func()
		ctx, end = tracing.StartRequestSpan(ctx, s.tracer, requestID)
		defer end()
	}
	r = r.WithContext(ctx)

	var dto chatCompletionRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", "BadRequest")
		return
	}

	req := dto.toDomain()
	if err := validateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BadRequest")
		return
	}

	if req.Stream {
		s.streamResponse(w, r, requestID, req)
		return
	}
	s.plainResponse(w, r, requestID, req)
}

func (s *Server) plainResponse(w http.ResponseWriter, r *http.Request, requestID string, req gatewaycore.Request) {
	answer, err := s.runner.Run(r.Context(), req)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(newChatCompletionResponse(requestID, s.models.Main, answer))
}

func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, requestID string, req gatewaycore.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "InternalError")
		return
	}

	events, err := s.runner.RunStream(r.Context(), req)
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, event := range events {
		if event.Done {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		chunk := newChunk(requestID, s.models.Main, event)
		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	var gwErr *gatewaycore.GatewayError
	if errors.As(err, &gwErr) {
		switch gwErr.Kind {
		case "AllThreadsFailed":
			writeError(w, http.StatusBadGateway, gwErr.Error(), gwErr.Kind)
			return
		case "DeadlineExceeded":
			writeError(w, http.StatusGatewayTimeout, gwErr.Error(), gwErr.Kind)
			return
		}
	}
	writeError(w, http.StatusInternalServerError, err.Error(), "InternalError")
}

func writeError(w http.ResponseWriter, status int, message, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorDTO{Error: errorBodyDTO{Message: message, Type: kind}})
}

func validateRequest(req gatewaycore.Request) error {
	if len(req.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	if req.Threads != 0 && (req.Threads < 1 || req.Threads > 8) {
		return errors.New("x_threads must be in [1,8]")
	}
	if req.MaxSteps != 0 && (req.MaxSteps < 1 || req.MaxSteps > 50) {
		return errors.New("x_max_steps must be in [1,50]")
	}
	if req.Fusion != "" && req.Fusion != gatewaycore.FusionIntelligent && req.Fusion != gatewaycore.FusionConcat {
		return errors.New("x_fusion must be intelligent or concat")
	}
	return nil
}
