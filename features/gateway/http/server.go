// Package http exposes the gateway as an OpenAI-compatible HTTP surface:
// chat completions, embeddings, the model catalog, maintenance jobs and
// health. Transport concerns stop here; everything behind the handlers works
// in terms of the runtime types.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/recall/runtime/auth"
	"goa.design/recall/runtime/gateway"
	"goa.design/recall/runtime/telemetry"
	"goa.design/recall/runtime/usage"
)

const (
	// defaultMaxBodyBytes caps request bodies at 1 MiB.
	defaultMaxBodyBytes = 1 << 20

	requestIDHeader = "X-Request-Id"
)

type (
	// Gateway is the service surface the transport exposes. *gateway.Service
	// satisfies it.
	Gateway interface {
		Authenticate(ctx context.Context, bearer string) (*auth.Key, error)
		ChatCompletion(ctx context.Context, key *auth.Key, req *gateway.ChatRequest) (*gateway.ChatResponse, error)
		Embeddings(ctx context.Context, key *auth.Key, model string, inputs []string) (*gateway.EmbedResponse, error)
		Models(ctx context.Context) []gateway.ModelInfo
		SummarizeSessions(ctx context.Context, batchSize int) (int, error)
		CurrentUsage(ctx context.Context, tenantID string) (*usage.Snapshot, error)
	}

	// Options configures the HTTP server.
	Options struct {
		// Gateway is the service behind the surface; required.
		Gateway Gateway

		// MaxBodyBytes caps request body size. Defaults to 1 MiB.
		MaxBodyBytes int64

		// Pingers feed the health checker mounted at /healthz.
		Pingers []health.Pinger

		// Logger reports handler failures; nil uses a no-op.
		Logger telemetry.Logger
	}

	// Server routes HTTP traffic to the gateway service.
	Server struct {
		gw           Gateway
		maxBodyBytes int64
		pingers      []health.Pinger
		logger       telemetry.Logger
		started      time.Time
	}
)

// New builds a Server from the provided options.
func New(opts Options) (*Server, error) {
	if opts.Gateway == nil {
		return nil, errors.New("http: gateway is required")
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{
		gw:           opts.Gateway,
		maxBodyBytes: maxBody,
		pingers:      opts.Pingers,
		logger:       logger,
		started:      time.Now(),
	}, nil
}

// Handler returns the routed handler with request logging applied. ctx must
// carry the process log context so handler logs inherit its configuration.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.authenticated(s.handleChatCompletion))
	mux.HandleFunc("POST /v1/embeddings", s.authenticated(s.handleEmbeddings))
	mux.HandleFunc("GET /v1/models", s.authenticated(s.handleModels))
	mux.HandleFunc("GET /v1/usage", s.authenticated(s.handleUsage))
	mux.HandleFunc("POST /jobs/session-summarize", s.handleSummarize)
	mux.HandleFunc("GET /jobs/health", s.handleJobsHealth)
	if len(s.pingers) > 0 {
		mux.Handle("GET /healthz", health.Handler(health.NewChecker(s.pingers...)))
	} else {
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	return log.HTTP(ctx)(mux)
}

// authenticated resolves the bearer key before invoking the handler.
func (s *Server) authenticated(next func(http.ResponseWriter, *http.Request, *auth.Key)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bearer, ok := bearerToken(r)
		if !ok {
			writeError(w, &gateway.Error{Kind: gateway.KindUnauthorized, Message: "unauthorized"})
			return
		}
		key, err := s.gw.Authenticate(r.Context(), bearer)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				writeError(w, &gateway.Error{Kind: gateway.KindUnauthorized, Message: "unauthorized"})
				return
			}
			s.logger.Error(r.Context(), "authentication backend failure", "error", err.Error())
			writeError(w, gateway.AsError(err))
			return
		}
		next(w, r, key)
	}
}

func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request, key *auth.Key) {
	var req chatCompletionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Stream {
		writeError(w, &gateway.Error{Kind: gateway.KindBadRequest, Message: "streaming is not supported"})
		return
	}
	resp, err := s.gw.ChatCompletion(r.Context(), key, req.toDomain())
	if err != nil {
		writeError(w, gateway.AsError(err))
		return
	}
	w.Header().Set(requestIDHeader, resp.RequestID)
	writeJSON(w, http.StatusOK, fromChatResponse(resp))
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request, key *auth.Key) {
	var req embeddingsRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.gw.Embeddings(r.Context(), key, req.Model, req.Input)
	if err != nil {
		writeError(w, gateway.AsError(err))
		return
	}
	w.Header().Set(requestIDHeader, resp.RequestID)
	writeJSON(w, http.StatusOK, fromEmbedResponse(resp))
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request, _ *auth.Key) {
	writeJSON(w, http.StatusOK, fromModels(s.gw.Models(r.Context())))
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, key *auth.Key) {
	snapshot, err := s.gw.CurrentUsage(r.Context(), key.TenantID)
	if err != nil {
		writeError(w, gateway.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, fromSnapshot(snapshot))
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	batchSize := 0
	if raw := r.URL.Query().Get("batch_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, &gateway.Error{Kind: gateway.KindBadRequest, Message: "batch_size must be a positive integer"})
			return
		}
		batchSize = n
	}
	count, err := s.gw.SummarizeSessions(r.Context(), batchSize)
	if err != nil {
		writeError(w, gateway.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, summarizeResponse{Summarized: count})
}

func (s *Server) handleJobsHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// decode reads and unmarshals the request body, enforcing the size cap.
// Writes the error response itself and reports success through the return.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, &gateway.Error{Kind: gateway.KindBadRequest, Message: "request body too large"})
			return false
		}
		writeError(w, &gateway.Error{Kind: gateway.KindBadRequest, Message: "invalid request body"})
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a boundary error to its status code and JSON body. Messages
// are already sanitized by the gateway; causes never reach the wire.
func writeError(w http.ResponseWriter, gerr *gateway.Error) {
	status := http.StatusInternalServerError
	body := errorResponse{Error: "internal error"}
	switch gerr.Kind {
	case gateway.KindBadRequest:
		status = http.StatusBadRequest
		body.Error = gerr.Message
	case gateway.KindUnauthorized:
		status = http.StatusUnauthorized
		body.Error = "unauthorized"
	case gateway.KindRateLimited:
		status = http.StatusTooManyRequests
		body.Error = "rate_limited"
		seconds := int64(gerr.RetryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		body.RetryAfter = seconds
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	case gateway.KindBadGateway:
		status = http.StatusBadGateway
		body.Error = gerr.Message
	case gateway.KindTimeout:
		status = http.StatusGatewayTimeout
		body.Error = gerr.Message
	}
	writeJSON(w, status, body)
}
