package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"inferd/internal/engine"
	"inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Models() []types.Model
	RegisterModel(m types.Model) error
	Stats() types.EngineStats
	Submit(req types.Request) (*engine.Pending, error)
	SubmitStreaming(req types.Request) (*engine.TokenStream, error)
	Ready() bool
}

// zlog is an optional structured logger. If unset, the HTTP layer stays quiet.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// streamLine is one NDJSON line of a streaming /generate response. Token
// lines carry only Token; the final line carries Done plus the full
// response, or Error when generation failed midway.
type streamLine struct {
	Token    string          `json:"token,omitempty"`
	Done     bool            `json:"done,omitempty"`
	Error    string          `json:"error,omitempty"`
	Response *types.Response `json:"response,omitempty"`
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(types.ModelsResponse{Models: svc.Models()}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	r.Post("/models", func(w http.ResponseWriter, r *http.Request) {
		var m types.Model
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := svc.RegisterModel(m); err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(m)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Stats()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	r.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
		handleGenerate(svc, w, r)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

func handleGenerate(svc Service, w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in types.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(in.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	req := types.Request{
		Model:       in.Model,
		Prompt:      in.Prompt,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		TopK:        in.TopK,
		Stop:        in.Stop,
		Priority:    types.ParsePriority(in.Priority),
	}

	start := time.Now()
	if zlog != nil {
		z := zlog.Info().Str("path", r.URL.Path).Str("model", req.Model).Bool("stream", in.Stream)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("generate start")
	}

	if in.Stream {
		streamGenerate(svc, w, r, req)
	} else {
		blockingGenerate(svc, w, r, req, in.TimeoutMs)
	}

	if zlog != nil {
		z := zlog.Info().Dur("dur", time.Since(start))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("generate end")
	}
}

func blockingGenerate(svc Service, w http.ResponseWriter, r *http.Request, req types.Request, timeoutMs int) {
	p, err := svc.Submit(req)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	var cancel context.CancelFunc
	switch {
	case timeoutMs > 0:
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	case generateTimeout > 0:
		ctx, cancel = context.WithTimeout(ctx, time.Duration(generateTimeout)*time.Second)
	}
	if cancel != nil {
		defer cancel()
	}

	resp, err := p.Wait(ctx)
	if err != nil {
		if r.Context().Err() != nil {
			// client went away; nothing useful to write
			return
		}
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func streamGenerate(svc Service, w http.ResponseWriter, r *http.Request, req types.Request) {
	s, err := svc.SubmitStreaming(req)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.Cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	enc := json.NewEncoder(w)

	// Propagate client disconnects into the engine.
	go func() {
		<-r.Context().Done()
		s.Cancel()
	}()

	for ev := range s.Events() {
		var line streamLine
		switch {
		case ev.Err != nil:
			line = streamLine{Done: true, Error: ev.Err.Error()}
		case ev.Final != nil:
			line = streamLine{Done: true, Response: ev.Final}
		default:
			line = streamLine{Token: ev.Token}
		}
		if err := enc.Encode(line); err != nil {
			s.Cancel()
			return
		}
		if flush != nil {
			flush()
		}
	}
}
