// Package httpapi exposes the processor, the model registry and the edge
// coordinator over HTTP.
package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferd/pkg/types"
)

// NewMux builds the router. Device routes are mounted when svc also
// implements DeviceService.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	r.Use(MetricsMiddleware)

	h := &handlers{svc: svc}
	r.Post("/submit", h.submit)
	r.Post("/infer", h.infer)
	r.Post("/v1/completions", h.completions)
	r.Post("/v1/chat/completions", h.chatCompletions)
	r.Get("/stats", h.stats)
	r.Get("/models", h.models)
	if ds, ok := svc.(DeviceService); ok {
		d := &deviceHandlers{svc: ds}
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", d.list)
			r.Post("/", d.register)
			r.Post("/{id}/heartbeat", d.heartbeat)
			r.Delete("/{id}", d.deregister)
		})
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

type handlers struct {
	svc Service
}

var errBadContentType = errors.New("Content-Type must be application/json")

// decodeJSON enforces the JSON content type and the body size limit. It
// writes the error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, errBadContentType.Error())
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func hasInput(req types.SubmitRequest) bool {
	if strings.TrimSpace(req.Prompt) != "" {
		return true
	}
	for _, m := range req.Messages {
		if strings.TrimSpace(m.Content) != "" {
			return true
		}
	}
	return false
}

// submit runs a request to completion and answers with its envelope. The
// status code reflects the failure, if any.
//
// @Summary  Submit an inference request
// @Accept   json
// @Produce  json
// @Param    request body types.SubmitRequest true "request"
// @Success  200 {object} types.Response
// @Failure  400 {object} types.Response
// @Failure  429 {object} types.Response
// @Failure  503 {object} types.Response
// @Router   /submit [post]
func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rl := newRequestLog(r)
	rl.begin(req.Model)
	ctx, cancel := workContext(r.Context())
	defer cancel()

	resp, err := h.svc.Submit(ctx, req)
	if abandoned(r.Context()) {
		rl.end(499, r.Context().Err())
		return
	}
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("queue")
	}
	rl.end(status, err)
	writeJSON(w, status, resp)
}

// infer streams generated text as NDJSON. Failures after the stream started
// are reported in the final chunk.
//
// @Summary  Stream inference as NDJSON
// @Accept   json
// @Produce  application/x-ndjson
// @Param    request body types.SubmitRequest true "request"
// @Success  200 {object} types.StreamChunk
// @Failure  400 {object} types.ErrorResponse
// @Router   /infer [post]
func (h *handlers) infer(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !hasInput(req) {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	rl := newRequestLog(r)
	rl.begin(req.Model)

	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	out := io.Writer(lineCounter{w: w})
	if rl.lvl >= LevelDebug {
		out = io.MultiWriter(out, &lineLogger{rid: rl.rid})
	}
	ctx, cancel := workContext(r.Context())
	defer cancel()
	err := h.svc.Infer(ctx, req, out, flush)
	if err != nil && abandoned(r.Context()) {
		err = nil
	}
	rl.end(http.StatusOK, err)
}

// @Summary  Cluster and model statistics
// @Produce  json
// @Success  200 {object} types.Stats
// @Router   /stats [get]
func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats())
}

// @Summary  List known models
// @Produce  json
// @Success  200 {object} types.ModelsResponse
// @Router   /models [get]
func (h *handlers) models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: h.svc.ListModels()})
}
