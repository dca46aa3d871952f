package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/nimburion/stache/pkg/health"
	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/observability/metrics"
	"github.com/nimburion/stache/pkg/resilience"
	"github.com/nimburion/stache/pkg/stache"
	"github.com/nimburion/stache/pkg/stache/registry"
)

// DefaultMaxValueBytes caps request bodies when HandlerOptions leaves it unset.
const DefaultMaxValueBytes = 1 << 20

// HandlerOptions configures NewHandler.
type HandlerOptions struct {
	Registry *registry.Registry
	// Health backs /ready. When nil, the registry's providers are checked.
	Health *health.Registry
	// Metrics backs /metrics. The route is absent when nil.
	Metrics       *metrics.Registry
	Logger        logger.Logger
	MaxValueBytes int64
	// RateLimit is requests per second accepted on /v1; 0 disables limiting.
	RateLimit float64
	RateBurst int
}

type handler struct {
	registry      *registry.Registry
	health        *health.Registry
	maxValueBytes int64
}

// ErrorResponse is the body of every non-2xx response with content.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ProviderInfo describes one provider or alias in GET /v1/providers.
type ProviderInfo struct {
	Name      string `json:"name"`
	Target    string `json:"target"`
	Available bool   `json:"available"`
}

// KeysResponse is the body of GET /v1/providers/{provider}/keys.
type KeysResponse struct {
	Provider string   `json:"provider"`
	Keys     []string `json:"keys"`
}

// NewHandler returns the HTTP API over opts.Registry:
//
//	GET    /health                              liveness
//	GET    /ready                               provider health checks
//	GET    /metrics                             prometheus exposition
//	GET    /v1/providers                        providers and aliases
//	GET    /v1/providers/{provider}/keys        list keys
//	DELETE /v1/providers/{provider}/keys        clear
//	GET    /v1/providers/{provider}/keys/{key}  read a value (HEAD tests presence)
//	PUT    /v1/providers/{provider}/keys/{key}  write the request body
//	DELETE /v1/providers/{provider}/keys/{key}  remove
//
// Keys are path-escaped; an escaped slash stays part of the key.
func NewHandler(opts HandlerOptions) http.Handler {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	if opts.MaxValueBytes <= 0 {
		opts.MaxValueBytes = DefaultMaxValueBytes
	}
	checks := opts.Health
	if checks == nil {
		checks = health.NewRegistry()
		opts.Registry.RegisterHealthChecks(checks)
	}
	h := &handler{registry: opts.Registry, health: checks, maxValueBytes: opts.MaxValueBytes}

	r := mux.NewRouter().UseEncodedPath().SkipClean(true)
	r.Use(requestID(), logging(log), recovery(log))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusMethodNotAllowed, "method_not_allowed", req.Method+" is not supported here")
	})

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/v1").Subrouter()
	if opts.RateLimit > 0 {
		api.Use(rateLimit(opts.RateLimit, opts.RateBurst))
	}
	api.HandleFunc("/providers", h.handleProviders).Methods(http.MethodGet)
	api.HandleFunc("/providers/{provider}/keys", h.handleKeys).Methods(http.MethodGet)
	api.HandleFunc("/providers/{provider}/keys", h.handleClear).Methods(http.MethodDelete)
	api.HandleFunc("/providers/{provider}/keys/{key:.+}", h.handleGet).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/providers/{provider}/keys/{key:.+}", h.handlePut).Methods(http.MethodPut)
	api.HandleFunc("/providers/{provider}/keys/{key:.+}", h.handleDelete).Methods(http.MethodDelete)

	return r
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady answers 503 only when a provider is unhealthy; a degraded provider,
// such as one configured with no backend, is still ready.
func (h *handler) handleReady(w http.ResponseWriter, r *http.Request) {
	result := h.health.Check(r.Context())
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

func (h *handler) handleProviders(w http.ResponseWriter, r *http.Request) {
	names := h.registry.Names()
	providers := make([]ProviderInfo, 0, len(names))
	for _, name := range names {
		target, err := h.registry.Target(name)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		s, err := h.registry.Resolve(name)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		providers = append(providers, ProviderInfo{Name: name, Target: target, Available: s.Available()})
	}
	writeJSON(w, http.StatusOK, providers)
}

func (h *handler) handleKeys(w http.ResponseWriter, r *http.Request) {
	name, s, ok := h.store(w, r)
	if !ok {
		return
	}
	keys, err := s.Keys(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, KeysResponse{Provider: name, Keys: keys})
}

func (h *handler) handleClear(w http.ResponseWriter, r *http.Request) {
	_, s, ok := h.store(w, r)
	if !ok {
		return
	}
	if err := s.Clear(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request) {
	_, s, ok := h.store(w, r)
	if !ok {
		return
	}
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	value, found, err := s.Get(r.Context(), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, "key_not_found", "no value stored under "+key)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = io.WriteString(w, value)
	}
}

func (h *handler) handlePut(w http.ResponseWriter, r *http.Request) {
	_, s, ok := h.store(w, r)
	if !ok {
		return
	}
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxValueBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "value_too_large", "value exceeds the configured limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	if err := s.Set(r.Context(), key, string(body)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	_, s, ok := h.store(w, r)
	if !ok {
		return
	}
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	if err := s.Remove(r.Context(), key); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// store resolves the {provider} path variable, writing the error response on failure.
func (h *handler) store(w http.ResponseWriter, r *http.Request) (string, *stache.Store, bool) {
	name, err := url.PathUnescape(mux.Vars(r)["provider"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed provider name")
		return "", nil, false
	}
	s, err := h.registry.Resolve(name)
	if err != nil {
		h.fail(w, r, err)
		return "", nil, false
	}
	return name, s, true
}

func pathKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "malformed key")
		return "", false
	}
	return key, true
}

// fail maps a registry or container error to a response.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownProvider):
		writeError(w, r, http.StatusNotFound, "unknown_provider", err.Error())
	case errors.Is(err, resilience.ErrCircuitOpen):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "backend_unavailable", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "backend_timeout", err.Error())
	default:
		writeError(w, r, http.StatusBadGateway, "backend_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message, RequestID: requestIDFromContext(r.Context())})
}

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
