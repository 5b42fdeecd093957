package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/dlc_downloader/internal/catalog"
	"github.com/italolelis/dlc_downloader/internal/downloader"
	"github.com/italolelis/dlc_downloader/internal/logctx"
	"github.com/italolelis/dlc_downloader/internal/probe"
	"github.com/italolelis/dlc_downloader/internal/selector"
	"github.com/italolelis/dlc_downloader/internal/source"
	"github.com/italolelis/dlc_downloader/internal/telemetry"
	"github.com/italolelis/dlc_downloader/internal/transfer"
)

const maxRequestBody = 1 << 20

// Downloads is the job surface of the downloader.
type Downloads interface {
	Enqueue(ctx context.Context, asset catalog.Asset) (*downloader.Job, error)
	Jobs() []downloader.JobView
	Pause(key string) error
	Resume(key string) error
	Cancel(key string) error
}

// CandidateSource ranks the candidates of an asset.
type CandidateSource interface {
	Candidates(ctx context.Context, asset catalog.Asset) ([]selector.Candidate, error)
}

// ProbeCache exposes the last probe outcome of a source.
type ProbeCache interface {
	Cached(name string) (probe.Outcome, bool)
}

type SourceView struct {
	Name          string        `json:"name"`
	Kind          source.Kind   `json:"kind"`
	BaseURL       string        `json:"base_url"`
	Priority      int           `json:"priority"`
	Enabled       bool          `json:"enabled"`
	MinThroughput string        `json:"min_throughput,omitempty"`
	TestURL       string        `json:"test_url"`
	Probe         *probe.Sample `json:"probe,omitempty"`
	ProbeError    string        `json:"probe_error,omitempty"`
}

type DownloadRequest struct {
	Keys []string `json:"keys"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// APIHandler serves the control API.
type APIHandler struct {
	username   string
	password   string
	registry   func() *source.Registry
	catalog    func() *catalog.Catalog
	candidates CandidateSource
	probes     ProbeCache
	downloads  Downloads
	telemetry  *telemetry.Telemetry
}

// NewAPIHandler creates the control API handler. Basic auth is enforced when username is set.
func NewAPIHandler(
	username, password string,
	registry func() *source.Registry,
	cat func() *catalog.Catalog,
	candidates CandidateSource,
	probes ProbeCache,
	downloads Downloads,
	t *telemetry.Telemetry,
) *APIHandler {
	return &APIHandler{
		username:   username,
		password:   password,
		registry:   registry,
		catalog:    cat,
		candidates: candidates,
		probes:     probes,
		downloads:  downloads,
		telemetry:  t,
	}
}

func (h *APIHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.HandleHealth)
	r.Handle("/metrics", h.telemetry.Handler())

	r.Group(func(r chi.Router) {
		if h.username != "" {
			r.Use(h.basicAuthMiddleware)
		}

		r.Get("/api/sources", h.HandleSources)
		r.Get("/api/catalog", h.HandleCatalog)
		r.Get("/api/assets/{key}/candidates", h.HandleCandidates)

		r.Route("/api/downloads", func(r chi.Router) {
			r.Get("/", h.HandleListDownloads)
			r.Post("/", h.HandleStartDownloads)
			r.Post("/{key}/pause", h.HandlePause)
			r.Post("/{key}/resume", h.HandleResume)
			r.Delete("/{key}", h.HandleCancel)
		})
	})

	return r
}

func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"sources": len(h.registry().All()),
		"assets":  h.catalog().Len(),
	})
}

func (h *APIHandler) HandleSources(w http.ResponseWriter, r *http.Request) {
	sources := h.registry().All()
	views := make([]SourceView, 0, len(sources))

	for _, src := range sources {
		v := SourceView{
			Name:     src.Name,
			Kind:     src.Kind(),
			BaseURL:  src.BaseURL,
			Priority: src.Priority,
			Enabled:  src.Enabled,
			TestURL:  src.ProbeURL(),
		}

		if src.Threshold > 0 {
			v.MinThroughput = humanize.Bytes(uint64(src.Threshold)) + "/s"
		}

		if h.probes != nil {
			if o, ok := h.probes.Cached(src.Name); ok {
				if o.Err != nil {
					v.ProbeError = o.Err.Error()
				} else {
					sample := o.Sample
					v.Probe = &sample
				}
			}
		}

		views = append(views, v)
	}

	writeJSON(w, r, http.StatusOK, views)
}

func (h *APIHandler) HandleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.catalog().Assets())
}

func (h *APIHandler) HandleCandidates(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	asset, ok := h.catalog().Lookup(key)
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown asset "+key)

		return
	}

	candidates, err := h.candidates.Candidates(r.Context(), asset)
	if err != nil {
		var noCandidate *selector.NoCandidateError
		if errors.As(err, &noCandidate) {
			writeError(w, r, http.StatusNotFound, err.Error())

			return
		}

		logctx.LoggerFromContext(r.Context()).Error("failed to rank candidates", "asset", key, "err", err)
		writeError(w, r, http.StatusInternalServerError, "failed to rank candidates")

		return
	}

	writeJSON(w, r, http.StatusOK, candidates)
}

func (h *APIHandler) HandleListDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.downloads.Jobs())
}

func (h *APIHandler) HandleStartDownloads(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req DownloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		logger.Warn("failed to decode request", "err", err)
		writeError(w, r, http.StatusBadRequest, "invalid request body")

		return
	}

	if len(req.Keys) == 0 {
		writeError(w, r, http.StatusBadRequest, "keys must not be empty")

		return
	}

	cat := h.catalog()
	assets := make([]catalog.Asset, 0, len(req.Keys))

	for _, key := range req.Keys {
		asset, ok := cat.Lookup(key)
		if !ok {
			writeError(w, r, http.StatusNotFound, "unknown asset "+key)

			return
		}

		assets = append(assets, asset)
	}

	views := make([]downloader.JobView, 0, len(assets))

	for _, asset := range assets {
		job, err := h.downloads.Enqueue(r.Context(), asset)
		if err != nil && !errors.Is(err, downloader.ErrDestinationBusy) {
			logger.Error("failed to start download", "asset", asset.Key, "err", err)
			writeError(w, r, http.StatusInternalServerError, "failed to start download")

			return
		}

		views = append(views, job.View())
	}

	writeJSON(w, r, http.StatusAccepted, views)
}

func (h *APIHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.downloads.Pause)
}

func (h *APIHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.downloads.Resume)
}

func (h *APIHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.downloads.Cancel)
}

func (h *APIHandler) control(w http.ResponseWriter, r *http.Request, op func(key string) error) {
	key := chi.URLParam(r, "key")

	switch err := op(key); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, downloader.ErrJobNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, transfer.ErrNotActive):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		logctx.LoggerFromContext(r.Context()).Error("download control failed", "asset", key, "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal server error")
	}
}

func (h *APIHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="dlc_downloader"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg, RequestID: telemetry.GetRequestID(r.Context())})
}
