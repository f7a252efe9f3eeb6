// Package httpapi exposes the service over HTTP.
package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"soundspeed/internal/adapters/batch"
	"soundspeed/internal/adapters/export"
	"soundspeed/internal/core"
	"soundspeed/internal/parser"
	"soundspeed/pkg/domain"
)

// DefaultMaxBody bounds uploaded raw files.
const DefaultMaxBody = 32 << 20

// Option configures a Handler.
type Option func(*Handler)

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// WithMaxBody overrides the upload limit.
func WithMaxBody(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// Handler routes API requests to a core.Service.
type Handler struct {
	svc      *core.Service
	gatherer prometheus.Gatherer
	maxBody  int64
	router   chi.Router
}

// NewHandler constructs the API router.
func NewHandler(svc *core.Service, opts ...Option) *Handler {
	h := &Handler{svc: svc, gatherer: prometheus.DefaultGatherer, maxBody: DefaultMaxBody}
	for _, opt := range opts {
		opt(h)
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/profiles", func(r chi.Router) {
			r.Post("/", h.ingest)
			r.Get("/", h.query)
			r.Get("/{id}", h.getProfile)
			r.Get("/{id}/raw", h.rawProfile)
			r.Post("/{id}/requalify", h.requalify)
			r.Post("/{id}/retire", h.retire)
		})
		r.Post("/select", h.selectProfiles)
		r.Post("/corrections", h.correct)
		r.Get("/exports/targets", h.targets)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.listJobs)
			r.Post("/ingest", h.ingestJob)
			r.Post("/correct", h.correctJob)
			r.Get("/{id}", h.getJob)
			r.Delete("/{id}", h.cancelJob)
		})
	})
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type errorResponse struct {
	Error   string   `json:"error"`
	Reasons []string `json:"reasons,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}

// writeFailure maps the error taxonomy onto HTTP status codes.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Error: err.Error()}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Reasons = verr.Reasons
	}
	render.Status(r, statusFor(err))
	render.JSON(w, r, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, batch.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrParse), errors.Is(err, domain.ErrExport):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConflictingRevision), errors.Is(err, domain.ErrRetired):
		return http.StatusConflict
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrComputation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, batch.ErrQueueFull), errors.Is(err, batch.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":   "ok",
		"time":     time.Now().UTC(),
		"workers":  h.svc.Worker().Workers(),
		"cache":    h.svc.Engine().CacheLen(),
		"computed": h.svc.Engine().Computations(),
	})
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	hint, err := parser.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		return
	}
	if len(data) == 0 {
		writeError(w, r, http.StatusBadRequest, "empty upload")
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "upload"
	}
	res, err := h.svc.Ingest(r.Context(), name, data, hint)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	render.Status(r, status)
	render.JSON(w, r, map[string]any{"profile": res.Profile, "created": res.Created})
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"profile": p})
}

func (h *Handler) rawProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if p.Raw.Key == "" {
		writeError(w, r, http.StatusNotFound, "profile has no archived raw bytes")
		return
	}
	data, err := h.svc.Archive().Load(r.Context(), p.Raw)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Checksum-Sha256", p.Raw.Checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	profiles := []domain.Profile{}
	for p, err := range h.svc.Query(r.Context(), q) {
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		profiles = append(profiles, p)
	}
	render.JSON(w, r, map[string]any{"profiles": profiles, "count": len(profiles)})
}

// parseQuery reads min_lat, max_lat, min_lon, max_lon, from, to and the
// repeatable source and status parameters. Missing bounds default to the
// whole globe.
func parseQuery(r *http.Request) (domain.Query, error) {
	v := r.URL.Query()
	var q domain.Query
	region := domain.WorldRegion()
	bounds := []struct {
		key string
		dst *float64
	}{
		{"min_lat", &region.MinLat},
		{"max_lat", &region.MaxLat},
		{"min_lon", &region.MinLon},
		{"max_lon", &region.MaxLon},
	}
	for _, b := range bounds {
		if s := v.Get(b.key); s != "" {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return q, fmt.Errorf("%s: %w", b.key, err)
			}
			*b.dst = f
			q.Region = &region
		}
	}
	var err error
	if q.From, err = parseTime(v.Get("from")); err != nil {
		return q, fmt.Errorf("from: %w", err)
	}
	if q.To, err = parseTime(v.Get("to")); err != nil {
		return q, fmt.Errorf("to: %w", err)
	}
	for _, s := range v["source"] {
		src, err := domain.ParseSourceType(s)
		if err != nil {
			return q, err
		}
		q.Sources = append(q.Sources, src)
	}
	for _, s := range v["status"] {
		st := domain.QCStatus(strings.ToLower(s))
		if !st.Valid() {
			return q, fmt.Errorf("unknown status %q", s)
		}
		q.Statuses = append(q.Statuses, st)
	}
	return q, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

type requalifyRequest struct {
	Thresholds *domain.Thresholds `json:"thresholds"`
}

func (h *Handler) requalify(w http.ResponseWriter, r *http.Request) {
	var req requalifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid requalify request payload")
		return
	}
	t := h.svc.Thresholds()
	if req.Thresholds != nil {
		t = *req.Thresholds
	}
	change, err := h.svc.Requalify(r.Context(), chi.URLParam(r, "id"), t)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"change": change})
}

type retireRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) retire(w http.ResponseWriter, r *http.Request) {
	var req retireRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid retire request payload")
		return
	}
	change, err := h.svc.Retire(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"change": change})
}

func (h *Handler) targets(w http.ResponseWriter, r *http.Request) {
	type target struct {
		Name        export.Target `json:"name"`
		Extension   string        `json:"extension"`
		ContentType string        `json:"content_type"`
	}
	out := make([]target, 0, len(export.Targets()))
	for _, t := range export.Targets() {
		out = append(out, target{Name: t, Extension: t.Extension(), ContentType: t.ContentType()})
	}
	render.JSON(w, r, map[string]any{"targets": out})
}

// decode reads an optional JSON body; an empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if err := render.DecodeJSON(r.Body, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
