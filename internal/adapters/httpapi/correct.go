package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"soundspeed/internal/adapters/export"
	"soundspeed/internal/core"
	"soundspeed/internal/selector"
	"soundspeed/pkg/domain"
)

type criteriaPayload struct {
	Lat           float64  `json:"lat"`
	Lon           float64  `json:"lon"`
	Time          string   `json:"time"`
	MaxDistanceM  float64  `json:"max_distance_m"`
	MaxTimeOffset string   `json:"max_time_offset"`
	Preference    []string `json:"preference"`
}

func (p criteriaPayload) criteria() (domain.Criteria, error) {
	c := domain.Criteria{
		Position:    domain.Position{Lat: p.Lat, Lon: p.Lon},
		MaxDistance: p.MaxDistanceM,
	}
	at, err := time.Parse(time.RFC3339, p.Time)
	if err != nil {
		return c, fmt.Errorf("time: %w", err)
	}
	c.Time = at
	if p.MaxTimeOffset != "" {
		if c.MaxTimeOffset, err = time.ParseDuration(p.MaxTimeOffset); err != nil {
			return c, fmt.Errorf("max_time_offset: %w", err)
		}
	}
	for _, s := range p.Preference {
		src, err := domain.ParseSourceType(s)
		if err != nil {
			return c, err
		}
		c.Preference = append(c.Preference, src)
	}
	return c, nil
}

type candidate struct {
	ID          string            `json:"id"`
	Source      domain.SourceType `json:"source"`
	Position    domain.Position   `json:"position"`
	Timestamp   time.Time         `json:"timestamp"`
	DistanceM   float64           `json:"distance_m"`
	TimeOffset  string            `json:"time_offset"`
	MaxDepth    float64           `json:"max_depth"`
	SampleCount int               `json:"sample_count"`
	Revision    string            `json:"revision"`
}

func toCandidate(r selector.Ranked) candidate {
	c := candidate{
		ID:         r.Profile.ID,
		Source:     r.Profile.Source,
		Position:   r.Profile.Position,
		Timestamp:  r.Profile.Timestamp,
		DistanceM:  r.Distance,
		TimeOffset: r.TimeOffset.String(),
		Revision:   r.Profile.Revision,
	}
	if r.Profile.QC != nil {
		c.MaxDepth = r.Profile.QC.MaxDepth
		c.SampleCount = r.Profile.QC.SampleCount
	}
	return c
}

func (h *Handler) selectProfiles(w http.ResponseWriter, r *http.Request) {
	var req criteriaPayload
	if err := decode(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid selection request payload")
		return
	}
	c, err := req.criteria()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sel, err := h.svc.Select(r.Context(), c)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	out := make([]candidate, 0, len(sel.Candidates))
	for _, rk := range sel.Candidates {
		out = append(out, toCandidate(rk))
	}
	render.JSON(w, r, map[string]any{"selection_empty": sel.Empty, "candidates": out})
}

type correctPayload struct {
	ProfileID string           `json:"profile_id"`
	Criteria  *criteriaPayload `json:"criteria"`
	Geometry  domain.Geometry  `json:"geometry"`
	Scheme    string           `json:"scheme"`
	Blend     int              `json:"blend"`
}

func (p correctPayload) request() (core.CorrectRequest, error) {
	req := core.CorrectRequest{
		ProfileID: p.ProfileID,
		Geometry:  p.Geometry,
		Scheme:    domain.Scheme(p.Scheme),
		Blend:     p.Blend,
	}
	if p.ProfileID == "" && p.Criteria == nil {
		return req, fmt.Errorf("either profile_id or criteria is required")
	}
	if p.Criteria != nil {
		c, err := p.Criteria.criteria()
		if err != nil {
			return req, err
		}
		req.Criteria = c
	}
	return req, nil
}

// correct answers with the correction as JSON, or rendered in an export
// layout when ?target= is given.
func (h *Handler) correct(w http.ResponseWriter, r *http.Request) {
	var target export.Target
	if name := r.URL.Query().Get("target"); name != "" {
		t, err := export.ParseTarget(name)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		target = t
	}
	var payload correctPayload
	if err := decode(r, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid correction request payload")
		return
	}
	req, err := payload.request()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.svc.Correct(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if res.Correction == nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]any{"selection_empty": true, "error": "no profile matches the criteria"})
		return
	}
	if target == "" {
		render.JSON(w, r, map[string]any{
			"correction":      res.Correction,
			"fallback":        res.Fallback,
			"selection_empty": res.SelectionEmpty,
		})
		return
	}
	body, err := h.svc.Export(r.Context(), res.Correction, target)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	filename := res.Correction.ProfileID + "." + target.Extension()
	w.Header().Set("Content-Type", target.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
