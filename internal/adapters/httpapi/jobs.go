package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"soundspeed/internal/core"
	"soundspeed/internal/parser"
)

type ingestFile struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Data   []byte `json:"data"` // base64 in JSON
}

type ingestJobRequest struct {
	Files []ingestFile `json:"files"`
}

func (h *Handler) ingestJob(w http.ResponseWriter, r *http.Request) {
	var req ingestJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := decode(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid ingest job payload")
		return
	}
	if len(req.Files) == 0 {
		writeError(w, r, http.StatusBadRequest, "no files to ingest")
		return
	}
	files := make([]core.IngestFile, 0, len(req.Files))
	for _, f := range req.Files {
		hint, err := parser.ParseFormat(f.Format)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		data := f.Data
		if data == nil {
			data = []byte{}
		}
		files = append(files, core.IngestFile{Name: f.Name, Data: data, Hint: hint})
	}
	handle, err := h.svc.IngestBatch(r.Context(), files)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	h.accepted(w, r, handle.ID())
}

type correctJobRequest struct {
	Requests []correctPayload `json:"requests"`
}

func (h *Handler) correctJob(w http.ResponseWriter, r *http.Request) {
	var req correctJobRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid correction job payload")
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, r, http.StatusBadRequest, "no correction requests")
		return
	}
	reqs := make([]core.CorrectRequest, 0, len(req.Requests))
	for _, p := range req.Requests {
		cr, err := p.request()
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		reqs = append(reqs, cr)
	}
	handle, err := h.svc.CorrectBatch(r.Context(), reqs)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	h.accepted(w, r, handle.ID())
}

func (h *Handler) accepted(w http.ResponseWriter, r *http.Request, id string) {
	rec, ok := h.svc.Worker().Snapshot(id)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "job vanished after submission")
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+id)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]any{"job": rec})
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"jobs": h.svc.Worker().Jobs()})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.svc.Worker().Snapshot(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "job not found")
		return
	}
	render.JSON(w, r, map[string]any{"job": rec})
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Worker().Cancel(id); err != nil {
		writeFailure(w, r, err)
		return
	}
	rec, _ := h.svc.Worker().Snapshot(id)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]any{"job": rec})
}
