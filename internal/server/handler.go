package server

import (
	"encoding/json"
	"net/http"

	"github.com/ahmethakanbesel/campaign-runner/internal/job"
	"github.com/ahmethakanbesel/campaign-runner/internal/mapping"
	"github.com/ahmethakanbesel/campaign-runner/internal/table"
)

type handler struct {
	jobSvc         *job.Service
	maxUploadBytes int64
}

// TablePreview is what an uploaded spreadsheet looks like to the job API:
// its rows plus the detected column mapping, so a client can confirm or
// correct it before creating a tabular job.
type TablePreview struct {
	Headers        []string                 `json:"headers"`
	Rows           [][]string               `json:"rows"`
	Mapping        mapping.ColumnMapping    `json:"mapping"`
	AutoAcceptable bool                     `json:"autoAcceptable"`
	Labels         map[mapping.Field]string `json:"labels"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req job.CreateJobRequest
	body := http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.jobSvc.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	req := job.GetJobRequest{ID: r.PathValue("id")}
	if appErr := req.Validate(); appErr != nil {
		writeError(w, appErr.HTTPStatus(), appErr.Message())
		return
	}

	d, err := h.jobSvc.Get(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

func (h *handler) getProgress(w http.ResponseWriter, r *http.Request) {
	req := job.GetJobRequest{ID: r.PathValue("id")}
	if appErr := req.Validate(); appErr != nil {
		writeError(w, appErr.HTTPStatus(), appErr.Message())
		return
	}

	v, err := h.jobSvc.GetStatus(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, v)
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	req := job.GetJobRequest{ID: r.PathValue("id")}
	if appErr := req.Validate(); appErr != nil {
		writeError(w, appErr.HTTPStatus(), appErr.Message())
		return
	}

	j, err := h.jobSvc.Cancel(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, j)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	req := job.ListJobsRequest{
		Status: job.Status(r.URL.Query().Get("status")),
	}

	jobs, err := h.jobSvc.List(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) queue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.jobSvc.Queue())
}

func (h *handler) uploadTable(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}

	f, fh, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer func() { _ = f.Close() }()

	t, err := table.Parse(fh.Filename, f)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m := mapping.Detect(t.Headers)
	labels := make(map[mapping.Field]string, len(m.Confidence))
	for field, score := range m.Confidence {
		labels[field] = mapping.Label(score)
	}

	writeJSON(w, http.StatusOK, TablePreview{
		Headers:        t.Headers,
		Rows:           t.Rows,
		Mapping:        m,
		AutoAcceptable: m.AutoAcceptable(),
		Labels:         labels,
	})
}
