package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/casparian-io/casparian/internal/queue"
)

// createJobRequest is the body of POST /jobs per §6.
type createJobRequest struct {
	JobType       string          `json:"job_type"`
	PluginName    string          `json:"plugin_name"`
	PluginVersion string          `json:"plugin_version,omitempty"`
	InputDir      string          `json:"input_dir"`
	Output        string          `json:"output,omitempty"`
	ApprovalID    string          `json:"approval_id,omitempty"`
	Spec          json.RawMessage `json:"spec,omitempty"`
}

type createJobResponse struct {
	APIJobID string `json:"api_job_id"`
}

// jobResponse is the wire shape of one control-plane job.
type jobResponse struct {
	APIJobID   string          `json:"api_job_id"`
	Kind       string          `json:"kind"`
	Plugin     string          `json:"plugin"`
	InputDir   string          `json:"input_dir"`
	SinkURI    string          `json:"sink_uri,omitempty"`
	ApprovalID string          `json:"approval_id,omitempty"`
	Spec       json.RawMessage `json:"spec,omitempty"`
	Status     string          `json:"status"`
	Progress   float64         `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

func jobToResponse(j queue.ApiJob) jobResponse {
	return jobResponse{
		APIJobID:   j.ID,
		Kind:       j.Kind,
		Plugin:     j.Plugin,
		InputDir:   j.InputDir,
		SinkURI:    j.SinkURI,
		ApprovalID: j.ApprovalID,
		Spec:       j.SpecJSON,
		Status:     string(j.Status),
		Progress:   j.Progress,
		Result:     j.Result,
		CreatedAt:  j.CreatedAt.UTC().Format(rfc3339Milli),
		UpdatedAt:  j.UpdatedAt.UTC().Format(rfc3339Milli),
	}
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// handleCreateJob handles POST /jobs: it validates the request, assigns a
// new api_job_id, and persists a Pending job - which itself records the
// stream's first JobCreated event.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid JSON body"))

		return
	}

	if req.JobType == "" || req.PluginName == "" || req.InputDir == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("job_type, plugin_name, and input_dir are required"))

		return
	}

	job := queue.ApiJob{
		ID:         uuid.NewString(),
		Kind:       req.JobType,
		Plugin:     req.PluginName,
		InputDir:   req.InputDir,
		SinkURI:    req.Output,
		ApprovalID: req.ApprovalID,
		SpecJSON:   req.Spec,
		Status:     queue.ApiJobPending,
	}

	if err := s.jobs.CreateJob(r.Context(), job); err != nil {
		s.logger.Error("failed to create job", "error", err.Error())
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to create job"))

		return
	}

	if req.ApprovalID != "" {
		if err := s.jobs.LinkApproval(r.Context(), req.ApprovalID, job.ID); err != nil {
			s.logger.Warn("failed to link approval to job", "approval_id", req.ApprovalID, "error", err.Error())
		}
	}

	writeJSON(w, s.logger, http.StatusCreated, createJobResponse{APIJobID: job.ID})
}

// handleListJobs handles GET /jobs?status=&limit=.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := queue.ApiJobStatus(r.URL.Query().Get("status"))
	limit := parseLimit(r)

	jobs, err := s.jobs.ListJobs(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err.Error())
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to list jobs"))

		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobToResponse(j))
	}

	writeJSON(w, s.logger, http.StatusOK, out)
}

// handleGetJob handles GET /jobs/{id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, ok, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get job", "error", err.Error())
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to get job"))

		return
	}

	if !ok {
		WriteErrorResponse(w, r, s.logger, NotFound("job not found"))

		return
	}

	writeJSON(w, s.logger, http.StatusOK, jobToResponse(job))
}

type cancelJobResponse struct {
	Cancelled bool `json:"cancelled"`
}

// handleCancelJob handles POST /jobs/{id}/cancel. Idempotent: a second
// call against an already-terminal job returns {cancelled: false}.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	cancelled, err := s.jobs.CancelJob(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to cancel job", "error", err.Error())
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to cancel job"))

		return
	}

	writeJSON(w, s.logger, http.StatusOK, cancelJobResponse{Cancelled: cancelled})
}

// eventResponse is the wire shape of one control-plane job event.
type eventResponse struct {
	EventID   int64           `json:"event_id"`
	JobID     string          `json:"job_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// handleListEvents handles GET /jobs/{id}/events?after=, returning events
// in strictly monotonic order for polling.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after := parseAfterEventID(r)

	events, err := s.jobs.ListEvents(r.Context(), id, after)
	if err != nil {
		s.logger.Error("failed to list events", "error", err.Error())
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to list events"))

		return
	}

	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			EventID:   e.EventID,
			JobID:     e.JobID,
			EventType: string(e.EventType),
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt.UTC().Format(rfc3339Milli),
		})
	}

	writeJSON(w, s.logger, http.StatusOK, out)
}
