package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/casparian-io/casparian/internal/queue"
)

// createApprovalRequest is the body of POST /approvals per §6.
type createApprovalRequest struct {
	Operation    string `json:"operation"`
	Summary      string `json:"summary"`
	ExpiresInSec int    `json:"expires_in_seconds,omitempty"`
}

type approvalResponse struct {
	ID          string `json:"id"`
	Operation   string `json:"operation"`
	Summary     string `json:"summary"`
	Status      string `json:"status"`
	ExpiresAt   string `json:"expires_at"`
	DecidedAt   string `json:"decided_at,omitempty"`
	DecidedBy   string `json:"decided_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
	LinkedJobID string `json:"linked_job_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func approvalToResponse(a queue.Approval) approvalResponse {
	resp := approvalResponse{
		ID:          a.ID,
		Operation:   a.Operation,
		Summary:     a.Summary,
		Status:      string(a.Status),
		ExpiresAt:   a.ExpiresAt.UTC().Format(rfc3339Milli),
		DecidedBy:   a.DecidedBy,
		Reason:      a.Reason,
		LinkedJobID: a.LinkedJobID,
		CreatedAt:   a.CreatedAt.UTC().Format(rfc3339Milli),
	}

	if a.DecidedAt != nil {
		resp.DecidedAt = a.DecidedAt.UTC().Format(rfc3339Milli)
	}

	return resp
}

// handleCreateApproval handles POST /approvals.
func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var req createApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid JSON body"))

		return
	}

	if req.Operation == "" || req.Summary == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("operation and summary are required"))

		return
	}

	expiresIn := defaultApprovalExpiry
	if req.ExpiresInSec > 0 {
		expiresIn = time.Duration(req.ExpiresInSec) * time.Second
	}

	approval := queue.Approval{
		ID:        uuid.NewString(),
		Operation: req.Operation,
		Summary:   req.Summary,
		Status:    queue.ApprovalPending,
		ExpiresAt: time.Now().UTC().Add(expiresIn),
	}

	if err := s.jobs.CreateApproval(r.Context(), approval); err != nil {
		s.logger.Error("failed to create approval", "error", err.Error())
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to create approval"))

		return
	}

	writeJSON(w, s.logger, http.StatusCreated, approvalToResponse(approval))
}

// handleListApprovals handles GET /approvals?status=.
func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := queue.ApprovalStatus(r.URL.Query().Get("status"))

	approvals, err := s.jobs.ListApprovals(r.Context(), status)
	if err != nil {
		s.logger.Error("failed to list approvals", "error", err.Error())
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to list approvals"))

		return
	}

	out := make([]approvalResponse, 0, len(approvals))
	for _, a := range approvals {
		out = append(out, approvalToResponse(a))
	}

	writeJSON(w, s.logger, http.StatusOK, out)
}

// handleGetApproval handles GET /approvals/{id}.
func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	approval, ok, err := s.jobs.GetApproval(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get approval", "error", err.Error())
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to get approval"))

		return
	}

	if !ok {
		WriteErrorResponse(w, r, s.logger, NotFound("approval not found"))

		return
	}

	writeJSON(w, s.logger, http.StatusOK, approvalToResponse(approval))
}

// decisionRequest is the optional body of approve/reject requests.
type decisionRequest struct {
	DecidedBy string `json:"decided_by,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type decisionResponse struct {
	Decided bool `json:"decided"`
}

func (s *Server) parseDecisionBody(r *http.Request) decisionRequest {
	var req decisionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	return req
}

// handleApproveApproval handles POST /approvals/{id}/approve.
func (s *Server) handleApproveApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req := s.parseDecisionBody(r)

	decided, err := s.jobs.ApproveApproval(r.Context(), id, req.DecidedBy)
	if err != nil {
		s.logger.Error("failed to approve approval", "error", err.Error())
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to approve approval"))

		return
	}

	writeJSON(w, s.logger, http.StatusOK, decisionResponse{Decided: decided})
}

// handleRejectApproval handles POST /approvals/{id}/reject.
func (s *Server) handleRejectApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req := s.parseDecisionBody(r)

	decided, err := s.jobs.RejectApproval(r.Context(), id, req.DecidedBy, req.Reason)
	if err != nil {
		s.logger.Error("failed to reject approval", "error", err.Error())
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to reject approval"))

		return
	}

	writeJSON(w, s.logger, http.StatusOK, decisionResponse{Decided: decided})
}
