package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/operonlabs/conductor/pkg/aistep"
	"github.com/operonlabs/conductor/pkg/audit"
	"github.com/operonlabs/conductor/pkg/contracts"
	"github.com/operonlabs/conductor/pkg/review"
	"github.com/operonlabs/conductor/pkg/store"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "invalid request body")
		return false
	}
	return true
}

// handleProgressReport handles POST /api/v1/executions/progress.
func (s *Server) handleProgressReport(w http.ResponseWriter, r *http.Request) {
	var report contracts.ProgressReport
	if !decodeBody(w, r, &report) {
		return
	}

	exec, err := s.executions.ReportProgress(r.Context(), report)
	if err != nil {
		if errors.Is(err, store.ErrTerminalExecution) {
			WriteJSON(w, http.StatusConflict, map[string]any{
				"success":     false,
				"executionId": report.EngineExecutionID,
				"error":       "execution already terminal, report ignored",
			})
			return
		}
		WriteTypedError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"executionId": exec.EngineExecutionID,
		"status":      exec.Status,
		"message":     "progress recorded",
	})
}

// handleExecutionQuery handles GET /api/v1/executions/progress?id=.
func (s *Server) handleExecutionQuery(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	exec, err := s.executions.Get(r.Context(), id)
	if err != nil {
		WriteTypedError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}

// handleComplete handles POST /api/v1/executions/complete.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var report contracts.CompletionReport
	if !decodeBody(w, r, &report) {
		return
	}

	status, message, err := s.executions.Complete(r.Context(), report)
	if err != nil {
		WriteTypedError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": message,
		"status":  status,
	})
}

// handleReviewCreate handles POST /api/v1/reviews.
func (s *Server) handleReviewCreate(w http.ResponseWriter, r *http.Request) {
	var req review.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.reviews.Create(r.Context(), req)
	if err != nil {
		WriteTypedError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// handleReviewPoll handles GET /api/v1/reviews?id=.
func (s *Server) handleReviewPoll(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	rev, err := s.reviews.Poll(r.Context(), id)
	if err != nil {
		WriteTypedError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"id":            rev.ID,
		"status":        rev.Status,
		"actionType":    rev.ReviewType,
		"actionPayload": rev.Payload,
		"chatHistory":   rev.ChatHistory,
		"createdAt":     rev.CreatedAt,
	})
}

// handleReviewRespond handles POST /api/v1/reviews/respond.
func (s *Server) handleReviewRespond(w http.ResponseWriter, r *http.Request) {
	var decision contracts.ReviewDecision
	if !decodeBody(w, r, &decision) {
		return
	}
	if reviewer := ReviewerFromToken(r, s.reviewerSecret); reviewer != "" {
		decision.ReviewerID = reviewer
	}

	result, err := s.reviews.Respond(r.Context(), decision)
	if err != nil {
		WriteTypedError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// handleAIExecute handles POST /api/v1/ai/execute.
func (s *Server) handleAIExecute(w http.ResponseWriter, r *http.Request) {
	var req aistep.Request
	if !decodeBody(w, r, &req) {
		return
	}

	outcome, err := s.aiExecutor.Execute(r.Context(), req)
	if err != nil {
		WriteTypedError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, outcome)
}

// handleCleanupRun handles POST /api/v1/cleanup/run.
func (s *Server) handleCleanupRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.reaper.Run(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// handleCleanupStatus handles GET /api/v1/cleanup/status.
func (s *Server) handleCleanupStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.reaper.Status(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// handleActivity handles GET /api/v1/activity?executionId=&limit=.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			limit = n
		}
	}
	entries, err := s.store.QueryActivity(r.Context(), store.ActivityFilter{
		ExecutionID: r.URL.Query().Get("executionId"),
		Limit:       limit,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleActivityExport handles POST /api/v1/activity/export.
func (s *Server) handleActivityExport(w http.ResponseWriter, r *http.Request) {
	var req audit.ExportRequest
	if !decodeBody(w, r, &req) {
		return
	}

	_, result, err := s.exporter.GeneratePack(r.Context(), req)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidTimeRange) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"checksum":    result.Checksum,
		"entryCount":  result.EntryCount,
		"objectKey":   result.ObjectKey,
		"sizeBytes":   result.SizeBytes,
		"generatedAt": time.Now().UTC(),
	})
}

func parsePositiveInt(raw string) (int, error) {
	n := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + int(c-'0')
		if n > 10000 {
			return 10000, nil
		}
	}
	if n == 0 {
		return 0, errors.New("zero")
	}
	return n, nil
}
