package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/claude-task-queue/internal/domain"
	"github.com/hochfrequenz/claude-task-queue/internal/lifecycle"
	"github.com/hochfrequenz/claude-task-queue/internal/qerr"
	"github.com/hochfrequenz/claude-task-queue/internal/scoring"
)

const (
	defaultSource  = "devbacklog"
	maxSourceChars = 100
)

// TaskResponse is the API response for a task
type TaskResponse struct {
	ID              int64           `json:"id"`
	UUID            string          `json:"task_uuid"`
	StoryID         int64           `json:"story_id"`
	EpicID          *int64          `json:"epic_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	SuccessCriteria []string        `json:"success_criteria"`
	Constraints     json.RawMessage `json:"constraints,omitempty"`
	Inputs          json.RawMessage `json:"inputs,omitempty"`
	ExpectedOutputs json.RawMessage `json:"expected_outputs,omitempty"`
	Mode            domain.Mode     `json:"mode"`
	Priority        int             `json:"priority"`
	SortOrder       int             `json:"sort_order"`
	Attempt         int             `json:"attempt"`
	MaxAttempts     int             `json:"max_attempts"`
	LastProvider    string          `json:"last_provider,omitempty"`
	ClaimedBy       *string         `json:"claimed_by"`
	ClaimedAt       *string         `json:"claimed_at"`
	Status          domain.Status   `json:"status"`
	StatusLabel     string          `json:"status_label"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:              t.ID,
		UUID:            t.UUID,
		StoryID:         t.StoryID,
		EpicID:          t.EpicID,
		Title:           t.Title,
		Description:     t.Description,
		SuccessCriteria: t.SuccessCriteria,
		Constraints:     t.Constraints,
		Inputs:          t.Inputs,
		ExpectedOutputs: t.ExpectedOutputs,
		Mode:            t.Mode,
		Priority:        t.Priority,
		SortOrder:       t.SortOrder,
		Attempt:         t.Attempt,
		MaxAttempts:     t.MaxAttempts,
		LastProvider:    t.LastProvider,
		ClaimedBy:       t.ClaimedBy,
		Status:          t.Status,
		StatusLabel:     t.Status.Label(),
		CreatedAt:       t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       t.UpdatedAt.Format(time.RFC3339),
	}
	if resp.SuccessCriteria == nil {
		resp.SuccessCriteria = []string{}
	}
	if t.ClaimedAt != nil {
		at := t.ClaimedAt.Format(time.RFC3339)
		resp.ClaimedAt = &at
	}
	return resp
}

// taskFromPath resolves the {id} path segment, a numeric id or a task UUID.
func (s *Server) taskFromPath(r *http.Request) (*domain.Task, error) {
	return s.machine.Get(r.Context(), r.PathValue("id"))
}

func (s *Server) queueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.reader.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func (s *Server) providerStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.reader.ProviderStats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		byName := make(map[string]any, len(stats))
		for _, ps := range stats {
			byName[ps.Provider] = ps
		}
		writeJSON(w, http.StatusOK, byName)
	}
}

func (s *Server) nextForQAHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		packet, err := s.reader.NextQAPacket(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if packet == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, packet)
	}
}

func (s *Server) nextForExecutionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		packet, err := s.reader.NextTaskPacket(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if packet == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, packet)
	}
}

func (s *Server) retryQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.reader.RetryQueue(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func (s *Server) getTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.taskFromPath(r)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, taskToResponse(task))
	}
}

// StoryRequest is the story context sent with ingested tasks
type StoryRequest struct {
	ID                 int64        `json:"id"`
	Title              string       `json:"title"`
	Narrative          string       `json:"narrative"`
	AcceptanceCriteria string       `json:"acceptance_criteria"`
	Epic               *EpicRequest `json:"epic"`
}

// EpicRequest is the optional epic a story belongs to
type EpicRequest struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

func (sr StoryRequest) toDomain() domain.Story {
	story := domain.Story{
		ID:                 sr.ID,
		Title:              sr.Title,
		Narrative:          sr.Narrative,
		AcceptanceCriteria: sr.AcceptanceCriteria,
	}
	if sr.Epic != nil && sr.Epic.ID != 0 {
		id := sr.Epic.ID
		story.EpicID = &id
		story.EpicTitle = sr.Epic.Title
	}
	return story
}

// CreateTaskRequest is the body of POST /api/tasks
type CreateTaskRequest struct {
	Story  StoryRequest         `json:"story"`
	Task   *lifecycle.TaskInput `json:"task"`
	Source string               `json:"source"`
	Hold   bool                 `json:"hold"`
}

// CreateBulkTasksRequest is the body of POST /api/tasks/bulk
type CreateBulkTasksRequest struct {
	Story  StoryRequest          `json:"story"`
	Tasks  []lifecycle.TaskInput `json:"tasks"`
	Source string                `json:"source"`
	Hold   bool                  `json:"hold"`
}

// CreatedTask identifies one ingested task
type CreatedTask struct {
	TaskID   int64         `json:"task_id"`
	TaskUUID string        `json:"task_uuid"`
	Title    string        `json:"title"`
	Status   domain.Status `json:"status"`
}

func sourceOrDefault(source string) (string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return defaultSource, nil
	}
	if len(source) > maxSourceChars {
		return "", qerr.Newf(qerr.Validation, "source exceeds %d characters", maxSourceChars)
	}
	return source, nil
}

func (s *Server) createTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateTaskRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Task == nil {
			writeError(w, qerr.New(qerr.Validation, "task is required"))
			return
		}
		source, err := sourceOrDefault(req.Source)
		if err != nil {
			writeError(w, err)
			return
		}

		task, err := s.machine.Ingest(r.Context(), req.Story.toDomain(), *req.Task, req.Hold)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"success":   true,
			"task_id":   task.ID,
			"task_uuid": task.UUID,
			"status":    task.Status,
			"source":    source,
		})
	}
}

func (s *Server) createBulkTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBulkTasksRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		source, err := sourceOrDefault(req.Source)
		if err != nil {
			writeError(w, err)
			return
		}

		tasks, err := s.machine.IngestBulk(r.Context(), req.Story.toDomain(), req.Tasks, req.Hold)
		if err != nil {
			writeError(w, err)
			return
		}
		created := make([]CreatedTask, len(tasks))
		for i, t := range tasks {
			created[i] = CreatedTask{TaskID: t.ID, TaskUUID: t.UUID, Title: t.Title, Status: t.Status}
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"success": true,
			"count":   len(created),
			"tasks":   created,
			"source":  source,
		})
	}
}

// ClaimRequest is the body of POST /api/tasks/{id}/claim
type ClaimRequest struct {
	Agent   string                 `json:"agent"`
	Purpose lifecycle.ClaimPurpose `json:"purpose"`
}

func (s *Server) claimHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ClaimRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		task, err := s.taskFromPath(r)
		if err != nil {
			writeError(w, err)
			return
		}
		claimed, err := s.machine.Claim(r.Context(), task.ID, req.Agent, req.Purpose)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"task_id":    claimed.UUID,
			"claimed_by": claimed.Holder(),
			"status":     claimed.Status,
		})
	}
}

// VerdictRequest is the body of POST /api/tasks/{id}/verdict
type VerdictRequest struct {
	Verdict        string   `json:"verdict"`
	Confidence     float64  `json:"confidence"`
	Reasoning      string   `json:"reasoning"`
	Observations   []string `json:"observations"`
	EvidencePaths  []string `json:"evidence_paths"`
	Agent          string   `json:"agent"`
	EvaluatorModel string   `json:"evaluator_model"`
}

func (s *Server) verdictHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req VerdictRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		task, err := s.taskFromPath(r)
		if err != nil {
			writeError(w, err)
			return
		}
		updated, verdict, err := s.machine.SubmitVerdict(r.Context(), task.ID, lifecycle.VerdictRequest{
			Verdict:        req.Verdict,
			Confidence:     req.Confidence,
			Reasoning:      req.Reasoning,
			Observations:   req.Observations,
			EvidencePaths:  req.EvidencePaths,
			Agent:          req.Agent,
			EvaluatorModel: req.EvaluatorModel,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"verdict_id":  verdict.UUID,
			"task_status": updated.Status,
		})
	}
}

// ConfirmRequest is the body of POST /api/tasks/{id}/confirm
type ConfirmRequest struct {
	Agent string `json:"agent"`
	Notes string `json:"notes"`
}

type confirmResponse struct {
	Success bool `json:"success"`
	*lifecycle.Confirmation
}

func (s *Server) confirmHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConfirmRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		task, err := s.taskFromPath(r)
		if err != nil {
			writeError(w, err)
			return
		}
		c, err := s.machine.Confirm(r.Context(), task.ID, req.Agent, req.Notes)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, confirmResponse{Success: true, Confirmation: c})
	}
}

// StartRunRequest is the body of POST /api/tasks/{id}/start-run
type StartRunRequest struct {
	ProviderName     string   `json:"provider_name"`
	ConfidenceWeight *float64 `json:"confidence_weight"`
}

func (s *Server) startRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartRunRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		task, err := s.taskFromPath(r)
		if err != nil {
			writeError(w, err)
			return
		}
		_, run, err := s.machine.StartRun(r.Context(), task.ID, req.ProviderName, req.ConfidenceWeight)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"run_id":  run.UUID,
			"attempt": run.AttemptNumber,
		})
	}
}

// CompleteRunRequest is the body of POST /api/tasks/{id}/complete-run
type CompleteRunRequest struct {
	RunID           string                 `json:"run_id"`
	ExecutionStatus domain.ExecutionStatus `json:"execution_status"`
	FilesModified   []string               `json:"files_modified"`
	DiffSummary     string                 `json:"diff_summary"`
	Logs            string                 `json:"logs"`
	DurationMs      *int64                 `json:"duration_ms"`
	ArtifactsPath   string                 `json:"artifacts_path"`
}

func (s *Server) completeRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CompleteRunRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		if strings.TrimSpace(req.RunID) == "" {
			writeError(w, qerr.New(qerr.Validation, "run_id is required"))
			return
		}
		task, err := s.taskFromPath(r)
		if err != nil {
			writeError(w, err)
			return
		}
		updated, run, err := s.machine.CompleteRun(r.Context(), task.ID, req.RunID, domain.RunResult{
			ExecutionStatus: req.ExecutionStatus,
			FilesModified:   req.FilesModified,
			DiffSummary:     req.DiffSummary,
			Logs:            req.Logs,
			DurationMs:      req.DurationMs,
			ArtifactsPath:   req.ArtifactsPath,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"run_id":      run.UUID,
			"task_status": updated.Status,
		})
	}
}

func taskStatusResponse(t *domain.Task) map[string]any {
	return map[string]any{
		"success": true,
		"task_id": t.UUID,
		"status":  t.Status,
	}
}

func (s *Server) releaseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.taskFromPath(r)
		if err != nil {
			writeError(w, err)
			return
		}
		released, err := s.machine.Release(r.Context(), task.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, taskStatusResponse(released))
	}
}

// EscalateRequest is the body of POST /api/tasks/{id}/escalate
type EscalateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) escalateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EscalateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		task, err := s.taskFromPath(r)
		if err != nil {
			writeError(w, err)
			return
		}
		escalated, err := s.machine.Escalate(r.Context(), task.ID, req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, taskStatusResponse(escalated))
	}
}

func (s *Server) enqueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.taskFromPath(r)
		if err != nil {
			writeError(w, err)
			return
		}
		queued, err := s.machine.Enqueue(r.Context(), task.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, taskStatusResponse(queued))
	}
}

// EvaluateRequest is the body of POST /api/evaluate
type EvaluateRequest struct {
	TaskName        string         `json:"task_name"`
	Success         *bool          `json:"success"`
	FailureType     string         `json:"failure_type"`
	ErrorMessage    string         `json:"error_message"`
	ExecutionTimeMs *int64         `json:"execution_time_ms"`
	Metadata        map[string]any `json:"metadata"`
}

// EvaluateResponse is the result of scoring one run
type EvaluateResponse struct {
	TaskRunID        int64                    `json:"task_run_id"`
	Verdict          domain.EvaluationVerdict `json:"verdict"`
	Confidence       float64                  `json:"confidence"`
	ConfidenceDelta  float64                  `json:"confidence_delta"`
	ShouldEscalate   bool                     `json:"should_escalate"`
	EscalationReason *string                  `json:"escalation_reason"`
	RetryGuidance    *domain.RetryGuidance    `json:"retry_guidance"`
	EvaluationID     int64                    `json:"evaluation_id"`
}

// EvaluationResponse is a stored evaluation
type EvaluationResponse struct {
	ID                 int64                     `json:"id"`
	TaskRunID          int64                     `json:"task_run_id"`
	TaskName           string                    `json:"task_name"`
	Verdict            domain.EvaluationVerdict  `json:"verdict"`
	Confidence         float64                   `json:"confidence"`
	ConfidenceDelta    float64                   `json:"confidence_delta"`
	RetryGuidance      *domain.RetryGuidance     `json:"retry_guidance"`
	ShouldEscalate     bool                      `json:"should_escalate"`
	EscalationReason   *string                   `json:"escalation_reason"`
	EvaluationMetadata domain.EvaluationMetadata `json:"evaluation_metadata"`
	CreatedAt          string                    `json:"created_at"`
}

// TaskRunResponse is a scoring run
type TaskRunResponse struct {
	ID              int64              `json:"id"`
	TaskName        string             `json:"task_name"`
	Success         bool               `json:"success"`
	FailureType     domain.FailureType `json:"failure_type,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	ExecutionTimeMs *int64             `json:"execution_time_ms"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
	CreatedAt       string             `json:"created_at"`
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func evaluationToResponse(e *domain.Evaluation) EvaluationResponse {
	return EvaluationResponse{
		ID:                 e.ID,
		TaskRunID:          e.RunID,
		TaskName:           e.TaskName,
		Verdict:            e.Verdict,
		Confidence:         e.Confidence,
		ConfidenceDelta:    e.ConfidenceDelta,
		RetryGuidance:      e.RetryGuidance,
		ShouldEscalate:     e.ShouldEscalate,
		EscalationReason:   optionalString(e.EscalationReason),
		EvaluationMetadata: e.Metadata,
		CreatedAt:          e.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) evaluateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EvaluateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Success == nil {
			writeError(w, qerr.New(qerr.Validation, "success is required"))
			return
		}

		eval, err := s.evaluator.Evaluate(r.Context(), scoring.EvaluateRequest{
			TaskName:        req.TaskName,
			Success:         *req.Success,
			FailureType:     domain.FailureType(req.FailureType),
			ErrorMessage:    req.ErrorMessage,
			ExecutionTimeMs: req.ExecutionTimeMs,
			Metadata:        req.Metadata,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, EvaluateResponse{
			TaskRunID:        eval.RunID,
			Verdict:          eval.Verdict,
			Confidence:       eval.Confidence,
			ConfidenceDelta:  eval.ConfidenceDelta,
			ShouldEscalate:   eval.ShouldEscalate,
			EscalationReason: optionalString(eval.EscalationReason),
			RetryGuidance:    eval.RetryGuidance,
			EvaluationID:     eval.ID,
		})
	}
}

func (s *Server) listEvaluationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := domain.EvaluationFilter{TaskName: q.Get("task_name")}
		for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
			raw := q.Get(name)
			if raw == "" {
				continue
			}
			n, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, qerr.Newf(qerr.Validation, "%s must be an integer", name))
				return
			}
			*dst = n
		}

		evals, err := s.evaluator.List(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		data := make([]EvaluationResponse, len(evals))
		for i, e := range evals {
			data[i] = evaluationToResponse(e)
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data})
	}
}

func (s *Server) getEvaluationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeError(w, qerr.Newf(qerr.NotFound, "evaluation %q not found", r.PathValue("id")))
			return
		}
		eval, run, err := s.evaluator.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		resp := map[string]any{"evaluation": evaluationToResponse(eval)}
		if run != nil {
			resp["task_run"] = TaskRunResponse{
				ID:              run.ID,
				TaskName:        run.TaskName,
				Success:         run.Success,
				FailureType:     run.FailureType,
				ErrorMessage:    run.ErrorMessage,
				ExecutionTimeMs: run.ExecutionTimeMs,
				Metadata:        run.Metadata,
				CreatedAt:       run.CreatedAt.Format(time.RFC3339),
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
