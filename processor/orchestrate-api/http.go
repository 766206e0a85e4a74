package orchestrateapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/engineersedge/orchestrator/orchestration"
)

// RegisterHTTPHandlers registers the admission endpoints on the mux.
// The prefix may or may not include a trailing slash.
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix, c.handleOrchestrate)
	mux.HandleFunc(prefix+"/", c.handleOrchestrateWithID)
}

// orchestrateRequest is the POST /orchestrate body.
type orchestrateRequest struct {
	Workflow       string                `json:"workflow,omitempty"`
	Data           orchestration.Payload `json:"data"`
	CorrelationID  string                `json:"correlationId,omitempty"`
	IdempotencyKey string                `json:"idempotencyKey,omitempty"`
}

// admissionResponse is the 202 body.
type admissionResponse struct {
	RequestID         string `json:"requestId"`
	Status            string `json:"status"`
	EstimatedDuration string `json:"estimatedDuration"`
	StatusURL         string `json:"statusUrl"`
}

// stepView is one row of the status step list.
type stepView struct {
	StepNumber int    `json:"stepNumber"`
	WorkerType string `json:"workerType"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// statusResponse is the GET /orchestrate/{id} body.
type statusResponse struct {
	RequestID     string                      `json:"requestId"`
	Status        string                      `json:"status"`
	Workflow      string                      `json:"workflow"`
	CorrelationID string                      `json:"correlationId"`
	Steps         []stepView                  `json:"steps,omitempty"`
	Result        orchestration.Payload       `json:"result,omitempty"`
	Error         *orchestration.RequestError `json:"error,omitempty"`
	CreatedAt     time.Time                   `json:"createdAt"`
	UpdatedAt     time.Time                   `json:"updatedAt"`
	CompletedAt   *time.Time                  `json:"completedAt,omitempty"`
}

func (c *Component) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	c.lastActivity.Store(time.Now().UnixNano())
	switch r.Method {
	case http.MethodPost:
		c.handleAdmit(w, r)
	case http.MethodGet:
		c.handleList(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *Component) handleOrchestrateWithID(w http.ResponseWriter, r *http.Request) {
	c.lastActivity.Store(time.Now().UnixNano())

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(c.config.StatusPathPrefix, "/")), "/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Request id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		c.handleStatus(w, r, id)
	case http.MethodDelete:
		c.handleCancel(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAdmit accepts a new request: resolve the caller, consult
// idempotency, route the workflow, persist and notify the scheduler.
func (c *Component) handleAdmit(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		c.reject(w, http.StatusUnauthorized, "missing auth context")
		return
	}

	var body orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		c.reject(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Data == nil {
		c.reject(w, http.StatusBadRequest, "data is required")
		return
	}

	ctx := r.Context()

	// Idempotent admission: same (user, key) returns the existing
	// request without creating anything.
	if body.IdempotencyKey != "" {
		existing, err := c.store.FindByIdempotency(ctx, userID, body.IdempotencyKey)
		if err == nil {
			if body.Workflow != "" && body.Workflow != existing.WorkflowName {
				c.reject(w, http.StatusConflict, "idempotency key already used for a different workflow")
				return
			}
			c.logger.Info("Idempotent admission replay",
				"request_id", existing.ID,
				"correlation_id", existing.CorrelationID,
				"user_id", userID,
				"service", c.config.ServiceName)
			c.writeAdmission(w, existing)
			return
		}
		if !errors.Is(err, orchestration.ErrNotFound) {
			c.reject(w, http.StatusInternalServerError, "idempotency lookup failed")
			return
		}
	}

	if c.scheduler.Saturated() {
		c.reject(w, http.StatusServiceUnavailable, "dispatch backlog saturated")
		return
	}

	tpl, err := c.router.Route(body.Workflow, body.Data)
	if err != nil {
		c.reject(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now()
	correlationID := body.CorrelationID
	if correlationID == "" {
		correlationID = orchestration.NewID()
	}
	req := &orchestration.Request{
		ID:             orchestration.NewID(),
		UserID:         userID,
		WorkflowName:   tpl.Name,
		Payload:        body.Data,
		CorrelationID:  correlationID,
		IdempotencyKey: body.IdempotencyKey,
		Status:         orchestration.RequestPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	workflow, err := c.templates.Instantiate(tpl, req.ID, body.Data, now)
	if err != nil {
		c.reject(w, http.StatusBadRequest, err.Error())
		return
	}
	req.WorkflowID = workflow.ID

	if err := c.store.CreateRequest(ctx, req); err != nil {
		c.reject(w, http.StatusInternalServerError, "failed to persist request")
		return
	}
	if err := c.store.CreateWorkflow(ctx, workflow); err != nil {
		c.reject(w, http.StatusInternalServerError, "failed to persist workflow")
		return
	}

	// In-process signal; the response does not wait for the first
	// dispatch.
	c.mu.RLock()
	runCtx := c.runCtx
	c.mu.RUnlock()
	go c.scheduler.StartWorkflow(runCtx, req.ID, workflow.ID)

	c.admitted.Add(1)
	c.collector.RequestAdmitted(tpl.Name)
	c.logger.Info("Request admitted",
		"request_id", req.ID,
		"correlation_id", req.CorrelationID,
		"user_id", userID,
		"service", c.config.ServiceName,
		"workflow", tpl.Name,
		"payload", orchestration.RedactPayload(body.Data))

	c.writeAdmission(w, req)
}

func (c *Component) writeAdmission(w http.ResponseWriter, req *orchestration.Request) {
	estimated := time.Minute
	if tpl, err := c.templates.Get(req.WorkflowName); err == nil {
		estimated = tpl.EstimatedDuration.Duration()
	}
	writeJSON(w, http.StatusAccepted, admissionResponse{
		RequestID:         req.ID,
		Status:            string(req.Status),
		EstimatedDuration: estimated.String(),
		StatusURL:         c.config.StatusPathPrefix + req.ID,
	})
}

// handleStatus returns the current request view.
func (c *Component) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	req, err := c.store.GetRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestration.ErrNotFound) {
			http.Error(w, "Request not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load request", http.StatusInternalServerError)
		return
	}

	view := statusResponse{
		RequestID:     req.ID,
		Status:        string(req.Status),
		Workflow:      req.WorkflowName,
		CorrelationID: req.CorrelationID,
		Result:        req.Result,
		Error:         req.Error,
		CreatedAt:     req.CreatedAt,
		UpdatedAt:     req.UpdatedAt,
		CompletedAt:   req.CompletedAt,
	}
	if workflow, err := c.store.GetWorkflow(r.Context(), req.WorkflowID); err == nil {
		for _, step := range workflow.Steps {
			st := workflow.State[step.StepNumber]
			row := stepView{StepNumber: step.StepNumber, WorkerType: step.WorkerType}
			if st != nil {
				row.Status = string(st.Status)
				row.Attempts = st.Attempts
				row.Error = st.Error
			}
			view.Steps = append(view.Steps, row)
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// handleList returns the caller's recent requests.
func (c *Component) handleList(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		c.reject(w, http.StatusUnauthorized, "missing auth context")
		return
	}

	requests, err := c.store.ListRequestsByUser(r.Context(), userID, c.config.ListLimit)
	if err != nil {
		http.Error(w, "Failed to list requests", http.StatusInternalServerError)
		return
	}

	views := make([]statusResponse, 0, len(requests))
	for _, req := range requests {
		views = append(views, statusResponse{
			RequestID:   req.ID,
			Status:      string(req.Status),
			Workflow:    req.WorkflowName,
			CreatedAt:   req.CreatedAt,
			UpdatedAt:   req.UpdatedAt,
			CompletedAt: req.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": views})
}

// handleCancel cancels a non-terminal request.
func (c *Component) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		c.reject(w, http.StatusUnauthorized, "missing auth context")
		return
	}

	req, err := c.scheduler.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestration.ErrNotFound) {
			http.Error(w, "Request not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to cancel request", http.StatusInternalServerError)
		return
	}
	c.logger.Info("Request cancelled",
		"request_id", req.ID,
		"correlation_id", req.CorrelationID,
		"user_id", userID,
		"service", c.config.ServiceName)
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": req.ID,
		"status":    string(req.Status),
	})
}

func (c *Component) reject(w http.ResponseWriter, code int, msg string) {
	c.rejected.Add(1)
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
