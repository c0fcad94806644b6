package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/zama9729/petal-hr-suite-16029-sub006/internal/log"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/models"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/service"
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/storage"
)

// Session headers the auth layer (an external collaborator) injects on
// every request after validating the caller.
const (
	tenantHeader = "X-Tenant-ID"
	userHeader   = "X-User-ID"
	roleHeader   = "X-User-Role"
)

func NewMux(svc *service.WorkflowService) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/workflows", WorkflowsHandler(svc))
	mux.HandleFunc("/workflows/", WorkflowSubtreeHandler(svc))
	return mux
}

func StartServer(port string, svc *service.WorkflowService) error {
	log.GetLogger().Infof("Starting workflow server on :%s", port)
	return http.ListenAndServe(":"+port, NewMux(svc))
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "Workflow server is running")
}

// WorkflowsHandler serves the definition collection.
func WorkflowsHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listWorkflowsHTTP(w, r, svc)
		case http.MethodPost:
			createWorkflowHTTP(w, r, svc)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// WorkflowSubtreeHandler dispatches everything under /workflows/:
// execute, actions/pending, actions/{id}/decide, instances/{id},
// {id}, {id}/start and {id}/publish.
func WorkflowSubtreeHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/workflows/"), "/")
		parts := strings.Split(rest, "/")

		switch {
		case rest == "execute" && r.Method == http.MethodPost:
			dryRunHTTP(w, r, svc)
		case rest == "actions/pending" && r.Method == http.MethodGet:
			pendingActionsHTTP(w, r, svc)
		case len(parts) == 3 && parts[0] == "actions" && parts[2] == "decide" && r.Method == http.MethodPost:
			decideHTTP(w, r, svc, parts[1])
		case len(parts) == 2 && parts[0] == "instances" && r.Method == http.MethodGet:
			getInstanceHTTP(w, r, svc, parts[1])
		case len(parts) == 1 && r.Method == http.MethodGet:
			getWorkflowHTTP(w, r, svc, parts[0])
		case len(parts) == 2 && parts[1] == "start" && r.Method == http.MethodPost:
			startInstanceHTTP(w, r, svc, parts[0])
		case len(parts) == 2 && parts[1] == "publish" && r.Method == http.MethodPost:
			publishWorkflowHTTP(w, r, svc, parts[0])
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	}
}

type graphPayload struct {
	Nodes       []models.Node `json:"nodes"`
	Connections []models.Edge `json:"connections"`
}

type createWorkflowRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Workflow    graphPayload `json:"workflow"`
	Publish     bool         `json:"publish,omitempty"`
}

func createWorkflowHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService) {
	tenantID, userID, _, ok := session(w, r)
	if !ok {
		return
	}
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	def, err := svc.CreateDefinition(tenantID, userID, req.Name, req.Workflow.Nodes, req.Workflow.Connections, req.Publish)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":      def.ID,
		"version": def.Version,
		"status":  def.Status,
		"message": fmt.Sprintf("Created workflow '%s' with ID %d", def.Name, def.ID),
	})
}

func listWorkflowsHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService) {
	tenantID, _, _, ok := session(w, r)
	if !ok {
		return
	}
	defs, err := svc.ListDefinitions(tenantID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func getWorkflowHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService, rawID string) {
	tenantID, _, _, ok := session(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		http.Error(w, "Invalid workflow ID", http.StatusBadRequest)
		return
	}
	def, err := svc.GetDefinition(tenantID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func publishWorkflowHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService, rawID string) {
	tenantID, _, _, ok := session(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		http.Error(w, "Invalid workflow ID", http.StatusBadRequest)
		return
	}
	def, err := svc.PublishDefinition(tenantID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      def.ID,
		"status":  def.Status,
		"message": fmt.Sprintf("Published workflow %d", def.ID),
	})
}

type startInstanceRequest struct {
	Name           string         `json:"name,omitempty"`
	TriggerPayload models.Payload `json:"trigger_payload,omitempty"`
}

func startInstanceHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService, rawID string) {
	tenantID, userID, _, ok := session(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		http.Error(w, "Invalid workflow ID", http.StatusBadRequest)
		return
	}
	var req startInstanceRequest
	if r.Body != nil {
		// An empty body starts the instance with an empty payload.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	inst, err := svc.StartInstance(tenantID, userID, id, req.TriggerPayload)
	if err != nil && !service.IsExecution(err) {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func getInstanceHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService, id string) {
	tenantID, _, _, ok := session(w, r)
	if !ok {
		return
	}
	inst, actions, err := svc.GetInstance(tenantID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instance": inst,
		"actions":  actions,
	})
}

type dryRunRequest struct {
	Workflow       graphPayload   `json:"workflow"`
	TriggerPayload models.Payload `json:"trigger_payload,omitempty"`
}

func dryRunHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService) {
	tenantID, _, _, ok := session(w, r)
	if !ok {
		return
	}
	var req dryRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	result, err := svc.DryRun(tenantID, req.Workflow.Nodes, req.Workflow.Connections, req.TriggerPayload)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func pendingActionsHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService) {
	tenantID, _, role, ok := session(w, r)
	if !ok {
		return
	}
	if role == "" {
		http.Error(w, "Missing "+roleHeader+" header", http.StatusBadRequest)
		return
	}
	actions, err := svc.PendingActions(tenantID, role)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

type decideRequest struct {
	Decision models.ActionStatus `json:"decision"`
	Reason   string              `json:"reason,omitempty"`
}

func decideHTTP(w http.ResponseWriter, r *http.Request, svc *service.WorkflowService, actionID string) {
	tenantID, userID, role, ok := session(w, r)
	if !ok {
		return
	}
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	inst, err := svc.Decide(tenantID, userID, role, actionID, req.Decision, req.Reason)
	if err != nil {
		if service.IsConflict(err) {
			// Lost race on an already-resolved action: a no-op, not a failure.
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"applied": false,
				"message": err.Error(),
			})
			return
		}
		if !service.IsExecution(err) {
			writeServiceError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applied":  true,
		"instance": inst,
	})
}

func session(w http.ResponseWriter, r *http.Request) (tenantID, userID, role string, ok bool) {
	tenantID = r.Header.Get(tenantHeader)
	if tenantID == "" {
		http.Error(w, "Missing "+tenantHeader+" header", http.StatusBadRequest)
		return "", "", "", false
	}
	return tenantID, r.Header.Get(userHeader), r.Header.Get(roleHeader), true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case service.IsValidation(err):
		var verr *service.ValidationError
		errors.As(err, &verr)
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":      "invalid workflow definition",
			"violations": verr.Violations,
		})
	case service.IsPermission(err), service.IsTenantMismatch(err):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case service.IsExecution(err):
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		log.GetLogger().Errorf("Request failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
