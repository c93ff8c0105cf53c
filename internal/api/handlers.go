package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/workbench-labs/workbench/internal/config"
	"github.com/workbench-labs/workbench/internal/orchestrator"
	"github.com/workbench-labs/workbench/internal/preview"
	"github.com/workbench-labs/workbench/pkg/models"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	cfg   *config.Config
	orch  *orchestrator.Manager
	proxy *preview.Proxy
}

// NewHandler creates a new HTTP handler
func NewHandler(cfg *config.Config, orch *orchestrator.Manager, proxy *preview.Proxy) *Handler {
	return &Handler{cfg: cfg, orch: orch, proxy: proxy}
}

// CreateWorkspaceRequest is the payload for provisioning a workspace
type CreateWorkspaceRequest struct {
	Name           string                 `json:"name,omitempty"`
	Files          []models.WorkspaceFile `json:"files,omitempty"`
	Env            map[string]string      `json:"env,omitempty"`
	TimeoutMinutes int                    `json:"timeoutMinutes,omitempty"`
}

// CreateWorkspace handles POST /api/v1/workspaces
func (h *Handler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	userID := userIDFrom(r)
	workspaceID := uuid.New().String()

	name := req.Name
	if name == "" {
		name = "My Workspace"
	}

	record, err := h.orch.CreateContainer(r.Context(), orchestrator.CreateOptions{
		WorkspaceID: workspaceID,
		UserID:      userID,
		Files:       req.Files,
		Env:         req.Env,
		IdleTimeout: time.Duration(req.TimeoutMinutes) * time.Minute,
	})
	if err != nil {
		log.Printf("[api] workspace creation failed: %v", err)
		if errors.Is(err, orchestrator.ErrCapacity) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create workspace")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message":       "Workspace created successfully",
		"workspace_id":  workspaceID,
		"name":          name,
		"status":        record.Status,
		"file_count":    len(req.Files),
		"preview_url":   "/api/v1/preview/" + workspaceID + "/",
		"websocket_url": "/api/v1/terminal/ws?workspaceId=" + workspaceID,
		"container":     record,
	})
}

// GetWorkspace handles GET /api/v1/workspaces/{workspaceId}
func (h *Handler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := mux.Vars(r)["workspaceId"]
	userID := userIDFrom(r)

	record, ok := h.orch.Record(workspaceID)
	if !ok {
		writeError(w, http.StatusNotFound, "Workspace not found")
		return
	}
	if record.UserID != userID {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	usage := h.orch.ResourceUsage(r.Context(), workspaceID)

	writeJSON(w, http.StatusOK, map[string]any{
		"workspace_id": workspaceID,
		"status":       record.Status,
		"created_at":   record.CreatedAt,
		"container":    record,
		"usage":        usage,
		"preview_url":  h.proxy.PreviewURL(workspaceID),
	})
}

// ListWorkspaces handles GET /api/v1/workspaces
func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	records := h.orch.UserContainers(userID)

	workspaces := make([]map[string]any, 0, len(records))
	for _, record := range records {
		workspaces = append(workspaces, map[string]any{
			"workspace_id":  record.WorkspaceID,
			"status":        record.Status,
			"created_at":    record.CreatedAt,
			"preview_url":   "/api/v1/preview/" + record.WorkspaceID + "/",
			"websocket_url": "/api/v1/terminal/ws?workspaceId=" + record.WorkspaceID,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(workspaces),
		"workspaces": workspaces,
	})
}

// DeleteWorkspace handles DELETE /api/v1/workspaces/{workspaceId}
func (h *Handler) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := mux.Vars(r)["workspaceId"]
	userID := userIDFrom(r)

	record, ok := h.orch.Record(workspaceID)
	if !ok {
		writeError(w, http.StatusNotFound, "Workspace not found")
		return
	}
	if record.UserID != userID {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	h.orch.StopContainer(r.Context(), workspaceID)
	h.proxy.CloseSession(workspaceID)

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Workspace stopped successfully",
	})
}

// ExecCommandRequest is the payload for the REST exec fallback
type ExecCommandRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
}

// ExecCommand handles POST /api/v1/workspaces/{workspaceId}/exec, the
// REST fallback for non-WebSocket clients.
func (h *Handler) ExecCommand(w http.ResponseWriter, r *http.Request) {
	workspaceID := mux.Vars(r)["workspaceId"]
	userID := userIDFrom(r)

	var req ExecCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "Command required")
		return
	}

	record, ok := h.orch.Record(workspaceID)
	if !ok {
		writeError(w, http.StatusNotFound, "Workspace not found")
		return
	}
	if record.UserID != userID {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	result, err := h.orch.ExecuteCommand(r.Context(), workspaceID, req.Command, orchestrator.ExecOptions{
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
		Cwd:     req.Cwd,
	})
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrCommandRejected):
			writeError(w, http.StatusBadRequest, "Command not allowed")
		case errors.Is(err, orchestrator.ErrNotRunning):
			writeError(w, http.StatusNotFound, "Workspace not found")
		default:
			writeError(w, http.StatusInternalServerError, "Failed to execute command")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  result.ExitCode == 0,
		"exitCode": result.ExitCode,
		"stdout":   result.Stdout,
		"stderr":   result.Stderr,
	})
}

// Preview handles all traffic under /api/v1/preview/{workspaceId},
// dispatching upgrade requests to the WebSocket pump and everything
// else to the HTTP reverse proxy.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	workspaceID := mux.Vars(r)["workspaceId"]

	if isUpgrade(r) {
		h.proxy.HandleUpgrade(w, r)
		return
	}
	h.proxy.HandleRequest(w, r, workspaceID, userIDFrom(r))
}

// PreviewInfo handles GET /api/v1/preview/{workspaceId}/info
func (h *Handler) PreviewInfo(w http.ResponseWriter, r *http.Request) {
	workspaceID := mux.Vars(r)["workspaceId"]
	userID := userIDFrom(r)

	record, ok := h.orch.Record(workspaceID)
	if !ok {
		writeError(w, http.StatusNotFound, "Workspace not found")
		return
	}
	if record.UserID != userID {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	body := map[string]any{
		"url": h.proxy.PreviewURL(workspaceID),
	}
	session, available := h.proxy.Session(workspaceID)
	body["available"] = available
	if available {
		body["session"] = session
	}
	writeJSON(w, http.StatusOK, body)
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func isUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
