package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/burrowhq/warden/pkg/metrics"
	"github.com/burrowhq/warden/pkg/storage"
	"github.com/burrowhq/warden/pkg/types"
)

// Device listing pagination bounds.
const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, ok := s.readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body")
		return false
	}
	return true
}

// --- Commands ---

func (s *Server) handleAdminCreateCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID   string            `json:"device_id"`
		Type       types.CommandType `json:"type"`
		Priority   types.Priority    `json:"priority,omitempty"`
		Payload    json.RawMessage   `json:"payload,omitempty"`
		ExpiresIn  int               `json:"expires_in,omitempty"` // seconds
		MaxRetries int               `json:"max_retries,omitempty"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "device_id is required")
		return
	}
	if _, err := s.store.GetDevice(r.Context(), req.DeviceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeDeviceNotFound, "device not found")
			return
		}
		writeDomainError(w, r, err)
		return
	}

	cmd, err := s.queue.Enqueue(req.DeviceID, req.Type, req.Priority, req.Payload,
		time.Duration(req.ExpiresIn)*time.Second, req.MaxRetries)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	metrics.CommandsEnqueued.Inc()

	writeJSON(w, http.StatusCreated, map[string]any{
		"status":  "ok",
		"command": cmd,
	})
}

func (s *Server) handleAdminGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.queue.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "command": cmd})
}

func (s *Server) handleAdminListCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.queue.ListByDevice(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "commands": cmds})
}

// --- Tasks ---

func (s *Server) handleAdminCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string          `json:"device_id"`
		Type     types.TaskType  `json:"type"`
		Payload  json.RawMessage `json:"payload,omitempty"`
		TimeoutS int             `json:"timeout_s,omitempty"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "device_id is required")
		return
	}
	if _, err := s.store.GetDevice(r.Context(), req.DeviceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeDeviceNotFound, "device not found")
			return
		}
		writeDomainError(w, r, err)
		return
	}

	task, err := s.reconciler.Create(r.Context(), req.DeviceID, req.Type, req.Payload, req.TimeoutS)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	metrics.TasksCreated.Inc()

	writeJSON(w, http.StatusCreated, map[string]any{
		"status":  "ok",
		"task_id": task.TaskID,
		"task":    task,
	})
}

func (s *Server) handleAdminGetTask(w http.ResponseWriter, r *http.Request) {
	task, state, err := s.reconciler.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := map[string]any{"status": "ok", "task": task}
	if state != nil {
		resp["state"] = state
	}
	logs, err := s.reconciler.Logs(r.Context(), task.TaskID)
	if err == nil && len(logs) > 0 {
		resp["logs"] = logs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.reconciler.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "task": task})
}

func (s *Server) handleAdminListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.reconciler.ListByDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tasks": list})
}

// --- Configurations ---

func (s *Server) handleAdminUpsertConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope     types.ConfigScope `json:"scope"`
		TargetID  string            `json:"target_id,omitempty"`
		Content   json.RawMessage   `json:"content"`
		UpdatedBy string            `json:"updated_by,omitempty"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	cfg, err := s.configs.Upsert(r.Context(), req.Scope, req.TargetID, req.Content, req.UpdatedBy)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "config": cfg})
}

func (s *Server) handleAdminListConfigs(w http.ResponseWriter, r *http.Request) {
	list, err := s.configs.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "configurations": list})
}

func (s *Server) handleAdminGetConfig(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "config id must be an integer")
		return
	}
	cfg, err := s.configs.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "config": cfg})
}

func (s *Server) handleAdminDeleteConfig(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "config id must be an integer")
		return
	}
	if err := s.configs.Delete(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Devices ---

func (s *Server) handleAdminListDevices(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", defaultPageSize)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	devices, total, err := s.store.ListDevices(r.Context(), (page-1)*pageSize, pageSize)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"devices":   devices,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleAdminGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeDeviceNotFound, "device not found")
		return
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "device": device})
}

func (s *Server) handleAdminUpdateDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var req struct {
		Status  *types.DeviceStatus `json:"status,omitempty"`
		Version *string             `json:"version,omitempty"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Status != nil {
		switch *req.Status {
		case types.DeviceOnline, types.DeviceOffline, types.DeviceError:
		default:
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid device status")
			return
		}
	}

	err := s.store.UpdateDevice(r.Context(), deviceID, types.DeviceUpdate{
		Status:  req.Status,
		Version: req.Version,
	})
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeDeviceNotFound, "device not found")
		return
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	device, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "device": device})
}

func (s *Server) handleAdminDeleteDevice(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteDevice(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeDeviceNotFound, "device not found")
		return
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Enrollment tokens ---

func (s *Server) handleAdminCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExpiresIn   int    `json:"expires_in,omitempty"` // seconds; 0 = never
		Description string `json:"description,omitempty"`
		CreatedBy   string `json:"created_by,omitempty"`
		MaxUsage    int    `json:"max_usage,omitempty"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	token, err := s.tokens.Generate(r.Context(), time.Duration(req.ExpiresIn)*time.Second,
		req.Description, req.CreatedBy, req.MaxUsage)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "ok", "token": token})
}

func (s *Server) handleAdminListTokens(w http.ResponseWriter, r *http.Request) {
	list, err := s.tokens.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tokens": list})
}

func (s *Server) handleAdminUpdateToken(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "token")

	var req struct {
		Description *string `json:"description,omitempty"`
		IsActive    *bool   `json:"is_active,omitempty"`
		MaxUsage    *int    `json:"max_usage,omitempty"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	current, err := s.tokens.Validate(tokenID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if req.Description != nil {
		current.Description = *req.Description
	}
	if req.IsActive != nil {
		current.IsActive = *req.IsActive
	}
	if req.MaxUsage != nil && *req.MaxUsage > 0 {
		current.MaxUsage = *req.MaxUsage
	}

	if err := s.tokens.Update(r.Context(), current); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "token": current})
}

func (s *Server) handleAdminDeleteToken(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.Delete(r.Context(), chi.URLParam(r, "token")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Audit ---

func (s *Server) handleAdminListAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListAuditEvents(r.Context(), r.URL.Query().Get("device_id"), queryInt(r, "limit", 100))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "events": events})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
