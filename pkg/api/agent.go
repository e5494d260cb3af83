package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/burrowhq/warden/pkg/crypto"
	"github.com/burrowhq/warden/pkg/enroll"
	"github.com/burrowhq/warden/pkg/events"
	"github.com/burrowhq/warden/pkg/heartbeat"
	"github.com/burrowhq/warden/pkg/metrics"
	"github.com/burrowhq/warden/pkg/ratelimit"
	"github.com/burrowhq/warden/pkg/replay"
	"github.com/burrowhq/warden/pkg/storage"
	"github.com/burrowhq/warden/pkg/types"
)

// signedEnvelope is the identity part of every signed agent request.
type signedEnvelope struct {
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// authenticateAgent runs the shared verification pipeline for signed
// endpoints other than heartbeat: fields, rate limit, device, signature,
// nonce. extra holds the endpoint-specific signed fields and hashInput the
// bytes recorded with the nonce reservation.
func (s *Server) authenticateAgent(ctx context.Context, endpoint string, limit int, env signedEnvelope, extra map[string]any, hashInput []byte) (*types.Device, error) {
	if env.DeviceID == "" || env.Timestamp <= 0 || env.Signature == "" ||
		len(env.Nonce) < replay.MinNonceLength {
		return nil, heartbeat.ErrInvalidRequest
	}

	res := s.limiter.CheckAndIncrement(env.DeviceID, endpoint, limit, ratelimit.DefaultWindow)
	if !res.Allowed {
		metrics.RateLimitedTotal.WithLabelValues(endpoint).Inc()
		return nil, &heartbeat.RateLimitError{Result: res}
	}

	device, err := s.store.GetDevice(ctx, env.DeviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, heartbeat.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := crypto.VerifyRequest(env.DeviceID, env.Timestamp, env.Nonce, env.Signature, device.PublicKey, extra); err != nil {
		metrics.SignatureFailuresTotal.Inc()
		return nil, errors.Join(heartbeat.ErrSignature, err)
	}

	if err := s.ledger.ValidateNonce(env.DeviceID, env.Nonce, crypto.RequestHash(hashInput)); err != nil {
		if errors.Is(err, replay.ErrReplay) {
			metrics.ReplayRejectionsTotal.Inc()
			return nil, heartbeat.ErrReplay
		}
		return nil, err
	}
	return device, nil
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.settings.MaxFileSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "unreadable request body")
		return nil, false
	}
	return body, true
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var req enroll.Request
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.EnrollmentsTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body")
		return
	}

	resp, err := s.gate.Enroll(r.Context(), &req, requestOrigin(r))
	if err != nil {
		metrics.EnrollmentsTotal.WithLabelValues("error").Inc()
		writeDomainError(w, r, err)
		return
	}

	metrics.EnrollmentsTotal.WithLabelValues("ok").Inc()
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:     events.EventDeviceEnrolled,
			Metadata: map[string]string{"device_id": resp.DeviceID},
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var req heartbeat.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body")
		return
	}

	resp, err := s.engine.Process(r.Context(), &req, body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCommandPoll authenticates via query parameters because GET has no
// body. The canonical payload covers device_id/timestamp/nonce and, when
// present, limit.
func (s *Server) handleCommandPoll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	env := signedEnvelope{
		DeviceID:  q.Get("device_id"),
		Nonce:     q.Get("nonce"),
		Signature: q.Get("signature"),
	}
	env.Timestamp, _ = strconv.ParseInt(q.Get("timestamp"), 10, 64)

	extra := map[string]any{}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
		extra["limit"] = json.Number(raw)
	}

	payload, err := crypto.BuildPayload(env.DeviceID, env.Timestamp, env.Nonce, extra)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed request")
		return
	}

	device, err := s.authenticateAgent(r.Context(), "command", ratelimit.CommandPollLimit, env, extra, payload)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	cmds, err := s.queue.Poll(device.ID, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if len(cmds) > 0 {
		metrics.CommandsDelivered.Add(float64(len(cmds)))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"server_time": time.Now().UnixMilli(),
		"commands":    cmds,
	})
}

func (s *Server) handleCommandAck(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "id")

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var req struct {
		signedEnvelope
		Status types.CommandStatus `json:"status"`
		Result json.RawMessage     `json:"result,omitempty"`
		Error  string              `json:"error,omitempty"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body")
		return
	}

	extra, err := crypto.ExtraFields(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body")
		return
	}

	device, err := s.authenticateAgent(r.Context(), "command", ratelimit.CommandPollLimit, req.signedEnvelope, extra, body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	cmd, err := s.queue.Ack(commandID, device.ID, req.Status, req.Result, req.Error)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	metrics.CommandsAcked.WithLabelValues(string(cmd.Status)).Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"command": cmd,
	})
}

func (s *Server) handleConfigPull(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var env signedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body")
		return
	}

	extra, err := crypto.ExtraFields(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body")
		return
	}

	device, err := s.authenticateAgent(r.Context(), "config", ratelimit.CommandPollLimit, env, extra, body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resolved, err := s.configs.Resolve(r.Context(), device)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"config":         resolved.Config,
		"config_version": resolved.Version,
	})
}

func (s *Server) handleAuditUpload(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var req struct {
		signedEnvelope
		Events []types.AuditEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body")
		return
	}

	extra, err := crypto.ExtraFields(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body")
		return
	}

	device, err := s.authenticateAgent(r.Context(), "audit", ratelimit.AuditBatchLimit, req.signedEnvelope, extra, body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	if err := s.auditor.Ingest(r.Context(), device.ID, req.Events); err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"accepted": len(req.Events),
	})
}

// requestOrigin derives the server URL visible to the agent, used as the
// SERVER_URL fallback in enrollment responses.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
