package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/burrowhq/warden/pkg/audit"
	"github.com/burrowhq/warden/pkg/commands"
	"github.com/burrowhq/warden/pkg/configstore"
	"github.com/burrowhq/warden/pkg/crypto"
	"github.com/burrowhq/warden/pkg/enroll"
	"github.com/burrowhq/warden/pkg/heartbeat"
	"github.com/burrowhq/warden/pkg/log"
	"github.com/burrowhq/warden/pkg/replay"
	"github.com/burrowhq/warden/pkg/storage"
	"github.com/burrowhq/warden/pkg/tasks"
)

// Stable error codes of the wire contract.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeInvalidPlatform    = "INVALID_PLATFORM"
	CodeInvalidSignature   = "INVALID_SIGNATURE"
	CodeReplayAttack       = "REPLAY_ATTACK"
	CodeDeviceNotFound     = "DEVICE_NOT_FOUND"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeCommandNotFound    = "COMMAND_NOT_FOUND"
	CodeInvalidCommandType = "INVALID_COMMAND_TYPE"
	CodeForbidden          = "FORBIDDEN"
	CodeBatchTooLarge      = "BATCH_TOO_LARGE"
	CodeDatabaseError      = "DATABASE_ERROR"
	CodeCryptoError        = "CRYPTO_ERROR"
	CodeInternalError      = "INTERNAL_ERROR"
)

// errorBody is the failure envelope.
type errorBody struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		wlog := log.WithComponent("api")
		wlog.Warn().Err(err).Msg("encode response failed")
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Status: "error", Error: msg, ErrorCode: code})
}

// writeDomainError maps a domain error onto the stable error code set.
// Unmapped errors are treated as storage failures: logged with context,
// reported as a generic 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var rle *heartbeat.RateLimitError
	if errors.As(err, &rle) {
		retryAfter := (rle.Result.ResetMs - time.Now().UnixMilli() + 999) / 1000
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rle.Result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rle.Result.ResetMs, 10))
		writeError(w, http.StatusTooManyRequests, CodeRateLimitExceeded, "rate limit exceeded")
		return
	}

	switch {
	case errors.Is(err, heartbeat.ErrInvalidRequest),
		errors.Is(err, enroll.ErrInvalidRequest),
		errors.Is(err, replay.ErrNonceTooShort),
		errors.Is(err, audit.ErrEmptyBatch),
		errors.Is(err, audit.ErrBadEvent),
		errors.Is(err, commands.ErrInvalidStatus),
		errors.Is(err, tasks.ErrInvalidType),
		errors.Is(err, configstore.ErrInvalidScope),
		errors.Is(err, configstore.ErrBadTarget),
		errors.Is(err, configstore.ErrBadContent),
		errors.Is(err, enroll.ErrBadExpiry):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, enroll.ErrInvalidToken),
		errors.Is(err, enroll.ErrInvalidFormat),
		errors.Is(err, enroll.ErrTokenNotFound),
		errors.Is(err, enroll.ErrTokenUsed),
		errors.Is(err, enroll.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, CodeInvalidToken, "invalid enrollment token")
	case errors.Is(err, enroll.ErrInvalidPlatform):
		writeError(w, http.StatusBadRequest, CodeInvalidPlatform, "invalid platform")
	case errors.Is(err, heartbeat.ErrSignature),
		errors.Is(err, crypto.ErrBadSignature),
		errors.Is(err, crypto.ErrTimestampOutOfRange):
		writeError(w, http.StatusUnauthorized, CodeInvalidSignature, "signature verification failed")
	case errors.Is(err, heartbeat.ErrReplay), errors.Is(err, replay.ErrReplay):
		writeError(w, http.StatusUnauthorized, CodeReplayAttack, "nonce already used")
	case errors.Is(err, heartbeat.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, CodeDeviceNotFound, "device not found")
	case errors.Is(err, commands.ErrNotFound), errors.Is(err, commands.ErrExpired):
		writeError(w, http.StatusNotFound, CodeCommandNotFound, "command not found")
	case errors.Is(err, commands.ErrInvalidType):
		writeError(w, http.StatusBadRequest, CodeInvalidCommandType, "invalid command type")
	case errors.Is(err, commands.ErrForbidden):
		writeError(w, http.StatusForbidden, CodeForbidden, "command not owned by device")
	case errors.Is(err, audit.ErrBatchTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, CodeBatchTooLarge, "audit batch too large")
	case errors.Is(err, enroll.ErrCrypto), errors.Is(err, crypto.ErrBadKey):
		writeError(w, http.StatusInternalServerError, CodeCryptoError, "crypto failure")
	case errors.Is(err, tasks.ErrNotFound), errors.Is(err, storage.ErrNotFound),
		errors.Is(err, configstore.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeInvalidRequest, "not found")
	default:
		wlog := log.WithComponent("api")
		wlog.Error().Err(err).
			Str("method", r.Method).Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "storage failure")
	}
}
