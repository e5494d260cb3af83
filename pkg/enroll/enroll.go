// Package enroll implements the enrollment gate and the enrollment token
// service. Enrollment mints a device identity and key pair; re-enrollment
// of a known machine (matched by MAC address) adopts the existing record
// and never double-consumes a token.
package enroll

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/burrowhq/warden/pkg/crypto"
	"github.com/burrowhq/warden/pkg/log"
	"github.com/burrowhq/warden/pkg/storage"
	"github.com/burrowhq/warden/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrInvalidRequest means a required field is missing or empty.
	ErrInvalidRequest = errors.New("missing required field")

	// ErrInvalidToken wraps the token service failures.
	ErrInvalidToken = errors.New("invalid enrollment token")

	// ErrInvalidPlatform means a valid token was paired with a platform
	// outside the enumerated set.
	ErrInvalidPlatform = errors.New("invalid platform")

	// ErrCrypto means key generation or parsing failed.
	ErrCrypto = errors.New("crypto failure")
)

// Request is the enrollment input. EnrollmentToken distinguishes an
// omitted field (nil, defaults to default-token) from an empty one, which
// is a validation error.
type Request struct {
	EnrollmentToken *string         `json:"enrollment_token"`
	Platform        types.Platform  `json:"platform"`
	Version         string          `json:"version"`
	DeviceID        string          `json:"device_id,omitempty"`
	PublicKey       string          `json:"public_key,omitempty"`
	MACAddress      string          `json:"mac_address,omitempty"`
	ClientInfo      json.RawMessage `json:"client_info,omitempty"`
}

// Response is returned to the agent once. PrivateKey is only present when
// the server generated the key pair; it is never stored.
type Response struct {
	Success         bool            `json:"success"`
	DeviceID        string          `json:"device_id"`
	PublicKey       string          `json:"public_key"`
	PrivateKey      string          `json:"private_key,omitempty"`
	Config          json.RawMessage `json:"config"`
	ServerPublicKey string          `json:"server_public_key,omitempty"`
	ServerURL       string          `json:"server_url,omitempty"`
}

// Gate validates enrollment requests and creates or adopts devices.
type Gate struct {
	store           storage.Store
	tokens          *TokenService
	serverPublicKey string
	serverURL       string
	sessionTimeout  time.Duration
}

// NewGate wires the enrollment gate. serverURL may be empty; the HTTP
// layer then derives it from the request.
func NewGate(store storage.Store, tokens *TokenService, serverPublicKey, serverURL string, sessionTimeout time.Duration) *Gate {
	return &Gate{
		store:           store,
		tokens:          tokens,
		serverPublicKey: serverPublicKey,
		serverURL:       serverURL,
		sessionTimeout:  sessionTimeout,
	}
}

// Enroll runs the enrollment algorithm. requestOrigin is the fallback
// server URL derived from the incoming request when SERVER_URL is unset.
func (g *Gate) Enroll(ctx context.Context, req *Request, requestOrigin string) (*Response, error) {
	if strings.TrimSpace(string(req.Platform)) == "" || strings.TrimSpace(req.Version) == "" {
		return nil, ErrInvalidRequest
	}

	token := DefaultToken
	if req.EnrollmentToken != nil {
		token = strings.TrimSpace(*req.EnrollmentToken)
		if token == "" {
			// Empty or whitespace-only token is a missing field, not a bad token.
			return nil, ErrInvalidRequest
		}
	}

	if _, err := g.tokens.Validate(token); err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	if !types.ValidPlatform(req.Platform) {
		return nil, ErrInvalidPlatform
	}

	// Device identity resolution: MAC adoption wins, then explicit id,
	// then a fresh identity.
	var existing *types.Device
	deviceID := req.DeviceID
	if req.MACAddress != "" {
		d, err := g.store.GetDeviceByMAC(ctx, req.MACAddress)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if d != nil {
			existing = d
			deviceID = d.ID
		}
	}
	if existing == nil && deviceID != "" {
		d, err := g.store.GetDevice(ctx, deviceID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		existing = d
	}
	if deviceID == "" {
		deviceID = "dev_" + uuid.New().String()
	}

	publicKey := req.PublicKey
	privateKey := ""
	if publicKey == "" {
		pub, priv, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, errors.Join(ErrCrypto, err)
		}
		publicKey = pub
		privateKey = priv
	} else if _, err := crypto.ParsePublicKey(publicKey); err != nil {
		return nil, errors.Join(ErrCrypto, err)
	}

	now := time.Now()
	nowMs := now.UnixMilli()
	if existing != nil {
		online := types.DeviceOnline
		upd := types.DeviceUpdate{
			LastSeen:        &nowMs,
			Status:          &online,
			Version:         &req.Version,
			Platform:        &req.Platform,
			PublicKey:       &publicKey,
			EnrollmentToken: &token,
		}
		if err := g.store.UpdateDevice(ctx, deviceID, upd); err != nil {
			return nil, err
		}
	} else {
		d := &types.Device{
			ID:              deviceID,
			PublicKey:       publicKey,
			Platform:        req.Platform,
			Version:         req.Version,
			EnrollmentToken: token,
			MACAddress:      req.MACAddress,
			Status:          types.DeviceOnline,
			LastSeen:        nowMs,
			CreatedAt:       now.UTC(),
			UpdatedAt:       now.UTC(),
		}
		if err := g.store.CreateDevice(ctx, d); err != nil {
			return nil, err
		}
		// Token consumption comes after the insert so a crashed-and-retried
		// enrollment adopts the device instead of burning a second use.
		if err := g.tokens.MarkUsed(ctx, token, deviceID); err != nil {
			wlog := log.WithDeviceID(deviceID)
			wlog.Warn().Err(err).Msg("mark token used failed")
		}
	}

	if err := g.store.UpsertSession(ctx, &types.Session{
		ID:           "sess_" + deviceID,
		DeviceID:     deviceID,
		Status:       "active",
		CreatedAt:    now.UTC(),
		ExpiresAt:    now.UTC().Add(g.sessionTimeout),
		LastActivity: now.UTC(),
	}); err != nil {
		wlog := log.WithDeviceID(deviceID)
		wlog.Warn().Err(err).Msg("session upsert failed")
	}

	config := json.RawMessage("{}")
	layers, err := g.store.ConfigLayers(ctx, "", "")
	if err == nil {
		for _, layer := range layers {
			if layer.Scope == types.ScopeGlobal {
				config = layer.Content
			}
		}
	}

	serverURL := g.serverURL
	if serverURL == "" {
		serverURL = requestOrigin
	}

	wlog := log.WithDeviceID(deviceID)
	wlog.Info().
		Str("platform", string(req.Platform)).
		Bool("adopted", existing != nil).
		Msg("device enrolled")

	return &Response{
		Success:         true,
		DeviceID:        deviceID,
		PublicKey:       publicKey,
		PrivateKey:      privateKey,
		Config:          config,
		ServerPublicKey: g.serverPublicKey,
		ServerURL:       serverURL,
	}, nil
}
