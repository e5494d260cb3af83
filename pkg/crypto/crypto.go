// Package crypto implements the signed request envelope: Ed25519 keys in
// SPKI/PKCS#8 base64 encodings, a deterministic payload serialization, and
// verification with a clock-skew window.
//
// Canonical serialization is part of the wire contract: the signed payload
// is the JSON object with keys sorted lexicographically at every nesting
// level and no insignificant whitespace. Agents must produce the same
// bytes bit-for-bit.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimestampWindow bounds the accepted clock skew between agent and server.
const TimestampWindow = 5 * time.Minute

var (
	// ErrTimestampOutOfRange means the request timestamp falls outside the
	// accepted window around server time.
	ErrTimestampOutOfRange = errors.New("timestamp out of range")

	// ErrBadSignature means the signature does not verify over the
	// canonical payload.
	ErrBadSignature = errors.New("bad signature")

	// ErrBadKey means key material could not be decoded.
	ErrBadKey = errors.New("bad key material")
)

// Canonicalize returns the deterministic JSON encoding of v: lexically
// sorted keys at every level, compact separators. Numbers pass through
// undisturbed.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	// Round-trip through generic maps: encoding/json sorts map keys, and
	// json.Number preserves the original digits.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

// BuildPayload assembles the canonical signing payload for a request:
// the identity triple plus any endpoint-specific fields.
func BuildPayload(deviceID string, timestampMs int64, nonce string, extra map[string]any) ([]byte, error) {
	fields := map[string]any{
		"device_id": deviceID,
		"timestamp": timestampMs,
		"nonce":     nonce,
	}
	for k, v := range extra {
		fields[k] = v
	}
	return Canonicalize(fields)
}

// ExtraFields decodes a request body into the endpoint-specific signing
// fields: everything except the identity triple and the signature itself.
// The signed payload is the identity triple plus these fields, so the
// signature covers the whole request.
func ExtraFields(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	delete(fields, "signature")
	delete(fields, "device_id")
	delete(fields, "timestamp")
	delete(fields, "nonce")
	return fields, nil
}

// ParsePublicKey decodes a base64 SPKI Ed25519 public key.
func ParsePublicKey(spkiB64 string) (ed25519.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(spkiB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrBadKey, err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse SPKI: %v", ErrBadKey, err)
	}
	key, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an Ed25519 key", ErrBadKey)
	}
	return key, nil
}

// ParsePrivateKey decodes a base64 PKCS#8 Ed25519 private key.
func ParsePrivateKey(pkcs8B64 string) (ed25519.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(pkcs8B64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrBadKey, err)
	}
	priv, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse PKCS#8: %v", ErrBadKey, err)
	}
	key, ok := priv.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an Ed25519 key", ErrBadKey)
	}
	return key, nil
}

// GenerateKeyPair mints a fresh Ed25519 pair, returned as (base64 SPKI,
// base64 PKCS#8).
func GenerateKeyPair() (publicSPKI, privatePKCS8 string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate keypair: %w", err)
	}
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(spki), base64.StdEncoding.EncodeToString(pkcs8), nil
}

// VerifyRequest checks the timestamp window, rebuilds the canonical
// payload from the request fields, and verifies the Ed25519 signature
// against the device public key.
func VerifyRequest(deviceID string, timestampMs int64, nonce, signatureB64, publicKeySPKI string, extra map[string]any) error {
	return VerifyRequestAt(time.Now(), deviceID, timestampMs, nonce, signatureB64, publicKeySPKI, extra)
}

// VerifyRequestAt is VerifyRequest with an explicit clock, for tests.
func VerifyRequestAt(now time.Time, deviceID string, timestampMs int64, nonce, signatureB64, publicKeySPKI string, extra map[string]any) error {
	skew := now.UnixMilli() - timestampMs
	if skew < 0 {
		skew = -skew
	}
	if skew > TimestampWindow.Milliseconds() {
		return ErrTimestampOutOfRange
	}

	key, err := ParsePublicKey(publicKeySPKI)
	if err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrBadSignature)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature size %d, want %d", ErrBadSignature, len(sig), ed25519.SignatureSize)
	}

	payload, err := BuildPayload(deviceID, timestampMs, nonce, extra)
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, payload, sig) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces a base64 signature over bytes with a PKCS#8 private key.
// Diagnostic and test use; the server never signs agent requests.
func Sign(privatePKCS8 string, payload []byte) (string, error) {
	key, err := ParsePrivateKey(privatePKCS8)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(key, payload)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// RequestHash returns the hex SHA-256 of a request body, recorded next to
// the nonce for forensics.
func RequestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
