// Package auth implements the token service for anonymous voter identity:
// HMAC-signed device tokens, voter keys, and the random URL-safe tokens used
// for poll and vote access.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	deviceTokenVersion = "v1"
	// DeviceTokenTTL is how long a signed device cookie stays valid.
	DeviceTokenTTL = 90 * 24 * time.Hour

	maxUserAgentLen = 200
	deviceIDBytes   = 16
	hashedIDLen     = 32
)

type deviceTokenPayload struct {
	Version   string `json:"v"`
	DeviceID  string `json:"did"`
	UserAgent string `json:"ua"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// DeviceTokenService issues and verifies the signed device tokens stored in
// voter cookies. Tokens are never persisted server side.
type DeviceTokenService struct {
	secret []byte
	now    func() time.Time
}

func NewDeviceTokenService(secret string) *DeviceTokenService {
	return &DeviceTokenService{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Issue creates a fresh signed device token bound to a new random device ID.
// Format: base64url(payload) || "." || hex(HMAC-SHA256(secret, base64url(payload))).
func (s *DeviceTokenService) Issue(userAgent string) (token string, deviceID string, err error) {
	raw := make([]byte, deviceIDBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generating device id: %w", err)
	}
	deviceID = hex.EncodeToString(raw)

	if len(userAgent) > maxUserAgentLen {
		userAgent = userAgent[:maxUserAgentLen]
	}

	now := s.now()
	payload := deviceTokenPayload{
		Version:   deviceTokenVersion,
		DeviceID:  deviceID,
		UserAgent: userAgent,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(DeviceTokenTTL).Unix(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("encoding device token: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(data)
	return encoded + "." + s.sign(encoded), deviceID, nil
}

// Verify checks signature, version, and expiry. Invalid tokens are signalled
// by ok=false; there is no error distinction a caller could act on.
func (s *DeviceTokenService) Verify(token string) (deviceID string, ok bool) {
	encoded, sig, found := strings.Cut(token, ".")
	if !found || encoded == "" || sig == "" {
		return "", false
	}

	if !hmac.Equal([]byte(s.sign(encoded)), []byte(sig)) {
		return "", false
	}

	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}

	var payload deviceTokenPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", false
	}
	if payload.Version != deviceTokenVersion {
		return "", false
	}
	if s.now().Unix() >= payload.ExpiresAt {
		return "", false
	}

	return payload.DeviceID, true
}

// HashDeviceID derives the opaque storage key for a device ID so the raw ID
// never reaches the database.
func (s *DeviceTokenService) HashDeviceID(deviceID string) string {
	h := sha256.Sum256(append([]byte(deviceID), s.secret...))
	return hex.EncodeToString(h[:])[:hashedIDLen]
}

func (s *DeviceTokenService) sign(encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}
