package auth

import (
	"strings"
)

// VoterSource names how a voter identity was established.
type VoterSource string

const (
	SourceUser   VoterSource = "user"
	SourceDevice VoterSource = "device"
)

// VoterIdentity is the canonical identity of a voter: either an
// authenticated user or a signed device. The Key is what reaches storage.
type VoterIdentity struct {
	Key    string
	Source VoterSource
	// UserID is set only when Source is SourceUser.
	UserID string
	// DeviceID is the raw device ID when Source is SourceDevice; it never
	// reaches storage (Key carries the hashed form).
	DeviceID string
}

// UserIdentity builds the identity for an authenticated session.
func UserIdentity(userID string) VoterIdentity {
	return VoterIdentity{
		Key:    "user:" + userID,
		Source: SourceUser,
		UserID: userID,
	}
}

// DeviceIdentity builds the identity for a verified device token.
// hashedID must already be the HashDeviceID form.
func DeviceIdentity(deviceID, hashedID string) VoterIdentity {
	return VoterIdentity{
		Key:      "device:" + hashedID,
		Source:   SourceDevice,
		DeviceID: deviceID,
	}
}

// IsUser reports whether this identity is an authenticated session.
func (v VoterIdentity) IsUser() bool {
	return v.Source == SourceUser
}

// NormalizeEmail lower-cases and trims an email for case-insensitive
// comparison and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
