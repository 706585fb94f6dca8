package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"strings"
)

const accessTokenBytes = 32

// GenerateToken returns a URL-safe random token of 32 bytes of entropy.
// Used for admin tokens, public tokens, and voter edit tokens.
func GenerateToken() (string, error) {
	raw := make([]byte, accessTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// VoterLockKey derives the int64 advisory-lock key that serialises one
// voter's mutations on one poll. The email takes precedence; the voter key
// is the fallback for email-less flows.
func VoterLockKey(pollID, voterEmail, voterKey string) int64 {
	ident := strings.ToLower(voterEmail)
	if ident == "" {
		ident = voterKey
	}
	h := fnv.New64a()
	h.Write([]byte(pollID))
	h.Write([]byte("/"))
	h.Write([]byte(ident))
	return int64(h.Sum64())
}

// OptionLockKey derives the advisory-lock key that serialises capacity
// checks on one option. Distinct voters never share a voter lock, so
// counting occupancy takes this lock instead.
func OptionLockKey(pollID string, optionID int64) int64 {
	h := fnv.New64a()
	h.Write([]byte(pollID))
	fmt.Fprintf(h, "#%d", optionID)
	return int64(h.Sum64())
}
