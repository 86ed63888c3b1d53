// Package util provides utility functions for the CrisisRelay application.
package util

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a hexadecimal string of the specified length from crypto/rand,
// so the result is safe to use as an unguessable identifier.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	buf := make([]byte, (length+1)/2)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)[:length]
}

// GenerateSessionID generates an unguessable crisis session ID with "cs_" prefix.
func GenerateSessionID() string {
	return GenerateRandomID("cs_", 32)
}

// GenerateSessionToken generates a bearer token that binds transport connections to a session.
func GenerateSessionToken() string {
	return GenerateRandomID("tok_", 48)
}

// GenerateConnectionID generates a transport connection ID with "conn_" prefix.
func GenerateConnectionID() string {
	return GenerateRandomID("conn_", 24)
}

// GenerateMessageID generates a routed message ID with "msg_" prefix.
func GenerateMessageID() string {
	return GenerateRandomID("msg_", 24)
}

// GenerateParticipantID generates an ID for a participant the caller did not name.
func GenerateParticipantID() string {
	return GenerateRandomID("p_", 32)
}

// HashOrigin returns a salted one-way hash of an origin address. Empty input hashes to "".
func HashOrigin(salt, origin string) string {
	if origin == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(origin))
	return hex.EncodeToString(mac.Sum(nil))
}
