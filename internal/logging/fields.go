package logging

import (
	"encoding/hex"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// Authentication event types.
const (
	EventAuthSuccess = "authentication_success"
	EventAuthFailure = "authentication_failure"
	EventAuthError   = "authentication_error"
)

func EventType(t string) zap.Field { return zap.String("event_type", t) }

func UserOID(oid string) zap.Field { return zap.String("user_oid", oid) }

func Details(d string) zap.Field { return zap.String("details", d) }

func RequestID(id string) zap.Field { return zap.String("request_id", id) }

func FailureKind(kind string) zap.Field { return zap.String("failure_kind", kind) }

// TokenFingerprint hashes raw with BLAKE2b-256 and keeps the first 16 hex
// characters. An empty token yields an empty fingerprint.
func TokenFingerprint(raw string) zap.Field {
	return zap.String("token_fp", Fingerprint(raw))
}

func Fingerprint(raw string) string {
	if raw == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}
