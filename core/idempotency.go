package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const derivedKeyPrefix = "content:"

// CanonicalizePayload re-encodes JSON with sorted object keys and no
// insignificant whitespace. Non-JSON payloads are returned trimmed.
func CanonicalizePayload(payload []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return []byte{}, false
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return trimmed, false
	}
	if decoder.More() {
		return trimmed, false
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return trimmed, false
	}
	return encoded, true
}

// ContentHash is the hex sha256 of the canonical payload.
func ContentHash(payload []byte) string {
	canonical, _ := CanonicalizePayload(payload)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// HashFields hashes a decoded field map the same way ContentHash hashes raw JSON.
func HashFields(fields map[string]any) string {
	if fields == nil {
		fields = map[string]any{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return ContentHash(encoded)
}

func NormalizeIdempotencyKey(key string) string {
	return strings.TrimSpace(key)
}

// DeriveIdempotencyKey builds the fallback key used when a delivery carries
// none. The key is bucketed by the dedupe window so identical payloads
// racing inside one window collide on the unique constraint.
func DeriveIdempotencyKey(source string, topic string, contentHash string, receivedAt time.Time, window time.Duration) string {
	bucket := int64(0)
	if window > 0 {
		bucket = receivedAt.UTC().UnixNano() / int64(window)
	}
	var b strings.Builder
	b.WriteString(derivedKeyPrefix)
	b.WriteString(strings.ToLower(strings.TrimSpace(source)))
	b.WriteString("|")
	b.WriteString(strings.ToLower(strings.TrimSpace(topic)))
	b.WriteString("|")
	b.WriteString(contentHash)
	b.WriteString("|")
	b.WriteString(strconv.FormatInt(bucket, 10))
	return b.String()
}

func IsDerivedIdempotencyKey(key string) bool {
	return strings.HasPrefix(key, derivedKeyPrefix)
}
