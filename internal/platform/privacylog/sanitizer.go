package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce = randomNonce()

	fingerprintKeys = map[string]struct{}{
		"public_key":         {},
		"claimed_public_key": {},
		"account_id":         {},
		"identity_id":        {},
		"session_id":         {},
		"forge_id":           {},
		"recipient":          {},
	}
	sensitiveExactKeys = map[string]struct{}{
		"code": {},
		"otp":  {},
	}
	sensitiveKeyParts = []string{"secret", "password", "passphrase", "mnemonic", "private", "token", "authorization", "challenge_code"}

	// Secret key text is redacted whatever key it was logged under.
	secretValuePrefixes = []string{"kfsk1"}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	if _, ok := next.(*SanitizingHandler); ok {
		return next
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	if isSensitiveKey(lowerKey) || isRawBytes(attr.Value) || isSecretText(attr.Value) {
		return slog.String(key, redactedValue)
	}
	if shouldFingerprintKey(lowerKey) {
		return slog.String(fingerprintKeyName(key), FingerprintID(attr.Value.Resolve().String()))
	}
	if attr.Value.Kind() == slog.KindGroup {
		return slog.Attr{Key: key, Value: slog.GroupValue(sanitizeAttrs(attr.Value.Group())...)}
	}
	return attr
}

// SanitizeArgs applies the same rules to alternating key/value arguments.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, args[i])
			continue
		}
		value := args[i+1]
		i++
		lowerKey := strings.ToLower(strings.TrimSpace(key))
		_, isBytes := value.([]byte)
		text, isString := value.(string)
		switch {
		case isSensitiveKey(lowerKey) || isBytes || (isString && looksLikeSecretText(text)):
			out = append(out, key, redactedValue)
		case shouldFingerprintKey(lowerKey):
			out = append(out, fingerprintKeyName(key), FingerprintID(fmt.Sprint(value)))
		default:
			out = append(out, key, value)
		}
	}
	return out
}

func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func shouldFingerprintKey(key string) bool {
	_, ok := fingerprintKeys[key]
	return ok
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(key)), "_fp") {
		return key
	}
	return key + "_fp"
}

func isSensitiveKey(key string) bool {
	if _, ok := sensitiveExactKeys[key]; ok {
		return true
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func isRawBytes(v slog.Value) bool {
	if v.Kind() != slog.KindAny {
		return false
	}
	_, ok := v.Any().([]byte)
	return ok
}

func isSecretText(v slog.Value) bool {
	return v.Kind() == slog.KindString && looksLikeSecretText(v.String())
}

func looksLikeSecretText(s string) bool {
	s = strings.TrimSpace(s)
	for _, prefix := range secretValuePrefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
