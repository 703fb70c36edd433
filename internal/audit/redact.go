package audit

import (
	"strings"

	"github.com/voicecrm/auditcore/internal/models"
)

const RedactionMarker = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"authorization": {},
	"secret":        {},
	"token":         {},
}

func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// Redact returns a copy of doc with every sensitive top-level value replaced
// by RedactionMarker. Nested documents are copied as-is. The input is never
// modified.
func Redact(doc *models.Document) *models.Document {
	if doc == nil {
		return nil
	}
	out := doc.Clone()
	for _, key := range out.Keys() {
		if IsSensitiveKey(key) {
			out.Set(key, RedactionMarker)
		}
	}
	return out
}
