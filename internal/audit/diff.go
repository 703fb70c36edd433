package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/voicecrm/auditcore/internal/models"
)

// ChangedFields returns the keys present in both snapshots whose values
// differ, in the order they appear in before. Added or removed keys are not
// reported. Either snapshot being nil yields an empty list.
func ChangedFields(before, after *models.Document) []string {
	changed := []string{}
	if before == nil || after == nil {
		return changed
	}
	for _, key := range before.Keys() {
		if !after.Has(key) {
			continue
		}
		prev, _ := before.Get(key)
		next, _ := after.Get(key)
		if !Equal(prev, next) {
			changed = append(changed, key)
		}
	}
	return changed
}

// Equal compares two document values structurally. Nested object key order is
// ignored and numbers compare by their JSON form, so json.Number("1") equals 1.
func Equal(a, b any) bool {
	ab, errA := json.Marshal(canonical(a))
	bb, errB := json.Marshal(canonical(b))
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b) || fmt.Sprintf("%#v", a) == fmt.Sprintf("%#v", b)
	}
	return bytes.Equal(ab, bb)
}

// canonical turns documents into plain maps, which encoding/json writes with
// sorted keys.
func canonical(v any) any {
	switch t := v.(type) {
	case *models.Document:
		if t == nil {
			return nil
		}
		return t.Map()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = canonical(t[i])
		}
		return out
	default:
		return v
	}
}
