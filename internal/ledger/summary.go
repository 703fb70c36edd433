package ledger

import (
	"sort"
	"time"

	"github.com/voicecrm/auditcore/internal/models"
)

type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Summary aggregates a batch of records the way the export's Summary sheet
// presents them.
type Summary struct {
	Total       int               `json:"total"`
	Failed      int               `json:"failed"`
	ByOperation []Count           `json:"by_operation"`
	ByTable     []Count           `json:"by_table"`
	Filters     map[string]string `json:"filters"`
	GeneratedAt time.Time         `json:"generated_at"`
}

func Summarize(records []models.AuditRecord, filters map[string]string, now time.Time) Summary {
	byOp := map[string]int{}
	byTable := map[string]int{}
	failed := 0
	for i := range records {
		byOp[string(records[i].OperationType)]++
		byTable[records[i].TableName]++
		if records[i].Failed() {
			failed++
		}
	}
	if filters == nil {
		filters = map[string]string{}
	}
	return Summary{
		Total:       len(records),
		Failed:      failed,
		ByOperation: sortedCounts(byOp),
		ByTable:     sortedCounts(byTable),
		Filters:     filters,
		GeneratedAt: now.UTC(),
	}
}

// sortedCounts orders by count descending, then key.
func sortedCounts(m map[string]int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
