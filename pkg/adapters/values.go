package adapters

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
)

// StageTable maps local statuses to vendor stages and back. Both lookups are
// total: unmapped inputs fall back to the outbound default or ContractStatusUnknown.
type StageTable struct {
	outbound        map[models.ContractStatus]string
	inbound         map[string]models.ContractStatus
	defaultOutbound string
}

func NewStageTable(outbound map[models.ContractStatus]string, inbound map[string]models.ContractStatus, defaultOutbound string) StageTable {
	normalized := make(map[string]models.ContractStatus, len(inbound))
	for stage, status := range inbound {
		normalized[strings.ToLower(stage)] = status
	}
	return StageTable{outbound: outbound, inbound: normalized, defaultOutbound: defaultOutbound}
}

func (s StageTable) Stage(status models.ContractStatus) string {
	if stage, ok := s.outbound[status]; ok {
		return stage
	}
	return s.defaultOutbound
}

func (s StageTable) Status(stage string) models.ContractStatus {
	if status, ok := s.inbound[strings.ToLower(strings.TrimSpace(stage))]; ok {
		return status
	}
	return models.ContractStatusUnknown
}

// String renders scalars as text; nil and composite values become "".
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// Float reads numbers and numeric strings.
func Float(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}

// Date parses the first layout that matches. Numeric values are epoch milliseconds.
func Date(v any, layouts ...string) *time.Time {
	if ms := Float(v); ms != nil {
		t := time.UnixMilli(int64(*ms)).UTC()
		return &t
	}
	s := String(v)
	if s == "" {
		return nil
	}
	if len(layouts) == 0 {
		layouts = []string{time.RFC3339, "2006-01-02"}
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// DateString formats t as a calendar date, or nil when t is nil.
func DateString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format("2006-01-02")
}

// OptionalFloat returns *f or nil, for JSON payloads that must null a field.
func OptionalFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// Map reads a nested object, or nil.
func Map(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// Compact drops nil and empty-string entries so partial updates leave
// unset vendor fields alone.
func Compact(m map[string]any) map[string]any {
	for k, v := range m {
		if v == nil {
			delete(m, k)
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			delete(m, k)
		}
	}
	return m
}
