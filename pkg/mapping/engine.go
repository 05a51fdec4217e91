package mapping

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/fields"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Transformer evaluates a transform expression over a single value.
type Transformer interface {
	Evaluate(expression string, value any) (any, error)
}

// Engine applies user field mappings on top of an adapter's default mapping.
type Engine struct {
	transformer Transformer
	logger      ectologger.Logger
}

func NewEngine(transformer Transformer, logger ectologger.Logger) *Engine {
	return &Engine{transformer: transformer, logger: logger}
}

// Apply reads and writes within the same document.
func (e *Engine) Apply(ctx context.Context, data map[string]any, mappings []models.FieldMapping) map[string]any {
	source := copyDocument(data)
	return e.ApplyMappings(ctx, source, data, mappings)
}

// ApplyMappings reads each sourceField from source and writes targetField on a
// copy of target. Missing sources are skipped. A failing transform is logged
// and the raw value is written instead.
func (e *Engine) ApplyMappings(ctx context.Context, source, target map[string]any, mappings []models.FieldMapping) map[string]any {
	out := copyDocument(target)
	for _, m := range mappings {
		value, err := fields.Get(source, m.SourceField)
		if err != nil {
			e.logger.WithContext(ctx).WithFields(map[string]any{
				"source_field": m.SourceField,
				"target_field": m.TargetField,
			}).Debug("mapping source field is not present, skipping")
			continue
		}

		if m.Transform != "" {
			transformed, terr := e.transformer.Evaluate(m.Transform, value)
			if terr != nil {
				mErr := errors.Wrap(errors.KindMapping, terr, "field transform failed")
				e.logger.WithContext(ctx).WithError(mErr).WithFields(map[string]any{
					"source_field": m.SourceField,
					"target_field": m.TargetField,
					"transform":    m.Transform,
				}).Warn("field transform failed, keeping raw value")
			} else {
				value = transformed
			}
		}

		if err := fields.Set(out, m.TargetField, value); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithField("target_field", m.TargetField).Warn("unable to assign mapped field")
		}
	}
	return out
}

// Filter returns the mappings that apply in direction.
func Filter(mappings []models.FieldMapping, direction models.MappingDirection) []models.FieldMapping {
	return ectolinq.Filter(mappings, func(m models.FieldMapping) bool {
		return m.AppliesTo(direction)
	})
}

// copyDocument deep copies a JSON-shaped document so writes never leak into the caller's map.
func copyDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		shallow := make(map[string]any, len(doc))
		for k, v := range doc {
			shallow[k] = v
		}
		return shallow
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}
