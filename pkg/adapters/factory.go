package adapters

import (
	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Factory resolves an adapter by integration type from a fixed set.
type Factory struct {
	adapters map[models.IntegrationType]Adapter
}

func NewFactory(adapters ...Adapter) *Factory {
	f := &Factory{adapters: make(map[models.IntegrationType]Adapter, len(adapters))}
	for _, a := range adapters {
		f.adapters[a.Type()] = a
	}
	return f
}

func (f *Factory) Get(t models.IntegrationType) (Adapter, error) {
	a, ok := f.adapters[t]
	if !ok {
		return nil, errors.Newf(errors.KindValidation, "unsupported integration type %q", t)
	}
	return a, nil
}

// Resolve parses raw (e.g. a route parameter) and returns its adapter.
func (f *Factory) Resolve(raw string) (Adapter, error) {
	t, err := models.ParseIntegrationType(raw)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "unsupported integration type")
	}
	return f.Get(t)
}

func (f *Factory) Types() []models.IntegrationType {
	out := make([]models.IntegrationType, 0, len(f.adapters))
	for _, t := range models.IntegrationTypes {
		if _, ok := f.adapters[t]; ok {
			out = append(out, t)
		}
	}
	return out
}
