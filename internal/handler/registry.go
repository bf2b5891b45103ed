package handler

import (
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CoursePipe/internal/models"
)

// Registry maps each block kind to the handler that runs it. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	handlers map[models.BlockType]Handler
}

// NewRegistry builds a registry from handlers. Two handlers for the same kind, or a
// handler for an unknown kind, is an error.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[models.BlockType]Handler, len(handlers))}
	for _, h := range handlers {
		t := h.Type()
		if !models.IsValidBlockType(t) {
			return nil, fmt.Errorf("handler for unknown block type %q", t)
		}
		if _, dup := r.handlers[t]; dup {
			return nil, fmt.Errorf("duplicate handler for block type %s", t)
		}
		r.handlers[t] = h
	}
	return r, nil
}

// Opts holds configuration options for the default registry.
type Opts struct {
	Formulas map[string]Formula
}

// Option defines a function that configures the default registry.
type Option func(*Opts)

// WithFormula registers a CALCULATION formula under name, replacing a built-in of the same name.
func WithFormula(name string, f Formula) Option {
	return func(o *Opts) {
		if o.Formulas == nil {
			o.Formulas = DefaultFormulas()
		}
		o.Formulas[name] = f
	}
}

// NewDefaultRegistry builds a registry with a handler for every block kind. gen and
// entitlements may be nil.
func NewDefaultRegistry(gen Generator, entitlements Entitlements, opts ...Option) (*Registry, error) {
	o := Opts{Formulas: DefaultFormulas()}
	for _, opt := range opts {
		opt(&o)
	}

	r, err := NewRegistry(
		StaticHandler{},
		InputHandler{},
		SliderHandler{},
		SingleSelectHandler{},
		MultiSelectHandler{},
		NewLLMConversationHandler(gen),
		NewLLMResponseHandler(gen),
		NewPassthroughHandler(models.BlockTypeExercise),
		NewPassthroughHandler(models.BlockTypeVisualization),
		NewCalculationHandler(o.Formulas),
		NewPassthroughHandler(models.BlockTypeSessionComplete),
		NewPaywallHandler(entitlements),
	)
	if err != nil {
		return nil, err
	}
	for _, t := range models.AllBlockTypes() {
		if !r.Has(t) {
			return nil, fmt.Errorf("no handler registered for block type %s", t)
		}
	}
	slog.Debug("handler.NewDefaultRegistry: registry ready", "handlers", len(r.handlers))
	return r, nil
}

// Lookup returns the handler for kind.
func (r *Registry) Lookup(kind models.BlockType) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for block type %s", kind)
	}
	return h, nil
}

// Has reports whether kind has a handler.
func (r *Registry) Has(kind models.BlockType) bool {
	_, ok := r.handlers[kind]
	return ok
}
