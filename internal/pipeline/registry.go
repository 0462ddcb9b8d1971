package pipeline

import (
	"github.com/rotisserie/eris"
)

// Registry maps step names to steps in registration order.
type Registry struct {
	steps map[string]Step
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds a step. Registering an existing name replaces its work but keeps its
// original position.
func (r *Registry) Register(s Step) {
	if _, ok := r.steps[s.Name]; !ok {
		r.order = append(r.order, s.Name)
	}
	r.steps[s.Name] = s
}

// Get returns a step by name.
func (r *Registry) Get(name string) (Step, error) {
	s, ok := r.steps[name]
	if !ok {
		return Step{}, eris.Errorf("pipeline: unknown step %q", name)
	}
	return s, nil
}

// Select returns the named steps in the order given. With no names it returns every
// step in registration order.
func (r *Registry) Select(names []string) ([]Step, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	out := make([]Step, 0, len(names))
	for _, n := range names {
		s, err := r.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// All returns every step in registration order.
func (r *Registry) All() []Step {
	out := make([]Step, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.steps[n])
	}
	return out
}

// AllNames returns every registered step name in registration order.
func (r *Registry) AllNames() []string {
	return append([]string(nil), r.order...)
}
