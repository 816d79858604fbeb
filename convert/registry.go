package convert

import (
	"fmt"
	"strings"
	"sync"
)

// Registry maps format names onto converters.
type Registry struct {
	mu         sync.RWMutex
	converters map[string]Converter
	order      []string
}

func NewRegistry(converters ...Converter) *Registry {
	r := &Registry{converters: map[string]Converter{}}
	for _, c := range converters {
		r.Register(c)
	}
	return r
}

// Register adds c, replacing any converter with the same format.
func (r *Registry) Register(c Converter) {
	format := strings.ToLower(c.Format())

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.converters[format]; !ok {
		r.order = append(r.order, format)
	}
	r.converters[format] = c
}

// Get looks up a converter by case-insensitive format name.
func (r *Registry) Get(format string) (Converter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.converters[strings.ToLower(strings.TrimSpace(format))]
	if !ok {
		return nil, fmt.Errorf("unsupported format: %s (supported: %s)", format, strings.Join(r.order, ", "))
	}
	return c, nil
}

// Formats lists the registered formats in registration order.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
