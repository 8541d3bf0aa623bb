// Package analyzers contains the built-in bundle analyzers: accessibility,
// seo, and performance. Each one parses the captured DOM with goquery and
// emits findings; none of them touch the network.
package analyzers

import (
	"fmt"
	"sort"

	"github.com/pagelens/pagelens/internal/pipeline"
)

// Analyzer type names.
const (
	TypeAccessibility = "accessibility"
	TypeSEO           = "seo"
	TypePerformance   = "performance"
)

// Registry holds the analyzers available to the pipeline, keyed by type.
type Registry struct {
	byType map[string]pipeline.Analyzer
}

// NewRegistry builds a registry from the given analyzers. Duplicate types are
// rejected so a misconfigured worker fleet fails at startup, not at dispatch.
func NewRegistry(analyzers ...pipeline.Analyzer) (*Registry, error) {
	byType := make(map[string]pipeline.Analyzer, len(analyzers))
	for _, a := range analyzers {
		if _, exists := byType[a.Type()]; exists {
			return nil, fmt.Errorf("duplicate analyzer type %q", a.Type())
		}
		byType[a.Type()] = a
	}
	return &Registry{byType: byType}, nil
}

// Default returns a registry with every built-in analyzer.
func Default() *Registry {
	r, err := NewRegistry(NewAccessibility(), NewSEO(), NewPerformance())
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the analyzer for the given type.
func (r *Registry) Get(analyzerType string) (pipeline.Analyzer, bool) {
	a, ok := r.byType[analyzerType]
	return a, ok
}

// Types returns the registered analyzer types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
