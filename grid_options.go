package vidiboard

import (
	"errors"
	"fmt"
)

// gridConfig holds configuration during dashboard grid construction.
type gridConfig struct {
	definitionTemplate string
	dimensions         map[string][]string
	tags               []string
}

// GridOption configures dashboard grid generation.
// GridOption implements the functional options pattern for [NewDashboardGrid].
type GridOption func(*gridConfig) error

// WithDefinitionTemplate sets the definition template for dashboard
// generation. The template uses Go's text/template syntax with dimension
// keys as variables.
//
// Example:
//
//	WithDefinitionTemplate(`{"title":"{{.run}}","plots":[{"kind":"line","source":"{{.run}}/loss"}]}`)
//
// Returns an error if the template string is empty.
func WithDefinitionTemplate(tmpl string) GridOption {
	return func(cfg *gridConfig) error {
		if tmpl == "" {
			return errors.New("definition template required")
		}
		cfg.definitionTemplate = tmpl
		return nil
	}
}

// WithDimensions sets the dimension values for cartesian product expansion.
// Each key in the map becomes a template variable, and the cartesian product
// of all values generates the dashboard combinations.
//
// Example:
//
//	WithDimensions(map[string][]string{
//	    "model":   {"small", "large"},
//	    "dataset": {"train", "eval"},
//	})
//
// Returns an error if the map is empty, any dimension has no values,
// or any value is an empty string.
func WithDimensions(dims map[string][]string) GridOption {
	return func(cfg *gridConfig) error {
		if len(dims) == 0 {
			return errors.New("at least one dimension required")
		}
		for k, vals := range dims {
			if len(vals) == 0 {
				return fmt.Errorf("dimension '%s' has no values", k)
			}
			for i, v := range vals {
				if v == "" {
					return fmt.Errorf("dimension '%s' contains empty value at index %d", k, i)
				}
			}
		}
		cfg.dimensions = dims
		return nil
	}
}

// WithGridTags adds static tags to all generated dashboards.
//
// Example:
//
//	WithGridTags("sweep-42", "nightly")
func WithGridTags(tags ...string) GridOption {
	return func(cfg *gridConfig) error {
		cfg.tags = append(cfg.tags, tags...)
		return nil
	}
}
