package vidiboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// GridDashboard is one dashboard generated by [NewDashboardGrid].
type GridDashboard struct {
	Name       string
	Tags       []string
	Definition Definition

	// Dimensions holds the dimension values this dashboard was rendered with.
	Dimensions map[string]string
}

// NewDashboardGrid creates one dashboard per combination of dimension
// values using cartesian product expansion.
//
// The definition template uses Go's text/template syntax. Dimension values
// are JSON-string-escaped before interpolation, so a value may be placed
// inside a JSON string literal. Missing template keys cause an error
// (fail-fast). Every rendered definition must parse with [ParseDefinition].
//
// Each dashboard name includes dimension values in the format:
// "Base Name (val1/val2)" (values from alphabetically sorted keys).
//
// Tags "key:value" are added for every dimension, followed by the static
// tags from [WithGridTags].
//
// Example:
//
//	grid, err := vidiboard.NewDashboardGrid("Loss",
//	    vidiboard.WithDefinitionTemplate(`{"title":"{{.model}} on {{.dataset}}","plots":[]}`),
//	    vidiboard.WithDimensions(map[string][]string{
//	        "model":   {"small", "large"},
//	        "dataset": {"train", "eval"},
//	    }),
//	)
//	// Returns 4 dashboards, usable with Service.PublishGrid
func NewDashboardGrid(baseName string, opts ...GridOption) ([]GridDashboard, error) {
	// validate base name
	if strings.TrimSpace(baseName) == "" {
		return nil, errors.New("base name cannot be empty")
	}

	cfg := &gridConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	// validate required fields
	if cfg.definitionTemplate == "" {
		return nil, errors.New("definition template required")
	}
	if len(cfg.dimensions) == 0 {
		return nil, errors.New("at least one dimension required")
	}

	// parse template with missingkey=error for fail-fast behaviour
	tmpl, err := template.New("definition").Option("missingkey=error").Parse(cfg.definitionTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid definition template: %w", err)
	}

	combinations := cartesianProduct(cfg.dimensions)
	if len(combinations) == 0 {
		return nil, nil
	}

	dashboards := make([]GridDashboard, 0, len(combinations))
	for _, combo := range combinations {
		// escape values for the template, keep originals for names and tags
		rendered, err := executeTemplate(tmpl, jsonEscapeMap(combo))
		if err != nil {
			return nil, fmt.Errorf("template execution failed: %w", err)
		}

		name := formatDashboardName(baseName, combo)
		def, err := ParseDefinition([]byte(rendered))
		if err != nil {
			return nil, fmt.Errorf("dashboard '%s': %w", name, err)
		}

		dashboards = append(dashboards, GridDashboard{
			Name:       name,
			Tags:       append(dimensionTags(combo), cfg.tags...),
			Definition: def,
			Dimensions: combo,
		})
	}

	return dashboards, nil
}

// PublishGrid publishes every dashboard of a grid with the shared options.
// It stops at the first failure and returns the records published so far.
//
// Returns an error if opts include [WithID], since each dashboard needs its
// own id.
func (s *Service) PublishGrid(ctx context.Context, grid []GridDashboard, opts ...PublishOption) ([]Record, error) {
	var shared PutOptions
	for _, opt := range opts {
		if err := opt(&shared); err != nil {
			return nil, err
		}
	}
	if shared.ID != "" {
		return nil, errors.New("a grid cannot be published under a single id")
	}

	records := make([]Record, 0, len(grid))
	for _, g := range grid {
		put := shared
		put.Name = g.Name
		put.Tags = append(append([]string(nil), g.Tags...), shared.Tags...)

		rec, _, err := s.Publish(ctx, g.Definition, put)
		if err != nil {
			return records, fmt.Errorf("failed to publish '%s': %w", g.Name, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// cartesianProduct generates all combinations of dimension values.
// Keys are sorted alphabetically for deterministic output.
// Values maintain their original slice order.
//
// Example:
//
//	Input:  {"x": ["a","b"], "y": ["1","2"]}
//	Output: [{"x":"a","y":"1"}, {"x":"a","y":"2"}, {"x":"b","y":"1"}, {"x":"b","y":"2"}]
func cartesianProduct(dims map[string][]string) []map[string]string {
	if len(dims) == 0 {
		return nil
	}

	keys := sortedKeys(dims)
	for _, k := range keys {
		if len(dims[k]) == 0 {
			return nil
		}
	}

	total := 1
	for _, k := range keys {
		total *= len(dims[k])
	}
	result := make([]map[string]string, 0, total)

	indices := make([]int, len(keys))
	for {
		combo := make(map[string]string, len(keys))
		for i, k := range keys {
			combo[k] = dims[k][indices[i]]
		}
		result = append(result, combo)

		// increment indices (rightmost first)
		for i := len(keys) - 1; i >= 0; i-- {
			indices[i]++
			if indices[i] < len(dims[keys[i]]) {
				break
			}
			indices[i] = 0
			if i == 0 {
				return result
			}
		}
	}
}

// jsonEscapeMap returns a new map with every value escaped for use inside
// a JSON string literal.
func jsonEscapeMap(m map[string]string) map[string]string {
	result := make(map[string]string, len(m))
	for k, v := range m {
		quoted, _ := json.Marshal(v)
		result[k] = string(quoted[1 : len(quoted)-1])
	}
	return result
}

// executeTemplate renders the template with the given data.
func executeTemplate(tmpl *template.Template, data map[string]string) (string, error) {
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// formatDashboardName creates a name in the format "Base (v1/v2)".
// Values are ordered by sorted keys for consistent naming.
func formatDashboardName(baseName string, combo map[string]string) string {
	keys := sortedKeys(combo)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = combo[k]
	}
	return fmt.Sprintf("%s (%s)", baseName, strings.Join(parts, "/"))
}

func dimensionTags(combo map[string]string) []string {
	keys := sortedKeys(combo)
	tags := make([]string, len(keys))
	for i, k := range keys {
		tags[i] = k + ":" + combo[k]
	}
	return tags
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
