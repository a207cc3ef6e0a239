package vidiboard

import (
	"context"
	"strings"
	"testing"
)

// =============================================================================
// Cartesian Product Tests
// =============================================================================

func TestCartesianProduct_TwoDimensions(t *testing.T) {
	dims := map[string][]string{
		"x": {"a", "b"},
		"y": {"1", "2"},
	}

	result := cartesianProduct(dims)

	if len(result) != 4 {
		t.Fatalf("cartesianProduct() returned %d combinations, want 4", len(result))
	}

	// verify sorted key order (x, y) and preserved value order
	expected := []map[string]string{
		{"x": "a", "y": "1"},
		{"x": "a", "y": "2"},
		{"x": "b", "y": "1"},
		{"x": "b", "y": "2"},
	}

	for i, want := range expected {
		if result[i]["x"] != want["x"] || result[i]["y"] != want["y"] {
			t.Errorf("combination[%d] = %v, want %v", i, result[i], want)
		}
	}
}

func TestCartesianProduct_ThreeDimensions(t *testing.T) {
	dims := map[string][]string{
		"a": {"1", "2"},
		"b": {"x", "y", "z"},
		"c": {"p"},
	}

	if got := len(cartesianProduct(dims)); got != 6 {
		t.Errorf("cartesianProduct() returned %d combinations, want 6", got)
	}
}

func TestCartesianProduct_EmptyDimension(t *testing.T) {
	dims := map[string][]string{
		"x": {"a"},
		"y": {},
	}

	if result := cartesianProduct(dims); result != nil {
		t.Errorf("cartesianProduct() = %v, want nil", result)
	}
}

func TestCartesianProduct_EmptyMap(t *testing.T) {
	if result := cartesianProduct(map[string][]string{}); result != nil {
		t.Errorf("cartesianProduct() = %v, want nil", result)
	}
}

// =============================================================================
// Option Tests
// =============================================================================

func TestWithDefinitionTemplate_Empty(t *testing.T) {
	cfg := &gridConfig{}
	if err := WithDefinitionTemplate("")(cfg); err == nil {
		t.Error("WithDefinitionTemplate(\"\") should error")
	}
}

func TestWithDimensions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		dims map[string][]string
	}{
		{"empty map", map[string][]string{}},
		{"empty values", map[string][]string{"x": {}}},
		{"empty string value", map[string][]string{"x": {"a", ""}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &gridConfig{}
			if err := WithDimensions(tt.dims)(cfg); err == nil {
				t.Errorf("WithDimensions(%v) should error", tt.dims)
			}
		})
	}
}

// =============================================================================
// NewDashboardGrid Tests
// =============================================================================

func TestNewDashboardGrid_Basic(t *testing.T) {
	grid, err := NewDashboardGrid("Loss",
		WithDefinitionTemplate(`{"title":"{{.model}} on {{.dataset}}","plots":[]}`),
		WithDimensions(map[string][]string{
			"model":   {"small", "large"},
			"dataset": {"train", "eval"},
		}),
	)
	if err != nil {
		t.Fatalf("NewDashboardGrid() error = %v", err)
	}

	if len(grid) != 4 {
		t.Fatalf("NewDashboardGrid() returned %d dashboards, want 4", len(grid))
	}

	// values ordered by sorted keys (dataset, model) in name
	if grid[0].Name != "Loss (train/small)" {
		t.Errorf("Name = %v, want %v", grid[0].Name, "Loss (train/small)")
	}
	if want := `{"plots":[],"title":"small on train"}`; string(grid[0].Definition.JSON()) != want {
		t.Errorf("Definition = %s, want %s", grid[0].Definition.JSON(), want)
	}

	hashes := make(map[string]bool)
	for _, g := range grid {
		if hashes[g.Definition.Hash()] {
			t.Errorf("duplicate definition for %s", g.Name)
		}
		hashes[g.Definition.Hash()] = true
	}
}

func TestNewDashboardGrid_Tags(t *testing.T) {
	grid, err := NewDashboardGrid("Run",
		WithDefinitionTemplate(`{"run":"{{.run}}"}`),
		WithDimensions(map[string][]string{"run": {"r1"}}),
		WithGridTags("sweep-7"),
	)
	if err != nil {
		t.Fatalf("NewDashboardGrid() error = %v", err)
	}

	if got := strings.Join(grid[0].Tags, ","); got != "run:r1,sweep-7" {
		t.Errorf("Tags = %v, want run:r1,sweep-7", got)
	}
}

func TestNewDashboardGrid_JSONEscaping(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"quote", `say "hi"`},
		{"backslash", `C:\runs`},
		{"newline", "a\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grid, err := NewDashboardGrid("Test",
				WithDefinitionTemplate(`{"title":"{{.q}}"}`),
				WithDimensions(map[string][]string{"q": {tt.value}}),
			)
			if err != nil {
				t.Fatalf("NewDashboardGrid() error = %v", err)
			}
			if len(grid) != 1 {
				t.Fatalf("expected 1 dashboard, got %d", len(grid))
			}
		})
	}
}

func TestNewDashboardGrid_Errors(t *testing.T) {
	dims := WithDimensions(map[string][]string{"x": {"a"}})

	tests := []struct {
		name     string
		baseName string
		opts     []GridOption
	}{
		{"empty base name", " ", []GridOption{WithDefinitionTemplate(`{}`), dims}},
		{"missing template", "T", []GridOption{dims}},
		{"missing dimensions", "T", []GridOption{WithDefinitionTemplate(`{}`)}},
		{"invalid template syntax", "T", []GridOption{WithDefinitionTemplate(`{"x":"{{.x"}`), dims}},
		{"template missing key", "T", []GridOption{WithDefinitionTemplate(`{"x":"{{.nope}}"}`), dims}},
		{"rendered definition invalid", "T", []GridOption{WithDefinitionTemplate(`["{{.x}}"]`), dims}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDashboardGrid(tt.baseName, tt.opts...); err == nil {
				t.Error("NewDashboardGrid() expected error, got nil")
			}
		})
	}
}

// =============================================================================
// PublishGrid Tests
// =============================================================================

func TestPublishGrid(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	grid, err := NewDashboardGrid("Loss",
		WithDefinitionTemplate(`{"model":"{{.model}}","plots":[{}]}`),
		WithDimensions(map[string][]string{"model": {"small", "large"}}),
	)
	if err != nil {
		t.Fatalf("NewDashboardGrid() error = %v", err)
	}

	records, err := svc.PublishGrid(ctx, grid, WithOwner("ana"), WithTags("nightly"))
	if err != nil {
		t.Fatalf("PublishGrid() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("PublishGrid() returned %d records, want 2", len(records))
	}

	listed, err := svc.List(ctx, ListQuery{Tag: "model:large"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 1 || listed[0].Name != "Loss (large)" || listed[0].Owner != "ana" {
		t.Errorf("List(model:large) = %+v", listed)
	}
	if !strings.Contains(strings.Join(listed[0].Tags, ","), "nightly") {
		t.Errorf("Tags = %v, want shared tag", listed[0].Tags)
	}
}

func TestPublishGrid_RejectsSharedID(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.PublishGrid(context.Background(), nil, WithID("same")); err == nil {
		t.Error("PublishGrid() with WithID should fail")
	}
}
