package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jpalmerr/vidiboard"
)

// BuildOptions converts parsed configuration into SDK options for
// [vidiboard.New].
func BuildOptions(cfg *Config) []vidiboard.Option {
	opts := []vidiboard.Option{
		vidiboard.WithTitle(cfg.Title),
		vidiboard.WithHost(cfg.Host),
		vidiboard.WithPort(cfg.Port),
		vidiboard.WithArtifactDir(cfg.Compile.ArtifactDir),
		vidiboard.WithWorkers(cfg.Compile.Workers),
		vidiboard.WithCompilePolling(cfg.Compile.PollInterval.Duration(), cfg.Compile.MaxPolls),
		vidiboard.WithDefaultTTL(cfg.Lifecycle.defaultTTL()),
		vidiboard.WithSweepInterval(cfg.Lifecycle.SweepInterval.Duration()),
	}

	switch cfg.Database.Driver {
	case DriverMemory:
		opts = append(opts, vidiboard.WithMemoryStore())
	case DriverPostgres:
		opts = append(opts, vidiboard.WithPostgres(vidiboard.PostgresConfig{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Duration(),
		}))
	default:
		opts = append(opts, vidiboard.WithSQLite(cfg.Database.Path))
	}

	if cfg.Compile.Command != "" {
		opts = append(opts, vidiboard.WithBuildCommand(cfg.Compile.Command, cfg.Compile.Args...))
	}
	if cfg.Compile.Timeout != 0 {
		opts = append(opts, vidiboard.WithBuildTimeout(cfg.Compile.Timeout.Duration()))
	}
	if cfg.Compile.Fallback != "" {
		opts = append(opts, vidiboard.WithFallbackArtifact(cfg.Compile.Fallback))
	}
	if cfg.Compile.Eager {
		opts = append(opts, vidiboard.WithEagerCompile())
	}
	if cfg.Lifecycle.MaxPending != 0 {
		opts = append(opts, vidiboard.WithMaxPending(cfg.Lifecycle.MaxPending))
	}
	if cfg.Session.PingInterval != 0 {
		opts = append(opts, vidiboard.WithKeepalive(cfg.Session.PingInterval.Duration(), cfg.Session.ReadTimeout.Duration()))
	}
	if cfg.TLS.Cert != "" {
		opts = append(opts, vidiboard.WithTLS(cfg.TLS.Cert, cfg.TLS.Key))
	}

	return opts
}

// Seed publishes the configured dashboards and grids, replacing whatever
// is stored under their ids. Dashboards without a TTL get the configured
// default TTL unless permanent.
func Seed(ctx context.Context, svc *vidiboard.Service, cfg *Config) ([]vidiboard.Record, error) {
	var records []vidiboard.Record

	for _, dc := range cfg.Dashboards {
		path := dc.File
		if !filepath.IsAbs(path) && cfg.dir != "" {
			path = filepath.Join(cfg.dir, path)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return records, fmt.Errorf("dashboard (%s): failed to read definition: %w", dc.ID, err)
		}

		opts := []vidiboard.PublishOption{
			vidiboard.WithID(dc.ID),
			vidiboard.WithName(dc.Name),
			vidiboard.WithOwner(dc.Owner),
			vidiboard.WithTags(dc.Tags...),
			expiryOption(dc.Permanent, dc.TTL, cfg),
		}
		rec, err := svc.PublishJSON(ctx, raw, opts...)
		if err != nil {
			return records, fmt.Errorf("dashboard (%s): %w", dc.ID, err)
		}
		records = append(records, rec)
	}

	for _, gc := range cfg.Grids {
		grid, err := BuildGrid(gc)
		if err != nil {
			return records, err
		}

		for _, gd := range grid {
			put := vidiboard.PutOptions{
				ID:    gridDashboardID(gc.ID, gd.Dimensions),
				Name:  gd.Name,
				Owner: gc.Owner,
				Tags:  gd.Tags,
			}
			if err := expiryOption(gc.Permanent, gc.TTL, cfg)(&put); err != nil {
				return records, fmt.Errorf("grid (%s): %w", gc.ID, err)
			}

			rec, _, err := svc.Publish(ctx, gd.Definition, put)
			if err != nil {
				return records, fmt.Errorf("grid (%s) dashboard %s: %w", gc.ID, put.ID, err)
			}
			records = append(records, rec)
		}
	}

	return records, nil
}

// BuildGrid expands a GridConfig into dashboards via cartesian product.
func BuildGrid(gc GridConfig) ([]vidiboard.GridDashboard, error) {
	grid, err := vidiboard.NewDashboardGrid(gc.Name,
		vidiboard.WithDefinitionTemplate(gc.Template),
		vidiboard.WithDimensions(gc.Dimensions),
		vidiboard.WithGridTags(gc.Tags...),
	)
	if err != nil {
		return nil, fmt.Errorf("grid (%s): %w", gc.ID, err)
	}
	return grid, nil
}

func expiryOption(permanent bool, ttl Duration, cfg *Config) vidiboard.PublishOption {
	switch {
	case permanent:
		return vidiboard.WithPermanent()
	case ttl != 0:
		return vidiboard.WithTTL(ttl.Duration())
	default:
		return vidiboard.WithTTL(cfg.Lifecycle.defaultTTL())
	}
}

// dashboardIDs returns the id of every dashboard the grid generates.
func (g *GridConfig) dashboardIDs() []string {
	combos := cartesianProduct(g.Dimensions)
	ids := make([]string, len(combos))
	for i, combo := range combos {
		ids[i] = gridDashboardID(g.ID, combo)
	}
	return ids
}

// gridDashboardID joins prefix with the combination's values ordered by
// key. Characters not allowed in ids become '-'.
func gridDashboardID(prefix string, combo map[string]string) string {
	keys := make([]string, 0, len(combo))
	for k := range combo {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(prefix)
	for _, k := range keys {
		b.WriteByte('-')
		for _, c := range combo[k] {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
				b.WriteRune(c)
			case c == '.', c == '_', c == '-':
				b.WriteRune(c)
			default:
				b.WriteByte('-')
			}
		}
	}
	return b.String()
}

// cartesianProduct generates all combinations of dimension values.
func cartesianProduct(dimensions map[string][]string) []map[string]string {
	if len(dimensions) == 0 {
		return nil
	}

	// sort dimension keys for deterministic ordering
	keys := make([]string, 0, len(dimensions))
	for k := range dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// start with single empty combination
	result := []map[string]string{{}}

	for _, key := range keys {
		values := dimensions[key]
		var newResult []map[string]string

		for _, combo := range result {
			for _, val := range values {
				// copy existing combo and add new dimension
				newCombo := make(map[string]string, len(combo)+1)
				for k, v := range combo {
					newCombo[k] = v
				}
				newCombo[key] = val
				newResult = append(newResult, newCombo)
			}
		}
		result = newResult
	}

	return result
}
