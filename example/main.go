package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jpalmerr/vidiboard"
)

func main() {
	artifactDir, err := os.MkdirTemp("", "vidiboard-demo-*")
	if err != nil {
		slog.Error("failed to create artifact dir", "error", err)
		os.Exit(1)
	}
	defer os.RemoveAll(artifactDir)

	// start the service with an in-process builder (see page_builder.go)
	svc, err := vidiboard.New(
		vidiboard.WithMemoryStore(),
		vidiboard.WithArtifactDir(artifactDir),
		vidiboard.WithBuilder(&pageBuilder{dir: artifactDir}),
		vidiboard.WithEagerCompile(),
		vidiboard.WithPort(8080),
	)
	if err != nil {
		slog.Error("failed to create vidiboard", "error", err)
		os.Exit(1)
	}

	// grid API: 2 models × 2 datasets = 4 dashboards from one declaration
	grid, err := vidiboard.NewDashboardGrid("Loss",
		vidiboard.WithDefinitionTemplate(`{
			"title": "{{.model}} on {{.dataset}}",
			"plots": [{"kind": "line", "label": "loss"}]
		}`),
		vidiboard.WithDimensions(map[string][]string{
			"model":   {"small", "large"},
			"dataset": {"train", "eval"},
		}),
		vidiboard.WithGridTags("demo"),
	)
	if err != nil {
		slog.Error("failed to create dashboard grid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	records, err := svc.PublishGrid(ctx, grid, vidiboard.WithPermanent(), vidiboard.WithOwner("demo"))
	if err != nil {
		slog.Error("failed to publish grid", "error", err)
		os.Exit(1)
	}

	// stream training points to every dashboard (see mock_feed.go)
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	go StartMockFeed(ctx, svc, ids)

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Vidiboard Demo                                      ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Open http://localhost:8080 in your browser          ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Dashboards:                                         ║")
	fmt.Println("  ║   • 4 loss curves (2 models × 2 datasets via Grid)    ║")
	fmt.Println("  ║   • live points pushed every second                   ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Press Ctrl+C to stop                                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()

	if err := svc.Start(ctx); err != nil {
		slog.Error("vidiboard error", "error", err)
		os.Exit(1)
	}
}
