// Standalone build command for testing the CLI.
//
// Usage:
//
//	go build -o bin/mockbuilder ./example/cmd/mockbuilder
//
// Then point the service at it:
//
//	go run ./cmd/vidiboard serve -c example/vidiboard.yaml
//
// The service runs the command once per build with the definition path and
// output directory in the environment. Set MOCKBUILDER_FAIL=1 to simulate a
// broken toolchain, or MOCKBUILDER_DELAY to simulate a slow one.
package main

import (
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"
)

var page = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Plots}} plots, build {{.Hash}}</p>
<pre>{{.Definition}}</pre>
</body>
</html>
`))

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mockbuilder:", err)
		os.Exit(1)
	}
}

func run() error {
	if os.Getenv("MOCKBUILDER_FAIL") != "" {
		return fmt.Errorf("simulated build failure")
	}
	if delay := os.Getenv("MOCKBUILDER_DELAY"); delay != "" {
		d, err := time.ParseDuration(delay)
		if err != nil {
			return fmt.Errorf("invalid MOCKBUILDER_DELAY: %w", err)
		}
		time.Sleep(d)
	}

	defPath := os.Getenv("VIDIBOARD_DEFINITION")
	outDir := os.Getenv("VIDIBOARD_OUT_DIR")
	if defPath == "" || outDir == "" {
		return fmt.Errorf("VIDIBOARD_DEFINITION and VIDIBOARD_OUT_DIR must be set")
	}

	raw, err := os.ReadFile(defPath)
	if err != nil {
		return err
	}

	var doc struct {
		Title string            `json:"title"`
		Plots []json.RawMessage `json:"plots"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode definition: %w", err)
	}
	if doc.Title == "" {
		doc.Title = os.Getenv("VIDIBOARD_DASHBOARD_ID")
	}

	f, err := os.Create(filepath.Join(outDir, "index.html"))
	if err != nil {
		return err
	}
	defer f.Close()

	hash := os.Getenv("VIDIBOARD_HASH")
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return page.Execute(f, map[string]any{
		"Title":      doc.Title,
		"Plots":      len(doc.Plots),
		"Hash":       hash,
		"Definition": string(raw),
	})
}
