package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/jpalmerr/vidiboard"
)

// pageBuilder renders each definition into a static HTML page under dir.
type pageBuilder struct {
	dir string
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<pre>{{.Definition}}</pre>
</body>
</html>
`))

func (b *pageBuilder) Build(ctx context.Context, req vidiboard.BuildRequest) (vidiboard.Artifact, error) {
	var doc struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(req.Definition, &doc); err != nil {
		return vidiboard.Artifact{}, fmt.Errorf("decode definition: %w", err)
	}
	if doc.Title == "" {
		doc.Title = req.DashboardID
	}

	ref := vidiboard.ArtifactRef(req.DashboardID, req.Hash)
	outDir := filepath.Join(b.dir, filepath.FromSlash(ref))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return vidiboard.Artifact{}, err
	}

	f, err := os.Create(filepath.Join(outDir, "index.html"))
	if err != nil {
		return vidiboard.Artifact{}, err
	}
	defer f.Close()

	err = pageTemplate.Execute(f, map[string]string{
		"Title":      doc.Title,
		"Definition": string(req.Definition),
	})
	if err != nil {
		return vidiboard.Artifact{}, err
	}
	return vidiboard.Artifact{Ref: ref}, ctx.Err()
}
