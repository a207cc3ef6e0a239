package server

import (
	"encoding/json"
	"time"

	"github.com/jpalmerr/vidiboard/internal/compile"
	"github.com/jpalmerr/vidiboard/internal/store"
)

type dashboardRequest struct {
	// ID is honoured on create only; replace takes it from the path.
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Owner      string          `json:"owner,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Permanent  bool            `json:"permanent,omitempty"`
	TTLSeconds *int64          `json:"ttl_seconds,omitempty"`
	Dashboard  json.RawMessage `json:"dashboard"`
}

type patchRequest struct {
	Name       *string         `json:"name,omitempty"`
	Owner      *string         `json:"owner,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	AddTags    []string        `json:"add_tags,omitempty"`
	RemoveTags []string        `json:"remove_tags,omitempty"`
	Permanent  *bool           `json:"permanent,omitempty"`
	TTLSeconds *int64          `json:"ttl_seconds,omitempty"`
	Dashboard  json.RawMessage `json:"dashboard,omitempty"`
}

type dashboardResponse struct {
	ID             string          `json:"id"`
	Name           string          `json:"name,omitempty"`
	Owner          string          `json:"owner,omitempty"`
	Tags           []string        `json:"tags"`
	Permanent      bool            `json:"permanent"`
	TTLSeconds     int64           `json:"ttl_seconds,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	Hash           string          `json:"hash"`
	PlotCount      int             `json:"plot_count"`
	ViewerURL      string          `json:"viewer_url"`
	Dashboard      json.RawMessage `json:"dashboard,omitempty"`
}

func newDashboardResponse(rec store.Record, withDefinition bool) dashboardResponse {
	resp := dashboardResponse{
		ID:             rec.ID,
		Name:           rec.Name,
		Owner:          rec.Owner,
		Tags:           rec.Tags,
		Permanent:      rec.Permanent,
		TTLSeconds:     int64(rec.TTL / time.Second),
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		LastAccessedAt: rec.LastAccessedAt,
		Hash:           rec.Hash(),
		PlotCount:      rec.Definition.PlotCount(),
		ViewerURL:      "/d/" + rec.ID,
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	if withDefinition {
		resp.Dashboard = rec.Definition.JSON()
	}
	return resp
}

type statusResponse struct {
	compile.Snapshot
	// ArtifactURL is set once the artifact can be fetched.
	ArtifactURL string `json:"artifact_url,omitempty"`
}

func newStatusResponse(snap compile.Snapshot) statusResponse {
	resp := statusResponse{Snapshot: snap}
	if snap.Status == compile.StatusReady && snap.Artifact != nil {
		resp.ArtifactURL = "/artifacts/" + snap.Artifact.Ref + "/"
	}
	return resp
}

func marshalStatus(snap compile.Snapshot) ([]byte, error) {
	return json.Marshal(newStatusResponse(snap))
}

type errorResponse struct {
	Error string `json:"error"`
}
