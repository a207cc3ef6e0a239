package main

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/jpalmerr/vidiboard"
)

// StartMockFeed appends a decaying, noisy loss point to each dashboard
// every second until ctx is done. Dashboards deleted along the way are
// dropped from the feed.
func StartMockFeed(ctx context.Context, svc *vidiboard.Service, ids []string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		live[id] = true
	}

	for step := 0; ; step++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for id := range live {
			loss := float32(2*math.Exp(-float64(step)/40) + rand.Float64()*0.1)
			cmd := vidiboard.UpdateCommand{
				Type:   vidiboard.CommandAppendPoints2D,
				PlotID: 0,
				Points: [][]float32{{float32(step), loss}},
			}

			if _, err := svc.PushUpdate(ctx, id, cmd); err != nil {
				if errors.Is(err, vidiboard.ErrNotFound) {
					slog.Info("dashboard gone, stopping feed", "dashboard_id", id)
					delete(live, id)
					continue
				}
				slog.Error("failed to push update", "dashboard_id", id, "error", err)
			}
		}
	}
}
