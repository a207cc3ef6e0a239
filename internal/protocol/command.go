package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType names an update pushed through the REST API.
type CommandType string

const (
	CommandAppendPoints2D CommandType = "append_points_2d"
	CommandAppendPoints3D CommandType = "append_points_3d"
	CommandReplaceTrace2D CommandType = "replace_trace_2d"
	CommandReplaceTrace3D CommandType = "replace_trace_3d"
	CommandUpdatePlot     CommandType = "update_plot"
	CommandRefreshAll     CommandType = "refresh_all"
)

// ErrInvalidCommand is returned by [UpdateCommand.Validate].
var ErrInvalidCommand = errors.New("invalid update command")

// UpdateCommand is a viewer mutation submitted by a producer.
//
// Points hold one tuple per point: two values for the 2D variants and three
// for the 3D variants. They are flattened when converted to a [Message].
type UpdateCommand struct {
	Type      CommandType     `json:"type"`
	PlotID    uint64          `json:"plot_id"`
	LayerIdx  int             `json:"layer_idx"`
	Points    [][]float32     `json:"points,omitempty"`
	Plot      json.RawMessage `json:"plot,omitempty"`
	Dashboard json.RawMessage `json:"dashboard,omitempty"`
}

// Validate checks that the command carries the payload its type requires.
func (c UpdateCommand) Validate() error {
	switch c.Type {
	case CommandAppendPoints2D, CommandReplaceTrace2D:
		return c.validatePoints(2)
	case CommandAppendPoints3D, CommandReplaceTrace3D:
		return c.validatePoints(3)
	case CommandUpdatePlot:
		if len(c.Plot) == 0 || !json.Valid(c.Plot) {
			return fmt.Errorf("%w: update_plot requires a plot document", ErrInvalidCommand)
		}
	case CommandRefreshAll:
		if len(c.Dashboard) == 0 || !json.Valid(c.Dashboard) {
			return fmt.Errorf("%w: refresh_all requires a dashboard document", ErrInvalidCommand)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalidCommand)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, c.Type)
	}
	return nil
}

func (c UpdateCommand) validatePoints(dims int) error {
	if c.LayerIdx < 0 {
		return fmt.Errorf("%w: layer_idx cannot be negative", ErrInvalidCommand)
	}
	for i, p := range c.Points {
		if len(p) != dims {
			return fmt.Errorf("%w: points[%d] has %d values, want %d", ErrInvalidCommand, i, len(p), dims)
		}
	}
	return nil
}

// Message converts the command into an unstamped server message.
// The command must have passed [UpdateCommand.Validate].
func (c UpdateCommand) Message() Message {
	plotID := c.PlotID
	layer := c.LayerIdx

	switch c.Type {
	case CommandAppendPoints2D, CommandAppendPoints3D:
		return Message{Type: TypeAppendPoints, PlotID: &plotID, LayerIdx: &layer, Points: flatten(c.Points)}
	case CommandReplaceTrace2D, CommandReplaceTrace3D:
		return Message{Type: TypeReplaceTrace, PlotID: &plotID, LayerIdx: &layer, Points: flatten(c.Points)}
	case CommandUpdatePlot:
		return Message{Type: TypeUpdatePlot, PlotID: &plotID, Plot: c.Plot}
	default:
		return Message{Type: TypeRefreshAll, Dashboard: c.Dashboard}
	}
}

func flatten(points [][]float32) []float32 {
	n := 0
	for _, p := range points {
		n += len(p)
	}
	out := make([]float32, 0, n)
	for _, p := range points {
		out = append(out, p...)
	}
	return out
}
