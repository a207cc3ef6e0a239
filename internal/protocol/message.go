// Package protocol defines the realtime envelope exchanged with viewers and
// the update commands accepted by the REST push endpoint.
//
// Every server message is a flat JSON object {type, seq, ...payload}. The
// seq field is assigned by the broadcaster; a message that has not been
// published yet carries seq 0.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type names a message on the realtime channel.
type Type string

// Server to client types.
const (
	TypeConnected    Type = "connected"
	TypeAppendPoints Type = "append_points"
	TypeReplaceTrace Type = "replace_trace"
	TypeUpdatePlot   Type = "update_plot"
	TypeRefreshAll   Type = "refresh_all"
	TypeError        Type = "error"
)

// Client to server types.
const (
	TypeGetState Type = "get_state"
	TypeSync     Type = "sync"
	TypeAck      Type = "ack"
)

// ErrInvalidMessage is returned when a client frame cannot be decoded.
var ErrInvalidMessage = errors.New("invalid client message")

// Message is the server to client envelope.
//
// Only the fields relevant to Type are populated; the rest are omitted from
// the encoded JSON.
type Message struct {
	Type Type   `json:"type"`
	Seq  uint64 `json:"seq"`

	DashboardID string `json:"dashboard_id,omitempty"`

	PlotID   *uint64   `json:"plot_id,omitempty"`
	LayerIdx *int      `json:"layer_idx,omitempty"`
	Points   []float32 `json:"points,omitempty"`

	Plot      json.RawMessage `json:"plot,omitempty"`
	Dashboard json.RawMessage `json:"dashboard,omitempty"`

	// Resync marks a refresh_all sent in answer to get_state or sync. It is
	// stamped with the channel position and is not a channel mutation.
	Resync bool `json:"resync,omitempty"`

	Message string `json:"message,omitempty"`
}

// IsMutation reports whether the message type changes viewer state.
func (m Message) IsMutation() bool {
	switch m.Type {
	case TypeAppendPoints, TypeReplaceTrace, TypeUpdatePlot, TypeRefreshAll:
		return !m.Resync
	}
	return false
}

// Connected builds the greeting sent once a session is attached.
func Connected(dashboardID string, seq uint64) Message {
	return Message{Type: TypeConnected, Seq: seq, DashboardID: dashboardID}
}

// Snapshot builds a full-state refresh stamped with the given position.
func Snapshot(dashboard json.RawMessage, seq uint64) Message {
	return Message{Type: TypeRefreshAll, Seq: seq, Dashboard: dashboard, Resync: true}
}

// Error builds an error event carrying a human readable message.
func Error(seq uint64, text string) Message {
	return Message{Type: TypeError, Seq: seq, Message: text}
}

// ClientMessage is a frame sent by a viewer.
type ClientMessage struct {
	Type    Type    `json:"type"`
	LastSeq *uint64 `json:"last_seq,omitempty"`
	Seq     uint64  `json:"seq,omitempty"`
}

// ParseClientMessage decodes and validates a client frame.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch msg.Type {
	case TypeGetState, TypeAck:
	case TypeSync:
		if msg.LastSeq == nil {
			return ClientMessage{}, fmt.Errorf("%w: sync requires last_seq", ErrInvalidMessage)
		}
	case "":
		return ClientMessage{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return ClientMessage{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	return msg, nil
}
