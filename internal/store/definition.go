package store

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
)

// ErrInvalidDefinition is returned when a dashboard payload cannot be parsed.
var ErrInvalidDefinition = errors.New("invalid dashboard definition")

// Definition is a parsed, canonicalized dashboard document.
//
// The canonical form has object keys sorted and insignificant whitespace
// removed, so two payloads that differ only in formatting share a Hash.
type Definition struct {
	doc   json.RawMessage
	hash  string
	plots int
}

// ParseDefinition validates raw as a dashboard document and canonicalizes it.
//
// raw may be JSON or JSONC; comments and trailing commas are stripped. The
// document must be an object. When present, "plots" must be an array and
// "tabs" must be an array of objects that each carry a "plots" array.
func ParseDefinition(raw []byte) (Definition, error) {
	stripped := jsonc.ToJSON(raw)
	if len(bytes.TrimSpace(stripped)) == 0 {
		return Definition{}, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
	}

	dec := json.NewDecoder(bytes.NewReader(stripped))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if dec.More() {
		return Definition{}, fmt.Errorf("%w: trailing data after document", ErrInvalidDefinition)
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return Definition{}, fmt.Errorf("%w: document must be a JSON object", ErrInvalidDefinition)
	}

	plots, err := countPlots(obj)
	if err != nil {
		return Definition{}, err
	}

	canonical, err := canonicalize(obj)
	if err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	return Definition{doc: canonical, hash: hashOf(canonical), plots: plots}, nil
}

// MustParseDefinition is like ParseDefinition but panics on error.
// Intended for tests and static fixtures.
func MustParseDefinition(raw string) Definition {
	def, err := ParseDefinition([]byte(raw))
	if err != nil {
		panic(err)
	}
	return def
}

// JSON returns the canonical document.
func (d Definition) JSON() json.RawMessage { return d.doc }

// Hash returns the hex BLAKE3-256 digest of the canonical document.
func (d Definition) Hash() string { return d.hash }

// PlotCount returns the number of plots at the top level and in every tab.
func (d Definition) PlotCount() int { return d.plots }

// IsZero reports whether d holds no document.
func (d Definition) IsZero() bool { return len(d.doc) == 0 }

// MarshalJSON encodes the canonical document.
func (d Definition) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return d.doc, nil
}

// UnmarshalJSON parses and canonicalizes the document.
func (d *Definition) UnmarshalJSON(data []byte) error {
	parsed, err := ParseDefinition(data)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func countPlots(obj map[string]any) (int, error) {
	count := 0

	if raw, ok := obj["plots"]; ok {
		plots, ok := raw.([]any)
		if !ok {
			return 0, fmt.Errorf("%w: plots must be an array", ErrInvalidDefinition)
		}
		count += len(plots)
	}

	if raw, ok := obj["tabs"]; ok {
		tabs, ok := raw.([]any)
		if !ok {
			return 0, fmt.Errorf("%w: tabs must be an array", ErrInvalidDefinition)
		}
		for i, t := range tabs {
			tab, ok := t.(map[string]any)
			if !ok {
				return 0, fmt.Errorf("%w: tabs[%d] must be an object", ErrInvalidDefinition, i)
			}
			plots, ok := tab["plots"].([]any)
			if !ok {
				return 0, fmt.Errorf("%w: tabs[%d].plots must be an array", ErrInvalidDefinition, i)
			}
			count += len(plots)
		}
	}

	return count, nil
}

// canonicalize re-encodes a decoded document. encoding/json writes map keys
// in sorted order and json.Number verbatim, which makes the output stable.
func canonicalize(doc any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func hashOf(canonical []byte) string {
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
