// Package layout models the tile layout document shown on the remote display.
//
// A Layout is kept as an opaque JSON document: it is replaced wholesale and
// never diffed, so the bytes are stored as received (compacted) and only
// decoded on demand for tile lookups. Two schemas are understood:
//
//	{"tiles": [...]}                  flat
//	{"pages": [{"tiles": [...]}, ...]} paged
//
// A bare JSON array of tiles is accepted as a flat layout as well.
package layout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// InteractionKind is the manner of a press on the remote display.
type InteractionKind string

const (
	Tap       InteractionKind = "tap"
	LongPress InteractionKind = "long_press"
	DoubleTap InteractionKind = "double_tap"
)

// Layout is a serialized layout document.
type Layout []byte

// Parse validates data as JSON and returns it compacted.
func Parse(data []byte) (Layout, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, bytes.TrimSpace(data)); err != nil {
		return nil, fmt.Errorf("invalid layout document: %w", err)
	}
	return Layout(buf.Bytes()), nil
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(s string) Layout {
	l, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return l
}

// MarshalJSON emits the document verbatim. An empty Layout encodes as {}.
func (l Layout) MarshalJSON() ([]byte, error) {
	if len(bytes.TrimSpace(l)) == 0 {
		return []byte("{}"), nil
	}
	return l, nil
}

// UnmarshalJSON stores a compacted copy of the document.
func (l *Layout) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Clone returns an independent copy.
func (l Layout) Clone() Layout {
	if l == nil {
		return nil
	}
	return append(Layout(nil), l...)
}

// IsEmpty reports whether the document carries nothing: absent, null, {},
// [] or "".
func (l Layout) IsEmpty() bool {
	trimmed := bytes.TrimSpace(l)
	if len(trimmed) == 0 {
		return true
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return true
	}
	switch doc := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(doc) == 0
	case []any:
		return len(doc) == 0
	case string:
		return doc == ""
	}
	return false
}

// Equal compares two documents structurally.
func (l Layout) Equal(other Layout) bool {
	var a, b any
	if err := json.Unmarshal(l, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(other, &b); err != nil {
		return false
	}
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return bytes.Equal(ab, bb)
}

// Tile is one addressable element of a layout. Only the fields needed for
// action dispatch are decoded; everything else stays in the raw document.
type Tile struct {
	ID      string                           `json:"id"`
	Actions map[InteractionKind]ActionConfig `json:"actions"`
}

// Action returns the action bound to kind, if any.
func (t Tile) Action(kind InteractionKind) (ActionConfig, bool) {
	cfg, ok := t.Actions[kind]
	if !ok || len(cfg) == 0 {
		return nil, false
	}
	return cfg, true
}

// ActionConfig is a tile's action binding: a "type" tag plus type-specific
// string fields. Non-string JSON values are stringified on decode.
type ActionConfig map[string]string

// Type returns the action-type tag.
func (c ActionConfig) Type() string { return c["type"] }

// UnmarshalJSON accepts any JSON object and flattens its values to strings.
func (c *ActionConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(ActionConfig, len(raw))
	for k, v := range raw {
		out[k] = stringify(v)
	}
	*c = out
	return nil
}

func stringify(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return strconv.FormatBool(b)
	}
	if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return ""
	}
	return string(v)
}

type rawDocument struct {
	Pages []struct {
		Tiles []json.RawMessage `json:"tiles"`
	} `json:"pages"`
	Tiles []json.RawMessage `json:"tiles"`
}

// decode splits the document into paged and flat tile lists. Tiles that
// fail to decode are skipped rather than poisoning the whole lookup.
func (l Layout) decode() (pages [][]Tile, flat []Tile) {
	trimmed := bytes.TrimSpace(l)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var tiles []json.RawMessage
		if err := json.Unmarshal(trimmed, &tiles); err != nil {
			return nil, nil
		}
		return nil, decodeTiles(tiles)
	}

	var doc rawDocument
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, nil
	}
	for _, p := range doc.Pages {
		pages = append(pages, decodeTiles(p.Tiles))
	}
	return pages, decodeTiles(doc.Tiles)
}

func decodeTiles(raw []json.RawMessage) []Tile {
	tiles := make([]Tile, 0, len(raw))
	for _, r := range raw {
		var t Tile
		if err := json.Unmarshal(r, &t); err != nil {
			continue
		}
		tiles = append(tiles, t)
	}
	return tiles
}

// FindTile searches every page's tiles first, then the flat tile list.
// The first match wins.
func (l Layout) FindTile(id string) (Tile, bool) {
	pages, flat := l.decode()
	for _, page := range pages {
		for _, t := range page {
			if t.ID == id {
				return t, true
			}
		}
	}
	for _, t := range flat {
		if t.ID == id {
			return t, true
		}
	}
	return Tile{}, false
}

// TileCount counts tiles across all pages when the document is paged,
// otherwise the flat tile list.
func (l Layout) TileCount() int {
	pages, flat := l.decode()
	if len(pages) == 0 {
		return len(flat)
	}
	n := 0
	for _, page := range pages {
		n += len(page)
	}
	return n
}
