// Package protocol defines the newline-delimited JSON messages exchanged on
// the device link and the local config gateway. Every message is a JSON
// object with a "type" field; exactly one object per line.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bryanchriswhite/StatDeck/internal/layout"
)

// Message types. The device link and the config gateway share the envelope
// and a few type names ("config", "get_layout", "status").
const (
	TypeStats          = "stats"
	TypeConfig         = "config"
	TypeGetLayout      = "get_layout"
	TypeAction         = "action"
	TypeConfigRequest  = "config_request"
	TypeLayoutResponse = "layout_response"
	TypeStatus         = "status"

	TypeUpdateTuning = "update_tuning"
	TypeGetStatus    = "get_status"
	TypeLayoutData   = "layout_data"
	TypeConfigAck    = "config_ack"
	TypeTuningAck    = "tuning_ack"
)

// ErrMissingType is returned by Decode for objects without a "type".
var ErrMissingType = errors.New("message has no type")

// Message is a decoded envelope. Raw keeps the whole object so handlers can
// decode the payload fields they need.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// Decode parses one line into a Message.
func Decode(line []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if env.Type == "" {
		return Message{}, ErrMissingType
	}
	return Message{Type: env.Type, Raw: append(json.RawMessage(nil), line...)}, nil
}

// Into decodes the full message into v.
func (m Message) Into(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Encode serializes v as a single line terminated by '\n'.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return append(data, '\n'), nil
}

// Timestamp renders t the way both peers expect: Unix milliseconds.
func Timestamp(t time.Time) int64 { return t.UnixMilli() }

// Stats carries one round of metric samples to the device.
type Stats struct {
	Type      string                    `json:"type"`
	Timestamp int64                     `json:"timestamp"`
	Data      map[string]map[string]any `json:"data"`
}

func NewStats(now time.Time, data map[string]map[string]any) Stats {
	return Stats{Type: TypeStats, Timestamp: Timestamp(now), Data: data}
}

// Config pushes a layout, to the device or from a local client.
type Config struct {
	Type   string        `json:"type"`
	Layout layout.Layout `json:"layout"`
}

func NewConfig(l layout.Layout) Config {
	return Config{Type: TypeConfig, Layout: l}
}

// GetLayout asks the device for its stored layout. Local clients send it
// without a timestamp.
type GetLayout struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func NewGetLayout(now time.Time) GetLayout {
	return GetLayout{Type: TypeGetLayout, Timestamp: Timestamp(now)}
}

// Action is a press on the remote display.
type Action struct {
	Type       string                 `json:"type"`
	TileID     string                 `json:"tile_id"`
	ActionType layout.InteractionKind `json:"action_type"`
}

// LayoutResponse is the device reporting its stored layout.
type LayoutResponse struct {
	Type   string        `json:"type"`
	Layout layout.Layout `json:"layout"`
}

// LayoutData answers a local get_layout.
type LayoutData struct {
	Type      string        `json:"type"`
	Layout    layout.Layout `json:"layout"`
	Timestamp int64         `json:"timestamp"`
}

func NewLayoutData(now time.Time, l layout.Layout) LayoutData {
	return LayoutData{Type: TypeLayoutData, Layout: l, Timestamp: Timestamp(now)}
}

// Ack answers config and update_tuning.
type Ack struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

func NewConfigAck(success bool) Ack { return Ack{Type: TypeConfigAck, Success: success} }
func NewTuningAck(success bool) Ack { return Ack{Type: TypeTuningAck, Success: success} }

// Status answers a local get_status.
type Status struct {
	Type          string `json:"type"`
	USBConnected  bool   `json:"usb_connected"`
	PiLayoutTiles int    `json:"pi_layout_tiles"`
	Timestamp     int64  `json:"timestamp"`
}

func NewStatus(now time.Time, connected bool, tiles int) Status {
	return Status{Type: TypeStatus, USBConnected: connected, PiLayoutTiles: tiles, Timestamp: Timestamp(now)}
}

// UpdateTuning changes the sampling rate and profile debounce at runtime.
// Absent fields fall back to the service defaults.
type UpdateTuning struct {
	Type        string   `json:"type"`
	StatsRateMs *float64 `json:"stats_rate_ms,omitempty"`
	DebounceMs  *float64 `json:"debounce_ms,omitempty"`
}
