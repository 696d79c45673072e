// Package api defines the WebSocket message envelopes.
package api

import (
	"github.com/skobkin/amdgpu-usage/internal/gpu"
	"github.com/skobkin/amdgpu-usage/internal/sampler"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	GPUs       []gpu.Info      `json:"gpus"`
	Features   map[string]bool `json:"features"`
	Kernel     string          `json:"kernel,omitempty"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, gpus []gpu.Info, features map[string]bool, kernel string) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		GPUs:       gpus,
		Features:   features,
		Kernel:     kernel,
	}
}

// SnapshotMessage wraps a sampler snapshot for transport.
type SnapshotMessage struct {
	Type string `json:"type"`
	sampler.Snapshot
}

// NewSnapshotMessage constructs a snapshot payload.
func NewSnapshotMessage(snapshot sampler.Snapshot) SnapshotMessage {
	return SnapshotMessage{
		Type:     "snapshot",
		Snapshot: snapshot,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// SubscribeMessage requests subscription to GPU telemetry.
type SubscribeMessage struct {
	Type  string `json:"type"`
	GPUId string `json:"gpu_id"`
}

// SortMessage changes the process ordering for this connection only.
// Key is one of pid, vram, gfx or media.
type SortMessage struct {
	Type    string `json:"type"`
	Key     string `json:"key"`
	Reverse bool   `json:"reverse"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
