package protocol

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Hub event names. Direction is noted per group.
const (
	// endpoint -> hub
	EventRegisterController       = "register_controller"
	EventRegisterControlledDevice = "register_controlled_device"
	EventVideoURL                 = "video_url"
	EventPlaybackCommand          = "playback_command"

	// hub -> endpoints
	EventConnectionStatus = "connection_status"
	EventPlayVideo        = "play_video"
	EventExecuteCommand   = "execute_command"
)

// Envelope is one event on the hub transport, carried as a single
// websocket text message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope for event with v marshalled as its data.
// A nil v produces an envelope without data.
func NewEnvelope(event string, v any) (*Envelope, error) {
	env := &Envelope{Event: event}
	if v == nil {
		return env, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// String decodes the envelope data as a JSON string.
func (e *Envelope) String() (string, error) {
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return "", fmt.Errorf("%s payload is not a string: %w", e.Event, err)
	}
	return s, nil
}

// PresenceStatus is the combined presence state the hub broadcasts after
// every registry change.
type PresenceStatus struct {
	ControllerConnected       bool `json:"controllerConnected"`
	ControlledDeviceConnected bool `json:"controlledDeviceConnected"`
}

// CommandMessage is the payload pushed down the local socket and across the
// bridge to the extension.
type CommandMessage struct {
	Command string `json:"command"`
}

// ReadyMessage is sent by the bridge to the extension once its local socket
// is established.
type ReadyMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// NativeHostReady is the bridge's readiness announcement.
var NativeHostReady = ReadyMessage{Type: "native_host_ready", Status: "connected_to_host"}

// Playback commands accepted by the hub-level protocol.
const (
	CommandPlay         = "play"
	CommandPause        = "pause"
	CommandSeekForward  = "seek_forward"
	CommandSeekBackward = "seek_backward"
	CommandClose        = "close"

	// Recognized by the extension only.
	CommandStop       = "stop"
	CommandFullscreen = "fullscreen"
)

// PlaybackCommands lists the hub-level commands in display order.
var PlaybackCommands = []string{
	CommandPlay, CommandPause, CommandSeekForward, CommandSeekBackward, CommandClose,
}

// ExtensionCommands lists every command the extension executor recognizes.
var ExtensionCommands = append(append([]string{}, PlaybackCommands...), CommandStop, CommandFullscreen)

// IsPlaybackCommand reports whether cmd is a hub-level playback command.
func IsPlaybackCommand(cmd string) bool {
	return slices.Contains(PlaybackCommands, cmd)
}

// IsExtensionCommand reports whether the extension executor recognizes cmd.
func IsExtensionCommand(cmd string) bool {
	return slices.Contains(ExtensionCommands, cmd)
}
