package hub

import (
	"github.com/watchrelay/watchrelay/internal/protocol"
)

// ConnID identifies one transport connection to the hub.
type ConnID string

// Role is the identity a connection registers under.
type Role string

const (
	RoleController Role = "controller"
	RoleDevice     Role = "controlled_device"
)

// Event is an input to the hub's routing state machine. The set is closed:
// Connected, Registered, Disconnected, Locator and Command.
type Event interface{ hubEvent() }

// Connected announces a new transport connection and its outbound mailbox.
// Only the hub actor sends on Outbox, and it closes Outbox on Disconnected.
type Connected struct {
	Conn   ConnID
	Outbox chan<- *protocol.Envelope
}

// Registered assigns Conn to the Role slot.
type Registered struct {
	Role Role
	Conn ConnID
}

// Disconnected announces that Conn is gone.
type Disconnected struct {
	Conn ConnID
}

// Locator is a video_url event received from Conn.
type Locator struct {
	From ConnID
	URL  string
}

// Command is a playback_command event received from Conn.
type Command struct {
	From    ConnID
	Command string
}

func (Connected) hubEvent()    {}
func (Registered) hubEvent()   {}
func (Disconnected) hubEvent() {}
func (Locator) hubEvent()      {}
func (Command) hubEvent()      {}

// Effect is an output of the routing state machine.
type Effect interface{ hubEffect() }

// Broadcast sends the presence status to every connected endpoint.
type Broadcast struct {
	Status protocol.PresenceStatus
}

// Deliver sends one event to one connection.
type Deliver struct {
	To      ConnID
	Event   string
	Payload string
}

// Drop records a message that was not routed.
type Drop struct {
	From   ConnID
	Event  string
	Reason string
}

func (Broadcast) hubEffect() {}
func (Deliver) hubEffect()   {}
func (Drop) hubEffect()      {}

// Drop reasons.
const (
	ReasonNotController = "sender is not the registered controller"
	ReasonNoDevice      = "no controlled device registered"
)

// Registry holds the two identity slots. An empty ConnID means the slot is
// vacant. A later registration overwrites the slot; the previous occupant
// is not closed, only unroutable.
type Registry struct {
	Controller ConnID
	Device     ConnID
}

// Presence derives the combined presence status from the slots.
func (r *Registry) Presence() protocol.PresenceStatus {
	return protocol.PresenceStatus{
		ControllerConnected:       r.Controller != "",
		ControlledDeviceConnected: r.Device != "",
	}
}

// RoleOf returns the roles conn currently holds.
func (r *Registry) RoleOf(conn ConnID) []Role {
	var roles []Role
	if conn != "" && r.Controller == conn {
		roles = append(roles, RoleController)
	}
	if conn != "" && r.Device == conn {
		roles = append(roles, RoleDevice)
	}
	return roles
}

// Apply advances the registry by one event and returns the effects to
// carry out, in order.
func (r *Registry) Apply(ev Event) []Effect {
	switch ev := ev.(type) {
	case Connected:
		return nil

	case Registered:
		switch ev.Role {
		case RoleController:
			r.Controller = ev.Conn
		case RoleDevice:
			r.Device = ev.Conn
		default:
			return []Effect{Drop{From: ev.Conn, Event: "register", Reason: "unknown role " + string(ev.Role)}}
		}
		return []Effect{Broadcast{Status: r.Presence()}}

	case Disconnected:
		if r.Controller == ev.Conn {
			r.Controller = ""
		}
		if r.Device == ev.Conn {
			r.Device = ""
		}
		return []Effect{Broadcast{Status: r.Presence()}}

	case Locator:
		return r.route(ev.From, protocol.EventVideoURL, protocol.EventPlayVideo, ev.URL)

	case Command:
		return r.route(ev.From, protocol.EventPlaybackCommand, protocol.EventExecuteCommand, ev.Command)
	}
	return nil
}

func (r *Registry) route(from ConnID, inEvent, outEvent, payload string) []Effect {
	if from == "" || from != r.Controller {
		return []Effect{Drop{From: from, Event: inEvent, Reason: ReasonNotController}}
	}
	if r.Device == "" {
		return []Effect{Drop{From: from, Event: inEvent, Reason: ReasonNoDevice}}
	}
	return []Effect{Deliver{To: r.Device, Event: outEvent, Payload: payload}}
}
