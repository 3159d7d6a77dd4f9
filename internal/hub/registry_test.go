package hub

import (
	"testing"

	"github.com/watchrelay/watchrelay/internal/protocol"
)

func presenceOf(t *testing.T, effs []Effect) protocol.PresenceStatus {
	t.Helper()
	if len(effs) != 1 {
		t.Fatalf("expected 1 effect, got %d: %+v", len(effs), effs)
	}
	b, ok := effs[0].(Broadcast)
	if !ok {
		t.Fatalf("expected Broadcast, got %T", effs[0])
	}
	return b.Status
}

func TestRegistryOverwrite(t *testing.T) {
	var r Registry

	p := presenceOf(t, r.Apply(Registered{Role: RoleController, Conn: "a"}))
	if !p.ControllerConnected || p.ControlledDeviceConnected {
		t.Fatalf("presence after first register = %+v", p)
	}

	p = presenceOf(t, r.Apply(Registered{Role: RoleController, Conn: "b"}))
	if r.Controller != "b" {
		t.Fatalf("controller = %q, want b", r.Controller)
	}
	if !p.ControllerConnected {
		t.Fatal("controller should still be connected")
	}

	// The orphaned connection is no longer routable.
	effs := r.Apply(Locator{From: "a", URL: "x"})
	if d, ok := effs[0].(Drop); !ok || d.Reason != ReasonNotController {
		t.Fatalf("orphan send = %+v, want not-controller drop", effs)
	}

	// The orphan's disconnect must not clear the new occupant.
	p = presenceOf(t, r.Apply(Disconnected{Conn: "a"}))
	if r.Controller != "b" || !p.ControllerConnected {
		t.Fatalf("orphan disconnect cleared the slot: %+v", r)
	}
}

func TestRegistryRoutingGate(t *testing.T) {
	var r Registry
	r.Apply(Registered{Role: RoleController, Conn: "ctl"})
	r.Apply(Registered{Role: RoleDevice, Conn: "dev"})

	for _, ev := range []Event{
		Locator{From: "stranger", URL: "https://www.netflix.com/watch/1"},
		Command{From: "stranger", Command: "play"},
		Command{From: "dev", Command: "play"},
		Command{From: "", Command: "play"},
	} {
		effs := r.Apply(ev)
		if len(effs) != 1 {
			t.Fatalf("%+v: expected 1 effect, got %+v", ev, effs)
		}
		d, ok := effs[0].(Drop)
		if !ok {
			t.Fatalf("%+v: expected Drop, got %T", ev, effs[0])
		}
		if d.Reason != ReasonNotController {
			t.Errorf("%+v: reason = %q", ev, d.Reason)
		}
	}

	effs := r.Apply(Command{From: "ctl", Command: "pause"})
	want := Deliver{To: "dev", Event: protocol.EventExecuteCommand, Payload: "pause"}
	if len(effs) != 1 || effs[0] != want {
		t.Fatalf("controller command = %+v, want %+v", effs, want)
	}

	effs = r.Apply(Locator{From: "ctl", URL: "https://www.netflix.com/watch/42"})
	want = Deliver{To: "dev", Event: protocol.EventPlayVideo, Payload: "https://www.netflix.com/watch/42"}
	if len(effs) != 1 || effs[0] != want {
		t.Fatalf("controller locator = %+v, want %+v", effs, want)
	}
}

func TestRegistryDropWhenDeviceAbsent(t *testing.T) {
	var r Registry
	r.Apply(Registered{Role: RoleController, Conn: "ctl"})

	for _, ev := range []Event{
		Locator{From: "ctl", URL: "https://www.netflix.com/watch/1"},
		Command{From: "ctl", Command: "play"},
	} {
		effs := r.Apply(ev)
		if len(effs) != 1 {
			t.Fatalf("expected 1 effect, got %+v", effs)
		}
		if d, ok := effs[0].(Drop); !ok || d.Reason != ReasonNoDevice {
			t.Fatalf("effect = %+v, want no-device drop", effs[0])
		}
	}
}

func TestRegistryDisconnectCleanup(t *testing.T) {
	var r Registry
	r.Apply(Registered{Role: RoleController, Conn: "ctl"})
	r.Apply(Registered{Role: RoleDevice, Conn: "dev"})

	p := presenceOf(t, r.Apply(Disconnected{Conn: "dev"}))
	if p != (protocol.PresenceStatus{ControllerConnected: true}) {
		t.Fatalf("presence = %+v", p)
	}
	if r.Device != "" {
		t.Fatalf("device slot = %q, want empty", r.Device)
	}

	// Unknown disconnects still broadcast, without changing anything.
	p = presenceOf(t, r.Apply(Disconnected{Conn: "nobody"}))
	if !p.ControllerConnected {
		t.Fatal("controller cleared by unrelated disconnect")
	}
}

func TestRegistryDualRoleDisconnect(t *testing.T) {
	var r Registry
	r.Apply(Registered{Role: RoleController, Conn: "x"})
	r.Apply(Registered{Role: RoleDevice, Conn: "x"})

	if roles := r.RoleOf("x"); len(roles) != 2 {
		t.Fatalf("roles = %v, want both", roles)
	}

	p := presenceOf(t, r.Apply(Disconnected{Conn: "x"}))
	if p.ControllerConnected || p.ControlledDeviceConnected {
		t.Fatalf("presence = %+v, want both false", p)
	}
}

func TestRegistryConnectedIsSilent(t *testing.T) {
	var r Registry
	if effs := r.Apply(Connected{Conn: "a"}); effs != nil {
		t.Fatalf("Connected produced effects: %+v", effs)
	}
}

func TestRegistryUnknownRole(t *testing.T) {
	var r Registry
	effs := r.Apply(Registered{Role: "viewer", Conn: "a"})
	if _, ok := effs[0].(Drop); !ok {
		t.Fatalf("effect = %+v, want Drop", effs)
	}
	if r.Controller != "" || r.Device != "" {
		t.Fatalf("unknown role mutated registry: %+v", r)
	}
}
