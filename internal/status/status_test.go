package status

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWriterFormatPlain(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, "device")

	w.Publish(Server(false, errors.New("dial refused")))
	w.Publish(Peer(KindController, true))
	w.Publish(Message("opened %s", "https://www.netflix.com/watch/1"))

	want := "[device] hub disconnected (dial refused)\n" +
		"[device] controller present\n" +
		"[device] opened https://www.netflix.com/watch/1\n"
	if got := buf.String(); got != want {
		t.Fatalf("output:\n%q\nwant:\n%q", got, want)
	}
	if strings.Contains(buf.String(), "\x1b[") {
		t.Fatal("non-terminal output must not be colored")
	}
}

func TestWriterColor(t *testing.T) {
	w := &Writer{tag: "ctl", color: true}
	out := w.Format(Peer(KindDevice, true))
	if !strings.Contains(out, "\x1b[32mpresent\x1b[0m") {
		t.Fatalf("expected green state, got %q", out)
	}
}

func TestSummary(t *testing.T) {
	got := Summary("ctl", true, "device", false)
	if got != "[ctl] hub up | device down" {
		t.Fatalf("Summary = %q", got)
	}
}

func TestRecorderWait(t *testing.T) {
	r := NewRecorder()
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Publish(Server(true, nil))
	}()
	ok := r.Wait(func(e Event) bool { return e.Kind == KindServer && e.Connected }, time.Second)
	if !ok {
		t.Fatal("Wait timed out")
	}
	if r.Wait(func(e Event) bool { return e.Kind == KindDevice }, 20*time.Millisecond) {
		t.Fatal("Wait matched an event that was never published")
	}
}
