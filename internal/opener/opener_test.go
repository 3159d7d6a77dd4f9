package opener

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	c := Parse("firefox --new-window")
	if c.Name != "firefox" || len(c.Args) != 1 || c.Args[0] != "--new-window" {
		t.Fatalf("Parse = %+v", c)
	}
	if got := Parse("   "); got.Name != Default().Name {
		t.Fatalf("empty line should give the default opener, got %+v", got)
	}
}

func TestCommandOpenPassesURL(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	out := filepath.Join(t.TempDir(), "url")
	c := &Command{Name: "sh", Args: []string{"-c", `printf %s "$1" > ` + out, "opener"}}

	url := "https://www.netflix.com/watch/80100172"
	if err := c.Open(context.Background(), url); err != nil {
		t.Fatalf("Open: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		data, err := os.ReadFile(out)
		if err == nil && string(data) == url {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("opener never received the URL (last read %q, %v)", data, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCommandOpenMissingBinary(t *testing.T) {
	c := &Command{Name: "definitely-not-a-real-opener-binary"}
	if err := c.Open(context.Background(), "https://example.com"); err == nil {
		t.Fatal("expected error for missing binary")
	}
}
