package host

import (
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/tessera/modrt/pkg/events"
	"github.com/tessera/modrt/pkg/registry"
)

const tilesScript = `
register("tiles", "sand", color = "yellow", hardness = 2)
phase("physics")
phase("render", after = ["physics"])

def on_loaded(event):
    emit("star_ready", count = len(event["mods"]))

on("mods_loaded", on_loaded)

def on_ping(event):
    if event["value"] > 10:
        return CANCEL

on("ping", on_ping, priority = "high")

def register_content():
    register("tiles", "glass", color = "clear", tags = ["fragile", "shiny"])

def init():
    emit("initialized", mod = MOD_ID)
    log("initialized")

def unload():
    emit("bye")
`

func TestStarlarkMod_RegistersContentAndListeners(t *testing.T) {
	root := t.TempDir()
	writeMod(t, root, "tiles", "id: tiles\nversion: 1.0.0\nentrypoint: main.star\n", map[string]string{"main.star": tilesScript})

	rt := newTestRuntime(t, Options{ModsDir: root})

	rec := &recorder{}
	if _, err := events.On(rt.Bus(), "test", events.PriorityLow, func(_ context.Context, e ScriptEvent) error {
		rec.add(e.Name + ":" + e.ModID)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	report, err := rt.Boot(context.Background())
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if !slices.Equal(report.Loaded, []string{"tiles"}) {
		t.Fatalf("Expected tiles loaded, got %v (failures %v)", report.Loaded, report.Failures)
	}

	want := []string{"initialized:tiles", "star_ready:tiles"}
	if got := rec.get(); !slices.Equal(got, want) {
		t.Errorf("Expected script events %v, got %v", want, got)
	}

	tiles, ok := registry.Lookup[Content](rt.Catalog(), "tiles")
	if !ok {
		t.Fatal("Expected tiles registry")
	}
	if !slices.Equal(tiles.IDs(), []string{"sand", "glass"}) {
		t.Errorf("Expected [sand glass], got %v", tiles.IDs())
	}

	sand, _ := tiles.Get("sand")
	if sand.ModID != "tiles" || sand.Fields["color"] != "yellow" || sand.Fields["hardness"] != int64(2) {
		t.Errorf("Unexpected sand content %+v", sand)
	}
	glass, _ := tiles.Get("glass")
	if tags, _ := glass.Fields["tags"].([]any); len(tags) != 2 || tags[0] != "fragile" {
		t.Errorf("Unexpected glass tags %v", glass.Fields["tags"])
	}

	order, err := rt.Phases().ExecutionOrder()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(order, []string{"physics", "render"}) {
		t.Errorf("Expected [physics render], got %v", order)
	}

	tests := []struct {
		value int64
		want  events.Outcome
	}{
		{value: 11, want: events.Canceled},
		{value: 5, want: events.Proceed},
	}
	for _, tt := range tests {
		got, err := rt.Bus().Dispatch(context.Background(), ScriptEvent{
			Name:  "ping",
			ModID: "test",
			Data:  map[string]any{"value": tt.value},
		})
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("ping %d: expected %v, got %v", tt.value, tt.want, got)
		}
	}

	if _, err := rt.UnloadMod(context.Background(), "tiles"); err != nil {
		t.Fatal(err)
	}
	if got := rec.get(); !slices.Contains(got, "bye:tiles") {
		t.Errorf("Expected unload() to emit bye, got %v", got)
	}
	if tiles.Len() != 0 {
		t.Errorf("Expected content removed, got %v", tiles.IDs())
	}
}

func TestStarlarkMod_Failures(t *testing.T) {
	tests := []struct {
		name   string
		script string
		stage  string
	}{
		{name: "syntax", script: "def broken(:\n", stage: StageInstantiate},
		{name: "emit at load", script: "emit('early')\n", stage: StageInstantiate},
		{name: "bad priority", script: "def f(e):\n    pass\non('x', f, priority = 'urgent')\n", stage: StageInstantiate},
		{name: "init error", script: "def init():\n    fail('nope')\n", stage: StageInit},
		{name: "timeout", script: "def init():\n    for i in range(1000000000):\n        pass\n", stage: StageInit},
		{name: "duplicate content", script: "register('tiles', 'a')\nregister('tiles', 'a')\n", stage: StageRegisterContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeMod(t, root, "bad", "id: bad\nversion: 1.0.0\nentrypoint: main.star\n", map[string]string{"main.star": tt.script})

			rt := newTestRuntime(t, Options{ModsDir: root, ScriptTimeout: 200 * time.Millisecond})

			report, err := rt.Boot(context.Background())
			if err != nil {
				t.Fatalf("Boot failed: %v", err)
			}
			if len(report.Loaded) != 0 {
				t.Errorf("Expected nothing loaded, got %v", report.Loaded)
			}
			if len(report.Failures) != 1 || report.Failures[0].Stage != tt.stage {
				t.Fatalf("Expected one failure at %s, got %v", tt.stage, report.Failures)
			}
		})
	}
}

func TestEntrypointFile_StaysInModDir(t *testing.T) {
	root := t.TempDir()
	writeMod(t, root, "sneaky", "id: sneaky\nversion: 1.0.0\nentrypoint: ../outside.star\n", nil)

	rt := newTestRuntime(t, Options{ModsDir: root})
	report, err := rt.Boot(context.Background())
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if len(report.Failures) != 1 || !strings.Contains(report.Failures[0].Err.Error(), "escapes") {
		t.Errorf("Expected escaping entrypoint to fail, got %v", report.Failures)
	}
}
