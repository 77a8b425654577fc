package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessera/modrt/pkg/engine"
	"github.com/tessera/modrt/pkg/mods"
	"github.com/tessera/modrt/pkg/version"
)

func testMod(id, entrypoint string, deps ...string) mods.Mod {
	md := &mods.ModMetadata{
		ID:           id,
		Version:      version.MustParse("1.0.0"),
		Entrypoint:   entrypoint,
		Description:  "test mod",
		Authors:      []string{"tester"},
		LoadPriority: mods.PriorityNormal,
	}
	for _, d := range deps {
		md.Dependencies = append(md.Dependencies, mods.ModDependency{ModID: d, Constraint: version.Any{}})
	}
	return mods.Mod{Metadata: md, Path: filepath.Join("mods", id)}
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t, Options{})

	want := []string{"dependency-hygiene", "entrypoint-confinement", "entrypoint-kind", "mod-metadata"}
	got := eng.ListPolicies()
	if len(got) != len(want) {
		t.Fatalf("Expected %d built-in policies, got %d", len(want), len(got))
	}
	for i, name := range want {
		if got[i].Name != name || !got[i].Builtin {
			t.Errorf("Policy %d: expected builtin %s, got %s (builtin=%v)", i, name, got[i].Name, got[i].Builtin)
		}
	}
}

func TestAdmit_EntrypointConfinement(t *testing.T) {
	eng := newTestEngine(t, Options{})

	tests := []struct {
		name       string
		entrypoint string
		allowed    bool
	}{
		{"starlark in mod dir", "main.star", true},
		{"wasm in subdir", "bin/mod.wasm", true},
		{"native", "native:core", true},
		{"absolute path", "/etc/evil.star", false},
		{"parent escape", "../other/main.star", false},
		{"nested escape", "scripts/../../x.wasm", false},
		{"windows absolute", `C:\mods\x.wasm`, false},
		{"dots in name are fine", "main..v2.star", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testMod("m", tt.entrypoint)
			res, err := eng.Admit(context.Background(), []mods.Mod{m})
			if err != nil {
				t.Fatalf("Admit() error = %v", err)
			}
			d := res.Decisions["m"]
			if d.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v (violations %v)", tt.allowed, d.Allowed, d.Violations)
			}
			if !tt.allowed && d.Violations[0].Policy != "entrypoint-confinement" {
				t.Errorf("Expected entrypoint-confinement violation, got %v", d.Violations)
			}
		})
	}
}

func TestAdmit_EntrypointKind(t *testing.T) {
	eng := newTestEngine(t, Options{AllowedKinds: []string{mods.KindNative, mods.KindStarlark}})

	res, err := eng.Admit(context.Background(), []mods.Mod{
		testMod("script", "main.star"),
		testMod("binary", "mod.wasm"),
		testMod("odd", "main.py"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Admitted) != 1 || res.Admitted[0].ID() != "script" {
		t.Errorf("Expected only script admitted, got %v", res.Admitted)
	}
	if len(res.Rejected) != 2 {
		t.Errorf("Expected 2 rejections, got %v", res.Rejected)
	}
}

func TestAdmit_DependencyHygiene(t *testing.T) {
	eng := newTestEngine(t, Options{})

	res, err := eng.Admit(context.Background(), []mods.Mod{
		testMod("loop", "native:loop", "loop"),
		testMod("twice", "native:twice", "base", "base"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if res.Decisions["loop"].Allowed {
		t.Error("Self dependency should be rejected")
	}
	twice := res.Decisions["twice"]
	if !twice.Allowed {
		t.Errorf("Duplicate dependency is only a warning, got %v", twice.Violations)
	}
	if len(twice.Warnings) != 1 || twice.Warnings[0].Severity != SeverityWarning {
		t.Errorf("Expected one warning, got %v", twice.Warnings)
	}
}

func TestAdmit_MetadataNotesDoNotBlock(t *testing.T) {
	eng := newTestEngine(t, Options{})
	m := testMod("bare", "native:bare")
	m.Metadata.Description = ""
	m.Metadata.Authors = nil

	d, err := eng.Check(context.Background(), m)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(d.Warnings) != 2 {
		t.Errorf("Expected 2 info notes, got %v", d.Warnings)
	}
}

func TestCheck_RejectionIsPolicyError(t *testing.T) {
	eng := newTestEngine(t, Options{})
	_, err := eng.Check(context.Background(), testMod("m", "/abs.star"))
	if !engine.IsPolicy(err) {
		t.Fatalf("Expected policy error, got %v", err)
	}
}

func TestCustomPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no-beta.rego"), `# Pre-release mods are not allowed in production.
package modrt.admission.custom.nobeta

import rego.v1

deny contains violation if {
	input.mod.prerelease
	violation := {"message": sprintf("mod %s is a pre-release", [input.mod.id]), "severity": "error"}
}
`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	eng := newTestEngine(t, Options{})
	if err := eng.LoadPolicies(context.Background(), []string{dir, filepath.Join(dir, "missing")}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	p, err := eng.GetPolicy("no-beta")
	if err != nil {
		t.Fatal(err)
	}
	if p.Description != "Pre-release mods are not allowed in production." {
		t.Errorf("Unexpected description %q", p.Description)
	}

	beta := testMod("beta", "native:beta")
	beta.Metadata.Version = version.MustParse("2.0.0-beta.1")
	stable := testMod("stable", "native:stable")

	res, err := eng.Admit(context.Background(), []mods.Mod{beta, stable})
	if err != nil {
		t.Fatal(err)
	}
	if res.Decisions["beta"].Allowed || !res.Decisions["stable"].Allowed {
		t.Errorf("Unexpected decisions: %+v", res.Decisions)
	}

	t.Run("disable", func(t *testing.T) {
		if err := eng.DisablePolicy("no-beta"); err != nil {
			t.Fatal(err)
		}
		res, _ := eng.Admit(context.Background(), []mods.Mod{beta})
		if !res.Decisions["beta"].Allowed {
			t.Error("Disabled policy still applied")
		}
	})

	t.Run("broken policy keeps previous set", func(t *testing.T) {
		err := eng.SetCustomPolicies(context.Background(), []Policy{{Name: "broken", Rego: "package x\ndeny[", Enabled: true}})
		if !engine.IsPolicy(err) {
			t.Fatalf("Expected policy error, got %v", err)
		}
		if _, err := eng.GetPolicy("no-beta"); err != nil {
			t.Error("Previous custom policy was lost")
		}
	})

	t.Run("builtin name clash", func(t *testing.T) {
		err := eng.SetCustomPolicies(context.Background(), []Policy{{Name: "entrypoint-kind", Rego: "package y", Enabled: true}})
		if engine.CodeOf(err) != engine.ErrCodeDuplicateID {
			t.Errorf("Expected duplicate id error, got %v", err)
		}
	})
}

func TestParseRego_Directives(t *testing.T) {
	p := parseRego("strict", []byte(`# Mods must declare a version constraint.
# severity: error
#
# disabled
package modrt.admission.custom.strict
# not part of the header
`))
	if p.Name != "strict" || p.Severity != SeverityError || p.Enabled {
		t.Errorf("Unexpected policy %+v", p)
	}
	if p.Description != "Mods must declare a version constraint." {
		t.Errorf("Unexpected description %q", p.Description)
	}
}

func TestParseBundle(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
		wantErr bool
	}{
		{
			name: "two policies",
			content: `policies:
  - name: a
    rego: "package a"
  - name: b
    severity: critical
    enabled: false
    rego: "package b"
`,
			want: []string{"a", "b"},
		},
		{name: "empty", content: "", want: []string{}},
		{name: "nameless", content: "policies:\n  - rego: \"package x\"\n", wantErr: true},
		{name: "no rego", content: "policies:\n  - name: x\n", wantErr: true},
		{name: "unknown key", content: "policies:\n  - name: x\n    regoo: y\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBundle([]byte(tt.content))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseBundle() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			names := make([]string, len(got))
			for i, p := range got {
				names[i] = p.Name
			}
			if strings.Join(names, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Got policies %v, want %v", names, tt.want)
			}
		})
	}

	got, _ := parseBundle([]byte("policies:\n  - name: a\n    rego: x\n  - name: b\n    severity: critical\n    enabled: false\n    rego: y\n"))
	if got[0].Severity != SeverityWarning || !got[0].Enabled {
		t.Errorf("Expected warning default and enabled, got %+v", got[0])
	}
	if got[1].Severity != SeverityCritical || got[1].Enabled {
		t.Errorf("Expected critical and disabled, got %+v", got[1])
	}
}

func TestLoadFromPaths_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "dup.rego"), "package dup\n")
	writeFile(t, filepath.Join(dir, "bundle.yaml"), "policies:\n  - name: dup\n    rego: \"package dup2\"\n")

	if _, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir}); err == nil {
		t.Fatal("Expected duplicate policy names to fail")
	}
}

func TestWatchPolicies_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.WatchPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("WatchPolicies() error = %v", err)
	}

	writeFile(t, filepath.Join(dir, "deny-all.rego"), `# severity: error
package modrt.admission.custom.denyall

import rego.v1

deny contains "no mods today"
`)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := eng.GetPolicy("deny-all"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for policy reload")
		}
		time.Sleep(20 * time.Millisecond)
	}

	res, err := eng.Admit(context.Background(), []mods.Mod{testMod("m", "native:m")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Decisions["m"].Allowed {
		t.Error("Expected reloaded policy to reject the mod")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
