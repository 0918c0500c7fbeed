package catalog

import "testing"

func TestGetKnownBackends(t *testing.T) {
	for _, b := range KnownBackends() {
		if _, ok := Get(b); !ok {
			t.Errorf("Get(%q) reported unknown, want found", b)
		}
	}
}

func TestGetUnknownBackend(t *testing.T) {
	if _, ok := Get(Backend("nonexistent")); ok {
		t.Errorf("Get(nonexistent) reported found, want unknown")
	}
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in   string
		want Backend
		ok   bool
	}{
		{"codex", BackendCodex, true},
		{"claude", BackendClaude, true},
		{"gemini", BackendGemini, true},
		{"opencode", BackendOpencode, true},
		{"kimi", BackendKimi, true},
		{"", "", false},
		{"CODEX", "", false},
		{"gpt4", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseBackend(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseBackend(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestEveryAdapterHasSessionCapableOrTextParser(t *testing.T) {
	for _, b := range KnownBackends() {
		a, _ := Get(b)
		switch a.OutputParser.Kind {
		case ParserJSONStream, ParserJSONObject, ParserRegex, ParserText:
		default:
			t.Errorf("backend %s has unrecognized parser kind %q", b, a.OutputParser.Kind)
		}
	}
}

func TestKimiIsTextOnlyAndStateless(t *testing.T) {
	a, ok := Get(BackendKimi)
	if !ok {
		t.Fatal("kimi adapter missing")
	}
	if a.OutputParser.Kind != ParserText {
		t.Errorf("kimi parser kind = %q, want text", a.OutputParser.Kind)
	}
	if a.OutputParser.SupportsSessions() {
		t.Errorf("kimi's text parser should not support session resume by id")
	}
}

func TestCapabilitiesNormalizeDefaults(t *testing.T) {
	c, err := Capabilities{Filesystem: FilesystemReadOnly}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if c.Shell != ToggleAllow || c.Network != ToggleAllow {
		t.Errorf("Normalize() defaults = %+v, want shell/network allow", c)
	}
	if len(c.Tools) != 1 || c.Tools[0] != "*" {
		t.Errorf("Normalize() tools default = %v, want [*]", c.Tools)
	}
}

func TestCapabilitiesNormalizeDefaultsMissingFilesystemToReadWrite(t *testing.T) {
	c, err := (Capabilities{}).Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if c.Filesystem != FilesystemReadWrite {
		t.Errorf("Normalize() filesystem = %q, want the read-write default", c.Filesystem)
	}
}

func TestCapabilitiesNormalizeRejectsUnknownFilesystem(t *testing.T) {
	if _, err := (Capabilities{Filesystem: "read-mostly"}).Normalize(); err == nil {
		t.Error("Normalize() with an unknown filesystem mode should error")
	}
}

func TestAdapterEffectiveDefaults(t *testing.T) {
	var a Adapter
	if got := a.EffectivePromptTransport(); got != TransportArg {
		t.Errorf("EffectivePromptTransport() = %q, want arg", got)
	}
	if got := a.EffectivePromptMaxChars(); got != defaultPromptMaxChars {
		t.Errorf("EffectivePromptMaxChars() = %d, want %d", got, defaultPromptMaxChars)
	}
}

func TestAdapterAllowsFilesystemNoRestriction(t *testing.T) {
	a := Adapter{}
	if !a.AllowsFilesystem(FilesystemReadOnly) || !a.AllowsFilesystem(FilesystemReadWrite) {
		t.Error("an adapter with no FilesystemCapabilities list should allow every mode")
	}
}

func TestAdapterAllowsFilesystemRestricted(t *testing.T) {
	a := Adapter{FilesystemCapabilities: []FilesystemMode{FilesystemReadOnly}}
	if !a.AllowsFilesystem(FilesystemReadOnly) {
		t.Error("AllowsFilesystem(read-only) should be true")
	}
	if a.AllowsFilesystem(FilesystemReadWrite) {
		t.Error("AllowsFilesystem(read-write) should be false when only read-only is allowed")
	}
}
