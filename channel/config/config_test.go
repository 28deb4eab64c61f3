package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxClipboard != defaultMaxClipboard {
		t.Fatalf("MaxClipboard = %d, want %d", cfg.MaxClipboard, defaultMaxClipboard)
	}
	if cfg.DisplayColorDepth != 0 {
		t.Fatalf("DisplayColorDepth = %d, want 0", cfg.DisplayColorDepth)
	}
}

func TestLoadConfigParsesYAMLAndRedirections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentchannel.yaml")
	body := []byte(`
max_clipboard: 4096
display_color_depth: 16
redirected_remote_ports:
  - "2222:localhost:22"
  - "eth0:8080:web:80"
redirected_local_ports:
  - "9090:db:5432"
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxClipboard != 4096 {
		t.Fatalf("MaxClipboard = %d, want 4096", cfg.MaxClipboard)
	}
	if cfg.DisplayColorDepth != 16 {
		t.Fatalf("DisplayColorDepth = %d, want 16", cfg.DisplayColorDepth)
	}

	remotes, err := cfg.RemotePortRedirections()
	if err != nil {
		t.Fatalf("RemotePortRedirections: %v", err)
	}
	if len(remotes) != 2 {
		t.Fatalf("len(remotes) = %d, want 2", len(remotes))
	}
	if remotes[0].BindAddr != "*" || remotes[0].Port != 2222 || remotes[0].Host != "localhost" || remotes[0].HostPort != 22 {
		t.Fatalf("remotes[0] = %+v, unexpected", remotes[0])
	}
	if remotes[1].BindAddr != "eth0" || remotes[1].Port != 8080 || remotes[1].Host != "web" || remotes[1].HostPort != 80 {
		t.Fatalf("remotes[1] = %+v, unexpected", remotes[1])
	}

	locals, err := cfg.LocalPortRedirections()
	if err != nil {
		t.Fatalf("LocalPortRedirections: %v", err)
	}
	if len(locals) != 1 || locals[0].Port != 9090 || locals[0].Host != "db" || locals[0].HostPort != 5432 {
		t.Fatalf("locals = %+v, unexpected", locals)
	}
}

func TestLoadConfigRejectsInvalidColorDepth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentchannel.yaml")
	if err := os.WriteFile(path, []byte("display_color_depth: 12\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig: want error for invalid display_color_depth, got nil")
	}
}

func TestLoadConfigRejectsMalformedRedirection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentchannel.yaml")
	body := []byte("redirected_remote_ports:\n  - \"not-a-valid-spec\"\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig: want error for malformed redirection, got nil")
	}
}

func TestLoadConfigEnvOverridesMaxClipboard(t *testing.T) {
	t.Setenv("SPICE_MAX_CLIPBOARD", "-1")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxClipboard != -1 {
		t.Fatalf("MaxClipboard = %d, want -1 (unlimited)", cfg.MaxClipboard)
	}
}
