package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kuuji/roomrtc/internal/ice/turncreds"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if len(cfg.ICE.STUNServers) == 0 {
		t.Fatal("expected default STUN servers")
	}
	if cfg.Engine.LANTimeout == 0 {
		t.Fatal("expected nonzero default LAN timeout")
	}
	if cfg.Engine.Ordered {
		t.Fatal("expected fast channel to default to unordered")
	}
}

func TestSaveLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := DefaultConfig()
	cfg.ICE.STUNServers = []string{"stun:stun.example.com:3478"}
	cfg.TURN.URLs = []string{"turn:turn.example.com:3478?transport=tcp"}
	cfg.TURN.Secret = "s3cr3t"

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if len(loaded.ICE.STUNServers) != 1 || loaded.ICE.STUNServers[0] != "stun:stun.example.com:3478" {
		t.Fatalf("STUN servers not round-tripped: %+v", loaded.ICE.STUNServers)
	}
	if loaded.TURN.Secret != "s3cr3t" {
		t.Fatalf("TURN secret not round-tripped: %q", loaded.TURN.Secret)
	}
}

func TestLoadConfigMissingSecretsIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if err := SaveConfig(path, DefaultConfig()); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	secretsPath := SecretsPathFromConfig(path)
	if err := os.Remove(secretsPath); err != nil {
		t.Fatalf("removing secrets file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.TURN.Secret != "" {
		t.Fatalf("expected empty TURN secret, got %q", cfg.TURN.Secret)
	}
}

func TestBuildICEServersOmitsTURNWithoutSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TURN.URLs = []string{"turn:turn.example.com:3478"}

	servers := cfg.BuildICEServers("room-1")
	if len(servers.TURN) != 0 {
		t.Fatalf("expected no TURN server without a secret, got %+v", servers.TURN)
	}
	if len(servers.STUN) != len(cfg.ICE.STUNServers) {
		t.Fatalf("expected STUN servers to carry through, got %+v", servers.STUN)
	}
}

func TestBuildICEServersMintsValidatableTURNCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TURN.URLs = []string{"turn:turn.example.com:3478?transport=tcp"}
	cfg.TURN.Secret = "s3cr3t"

	servers := cfg.BuildICEServers("room-42")
	if len(servers.TURN) != 1 {
		t.Fatalf("expected one TURN server, got %d", len(servers.TURN))
	}
	turn := servers.TURN[0]
	if len(turn.URLs) != 1 || turn.URLs[0] != cfg.TURN.URLs[0] {
		t.Fatalf("TURN URL not carried through: %+v", turn.URLs)
	}
	if err := turncreds.Validate(cfg.TURN.Secret, turn.Username, turn.Credential); err != nil {
		t.Fatalf("minted TURN credentials failed validation: %v", err)
	}
	if err := turncreds.Validate("wrong-secret", turn.Username, turn.Credential); err == nil {
		t.Fatal("expected validation against the wrong secret to fail")
	}
}

func TestParseMarshalTOMLRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.SoftReconnectAttempts = 5

	s, err := MarshalTOML(cfg)
	if err != nil {
		t.Fatalf("MarshalTOML: %v", err)
	}

	parsed, err := ParseTOML(s)
	if err != nil {
		t.Fatalf("ParseTOML: %v", err)
	}
	if parsed.Engine.SoftReconnectAttempts != 5 {
		t.Fatalf("expected 5 soft reconnect attempts, got %d", parsed.Engine.SoftReconnectAttempts)
	}
}
