// Package config loads and persists the engine's runtime configuration:
// ICE server lists, TURN credential secrets, and session-engine defaults
// (watchdog timeouts, data-channel behavior). It follows the teacher's
// split config.toml/secrets.toml convention so the TURN shared secret
// never lands in a world-readable file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kuuji/roomrtc/internal/ice"
	"github.com/kuuji/roomrtc/internal/ice/turncreds"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// DefaultConfigDir is the default config directory.
const DefaultConfigDir = "/etc/roomrtc"

const secretsFileName = "secrets.toml"

// Config is the top-level engine configuration, persisted as TOML at
// DefaultConfigPath()/DefaultSecretsPath().
type Config struct {
	ICE    ICEConfig    `toml:"ice"`
	TURN   TURNConfig   `toml:"turn"`
	Engine EngineConfig `toml:"engine"`
}

// ICEConfig lists the STUN servers used once the LAN phase times out.
type ICEConfig struct {
	// STUNServers is a list of STUN server URIs (e.g. "stun:stun.l.google.com:19302").
	STUNServers []string `toml:"stun_servers"`

	// ForceRelay forces every peer connection to use the TURN relay,
	// bypassing direct (host/srflx) connectivity. Useful for exercising the
	// TURN relay path or environments where direct connectivity is blocked.
	ForceRelay bool `toml:"force_relay,omitempty"`
}

// TURNConfig configures an optional TURN relay reachable via the TURN REST
// API credential convention (internal/ice/turncreds).
type TURNConfig struct {
	// URLs is the list of TURN server URIs. Empty disables TURN.
	URLs []string `toml:"urls,omitempty"`

	// Secret is the shared secret used to derive time-limited TURN
	// credentials per room. Lives in secrets.toml, never config.toml.
	Secret string `toml:"secret,omitempty"`

	// CredentialLifetime bounds how long generated TURN credentials remain
	// valid. Zero uses turncreds.DefaultLifetime.
	CredentialLifetime time.Duration `toml:"credential_lifetime,omitempty"`

	// WebSocketEndpoint, if set, routes TURN TCP connections over a
	// WebSocket front door (internal/rtc/rtcpion.WSProxyDialer) instead of
	// dialing the TURN server directly.
	WebSocketEndpoint string `toml:"websocket_endpoint,omitempty"`
}

// EngineConfig controls session-engine timing and data-channel defaults.
type EngineConfig struct {
	// LANTimeout bounds how long the engine waits for an ICE-connected
	// state before falling back from the LAN phase to the STUN phase.
	LANTimeout time.Duration `toml:"lan_timeout"`

	// WatchdogInterval is how often the recovery watchdog inspects
	// connection health.
	WatchdogInterval time.Duration `toml:"watchdog_interval"`

	// DisconnectedGrace is how long a peer may sit in the disconnected
	// state before a soft reconnect (ICE restart) is attempted.
	DisconnectedGrace time.Duration `toml:"disconnected_grace"`

	// SoftReconnectAttempts bounds the number of soft reconnects tried
	// before escalating to a hard reconnect (full peer rebuild).
	SoftReconnectAttempts int `toml:"soft_reconnect_attempts"`

	// Ordered controls whether data channels deliver messages in order.
	// The "reliable" channel always uses true regardless of this setting;
	// this configures the "fast" channel.
	Ordered bool `toml:"ordered"`

	// MaxRetransmits bounds retransmission attempts for the "fast" data
	// channel. The "reliable" channel is always unbounded.
	MaxRetransmits uint16 `toml:"max_retransmits"`

	// SendQueueHighWatermark is the buffered-amount threshold, in bytes,
	// above which a send queue applies backpressure.
	SendQueueHighWatermark uint64 `toml:"send_queue_high_watermark"`
}

// configFile is the TOML representation for config.toml (world-readable, no secrets).
type configFile struct {
	ICE    ICEConfig    `toml:"ice"`
	Engine EngineConfig `toml:"engine"`
	TURN   turnConfigFile `toml:"turn"`
}

type turnConfigFile struct {
	URLs                []string      `toml:"urls,omitempty"`
	CredentialLifetime  time.Duration `toml:"credential_lifetime,omitempty"`
	WebSocketEndpoint   string        `toml:"websocket_endpoint,omitempty"`
}

// secretsFile is the TOML representation for secrets.toml (mode 0660, restricted).
type secretsFile struct {
	TURN turnSecretsFile `toml:"turn"`
}

type turnSecretsFile struct {
	Secret string `toml:"secret,omitempty"`
}

func toConfigFile(cfg *Config) *configFile {
	return &configFile{
		ICE:    cfg.ICE,
		Engine: cfg.Engine,
		TURN: turnConfigFile{
			URLs:               cfg.TURN.URLs,
			CredentialLifetime: cfg.TURN.CredentialLifetime,
			WebSocketEndpoint:  cfg.TURN.WebSocketEndpoint,
		},
	}
}

func toSecretsFile(cfg *Config) *secretsFile {
	return &secretsFile{TURN: turnSecretsFile{Secret: cfg.TURN.Secret}}
}

func mergeSecrets(cfg *Config, s *secretsFile) {
	cfg.TURN.Secret = s.TURN.Secret
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ICE: ICEConfig{
			STUNServers: append([]string(nil), DefaultSTUNServers...),
		},
		Engine: EngineConfig{
			LANTimeout:             1800 * time.Millisecond,
			WatchdogInterval:       2 * time.Second,
			DisconnectedGrace:      5 * time.Second,
			SoftReconnectAttempts:  3,
			Ordered:                false,
			MaxRetransmits:         0,
			SendQueueHighWatermark: 256 * 1024,
		},
	}
}

// BuildICEServers converts the configured STUN list and, if a TURN secret
// is present, a freshly minted room-scoped TURN credential into the
// ice.Servers the STUN phase builds peer connections with.
func (c *Config) BuildICEServers(roomID string) ice.Servers {
	servers := ice.Servers{STUN: append([]string(nil), c.ICE.STUNServers...)}
	if len(c.TURN.URLs) > 0 && c.TURN.Secret != "" {
		servers.TURN = append(servers.TURN, turncreds.ICEServer(c.TURN.URLs, c.TURN.Secret, roomID, c.TURN.CredentialLifetime))
	}
	return servers
}

// DefaultConfigPath returns the default path for the config file.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir, "config.toml")
}

// DefaultSecretsPath returns the default path for the secrets file.
func DefaultSecretsPath() string {
	return filepath.Join(DefaultConfigDir, secretsFileName)
}

// SecretsPathFromConfig derives the secrets.toml path from a config.toml path.
func SecretsPathFromConfig(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), secretsFileName)
}

// LoadConfig reads config.toml and secrets.toml, merging them into a
// single Config. If secrets.toml does not exist, TURN.Secret is left
// empty (TURN relay credentials are simply unavailable).
func LoadConfig(path string) (*Config, error) {
	cfg, err := LoadPublicConfig(path)
	if err != nil {
		return nil, err
	}

	secretsPath := SecretsPathFromConfig(path)
	var sec secretsFile
	if _, err := toml.DecodeFile(secretsPath, &sec); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading secrets file %s: %w", secretsPath, err)
		}
	} else {
		mergeSecrets(cfg, &sec)
	}

	return cfg, nil
}

// LoadPublicConfig reads only config.toml, the world-readable portion.
func LoadPublicConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig writes both config.toml and secrets.toml to the directory
// containing path, creating it with mode 0755 if needed.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0755); err != nil {
		return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
	}

	if err := writeFile(path, 0664, toConfigFile(cfg)); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	applyUserOwnership(path)

	secretsPath := SecretsPathFromConfig(path)
	if err := writeFile(secretsPath, 0660, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)

	return nil
}

// applyUserOwnership grants the invoking sudo user's group read/write
// access on a freshly written config file. Best-effort: errors are
// ignored since the file is already written and root can always access it.
func applyUserOwnership(path string) {
	if os.Getuid() != 0 {
		return
	}
	gidStr := os.Getenv("SUDO_GID")
	if gidStr == "" {
		return
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return
	}
	_ = os.Chown(path, 0, gid)
}

func writeFile(path string, mode os.FileMode, v interface{}) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding TOML: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	return nil
}

// ParseTOML decodes a Config from a TOML string.
func ParseTOML(s string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(s, cfg); err != nil {
		return nil, fmt.Errorf("decoding TOML config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// MarshalTOML encodes a Config to a TOML string.
func MarshalTOML(cfg *Config) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return "", fmt.Errorf("encoding TOML config: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.ICE.STUNServers) == 0 {
		cfg.ICE.STUNServers = append([]string(nil), DefaultSTUNServers...)
	}
	if cfg.Engine.LANTimeout == 0 {
		cfg.Engine.LANTimeout = 1800 * time.Millisecond
	}
	if cfg.Engine.WatchdogInterval == 0 {
		cfg.Engine.WatchdogInterval = 2 * time.Second
	}
	if cfg.Engine.DisconnectedGrace == 0 {
		cfg.Engine.DisconnectedGrace = 5 * time.Second
	}
	if cfg.Engine.SoftReconnectAttempts == 0 {
		cfg.Engine.SoftReconnectAttempts = 3
	}
	if cfg.Engine.SendQueueHighWatermark == 0 {
		cfg.Engine.SendQueueHighWatermark = 256 * 1024
	}
}
