// Package config loads and validates the settings that drive a lobby mesh
// process: the tunnel subnet, protocol timeouts, and the local device name.
package config

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Default protocol constants (§6 of the design). All are overridable per
// deployment; only the salt needs to agree across every peer in a lobby.
const (
	DefaultProbeTimeoutMS      = 500
	DefaultHeartbeatIntervalMS = 60000
	DefaultLeaseTimeMS         = 120000
	DefaultLeaseExpiryMS       = 360000
	DefaultHeartbeatExpiryMS   = 180000
	DefaultAppSecretSalt       = "ConnectTool_VPN_Salt_v1"
	DefaultSubnetBase          = "10.0.0.0"
	DefaultSubnetMask          = "255.255.255.0"
	DefaultMTU                 = 1400
	DefaultStunServer          = "stun.l.google.com:19302"
)

// Config holds everything a bridge needs to start a mesh session.
type Config struct {
	PeerID     uint64 `json:"peer_id"`     // stable per-installation identity fed into node ID derivation
	DeviceName string `json:"device_name"` // display name announced to peers
	TunName    string `json:"tun_name"`    // optional TUN device name hint (empty = auto)
	MTU        int    `json:"mtu"`         // requested MTU; clamped against the transport budget at start

	SubnetBase string `json:"subnet_base"` // e.g. "10.0.0.0"
	SubnetMask string `json:"subnet_mask"` // e.g. "255.255.255.0"

	ProbeTimeoutMS      int    `json:"probe_timeout_ms"`
	HeartbeatIntervalMS int    `json:"heartbeat_interval_ms"`
	LeaseTimeMS         int    `json:"lease_time_ms"`
	LeaseExpiryMS       int    `json:"lease_expiry_ms"`
	HeartbeatExpiryMS   int    `json:"heartbeat_expiry_ms"`
	AppSecretSalt       string `json:"app_secret_salt"`

	LobbyServiceName string `json:"lobby_service_name"` // mDNS service used for local lobby discovery
	P2PPort          int    `json:"p2p_port"`           // UDP port for the transport adapter (0 = auto)
	StunServer       string `json:"stun_server"`        // STUN server for local NAT classification; empty disables STUN
}

// DefaultConfig returns a config with every field set to its documented
// default.
func DefaultConfig() *Config {
	return &Config{
		DeviceName:          "",
		TunName:             "",
		MTU:                 DefaultMTU,
		SubnetBase:          DefaultSubnetBase,
		SubnetMask:          DefaultSubnetMask,
		ProbeTimeoutMS:      DefaultProbeTimeoutMS,
		HeartbeatIntervalMS: DefaultHeartbeatIntervalMS,
		LeaseTimeMS:         DefaultLeaseTimeMS,
		LeaseExpiryMS:       DefaultLeaseExpiryMS,
		HeartbeatExpiryMS:   DefaultHeartbeatExpiryMS,
		AppSecretSalt:       DefaultAppSecretSalt,
		LobbyServiceName:    "_lobbymesh._udp",
		P2PPort:             0,
		StunServer:          DefaultStunServer,
	}
}

// LoadConfig reads a JSON config file, filling in any zero-valued field
// with its default.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if cfg.PeerID == 0 {
		// First run against this file: mint a stable identity and persist
		// it immediately, since the node ID derived from it must stay the
		// same across restarts for peers to recognize us.
		id := uuid.New()
		cfg.PeerID = binary.LittleEndian.Uint64(id[:8])
		if err := SaveConfig(filename, cfg); err != nil {
			return nil, fmt.Errorf("config: persist generated peer id: %w", err)
		}
	}
	return cfg, nil
}

// applyDefaults backfills zero values left behind by a partial JSON file.
func applyDefaults(cfg *Config) {
	d := DefaultConfig()
	if cfg.MTU == 0 {
		cfg.MTU = d.MTU
	}
	if cfg.SubnetBase == "" {
		cfg.SubnetBase = d.SubnetBase
	}
	if cfg.SubnetMask == "" {
		cfg.SubnetMask = d.SubnetMask
	}
	if cfg.ProbeTimeoutMS == 0 {
		cfg.ProbeTimeoutMS = d.ProbeTimeoutMS
	}
	if cfg.HeartbeatIntervalMS == 0 {
		cfg.HeartbeatIntervalMS = d.HeartbeatIntervalMS
	}
	if cfg.LeaseTimeMS == 0 {
		cfg.LeaseTimeMS = d.LeaseTimeMS
	}
	if cfg.LeaseExpiryMS == 0 {
		cfg.LeaseExpiryMS = d.LeaseExpiryMS
	}
	if cfg.HeartbeatExpiryMS == 0 {
		cfg.HeartbeatExpiryMS = d.HeartbeatExpiryMS
	}
	if cfg.AppSecretSalt == "" {
		cfg.AppSecretSalt = d.AppSecretSalt
	}
	if cfg.LobbyServiceName == "" {
		cfg.LobbyServiceName = d.LobbyServiceName
	}
}

// Validate checks that the configuration is usable, returning the first
// problem found.
func Validate(cfg *Config) error {
	if cfg.SubnetBase == "" || cfg.SubnetMask == "" {
		return fmt.Errorf("config: subnet base and mask are required")
	}
	if cfg.MTU < 576 || cfg.MTU > 9000 {
		return fmt.Errorf("config: mtu must be between 576 and 9000")
	}
	if len(cfg.TunName) > 15 {
		return fmt.Errorf("config: tun name too long (max 15 characters)")
	}
	if cfg.ProbeTimeoutMS <= 0 {
		return fmt.Errorf("config: probe_timeout_ms must be positive")
	}
	if cfg.HeartbeatIntervalMS <= 0 || cfg.LeaseExpiryMS <= 0 || cfg.HeartbeatExpiryMS <= 0 {
		return fmt.Errorf("config: heartbeat timers must be positive")
	}
	return nil
}

// SaveConfig writes cfg to filename as indented JSON.
func SaveConfig(filename string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0600)
}

// UpdateSalt rewrites only the app_secret_salt field of an existing config
// file, preserving every other field and the file's original permissions.
// Rotating the salt is disruptive (it changes every node ID in the
// deployment) so callers should only do this out of band, with every peer
// updated together.
func UpdateSalt(filename, newSalt string) error {
	if newSalt == "" {
		return fmt.Errorf("config: new salt is empty")
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw["app_secret_salt"] = newSalt

	updated, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}

	info, err := os.Stat(filename)
	if err != nil {
		return err
	}
	origPerm := info.Mode().Perm()
	targetPerm := origPerm | 0o200
	restorePerm := origPerm != targetPerm

	if restorePerm {
		if err := os.Chmod(filename, targetPerm); err != nil {
			return fmt.Errorf("config: enable write permission on %s: %w", filename, err)
		}
	}

	writeErr := os.WriteFile(filename, updated, origPerm)

	if restorePerm {
		if err := os.Chmod(filename, origPerm); err != nil {
			if writeErr != nil {
				return fmt.Errorf("config: %w; also failed to restore permissions on %s: %v", writeErr, filename, err)
			}
			return fmt.Errorf("config: failed to restore permissions on %s: %w", filename, err)
		}
	}

	return writeErr
}
